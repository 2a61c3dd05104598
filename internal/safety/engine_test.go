package safety

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flightctl/calcifer/internal/twin"
)

func silentLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func mustDeviceId(t *testing.T, controller, component string) twin.DeviceId {
	t.Helper()
	id, err := twin.NewDeviceId(controller, component)
	require.NoError(t, err)
	return id
}

// S5 — FAN max-speed clamp.
func TestEngine_FanMaxSpeedClamp(t *testing.T) {
	engine := NewEngine(silentLogger(), 100*time.Millisecond, []twin.SafetyRule{NewFanMaxSpeedClamp()})

	overLimit := twin.FanValue{Speed: 7}
	sctx := twin.SafetyContext{
		DeviceId:      mustDeviceId(t, "termocamino", "fan"),
		DeviceType:    twin.DeviceTypeFan,
		ProposedValue: overLimit,
	}

	result := engine.Evaluate(context.Background(), sctx)

	assert.Equal(t, twin.SafetyModified, result.Outcome)
	clamped, err := twin.NewFanValue(twin.MaxFanSpeed)
	require.NoError(t, err)
	assert.True(t, result.FinalValue.Equal(clamped))
}

// S3 — Fire-pump interlock refuse.
func TestEngine_FirePumpInterlock_RefusesFireOffWhilePumpOn(t *testing.T) {
	engine := NewEngine(silentLogger(), 100*time.Millisecond, []twin.SafetyRule{
		NewFirePumpInterlockForFire("fire", "pump"),
		NewFirePumpInterlockForPump("fire", "pump"),
	})

	pumpId := mustDeviceId(t, "ctrl1", "pump")
	fireId := mustDeviceId(t, "ctrl1", "fire")

	sctx := twin.SafetyContext{
		DeviceId:      fireId,
		DeviceType:    twin.DeviceTypeRelay,
		ProposedValue: twin.NewRelayValue(false),
		RelatedDeviceStates: map[twin.DeviceId]twin.DeviceTwinSnapshot{
			pumpId: {
				DeviceId: pumpId,
				Desired:  &twin.DesiredDeviceState{DeviceId: pumpId, Value: twin.NewRelayValue(true)},
			},
		},
	}

	result := engine.Evaluate(context.Background(), sctx)

	assert.Equal(t, twin.SafetyRefused, result.Outcome)
	assert.Contains(t, result.Reason, "pump")
	assert.Nil(t, result.FinalValue)
}

// S4 — Fire-pump interlock modify (force pump on).
func TestEngine_FirePumpInterlock_ForcesPumpOnWhileFireOn(t *testing.T) {
	engine := NewEngine(silentLogger(), 100*time.Millisecond, []twin.SafetyRule{
		NewFirePumpInterlockForFire("fire", "pump"),
		NewFirePumpInterlockForPump("fire", "pump"),
	})

	pumpId := mustDeviceId(t, "ctrl1", "pump")
	fireId := mustDeviceId(t, "ctrl1", "fire")

	sctx := twin.SafetyContext{
		DeviceId:      pumpId,
		DeviceType:    twin.DeviceTypeRelay,
		ProposedValue: twin.NewRelayValue(false),
		RelatedDeviceStates: map[twin.DeviceId]twin.DeviceTwinSnapshot{
			fireId: {
				DeviceId: fireId,
				Desired:  &twin.DesiredDeviceState{DeviceId: fireId, Value: twin.NewRelayValue(true)},
			},
		},
	}

	result := engine.Evaluate(context.Background(), sctx)

	assert.Equal(t, twin.SafetyModified, result.Outcome)
	assert.True(t, result.FinalValue.Equal(twin.NewRelayValue(true)))
}

func TestEngine_NoRulesApply_Accepted(t *testing.T) {
	engine := NewEngine(silentLogger(), 100*time.Millisecond, []twin.SafetyRule{NewFanMaxSpeedClamp()})

	sctx := twin.SafetyContext{
		DeviceId:      mustDeviceId(t, "ctrl1", "relay1"),
		DeviceType:    twin.DeviceTypeRelay,
		ProposedValue: twin.NewRelayValue(true),
	}

	result := engine.Evaluate(context.Background(), sctx)
	assert.Equal(t, twin.SafetyAccepted, result.Outcome)
	assert.True(t, result.FinalValue.Equal(twin.NewRelayValue(true)))
}

type panickingRule struct{}

func (panickingRule) Id() string                     { return "panics" }
func (panickingRule) Name() string                   { return "panics" }
func (panickingRule) Category() twin.OverrideCategory { return twin.CategoryHardcodedSafety }
func (panickingRule) Priority() int                   { return 0 }
func (panickingRule) AppliesTo(twin.SafetyContext) bool { return true }
func (panickingRule) Evaluate(context.Context, twin.SafetyContext) twin.RuleOutcome {
	panic("boom")
}

func TestEngine_PanickingRuleTreatedAsAccepted(t *testing.T) {
	engine := NewEngine(silentLogger(), 50*time.Millisecond, []twin.SafetyRule{panickingRule{}})

	sctx := twin.SafetyContext{
		DeviceId:      mustDeviceId(t, "ctrl1", "relay1"),
		DeviceType:    twin.DeviceTypeRelay,
		ProposedValue: twin.NewRelayValue(true),
	}

	result := engine.Evaluate(context.Background(), sctx)
	assert.Equal(t, twin.SafetyAccepted, result.Outcome)
}

type slowRule struct{}

func (slowRule) Id() string                     { return "slow" }
func (slowRule) Name() string                   { return "slow" }
func (slowRule) Category() twin.OverrideCategory { return twin.CategoryHardcodedSafety }
func (slowRule) Priority() int                   { return 0 }
func (slowRule) AppliesTo(twin.SafetyContext) bool { return true }
func (slowRule) Evaluate(ctx context.Context, _ twin.SafetyContext) twin.RuleOutcome {
	select {
	case <-time.After(time.Second):
	case <-ctx.Done():
	}
	return twin.RuleOutcome{Outcome: twin.SafetyRefused, Reason: "too slow to matter"}
}

func TestEngine_SlowRuleTimesOutAndIsTreatedAsAccepted(t *testing.T) {
	engine := NewEngine(silentLogger(), 10*time.Millisecond, []twin.SafetyRule{slowRule{}})

	sctx := twin.SafetyContext{
		DeviceId:      mustDeviceId(t, "ctrl1", "relay1"),
		DeviceType:    twin.DeviceTypeRelay,
		ProposedValue: twin.NewRelayValue(true),
	}

	result := engine.Evaluate(context.Background(), sctx)
	assert.Equal(t, twin.SafetyAccepted, result.Outcome)
}

func TestCategoryOrdinal_Precedence(t *testing.T) {
	assert.Less(t, categoryOrdinal(twin.CategoryHardcodedSafety), categoryOrdinal(twin.CategorySystemSafety))
	assert.Less(t, categoryOrdinal(twin.CategorySystemSafety), categoryOrdinal(twin.CategoryEmergency))
	assert.Less(t, categoryOrdinal(twin.CategoryEmergency), categoryOrdinal(twin.CategoryMaintenance))
	assert.Less(t, categoryOrdinal(twin.CategoryMaintenance), categoryOrdinal(twin.CategoryScheduled))
	assert.Less(t, categoryOrdinal(twin.CategoryScheduled), categoryOrdinal(twin.CategoryManual))
	assert.Less(t, categoryOrdinal(twin.CategoryManual), categoryOrdinal(twin.CategoryUserIntent))
}
