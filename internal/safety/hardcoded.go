package safety

import (
	"context"
	"fmt"

	"github.com/flightctl/calcifer/internal/twin"
)

// fanMaxSpeedClamp refuses nothing but clamps any FAN value above
// twin.MaxFanSpeed down to it (S5).
type fanMaxSpeedClamp struct{}

// NewFanMaxSpeedClamp returns the hardcoded fan-speed-clamp rule.
func NewFanMaxSpeedClamp() twin.SafetyRule { return fanMaxSpeedClamp{} }

func (fanMaxSpeedClamp) Id() string                        { return "hardcoded.fan-max-speed-clamp" }
func (fanMaxSpeedClamp) Name() string                       { return "Fan max speed clamp" }
func (fanMaxSpeedClamp) Category() twin.OverrideCategory    { return twin.CategoryHardcodedSafety }
func (fanMaxSpeedClamp) Priority() int                      { return 0 }

func (fanMaxSpeedClamp) AppliesTo(sctx twin.SafetyContext) bool {
	return sctx.DeviceType == twin.DeviceTypeFan
}

func (fanMaxSpeedClamp) Evaluate(_ context.Context, sctx twin.SafetyContext) twin.RuleOutcome {
	fan, ok := sctx.ProposedValue.(twin.FanValue)
	if !ok {
		return twin.RuleOutcome{Outcome: twin.SafetyAccepted}
	}
	if fan.Speed <= twin.MaxFanSpeed {
		return twin.RuleOutcome{Outcome: twin.SafetyAccepted}
	}
	clamped, err := twin.NewFanValue(twin.MaxFanSpeed)
	if err != nil {
		return twin.RuleOutcome{Outcome: twin.SafetyAccepted}
	}
	return twin.RuleOutcome{
		Outcome:       twin.SafetyModified,
		ModifiedValue: clamped,
		Reason:        fmt.Sprintf("fan speed %d exceeds maximum %d", fan.Speed, twin.MaxFanSpeed),
	}
}

// firePumpInterlock is a pair of hardcoded rules (S3/S4): a fire-suppression
// relay may not be commanded OFF while its paired pump relay's Desired
// state is ON, and the pump relay is force-held ON while the fire relay's
// Desired state is ON. Both rules read sibling Desired state, never
// Reported, per the interlock example in §4.3.
type firePumpInterlock struct {
	fireComponentId string
	pumpComponentId string
}

// NewFirePumpInterlockForFire returns the rule guarding the fire relay: it
// refuses turning the fire relay OFF while the pump is desired ON.
func NewFirePumpInterlockForFire(fireComponentId, pumpComponentId string) twin.SafetyRule {
	return firePumpFireRule{firePumpInterlock{fireComponentId, pumpComponentId}}
}

// NewFirePumpInterlockForPump returns the rule guarding the pump relay: it
// forces the pump relay ON while the fire relay is desired ON.
func NewFirePumpInterlockForPump(fireComponentId, pumpComponentId string) twin.SafetyRule {
	return firePumpPumpRule{firePumpInterlock{fireComponentId, pumpComponentId}}
}

type firePumpFireRule struct{ firePumpInterlock }

func (r firePumpFireRule) Id() string                     { return "hardcoded.fire-pump-interlock.fire" }
func (r firePumpFireRule) Name() string                   { return "Fire relay refuses OFF while pump is desired ON" }
func (r firePumpFireRule) Category() twin.OverrideCategory { return twin.CategoryHardcodedSafety }
func (r firePumpFireRule) Priority() int                   { return 10 }

func (r firePumpFireRule) AppliesTo(sctx twin.SafetyContext) bool {
	return sctx.DeviceId.ComponentId == r.fireComponentId && sctx.DeviceType == twin.DeviceTypeRelay
}

func (r firePumpFireRule) Evaluate(_ context.Context, sctx twin.SafetyContext) twin.RuleOutcome {
	proposed, ok := sctx.ProposedValue.(twin.RelayValue)
	if !ok || proposed.On {
		return twin.RuleOutcome{Outcome: twin.SafetyAccepted}
	}
	pumpOn, found := desiredRelayOn(sctx, r.pumpComponentId)
	if !found || !pumpOn {
		return twin.RuleOutcome{Outcome: twin.SafetyAccepted}
	}
	return twin.RuleOutcome{
		Outcome: twin.SafetyRefused,
		Reason:  fmt.Sprintf("refusing to turn off fire relay while pump %q is desired on", r.pumpComponentId),
	}
}

type firePumpPumpRule struct{ firePumpInterlock }

func (r firePumpPumpRule) Id() string                     { return "hardcoded.fire-pump-interlock.pump" }
func (r firePumpPumpRule) Name() string                   { return "Pump relay forced ON while fire relay is desired ON" }
func (r firePumpPumpRule) Category() twin.OverrideCategory { return twin.CategoryHardcodedSafety }
func (r firePumpPumpRule) Priority() int                   { return 10 }

func (r firePumpPumpRule) AppliesTo(sctx twin.SafetyContext) bool {
	return sctx.DeviceId.ComponentId == r.pumpComponentId && sctx.DeviceType == twin.DeviceTypeRelay
}

func (r firePumpPumpRule) Evaluate(_ context.Context, sctx twin.SafetyContext) twin.RuleOutcome {
	proposed, ok := sctx.ProposedValue.(twin.RelayValue)
	if !ok || proposed.On {
		return twin.RuleOutcome{Outcome: twin.SafetyAccepted}
	}
	fireOn, found := desiredRelayOn(sctx, r.fireComponentId)
	if !found || !fireOn {
		return twin.RuleOutcome{Outcome: twin.SafetyAccepted}
	}
	return twin.RuleOutcome{
		Outcome:       twin.SafetyModified,
		ModifiedValue: twin.NewRelayValue(true),
		Reason:        fmt.Sprintf("forcing pump on while fire relay %q is desired on", r.fireComponentId),
	}
}

// desiredRelayOn looks up a sibling device's Desired relay state in
// sctx.RelatedDeviceStates by matching on componentId, since the fire and
// pump relays share the same controller within a FunctionalSystem.
func desiredRelayOn(sctx twin.SafetyContext, componentId string) (bool, bool) {
	for id, snapshot := range sctx.RelatedDeviceStates {
		if id.ComponentId != componentId {
			continue
		}
		if snapshot.Desired == nil {
			return false, false
		}
		relay, ok := snapshot.Desired.Value.(twin.RelayValue)
		if !ok {
			return false, false
		}
		return relay.On, true
	}
	return false, false
}
