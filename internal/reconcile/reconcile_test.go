package reconcile

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flightctl/calcifer/internal/calculator"
	"github.com/flightctl/calcifer/internal/events"
	"github.com/flightctl/calcifer/internal/twin"
)

func silentLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func mustDeviceId(t *testing.T) twin.DeviceId {
	t.Helper()
	id, err := twin.NewDeviceId("ctrl1", "fan1")
	require.NoError(t, err)
	return id
}

type alwaysHealthy struct{}

func (alwaysHealthy) IsHealthy() bool { return true }

type alwaysUnhealthy struct{}

func (alwaysUnhealthy) IsHealthy() bool { return false }

type fakeTwinStore struct {
	snapshot twin.DeviceTwinSnapshot
	getErr   error
	saved    twin.DeviceValue
	saveErr  error
}

func (f *fakeTwinStore) GetSnapshot(_ context.Context, _ twin.DeviceId) (twin.DeviceTwinSnapshot, error) {
	return f.snapshot, f.getErr
}

func (f *fakeTwinStore) SaveDesired(_ context.Context, id twin.DeviceId, compute func(twin.DeviceTwinSnapshot) (twin.DeviceValue, error)) (twin.DesiredDeviceState, error) {
	if f.saveErr != nil {
		return twin.DesiredDeviceState{}, f.saveErr
	}
	value, err := compute(f.snapshot)
	if err != nil {
		return twin.DesiredDeviceState{}, err
	}
	f.saved = value
	return twin.DesiredDeviceState{DeviceId: id, Value: value, UpdatedAt: time.Now()}, nil
}

type fakeSystemLookup struct {
	system *twin.FunctionalSystem
	err    error
}

func (f *fakeSystemLookup) FindOwning(_ context.Context, _ twin.DeviceId) (*twin.FunctionalSystem, error) {
	return f.system, f.err
}

type fakeCalculator struct {
	result calculator.CalculationResult
	err    error
}

func (f *fakeCalculator) Calculate(_ context.Context, _ twin.DeviceTwinSnapshot, _ *twin.FunctionalSystem, _ map[string]string) (calculator.CalculationResult, error) {
	return f.result, f.err
}

type fakeAuditSink struct {
	entries []twin.AuditEntry
}

func (f *fakeAuditSink) Write(_ context.Context, entry twin.AuditEntry) {
	f.entries = append(f.entries, entry)
}

func newCoordinator(t *testing.T, health HealthChecker, twinStore *fakeTwinStore, systems SystemLookup, calc Calculator, audit *fakeAuditSink, bus events.Bus) *Coordinator {
	t.Helper()
	return NewCoordinator(silentLogger(), health, twinStore, twinStore, systems, calc, audit, bus)
}

func TestReconcile_InfrastructureUnavailable(t *testing.T) {
	c := newCoordinator(t, alwaysUnhealthy{}, &fakeTwinStore{}, &fakeSystemLookup{}, &fakeCalculator{}, &fakeAuditSink{}, nil)
	outcome, err := c.Reconcile(context.Background(), mustDeviceId(t))
	require.NoError(t, err)
	assert.Equal(t, OutcomeInfrastructureUnavailable, outcome)
}

func TestReconcile_DeviceNotFound(t *testing.T) {
	c := newCoordinator(t, alwaysHealthy{}, &fakeTwinStore{snapshot: twin.DeviceTwinSnapshot{}}, &fakeSystemLookup{}, &fakeCalculator{}, &fakeAuditSink{}, nil)
	outcome, err := c.Reconcile(context.Background(), mustDeviceId(t))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeviceNotFound, outcome)
}

func TestReconcile_NoValue_NoChange(t *testing.T) {
	deviceId := mustDeviceId(t)
	snapshot := twin.DeviceTwinSnapshot{DeviceId: deviceId, Reported: &twin.ReportedDeviceState{IsKnown: true}}
	audit := &fakeAuditSink{}
	c := newCoordinator(t, alwaysHealthy{}, &fakeTwinStore{snapshot: snapshot}, &fakeSystemLookup{}, &fakeCalculator{result: calculator.CalculationResult{Source: calculator.SourceNoValue}}, audit, nil)
	outcome, err := c.Reconcile(context.Background(), deviceId)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoChange, outcome)
	assert.Empty(t, audit.entries)
}

func TestReconcile_SafetyRefused_AuditsAndReturnsNoWrite(t *testing.T) {
	deviceId := mustDeviceId(t)
	snapshot := twin.DeviceTwinSnapshot{DeviceId: deviceId, Reported: &twin.ReportedDeviceState{IsKnown: true}}
	audit := &fakeAuditSink{}
	twinStore := &fakeTwinStore{snapshot: snapshot}
	c := newCoordinator(t, alwaysHealthy{}, twinStore, &fakeSystemLookup{}, &fakeCalculator{result: calculator.CalculationResult{Source: calculator.SourceSafetyRefused, Reason: "interlock"}}, audit, nil)
	outcome, err := c.Reconcile(context.Background(), deviceId)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSafetyRefused, outcome)
	require.Len(t, audit.entries, 1)
	assert.Equal(t, twin.DecisionIntentRejected, audit.entries[0].DecisionType)
	assert.Nil(t, twinStore.saved)
}

func TestReconcile_Success_SavesDesiredAuditsAndPublishes(t *testing.T) {
	deviceId := mustDeviceId(t)
	snapshot := twin.DeviceTwinSnapshot{DeviceId: deviceId, Reported: &twin.ReportedDeviceState{IsKnown: true}}
	audit := &fakeAuditSink{}
	bus := events.NewInProcessBus(silentLogger())
	var published []events.Event
	bus.Subscribe(events.KindDesiredStateCalculated, func(_ context.Context, e events.Event) error {
		published = append(published, e)
		return nil
	})
	twinStore := &fakeTwinStore{snapshot: snapshot}
	relay := twin.NewRelayValue(true)
	c := newCoordinator(t, alwaysHealthy{}, twinStore, &fakeSystemLookup{}, &fakeCalculator{result: calculator.CalculationResult{Source: calculator.SourceIntent, Value: relay}}, audit, bus)

	outcome, err := c.Reconcile(context.Background(), deviceId)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, outcome)
	require.NotNil(t, twinStore.saved)
	assert.True(t, twinStore.saved.Equal(relay))
	require.Len(t, audit.entries, 1)
	assert.Equal(t, twin.DecisionDesiredCalculated, audit.entries[0].DecisionType)
	require.Len(t, published, 1)
	assert.Equal(t, deviceId.Canonical(), published[0].DeviceID)
}

func TestReconcile_OverrideSource_AuditsAsOverrideApplied(t *testing.T) {
	deviceId := mustDeviceId(t)
	snapshot := twin.DeviceTwinSnapshot{DeviceId: deviceId, Reported: &twin.ReportedDeviceState{IsKnown: true}}
	audit := &fakeAuditSink{}
	twinStore := &fakeTwinStore{snapshot: snapshot}
	relay := twin.NewRelayValue(false)
	c := newCoordinator(t, alwaysHealthy{}, twinStore, &fakeSystemLookup{}, &fakeCalculator{result: calculator.CalculationResult{Source: calculator.SourceOverride, Value: relay}}, audit, nil)

	outcome, err := c.Reconcile(context.Background(), deviceId)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, outcome)
	require.Len(t, audit.entries, 1)
	assert.Equal(t, twin.DecisionOverrideApplied, audit.entries[0].DecisionType)
}

func TestReconcile_CalculatorError_ReturnsError(t *testing.T) {
	deviceId := mustDeviceId(t)
	snapshot := twin.DeviceTwinSnapshot{DeviceId: deviceId, Reported: &twin.ReportedDeviceState{IsKnown: true}}
	c := newCoordinator(t, alwaysHealthy{}, &fakeTwinStore{snapshot: snapshot}, &fakeSystemLookup{}, &fakeCalculator{err: errors.New("boom")}, &fakeAuditSink{}, nil)
	outcome, err := c.Reconcile(context.Background(), deviceId)
	require.Error(t, err)
	assert.Equal(t, OutcomeError, outcome)
}
