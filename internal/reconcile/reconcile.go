// Package reconcile implements ReconciliationCoordinator (§4.6): the single
// entry point that turns a "something changed for this device" signal into
// a Desired-state write, an audit entry, and a DesiredStateCalculated event.
package reconcile

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/flightctl/calcifer/internal/calculator"
	"github.com/flightctl/calcifer/internal/events"
	"github.com/flightctl/calcifer/internal/twin"
)

// Outcome is a typed string enum, matching the teacher's
// domain.EventReason-style string enums, for readable audit/log output.
type Outcome string

const (
	OutcomeSuccess                   Outcome = "SUCCESS"
	OutcomeNoChange                  Outcome = "NO_CHANGE"
	OutcomeSafetyRefused             Outcome = "SAFETY_REFUSED"
	OutcomeDeviceNotFound            Outcome = "DEVICE_NOT_FOUND"
	OutcomeInfrastructureUnavailable Outcome = "INFRASTRUCTURE_UNAVAILABLE"
	OutcomeError                     Outcome = "ERROR"
)

// HealthChecker reports whether the infrastructure reconciliation depends
// on (storage, cache, messaging) is currently healthy.
type HealthChecker interface {
	IsHealthy() bool
}

// TwinReader/TwinWriter are the narrow TwinStore operations this package
// depends on.
type TwinReader interface {
	GetSnapshot(ctx context.Context, id twin.DeviceId) (twin.DeviceTwinSnapshot, error)
}

type TwinWriter interface {
	SaveDesired(ctx context.Context, id twin.DeviceId, compute func(twin.DeviceTwinSnapshot) (twin.DeviceValue, error)) (twin.DesiredDeviceState, error)
}

// SystemLookup is the narrow FunctionalSystemStore operation this package
// depends on.
type SystemLookup interface {
	FindOwning(ctx context.Context, deviceId twin.DeviceId) (*twin.FunctionalSystem, error)
}

// AuditSink is the narrow AuditStore operation this package depends on.
type AuditSink interface {
	Write(ctx context.Context, entry twin.AuditEntry)
}

// Calculator is the narrow StateCalculator operation this package depends
// on.
type Calculator interface {
	Calculate(ctx context.Context, snapshot twin.DeviceTwinSnapshot, system *twin.FunctionalSystem, metadata map[string]string) (calculator.CalculationResult, error)
}

// Coordinator is ReconciliationCoordinator.
type Coordinator struct {
	log        logrus.FieldLogger
	health     HealthChecker
	twinReader TwinReader
	twinWriter TwinWriter
	systems    SystemLookup
	calculator Calculator
	audit      AuditSink
	bus        events.Bus
}

func NewCoordinator(
	log logrus.FieldLogger,
	health HealthChecker,
	twinReader TwinReader,
	twinWriter TwinWriter,
	systems SystemLookup,
	calc Calculator,
	audit AuditSink,
	bus events.Bus,
) *Coordinator {
	return &Coordinator{
		log:        log,
		health:     health,
		twinReader: twinReader,
		twinWriter: twinWriter,
		systems:    systems,
		calculator: calc,
		audit:      audit,
		bus:        bus,
	}
}

// decisionTypeFor maps a calculation Source onto the AuditEntry decision
// type it produces (§4.6 step 5).
func decisionTypeFor(source calculator.Source) twin.DecisionType {
	switch source {
	case calculator.SourceOverride:
		return twin.DecisionOverrideApplied
	case calculator.SourceSafetyModified:
		return twin.DecisionSafetyRuleActivated
	default:
		return twin.DecisionDesiredCalculated
	}
}

// Reconcile runs the full §4.6 algorithm for deviceId.
func (c *Coordinator) Reconcile(ctx context.Context, deviceId twin.DeviceId) (Outcome, error) {
	if c.health != nil && !c.health.IsHealthy() {
		return OutcomeInfrastructureUnavailable, nil
	}

	snapshot, err := c.twinReader.GetSnapshot(ctx, deviceId)
	if err != nil {
		c.log.WithError(err).WithField("device_id", deviceId.Canonical()).Error("reconcile: loading twin snapshot failed")
		return OutcomeError, err
	}
	if snapshot.IsEmpty() {
		return OutcomeDeviceNotFound, nil
	}

	system, err := c.systems.FindOwning(ctx, deviceId)
	if err != nil {
		c.log.WithError(err).WithField("device_id", deviceId.Canonical()).Error("reconcile: looking up functional system failed")
		return OutcomeError, err
	}

	result, err := c.calculator.Calculate(ctx, snapshot, system, nil)
	if err != nil {
		c.log.WithError(err).WithField("device_id", deviceId.Canonical()).Error("reconcile: calculation failed")
		return OutcomeError, err
	}

	switch result.Source {
	case calculator.SourceNoValue:
		return OutcomeNoChange, nil

	case calculator.SourceSafetyRefused:
		c.writeAudit(ctx, deviceId, system, twin.DecisionIntentRejected, nil, nil, result.Reason)
		return OutcomeSafetyRefused, nil

	case calculator.SourceIntent, calculator.SourceOverride, calculator.SourceSafetyModified:
		desired, err := c.twinWriter.SaveDesired(ctx, deviceId, func(twin.DeviceTwinSnapshot) (twin.DeviceValue, error) {
			return result.Value, nil
		})
		if err != nil {
			c.log.WithError(err).WithField("device_id", deviceId.Canonical()).Error("reconcile: saving desired state failed")
			return OutcomeError, err
		}

		c.writeAudit(ctx, deviceId, system, decisionTypeFor(result.Source), result.OriginalValue, desired.Value, result.Reason)

		if c.bus != nil {
			systemId := ""
			if system != nil {
				systemId = system.Id
			}
			c.bus.Publish(ctx, events.Event{
				Kind:       events.KindDesiredStateCalculated,
				Reason:     string(result.Source),
				DeviceID:   deviceId.Canonical(),
				SystemID:   systemId,
				Scope:      events.ScopeDevice,
				OccurredAt: desired.UpdatedAt,
			})
		}
		return OutcomeSuccess, nil

	default:
		return OutcomeError, fmt.Errorf("reconcile: unknown calculation source %q", result.Source)
	}
}

func (c *Coordinator) writeAudit(ctx context.Context, deviceId twin.DeviceId, system *twin.FunctionalSystem, decision twin.DecisionType, previous, newValue twin.DeviceValue, reason string) {
	var systemId *string
	if system != nil {
		systemId = &system.Id
	}
	c.audit.Write(ctx, twin.AuditEntry{
		DeviceId:      &deviceId,
		SystemId:      systemId,
		DecisionType:  decision,
		Actor:         "reconciliation-coordinator",
		PreviousValue: previous,
		NewValue:      newValue,
		Reason:        reason,
	})
}
