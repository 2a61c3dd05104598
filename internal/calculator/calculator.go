// Package calculator implements StateCalculator (§4.5): the pure decision
// kernel that turns a twin snapshot, its owning functional system, and the
// override/safety pipeline results into a single Desired-state decision.
package calculator

import (
	"context"
	"fmt"

	"github.com/flightctl/calcifer/internal/twin"
)

// Source tags where a CalculationResult's value came from.
type Source string

const (
	SourceIntent         Source = "INTENT"
	SourceOverride       Source = "OVERRIDE"
	SourceSafetyModified Source = "SAFETY_MODIFIED"
	SourceSafetyRefused  Source = "SAFETY_REFUSED"
	SourceNoValue        Source = "NO_VALUE"
)

// CalculationResult is StateCalculator's output (§4.5 contract).
type CalculationResult struct {
	Source        Source
	Value         twin.DeviceValue
	OriginalValue twin.DeviceValue
	Reason        string
	EvaluatedRule []string
}

// OverrideResolver is the read dependency this package needs from
// internal/overrideresolver, kept narrow for testability.
type OverrideResolver interface {
	ResolveEffective(ctx context.Context, deviceId twin.DeviceId, systemId *string) (*twin.Override, error)
}

// SafetyEvaluator is the read dependency this package needs from
// internal/safety.
type SafetyEvaluator interface {
	Evaluate(ctx context.Context, sctx twin.SafetyContext) twin.SafetyEvaluationResult
}

// RelatedStateLoader loads the current twin snapshots of a functional
// system's member devices, used to populate SafetyContext.RelatedDeviceStates.
type RelatedStateLoader interface {
	LoadSnapshots(ctx context.Context, deviceIds []twin.DeviceId) (map[twin.DeviceId]twin.DeviceTwinSnapshot, error)
}

// Calculator is StateCalculator.
type Calculator struct {
	overrides OverrideResolver
	safety    SafetyEvaluator
	related   RelatedStateLoader
}

func NewCalculator(overrides OverrideResolver, safety SafetyEvaluator, related RelatedStateLoader) *Calculator {
	return &Calculator{overrides: overrides, safety: safety, related: related}
}

// Calculate runs the full §4.5 algorithm. It performs no writes and emits
// no events — callers (ReconciliationCoordinator) own all side effects.
func (c *Calculator) Calculate(ctx context.Context, snapshot twin.DeviceTwinSnapshot, system *twin.FunctionalSystem, metadata map[string]string) (CalculationResult, error) {
	var systemId *string
	if system != nil {
		systemId = &system.Id
	}

	override, err := c.overrides.ResolveEffective(ctx, snapshot.DeviceId, systemId)
	if err != nil {
		return CalculationResult{}, fmt.Errorf("resolving override: %w", err)
	}

	var proposed twin.DeviceValue
	var provisionalSource Source
	switch {
	case override != nil:
		proposed = override.Value
		provisionalSource = SourceOverride
	case snapshot.Intent != nil:
		proposed = snapshot.Intent.Value
		provisionalSource = SourceIntent
	default:
		return CalculationResult{Source: SourceNoValue, Reason: "no intent or override"}, nil
	}

	related := map[twin.DeviceId]twin.DeviceTwinSnapshot{}
	if system != nil && c.related != nil {
		loaded, err := c.related.LoadSnapshots(ctx, system.DeviceIds)
		if err != nil {
			return CalculationResult{}, fmt.Errorf("loading related device states: %w", err)
		}
		related = loaded
	}

	sctx := twin.SafetyContext{
		DeviceId:            snapshot.DeviceId,
		DeviceType:          snapshot.Type,
		ProposedValue:       proposed,
		CurrentSnapshot:     &snapshot,
		FunctionalSystem:    system,
		RelatedDeviceStates: related,
		Metadata:            metadata,
	}

	evaluation := c.safety.Evaluate(ctx, sctx)

	switch evaluation.Outcome {
	case twin.SafetyAccepted:
		return CalculationResult{Source: provisionalSource, Value: proposed, EvaluatedRule: evaluation.EvaluatedRule}, nil
	case twin.SafetyModified:
		return CalculationResult{
			Source:        SourceSafetyModified,
			Value:         evaluation.FinalValue,
			OriginalValue: proposed,
			Reason:        evaluation.Reason,
			EvaluatedRule: evaluation.EvaluatedRule,
		}, nil
	case twin.SafetyRefused:
		return CalculationResult{
			Source:        SourceSafetyRefused,
			Reason:        evaluation.Reason,
			EvaluatedRule: evaluation.EvaluatedRule,
		}, nil
	default:
		return CalculationResult{}, fmt.Errorf("unknown safety outcome %q", evaluation.Outcome)
	}
}
