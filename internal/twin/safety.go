package twin

import "context"

// SafetyOutcome is the result classification of a SafetyEngine evaluation.
type SafetyOutcome string

const (
	SafetyAccepted SafetyOutcome = "ACCEPTED"
	SafetyRefused  SafetyOutcome = "REFUSED"
	SafetyModified SafetyOutcome = "MODIFIED"
)

// SafetyContext is everything a SafetyRule needs to evaluate a proposed
// value: the device itself, what's being proposed, the twin snapshot,
// the owning FunctionalSystem if any, and the Desired states of sibling
// devices in that system (interlocks key off Desired, never Reported — see
// the Open Question in the design notes).
type SafetyContext struct {
	DeviceId            DeviceId
	DeviceType          DeviceType
	ProposedValue       DeviceValue
	CurrentSnapshot     *DeviceTwinSnapshot
	FunctionalSystem    *FunctionalSystem
	RelatedDeviceStates map[DeviceId]DeviceTwinSnapshot
	Metadata            map[string]string
}

// RuleOutcome is the per-rule evaluation result.
type RuleOutcome struct {
	Outcome       SafetyOutcome
	ModifiedValue DeviceValue
	Reason        string
}

// SafetyRule is a single, stateless, deterministic, side-effect-free safety
// check. Hardcoded rules and declaratively-loaded rules both satisfy this
// interface.
type SafetyRule interface {
	Id() string
	Name() string
	Category() OverrideCategory
	Priority() int
	// AppliesTo reports whether this rule should be evaluated for ctx.
	AppliesTo(ctx SafetyContext) bool
	// Evaluate runs the rule. Implementations must not block on I/O; the
	// engine bounds every call with a per-rule timeout regardless.
	Evaluate(ctx context.Context, sctx SafetyContext) RuleOutcome
}

// SafetyEvaluationResult is the full-pipeline outcome returned by the
// SafetyEngine.
type SafetyEvaluationResult struct {
	Outcome       SafetyOutcome
	FinalValue    DeviceValue
	Reason        string
	EvaluatedRule []string
}
