// Package safety implements the SafetyEngine: a fixed-precedence rule
// pipeline that accepts, modifies, or refuses a proposed device value
// before it is ever written to Desired state.
package safety

import (
	"context"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/flightctl/calcifer/internal/twin"
)

// Engine evaluates a SafetyContext against an ordered rule set.
type Engine struct {
	log             logrus.FieldLogger
	rules           []twin.SafetyRule
	hardcoded       []twin.SafetyRule
	evaluationCap   time.Duration
}

// NewEngine constructs an Engine. hardcoded rules always run, even on the
// fallback-only path; rules may additionally include declaratively loaded
// ones (see ruleset.go).
func NewEngine(log logrus.FieldLogger, evaluationCap time.Duration, hardcoded []twin.SafetyRule, rules ...twin.SafetyRule) *Engine {
	e := &Engine{log: log, evaluationCap: evaluationCap, hardcoded: hardcoded}
	e.rules = append(e.rules, hardcoded...)
	e.rules = append(e.rules, rules...)
	sortByCategoryThenPriority(e.rules)
	return e
}

// categoryOrdinal returns each category's fixed precedence position for
// safety evaluation (§4.3 step 1); lower runs first.
func categoryOrdinal(category twin.OverrideCategory) int {
	for i, c := range twin.SafetyPrecedence() {
		if c == category {
			return i
		}
	}
	return len(twin.SafetyPrecedence())
}

func sortByCategoryThenPriority(rules []twin.SafetyRule) {
	sort.SliceStable(rules, func(i, j int) bool {
		oi, oj := categoryOrdinal(rules[i].Category()), categoryOrdinal(rules[j].Category())
		if oi != oj {
			return oi < oj
		}
		return rules[i].Priority() < rules[j].Priority()
	})
}

func isHardcodedOrSystemSafety(category twin.OverrideCategory) bool {
	return category == twin.CategoryHardcodedSafety || category == twin.CategorySystemSafety
}

// Evaluate runs the full rule pipeline (§4.3 steps 1-7).
func (e *Engine) Evaluate(ctx context.Context, sctx twin.SafetyContext) twin.SafetyEvaluationResult {
	return e.run(ctx, sctx, e.rules)
}

// EvaluateHardcodedOnly runs only the HARDCODED_SAFETY category. Used as a
// fallback when declarative-rule evaluation throws or times out.
func (e *Engine) EvaluateHardcodedOnly(ctx context.Context, sctx twin.SafetyContext) twin.SafetyEvaluationResult {
	return e.run(ctx, sctx, e.hardcoded)
}

func (e *Engine) run(ctx context.Context, sctx twin.SafetyContext, rules []twin.SafetyRule) twin.SafetyEvaluationResult {
	current := sctx.ProposedValue
	evaluated := make([]string, 0, len(rules))
	modified := false

	for _, rule := range rules {
		evalCtx := sctx
		evalCtx.ProposedValue = current
		if !rule.AppliesTo(evalCtx) {
			continue
		}

		outcome := e.evaluateWithTimeout(ctx, rule, evalCtx)
		evaluated = append(evaluated, rule.Id())

		switch outcome.Outcome {
		case twin.SafetyRefused:
			if isHardcodedOrSystemSafety(rule.Category()) {
				return twin.SafetyEvaluationResult{
					Outcome:       twin.SafetyRefused,
					FinalValue:    nil,
					Reason:        outcome.Reason,
					EvaluatedRule: evaluated,
				}
			}
			// a non-hardcoded/system-safety rule refusing does not
			// terminate the pipeline per §4.3 step 4; it is logged and
			// treated as accepted with no modification, matching the
			// rule contract's "a rule that errors does not abort".
			e.log.WithField("rule", rule.Id()).Warn("safety rule refused outside hardcoded/system-safety category; ignoring refusal")
		case twin.SafetyModified:
			current = outcome.ModifiedValue
			modified = true
		case twin.SafetyAccepted:
			// continue
		}
	}

	result := twin.SafetyEvaluationResult{FinalValue: current, EvaluatedRule: evaluated}
	if modified {
		result.Outcome = twin.SafetyModified
	} else {
		result.Outcome = twin.SafetyAccepted
	}
	return result
}

// evaluateWithTimeout runs a single rule bounded by the engine's per-rule
// timeout. A rule that panics or exceeds the timeout is treated as
// ACCEPTED and logged (§4.3's rule contract: a throwing rule must not
// abort the pipeline).
func (e *Engine) evaluateWithTimeout(ctx context.Context, rule twin.SafetyRule, sctx twin.SafetyContext) twin.RuleOutcome {
	ruleCtx, cancel := context.WithTimeout(ctx, e.evaluationCap)
	defer cancel()

	resultCh := make(chan twin.RuleOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.log.WithField("rule", rule.Id()).WithField("panic", r).Error("safety rule panicked; treating as accepted")
				resultCh <- twin.RuleOutcome{Outcome: twin.SafetyAccepted}
			}
		}()
		resultCh <- rule.Evaluate(ruleCtx, sctx)
	}()

	select {
	case outcome := <-resultCh:
		return outcome
	case <-ruleCtx.Done():
		e.log.WithField("rule", rule.Id()).Warn("safety rule evaluation timed out; treating as accepted")
		return twin.RuleOutcome{Outcome: twin.SafetyAccepted}
	}
}
