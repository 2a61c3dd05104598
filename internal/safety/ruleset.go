package safety

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/flightctl/calcifer/internal/twin"
)

// declarativeRuleSpec is the YAML shape for an operator-authored safety
// rule: a bound on a single numeric device value, scoped to a device type
// and optionally a specific component id.
type declarativeRuleSpec struct {
	Id          string                `yaml:"id"`
	Name        string                `yaml:"name"`
	Category    twin.OverrideCategory `yaml:"category"`
	Priority    int                   `yaml:"priority"`
	DeviceType  twin.DeviceType       `yaml:"deviceType"`
	ComponentId string                `yaml:"componentId,omitempty"`
	Min         *float64              `yaml:"min,omitempty"`
	Max         *float64              `yaml:"max,omitempty"`
	Refuse      bool                  `yaml:"refuseOutOfBounds"`
}

type ruleSetFile struct {
	Rules []declarativeRuleSpec `yaml:"rules"`
}

// LoadRules parses a YAML file of declarative rule specs into SafetyRules.
func LoadRules(path string) ([]twin.SafetyRule, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rule set %s: %w", path, err)
	}
	var file ruleSetFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parsing rule set %s: %w", path, err)
	}

	rules := make([]twin.SafetyRule, 0, len(file.Rules))
	for _, spec := range file.Rules {
		rules = append(rules, declarativeRule{spec})
	}
	return rules, nil
}

type declarativeRule struct {
	spec declarativeRuleSpec
}

func (r declarativeRule) Id() string                     { return r.spec.Id }
func (r declarativeRule) Name() string                   { return r.spec.Name }
func (r declarativeRule) Category() twin.OverrideCategory { return r.spec.Category }
func (r declarativeRule) Priority() int                   { return r.spec.Priority }

func (r declarativeRule) AppliesTo(sctx twin.SafetyContext) bool {
	if sctx.DeviceType != r.spec.DeviceType {
		return false
	}
	if r.spec.ComponentId != "" && sctx.DeviceId.ComponentId != r.spec.ComponentId {
		return false
	}
	return true
}

func (r declarativeRule) Evaluate(_ context.Context, sctx twin.SafetyContext) twin.RuleOutcome {
	numeric, ok := numericValue(sctx.ProposedValue)
	if !ok {
		return twin.RuleOutcome{Outcome: twin.SafetyAccepted}
	}

	clamped := numeric
	violated := false
	if r.spec.Min != nil && numeric < *r.spec.Min {
		clamped, violated = *r.spec.Min, true
	}
	if r.spec.Max != nil && numeric > *r.spec.Max {
		clamped, violated = *r.spec.Max, true
	}
	if !violated {
		return twin.RuleOutcome{Outcome: twin.SafetyAccepted}
	}

	if r.spec.Refuse {
		return twin.RuleOutcome{
			Outcome: twin.SafetyRefused,
			Reason:  fmt.Sprintf("rule %s: value %g out of bounds [%v, %v]", r.spec.Id, numeric, r.spec.Min, r.spec.Max),
		}
	}

	modified, err := rebuildNumericValue(sctx.ProposedValue, clamped)
	if err != nil {
		return twin.RuleOutcome{Outcome: twin.SafetyAccepted}
	}
	return twin.RuleOutcome{
		Outcome:       twin.SafetyModified,
		ModifiedValue: modified,
		Reason:        fmt.Sprintf("rule %s: clamped %g to %g", r.spec.Id, numeric, clamped),
	}
}

func numericValue(v twin.DeviceValue) (float64, bool) {
	switch val := v.(type) {
	case twin.FanValue:
		return float64(val.Speed), true
	case twin.TemperatureValue:
		return val.Celsius, true
	default:
		return 0, false
	}
}

func rebuildNumericValue(original twin.DeviceValue, numeric float64) (twin.DeviceValue, error) {
	switch original.(type) {
	case twin.FanValue:
		return twin.NewFanValue(int(numeric))
	case twin.TemperatureValue:
		return twin.NewTemperatureValue(numeric), nil
	default:
		return nil, fmt.Errorf("unsupported numeric value type")
	}
}
