// CLAUDE:SUMMARY Admission validation for selector definitions — priorities, thresholds, and compilable variant payloads.
package selector

import (
	"fmt"
	"regexp"

	"github.com/andybalholm/cascadia"
	"github.com/antchfx/xpath"
)

// MinStrategies is the hard floor; ProductionStrategies is what a resilient
// deployment should carry per selector.
const (
	MinStrategies        = 1
	ProductionStrategies = 3
)

// Normalize fills derived fields in place: unset threshold, unset rule
// weights, and empty strategy IDs. Call before Validate.
func Normalize(s *SemanticSelector) {
	if s.Threshold == 0 {
		s.Threshold = DefaultThreshold
	}
	for i := range s.Strategies {
		if s.Strategies[i].ID == "" {
			s.Strategies[i].ID = s.Strategies[i].DeriveID()
		}
	}
}

// Validate checks a definition for admission into the registry. It verifies
// identity, threshold range, priority uniqueness, and that every variant
// payload is present and compilable, so resolution never meets a selector it
// cannot execute.
func Validate(s *SemanticSelector) error {
	if s.Name == "" {
		return &ErrInvalid{Name: s.Name, Reason: "name is required"}
	}
	if s.Threshold < 0.5 || s.Threshold > 1.0 {
		return &ErrInvalid{Name: s.Name, Reason: fmt.Sprintf("threshold %.2f outside [0.5, 1.0]", s.Threshold)}
	}
	if len(s.Strategies) < MinStrategies {
		return &ErrInvalid{Name: s.Name, Reason: "at least one strategy is required"}
	}

	seenPriority := make(map[int]string, len(s.Strategies))
	seenID := make(map[string]bool, len(s.Strategies))
	for i := range s.Strategies {
		sc := &s.Strategies[i]
		if other, dup := seenPriority[sc.Priority]; dup {
			return &ErrInvalid{Name: s.Name, Reason: fmt.Sprintf("duplicate priority %d (%s, %s)", sc.Priority, other, sc.ID)}
		}
		seenPriority[sc.Priority] = sc.ID
		if sc.ID == "" {
			return &ErrInvalid{Name: s.Name, Reason: "strategy missing ID; call Normalize first"}
		}
		if seenID[sc.ID] {
			return &ErrInvalid{Name: s.Name, Reason: fmt.Sprintf("duplicate strategy %s", sc.ID)}
		}
		seenID[sc.ID] = true
		if err := validateStrategy(sc); err != nil {
			return &ErrInvalid{Name: s.Name, Reason: err.Error()}
		}
	}

	for _, r := range s.Validation {
		if err := validateRule(r); err != nil {
			return &ErrInvalid{Name: s.Name, Reason: err.Error()}
		}
	}
	return nil
}

func validateStrategy(sc *StrategyConfig) error {
	if sc.payload() == nil {
		return fmt.Errorf("strategy %s: kind %q has no matching payload", sc.ID, sc.Kind)
	}
	switch sc.Kind {
	case KindTextAnchor:
		c := sc.TextAnchor
		if c.AnchorText == "" {
			return fmt.Errorf("strategy %s: anchor_text is required", sc.ID)
		}
		if c.ProximityScope != "" {
			if _, err := cascadia.Compile(c.ProximityScope); err != nil {
				return fmt.Errorf("strategy %s: proximity_scope: %v", sc.ID, err)
			}
		}
	case KindAttributeMatch:
		c := sc.AttributeMatch
		if c.Attribute == "" {
			return fmt.Errorf("strategy %s: attribute is required", sc.ID)
		}
		if c.ValuePattern == "" {
			return fmt.Errorf("strategy %s: value_pattern is required", sc.ID)
		}
		if _, err := regexp.Compile(c.ValuePattern); err != nil {
			return fmt.Errorf("strategy %s: value_pattern: %v", sc.ID, err)
		}
	case KindStructural:
		c := sc.Structural
		if c.AnchorScope == "" {
			return fmt.Errorf("strategy %s: anchor_scope is required", sc.ID)
		}
		if _, err := xpath.Compile(c.AnchorScope); err != nil {
			return fmt.Errorf("strategy %s: anchor_scope: %v", sc.ID, err)
		}
		switch c.RelationKind {
		case RelationChild, RelationDescendant, RelationSibling, RelationParent:
		default:
			return fmt.Errorf("strategy %s: unknown relation %q", sc.ID, c.RelationKind)
		}
		if c.ChildIndex < 0 {
			return fmt.Errorf("strategy %s: child_index must be >= 0", sc.ID)
		}
	case KindRoleBased:
		c := sc.RoleBased
		if c.Role == "" && c.SemanticAttribute == "" {
			return fmt.Errorf("strategy %s: role or semantic_attribute is required", sc.ID)
		}
		if c.ExpectedValue != "" && c.SemanticAttribute == "" {
			return fmt.Errorf("strategy %s: expected_value needs semantic_attribute", sc.ID)
		}
	case KindCustom:
		if sc.Custom.Name == "" {
			return fmt.Errorf("strategy %s: custom matcher name is required", sc.ID)
		}
	default:
		return fmt.Errorf("strategy %s: unknown kind %q", sc.ID, sc.Kind)
	}
	return nil
}

func validateRule(r ValidationRule) error {
	switch r.Kind {
	case RuleNonEmpty, RuleNumeric:
	case RuleTextMatches:
		if _, err := regexp.Compile(r.Arg); err != nil {
			return fmt.Errorf("validation rule %s: %v", r.Kind, err)
		}
	case RuleMinLength, RuleMaxLength:
		if r.Arg == "" {
			return fmt.Errorf("validation rule %s: length argument required", r.Kind)
		}
	case RuleAttrPresent:
		if r.Arg == "" {
			return fmt.Errorf("validation rule %s: attribute name required", r.Kind)
		}
	case RuleAttrEquals:
		if r.Arg == "" {
			return fmt.Errorf("validation rule %s: attribute name required", r.Kind)
		}
	default:
		return fmt.Errorf("unknown validation rule kind %q", r.Kind)
	}
	if r.Weight < 0 {
		return fmt.Errorf("validation rule %s: negative weight", r.Kind)
	}
	return nil
}
