// CLAUDE:SUMMARY Defines SemanticSelector, the tagged StrategyConfig variants, and content validation rules.
package selector

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// SchemaVersion is the on-disk format version of selector definitions.
// Loaders refuse rows written by a newer format.
const SchemaVersion = 1

// Kind discriminates the StrategyConfig variants.
type Kind string

const (
	KindTextAnchor     Kind = "text_anchor"
	KindAttributeMatch Kind = "attribute_match"
	KindStructural     Kind = "structural"
	KindRoleBased      Kind = "role_based"
	KindCustom         Kind = "custom"
)

// Kinds lists every known strategy kind.
var Kinds = []Kind{KindTextAnchor, KindAttributeMatch, KindStructural, KindRoleBased, KindCustom}

// SemanticSelector is a named, versioned description of business intent
// ("home_team_name") mapped to a document node through an ordered list of
// matching strategies.
//
// Selectors are owned by the Registry. Values handed out by the Registry are
// snapshots: treat them as read-only and go through Registry methods to
// change anything.
type SemanticSelector struct {
	Name         string            `json:"name" yaml:"name"`
	Scope        string            `json:"scope" yaml:"scope"`
	Strategies   []StrategyConfig  `json:"strategies" yaml:"strategies"`
	Validation   []ValidationRule  `json:"validation,omitempty" yaml:"validation,omitempty"`
	Threshold    float64           `json:"threshold" yaml:"threshold"`
	ExpectedTags []string          `json:"expected_tags,omitempty" yaml:"expected_tags,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	Version      int64             `json:"version" yaml:"-"`
	UpdatedAt    int64             `json:"updated_at" yaml:"-"` // unix millis
}

// DefaultThreshold applies when a definition leaves the threshold unset.
const DefaultThreshold = 0.8

// Primary returns the enabled strategy with the lowest priority number, or
// nil when every strategy is disabled.
func (s *SemanticSelector) Primary() *StrategyConfig {
	var best *StrategyConfig
	for i := range s.Strategies {
		sc := &s.Strategies[i]
		if sc.Disabled {
			continue
		}
		if best == nil || sc.Priority < best.Priority {
			best = sc
		}
	}
	return best
}

// Strategy returns the strategy with the given ID, or nil.
func (s *SemanticSelector) Strategy(id string) *StrategyConfig {
	for i := range s.Strategies {
		if s.Strategies[i].ID == id {
			return &s.Strategies[i]
		}
	}
	return nil
}

// Clone returns a deep copy, used by the Registry's copy-on-write mutations.
func (s *SemanticSelector) Clone() *SemanticSelector {
	out := *s
	out.Strategies = make([]StrategyConfig, len(s.Strategies))
	copy(out.Strategies, s.Strategies)
	out.Validation = make([]ValidationRule, len(s.Validation))
	copy(out.Validation, s.Validation)
	out.ExpectedTags = append([]string(nil), s.ExpectedTags...)
	if s.Metadata != nil {
		out.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// StrategyConfig is one tagged variant: exactly one of the payload pointers
// is set, matching Kind. The management fields (ID, Priority, Disabled,
// Pinned) belong to the selector lifecycle; the matching algorithm only ever
// reads its own payload.
type StrategyConfig struct {
	// ID identifies the strategy for reliability tracking and stays stable
	// across priority reorders. Left empty, it is derived from the payload
	// content at admission, so re-seeded catalogs keep their history.
	ID       string `json:"id,omitempty" yaml:"id,omitempty"`
	Kind     Kind   `json:"kind" yaml:"kind"`
	Priority int    `json:"priority" yaml:"priority"`
	// Disabled strategies are skipped by resolution (evolution blacklist).
	Disabled bool `json:"disabled,omitempty" yaml:"disabled,omitempty"`
	// Pinned strategies are exempt from every evolution rule.
	Pinned bool `json:"pinned,omitempty" yaml:"pinned,omitempty"`

	TextAnchor     *TextAnchorConfig     `json:"text_anchor,omitempty" yaml:"text_anchor,omitempty"`
	AttributeMatch *AttributeMatchConfig `json:"attribute_match,omitempty" yaml:"attribute_match,omitempty"`
	Structural     *StructuralConfig     `json:"structural,omitempty" yaml:"structural,omitempty"`
	RoleBased      *RoleBasedConfig      `json:"role_based,omitempty" yaml:"role_based,omitempty"`
	Custom         *CustomConfig         `json:"custom,omitempty" yaml:"custom,omitempty"`
}

// TextAnchorConfig locates the tightest element whose text carries the
// anchor. ProximityScope optionally narrows the search to a CSS-selected
// region first.
type TextAnchorConfig struct {
	AnchorText     string `json:"anchor_text" yaml:"anchor_text"`
	ProximityScope string `json:"proximity_scope,omitempty" yaml:"proximity_scope,omitempty"`
	CaseSensitive  bool   `json:"case_sensitive,omitempty" yaml:"case_sensitive,omitempty"`
}

// AttributeMatchConfig locates elements whose attribute value matches a
// pattern. ValuePattern is a Go regular expression matched against the whole
// value. TagFilter optionally restricts to one element name.
type AttributeMatchConfig struct {
	Attribute    string `json:"attribute" yaml:"attribute"`
	ValuePattern string `json:"value_pattern" yaml:"value_pattern"`
	TagFilter    string `json:"tag_filter,omitempty" yaml:"tag_filter,omitempty"`
}

// Relation names for StructuralConfig.
const (
	RelationChild      = "child"
	RelationDescendant = "descendant"
	RelationSibling    = "sibling"
	RelationParent     = "parent"
)

// StructuralConfig locates an element by its position relative to an anchor.
// AnchorScope is an XPath expression; RelationKind walks from the first
// anchor match; ChildIndex picks the n-th related element (0-based).
type StructuralConfig struct {
	AnchorScope  string `json:"anchor_scope" yaml:"anchor_scope"`
	ChildIndex   int    `json:"child_index" yaml:"child_index"`
	RelationKind string `json:"relation_kind" yaml:"relation_kind"`
}

// RoleBasedConfig locates elements by ARIA role or another semantic
// attribute with an expected value.
type RoleBasedConfig struct {
	Role              string `json:"role,omitempty" yaml:"role,omitempty"`
	SemanticAttribute string `json:"semantic_attribute,omitempty" yaml:"semantic_attribute,omitempty"`
	ExpectedValue     string `json:"expected_value,omitempty" yaml:"expected_value,omitempty"`
}

// CustomConfig dispatches to a matcher registered on the strategy library by
// name. Payload is opaque to everything but that matcher.
type CustomConfig struct {
	Name    string `json:"name" yaml:"name"`
	Payload string `json:"payload,omitempty" yaml:"payload,omitempty"`
}

// payload returns the variant payload matching Kind, or nil when the variant
// is missing or mismatched.
func (c *StrategyConfig) payload() any {
	switch c.Kind {
	case KindTextAnchor:
		if c.TextAnchor != nil {
			return c.TextAnchor
		}
	case KindAttributeMatch:
		if c.AttributeMatch != nil {
			return c.AttributeMatch
		}
	case KindStructural:
		if c.Structural != nil {
			return c.Structural
		}
	case KindRoleBased:
		if c.RoleBased != nil {
			return c.RoleBased
		}
	case KindCustom:
		if c.Custom != nil {
			return c.Custom
		}
	}
	return nil
}

// DeriveID computes the content-derived strategy ID: kind plus canonical
// payload JSON, hashed. Two configs with the same kind and payload get the
// same ID, so reliability history survives catalog re-seeding.
func (c *StrategyConfig) DeriveID() string {
	p := c.payload()
	data, _ := json.Marshal(p)
	sum := sha256.Sum256(append([]byte(c.Kind+":"), data...))
	return "stg_" + hex.EncodeToString(sum[:6])
}

// Validation rule kinds.
const (
	RuleNonEmpty    = "non_empty"
	RuleTextMatches = "text_matches"
	RuleMinLength   = "min_length"
	RuleMaxLength   = "max_length"
	RuleNumeric     = "numeric"
	RuleAttrPresent = "attr_present"
	RuleAttrEquals  = "attr_equals"
)

// ValidationRule checks a candidate's content. Weight scales the rule's
// share of the content-validation score (default 1.0). A failed Required
// rule disqualifies the candidate from threshold success; it can still
// surface as a low-confidence fallback.
type ValidationRule struct {
	Kind     string  `json:"kind" yaml:"kind"`
	Arg      string  `json:"arg,omitempty" yaml:"arg,omitempty"`
	Value    string  `json:"value,omitempty" yaml:"value,omitempty"`
	Weight   float64 `json:"weight,omitempty" yaml:"weight,omitempty"`
	Required bool    `json:"required,omitempty" yaml:"required,omitempty"`
}

// EffectiveWeight returns the rule weight, defaulting to 1.0.
func (r ValidationRule) EffectiveWeight() float64 {
	if r.Weight <= 0 {
		return 1.0
	}
	return r.Weight
}

// Evaluate runs the rule against a candidate's text and attributes and
// returns pass plus a short human-readable detail.
func (r ValidationRule) Evaluate(text string, attrs map[string]string) (bool, string) {
	switch r.Kind {
	case RuleNonEmpty:
		if strings.TrimSpace(text) == "" {
			return false, "text is empty"
		}
		return true, "text present"
	case RuleTextMatches:
		re, err := regexp.Compile(r.Arg)
		if err != nil {
			return false, fmt.Sprintf("bad pattern: %v", err)
		}
		if !re.MatchString(text) {
			return false, fmt.Sprintf("text does not match %q", r.Arg)
		}
		return true, "pattern matched"
	case RuleMinLength:
		n, err := strconv.Atoi(r.Arg)
		if err != nil {
			return false, "bad length argument"
		}
		if len(text) < n {
			return false, fmt.Sprintf("length %d < %d", len(text), n)
		}
		return true, "long enough"
	case RuleMaxLength:
		n, err := strconv.Atoi(r.Arg)
		if err != nil {
			return false, "bad length argument"
		}
		if len(text) > n {
			return false, fmt.Sprintf("length %d > %d", len(text), n)
		}
		return true, "short enough"
	case RuleNumeric:
		cleaned := strings.Map(func(c rune) rune {
			if c == ' ' || c == ',' {
				return -1
			}
			return c
		}, text)
		if _, err := strconv.ParseFloat(cleaned, 64); err != nil {
			return false, fmt.Sprintf("%q is not numeric", text)
		}
		return true, "numeric"
	case RuleAttrPresent:
		if _, ok := attrs[r.Arg]; !ok {
			return false, fmt.Sprintf("attribute %q missing", r.Arg)
		}
		return true, "attribute present"
	case RuleAttrEquals:
		v, ok := attrs[r.Arg]
		if !ok || v != r.Value {
			return false, fmt.Sprintf("attribute %q = %q, want %q", r.Arg, v, r.Value)
		}
		return true, "attribute equal"
	default:
		return false, fmt.Sprintf("unknown rule kind %q", r.Kind)
	}
}
