// CLAUDE:SUMMARY Confidence scorer — clamped weighted sum of content validation, position stability, strategy reliability, and context fit.
package resolve

import (
	"github.com/hazyhaar/domresolve/dom"
	"github.com/hazyhaar/domresolve/reliability"
	"github.com/hazyhaar/domresolve/selector"
	"github.com/hazyhaar/domresolve/strategy"
)

// Weights are the confidence component weights. The defaults are tuned for
// content to dominate: a candidate with the wrong text should never win on
// position alone.
type Weights struct {
	ContentValidation   float64 `json:"content_validation" yaml:"content_validation"`
	PositionStability   float64 `json:"position_stability" yaml:"position_stability"`
	StrategyReliability float64 `json:"strategy_reliability" yaml:"strategy_reliability"`
	ContextFit          float64 `json:"context_fit" yaml:"context_fit"`
}

// DefaultWeights returns the standard 0.4/0.3/0.2/0.1 split.
func DefaultWeights() Weights {
	return Weights{
		ContentValidation:   0.4,
		PositionStability:   0.3,
		StrategyReliability: 0.2,
		ContextFit:          0.1,
	}
}

// zero weights mean "unset"; treat as defaults so an empty config resolves
// sensibly.
func (w Weights) orDefault() Weights {
	if w.ContentValidation == 0 && w.PositionStability == 0 && w.StrategyReliability == 0 && w.ContextFit == 0 {
		return DefaultWeights()
	}
	return w
}

// RuleResult records one validation rule evaluation on a candidate.
type RuleResult struct {
	Kind     string `json:"kind"`
	Passed   bool   `json:"passed"`
	Required bool   `json:"required,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// Breakdown carries the scored components and the clamped confidence. For a
// fixed document, selector, and reliability state the breakdown is
// deterministic.
type Breakdown struct {
	ContentValidation   float64 `json:"content_validation"`
	PositionStability   float64 `json:"position_stability"`
	StrategyReliability float64 `json:"strategy_reliability"`
	ContextFit          float64 `json:"context_fit"`
	Confidence          float64 `json:"confidence"`
	// Eligible is false when a required validation rule failed: the
	// candidate may only surface as a low-confidence fallback, never as a
	// threshold success.
	Eligible bool         `json:"eligible"`
	Rules    []RuleResult `json:"rules,omitempty"`
}

// scoreCandidate computes the confidence breakdown for one candidate.
// requestedScope is the scope the caller resolved in; resolving a selector
// outside its configured scope zeroes the context-fit component.
func scoreCandidate(w Weights, sel *selector.SemanticSelector, cand *strategy.Candidate, rec *reliability.Record, requestedScope string) Breakdown {
	w = w.orDefault()
	b := Breakdown{Eligible: true}

	// Content validation: weighted fraction of rules passed. No rules means
	// nothing to hold against the candidate.
	if len(sel.Validation) == 0 {
		b.ContentValidation = 1.0
	} else {
		text := cand.Node.Text()
		attrs := cand.Node.Attrs()
		var passed, totalWeight float64
		for _, rule := range sel.Validation {
			ok, detail := rule.Evaluate(text, attrs)
			b.Rules = append(b.Rules, RuleResult{Kind: rule.Kind, Passed: ok, Required: rule.Required, Detail: detail})
			totalWeight += rule.EffectiveWeight()
			if ok {
				passed += rule.EffectiveWeight()
			} else if rule.Required {
				b.Eligible = false
			}
		}
		if b.Eligible {
			b.ContentValidation = passed / totalWeight
		}
		// A failed required rule forces the component to zero.
	}

	// Position stability: does the node sit where this kind of node belongs,
	// and where the strategy last found it?
	tagScore := 1.0
	if len(sel.ExpectedTags) > 0 {
		tagScore = 0.2
		for _, tag := range sel.ExpectedTags {
			if tag == cand.Node.Tag() {
				tagScore = 1.0
				break
			}
		}
	}
	pathScore := 1.0
	if rec.LastSuccessPath != "" {
		pathScore = dom.PathSimilarity(rec.LastSuccessPath, cand.Node.Path())
	}
	b.PositionStability = tagScore * pathScore

	b.StrategyReliability = rec.Score()

	if requestedScope == sel.Scope && cand.Node.Visible() {
		b.ContextFit = 1.0
	}

	b.Confidence = clamp01(w.ContentValidation*b.ContentValidation +
		w.PositionStability*b.PositionStability +
		w.StrategyReliability*b.StrategyReliability +
		w.ContextFit*b.ContextFit)
	return b
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
