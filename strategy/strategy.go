// CLAUDE:SUMMARY Strategy library — executes the tagged matcher variants (text anchor, attribute, structural, role, custom) against a scope subtree.

// Package strategy executes matching strategies against a document snapshot.
// An attempt is side-effect-free and pure CPU over an in-memory tree: it
// either yields a candidate, yields nothing, or errors. Panics inside a
// matcher are recovered and surfaced as errors, so a bad matcher can never
// take down a resolution.
//
// When several nodes match, attempts prefer the first visible one in document
// order; hidden matches are kept only when nothing visible matched.
package strategy

import (
	"context"
	"fmt"
	"sync"

	"github.com/hazyhaar/domresolve/dom"
	"github.com/hazyhaar/domresolve/selector"
)

// Candidate is one node proposed by a strategy, with the strategy's own
// quality judgement attached. Quality is an intrinsic hint (an exact text
// match is stronger than a substring match); the confidence scorer keeps it
// separate from the weighted confidence components.
type Candidate struct {
	Node dom.Node
	// Quality ∈ (0,1]: 1.0 for exact matches, lower for looser ones.
	Quality float64
	// Matched describes how the node matched, for outcome records.
	Matched string
}

// CustomFunc is a registered custom matcher. Payload is the opaque string
// from the strategy config.
type CustomFunc func(ctx context.Context, payload string, scopeRoot dom.Node, doc dom.Document) (*Candidate, error)

// Library dispatches strategy configs to their matchers and hosts custom
// registrations. Safe for concurrent use.
type Library struct {
	mu     sync.RWMutex
	custom map[string]CustomFunc
}

// NewLibrary returns a Library with the built-in matchers only.
func NewLibrary() *Library {
	return &Library{custom: make(map[string]CustomFunc)}
}

// RegisterCustom installs a named custom matcher. Registering the same name
// twice replaces the previous matcher.
func (l *Library) RegisterCustom(name string, fn CustomFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.custom[name] = fn
}

// Attempt runs one strategy inside the scope subtree. It returns
// (nil, nil) when the strategy found nothing, which the engine records as
// no-candidate and moves on. Errors and recovered panics are strategy
// errors: logged by the engine and likewise treated as non-matches.
func (l *Library) Attempt(ctx context.Context, cfg *selector.StrategyConfig, scopeRoot dom.Node, doc dom.Document) (cand *Candidate, err error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			cand = nil
			err = fmt.Errorf("strategy %s: recovered panic: %v", cfg.ID, r)
		}
	}()

	switch cfg.Kind {
	case selector.KindTextAnchor:
		if cfg.TextAnchor == nil {
			return nil, fmt.Errorf("strategy %s: missing text_anchor payload", cfg.ID)
		}
		return matchTextAnchor(cfg.TextAnchor, scopeRoot, doc)
	case selector.KindAttributeMatch:
		if cfg.AttributeMatch == nil {
			return nil, fmt.Errorf("strategy %s: missing attribute_match payload", cfg.ID)
		}
		return matchAttribute(cfg.AttributeMatch, scopeRoot)
	case selector.KindStructural:
		if cfg.Structural == nil {
			return nil, fmt.Errorf("strategy %s: missing structural payload", cfg.ID)
		}
		return matchStructural(cfg.Structural, scopeRoot, doc)
	case selector.KindRoleBased:
		if cfg.RoleBased == nil {
			return nil, fmt.Errorf("strategy %s: missing role_based payload", cfg.ID)
		}
		return matchRole(cfg.RoleBased, scopeRoot)
	case selector.KindCustom:
		if cfg.Custom == nil {
			return nil, fmt.Errorf("strategy %s: missing custom payload", cfg.ID)
		}
		l.mu.RLock()
		fn, ok := l.custom[cfg.Custom.Name]
		l.mu.RUnlock()
		if !ok {
			return nil, &ErrUnknownMatcher{Name: cfg.Custom.Name}
		}
		return fn(ctx, cfg.Custom.Payload, scopeRoot, doc)
	default:
		return nil, fmt.Errorf("strategy %s: unknown kind %q", cfg.ID, cfg.Kind)
	}
}
