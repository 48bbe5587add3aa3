// CLAUDE:SUMMARY Adaptive evolution manager — windowed promote/demote/blacklist rules re-ranking a selector's strategies through the registry.
// Package evolve re-ranks a selector's strategies from observed reliability.
//
// Rules run on a rolling window of recent attempts per strategy and are
// deterministic for a fixed window:
//
//   - promote: the best non-primary strategy whose window success rate beats
//     both the promotion threshold and the primary's own rate moves to
//     priority 1.
//   - demote: a primary under the demotion threshold moves below the best
//     performing fallback, when that fallback actually outperforms it.
//   - blacklist: a strategy whose window failure rate exceeds the blacklist
//     threshold is disabled until manually re-enabled.
//
// A pinned strategy is never the subject of a rule, and a pinned primary
// suppresses promotion past it (a promotion shifts the primary down, which
// the pin forbids). Strategies with fewer than MinAttempts window samples
// carry no evidence and are never acted on. All mutations for one run land
// in a single registry mutation, so resolution never observes a
// half-applied reorder, and the registry's history keeps the prior
// ordering for rollback.
package evolve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/hazyhaar/domresolve/idgen"
	"github.com/hazyhaar/domresolve/kit"
	"github.com/hazyhaar/domresolve/reliability"
	"github.com/hazyhaar/domresolve/selector"
)

// Action kinds.
const (
	ActionPromote   = "promote"
	ActionDemote    = "demote"
	ActionBlacklist = "blacklist"
)

// Action is one applied rule.
type Action struct {
	Kind         string  `json:"kind"`
	Strategy     string  `json:"strategy"`
	FromPriority int     `json:"from_priority"`
	ToPriority   int     `json:"to_priority"`
	SuccessRate  float64 `json:"success_rate"`
	FailureRate  float64 `json:"failure_rate"`
	Attempts     int     `json:"attempts"`
}

// Result is the outcome of one evolution run. An empty Actions slice means
// no rule fired and the selector was left untouched.
type Result struct {
	ID       string   `json:"id"`
	Selector string   `json:"selector"`
	Window   int      `json:"window"`
	Actions  []Action `json:"actions,omitempty"`
	// Version is the selector version after the run.
	Version       int64  `json:"version"`
	CorrelationID string `json:"correlation_id,omitempty"`
	CreatedAt     int64  `json:"created_at"`
}

// Sink observes applied evolution runs. No-op runs are not emitted.
// Implementations must not block.
type Sink interface {
	EvolutionApplied(ctx context.Context, r *Result)
}

// Config tunes the Manager. The zero value resolves to the defaults below.
type Config struct {
	// Window is how many recent attempts per strategy feed the rules.
	// Default 50.
	Window int
	// MinAttempts is the evidence floor: strategies with fewer window
	// samples are exempt from every rule. Default 10.
	MinAttempts int
	// PromoteThreshold is the window success rate a fallback must exceed to
	// become primary. Default 0.8.
	PromoteThreshold float64
	// DemoteThreshold is the window success rate under which a primary is
	// moved below the best fallback. Default 0.6.
	DemoteThreshold float64
	// BlacklistThreshold is the window failure rate above which a strategy
	// is disabled. Default 0.9.
	BlacklistThreshold float64
}

func (c *Config) defaults() {
	if c.Window <= 0 {
		c.Window = 50
	}
	if c.MinAttempts <= 0 {
		c.MinAttempts = 10
	}
	if c.PromoteThreshold <= 0 {
		c.PromoteThreshold = 0.8
	}
	if c.DemoteThreshold <= 0 {
		c.DemoteThreshold = 0.6
	}
	if c.BlacklistThreshold <= 0 {
		c.BlacklistThreshold = 0.9
	}
}

// Manager applies the evolution rules. Safe for concurrent use; concurrent
// runs over the same selector are serialised by the registry's write lock
// and guarded by a version check.
type Manager struct {
	registry *selector.Registry
	tracker  *reliability.Tracker
	cfg      Config
	sink     Sink
	logger   *slog.Logger
	newID    idgen.Generator
}

// Option configures a Manager.
type Option func(*Manager)

// WithSink installs the evolution sink.
func WithSink(s Sink) Option {
	return func(m *Manager) { m.sink = s }
}

// WithLogger sets the manager logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// New builds a Manager.
func New(reg *selector.Registry, tracker *reliability.Tracker, cfg Config, opts ...Option) *Manager {
	cfg.defaults()
	m := &Manager{
		registry: reg,
		tracker:  tracker,
		cfg:      cfg,
		logger:   slog.Default(),
		newID:    idgen.Evolution,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Evolve evaluates the rules for one selector and applies any that fire in
// a single atomic registry mutation.
func (m *Manager) Evolve(ctx context.Context, name string) (*Result, error) {
	ctx, corrID := kit.EnsureCorrelationID(ctx)
	sel, err := m.registry.Get(name)
	if err != nil {
		return nil, err
	}

	stats, err := m.windowStats(ctx, sel)
	if err != nil {
		return nil, err
	}
	p := m.plan(sel, stats)

	res := &Result{
		ID:            m.newID(),
		Selector:      name,
		Window:        m.cfg.Window,
		Actions:       p.actions,
		Version:       sel.Version,
		CorrelationID: corrID,
		CreatedAt:     time.Now().UnixMilli(),
	}
	if len(p.actions) == 0 {
		m.logger.Debug("evolve: no rule fired", "selector", name, "correlation_id", corrID)
		return res, nil
	}

	next, err := m.registry.Mutate(ctx, name, "evolve", summarize(p.actions), func(s *selector.SemanticSelector) error {
		if s.Version != sel.Version {
			return fmt.Errorf("evolve: selector %s changed during evaluation", name)
		}
		return applyPlan(s, p)
	})
	if err != nil {
		return nil, err
	}
	res.Version = next.Version
	m.logger.Info("evolve: applied",
		"selector", name, "actions", summarize(p.actions),
		"version", next.Version, "correlation_id", corrID)
	if m.sink != nil {
		m.sink.EvolutionApplied(ctx, res)
	}
	return res, nil
}

// EvolveAll runs the rules over every selector in the registry.
// Per-selector failures are joined; the returned results cover the
// selectors that succeeded.
func (m *Manager) EvolveAll(ctx context.Context) ([]*Result, error) {
	var results []*Result
	var errs []error
	for _, sel := range m.registry.List() {
		res, err := m.Evolve(ctx, sel.Name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		results = append(results, res)
	}
	return results, errors.Join(errs...)
}

type strategyStats struct {
	attempts    int
	successRate float64
	failureRate float64
}

func (m *Manager) windowStats(ctx context.Context, sel *selector.SemanticSelector) (map[string]strategyStats, error) {
	out := make(map[string]strategyStats, len(sel.Strategies))
	for _, sc := range sel.Strategies {
		samples, err := m.tracker.Window(ctx, sel.Name, sc.ID, m.cfg.Window)
		if err != nil {
			return nil, err
		}
		st := strategyStats{attempts: len(samples)}
		if st.attempts > 0 {
			var succ int
			for _, s := range samples {
				if s.Success {
					succ++
				}
			}
			st.successRate = float64(succ) / float64(st.attempts)
			st.failureRate = float64(st.attempts-succ) / float64(st.attempts)
		}
		out[sc.ID] = st
	}
	return out, nil
}

// evolutionPlan carries the rule decisions plus the full final strategy
// order they produce, so applying is a pure rewrite.
type evolutionPlan struct {
	actions []Action
	// order lists every strategy ID in final position order; priorities are
	// renumbered 1..n along it.
	order []string
	// disable marks strategies blacklisted by this run.
	disable map[string]bool
}

func (m *Manager) plan(sel *selector.SemanticSelector, stats map[string]strategyStats) *evolutionPlan {
	ordered := make([]selector.StrategyConfig, len(sel.Strategies))
	copy(ordered, sel.Strategies)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Priority < ordered[j].Priority })

	p := &evolutionPlan{disable: make(map[string]bool)}

	trusted := func(st strategyStats) bool { return st.attempts >= m.cfg.MinAttempts }

	for _, sc := range ordered {
		if sc.Disabled || sc.Pinned {
			continue
		}
		st := stats[sc.ID]
		if trusted(st) && st.failureRate > m.cfg.BlacklistThreshold {
			p.disable[sc.ID] = true
			p.actions = append(p.actions, Action{
				Kind: ActionBlacklist, Strategy: sc.ID, FromPriority: sc.Priority,
				SuccessRate: st.successRate, FailureRate: st.failureRate, Attempts: st.attempts,
			})
		}
	}

	var working []selector.StrategyConfig
	for _, sc := range ordered {
		if sc.Disabled || p.disable[sc.ID] {
			continue
		}
		working = append(working, sc)
	}

	if len(working) >= 2 {
		primary := working[0]
		pst := stats[primary.ID]

		// promote: the primary's own rate is the bar to clear, so two
		// healthy strategies never swap back and forth
		candIdx := -1
		var cst strategyStats
		for i := 1; i < len(working); i++ {
			if working[i].Pinned {
				continue
			}
			st := stats[working[i].ID]
			if !trusted(st) || st.successRate <= m.cfg.PromoteThreshold {
				continue
			}
			if candIdx == -1 || st.successRate > cst.successRate {
				candIdx, cst = i, st
			}
		}
		if candIdx > 0 && !primary.Pinned && (!trusted(pst) || cst.successRate > pst.successRate) {
			cand := working[candIdx]
			p.actions = append(p.actions, Action{
				Kind: ActionPromote, Strategy: cand.ID, FromPriority: cand.Priority,
				SuccessRate: cst.successRate, FailureRate: cst.failureRate, Attempts: cst.attempts,
			})
			next := make([]selector.StrategyConfig, 0, len(working))
			next = append(next, cand)
			next = append(next, working[:candIdx]...)
			next = append(next, working[candIdx+1:]...)
			working = next
		}

		// demote: evaluated on the post-promotion order, so a freshly
		// promoted primary is judged on its own numbers
		primary = working[0]
		pst = stats[primary.ID]
		if !primary.Pinned && trusted(pst) && pst.successRate < m.cfg.DemoteThreshold {
			bestIdx := -1
			var best strategyStats
			for i := 1; i < len(working); i++ {
				st := stats[working[i].ID]
				if !trusted(st) {
					continue
				}
				if bestIdx == -1 || st.successRate > best.successRate {
					bestIdx, best = i, st
				}
			}
			// only an actually better fallback may displace the primary,
			// otherwise alternating runs would swap the two forever
			if bestIdx > 0 && best.successRate > pst.successRate {
				p.actions = append(p.actions, Action{
					Kind: ActionDemote, Strategy: primary.ID, FromPriority: primary.Priority,
					SuccessRate: pst.successRate, FailureRate: pst.failureRate, Attempts: pst.attempts,
				})
				next := make([]selector.StrategyConfig, 0, len(working))
				next = append(next, working[1:bestIdx+1]...)
				next = append(next, primary)
				next = append(next, working[bestIdx+1:]...)
				working = next
			}
		}
	}

	// final order: enabled strategies in their new order, disabled ones at
	// the tail in their prior relative order
	for _, sc := range working {
		p.order = append(p.order, sc.ID)
	}
	for _, sc := range ordered {
		if sc.Disabled || p.disable[sc.ID] {
			p.order = append(p.order, sc.ID)
		}
	}

	position := make(map[string]int, len(p.order))
	for i, id := range p.order {
		position[id] = i + 1
	}
	for i := range p.actions {
		p.actions[i].ToPriority = position[p.actions[i].Strategy]
	}
	return p
}

// applyPlan rewrites the selector's strategy list to the planned order,
// renumbering priorities and setting blacklist flags.
func applyPlan(s *selector.SemanticSelector, p *evolutionPlan) error {
	out := make([]selector.StrategyConfig, 0, len(p.order))
	for _, id := range p.order {
		sc := s.Strategy(id)
		if sc == nil {
			return fmt.Errorf("evolve: strategy %s vanished during evaluation", id)
		}
		cp := *sc
		if p.disable[id] {
			cp.Disabled = true
		}
		cp.Priority = len(out) + 1
		out = append(out, cp)
	}
	if len(out) != len(s.Strategies) {
		return fmt.Errorf("evolve: plan covers %d of %d strategies", len(out), len(s.Strategies))
	}
	s.Strategies = out
	return nil
}

func summarize(actions []Action) string {
	parts := make([]string, 0, len(actions))
	for _, a := range actions {
		switch a.Kind {
		case ActionBlacklist:
			parts = append(parts, fmt.Sprintf("%s %s (failure %.2f)", a.Kind, a.Strategy, a.FailureRate))
		default:
			parts = append(parts, fmt.Sprintf("%s %s (success %.2f)", a.Kind, a.Strategy, a.SuccessRate))
		}
	}
	return strings.Join(parts, "; ")
}
