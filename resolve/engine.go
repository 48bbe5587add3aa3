// CLAUDE:SUMMARY Resolution engine — priority-ordered strategy attempts with threshold short-circuit, low-confidence fallback, and failure snapshots.
// Package resolve runs semantic selectors against an activated scope and
// returns the best matching node with a confidence breakdown.
//
// Resolution policy, in order:
//
//  1. Activate the requested scope. If it never becomes ready the call fails
//     fast with reason "scope_unavailable" and zero strategy attempts.
//  2. Try the selector's enabled strategies by ascending priority. Each
//     attempt runs under its own timeout; candidates outside the scope root
//     are discarded.
//  3. The first eligible candidate scoring at or above the selector
//     threshold wins and the remaining strategies are skipped.
//  4. Candidates below the threshold are remembered. When every strategy has
//     run without a threshold hit, the best of them is returned as a
//     low-confidence success.
//  5. With no candidate at all the resolution fails ("no_candidates", or
//     "all_strategies_errored" when every attempt errored) and the scope
//     subtree is handed to the Capturer once for offline diagnosis.
//
// Every call writes one Outcome row; reliability records are updated per
// strategy attempt. Successful outcomes are cached per scope version.
package resolve

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/domresolve/dom"
	"github.com/hazyhaar/domresolve/idgen"
	"github.com/hazyhaar/domresolve/kit"
	"github.com/hazyhaar/domresolve/reliability"
	"github.com/hazyhaar/domresolve/scope"
	"github.com/hazyhaar/domresolve/selector"
	"github.com/hazyhaar/domresolve/strategy"
)

// CaptureRequest hands a failed resolution's context to a Capturer.
type CaptureRequest struct {
	Selector      string
	Scope         string
	Reason        string
	Root          dom.Node
	CorrelationID string
}

// Capturer stores failure snapshots for offline diagnosis. Capture runs in
// its own goroutine with a bounded timeout; errors are logged, never
// surfaced to the caller.
type Capturer interface {
	Capture(ctx context.Context, req CaptureRequest) error
}

// EventSink observes completed resolutions. Implementations must not block:
// the sink is called on the resolution path.
type EventSink interface {
	ResolutionCompleted(ctx context.Context, o *Outcome)
}

// Config tunes the engine. The zero value resolves to the defaults below.
type Config struct {
	// Weights are the confidence component weights; zero means
	// DefaultWeights.
	Weights Weights
	// CacheTTL bounds how long a successful outcome is served from cache.
	// Zero means 30s; negative disables caching.
	CacheTTL time.Duration
	// AttemptTimeout bounds a single strategy execution. Default 2s.
	AttemptTimeout time.Duration
	// CallTimeout bounds a whole Resolve call, scope activation included.
	// Default 15s.
	CallTimeout time.Duration
	// CaptureTimeout bounds the failure snapshot write. Default 5s.
	CaptureTimeout time.Duration
	// MaxParallel bounds concurrent resolutions in ResolveMany. Default 4.
	MaxParallel int
}

func (c *Config) defaults() {
	c.Weights = c.Weights.orDefault()
	if c.CacheTTL == 0 {
		c.CacheTTL = 30 * time.Second
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 2 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 15 * time.Second
	}
	if c.CaptureTimeout <= 0 {
		c.CaptureTimeout = 5 * time.Second
	}
	if c.MaxParallel <= 0 {
		c.MaxParallel = 4
	}
}

// Engine resolves semantic selectors. Safe for concurrent use.
type Engine struct {
	registry *selector.Registry
	scopes   *scope.Manager
	library  *strategy.Library
	tracker  *reliability.Tracker
	store    *outcomeStore
	cache    *outcomeCache
	cfg      Config
	capturer Capturer
	events   EventSink
	logger   *slog.Logger

	resolutions atomic.Int64
	successes   atomic.Int64
	failures    atomic.Int64
	lowConf     atomic.Int64
	cacheHits   atomic.Int64
}

// Option configures an Engine.
type Option func(*Engine)

// WithCapturer installs the failure snapshot sink.
func WithCapturer(c Capturer) Option {
	return func(e *Engine) { e.capturer = c }
}

// WithEventSink installs the resolution event sink.
func WithEventSink(s EventSink) Option {
	return func(e *Engine) { e.events = s }
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithIDGenerator overrides the outcome ID generator.
func WithIDGenerator(g idgen.Generator) Option {
	return func(e *Engine) { e.store.newID = g }
}

// New builds an Engine. The db must carry the resolve Schema.
func New(db *sql.DB, reg *selector.Registry, scopes *scope.Manager, lib *strategy.Library, tracker *reliability.Tracker, cfg Config, opts ...Option) *Engine {
	cfg.defaults()
	e := &Engine{
		registry: reg,
		scopes:   scopes,
		library:  lib,
		tracker:  tracker,
		store:    &outcomeStore{db: db, newID: idgen.Resolution},
		cache:    newOutcomeCache(cfg.CacheTTL),
		cfg:      cfg,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Stats are engine counters since start.
type Stats struct {
	Resolutions   int64 `json:"resolutions"`
	Successes     int64 `json:"successes"`
	Failures      int64 `json:"failures"`
	LowConfidence int64 `json:"low_confidence"`
	CacheHits     int64 `json:"cache_hits"`
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Resolutions:   e.resolutions.Load(),
		Successes:     e.successes.Load(),
		Failures:      e.failures.Load(),
		LowConfidence: e.lowConf.Load(),
		CacheHits:     e.cacheHits.Load(),
	}
}

// Resolve resolves a selector in its declared scope.
func (e *Engine) Resolve(ctx context.Context, name string) (*Outcome, error) {
	return e.ResolveIn(ctx, name, "")
}

// ResolveIn resolves a selector in the given scope, overriding the
// selector's declared scope. An empty scopeName means the declared one.
//
// Resolution failures are not errors: the returned Outcome carries
// Success=false and a FailureReason. ResolveIn errors only on preconditions
// such as an unknown selector or scope.
func (e *Engine) ResolveIn(ctx context.Context, name, scopeName string) (*Outcome, error) {
	ctx, corrID := kit.EnsureCorrelationID(ctx)

	sel, err := e.registry.Get(name)
	if err != nil {
		return nil, err
	}
	requested := scopeName
	if requested == "" {
		requested = sel.Scope
	}

	// Serve from cache only while the scope is Active: an invalidated scope
	// keeps its version until the next activation bumps it.
	if st, serr := e.scopes.State(requested); serr == nil && st == scope.StateActive {
		if ver, verr := e.scopes.Version(requested); verr == nil {
			if o, ok := e.cache.get(cacheKey{selector: name, scope: requested, scopeVersion: ver}); ok {
				e.cacheHits.Add(1)
				e.logger.Debug("resolve: cache hit",
					"selector", name, "scope", requested, "correlation_id", corrID)
				return o, nil
			}
		}
	}

	e.resolutions.Add(1)
	start := time.Now()
	if e.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.CallTimeout)
		defer cancel()
	}

	sc, aerr := e.scopes.Activate(ctx, requested)
	if aerr != nil {
		var unavail *scope.ErrUnavailable
		if !errors.As(aerr, &unavail) {
			return nil, aerr
		}
		o := e.newOutcome(sel.Name, requested, corrID)
		o.FailureReason = ReasonScopeUnavailable
		o.ElapsedMs = time.Since(start).Milliseconds()
		e.logger.Warn("resolve: scope unavailable",
			"selector", sel.Name, "scope", requested, "correlation_id", corrID, "error", aerr)
		e.finish(ctx, o, nil)
		return o, nil
	}

	o := e.iterate(ctx, sel, sc, requested, corrID, start)
	e.finish(ctx, o, sc)
	if o.Success {
		e.cache.put(cacheKey{selector: sel.Name, scope: requested, scopeVersion: sc.Version}, o)
	}
	return o, nil
}

// ResolveMany resolves the named selectors concurrently, bounded by
// Config.MaxParallel. The result slice is index-aligned with names; a nil
// slot pairs with an error in the joined return.
func (e *Engine) ResolveMany(ctx context.Context, names []string, scopeName string) ([]*Outcome, error) {
	if len(names) == 0 {
		return nil, nil
	}
	ctx, _ = kit.EnsureCorrelationID(ctx)

	out := make([]*Outcome, len(names))
	errs := make([]error, len(names))
	sem := make(chan struct{}, e.cfg.MaxParallel)
	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				errs[i] = ctx.Err()
				return
			}
			out[i], errs[i] = e.ResolveIn(ctx, name, scopeName)
		}(i, name)
	}
	wg.Wait()
	return out, errors.Join(errs...)
}

// iterate runs the strategy loop over an activated scope.
func (e *Engine) iterate(ctx context.Context, sel *selector.SemanticSelector, sc *scope.Scope, requested, corrID string, start time.Time) *Outcome {
	o := e.newOutcome(sel.Name, requested, corrID)

	type fallback struct {
		id   string
		cand *strategy.Candidate
		b    Breakdown
	}
	var best *fallback
	errored := 0

	for _, cfg := range enabledByPriority(sel) {
		cfg := cfg
		attemptCtx := ctx
		var cancel context.CancelFunc
		if e.cfg.AttemptTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, e.cfg.AttemptTimeout)
		}
		t0 := time.Now()
		cand, err := e.library.Attempt(attemptCtx, &cfg, sc.Root, sc.Doc)
		if cancel != nil {
			cancel()
		}
		elapsed := time.Since(t0)
		o.Attempts++

		switch {
		case err != nil:
			errored++
			e.logger.Warn("resolve: strategy errored",
				"selector", sel.Name, "strategy", cfg.ID, "correlation_id", corrID, "error", err)
			e.recordFailure(ctx, sel.Name, cfg.ID, elapsed)
			continue
		case cand == nil:
			e.recordFailure(ctx, sel.Name, cfg.ID, elapsed)
			continue
		case !sc.Contains(cand.Node.Path()):
			// A strategy may only answer from inside its scope.
			e.logger.Debug("resolve: candidate outside scope discarded",
				"selector", sel.Name, "strategy", cfg.ID, "path", cand.Node.Path())
			e.recordFailure(ctx, sel.Name, cfg.ID, elapsed)
			continue
		}

		rec, rerr := e.tracker.Get(ctx, sel.Name, cfg.ID)
		if rerr != nil {
			e.logger.Warn("resolve: reliability lookup failed",
				"selector", sel.Name, "strategy", cfg.ID, "error", rerr)
			rec = &reliability.Record{Selector: sel.Name, Strategy: cfg.ID, EWMA: reliability.NeutralPrior}
		}
		b := scoreCandidate(e.cfg.Weights, sel, cand, rec, requested)

		// Reliability counts "found a valid in-scope node", not "won the
		// resolution": an eligible candidate is a strategy success even
		// when a lower-priority attempt never gets to run.
		if b.Eligible {
			e.recordSuccess(ctx, sel.Name, cfg.ID, b.Confidence, elapsed, cand.Node.Path())
		} else {
			e.recordFailure(ctx, sel.Name, cfg.ID, elapsed)
		}

		if b.Eligible && b.Confidence >= sel.Threshold {
			fillOutcome(o, cfg.ID, cand, b)
			o.Success = true
			o.ElapsedMs = time.Since(start).Milliseconds()
			return o
		}

		if best == nil || b.Confidence > best.b.Confidence ||
			(b.Confidence == best.b.Confidence && cand.Quality > best.cand.Quality) {
			best = &fallback{id: cfg.ID, cand: cand, b: b}
		}
	}

	o.ElapsedMs = time.Since(start).Milliseconds()
	if best != nil {
		fillOutcome(o, best.id, best.cand, best.b)
		o.Success = true
		o.LowConfidence = true
		return o
	}
	if o.Attempts > 0 && errored == o.Attempts {
		o.FailureReason = ReasonAllStrategiesErrored
	} else {
		o.FailureReason = ReasonNoCandidates
	}
	return o
}

func (e *Engine) newOutcome(sel, requested, corrID string) *Outcome {
	return &Outcome{
		ID:            e.store.newID(),
		Selector:      sel,
		Scope:         requested,
		CorrelationID: corrID,
		CreatedAt:     time.Now().UnixMilli(),
	}
}

func fillOutcome(o *Outcome, strategyID string, cand *strategy.Candidate, b Breakdown) {
	desc := dom.Describe(cand.Node)
	o.StrategyID = strategyID
	o.Node = &desc
	o.Confidence = b.Confidence
	o.Quality = cand.Quality
	o.Components = &b
}

// finish persists the outcome, emits the event, bumps counters, and hands
// exhaustion failures to the Capturer. Bookkeeping survives a cancelled
// call context.
func (e *Engine) finish(ctx context.Context, o *Outcome, sc *scope.Scope) {
	switch {
	case o.Success && o.LowConfidence:
		e.successes.Add(1)
		e.lowConf.Add(1)
	case o.Success:
		e.successes.Add(1)
	default:
		e.failures.Add(1)
	}

	bctx := context.WithoutCancel(ctx)
	if err := e.store.insert(bctx, o); err != nil {
		e.logger.Error("resolve: outcome not persisted",
			"selector", o.Selector, "outcome", o.ID, "error", err)
	}
	if e.events != nil {
		e.events.ResolutionCompleted(bctx, o)
	}

	switch {
	case o.Success && !o.LowConfidence:
		e.logger.Info("resolve: resolved",
			"selector", o.Selector, "scope", o.Scope, "strategy", o.StrategyID,
			"confidence", o.Confidence, "attempts", o.Attempts,
			"elapsed_ms", o.ElapsedMs, "correlation_id", o.CorrelationID)
	case o.Success:
		e.logger.Warn("resolve: resolved below threshold",
			"selector", o.Selector, "scope", o.Scope, "strategy", o.StrategyID,
			"confidence", o.Confidence, "attempts", o.Attempts,
			"elapsed_ms", o.ElapsedMs, "correlation_id", o.CorrelationID)
	default:
		e.logger.Warn("resolve: failed",
			"selector", o.Selector, "scope", o.Scope, "reason", o.FailureReason,
			"attempts", o.Attempts, "elapsed_ms", o.ElapsedMs,
			"correlation_id", o.CorrelationID)
	}

	// One capture per exhaustion failure. Scope-unavailable failures have
	// no document to capture.
	if !o.Success && o.FailureReason != ReasonScopeUnavailable && e.capturer != nil && sc != nil {
		req := CaptureRequest{
			Selector:      o.Selector,
			Scope:         o.Scope,
			Reason:        string(o.FailureReason),
			Root:          sc.Root,
			CorrelationID: o.CorrelationID,
		}
		go func() {
			cctx, cancel := context.WithTimeout(bctx, e.cfg.CaptureTimeout)
			defer cancel()
			if err := e.capturer.Capture(cctx, req); err != nil {
				e.logger.Warn("resolve: failure snapshot not captured",
					"selector", req.Selector, "correlation_id", req.CorrelationID, "error", err)
			}
		}()
	}
}

func (e *Engine) recordSuccess(ctx context.Context, sel, strategyID string, confidence float64, elapsed time.Duration, path string) {
	_, err := e.tracker.RecordSuccess(context.WithoutCancel(ctx), sel, strategyID, confidence, elapsed, path)
	if err != nil {
		e.logger.Warn("resolve: reliability update failed",
			"selector", sel, "strategy", strategyID, "error", err)
	}
}

func (e *Engine) recordFailure(ctx context.Context, sel, strategyID string, elapsed time.Duration) {
	_, err := e.tracker.RecordFailure(context.WithoutCancel(ctx), sel, strategyID, elapsed)
	if err != nil {
		e.logger.Warn("resolve: reliability update failed",
			"selector", sel, "strategy", strategyID, "error", err)
	}
}

// History returns recent outcomes for a selector, newest first.
func (e *Engine) History(ctx context.Context, name string, limit int) ([]*Outcome, error) {
	return e.store.history(ctx, name, limit)
}

// PruneOutcomes deletes outcomes older than retention and reports how many
// rows went.
func (e *Engine) PruneOutcomes(ctx context.Context, retention time.Duration) (int64, error) {
	return e.store.prune(ctx, retention)
}

// FlushCache drops every cached outcome.
func (e *Engine) FlushCache() {
	e.cache.purge()
}

// enabledByPriority returns the selector's enabled strategies ordered by
// ascending priority.
func enabledByPriority(sel *selector.SemanticSelector) []selector.StrategyConfig {
	out := make([]selector.StrategyConfig, 0, len(sel.Strategies))
	for _, cfg := range sel.Strategies {
		if !cfg.Disabled {
			out = append(out, cfg)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}
