// CLAUDE:SUMMARY Main engine orchestrator — wires registry, scopes, strategies, resolver, reliability, drift, evolution, queue, and events.
// Package domresolve resolves semantic selectors against document trees.
//
// It sits between a document source (live browser page or static HTML) and
// downstream consumers (MCP tools, admin API, scraping pipelines). The
// pipeline:
//
//	source → scope.Activate → strategy attempts → confidence score → Outcome
//	                                  ↓
//	             reliability → drift detection → evolution
//
// Key features:
//   - Semantic selectors: business meaning instead of brittle CSS paths
//   - Layered strategies: anchors, attributes, structure, position, custom
//   - Confidence scoring: weighted components with per-selector thresholds
//   - Self-healing: EWMA reliability, drift reports, strategy reordering
//   - Failure snapshots: sanitized HTML + markdown digest for review
//   - Maintenance queue: periodic drift/evolution sweeps, retention cleanup
//
// Usage:
//
//	eng, err := domresolve.New(cfg, dom.Fixed(doc), logger)
//	defer eng.Close()
//	eng.Start(ctx)
//	out, err := eng.Resolve(ctx, "home_team_name")
package domresolve

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/hazyhaar/domresolve/dom"
	"github.com/hazyhaar/domresolve/drift"
	"github.com/hazyhaar/domresolve/events"
	"github.com/hazyhaar/domresolve/evolve"
	"github.com/hazyhaar/domresolve/queue"
	"github.com/hazyhaar/domresolve/reliability"
	"github.com/hazyhaar/domresolve/resolve"
	"github.com/hazyhaar/domresolve/scope"
	"github.com/hazyhaar/domresolve/selector"
	"github.com/hazyhaar/domresolve/snapshot"
	"github.com/hazyhaar/domresolve/storage"
	"github.com/hazyhaar/domresolve/strategy"
	"github.com/hazyhaar/domresolve/watch"
)

// maintenanceQueue names the shared job queue. Several engine instances over
// one database coordinate sweeps through it.
const maintenanceQueue = "domresolve_maintenance"

// Engine is the top-level orchestrator.
type Engine struct {
	db        *sql.DB
	registry  *selector.Registry
	scopes    *scope.Manager
	library   *strategy.Library
	tracker   *reliability.Tracker
	resolver  *resolve.Engine
	detector  *drift.Detector
	evolver   *evolve.Manager
	snapshots *snapshot.Store
	events    *events.Logger
	queue     *queue.Q
	sched     *queue.Scheduler
	logger    *slog.Logger
	config    *Config

	watcher atomic.Pointer[watch.Watcher]
}

// New creates an Engine over src. Opens the SQLite database, applies every
// component schema, loads the selector catalog, and wires the resolution
// pipeline. Call Start to launch background maintenance.
func New(cfg *Config, src dom.Source, logger *slog.Logger) (*Engine, error) {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}

	db, err := storage.Open(cfg.DBPath,
		storage.WithMkdirAll(),
		storage.WithSchema(selector.Schema),
		storage.WithSchema(reliability.Schema),
		storage.WithSchema(resolve.Schema),
		storage.WithSchema(drift.Schema),
		storage.WithSchema(snapshot.Schema),
		storage.WithSchema(events.Schema),
		storage.WithSchema(queue.Schema),
	)
	if err != nil {
		return nil, err
	}

	registry, err := selector.New(db, selector.WithLogger(logger))
	if err != nil {
		db.Close()
		return nil, err
	}
	if cfg.CatalogPath != "" {
		n, err := registry.SeedFile(context.Background(), cfg.CatalogPath)
		if err != nil {
			db.Close()
			return nil, err
		}
		if n > 0 {
			logger.Info("domresolve: catalog seeded", "path", cfg.CatalogPath, "written", n)
		}
	}

	scopes := scope.New(src, scope.Config{
		ReadyTimeout: cfg.Scope.ReadyTimeout,
		PollInterval: cfg.Scope.PollInterval,
		FreshFor:     cfg.Scope.FreshFor,
		Logger:       logger,
	})
	for _, d := range cfg.Scopes {
		if err := scopes.Register(d); err != nil {
			db.Close()
			return nil, err
		}
	}
	library := strategy.NewLibrary()
	tracker := reliability.New(db, reliability.WithLogger(logger))

	ev := events.New(db, events.WithLogger(logger))
	snaps := snapshot.New(db, snapshot.Config{MaxBytes: cfg.Snapshot.MaxBytes},
		snapshot.WithLogger(logger))
	det := drift.New(db, registry, tracker, cfg.Drift.detector(),
		drift.WithSink(ev), drift.WithLogger(logger))
	mgr := evolve.New(registry, tracker, cfg.Evolve.manager(),
		evolve.WithSink(ev), evolve.WithLogger(logger))

	resolver := resolve.New(db, registry, scopes, library, tracker, cfg.Resolve.engine(),
		resolve.WithCapturer(snaps),
		resolve.WithEventSink(ev),
		resolve.WithLogger(logger),
	)

	q := queue.New(db, queue.Options{
		Queue:        maintenanceQueue,
		Visibility:   cfg.Maintenance.Visibility,
		PollInterval: cfg.Maintenance.PollInterval,
		MaxAttempts:  cfg.Maintenance.MaxAttempts,
		Logger:       logger,
	})
	sched := queue.NewScheduler(q,
		queue.Entry{Every: cfg.Maintenance.DriftInterval, Task: queue.Task{Kind: queue.TaskDriftSweep}},
		queue.Entry{Every: cfg.Maintenance.EvolveInterval, Task: queue.Task{Kind: queue.TaskEvolveSweep}},
		queue.Entry{Every: cfg.Maintenance.RetentionInterval, Task: queue.Task{Kind: queue.TaskRetention}},
	)

	return &Engine{
		db:        db,
		registry:  registry,
		scopes:    scopes,
		library:   library,
		tracker:   tracker,
		resolver:  resolver,
		detector:  det,
		evolver:   mgr,
		snapshots: snaps,
		events:    ev,
		queue:     q,
		sched:     sched,
		logger:    logger,
		config:    cfg,
	}, nil
}

// Start launches background goroutines: the sweep scheduler, the maintenance
// workers, and the catalog hot-reload watcher. They stop when ctx is
// cancelled.
func (e *Engine) Start(ctx context.Context) {
	go e.sched.Run(ctx)
	go e.queue.RunBatch(ctx, e.config.Maintenance.Workers, e.config.Maintenance.Workers, e.maintain)
	e.watcher.Store(e.registry.WatchReload(ctx, e.config.Maintenance.ReloadInterval, e.config.Maintenance.ReloadDebounce))
	e.logger.Info("domresolve: started", "db", e.config.DBPath)
}

// Close flushes the event log and closes the database. Cancel the Start
// context first so background workers are no longer writing.
func (e *Engine) Close() error {
	err := e.events.Close()
	if cerr := e.db.Close(); err == nil {
		err = cerr
	}
	return err
}

// maintain dispatches one maintenance job. An empty task selector means the
// sweep covers the whole catalog.
func (e *Engine) maintain(ctx context.Context, job *queue.Job) error {
	switch job.Task.Kind {
	case queue.TaskDriftSweep:
		if job.Task.Selector != "" {
			_, err := e.detector.Analyze(ctx, job.Task.Selector)
			return err
		}
		_, err := e.detector.AnalyzeAll(ctx)
		return err
	case queue.TaskEvolveSweep:
		if job.Task.Selector != "" {
			_, err := e.evolver.Evolve(ctx, job.Task.Selector)
			return err
		}
		_, err := e.evolver.EvolveAll(ctx)
		return err
	case queue.TaskRetention:
		return e.retain(ctx)
	default:
		e.logger.Warn("domresolve: unknown maintenance task", "kind", job.Task.Kind)
		return nil
	}
}

// retain prunes aged rows from every history table.
func (e *Engine) retain(ctx context.Context) error {
	m := e.config.Maintenance
	var errs []error

	outcomes, err := e.resolver.PruneOutcomes(ctx, m.OutcomeRetention)
	if err != nil {
		errs = append(errs, err)
	}
	snaps, err := e.snapshots.Prune(ctx, m.SnapshotRetention)
	if err != nil {
		errs = append(errs, err)
	}
	evs, err := e.events.Prune(ctx, m.EventRetention)
	if err != nil {
		errs = append(errs, err)
	}
	attempts, err := e.tracker.PruneAttempts(ctx, m.AttemptRetention)
	if err != nil {
		errs = append(errs, err)
	}
	reports, err := e.detector.Prune(ctx, m.ReportRetention)
	if err != nil {
		errs = append(errs, err)
	}

	if pruned := outcomes + snaps + evs + attempts + reports; pruned > 0 {
		e.logger.Info("domresolve: retention sweep",
			"outcomes", outcomes, "snapshots", snaps, "events", evs,
			"attempts", attempts, "reports", reports)
	}
	return errors.Join(errs...)
}

// Resolve resolves a selector in its declared scope.
func (e *Engine) Resolve(ctx context.Context, name string) (*resolve.Outcome, error) {
	return e.resolver.Resolve(ctx, name)
}

// ResolveIn resolves a selector in an explicit scope.
func (e *Engine) ResolveIn(ctx context.Context, name, scopeName string) (*resolve.Outcome, error) {
	return e.resolver.ResolveIn(ctx, name, scopeName)
}

// ResolveMany resolves several selectors against one scope activation.
func (e *Engine) ResolveMany(ctx context.Context, names []string, scopeName string) ([]*resolve.Outcome, error) {
	return e.resolver.ResolveMany(ctx, names, scopeName)
}

// Outcomes returns recent resolution outcomes for a selector, newest first.
func (e *Engine) Outcomes(ctx context.Context, name string, limit int) ([]*resolve.Outcome, error) {
	return e.resolver.History(ctx, name, limit)
}

// FlushCache drops all cached outcomes.
func (e *Engine) FlushCache() {
	e.resolver.FlushCache()
}

// AddSelector creates or replaces a selector definition.
func (e *Engine) AddSelector(ctx context.Context, sel *selector.SemanticSelector) error {
	return e.registry.Upsert(ctx, sel)
}

// GetSelector returns a selector by name.
func (e *Engine) GetSelector(name string) (*selector.SemanticSelector, error) {
	return e.registry.Get(name)
}

// ListSelectors returns every selector, sorted by name.
func (e *Engine) ListSelectors() []*selector.SemanticSelector {
	return e.registry.List()
}

// DeleteSelector removes a selector.
func (e *Engine) DeleteSelector(ctx context.Context, name string) error {
	return e.registry.Delete(ctx, name)
}

// SelectorHistory returns a selector's change history, newest first.
func (e *Engine) SelectorHistory(ctx context.Context, name string, limit int) ([]*selector.HistoryEntry, error) {
	return e.registry.History(ctx, name, limit)
}

// PinStrategy pins or unpins a strategy against evolution.
func (e *Engine) PinStrategy(ctx context.Context, name, strategyID string, pinned bool, actor string) error {
	return e.registry.PinStrategy(ctx, name, strategyID, pinned, actor)
}

// SetStrategyDisabled enables or disables a strategy.
func (e *Engine) SetStrategyDisabled(ctx context.Context, name, strategyID string, disabled bool, actor string) error {
	return e.registry.SetStrategyDisabled(ctx, name, strategyID, disabled, actor)
}

// SeedCatalog upserts selector definitions from a YAML catalog file.
func (e *Engine) SeedCatalog(ctx context.Context, path string) (int, error) {
	return e.registry.SeedFile(ctx, path)
}

// Registry returns the underlying registry for direct access (testing, admin).
func (e *Engine) Registry() *selector.Registry {
	return e.registry
}

// RegisterScope admits a scope descriptor.
func (e *Engine) RegisterScope(d scope.Descriptor) error {
	return e.scopes.Register(d)
}

// ScopeNames returns the registered scope names.
func (e *Engine) ScopeNames() []string {
	return e.scopes.Names()
}

// ScopeState returns a scope's lifecycle state.
func (e *Engine) ScopeState(name string) (scope.State, error) {
	return e.scopes.State(name)
}

// InvalidateScope forces re-activation on the next resolution.
func (e *Engine) InvalidateScope(name string) error {
	return e.scopes.Invalidate(name)
}

// RegisterCustomStrategy installs a named custom extraction function.
func (e *Engine) RegisterCustomStrategy(name string, fn strategy.CustomFunc) {
	e.library.RegisterCustom(name, fn)
}

// Reliability returns per-strategy reliability records for a selector.
func (e *Engine) Reliability(ctx context.Context, name string) ([]*reliability.Record, error) {
	return e.tracker.ForSelector(ctx, name)
}

// ReliabilityAll returns every reliability record.
func (e *Engine) ReliabilityAll(ctx context.Context) ([]*reliability.Record, error) {
	return e.tracker.All(ctx)
}

// AnalyzeDrift produces and persists a drift report for a selector.
func (e *Engine) AnalyzeDrift(ctx context.Context, name string) (*drift.Report, error) {
	return e.detector.Analyze(ctx, name)
}

// DriftReports returns recent drift reports for a selector, newest first.
func (e *Engine) DriftReports(ctx context.Context, name string, limit int) ([]*drift.Report, error) {
	return e.detector.Reports(ctx, name, limit)
}

// LatestDrift returns the most recent drift report for a selector.
func (e *Engine) LatestDrift(ctx context.Context, name string) (*drift.Report, error) {
	return e.detector.Latest(ctx, name)
}

// Evolve runs the evolution rules for one selector.
func (e *Engine) Evolve(ctx context.Context, name string) (*evolve.Result, error) {
	return e.evolver.Evolve(ctx, name)
}

// EvolveAll runs the evolution rules for the whole catalog.
func (e *Engine) EvolveAll(ctx context.Context) ([]*evolve.Result, error) {
	return e.evolver.EvolveAll(ctx)
}

// Snapshots returns recent failure snapshots, newest first. Empty name lists
// across all selectors.
func (e *Engine) Snapshots(ctx context.Context, name string, limit int) ([]*snapshot.Snapshot, error) {
	return e.snapshots.List(ctx, name, limit)
}

// Snapshot returns a failure snapshot by ID.
func (e *Engine) Snapshot(ctx context.Context, id string) (*snapshot.Snapshot, error) {
	return e.snapshots.Get(ctx, id)
}

// Events returns the event trace for one correlation ID, oldest first.
func (e *Engine) Events(ctx context.Context, correlationID string) ([]*events.Event, error) {
	return e.events.ByCorrelation(ctx, correlationID)
}

// RecentEvents returns recent events, newest first, optionally filtered by
// kind.
func (e *Engine) RecentEvents(ctx context.Context, kind string, limit int) ([]*events.Event, error) {
	return e.events.Recent(ctx, kind, limit)
}

// Stats returns current engine statistics.
func (e *Engine) Stats(ctx context.Context) (*Stats, error) {
	depth, err := e.queue.Len(ctx)
	if err != nil {
		return nil, err
	}
	s := &Stats{
		Selectors:  e.registry.Len(),
		Scopes:     len(e.scopes.Names()),
		QueueDepth: depth,
		Resolve:    e.resolver.Stats(),
		Events:     e.events.Stats(),
	}
	if w := e.watcher.Load(); w != nil {
		ws := w.Stats()
		s.Reload = &ws
	}
	return s, nil
}

// Stats holds engine counts and counters.
type Stats struct {
	Selectors  int           `json:"selectors"`
	Scopes     int           `json:"scopes"`
	QueueDepth int           `json:"queue_depth"`
	Resolve    resolve.Stats `json:"resolve"`
	Events     events.Stats  `json:"events"`
	Reload     *watch.Stats  `json:"reload,omitempty"`
}
