// Package watch implements the poll-detect-debounce-reload loop that keeps
// the selector registry in sync with its SQLite backing store. Another
// process editing the catalog is picked up without a restart; in-flight
// resolutions are untouched because the registry swaps snapshots.
//
// Typical usage:
//
//	w := watch.New(db, watch.Config{Interval: time.Second, Debounce: 500 * time.Millisecond})
//	go w.Run(ctx, func() error { return registry.Reload(ctx) })
package watch

import (
	"context"
	"database/sql"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Detector reads a version token from the database. Two calls returning
// different values mean "something changed". int64 maps naturally onto
// PRAGMA data_version, PRAGMA user_version, or a MAX(updated_at) query.
type Detector func(ctx context.Context, db *sql.DB) (int64, error)

// Config tunes the watcher.
type Config struct {
	// Interval is the polling frequency. Default: 1s.
	Interval time.Duration
	// Debounce is the quiet period after a detected change before the
	// action fires; further changes reset the timer. 0 fires immediately.
	Debounce time.Duration
	// Detector defaults to DataVersion.
	Detector Detector
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.Interval <= 0 {
		c.Interval = time.Second
	}
	if c.Detector == nil {
		c.Detector = DataVersion
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Watcher polls a SQLite database and runs an action when it changes.
type Watcher struct {
	db  *sql.DB
	cfg Config

	version atomic.Int64

	versionMu   sync.Mutex
	versionCond *sync.Cond

	checks  atomic.Int64
	changes atomic.Int64
	errs    atomic.Int64
	reloads atomic.Int64
}

// Stats are point-in-time counters.
type Stats struct {
	Checks          int64 `json:"checks"`
	ChangesDetected int64 `json:"changes_detected"`
	Errors          int64 `json:"errors"`
	Reloads         int64 `json:"reloads"`
}

// New creates a Watcher. Call Run to start the loop.
func New(db *sql.DB, cfg Config) *Watcher {
	cfg.defaults()
	w := &Watcher{db: db, cfg: cfg}
	w.versionCond = sync.NewCond(&w.versionMu)
	return w
}

// Stats returns the current counters.
func (w *Watcher) Stats() Stats {
	return Stats{
		Checks:          w.checks.Load(),
		ChangesDetected: w.changes.Load(),
		Errors:          w.errs.Load(),
		Reloads:         w.reloads.Load(),
	}
}

// Version returns the last successfully processed version token.
func (w *Watcher) Version() int64 { return w.version.Load() }

// Run blocks until ctx is cancelled, polling at cfg.Interval. When the
// detector reports a new version and the debounce window passes quietly,
// action runs. An action error leaves the version unadvanced, so the reload
// is retried on the next cycle.
func (w *Watcher) Run(ctx context.Context, action func() error) {
	log := w.cfg.Logger

	if v, err := w.cfg.Detector(ctx, w.db); err != nil {
		log.Warn("watch: initial version check failed", "error", err)
	} else {
		w.setVersion(v)
	}

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	var debounce *time.Timer
	var debounceCh <-chan time.Time
	pending := int64(-1)

	log.Info("watch: started", "interval", w.cfg.Interval, "debounce", w.cfg.Debounce)

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			log.Info("watch: stopped")
			return

		case <-ticker.C:
			w.checks.Add(1)
			cur, err := w.cfg.Detector(ctx, w.db)
			if err != nil {
				w.errs.Add(1)
				log.Warn("watch: version check failed", "error", err)
				continue
			}
			if cur == w.version.Load() || cur == pending {
				continue
			}
			w.changes.Add(1)
			pending = cur
			if w.cfg.Debounce <= 0 {
				w.fire(log, action, pending)
				pending = -1
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.NewTimer(w.cfg.Debounce)
			debounceCh = debounce.C
			log.Debug("watch: change detected, debouncing", "pending_version", cur)

		case <-debounceCh:
			debounceCh = nil
			if pending >= 0 {
				w.fire(log, action, pending)
				pending = -1
			}
		}
	}
}

// WaitForVersion blocks until a version >= target has been observed and
// successfully processed, or ctx expires.
func (w *Watcher) WaitForVersion(ctx context.Context, target int64) error {
	if w.version.Load() >= target {
		return nil
	}

	done := ctx.Done()
	w.versionMu.Lock()
	defer w.versionMu.Unlock()

	for w.version.Load() < target {
		ch := make(chan struct{})
		go func() {
			select {
			case <-done:
				w.versionCond.Broadcast()
			case <-ch:
			}
		}()

		w.versionCond.Wait()
		close(ch)

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

func (w *Watcher) fire(log *slog.Logger, action func() error, ver int64) {
	start := time.Now()
	if err := action(); err != nil {
		w.errs.Add(1)
		log.Error("watch: reload failed", "error", err, "version", ver)
		return
	}
	w.reloads.Add(1)
	w.setVersion(ver)
	log.Info("watch: reload complete", "version", ver, "duration", time.Since(start))
}

func (w *Watcher) setVersion(v int64) {
	w.version.Store(v)
	w.versionCond.Broadcast()
}

// DataVersion uses PRAGMA data_version, which increments whenever another
// connection writes the database file. Detects cross-process mutations.
func DataVersion(ctx context.Context, db *sql.DB) (int64, error) {
	var v int64
	err := db.QueryRowContext(ctx, "PRAGMA data_version").Scan(&v)
	return v, err
}

// UserVersion uses PRAGMA user_version, an application-controlled integer.
// Callers bump it explicitly after writes; deterministic, so it pairs well
// with WaitForVersion.
func UserVersion(ctx context.Context, db *sql.DB) (int64, error) {
	var v int64
	err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v)
	return v, err
}

// TableVersion returns a Detector polling MAX(column) on a table. Suits
// tables stamped with an updated_at column; misses deletions that touch
// nothing else.
func TableVersion(table, column string) Detector {
	query := "SELECT COALESCE(MAX(" + quoteIdent(column) + "), 0) FROM " + quoteIdent(table)
	return func(ctx context.Context, db *sql.DB) (int64, error) {
		var v int64
		err := db.QueryRowContext(ctx, query).Scan(&v)
		return v, err
	}
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
