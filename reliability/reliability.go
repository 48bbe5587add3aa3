// CLAUDE:SUMMARY Reliability tracker — EWMA success rates, streaks, and the append-only attempt log, per (selector, strategy).

// Package reliability maintains per (selector, strategy) performance state:
// an exponentially weighted success rate, counters, streaks, rolling averages,
// and the last known good path. The Tracker is the sole mutator of this state;
// the scorer, drift detector, and evolution manager only read it.
package reliability

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/domresolve/storage"
)

// DefaultAlpha is the EWMA smoothing factor: each attempt contributes 10%.
const DefaultAlpha = 0.1

// NeutralPrior seeds the EWMA before any attempt has been recorded, so an
// unknown strategy scores mid-range rather than perfect or hopeless.
const NeutralPrior = 0.5

// Record is the aggregate state for one (selector, strategy) pair.
// total == success + failure after every update.
type Record struct {
	Selector        string  `json:"selector"`
	Strategy        string  `json:"strategy"`
	Total           int64   `json:"total"`
	Success         int64   `json:"success"`
	Failure         int64   `json:"failure"`
	EWMA            float64 `json:"ewma"`
	AvgConfidence   float64 `json:"avg_confidence"`
	AvgLatencyMs    float64 `json:"avg_latency_ms"`
	SuccessStreak   int64   `json:"success_streak"`
	FailureStreak   int64   `json:"failure_streak"`
	LastSuccessAt   int64   `json:"last_success_at"`
	LastFailureAt   int64   `json:"last_failure_at"`
	LastSuccessPath string  `json:"last_success_path"`
	UpdatedAt       int64   `json:"updated_at"`
}

// SuccessRate is successes over total, 0 when untried.
func (r *Record) SuccessRate() float64 {
	if r.Total == 0 {
		return 0
	}
	return float64(r.Success) / float64(r.Total)
}

// FailureRate is failures over total, 0 when untried.
func (r *Record) FailureRate() float64 {
	if r.Total == 0 {
		return 0
	}
	return float64(r.Failure) / float64(r.Total)
}

// Score is the strategy-reliability confidence component: the EWMA, or the
// neutral prior when nothing has been recorded yet.
func (r *Record) Score() float64 {
	if r.Total == 0 {
		return NeutralPrior
	}
	return r.EWMA
}

// Sample is one row of the attempt log, used for evolution windows and drift
// trends.
type Sample struct {
	Success    bool    `json:"success"`
	Confidence float64 `json:"confidence"`
	LatencyMs  float64 `json:"latency_ms"`
	CreatedAt  int64   `json:"created_at"`
}

// Tracker owns reliability state. Updates lock per record, so strategies of
// different selectors never contend.
type Tracker struct {
	db     *sql.DB
	alpha  float64
	logger *slog.Logger

	mu      sync.Mutex
	entries map[recordKey]*entry
}

type recordKey struct{ selector, strategy string }

type entry struct {
	mu  sync.Mutex
	rec Record
}

// Option customises a Tracker.
type Option func(*Tracker)

// WithAlpha overrides the EWMA smoothing factor.
func WithAlpha(a float64) Option { return func(t *Tracker) { t.alpha = a } }

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option { return func(t *Tracker) { t.logger = l } }

// New builds a Tracker over db (which must carry Schema). Records load
// lazily on first touch.
func New(db *sql.DB, opts ...Option) *Tracker {
	t := &Tracker{
		db:      db,
		alpha:   DefaultAlpha,
		logger:  slog.Default(),
		entries: make(map[recordKey]*entry),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// RecordSuccess folds a successful attempt into the record and appends it to
// the attempt log. Path is where the candidate was found; it becomes the
// record's last known good location.
func (t *Tracker) RecordSuccess(ctx context.Context, selector, strategy string, confidence float64, latency time.Duration, path string) (*Record, error) {
	return t.update(ctx, selector, strategy, func(r *Record, now int64) {
		r.Total++
		r.Success++
		r.EWMA = t.alpha*1 + (1-t.alpha)*r.EWMA
		r.AvgConfidence += (confidence - r.AvgConfidence) / float64(r.Success)
		r.AvgLatencyMs += (float64(latency.Milliseconds()) - r.AvgLatencyMs) / float64(r.Total)
		r.SuccessStreak++
		r.FailureStreak = 0
		r.LastSuccessAt = now
		if path != "" {
			r.LastSuccessPath = path
		}
	}, true, confidence, latency)
}

// RecordFailure folds a failed attempt into the record and appends it to the
// attempt log.
func (t *Tracker) RecordFailure(ctx context.Context, selector, strategy string, latency time.Duration) (*Record, error) {
	return t.update(ctx, selector, strategy, func(r *Record, now int64) {
		r.Total++
		r.Failure++
		r.EWMA = (1 - t.alpha) * r.EWMA
		r.AvgLatencyMs += (float64(latency.Milliseconds()) - r.AvgLatencyMs) / float64(r.Total)
		r.FailureStreak++
		r.SuccessStreak = 0
		r.LastFailureAt = now
	}, false, 0, latency)
}

// Get returns a copy of the record, a zeroed one when nothing has been
// recorded yet. The copy is safe to hold across updates.
func (t *Tracker) Get(ctx context.Context, selector, strategy string) (*Record, error) {
	e, err := t.entry(ctx, selector, strategy)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	rec := e.rec
	return &rec, nil
}

// ForSelector reads every record of one selector from the database, for
// health reporting and drift sweeps.
func (t *Tracker) ForSelector(ctx context.Context, selector string) ([]*Record, error) {
	return t.query(ctx, `
		SELECT selector, strategy, total, success, failure, ewma, avg_confidence,
		       avg_latency_ms, success_streak, failure_streak, last_success_at,
		       last_failure_at, last_success_path, updated_at
		FROM reliability_records WHERE selector = ? ORDER BY strategy`, selector)
}

// All reads every record, ordered by selector then strategy.
func (t *Tracker) All(ctx context.Context) ([]*Record, error) {
	return t.query(ctx, `
		SELECT selector, strategy, total, success, failure, ewma, avg_confidence,
		       avg_latency_ms, success_streak, failure_streak, last_success_at,
		       last_failure_at, last_success_path, updated_at
		FROM reliability_records ORDER BY selector, strategy`)
}

// Window returns the last n attempts for a (selector, strategy), in
// chronological order.
func (t *Tracker) Window(ctx context.Context, selector, strategy string, n int) ([]Sample, error) {
	if n <= 0 {
		n = 50
	}
	rows, err := t.db.QueryContext(ctx, `
		SELECT success, confidence, latency_ms, created_at
		FROM reliability_attempts
		WHERE selector = ? AND strategy = ?
		ORDER BY id DESC LIMIT ?`, selector, strategy, n)
	if err != nil {
		return nil, fmt.Errorf("reliability: window: %w", err)
	}
	defer rows.Close()

	var out []Sample
	for rows.Next() {
		var s Sample
		var success int
		if err := rows.Scan(&success, &s.Confidence, &s.LatencyMs, &s.CreatedAt); err != nil {
			return nil, err
		}
		s.Success = success != 0
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Newest-first from the query; callers reason in time order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// PruneAttempts deletes attempt log rows older than the retention period.
// Aggregate records are never pruned.
func (t *Tracker) PruneAttempts(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).UnixMilli()
	res, err := t.db.ExecContext(ctx, `DELETE FROM reliability_attempts WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("reliability: prune: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		t.logger.Debug("reliability: pruned attempt log", "rows", n)
	}
	return n, nil
}

func (t *Tracker) update(ctx context.Context, selector, strategy string, fold func(*Record, int64), success bool, confidence float64, latency time.Duration) (*Record, error) {
	e, err := t.entry(ctx, selector, strategy)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	next := e.rec
	now := time.Now().UnixMilli()
	fold(&next, now)
	next.UpdatedAt = now

	successInt := 0
	if success {
		successInt = 1
	}
	err = storage.RunTx(ctx, t.db, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`
			INSERT INTO reliability_records
				(selector, strategy, total, success, failure, ewma, avg_confidence,
				 avg_latency_ms, success_streak, failure_streak, last_success_at,
				 last_failure_at, last_success_path, updated_at)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)
			ON CONFLICT(selector, strategy) DO UPDATE SET
				total=excluded.total, success=excluded.success, failure=excluded.failure,
				ewma=excluded.ewma, avg_confidence=excluded.avg_confidence,
				avg_latency_ms=excluded.avg_latency_ms,
				success_streak=excluded.success_streak, failure_streak=excluded.failure_streak,
				last_success_at=excluded.last_success_at, last_failure_at=excluded.last_failure_at,
				last_success_path=excluded.last_success_path, updated_at=excluded.updated_at`,
			next.Selector, next.Strategy, next.Total, next.Success, next.Failure,
			next.EWMA, next.AvgConfidence, next.AvgLatencyMs, next.SuccessStreak,
			next.FailureStreak, next.LastSuccessAt, next.LastFailureAt,
			next.LastSuccessPath, next.UpdatedAt,
		); err != nil {
			return err
		}
		_, err := tx.Exec(`
			INSERT INTO reliability_attempts (selector, strategy, success, confidence, latency_ms, created_at)
			VALUES (?,?,?,?,?,?)`,
			selector, strategy, successInt, confidence, float64(latency.Milliseconds()), now,
		)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("reliability: record %s/%s: %w", selector, strategy, err)
	}

	e.rec = next
	rec := next
	return &rec, nil
}

// entry returns the in-memory record holder, loading committed state on
// first touch.
func (t *Tracker) entry(ctx context.Context, selector, strategy string) (*entry, error) {
	k := recordKey{selector, strategy}

	t.mu.Lock()
	e, ok := t.entries[k]
	if ok {
		t.mu.Unlock()
		return e, nil
	}
	t.mu.Unlock()

	loaded, err := t.load(ctx, selector, strategy)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok = t.entries[k]; ok {
		return e, nil // lost the race, keep the winner
	}
	e = &entry{rec: *loaded}
	t.entries[k] = e
	return e, nil
}

// load reads one record, returning a zeroed one with the neutral prior when
// the pair has never been seen.
func (t *Tracker) load(ctx context.Context, selector, strategy string) (*Record, error) {
	recs, err := t.query(ctx, `
		SELECT selector, strategy, total, success, failure, ewma, avg_confidence,
		       avg_latency_ms, success_streak, failure_streak, last_success_at,
		       last_failure_at, last_success_path, updated_at
		FROM reliability_records WHERE selector = ? AND strategy = ?`, selector, strategy)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return &Record{Selector: selector, Strategy: strategy, EWMA: NeutralPrior}, nil
	}
	return recs[0], nil
}

func (t *Tracker) query(ctx context.Context, q string, args ...any) ([]*Record, error) {
	rows, err := t.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("reliability: query: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		r := &Record{}
		if err := rows.Scan(
			&r.Selector, &r.Strategy, &r.Total, &r.Success, &r.Failure, &r.EWMA,
			&r.AvgConfidence, &r.AvgLatencyMs, &r.SuccessStreak, &r.FailureStreak,
			&r.LastSuccessAt, &r.LastFailureAt, &r.LastSuccessPath, &r.UpdatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
