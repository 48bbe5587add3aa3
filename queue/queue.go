// CLAUDE:SUMMARY Maintenance job queue — SQLite visibility-timeout queue carrying drift sweeps, evolution runs and retention prunes.
// Package queue schedules and distributes the engine's maintenance work.
//
// Jobs are typed tasks (drift sweep, evolution sweep, retention prune)
// in a SQLite table. A claimed job turns invisible for the visibility
// duration; the worker that claims it acks on success or nacks on failure,
// and a worker that dies simply lets the timeout expire, after which any
// instance can reclaim the job. Several daemon instances sharing one
// database therefore coordinate without a broker: a unique recurring task
// runs on exactly one instance at a time, and a backlog of per-selector
// sweeps spreads across however many instances are polling.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/domresolve/idgen"
)

// Task kinds consumed by the engine's maintenance handler.
const (
	// TaskDriftSweep analyzes drift for one selector, or all when the
	// task's Selector is empty.
	TaskDriftSweep = "drift_sweep"
	// TaskEvolveSweep runs the evolution rules for one selector, or all
	// when the task's Selector is empty.
	TaskEvolveSweep = "evolve_sweep"
	// TaskRetention prunes outcome, snapshot, event and attempt history
	// past their retention horizons.
	TaskRetention = "retention"
)

// Task is the work a job carries.
type Task struct {
	Kind     string `json:"kind"`
	Selector string `json:"selector,omitempty"`
}

// Job is a claimed queue row.
type Job struct {
	ID        string
	Queue     string
	Task      Task
	VisibleAt time.Time
	CreatedAt time.Time
	Attempts  int
}

// Schema is the job table DDL, applied via storage.WithSchema.
const Schema = `
-- Maintenance jobs with visibility-timeout delivery. kind and selector are
-- real columns so pending work is queryable and uniquely publishable.
CREATE TABLE IF NOT EXISTS maintenance_jobs (
	id         TEXT PRIMARY KEY,
	queue      TEXT NOT NULL DEFAULT '',
	kind       TEXT NOT NULL,
	selector   TEXT NOT NULL DEFAULT '',
	visible_at INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	attempts   INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_jobs_visible
	ON maintenance_jobs (queue, visible_at);
CREATE INDEX IF NOT EXISTS idx_jobs_task
	ON maintenance_jobs (queue, kind, selector);
`

// Options configures queue behaviour.
type Options struct {
	// Queue is the logical queue name; multiple queues coexist in the
	// table. Default "" (the default queue).
	Queue string
	// Visibility is how long a claimed job stays invisible. Default 30s.
	Visibility time.Duration
	// PollInterval is the delay between claim attempts in the Run loops.
	// Default 1s.
	PollInterval time.Duration
	// MaxAttempts discards a job redelivered more than this many times.
	// 0 means unlimited.
	MaxAttempts int
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.Visibility <= 0 {
		o.Visibility = 30 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Q is the queue handle.
type Q struct {
	db    *sql.DB
	opts  Options
	newID idgen.Generator
}

// New creates a queue handle over an opened database.
func New(db *sql.DB, opts Options) *Q {
	opts.defaults()
	return &Q{db: db, opts: opts, newID: idgen.Job}
}

// Publish inserts an immediately visible job and returns its ID.
func (q *Q) Publish(ctx context.Context, t Task) (string, error) {
	id := q.newID()
	now := time.Now().UnixMilli()
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO maintenance_jobs (id, queue, kind, selector, visible_at, created_at)
		VALUES (?,?,?,?,?,?)`,
		id, q.opts.Queue, t.Kind, t.Selector, now, now,
	)
	if err != nil {
		return "", fmt.Errorf("queue: publish %s: %w", t.Kind, err)
	}
	return id, nil
}

// PublishUnique inserts a job unless an identical task (same kind and
// selector) is already queued, visible or claimed. It returns the new job
// ID, or "" when the task was already pending. Recurring schedules use
// this so a slow worker never accumulates duplicates behind itself.
func (q *Q) PublishUnique(ctx context.Context, t Task) (string, error) {
	id := q.newID()
	now := time.Now().UnixMilli()
	res, err := q.db.ExecContext(ctx, `
		INSERT INTO maintenance_jobs (id, queue, kind, selector, visible_at, created_at)
		SELECT ?,?,?,?,?,?
		WHERE NOT EXISTS (
			SELECT 1 FROM maintenance_jobs WHERE queue = ? AND kind = ? AND selector = ?
		)`,
		id, q.opts.Queue, t.Kind, t.Selector, now, now,
		q.opts.Queue, t.Kind, t.Selector,
	)
	if err != nil {
		return "", fmt.Errorf("queue: publish unique %s: %w", t.Kind, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", nil
	}
	return id, nil
}

// Claim atomically picks the oldest visible job, marks it invisible for
// the visibility duration, and returns it. Returns nil, nil when nothing
// is visible.
func (q *Q) Claim(ctx context.Context) (*Job, error) {
	now := time.Now()
	hideUntil := now.Add(q.opts.Visibility).UnixMilli()

	row := q.db.QueryRowContext(ctx, `
		UPDATE maintenance_jobs
		SET visible_at = ?, attempts = attempts + 1
		WHERE id = (
			SELECT id FROM maintenance_jobs
			WHERE queue = ? AND visible_at <= ?
			ORDER BY visible_at ASC
			LIMIT 1
		)
		RETURNING id, queue, kind, selector, visible_at, created_at, attempts`,
		hideUntil, q.opts.Queue, now.UnixMilli(),
	)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: claim: %w", err)
	}
	return j, nil
}

// ClaimBatch atomically claims up to n visible jobs. The slice is empty,
// never nil, when nothing is visible.
func (q *Q) ClaimBatch(ctx context.Context, n int) ([]*Job, error) {
	now := time.Now()
	hideUntil := now.Add(q.opts.Visibility).UnixMilli()

	rows, err := q.db.QueryContext(ctx, `
		UPDATE maintenance_jobs
		SET visible_at = ?, attempts = attempts + 1
		WHERE id IN (
			SELECT id FROM maintenance_jobs
			WHERE queue = ? AND visible_at <= ?
			ORDER BY visible_at ASC
			LIMIT ?
		)
		RETURNING id, queue, kind, selector, visible_at, created_at, attempts`,
		hideUntil, q.opts.Queue, now.UnixMilli(), n,
	)
	if err != nil {
		return nil, fmt.Errorf("queue: claim batch: %w", err)
	}
	defer rows.Close()

	jobs := []*Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// Ack deletes a successfully processed job.
func (q *Q) Ack(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx,
		`DELETE FROM maintenance_jobs WHERE id = ? AND queue = ?`, id, q.opts.Queue)
	return err
}

// Nack makes a job immediately visible again for another worker.
func (q *Q) Nack(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE maintenance_jobs SET visible_at = 0 WHERE id = ? AND queue = ?`, id, q.opts.Queue)
	return err
}

// Extend pushes a claimed job's visibility forward, for handlers that need
// more time than the configured window.
func (q *Q) Extend(ctx context.Context, id string, extra time.Duration) error {
	hideUntil := time.Now().Add(extra).UnixMilli()
	_, err := q.db.ExecContext(ctx,
		`UPDATE maintenance_jobs SET visible_at = ? WHERE id = ? AND queue = ?`,
		hideUntil, id, q.opts.Queue)
	return err
}

// Purge deletes every job in the queue.
func (q *Q) Purge(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx,
		`DELETE FROM maintenance_jobs WHERE queue = ?`, q.opts.Queue)
	return err
}

// Len returns the number of jobs, visible and claimed, in the queue.
func (q *Q) Len(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM maintenance_jobs WHERE queue = ?`, q.opts.Queue).Scan(&n)
	return n, err
}

// Handler processes a claimed job. Return nil to ack, non-nil to nack.
type Handler func(ctx context.Context, job *Job) error

// Run polls for visible jobs and invokes handler for each, one at a time.
// It blocks until ctx is cancelled.
func (q *Q) Run(ctx context.Context, handler Handler) {
	log := q.opts.Logger
	log.Info("queue: worker started",
		"queue", q.opts.Queue, "visibility", q.opts.Visibility, "poll", q.opts.PollInterval)

	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("queue: worker stopped", "queue", q.opts.Queue)
			return
		case <-ticker.C:
			q.poll(ctx, handler, log)
		}
	}
}

func (q *Q) poll(ctx context.Context, handler Handler, log *slog.Logger) {
	for {
		job, err := q.Claim(ctx)
		if err != nil {
			log.Warn("queue: claim failed", "error", err, "queue", q.opts.Queue)
			return
		}
		if job == nil {
			return
		}
		if q.opts.MaxAttempts > 0 && job.Attempts > q.opts.MaxAttempts {
			log.Warn("queue: job exceeded max attempts, discarding",
				"id", job.ID, "kind", job.Task.Kind, "attempts", job.Attempts)
			_ = q.Ack(ctx, job.ID)
			continue
		}
		if err := handler(ctx, job); err != nil {
			log.Warn("queue: handler failed, nacking",
				"id", job.ID, "kind", job.Task.Kind, "error", err)
			_ = q.Nack(ctx, job.ID)
		} else {
			_ = q.Ack(ctx, job.ID)
		}
	}
}

// RunBatch polls in batches and processes jobs with bounded concurrency.
// It blocks until ctx is cancelled, draining in-flight handlers before
// returning.
func (q *Q) RunBatch(ctx context.Context, batchSize, maxConcurrency int, handler Handler) {
	log := q.opts.Logger
	log.Info("queue: batch worker started",
		"queue", q.opts.Queue, "batch_size", batchSize,
		"max_concurrency", maxConcurrency, "poll", q.opts.PollInterval)

	sem := make(chan struct{}, maxConcurrency)
	var wg sync.WaitGroup

	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			log.Info("queue: batch worker stopped", "queue", q.opts.Queue)
			return
		case <-ticker.C:
			jobs, err := q.ClaimBatch(ctx, batchSize)
			if err != nil {
				if ctx.Err() != nil {
					wg.Wait()
					return
				}
				log.Warn("queue: batch claim failed", "error", err, "queue", q.opts.Queue)
				continue
			}
			for _, job := range jobs {
				if q.opts.MaxAttempts > 0 && job.Attempts > q.opts.MaxAttempts {
					log.Warn("queue: job exceeded max attempts, discarding",
						"id", job.ID, "kind", job.Task.Kind, "attempts", job.Attempts)
					_ = q.Ack(ctx, job.ID)
					continue
				}
				select {
				case sem <- struct{}{}:
				case <-ctx.Done():
					_ = q.Nack(ctx, job.ID)
					wg.Wait()
					return
				}
				wg.Add(1)
				go func(j *Job) {
					defer wg.Done()
					defer func() { <-sem }()
					if err := handler(ctx, j); err != nil {
						log.Warn("queue: handler failed, nacking",
							"id", j.ID, "kind", j.Task.Kind, "error", err)
						_ = q.Nack(context.Background(), j.ID)
					} else {
						_ = q.Ack(context.Background(), j.ID)
					}
				}(job)
			}
		}
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (*Job, error) {
	j := &Job{}
	var visAt, creAt int64
	if err := r.Scan(&j.ID, &j.Queue, &j.Task.Kind, &j.Task.Selector,
		&visAt, &creAt, &j.Attempts); err != nil {
		return nil, err
	}
	j.VisibleAt = time.UnixMilli(visAt)
	j.CreatedAt = time.UnixMilli(creAt)
	return j, nil
}
