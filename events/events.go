// CLAUDE:SUMMARY Correlation-carrying event log — buffered async mirror of resolutions, drift reports and evolution runs into SQLite.
// Package events appends engine activity to a queryable SQLite log.
//
// The Logger satisfies the resolution, drift and evolution sink interfaces
// and never blocks their callers: emissions go through a bounded buffer
// drained by a single writer that flushes in batches. A full buffer drops
// the event and counts the drop; write failures are logged and the batch
// discarded. Events carry the correlation ID minted at the start of the
// triggering call, so one ByCorrelation query reconstructs everything a
// resolution caused: the outcome, the snapshot capture, the drift report
// that flagged it and the evolution run that reacted.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/domresolve/drift"
	"github.com/hazyhaar/domresolve/evolve"
	"github.com/hazyhaar/domresolve/idgen"
	"github.com/hazyhaar/domresolve/resolve"
	"github.com/hazyhaar/domresolve/storage"
)

// Event kinds written by the built-in sinks. Emit accepts any kind.
const (
	KindResolution = "resolution"
	KindDrift      = "drift"
	KindEvolution  = "evolution"
)

// Event is one logged occurrence.
type Event struct {
	ID            string          `json:"id"`
	Kind          string          `json:"kind"`
	Subject       string          `json:"subject"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CreatedAt     int64           `json:"created_at"`
}

// Schema is the event log DDL, applied via storage.WithSchema.
const Schema = `
-- Append-only activity log. One row per emission; rows are removed only by
-- retention pruning.
CREATE TABLE IF NOT EXISTS events (
	id             TEXT PRIMARY KEY,
	kind           TEXT NOT NULL,
	subject        TEXT NOT NULL DEFAULT '',
	correlation_id TEXT NOT NULL DEFAULT '',
	payload        TEXT,
	created_at     INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_correlation
	ON events(correlation_id);
CREATE INDEX IF NOT EXISTS idx_events_kind
	ON events(kind, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_events_age
	ON events(created_at);
`

const (
	bufferSize    = 256
	batchSize     = 32
	flushInterval = 50 * time.Millisecond
	flushTimeout  = 2 * time.Second
)

// Logger is the buffered event writer. Create with New, stop with Close;
// Close drains the buffer before returning. Safe for concurrent use.
type Logger struct {
	db     *sql.DB
	logger *slog.Logger
	newID  idgen.Generator

	buf  chan *Event
	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once

	queued  atomic.Int64
	logged  atomic.Int64
	dropped atomic.Int64
}

// Option configures the Logger.
type Option func(*Logger)

// WithLogger sets the diagnostic logger.
func WithLogger(l *slog.Logger) Option {
	return func(lg *Logger) { lg.logger = l }
}

// WithIDGenerator overrides event ID generation.
func WithIDGenerator(gen idgen.Generator) Option {
	return func(lg *Logger) { lg.newID = gen }
}

// New builds a Logger over an opened database and starts its writer.
func New(db *sql.DB, opts ...Option) *Logger {
	l := &Logger{
		db:     db,
		logger: slog.Default(),
		newID:  idgen.Event,
		buf:    make(chan *Event, bufferSize),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.wg.Add(1)
	go l.run()
	return l
}

// Close stops the writer after draining buffered events.
func (l *Logger) Close() error {
	l.once.Do(func() { close(l.done) })
	l.wg.Wait()
	return nil
}

// Stats reports writer counters.
type Stats struct {
	Queued  int64 `json:"queued"`
	Logged  int64 `json:"logged"`
	Dropped int64 `json:"dropped"`
}

// Stats returns a snapshot of the writer counters.
func (l *Logger) Stats() Stats {
	return Stats{
		Queued:  l.queued.Load(),
		Logged:  l.logged.Load(),
		Dropped: l.dropped.Load(),
	}
}

// ResolutionCompleted mirrors a resolution outcome into the log.
func (l *Logger) ResolutionCompleted(_ context.Context, o *resolve.Outcome) {
	l.Emit(KindResolution, o.Selector, o.CorrelationID, o)
}

// DriftReported mirrors a drift report into the log.
func (l *Logger) DriftReported(_ context.Context, r *drift.Report) {
	l.Emit(KindDrift, r.Selector, r.CorrelationID, r)
}

// EvolutionApplied mirrors an applied evolution run into the log.
func (l *Logger) EvolutionApplied(_ context.Context, r *evolve.Result) {
	l.Emit(KindEvolution, r.Selector, r.CorrelationID, r)
}

// Emit enqueues one event. It never blocks: a full buffer or a closed
// logger drops the event and counts the drop.
func (l *Logger) Emit(kind, subject, correlationID string, payload any) {
	e := &Event{
		ID:            l.newID(),
		Kind:          kind,
		Subject:       subject,
		CorrelationID: correlationID,
		CreatedAt:     time.Now().UnixMilli(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			l.logger.Warn("events: payload marshal failed", "kind", kind, "subject", subject, "error", err)
		} else {
			e.Payload = raw
		}
	}

	select {
	case <-l.done:
		l.dropped.Add(1)
		return
	default:
	}
	select {
	case l.buf <- e:
		l.queued.Add(1)
	default:
		l.dropped.Add(1)
		l.logger.Warn("events: buffer full, event dropped", "kind", kind, "subject", subject)
	}
}

func (l *Logger) run() {
	defer l.wg.Done()
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]*Event, 0, batchSize)
	for {
		select {
		case e := <-l.buf:
			batch = append(batch, e)
			if len(batch) >= batchSize {
				l.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				l.flush(batch)
				batch = batch[:0]
			}
		case <-l.done:
			for {
				select {
				case e := <-l.buf:
					batch = append(batch, e)
				default:
					l.flush(batch)
					return
				}
			}
		}
	}
}

// flush writes one batch in a single transaction. Failures drop the batch.
func (l *Logger) flush(batch []*Event) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	err := storage.RunTx(ctx, l.db, func(tx *sql.Tx) error {
		for _, e := range batch {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO events (id, kind, subject, correlation_id, payload, created_at)
				VALUES (?,?,?,?,?,?)`,
				e.ID, e.Kind, e.Subject, e.CorrelationID, nullStr(string(e.Payload)), e.CreatedAt,
			); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		l.logger.Warn("events: flush failed, batch dropped", "events", len(batch), "error", err)
		l.dropped.Add(int64(len(batch)))
		return
	}
	l.logged.Add(int64(len(batch)))
}

// ByCorrelation returns every event sharing a correlation ID, oldest first.
func (l *Logger) ByCorrelation(ctx context.Context, correlationID string) ([]*Event, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, kind, subject, correlation_id, payload, created_at
		FROM events WHERE correlation_id = ?
		ORDER BY created_at, id`, correlationID)
	if err != nil {
		return nil, fmt.Errorf("events: by correlation: %w", err)
	}
	return scanEvents(rows)
}

// Recent returns the newest events, optionally filtered by kind.
func (l *Logger) Recent(ctx context.Context, kind string, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, kind, subject, correlation_id, payload, created_at
		FROM events`
	args := []any{}
	if kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, kind)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("events: recent: %w", err)
	}
	return scanEvents(rows)
}

// Prune deletes events older than the retention period.
func (l *Logger) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).UnixMilli()
	res, err := l.db.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("events: prune: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	defer rows.Close()
	var out []*Event
	for rows.Next() {
		e := &Event{}
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.Kind, &e.Subject, &e.CorrelationID, &payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		if payload.Valid && payload.String != "" {
			e.Payload = json.RawMessage(payload.String)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
