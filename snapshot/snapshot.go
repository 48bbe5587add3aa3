// CLAUDE:SUMMARY Failure snapshot store — sanitized scope HTML plus a markdown digest, content-addressed and retained in SQLite for offline diagnosis.
// Package snapshot persists the scope subtree of failed resolutions.
//
// A snapshot keeps three renditions of the scope at failure time: the
// sanitized HTML (scripts, event handlers and style payloads stripped), a
// markdown digest for humans skimming a triage queue, and the SHA-256 of
// the raw markup as captured. The hash is the dedup key: consecutive
// failures over an unchanged scope store one row, so a selector that fails
// every few seconds against the same broken page does not flood the table.
package snapshot

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/microcosm-cc/bluemonday"

	"github.com/hazyhaar/domresolve/idgen"
	"github.com/hazyhaar/domresolve/resolve"
)

// ErrNotFound is returned when a snapshot ID does not exist.
type ErrNotFound struct {
	ID string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("snapshot: not found: %s", e.ID)
}

// Snapshot is one stored capture.
type Snapshot struct {
	ID       string `json:"id"`
	Selector string `json:"selector"`
	Scope    string `json:"scope"`
	// Reason is the resolution failure reason that triggered the capture.
	Reason string `json:"reason"`
	// ContentHash is the SHA-256 hex of the captured markup after
	// truncation, before sanitization.
	ContentHash string `json:"content_hash"`
	// HTML is the sanitized scope markup.
	HTML string `json:"html"`
	// Markdown is the digest rendition, empty when conversion failed and
	// the scope had no text either.
	Markdown string `json:"markdown"`
	// Truncated marks captures whose raw markup exceeded MaxBytes.
	Truncated     bool   `json:"truncated,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
	CreatedAt     int64  `json:"created_at"`
}

// Schema is the snapshot DDL, applied via storage.WithSchema.
const Schema = `
-- Failure snapshots, content-addressed by the raw markup hash. Rows are
-- written by the capture path and removed only by retention pruning.
CREATE TABLE IF NOT EXISTS failure_snapshots (
	id             TEXT PRIMARY KEY,
	selector       TEXT NOT NULL,
	scope          TEXT NOT NULL,
	reason         TEXT NOT NULL DEFAULT '',
	content_hash   TEXT NOT NULL,
	html           TEXT NOT NULL,
	markdown       TEXT NOT NULL DEFAULT '',
	truncated      INTEGER NOT NULL DEFAULT 0,
	correlation_id TEXT NOT NULL DEFAULT '',
	created_at     INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_snapshots_selector
	ON failure_snapshots(selector, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_snapshots_age
	ON failure_snapshots(created_at);
`

// Config tunes the store. The zero value resolves to the defaults below.
type Config struct {
	// MaxBytes caps the raw markup read from the document; longer captures
	// are cut at the cap and marked truncated. Default 1 MiB.
	MaxBytes int
}

func (c *Config) defaults() {
	if c.MaxBytes <= 0 {
		c.MaxBytes = 1 << 20
	}
}

// Store captures and serves failure snapshots. It satisfies the resolution
// engine's Capturer. Safe for concurrent use.
type Store struct {
	db     *sql.DB
	cfg    Config
	policy *bluemonday.Policy
	conv   *converter.Converter
	logger *slog.Logger
	newID  idgen.Generator
}

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New builds a snapshot store over an opened database.
func New(db *sql.DB, cfg Config, opts ...Option) *Store {
	cfg.defaults()
	s := &Store{
		db:     db,
		cfg:    cfg,
		policy: bluemonday.UGCPolicy(),
		conv: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
		logger: slog.Default(),
		newID:  idgen.Snapshot,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Capture stores the scope subtree of a failed resolution. A capture whose
// raw markup hashes identically to the selector's most recent snapshot is
// dropped as a duplicate.
func (s *Store) Capture(ctx context.Context, req resolve.CaptureRequest) error {
	if req.Root == nil {
		return fmt.Errorf("snapshot: capture %s: no scope root", req.Selector)
	}

	raw := req.Root.HTML()
	truncated := false
	if len(raw) > s.cfg.MaxBytes {
		raw = raw[:s.cfg.MaxBytes]
		truncated = true
	}
	sum := sha256.Sum256([]byte(raw))
	hash := hex.EncodeToString(sum[:])

	dup, err := s.isDuplicate(ctx, req.Selector, hash)
	if err != nil {
		return err
	}
	if dup {
		s.logger.Debug("snapshot: duplicate capture skipped",
			"selector", req.Selector, "hash", hash[:12])
		return nil
	}

	snap := &Snapshot{
		ID:            s.newID(),
		Selector:      req.Selector,
		Scope:         req.Scope,
		Reason:        req.Reason,
		ContentHash:   hash,
		HTML:          s.policy.Sanitize(raw),
		Markdown:      s.digest(raw, req.Root.Text()),
		Truncated:     truncated,
		CorrelationID: req.CorrelationID,
		CreatedAt:     time.Now().UnixMilli(),
	}
	if err := s.insert(ctx, snap); err != nil {
		return err
	}
	s.logger.Info("snapshot: captured",
		"selector", req.Selector, "scope", req.Scope, "reason", req.Reason,
		"bytes", len(snap.HTML), "truncated", truncated,
		"correlation_id", req.CorrelationID)
	return nil
}

// digest renders the markdown rendition, falling back to the scope's plain
// text when conversion fails or yields nothing.
func (s *Store) digest(html, fallback string) string {
	md, err := s.conv.ConvertString(html)
	if err != nil || strings.TrimSpace(md) == "" {
		return strings.TrimSpace(fallback)
	}
	return strings.TrimSpace(md)
}

func (s *Store) isDuplicate(ctx context.Context, selector, hash string) (bool, error) {
	var last string
	err := s.db.QueryRowContext(ctx, `
		SELECT content_hash FROM failure_snapshots
		WHERE selector = ? ORDER BY created_at DESC, id DESC LIMIT 1`,
		selector).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("snapshot: dedup check: %w", err)
	}
	return last == hash, nil
}

func (s *Store) insert(ctx context.Context, snap *Snapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO failure_snapshots
			(id, selector, scope, reason, content_hash, html, markdown,
			 truncated, correlation_id, created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		snap.ID, snap.Selector, snap.Scope, snap.Reason, snap.ContentHash,
		snap.HTML, snap.Markdown, boolInt(snap.Truncated),
		snap.CorrelationID, snap.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("snapshot: store %s: %w", snap.Selector, err)
	}
	return nil
}

// Get returns one snapshot by ID.
func (s *Store) Get(ctx context.Context, id string) (*Snapshot, error) {
	snap, err := scanSnapshot(s.db.QueryRowContext(ctx, `
		SELECT id, selector, scope, reason, content_hash, html, markdown,
		       truncated, correlation_id, created_at
		FROM failure_snapshots WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrNotFound{ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("snapshot: get %s: %w", id, err)
	}
	return snap, nil
}

// List returns the newest snapshots for a selector, or across all selectors
// when selector is empty.
func (s *Store) List(ctx context.Context, selector string, limit int) ([]*Snapshot, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `
		SELECT id, selector, scope, reason, content_hash, html, markdown,
		       truncated, correlation_id, created_at
		FROM failure_snapshots`
	args := []any{}
	if selector != "" {
		query += ` WHERE selector = ?`
		args = append(args, selector)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("snapshot: list: %w", err)
	}
	defer rows.Close()

	var out []*Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// Prune deletes snapshots older than the retention period.
func (s *Store) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM failure_snapshots WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("snapshot: prune: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(r rowScanner) (*Snapshot, error) {
	snap := &Snapshot{}
	var truncated int
	if err := r.Scan(
		&snap.ID, &snap.Selector, &snap.Scope, &snap.Reason,
		&snap.ContentHash, &snap.HTML, &snap.Markdown, &truncated,
		&snap.CorrelationID, &snap.CreatedAt,
	); err != nil {
		return nil, err
	}
	snap.Truncated = truncated != 0
	return snap, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
