// CLAUDE:SUMMARY ResolutionOutcome — the append-only record of every resolution call, persisted for history and health reporting.
package resolve

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hazyhaar/domresolve/dom"
	"github.com/hazyhaar/domresolve/idgen"
)

// Reason classifies a failed resolution.
type Reason string

const (
	// ReasonScopeUnavailable: the scope never became ready; no strategy ran.
	ReasonScopeUnavailable Reason = "scope_unavailable"
	// ReasonNoCandidates: every strategy ran and none produced a usable node.
	ReasonNoCandidates Reason = "no_candidates"
	// ReasonAllStrategiesErrored: every strategy errored rather than merely
	// finding nothing.
	ReasonAllStrategiesErrored Reason = "all_strategies_errored"
)

// Outcome is one resolution result, success or failure. Outcomes are
// append-only: they are written once and never updated.
type Outcome struct {
	ID       string `json:"id"`
	Selector string `json:"selector"`
	Scope    string `json:"scope"`
	// StrategyID is the winning strategy, empty on failure.
	StrategyID string `json:"strategy_id,omitempty"`
	// Node describes the matched element, nil on failure.
	Node       *dom.Descriptor `json:"node,omitempty"`
	Confidence float64         `json:"confidence"`
	// Quality is the winning strategy's intrinsic match quality.
	Quality    float64    `json:"quality,omitempty"`
	Components *Breakdown `json:"components,omitempty"`
	// Attempts counts strategy executions, zero when the scope was
	// unavailable.
	Attempts int  `json:"attempts"`
	Success  bool `json:"success"`
	// LowConfidence marks a success returned below the selector threshold
	// after every strategy was tried.
	LowConfidence bool   `json:"low_confidence,omitempty"`
	FailureReason Reason `json:"failure_reason,omitempty"`
	ElapsedMs     int64  `json:"elapsed_ms"`
	CorrelationID string `json:"correlation_id,omitempty"`
	CreatedAt     int64  `json:"created_at"`
}

// Schema is the outcome history DDL, applied via storage.WithSchema.
const Schema = `
-- Append-only resolution history. One row per engine call; cache hits are
-- not re-recorded.
CREATE TABLE IF NOT EXISTS resolution_outcomes (
	id             TEXT PRIMARY KEY,
	selector       TEXT NOT NULL,
	scope          TEXT NOT NULL,
	strategy       TEXT NOT NULL DEFAULT '',
	success        INTEGER NOT NULL,
	low_confidence INTEGER NOT NULL DEFAULT 0,
	reason         TEXT NOT NULL DEFAULT '',
	confidence     REAL NOT NULL DEFAULT 0,
	quality        REAL NOT NULL DEFAULT 0,
	attempts       INTEGER NOT NULL DEFAULT 0,
	node           TEXT,
	components     TEXT,
	elapsed_ms     INTEGER NOT NULL DEFAULT 0,
	correlation_id TEXT NOT NULL DEFAULT '',
	created_at     INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_outcomes_selector
	ON resolution_outcomes(selector, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_outcomes_age
	ON resolution_outcomes(created_at);
`

// outcomeStore persists outcomes. Writes happen on the resolution path, so
// they stay single-statement.
type outcomeStore struct {
	db    *sql.DB
	newID idgen.Generator
}

func (s *outcomeStore) insert(ctx context.Context, o *Outcome) error {
	var node, components []byte
	if o.Node != nil {
		node, _ = json.Marshal(o.Node)
	}
	if o.Components != nil {
		components, _ = json.Marshal(o.Components)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO resolution_outcomes
			(id, selector, scope, strategy, success, low_confidence, reason,
			 confidence, quality, attempts, node, components, elapsed_ms,
			 correlation_id, created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		o.ID, o.Selector, o.Scope, o.StrategyID, boolInt(o.Success),
		boolInt(o.LowConfidence), string(o.FailureReason), o.Confidence,
		o.Quality, o.Attempts, nullStr(string(node)), nullStr(string(components)),
		o.ElapsedMs, o.CorrelationID, o.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("resolve: store outcome: %w", err)
	}
	return nil
}

// history returns the newest outcomes for a selector.
func (s *outcomeStore) history(ctx context.Context, sel string, limit int) ([]*Outcome, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, selector, scope, strategy, success, low_confidence, reason,
		       confidence, quality, attempts, node, components, elapsed_ms,
		       correlation_id, created_at
		FROM resolution_outcomes WHERE selector = ?
		ORDER BY created_at DESC, id LIMIT ?`, sel, limit)
	if err != nil {
		return nil, fmt.Errorf("resolve: history: %w", err)
	}
	defer rows.Close()

	var out []*Outcome
	for rows.Next() {
		o := &Outcome{}
		var success, lowConf int
		var reason string
		var node, components sql.NullString
		if err := rows.Scan(
			&o.ID, &o.Selector, &o.Scope, &o.StrategyID, &success, &lowConf,
			&reason, &o.Confidence, &o.Quality, &o.Attempts, &node, &components,
			&o.ElapsedMs, &o.CorrelationID, &o.CreatedAt,
		); err != nil {
			return nil, err
		}
		o.Success = success != 0
		o.LowConfidence = lowConf != 0
		o.FailureReason = Reason(reason)
		if node.Valid && node.String != "" {
			o.Node = &dom.Descriptor{}
			json.Unmarshal([]byte(node.String), o.Node)
		}
		if components.Valid && components.String != "" {
			o.Components = &Breakdown{}
			json.Unmarshal([]byte(components.String), o.Components)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// prune deletes outcomes older than the retention period.
func (s *outcomeStore) prune(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).UnixMilli()
	res, err := s.db.ExecContext(ctx, `DELETE FROM resolution_outcomes WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("resolve: prune outcomes: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
