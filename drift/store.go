package drift

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hazyhaar/domresolve/idgen"
)

type reportStore struct {
	db    *sql.DB
	newID idgen.Generator
}

func (s *reportStore) insert(ctx context.Context, r *Report) error {
	var deltas []byte
	if len(r.Strategies) > 0 {
		deltas, _ = json.Marshal(r.Strategies)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO drift_reports
			(id, selector, window_size, score, trend, manual_review,
			 strategies, correlation_id, created_at)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		r.ID, r.Selector, r.Window, r.Score, string(r.Trend),
		boolInt(r.ManualReview), nullStr(string(deltas)),
		r.CorrelationID, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("drift: store report: %w", err)
	}
	return nil
}

// list returns the newest reports for a selector.
func (s *reportStore) list(ctx context.Context, sel string, limit int) ([]*Report, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, selector, window_size, score, trend, manual_review,
		       strategies, correlation_id, created_at
		FROM drift_reports WHERE selector = ?
		ORDER BY created_at DESC, id LIMIT ?`, sel, limit)
	if err != nil {
		return nil, fmt.Errorf("drift: list reports: %w", err)
	}
	defer rows.Close()

	var out []*Report
	for rows.Next() {
		r := &Report{}
		var review int
		var trend string
		var deltas sql.NullString
		if err := rows.Scan(
			&r.ID, &r.Selector, &r.Window, &r.Score, &trend, &review,
			&deltas, &r.CorrelationID, &r.CreatedAt,
		); err != nil {
			return nil, err
		}
		r.Trend = Trend(trend)
		r.ManualReview = review != 0
		if deltas.Valid && deltas.String != "" {
			json.Unmarshal([]byte(deltas.String), &r.Strategies)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// prune deletes reports older than the retention period.
func (s *reportStore) prune(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).UnixMilli()
	res, err := s.db.ExecContext(ctx, `DELETE FROM drift_reports WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("drift: prune reports: %w", err)
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
