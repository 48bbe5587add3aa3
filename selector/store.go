// CLAUDE:SUMMARY SQLite persistence for selector definitions and their strategy-order history.
package selector

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/domresolve/idgen"
)

// store persists selector definitions. All registry mutations go through it
// inside a transaction so the in-memory snapshot only ever reflects
// committed state.
type store struct {
	db    *sql.DB
	newID idgen.Generator
}

func (s *store) upsertTx(tx *sql.Tx, sel *SemanticSelector) error {
	strategies, _ := json.Marshal(sel.Strategies)
	validation, _ := json.Marshal(sel.Validation)
	tags, _ := json.Marshal(sel.ExpectedTags)
	meta, _ := json.Marshal(sel.Metadata)

	_, err := tx.Exec(`
		INSERT INTO selectors
			(name, scope, threshold, strategies, validation, expected_tags, metadata, version, schema_version, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(name) DO UPDATE SET
			scope=excluded.scope, threshold=excluded.threshold,
			strategies=excluded.strategies, validation=excluded.validation,
			expected_tags=excluded.expected_tags, metadata=excluded.metadata,
			version=excluded.version, schema_version=excluded.schema_version,
			updated_at=excluded.updated_at`,
		sel.Name, sel.Scope, sel.Threshold, string(strategies), string(validation),
		string(tags), string(meta), sel.Version, SchemaVersion, sel.UpdatedAt,
	)
	return err
}

func (s *store) recordHistoryTx(tx *sql.Tx, sel *SemanticSelector, actor, note string, previous []StrategyConfig) error {
	strategies, _ := json.Marshal(previous)
	_, err := tx.Exec(`
		INSERT INTO selector_history (id, selector, version, actor, note, strategies, changed_at)
		VALUES (?,?,?,?,?,?,?)`,
		s.newID(), sel.Name, sel.Version, actor, note, string(strategies), time.Now().UnixMilli(),
	)
	return err
}

func (s *store) deleteTx(tx *sql.Tx, name string) error {
	if _, err := tx.Exec(`DELETE FROM selector_history WHERE selector = ?`, name); err != nil {
		return err
	}
	res, err := tx.Exec(`DELETE FROM selectors WHERE name = ?`, name)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return &ErrNotFound{Name: name}
	}
	return nil
}

// loadAll reads every selector definition into memory.
func (s *store) loadAll(ctx context.Context) (map[string]*SemanticSelector, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, scope, threshold, strategies, validation, expected_tags, metadata, version, schema_version, updated_at
		FROM selectors`)
	if err != nil {
		return nil, fmt.Errorf("selector: load: %w", err)
	}
	defer rows.Close()

	out := make(map[string]*SemanticSelector)
	for rows.Next() {
		sel, err := scanSelector(rows)
		if err != nil {
			return nil, err
		}
		out[sel.Name] = sel
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSelector(r rowScanner) (*SemanticSelector, error) {
	sel := &SemanticSelector{}
	var strategies, validation, tags, meta string
	var schemaVersion int
	if err := r.Scan(
		&sel.Name, &sel.Scope, &sel.Threshold, &strategies, &validation,
		&tags, &meta, &sel.Version, &schemaVersion, &sel.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if schemaVersion > SchemaVersion {
		return nil, &ErrSchemaVersion{Found: schemaVersion}
	}
	if err := json.Unmarshal([]byte(strategies), &sel.Strategies); err != nil {
		return nil, fmt.Errorf("selector: decode strategies for %s: %w", sel.Name, err)
	}
	json.Unmarshal([]byte(validation), &sel.Validation)
	json.Unmarshal([]byte(tags), &sel.ExpectedTags)
	json.Unmarshal([]byte(meta), &sel.Metadata)
	return sel, nil
}

// HistoryEntry is one retained strategy ordering.
type HistoryEntry struct {
	ID         string           `json:"id"`
	Selector   string           `json:"selector"`
	Version    int64            `json:"version"`
	Actor      string           `json:"actor"`
	Note       string           `json:"note"`
	Strategies []StrategyConfig `json:"strategies"`
	ChangedAt  int64            `json:"changed_at"`
}

func (s *store) history(ctx context.Context, name string, limit int) ([]*HistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, selector, version, actor, note, strategies, changed_at
		FROM selector_history WHERE selector = ?
		ORDER BY changed_at DESC LIMIT ?`, name, limit)
	if err != nil {
		return nil, fmt.Errorf("selector: history: %w", err)
	}
	defer rows.Close()

	var out []*HistoryEntry
	for rows.Next() {
		e := &HistoryEntry{}
		var strategies string
		if err := rows.Scan(&e.ID, &e.Selector, &e.Version, &e.Actor, &e.Note, &strategies, &e.ChangedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(strategies), &e.Strategies); err != nil {
			return nil, fmt.Errorf("selector: decode history %s: %w", e.ID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// get reads a single definition, returning (nil, nil) when absent.
func (s *store) get(ctx context.Context, name string) (*SemanticSelector, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT name, scope, threshold, strategies, validation, expected_tags, metadata, version, schema_version, updated_at
		FROM selectors WHERE name = ?`, name)
	sel, err := scanSelector(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return sel, err
}
