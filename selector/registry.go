// CLAUDE:SUMMARY Registry owning the versioned selector catalog — lock-free snapshot reads, copy-on-write mutations, audit history.
package selector

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/domresolve/idgen"
	"github.com/hazyhaar/domresolve/storage"
)

// Registry is the single owner of all SemanticSelector state. Reads go
// through an immutable snapshot swapped atomically, so a resolution that
// started before a mutation keeps seeing the ordering it started with.
// Mutations are serialised, persisted to SQLite, and only then published.
type Registry struct {
	store  *store
	logger *slog.Logger

	mu       sync.Mutex // serialises writers
	snapshot atomic.Pointer[catalog]
}

type catalog struct {
	byName map[string]*SemanticSelector
}

// Option customises a Registry.
type Option func(*Registry)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option { return func(r *Registry) { r.logger = l } }

// WithIDGenerator sets the generator for history entry IDs.
func WithIDGenerator(g idgen.Generator) Option { return func(r *Registry) { r.store.newID = g } }

// New builds a Registry over db (which must carry Schema) and loads the
// current catalog into memory.
func New(db *sql.DB, opts ...Option) (*Registry, error) {
	r := &Registry{
		store:  &store{db: db, newID: idgen.History},
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	if err := r.Reload(context.Background()); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload replaces the in-memory snapshot with the committed database state.
// In-flight readers keep their old snapshot; new reads see the new one.
func (r *Registry) Reload(ctx context.Context) error {
	byName, err := r.store.loadAll(ctx)
	if err != nil {
		return err
	}
	r.snapshot.Store(&catalog{byName: byName})
	r.logger.Debug("selector: catalog reloaded", "selectors", len(byName))
	return nil
}

// Get returns the named selector from the current snapshot. The returned
// value is shared and read-only; use Registry methods to change it.
func (r *Registry) Get(name string) (*SemanticSelector, error) {
	c := r.snapshot.Load()
	if c == nil {
		return nil, &ErrNotFound{Name: name}
	}
	sel, ok := c.byName[name]
	if !ok {
		return nil, &ErrNotFound{Name: name}
	}
	return sel, nil
}

// List returns every selector in the current snapshot, sorted by name.
func (r *Registry) List() []*SemanticSelector {
	c := r.snapshot.Load()
	if c == nil {
		return nil
	}
	out := make([]*SemanticSelector, 0, len(c.byName))
	for _, sel := range c.byName {
		out = append(out, sel)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of selectors in the current snapshot.
func (r *Registry) Len() int {
	c := r.snapshot.Load()
	if c == nil {
		return 0
	}
	return len(c.byName)
}

// Upsert validates and stores a full selector definition. An existing
// selector keeps its version lineage (version+1) and its previous strategy
// ordering goes to history.
func (r *Registry) Upsert(ctx context.Context, sel *SemanticSelector) error {
	next := sel.Clone()
	Normalize(next)
	if err := Validate(next); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var previous *SemanticSelector
	if c := r.snapshot.Load(); c != nil {
		previous = c.byName[next.Name]
	}
	if previous != nil {
		next.Version = previous.Version + 1
	} else if next.Version == 0 {
		next.Version = 1
	}
	next.UpdatedAt = time.Now().UnixMilli()

	err := storage.RunTx(ctx, r.store.db, func(tx *sql.Tx) error {
		if err := r.store.upsertTx(tx, next); err != nil {
			return fmt.Errorf("selector: upsert %s: %w", next.Name, err)
		}
		if previous != nil {
			return r.store.recordHistoryTx(tx, next, "registry", "definition updated", previous.Strategies)
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.publish(next)
	r.logger.Info("selector: upserted", "selector", next.Name, "version", next.Version, "strategies", len(next.Strategies))
	return nil
}

// Delete removes a selector and its history.
func (r *Registry) Delete(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	err := storage.RunTx(ctx, r.store.db, func(tx *sql.Tx) error {
		return r.store.deleteTx(tx, name)
	})
	if err != nil {
		return err
	}

	old := r.snapshot.Load()
	byName := make(map[string]*SemanticSelector, len(old.byName))
	for k, v := range old.byName {
		if k != name {
			byName[k] = v
		}
	}
	r.snapshot.Store(&catalog{byName: byName})
	r.logger.Info("selector: deleted", "selector", name)
	return nil
}

// Mutate atomically applies fn to a clone of the named selector, validates
// the result, persists it with the previous strategy ordering retained in
// history, and publishes the new snapshot. This is the single write path
// used by the evolution manager and the pin/disable operations.
//
// fn returning an error aborts the mutation. fn making no change (version
// aside) is legal and still recorded.
func (r *Registry) Mutate(ctx context.Context, name, actor, note string, fn func(*SemanticSelector) error) (*SemanticSelector, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.snapshot.Load()
	current, ok := c.byName[name]
	if !ok {
		return nil, &ErrNotFound{Name: name}
	}

	next := current.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	Normalize(next)
	if err := Validate(next); err != nil {
		return nil, err
	}
	next.Version = current.Version + 1
	next.UpdatedAt = time.Now().UnixMilli()

	err := storage.RunTx(ctx, r.store.db, func(tx *sql.Tx) error {
		if err := r.store.upsertTx(tx, next); err != nil {
			return fmt.Errorf("selector: mutate %s: %w", name, err)
		}
		return r.store.recordHistoryTx(tx, next, actor, note, current.Strategies)
	})
	if err != nil {
		return nil, err
	}

	r.publish(next)
	return next, nil
}

// PinStrategy sets or clears the manual pin on a strategy. Pinned strategies
// are exempt from promotion, demotion, and blacklisting.
func (r *Registry) PinStrategy(ctx context.Context, name, strategyID string, pinned bool, actor string) error {
	note := "pin " + strategyID
	if !pinned {
		note = "unpin " + strategyID
	}
	_, err := r.Mutate(ctx, name, actor, note, func(sel *SemanticSelector) error {
		sc := sel.Strategy(strategyID)
		if sc == nil {
			return &ErrStrategyNotFound{Selector: name, Strategy: strategyID}
		}
		sc.Pinned = pinned
		return nil
	})
	return err
}

// SetStrategyDisabled flips a strategy's disabled flag. Manual re-enable
// after an evolution blacklist goes through here.
func (r *Registry) SetStrategyDisabled(ctx context.Context, name, strategyID string, disabled bool, actor string) error {
	note := "enable " + strategyID
	if disabled {
		note = "disable " + strategyID
	}
	_, err := r.Mutate(ctx, name, actor, note, func(sel *SemanticSelector) error {
		sc := sel.Strategy(strategyID)
		if sc == nil {
			return &ErrStrategyNotFound{Selector: name, Strategy: strategyID}
		}
		sc.Disabled = disabled
		return nil
	})
	return err
}

// History returns the retained strategy orderings for a selector, newest
// first.
func (r *Registry) History(ctx context.Context, name string, limit int) ([]*HistoryEntry, error) {
	return r.store.history(ctx, name, limit)
}

// publish swaps in a snapshot with one selector replaced. Caller holds mu.
func (r *Registry) publish(sel *SemanticSelector) {
	old := r.snapshot.Load()
	byName := make(map[string]*SemanticSelector, len(old.byName)+1)
	for k, v := range old.byName {
		byName[k] = v
	}
	byName[sel.Name] = sel
	r.snapshot.Store(&catalog{byName: byName})
}

// Equal reports whether two definitions carry the same content, version and
// timestamps aside. Used for idempotent catalog seeding.
func Equal(a, b *SemanticSelector) bool {
	ac, bc := a.Clone(), b.Clone()
	ac.Version, bc.Version = 0, 0
	ac.UpdatedAt, bc.UpdatedAt = 0, 0
	aj, _ := json.Marshal(ac)
	bj, _ := json.Marshal(bc)
	return string(aj) == string(bj)
}
