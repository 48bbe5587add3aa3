// CLAUDE:SUMMARY Context scope manager — named document regions with an Inactive/Activating/Active/Stale lifecycle and containment checks.

// Package scope tracks named document regions ("match_centre", "league_table")
// that selectors resolve inside. A scope is located by a CSS or XPath
// predicate, activated by polling until the region is present and visible,
// and guards resolution against cross-scope contamination: candidates outside
// the scope subtree are discarded, never returned.
package scope

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/andybalholm/cascadia"
	"github.com/antchfx/xpath"

	"github.com/hazyhaar/domresolve/dom"
)

// State is a scope's lifecycle position.
type State string

const (
	StateInactive   State = "inactive"
	StateActivating State = "activating"
	StateActive     State = "active"
	StateStale      State = "stale"
)

// Descriptor declares how to find and judge a scope. Exactly one of RootCSS
// or RootXPath locates the root element; RequireVisible additionally demands
// the root pass the document's visibility heuristics before activation.
type Descriptor struct {
	Name           string `json:"name" yaml:"name"`
	RootCSS        string `json:"root_css,omitempty" yaml:"root_css,omitempty"`
	RootXPath      string `json:"root_xpath,omitempty" yaml:"root_xpath,omitempty"`
	RequireVisible bool   `json:"require_visible,omitempty" yaml:"require_visible,omitempty"`
	// ReadyTimeout overrides the manager default for this scope.
	ReadyTimeout time.Duration `json:"ready_timeout,omitempty" yaml:"ready_timeout,omitempty"`
}

// Scope is an activated region: a point-in-time root within a point-in-time
// document. Values are immutable; a later activation yields a new value.
type Scope struct {
	Name    string
	Root    dom.Node
	Doc     dom.Document
	Version int64
}

// Contains reports whether a candidate path lies inside this scope's subtree.
func (s *Scope) Contains(path string) bool {
	return dom.Contains(s.Root.Path(), path)
}

// Config tunes the Manager.
type Config struct {
	// ReadyTimeout bounds activation polling. Default: 5s.
	ReadyTimeout time.Duration
	// PollInterval between activation checks. Default: 250ms.
	PollInterval time.Duration
	// FreshFor is how long an Active scope is served without revalidation.
	// Default: 30s.
	FreshFor time.Duration
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = 5 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 250 * time.Millisecond
	}
	if c.FreshFor <= 0 {
		c.FreshFor = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Manager owns scope state over one document source. Activation is
// serialised per scope, so concurrent resolutions share one polling pass.
type Manager struct {
	src dom.Source
	cfg Config

	mu     sync.Mutex
	scopes map[string]*tracked
}

type tracked struct {
	desc Descriptor

	mu          sync.Mutex // serialises activation per scope
	state       State
	current     *Scope
	activatedAt time.Time
	version     int64
}

// New builds a Manager over src.
func New(src dom.Source, cfg Config) *Manager {
	cfg.defaults()
	return &Manager{src: src, cfg: cfg, scopes: make(map[string]*tracked)}
}

// Register admits a descriptor, validating its predicates so activation
// never meets a scope it cannot evaluate.
func (m *Manager) Register(d Descriptor) error {
	if d.Name == "" {
		return &ErrInvalid{Reason: "scope name is required"}
	}
	if (d.RootCSS == "") == (d.RootXPath == "") {
		return &ErrInvalid{Scope: d.Name, Reason: "exactly one of root_css or root_xpath is required"}
	}
	if d.RootCSS != "" {
		if _, err := cascadia.Compile(d.RootCSS); err != nil {
			return &ErrInvalid{Scope: d.Name, Reason: fmt.Sprintf("root_css: %v", err)}
		}
	}
	if d.RootXPath != "" {
		if _, err := xpath.Compile(d.RootXPath); err != nil {
			return &ErrInvalid{Scope: d.Name, Reason: fmt.Sprintf("root_xpath: %v", err)}
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.scopes[d.Name] = &tracked{desc: d, state: StateInactive}
	return nil
}

// Names returns the registered scope names.
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.scopes))
	for name := range m.scopes {
		out = append(out, name)
	}
	return out
}

// State returns a scope's current lifecycle state.
func (m *Manager) State(name string) (State, error) {
	t, err := m.lookup(name)
	if err != nil {
		return StateInactive, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state, nil
}

// Version returns the scope's activation counter. It increments on every
// fresh activation, so (selector, scope version) keys a cache that a scope
// transition invalidates.
func (m *Manager) Version(name string) (int64, error) {
	t, err := m.lookup(name)
	if err != nil {
		return 0, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.version, nil
}

// Invalidate marks an Active scope Stale, forcing the next Activate to
// re-snapshot. Call after navigation or any known document change.
func (m *Manager) Invalidate(name string) error {
	t, err := m.lookup(name)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateActive {
		t.state = StateStale
		m.cfg.Logger.Debug("scope: invalidated", "scope", name)
	}
	return nil
}

// Activate returns the scope ready for resolution, polling the source until
// the root predicate holds or the readiness timeout expires. An Active scope
// younger than FreshFor is returned as-is. Returns *ErrUnavailable when the
// scope never becomes ready; the caller must not attempt any strategy then.
func (m *Manager) Activate(ctx context.Context, name string) (*Scope, error) {
	t, err := m.lookup(name)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == StateActive && time.Since(t.activatedAt) < m.cfg.FreshFor {
		return t.current, nil
	}

	prev := t.state
	t.state = StateActivating
	m.cfg.Logger.Debug("scope: activating", "scope", name, "from", prev)

	timeout := t.desc.ReadyTimeout
	if timeout <= 0 {
		timeout = m.cfg.ReadyTimeout
	}
	deadline := time.Now().Add(timeout)

	var lastErr error
	for {
		root, doc, err := m.locate(ctx, &t.desc)
		if err == nil {
			t.version++
			t.current = &Scope{Name: name, Root: root, Doc: doc, Version: t.version}
			t.activatedAt = time.Now()
			t.state = StateActive
			m.cfg.Logger.Debug("scope: active", "scope", name, "root", root.Path(), "version", t.version)
			return t.current, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			t.state = StateInactive
			return nil, &ErrUnavailable{Scope: name, Cause: ctx.Err()}
		}
		if !time.Now().Add(m.cfg.PollInterval).Before(deadline) {
			t.state = StateInactive
			return nil, &ErrUnavailable{Scope: name, Cause: lastErr}
		}
		select {
		case <-ctx.Done():
			t.state = StateInactive
			return nil, &ErrUnavailable{Scope: name, Cause: ctx.Err()}
		case <-time.After(m.cfg.PollInterval):
		}
	}
}

// locate snapshots the source and evaluates the root predicate once.
func (m *Manager) locate(ctx context.Context, d *Descriptor) (dom.Node, dom.Document, error) {
	doc, err := m.src.Snapshot(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("scope: snapshot: %w", err)
	}

	var nodes []dom.Node
	if d.RootCSS != "" {
		nodes, err = doc.QueryCSS(doc.Root(), d.RootCSS)
	} else {
		nodes, err = doc.QueryXPath(doc.Root(), d.RootXPath)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("scope: root query: %w", err)
	}
	if len(nodes) == 0 {
		return nil, nil, fmt.Errorf("scope: root not present")
	}
	root := nodes[0]
	if d.RequireVisible && !root.Visible() {
		return nil, nil, fmt.Errorf("scope: root present but hidden")
	}
	return root, doc, nil
}

func (m *Manager) lookup(name string) (*tracked, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.scopes[name]
	if !ok {
		return nil, &ErrUnknown{Scope: name}
	}
	return t, nil
}
