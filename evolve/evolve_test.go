package evolve

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/domresolve/reliability"
	"github.com/hazyhaar/domresolve/selector"
	"github.com/hazyhaar/domresolve/storage"
	_ "modernc.org/sqlite" // register "sqlite" driver
)

type testEnv struct {
	mgr     *Manager
	tracker *reliability.Tracker
	reg     *selector.Registry
	anchor  string // primary strategy ID (priority 1)
	attr    string // fallback strategy ID (priority 2)
}

func newTestEnv(t *testing.T, cfg Config, opts ...Option) *testEnv {
	t.Helper()
	db := storage.OpenMemory(t,
		storage.WithSchema(selector.Schema),
		storage.WithSchema(reliability.Schema),
	)
	reg, err := selector.New(db)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	sel := &selector.SemanticSelector{
		Name:      "home_team_name",
		Scope:     "match_centre",
		Threshold: 0.8,
		Strategies: []selector.StrategyConfig{
			{Kind: selector.KindTextAnchor, Priority: 1,
				TextAnchor: &selector.TextAnchorConfig{AnchorText: "Home"}},
			{Kind: selector.KindAttributeMatch, Priority: 2,
				AttributeMatch: &selector.AttributeMatchConfig{Attribute: "data-team", ValuePattern: "home"}},
		},
	}
	if err := reg.Upsert(context.Background(), sel); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	stored, err := reg.Get("home_team_name")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	tracker := reliability.New(db)
	return &testEnv{
		mgr:     New(reg, tracker, cfg, opts...),
		tracker: tracker,
		reg:     reg,
		anchor:  stored.Strategies[0].ID,
		attr:    stored.Strategies[1].ID,
	}
}

// seed records a sequence of attempts, true for success.
func (env *testEnv) seed(t *testing.T, name, strategyID string, attempts []bool) {
	t.Helper()
	ctx := context.Background()
	for _, ok := range attempts {
		var err error
		if ok {
			_, err = env.tracker.RecordSuccess(ctx, name, strategyID,
				0.85, time.Millisecond, "/html/body/section/div")
		} else {
			_, err = env.tracker.RecordFailure(ctx, name, strategyID, time.Millisecond)
		}
		if err != nil {
			t.Fatalf("record: %v", err)
		}
	}
}

func runOf(successes, failures int) []bool {
	out := make([]bool, 0, successes+failures)
	for i := 0; i < successes; i++ {
		out = append(out, true)
	}
	for i := 0; i < failures; i++ {
		out = append(out, false)
	}
	return out
}

type recordingSink struct {
	mu      sync.Mutex
	results []*Result
}

func (s *recordingSink) EvolutionApplied(_ context.Context, r *Result) {
	s.mu.Lock()
	s.results = append(s.results, r)
	s.mu.Unlock()
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.results)
}

func TestEvolvePromotesStrongFallback(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.seed(t, "home_team_name", env.anchor, runOf(25, 25))
	env.seed(t, "home_team_name", env.attr, runOf(45, 5))

	res, err := env.mgr.Evolve(context.Background(), "home_team_name")
	if err != nil {
		t.Fatalf("evolve: %v", err)
	}
	if len(res.Actions) != 1 {
		t.Fatalf("expected 1 action, got %d: %+v", len(res.Actions), res.Actions)
	}
	a := res.Actions[0]
	if a.Kind != ActionPromote || a.Strategy != env.attr {
		t.Fatalf("expected promote of %s, got %+v", env.attr, a)
	}
	if a.FromPriority != 2 || a.ToPriority != 1 {
		t.Fatalf("expected move 2 -> 1, got %d -> %d", a.FromPriority, a.ToPriority)
	}
	if a.Attempts != 50 || math.Abs(a.SuccessRate-0.9) > 1e-9 {
		t.Fatalf("expected 50 attempts at 0.9, got %d at %.3f", a.Attempts, a.SuccessRate)
	}

	stored, err := env.reg.Get("home_team_name")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Version != res.Version || stored.Version != 2 {
		t.Fatalf("expected version 2, got selector %d result %d", stored.Version, res.Version)
	}
	if stored.Strategies[0].ID != env.attr || stored.Strategies[0].Priority != 1 {
		t.Fatalf("expected %s primary, got %+v", env.attr, stored.Strategies[0])
	}
	if stored.Strategies[1].ID != env.anchor || stored.Strategies[1].Priority != 2 {
		t.Fatalf("expected %s at priority 2, got %+v", env.anchor, stored.Strategies[1])
	}
	if stored.Strategies[1].Disabled {
		t.Fatal("demoted primary must stay enabled")
	}

	hist, err := env.reg.History(context.Background(), "home_team_name", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 1 || hist[0].Actor != "evolve" {
		t.Fatalf("expected one evolve history entry, got %+v", hist)
	}
	if !strings.Contains(hist[0].Note, "promote") {
		t.Fatalf("expected promote note, got %q", hist[0].Note)
	}
	if hist[0].Strategies[0].ID != env.anchor {
		t.Fatalf("history must retain the prior ordering, got %s first", hist[0].Strategies[0].ID)
	}
}

func TestEvolveIsIdempotent(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.seed(t, "home_team_name", env.anchor, runOf(25, 25))
	env.seed(t, "home_team_name", env.attr, runOf(45, 5))

	first, err := env.mgr.Evolve(context.Background(), "home_team_name")
	if err != nil {
		t.Fatalf("first evolve: %v", err)
	}
	if len(first.Actions) != 1 {
		t.Fatalf("expected 1 action on first run, got %d", len(first.Actions))
	}
	second, err := env.mgr.Evolve(context.Background(), "home_team_name")
	if err != nil {
		t.Fatalf("second evolve: %v", err)
	}
	if len(second.Actions) != 0 {
		t.Fatalf("expected no actions on rerun, got %+v", second.Actions)
	}
	if second.Version != first.Version {
		t.Fatalf("rerun must not bump the version: %d -> %d", first.Version, second.Version)
	}
}

func TestEvolveDemotesWeakPrimary(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.seed(t, "home_team_name", env.anchor, runOf(25, 25))
	env.seed(t, "home_team_name", env.attr, runOf(35, 15))

	res, err := env.mgr.Evolve(context.Background(), "home_team_name")
	if err != nil {
		t.Fatalf("evolve: %v", err)
	}
	if len(res.Actions) != 1 {
		t.Fatalf("expected 1 action, got %+v", res.Actions)
	}
	a := res.Actions[0]
	if a.Kind != ActionDemote || a.Strategy != env.anchor {
		t.Fatalf("expected demote of %s, got %+v", env.anchor, a)
	}
	if a.FromPriority != 1 || a.ToPriority != 2 {
		t.Fatalf("expected move 1 -> 2, got %d -> %d", a.FromPriority, a.ToPriority)
	}

	stored, err := env.reg.Get("home_team_name")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Strategies[0].ID != env.attr {
		t.Fatalf("expected %s primary after demote, got %s", env.attr, stored.Strategies[0].ID)
	}
}

func TestEvolveBlacklistsFailingStrategy(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.seed(t, "home_team_name", env.anchor, runOf(45, 5))
	env.seed(t, "home_team_name", env.attr, runOf(2, 48))

	res, err := env.mgr.Evolve(context.Background(), "home_team_name")
	if err != nil {
		t.Fatalf("evolve: %v", err)
	}
	if len(res.Actions) != 1 {
		t.Fatalf("expected 1 action, got %+v", res.Actions)
	}
	a := res.Actions[0]
	if a.Kind != ActionBlacklist || a.Strategy != env.attr {
		t.Fatalf("expected blacklist of %s, got %+v", env.attr, a)
	}
	if math.Abs(a.FailureRate-0.96) > 1e-9 {
		t.Fatalf("expected failure rate 0.96, got %.3f", a.FailureRate)
	}

	stored, err := env.reg.Get("home_team_name")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	black := stored.Strategy(env.attr)
	if black == nil || !black.Disabled {
		t.Fatalf("expected %s disabled, got %+v", env.attr, black)
	}
	if primary := stored.Strategies[0]; primary.ID != env.anchor || primary.Disabled {
		t.Fatalf("healthy primary must be untouched, got %+v", primary)
	}

	rerun, err := env.mgr.Evolve(context.Background(), "home_team_name")
	if err != nil {
		t.Fatalf("rerun: %v", err)
	}
	if len(rerun.Actions) != 0 {
		t.Fatalf("blacklisted strategy must not be re-blacklisted, got %+v", rerun.Actions)
	}
}

func TestEvolvePinnedPrimarySuppressesPromotion(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	if err := env.reg.PinStrategy(ctx, "home_team_name", env.anchor, true, "ops"); err != nil {
		t.Fatalf("pin: %v", err)
	}
	env.seed(t, "home_team_name", env.anchor, runOf(25, 25))
	env.seed(t, "home_team_name", env.attr, runOf(45, 5))

	res, err := env.mgr.Evolve(ctx, "home_team_name")
	if err != nil {
		t.Fatalf("evolve: %v", err)
	}
	if len(res.Actions) != 0 {
		t.Fatalf("expected no actions past a pinned primary, got %+v", res.Actions)
	}
	stored, err := env.reg.Get("home_team_name")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Strategies[0].ID != env.anchor {
		t.Fatalf("pinned primary must keep priority 1, got %s", stored.Strategies[0].ID)
	}
}

func TestEvolvePinnedStrategyNotBlacklisted(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	if err := env.reg.PinStrategy(ctx, "home_team_name", env.attr, true, "ops"); err != nil {
		t.Fatalf("pin: %v", err)
	}
	env.seed(t, "home_team_name", env.anchor, runOf(45, 5))
	env.seed(t, "home_team_name", env.attr, runOf(1, 49))

	res, err := env.mgr.Evolve(ctx, "home_team_name")
	if err != nil {
		t.Fatalf("evolve: %v", err)
	}
	if len(res.Actions) != 0 {
		t.Fatalf("expected no actions, got %+v", res.Actions)
	}
	stored, err := env.reg.Get("home_team_name")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if sc := stored.Strategy(env.attr); sc.Disabled {
		t.Fatal("pinned strategy must not be blacklisted")
	}
}

func TestEvolveRequiresMinAttempts(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.seed(t, "home_team_name", env.attr, runOf(5, 0))

	res, err := env.mgr.Evolve(context.Background(), "home_team_name")
	if err != nil {
		t.Fatalf("evolve: %v", err)
	}
	if len(res.Actions) != 0 {
		t.Fatalf("5 attempts are not evidence, got %+v", res.Actions)
	}
}

func TestEvolveNoHistoryIsNoOp(t *testing.T) {
	sink := &recordingSink{}
	env := newTestEnv(t, Config{}, WithSink(sink))

	res, err := env.mgr.Evolve(context.Background(), "home_team_name")
	if err != nil {
		t.Fatalf("evolve: %v", err)
	}
	if len(res.Actions) != 0 {
		t.Fatalf("expected no actions, got %+v", res.Actions)
	}
	if res.Version != 1 {
		t.Fatalf("expected untouched version 1, got %d", res.Version)
	}
	if res.ID == "" || res.Selector != "home_team_name" || res.Window != 50 {
		t.Fatalf("malformed result: %+v", res)
	}
	if sink.count() != 0 {
		t.Fatalf("no-op runs must not reach the sink, got %d", sink.count())
	}
	if hist, _ := env.reg.History(context.Background(), "home_team_name", 10); len(hist) != 0 {
		t.Fatalf("no-op runs must not write history, got %d entries", len(hist))
	}
}

func TestEvolveDemoteNeedsBetterFallback(t *testing.T) {
	env := newTestEnv(t, Config{})
	// primary under the demotion threshold, but the fallback is worse still
	env.seed(t, "home_team_name", env.anchor, runOf(27, 23))
	env.seed(t, "home_team_name", env.attr, runOf(25, 25))

	res, err := env.mgr.Evolve(context.Background(), "home_team_name")
	if err != nil {
		t.Fatalf("evolve: %v", err)
	}
	if len(res.Actions) != 0 {
		t.Fatalf("a worse fallback must not displace the primary, got %+v", res.Actions)
	}
}

func TestEvolveEmitsToSink(t *testing.T) {
	sink := &recordingSink{}
	env := newTestEnv(t, Config{}, WithSink(sink))
	env.seed(t, "home_team_name", env.anchor, runOf(25, 25))
	env.seed(t, "home_team_name", env.attr, runOf(45, 5))

	res, err := env.mgr.Evolve(context.Background(), "home_team_name")
	if err != nil {
		t.Fatalf("evolve: %v", err)
	}
	if sink.count() != 1 {
		t.Fatalf("expected one sink emission, got %d", sink.count())
	}
	got := sink.results[0]
	if got.ID != res.ID || got.ID == "" {
		t.Fatalf("sink result ID mismatch: %q vs %q", got.ID, res.ID)
	}
	if got.CorrelationID == "" {
		t.Fatal("expected a correlation ID on the emitted result")
	}

	if _, err := env.mgr.Evolve(context.Background(), "home_team_name"); err != nil {
		t.Fatalf("rerun: %v", err)
	}
	if sink.count() != 1 {
		t.Fatalf("idempotent rerun must not re-emit, got %d", sink.count())
	}
}

func TestEvolveAll(t *testing.T) {
	env := newTestEnv(t, Config{})
	away := &selector.SemanticSelector{
		Name:      "away_team_name",
		Scope:     "match_centre",
		Threshold: 0.8,
		Strategies: []selector.StrategyConfig{
			{Kind: selector.KindAttributeMatch, Priority: 1,
				AttributeMatch: &selector.AttributeMatchConfig{Attribute: "data-team", ValuePattern: "away"}},
		},
	}
	if err := env.reg.Upsert(context.Background(), away); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	env.seed(t, "home_team_name", env.anchor, runOf(25, 25))
	env.seed(t, "home_team_name", env.attr, runOf(45, 5))

	results, err := env.mgr.EvolveAll(context.Background())
	if err != nil {
		t.Fatalf("evolve all: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	byName := make(map[string]*Result, len(results))
	for _, r := range results {
		byName[r.Selector] = r
	}
	if r := byName["home_team_name"]; r == nil || len(r.Actions) != 1 {
		t.Fatalf("expected one action for home_team_name, got %+v", r)
	}
	if r := byName["away_team_name"]; r == nil || len(r.Actions) != 0 {
		t.Fatalf("expected no actions for away_team_name, got %+v", r)
	}
}

func TestEvolveUnknownSelector(t *testing.T) {
	env := newTestEnv(t, Config{})

	_, err := env.mgr.Evolve(context.Background(), "no_such_selector")
	var notFound *selector.ErrNotFound
	if !errors.As(err, &notFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if notFound.Name != "no_such_selector" {
		t.Fatalf("expected name in error, got %q", notFound.Name)
	}
}
