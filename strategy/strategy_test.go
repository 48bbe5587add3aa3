package strategy

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/hazyhaar/domresolve/dom"
	"github.com/hazyhaar/domresolve/dom/htmldoc"
	"github.com/hazyhaar/domresolve/selector"
)

const matchPage = `<!DOCTYPE html>
<html><head><title>Match Centre</title></head>
<body>
  <div id="scores">
    <h2 role="heading" aria-level="2">Match Centre</h2>
    <div class="cached" style="display:none" data-team="home">stale home</div>
    <div class="teams">
      <div class="team" data-team="home"><span class="name">Manchester United</span><span class="badge">MUFC</span></div>
      <div class="team" data-team="away"><span class="name">Arsenal</span></div>
    </div>
    <table class="stats">
      <tr><th id="poss">Possession</th><td>58%</td><td>42%</td></tr>
    </table>
  </div>
  <aside>Arsenal shop deals</aside>
</body></html>`

func fixture(t *testing.T) (dom.Document, dom.Node) {
	t.Helper()
	doc, err := htmldoc.ParseString(matchPage)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	roots, err := doc.QueryCSS(doc.Root(), "#scores")
	if err != nil || len(roots) != 1 {
		t.Fatalf("scope root: %v (%d)", err, len(roots))
	}
	return doc, roots[0]
}

func attempt(t *testing.T, cfg selector.StrategyConfig) (*Candidate, error) {
	t.Helper()
	doc, root := fixture(t)
	cfg.ID = cfg.DeriveID()
	return NewLibrary().Attempt(context.Background(), &cfg, root, doc)
}

func TestTextAnchorExact(t *testing.T) {
	cand, err := attempt(t, selector.StrategyConfig{
		Kind:       selector.KindTextAnchor,
		TextAnchor: &selector.TextAnchorConfig{AnchorText: "Manchester United"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if cand == nil {
		t.Fatal("expected a candidate")
	}
	if cand.Node.Tag() != "span" || cand.Node.Text() != "Manchester United" {
		t.Fatalf("expected the tightest span, got <%s> %q", cand.Node.Tag(), cand.Node.Text())
	}
	if cand.Quality != 1.0 {
		t.Fatalf("expected quality 1.0 for exact match, got %v", cand.Quality)
	}
	if !strings.Contains(cand.Matched, "exact") {
		t.Fatalf("expected exact in matched detail, got %q", cand.Matched)
	}
}

func TestTextAnchorSubstring(t *testing.T) {
	cand, err := attempt(t, selector.StrategyConfig{
		Kind:       selector.KindTextAnchor,
		TextAnchor: &selector.TextAnchorConfig{AnchorText: "Manchester"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if cand == nil {
		t.Fatal("expected a candidate")
	}
	if cand.Quality != 0.7 {
		t.Fatalf("expected quality 0.7 for substring match, got %v", cand.Quality)
	}
}

func TestTextAnchorCaseFolding(t *testing.T) {
	cand, err := attempt(t, selector.StrategyConfig{
		Kind:       selector.KindTextAnchor,
		TextAnchor: &selector.TextAnchorConfig{AnchorText: "manchester united"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if cand == nil || cand.Quality != 1.0 {
		t.Fatalf("expected case-folded exact match, got %+v", cand)
	}

	cand, err = attempt(t, selector.StrategyConfig{
		Kind:       selector.KindTextAnchor,
		TextAnchor: &selector.TextAnchorConfig{AnchorText: "manchester united", CaseSensitive: true},
	})
	if err != nil {
		t.Fatal(err)
	}
	if cand != nil {
		t.Fatalf("expected no candidate case-sensitively, got %+v", cand)
	}
}

func TestTextAnchorProximityScope(t *testing.T) {
	cand, err := attempt(t, selector.StrategyConfig{
		Kind:       selector.KindTextAnchor,
		TextAnchor: &selector.TextAnchorConfig{AnchorText: "Arsenal", ProximityScope: ".teams"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if cand == nil {
		t.Fatal("expected a candidate")
	}
	if cand.Node.Text() != "Arsenal" || cand.Node.Tag() != "span" {
		t.Fatalf("expected the team span, got <%s> %q", cand.Node.Tag(), cand.Node.Text())
	}

	// A proximity scope that selects nothing yields no candidates.
	cand, err = attempt(t, selector.StrategyConfig{
		Kind:       selector.KindTextAnchor,
		TextAnchor: &selector.TextAnchorConfig{AnchorText: "Arsenal", ProximityScope: ".absent"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if cand != nil {
		t.Fatalf("expected no candidate, got %+v", cand)
	}
}

func TestTextAnchorNoMatch(t *testing.T) {
	cand, err := attempt(t, selector.StrategyConfig{
		Kind:       selector.KindTextAnchor,
		TextAnchor: &selector.TextAnchorConfig{AnchorText: "Half-time report"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if cand != nil {
		t.Fatalf("expected no candidate, got %+v", cand)
	}
}

func TestAttributeMatchPrefersVisible(t *testing.T) {
	// Both the hidden .cached div and the visible .team div carry
	// data-team=home; the visible one must win despite document order.
	cand, err := attempt(t, selector.StrategyConfig{
		Kind:           selector.KindAttributeMatch,
		AttributeMatch: &selector.AttributeMatchConfig{Attribute: "data-team", ValuePattern: "home"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if cand == nil {
		t.Fatal("expected a candidate")
	}
	if class, _ := cand.Node.Attr("class"); class != "team" {
		t.Fatalf("expected the visible team div, got class %q at %s", class, cand.Node.Path())
	}
	if cand.Quality != 1.0 {
		t.Fatalf("expected quality 1.0, got %v", cand.Quality)
	}
}

func TestAttributeMatchWholeValue(t *testing.T) {
	// The pattern must cover the whole value: "hom" does not match "home".
	cand, err := attempt(t, selector.StrategyConfig{
		Kind:           selector.KindAttributeMatch,
		AttributeMatch: &selector.AttributeMatchConfig{Attribute: "data-team", ValuePattern: "hom"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if cand != nil {
		t.Fatalf("expected no candidate for partial pattern, got %+v", cand)
	}

	cand, err = attempt(t, selector.StrategyConfig{
		Kind:           selector.KindAttributeMatch,
		AttributeMatch: &selector.AttributeMatchConfig{Attribute: "data-team", ValuePattern: "home|away"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if cand == nil {
		t.Fatal("expected a candidate for alternation pattern")
	}
}

func TestAttributeMatchTagFilter(t *testing.T) {
	cand, err := attempt(t, selector.StrategyConfig{
		Kind:           selector.KindAttributeMatch,
		AttributeMatch: &selector.AttributeMatchConfig{Attribute: "id", ValuePattern: "poss", TagFilter: "th"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if cand == nil || cand.Node.Tag() != "th" {
		t.Fatalf("expected the th, got %+v", cand)
	}

	cand, err = attempt(t, selector.StrategyConfig{
		Kind:           selector.KindAttributeMatch,
		AttributeMatch: &selector.AttributeMatchConfig{Attribute: "id", ValuePattern: "poss", TagFilter: "td"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if cand != nil {
		t.Fatalf("expected tag filter to exclude the th, got %+v", cand)
	}
}

func TestStructuralChild(t *testing.T) {
	cand, err := attempt(t, selector.StrategyConfig{
		Kind:       selector.KindStructural,
		Structural: &selector.StructuralConfig{AnchorScope: "//tr", RelationKind: selector.RelationChild, ChildIndex: 1},
	})
	if err != nil {
		t.Fatal(err)
	}
	if cand == nil {
		t.Fatal("expected a candidate")
	}
	if cand.Node.Tag() != "td" || cand.Node.Text() != "58%" {
		t.Fatalf("expected the first td, got <%s> %q", cand.Node.Tag(), cand.Node.Text())
	}
}

func TestStructuralChildOutOfRange(t *testing.T) {
	cand, err := attempt(t, selector.StrategyConfig{
		Kind:       selector.KindStructural,
		Structural: &selector.StructuralConfig{AnchorScope: "//tr", RelationKind: selector.RelationChild, ChildIndex: 9},
	})
	if err != nil {
		t.Fatal(err)
	}
	if cand != nil {
		t.Fatalf("expected no candidate out of range, got %+v", cand)
	}
}

func TestStructuralSibling(t *testing.T) {
	cand, err := attempt(t, selector.StrategyConfig{
		Kind:       selector.KindStructural,
		Structural: &selector.StructuralConfig{AnchorScope: "//th[@id='poss']", RelationKind: selector.RelationSibling, ChildIndex: 0},
	})
	if err != nil {
		t.Fatal(err)
	}
	if cand == nil || cand.Node.Text() != "58%" {
		t.Fatalf("expected the adjacent td, got %+v", cand)
	}
}

func TestStructuralParent(t *testing.T) {
	cand, err := attempt(t, selector.StrategyConfig{
		Kind:       selector.KindStructural,
		Structural: &selector.StructuralConfig{AnchorScope: "//span[@class='badge']", RelationKind: selector.RelationParent, ChildIndex: 0},
	})
	if err != nil {
		t.Fatal(err)
	}
	if cand == nil {
		t.Fatal("expected a candidate")
	}
	if team, _ := cand.Node.Attr("data-team"); team != "home" {
		t.Fatalf("expected the home team div, got %s", cand.Node.Path())
	}

	// One generation further up.
	cand, err = attempt(t, selector.StrategyConfig{
		Kind:       selector.KindStructural,
		Structural: &selector.StructuralConfig{AnchorScope: "//span[@class='badge']", RelationKind: selector.RelationParent, ChildIndex: 1},
	})
	if err != nil {
		t.Fatal(err)
	}
	if class, _ := cand.Node.Attr("class"); class != "teams" {
		t.Fatalf("expected the teams container, got class %q", class)
	}
}

func TestStructuralDescendant(t *testing.T) {
	cand, err := attempt(t, selector.StrategyConfig{
		Kind:       selector.KindStructural,
		Structural: &selector.StructuralConfig{AnchorScope: "//div[@class='teams']", RelationKind: selector.RelationDescendant, ChildIndex: 1},
	})
	if err != nil {
		t.Fatal(err)
	}
	if cand == nil {
		t.Fatal("expected a candidate")
	}
	// Preorder under .teams: div.team(home), span.name, span.badge, ...
	if cand.Node.Tag() != "span" || cand.Node.Text() != "Manchester United" {
		t.Fatalf("expected the name span, got <%s> %q", cand.Node.Tag(), cand.Node.Text())
	}
}

func TestStructuralNoAnchor(t *testing.T) {
	cand, err := attempt(t, selector.StrategyConfig{
		Kind:       selector.KindStructural,
		Structural: &selector.StructuralConfig{AnchorScope: "//nav", RelationKind: selector.RelationChild},
	})
	if err != nil {
		t.Fatal(err)
	}
	if cand != nil {
		t.Fatalf("expected no candidate without an anchor, got %+v", cand)
	}
}

func TestRoleBased(t *testing.T) {
	cand, err := attempt(t, selector.StrategyConfig{
		Kind:      selector.KindRoleBased,
		RoleBased: &selector.RoleBasedConfig{Role: "heading"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if cand == nil || cand.Node.Tag() != "h2" {
		t.Fatalf("expected the h2, got %+v", cand)
	}

	cand, err = attempt(t, selector.StrategyConfig{
		Kind:      selector.KindRoleBased,
		RoleBased: &selector.RoleBasedConfig{SemanticAttribute: "data-team", ExpectedValue: "home"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if cand == nil {
		t.Fatal("expected a candidate")
	}
	if class, _ := cand.Node.Attr("class"); class != "team" {
		t.Fatalf("expected the visible team div, got class %q", class)
	}

	cand, err = attempt(t, selector.StrategyConfig{
		Kind:      selector.KindRoleBased,
		RoleBased: &selector.RoleBasedConfig{Role: "tab"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if cand != nil {
		t.Fatalf("expected no candidate for role=tab, got %+v", cand)
	}
}

func TestCustomMatcher(t *testing.T) {
	doc, root := fixture(t)
	lib := NewLibrary()

	var gotPayload string
	lib.RegisterCustom("scope_root", func(_ context.Context, payload string, scopeRoot dom.Node, _ dom.Document) (*Candidate, error) {
		gotPayload = payload
		return &Candidate{Node: scopeRoot, Quality: 0.5, Matched: "custom scope_root"}, nil
	})

	cfg := &selector.StrategyConfig{
		ID:     "stg_custom",
		Kind:   selector.KindCustom,
		Custom: &selector.CustomConfig{Name: "scope_root", Payload: "depth=0"},
	}
	cand, err := lib.Attempt(context.Background(), cfg, root, doc)
	if err != nil {
		t.Fatal(err)
	}
	if cand == nil || cand.Quality != 0.5 {
		t.Fatalf("expected the custom candidate, got %+v", cand)
	}
	if gotPayload != "depth=0" {
		t.Fatalf("expected payload handed through, got %q", gotPayload)
	}
}

func TestCustomMatcherUnregistered(t *testing.T) {
	_, err := attempt(t, selector.StrategyConfig{
		Kind:   selector.KindCustom,
		Custom: &selector.CustomConfig{Name: "nope"},
	})
	var unk *ErrUnknownMatcher
	if !errors.As(err, &unk) {
		t.Fatalf("expected *ErrUnknownMatcher, got %v", err)
	}
}

func TestPanicRecovered(t *testing.T) {
	doc, root := fixture(t)
	lib := NewLibrary()
	lib.RegisterCustom("explode", func(context.Context, string, dom.Node, dom.Document) (*Candidate, error) {
		panic("boom")
	})

	cfg := &selector.StrategyConfig{
		ID:     "stg_explode",
		Kind:   selector.KindCustom,
		Custom: &selector.CustomConfig{Name: "explode"},
	}
	cand, err := lib.Attempt(context.Background(), cfg, root, doc)
	if err == nil || !strings.Contains(err.Error(), "recovered panic") {
		t.Fatalf("expected a recovered panic error, got %v", err)
	}
	if cand != nil {
		t.Fatalf("expected no candidate, got %+v", cand)
	}
}

func TestUnknownKind(t *testing.T) {
	doc, root := fixture(t)
	cfg := &selector.StrategyConfig{ID: "stg_x", Kind: "telepathy"}
	if _, err := NewLibrary().Attempt(context.Background(), cfg, root, doc); err == nil {
		t.Fatal("expected an error for an unknown kind")
	}
}

func TestCancelledContext(t *testing.T) {
	doc, root := fixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cfg := &selector.StrategyConfig{
		ID:         "stg_x",
		Kind:       selector.KindTextAnchor,
		TextAnchor: &selector.TextAnchorConfig{AnchorText: "Arsenal"},
	}
	if _, err := NewLibrary().Attempt(ctx, cfg, root, doc); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
