package strategy

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/hazyhaar/domresolve/dom"
	"github.com/hazyhaar/domresolve/selector"
)

// matchTextAnchor finds the tightest element whose text carries the anchor:
// a node matches only when none of its children also match, so a hit on
// <body> drills down to the span actually holding the words.
func matchTextAnchor(cfg *selector.TextAnchorConfig, scopeRoot dom.Node, doc dom.Document) (*Candidate, error) {
	anchor := cfg.AnchorText
	norm := func(s string) string { return s }
	if !cfg.CaseSensitive {
		norm = strings.ToLower
		anchor = strings.ToLower(anchor)
	}
	carries := func(n dom.Node) bool { return strings.Contains(norm(n.Text()), anchor) }
	exact := func(n dom.Node) bool { return norm(strings.TrimSpace(n.Text())) == anchor }

	roots := []dom.Node{scopeRoot}
	if cfg.ProximityScope != "" {
		var err error
		roots, err = doc.QueryCSS(scopeRoot, cfg.ProximityScope)
		if err != nil {
			return nil, fmt.Errorf("strategy: proximity scope %q: %w", cfg.ProximityScope, err)
		}
	}

	var tightest []dom.Node
	for _, r := range roots {
		tightest = append(tightest, tightestMatches(r, carries)...)
	}
	if len(tightest) == 0 {
		return nil, nil
	}

	// Exact text beats substring; visible beats hidden; document order breaks
	// the rest.
	rank := func(n dom.Node) int {
		r := 0
		if exact(n) {
			r += 2
		}
		if n.Visible() {
			r++
		}
		return r
	}
	best := tightest[0]
	bestRank := rank(best)
	for _, n := range tightest[1:] {
		if r := rank(n); r > bestRank {
			best, bestRank = n, r
		}
	}

	quality := 0.7
	how := "contains"
	if exact(best) {
		quality = 1.0
		how = "exact"
	}
	return &Candidate{
		Node:    best,
		Quality: quality,
		Matched: fmt.Sprintf("anchor %q %s", cfg.AnchorText, how),
	}, nil
}

// tightestMatches returns, in document order, the matching nodes none of
// whose children match.
func tightestMatches(n dom.Node, matches func(dom.Node) bool) []dom.Node {
	if !matches(n) {
		return nil
	}
	var out []dom.Node
	for _, c := range n.Children() {
		out = append(out, tightestMatches(c, matches)...)
	}
	if len(out) == 0 {
		return []dom.Node{n}
	}
	return out
}

// matchAttribute finds elements whose attribute value matches the pattern.
// The pattern is anchored: it must cover the whole attribute value.
func matchAttribute(cfg *selector.AttributeMatchConfig, scopeRoot dom.Node) (*Candidate, error) {
	re, err := regexp.Compile("^(?:" + cfg.ValuePattern + ")$")
	if err != nil {
		return nil, fmt.Errorf("strategy: value pattern %q: %w", cfg.ValuePattern, err)
	}

	var matches []dom.Node
	walk(scopeRoot, func(n dom.Node) {
		if cfg.TagFilter != "" && n.Tag() != cfg.TagFilter {
			return
		}
		v, ok := n.Attr(cfg.Attribute)
		if ok && re.MatchString(v) {
			matches = append(matches, n)
		}
	})
	if len(matches) == 0 {
		return nil, nil
	}

	best := pickPreferVisible(matches)
	value, _ := best.Attr(cfg.Attribute)
	return &Candidate{
		Node:    best,
		Quality: 1.0,
		Matched: fmt.Sprintf("%s=%q", cfg.Attribute, value),
	}, nil
}

// matchStructural resolves an element by position relative to the first
// anchor the XPath expression finds inside the scope.
func matchStructural(cfg *selector.StructuralConfig, scopeRoot dom.Node, doc dom.Document) (*Candidate, error) {
	anchors, err := doc.QueryXPath(scopeRoot, cfg.AnchorScope)
	if err != nil {
		return nil, fmt.Errorf("strategy: anchor scope %q: %w", cfg.AnchorScope, err)
	}
	if len(anchors) == 0 {
		return nil, nil
	}
	anchor := anchors[0]

	var node dom.Node
	switch cfg.RelationKind {
	case selector.RelationChild:
		kids := anchor.Children()
		if cfg.ChildIndex >= len(kids) {
			return nil, nil
		}
		node = kids[cfg.ChildIndex]

	case selector.RelationDescendant:
		var all []dom.Node
		for _, c := range anchor.Children() {
			walk(c, func(n dom.Node) { all = append(all, n) })
		}
		if cfg.ChildIndex >= len(all) {
			return nil, nil
		}
		node = all[cfg.ChildIndex]

	case selector.RelationSibling:
		parent, ok := anchor.Parent()
		if !ok {
			return nil, nil
		}
		var sibs []dom.Node
		for _, c := range parent.Children() {
			if c.Path() != anchor.Path() {
				sibs = append(sibs, c)
			}
		}
		if cfg.ChildIndex >= len(sibs) {
			return nil, nil
		}
		node = sibs[cfg.ChildIndex]

	case selector.RelationParent:
		// ChildIndex counts generations: 0 is the immediate parent.
		node = anchor
		for i := 0; i <= cfg.ChildIndex; i++ {
			p, ok := node.Parent()
			if !ok {
				return nil, nil
			}
			node = p
		}

	default:
		return nil, fmt.Errorf("strategy: unknown relation %q", cfg.RelationKind)
	}

	return &Candidate{
		Node:    node,
		Quality: 1.0,
		Matched: fmt.Sprintf("%s[%d] of %s", cfg.RelationKind, cfg.ChildIndex, cfg.AnchorScope),
	}, nil
}

// matchRole finds elements by ARIA role or another semantic attribute.
func matchRole(cfg *selector.RoleBasedConfig, scopeRoot dom.Node) (*Candidate, error) {
	var matches []dom.Node
	walk(scopeRoot, func(n dom.Node) {
		if cfg.Role != "" {
			if r, _ := n.Attr("role"); r != cfg.Role {
				return
			}
		}
		if cfg.SemanticAttribute != "" {
			v, ok := n.Attr(cfg.SemanticAttribute)
			if !ok {
				return
			}
			if cfg.ExpectedValue != "" && v != cfg.ExpectedValue {
				return
			}
		}
		matches = append(matches, n)
	})
	if len(matches) == 0 {
		return nil, nil
	}

	best := pickPreferVisible(matches)
	how := "role=" + cfg.Role
	if cfg.SemanticAttribute != "" {
		v, _ := best.Attr(cfg.SemanticAttribute)
		how = fmt.Sprintf("%s=%q", cfg.SemanticAttribute, v)
	}
	return &Candidate{Node: best, Quality: 1.0, Matched: how}, nil
}

// walk visits n and its element subtree in document order.
func walk(n dom.Node, visit func(dom.Node)) {
	visit(n)
	for _, c := range n.Children() {
		walk(c, visit)
	}
}

func pickPreferVisible(nodes []dom.Node) dom.Node {
	for _, n := range nodes {
		if n.Visible() {
			return n
		}
	}
	return nodes[0]
}
