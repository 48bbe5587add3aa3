// CLAUDE:SUMMARY Static HTML adapter — parses a tree with x/net/html and serves CSS (goquery/cascadia) and XPath (htmlquery) queries.
//
// Package htmldoc implements the dom boundary over a parsed HTML tree.
// Structural paths are sibling-indexed in the same format the live observer
// uses ("/html/body/div[2]/span"), so paths recorded from a static snapshot
// and paths recorded from a live page compare directly.
package htmldoc

import (
	"fmt"
	"io"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"

	"github.com/hazyhaar/domresolve/dom"
)

// Doc is one parsed, immutable HTML tree.
type Doc struct {
	root  *html.Node
	paths map[*html.Node]string
}

// Parse reads and indexes an HTML document.
func Parse(r io.Reader) (*Doc, error) {
	root, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("htmldoc: parse: %w", err)
	}
	d := &Doc{root: root, paths: make(map[*html.Node]string)}
	d.indexChildren(root, "")
	return d, nil
}

// ParseString parses an HTML document held in a string.
func ParseString(s string) (*Doc, error) {
	return Parse(strings.NewReader(s))
}

// indexChildren assigns sibling-indexed paths to every element under n.
func (d *Doc) indexChildren(n *html.Node, parentPath string) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode {
			continue
		}
		p := d.elementPath(c, parentPath)
		d.paths[c] = p
		d.indexChildren(c, p)
	}
}

func (d *Doc) elementPath(n *html.Node, parentPath string) string {
	name := n.Data
	switch name {
	case "html":
		return "/html"
	case "head", "body":
		if parentPath == "/html" {
			return "/html/" + name
		}
	}

	idx, total := 1, 0
	if n.Parent != nil {
		for s := n.Parent.FirstChild; s != nil; s = s.NextSibling {
			if s.Type != html.ElementNode || s.Data != name {
				continue
			}
			total++
			if s == n {
				idx = total
			}
		}
	}
	if total > 1 {
		return fmt.Sprintf("%s/%s[%d]", parentPath, name, idx)
	}
	return parentPath + "/" + name
}

// Root returns the document's html element.
func (d *Doc) Root() dom.Node {
	for c := d.root.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode {
			return node{d, c}
		}
	}
	return node{d, d.root}
}

// QueryCSS returns the descendants of root matching a CSS selector group, in
// document order. The root element itself is never part of the result.
func (d *Doc) QueryCSS(root dom.Node, selector string) ([]dom.Node, error) {
	rn, err := d.unwrap(root)
	if err != nil {
		return nil, err
	}
	sel, err := cascadia.Compile(selector)
	if err != nil {
		return nil, fmt.Errorf("htmldoc: compile css %q: %w", selector, err)
	}
	found := goquery.NewDocumentFromNode(rn).FindMatcher(sel)
	out := make([]dom.Node, 0, len(found.Nodes))
	for _, fn := range found.Nodes {
		out = append(out, node{d, fn})
	}
	return out, nil
}

// QueryXPath returns the elements under root matching an XPath expression, in
// document order. Non-element results (text nodes, attributes) are dropped.
func (d *Doc) QueryXPath(root dom.Node, expr string) ([]dom.Node, error) {
	rn, err := d.unwrap(root)
	if err != nil {
		return nil, err
	}
	matches, err := htmlquery.QueryAll(rn, expr)
	if err != nil {
		return nil, fmt.Errorf("htmldoc: xpath %q: %w", expr, err)
	}
	out := make([]dom.Node, 0, len(matches))
	for _, m := range matches {
		if m != nil && m.Type == html.ElementNode {
			out = append(out, node{d, m})
		}
	}
	return out, nil
}

func (d *Doc) unwrap(n dom.Node) (*html.Node, error) {
	k, ok := n.(node)
	if !ok || k.d != d {
		return nil, fmt.Errorf("htmldoc: node does not belong to this document")
	}
	return k.n, nil
}

// node wraps one element of a Doc.
type node struct {
	d *Doc
	n *html.Node
}

func (nd node) Tag() string { return nd.n.Data }

func (nd node) Text() string {
	var sb strings.Builder
	collectText(nd.n, &sb)
	return strings.Join(strings.Fields(sb.String()), " ")
}

func collectText(n *html.Node, sb *strings.Builder) {
	if n.Type == html.ElementNode {
		switch n.Data {
		case "script", "style", "noscript", "template":
			return
		}
	}
	if n.Type == html.TextNode {
		sb.WriteString(n.Data)
		sb.WriteByte(' ')
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectText(c, sb)
	}
}

func (nd node) Attr(name string) (string, bool) {
	for _, a := range nd.n.Attr {
		if a.Key == name {
			return a.Val, true
		}
	}
	return "", false
}

func (nd node) Attrs() map[string]string {
	m := make(map[string]string, len(nd.n.Attr))
	for _, a := range nd.n.Attr {
		m[a.Key] = a.Val
	}
	return m
}

func (nd node) Path() string { return nd.d.paths[nd.n] }

func (nd node) HTML() string {
	var sb strings.Builder
	if err := html.Render(&sb, nd.n); err != nil {
		return ""
	}
	return sb.String()
}

// Visible applies static heuristics: hidden attributes, inline display/
// visibility styles, aria-hidden, and input type=hidden, checked on the
// element and its ancestors. A static tree has no layout, so this is an
// approximation of what a live page would report.
func (nd node) Visible() bool {
	if typ, ok := nd.Attr("type"); ok && nd.n.Data == "input" && typ == "hidden" {
		return false
	}
	for n := nd.n; n != nil && n.Type == html.ElementNode; n = n.Parent {
		for _, a := range n.Attr {
			switch a.Key {
			case "hidden":
				return false
			case "aria-hidden":
				if a.Val == "true" {
					return false
				}
			case "style":
				style := strings.ToLower(strings.ReplaceAll(a.Val, " ", ""))
				if strings.Contains(style, "display:none") || strings.Contains(style, "visibility:hidden") {
					return false
				}
			}
		}
	}
	return true
}

func (nd node) Parent() (dom.Node, bool) {
	p := nd.n.Parent
	if p == nil || p.Type != html.ElementNode {
		return nil, false
	}
	return node{nd.d, p}, true
}

func (nd node) Children() []dom.Node {
	var out []dom.Node
	for c := nd.n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode {
			out = append(out, node{nd.d, c})
		}
	}
	return out
}
