// CLAUDE:SUMMARY Read-only document access boundary — Node/Document/Source interfaces and the Descriptor value recorded in outcomes.
//
// Package dom defines the boundary between the resolution engine and whatever
// produces document trees. The engine only ever reads: it queries nodes, walks
// structure, and describes matches. It never mutates a document and never
// navigates.
//
// Two adapters implement the boundary: htmldoc parses static HTML with
// golang.org/x/net/html, and roddoc snapshots a live rod page into an htmldoc
// tree. A resolution call always runs against one immutable snapshot, so a
// given tree plus a given reliability state yields the same answer every time.
package dom

import (
	"context"
	"strings"
)

// Node is a handle to one element of a document tree. Implementations are
// read-only views; nothing in this module writes through a Node.
type Node interface {
	// Tag returns the lowercase element name ("div", "span", ...).
	Tag() string
	// Text returns the whitespace-collapsed text content of the subtree.
	Text() string
	// Attr returns a single attribute value.
	Attr(name string) (string, bool)
	// Attrs returns all attributes. Callers must not mutate the map.
	Attrs() map[string]string
	// Path returns the sibling-indexed structural path, e.g.
	// "/html/body/div[2]/span". Paths are stable within one snapshot and
	// serve as node identity for containment checks.
	Path() string
	// Visible reports whether the element is considered visible.
	Visible() bool
	// Parent returns the parent element, or false at the root.
	Parent() (Node, bool)
	// Children returns the element children in document order.
	Children() []Node
	// HTML returns the serialized subtree markup, for failure snapshots.
	HTML() string
}

// Document is one immutable snapshot of a tree.
type Document interface {
	// Root returns the document root element.
	Root() Node
	// QueryCSS returns nodes under root matching a CSS selector group, in
	// document order.
	QueryCSS(root Node, selector string) ([]Node, error)
	// QueryXPath returns nodes under root matching an XPath expression, in
	// document order.
	QueryXPath(root Node, expr string) ([]Node, error)
}

// Source produces the current document snapshot. Scope activation polls a
// Source until its predicate holds; each resolution then runs against the
// snapshot that activated.
type Source interface {
	Snapshot(ctx context.Context) (Document, error)
}

// Fixed wraps an already-built Document as a Source that always returns it.
func Fixed(d Document) Source { return fixedSource{d} }

type fixedSource struct{ d Document }

func (f fixedSource) Snapshot(context.Context) (Document, error) { return f.d, nil }

// descriptorTextCap bounds the text recorded in outcome rows.
const descriptorTextCap = 200

// Descriptor is the serializable record of a matched node, as stored in
// resolution outcomes and failure snapshots.
type Descriptor struct {
	Tag        string            `json:"tag"`
	Text       string            `json:"text,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Path       string            `json:"path"`
	Visible    bool              `json:"visible"`
}

// Describe captures a Node into a Descriptor. Text is capped so outcome rows
// stay small.
func Describe(n Node) Descriptor {
	text := n.Text()
	if len(text) > descriptorTextCap {
		text = text[:descriptorTextCap]
	}
	return Descriptor{
		Tag:        n.Tag(),
		Text:       text,
		Attributes: n.Attrs(),
		Path:       n.Path(),
		Visible:    n.Visible(),
	}
}

// Contains reports whether path lies within the subtree rooted at ancestor,
// comparing sibling-indexed structural paths. An empty ancestor means the
// whole document.
func Contains(ancestor, path string) bool {
	if ancestor == "" || ancestor == "/" {
		return true
	}
	return path == ancestor || strings.HasPrefix(path, ancestor+"/")
}

// PathSimilarity returns the fraction of leading path segments two structural
// paths share, in [0,1]. Identical paths score 1.0; fully divergent paths
// score 0.0. Used for position-stability scoring against the last known good
// location of a selector.
func PathSimilarity(a, b string) float64 {
	if a == b {
		return 1.0
	}
	as := splitPath(a)
	bs := splitPath(b)
	if len(as) == 0 || len(bs) == 0 {
		return 0.0
	}
	maxLen := len(as)
	if len(bs) > maxLen {
		maxLen = len(bs)
	}
	common := 0
	for i := 0; i < len(as) && i < len(bs); i++ {
		if as[i] != bs[i] {
			break
		}
		common++
	}
	return float64(common) / float64(maxLen)
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}
