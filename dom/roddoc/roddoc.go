// CLAUDE:SUMMARY Live-page adapter — snapshots a rod page's DOM into an htmldoc tree for resolution.
//
// Package roddoc connects the resolution engine to a live Chromium page. A
// snapshot serialises the page's current DOM (one Eval round trip) and parses
// it with htmldoc, so every resolution runs against an immutable tree and the
// engine never holds CDP references across strategy attempts.
package roddoc

import (
	"context"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/hazyhaar/domresolve/dom"
	"github.com/hazyhaar/domresolve/dom/htmldoc"
)

// Config controls page opening and snapshot behaviour.
type Config struct {
	// Stealth applies the stealth patches when creating the page.
	Stealth bool
	// NavigateTimeout bounds Navigate plus WaitLoad. Default 30s.
	NavigateTimeout time.Duration
	// SnapshotTimeout bounds one DOM serialisation. Default 10s.
	SnapshotTimeout time.Duration
}

func (c *Config) defaults() {
	if c.NavigateTimeout <= 0 {
		c.NavigateTimeout = 30 * time.Second
	}
	if c.SnapshotTimeout <= 0 {
		c.SnapshotTimeout = 10 * time.Second
	}
}

// OpenPage creates a tab on b and navigates it to pageURL. WaitLoad failures
// are tolerated; the caller polls scope activation anyway.
func OpenPage(ctx context.Context, b *rod.Browser, pageURL string, cfg Config) (*rod.Page, error) {
	cfg.defaults()

	var page *rod.Page
	var err error
	if cfg.Stealth {
		page, err = stealth.Page(b)
	} else {
		page, err = b.Page(proto.TargetCreateTarget{URL: ""})
	}
	if err != nil {
		return nil, fmt.Errorf("roddoc: create tab: %w", err)
	}

	navCtx, cancel := context.WithTimeout(ctx, cfg.NavigateTimeout)
	defer cancel()

	if err := page.Context(navCtx).Navigate(pageURL); err != nil {
		page.Close()
		return nil, fmt.Errorf("roddoc: navigate %s: %w", pageURL, err)
	}
	// Load may legitimately time out on pages that stream forever.
	_ = page.Context(navCtx).WaitLoad()

	return page, nil
}

// PageSource is a dom.Source backed by a live page. Each Snapshot serialises
// the DOM as it stands, so repeated snapshots observe the page evolving.
type PageSource struct {
	page *rod.Page
	cfg  Config
}

// NewPageSource wraps an open page.
func NewPageSource(page *rod.Page, cfg Config) *PageSource {
	cfg.defaults()
	return &PageSource{page: page, cfg: cfg}
}

// Snapshot serialises the page DOM and parses it into an immutable tree.
func (s *PageSource) Snapshot(ctx context.Context) (dom.Document, error) {
	evalCtx, cancel := context.WithTimeout(ctx, s.cfg.SnapshotTimeout)
	defer cancel()

	res, err := s.page.Context(evalCtx).Eval(`() => document.documentElement.outerHTML`)
	if err != nil {
		return nil, fmt.Errorf("roddoc: serialise page: %w", err)
	}
	doc, err := htmldoc.ParseString(res.Value.Str())
	if err != nil {
		return nil, fmt.Errorf("roddoc: parse snapshot: %w", err)
	}
	return doc, nil
}

// Close closes the underlying page.
func (s *PageSource) Close() error {
	if s.page != nil {
		return s.page.Close()
	}
	return nil
}
