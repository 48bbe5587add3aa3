// CLAUDE:SUMMARY Selector health page — static HTML leaderboard of success rates, drift flags, and last resolutions.
package httpapi

import (
	"bytes"
	"context"
	"fmt"
	"html"
	"net/http"
	"time"

	"github.com/hazyhaar/domresolve/drift"
	"github.com/hazyhaar/domresolve/selector"
)

// GET /health
func (s *Server) handleHealthPage(w http.ResponseWriter, r *http.Request) {
	page, err := s.renderHealthPage(r.Context())
	if err != nil {
		s.error(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(page)
}

type selectorHealth struct {
	sel      *selector.SemanticSelector
	attempts int64
	rate     float64
	report   *drift.Report
	lastAt   int64
	lastOK   bool
	hasLast  bool
}

// renderHealthPage produces a static HTML page ranking selectors by success
// rate, with drift flags and last-resolution badges.
func (s *Server) renderHealthPage(ctx context.Context) ([]byte, error) {
	stats, err := s.eng.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}

	rows := make([]selectorHealth, 0, stats.Selectors)
	for _, sel := range s.eng.ListSelectors() {
		row := selectorHealth{sel: sel}

		recs, err := s.eng.Reliability(ctx, sel.Name)
		if err != nil {
			return nil, fmt.Errorf("reliability %s: %w", sel.Name, err)
		}
		var success int64
		for _, rec := range recs {
			row.attempts += rec.Total
			success += rec.Success
		}
		if row.attempts > 0 {
			row.rate = float64(success) / float64(row.attempts)
		}

		if row.report, err = s.eng.LatestDrift(ctx, sel.Name); err != nil {
			return nil, fmt.Errorf("drift %s: %w", sel.Name, err)
		}
		outs, err := s.eng.Outcomes(ctx, sel.Name, 1)
		if err != nil {
			return nil, fmt.Errorf("outcomes %s: %w", sel.Name, err)
		}
		if len(outs) > 0 {
			row.hasLast = true
			row.lastAt = outs[0].CreatedAt
			row.lastOK = outs[0].Success
		}
		rows = append(rows, row)
	}

	var buf bytes.Buffer
	buf.WriteString(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>domresolve — Selector Health</title>
<style>
*{box-sizing:border-box;margin:0;padding:0}
body{font-family:system-ui,-apple-system,sans-serif;background:#f8f9fa;color:#212529;max-width:960px;margin:0 auto;padding:2rem 1rem}
h1{font-size:1.5rem;margin-bottom:.5rem}
h2{font-size:1.2rem;margin:2rem 0 .75rem;border-bottom:2px solid #dee2e6;padding-bottom:.25rem}
.stats{display:flex;gap:1rem;margin-bottom:2rem}
.stat{background:#fff;border:1px solid #dee2e6;border-radius:.5rem;padding:1rem;flex:1;text-align:center}
.stat-num{font-size:1.5rem;font-weight:700;color:#495057}
.stat-label{font-size:.8rem;color:#868e96;text-transform:uppercase}
table{width:100%;border-collapse:collapse;background:#fff;border:1px solid #dee2e6;border-radius:.5rem;overflow:hidden;margin-bottom:2rem}
th{background:#e9ecef;padding:.5rem .75rem;text-align:left;font-size:.85rem;font-weight:600}
td{padding:.5rem .75rem;border-top:1px solid #dee2e6;font-size:.85rem}
tr:hover td{background:#f1f3f5}
.badge{display:inline-block;padding:.1rem .4rem;border-radius:.25rem;font-size:.75rem;font-weight:600}
.badge-good{background:#d3f9d8;color:#2b8a3e}
.badge-warn{background:#fff3bf;color:#e67700}
.badge-bad{background:#ffe3e3;color:#c92a2a}
.badge-muted{background:#e9ecef;color:#868e96}
.generated{text-align:center;font-size:.75rem;color:#868e96;margin-top:2rem}
</style>
</head>
<body>
<h1>domresolve — Selector Health</h1>
`)

	fmt.Fprintf(&buf, `<div class="stats">
<div class="stat"><div class="stat-num">%d</div><div class="stat-label">Selectors</div></div>
<div class="stat"><div class="stat-num">%d</div><div class="stat-label">Scopes</div></div>
<div class="stat"><div class="stat-num">%d</div><div class="stat-label">Resolutions</div></div>
<div class="stat"><div class="stat-num">%d</div><div class="stat-label">Queued Jobs</div></div>
</div>
`, stats.Selectors, stats.Scopes, stats.Resolve.Resolutions, stats.QueueDepth)

	buf.WriteString(`<h2>Selectors</h2>
<table>
<thead><tr><th>Selector</th><th>Scope</th><th>Strategies</th><th>Success Rate</th><th>Attempts</th><th>Drift</th><th>Last Resolution</th></tr></thead>
<tbody>
`)

	for _, row := range rows {
		fmt.Fprintf(&buf, `<tr><td>%s</td><td>%s</td><td>%s</td><td>%s</td><td>%d</td><td>%s</td><td>%s</td></tr>
`,
			html.EscapeString(row.sel.Name), html.EscapeString(row.sel.Scope),
			strategySummary(row.sel), rateBadge(row.rate, row.attempts),
			row.attempts, driftBadge(row.report), lastBadge(row))
	}

	buf.WriteString(`</tbody></table>
`)
	fmt.Fprintf(&buf, `<div class="generated">generated %s</div>
</body>
</html>
`, time.Now().UTC().Format("2006-01-02 15:04:05 UTC"))

	return buf.Bytes(), nil
}

func strategySummary(sel *selector.SemanticSelector) string {
	var pinned, disabled int
	for _, sc := range sel.Strategies {
		if sc.Pinned {
			pinned++
		}
		if sc.Disabled {
			disabled++
		}
	}
	out := fmt.Sprintf("%d", len(sel.Strategies))
	if pinned > 0 {
		out += fmt.Sprintf(" / %d pinned", pinned)
	}
	if disabled > 0 {
		out += fmt.Sprintf(" / %d off", disabled)
	}
	return out
}

func rateBadge(rate float64, attempts int64) string {
	if attempts == 0 {
		return `<span class="badge badge-muted">untried</span>`
	}
	badge := "badge-good"
	if rate < 0.5 {
		badge = "badge-bad"
	} else if rate < 0.8 {
		badge = "badge-warn"
	}
	return fmt.Sprintf(`<span class="badge %s">%.0f%%</span>`, badge, rate*100)
}

func driftBadge(rep *drift.Report) string {
	if rep == nil {
		return `<span class="badge badge-muted">—</span>`
	}
	switch {
	case rep.ManualReview:
		return fmt.Sprintf(`<span class="badge badge-bad">review %.2f</span>`, rep.Score)
	case rep.Trend == drift.TrendDegrading:
		return fmt.Sprintf(`<span class="badge badge-warn">degrading %.2f</span>`, rep.Score)
	case rep.Trend == drift.TrendImproving:
		return `<span class="badge badge-good">improving</span>`
	default:
		return `<span class="badge badge-good">stable</span>`
	}
}

func lastBadge(row selectorHealth) string {
	if !row.hasLast {
		return `<span class="badge badge-muted">never</span>`
	}
	ts := time.UnixMilli(row.lastAt).UTC().Format("2006-01-02 15:04")
	if row.lastOK {
		return fmt.Sprintf(`<span class="badge badge-good">ok</span> %s`, ts)
	}
	return fmt.Sprintf(`<span class="badge badge-bad">failed</span> %s`, ts)
}
