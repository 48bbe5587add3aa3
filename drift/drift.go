// CLAUDE:SUMMARY Drift detector — windowed gonum trend statistics over reliability history, emitting immutable DriftReports.
// Package drift assesses whether a selector's strategies are coming apart
// from the documents they resolve against.
//
// The detector reads reliability history and never mutates configuration:
// acting on a report is the evolution manager's and the operator's job. The
// score blends the current EWMA success rate (level with recency), the
// regression slope of the success series over the window (change), and the
// variance of success confidences (instability). A strategy that never
// worked scores on level alone and is left for the evolution blacklist; a
// strategy that used to work and stopped is exactly what pushes the score
// past the review threshold.
package drift

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/hazyhaar/domresolve/idgen"
	"github.com/hazyhaar/domresolve/kit"
	"github.com/hazyhaar/domresolve/reliability"
	"github.com/hazyhaar/domresolve/selector"
)

// Trend classifies a selector's direction over the window.
type Trend string

const (
	TrendImproving Trend = "improving"
	TrendStable    Trend = "stable"
	TrendDegrading Trend = "degrading"
)

// StrategyDelta is one strategy's movement over the analysis window.
type StrategyDelta struct {
	Strategy string `json:"strategy"`
	Attempts int    `json:"attempts"`
	// SuccessRate is the plain success fraction over the window.
	SuccessRate float64 `json:"success_rate"`
	// EWMA is the recency-weighted success rate from the reliability record.
	EWMA           float64 `json:"ewma"`
	ConfidenceMean float64 `json:"confidence_mean,omitempty"`
	ConfidenceVar  float64 `json:"confidence_variance,omitempty"`
	// Slope is the per-attempt change of the success series, from a least
	// squares fit over the window.
	Slope float64 `json:"slope"`
	Score float64 `json:"score"`
}

// Report is an immutable drift assessment of one selector. Reports are
// written once and never updated.
type Report struct {
	ID       string `json:"id"`
	Selector string `json:"selector"`
	// Window is the per-strategy attempt count the statistics were fed.
	Window int     `json:"window"`
	Score  float64 `json:"score"`
	Trend  Trend   `json:"trend"`
	// ManualReview is set when the score crosses the review threshold.
	ManualReview  bool            `json:"manual_review"`
	Strategies    []StrategyDelta `json:"strategies,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	CreatedAt     int64           `json:"created_at"`
}

// Sink observes emitted reports. Implementations must not block.
type Sink interface {
	DriftReported(ctx context.Context, r *Report)
}

// Score component weights: level and recency through the EWMA, change
// through the regression slope, instability through confidence variance.
const (
	ewmaWeight     = 0.6
	declineWeight  = 0.25
	varianceWeight = 0.15

	// varianceSaturation is the success-confidence variance treated as
	// maximal instability, a ±0.25 spread around the mean.
	varianceSaturation = 0.0625
)

// Config tunes the Detector. The zero value resolves to the defaults below.
type Config struct {
	// Window is how many recent attempts per strategy feed the statistics.
	// Default 50.
	Window int
	// ReviewThreshold is the score above which the trend is degrading and
	// manual review is required. Default 0.7.
	ReviewThreshold float64
	// SlopeEpsilon is the aggregate slope below which a trend counts as
	// stable rather than improving. Default 0.005.
	SlopeEpsilon float64
}

func (c *Config) defaults() {
	if c.Window <= 0 {
		c.Window = 50
	}
	if c.ReviewThreshold <= 0 {
		c.ReviewThreshold = 0.7
	}
	if c.SlopeEpsilon <= 0 {
		c.SlopeEpsilon = 0.005
	}
}

// Detector computes drift reports. Safe for concurrent use.
type Detector struct {
	registry *selector.Registry
	tracker  *reliability.Tracker
	store    *reportStore
	cfg      Config
	sink     Sink
	logger   *slog.Logger
}

// Option configures a Detector.
type Option func(*Detector)

// WithSink installs the report sink.
func WithSink(s Sink) Option {
	return func(d *Detector) { d.sink = s }
}

// WithLogger sets the detector logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Detector) { d.logger = l }
}

// New builds a Detector. The db must carry the drift Schema.
func New(db *sql.DB, reg *selector.Registry, tracker *reliability.Tracker, cfg Config, opts ...Option) *Detector {
	cfg.defaults()
	d := &Detector{
		registry: reg,
		tracker:  tracker,
		store:    &reportStore{db: db, newID: idgen.Drift},
		cfg:      cfg,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Analyze produces, persists, and emits a drift report for one selector.
func (d *Detector) Analyze(ctx context.Context, name string) (*Report, error) {
	ctx, corrID := kit.EnsureCorrelationID(ctx)
	sel, err := d.registry.Get(name)
	if err != nil {
		return nil, err
	}

	rep := &Report{
		ID:            d.store.newID(),
		Selector:      name,
		Window:        d.cfg.Window,
		Trend:         TrendStable,
		CorrelationID: corrID,
		CreatedAt:     time.Now().UnixMilli(),
	}

	var attempts int
	var scoreSum, slopeSum float64
	for _, sc := range sel.Strategies {
		delta, derr := d.analyzeStrategy(ctx, name, sc.ID)
		if derr != nil {
			return nil, derr
		}
		if delta.Attempts == 0 {
			continue
		}
		rep.Strategies = append(rep.Strategies, delta)
		attempts += delta.Attempts
		scoreSum += delta.Score * float64(delta.Attempts)
		slopeSum += delta.Slope * float64(delta.Attempts)
	}

	if attempts > 0 {
		rep.Score = scoreSum / float64(attempts)
		slope := slopeSum / float64(attempts)
		switch {
		case rep.Score > d.cfg.ReviewThreshold:
			rep.Trend = TrendDegrading
			rep.ManualReview = true
		case slope > d.cfg.SlopeEpsilon:
			rep.Trend = TrendImproving
		}
	}

	if err := d.store.insert(ctx, rep); err != nil {
		return nil, err
	}
	if d.sink != nil {
		d.sink.DriftReported(ctx, rep)
	}
	if rep.ManualReview {
		d.logger.Warn("drift: manual review required",
			"selector", name, "score", rep.Score, "correlation_id", corrID)
	} else {
		d.logger.Debug("drift: analyzed",
			"selector", name, "score", rep.Score, "trend", rep.Trend, "correlation_id", corrID)
	}
	return rep, nil
}

// AnalyzeAll analyzes every selector in the registry. Per-selector failures
// are joined; the returned reports cover the selectors that succeeded.
func (d *Detector) AnalyzeAll(ctx context.Context) ([]*Report, error) {
	var reports []*Report
	var errs []error
	for _, sel := range d.registry.List() {
		rep, err := d.Analyze(ctx, sel.Name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		reports = append(reports, rep)
	}
	return reports, errors.Join(errs...)
}

func (d *Detector) analyzeStrategy(ctx context.Context, sel, strategyID string) (StrategyDelta, error) {
	delta := StrategyDelta{Strategy: strategyID}

	samples, err := d.tracker.Window(ctx, sel, strategyID, d.cfg.Window)
	if err != nil {
		return delta, err
	}
	delta.Attempts = len(samples)
	if delta.Attempts == 0 {
		return delta, nil
	}

	rec, err := d.tracker.Get(ctx, sel, strategyID)
	if err != nil {
		return delta, err
	}
	delta.EWMA = rec.Score()

	xs := make([]float64, len(samples))
	ys := make([]float64, len(samples))
	var confs []float64
	for i, s := range samples {
		xs[i] = float64(i)
		if s.Success {
			ys[i] = 1
			confs = append(confs, s.Confidence)
		}
	}
	delta.SuccessRate = stat.Mean(ys, nil)
	if len(samples) >= 2 {
		_, delta.Slope = stat.LinearRegression(xs, ys, nil, false)
	}
	if len(confs) >= 1 {
		delta.ConfidenceMean = stat.Mean(confs, nil)
	}
	if len(confs) >= 2 {
		delta.ConfidenceVar = stat.Variance(confs, nil)
	}

	decline := clamp01(-delta.Slope * float64(len(samples)-1))
	spread := clamp01(delta.ConfidenceVar / varianceSaturation)
	delta.Score = clamp01(ewmaWeight*(1-delta.EWMA) +
		declineWeight*decline +
		varianceWeight*spread)
	return delta, nil
}

// Reports returns recent reports for a selector, newest first. A limit of 0
// or less means 50.
func (d *Detector) Reports(ctx context.Context, sel string, limit int) ([]*Report, error) {
	return d.store.list(ctx, sel, limit)
}

// Latest returns the most recent report for a selector, or nil when none
// has been produced.
func (d *Detector) Latest(ctx context.Context, sel string) (*Report, error) {
	reports, err := d.store.list(ctx, sel, 1)
	if err != nil {
		return nil, err
	}
	if len(reports) == 0 {
		return nil, nil
	}
	return reports[0], nil
}

// Prune deletes reports older than retention and reports how many rows
// went.
func (d *Detector) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	return d.store.prune(ctx, retention)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
