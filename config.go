// CLAUDE:SUMMARY Configuration structs (resolve, scope, drift, evolve, snapshot, maintenance) and YAML loader for the engine.
package domresolve

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/domresolve/drift"
	"github.com/hazyhaar/domresolve/evolve"
	"github.com/hazyhaar/domresolve/resolve"
	"github.com/hazyhaar/domresolve/scope"
)

// Config holds all engine configuration. Sub-sections mirror the package
// configs they feed; zero values resolve to each package's defaults.
type Config struct {
	DBPath string `yaml:"db_path"`
	// CatalogPath is an optional YAML selector catalog seeded at startup.
	CatalogPath string `yaml:"catalog_path"`
	// Scopes are registered with the scope manager at startup. More can be
	// added at runtime via RegisterScope.
	Scopes []scope.Descriptor `yaml:"scopes"`

	Resolve     ResolveConfig     `yaml:"resolve"`
	Scope       ScopeConfig       `yaml:"scope"`
	Drift       DriftConfig       `yaml:"drift"`
	Evolve      EvolveConfig      `yaml:"evolve"`
	Snapshot    SnapshotConfig    `yaml:"snapshot"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
}

// ResolveConfig tunes resolution scoring and timeouts.
type ResolveConfig struct {
	Weights        resolve.Weights `yaml:"weights"`
	CacheTTL       time.Duration   `yaml:"cache_ttl"`
	AttemptTimeout time.Duration   `yaml:"attempt_timeout"`
	CallTimeout    time.Duration   `yaml:"call_timeout"`
	CaptureTimeout time.Duration   `yaml:"capture_timeout"`
	MaxParallel    int             `yaml:"max_parallel"`
}

// ScopeConfig tunes scope activation.
type ScopeConfig struct {
	ReadyTimeout time.Duration `yaml:"ready_timeout"`
	PollInterval time.Duration `yaml:"poll_interval"`
	FreshFor     time.Duration `yaml:"fresh_for"`
}

// DriftConfig tunes the drift detector.
type DriftConfig struct {
	Window          int     `yaml:"window"`
	ReviewThreshold float64 `yaml:"review_threshold"`
	SlopeEpsilon    float64 `yaml:"slope_epsilon"`
}

// EvolveConfig tunes the evolution rules.
type EvolveConfig struct {
	Window             int     `yaml:"window"`
	MinAttempts        int     `yaml:"min_attempts"`
	PromoteThreshold   float64 `yaml:"promote_threshold"`
	DemoteThreshold    float64 `yaml:"demote_threshold"`
	BlacklistThreshold float64 `yaml:"blacklist_threshold"`
}

// SnapshotConfig tunes failure snapshot capture.
type SnapshotConfig struct {
	MaxBytes int `yaml:"max_bytes"`
}

// MaintenanceConfig controls the background job queue, the sweep scheduler,
// retention horizons, and catalog hot reload.
type MaintenanceConfig struct {
	Visibility   time.Duration `yaml:"visibility"`
	PollInterval time.Duration `yaml:"poll_interval"`
	MaxAttempts  int           `yaml:"max_attempts"`
	Workers      int           `yaml:"workers"`

	DriftInterval     time.Duration `yaml:"drift_interval"`
	EvolveInterval    time.Duration `yaml:"evolve_interval"`
	RetentionInterval time.Duration `yaml:"retention_interval"`

	OutcomeRetention  time.Duration `yaml:"outcome_retention"`
	SnapshotRetention time.Duration `yaml:"snapshot_retention"`
	EventRetention    time.Duration `yaml:"event_retention"`
	AttemptRetention  time.Duration `yaml:"attempt_retention"`
	ReportRetention   time.Duration `yaml:"report_retention"`

	ReloadInterval time.Duration `yaml:"reload_interval"`
	ReloadDebounce time.Duration `yaml:"reload_debounce"`
}

func (c *Config) defaults() {
	if c.DBPath == "" {
		c.DBPath = "domresolve.db"
	}
	m := &c.Maintenance
	if m.Visibility <= 0 {
		m.Visibility = 60 * time.Second
	}
	if m.PollInterval <= 0 {
		m.PollInterval = 5 * time.Second
	}
	if m.MaxAttempts <= 0 {
		m.MaxAttempts = 5
	}
	if m.Workers <= 0 {
		m.Workers = 2
	}
	if m.DriftInterval <= 0 {
		m.DriftInterval = 15 * time.Minute
	}
	if m.EvolveInterval <= 0 {
		m.EvolveInterval = time.Hour
	}
	if m.RetentionInterval <= 0 {
		m.RetentionInterval = 6 * time.Hour
	}
	if m.OutcomeRetention <= 0 {
		m.OutcomeRetention = 7 * 24 * time.Hour
	}
	if m.SnapshotRetention <= 0 {
		m.SnapshotRetention = 7 * 24 * time.Hour
	}
	if m.EventRetention <= 0 {
		m.EventRetention = 30 * 24 * time.Hour
	}
	if m.AttemptRetention <= 0 {
		m.AttemptRetention = 30 * 24 * time.Hour
	}
	if m.ReportRetention <= 0 {
		m.ReportRetention = 30 * 24 * time.Hour
	}
	if m.ReloadInterval <= 0 {
		m.ReloadInterval = 2 * time.Second
	}
	if m.ReloadDebounce <= 0 {
		m.ReloadDebounce = 500 * time.Millisecond
	}
}

func (c *ResolveConfig) engine() resolve.Config {
	return resolve.Config{
		Weights:        c.Weights,
		CacheTTL:       c.CacheTTL,
		AttemptTimeout: c.AttemptTimeout,
		CallTimeout:    c.CallTimeout,
		CaptureTimeout: c.CaptureTimeout,
		MaxParallel:    c.MaxParallel,
	}
}

func (c *DriftConfig) detector() drift.Config {
	return drift.Config{
		Window:          c.Window,
		ReviewThreshold: c.ReviewThreshold,
		SlopeEpsilon:    c.SlopeEpsilon,
	}
}

func (c *EvolveConfig) manager() evolve.Config {
	return evolve.Config{
		Window:             c.Window,
		MinAttempts:        c.MinAttempts,
		PromoteThreshold:   c.PromoteThreshold,
		DemoteThreshold:    c.DemoteThreshold,
		BlacklistThreshold: c.BlacklistThreshold,
	}
}

// LoadConfigFile reads a YAML config file.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
