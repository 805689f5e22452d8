package config

import (
	"net/http"
	"time"
)

// Names of the built-in targets and the target's endpoints.
const (
	TargetWithoutSingleflight = "without-singleflight"
	TargetWithSingleflight    = "with-singleflight"

	PathWithoutSingleflight = "/api/without-singleflight"
	PathWithSingleflight    = "/api/with-singleflight"
	PathClearCache          = "/api/clear-cache"
	PathMetrics             = "/metrics"
)

// Default values.
const (
	DefaultTimeout       = 30 * time.Second
	DefaultSetupRetries  = 3
	DefaultRetryInterval = 500 * time.Millisecond
	DefaultSetupTimeout  = 30 * time.Second
)

// DefaultBackendCounters are the target's counters read by the probe.
var DefaultBackendCounters = []string{
	"db_calls_total",
	"cache_hits_total",
	"cache_misses_total",
	"singleflight_shared_total",
}

// ApplyDefaults fills unset fields. It is idempotent.
func ApplyDefaults(cfg *TestConfig) {
	if cfg.Name == "" {
		cfg.Name = "stampede"
	}
	if cfg.Settings.Timeout == 0 {
		cfg.Settings.Timeout = Duration(DefaultTimeout)
	}
	if cfg.Settings.ResetPath == "" {
		cfg.Settings.ResetPath = PathClearCache
	}

	if cfg.Setup.ResetCache == nil {
		enabled := true
		cfg.Setup.ResetCache = &enabled
	}
	if cfg.Setup.Retries == nil {
		retries := DefaultSetupRetries
		cfg.Setup.Retries = &retries
	}
	if cfg.Setup.RetryInterval == 0 {
		cfg.Setup.RetryInterval = Duration(DefaultRetryInterval)
	}

	if cfg.Backend.MetricsPath != "" && len(cfg.Backend.Counters) == 0 {
		cfg.Backend.Counters = append([]string(nil), DefaultBackendCounters...)
	}

	if cfg.Options == nil {
		cfg.Options = &ExecutionOptions{}
	}
	if cfg.Options.SetupTimeout == 0 {
		cfg.Options.SetupTimeout = Duration(DefaultSetupTimeout)
	}

	for _, sc := range cfg.Scenarios {
		if sc == nil {
			continue
		}
		if sc.Reset != nil && sc.Reset.Policy == "leader" {
			if sc.Reset.Leader == 0 {
				sc.Reset.Leader = 1
			}
			if sc.Reset.Barrier == nil {
				barrier := true
				sc.Reset.Barrier = &barrier
			}
		}
		if sc.Exec == "" {
			sc.Exec = sc.Name
		}
	}
}

// BuiltinTargets returns the targets every config can refer to.
func BuiltinTargets() map[string]*TargetConfig {
	return map[string]*TargetConfig{
		TargetWithoutSingleflight: {
			Method: http.MethodGet,
			URL:    PathWithoutSingleflight,
			Checks: []CheckConfig{
				{Name: "status is 200", Type: "status", Value: "200"},
				{Name: "has response body", Type: "body", Condition: "not-empty"},
			},
		},
		TargetWithSingleflight: {
			Method: http.MethodGet,
			URL:    PathWithSingleflight,
			Checks: []CheckConfig{
				{Name: "status is 200", Type: "status", Value: "200"},
				{Name: "has response body", Type: "body", Condition: "not-empty"},
			},
		},
	}
}

// ComparisonOptions tunes DefaultComparison.
type ComparisonOptions struct {
	VUs         int
	Iterations  int64
	Gap         time.Duration
	MaxDuration time.Duration
	Probe       bool
}

// DefaultComparisonOptions matches the classic 1000-VU comparison.
func DefaultComparisonOptions() ComparisonOptions {
	return ComparisonOptions{
		VUs:         1000,
		Iterations:  1,
		Gap:         10 * time.Second,
		MaxDuration: 30 * time.Second,
		Probe:       true,
	}
}

// DefaultComparison builds the two-phase comparison: a burst against the
// unprotected endpoint, then after Gap a burst against the single-flight
// endpoint, with VU 1 clearing the cache before the second burst.
func DefaultComparison(baseURL string, opts ComparisonOptions) *TestConfig {
	barrier := true
	cfg := &TestConfig{
		Name:        "stampede vs single-flight",
		Description: "Cache stampede against the unprotected endpoint, then the single-flight endpoint from a cold cache",
		Settings: GlobalSettings{
			BaseURL: baseURL,
		},
		Targets: map[string]*TargetConfig{
			TargetWithoutSingleflight: {
				Method: http.MethodGet,
				URL:    PathWithoutSingleflight,
				Checks: []CheckConfig{{Name: "without-sf: status 200", Type: "status", Value: "200"}},
			},
			TargetWithSingleflight: {
				Method: http.MethodGet,
				URL:    PathWithSingleflight,
				Checks: []CheckConfig{{Name: "with-sf: status 200", Type: "status", Value: "200"}},
			},
		},
		Scenarios: ScenarioList{
			{
				Name:        "without_sf",
				Executor:    "per-vu-iterations",
				VUs:         opts.VUs,
				Iterations:  opts.Iterations,
				MaxDuration: Duration(opts.MaxDuration),
				Exec:        TargetWithoutSingleflight,
				Backend:     map[string]string{"endpoint": "without_singleflight"},
			},
			{
				Name:        "with_sf",
				Executor:    "per-vu-iterations",
				VUs:         opts.VUs,
				Iterations:  opts.Iterations,
				StartTime:   Duration(opts.Gap),
				MaxDuration: Duration(opts.MaxDuration),
				Exec:        TargetWithSingleflight,
				Reset:       &ResetConfig{Policy: "leader", Leader: 1, Barrier: &barrier},
				Backend:     map[string]string{"endpoint": "with_singleflight"},
			},
		},
	}
	if opts.Probe {
		cfg.Backend.MetricsPath = PathMetrics
	}
	ApplyDefaults(cfg)
	return cfg
}
