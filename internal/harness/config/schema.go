// Package config provides configuration parsing and validation for stampede
// runs.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// TestConfig is the root configuration for a run.
//
// Example YAML:
//
//	name: "stampede vs single-flight"
//	settings:
//	  baseUrl: "http://localhost:8080"
//	  timeout: 30s
//	scenarios:
//	  without_sf:
//	    executor: per-vu-iterations
//	    vus: 1000
//	    iterations: 1
//	    maxDuration: 30s
//	    exec: without-singleflight
//	  with_sf:
//	    executor: per-vu-iterations
//	    vus: 1000
//	    startTime: 10s
//	    exec: with-singleflight
//	    reset:
//	      policy: leader
type TestConfig struct {
	// Name of the run (for reporting)
	Name string `json:"name" yaml:"name"`

	// Description of the run (optional)
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Settings contains global settings for all scenarios
	Settings GlobalSettings `json:"settings,omitempty" yaml:"settings,omitempty"`

	// Setup controls what happens before the first scenario launches
	Setup SetupConfig `json:"setup,omitempty" yaml:"setup,omitempty"`

	// Backend configures the probe of the target's own metrics endpoint
	Backend BackendConfig `json:"backend,omitempty" yaml:"backend,omitempty"`

	// Variables are substituted into URLs, headers and bodies as {{name}}
	Variables map[string]string `json:"variables,omitempty" yaml:"variables,omitempty"`

	// Targets are the named requests scenarios execute. The built-in
	// targets "without-singleflight" and "with-singleflight" are always
	// available.
	Targets map[string]*TargetConfig `json:"targets,omitempty" yaml:"targets,omitempty"`

	// Scenarios defines the phases to run, in declaration order
	Scenarios ScenarioList `json:"scenarios" yaml:"scenarios"`

	// Thresholds define pass/fail criteria for the run
	Thresholds *ThresholdsConfig `json:"thresholds,omitempty" yaml:"thresholds,omitempty"`

	// Options for run execution
	Options *ExecutionOptions `json:"options,omitempty" yaml:"options,omitempty"`
}

// GlobalSettings contains global HTTP and execution settings.
type GlobalSettings struct {
	// BaseURL is prefixed to target URLs that start with "/"
	BaseURL string `json:"baseUrl,omitempty" yaml:"baseUrl,omitempty"`

	// Timeout is the default HTTP request timeout
	Timeout Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// Ceiling bounds the whole run. Scenarios still running when it expires
	// are stopped.
	Ceiling Duration `json:"ceiling,omitempty" yaml:"ceiling,omitempty"`

	// ResetPath is the cache reset endpoint
	ResetPath string `json:"resetPath,omitempty" yaml:"resetPath,omitempty"`

	// MaxConnectionsPerHost limits connections per host
	MaxConnectionsPerHost int `json:"maxConnectionsPerHost,omitempty" yaml:"maxConnectionsPerHost,omitempty"`

	// MaxIdleConnsPerHost limits idle connections per host
	MaxIdleConnsPerHost int `json:"maxIdleConnsPerHost,omitempty" yaml:"maxIdleConnsPerHost,omitempty"`

	// InsecureSkipVerify skips TLS certificate verification
	InsecureSkipVerify bool `json:"insecureSkipVerify,omitempty" yaml:"insecureSkipVerify,omitempty"`

	// UserAgent is the default User-Agent header
	UserAgent string `json:"userAgent,omitempty" yaml:"userAgent,omitempty"`

	// Headers are default headers applied to all requests
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
}

// SetupConfig controls the pre-run cache reset.
type SetupConfig struct {
	// ResetCache issues one reset before any scenario starts. Defaults to true.
	ResetCache *bool `json:"resetCache,omitempty" yaml:"resetCache,omitempty"`

	// Retries is how many times a failed setup reset is retried. Unset means
	// DefaultSetupRetries; 0 disables retries.
	Retries *int `json:"retries,omitempty" yaml:"retries,omitempty"`

	// RetryInterval is the pause between setup reset attempts
	RetryInterval Duration `json:"retryInterval,omitempty" yaml:"retryInterval,omitempty"`
}

// BackendConfig configures the backend probe.
type BackendConfig struct {
	// MetricsPath is the target's Prometheus endpoint, e.g. "/metrics".
	// The probe is disabled when empty.
	MetricsPath string `json:"metricsPath,omitempty" yaml:"metricsPath,omitempty"`

	// Counters are the metric families read on every probe
	Counters []string `json:"counters,omitempty" yaml:"counters,omitempty"`
}

// TargetConfig defines the request a scenario sends on every iteration.
type TargetConfig struct {
	// Method is the HTTP method, GET by default
	Method string `json:"method,omitempty" yaml:"method,omitempty"`

	// URL is the request URL (supports variable substitution)
	URL string `json:"url" yaml:"url"`

	// Headers are request-specific headers
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`

	// Body is the request body (supports variable substitution)
	Body string `json:"body,omitempty" yaml:"body,omitempty"`

	// Timeout is request-specific timeout (overrides global)
	Timeout Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// Checks judge every response
	Checks []CheckConfig `json:"checks,omitempty" yaml:"checks,omitempty"`
}

// CheckConfig defines a named response check.
type CheckConfig struct {
	// Name is reported in check aggregates
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Type is the check type: "status", "body", "header", "json", "schema", "duration"
	Type string `json:"type" yaml:"type"`

	// Condition is the comparison: "eq", "ne", "gt", "lt", "gte", "lte",
	// "contains", "matches", "exists", "not-empty"
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`

	// Value is the expected value
	Value string `json:"value,omitempty" yaml:"value,omitempty"`

	// Path is the header name or the JSON path
	Path string `json:"path,omitempty" yaml:"path,omitempty"`

	// Schema is an inline JSON Schema for "schema" checks
	Schema string `json:"schema,omitempty" yaml:"schema,omitempty"`
}

// ScenarioConfig defines a single phase of the run.
type ScenarioConfig struct {
	// Name is the mapping key, or the name field in list form
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Executor specifies the concurrency policy.
	// Options: "per-vu-iterations", "shared-iterations", "ramping-vus" and
	// their aliases "fixed-vu-single-shot", "shared-iteration-pool",
	// "ramping-stages"
	Executor string `json:"executor" yaml:"executor"`

	// VUs is the number of virtual users (for iteration executors)
	VUs int `json:"vus,omitempty" yaml:"vus,omitempty"`

	// Iterations is per VU for per-vu-iterations, where 0 means 1, and the
	// total for shared-iterations
	Iterations int64 `json:"iterations,omitempty" yaml:"iterations,omitempty"`

	// StartVUs is the initial VU count for ramping-vus
	StartVUs int `json:"startVUs,omitempty" yaml:"startVUs,omitempty"`

	// Stages defines ramping stages (for ramping-vus)
	Stages []StageConfig `json:"stages,omitempty" yaml:"stages,omitempty"`

	// StartTime specifies when this scenario should start (relative to run start)
	StartTime Duration `json:"startTime,omitempty" yaml:"startTime,omitempty"`

	// MaxDuration bounds the scenario
	MaxDuration Duration `json:"maxDuration,omitempty" yaml:"maxDuration,omitempty"`

	// GracefulStop is how long in-flight requests may run past MaxDuration
	GracefulStop Duration `json:"gracefulStop,omitempty" yaml:"gracefulStop,omitempty"`

	// Pacing controls time between iterations
	Pacing *PacingConfig `json:"pacing,omitempty" yaml:"pacing,omitempty"`

	// Exec names the target this scenario requests
	Exec string `json:"exec" yaml:"exec"`

	// Reset is the scenario's cache reset policy
	Reset *ResetConfig `json:"reset,omitempty" yaml:"reset,omitempty"`

	// Backend selects the probe series attributed to this scenario, as
	// label matchers (e.g. endpoint: with_singleflight)
	Backend map[string]string `json:"backend,omitempty" yaml:"backend,omitempty"`

	// Tags are custom tags for this scenario's records
	Tags map[string]string `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// StageConfig defines a single stage in a ramping executor.
type StageConfig struct {
	// Duration of this stage (e.g., "30s", "2m")
	Duration Duration `json:"duration" yaml:"duration"`

	// Target VU count at the end of the stage
	Target int `json:"target" yaml:"target"`

	// Name is an optional name for this stage (for reporting)
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
}

// PacingConfig controls pacing between iterations.
type PacingConfig struct {
	// Type is the pacing strategy: "none", "constant", "random"
	Type string `json:"type" yaml:"type"`

	// Duration is the wait time for constant pacing
	Duration Duration `json:"duration,omitempty" yaml:"duration,omitempty"`

	// Min is the minimum wait time for random pacing
	Min Duration `json:"min,omitempty" yaml:"min,omitempty"`

	// Max is the maximum wait time for random pacing
	Max Duration `json:"max,omitempty" yaml:"max,omitempty"`
}

// ResetConfig defines a scenario's reset policy.
type ResetConfig struct {
	// Policy is "none", "leader" or "periodic"
	Policy string `json:"policy" yaml:"policy"`

	// Leader is the ordinal of the resetting VU (leader policy, default 1)
	Leader int `json:"leader,omitempty" yaml:"leader,omitempty"`

	// Every is the per-VU iteration period (periodic policy)
	Every int `json:"every,omitempty" yaml:"every,omitempty"`

	// Barrier holds the other VUs until the leader's reset completes.
	// Defaults to true.
	Barrier *bool `json:"barrier,omitempty" yaml:"barrier,omitempty"`

	// Coalesce lets simultaneous periodic resets share one request
	Coalesce bool `json:"coalesce,omitempty" yaml:"coalesce,omitempty"`
}

// ThresholdsConfig defines pass/fail criteria for the run.
type ThresholdsConfig struct {
	// HTTPReqDuration thresholds for request duration
	// e.g., ["p95 < 500ms", "avg < 200ms"]
	HTTPReqDuration []string `json:"http_req_duration,omitempty" yaml:"http_req_duration,omitempty"`

	// HTTPReqFailed thresholds for failure rate
	// e.g., ["rate < 0.01"] (less than 1% failures)
	HTTPReqFailed []string `json:"http_req_failed,omitempty" yaml:"http_req_failed,omitempty"`

	// HTTPReqs thresholds for request count
	// e.g., ["count > 1000"]
	HTTPReqs []string `json:"http_reqs,omitempty" yaml:"http_reqs,omitempty"`

	// Checks thresholds for the check pass rate
	// e.g., ["rate > 0.99"]
	Checks []string `json:"checks,omitempty" yaml:"checks,omitempty"`

	// MaxFailedCheckRatio fails the run when the ratio of failed check
	// evaluations exceeds it
	MaxFailedCheckRatio *float64 `json:"maxFailedCheckRatio,omitempty" yaml:"maxFailedCheckRatio,omitempty"`
}

// IsEmpty reports whether no threshold is configured.
func (t *ThresholdsConfig) IsEmpty() bool {
	return t == nil || (len(t.HTTPReqDuration) == 0 && len(t.HTTPReqFailed) == 0 &&
		len(t.HTTPReqs) == 0 && len(t.Checks) == 0 && t.MaxFailedCheckRatio == nil)
}

// ExecutionOptions controls run execution behavior.
type ExecutionOptions struct {
	// Sequential launches each scenario no earlier than the previous one's
	// completion
	Sequential bool `json:"sequential,omitempty" yaml:"sequential,omitempty"`

	// SetupTimeout is the maximum time for the setup reset
	SetupTimeout Duration `json:"setupTimeout,omitempty" yaml:"setupTimeout,omitempty"`

	// NoVUConnectionReuse gives every VU its own HTTP client
	NoVUConnectionReuse bool `json:"noVUConnectionReuse,omitempty" yaml:"noVUConnectionReuse,omitempty"`
}

// ScenarioList keeps scenarios in declaration order. It decodes from a
// mapping keyed by scenario name or from a list of scenarios with names.
type ScenarioList []*ScenarioConfig

// Get returns the scenario with the given name, or nil.
func (l ScenarioList) Get(name string) *ScenarioConfig {
	for _, sc := range l {
		if sc != nil && sc.Name == name {
			return sc
		}
	}
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (l *ScenarioList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.MappingNode:
		list := make(ScenarioList, 0, len(node.Content)/2)
		for i := 0; i+1 < len(node.Content); i += 2 {
			sc := &ScenarioConfig{}
			if err := node.Content[i+1].Decode(sc); err != nil {
				return fmt.Errorf("scenario %q: %w", node.Content[i].Value, err)
			}
			sc.Name = node.Content[i].Value
			list = append(list, sc)
		}
		*l = list
		return nil

	case yaml.SequenceNode:
		var list []*ScenarioConfig
		if err := node.Decode(&list); err != nil {
			return err
		}
		*l = list
		return nil

	default:
		return fmt.Errorf("line %d: scenarios must be a mapping or a list", node.Line)
	}
}

// MarshalYAML implements yaml.Marshaler, writing the mapping form.
func (l ScenarioList) MarshalYAML() (interface{}, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	for _, sc := range l {
		if sc == nil {
			continue
		}
		value := &yaml.Node{}
		copied := *sc
		copied.Name = ""
		if err := value.Encode(&copied); err != nil {
			return nil, err
		}
		node.Content = append(node.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: sc.Name},
			value,
		)
	}
	return node, nil
}

// UnmarshalJSON implements json.Unmarshaler. Object keys keep their order.
func (l *ScenarioList) UnmarshalJSON(b []byte) error {
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var list []*ScenarioConfig
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return err
		}
		*l = list
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("scenarios must be an object or an array")
	}

	var list ScenarioList
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		name, _ := keyTok.(string)
		sc := &ScenarioConfig{}
		if err := dec.Decode(sc); err != nil {
			return fmt.Errorf("scenario %q: %w", name, err)
		}
		sc.Name = name
		list = append(list, sc)
	}
	*l = list
	return nil
}

// Duration is a time.Duration that can be unmarshaled from JSON/YAML strings.
// Bare numbers are seconds.
type Duration time.Duration

// GetDuration returns the duration or a default if empty.
func (d Duration) GetDuration(defaultValue time.Duration) time.Duration {
	if d == 0 {
		return defaultValue
	}
	return time.Duration(d)
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	// Remove quotes if present
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}

	if s == "" || s == "null" {
		*d = 0
		return nil
	}

	dur, err := ParseDurationString(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}

	dur, err := ParseDurationString(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// String returns the duration as a string.
func (d Duration) String() string {
	return time.Duration(d).String()
}
