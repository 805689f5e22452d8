package config

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/wesleyorama2/stampede/internal/harness"
	"github.com/wesleyorama2/stampede/internal/harness/executor"
)

// ToExecutorConfig converts a ScenarioConfig to an executor.Config.
func ToExecutorConfig(sc *ScenarioConfig) (*executor.Config, error) {
	execType, ok := executor.NormalizeType(sc.Executor)
	if !ok {
		return nil, fmt.Errorf("unknown executor type: %s", sc.Executor)
	}

	cfg := &executor.Config{
		Name:         sc.Name,
		StartTime:    time.Duration(sc.StartTime),
		MaxDuration:  time.Duration(sc.MaxDuration),
		GracefulStop: time.Duration(sc.GracefulStop),
	}

	switch execType {
	case executor.TypePerVUIterations:
		cfg.Profile = executor.PerVUIterations{VUs: sc.VUs, Iterations: sc.Iterations}
	case executor.TypeSharedIterations:
		cfg.Profile = executor.SharedIterations{VUs: sc.VUs, Iterations: sc.Iterations}
	case executor.TypeRampingVUs:
		profile := executor.RampingVUs{StartVUs: sc.StartVUs}
		for _, stage := range sc.Stages {
			profile.Stages = append(profile.Stages, executor.Stage{
				Duration: time.Duration(stage.Duration),
				Target:   stage.Target,
				Name:     stage.Name,
			})
		}
		cfg.Profile = profile
	}

	if sc.Pacing != nil {
		cfg.Pacing = &executor.PacingConfig{
			Type:     executor.PacingType(sc.Pacing.Type),
			Duration: time.Duration(sc.Pacing.Duration),
			Min:      time.Duration(sc.Pacing.Min),
			Max:      time.Duration(sc.Pacing.Max),
		}
	}

	return cfg, nil
}

// ResetPolicy converts the scenario's reset block.
func (sc *ScenarioConfig) ResetPolicy() harness.ResetPolicy {
	if sc.Reset == nil {
		return harness.NoReset()
	}
	policy := harness.ResetPolicy{
		Kind:     harness.ResetPolicyKind(sc.Reset.Policy),
		Leader:   sc.Reset.Leader,
		Every:    sc.Reset.Every,
		Coalesce: sc.Reset.Coalesce,
	}
	if policy.Kind == "" {
		policy.Kind = harness.ResetNone
	}
	if policy.Kind == harness.ResetLeader {
		if policy.Leader == 0 {
			policy.Leader = 1
		}
		policy.Barrier = sc.Reset.Barrier == nil || *sc.Reset.Barrier
	}
	return policy
}

// LookupTarget returns the named target, falling back to the built-ins.
func (c *TestConfig) LookupTarget(name string) (*TargetConfig, bool) {
	if tc, ok := c.Targets[name]; ok && tc != nil {
		return tc, true
	}
	tc, ok := BuiltinTargets()[name]
	return tc, ok
}

// BuildTarget resolves the named target into a harness.Target with compiled
// checks.
func (c *TestConfig) BuildTarget(name string) (*harness.Target, error) {
	tc, ok := c.LookupTarget(name)
	if !ok {
		return nil, fmt.Errorf("unknown target: %s", name)
	}

	target := &harness.Target{
		Name:    name,
		Method:  strings.ToUpper(tc.Method),
		URL:     ResolveURL(tc.URL, c.Variables, &c.Settings),
		Body:    ResolveVariables(tc.Body, c.Variables, &c.Settings),
		Timeout: time.Duration(tc.Timeout),
		Headers: c.headers(tc.Headers),
	}
	if target.Method == "" {
		target.Method = http.MethodGet
	}

	for i, cc := range tc.Checks {
		check, err := harness.BuildCheck(cc.spec())
		if err != nil {
			return nil, fmt.Errorf("target %s check %d: %w", name, i, err)
		}
		target.Checks = append(target.Checks, check)
	}
	return target, nil
}

// ResetTarget returns the cache reset request.
func (c *TestConfig) ResetTarget() *harness.Target {
	return &harness.Target{
		Name:    "clear-cache",
		Method:  http.MethodGet,
		URL:     ResolveURL(c.Settings.ResetPath, c.Variables, &c.Settings),
		Headers: c.headers(nil),
		Timeout: time.Duration(c.Settings.Timeout),
	}
}

// MetricsURL returns the backend probe URL, or "" when probing is off.
func (c *TestConfig) MetricsURL() string {
	if c.Backend.MetricsPath == "" {
		return ""
	}
	return ResolveURL(c.Backend.MetricsPath, c.Variables, &c.Settings)
}

// BuildScenario resolves a scenario's target and reset policy.
func (c *TestConfig) BuildScenario(sc *ScenarioConfig) (*harness.Scenario, error) {
	target, err := c.BuildTarget(sc.Exec)
	if err != nil {
		return nil, fmt.Errorf("scenario %s: %w", sc.Name, err)
	}
	scenario := &harness.Scenario{
		Name:   sc.Name,
		Target: target,
		Reset:  sc.ResetPolicy(),
		Tags:   sc.Tags,
	}
	if scenario.Reset.Kind != harness.ResetNone {
		scenario.ResetTarget = c.ResetTarget()
	}
	return scenario, nil
}

// HTTPClientConfig derives the harness HTTP client settings.
func (c *TestConfig) HTTPClientConfig() harness.HTTPClientConfig {
	httpCfg := harness.DefaultHTTPClientConfig()
	httpCfg.Timeout = c.Settings.Timeout.GetDuration(DefaultTimeout)
	if c.Settings.MaxConnectionsPerHost > 0 {
		httpCfg.MaxConnsPerHost = c.Settings.MaxConnectionsPerHost
	}
	if c.Settings.MaxIdleConnsPerHost > 0 {
		httpCfg.MaxIdleConnsPerHost = c.Settings.MaxIdleConnsPerHost
	}
	httpCfg.InsecureSkipVerify = c.Settings.InsecureSkipVerify
	if c.Options != nil && c.Options.NoVUConnectionReuse {
		httpCfg.UseSharedClient = false
	}
	return httpCfg
}

func (c *TestConfig) headers(specific map[string]string) map[string]string {
	headers := make(map[string]string, len(c.Settings.Headers)+len(specific)+1)
	if c.Settings.UserAgent != "" {
		headers["User-Agent"] = c.Settings.UserAgent
	}
	for k, v := range c.Settings.Headers {
		headers[k] = ResolveVariables(v, c.Variables, &c.Settings)
	}
	for k, v := range specific {
		headers[k] = ResolveVariables(v, c.Variables, &c.Settings)
	}
	return headers
}

func (cc CheckConfig) spec() harness.CheckSpec {
	value := cc.Value
	if cc.Type == "schema" && cc.Schema != "" {
		value = cc.Schema
	}
	return harness.CheckSpec{
		Name:      cc.Name,
		Type:      cc.Type,
		Condition: cc.Condition,
		Value:     value,
		Path:      cc.Path,
	}
}
