package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/wesleyorama2/stampede/internal/harness"
	"github.com/wesleyorama2/stampede/internal/harness/executor"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors struct {
	Errors []*ValidationError
}

func (e *ValidationErrors) Error() string {
	if len(e.Errors) == 0 {
		return "no validation errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e.Errors)))
	for i, err := range e.Errors {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// Add adds an error to the collection.
func (e *ValidationErrors) Add(field, message string) {
	e.Errors = append(e.Errors, &ValidationError{Field: field, Message: message})
}

// HasErrors returns true if there are any errors.
func (e *ValidationErrors) HasErrors() bool {
	return len(e.Errors) > 0
}

// Validate validates the entire configuration.
//
// Returns nil if valid, or a *ValidationErrors containing all validation
// errors.
func (c *TestConfig) Validate() error {
	errs := &ValidationErrors{}

	validateSettings(&c.Settings, errs)

	if c.Setup.Retries != nil && *c.Setup.Retries < 0 {
		errs.Add("setup.retries", "cannot be negative")
	}

	if len(c.Scenarios) == 0 {
		errs.Add("scenarios", "at least one scenario is required")
	}

	seen := make(map[string]bool, len(c.Scenarios))
	for i, sc := range c.Scenarios {
		if sc == nil {
			errs.Add(fmt.Sprintf("scenarios[%d]", i), "scenario is empty")
			continue
		}
		if sc.Name == "" {
			errs.Add(fmt.Sprintf("scenarios[%d].name", i), "name is required")
		} else if seen[sc.Name] {
			errs.Add("scenarios."+sc.Name, "duplicate scenario name")
		}
		seen[sc.Name] = true
		c.validateScenario(sc, errs)
	}

	for name, tc := range c.Targets {
		c.validateTarget("targets."+name, tc, errs)
	}

	if c.Thresholds != nil {
		validateThresholds(c.Thresholds, errs)
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}

// validateScenario validates a single scenario configuration.
func (c *TestConfig) validateScenario(sc *ScenarioConfig, errs *ValidationErrors) {
	prefix := fmt.Sprintf("scenarios.%s", sc.Name)

	if sc.VUs < 0 {
		errs.Add(prefix+".vus", "vus cannot be negative")
	}
	if sc.Iterations < 0 {
		errs.Add(prefix+".iterations", "iterations cannot be negative")
	}

	if sc.Executor == "" {
		errs.Add(prefix+".executor", "executor type is required")
		return
	}
	if _, ok := executor.NormalizeType(sc.Executor); !ok {
		errs.Add(prefix+".executor", fmt.Sprintf("unknown executor type: %s", sc.Executor))
		return
	}

	execCfg, err := ToExecutorConfig(sc)
	if err != nil {
		errs.Add(prefix, err.Error())
		return
	}
	if err := execCfg.Validate(); err != nil {
		if ve, ok := err.(*executor.ValidationError); ok {
			errs.Add(prefix+"."+ve.Field, ve.Message)
		} else {
			errs.Add(prefix, err.Error())
		}
		return
	}

	if tc, ok := c.LookupTarget(sc.Exec); !ok {
		errs.Add(prefix+".exec", fmt.Sprintf("unknown target: %s", sc.Exec))
	} else if _, declared := c.Targets[sc.Exec]; !declared {
		c.validateTarget(prefix+".exec", tc, errs)
	}

	if sc.Reset != nil {
		switch sc.Reset.Policy {
		case "", "none", "leader", "periodic":
			if err := sc.ResetPolicy().Validate(execCfg.MaxVUs()); err != nil {
				errs.Add(prefix+".reset", err.Error())
			}
		default:
			errs.Add(prefix+".reset.policy", fmt.Sprintf("unknown reset policy: %s", sc.Reset.Policy))
		}
	}

	if ceiling := time.Duration(c.Settings.Ceiling); ceiling > 0 {
		window := *execCfg
		window.ApplyDefaults()
		end := window.StartTime + window.TotalDuration()
		if end > ceiling {
			errs.Add(prefix, fmt.Sprintf("startTime + maxDuration (%s) exceeds the run ceiling %s", end, ceiling))
		}
	}
}

// validateTarget validates a target and compiles its checks.
func (c *TestConfig) validateTarget(prefix string, tc *TargetConfig, errs *ValidationErrors) {
	if tc == nil {
		errs.Add(prefix, "target is empty")
		return
	}

	validMethods := map[string]bool{
		"": true, "GET": true, "POST": true, "PUT": true, "DELETE": true,
		"PATCH": true, "HEAD": true, "OPTIONS": true,
	}
	if !validMethods[strings.ToUpper(tc.Method)] {
		errs.Add(prefix+".method", fmt.Sprintf("invalid HTTP method: %s", tc.Method))
	}

	if tc.URL == "" {
		errs.Add(prefix+".url", "url is required")
	} else {
		resolved := ResolveURL(tc.URL, c.Variables, &c.Settings)
		if strings.Contains(resolved, "{{") {
			errs.Add(prefix+".url", "url has unresolved variables")
		} else if u, err := url.Parse(resolved); err != nil {
			errs.Add(prefix+".url", fmt.Sprintf("invalid URL: %v", err))
		} else if u.Scheme == "" || u.Host == "" {
			errs.Add(prefix+".url", "url must be absolute or settings.baseUrl must be set")
		}
	}

	for i, cc := range tc.Checks {
		if _, err := harness.BuildCheck(cc.spec()); err != nil {
			errs.Add(fmt.Sprintf("%s.checks[%d]", prefix, i), err.Error())
		}
	}
}

// validateThresholds validates threshold configuration.
func validateThresholds(t *ThresholdsConfig, errs *ValidationErrors) {
	groups := []struct {
		field string
		exprs []string
	}{
		{"thresholds.http_req_duration", t.HTTPReqDuration},
		{"thresholds.http_req_failed", t.HTTPReqFailed},
		{"thresholds.http_reqs", t.HTTPReqs},
		{"thresholds.checks", t.Checks},
	}
	for _, group := range groups {
		for i, threshold := range group.exprs {
			if err := validateThresholdExpression(threshold); err != nil {
				errs.Add(fmt.Sprintf("%s[%d]", group.field, i), err.Error())
			}
		}
	}

	if r := t.MaxFailedCheckRatio; r != nil && (*r < 0 || *r > 1) {
		errs.Add("thresholds.maxFailedCheckRatio", "must be between 0 and 1")
	}
}

// validateThresholdExpression validates a threshold expression.
//
// Valid formats:
//   - "p95 < 500ms"
//   - "avg < 200ms"
//   - "rate < 0.01"
//   - "count > 1000"
func validateThresholdExpression(expr string) error {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return fmt.Errorf("threshold expression cannot be empty")
	}

	// Valid metrics
	validMetrics := []string{"p50", "p90", "p95", "p99", "min", "max", "avg", "med", "rate", "count"}

	// Valid operators
	validOps := []string{"<", ">", "<=", ">=", "==", "!="}

	found := false
	for _, metric := range validMetrics {
		if strings.HasPrefix(expr, metric) {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("threshold must start with a valid metric (p50, p90, p95, p99, min, max, avg, med, rate, count)")
	}

	hasOp := false
	for _, op := range validOps {
		if strings.Contains(expr, op) {
			hasOp = true
			break
		}
	}
	if !hasOp {
		return fmt.Errorf("threshold must contain a comparison operator (<, >, <=, >=, ==, !=)")
	}

	return nil
}

// validateSettings validates global settings.
func validateSettings(s *GlobalSettings, errs *ValidationErrors) {
	if s.BaseURL != "" {
		if _, err := url.Parse(s.BaseURL); err != nil {
			errs.Add("settings.baseUrl", fmt.Sprintf("invalid URL: %v", err))
		}
	}

	if s.Timeout < 0 {
		errs.Add("settings.timeout", "cannot be negative")
	}
	if s.Ceiling < 0 {
		errs.Add("settings.ceiling", "cannot be negative")
	}
	if s.MaxConnectionsPerHost < 0 {
		errs.Add("settings.maxConnectionsPerHost", "cannot be negative")
	}
	if s.MaxIdleConnsPerHost < 0 {
		errs.Add("settings.maxIdleConnsPerHost", "cannot be negative")
	}
}
