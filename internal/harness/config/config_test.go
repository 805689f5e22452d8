package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/wesleyorama2/stampede/internal/harness"
	"github.com/wesleyorama2/stampede/internal/harness/executor"
)

const mappingYAML = `
name: order
settings:
  baseUrl: "http://localhost:8080/"
scenarios:
  zeta:
    executor: fixed-vu-single-shot
    vus: 10
    exec: without-singleflight
  alpha:
    executor: per-vu-iterations
    vus: 10
    startTime: 5
    exec: with-singleflight
    reset:
      policy: leader
  mid:
    executor: shared-iteration-pool
    vus: 2
    iterations: 100
    startTime: 1m30s
    exec: with-singleflight
    reset:
      policy: periodic
      every: 50
      coalesce: true
`

func TestParseConfig_MappingKeepsDeclarationOrder(t *testing.T) {
	cfg, err := ParseConfig([]byte(mappingYAML), "run.yaml")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	require.Len(t, cfg.Scenarios, 3)
	assert.Equal(t, "zeta", cfg.Scenarios[0].Name)
	assert.Equal(t, "alpha", cfg.Scenarios[1].Name)
	assert.Equal(t, "mid", cfg.Scenarios[2].Name)

	assert.Equal(t, 5*time.Second, time.Duration(cfg.Scenarios.Get("alpha").StartTime))
	assert.Equal(t, 90*time.Second, time.Duration(cfg.Scenarios.Get("mid").StartTime))
	assert.Nil(t, cfg.Scenarios.Get("missing"))
}

func TestParseConfig_List(t *testing.T) {
	data := `
settings:
  baseUrl: http://localhost:8080
scenarios:
  - name: second
    executor: per-vu-iterations
    vus: 1
    exec: with-singleflight
  - name: first
    executor: ramping-stages
    stages:
      - duration: 10s
        target: 5
    exec: without-singleflight
`
	cfg, err := ParseConfig([]byte(data), "run.yml")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "second", cfg.Scenarios[0].Name)
	assert.Equal(t, "first", cfg.Scenarios[1].Name)
	assert.Equal(t, 10*time.Second, time.Duration(cfg.Scenarios[1].Stages[0].Duration))
}

func TestParseConfig_JSONObjectOrder(t *testing.T) {
	data := `{
  "settings": {"baseUrl": "http://localhost:8080", "timeout": "5s"},
  "scenarios": {
    "b": {"executor": "per-vu-iterations", "vus": 3, "exec": "with-singleflight"},
    "a": {"executor": "per-vu-iterations", "vus": 3, "startTime": 2, "exec": "without-singleflight"}
  }
}`
	cfg, err := ParseConfig([]byte(data), "run.json")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	require.Len(t, cfg.Scenarios, 2)
	assert.Equal(t, "b", cfg.Scenarios[0].Name)
	assert.Equal(t, "a", cfg.Scenarios[1].Name)
	assert.Equal(t, 2*time.Second, time.Duration(cfg.Scenarios[1].StartTime))
	assert.Equal(t, 5*time.Second, time.Duration(cfg.Settings.Timeout))
}

func TestParseConfig_JSONArray(t *testing.T) {
	data := `{"settings": {"baseUrl": "http://h"}, "scenarios": [{"name": "x", "executor": "per-vu-iterations", "vus": 1, "exec": "with-singleflight"}]}`
	cfg, err := ParseConfig([]byte(data), "run.json")
	require.NoError(t, err)
	assert.Equal(t, "x", cfg.Scenarios[0].Name)
}

func TestParseConfig_Errors(t *testing.T) {
	_, err := ParseConfig([]byte("scenarios: 3"), "run.yaml")
	assert.Error(t, err)

	_, err = ParseConfig([]byte(`{"scenarios": 3}`), "run.json")
	assert.Error(t, err)

	_, err = ParseConfig([]byte("settings:\n  timeout: soon\n"), "run.yaml")
	assert.Error(t, err)
}

func TestParseConfig_NullScenario(t *testing.T) {
	inputs := map[string]string{
		"run.yaml": "scenarios:\n  - \n",
		"run.json": `{"scenarios":[null]}`,
	}
	for filename, data := range inputs {
		t.Run(filename, func(t *testing.T) {
			var cfg *TestConfig
			require.NotPanics(t, func() {
				var err error
				cfg, err = ParseConfig([]byte(data), filename)
				require.NoError(t, err)
			})
			require.Len(t, cfg.Scenarios, 1)
			assert.Nil(t, cfg.Scenarios.Get(""))

			err := cfg.Validate()
			var verrs *ValidationErrors
			require.True(t, errors.As(err, &verrs))
			assert.Contains(t, err.Error(), "scenarios[0]")
			assert.Contains(t, err.Error(), "scenario is empty")
		})
	}
}

func TestApplyDefaults_SetupRetries(t *testing.T) {
	cfg, err := ParseConfig([]byte("setup:\n  retries: 0\n"), "run.yaml")
	require.NoError(t, err)
	require.NotNil(t, cfg.Setup.Retries)
	assert.Equal(t, 0, *cfg.Setup.Retries)

	cfg, err = ParseConfig([]byte(`{"setup":{"retries":2}}`), "run.json")
	require.NoError(t, err)
	assert.Equal(t, 2, *cfg.Setup.Retries)

	cfg, err = ParseConfig([]byte("name: unset\n"), "run.yaml")
	require.NoError(t, err)
	assert.Equal(t, DefaultSetupRetries, *cfg.Setup.Retries)

	negative := -1
	cfg.Setup.Retries = &negative
	assert.ErrorContains(t, cfg.Validate(), "setup.retries")
}

func TestApplyDefaults(t *testing.T) {
	cfg, err := ParseConfig([]byte(mappingYAML), "run.yaml")
	require.NoError(t, err)

	assert.Equal(t, DefaultTimeout, time.Duration(cfg.Settings.Timeout))
	assert.Equal(t, PathClearCache, cfg.Settings.ResetPath)
	require.NotNil(t, cfg.Setup.ResetCache)
	assert.True(t, *cfg.Setup.ResetCache)
	require.NotNil(t, cfg.Setup.Retries)
	assert.Equal(t, DefaultSetupRetries, *cfg.Setup.Retries)
	assert.Equal(t, DefaultRetryInterval, time.Duration(cfg.Setup.RetryInterval))
	assert.Equal(t, DefaultSetupTimeout, time.Duration(cfg.Options.SetupTimeout))

	alpha := cfg.Scenarios.Get("alpha")
	assert.Equal(t, 1, alpha.Reset.Leader)
	require.NotNil(t, alpha.Reset.Barrier)
	assert.True(t, *alpha.Reset.Barrier)

	// Applying twice changes nothing.
	before := *cfg.Scenarios.Get("alpha").Reset
	ApplyDefaults(cfg)
	assert.Equal(t, before, *cfg.Scenarios.Get("alpha").Reset)
}

func TestApplyDefaults_ExecDefaultsToName(t *testing.T) {
	data := `
settings: {baseUrl: "http://h"}
scenarios:
  with-singleflight:
    executor: per-vu-iterations
    vus: 1
`
	cfg, err := ParseConfig([]byte(data), "run.yaml")
	require.NoError(t, err)
	assert.Equal(t, "with-singleflight", cfg.Scenarios[0].Exec)
	assert.NoError(t, cfg.Validate())
}

func TestValidate_CollectsEveryError(t *testing.T) {
	data := `
settings:
  timeout: 5s
scenarios:
  bad_exec:
    executor: constant-arrival-rate
    exec: with-singleflight
  no_vus:
    executor: per-vu-iterations
    exec: with-singleflight
  bad_target:
    executor: per-vu-iterations
    vus: 1
    exec: nowhere
  bad_reset:
    executor: per-vu-iterations
    vus: 2
    exec: without-singleflight
    reset:
      policy: leader
      leader: 5
  odd_reset:
    executor: per-vu-iterations
    vus: 2
    exec: without-singleflight
    reset:
      policy: sometimes
thresholds:
  checks:
    - "ratio > 0.9"
`
	cfg, err := ParseConfig([]byte(data), "run.yaml")
	require.NoError(t, err)

	err = cfg.Validate()
	require.Error(t, err)

	var verrs *ValidationErrors
	require.True(t, errors.As(err, &verrs))

	fields := make(map[string]bool)
	for _, e := range verrs.Errors {
		fields[e.Field] = true
	}
	assert.True(t, fields["scenarios.bad_exec.executor"], "%v", fields)
	assert.True(t, fields["scenarios.no_vus.vus"], "%v", fields)
	assert.True(t, fields["scenarios.bad_target.exec"], "%v", fields)
	assert.True(t, fields["scenarios.bad_reset.reset"], "%v", fields)
	assert.True(t, fields["scenarios.odd_reset.reset.policy"], "%v", fields)
	assert.True(t, fields["thresholds.checks[0]"], "%v", fields)
	// The built-in targets are relative and there is no base URL.
	assert.True(t, fields["scenarios.bad_reset.exec.url"], "%v", fields)
	assert.Contains(t, err.Error(), "validation errors:")
}

func TestValidate_EmptyAndDuplicate(t *testing.T) {
	cfg := &TestConfig{}
	ApplyDefaults(cfg)
	assert.Error(t, cfg.Validate())

	cfg = &TestConfig{
		Settings: GlobalSettings{BaseURL: "http://h"},
		Scenarios: ScenarioList{
			{Name: "a", Executor: "per-vu-iterations", VUs: 1, Exec: "with-singleflight"},
			{Name: "a", Executor: "per-vu-iterations", VUs: 1, Exec: "with-singleflight"},
		},
	}
	ApplyDefaults(cfg)
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate scenario name")
}

func TestValidate_Ceiling(t *testing.T) {
	cfg := &TestConfig{
		Settings: GlobalSettings{BaseURL: "http://h", Ceiling: Duration(20 * time.Second)},
		Scenarios: ScenarioList{
			{Name: "late", Executor: "per-vu-iterations", VUs: 1, Exec: "with-singleflight",
				StartTime: Duration(15 * time.Second), MaxDuration: Duration(10 * time.Second)},
		},
	}
	ApplyDefaults(cfg)
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds the run ceiling")

	cfg.Scenarios[0].StartTime = Duration(5 * time.Second)
	assert.NoError(t, cfg.Validate())
}

func TestValidate_BadCheck(t *testing.T) {
	cfg := &TestConfig{
		Settings: GlobalSettings{BaseURL: "http://h"},
		Targets: map[string]*TargetConfig{
			"custom": {URL: "/x", Checks: []CheckConfig{{Type: "json", Condition: "gt", Path: "a", Value: "lots"}}},
		},
		Scenarios: ScenarioList{{Name: "s", Executor: "per-vu-iterations", VUs: 1, Exec: "custom"}},
	}
	ApplyDefaults(cfg)
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "targets.custom.checks[0]")
}

func TestToExecutorConfig(t *testing.T) {
	sc := &ScenarioConfig{
		Name:         "ramp",
		Executor:     "ramping-stages",
		StartVUs:     2,
		Stages:       []StageConfig{{Duration: Duration(time.Second), Target: 10, Name: "up"}},
		StartTime:    Duration(3 * time.Second),
		GracefulStop: Duration(time.Second),
		Pacing:       &PacingConfig{Type: "random", Min: Duration(time.Millisecond), Max: Duration(2 * time.Millisecond)},
	}
	cfg, err := ToExecutorConfig(sc)
	require.NoError(t, err)

	assert.Equal(t, executor.TypeRampingVUs, cfg.Type())
	assert.Equal(t, 10, cfg.MaxVUs())
	assert.Equal(t, 3*time.Second, cfg.StartTime)
	assert.Equal(t, executor.PacingRandom, cfg.Pacing.Type)
	profile := cfg.Profile.(executor.RampingVUs)
	assert.Equal(t, "up", profile.Stages[0].Name)

	_, err = ToExecutorConfig(&ScenarioConfig{Executor: "nope"})
	assert.Error(t, err)

	shared, err := ToExecutorConfig(&ScenarioConfig{Executor: "shared-iteration-pool", VUs: 4, Iterations: 40})
	require.NoError(t, err)
	assert.Equal(t, executor.SharedIterations{VUs: 4, Iterations: 40}, shared.Profile)
}

func TestScenarioConfig_ResetPolicy(t *testing.T) {
	off := false
	tests := []struct {
		name  string
		reset *ResetConfig
		want  harness.ResetPolicy
	}{
		{"none", nil, harness.NoReset()},
		{"empty policy", &ResetConfig{}, harness.NoReset()},
		{"leader defaults", &ResetConfig{Policy: "leader"}, harness.LeaderOnly(1)},
		{"leader no barrier", &ResetConfig{Policy: "leader", Leader: 3, Barrier: &off},
			harness.ResetPolicy{Kind: harness.ResetLeader, Leader: 3}},
		{"periodic", &ResetConfig{Policy: "periodic", Every: 50, Coalesce: true},
			harness.ResetPolicy{Kind: harness.ResetPeriodic, Every: 50, Coalesce: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sc := &ScenarioConfig{Reset: tt.reset}
			assert.Equal(t, tt.want, sc.ResetPolicy())
		})
	}
}

func TestBuildScenario(t *testing.T) {
	cfg, err := ParseConfig([]byte(mappingYAML), "run.yaml")
	require.NoError(t, err)
	cfg.Settings.UserAgent = "stampede-test"
	cfg.Settings.Headers = map[string]string{"X-Env": "{{env}}"}
	cfg.Variables = map[string]string{"env": "ci"}

	scenario, err := cfg.BuildScenario(cfg.Scenarios.Get("alpha"))
	require.NoError(t, err)

	assert.Equal(t, "alpha", scenario.Name)
	assert.Equal(t, "http://localhost:8080/api/with-singleflight", scenario.Target.URL)
	assert.Equal(t, "GET", scenario.Target.Method)
	assert.Equal(t, "ci", scenario.Target.Headers["X-Env"])
	assert.Equal(t, "stampede-test", scenario.Target.Headers["User-Agent"])
	assert.Len(t, scenario.Target.Checks, 2)
	assert.Equal(t, harness.ResetLeader, scenario.Reset.Kind)
	require.NotNil(t, scenario.ResetTarget)
	assert.Equal(t, "http://localhost:8080/api/clear-cache", scenario.ResetTarget.URL)

	zeta, err := cfg.BuildScenario(cfg.Scenarios.Get("zeta"))
	require.NoError(t, err)
	assert.Nil(t, zeta.ResetTarget)

	_, err = cfg.BuildScenario(&ScenarioConfig{Name: "x", Exec: "nowhere"})
	assert.Error(t, err)
}

func TestHTTPClientConfig(t *testing.T) {
	cfg := &TestConfig{
		Settings: GlobalSettings{Timeout: Duration(5 * time.Second), MaxConnectionsPerHost: 100},
		Options:  &ExecutionOptions{NoVUConnectionReuse: true},
	}
	httpCfg := cfg.HTTPClientConfig()
	assert.Equal(t, 5*time.Second, httpCfg.Timeout)
	assert.Equal(t, 100, httpCfg.MaxConnsPerHost)
	assert.False(t, httpCfg.UseSharedClient)
}

func TestMetricsURL(t *testing.T) {
	cfg := &TestConfig{Settings: GlobalSettings{BaseURL: "http://h:9"}}
	assert.Empty(t, cfg.MetricsURL())
	cfg.Backend.MetricsPath = "/metrics"
	assert.Equal(t, "http://h:9/metrics", cfg.MetricsURL())
}

func TestDefaultComparison(t *testing.T) {
	opts := DefaultComparisonOptions()
	cfg := DefaultComparison("http://localhost:8080", opts)
	require.NoError(t, cfg.Validate())

	require.Len(t, cfg.Scenarios, 2)
	first, second := cfg.Scenarios[0], cfg.Scenarios[1]
	assert.Equal(t, "without_sf", first.Name)
	assert.Equal(t, "with_sf", second.Name)
	assert.Equal(t, 1000, second.VUs)
	assert.Equal(t, 10*time.Second, time.Duration(second.StartTime))
	assert.Equal(t, harness.LeaderOnly(1), second.ResetPolicy())
	assert.Equal(t, harness.NoReset(), first.ResetPolicy())
	assert.Equal(t, "http://localhost:8080/metrics", cfg.MetricsURL())
	assert.ElementsMatch(t, DefaultBackendCounters, cfg.Backend.Counters)

	opts.Probe = false
	assert.Empty(t, DefaultComparison("http://h", opts).MetricsURL())
}

func TestParseDurationString(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"", 0, false},
		{"30", 30 * time.Second, false},
		{"1m30s", 90 * time.Second, false},
		{" 250ms ", 250 * time.Millisecond, false},
		{"soon", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseDurationString(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestResolveURL(t *testing.T) {
	settings := &GlobalSettings{BaseURL: "http://h:8080/"}
	vars := map[string]string{"id": "7"}

	assert.Equal(t, "http://h:8080/p/7", ResolveURL("/p/{{id}}", vars, settings))
	assert.Equal(t, "http://h:8080/p", ResolveURL("{{baseUrl}}/p", vars, settings))
	assert.Equal(t, "http://other/p", ResolveURL("http://other/p", vars, settings))
	assert.Equal(t, "/p", ResolveURL("/p", nil, &GlobalSettings{}))
}

func TestLoadConfig_Examples(t *testing.T) {
	files, err := filepath.Glob(filepath.Join("..", "..", "..", "examples", "*.yaml"))
	require.NoError(t, err)
	require.NotEmpty(t, files)

	for _, file := range files {
		t.Run(filepath.Base(file), func(t *testing.T) {
			cfg, err := LoadConfig(file)
			require.NoError(t, err)
			assert.NoError(t, cfg.Validate())
		})
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestScenarioList_MarshalYAMLKeepsOrder(t *testing.T) {
	cfg, err := ParseConfig([]byte(mappingYAML), "run.yaml")
	require.NoError(t, err)

	out, err := yaml.Marshal(cfg)
	require.NoError(t, err)

	again, err := ParseConfig(out, "again.yaml")
	require.NoError(t, err)
	require.NoError(t, again.Validate())

	var names []string
	for _, sc := range again.Scenarios {
		names = append(names, sc.Name)
	}
	assert.Equal(t, []string{"zeta", "alpha", "mid"}, names)
	assert.Equal(t, 90*time.Second, time.Duration(again.Scenarios.Get("mid").StartTime))
	assert.Equal(t, 50, again.Scenarios.Get("mid").Reset.Every)
}
