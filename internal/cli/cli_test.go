package cli

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesleyorama2/stampede/internal/harness/engine"
	"github.com/wesleyorama2/stampede/internal/stampedetest"
)

// resetFlags restores every flag of cmd and its subcommands to its default,
// since the command tree is shared between tests.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, sub := range cmd.Commands() {
		resetFlags(sub)
	}
}

func executeCommand(args ...string) (stdout, stderr string, err error) {
	resetFlags(RootCmd)

	var out, errOut bytes.Buffer
	RootCmd.SetOut(&out)
	RootCmd.SetErr(&errOut)
	RootCmd.SetArgs(args)
	err = RootCmd.Execute()
	return out.String(), errOut.String(), err
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stampede.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestRootCommand_Help(t *testing.T) {
	stdout, _, err := executeCommand()
	require.NoError(t, err)

	assert.Contains(t, stdout, "Stampede drives bursts")
	for _, sub := range []string{"run", "compare", "validate", "executors", "target", "history"} {
		assert.Contains(t, stdout, sub)
	}
}

func TestValidateCommand(t *testing.T) {
	stdout, _, err := executeCommand("validate", "--config", "../../examples/comparison.yaml")
	require.NoError(t, err)
	assert.Contains(t, stdout, "is valid (2 scenarios)")
	assert.Contains(t, stdout, "without_sf")
	assert.Contains(t, stdout, "reset=leader")

	// The path can also be given as an argument.
	stdout, _, err = executeCommand("validate", "../../examples/periodic-reset.yaml")
	require.NoError(t, err)
	assert.Contains(t, stdout, "is valid")
}

func TestValidateCommand_Invalid(t *testing.T) {
	path := writeConfig(t, `
scenarios:
  broken:
    executor: fixed-vu-single-shot
    vus: 0
    exec: nowhere
`)
	_, _, err := executeCommand("validate", "-c", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "is invalid")
	assert.Contains(t, err.Error(), "scenarios.broken.vus")

	_, _, err = executeCommand("validate")
	assert.EqualError(t, err, "--config is required")
}

func TestExecutorsCommand(t *testing.T) {
	stdout, _, err := executeCommand("executors")
	require.NoError(t, err)

	assert.Contains(t, stdout, "per-vu-iterations (alias fixed-vu-single-shot)")
	assert.Contains(t, stdout, "shared-iterations")
	assert.Contains(t, stdout, "ramping-vus")
}

const runYAML = `
name: cli run
settings:
  baseUrl: %q
backend:
  metricsPath: /metrics
scenarios:
  burst:
    executor: per-vu-iterations
    vus: 10
    exec: with-singleflight
    backend:
      endpoint: with_singleflight
`

func TestRunCommand_JSONAndHistory(t *testing.T) {
	server := stampedetest.NewServer(stampedetest.Options{})
	defer server.Close()

	dir := t.TempDir()
	configPath := writeConfig(t, fmt.Sprintf(runYAML, server.URL))
	reportPath := filepath.Join(dir, "report.json")
	recordsPath := filepath.Join(dir, "records.jsonl")
	historyPath := filepath.Join(dir, "history.db")

	stdout, _, err := executeCommand("run",
		"--config", configPath,
		"--json",
		"--out", reportPath,
		"--jsonl", recordsPath,
		"--history", historyPath,
		"--log-level", "error",
	)
	require.NoError(t, err)

	var report engine.RunReport
	require.NoError(t, json.Unmarshal([]byte(stdout), &report))
	assert.True(t, report.Passed)
	require.Len(t, report.Scenarios, 1)
	assert.Equal(t, int64(10), report.Scenarios[0].Requests)
	assert.Equal(t, 1.0, report.Scenarios[0].Backend["db_calls_total"])

	_, err = os.Stat(reportPath)
	assert.NoError(t, err)

	records, err := os.Open(recordsPath)
	require.NoError(t, err)
	defer records.Close()
	lines := 0
	scanner := bufio.NewScanner(records)
	for scanner.Scan() {
		assert.Contains(t, scanner.Text(), report.RunID)
		lines++
	}
	assert.Equal(t, 10, lines)

	stdout, _, err = executeCommand("history", "--db", historyPath)
	require.NoError(t, err)
	assert.Contains(t, stdout, report.RunID)
	assert.Contains(t, stdout, "PASSED")
	assert.Contains(t, stdout, "fills[burst=1]")

	stdout, _, err = executeCommand("history", "show", report.RunID, "--db", historyPath, "--no-color")
	require.NoError(t, err)
	assert.Contains(t, stdout, "cli run - Completed")

	_, _, err = executeCommand("history", "show", "missing", "--db", historyPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestRunCommand_FailedThreshold(t *testing.T) {
	server := stampedetest.NewServer(stampedetest.Options{})
	defer server.Close()

	configPath := writeConfig(t, fmt.Sprintf(`
settings:
  baseUrl: %q
scenarios:
  burst:
    executor: per-vu-iterations
    vus: 2
    exec: with-singleflight
thresholds:
  http_reqs:
    - "count > 100"
`, server.URL))

	stdout, _, err := executeCommand("run", "-c", configPath, "--quiet")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRunFailed))
	assert.Equal(t, "FAILED\n", stdout)
}

func TestRunCommand_SetupFailure(t *testing.T) {
	server := stampedetest.NewServer(stampedetest.Options{ResetStatus: 500})
	defer server.Close()

	configPath := writeConfig(t, fmt.Sprintf(`
settings:
  baseUrl: %q
setup:
  retries: 1
  retryInterval: 1ms
scenarios:
  burst:
    executor: per-vu-iterations
    vus: 2
    exec: with-singleflight
`, server.URL))

	stdout, _, err := executeCommand("run", "-c", configPath, "--no-color", "--log-level", "error")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRunFailed))
	assert.Contains(t, stdout, "setup cache reset failed")
	assert.Equal(t, int64(0), server.DBCalls(stampedetest.EndpointWith))
}

func TestRunCommand_BaseURLOverride(t *testing.T) {
	server := stampedetest.NewServer(stampedetest.Options{})
	defer server.Close()

	configPath := writeConfig(t, fmt.Sprintf(runYAML, "http://127.0.0.1:1"))
	stdout, _, err := executeCommand("run", "-c", configPath, "--base-url", server.URL, "--quiet")
	require.NoError(t, err)
	assert.Equal(t, "PASSED\n", stdout)
	assert.Equal(t, int64(1), server.Resets())
}

func TestRunCommand_Errors(t *testing.T) {
	_, _, err := executeCommand("run")
	assert.EqualError(t, err, "--config is required")

	_, _, err = executeCommand("run", "-c", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	configPath := writeConfig(t, fmt.Sprintf(runYAML, "http://127.0.0.1:1"))
	_, _, err = executeCommand("run", "-c", configPath, "--log-level", "loud")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loud")
}

func TestCompareCommand(t *testing.T) {
	server := stampedetest.NewServer(stampedetest.Options{DBLatency: 50 * time.Millisecond})
	defer server.Close()

	stdout, _, err := executeCommand("compare",
		"--base-url", server.URL+"/",
		"--vus", "20",
		"--gap", "500ms",
		"--max-duration", "10s",
		"--min-check-rate", "0.99",
		"--json",
		"--log-level", "error",
	)
	require.NoError(t, err)

	var report engine.RunReport
	require.NoError(t, json.Unmarshal([]byte(stdout), &report))
	require.Len(t, report.Scenarios, 2)
	assert.Equal(t, "without_sf", report.Scenarios[0].Name)
	assert.Equal(t, "with_sf", report.Scenarios[1].Name)
	assert.Equal(t, int64(1), report.Scenarios[1].ResetCalls)
	require.Len(t, report.Thresholds, 1)
	assert.Equal(t, "rate >= 0.99", report.Thresholds[0].Expression)
	assert.Equal(t, int64(1), server.DBCalls(stampedetest.EndpointWith))
}

func TestFormatFills(t *testing.T) {
	assert.Equal(t, "", formatFills(nil))
	assert.Equal(t, " fills[with_sf=1 without_sf=734]", formatFills(map[string]float64{"without_sf": 734, "with_sf": 1}))
}

func TestReadRunOptions_LogFile(t *testing.T) {
	resetFlags(RootCmd)
	path := filepath.Join(t.TempDir(), "stampede.log")
	require.NoError(t, runCmd.Flags().Set("log-file", path))
	require.NoError(t, runCmd.Flags().Set("quiet", "true"))

	opts, err := readRunOptions(runCmd)
	require.NoError(t, err)
	assert.Equal(t, "both", opts.log.Output)
	assert.Equal(t, path, opts.log.FilePath)
	assert.Equal(t, "error", opts.log.Level)
	assert.True(t, opts.quiet)
	assert.True(t, strings.HasSuffix(opts.log.FilePath, "stampede.log"))
	resetFlags(RootCmd)
}
