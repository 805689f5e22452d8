package engine

import (
	"time"

	"github.com/wesleyorama2/stampede/internal/harness"
	"github.com/wesleyorama2/stampede/internal/harness/metrics"
)

// Diagnosis summarizes why a scenario's requests failed, if they did.
type Diagnosis string

const (
	// DiagnosisOK means every request got a response and passed its checks.
	DiagnosisOK Diagnosis = "ok"
	// DiagnosisUnreachable means failures were transport errors only.
	DiagnosisUnreachable Diagnosis = "target unreachable"
	// DiagnosisUnexpected means responses arrived but checks rejected some.
	DiagnosisUnexpected Diagnosis = "unexpected result"
	// DiagnosisMixed means both kinds of failure happened.
	DiagnosisMixed Diagnosis = "mixed"
	// DiagnosisIdle means the scenario sent no request.
	DiagnosisIdle Diagnosis = "idle"
)

func diagnose(c metrics.Counts) Diagnosis {
	switch {
	case c.Requests == 0:
		return DiagnosisIdle
	case c.TransportErrors == 0 && c.CheckFailures == 0:
		return DiagnosisOK
	case c.CheckFailures == 0:
		return DiagnosisUnreachable
	case c.TransportErrors == 0:
		return DiagnosisUnexpected
	default:
		return DiagnosisMixed
	}
}

// ScenarioReport contains the results of a single scenario.
type ScenarioReport struct {
	Name     string `json:"name"`
	Executor string `json:"executor"`
	Target   string `json:"target"`
	URL      string `json:"url"`

	StartOffset time.Duration `json:"startOffset"`
	LaunchSeq   int           `json:"launchSeq"`
	LaunchedAt  time.Time     `json:"launchedAt,omitempty"`
	Duration    time.Duration `json:"duration"`
	Skipped     bool          `json:"skipped,omitempty"`

	VUs        int   `json:"vus"`
	Iterations int64 `json:"iterations"`

	// Request outcome counts
	metrics.Counts

	Checks      map[string]metrics.CheckTally `json:"checks"`
	StatusCodes map[int]int64                 `json:"statusCodes"`
	Latency     metrics.LatencyStats          `json:"latency"`

	ResetCalls    int64 `json:"resetCalls"`
	ResetFailures int64 `json:"resetFailures"`

	Overrun *harness.SchedulingOverrun `json:"overrun,omitempty"`

	// Backend holds the probe counter deltas over the scenario's run
	Backend map[string]float64 `json:"backend,omitempty"`

	Diagnosis Diagnosis `json:"diagnosis"`
	Error     string    `json:"error,omitempty"`
}

// AssertionFailures returns how many requests got a response that failed a
// check.
func (r *ScenarioReport) AssertionFailures() int64 {
	return r.CheckFailures
}

// RunReport contains the complete run results. It is not modified after Run
// returns it.
type RunReport struct {
	RunID       string        `json:"runId"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	StartTime   time.Time     `json:"startTime"`
	EndTime     time.Time     `json:"endTime"`
	Duration    time.Duration `json:"duration"`

	// Scenarios are in declaration order
	Scenarios []*ScenarioReport `json:"scenarios"`

	// Checks aggregates every check across all scenarios
	Checks map[string]metrics.CheckTally `json:"checks"`

	// Totals aggregates every scenario
	Totals *metrics.Snapshot `json:"totals"`

	// SetupResets counts reset requests sent during setup, including retries
	SetupResets int64 `json:"setupResets"`

	// Threshold evaluation
	Passed     bool              `json:"passed"`
	Thresholds []ThresholdResult `json:"thresholds,omitempty"`

	Warnings []string `json:"warnings,omitempty"`

	// Error is set when the run was aborted
	Error string `json:"error,omitempty"`
}

// Scenario returns the report of the named scenario, or nil.
func (r *RunReport) Scenario(name string) *ScenarioReport {
	for _, s := range r.Scenarios {
		if s.Name == name {
			return s
		}
	}
	return nil
}
