package engine

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/wesleyorama2/stampede/internal/harness/config"
	"github.com/wesleyorama2/stampede/internal/harness/metrics"
)

// ThresholdResult contains the result of a threshold evaluation.
type ThresholdResult struct {
	Metric     string `json:"metric"`
	Expression string `json:"expression"`
	Passed     bool   `json:"passed"`
	Value      string `json:"value"`
	Message    string `json:"message,omitempty"`
}

var thresholdPattern = regexp.MustCompile(`^(\w+)\s*([<>=!]+)\s*(.+)$`)

// evaluateThresholds evaluates all configured thresholds against the run
// totals. elapsed is used for request rates.
func evaluateThresholds(t *config.ThresholdsConfig, snapshot *metrics.Snapshot, elapsed time.Duration) []ThresholdResult {
	if t == nil {
		return nil
	}

	var results []ThresholdResult
	for _, expr := range t.HTTPReqDuration {
		results = append(results, evaluateDurationThreshold(expr, snapshot))
	}
	for _, expr := range t.HTTPReqFailed {
		results = append(results, evaluateRateThreshold("http_req_failed", expr, snapshot.ErrorRate()))
	}
	for _, expr := range t.HTTPReqs {
		results = append(results, evaluateRequestsThreshold(expr, snapshot, elapsed))
	}
	for _, expr := range t.Checks {
		results = append(results, evaluateRateThreshold("checks", expr, snapshot.CheckTotals().PassRate()))
	}
	if t.MaxFailedCheckRatio != nil {
		results = append(results, evaluateFailedCheckRatio(*t.MaxFailedCheckRatio, snapshot))
	}
	return results
}

// evaluateDurationThreshold evaluates a duration threshold expression.
func evaluateDurationThreshold(expr string, snapshot *metrics.Snapshot) ThresholdResult {
	result := ThresholdResult{
		Metric:     "http_req_duration",
		Expression: expr,
	}

	// Parse expression like "p95 < 500ms"
	metric, op, valueStr, err := parseThresholdExpression(expr)
	if err != nil {
		result.Message = fmt.Sprintf("failed to parse expression: %v", err)
		return result
	}

	var actualValue time.Duration
	switch metric {
	case "min":
		actualValue = snapshot.Latency.Min
	case "max":
		actualValue = snapshot.Latency.Max
	case "avg":
		actualValue = snapshot.Latency.Mean
	case "med", "p50":
		actualValue = snapshot.Latency.P50
	case "p90":
		actualValue = snapshot.Latency.P90
	case "p95":
		actualValue = snapshot.Latency.P95
	case "p99":
		actualValue = snapshot.Latency.P99
	default:
		result.Message = fmt.Sprintf("unknown metric: %s", metric)
		return result
	}

	thresholdValue, err := time.ParseDuration(valueStr)
	if err != nil {
		result.Message = fmt.Sprintf("failed to parse threshold value: %v", err)
		return result
	}

	result.Value = actualValue.String()
	result.Passed = compareValues(float64(actualValue), op, float64(thresholdValue))

	if !result.Passed {
		result.Message = fmt.Sprintf("%s is %s, threshold: %s %s", metric, actualValue, op, thresholdValue)
	}

	return result
}

// evaluateRateThreshold evaluates a "rate <op> x" expression against rate.
func evaluateRateThreshold(name, expr string, rate float64) ThresholdResult {
	result := ThresholdResult{
		Metric:     name,
		Expression: expr,
	}

	metric, op, valueStr, err := parseThresholdExpression(expr)
	if err != nil {
		result.Message = fmt.Sprintf("failed to parse expression: %v", err)
		return result
	}

	if metric != "rate" {
		result.Message = fmt.Sprintf("%s only supports 'rate' metric, got: %s", name, metric)
		return result
	}

	thresholdValue, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		result.Message = fmt.Sprintf("failed to parse threshold value: %v", err)
		return result
	}

	result.Value = fmt.Sprintf("%.4f", rate)
	result.Passed = compareValues(rate, op, thresholdValue)

	if !result.Passed {
		result.Message = fmt.Sprintf("rate is %.4f, threshold: %s %.4f", rate, op, thresholdValue)
	}

	return result
}

// evaluateRequestsThreshold evaluates a request count/rate threshold expression.
func evaluateRequestsThreshold(expr string, snapshot *metrics.Snapshot, elapsed time.Duration) ThresholdResult {
	result := ThresholdResult{
		Metric:     "http_reqs",
		Expression: expr,
	}

	// Parse expression like "count > 1000" or "rate > 100"
	metric, op, valueStr, err := parseThresholdExpression(expr)
	if err != nil {
		result.Message = fmt.Sprintf("failed to parse expression: %v", err)
		return result
	}

	thresholdValue, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		result.Message = fmt.Sprintf("failed to parse threshold value: %v", err)
		return result
	}

	var actualValue float64
	switch metric {
	case "count":
		actualValue = float64(snapshot.Requests)
	case "rate":
		if elapsed > 0 {
			actualValue = float64(snapshot.Requests) / elapsed.Seconds()
		}
	default:
		result.Message = fmt.Sprintf("http_reqs only supports 'count' or 'rate' metrics, got: %s", metric)
		return result
	}

	result.Value = fmt.Sprintf("%.2f", actualValue)
	result.Passed = compareValues(actualValue, op, thresholdValue)

	if !result.Passed {
		result.Message = fmt.Sprintf("%s is %.2f, threshold: %s %.2f", metric, actualValue, op, thresholdValue)
	}

	return result
}

func evaluateFailedCheckRatio(limit float64, snapshot *metrics.Snapshot) ThresholdResult {
	totals := snapshot.CheckTotals()
	var ratio float64
	if totals.Total() > 0 {
		ratio = float64(totals.Fails) / float64(totals.Total())
	}

	result := ThresholdResult{
		Metric:     "checks",
		Expression: fmt.Sprintf("failed ratio <= %g", limit),
		Value:      fmt.Sprintf("%.4f", ratio),
		Passed:     ratio <= limit,
	}
	if !result.Passed {
		result.Message = fmt.Sprintf("%d of %d check evaluations failed (%.4f > %g)", totals.Fails, totals.Total(), ratio, limit)
	}
	return result
}

// parseThresholdExpression parses an expression like "p95 < 500ms".
func parseThresholdExpression(expr string) (metric, op, value string, err error) {
	matches := thresholdPattern.FindStringSubmatch(strings.TrimSpace(expr))
	if len(matches) != 4 {
		return "", "", "", fmt.Errorf("invalid expression format: %s", expr)
	}

	return matches[1], matches[2], strings.TrimSpace(matches[3]), nil
}

// compareValues compares two values using the given operator.
func compareValues(actual float64, op string, threshold float64) bool {
	switch op {
	case "<":
		return actual < threshold
	case "<=":
		return actual <= threshold
	case ">":
		return actual > threshold
	case ">=":
		return actual >= threshold
	case "==", "=":
		return actual == threshold
	case "!=", "<>":
		return actual != threshold
	default:
		return false
	}
}
