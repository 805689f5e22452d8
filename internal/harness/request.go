package harness

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/wesleyorama2/stampede/internal/harness/metrics"
)

// Target is the request a scenario sends on every iteration, together with
// the checks that judge its response.
type Target struct {
	// Name identifies the target in reports (e.g. "with-singleflight").
	Name string

	Method  string
	URL     string
	Headers map[string]string
	Body    string

	// Timeout overrides the client timeout for this target when > 0.
	Timeout time.Duration

	Checks []Check
}

// RequestOutcome is the result of one request. It is folded into the VU's
// local aggregate and emitted to the sink, then dropped.
type RequestOutcome struct {
	Scenario   string
	Target     string
	URL        string
	VU         int
	Iteration  int64
	StatusCode int
	BodyLength int64
	Latency    time.Duration
	Checks     []metrics.CheckResult
	Timestamp  time.Time

	// Err is a *TransportError when no usable response arrived.
	Err error
}

// Passed reports whether the response arrived and every check passed.
func (o *RequestOutcome) Passed() bool {
	if o.Err != nil {
		return false
	}
	for _, c := range o.Checks {
		if !c.Passed {
			return false
		}
	}
	return true
}

// Failure returns the outcome's failure as a *TransportError or an
// *AssertionFailure, or nil when it passed.
func (o *RequestOutcome) Failure() error {
	if o.Err != nil {
		return o.Err
	}
	var failed []string
	for _, c := range o.Checks {
		if !c.Passed {
			failed = append(failed, c.Name)
		}
	}
	if len(failed) == 0 {
		return nil
	}
	return &AssertionFailure{Target: o.Target, StatusCode: o.StatusCode, Failed: failed}
}

// Kind classifies the outcome for aggregation.
func (o *RequestOutcome) Kind() metrics.OutcomeKind {
	switch {
	case o.Err != nil:
		return metrics.OutcomeTransportError
	case o.Passed():
		return metrics.OutcomePassed
	default:
		return metrics.OutcomeCheckFailed
	}
}

// Sample converts the outcome for the aggregates.
func (o *RequestOutcome) Sample() metrics.Sample {
	s := metrics.Sample{
		Latency:    o.Latency,
		StatusCode: o.StatusCode,
		Bytes:      o.BodyLength,
		Kind:       o.Kind(),
		Checks:     o.Checks,
	}
	if te, ok := o.Err.(*TransportError); ok {
		s.Timeout = te.Timeout
		s.Interrupted = te.Interrupted
	}
	return s
}

// Record converts the outcome for external sinks.
func (o *RequestOutcome) Record(runID string) *metrics.Record {
	rec := &metrics.Record{
		RunID:     runID,
		Scenario:  o.Scenario,
		Target:    o.Target,
		URL:       o.URL,
		VU:        o.VU,
		Iteration: o.Iteration,
		Status:    o.StatusCode,
		Outcome:   o.Kind().String(),
		Latency:   o.Latency,
		Bytes:     o.BodyLength,
		Timestamp: o.Timestamp,
	}
	if o.Err != nil {
		rec.Error = o.Err.Error()
	}
	if len(o.Checks) > 0 {
		rec.Checks = make(map[string]bool, len(o.Checks))
		for _, c := range o.Checks {
			rec.Checks[c.Name] = c.Passed
		}
	}
	return rec
}

// Requester performs single requests against a target.
type Requester struct {
	client *http.Client
}

// NewRequester creates a requester using client. A nil client uses
// http.DefaultClient.
func NewRequester(client *http.Client) *Requester {
	if client == nil {
		client = http.DefaultClient
	}
	return &Requester{client: client}
}

// Do performs one request and evaluates every check of the target.
//
// Do never returns an error: transport problems are reported in
// RequestOutcome.Err and every check is then recorded as failed.
func (r *Requester) Do(ctx context.Context, target *Target) *RequestOutcome {
	start := time.Now()
	out := &RequestOutcome{
		Target:    target.Name,
		URL:       target.URL,
		Timestamp: start,
	}

	reqCtx := ctx
	if target.Timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, target.Timeout)
		defer cancel()
	}

	resp, err := r.send(reqCtx, target)
	if err != nil {
		out.Latency = time.Since(start)
		out.Err = newTransportError(target.Name, target.URL, err, ctx)
		out.Checks = failAll(target.Checks)
		return out
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	out.Latency = time.Since(start)
	out.StatusCode = resp.StatusCode
	out.BodyLength = int64(len(body))
	if err != nil {
		out.Err = newTransportError(target.Name, target.URL, fmt.Errorf("failed to read response body: %w", err), ctx)
		out.Checks = failAll(target.Checks)
		return out
	}

	view := &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
		Duration:   out.Latency,
	}
	out.Checks = make([]metrics.CheckResult, len(target.Checks))
	for i, c := range target.Checks {
		out.Checks[i] = metrics.CheckResult{Name: c.Name, Passed: c.Predicate(view)}
	}
	return out
}

func (r *Requester) send(ctx context.Context, target *Target) (*http.Response, error) {
	method := target.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if target.Body != "" {
		body = strings.NewReader(target.Body)
	}

	req, err := http.NewRequestWithContext(ctx, method, target.URL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	for key, value := range target.Headers {
		req.Header.Set(key, value)
	}

	return r.client.Do(req)
}

func failAll(checks []Check) []metrics.CheckResult {
	if len(checks) == 0 {
		return nil
	}
	results := make([]metrics.CheckResult, len(checks))
	for i, c := range checks {
		results[i] = metrics.CheckResult{Name: c.Name, Passed: false}
	}
	return results
}
