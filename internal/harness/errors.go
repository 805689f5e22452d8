package harness

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// ErrVUStopped is returned by RunIteration when the VU was asked to stop
// before the iteration could start.
var ErrVUStopped = errors.New("virtual user stopped")

// TransportError reports that no usable response was received from the
// target: the connection failed, the response could not be read, or the
// request timed out or was interrupted at the end of the grace period.
type TransportError struct {
	Target string
	URL    string
	Err    error

	// Timeout is set when the request hit its own timeout.
	Timeout bool

	// Interrupted is set when the scenario's hard deadline cancelled the
	// request while it was in flight.
	Interrupted bool
}

func (e *TransportError) Error() string {
	kind := "unreachable"
	switch {
	case e.Interrupted:
		kind = "interrupted"
	case e.Timeout:
		kind = "timed out"
	}
	return fmt.Sprintf("target %s %s (%s): %v", e.Target, kind, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// newTransportError classifies err. parent is the context the caller handed
// in, before any per-request timeout was applied.
func newTransportError(target, url string, err error, parent context.Context) *TransportError {
	te := &TransportError{Target: target, URL: url, Err: err}
	if parent.Err() != nil {
		te.Interrupted = true
		return te
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		te.Timeout = true
	}
	return te
}

// AssertionFailure reports that the target answered but one or more checks
// rejected the response.
type AssertionFailure struct {
	Target     string
	StatusCode int
	Failed     []string
}

func (e *AssertionFailure) Error() string {
	return fmt.Sprintf("target %s returned %d, failed checks: %s",
		e.Target, e.StatusCode, strings.Join(e.Failed, ", "))
}

// SchedulingOverrun records that a scenario ran past its max-duration or was
// cut off with iterations still unclaimed. It is a warning, not a failure.
type SchedulingOverrun struct {
	Scenario            string        `json:"scenario"`
	MaxDuration         time.Duration `json:"maxDuration"`
	Actual              time.Duration `json:"actual"`
	RemainingIterations int64         `json:"remainingIterations"`
}

func (e *SchedulingOverrun) Error() string {
	if e.RemainingIterations > 0 {
		return fmt.Sprintf("scenario %s stopped at max-duration %s with %d iterations left (ran %s)",
			e.Scenario, e.MaxDuration, e.RemainingIterations, e.Actual.Round(time.Millisecond))
	}
	return fmt.Sprintf("scenario %s ran %s, past its max-duration %s",
		e.Scenario, e.Actual.Round(time.Millisecond), e.MaxDuration)
}
