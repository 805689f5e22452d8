package metrics

import (
	"time"
)

// OutcomeKind classifies how a single request ended.
type OutcomeKind int

const (
	// OutcomePassed means the response arrived and every check passed.
	OutcomePassed OutcomeKind = iota
	// OutcomeCheckFailed means the response arrived but at least one check failed.
	OutcomeCheckFailed
	// OutcomeTransportError means no usable response arrived (connect, read, timeout).
	OutcomeTransportError
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomePassed:
		return "passed"
	case OutcomeCheckFailed:
		return "check_failed"
	case OutcomeTransportError:
		return "transport_error"
	default:
		return "unknown"
	}
}

// CheckResult is the verdict of one named check on one response.
type CheckResult struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
}

// Sample is everything the aggregates need to know about one request.
type Sample struct {
	Latency     time.Duration
	StatusCode  int
	Bytes       int64
	Kind        OutcomeKind
	Timeout     bool
	Interrupted bool
	Checks      []CheckResult
}

// defaultFlushEvery bounds how many latencies a VU buffers before it merges
// them into the scenario histogram.
const defaultFlushEvery = 64

// Local accumulates samples for a single VU without any locking.
//
// A Local must only be used from the goroutine that owns the VU. It merges
// into its Collector when the latency buffer fills up and when Flush is
// called at VU exit, so the shared aggregate is touched once per batch
// instead of once per request.
type Local struct {
	collector *Collector

	latencies []int64
	counts    Counts
	checks    map[string]*CheckTally
	status    map[int]int64
}

func newLocal(c *Collector, flushEvery int) *Local {
	if flushEvery <= 0 {
		flushEvery = defaultFlushEvery
	}
	return &Local{
		collector: c,
		latencies: make([]int64, 0, flushEvery),
		checks:    make(map[string]*CheckTally),
		status:    make(map[int]int64),
	}
}

// Observe folds one sample into the local counters.
func (l *Local) Observe(s Sample) {
	l.counts.Requests++
	l.counts.Bytes += s.Bytes

	switch s.Kind {
	case OutcomePassed:
		l.counts.Passed++
	case OutcomeCheckFailed:
		l.counts.CheckFailures++
	case OutcomeTransportError:
		l.counts.TransportErrors++
	}
	if s.Timeout {
		l.counts.Timeouts++
	}
	if s.Interrupted {
		l.counts.Interrupted++
	}
	if s.StatusCode > 0 {
		l.status[s.StatusCode]++
	}

	for _, cr := range s.Checks {
		tally, ok := l.checks[cr.Name]
		if !ok {
			tally = &CheckTally{}
			l.checks[cr.Name] = tally
		}
		if cr.Passed {
			tally.Passes++
		} else {
			tally.Fails++
		}
	}

	l.latencies = append(l.latencies, s.Latency.Microseconds())
	if len(l.latencies) == cap(l.latencies) {
		l.Flush()
	}
}

// Flush merges everything buffered so far into the collector and resets the
// local state. It is safe to call on an empty Local.
func (l *Local) Flush() {
	if l.counts.Requests == 0 && len(l.latencies) == 0 {
		return
	}
	l.collector.merge(l)

	l.latencies = l.latencies[:0]
	l.counts = Counts{}
	clear(l.checks)
	clear(l.status)
}
