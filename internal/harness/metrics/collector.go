// Package metrics aggregates request outcomes for the load harness and emits
// per-request records to external sinks.
package metrics

import (
	"sort"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// Collector aggregates outcomes for one scenario using an HDR histogram.
//
// VUs never write to a Collector directly. Each VU owns a Local obtained
// from NewLocal and merges into the collector in batches, which keeps the
// collector's mutex off the request hot path.
//
// # Thread Safety
//
// Collector is safe for concurrent use.
type Collector struct {
	mu     sync.Mutex
	hist   *hdrhistogram.Histogram
	counts Counts
	checks map[string]*CheckTally
	status map[int]int64

	config CollectorConfig
}

// CollectorConfig contains configuration for a Collector.
type CollectorConfig struct {
	// HistogramMin is the minimum recordable value in microseconds (default: 1)
	HistogramMin int64

	// HistogramMax is the maximum recordable value in microseconds (default: 3600000000 = 1 hour)
	HistogramMax int64

	// HistogramSigFigs is the number of significant figures (default: 3)
	HistogramSigFigs int

	// FlushEvery is how many samples a Local buffers before merging (default: 64)
	FlushEvery int
}

// DefaultCollectorConfig returns the default configuration.
func DefaultCollectorConfig() CollectorConfig {
	return CollectorConfig{
		HistogramMin:     1,
		HistogramMax:     3600000000,
		HistogramSigFigs: 3,
		FlushEvery:       defaultFlushEvery,
	}
}

// Counts holds the plain counters kept for every scenario.
type Counts struct {
	Requests        int64 `json:"requests"`
	Passed          int64 `json:"passed"`
	CheckFailures   int64 `json:"checkFailures"`
	TransportErrors int64 `json:"transportErrors"`
	Timeouts        int64 `json:"timeouts"`
	Interrupted     int64 `json:"interrupted"`
	Bytes           int64 `json:"bytes"`
}

func (c *Counts) add(o Counts) {
	c.Requests += o.Requests
	c.Passed += o.Passed
	c.CheckFailures += o.CheckFailures
	c.TransportErrors += o.TransportErrors
	c.Timeouts += o.Timeouts
	c.Interrupted += o.Interrupted
	c.Bytes += o.Bytes
}

// Failed returns the number of requests that did not pass.
func (c Counts) Failed() int64 {
	return c.CheckFailures + c.TransportErrors
}

// CheckTally counts passes and failures of one named check.
type CheckTally struct {
	Passes int64 `json:"passes"`
	Fails  int64 `json:"fails"`
}

// Total returns the number of evaluations.
func (t CheckTally) Total() int64 {
	return t.Passes + t.Fails
}

// PassRate returns the fraction of passing evaluations, or 1 when the check
// never ran.
func (t CheckTally) PassRate() float64 {
	if t.Total() == 0 {
		return 1
	}
	return float64(t.Passes) / float64(t.Total())
}

// NewCollector creates a collector with default configuration.
func NewCollector() *Collector {
	return NewCollectorWithConfig(DefaultCollectorConfig())
}

// NewCollectorWithConfig creates a collector with custom configuration.
func NewCollectorWithConfig(config CollectorConfig) *Collector {
	if config.HistogramMin <= 0 {
		config.HistogramMin = 1
	}
	if config.HistogramMax <= config.HistogramMin {
		config.HistogramMax = DefaultCollectorConfig().HistogramMax
	}
	if config.HistogramSigFigs <= 0 {
		config.HistogramSigFigs = 3
	}
	return &Collector{
		hist:   hdrhistogram.New(config.HistogramMin, config.HistogramMax, config.HistogramSigFigs),
		checks: make(map[string]*CheckTally),
		status: make(map[int]int64),
		config: config,
	}
}

// NewLocal returns a per-VU accumulator bound to this collector.
func (c *Collector) NewLocal() *Local {
	return newLocal(c, c.config.FlushEvery)
}

func (c *Collector) merge(l *Local) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, v := range l.latencies {
		// HDR histogram RecordValue is not thread-safe; the lock covers it.
		_ = c.hist.RecordValue(c.clamp(v))
	}
	c.counts.add(l.counts)
	for name, t := range l.checks {
		dst, ok := c.checks[name]
		if !ok {
			dst = &CheckTally{}
			c.checks[name] = dst
		}
		dst.Passes += t.Passes
		dst.Fails += t.Fails
	}
	for code, n := range l.status {
		c.status[code] += n
	}
}

func (c *Collector) clamp(micros int64) int64 {
	if micros < c.config.HistogramMin {
		return c.config.HistogramMin
	}
	if micros > c.config.HistogramMax {
		return c.config.HistogramMax
	}
	return micros
}

// Merge adds all data from other into c. Used to build run-level totals.
func (c *Collector) Merge(other *Collector) {
	if other == nil || other == c {
		return
	}

	other.mu.Lock()
	hist := hdrhistogram.Import(other.hist.Export())
	counts := other.counts
	checks := make(map[string]CheckTally, len(other.checks))
	for k, v := range other.checks {
		checks[k] = *v
	}
	status := make(map[int]int64, len(other.status))
	for k, v := range other.status {
		status[k] = v
	}
	other.mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.hist.Merge(hist)
	c.counts.add(counts)
	for name, t := range checks {
		dst, ok := c.checks[name]
		if !ok {
			dst = &CheckTally{}
			c.checks[name] = dst
		}
		dst.Passes += t.Passes
		dst.Fails += t.Fails
	}
	for code, n := range status {
		c.status[code] += n
	}
}

// Snapshot returns a point-in-time copy of the aggregate.
func (c *Collector) Snapshot() *Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := &Snapshot{
		Counts:      c.counts,
		Latency:     latencyStats(c.hist),
		Checks:      make(map[string]CheckTally, len(c.checks)),
		StatusCodes: make(map[int]int64, len(c.status)),
	}
	for name, t := range c.checks {
		snap.Checks[name] = *t
	}
	for code, n := range c.status {
		snap.StatusCodes[code] = n
	}
	return snap
}

func latencyStats(h *hdrhistogram.Histogram) LatencyStats {
	if h.TotalCount() == 0 {
		return LatencyStats{}
	}
	return LatencyStats{
		Min:    time.Duration(h.Min()) * time.Microsecond,
		Max:    time.Duration(h.Max()) * time.Microsecond,
		Mean:   time.Duration(h.Mean()) * time.Microsecond,
		StdDev: time.Duration(h.StdDev()) * time.Microsecond,
		P50:    time.Duration(h.ValueAtQuantile(50)) * time.Microsecond,
		P90:    time.Duration(h.ValueAtQuantile(90)) * time.Microsecond,
		P95:    time.Duration(h.ValueAtQuantile(95)) * time.Microsecond,
		P99:    time.Duration(h.ValueAtQuantile(99)) * time.Microsecond,
		Count:  h.TotalCount(),
	}
}

// Snapshot contains a point-in-time view of a collector.
type Snapshot struct {
	Counts
	Latency     LatencyStats          `json:"latency"`
	Checks      map[string]CheckTally `json:"checks"`
	StatusCodes map[int]int64         `json:"statusCodes"`
}

// ErrorRate returns failed requests over total requests.
func (s *Snapshot) ErrorRate() float64 {
	if s.Requests == 0 {
		return 0
	}
	return float64(s.Failed()) / float64(s.Requests)
}

// CheckTotals sums every check evaluation in the snapshot.
func (s *Snapshot) CheckTotals() CheckTally {
	var total CheckTally
	for _, t := range s.Checks {
		total.Passes += t.Passes
		total.Fails += t.Fails
	}
	return total
}

// CheckNames returns check names in a stable order.
func (s *Snapshot) CheckNames() []string {
	names := make([]string, 0, len(s.Checks))
	for name := range s.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LatencyStats contains latency statistics.
type LatencyStats struct {
	Min    time.Duration `json:"min"`
	Max    time.Duration `json:"max"`
	Mean   time.Duration `json:"mean"`
	StdDev time.Duration `json:"stdDev"`
	P50    time.Duration `json:"p50"`
	P90    time.Duration `json:"p90"`
	P95    time.Duration `json:"p95"`
	P99    time.Duration `json:"p99"`
	Count  int64         `json:"count"`
}
