package metrics

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func passedSample(latency time.Duration) Sample {
	return Sample{
		Latency:    latency,
		StatusCode: 200,
		Bytes:      100,
		Kind:       OutcomePassed,
		Checks:     []CheckResult{{Name: "status is 200", Passed: true}},
	}
}

func TestCollector_LocalFlush(t *testing.T) {
	c := NewCollectorWithConfig(CollectorConfig{FlushEvery: 4})
	l := c.NewLocal()

	for i := 0; i < 3; i++ {
		l.Observe(passedSample(time.Millisecond))
	}
	// Below the batch size nothing reached the collector yet.
	assert.Equal(t, int64(0), c.Snapshot().Requests)

	l.Observe(passedSample(time.Millisecond))
	assert.Equal(t, int64(4), c.Snapshot().Requests)

	l.Observe(passedSample(time.Millisecond))
	l.Flush()
	l.Flush()
	snap := c.Snapshot()
	assert.Equal(t, int64(5), snap.Requests)
	assert.Equal(t, int64(5), snap.Passed)
	assert.Equal(t, int64(500), snap.Bytes)
	assert.Equal(t, int64(5), snap.Latency.Count)
}

func TestCollector_OutcomeKinds(t *testing.T) {
	c := NewCollector()
	l := c.NewLocal()

	l.Observe(passedSample(10 * time.Millisecond))
	l.Observe(Sample{
		Latency:    20 * time.Millisecond,
		StatusCode: 500,
		Kind:       OutcomeCheckFailed,
		Checks:     []CheckResult{{Name: "status is 200", Passed: false}},
	})
	l.Observe(Sample{Latency: time.Second, Kind: OutcomeTransportError, Timeout: true,
		Checks: []CheckResult{{Name: "status is 200", Passed: false}}})
	l.Observe(Sample{Latency: time.Second, Kind: OutcomeTransportError, Interrupted: true})
	l.Flush()

	snap := c.Snapshot()
	assert.Equal(t, int64(4), snap.Requests)
	assert.Equal(t, int64(1), snap.Passed)
	assert.Equal(t, int64(1), snap.CheckFailures)
	assert.Equal(t, int64(2), snap.TransportErrors)
	assert.Equal(t, int64(1), snap.Timeouts)
	assert.Equal(t, int64(1), snap.Interrupted)
	assert.Equal(t, int64(3), snap.Failed())
	assert.InDelta(t, 0.75, snap.ErrorRate(), 1e-9)
	assert.Equal(t, map[int]int64{200: 1, 500: 1}, snap.StatusCodes)
	assert.Equal(t, CheckTally{Passes: 1, Fails: 2}, snap.Checks["status is 200"])
	assert.Equal(t, CheckTally{Passes: 1, Fails: 2}, snap.CheckTotals())
}

func TestCollector_Latency(t *testing.T) {
	c := NewCollector()
	l := c.NewLocal()
	for i := 1; i <= 100; i++ {
		l.Observe(passedSample(time.Duration(i) * time.Millisecond))
	}
	l.Flush()

	lat := c.Snapshot().Latency
	assert.Equal(t, int64(100), lat.Count)
	assert.InDelta(t, float64(time.Millisecond), float64(lat.Min), float64(10*time.Microsecond))
	assert.InDelta(t, float64(100*time.Millisecond), float64(lat.Max), float64(time.Millisecond))
	assert.InDelta(t, float64(50*time.Millisecond), float64(lat.P50), float64(time.Millisecond))
	assert.InDelta(t, float64(99*time.Millisecond), float64(lat.P99), float64(time.Millisecond))
	assert.True(t, lat.P50 <= lat.P90 && lat.P90 <= lat.P95 && lat.P95 <= lat.P99)
}

func TestCollector_ConcurrentLocals(t *testing.T) {
	c := NewCollector()

	var wg sync.WaitGroup
	for vu := 0; vu < 20; vu++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l := c.NewLocal()
			for i := 0; i < 250; i++ {
				l.Observe(passedSample(time.Millisecond))
			}
			l.Flush()
		}()
	}
	wg.Wait()

	snap := c.Snapshot()
	assert.Equal(t, int64(5000), snap.Requests)
	assert.Equal(t, int64(5000), snap.Latency.Count)
	assert.Equal(t, int64(5000), snap.Checks["status is 200"].Passes)
}

func TestCollector_Merge(t *testing.T) {
	a := NewCollector()
	b := NewCollector()

	la := a.NewLocal()
	la.Observe(passedSample(time.Millisecond))
	la.Flush()

	lb := b.NewLocal()
	lb.Observe(passedSample(3 * time.Millisecond))
	lb.Observe(Sample{Latency: time.Millisecond, StatusCode: 503, Kind: OutcomeCheckFailed,
		Checks: []CheckResult{{Name: "body not empty", Passed: false}}})
	lb.Flush()

	total := NewCollector()
	total.Merge(a)
	total.Merge(b)
	total.Merge(nil)
	total.Merge(total)

	snap := total.Snapshot()
	require.Equal(t, int64(3), snap.Requests)
	assert.Equal(t, int64(3), snap.Latency.Count)
	assert.Equal(t, int64(1), snap.StatusCodes[503])
	assert.Equal(t, []string{"body not empty", "status is 200"}, snap.CheckNames())

	// Sources are untouched.
	assert.Equal(t, int64(1), a.Snapshot().Requests)
	assert.Equal(t, int64(2), b.Snapshot().Requests)
}

func TestCollector_ClampsOutOfRange(t *testing.T) {
	c := NewCollectorWithConfig(CollectorConfig{HistogramMin: 1, HistogramMax: 1000, HistogramSigFigs: 2})
	l := c.NewLocal()
	l.Observe(passedSample(0))
	l.Observe(passedSample(time.Minute))
	l.Flush()

	lat := c.Snapshot().Latency
	assert.Equal(t, int64(2), lat.Count)
	assert.LessOrEqual(t, lat.Max, 1100*time.Microsecond)
}

func TestCheckTally_PassRate(t *testing.T) {
	assert.Equal(t, 1.0, CheckTally{}.PassRate())
	assert.Equal(t, 0.75, CheckTally{Passes: 3, Fails: 1}.PassRate())
	assert.Equal(t, int64(4), CheckTally{Passes: 3, Fails: 1}.Total())
}

func TestOutcomeKind_String(t *testing.T) {
	assert.Equal(t, "passed", OutcomePassed.String())
	assert.Equal(t, "check_failed", OutcomeCheckFailed.String())
	assert.Equal(t, "transport_error", OutcomeTransportError.String())
	assert.Equal(t, "unknown", OutcomeKind(42).String())
}

func BenchmarkLocal_Observe(b *testing.B) {
	c := NewCollector()
	l := c.NewLocal()
	s := passedSample(5 * time.Millisecond)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		l.Observe(s)
	}
	l.Flush()
}

func BenchmarkLocal_ObserveParallel(b *testing.B) {
	c := NewCollector()
	s := passedSample(5 * time.Millisecond)

	b.RunParallel(func(pb *testing.PB) {
		l := c.NewLocal()
		for pb.Next() {
			l.Observe(s)
		}
		l.Flush()
	})
}
