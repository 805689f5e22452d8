package harness_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesleyorama2/stampede/internal/harness"
	"github.com/wesleyorama2/stampede/internal/harness/metrics"
)

func createTestScenario(serverURL string) *harness.Scenario {
	return &harness.Scenario{
		Name: "test-scenario",
		Target: &harness.Target{
			Name:   "test-target",
			URL:    serverURL,
			Checks: defaultChecks(),
		},
	}
}

func okServer(t *testing.T) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`{"status": "ok"}`))
	}))
	t.Cleanup(server.Close)
	return server, &hits
}

// recordingSink keeps every record it receives.
type recordingSink struct {
	n atomic.Int64
}

func (s *recordingSink) Emit(*metrics.Record) { s.n.Add(1) }
func (s *recordingSink) Close() error         { return nil }

func TestVUState_String(t *testing.T) {
	tests := []struct {
		state harness.VUState
		want  string
	}{
		{harness.VUStateIdle, "idle"},
		{harness.VUStateRunning, "running"},
		{harness.VUStateStopping, "stopping"},
		{harness.VUStateStopped, "stopped"},
		{harness.VUState(99), "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.state.String())
	}
}

func TestPool_SpawnVU_Ordinals(t *testing.T) {
	server, _ := okServer(t)
	pool := harness.NewPool(createTestScenario(server.URL), harness.PoolOptions{})

	for i := 1; i <= 3; i++ {
		vu := pool.SpawnVU()
		assert.Equal(t, i, vu.ID)
		assert.Equal(t, harness.VUStateIdle, vu.GetState())
		assert.Equal(t, int64(0), vu.GetIteration())
	}
	assert.Equal(t, 3, pool.SpawnedVUs())
	assert.Same(t, pool.GetVU(2), pool.GetVU(2))
	assert.Nil(t, pool.GetVU(0))
	assert.Nil(t, pool.GetVU(4))
}

func TestVirtualUser_RunIteration(t *testing.T) {
	server, hits := okServer(t)
	sink := &recordingSink{}
	pool := harness.NewPool(createTestScenario(server.URL), harness.PoolOptions{Sink: sink, RunID: "run-1"})
	vu := pool.SpawnVU()

	ctx := context.Background()
	out, err := vu.RunIteration(ctx, ctx)
	require.NoError(t, err)
	assert.True(t, out.Passed())
	assert.Equal(t, "test-scenario", out.Scenario)
	assert.Equal(t, 1, out.VU)
	assert.Equal(t, int64(0), out.Iteration)
	assert.Equal(t, int64(1), vu.GetIteration())
	assert.Equal(t, harness.VUStateIdle, vu.GetState())
	assert.Equal(t, int64(1), hits.Load())
	assert.Equal(t, int64(1), sink.n.Load())

	vu.RequestStop()
	_, err = vu.RunIteration(ctx, ctx)
	assert.ErrorIs(t, err, harness.ErrVUStopped)
	assert.Equal(t, int64(1), hits.Load())
}

func TestVirtualUser_StoppedByContext(t *testing.T) {
	server, hits := okServer(t)
	pool := harness.NewPool(createTestScenario(server.URL), harness.PoolOptions{})
	vu := pool.SpawnVU()

	stopCtx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := vu.RunIteration(stopCtx, context.Background())
	assert.ErrorIs(t, err, harness.ErrVUStopped)
	assert.Equal(t, int64(0), hits.Load())
}

func TestVirtualUser_WaitForStop(t *testing.T) {
	server, _ := okServer(t)
	pool := harness.NewPool(createTestScenario(server.URL), harness.PoolOptions{})
	vu := pool.SpawnVU()

	assert.False(t, vu.WaitForStop(10*time.Millisecond))
	vu.RequestStop()
	assert.Equal(t, harness.VUStateStopping, vu.GetState())
	vu.MarkStopped()
	assert.True(t, vu.WaitForStop(time.Second))
	assert.Equal(t, harness.VUStateStopped, vu.GetState())

	// Marking twice is harmless.
	vu.MarkStopped()
}

func TestPool_RunVU_FlushesAggregate(t *testing.T) {
	server, _ := okServer(t)
	pool := harness.NewPool(createTestScenario(server.URL), harness.PoolOptions{})

	ctx := context.Background()
	// Fewer samples than one flush batch: they only reach the collector on
	// VU exit.
	pool.RunVU(ctx, ctx, pool.SpawnVU(), harness.NewLocalBudget(10), nil)

	snap := pool.Collector().Snapshot()
	assert.Equal(t, int64(10), snap.Requests)
	assert.Equal(t, int64(10), snap.Passed)
	assert.Equal(t, int64(10), snap.StatusCodes[200])
	assert.Equal(t, metrics.CheckTally{Passes: 10}, snap.Checks["status is 200"])
	assert.Equal(t, int64(10), snap.Latency.Count)
	assert.Equal(t, int64(10), pool.Iterations())
}

func TestPool_RunVU_Pace(t *testing.T) {
	server, hits := okServer(t)
	pool := harness.NewPool(createTestScenario(server.URL), harness.PoolOptions{})

	calls := 0
	pace := func(context.Context) bool {
		calls++
		return calls < 3
	}
	ctx := context.Background()
	pool.RunVU(ctx, ctx, pool.SpawnVU(), harness.Unlimited(), pace)

	assert.Equal(t, int64(3), hits.Load())
	assert.Equal(t, 3, calls)
}

func TestPool_ScaleVUs(t *testing.T) {
	server, _ := okServer(t)
	pool := harness.NewPool(createTestScenario(server.URL), harness.PoolOptions{})

	stopCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hard := context.Background()
	pace := func(ctx context.Context) bool {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(5 * time.Millisecond):
			return true
		}
	}
	start := func(vu *harness.VirtualUser) {
		pool.Start(stopCtx, hard, vu, harness.Unlimited(), pace)
	}

	assert.Equal(t, 5, pool.ScaleVUs(5, start))
	assert.Equal(t, 5, pool.SpawnedVUs())

	assert.Equal(t, 2, pool.ScaleVUs(2, start))
	assert.Equal(t, 5, pool.SpawnedVUs())
	for _, ordinal := range []int{3, 4, 5} {
		assert.True(t, pool.GetVU(ordinal).WaitForStop(time.Second), "VU %d", ordinal)
	}

	assert.Equal(t, 4, pool.ScaleVUs(4, start))
	assert.Equal(t, 7, pool.SpawnedVUs())

	pool.Shutdown(5 * time.Second)
	assert.Equal(t, 0, pool.RunningVUs())
	assert.Equal(t, 0, pool.GetActiveVUCount())
}

func TestPool_Shutdown(t *testing.T) {
	server, _ := okServer(t)
	pool := harness.NewPool(createTestScenario(server.URL), harness.PoolOptions{})

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		pool.Start(ctx, ctx, pool.SpawnVU(), harness.Unlimited(), nil)
	}
	time.Sleep(20 * time.Millisecond)

	pool.Shutdown(5 * time.Second)
	assert.Equal(t, 0, pool.RunningVUs())
	assert.Greater(t, pool.Iterations(), int64(0))
	assert.Equal(t, pool.Iterations(), pool.Collector().Snapshot().Requests)
}

func TestNewHTTPClient(t *testing.T) {
	cfg := harness.DefaultHTTPClientConfig()
	cfg.Timeout = 3 * time.Second
	cfg.InsecureSkipVerify = true

	client := harness.NewHTTPClient(cfg)
	assert.Equal(t, 3*time.Second, client.Timeout)

	transport, ok := client.Transport.(*http.Transport)
	require.True(t, ok)
	assert.Equal(t, 1000, transport.MaxIdleConnsPerHost)
	assert.True(t, transport.TLSClientConfig.InsecureSkipVerify)
}
