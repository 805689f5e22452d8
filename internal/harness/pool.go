package harness

import (
	"context"
	"crypto/tls"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wesleyorama2/stampede/internal/harness/metrics"
)

// Scenario is what a pool's VUs execute: one target per iteration under a
// reset policy.
type Scenario struct {
	Name string

	// Target is requested once per iteration.
	Target *Target

	// Reset decides when VUs reset the target's cache through ResetTarget.
	Reset       ResetPolicy
	ResetTarget *Target

	Tags map[string]string
}

// HTTPClientConfig contains HTTP client configuration.
type HTTPClientConfig struct {
	// Timeout for HTTP requests
	Timeout time.Duration

	// MaxIdleConns controls the maximum number of idle connections
	MaxIdleConns int

	// MaxIdleConnsPerHost controls the maximum idle connections per host
	MaxIdleConnsPerHost int

	// MaxConnsPerHost limits the total connections per host
	MaxConnsPerHost int

	// IdleConnTimeout is how long idle connections are kept alive
	IdleConnTimeout time.Duration

	DisableKeepAlives  bool
	DisableCompression bool
	InsecureSkipVerify bool

	// UseSharedClient indicates whether VUs share a single HTTP client
	UseSharedClient bool
}

// DefaultHTTPClientConfig returns sensible defaults for load testing.
func DefaultHTTPClientConfig() HTTPClientConfig {
	return HTTPClientConfig{
		Timeout:             30 * time.Second,
		MaxIdleConns:        2000,
		MaxIdleConnsPerHost: 1000,
		MaxConnsPerHost:     0, // Unlimited
		IdleConnTimeout:     90 * time.Second,
		UseSharedClient:     true,
	}
}

// NewHTTPClient creates an HTTP client with the configured settings.
func NewHTTPClient(cfg HTTPClientConfig) *http.Client {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:     cfg.MaxConnsPerHost,
		IdleConnTimeout:     cfg.IdleConnTimeout,
		DisableKeepAlives:   cfg.DisableKeepAlives,
		DisableCompression:  cfg.DisableCompression,
	}
	if cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	}
	return &http.Client{
		Transport: transport,
		Timeout:   cfg.Timeout,
	}
}

// PoolOptions wires a pool to the rest of the run.
type PoolOptions struct {
	HTTP HTTPClientConfig

	// Client overrides the client built from HTTP when set.
	Client *http.Client

	// Collector receives the VUs' aggregates. A new one is created if nil.
	Collector *metrics.Collector

	// Sink receives one record per request. Defaults to metrics.NopSink.
	Sink metrics.Sink

	RunID string
}

// Pool manages the Virtual Users of one scenario.
//
// It provides:
// - VU spawning with per-scenario ordinals
// - the shared HTTP client and the scenario's reset coordinator
// - graceful shutdown coordination
//
// Executors drive a pool to implement their concurrency policy.
type Pool struct {
	scenario *Scenario
	opts     PoolOptions

	sharedClient *http.Client
	requester    *Requester
	coordinator  *ResetCoordinator
	collector    *metrics.Collector
	sink         metrics.Sink

	vus   []*VirtualUser
	vusMu sync.RWMutex

	iterations atomic.Int64
	running    atomic.Int32

	wg           sync.WaitGroup
	shutdownCh   chan struct{}
	shutdownOnce sync.Once
}

// NewPool creates a pool for scenario.
func NewPool(scenario *Scenario, opts PoolOptions) *Pool {
	p := &Pool{
		scenario:   scenario,
		opts:       opts,
		collector:  opts.Collector,
		sink:       opts.Sink,
		shutdownCh: make(chan struct{}),
	}
	if p.collector == nil {
		p.collector = metrics.NewCollector()
	}
	if p.sink == nil {
		p.sink = metrics.NopSink{}
	}

	p.sharedClient = opts.Client
	if p.sharedClient == nil {
		p.sharedClient = NewHTTPClient(opts.HTTP)
	}
	p.requester = NewRequester(p.sharedClient)
	p.coordinator = NewResetCoordinator(p.requester, scenario.ResetTarget, scenario.Reset)
	return p
}

// Scenario returns the pool's scenario.
func (p *Pool) Scenario() *Scenario {
	return p.scenario
}

// SpawnVU creates and registers a new Virtual User with the next ordinal.
//
// The VU is not started. Use Start or RunVU.
func (p *Pool) SpawnVU() *VirtualUser {
	requester := p.requester
	if p.opts.Client == nil && !p.opts.HTTP.UseSharedClient {
		requester = NewRequester(NewHTTPClient(p.opts.HTTP))
	}

	p.vusMu.Lock()
	defer p.vusMu.Unlock()

	vu := &VirtualUser{
		ID:          len(p.vus) + 1,
		scenario:    p.scenario,
		requester:   requester,
		coordinator: p.coordinator,
		local:       p.collector.NewLocal(),
		sink:        p.sink,
		runID:       p.opts.RunID,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
	p.vus = append(p.vus, vu)
	return vu
}

// GetVU returns the VU with the given ordinal, or nil.
func (p *Pool) GetVU(ordinal int) *VirtualUser {
	p.vusMu.RLock()
	defer p.vusMu.RUnlock()
	if ordinal < 1 || ordinal > len(p.vus) {
		return nil
	}
	return p.vus[ordinal-1]
}

// GetActiveVUs returns the VUs that are neither stopping nor stopped.
func (p *Pool) GetActiveVUs() []*VirtualUser {
	p.vusMu.RLock()
	defer p.vusMu.RUnlock()

	result := make([]*VirtualUser, 0, len(p.vus))
	for _, vu := range p.vus {
		if s := vu.GetState(); s != VUStateStopping && s != VUStateStopped {
			result = append(result, vu)
		}
	}
	return result
}

// GetActiveVUCount returns the number of VUs that are neither stopping nor
// stopped.
func (p *Pool) GetActiveVUCount() int {
	return len(p.GetActiveVUs())
}

// RunningVUs returns how many VU goroutines are currently alive.
func (p *Pool) RunningVUs() int {
	return int(p.running.Load())
}

// SpawnedVUs returns how many VUs were ever spawned.
func (p *Pool) SpawnedVUs() int {
	p.vusMu.RLock()
	defer p.vusMu.RUnlock()
	return len(p.vus)
}

// Start runs vu in a new goroutine. Wait blocks until all started VUs exit.
func (p *Pool) Start(stopCtx, hardCtx context.Context, vu *VirtualUser, budget IterationBudget, pace func(context.Context) bool) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.RunVU(stopCtx, hardCtx, vu, budget, pace)
	}()
}

// RunVU runs vu until its budget is spent, it is asked to stop, or stopCtx
// ends.
//
// pace is called between iterations and returns false if the VU should
// stop instead of continuing. It may be nil.
func (p *Pool) RunVU(stopCtx, hardCtx context.Context, vu *VirtualUser, budget IterationBudget, pace func(context.Context) bool) {
	p.running.Add(1)
	defer p.running.Add(-1)
	defer vu.MarkStopped()

	if err := vu.Enter(stopCtx); err != nil {
		return
	}

	for {
		select {
		case <-stopCtx.Done():
			return
		case <-p.shutdownCh:
			return
		case <-vu.stopCh:
			return
		default:
		}

		if !budget.Acquire() {
			return
		}

		if _, err := vu.RunIteration(stopCtx, hardCtx); err != nil {
			return
		}
		p.iterations.Add(1)

		if pace != nil && !pace(stopCtx) {
			return
		}
	}
}

// Wait blocks until every VU started with Start has exited.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// WaitTimeout waits for the started VUs up to timeout and reports whether
// they all exited.
func (p *Pool) WaitTimeout(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// StopAllVUs requests all VUs to stop.
func (p *Pool) StopAllVUs() {
	p.vusMu.RLock()
	defer p.vusMu.RUnlock()

	for _, vu := range p.vus {
		vu.RequestStop()
	}
}

// ScaleVUs adjusts the number of active VUs to target.
//
// New VUs are handed to onSpawn for starting. Excess VUs are asked to stop
// from the highest ordinal down and finish their current iteration first.
// Returns the active VU count after adjustment.
func (p *Pool) ScaleVUs(target int, onSpawn func(*VirtualUser)) int {
	active := p.GetActiveVUs()
	current := len(active)

	if target > current {
		for i := current; i < target; i++ {
			vu := p.SpawnVU()
			if onSpawn != nil {
				onSpawn(vu)
			}
		}
	} else if target < current {
		for i := current - 1; i >= target; i-- {
			active[i].RequestStop()
		}
	}

	return p.GetActiveVUCount()
}

// ReleaseBarrier opens the reset barrier so no VU waits for a leader that
// will not run.
func (p *Pool) ReleaseBarrier() {
	p.coordinator.Release()
}

// Shutdown stops all VUs and waits for them up to timeout.
func (p *Pool) Shutdown(timeout time.Duration) {
	p.shutdownOnce.Do(func() { close(p.shutdownCh) })
	p.StopAllVUs()
	p.ReleaseBarrier()
	p.WaitTimeout(timeout)
	p.sharedClient.CloseIdleConnections()
}

// Iterations returns the number of completed iterations.
func (p *Pool) Iterations() int64 {
	return p.iterations.Load()
}

// Collector returns the scenario's aggregate.
func (p *Pool) Collector() *metrics.Collector {
	return p.collector
}

// Coordinator returns the scenario's reset coordinator.
func (p *Pool) Coordinator() *ResetCoordinator {
	return p.coordinator
}

// Requester returns the requester backed by the pool's shared client.
func (p *Pool) Requester() *Requester {
	return p.requester
}
