// Package stampedetest provides an in-process stand-in for the target
// service: one cached product behind two endpoints, one of which coalesces
// concurrent cache misses with singleflight.
package stampedetest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/singleflight"
)

// Endpoint labels used on every backend metric.
const (
	EndpointWithout = "without_singleflight"
	EndpointWith    = "with_singleflight"
)

const cacheKey = "product:popular"

// Options configures a Backend.
type Options struct {
	// DBLatency is how long one simulated database call takes.
	DBLatency time.Duration

	// CacheTTL is how long a filled cache entry stays valid.
	CacheTTL time.Duration

	// ResetStatus, when non-zero, is returned by the reset endpoint instead
	// of clearing the cache.
	ResetStatus int
}

// DefaultOptions returns the timings of the original service.
func DefaultOptions() Options {
	return Options{
		DBLatency: 200 * time.Millisecond,
		CacheTTL:  5 * time.Second,
	}
}

// Product is the cached payload.
type Product struct {
	ID        int    `json:"id"`
	Name      string `json:"name"`
	Price     int    `json:"price"`
	FetchedAt string `json:"fetched_at"`
	RequestID int64  `json:"request_id"`
}

type entry struct {
	product *Product
	expires time.Time
}

// Backend is the target service.
type Backend struct {
	opts Options
	mux  *http.ServeMux

	mu    sync.RWMutex
	cache map[string]entry

	group singleflight.Group
	seq   atomic.Int64

	dbCalls sync.Map // endpoint -> *atomic.Int64
	resets  atomic.Int64
	shared  atomic.Int64

	registry       *prometheus.Registry
	cacheHits      *prometheus.CounterVec
	cacheMisses    *prometheus.CounterVec
	dbCallsTotal   *prometheus.CounterVec
	sharedTotal    prometheus.Counter
	requestSeconds *prometheus.HistogramVec
	inflight       *prometheus.GaugeVec
}

// NewBackend creates a backend with its own metrics registry.
func NewBackend(opts Options) *Backend {
	b := &Backend{
		opts:     opts,
		mux:      http.NewServeMux(),
		cache:    make(map[string]entry),
		registry: prometheus.NewRegistry(),
		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cache_hits_total",
			Help: "Total number of cache hits",
		}, []string{"endpoint"}),
		cacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cache_misses_total",
			Help: "Total number of cache misses",
		}, []string{"endpoint"}),
		dbCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "db_calls_total",
			Help: "Total number of DB calls (simulated backend calls)",
		}, []string{"endpoint"}),
		sharedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "singleflight_shared_total",
			Help: "Total number of requests that shared a singleflight result",
		}),
		requestSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),
		inflight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "inflight_requests",
			Help: "Number of requests currently being processed",
		}, []string{"endpoint"}),
	}
	b.registry.MustRegister(b.cacheHits, b.cacheMisses, b.dbCallsTotal, b.sharedTotal, b.requestSeconds, b.inflight)

	// Pre-create the series so the first scrape already has them.
	for _, ep := range []string{EndpointWithout, EndpointWith} {
		b.cacheHits.WithLabelValues(ep)
		b.cacheMisses.WithLabelValues(ep)
		b.dbCallsTotal.WithLabelValues(ep)
	}

	b.mux.HandleFunc("/api/without-singleflight", b.handleWithout)
	b.mux.HandleFunc("/api/with-singleflight", b.handleWith)
	b.mux.HandleFunc("/api/clear-cache", b.handleClear)
	b.mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	b.mux.Handle("/metrics", promhttp.HandlerFor(b.registry, promhttp.HandlerOpts{}))
	return b
}

// ServeHTTP implements http.Handler.
func (b *Backend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mux.ServeHTTP(w, r)
}

// DBCalls returns how many simulated database calls endpoint made.
func (b *Backend) DBCalls(endpoint string) int64 {
	if v, ok := b.dbCalls.Load(endpoint); ok {
		return v.(*atomic.Int64).Load()
	}
	return 0
}

// Resets returns how many times the reset endpoint was called.
func (b *Backend) Resets() int64 {
	return b.resets.Load()
}

// Shared returns how many requests received a coalesced result.
func (b *Backend) Shared() int64 {
	return b.shared.Load()
}

// Registry returns the backend's metrics registry.
func (b *Backend) Registry() *prometheus.Registry {
	return b.registry
}

func (b *Backend) handleWithout(w http.ResponseWriter, r *http.Request) {
	done := b.track(EndpointWithout)
	defer done()

	if product, ok := b.get(); ok {
		b.cacheHits.WithLabelValues(EndpointWithout).Inc()
		writeProduct(w, product, "HIT")
		return
	}

	b.cacheMisses.WithLabelValues(EndpointWithout).Inc()
	product := b.fetch(EndpointWithout)
	b.set(product)
	writeProduct(w, product, "MISS")
}

func (b *Backend) handleWith(w http.ResponseWriter, r *http.Request) {
	done := b.track(EndpointWith)
	defer done()

	if product, ok := b.get(); ok {
		b.cacheHits.WithLabelValues(EndpointWith).Inc()
		writeProduct(w, product, "HIT")
		return
	}

	b.cacheMisses.WithLabelValues(EndpointWith).Inc()
	v, _, shared := b.group.Do(cacheKey, func() (interface{}, error) {
		if product, ok := b.get(); ok {
			return product, nil
		}
		product := b.fetch(EndpointWith)
		b.set(product)
		return product, nil
	})

	state := "MISS"
	if shared {
		b.shared.Add(1)
		b.sharedTotal.Inc()
		state = "SINGLEFLIGHT-SHARED"
	}
	w.Header().Set("X-Singleflight-Shared", strconv.FormatBool(shared))
	writeProduct(w, v.(*Product), state)
}

func (b *Backend) handleClear(w http.ResponseWriter, r *http.Request) {
	b.resets.Add(1)
	if b.opts.ResetStatus != 0 {
		http.Error(w, "reset failed", b.opts.ResetStatus)
		return
	}

	b.mu.Lock()
	delete(b.cache, cacheKey)
	b.mu.Unlock()

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("Cache cleared"))
}

func (b *Backend) track(endpoint string) func() {
	start := time.Now()
	b.inflight.WithLabelValues(endpoint).Inc()
	return func() {
		b.inflight.WithLabelValues(endpoint).Dec()
		b.requestSeconds.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}
}

func (b *Backend) get() (*Product, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.cache[cacheKey]
	if !ok || (b.opts.CacheTTL > 0 && time.Now().After(e.expires)) {
		return nil, false
	}
	return e.product, true
}

func (b *Backend) set(p *Product) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cache[cacheKey] = entry{product: p, expires: time.Now().Add(b.opts.CacheTTL)}
}

func (b *Backend) fetch(endpoint string) *Product {
	counter, _ := b.dbCalls.LoadOrStore(endpoint, new(atomic.Int64))
	counter.(*atomic.Int64).Add(1)
	b.dbCallsTotal.WithLabelValues(endpoint).Inc()

	time.Sleep(b.opts.DBLatency)

	return &Product{
		ID:        1,
		Name:      "Popular Product",
		Price:     9800,
		FetchedAt: time.Now().Format(time.RFC3339Nano),
		RequestID: b.seq.Add(1),
	}
}

func writeProduct(w http.ResponseWriter, p *Product, cacheState string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Cache", cacheState)
	_ = json.NewEncoder(w).Encode(p)
}

// Server is a Backend listening on a local port.
type Server struct {
	*httptest.Server
	*Backend
}

// NewServer starts a backend on a random local port. Close it when done.
func NewServer(opts Options) *Server {
	backend := NewBackend(opts)
	return &Server{
		Server:  httptest.NewServer(backend),
		Backend: backend,
	}
}
