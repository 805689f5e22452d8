package stampedetest

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestBackend_CacheFill(t *testing.T) {
	b := NewBackend(Options{CacheTTL: time.Minute})

	first := get(t, b, "/api/without-singleflight")
	require.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, "MISS", first.Header().Get("X-Cache"))
	assert.Equal(t, "application/json", first.Header().Get("Content-Type"))

	var p Product
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &p))
	assert.Equal(t, 1, p.ID)
	assert.Equal(t, int64(1), p.RequestID)

	second := get(t, b, "/api/with-singleflight")
	assert.Equal(t, "HIT", second.Header().Get("X-Cache"))
	assert.Equal(t, int64(1), b.DBCalls(EndpointWithout))
	assert.Equal(t, int64(0), b.DBCalls(EndpointWith))
}

func TestBackend_ClearIsIdempotent(t *testing.T) {
	b := NewBackend(Options{})

	for i := 0; i < 3; i++ {
		rec := get(t, b, "/api/clear-cache")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "Cache cleared", rec.Body.String())
	}
	assert.Equal(t, int64(3), b.Resets())

	get(t, b, "/api/with-singleflight")
	get(t, b, "/api/clear-cache")
	get(t, b, "/api/clear-cache")
	rec := get(t, b, "/api/with-singleflight")
	assert.Equal(t, "MISS", rec.Header().Get("X-Cache"))
	assert.Equal(t, int64(2), b.DBCalls(EndpointWith))
}

func TestBackend_ResetStatus(t *testing.T) {
	b := NewBackend(Options{ResetStatus: http.StatusServiceUnavailable})

	get(t, b, "/api/without-singleflight")
	rec := get(t, b, "/api/clear-cache")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, int64(1), b.Resets())

	// The cache survived the failed reset.
	assert.Equal(t, "HIT", get(t, b, "/api/without-singleflight").Header().Get("X-Cache"))
}

func TestBackend_TTLExpiry(t *testing.T) {
	b := NewBackend(Options{CacheTTL: 20 * time.Millisecond})

	get(t, b, "/api/without-singleflight")
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, "MISS", get(t, b, "/api/without-singleflight").Header().Get("X-Cache"))
	assert.Equal(t, int64(2), b.DBCalls(EndpointWithout))
}

func burst(t *testing.T, b http.Handler, path string, n int) []*httptest.ResponseRecorder {
	t.Helper()
	recs := make([]*httptest.ResponseRecorder, n)
	start := make(chan struct{})

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			rec := httptest.NewRecorder()
			b.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
			recs[i] = rec
		}(i)
	}
	close(start)
	wg.Wait()
	return recs
}

func TestBackend_BurstWithoutSingleflight(t *testing.T) {
	b := NewBackend(Options{DBLatency: 100 * time.Millisecond})

	recs := burst(t, b, "/api/without-singleflight", 50)
	for _, rec := range recs {
		assert.Equal(t, http.StatusOK, rec.Code)
	}
	assert.Greater(t, b.DBCalls(EndpointWithout), int64(1))
	assert.Equal(t, int64(0), b.Shared())
}

func TestBackend_BurstWithSingleflight(t *testing.T) {
	b := NewBackend(Options{DBLatency: 100 * time.Millisecond})

	recs := burst(t, b, "/api/with-singleflight", 50)

	seen := map[int64]bool{}
	for _, rec := range recs {
		require.Equal(t, http.StatusOK, rec.Code)
		var p Product
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
		seen[p.RequestID] = true
	}

	assert.Equal(t, int64(1), b.DBCalls(EndpointWith))
	assert.Len(t, seen, 1, "every caller got the one fetched product")
	assert.Greater(t, b.Shared(), int64(0))
}

func TestBackend_Metrics(t *testing.T) {
	b := NewBackend(Options{})
	get(t, b, "/api/with-singleflight")
	get(t, b, "/api/with-singleflight")

	rec := get(t, b, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `db_calls_total{endpoint="with_singleflight"} 1`)
	assert.Contains(t, body, `db_calls_total{endpoint="without_singleflight"} 0`)
	assert.Contains(t, body, `cache_hits_total{endpoint="with_singleflight"} 1`)
	assert.Contains(t, body, "singleflight_shared_total")
}

func TestServer(t *testing.T) {
	s := NewServer(DefaultOptions())
	defer s.Close()

	resp, err := s.Client().Get(s.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "OK", strings.TrimSpace(string(body)))
	assert.Equal(t, int64(0), s.DBCalls(EndpointWith))
}
