package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusSink exposes harness records as Prometheus metrics so a
// dashboard can plot harness traffic next to the target's own counters.
type PrometheusSink struct {
	registry *prometheus.Registry

	requests *prometheus.CounterVec
	checks   *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewPrometheusSink creates a sink with its own registry.
func NewPrometheusSink() *PrometheusSink {
	s := &PrometheusSink{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stampede_requests_total",
				Help: "Requests issued by the harness",
			},
			[]string{"scenario", "target", "outcome"},
		),
		checks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stampede_checks_total",
				Help: "Check evaluations by result",
			},
			[]string{"scenario", "check", "result"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "stampede_request_duration_seconds",
				Help:    "Request latency observed by the harness",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"scenario", "target"},
		),
	}
	s.registry.MustRegister(s.requests, s.checks, s.duration)
	return s
}

// Emit implements Sink.
func (s *PrometheusSink) Emit(rec *Record) {
	s.requests.WithLabelValues(rec.Scenario, rec.Target, rec.Outcome).Inc()
	s.duration.WithLabelValues(rec.Scenario, rec.Target).Observe(rec.Latency.Seconds())
	for name, passed := range rec.Checks {
		result := "pass"
		if !passed {
			result = "fail"
		}
		s.checks.WithLabelValues(rec.Scenario, name, result).Inc()
	}
}

// Close implements Sink.
func (s *PrometheusSink) Close() error { return nil }

// Registry returns the registry backing this sink.
func (s *PrometheusSink) Registry() *prometheus.Registry {
	return s.registry
}

// Handler returns an HTTP handler serving the sink's metrics.
func (s *PrometheusSink) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}
