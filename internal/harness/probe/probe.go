// Package probe reads the target's own Prometheus counters so a run can
// report how many backend fills each phase caused.
package probe

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

// Series is one labelled value of a metric family.
type Series struct {
	Name   string            `json:"name"`
	Labels map[string]string `json:"labels,omitempty"`
	Value  float64           `json:"value"`
}

// Matches reports whether the series agrees with every matcher. A series
// that does not carry a matcher's label at all is not split along that
// dimension and matches.
func (s Series) Matches(matchers map[string]string) bool {
	for k, v := range matchers {
		if have, ok := s.Labels[k]; ok && have != v {
			return false
		}
	}
	return true
}

// Sample is the result of one scrape.
type Sample []Series

// Sum adds the values of all series of metric matching matchers.
func (s Sample) Sum(metric string, matchers map[string]string) float64 {
	var total float64
	for _, series := range s {
		if series.Name == metric && series.Matches(matchers) {
			total += series.Value
		}
	}
	return total
}

// Delta returns after minus before for each metric, restricted to series
// matching matchers. Metrics missing from both samples are reported as 0.
func Delta(before, after Sample, metrics []string, matchers map[string]string) map[string]float64 {
	delta := make(map[string]float64, len(metrics))
	for _, metric := range metrics {
		delta[metric] = after.Sum(metric, matchers) - before.Sum(metric, matchers)
	}
	return delta
}

// Probe scrapes a Prometheus text endpoint.
type Probe struct {
	client  *http.Client
	url     string
	metrics map[string]bool
}

// New creates a probe of url keeping only the named metric families. With no
// names every family is kept.
func New(client *http.Client, url string, metrics []string) *Probe {
	if client == nil {
		client = http.DefaultClient
	}
	keep := make(map[string]bool, len(metrics))
	for _, m := range metrics {
		keep[m] = true
	}
	return &Probe{client: client, url: url, metrics: keep}
}

// URL returns the scraped endpoint.
func (p *Probe) URL() string {
	return p.url
}

// Scrape fetches and parses the endpoint once.
func (p *Probe) Scrape(ctx context.Context) (Sample, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build probe request: %w", err)
	}
	req.Header.Set("Accept", "text/plain")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("probe %s: %w", p.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("probe %s returned %d", p.url, resp.StatusCode)
	}

	return p.Parse(resp.Body)
}

// Parse reads Prometheus text exposition format.
func (p *Probe) Parse(r io.Reader) (Sample, error) {
	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse metrics: %w", err)
	}

	names := make([]string, 0, len(families))
	for name := range families {
		if len(p.metrics) == 0 || p.metrics[name] {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var sample Sample
	for _, name := range names {
		family := families[name]
		for _, m := range family.GetMetric() {
			value, ok := metricValue(family.GetType(), m)
			if !ok {
				continue
			}
			series := Series{Name: name, Value: value}
			if labels := m.GetLabel(); len(labels) > 0 {
				series.Labels = make(map[string]string, len(labels))
				for _, lp := range labels {
					series.Labels[lp.GetName()] = lp.GetValue()
				}
			}
			sample = append(sample, series)
		}
	}
	return sample, nil
}

func metricValue(kind dto.MetricType, m *dto.Metric) (float64, bool) {
	switch kind {
	case dto.MetricType_COUNTER:
		return m.GetCounter().GetValue(), true
	case dto.MetricType_GAUGE:
		return m.GetGauge().GetValue(), true
	case dto.MetricType_UNTYPED:
		return m.GetUntyped().GetValue(), true
	default:
		return 0, false
	}
}

// FormatMatchers renders matchers as {k="v",...} for logs and reports.
func FormatMatchers(matchers map[string]string) string {
	if len(matchers) == 0 {
		return ""
	}
	keys := make([]string, 0, len(matchers))
	for k := range matchers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%q", k, matchers[k])
	}
	return "{" + strings.Join(parts, ",") + "}"
}
