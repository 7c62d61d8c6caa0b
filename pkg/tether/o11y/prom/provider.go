// Package prom exposes tether metrics through a Prometheus registry.
package prom

import (
	"context"
	"net/http"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/tsarna/tether/pkg/tether/o11y"
)

// Provider implements o11y.MetricsProvider. The label names of a metric are
// fixed by its first use; later calls with other keys fill missing labels
// with "" and drop unknown ones.
type Provider struct {
	registry *prometheus.Registry
	logger   *zap.Logger

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
	labelKeys  map[string][]string
}

func NewProvider(registry *prometheus.Registry, logger *zap.Logger) *Provider {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		registry:   registry,
		logger:     logger,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		labelKeys:  make(map[string][]string),
	}
}

func (p *Provider) Registry() *prometheus.Registry { return p.registry }

// Handler serves the registry in the Prometheus exposition format.
func (p *Provider) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func (p *Provider) Counter(name string) o11y.Counter { return &promMetric{p: p, name: name} }

func (p *Provider) Histogram(name string) o11y.Histogram { return &promMetric{p: p, name: name} }

func (p *Provider) Gauge(name string) o11y.Gauge { return &promMetric{p: p, name: name} }

// keysLocked returns the label names of name, fixing them on first use.
func (p *Provider) keysLocked(name string, labels []o11y.Label) []string {
	if keys, ok := p.labelKeys[name]; ok {
		return keys
	}
	keys := make([]string, 0, len(labels))
	for _, l := range labels {
		keys = append(keys, l.Key)
	}
	sort.Strings(keys)
	p.labelKeys[name] = keys
	return keys
}

func labelValues(keys []string, labels []o11y.Label) []string {
	vals := make([]string, len(keys))
	for i, k := range keys {
		for _, l := range labels {
			if l.Key == k {
				vals[i] = l.Value
				break
			}
		}
	}
	return vals
}

func (p *Provider) register(name string, c prometheus.Collector) bool {
	if err := p.registry.Register(c); err != nil {
		p.logger.Warn("Failed to register Prometheus collector", zap.String("metric", name), zap.Error(err))
		return false
	}
	return true
}

type promMetric struct {
	p    *Provider
	name string
}

func (m *promMetric) Add(_ context.Context, value int64, labels ...o11y.Label) {
	p := m.p
	p.mu.Lock()
	keys := p.keysLocked(m.name, labels)
	vec, ok := p.counters[m.name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{Name: m.name, Help: m.name}, keys)
		if !p.register(m.name, vec) {
			p.mu.Unlock()
			return
		}
		p.counters[m.name] = vec
	}
	p.mu.Unlock()
	vec.WithLabelValues(labelValues(keys, labels)...).Add(float64(value))
}

func (m *promMetric) Set(_ context.Context, value float64, labels ...o11y.Label) {
	p := m.p
	p.mu.Lock()
	keys := p.keysLocked(m.name, labels)
	vec, ok := p.gauges[m.name]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: m.name, Help: m.name}, keys)
		if !p.register(m.name, vec) {
			p.mu.Unlock()
			return
		}
		p.gauges[m.name] = vec
	}
	p.mu.Unlock()
	vec.WithLabelValues(labelValues(keys, labels)...).Set(value)
}

func (m *promMetric) Record(_ context.Context, value float64, labels ...o11y.Label) {
	p := m.p
	p.mu.Lock()
	keys := p.keysLocked(m.name, labels)
	vec, ok := p.histograms[m.name]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    m.name,
			Help:    m.name,
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
		}, keys)
		if !p.register(m.name, vec) {
			p.mu.Unlock()
			return
		}
		p.histograms[m.name] = vec
	}
	p.mu.Unlock()
	vec.WithLabelValues(labelValues(keys, labels)...).Observe(value)
}
