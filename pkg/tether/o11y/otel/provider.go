// Package otel provides OpenTelemetry implementations of the tether
// metrics interfaces.
package otel

import (
	"context"
	"sort"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/tsarna/tether/pkg/tether/o11y"
)

// Provider implements o11y.MetricsProvider on an OpenTelemetry meter.
type Provider struct {
	meter metric.Meter
}

// NewProvider uses the global meter provider.
func NewProvider(serviceName, serviceVersion string) *Provider {
	return &Provider{
		meter: otel.Meter(serviceName, metric.WithInstrumentationVersion(serviceVersion)),
	}
}

// NewProviderWithMeter uses an explicit meter, e.g. from a test reader.
func NewProviderWithMeter(meter metric.Meter) *Provider {
	return &Provider{meter: meter}
}

func (p *Provider) Counter(name string) o11y.Counter {
	counter, _ := p.meter.Int64Counter(name)
	return &otelCounter{counter: counter}
}

func (p *Provider) Histogram(name string) o11y.Histogram {
	histogram, _ := p.meter.Float64Histogram(name)
	return &otelHistogram{histogram: histogram}
}

// Gauge is backed by an UpDownCounter that is moved by the difference from
// the last value set for the same label set.
func (p *Provider) Gauge(name string) o11y.Gauge {
	gauge, _ := p.meter.Float64UpDownCounter(name)
	return &otelGauge{gauge: gauge, last: make(map[string]float64)}
}

func attrs(labels []o11y.Label) []attribute.KeyValue {
	out := make([]attribute.KeyValue, len(labels))
	for i, label := range labels {
		out[i] = attribute.String(label.Key, label.Value)
	}
	return out
}

type otelCounter struct {
	counter metric.Int64Counter
}

func (c *otelCounter) Add(ctx context.Context, value int64, labels ...o11y.Label) {
	c.counter.Add(ctx, value, metric.WithAttributes(attrs(labels)...))
}

type otelHistogram struct {
	histogram metric.Float64Histogram
}

func (h *otelHistogram) Record(ctx context.Context, value float64, labels ...o11y.Label) {
	h.histogram.Record(ctx, value, metric.WithAttributes(attrs(labels)...))
}

type otelGauge struct {
	gauge metric.Float64UpDownCounter
	mu    sync.Mutex
	last  map[string]float64
}

func (g *otelGauge) Set(ctx context.Context, value float64, labels ...o11y.Label) {
	parts := make([]string, len(labels))
	for i, l := range labels {
		parts[i] = l.Key + "=" + l.Value
	}
	sort.Strings(parts)
	k := strings.Join(parts, ",")

	g.mu.Lock()
	delta := value - g.last[k]
	g.last[k] = value
	g.mu.Unlock()

	if delta != 0 {
		g.gauge.Add(ctx, delta, metric.WithAttributes(attrs(labels)...))
	}
}
