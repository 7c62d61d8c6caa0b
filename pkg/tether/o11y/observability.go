// Package o11y holds the metrics abstractions used across tether. Any
// backend (OpenTelemetry, Prometheus, the in-process Standalone provider)
// can sit behind them.
package o11y

import (
	"context"
)

// MetricsProvider abstracts metrics collection.
type MetricsProvider interface {
	Counter(name string) Counter
	Histogram(name string) Histogram
	Gauge(name string) Gauge
}

// Counter represents a monotonically increasing metric
type Counter interface {
	Add(ctx context.Context, value int64, labels ...Label)
}

// Histogram records distribution of values
type Histogram interface {
	Record(ctx context.Context, value float64, labels ...Label)
}

// Gauge represents a value that can go up and down
type Gauge interface {
	Set(ctx context.Context, value float64, labels ...Label)
}

// Label represents a key-value pair attached to a measurement
type Label struct {
	Key   string
	Value string
}

func L(key, value string) Label { return Label{Key: key, Value: value} }

// Metric names recorded by the router and transports.
const (
	MetricEnvelopesIn      = "tether_envelopes_received_total"
	MetricEnvelopesOut     = "tether_envelopes_sent_total"
	MetricDecodeErrors     = "tether_decode_errors_total"
	MetricUnknownTypes     = "tether_unknown_types_total"
	MetricUnknownTags      = "tether_unknown_tags_total"
	MetricQueueFull        = "tether_queue_full_total"
	MetricSendErrors       = "tether_send_errors_total"
	MetricHandlerPanics    = "tether_handler_panics_total"
	MetricTransportRestart = "tether_transport_restarts_total"
	MetricBeacons          = "tether_beacons_sent_total"
	MetricPeers            = "tether_peers"
	MetricQueueDepth       = "tether_queue_depth"
	MetricDispatchSeconds  = "tether_dispatch_seconds"
	MetricFrameErrors      = "tether_frame_errors_total"
	MetricInboundDropped   = "tether_inbound_dropped_total"
)

type nopProvider struct{}

type nopMetric struct{}

func (nopMetric) Add(context.Context, int64, ...Label)      {}
func (nopMetric) Record(context.Context, float64, ...Label) {}
func (nopMetric) Set(context.Context, float64, ...Label)    {}

func (nopProvider) Counter(string) Counter     { return nopMetric{} }
func (nopProvider) Histogram(string) Histogram { return nopMetric{} }
func (nopProvider) Gauge(string) Gauge         { return nopMetric{} }

// Nop discards every measurement.
func Nop() MetricsProvider { return nopProvider{} }
