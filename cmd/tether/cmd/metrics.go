package cmd

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/tsarna/tether/pkg/tether/o11y"
	otelmetrics "github.com/tsarna/tether/pkg/tether/o11y/otel"
	"github.com/tsarna/tether/pkg/tether/o11y/prom"
)

// newMetrics returns the provider named by kind, and for "prom" the handler
// serving it.
//
//	none  no metrics
//	prom  Prometheus registry, served on --metrics-addr
//	otel  the global OpenTelemetry meter provider
//	bus   in-memory, published on the bus as Metrics messages
func newMetrics(kind, node string, interval time.Duration, logger *zap.Logger) (o11y.MetricsProvider, http.Handler, error) {
	switch kind {
	case "", "none":
		return o11y.Nop(), nil, nil
	case "prom", "prometheus":
		p := prom.NewProvider(prometheus.NewRegistry(), logger)
		return p, p.Handler(), nil
	case "otel":
		return otelmetrics.NewProvider("tether", Version), nil, nil
	case "bus":
		return o11y.NewStandalone(o11y.StandaloneConfig{
			Interval:    interval,
			ServiceName: node,
		}, logger), nil, nil
	}
	return nil, nil, fmt.Errorf("unknown metrics provider %q", kind)
}
