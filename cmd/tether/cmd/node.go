package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/tsarna/tether/pkg/tether/config"
	"github.com/tsarna/tether/pkg/tether/router"
	"github.com/tsarna/tether/pkg/tether/subutils"
)

var nodeCmd = &cobra.Command{
	Use:   "node [config-files-or-directories...]",
	Short: "Run a node",
	Long: `Run a node defined in HCL configuration files or directories.

Deliveries matching the node's subscriptions are logged, cron blocks send
their messages on schedule, and peers coming and going are logged.

Examples:
  tether node tether.hcl
  tether node --node A ./configs/
  tether node --metrics-addr :9100 tether.hcl`,
	Args: cobra.MinimumNArgs(1),
	RunE: runNode,
}

var (
	nodeName        string
	metricsKind     string
	metricsAddr     string
	metricsInterval time.Duration
)

func init() {
	rootCmd.AddCommand(nodeCmd)

	nodeCmd.Flags().StringVar(&nodeName, "node", "", "node to run when the config defines several")
	nodeCmd.Flags().StringVar(&metricsKind, "metrics", "", "metrics provider (none, prom, otel, bus); prom if --metrics-addr is set")
	nodeCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	nodeCmd.Flags().DurationVar(&metricsInterval, "metrics-interval", 10*time.Second, "publish interval for bus metrics")
}

func logPeers(logger *zap.Logger) router.PeerListener {
	return func(ev router.PeerEvent) {
		logger.Info("Peer "+ev.Kind.String(),
			zap.String("peer", ev.Name),
			zap.String("transport", ev.Endpoint.Transport),
			zap.Strings("publications", ev.Endpoint.Publications),
			zap.Strings("subscriptions", ev.Endpoint.Subscriptions),
		)
	}
}

func runNode(cmd *cobra.Command, args []string) error {
	logger, err := setupLogger()
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("Starting tether node",
		zap.Strings("config-paths", args),
		zap.String("log-level", logLevel),
	)

	cfg, diags := config.NewConfig().
		WithLogger(logger).
		WithSources(stringSliceToAnySlice(args)...).
		Build()
	if diags.HasErrors() {
		logger.Error("Failed to build config", zap.Any("diags", diags))
		return diags
	}

	n, err := cfg.Select(nodeName)
	if err != nil {
		return err
	}
	logger = logger.With(zap.String("node", n.Name))

	kind := metricsKind
	if kind == "" && metricsAddr != "" {
		kind = "prom"
	}
	metrics, metricsHandler, err := newMetrics(kind, n.Name, metricsInterval, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var deliveries *subutils.AsyncQueueingHandler
	r, err := startNode(ctx, n, logger, metrics, func(r *router.Router) error {
		if len(n.Subscriptions) == 0 {
			return nil
		}
		deliveries = subutils.NewAsyncQueueingHandler(
			subutils.NewNamedLoggingHandler(nil, logger, zapcore.InfoLevel, "node"), n.QueueSize).Start()
		for _, pattern := range n.Subscriptions {
			if _, err := r.Subscribe(ctx, pattern, deliveries); err != nil {
				return err
			}
		}
		return nil
	}, logPeers(logger))
	if err != nil {
		if deliveries != nil {
			deliveries.Close()
		}
		return err
	}

	scheduler, err := config.NewScheduler(n.Schedules, r.Handle(), logger)
	if err != nil {
		stopNode(r, n, logger)
		return err
	}
	scheduler.Start()

	var server *http.Server
	if metricsHandler != nil && metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metricsHandler)
		server = &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server failed", zap.Error(err))
			}
		}()
		logger.Info("Serving metrics", zap.String("addr", metricsAddr))
	}

	logger.Info("Node running (Press Ctrl+C to exit)")
	<-ctx.Done()
	logger.Info("Shutting down")

	<-scheduler.Stop().Done()
	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = server.Shutdown(shutdownCtx)
		cancel()
	}
	stopNode(r, n, logger)
	if deliveries != nil {
		deliveries.Close()
	}

	stats := r.Stats()
	logger.Info("Shutdown complete",
		zap.Uint64("envelopes_in", stats.EnvelopesIn),
		zap.Uint64("envelopes_out", stats.EnvelopesOut),
		zap.Uint64("decode_errors", stats.DecodeErrors),
	)
	return nil
}
