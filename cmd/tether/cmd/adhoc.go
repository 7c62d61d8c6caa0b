package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tsarna/tether/pkg/tether/config"
	"github.com/tsarna/tether/pkg/tether/o11y"
	"github.com/tsarna/tether/pkg/tether/router"
	"github.com/tsarna/tether/pkg/tether/wire"
)

// nodeFlags describe the short-lived node used by listen, publish and
// peers. With --config the node comes from a file instead.
type nodeFlags struct {
	name         string
	group        string
	port         int
	unicastPort  int
	iface        string
	codec        string
	unicastCodec string
	configPaths  []string
	node         string
}

func (f *nodeFlags) bind(cmd *cobra.Command) {
	defaults := config.DefaultNode("")
	flags := cmd.Flags()
	flags.StringVar(&f.name, "name", "", "node name (default: cli-<random>)")
	flags.StringVar(&f.group, "group", defaults.MulticastGroup, "multicast group")
	flags.IntVar(&f.port, "port", defaults.MulticastPort, "multicast port")
	flags.IntVar(&f.unicastPort, "unicast-port", 0, "unicast port (0 picks one)")
	flags.StringVar(&f.iface, "interface", "", "network interface for multicast")
	flags.StringVar(&f.codec, "codec", defaults.Codec.String(), "envelope codec (binary, text)")
	flags.StringVar(&f.unicastCodec, "unicast-codec", defaults.UnicastCodec.String(), "codec peers should use towards this node")
	flags.StringSliceVar(&f.configPaths, "config", nil, "take the node from these config files instead")
	flags.StringVar(&f.node, "node", "", "node to use from --config")
}

func (f *nodeFlags) resolve(logger *zap.Logger) (*config.Node, error) {
	if len(f.configPaths) > 0 {
		cfg, diags := config.NewConfig().
			WithLogger(logger).
			WithSources(stringSliceToAnySlice(f.configPaths)...).
			Build()
		if diags.HasErrors() {
			return nil, diags
		}
		return cfg.Select(f.node)
	}

	name := f.name
	if name == "" {
		name = "cli-" + uuid.NewString()[:8]
	}
	n := config.DefaultNode(name)
	n.MulticastGroup = f.group
	n.MulticastPort = f.port
	n.UnicastPort = f.unicastPort
	n.Interface = f.iface

	var err error
	if n.Codec, err = wire.ParseCodec(f.codec); err != nil {
		return nil, err
	}
	if n.UnicastCodec, err = wire.ParseCodec(f.unicastCodec); err != nil {
		return nil, err
	}
	if err := n.Validate(); err != nil {
		return nil, err
	}
	return n, nil
}

// startNode builds and starts a router for n. Subscriptions added through
// subscribe are registered before the first beacon.
func startNode(ctx context.Context, n *config.Node, logger *zap.Logger, metrics o11y.MetricsProvider,
	subscribe func(*router.Router) error, listeners ...router.PeerListener) (*router.Router, error) {
	b, err := n.RouterBuilder(logger, metrics)
	if err != nil {
		return nil, err
	}
	for _, l := range listeners {
		b = b.WithPeerListener(l)
	}
	r, err := b.Build()
	if err != nil {
		return nil, err
	}
	if subscribe != nil {
		if err := subscribe(r); err != nil {
			return nil, err
		}
	}
	if err := r.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start node %s: %w", n.Name, err)
	}
	return r, nil
}

func stopNode(r *router.Router, n *config.Node, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), n.DrainTimeout+time.Second)
	defer cancel()
	if err := r.Stop(ctx); err != nil {
		logger.Warn("Error stopping node", zap.Error(err))
	}
}

// waitForPeer polls the endpoint table until peer appears.
func waitForPeer(ctx context.Context, r *router.Router, peer string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if _, ok := r.Endpoint(peer); ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("peer %s not seen within %s: %w", peer, timeout, router.ErrUnresolved)
		case <-ticker.C:
		}
	}
}
