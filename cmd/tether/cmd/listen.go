package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tsarna/tether/pkg/tether/o11y"
	"github.com/tsarna/tether/pkg/tether/router"
	"github.com/tsarna/tether/pkg/tether/subutils"
	"github.com/tsarna/tether/pkg/tether/value"
)

var listenCmd = &cobra.Command{
	Use:   "listen [patterns...]",
	Short: "Print deliveries as JSON lines",
	Long: `Join the bus and print every delivery matching the patterns as one
JSON object per line. Without patterns everything except Alive beacons is
printed.

Patterns are type globs ("Hover*"), MQTT-style topics, or
"src=...;dst=...;type=..." triples.

Examples:
  tether listen
  tether listen "Hover*" "src=esp32;type=*"
  tether listen --jq '{speed}' HoverboardCmd`,
	RunE: runListen,
}

var (
	listenNode   nodeFlags
	listenJq     string
	listenAlive  bool
	listenBuffer int
)

func init() {
	rootCmd.AddCommand(listenCmd)

	listenNode.bind(listenCmd)
	listenCmd.Flags().StringVar(&listenJq, "jq", "", "jq query applied to each payload")
	listenCmd.Flags().BoolVar(&listenAlive, "alive", false, "include Alive beacons")
	listenCmd.Flags().IntVar(&listenBuffer, "buffer", 1000, "deliveries buffered for printing")
}

// printer writes deliveries as JSON lines.
type printer struct {
	mu  sync.Mutex
	out io.Writer
}

func (p *printer) OnEnvelope(ctx context.Context, h router.Handle, d router.Delivery) error {
	line := value.AppendText(nil, deliveryObject(&d))
	line = append(line, '\n')

	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := p.out.Write(line)
	return err
}

func deliveryObject(d *router.Delivery) value.Value {
	obj := value.NewObject()
	obj.Set("src", value.String(d.Envelope.Src))
	if d.Envelope.Dst != "" {
		obj.Set("dst", value.String(d.Envelope.Dst))
	}
	obj.Set("type", value.String(d.Envelope.TypeOrTag()))
	if d.Transport != "" {
		obj.Set("transport", value.String(d.Transport))
	}
	if !d.Known {
		obj.Set("known", value.Bool(false))
	}
	if len(d.Fields) > 0 {
		fields := value.NewObject()
		for k, v := range d.Fields {
			fields.Set(k, value.String(v))
		}
		obj.Set("fields", fields)
	}
	obj.Set("payload", subutils.DecodedPayload(d))
	return obj
}

func listenHandler(out io.Writer, jq string, alive bool, logger *zap.Logger) (router.Handler, error) {
	var transforms []subutils.TransformFunc
	if !alive {
		drop, err := subutils.DropMatching("Alive")
		if err != nil {
			return nil, err
		}
		transforms = append(transforms, drop)
	}
	if jq != "" {
		tf, err := subutils.JqTransform(jq, logger)
		if err != nil {
			return nil, err
		}
		transforms = append(transforms, tf)
	}
	return subutils.NewTransformingHandler(&printer{out: out}, transforms...), nil
}

func runListen(cmd *cobra.Command, args []string) error {
	logger, err := setupLogger()
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer logger.Sync()

	patterns := args
	if len(patterns) == 0 {
		patterns = []string{"*"}
	}

	n, err := listenNode.resolve(logger)
	if err != nil {
		return err
	}
	n.Subscriptions = patterns

	handler, err := listenHandler(cmd.OutOrStdout(), listenJq, listenAlive, logger)
	if err != nil {
		return err
	}
	async := subutils.NewAsyncQueueingHandler(handler, listenBuffer).Start()
	defer async.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r, err := startNode(ctx, n, logger, o11y.Nop(), func(r *router.Router) error {
		for _, pattern := range patterns {
			if _, err := r.Subscribe(ctx, pattern, async); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	logger.Info("Listening (Press Ctrl+C to exit)", zap.String("node", n.Name), zap.Strings("patterns", patterns))
	<-ctx.Done()
	stopNode(r, n, logger)
	return nil
}
