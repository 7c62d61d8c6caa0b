package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tsarna/tether/pkg/tether/o11y"
	"github.com/tsarna/tether/pkg/tether/value"
	"github.com/tsarna/tether/pkg/tether/wire"
)

var publishCmd = &cobra.Command{
	Use:   "publish <type> <payload>",
	Short: "Send one message",
	Long: `Join the bus, send one message and leave.

The payload is JSON; comments and trailing commas are accepted. Without
--to the message is published to every subscriber, otherwise it is sent to
the named peer once that peer has been discovered.

With --raw the payload is sent as given: hex CBOR in the binary codec, or
a JSON object in the text codec. Payloads of unregistered types go out
byte for byte.

Examples:
  tether publish Ping '{"n": 1}'
  tether publish HoverboardCmd '{speed: 120, steer: -4}' --to esp32
  tether publish Telemetry a1617401 --raw`,
	Args: cobra.ExactArgs(2),
	RunE: runPublish,
}

var (
	publishNode    nodeFlags
	publishTo      string
	publishTimeout time.Duration
	publishRaw     bool
)

func init() {
	rootCmd.AddCommand(publishCmd)

	publishNode.bind(publishCmd)
	publishCmd.Flags().StringVar(&publishTo, "to", "", "peer to send to instead of publishing")
	publishCmd.Flags().DurationVar(&publishTimeout, "timeout", 10*time.Second, "how long to wait for the peer")
	publishCmd.Flags().BoolVar(&publishRaw, "raw", false, "send the payload as encoded bytes")
}

// rawPayload reads a --raw payload. A JSON object is text, anything else
// is hex CBOR.
func rawPayload(s string) ([]byte, wire.Codec, error) {
	data, err := parseHex(s)
	if err != nil {
		return nil, wire.Binary, err
	}
	if strings.HasPrefix(strings.TrimSpace(s), "{") {
		if _, err := value.DecodeText(data); err != nil {
			return nil, wire.Text, err
		}
		return data, wire.Text, nil
	}
	if _, err := value.DecodeBinary(data); err != nil {
		return nil, wire.Binary, err
	}
	return data, wire.Binary, nil
}

func runPublish(cmd *cobra.Command, args []string) error {
	logger, err := setupLogger()
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer logger.Sync()

	typeName := args[0]
	var payload value.Value
	var raw []byte
	var codec wire.Codec
	if publishRaw {
		raw, codec, err = rawPayload(args[1])
		if err == nil {
			payload = value.Bytes(raw)
		}
	} else {
		payload, err = value.DecodeTextLenient([]byte(args[1]))
	}
	if err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	n, err := publishNode.resolve(logger)
	if err != nil {
		return err
	}
	n.Publications = append(n.Publications, typeName)

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout+n.Heartbeat)
	defer cancel()

	r, err := startNode(ctx, n, logger, o11y.Nop(), nil)
	if err != nil {
		return err
	}
	defer stopNode(r, n, logger)

	if publishTo != "" {
		if err := waitForPeer(ctx, r, publishTo, publishTimeout); err != nil {
			return err
		}
	}
	switch {
	case publishRaw && publishTo == "":
		err = r.PublishRaw(ctx, typeName, raw, codec)
	case publishRaw:
		err = r.SendRaw(ctx, publishTo, typeName, raw, codec)
	case publishTo == "":
		err = r.PublishValue(ctx, typeName, payload)
	default:
		err = r.SendTo(ctx, publishTo, typeName, payload)
	}
	if err != nil {
		return fmt.Errorf("failed to send %s: %w", typeName, err)
	}

	logger.Info("Message sent",
		zap.String("type", typeName),
		zap.String("to", publishTo),
		zap.Stringer("payload", payload),
	)
	return nil
}
