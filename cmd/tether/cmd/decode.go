package cmd

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tsarna/tether/pkg/tether/presence"
	"github.com/tsarna/tether/pkg/tether/value"
	"github.com/tsarna/tether/pkg/tether/wire"
)

var decodeCmd = &cobra.Command{
	Use:   "decode <hex>",
	Short: "Decode an envelope",
	Long: `Decode one envelope given as hex, or read from stdin with "-".
Binary envelopes are shown in CBOR diagnostic notation as well.

Examples:
  tether decode a4636473746041...
  xxd -p capture.bin | tether decode -`,
	Args: cobra.ExactArgs(1),
	RunE: runDecode,
}

func init() {
	rootCmd.AddCommand(decodeCmd)
}

func runDecode(cmd *cobra.Command, args []string) error {
	input := args[0]
	if input == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return err
		}
		input = string(data)
	}
	data, err := parseHex(input)
	if err != nil {
		return err
	}
	if err := presence.Register(wire.DefaultRegistry); err != nil {
		return err
	}
	return describeEnvelope(cmd.OutOrStdout(), data, wire.DefaultRegistry)
}

// parseHex accepts hex with optional whitespace and a 0x prefix. Input
// starting with '{' is taken as a text envelope.
func parseHex(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "{") {
		return []byte(s), nil
	}
	s = strings.TrimPrefix(s, "0x")
	s = strings.Join(strings.Fields(s), "")
	data, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex: %w", err)
	}
	return data, nil
}

func describeEnvelope(out io.Writer, data []byte, registry *wire.Registry) error {
	e, codec, err := wire.Decode(data)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "codec:   %s\n", codec)
	fmt.Fprintf(out, "src:     %s\n", e.Src)
	if e.Dst != "" {
		fmt.Fprintf(out, "dst:     %s\n", e.Dst)
	}
	if e.Tag != 0 {
		fmt.Fprintf(out, "tag:     %d\n", e.Tag)
	}
	if err := registry.Resolve(&e); err != nil {
		fmt.Fprintf(out, "type:    %s (unresolved)\n", e.TypeOrTag())
	} else {
		fmt.Fprintf(out, "type:    %s\n", e.Type)
	}

	if codec == wire.Binary {
		diag, err := wire.Diagnose(data)
		if err == nil {
			fmt.Fprintf(out, "cbor:    %s\n", diag)
		}
	}

	payload, err := registry.DecodeTyped(e.Type, e.Payload, codec)
	known := err == nil
	if errors.Is(err, wire.ErrUnknownType) {
		decode := value.DecodeBinary
		if codec == wire.Text {
			decode = value.DecodeText
		}
		payload, err = decode(e.Payload)
	}
	if err != nil {
		return fmt.Errorf("payload: %w", err)
	}
	if !known {
		fmt.Fprintln(out, "known:   false")
	}
	fmt.Fprintf(out, "payload: %s\n", value.EncodeText(payload))
	return nil
}
