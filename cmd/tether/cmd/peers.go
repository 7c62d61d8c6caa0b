package cmd

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tsarna/tether/pkg/tether/endpoint"
	"github.com/tsarna/tether/pkg/tether/o11y"
)

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "List discovered peers",
	Long: `Join the bus, wait for beacons and print the endpoint table.

Examples:
  tether peers
  tether peers --wait 10s --interface eth1`,
	Args: cobra.NoArgs,
	RunE: runPeers,
}

var (
	peersNode nodeFlags
	peersWait time.Duration
)

func init() {
	rootCmd.AddCommand(peersCmd)

	peersNode.bind(peersCmd)
	peersCmd.Flags().DurationVar(&peersWait, "wait", 0, "how long to listen for beacons (default: two heartbeats)")
}

func runPeers(cmd *cobra.Command, args []string) error {
	logger, err := setupLogger()
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer logger.Sync()

	n, err := peersNode.resolve(logger)
	if err != nil {
		return err
	}
	wait := peersWait
	if wait <= 0 {
		wait = 2*n.Heartbeat + 500*time.Millisecond
	}

	r, err := startNode(cmd.Context(), n, logger, o11y.Nop(), nil)
	if err != nil {
		return err
	}

	select {
	case <-time.After(wait):
	case <-cmd.Context().Done():
	}
	endpoints := r.Endpoints()
	stopNode(r, n, logger)

	return printEndpoints(cmd.OutOrStdout(), endpoints, time.Now())
}

func printEndpoints(out io.Writer, endpoints []endpoint.Endpoint, now time.Time) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tTRANSPORT\tADDRESS\tCODEC\tLAST SEEN\tPUBLICATIONS\tSUBSCRIPTIONS")
	for _, ep := range endpoints {
		addr := "-"
		if ep.Address != nil {
			addr = ep.Address.String()
		}
		seen := now.Sub(ep.LastSeen).Truncate(time.Millisecond).String() + " ago"
		if ep.Unreachable {
			seen += " (unreachable)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			ep.Name, ep.Transport, addr, orDash(ep.Codec), seen,
			orDash(strings.Join(ep.Publications, ",")), orDash(strings.Join(ep.Subscriptions, ",")))
	}
	return w.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
