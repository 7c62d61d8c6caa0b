package cmd

import (
	"github.com/spf13/cobra"
)

// Version is set at link time.
var Version = "dev"

var (
	verbose  bool
	debug    bool
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "tether",
	Short: "Self-describing pub/sub bus",
	Long: `Tether connects nodes over UDP multicast, serial links and WebSocket
bridges. Nodes announce themselves with periodic Alive beacons and
exchange typed messages addressed by name.

Run a node from an HCL configuration with "tether node", or join the bus
briefly to listen, publish or list peers.`,
	SilenceUsage: true,
	Version:      Version,
}

// Execute runs the root command. It is called once by main.main().
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "debug output")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level (debug, info, warn, error)")
}

func GetVerbose() bool {
	return verbose
}

func GetDebug() bool {
	return debug
}
