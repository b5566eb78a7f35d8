package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const defaultConfigPath = "/etc/dashbridge/config.yaml"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "dashbridge",
		Short: "Host bridge for the dashboard power/telemetry MCU",
		Long: `dashbridge talks to the dashboard MCU over its serial link: it verifies
the firmware, subscribes to OBD-II PIDs, streams their values to websocket
clients and powers the host down when the MCU asks.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newSendCmd())
	rootCmd.AddCommand(newPortsCmd())
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}
