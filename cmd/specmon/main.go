// Command specmon exports SPEC session telemetry to Prometheus.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "specmon",
		Short: "Prometheus exporter for SPEC servers",
		Long: `Specmon connects to a SPEC server and exposes a Prometheus
metrics endpoint.

It exports the session's traffic counters and, for each watched
property, a gauge that tracks the property's value through change
events instead of polling.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		watchCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
