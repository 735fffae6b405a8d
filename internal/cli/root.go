// Package cli wires the tracewatch command tree: offline tooling for
// traces the usage-tracing agent produced, plus a simulator that
// drives the agent in-process.
package cli

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "tracewatch",
	Short: "Usage-trace tooling for the tracewatch agent",
	Long: "Inspects, verifies, and consumes the append-only usage traces the\n" +
		"tracewatch agent records, and synthesizes ahead-of-time reachability\n" +
		"configuration from them.",
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
