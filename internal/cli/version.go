package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tracewatch/tracewatch/internal/trace"
)

// Version is set by ldflags at build time.
var Version = "dev"

func init() {
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version and trace format information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("tracewatch %s (trace format %s)\n", Version, trace.FormatVersion)
	},
}
