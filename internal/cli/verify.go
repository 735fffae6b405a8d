package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tracewatch/tracewatch/internal/trace"
)

func init() {
	rootCmd.AddCommand(verifyCmd)
}

var verifyCmd = &cobra.Command{
	Use:   "verify <trace>",
	Short: "Verify integrity of a trace file",
	Long: "Walks the JSONL trace and validates the hash chain, sequence\n" +
		"numbering, and phase-transition order. Exits 0 if intact, 1 if not.",
	Args: cobra.ExactArgs(1),
	RunE: runVerify,
}

func runVerify(cmd *cobra.Command, args []string) error {
	result := trace.Verify(args[0])
	if result.Valid {
		fmt.Printf("OK: %d records verified (format %s, session %s)\n",
			result.Records, result.Version, result.Session)
		return nil
	}
	if result.ErrorLine > 0 {
		fmt.Fprintf(os.Stderr, "FAILED at line %d: %s\n", result.ErrorLine, result.Error)
	} else {
		fmt.Fprintf(os.Stderr, "FAILED: %s\n", result.Error)
	}
	os.Exit(1)
	return nil
}
