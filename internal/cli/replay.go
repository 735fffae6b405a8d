package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/tracewatch/tracewatch/internal/trace"
)

var (
	replayTracer   string
	replayFunction string
	replayDenied   bool
	replayJSON     bool
)

func init() {
	rootCmd.AddCommand(replayCmd)
	replayCmd.Flags().StringVar(&replayTracer, "tracer", "", "Only records from this tracer (reflect, jni)")
	replayCmd.Flags().StringVar(&replayFunction, "function", "", "Only functions containing this substring")
	replayCmd.Flags().BoolVar(&replayDenied, "denied", false, "Only policy-denied records")
	replayCmd.Flags().BoolVar(&replayJSON, "json", false, "Emit the full result as JSON")
}

var replayCmd = &cobra.Command{
	Use:   "replay <trace>",
	Short: "Summarize a trace",
	Long: "Replays a trace in append order, applies the filters, and prints a\n" +
		"summary of what the traced program used.",
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

func runReplay(cmd *cobra.Command, args []string) error {
	path := args[0]
	result, err := trace.Replay(path, trace.ReplayFilter{
		Tracer:     replayTracer,
		Function:   replayFunction,
		DeniedOnly: replayDenied,
	})
	if err != nil {
		return err
	}

	if replayJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}

	var size string
	if info, err := os.Stat(path); err == nil {
		size = humanize.Bytes(uint64(info.Size()))
	}

	s := result.Summary
	fmt.Printf("trace:      %s (%s)\n", path, size)
	fmt.Printf("records:    %s (seq %d..%d)\n", humanize.Comma(int64(s.Total)), s.FirstSeq, s.LastSeq)
	fmt.Printf("reflective: %s\n", humanize.Comma(int64(s.ReflectCount)))
	fmt.Printf("native:     %s\n", humanize.Comma(int64(s.NativeCount)))
	fmt.Printf("phases:     %d\n", s.PhaseCount)
	fmt.Printf("failed:     %s (%s denied by policy)\n",
		humanize.Comma(int64(s.FailedCount)), humanize.Comma(int64(s.DeniedCount)))
	return nil
}
