package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/tracewatch/tracewatch/internal/trace"
)

const (
	ansiRed   = "\033[0;31m"
	ansiGreen = "\033[0;32m"
	ansiCyan  = "\033[0;36m"
	ansiDim   = "\033[2m"
	ansiReset = "\033[0m"
)

var (
	tailLines  int
	tailFollow bool
)

func init() {
	rootCmd.AddCommand(tailCmd)
	tailCmd.Flags().IntVarP(&tailLines, "lines", "n", 10, "Number of recent records to show")
	tailCmd.Flags().BoolVarP(&tailFollow, "follow", "f", false, "Keep watching the trace for new records")
}

var tailCmd = &cobra.Command{
	Use:   "tail <trace>",
	Short: "Show recent trace records",
	Long: "Prints the last N records of a trace, one per line. With --follow,\n" +
		"watches the file and prints records as the agent appends them.",
	Args: cobra.ExactArgs(1),
	RunE: runTail,
}

// colorize is disabled when stdout is not a terminal.
var colorize = isatty.IsTerminal(os.Stdout.Fd())

func paint(color, s string) string {
	if !colorize {
		return s
	}
	return color + s + ansiReset
}

func formatRecord(rec trace.Record) string {
	switch {
	case rec.Event == trace.EventInitialization:
		return fmt.Sprintf("%6d  %s format=%s session=%s pid=%d",
			rec.Seq, paint(ansiDim, "init "), rec.Version, rec.Session, rec.PID)
	case rec.Event == trace.EventPhaseChange:
		return fmt.Sprintf("%6d  %s %s", rec.Seq, paint(ansiCyan, "phase"), rec.Phase)
	default:
		args, _ := json.Marshal(rec.Args)
		status := paint(ansiGreen, "ok   ")
		detail := ""
		if rec.Result != nil && !rec.Result.OK {
			status = paint(ansiRed, "fail ")
			detail = "  " + paint(ansiDim, rec.Result.Reason)
		}
		return fmt.Sprintf("%6d  %s %s %s %s%s",
			rec.Seq, status, rec.Tracer, rec.Function, string(args), detail)
	}
}

func runTail(cmd *cobra.Command, args []string) error {
	path := args[0]
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open trace: %w", err)
	}
	defer f.Close()

	var recent []trace.Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var rec trace.Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue // tail is a viewer, not a verifier
		}
		recent = append(recent, rec)
		if len(recent) > tailLines {
			recent = recent[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan trace: %w", err)
	}
	for _, rec := range recent {
		fmt.Println(formatRecord(rec))
	}

	if !tailFollow {
		return nil
	}

	offset, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return fmt.Errorf("seek: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return followTrace(ctx, path, offset)
}

// followTrace watches the trace file and prints records appended
// after offset. Write events are debounced so a burst of appends is
// read in one pass.
func followTrace(ctx context.Context, path string, offset int64) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		return fmt.Errorf("watch %q: %w", path, err)
	}

	const debounce = 100 * time.Millisecond
	var timer *time.Timer
	fire := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Write) {
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(debounce, func() {
					select {
					case fire <- struct{}{}:
					default:
					}
				})
			}

		case <-fire:
			n, err := printFrom(path, offset)
			if err != nil {
				return err
			}
			offset = n

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			fmt.Fprintf(os.Stderr, "watch error: %v\n", err)
		}
	}
}

// printFrom prints complete records between offset and EOF, returning
// the new offset. A partially written last line is left for the next
// pass.
func printFrom(path string, offset int64) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return offset, fmt.Errorf("reopen trace: %w", err)
	}
	defer f.Close()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return offset, fmt.Errorf("seek: %w", err)
	}

	reader := bufio.NewReader(f)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			// Incomplete trailing line stays unconsumed.
			return offset, nil
		}
		offset += int64(len(line))
		var rec trace.Record
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		fmt.Println(formatRecord(rec))
	}
}
