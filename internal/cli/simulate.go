package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tracewatch/tracewatch/internal/agent"
	"github.com/tracewatch/tracewatch/internal/host"
)

var simulateOptions string

func init() {
	rootCmd.AddCommand(simulateCmd)
	simulateCmd.Flags().StringVar(&simulateOptions, "agent-options",
		"trace-output=tracewatch-simulated.json",
		"Attach option string passed to the agent")
}

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run the agent against a synthetic workload",
	Long: "Attaches the agent to a fake instrumentation host, replays a small\n" +
		"reflective and native workload through it, and detaches. Useful for\n" +
		"producing a real trace without a real runtime.",
	RunE: runSimulate,
}

func runSimulate(cmd *cobra.Command, args []string) error {
	h := host.NewFake()
	a := agent.New(h, agent.WithStrictTeardown())

	if code := a.Attach(simulateOptions); code != agent.ExitOK {
		os.Exit(code)
	}

	if err := h.Start(); err != nil {
		return fmt.Errorf("vm start: %w", err)
	}
	if err := h.Init(); err != nil {
		return fmt.Errorf("vm init: %w", err)
	}

	workload := []struct {
		event host.EventKind
		site  host.CallSite
	}{
		{host.EventReflectiveCall, host.CallSite{
			Function: "Class.forName", Class: "com.example.Greeter",
			Kind: host.MemberClass, Args: []any{"com.example.Greeter"},
			Result: "com.example.Greeter", HasValue: true,
		}},
		{host.EventReflectiveCall, host.CallSite{
			Function: "Class.getMethod", Class: "com.example.Greeter", Member: "greet",
			Kind: host.MemberMethod, Args: []any{"com.example.Greeter", "greet"},
			HasValue: false,
		}},
		{host.EventReflectiveCall, host.CallSite{
			Function: "Class.forName", Class: "com.example.Absent",
			Kind: host.MemberClass, Args: []any{"com.example.Absent"},
			Err: "ClassNotFoundException: com.example.Absent",
		}},
		{host.EventNativeCall, host.CallSite{
			Function: "FindClass", Class: "java.lang.String",
			Kind: host.MemberClass, Args: []any{"java.lang.String"},
			HasValue: true, Result: "0x7f00",
		}},
		{host.EventNativeCall, host.CallSite{
			Function: "GetMethodID", Class: "java.lang.String", Member: "length",
			Kind: host.MemberMethod, Args: []any{"java.lang.String", "length", "()I"},
			HasValue: true, Result: "0x7f08",
		}},
	}
	denials := 0
	for _, step := range workload {
		site := step.site
		if err := h.Call(step.event, &site); err != nil {
			denials++
			fmt.Fprintf(os.Stderr, "workload: %v\n", err)
		}
		if err := h.EndThread(1); err != nil {
			return fmt.Errorf("thread end: %w", err)
		}
	}

	a.Detach()

	fmt.Printf("simulated %d calls (%d denied), trace written to %s\n",
		len(workload), denials, a.TracePath())
	return nil
}
