// Package agent implements the lifecycle controller: the single entry
// point the host runtime drives. It owns the trace writer and access
// policy, lends them to the two interception coordinators at install
// time, and brackets everything between Attach and Detach.
package agent

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tracewatch/tracewatch/internal/host"
	"github.com/tracewatch/tracewatch/internal/intercept"
	"github.com/tracewatch/tracewatch/internal/policy"
	"github.com/tracewatch/tracewatch/internal/trace"
)

// MessagePrefix is the fixed prefix on every diagnostic the agent
// writes to stderr.
const MessagePrefix = "tracewatch-agent: "

// State is the controller's lifecycle position.
type State int32

const (
	StateUnattached State = iota
	StateAttaching
	StateStarted
	StateLive
	StateDetaching
	StateDetached
)

func (s State) String() string {
	switch s {
	case StateUnattached:
		return "unattached"
	case StateAttaching:
		return "attaching"
	case StateStarted:
		return "started"
	case StateLive:
		return "live"
	case StateDetaching:
		return "detaching"
	case StateDetached:
		return "detached"
	default:
		return "invalid"
	}
}

// Controller orchestrates attach, lifecycle notifications, and
// detach. One instance per traced process; all state lives on the
// instance (never package globals) so tests can run many controllers
// side by side.
type Controller struct {
	host   host.Host
	stderr *os.File

	mu     sync.Mutex // guards lifecycle transitions, never held on the per-call path
	state  State
	cfg    *Config
	writer *trace.Writer

	reflect *intercept.Coordinator
	native  *intercept.Coordinator

	strict   bool
	inflight *sync.WaitGroup

	policyHash   string
	threadsEnded atomic.Int64
}

// Option configures a Controller at construction.
type Option func(*Controller)

// WithStrictTeardown makes Detach block until every in-flight
// intercepted call has drained before closing the writer. Off in
// production: the drain bookkeeping is for tests that need a fully
// clean teardown, and enabling it adds only two atomic operations per
// call, never a lock.
func WithStrictTeardown() Option {
	return func(c *Controller) {
		c.strict = true
		c.inflight = &sync.WaitGroup{}
	}
}

// New returns an unattached controller bound to the given host.
func New(h host.Host, opts ...Option) *Controller {
	c := &Controller{host: h, stderr: os.Stderr}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Controller) logf(format string, args ...any) {
	fmt.Fprintf(c.stderr, MessagePrefix+format+"\n", args...)
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// TracePath returns the resolved trace output path, or "" when
// tracing is disabled.
func (c *Controller) TracePath() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writer == nil {
		return ""
	}
	return c.writer.Path()
}

// PolicyHash returns the hash of the loaded policy document, or ""
// when no policy is configured.
func (c *Controller) PolicyHash() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.policyHash
}

// ThreadsEnded returns how many thread-end notifications have been
// handled.
func (c *Controller) ThreadsEnded() int64 {
	return c.threadsEnded.Load()
}

// Attach parses options, opens the trace output, installs both
// interception coordinators, and registers for lifecycle
// notifications. Returns one of the Exit* codes; anything but ExitOK
// means the agent installed nothing the host needs to care about and
// the host may proceed untraced.
//
// The two coordinators install independently: a failure in one is
// reported but does not stop the attempt to install the other. The
// returned code identifies the first failure site.
func (c *Controller) Attach(options string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateUnattached {
		c.logf("attach rejected: agent already %s", c.state)
		return ExitBadOptions
	}
	c.state = StateAttaching

	cfg, err := ParseOptions(options)
	if err != nil {
		c.logf("%v", err)
		c.state = StateDetached
		return ExitBadOptions
	}
	c.cfg = cfg

	if cfg.TraceOutputSet {
		path := TransformPath(cfg.TraceOutput, os.Getpid(), time.Now())
		if options == "" {
			c.logf("no options provided, writing to file: %s", path)
		}
		w, err := trace.Open(path)
		if err != nil {
			c.logf("%v", err)
			c.state = StateDetached
			return ExitOutputFailed
		}
		c.writer = w
	}

	// Install both coordinators even if the first fails, so operators
	// see every failure site in one attach attempt.
	failCode := ExitOK

	c.reflect = intercept.NewReflect()
	if c.inflight != nil {
		c.reflect.TrackInFlight(c.inflight)
	}
	if err := c.reflect.Install(c.host, c.writer); err != nil {
		c.logf("%v", err)
		failCode = ExitReflectInstallFailed
	}

	var pol *policy.Policy
	var nativeErr error
	if cfg.PolicyPathSet {
		pol, c.policyHash, nativeErr = policy.Load(cfg.PolicyPath)
	}
	if nativeErr == nil {
		c.native = intercept.NewNative(pol)
		if c.inflight != nil {
			c.native.TrackInFlight(c.inflight)
		}
		nativeErr = c.native.Install(c.host, c.writer)
	}
	if nativeErr != nil {
		c.logf("%v", nativeErr)
		if failCode == ExitOK {
			failCode = ExitNativeInstallFailed
		}
	}

	if failCode != ExitOK {
		c.abortAttach()
		return failCode
	}

	if err := c.registerLifecycle(); err != nil {
		c.logf("lifecycle registration failed: %v", err)
		c.abortAttach()
		return ExitReflectInstallFailed
	}

	return ExitOK
}

// abortAttach tears down whatever a failed attach opened. The host
// sees a non-zero status and continues without the agent, so nothing
// may be left holding the output file. Assumes c.mu is held.
func (c *Controller) abortAttach() {
	if c.writer != nil {
		if err := c.writer.Close(); err != nil {
			c.logf("close after failed attach: %v", err)
		}
		c.writer = nil
	}
	c.state = StateDetached
}

// registerLifecycle subscribes the three lifecycle notifications.
// Runs only after both coordinator installs succeeded.
func (c *Controller) registerLifecycle() error {
	if err := c.host.RegisterCallback(host.EventVMStart, c.guard("vm start", c.onVMStart)); err != nil {
		return err
	}
	if err := c.host.RegisterCallback(host.EventVMInit, c.guard("vm init", c.onVMInit)); err != nil {
		return err
	}
	return c.host.RegisterCallback(host.EventThreadEnd, c.onThreadEnd)
}

// guard wraps a lifecycle handler so an unexpected panic is logged
// with the fixed prefix instead of escaping into the host runtime.
func (c *Controller) guard(name string, h host.Handler) host.Handler {
	return func(ev host.Event) error {
		defer func() {
			if r := recover(); r != nil {
				c.logf("recovered panic in %s callback: %v", name, r)
			}
		}()
		return h(ev)
	}
}

// onVMStart runs once, before application code. Deferred setup that
// needs a minimally initialized host environment happens here: the
// coordinators learn that native support is available, and the start
// phase is recorded.
func (c *Controller) onVMStart(host.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateAttaching {
		c.logf("vm start in state %s ignored", c.state)
		return nil
	}
	c.state = StateStarted

	c.reflect.NotifyStarted(c.host)
	c.native.NotifyStarted(c.host)

	if c.writer != nil {
		if err := c.writer.AppendPhase(trace.PhaseStart); err != nil {
			c.logf("%v", err)
		}
	}
	return nil
}

// onVMInit runs once at steady state.
func (c *Controller) onVMInit(host.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateStarted {
		c.logf("vm init in state %s ignored", c.state)
		return nil
	}
	c.state = StateLive

	if c.writer != nil {
		if err := c.writer.AppendPhase(trace.PhaseLive); err != nil {
			c.logf("%v", err)
		}
	}
	return nil
}

// onThreadEnd runs for every terminating application thread. It must
// stay unconditional and cheap: its whole job is letting the host
// release per-thread tracking state, and applications can churn
// through short-lived threads at a high rate. No trace emission, no
// policy lookup, no controller lock.
func (c *Controller) onThreadEnd(host.Event) error {
	c.threadsEnded.Add(1)
	return nil
}

// Detach records the unload phase and closes the writer. It does not
// unregister interception callbacks or synchronize against per-call
// deliveries still running on other threads; those may leak a handle
// or two. Making that clean would put a lock on every intercepted
// call, and the process is exiting. Strict teardown (tests) drains
// in-flight calls first without touching the hot path's locking.
func (c *Controller) Detach() {
	c.mu.Lock()
	switch c.state {
	case StateDetaching, StateDetached:
		c.mu.Unlock()
		return
	}
	c.state = StateDetaching
	writer := c.writer
	c.mu.Unlock()

	if c.strict {
		c.inflight.Wait()
	}

	if writer != nil {
		if err := writer.AppendPhase(trace.PhaseUnload); err != nil {
			c.logf("%v", err)
		}
		if err := writer.Close(); err != nil {
			c.logf("%v", err)
		}
	}

	if c.reflect != nil {
		c.reflect.OnUnload(c.host)
	}
	if c.native != nil {
		c.native.OnUnload(c.host)
	}

	c.mu.Lock()
	c.state = StateDetached
	c.mu.Unlock()
}
