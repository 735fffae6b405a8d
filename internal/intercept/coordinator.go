// Package intercept implements the two per-call interception
// coordinators: one for reflective/bytecode-boundary operations, one
// for native-boundary operations. The two instances fail and operate
// independently; they share only the trace writer handed to them at
// install time, which they use but never close.
package intercept

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/tracewatch/tracewatch/internal/host"
	"github.com/tracewatch/tracewatch/internal/policy"
	"github.com/tracewatch/tracewatch/internal/trace"
)

// messagePrefix is the fixed diagnostic prefix for stderr output.
const messagePrefix = "tracewatch-agent: "

func logf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, messagePrefix+format+"\n", args...)
}

// AccessDeniedError is returned to the host when the access policy
// denies an operation. The host fails the original operation with it,
// so the traced program observes the denial as an operation failure.
type AccessDeniedError struct {
	Descriptor policy.Descriptor
}

func (e *AccessDeniedError) Error() string {
	return trace.DeniedReasonPrefix + ": " + e.Descriptor.String()
}

// Coordinator owns the interception state for one call boundary.
// Per-call work runs on the calling application thread and takes no
// locks of its own; the only serialization on the hot path is the
// trace writer's internal append mutex, which is never held across
// anything but the write itself.
type Coordinator struct {
	name  string
	event host.EventKind

	writer *trace.Writer  // nil when tracing is inactive
	policy *policy.Policy // nil when unrestricted

	started  atomic.Bool
	inflight *sync.WaitGroup // non-nil only under strict teardown
}

// NewReflect returns the coordinator for reflective and
// bytecode-boundary calls. Reflective calls are traced but never
// policy-restricted.
func NewReflect() *Coordinator {
	return &Coordinator{name: trace.TracerReflect, event: host.EventReflectiveCall}
}

// NewNative returns the coordinator for native-boundary calls,
// classifying each access against p. A nil policy allows everything.
func NewNative(p *policy.Policy) *Coordinator {
	return &Coordinator{name: trace.TracerNative, event: host.EventNativeCall, policy: p}
}

// Name identifies the coordinator in diagnostics.
func (c *Coordinator) Name() string {
	return c.name
}

// TrackInFlight makes every PerCall register with wg for the duration
// of the call, so a strict teardown can drain. Must be called before
// Install; the field is never written afterwards.
func (c *Coordinator) TrackInFlight(wg *sync.WaitGroup) {
	c.inflight = wg
}

// Install registers the per-call callback with the host and takes the
// lent writer reference. A refused registration is this coordinator's
// fatal install failure; it does not disturb the other coordinator.
func (c *Coordinator) Install(h host.Host, w *trace.Writer) error {
	c.writer = w
	if err := h.RegisterCallback(c.event, c.perCall); err != nil {
		return fmt.Errorf("intercept: install %s: %w", c.name, err)
	}
	return nil
}

// NotifyStarted marks the host's auxiliary support as available.
// Until this runs, intercepted calls pass through untraced: symbol
// resolution and call-site patching are not guaranteed ready before
// VM start.
func (c *Coordinator) NotifyStarted(h host.Host) {
	if !h.IsReady() {
		logf("%s: notified before host ready, interception stays inert", c.name)
		return
	}
	c.started.Store(true)
}

// OnUnload is deliberately a no-op. Unregistering would require
// synchronizing against calls still in flight on other threads, and
// that cost would land on every intercepted call; the process is
// exiting anyway.
func (c *Coordinator) OnUnload(h host.Host) {}

// perCall handles one intercepted operation. Policy denial is the
// only error that escapes to the host; everything else is recovered
// here so a tracing problem never breaks the traced program.
func (c *Coordinator) perCall(ev host.Event) (err error) {
	if !c.started.Load() {
		return nil
	}
	if c.inflight != nil {
		c.inflight.Add(1)
		defer c.inflight.Done()
	}
	defer func() {
		if r := recover(); r != nil {
			logf("%s: recovered per-call panic: %v", c.name, r)
			err = nil
		}
	}()

	site := ev.Site
	if site == nil {
		return nil
	}

	if c.policy != nil {
		desc := policy.Descriptor{
			Type:   site.Class,
			Member: site.Member,
			Kind:   accessKind(site.Kind),
		}
		if !c.policy.IsAllowed(desc) {
			denied := &AccessDeniedError{Descriptor: desc}
			c.emit(site, trace.Failure(denied.Error()))
			return denied
		}
	}

	c.emit(site, outcomeOf(site))
	return nil
}

// emit appends one usage record if tracing is active.
func (c *Coordinator) emit(site *host.CallSite, out trace.Outcome) {
	w := c.writer
	if w == nil {
		return
	}
	rec := trace.Record{
		Tracer:   c.name,
		Function: site.Function,
		Args:     site.Args,
		Result:   &out,
	}
	if err := w.Append(rec); err != nil {
		logf("%s: trace append failed: %v", c.name, err)
	}
}

func outcomeOf(site *host.CallSite) trace.Outcome {
	switch {
	case site.Err != "":
		return trace.Failure(site.Err)
	case site.HasValue:
		return trace.Success(site.Result)
	default:
		return trace.SuccessNoValue()
	}
}

func accessKind(k host.MemberKind) policy.AccessKind {
	switch k {
	case host.MemberMethod:
		return policy.AccessMethod
	case host.MemberField:
		return policy.AccessField
	default:
		return policy.AccessClass
	}
}
