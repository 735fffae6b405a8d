package intercept

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/tracewatch/tracewatch/internal/host"
	"github.com/tracewatch/tracewatch/internal/policy"
	"github.com/tracewatch/tracewatch/internal/trace"
)

func newTestWriter(t *testing.T) (*trace.Writer, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "trace.json")
	w, err := trace.Open(path)
	if err != nil {
		t.Fatalf("open writer: %v", err)
	}
	return w, path
}

func startedCoordinator(t *testing.T, c *Coordinator, w *trace.Writer) *host.Fake {
	t.Helper()
	h := host.NewFake()
	if err := c.Install(h, w); err != nil {
		t.Fatalf("install: %v", err)
	}
	h.Start()
	c.NotifyStarted(h)
	return h
}

func forNameSite(class string) *host.CallSite {
	return &host.CallSite{
		Function: "Class.forName",
		Class:    class,
		Kind:     host.MemberClass,
		Args:     []any{class},
		Result:   class,
		HasValue: true,
	}
}

func TestPerCallEmitsUsageRecord(t *testing.T) {
	w, path := newTestWriter(t)
	c := NewReflect()
	h := startedCoordinator(t, c, w)

	if err := h.Call(host.EventReflectiveCall, forNameSite("com.example.Foo")); err != nil {
		t.Fatalf("call: %v", err)
	}
	w.Close()

	result, err := trace.Replay(path, trace.ReplayFilter{Tracer: trace.TracerReflect})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(result.Records) != 1 {
		t.Fatalf("expected 1 reflect record, got %d", len(result.Records))
	}
	rec := result.Records[0]
	if rec.Function != "Class.forName" {
		t.Fatalf("function %q", rec.Function)
	}
	if len(rec.Args) != 1 || rec.Args[0] != "com.example.Foo" {
		t.Fatalf("args %v", rec.Args)
	}
	if rec.Result == nil || !rec.Result.OK || rec.Result.Value != "com.example.Foo" {
		t.Fatalf("result %+v", rec.Result)
	}
}

func TestPerCallInertBeforeNotifyStarted(t *testing.T) {
	w, path := newTestWriter(t)
	c := NewReflect()
	h := host.NewFake()
	if err := c.Install(h, w); err != nil {
		t.Fatalf("install: %v", err)
	}

	// No NotifyStarted: the call must pass through untraced.
	if err := h.Call(host.EventReflectiveCall, forNameSite("com.example.Foo")); err != nil {
		t.Fatalf("call: %v", err)
	}
	w.Close()

	result, err := trace.Replay(path, trace.ReplayFilter{Tracer: trace.TracerReflect})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(result.Records) != 0 {
		t.Fatalf("expected no records before NotifyStarted, got %d", len(result.Records))
	}
}

func TestInstallFailsWhenHostRefuses(t *testing.T) {
	w, _ := newTestWriter(t)
	defer w.Close()

	h := host.NewFake()
	h.RejectRegistration(host.EventNativeCall)

	if err := NewNative(nil).Install(h, w); err == nil {
		t.Fatal("expected install to fail when host refuses registration")
	}
	if err := NewReflect().Install(h, w); err != nil {
		t.Fatalf("reflect install should be unaffected: %v", err)
	}
}

func TestNativeDenialFailsOperationAndRecordsIt(t *testing.T) {
	doc := `[{"name": "java.lang.String", "allDeclaredMethods": true}]`
	p, err := policy.Parse([]byte(doc))
	if err != nil {
		t.Fatalf("parse policy: %v", err)
	}

	w, path := newTestWriter(t)
	c := NewNative(p)
	h := startedCoordinator(t, c, w)

	allowed := &host.CallSite{
		Function: "GetMethodID",
		Class:    "java.lang.String",
		Member:   "length",
		Kind:     host.MemberMethod,
		Args:     []any{"java.lang.String", "length", "()I"},
		HasValue: true,
		Result:   "0x1234",
	}
	if err := h.Call(host.EventNativeCall, allowed); err != nil {
		t.Fatalf("allowed call failed: %v", err)
	}

	denied := &host.CallSite{
		Function: "GetMethodID",
		Class:    "com.example.Secret",
		Member:   "run",
		Kind:     host.MemberMethod,
		Args:     []any{"com.example.Secret", "run", "()V"},
	}
	err = h.Call(host.EventNativeCall, denied)
	var accessErr *AccessDeniedError
	if !errors.As(err, &accessErr) {
		t.Fatalf("expected AccessDeniedError, got %v", err)
	}
	w.Close()

	result, err := trace.Replay(path, trace.ReplayFilter{Tracer: trace.TracerNative})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(result.Records) != 2 {
		t.Fatalf("expected 2 native records, got %d", len(result.Records))
	}
	if !result.Records[0].Result.OK {
		t.Fatalf("allowed call recorded as failure: %+v", result.Records[0].Result)
	}
	deniedRec := result.Records[1]
	if deniedRec.Result.OK {
		t.Fatal("denied call recorded as success")
	}
	if got := deniedRec.Result.Reason; got != "access denied: method com.example.Secret.run" {
		t.Fatalf("denial reason %q", got)
	}
	if result.Summary.DeniedCount != 1 {
		t.Fatalf("denied count %d", result.Summary.DeniedCount)
	}
}

func TestNilPolicyAllowsEverything(t *testing.T) {
	w, path := newTestWriter(t)
	c := NewNative(nil)
	h := startedCoordinator(t, c, w)

	site := &host.CallSite{
		Function: "FindClass",
		Class:    "com.example.Anything",
		Kind:     host.MemberClass,
		Args:     []any{"com.example.Anything"},
		HasValue: true,
		Result:   "0xbeef",
	}
	if err := h.Call(host.EventNativeCall, site); err != nil {
		t.Fatalf("call with nil policy failed: %v", err)
	}
	w.Close()

	result, _ := trace.Replay(path, trace.ReplayFilter{Tracer: trace.TracerNative})
	if len(result.Records) != 1 || !result.Records[0].Result.OK {
		t.Fatalf("unexpected records: %+v", result.Records)
	}
}

func TestFailedOriginalOperationRecordsReason(t *testing.T) {
	w, path := newTestWriter(t)
	c := NewReflect()
	h := startedCoordinator(t, c, w)

	site := &host.CallSite{
		Function: "Class.forName",
		Class:    "com.example.Missing",
		Kind:     host.MemberClass,
		Args:     []any{"com.example.Missing"},
		Err:      "ClassNotFoundException: com.example.Missing",
	}
	if err := h.Call(host.EventReflectiveCall, site); err != nil {
		t.Fatalf("call: %v", err)
	}
	w.Close()

	result, _ := trace.Replay(path, trace.ReplayFilter{})
	rec := result.Records[len(result.Records)-1]
	if rec.Result.OK || rec.Result.Reason != "ClassNotFoundException: com.example.Missing" {
		t.Fatalf("unexpected outcome: %+v", rec.Result)
	}
	if result.Summary.DeniedCount != 0 {
		t.Fatal("a plain failure must not count as a denial")
	}
}

func TestPerCallWithoutWriterStillEnforcesPolicy(t *testing.T) {
	doc := `[{"name": "java.lang.String"}]`
	p, err := policy.Parse([]byte(doc))
	if err != nil {
		t.Fatal(err)
	}

	c := NewNative(p)
	h := host.NewFake()
	if err := c.Install(h, nil); err != nil {
		t.Fatalf("install: %v", err)
	}
	h.Start()
	c.NotifyStarted(h)

	err = h.Call(host.EventNativeCall, &host.CallSite{
		Function: "FindClass",
		Class:    "com.example.Secret",
		Kind:     host.MemberClass,
	})
	var accessErr *AccessDeniedError
	if !errors.As(err, &accessErr) {
		t.Fatalf("expected denial without writer, got %v", err)
	}
}

func TestConcurrentPerCallsFromManyThreads(t *testing.T) {
	w, path := newTestWriter(t)
	reflect := NewReflect()
	native := NewNative(nil)
	h := host.NewFake()
	if err := reflect.Install(h, w); err != nil {
		t.Fatal(err)
	}
	if err := native.Install(h, w); err != nil {
		t.Fatal(err)
	}
	h.Start()
	reflect.NotifyStarted(h)
	native.NotifyStarted(h)

	const goroutines = 12
	const perGoroutine = 40
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				if n%2 == 0 {
					h.Call(host.EventReflectiveCall, forNameSite("com.example.Foo"))
				} else {
					h.Call(host.EventNativeCall, &host.CallSite{
						Function: "GetFieldID",
						Class:    "com.example.Bar",
						Member:   "count",
						Kind:     host.MemberField,
					})
				}
				h.EndThread(int64(n))
			}
		}(g)
	}
	wg.Wait()
	w.Close()

	verify := trace.Verify(path)
	if !verify.Valid {
		t.Fatalf("trace invalid after concurrent calls: %s (line %d)", verify.Error, verify.ErrorLine)
	}
	result, _ := trace.Replay(path, trace.ReplayFilter{})
	want := goroutines * perGoroutine
	if result.Summary.ReflectCount+result.Summary.NativeCount != want {
		t.Fatalf("expected %d usage records, got %d", want,
			result.Summary.ReflectCount+result.Summary.NativeCount)
	}
}
