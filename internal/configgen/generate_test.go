package configgen

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/tracewatch/tracewatch/internal/policy"
	"github.com/tracewatch/tracewatch/internal/trace"
)

func writeTrace(t *testing.T, build func(w *trace.Writer)) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "trace.json")
	w, err := trace.Open(path)
	if err != nil {
		t.Fatalf("open trace: %v", err)
	}
	build(w)
	if err := w.Close(); err != nil {
		t.Fatalf("close trace: %v", err)
	}
	return path
}

func appendUsage(t *testing.T, w *trace.Writer, tracer, fn string, out trace.Outcome, args ...any) {
	t.Helper()
	if err := w.Append(trace.Record{Tracer: tracer, Function: fn, Args: args, Result: &out}); err != nil {
		t.Fatalf("append: %v", err)
	}
}

func memoryGenerator(t *testing.T, opts *Options) *Generator {
	t.Helper()
	store, err := OpenStore(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return New(opts, store)
}

func TestConsumeAndEntries(t *testing.T) {
	path := writeTrace(t, func(w *trace.Writer) {
		w.AppendPhase(trace.PhaseStart)
		w.AppendPhase(trace.PhaseLive)
		appendUsage(t, w, trace.TracerReflect, "Class.forName", trace.Success("com.example.Foo"), "com.example.Foo")
		appendUsage(t, w, trace.TracerReflect, "Class.getMethod", trace.SuccessNoValue(), "com.example.Foo", "run")
		appendUsage(t, w, trace.TracerReflect, "Class.getDeclaredField", trace.SuccessNoValue(), "com.example.Foo", "count")
		appendUsage(t, w, trace.TracerNative, "GetMethodID", trace.SuccessNoValue(), "java.lang.String", "length")
		// Duplicates collapse.
		appendUsage(t, w, trace.TracerNative, "GetMethodID", trace.SuccessNoValue(), "java.lang.String", "length")
		// Failures and denials never become configuration.
		appendUsage(t, w, trace.TracerReflect, "Class.forName", trace.Failure("ClassNotFoundException"), "com.example.Missing")
		appendUsage(t, w, trace.TracerNative, "GetMethodID",
			trace.Failure(trace.DeniedReasonPrefix+": method com.example.Secret.run"), "com.example.Secret", "run")
		w.AppendPhase(trace.PhaseUnload)
	})

	g := memoryGenerator(t, nil)
	if err := g.Consume(path); err != nil {
		t.Fatalf("consume: %v", err)
	}

	reflect, err := g.Entries(trace.TracerReflect)
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(reflect) != 1 || reflect[0].Name != "com.example.Foo" {
		t.Fatalf("reflect entries: %+v", reflect)
	}
	if len(reflect[0].Methods) != 1 || reflect[0].Methods[0].Name != "run" {
		t.Fatalf("reflect methods: %+v", reflect[0].Methods)
	}
	if len(reflect[0].Fields) != 1 || reflect[0].Fields[0].Name != "count" {
		t.Fatalf("reflect fields: %+v", reflect[0].Fields)
	}

	native, err := g.Entries(trace.TracerNative)
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(native) != 1 || native[0].Name != "java.lang.String" {
		t.Fatalf("native entries: %+v", native)
	}
	if len(native[0].Methods) != 1 || native[0].Methods[0].Name != "length" {
		t.Fatalf("native methods: %+v", native[0].Methods)
	}
}

func TestConsumeMergesAcrossRunsViaStore(t *testing.T) {
	first := writeTrace(t, func(w *trace.Writer) {
		appendUsage(t, w, trace.TracerNative, "FindClass", trace.SuccessNoValue(), "com.example.A")
	})
	second := writeTrace(t, func(w *trace.Writer) {
		appendUsage(t, w, trace.TracerNative, "FindClass", trace.SuccessNoValue(), "com.example.B")
	})

	dbPath := filepath.Join(t.TempDir(), "state.db")

	store, err := OpenStore(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	if err := New(nil, store).Consume(first); err != nil {
		t.Fatalf("first run: %v", err)
	}
	store.Close()

	store, err = OpenStore(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	g := New(nil, store)
	if err := g.Consume(second); err != nil {
		t.Fatalf("second run: %v", err)
	}

	entries, err := g.Entries(trace.TracerNative)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[0].Name != "com.example.A" || entries[1].Name != "com.example.B" {
		t.Fatalf("merged entries: %+v", entries)
	}
}

func TestOptionsFilterTypes(t *testing.T) {
	path := writeTrace(t, func(w *trace.Writer) {
		appendUsage(t, w, trace.TracerReflect, "Class.forName", trace.SuccessNoValue(), "com.example.Keep")
		appendUsage(t, w, trace.TracerReflect, "Class.forName", trace.SuccessNoValue(), "com.example.internal.Drop")
		appendUsage(t, w, trace.TracerReflect, "Class.forName", trace.SuccessNoValue(), "org.other.Out")
	})

	opts := &Options{
		IncludePrefixes: []string{"com.example."},
		ExcludePrefixes: []string{"com.example.internal."},
	}
	g := memoryGenerator(t, opts)
	if err := g.Consume(path); err != nil {
		t.Fatal(err)
	}
	entries, err := g.Entries(trace.TracerReflect)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name != "com.example.Keep" {
		t.Fatalf("filtered entries: %+v", entries)
	}
}

func TestUnknownFunctionsAreSkipped(t *testing.T) {
	path := writeTrace(t, func(w *trace.Writer) {
		appendUsage(t, w, trace.TracerReflect, "Unsafe.allocateInstance", trace.SuccessNoValue(), "com.example.Foo")
	})

	g := memoryGenerator(t, nil)
	if err := g.Consume(path); err != nil {
		t.Fatal(err)
	}
	entries, err := g.Entries(trace.TracerReflect)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no entries from unknown function, got %+v", entries)
	}
}

func TestWriteConfigsRoundTripsThroughPolicy(t *testing.T) {
	path := writeTrace(t, func(w *trace.Writer) {
		appendUsage(t, w, trace.TracerNative, "GetMethodID", trace.SuccessNoValue(), "java.lang.String", "length")
		appendUsage(t, w, trace.TracerNative, "GetFieldID", trace.SuccessNoValue(), "java.lang.String", "CASE_INSENSITIVE_ORDER")
	})

	g := memoryGenerator(t, nil)
	if err := g.Consume(path); err != nil {
		t.Fatal(err)
	}
	outDir := t.TempDir()
	if err := g.WriteConfigs(outDir); err != nil {
		t.Fatalf("write configs: %v", err)
	}

	// The generated native config must load as a restrict policy.
	p, _, err := policy.Load(filepath.Join(outDir, NativeConfigName))
	if err != nil {
		t.Fatalf("generated config does not load as policy: %v", err)
	}
	if !p.IsAllowed(policy.Descriptor{Type: "java.lang.String", Member: "length", Kind: policy.AccessMethod}) {
		t.Fatal("generated policy must allow the observed method")
	}
	if p.IsAllowed(policy.Descriptor{Type: "java.lang.String", Member: "intern", Kind: policy.AccessMethod}) {
		t.Fatal("generated policy must not allow unobserved members")
	}

	// The reflect config exists and is a valid (empty) document.
	data, err := os.ReadFile(filepath.Join(outDir, ReflectConfigName))
	if err != nil {
		t.Fatal(err)
	}
	var entries []policy.TypeEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		t.Fatalf("reflect config not valid JSON: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty reflect config, got %+v", entries)
	}
}

func TestLoadOptions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "options.yaml")
	doc := "include_prefixes:\n  - com.example.\nexclude_prefixes:\n  - com.example.generated.\n"
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}

	opts, err := LoadOptions(path)
	if err != nil {
		t.Fatalf("load options: %v", err)
	}
	if len(opts.IncludePrefixes) != 1 || opts.IncludePrefixes[0] != "com.example." {
		t.Fatalf("includes: %+v", opts.IncludePrefixes)
	}

	if _, err := LoadOptions(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected missing options file to fail")
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	os.WriteFile(bad, []byte("unknown_key: true\n"), 0o600)
	if _, err := LoadOptions(bad); err == nil {
		t.Fatal("expected unknown options key to fail")
	}

	defaults, err := LoadOptions("")
	if err != nil || !defaults.Keep("anything.at.All") {
		t.Fatalf("defaults must keep everything: %v", err)
	}
}
