// Package configgen synthesizes ahead-of-time reachability
// configuration from usage traces. It is the offline consumer of the
// agent's output: successful reflective and native-boundary usages
// become declaration documents in the same format the access policy
// reads, so a generated document can be fed straight back through
// restrict-jni.
package configgen

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/tracewatch/tracewatch/internal/policy"
	"github.com/tracewatch/tracewatch/internal/trace"
)

// Output file names, one per tracer.
const (
	ReflectConfigName = "reflect-config.json"
	NativeConfigName  = "jni-config.json"
)

// shape maps one intercepted function to the descriptor encoded in
// its argument list.
type shape struct {
	kind      string
	typeArg   int
	memberArg int // -1 when the function carries no member
}

// functionShapes covers the intercepted operations the generator can
// turn into configuration. Unknown functions are skipped: a record we
// cannot interpret must not silently become a bogus declaration.
var functionShapes = map[string]shape{
	"Class.forName":           {kind: "class", typeArg: 0, memberArg: -1},
	"Class.getMethod":         {kind: "method", typeArg: 0, memberArg: 1},
	"Class.getDeclaredMethod": {kind: "method", typeArg: 0, memberArg: 1},
	"Class.getField":          {kind: "field", typeArg: 0, memberArg: 1},
	"Class.getDeclaredField":  {kind: "field", typeArg: 0, memberArg: 1},
	"Method.invoke":           {kind: "method", typeArg: 0, memberArg: 1},

	"FindClass":         {kind: "class", typeArg: 0, memberArg: -1},
	"GetMethodID":       {kind: "method", typeArg: 0, memberArg: 1},
	"GetStaticMethodID": {kind: "method", typeArg: 0, memberArg: 1},
	"GetFieldID":        {kind: "field", typeArg: 0, memberArg: 1},
	"GetStaticFieldID":  {kind: "field", typeArg: 0, memberArg: 1},
}

// Generator accumulates usages from traces into a Store and renders
// them as configuration documents.
type Generator struct {
	opts  *Options
	store *Store
}

// New returns a generator writing into store, filtered by opts.
func New(opts *Options, store *Store) *Generator {
	if opts == nil {
		opts = DefaultOptions()
	}
	return &Generator{opts: opts, store: store}
}

// Consume replays one trace file and accumulates every successful
// usage record. Denied and failed operations never become
// configuration: the program did not actually reach them.
func (g *Generator) Consume(tracePath string) error {
	result, err := trace.Replay(tracePath, trace.ReplayFilter{})
	if err != nil {
		return err
	}
	for _, rec := range result.Records {
		if rec.Function == "" || rec.Result == nil || !rec.Result.OK {
			continue
		}
		sh, known := functionShapes[rec.Function]
		if !known {
			continue
		}
		usage, ok := usageFrom(rec, sh)
		if !ok || !g.opts.Keep(usage.Type) {
			continue
		}
		if err := g.store.Add(usage); err != nil {
			return err
		}
	}
	return nil
}

// usageFrom extracts the descriptor a record's argument list encodes.
func usageFrom(rec trace.Record, sh shape) (Usage, bool) {
	typeName, ok := stringArg(rec.Args, sh.typeArg)
	if !ok {
		return Usage{}, false
	}
	u := Usage{Tracer: rec.Tracer, Type: typeName, Kind: sh.kind}
	if sh.memberArg >= 0 {
		member, ok := stringArg(rec.Args, sh.memberArg)
		if !ok {
			return Usage{}, false
		}
		u.Member = member
	}
	return u, true
}

func stringArg(args []any, i int) (string, bool) {
	if i >= len(args) {
		return "", false
	}
	s, ok := args[i].(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

// Entries renders the accumulated usages for one tracer as type
// entries, sorted by type name with sorted member lists.
func (g *Generator) Entries(tracer string) ([]policy.TypeEntry, error) {
	usages, err := g.store.ByTracer(tracer)
	if err != nil {
		return nil, err
	}

	byType := make(map[string]*policy.TypeEntry)
	for _, u := range usages {
		entry, ok := byType[u.Type]
		if !ok {
			entry = &policy.TypeEntry{Name: u.Type}
			byType[u.Type] = entry
		}
		switch u.Kind {
		case "method":
			entry.Methods = append(entry.Methods, policy.MethodEntry{Name: u.Member})
		case "field":
			entry.Fields = append(entry.Fields, policy.FieldEntry{Name: u.Member})
		}
	}

	names := make([]string, 0, len(byType))
	for name := range byType {
		names = append(names, name)
	}
	sort.Strings(names)

	entries := make([]policy.TypeEntry, 0, len(names))
	for _, name := range names {
		entry := byType[name]
		sort.Slice(entry.Methods, func(i, j int) bool { return entry.Methods[i].Name < entry.Methods[j].Name })
		sort.Slice(entry.Fields, func(i, j int) bool { return entry.Fields[i].Name < entry.Fields[j].Name })
		entries = append(entries, *entry)
	}
	return entries, nil
}

// WriteConfigs writes one configuration document per tracer into dir.
func (g *Generator) WriteConfigs(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("configgen: create output dir: %w", err)
	}
	outputs := map[string]string{
		trace.TracerReflect: ReflectConfigName,
		trace.TracerNative:  NativeConfigName,
	}
	for tracer, name := range outputs {
		entries, err := g.Entries(tracer)
		if err != nil {
			return err
		}
		data, err := json.MarshalIndent(entries, "", "  ")
		if err != nil {
			return fmt.Errorf("configgen: marshal %s: %w", name, err)
		}
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
			return fmt.Errorf("configgen: write %s: %w", name, err)
		}
	}
	return nil
}
