// Package host abstracts the runtime's instrumentation surface.
//
// The agent never talks to a real VM directly; it registers handlers
// through the narrow Host interface and receives lifecycle and
// per-call events from whatever sits behind it. Production embeds the
// agent next to a real instrumentation bridge; tests and the simulate
// command drive the same code paths through Fake.
package host

// EventKind identifies one callback slot on the host.
type EventKind int

const (
	// EventVMStart fires once, before application code runs.
	EventVMStart EventKind = iota
	// EventVMInit fires once when the runtime reaches steady state.
	EventVMInit
	// EventThreadEnd fires for every terminating application thread.
	EventThreadEnd
	// EventReflectiveCall fires for each intercepted reflective or
	// bytecode-boundary operation, on the calling thread.
	EventReflectiveCall
	// EventNativeCall fires for each intercepted native-boundary
	// operation, on the calling thread.
	EventNativeCall
)

func (k EventKind) String() string {
	switch k {
	case EventVMStart:
		return "vm_start"
	case EventVMInit:
		return "vm_init"
	case EventThreadEnd:
		return "thread_end"
	case EventReflectiveCall:
		return "reflective_call"
	case EventNativeCall:
		return "native_call"
	default:
		return "unknown"
	}
}

// MemberKind says what program element a call site touches.
type MemberKind string

const (
	MemberClass  MemberKind = "class"
	MemberMethod MemberKind = "method"
	MemberField  MemberKind = "field"
)

// CallSite describes one intercepted operation. Args elements are
// strings, primitive scalars, or nil for arguments the host could not
// stringify.
type CallSite struct {
	Function string     // intercepted operation, e.g. "Class.forName"
	Class    string     // target type name
	Member   string     // target member, empty for class lookups
	Kind     MemberKind // what Member refers to
	Args     []any
	Result   any    // value the original operation would produce
	HasValue bool   // false for void operations
	Err      string // non-empty if the original operation failed
}

// Event is one callback delivery.
type Event struct {
	Kind     EventKind
	ThreadID int64     // set for EventThreadEnd
	Site     *CallSite // set for per-call events
}

// Handler receives one event. For per-call events a non-nil error
// makes the host fail the original operation with that error instead
// of performing it.
type Handler func(Event) error

// Host is the instrumentation surface the agent depends on.
// RegisterCallback may be refused (the host can reject a registration
// outright); IsReady reports whether auxiliary support such as symbol
// resolution is available, which is not guaranteed before VM start.
type Host interface {
	RegisterCallback(kind EventKind, handler Handler) error
	IsReady() bool
}
