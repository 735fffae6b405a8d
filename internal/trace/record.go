package trace

// FormatVersion identifies the on-disk trace format. Bump on any change
// to record field names or semantics; downstream tooling matches on it.
const FormatVersion = "1"

// Tracer names identify which interceptor emitted a record.
const (
	TracerMeta    = "meta"
	TracerReflect = "reflect"
	TracerNative  = "jni"
)

// Phase is a coarse lifecycle stage of the traced runtime.
type Phase string

const (
	PhaseStart  Phase = "start"
	PhaseLive   Phase = "live"
	PhaseUnload Phase = "unload"
)

// phaseRank orders phases for the writer's transition guard.
var phaseRank = map[Phase]int{
	PhaseStart:  0,
	PhaseLive:   1,
	PhaseUnload: 2,
}

// Valid reports whether p is one of the defined phases.
func (p Phase) Valid() bool {
	_, ok := phaseRank[p]
	return ok
}

// Outcome describes how an intercepted operation ended.
// Exactly one of three shapes: success with a value, success with no
// value, or failure with a reason.
type Outcome struct {
	OK     bool   `json:"ok"`
	Value  any    `json:"value,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Success returns an outcome carrying the operation's result value.
func Success(value any) Outcome {
	return Outcome{OK: true, Value: value}
}

// SuccessNoValue returns a success outcome for void operations.
func SuccessNoValue() Outcome {
	return Outcome{OK: true}
}

// Failure returns a failed outcome with the given reason.
func Failure(reason string) Outcome {
	return Outcome{OK: false, Reason: reason}
}

// Record is one line in the JSONL trace. All fields are fixed-order
// struct fields (no map[string]any) so json.Marshal output is
// deterministic and the hash chain is reproducible.
//
// Three record shapes share the struct:
//   - meta: Event "initialization", Version, Session, PID, Started
//   - phase change: Event "phase_change", Phase
//   - usage: Function, Args, Result
//
// Args elements are strings, primitive scalars, or nil (JSON null) for
// arguments the interceptor could not stringify.
type Record struct {
	Seq      uint64   `json:"seq"`
	Tracer   string   `json:"tracer"`
	Event    string   `json:"event,omitempty"`
	Phase    Phase    `json:"phase,omitempty"`
	Version  string   `json:"version,omitempty"`
	Session  string   `json:"session,omitempty"`
	PID      int      `json:"pid,omitempty"`
	Started  string   `json:"started,omitempty"`
	Function string   `json:"function,omitempty"`
	Args     []any    `json:"args,omitempty"`
	Result   *Outcome `json:"result,omitempty"`
	PrevHash string   `json:"prev_hash"`
}

// Events stored in the Event field.
const (
	EventInitialization = "initialization"
	EventPhaseChange    = "phase_change"
)
