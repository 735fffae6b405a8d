package trace

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// GenesisHash is the prev_hash of the first record in a new trace.
const GenesisHash = "sha256:0000000000000000000000000000000000000000000000000000000000000000"

// Writer is an append-only JSONL trace with SHA-256 hash chaining.
// Each record's prev_hash is the hash of the previous record's JSON
// line, forming a tamper-evident chain. Safe for concurrent Append
// from any number of goroutines; record order on disk is the order
// appends won the internal mutex, which is the order downstream
// tooling replays.
type Writer struct {
	path string

	mu        sync.Mutex
	file      *os.File
	seq       uint64
	prevHash  string
	lastPhase int // rank of highest phase written, -1 before start
	closed    bool
}

// Open creates (or truncates) the trace file at path and writes the
// initialization record. Fails if the path is not writable.
func Open(path string) (*Writer, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("trace: create directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_TRUNC|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("trace: open file: %w", err)
	}

	w := &Writer{
		path:      path,
		file:      file,
		prevHash:  GenesisHash,
		lastPhase: -1,
	}

	meta := Record{
		Tracer:  TracerMeta,
		Event:   EventInitialization,
		Version: FormatVersion,
		Session: uuid.NewString(),
		PID:     os.Getpid(),
		Started: time.Now().UTC().Format("2006-01-02T15:04:05.000Z"),
	}
	if err := w.append(meta); err != nil {
		file.Close()
		return nil, err
	}
	return w, nil
}

// Path returns the file path the writer appends to.
func (w *Writer) Path() string {
	return w.path
}

// Append writes one usage record. The writer assigns Seq and PrevHash;
// the caller fills Tracer, Function, Args and Result.
func (w *Writer) Append(rec Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.append(rec)
}

// AppendPhase writes a phase-transition record. Transitions must move
// forward (start < live < unload) and never repeat; a regressing or
// repeated phase is rejected without writing.
func (w *Writer) AppendPhase(phase Phase) error {
	if !phase.Valid() {
		return fmt.Errorf("trace: unknown phase %q", phase)
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	rank := phaseRank[phase]
	if rank <= w.lastPhase {
		return fmt.Errorf("trace: phase %q after %q", phase, w.phaseAt(w.lastPhase))
	}
	rec := Record{
		Tracer: TracerMeta,
		Event:  EventPhaseChange,
		Phase:  phase,
	}
	if err := w.append(rec); err != nil {
		return err
	}
	w.lastPhase = rank
	return nil
}

// Close flushes and closes the underlying file. Idempotent.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return fmt.Errorf("trace: sync: %w", err)
	}
	return w.file.Close()
}

// append assumes w.mu is held (or the writer is not yet shared).
func (w *Writer) append(rec Record) error {
	if w.closed {
		return fmt.Errorf("trace: writer closed")
	}

	rec.Seq = w.seq
	rec.PrevHash = w.prevHash

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("trace: marshal record: %w", err)
	}
	if _, err := w.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("trace: write record: %w", err)
	}

	w.seq++
	w.prevHash = HashLine(line)
	return nil
}

func (w *Writer) phaseAt(rank int) Phase {
	for p, r := range phaseRank {
		if r == rank {
			return p
		}
	}
	return ""
}

// HashLine returns "sha256:<hex>" of the given bytes.
func HashLine(line []byte) string {
	h := sha256.Sum256(line)
	return "sha256:" + hex.EncodeToString(h[:])
}
