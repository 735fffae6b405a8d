package trace

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// ReplayFilter selects records when replaying a trace.
type ReplayFilter struct {
	Tracer     string // "" = all tracers
	Function   string // substring match, "" = all functions
	DeniedOnly bool
}

// ReplaySummary aggregates counts for a replayed trace.
type ReplaySummary struct {
	Total        int    `json:"total"`
	ReflectCount int    `json:"reflect_count"`
	NativeCount  int    `json:"native_count"`
	PhaseCount   int    `json:"phase_count"`
	DeniedCount  int    `json:"denied_count"`
	FailedCount  int    `json:"failed_count"`
	FirstSeq     uint64 `json:"first_seq"`
	LastSeq      uint64 `json:"last_seq"`
}

// ReplayResult holds the filtered records and their summary.
type ReplayResult struct {
	Records []Record      `json:"records"`
	Summary ReplaySummary `json:"summary"`
}

// Replay reads the trace at path and returns records matching the
// filter, in append order, with a summary over the matched set.
// Malformed lines abort the replay: unlike a best-effort log viewer,
// downstream configuration synthesis must not run on a partial read.
func Replay(path string, filter ReplayFilter) (*ReplayResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("trace: open: %w", err)
	}
	defer f.Close()

	result := &ReplayResult{}
	first := true

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("trace: line %d: %w", lineNum, err)
		}
		if !match(rec, filter) {
			continue
		}

		result.Records = append(result.Records, rec)
		s := &result.Summary
		s.Total++
		switch rec.Tracer {
		case TracerReflect:
			s.ReflectCount++
		case TracerNative:
			s.NativeCount++
		}
		if rec.Event == EventPhaseChange {
			s.PhaseCount++
		}
		if rec.Result != nil && !rec.Result.OK {
			s.FailedCount++
			if strings.HasPrefix(rec.Result.Reason, DeniedReasonPrefix) {
				s.DeniedCount++
			}
		}
		if first {
			s.FirstSeq = rec.Seq
			first = false
		}
		s.LastSeq = rec.Seq
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("trace: scan: %w", err)
	}
	return result, nil
}

// DeniedReasonPrefix marks failure outcomes produced by the access
// policy rather than by the operation itself.
const DeniedReasonPrefix = "access denied"

func match(rec Record, f ReplayFilter) bool {
	if f.Tracer != "" && rec.Tracer != f.Tracer {
		return false
	}
	if f.Function != "" && !strings.Contains(rec.Function, f.Function) {
		return false
	}
	if f.DeniedOnly {
		if rec.Result == nil || rec.Result.OK || !strings.HasPrefix(rec.Result.Reason, DeniedReasonPrefix) {
			return false
		}
	}
	return true
}
