package trace

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
)

// VerifyResult holds the outcome of a trace integrity check.
type VerifyResult struct {
	Valid     bool   `json:"valid"`
	Records   int    `json:"records"`
	Version   string `json:"version,omitempty"`
	Session   string `json:"session,omitempty"`
	Error     string `json:"error,omitempty"`
	ErrorLine int    `json:"error_line,omitempty"`
}

// Verify reads a JSONL trace and validates the hash chain, the
// sequence numbering, and the phase-transition order. Returns
// Valid=true if everything holds, or details about the first
// violation.
func Verify(path string) VerifyResult {
	f, err := os.Open(path)
	if err != nil {
		return VerifyResult{Error: fmt.Sprintf("open: %v", err)}
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	result := VerifyResult{}
	lineNum := 0
	lastPhase := -1
	var prevLine []byte

	for scanner.Scan() {
		lineNum++
		line := make([]byte, len(scanner.Bytes()))
		copy(line, scanner.Bytes())

		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return VerifyResult{Error: fmt.Sprintf("parse error: %v", err), ErrorLine: lineNum}
		}

		if lineNum == 1 {
			if rec.Tracer != TracerMeta || rec.Event != EventInitialization {
				return VerifyResult{Error: "first record is not an initialization record", ErrorLine: 1}
			}
			if rec.PrevHash != GenesisHash {
				return VerifyResult{
					Error:     fmt.Sprintf("first record prev_hash is %q, expected genesis hash", rec.PrevHash),
					ErrorLine: 1,
				}
			}
			result.Version = rec.Version
			result.Session = rec.Session
		} else if rec.PrevHash != HashLine(prevLine) {
			return VerifyResult{
				Error:     "hash chain broken (record tampered, inserted, or deleted)",
				ErrorLine: lineNum,
			}
		}

		if rec.Seq != uint64(lineNum-1) {
			return VerifyResult{
				Error:     fmt.Sprintf("seq %d at line %d, expected %d", rec.Seq, lineNum, lineNum-1),
				ErrorLine: lineNum,
			}
		}

		if rec.Event == EventPhaseChange {
			rank, ok := phaseRank[rec.Phase]
			if !ok {
				return VerifyResult{Error: fmt.Sprintf("unknown phase %q", rec.Phase), ErrorLine: lineNum}
			}
			if rank <= lastPhase {
				return VerifyResult{Error: fmt.Sprintf("phase %q out of order", rec.Phase), ErrorLine: lineNum}
			}
			lastPhase = rank
		}

		prevLine = line
	}
	if err := scanner.Err(); err != nil {
		return VerifyResult{Error: fmt.Sprintf("scan: %v", err)}
	}
	if lineNum == 0 {
		return VerifyResult{Error: "empty trace"}
	}

	result.Valid = true
	result.Records = lineNum
	return result
}
