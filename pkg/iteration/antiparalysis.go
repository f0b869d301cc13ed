package iteration

import (
	"fmt"
	"sync"

	"github.com/harun/runcore/internal/observability"
)

const (
	// LargeFileBytes and LargeFileLines mark a file as large when either is exceeded.
	LargeFileBytes = 50000
	LargeFileLines = 1000

	// DefaultReadThreshold is the read count at which a large file is blocked.
	// The read before it warns.
	DefaultReadThreshold = 3
)

// Action is the anti-paralysis verdict for one file read.
type Action string

const (
	ActionNone  Action = "none"
	ActionWarn  Action = "warn"
	ActionBlock Action = "block"
)

// ReadCheck is the result of CheckAntiParalysis. A block must be honored by
// the caller: the read is refused and Message is returned to the agent.
type ReadCheck struct {
	Action    Action
	Message   string
	ReadCount int
}

// PivotKind names an action that counts as a change of strategy.
type PivotKind string

const (
	PivotWrite  PivotKind = "write"
	PivotEdit   PivotKind = "edit"
	PivotSearch PivotKind = "search"
)

// AntiParalysisState counts repeated reads of the same path within one run.
// It is safe for concurrent use by tool dispatchers.
type AntiParalysisState struct {
	mu         sync.Mutex
	readCounts map[string]int
	warnCount  int
	blockCount int
	threshold  int
}

func NewAntiParalysisState() *AntiParalysisState {
	return &AntiParalysisState{
		readCounts: make(map[string]int),
		threshold:  DefaultReadThreshold,
	}
}

// WithThreshold sets the block threshold. Values below 2 are ignored.
func (s *AntiParalysisState) WithThreshold(n int) *AntiParalysisState {
	if n >= 2 {
		s.mu.Lock()
		s.threshold = n
		s.mu.Unlock()
	}
	return s
}

// ReadCount returns the consecutive read count for path.
func (s *AntiParalysisState) ReadCount(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readCounts[path]
}

func (s *AntiParalysisState) Warnings() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.warnCount
}

func (s *AntiParalysisState) Blocks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blockCount
}

// RecordPivot resets counters after a strategy change. Writes and edits reset
// the touched path; a search resets every path.
func (s *AntiParalysisState) RecordPivot(kind PivotKind, path string) {
	switch kind {
	case PivotWrite, PivotEdit:
		s.ResetPath(path)
	case PivotSearch:
		s.Reset()
	}
}

func (s *AntiParalysisState) ResetPath(path string) {
	s.mu.Lock()
	delete(s.readCounts, path)
	s.mu.Unlock()
}

// Reset clears all read counters. Warn and block totals are kept.
func (s *AntiParalysisState) Reset() {
	s.mu.Lock()
	s.readCounts = make(map[string]int)
	s.mu.Unlock()
}

// IsLargeFile reports whether a file exceeds either size limit.
func IsLargeFile(sizeBytes, lineCount int) bool {
	return sizeBytes > LargeFileBytes || lineCount > LargeFileLines
}

// CheckAntiParalysis records a read of path and decides whether to allow it.
// Small files are always allowed; their reads are still counted.
func CheckAntiParalysis(state *AntiParalysisState, path string, sizeBytes, lineCount int) ReadCheck {
	state.mu.Lock()
	state.readCounts[path]++
	count := state.readCounts[path]
	threshold := state.threshold

	check := ReadCheck{Action: ActionNone, ReadCount: count}
	if IsLargeFile(sizeBytes, lineCount) {
		switch {
		case count >= threshold:
			state.blockCount++
			check.Action = ActionBlock
			check.Message = fmt.Sprintf(
				"Read blocked: %s has been read %d times (%d bytes, %d lines). Re-reading it will not help. Search for the specific symbol you need or edit the file directly.",
				path, count, sizeBytes, lineCount,
			)
		case count == threshold-1:
			state.warnCount++
			check.Action = ActionWarn
			check.Message = fmt.Sprintf(
				"You have read %s %d times. It is large (%d bytes, %d lines); prefer a targeted search or a line range over reading it again.",
				path, count, sizeBytes, lineCount,
			)
		}
	}
	state.mu.Unlock()

	if check.Action != ActionNone {
		observability.RecordAntiParalysis(string(check.Action))
	}
	return check
}
