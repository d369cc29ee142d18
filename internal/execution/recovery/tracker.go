package recovery

import (
	"sort"
	"sync"
	"time"

	"github.com/vietddude/taskpilot/internal/core/domain"
)

const (
	// MaxErrorLength bounds the stored error message, in runes.
	MaxErrorLength = 100
	// MaxOutputLength bounds the stored model output summary, in runes.
	MaxOutputLength = 150
	// DefaultLoopWindow is how many identical failures in a row count as a loop.
	DefaultLoopWindow = 3
	// lastFailuresInSummary is how many trailing records a summary keeps.
	lastFailuresInSummary = 3
)

// InvalidActionMessage is recorded when the oracle produced no usable action.
const InvalidActionMessage = "oracle returned an empty or invalid action list; tool call or output format failure"

// FailureTracker keeps the append-only failure sequence of one task.
type FailureTracker struct {
	mu      sync.RWMutex
	records []domain.FailureRecord
	now     func() time.Time
}

// NewFailureTracker creates an empty tracker.
func NewFailureTracker() *FailureTracker {
	return &FailureTracker{now: time.Now}
}

// Record appends a failure for the given step and returns the stored record.
func (t *FailureTracker) Record(step int, message, rawOutput string) domain.FailureRecord {
	rec := domain.FailureRecord{
		Step:       step,
		Error:      truncate(message, MaxErrorLength),
		Output:     truncate(rawOutput, MaxOutputLength),
		RecordedAt: t.now(),
	}

	t.mu.Lock()
	t.records = append(t.records, rec)
	t.mu.Unlock()
	return rec
}

// RecordInvalidAction records a validation failure with a synthesized message.
func (t *FailureTracker) RecordInvalidAction(step int, rawOutput string) domain.FailureRecord {
	return t.Record(step, InvalidActionMessage, rawOutput)
}

// DetectLoop reports whether the last window records carry the same message.
func (t *FailureTracker) DetectLoop(window int) bool {
	if window <= 0 {
		window = DefaultLoopWindow
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	if len(t.records) < window {
		return false
	}
	tail := t.records[len(t.records)-window:]
	for _, r := range tail[1:] {
		if r.Error != tail[0].Error {
			return false
		}
	}
	return true
}

// Len returns the number of recorded failures.
func (t *FailureTracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.records)
}

// Records returns a copy of the failure sequence.
func (t *FailureTracker) Records() []domain.FailureRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]domain.FailureRecord, len(t.records))
	copy(out, t.records)
	return out
}

// Summarize aggregates the failure sequence.
func (t *FailureTracker) Summarize(totalSteps int) domain.FailureSummary {
	t.mu.RLock()
	defer t.mu.RUnlock()

	summary := domain.FailureSummary{
		TotalSteps:    totalSteps,
		TotalFailures: len(t.records),
		Frequencies:   []domain.ErrorFrequency{},
		LastFailures:  []domain.FailureRecord{},
	}

	index := make(map[string]int)
	for _, r := range t.records {
		if i, ok := index[r.Error]; ok {
			summary.Frequencies[i].Count++
			continue
		}
		index[r.Error] = len(summary.Frequencies)
		summary.Frequencies = append(summary.Frequencies, domain.ErrorFrequency{Error: r.Error, Count: 1})
	}
	// Stable keeps first-seen order for equal counts.
	sort.SliceStable(summary.Frequencies, func(i, j int) bool {
		return summary.Frequencies[i].Count > summary.Frequencies[j].Count
	})

	start := len(t.records) - lastFailuresInSummary
	if start < 0 {
		start = 0
	}
	summary.LastFailures = append(summary.LastFailures, t.records[start:]...)
	return summary
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
