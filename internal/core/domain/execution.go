package domain

import (
	"fmt"
	"strings"
	"time"
)

// TaskState is the lifecycle state of a run loop.
type TaskState string

const (
	TaskStateIdle                   TaskState = "idle"
	TaskStateRunning                TaskState = "running"
	TaskStatePaused                 TaskState = "paused"
	TaskStateDone                   TaskState = "done"
	TaskStateStoppedByUser          TaskState = "stopped_by_user"
	TaskStateStoppedByFailureBudget TaskState = "stopped_by_failure_budget"
	TaskStateStoppedByLoopDetection TaskState = "stopped_by_loop_detection"
	TaskStateExhaustedSteps         TaskState = "exhausted_steps"
	TaskStateStoppedByFatalError    TaskState = "stopped_by_fatal_error"
	TaskStateStoppedByRetryLimit    TaskState = "stopped_by_retry_exhausted"
	TaskStateFailed                 TaskState = "failed"
)

// ErrorFrequency is one row of a failure frequency table.
type ErrorFrequency struct {
	Error string `json:"error"`
	Count int    `json:"count"`
}

// FailureSummary aggregates a task's failure sequence.
type FailureSummary struct {
	TotalSteps    int              `json:"total_steps"`
	TotalFailures int              `json:"total_failures"`
	Frequencies   []ErrorFrequency `json:"frequencies"`
	LastFailures  []FailureRecord  `json:"last_failures"`
}

// String renders the summary for logs and terminal step records.
func (s FailureSummary) String() string {
	if s.TotalFailures == 0 {
		return "no failures recorded"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "failure statistics (total steps: %d)\n", s.TotalSteps)
	fmt.Fprintf(&b, "total failures: %d\n", s.TotalFailures)
	b.WriteString("error distribution:\n")
	for _, f := range s.Frequencies {
		fmt.Fprintf(&b, "  - %s: %d\n", f.Error, f.Count)
	}
	if len(s.LastFailures) > 0 {
		b.WriteString("last failures:\n")
		for _, f := range s.LastFailures {
			fmt.Fprintf(&b, "  step %d: %s\n", f.Step, f.Error)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// ExecutionRecord is the persisted form of one finished task.
type ExecutionRecord struct {
	TaskID    string         `json:"task_id"`
	Timestamp time.Time      `json:"timestamp"`
	State     TaskState      `json:"state"`
	Reason    string         `json:"reason"`
	Success   bool           `json:"success"`
	Metrics   *TaskMetrics   `json:"metrics,omitempty"`
	Failures  FailureSummary `json:"failures"`
	History   []StepRecord   `json:"history"`
}

// ErrorCategories returns the distinct error categories seen in the history.
func (r *ExecutionRecord) ErrorCategories() []string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range r.History {
		if s.ErrorCategory == "" || seen[s.ErrorCategory] {
			continue
		}
		seen[s.ErrorCategory] = true
		out = append(out, s.ErrorCategory)
	}
	return out
}
