package domain

import "time"

// StepOutcome is the completion status of a single step.
type StepOutcome string

const (
	StepOutcomePending StepOutcome = "pending"
	StepOutcomeSuccess StepOutcome = "success"
	StepOutcomeFailed  StepOutcome = "failed"
)

// StepRecord is one entry of a task's step history.
type StepRecord struct {
	Index         int           `json:"index"`
	Decision      *Decision     `json:"decision,omitempty"`
	Result        *ActionResult `json:"result,omitempty"`
	Outcome       StepOutcome   `json:"outcome"`
	ErrorCategory string        `json:"error_category,omitempty"`
	StartedAt     time.Time     `json:"started_at"`
	EndedAt       time.Time     `json:"ended_at"`
	Synthetic     bool          `json:"synthetic,omitempty"`
}

// FailureRecord is an immutable entry in a task's failure sequence.
type FailureRecord struct {
	ID         string    `json:"id,omitempty"` // set when persisted
	Step       int       `json:"step"`
	Error      string    `json:"error"`
	Output     string    `json:"model_output,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Severity ranks how bad an error is. Values are ordered.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}
