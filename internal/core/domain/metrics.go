package domain

import "time"

// Step holds timing data for one step of a task.
type Step struct {
	Index         int           `json:"index"`
	StartedAt     time.Time     `json:"started_at"`
	EndedAt       *time.Time    `json:"ended_at,omitempty"`
	Duration      time.Duration `json:"duration"`
	Outcome       StepOutcome   `json:"outcome"`
	ErrorCategory string        `json:"error_category,omitempty"`
	ActionCount   int           `json:"action_count"`
}

// TaskMetrics aggregates step timings for one task.
type TaskMetrics struct {
	TaskID          string        `json:"task_id"`
	StartedAt       time.Time     `json:"started_at"`
	EndedAt         *time.Time    `json:"ended_at,omitempty"`
	TotalSteps      int           `json:"total_steps"`
	SuccessfulSteps int           `json:"successful_steps"`
	FailedSteps     int           `json:"failed_steps"`
	Steps           []Step        `json:"steps"`
	Success         bool          `json:"success"`
	ErrorSummary    string        `json:"error_summary,omitempty"`
	TotalDuration   time.Duration `json:"total_duration"`
}

// Finished reports whether FinishTask has been applied.
func (m *TaskMetrics) Finished() bool {
	return m.EndedAt != nil
}

// AverageStepTime returns the mean duration of finished steps.
func (m *TaskMetrics) AverageStepTime() time.Duration {
	var total time.Duration
	n := 0
	for _, s := range m.Steps {
		if s.EndedAt == nil {
			continue
		}
		total += s.Duration
		n++
	}
	if n == 0 {
		return 0
	}
	return total / time.Duration(n)
}

// SuccessRate returns the percentage of successful steps.
func (m *TaskMetrics) SuccessRate() float64 {
	if m.TotalSteps == 0 {
		return 0
	}
	return float64(m.SuccessfulSteps) / float64(m.TotalSteps) * 100
}

// SlowestStep returns the step with the longest duration, or nil if none finished.
func (m *TaskMetrics) SlowestStep() *Step {
	var slowest *Step
	for i := range m.Steps {
		s := &m.Steps[i]
		if s.EndedAt == nil {
			continue
		}
		if slowest == nil || s.Duration > slowest.Duration {
			slowest = s
		}
	}
	return slowest
}

// Clone returns a deep copy.
func (m *TaskMetrics) Clone() *TaskMetrics {
	if m == nil {
		return nil
	}
	c := *m
	c.Steps = make([]Step, len(m.Steps))
	copy(c.Steps, m.Steps)
	if m.EndedAt != nil {
		end := *m.EndedAt
		c.EndedAt = &end
	}
	return &c
}
