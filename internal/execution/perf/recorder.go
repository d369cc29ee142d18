// Package perf records step and task timings for the run loop.
package perf

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vietddude/taskpilot/internal/core/domain"
)

var (
	// ErrNoActiveTask is returned when a step or finish call has no open task.
	ErrNoActiveTask = errors.New("no active task")
	// ErrTaskInProgress is returned when StartTask is called while a task is open.
	ErrTaskInProgress = errors.New("task already in progress")
)

// Observer receives finished steps and tasks, e.g. a metrics exporter.
type Observer interface {
	ObserveStep(taskID string, step domain.Step)
	ObserveTask(task *domain.TaskMetrics)
}

// Recorder measures one task at a time and keeps the finished ones.
type Recorder struct {
	mu        sync.Mutex
	current   *domain.TaskMetrics
	completed []*domain.TaskMetrics
	observers []Observer
	now       func() time.Time
	log       *slog.Logger
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

// WithObserver registers an observer.
func WithObserver(o Observer) Option {
	return func(r *Recorder) {
		if o != nil {
			r.observers = append(r.observers, o)
		}
	}
}

// WithLogger sets the logger used for task reports.
func WithLogger(l *slog.Logger) Option {
	return func(r *Recorder) { r.log = l }
}

// NewRecorder creates a recorder.
func NewRecorder(opts ...Option) *Recorder {
	r := &Recorder{now: time.Now, log: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// StartTask opens a new task.
func (r *Recorder) StartTask(taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current != nil {
		return fmt.Errorf("%w: %s", ErrTaskInProgress, r.current.TaskID)
	}
	r.current = &domain.TaskMetrics{
		TaskID:    taskID,
		StartedAt: r.now(),
		Steps:     []domain.Step{},
	}
	r.log.Info("Task metrics started", "task_id", taskID)
	return nil
}

// StartStep begins timing step n of the open task.
func (r *Recorder) StartStep(n int) (*domain.Step, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current == nil {
		return nil, ErrNoActiveTask
	}
	return &domain.Step{
		Index:     n,
		StartedAt: r.now(),
		Outcome:   domain.StepOutcomePending,
	}, nil
}

// FinishStep closes a step and adds it to the open task.
func (r *Recorder) FinishStep(step *domain.Step, outcome domain.StepOutcome, category string) error {
	r.mu.Lock()
	if r.current == nil {
		r.mu.Unlock()
		return ErrNoActiveTask
	}
	if step == nil {
		r.mu.Unlock()
		return errors.New("nil step")
	}

	end := r.now()
	step.EndedAt = &end
	step.Duration = end.Sub(step.StartedAt)
	step.Outcome = outcome
	step.ErrorCategory = category

	task := r.current
	task.Steps = append(task.Steps, *step)
	task.TotalSteps++
	switch outcome {
	case domain.StepOutcomeSuccess:
		task.SuccessfulSteps++
	case domain.StepOutcomeFailed:
		task.FailedSteps++
	}
	taskID := task.TaskID
	finished := *step
	r.mu.Unlock()

	r.log.Debug("Step finished", "task_id", taskID, "step", finished.Index,
		"outcome", outcome, "duration", finished.Duration, "category", category)
	for _, o := range r.observers {
		o.ObserveStep(taskID, finished)
	}
	return nil
}

// FinishTask closes the open task, logs its report and returns its metrics.
// A second call without a new StartTask fails with ErrNoActiveTask.
func (r *Recorder) FinishTask(success bool, errorSummary string) (*domain.TaskMetrics, error) {
	r.mu.Lock()
	if r.current == nil {
		r.mu.Unlock()
		return nil, ErrNoActiveTask
	}

	task := r.current
	end := r.now()
	task.EndedAt = &end
	task.TotalDuration = end.Sub(task.StartedAt)
	task.Success = success
	task.ErrorSummary = errorSummary
	r.completed = append(r.completed, task)
	r.current = nil
	out := task.Clone()
	r.mu.Unlock()

	logTaskReport(r.log, out)
	for _, o := range r.observers {
		o.ObserveTask(out)
	}
	return out, nil
}

// Current returns a copy of the open task, or nil.
func (r *Recorder) Current() *domain.TaskMetrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current.Clone()
}

// Completed returns copies of the finished tasks, oldest first.
func (r *Recorder) Completed() []*domain.TaskMetrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*domain.TaskMetrics, len(r.completed))
	for i, t := range r.completed {
		out[i] = t.Clone()
	}
	return out
}

// Statistics aggregates over all finished tasks.
func (r *Recorder) Statistics() Statistics {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Compute(r.completed)
}

func logTaskReport(log *slog.Logger, task *domain.TaskMetrics) {
	status := "failed"
	if task.Success {
		status = "succeeded"
	}
	attrs := []any{
		"task_id", task.TaskID,
		"status", status,
		"duration", task.TotalDuration,
		"steps", task.TotalSteps,
		"successful", task.SuccessfulSteps,
		"failed", task.FailedSteps,
		"success_rate", fmt.Sprintf("%.1f%%", task.SuccessRate()),
		"avg_step", task.AverageStepTime(),
	}
	if slowest := task.SlowestStep(); slowest != nil {
		attrs = append(attrs, "slowest_step", slowest.Index, "slowest_duration", slowest.Duration)
	}
	if task.ErrorSummary != "" {
		attrs = append(attrs, "error_summary", task.ErrorSummary)
	}
	log.Info("Task performance report", attrs...)
}
