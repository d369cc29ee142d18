package perf

import (
	"sync"
	"time"

	"github.com/vietddude/taskpilot/internal/core/domain"
)

// Statistics aggregates finished tasks.
type Statistics struct {
	TotalTasks          int           `json:"total_tasks"`
	SuccessfulTasks     int           `json:"successful_tasks"`
	SuccessRate         float64       `json:"success_rate"`
	TotalSteps          int           `json:"total_steps"`
	TotalDuration       time.Duration `json:"total_duration"`
	AverageTaskDuration time.Duration `json:"average_task_duration"`
}

// Compute aggregates tasks. The zero value is returned for no tasks.
func Compute(tasks []*domain.TaskMetrics) Statistics {
	var s Statistics
	if len(tasks) == 0 {
		return s
	}
	for _, t := range tasks {
		s.TotalTasks++
		if t.Success {
			s.SuccessfulTasks++
		}
		s.TotalSteps += t.TotalSteps
		s.TotalDuration += t.TotalDuration
	}
	s.SuccessRate = float64(s.SuccessfulTasks) / float64(s.TotalTasks) * 100
	s.AverageTaskDuration = s.TotalDuration / time.Duration(s.TotalTasks)
	return s
}

// Aggregate collects finished tasks from many recorders. It is safe for
// concurrent use and implements Observer.
type Aggregate struct {
	mu    sync.RWMutex
	tasks []*domain.TaskMetrics
	steps int
}

// NewAggregate creates an empty aggregate.
func NewAggregate() *Aggregate {
	return &Aggregate{}
}

// ObserveStep counts live steps.
func (a *Aggregate) ObserveStep(taskID string, step domain.Step) {
	a.mu.Lock()
	a.steps++
	a.mu.Unlock()
}

// ObserveTask stores a finished task.
func (a *Aggregate) ObserveTask(task *domain.TaskMetrics) {
	a.mu.Lock()
	a.tasks = append(a.tasks, task.Clone())
	a.mu.Unlock()
}

// StepsObserved returns how many steps finished across all tasks.
func (a *Aggregate) StepsObserved() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.steps
}

// Statistics aggregates all observed tasks.
func (a *Aggregate) Statistics() Statistics {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return Compute(a.tasks)
}
