package health

import (
	"context"
	"sync"

	"github.com/vietddude/taskpilot/internal/core/lifecycle"
	"github.com/vietddude/taskpilot/internal/execution/perf"
	"github.com/vietddude/taskpilot/internal/execution/runner"
)

// StatsSource reports aggregate task statistics.
type StatsSource interface {
	Statistics() perf.Statistics
}

// Monitor aggregates health status from the running tasks.
type Monitor struct {
	stats StatsSource
	tasks map[string]runner.View
	mu    sync.RWMutex

	// MinSuccessRate below which finished tasks degrade the system status.
	MinSuccessRate float64
}

// NewMonitor creates a new health monitor. stats may be nil.
func NewMonitor(stats StatsSource) *Monitor {
	return &Monitor{
		stats:          stats,
		tasks:          make(map[string]runner.View),
		MinSuccessRate: 50,
	}
}

// Track adds a running task.
func (m *Monitor) Track(v runner.View) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[v.TaskID()] = v
}

// Untrack removes a task once it has finished.
func (m *Monitor) Untrack(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tasks, taskID)
}

// Active returns the number of tracked tasks.
func (m *Monitor) Active() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tasks)
}

// CheckHealth evaluates every tracked task.
func (m *Monitor) CheckHealth(ctx context.Context) HealthReport {
	m.mu.RLock()
	views := make([]runner.View, 0, len(m.tasks))
	for _, v := range m.tasks {
		views = append(views, v)
	}
	m.mu.RUnlock()

	report := HealthReport{
		SystemStatus: StatusHealthy,
		Tasks:        make(map[string]TaskHealth, len(views)),
	}

	for _, v := range views {
		h := evaluate(v)
		report.Tasks[h.TaskID] = h
		report.SystemStatus = worse(report.SystemStatus, h.Status)
	}

	if m.stats != nil {
		report.Statistics = m.stats.Statistics()
		if report.Statistics.TotalTasks > 0 && report.Statistics.SuccessRate < m.MinSuccessRate {
			report.SystemStatus = worse(report.SystemStatus, StatusDegraded)
		}
	}
	return report
}

func evaluate(v runner.View) TaskHealth {
	h := TaskHealth{
		TaskID:              v.TaskID(),
		Status:              StatusHealthy,
		State:               v.State(),
		Step:                v.Step(),
		MaxSteps:            v.MaxSteps(),
		ConsecutiveFailures: v.ConsecutiveFailures(),
		Failures:            len(v.Failures()),
	}

	// Evaluate Status
	switch {
	case h.State == lifecycle.StateFailed || h.ConsecutiveFailures >= 2:
		h.Status = StatusCritical
	case h.State == lifecycle.StatePaused || h.ConsecutiveFailures > 0:
		h.Status = StatusDegraded
	case h.MaxSteps > 0 && h.Step*10 >= h.MaxSteps*9:
		// close to the step budget
		h.Status = StatusDegraded
	}
	return h
}
