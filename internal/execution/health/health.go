// Package health provides task health monitoring and status reporting.
package health

import (
	"github.com/vietddude/taskpilot/internal/core/lifecycle"
	"github.com/vietddude/taskpilot/internal/execution/perf"
)

// SystemStatus represents the overall health state of the system or a task.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

// TaskHealth contains health figures for one running task.
type TaskHealth struct {
	TaskID              string          `json:"task_id"`
	Status              SystemStatus    `json:"status"`
	State               lifecycle.State `json:"state"`
	Step                int             `json:"step"`
	MaxSteps            int             `json:"max_steps"`
	ConsecutiveFailures int             `json:"consecutive_failures"`
	Failures            int             `json:"failures"`
}

// HealthReport contains the full system health report.
type HealthReport struct {
	SystemStatus SystemStatus          `json:"system_status"`
	Tasks        map[string]TaskHealth `json:"tasks"`
	Statistics   perf.Statistics       `json:"statistics"`
}

// worse returns the more severe of two statuses.
func worse(a, b SystemStatus) SystemStatus {
	rank := map[SystemStatus]int{StatusHealthy: 0, StatusDegraded: 1, StatusCritical: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}
