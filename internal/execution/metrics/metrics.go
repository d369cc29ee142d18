package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vietddude/taskpilot/internal/core/domain"
)

// Collector exports run loop metrics. It implements perf.Observer.
type Collector struct {
	// StepsTotal tracks finished steps by outcome and error category
	StepsTotal *prometheus.CounterVec

	// StepDuration tracks step latency
	StepDuration *prometheus.HistogramVec

	// TasksTotal tracks finished tasks by terminal state
	TasksTotal *prometheus.CounterVec

	// TaskDuration tracks whole task latency
	TaskDuration prometheus.Histogram

	// RetriesTotal tracks consumed retries per category
	RetriesTotal *prometheus.CounterVec

	// LoopDetections tracks tasks stopped by the loop breaker
	LoopDetections prometheus.Counter

	// ActiveTasks tracks tasks currently running
	ActiveTasks prometheus.Gauge

	// StateTransitions tracks lifecycle transitions
	StateTransitions *prometheus.CounterVec

	// DBConnectionPoolUsage tracks the database pool usage percentage
	DBConnectionPoolUsage prometheus.Gauge
}

// NewCollector registers the collectors on reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		StepsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskpilot_steps_total",
				Help: "Total number of finished steps",
			},
			[]string{"outcome", "category"},
		),
		StepDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "taskpilot_step_duration_seconds",
				Help:    "Step duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),
		TasksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskpilot_tasks_total",
				Help: "Total number of finished tasks",
			},
			[]string{"success"},
		),
		TaskDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "taskpilot_task_duration_seconds",
				Help:    "Task duration in seconds",
				Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
			},
		),
		RetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskpilot_retries_total",
				Help: "Total number of retries consumed",
			},
			[]string{"category"},
		),
		LoopDetections: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "taskpilot_loop_detections_total",
				Help: "Tasks stopped because the same failure repeated",
			},
		),
		ActiveTasks: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "taskpilot_active_tasks",
				Help: "Number of tasks currently running",
			},
		),
		StateTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskpilot_state_transitions_total",
				Help: "Lifecycle state transitions",
			},
			[]string{"to"},
		),
		DBConnectionPoolUsage: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "taskpilot_db_connection_pool_usage_percent",
				Help: "Database connection pool usage percentage",
			},
		),
	}
}

// ObserveStep records a finished step.
func (c *Collector) ObserveStep(taskID string, step domain.Step) {
	category := step.ErrorCategory
	if category == "" {
		category = "none"
	}
	c.StepsTotal.WithLabelValues(string(step.Outcome), category).Inc()
	c.StepDuration.WithLabelValues(string(step.Outcome)).Observe(step.Duration.Seconds())
}

// ObserveTask records a finished task.
func (c *Collector) ObserveTask(task *domain.TaskMetrics) {
	success := "false"
	if task.Success {
		success = "true"
	}
	c.TasksTotal.WithLabelValues(success).Inc()
	c.TaskDuration.Observe(task.TotalDuration.Seconds())
}

// ObserveRetry records one consumed retry.
func (c *Collector) ObserveRetry(category string) {
	c.RetriesTotal.WithLabelValues(category).Inc()
}

// ObserveTransition records a lifecycle change.
func (c *Collector) ObserveTransition(to domain.TaskState) {
	c.StateTransitions.WithLabelValues(string(to)).Inc()
	if to == domain.TaskStateStoppedByLoopDetection {
		c.LoopDetections.Inc()
	}
}

// TaskStarted increments the active task gauge.
func (c *Collector) TaskStarted() { c.ActiveTasks.Inc() }

// TaskEnded decrements the active task gauge.
func (c *Collector) TaskEnded() { c.ActiveTasks.Dec() }
