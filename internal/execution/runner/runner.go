// Package runner drives a task step by step through an Oracle and an
// Actuator until it completes, runs out of steps, or failure policy stops it.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vietddude/taskpilot/internal/core/domain"
	"github.com/vietddude/taskpilot/internal/core/lifecycle"
	"github.com/vietddude/taskpilot/internal/execution/perf"
	"github.com/vietddude/taskpilot/internal/execution/recovery"
	"github.com/vietddude/taskpilot/internal/execution/validate"
)

var (
	ErrNoOracle       = errors.New("runner: oracle is required")
	ErrNoActuator     = errors.New("runner: actuator is required")
	ErrAlreadyStarted = errors.New("runner: task already started")
	ErrPanic          = errors.New("runner: collaborator panicked")
)

// CategoryValidation is the step error category of rejected oracle output.
const CategoryValidation = "validation"

// StepInfo tells the oracle where the task stands.
type StepInfo struct {
	TaskID     string
	Step       int
	MaxSteps   int
	LastResult *domain.ActionResult
}

// Oracle decides the next actions.
type Oracle interface {
	Decide(ctx context.Context, info StepInfo, history []domain.StepRecord) (*domain.Decision, error)
}

// Actuator executes actions against the environment.
type Actuator interface {
	Execute(ctx context.Context, actions []domain.Action) (*domain.ActionResult, error)
	Close() error
}

// OutputValidator confirms a result that reports completion.
type OutputValidator func(ctx context.Context, result *domain.ActionResult) (bool, error)

// Hook runs before or after a step. It sees the task through View only.
type Hook func(ctx context.Context, v View) error

// FailureSink receives every recorded failure, e.g. for persistence.
type FailureSink interface {
	HandleFailure(ctx context.Context, taskID string, rec domain.FailureRecord) error
}

// View is the read-only face of a running task.
type View interface {
	TaskID() string
	State() lifecycle.State
	Step() int
	MaxSteps() int
	ConsecutiveFailures() int
	History() []domain.StepRecord
	Failures() []domain.FailureRecord
	LastResult() *domain.ActionResult
}

// Config wires a Runner. Oracle and Actuator are required; every other
// collaborator gets a fresh per-task default when nil.
type Config struct {
	TaskID                 string
	MaxSteps               int
	MaxConsecutiveFailures int
	LoopWindow             int
	InitialActions         []domain.Action

	Oracle          Oracle
	Actuator        Actuator
	OutputValidator OutputValidator
	OnStepStart     Hook
	OnStepEnd       Hook

	Validator  *validate.ActionValidator
	Classifier *recovery.Classifier
	Retry      *recovery.RetryPolicy
	Tracker    *recovery.FailureTracker
	Recorder   *perf.Recorder
	Controller *lifecycle.Controller
	Sink       FailureSink
	Recoverers *recovery.Recoverers // run before each retry when set

	OnStateChange func(lifecycle.Transition)
	OnRetry       func(category string)

	// Sleep waits between retries. Defaults to a context-aware timer.
	Sleep  func(ctx context.Context, d time.Duration) error
	Logger *slog.Logger
}

const (
	DefaultMaxSteps               = 100
	DefaultMaxConsecutiveFailures = 3
)

// Report is the outcome of one Run.
type Report struct {
	TaskID      string                 `json:"task_id"`
	State       lifecycle.State        `json:"state"`
	Reason      string                 `json:"reason"`
	Steps       int                    `json:"steps"`
	History     []domain.StepRecord    `json:"history"`
	Metrics     *domain.TaskMetrics    `json:"metrics"`
	Failures    domain.FailureSummary  `json:"failures"`
	Transitions []lifecycle.Transition `json:"transitions"`
	Retries     map[string]int         `json:"retries"`
}

// Success reports whether the task reached Done.
func (r *Report) Success() bool {
	return r.State == lifecycle.StateDone
}

// Record converts the report into its persisted form.
func (r *Report) Record() *domain.ExecutionRecord {
	ts := time.Now()
	if r.Metrics != nil && r.Metrics.EndedAt != nil {
		ts = *r.Metrics.EndedAt
	}
	return &domain.ExecutionRecord{
		TaskID:    r.TaskID,
		Timestamp: ts,
		State:     r.State,
		Reason:    r.Reason,
		Success:   r.Success(),
		Metrics:   r.Metrics,
		Failures:  r.Failures,
		History:   r.History,
	}
}

// Runner executes one task. It is single-use.
type Runner struct {
	cfg     Config
	machine *lifecycle.Machine
	log     *slog.Logger

	mu          sync.RWMutex
	step        int
	consecutive int
	history     []domain.StepRecord
	lastResult  *domain.ActionResult

	closeOnce sync.Once
}

// New validates cfg and fills in defaults.
func New(cfg Config) (*Runner, error) {
	if cfg.Oracle == nil {
		return nil, ErrNoOracle
	}
	if cfg.Actuator == nil {
		return nil, ErrNoActuator
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultMaxSteps
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = DefaultMaxConsecutiveFailures
	}
	if cfg.LoopWindow <= 0 {
		cfg.LoopWindow = recovery.DefaultLoopWindow
	}
	if cfg.Validator == nil {
		cfg.Validator = validate.New()
	}
	if cfg.Classifier == nil {
		cfg.Classifier = recovery.NewClassifier()
	}
	if cfg.Retry == nil {
		cfg.Retry = recovery.NewRetryPolicy(recovery.DefaultConfig())
	}
	if cfg.Tracker == nil {
		cfg.Tracker = recovery.NewFailureTracker()
	}
	if cfg.Controller == nil {
		cfg.Controller = lifecycle.NewController()
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepContext
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	log := cfg.Logger.With("task_id", cfg.TaskID)
	if cfg.Recorder == nil {
		cfg.Recorder = perf.NewRecorder(perf.WithLogger(log))
	}

	return &Runner{
		cfg:     cfg,
		machine: lifecycle.NewMachine(cfg.OnStateChange),
		log:     log,
	}, nil
}

// Controller returns the pause/stop controller of this task.
func (r *Runner) Controller() *lifecycle.Controller {
	return r.cfg.Controller
}

// Run executes the task until a terminal state. The actuator is closed,
// task metrics are finished and a Report is returned on every exit path.
// A non-nil error is returned only for hook failures, recovered panics
// (wrapping ErrPanic) and misuse; policy stops are reported through
// Report.State.
func (r *Runner) Run(ctx context.Context) (report *Report, err error) {
	if r.machine.State() != lifecycle.StateIdle {
		return nil, ErrAlreadyStarted
	}
	defer r.closeActuator()

	if err := r.cfg.Recorder.StartTask(r.cfg.TaskID); err != nil {
		r.setState(lifecycle.StateFailed, "metrics recorder unavailable")
		return r.report(0, r.cfg.Tracker.Summarize(0), nil), fmt.Errorf("failed to start task metrics: %w", err)
	}

	finished := false
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("Recovered panic", "step", r.Step(), "panic", p)
			if !finished {
				r.setState(lifecycle.StateFailed, fmt.Sprintf("panic: %v", p))
				report = r.finish()
			}
			err = fmt.Errorf("%w: %v", ErrPanic, p)
		}
	}()

	r.setState(lifecycle.StateRunning, "task started")
	state, reason, runErr := r.loop(ctx)
	if state == lifecycle.StateExhaustedSteps {
		r.appendExhaustion(reason)
	}
	r.setState(state, reason)

	report = r.finish()
	finished = true
	return report, runErr
}

func (r *Runner) loop(ctx context.Context) (lifecycle.State, string, error) {
	ctrl := r.cfg.Controller

	if len(r.cfg.InitialActions) > 0 {
		res, err := r.cfg.Actuator.Execute(ctx, r.cfg.InitialActions)
		if ctx.Err() != nil {
			return lifecycle.StateStoppedByUser, "context cancelled during initial actions", nil
		}
		if err != nil {
			r.log.Warn("Initial actions failed", "error", err)
			res = &domain.ActionResult{Error: err.Error()}
		}
		r.mu.Lock()
		r.lastResult = res
		r.mu.Unlock()
	}

	for n := 1; n <= r.cfg.MaxSteps; n++ {
		if ctrl.IsPaused() {
			r.setState(lifecycle.StatePaused, "pause requested")
			r.log.Info("Task paused", "step", n)
			if err := ctrl.WaitWhilePaused(ctx); err != nil {
				return lifecycle.StateStoppedByUser, "context cancelled while paused", nil
			}
			if ctrl.IsStopped() {
				return lifecycle.StateStoppedByUser, "stopped while paused", nil
			}
			r.setState(lifecycle.StateRunning, "resumed")
			r.log.Info("Task resumed", "step", n)
		}

		if failures := r.ConsecutiveFailures(); failures >= r.cfg.MaxConsecutiveFailures {
			r.log.Error("Stopping after consecutive failures", "failures", failures)
			return lifecycle.StateStoppedByFailureBudget,
				fmt.Sprintf("stopped after %d consecutive failures", failures), nil
		}

		if ctrl.IsStopped() {
			return lifecycle.StateStoppedByUser, "stop requested", nil
		}
		if ctx.Err() != nil {
			return lifecycle.StateStoppedByUser, "context cancelled", nil
		}

		r.mu.Lock()
		r.step = n
		r.mu.Unlock()

		if r.cfg.OnStepStart != nil {
			if err := r.cfg.OnStepStart(ctx, r); err != nil {
				return lifecycle.StateFailed, "pre-step hook failed",
					fmt.Errorf("pre-step hook at step %d: %w", n, err)
			}
		}

		r.log.Info("Step started", "step", n, "max_steps", r.cfg.MaxSteps)
		sr, err := r.runStep(ctx, n)
		if err != nil {
			return lifecycle.StateFailed, "step bookkeeping failed", err
		}
		if sr.cancelled {
			return lifecycle.StateStoppedByUser, fmt.Sprintf("context cancelled during step %d", n), nil
		}
		if sr.loop {
			r.log.Error("Repeated failure loop detected", "step", n, "window", r.cfg.LoopWindow, "error", sr.errMsg)
			return lifecycle.StateStoppedByLoopDetection,
				fmt.Sprintf("same failure repeated %d times: %s", r.cfg.LoopWindow, sr.errMsg), nil
		}

		if r.cfg.OnStepEnd != nil {
			if err := r.cfg.OnStepEnd(ctx, r); err != nil {
				return lifecycle.StateFailed, "post-step hook failed",
					fmt.Errorf("post-step hook at step %d: %w", n, err)
			}
		}

		if sr.errMsg != "" && !sr.validation {
			category := r.cfg.Retry.Category(sr.errMsg)
			retries, budget := r.cfg.Retry.Attempts(category), r.cfg.Retry.Budget(category)
			if r.cfg.Classifier.ShouldGiveUp(sr.errMsg, retries, budget) {
				if r.cfg.Classifier.Classify(sr.errMsg) == domain.SeverityCritical {
					r.log.Error("Critical error, not retrying", "step", n, "error", sr.errMsg)
					return lifecycle.StateStoppedByFatalError, fmt.Sprintf("critical error at step %d: %s", n, sr.errMsg), nil
				}
				r.log.Error("Giving up on high severity error", "step", n, "category", category,
					"retries", retries, "error", sr.errMsg)
				return lifecycle.StateStoppedByRetryLimit,
					fmt.Sprintf("gave up on %q after %d retries at step %d: %s", category, retries, n, sr.errMsg), nil
			}
			if !r.cfg.Retry.ShouldRetry(category) {
				r.log.Error("Retry budget exhausted", "step", n, "category", category, "error", sr.errMsg)
				return lifecycle.StateStoppedByRetryLimit,
					fmt.Sprintf("retry budget for %q exhausted at step %d: %s", category, n, sr.errMsg), nil
			}
			if r.cfg.OnRetry != nil {
				r.cfg.OnRetry(category)
			}
			if r.cfg.Recoverers != nil {
				r.cfg.Recoverers.Recover(ctx, sr.errMsg)
			}

			attempt := r.cfg.Retry.Attempts(category) - 1
			if n < r.cfg.MaxSteps {
				delay := r.cfg.Retry.BackoffDelay(attempt)
				r.log.Info("Retrying after backoff", "step", n, "category", category,
					"attempt", attempt+1, "budget", r.cfg.Retry.Budget(category), "delay", delay)
				if err := r.cfg.Sleep(ctx, delay); err != nil {
					return lifecycle.StateStoppedByUser, "context cancelled during backoff", nil
				}
			}
			continue
		}

		if sr.result != nil && sr.result.Done {
			if r.cfg.OutputValidator != nil && n < r.cfg.MaxSteps {
				ok, err := r.cfg.OutputValidator(ctx, sr.result)
				if err != nil {
					r.log.Warn("Output validation failed", "step", n, "error", err)
				}
				if err != nil || !ok {
					r.log.Info("Completion rejected by output validation", "step", n)
					continue
				}
			}
			r.log.Info("Task completed", "step", n)
			return lifecycle.StateDone, fmt.Sprintf("task completed at step %d", n), nil
		}
	}

	reason := fmt.Sprintf("task not completed within the maximum of %d steps", r.cfg.MaxSteps)
	r.log.Error("Step budget exhausted", "max_steps", r.cfg.MaxSteps)
	return lifecycle.StateExhaustedSteps, reason, nil
}

type stepResult struct {
	result     *domain.ActionResult
	errMsg     string
	validation bool
	loop       bool
	cancelled  bool
}

func (r *Runner) runStep(ctx context.Context, n int) (stepResult, error) {
	var sr stepResult
	rec := domain.StepRecord{Index: n, StartedAt: time.Now()}

	step, err := r.cfg.Recorder.StartStep(n)
	if err != nil {
		return sr, fmt.Errorf("failed to start step %d: %w", n, err)
	}

	decision, err := r.cfg.Oracle.Decide(ctx, StepInfo{
		TaskID:     r.cfg.TaskID,
		Step:       n,
		MaxSteps:   r.cfg.MaxSteps,
		LastResult: r.LastResult(),
	}, r.History())
	rec.Decision = decision

	switch {
	case err != nil:
		sr.errMsg = err.Error()
		rec.Result = &domain.ActionResult{Error: sr.errMsg, Synthetic: true}
		if ctx.Err() == nil {
			r.log.Warn(recovery.Diagnose(n, err))
		}

	default:
		verdict, detail := r.cfg.Validator.Check(decision)
		if verdict != validate.VerdictValid {
			r.log.Warn("Invalid oracle output", "step", n, "verdict", verdict, "detail", detail)
			sr.validation = true
			sr.errMsg = recovery.InvalidActionMessage
			rec.Result = &domain.ActionResult{Error: sr.errMsg, Synthetic: true}
			break
		}

		step.ActionCount = len(decision.Actions)
		res, execErr := r.cfg.Actuator.Execute(ctx, decision.Actions)
		if res == nil {
			res = &domain.ActionResult{}
		}
		if execErr != nil && res.Error == "" {
			res.Error = execErr.Error()
		}
		sr.errMsg = res.Error
		rec.Result = res
	}

	if ctx.Err() != nil {
		sr.cancelled = true
	}

	outcome := domain.StepOutcomeSuccess
	category := ""
	if sr.errMsg != "" {
		outcome = domain.StepOutcomeFailed
		category = r.cfg.Classifier.Category(sr.errMsg)
		if sr.validation {
			category = CategoryValidation
		}

		raw := ""
		if decision != nil {
			raw = decision.Raw
		}
		var frec domain.FailureRecord
		if sr.validation {
			frec = r.cfg.Tracker.RecordInvalidAction(n, raw)
		} else {
			frec = r.cfg.Tracker.Record(n, sr.errMsg, raw)
		}
		r.log.Warn("Step failed", "step", n, "error", frec.Error)
		if r.cfg.Sink != nil {
			if err := r.cfg.Sink.HandleFailure(ctx, r.cfg.TaskID, frec); err != nil {
				r.log.Warn("Failed to persist failure record", "step", n, "error", err)
			}
		}
		sr.loop = r.cfg.Tracker.DetectLoop(r.cfg.LoopWindow)
	}

	rec.Outcome = outcome
	rec.ErrorCategory = category
	rec.EndedAt = time.Now()
	if err := r.cfg.Recorder.FinishStep(step, outcome, category); err != nil {
		return sr, fmt.Errorf("failed to finish step %d: %w", n, err)
	}

	r.mu.Lock()
	r.history = append(r.history, rec)
	r.lastResult = rec.Result
	if outcome == domain.StepOutcomeFailed {
		r.consecutive++
	} else {
		r.consecutive = 0
	}
	r.mu.Unlock()

	sr.result = rec.Result
	return sr, nil
}

func (r *Runner) appendExhaustion(reason string) {
	summary := r.cfg.Tracker.Summarize(r.cfg.MaxSteps)
	r.log.Error("Failure summary", "summary", summary.String())

	now := time.Now()
	r.mu.Lock()
	r.history = append(r.history, domain.StepRecord{
		Index: r.cfg.MaxSteps + 1,
		Result: &domain.ActionResult{
			Error:     reason,
			Content:   summary.String(),
			Synthetic: true,
		},
		Outcome:   domain.StepOutcomeFailed,
		StartedAt: now,
		EndedAt:   now,
		Synthetic: true,
	})
	r.mu.Unlock()
}

func (r *Runner) finish() *Report {
	steps := r.Step()
	summary := r.cfg.Tracker.Summarize(steps)
	state := r.machine.State()

	errSummary := ""
	if summary.TotalFailures > 0 {
		errSummary = summary.String()
	}
	metrics, err := r.cfg.Recorder.FinishTask(state == lifecycle.StateDone, errSummary)
	if err != nil {
		r.log.Warn("Failed to finish task metrics", "error", err)
	}
	return r.report(steps, summary, metrics)
}

func (r *Runner) report(steps int, summary domain.FailureSummary, metrics *domain.TaskMetrics) *Report {
	return &Report{
		TaskID:      r.cfg.TaskID,
		State:       r.machine.State(),
		Reason:      r.machine.LastReason(),
		Steps:       steps,
		History:     r.History(),
		Metrics:     metrics,
		Failures:    summary,
		Transitions: r.machine.Transitions(),
		Retries:     r.cfg.Retry.Snapshot(),
	}
}

func (r *Runner) setState(to lifecycle.State, reason string) {
	if err := r.machine.Transition(to, reason); err != nil {
		r.log.Warn("Rejected state transition", "error", err)
	}
}

func (r *Runner) closeActuator() {
	r.closeOnce.Do(func() {
		if err := r.cfg.Actuator.Close(); err != nil {
			r.log.Warn("Failed to close actuator", "error", err)
		}
	})
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// View accessors.

var _ View = (*Runner)(nil)

func (r *Runner) TaskID() string         { return r.cfg.TaskID }
func (r *Runner) State() lifecycle.State { return r.machine.State() }
func (r *Runner) MaxSteps() int          { return r.cfg.MaxSteps }

func (r *Runner) Step() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.step
}

func (r *Runner) ConsecutiveFailures() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.consecutive
}

func (r *Runner) History() []domain.StepRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.StepRecord, len(r.history))
	copy(out, r.history)
	return out
}

func (r *Runner) Failures() []domain.FailureRecord {
	return r.cfg.Tracker.Records()
}

func (r *Runner) LastResult() *domain.ActionResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.lastResult == nil {
		return nil
	}
	res := *r.lastResult
	return &res
}
