package runner

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vietddude/taskpilot/internal/core/domain"
	"github.com/vietddude/taskpilot/internal/core/lifecycle"
	"github.com/vietddude/taskpilot/internal/execution/perf"
	"github.com/vietddude/taskpilot/internal/execution/recovery"
)

// =============================================================================
// Mocks
// =============================================================================

type oracleStep struct {
	decision *domain.Decision
	err      error
}

type mockOracle struct {
	mu    sync.Mutex
	steps []oracleStep
	infos []StepInfo
	hook  func(n int)
}

func (o *mockOracle) Decide(ctx context.Context, info StepInfo, history []domain.StepRecord) (*domain.Decision, error) {
	o.mu.Lock()
	o.infos = append(o.infos, info)
	i := len(o.infos) - 1
	hook := o.hook
	o.mu.Unlock()

	if hook != nil {
		hook(info.Step)
	}
	if i >= len(o.steps) {
		i = len(o.steps) - 1
	}
	return o.steps[i].decision, o.steps[i].err
}

func (o *mockOracle) calls() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.infos)
}

type actuatorStep struct {
	result *domain.ActionResult
	err    error
}

type mockActuator struct {
	mu       sync.Mutex
	steps    []actuatorStep
	executed [][]domain.Action
	closes   int
	closeErr error
}

func (a *mockActuator) Execute(ctx context.Context, actions []domain.Action) (*domain.ActionResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.executed = append(a.executed, actions)
	i := len(a.executed) - 1
	if i >= len(a.steps) {
		i = len(a.steps) - 1
	}
	s := a.steps[i]
	if s.result == nil {
		return nil, s.err
	}
	res := *s.result
	return &res, s.err
}

func (a *mockActuator) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closes++
	return a.closeErr
}

func (a *mockActuator) executions() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.executed)
}

type recordingSleep struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *recordingSleep) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

type mockSink struct {
	mu      sync.Mutex
	records []domain.FailureRecord
}

func (s *mockSink) HandleFailure(ctx context.Context, taskID string, rec domain.FailureRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

func clickDecision() *domain.Decision {
	return &domain.Decision{
		Actions: []domain.Action{{"click_element": map[string]any{"index": 1}}},
		Raw:     `{"action":[{"click_element":{"index":1}}]}`,
	}
}

func okResult() *domain.ActionResult   { return &domain.ActionResult{Success: true} }
func doneResult() *domain.ActionResult { return &domain.ActionResult{Done: true, Success: true} }
func errResult(msg string) *domain.ActionResult {
	return &domain.ActionResult{Error: msg}
}

func newTestRunner(t *testing.T, cfg Config) (*Runner, *recordingSleep) {
	t.Helper()
	sleeper := &recordingSleep{}
	if cfg.TaskID == "" {
		cfg.TaskID = "task-test"
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleeper.Sleep
	}
	r, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return r, sleeper
}

// =============================================================================
// Scenario Tests
// =============================================================================

func TestRun_CompletesOnFirstStep(t *testing.T) {
	oracle := &mockOracle{steps: []oracleStep{{decision: clickDecision()}}}
	actuator := &mockActuator{steps: []actuatorStep{{result: doneResult()}}}
	r, _ := newTestRunner(t, Config{MaxSteps: 5, Oracle: oracle, Actuator: actuator})

	report, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if report.State != lifecycle.StateDone {
		t.Fatalf("expected done, got %s (%s)", report.State, report.Reason)
	}
	if report.Steps != 1 {
		t.Errorf("expected completion at step 1, got %d", report.Steps)
	}
	if !report.Metrics.Success || report.Metrics.FailedSteps != 0 {
		t.Errorf("unexpected metrics: %+v", report.Metrics)
	}
	if report.Failures.TotalFailures != 0 {
		t.Errorf("expected no failures, got %d", report.Failures.TotalFailures)
	}
	if actuator.closes != 1 {
		t.Errorf("expected actuator closed once, got %d", actuator.closes)
	}
}

func TestRun_LoopDetection(t *testing.T) {
	oracle := &mockOracle{steps: []oracleStep{{decision: clickDecision()}}}
	actuator := &mockActuator{steps: []actuatorStep{{result: errResult("Failed to load")}}}
	r, _ := newTestRunner(t, Config{MaxSteps: 10, Oracle: oracle, Actuator: actuator})

	report, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if report.State != lifecycle.StateStoppedByLoopDetection {
		t.Fatalf("expected loop detection, got %s (%s)", report.State, report.Reason)
	}
	if report.Steps != 3 {
		t.Errorf("expected stop at step 3, got %d", report.Steps)
	}
	freq := report.Failures.Frequencies
	if len(freq) != 1 || freq[0].Error != "Failed to load" || freq[0].Count != 3 {
		t.Errorf("unexpected frequency table: %+v", freq)
	}
	if report.Metrics.Success {
		t.Error("loop-stopped task must not be successful")
	}
	if report.Metrics.ErrorSummary == "" {
		t.Error("expected error summary on metrics")
	}
}

func TestRun_EmptyActionsRecovered(t *testing.T) {
	oracle := &mockOracle{steps: []oracleStep{
		{decision: &domain.Decision{Actions: []domain.Action{}, Raw: "{}"}},
		{decision: clickDecision()},
	}}
	actuator := &mockActuator{steps: []actuatorStep{{result: doneResult()}}}
	r, sleeper := newTestRunner(t, Config{MaxSteps: 5, Oracle: oracle, Actuator: actuator})

	report, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if report.State != lifecycle.StateDone || report.Steps != 2 {
		t.Fatalf("expected done at step 2, got %s at %d", report.State, report.Steps)
	}

	first := report.History[0]
	if first.Result == nil || !first.Result.Synthetic || first.Result.Error == "" {
		t.Errorf("expected synthetic error result on step 1, got %+v", first.Result)
	}
	if first.ErrorCategory != CategoryValidation {
		t.Errorf("expected validation category, got %q", first.ErrorCategory)
	}
	if actuator.executions() != 1 {
		t.Errorf("invalid output must not reach the actuator, executions=%d", actuator.executions())
	}
	if len(sleeper.delays) != 0 {
		t.Errorf("validation failures must not back off, got %v", sleeper.delays)
	}
	if got := r.cfg.Retry.Snapshot(); len(got) != 0 {
		t.Errorf("validation failures must not consume retries, got %v", got)
	}
	if report.Failures.TotalFailures != 1 {
		t.Errorf("validation failure should be tracked, got %d", report.Failures.TotalFailures)
	}
}

func TestRun_ExhaustedSteps(t *testing.T) {
	oracle := &mockOracle{steps: []oracleStep{{decision: clickDecision()}}}
	actuator := &mockActuator{steps: []actuatorStep{{result: okResult()}}}
	r, _ := newTestRunner(t, Config{MaxSteps: 10, Oracle: oracle, Actuator: actuator})

	report, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if report.State != lifecycle.StateExhaustedSteps {
		t.Fatalf("expected exhausted steps, got %s", report.State)
	}
	if len(report.History) != 11 {
		t.Fatalf("expected 10 steps plus terminal record, got %d", len(report.History))
	}

	last := report.History[len(report.History)-1]
	if !last.Synthetic || last.Result == nil {
		t.Fatalf("expected synthetic terminal record, got %+v", last)
	}
	if !strings.Contains(last.Result.Error, "maximum of 10 steps") {
		t.Errorf("unexpected terminal error: %q", last.Result.Error)
	}
	if last.Result.Content == "" {
		t.Error("terminal record should carry the failure summary")
	}
	if report.Metrics.TotalSteps != 10 {
		t.Errorf("synthetic record must not count as a step, got %d", report.Metrics.TotalSteps)
	}
}

// =============================================================================
// Error Policy Tests
// =============================================================================

func TestRun_RetryBackoffThenBudgetExhausted(t *testing.T) {
	oracle := &mockOracle{steps: []oracleStep{{decision: clickDecision()}}}
	actuator := &mockActuator{steps: []actuatorStep{
		{result: errResult("timeout waiting for a")},
		{result: errResult("timeout waiting for b")},
		{result: errResult("timeout waiting for c")},
		{result: errResult("timeout waiting for d")},
	}}
	r, sleeper := newTestRunner(t, Config{
		MaxSteps:               10,
		MaxConsecutiveFailures: 10,
		Oracle:                 oracle,
		Actuator:               actuator,
	})

	report, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if report.State != lifecycle.StateStoppedByRetryLimit {
		t.Fatalf("expected retry limit stop, got %s (%s)", report.State, report.Reason)
	}
	if report.Steps != 4 {
		t.Errorf("expected stop at step 4, got %d", report.Steps)
	}
	want := []time.Duration{time.Second, 1500 * time.Millisecond, 2250 * time.Millisecond}
	if len(sleeper.delays) != len(want) {
		t.Fatalf("expected delays %v, got %v", want, sleeper.delays)
	}
	for i, d := range want {
		if sleeper.delays[i] != d {
			t.Errorf("delay %d: expected %v, got %v", i, d, sleeper.delays[i])
		}
	}
	if report.Retries["timeout"] != 3 {
		t.Errorf("expected 3 timeout retries, got %v", report.Retries)
	}
}

func TestRun_CriticalErrorStopsImmediately(t *testing.T) {
	oracle := &mockOracle{steps: []oracleStep{{decision: clickDecision()}}}
	actuator := &mockActuator{steps: []actuatorStep{{err: errors.New("browser crash")}}}
	r, sleeper := newTestRunner(t, Config{MaxSteps: 5, Oracle: oracle, Actuator: actuator})

	report, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if report.State != lifecycle.StateStoppedByFatalError {
		t.Fatalf("expected fatal stop, got %s", report.State)
	}
	if report.Steps != 1 || len(sleeper.delays) != 0 {
		t.Errorf("fatal errors must not retry: steps=%d delays=%v", report.Steps, sleeper.delays)
	}
	if report.History[0].Result.Error != "browser crash" {
		t.Errorf("actuator error should become the step error, got %+v", report.History[0].Result)
	}
	if report.History[0].ErrorCategory != "crash" {
		t.Errorf("expected crash category, got %q", report.History[0].ErrorCategory)
	}
}

func TestRun_RecoverersRunBeforeRetry(t *testing.T) {
	oracle := &mockOracle{steps: []oracleStep{{decision: clickDecision()}}}
	actuator := &mockActuator{steps: []actuatorStep{
		{result: errResult("timeout waiting for a")},
		{result: errResult("connection reset")},
		{result: doneResult()},
	}}
	recoverers := recovery.NewRecoverers(nil)
	var recovered []string
	var sleeper *recordingSleep
	note := func(ctx context.Context, message string) (bool, error) {
		if len(sleeper.delays) != len(recovered) {
			t.Errorf("recovery for %q should run before its backoff", message)
		}
		recovered = append(recovered, message)
		return true, nil
	}
	recoverers.Register("timeout", note)
	recoverers.Register("connection", note)

	r, sleeper := newTestRunner(t, Config{
		MaxSteps:   5,
		Oracle:     oracle,
		Actuator:   actuator,
		Recoverers: recoverers,
	})

	report, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !report.Success() {
		t.Fatalf("expected success, got %s", report.State)
	}
	if len(recovered) != 2 || recovered[0] != "timeout waiting for a" || recovered[1] != "connection reset" {
		t.Errorf("unexpected recoveries: %v", recovered)
	}
}

func TestRun_HighSeverityGivesUpAtBudget(t *testing.T) {
	oracle := &mockOracle{steps: []oracleStep{{decision: clickDecision()}}}
	actuator := &mockActuator{steps: []actuatorStep{
		{result: errResult("element not found: #a")},
		{result: errResult("element not found: #b")},
		{result: errResult("element not found: #c")},
		{result: doneResult()},
	}}
	r, sleeper := newTestRunner(t, Config{
		MaxSteps:               10,
		MaxConsecutiveFailures: 10,
		Oracle:                 oracle,
		Actuator:               actuator,
	})

	report, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if report.State != lifecycle.StateStoppedByRetryLimit {
		t.Fatalf("expected retry limit stop, got %s (%s)", report.State, report.Reason)
	}
	if !strings.Contains(report.Reason, "gave up") {
		t.Errorf("expected give-up reason, got %q", report.Reason)
	}
	if report.Steps != 3 || len(sleeper.delays) != 2 {
		t.Errorf("expected 3 steps and 2 backoffs, got steps=%d delays=%v", report.Steps, sleeper.delays)
	}
	if report.Retries[recovery.CategoryOther] != 2 {
		t.Errorf("expected 2 retries of %q, got %v", recovery.CategoryOther, report.Retries)
	}
}

func TestRun_ConsecutiveFailureBudget(t *testing.T) {
	oracle := &mockOracle{steps: []oracleStep{{decision: clickDecision()}}}
	actuator := &mockActuator{steps: []actuatorStep{
		{result: errResult("timeout on page")},
		{result: errResult("connection reset")},
		{result: errResult("network unreachable")},
		{result: doneResult()},
	}}
	r, _ := newTestRunner(t, Config{MaxSteps: 10, Oracle: oracle, Actuator: actuator})

	report, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if report.State != lifecycle.StateStoppedByFailureBudget {
		t.Fatalf("expected failure budget stop, got %s (%s)", report.State, report.Reason)
	}
	if report.Steps != 3 {
		t.Errorf("expected 3 executed steps, got %d", report.Steps)
	}
	if actuator.executions() != 3 {
		t.Errorf("step 4 must not execute, executions=%d", actuator.executions())
	}
}

func TestRun_SuccessResetsConsecutiveFailures(t *testing.T) {
	oracle := &mockOracle{steps: []oracleStep{{decision: clickDecision()}}}
	actuator := &mockActuator{steps: []actuatorStep{
		{result: errResult("timeout a")},
		{result: okResult()},
		{result: errResult("timeout b")},
		{result: okResult()},
		{result: doneResult()},
	}}
	r, _ := newTestRunner(t, Config{
		MaxSteps:               10,
		MaxConsecutiveFailures: 2,
		Oracle:                 oracle,
		Actuator:               actuator,
	})

	report, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.State != lifecycle.StateDone || report.Steps != 5 {
		t.Fatalf("expected done at step 5, got %s at %d", report.State, report.Steps)
	}
	if report.Metrics.FailedSteps != 2 || report.Metrics.SuccessfulSteps != 3 {
		t.Errorf("unexpected step counts: %+v", report.Metrics)
	}
}

func TestRun_OracleErrorRetried(t *testing.T) {
	oracle := &mockOracle{steps: []oracleStep{
		{err: errors.New("connection refused")},
		{decision: clickDecision()},
	}}
	actuator := &mockActuator{steps: []actuatorStep{{result: doneResult()}}}
	sink := &mockSink{}
	r, sleeper := newTestRunner(t, Config{MaxSteps: 5, Oracle: oracle, Actuator: actuator, Sink: sink})

	report, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if report.State != lifecycle.StateDone || report.Steps != 2 {
		t.Fatalf("expected done at step 2, got %s at %d", report.State, report.Steps)
	}
	if len(sleeper.delays) != 1 || sleeper.delays[0] != time.Second {
		t.Errorf("expected one 1s backoff, got %v", sleeper.delays)
	}
	if len(sink.records) != 1 || sink.records[0].Error != "connection refused" {
		t.Errorf("expected failure forwarded to sink, got %+v", sink.records)
	}
	if oracle.infos[1].LastResult == nil || oracle.infos[1].LastResult.Error != "connection refused" {
		t.Errorf("oracle should see the previous error, got %+v", oracle.infos[1].LastResult)
	}
}

func TestRun_LoopWindowBeatsRetryBudget(t *testing.T) {
	// "timeout" allows 3 retries, but 3 identical failures stop the task first.
	oracle := &mockOracle{steps: []oracleStep{{decision: clickDecision()}}}
	actuator := &mockActuator{steps: []actuatorStep{{result: errResult("timeout")}}}
	r, _ := newTestRunner(t, Config{
		MaxSteps:               10,
		MaxConsecutiveFailures: 10,
		Oracle:                 oracle,
		Actuator:               actuator,
	})

	report, _ := r.Run(context.Background())
	if report.State != lifecycle.StateStoppedByLoopDetection || report.Steps != 3 {
		t.Fatalf("expected loop detection at step 3, got %s at %d", report.State, report.Steps)
	}
}

// =============================================================================
// Lifecycle Tests
// =============================================================================

func TestRun_StopFromHook(t *testing.T) {
	ctrl := lifecycle.NewController()
	oracle := &mockOracle{steps: []oracleStep{{decision: clickDecision()}}}
	actuator := &mockActuator{steps: []actuatorStep{{result: okResult()}}}
	r, _ := newTestRunner(t, Config{
		MaxSteps:   10,
		Oracle:     oracle,
		Actuator:   actuator,
		Controller: ctrl,
		OnStepEnd: func(ctx context.Context, v View) error {
			if v.Step() == 2 {
				ctrl.Stop()
			}
			return nil
		},
	})

	report, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.State != lifecycle.StateStoppedByUser || report.Steps != 2 {
		t.Fatalf("expected user stop after step 2, got %s at %d", report.State, report.Steps)
	}
	if actuator.closes != 1 {
		t.Errorf("expected one close, got %d", actuator.closes)
	}
}

func TestRun_PauseAndResume(t *testing.T) {
	ctrl := lifecycle.NewController()
	oracle := &mockOracle{steps: []oracleStep{{decision: clickDecision()}}}
	actuator := &mockActuator{steps: []actuatorStep{{result: okResult()}, {result: doneResult()}}}

	var pausedSeen bool
	r, _ := newTestRunner(t, Config{
		MaxSteps:   5,
		Oracle:     oracle,
		Actuator:   actuator,
		Controller: ctrl,
		OnStepEnd: func(ctx context.Context, v View) error {
			if v.Step() == 1 {
				ctrl.Pause()
				time.AfterFunc(20*time.Millisecond, ctrl.Resume)
			}
			return nil
		},
		OnStateChange: func(tr lifecycle.Transition) {
			if tr.To == lifecycle.StatePaused {
				pausedSeen = true
			}
		},
	})

	report, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.State != lifecycle.StateDone || report.Steps != 2 {
		t.Fatalf("expected done at step 2, got %s at %d", report.State, report.Steps)
	}
	if !pausedSeen {
		t.Error("expected a paused transition")
	}
}

func TestRun_StopWhilePaused(t *testing.T) {
	ctrl := lifecycle.NewController()
	ctrl.Pause()
	oracle := &mockOracle{steps: []oracleStep{{decision: clickDecision()}}}
	actuator := &mockActuator{steps: []actuatorStep{{result: okResult()}}}
	r, _ := newTestRunner(t, Config{MaxSteps: 5, Oracle: oracle, Actuator: actuator, Controller: ctrl})

	time.AfterFunc(20*time.Millisecond, ctrl.Stop)
	report, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.State != lifecycle.StateStoppedByUser {
		t.Fatalf("expected user stop, got %s", report.State)
	}
	if oracle.calls() != 0 {
		t.Errorf("no step should run, oracle calls=%d", oracle.calls())
	}
}

func TestRun_HookErrorStillCleansUp(t *testing.T) {
	hookErr := errors.New("hook exploded")
	oracle := &mockOracle{steps: []oracleStep{{decision: clickDecision()}}}
	actuator := &mockActuator{steps: []actuatorStep{{result: okResult()}}}
	recorder := perf.NewRecorder()
	r, _ := newTestRunner(t, Config{
		MaxSteps: 5,
		Oracle:   oracle,
		Actuator: actuator,
		Recorder: recorder,
		OnStepStart: func(ctx context.Context, v View) error {
			return hookErr
		},
	})

	report, err := r.Run(context.Background())
	if !errors.Is(err, hookErr) {
		t.Fatalf("expected hook error, got %v", err)
	}
	if report == nil || report.State != lifecycle.StateFailed {
		t.Fatalf("expected failed report, got %+v", report)
	}
	if actuator.closes != 1 {
		t.Errorf("expected one close, got %d", actuator.closes)
	}
	if len(recorder.Completed()) != 1 {
		t.Error("task metrics should be finished after a hook error")
	}
}

func TestRun_PanicStillCleansUp(t *testing.T) {
	oracle := &mockOracle{
		steps: []oracleStep{{decision: clickDecision()}},
		hook:  func(n int) { panic("oracle blew up") },
	}
	actuator := &mockActuator{steps: []actuatorStep{{result: okResult()}}}
	recorder := perf.NewRecorder()
	r, _ := newTestRunner(t, Config{MaxSteps: 5, Oracle: oracle, Actuator: actuator, Recorder: recorder})

	report, err := r.Run(context.Background())
	if !errors.Is(err, ErrPanic) {
		t.Fatalf("expected ErrPanic, got %v", err)
	}
	if !strings.Contains(err.Error(), "oracle blew up") {
		t.Errorf("error should carry the panic value, got %v", err)
	}
	if report == nil {
		t.Fatal("expected a report after a panic")
	}
	if report.State != lifecycle.StateFailed || report.Success() {
		t.Errorf("expected failed report, got %s", report.State)
	}
	if !strings.Contains(report.Reason, "oracle blew up") {
		t.Errorf("unexpected reason: %q", report.Reason)
	}
	if actuator.closes != 1 {
		t.Errorf("expected one close, got %d", actuator.closes)
	}
	if r.State() != lifecycle.StateFailed {
		t.Errorf("expected failed state, got %s", r.State())
	}
	if len(recorder.Completed()) != 1 {
		t.Error("task metrics should be finished after a panic")
	}
}

func TestRun_RecorderBusyStillReports(t *testing.T) {
	recorder := perf.NewRecorder()
	if err := recorder.StartTask("other"); err != nil {
		t.Fatalf("StartTask failed: %v", err)
	}
	actuator := &mockActuator{steps: []actuatorStep{{result: doneResult()}}}
	r, _ := newTestRunner(t, Config{
		MaxSteps: 5,
		Oracle:   &mockOracle{steps: []oracleStep{{decision: clickDecision()}}},
		Actuator: actuator,
		Recorder: recorder,
	})

	report, err := r.Run(context.Background())
	if !errors.Is(err, perf.ErrTaskInProgress) {
		t.Fatalf("expected ErrTaskInProgress, got %v", err)
	}
	if report == nil {
		t.Fatal("expected a minimal report")
	}
	if report.State != lifecycle.StateFailed || report.Steps != 0 || report.Failures.TotalFailures != 0 {
		t.Errorf("unexpected report: %+v", report)
	}
	if actuator.closes != 1 {
		t.Errorf("expected one close, got %d", actuator.closes)
	}
}

func TestRun_ContextCancelledDuringStep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	oracle := &mockOracle{
		steps: []oracleStep{{err: context.Canceled}},
		hook:  func(n int) { cancel() },
	}
	actuator := &mockActuator{steps: []actuatorStep{{result: okResult()}}}
	r, _ := newTestRunner(t, Config{MaxSteps: 5, Oracle: oracle, Actuator: actuator})

	report, err := r.Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.State != lifecycle.StateStoppedByUser {
		t.Fatalf("expected user stop, got %s", report.State)
	}
	if actuator.closes != 1 {
		t.Errorf("expected one close, got %d", actuator.closes)
	}
}

func TestRun_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	oracle := &mockOracle{steps: []oracleStep{{decision: clickDecision()}}}
	actuator := &mockActuator{steps: []actuatorStep{{result: errResult("timeout")}}}
	r, _ := newTestRunner(t, Config{
		MaxSteps: 5,
		Oracle:   oracle,
		Actuator: actuator,
		Sleep: func(ctx context.Context, d time.Duration) error {
			cancel()
			return ctx.Err()
		},
	})

	report, _ := r.Run(ctx)
	if report.State != lifecycle.StateStoppedByUser || report.Steps != 1 {
		t.Fatalf("expected user stop at step 1, got %s at %d", report.State, report.Steps)
	}
}

// =============================================================================
// Completion Tests
// =============================================================================

func TestRun_OutputValidation(t *testing.T) {
	oracle := &mockOracle{steps: []oracleStep{{decision: clickDecision()}}}
	actuator := &mockActuator{steps: []actuatorStep{{result: doneResult()}}}

	checks := 0
	r, _ := newTestRunner(t, Config{
		MaxSteps: 5,
		Oracle:   oracle,
		Actuator: actuator,
		OutputValidator: func(ctx context.Context, res *domain.ActionResult) (bool, error) {
			checks++
			return checks > 1, nil
		},
	})

	report, _ := r.Run(context.Background())
	if report.State != lifecycle.StateDone || report.Steps != 2 {
		t.Fatalf("expected done at step 2, got %s at %d", report.State, report.Steps)
	}
	if checks != 2 {
		t.Errorf("expected 2 validation passes, got %d", checks)
	}
}

func TestRun_OutputValidationSkippedOnLastStep(t *testing.T) {
	oracle := &mockOracle{steps: []oracleStep{{decision: clickDecision()}}}
	actuator := &mockActuator{steps: []actuatorStep{{result: doneResult()}}}

	checks := 0
	r, _ := newTestRunner(t, Config{
		MaxSteps: 2,
		Oracle:   oracle,
		Actuator: actuator,
		OutputValidator: func(ctx context.Context, res *domain.ActionResult) (bool, error) {
			checks++
			return false, nil
		},
	})

	report, _ := r.Run(context.Background())
	if report.State != lifecycle.StateDone || report.Steps != 2 {
		t.Fatalf("expected done at step 2, got %s at %d", report.State, report.Steps)
	}
	if checks != 1 {
		t.Errorf("validator should only run before the last step, ran %d times", checks)
	}
}

func TestRun_InitialActions(t *testing.T) {
	oracle := &mockOracle{steps: []oracleStep{{decision: clickDecision()}}}
	actuator := &mockActuator{steps: []actuatorStep{
		{result: &domain.ActionResult{Success: true, Content: "opened start page"}},
		{result: doneResult()},
	}}
	initial := []domain.Action{{"go_to_url": map[string]any{"url": "https://example.com"}}}
	r, _ := newTestRunner(t, Config{MaxSteps: 5, Oracle: oracle, Actuator: actuator, InitialActions: initial})

	report, _ := r.Run(context.Background())
	if report.State != lifecycle.StateDone {
		t.Fatalf("expected done, got %s", report.State)
	}
	if actuator.executions() != 2 {
		t.Errorf("expected initial actions plus one step, got %d executions", actuator.executions())
	}
	if got := oracle.infos[0].LastResult; got == nil || got.Content != "opened start page" {
		t.Errorf("oracle should see the initial result, got %+v", got)
	}
}

// =============================================================================
// Misuse Tests
// =============================================================================

func TestNew_RequiresCollaborators(t *testing.T) {
	if _, err := New(Config{Actuator: &mockActuator{}}); !errors.Is(err, ErrNoOracle) {
		t.Errorf("expected ErrNoOracle, got %v", err)
	}
	if _, err := New(Config{Oracle: &mockOracle{}}); !errors.Is(err, ErrNoActuator) {
		t.Errorf("expected ErrNoActuator, got %v", err)
	}
}

func TestRun_SingleUse(t *testing.T) {
	oracle := &mockOracle{steps: []oracleStep{{decision: clickDecision()}}}
	actuator := &mockActuator{steps: []actuatorStep{{result: doneResult()}}}
	r, _ := newTestRunner(t, Config{MaxSteps: 5, Oracle: oracle, Actuator: actuator})

	if _, err := r.Run(context.Background()); err != nil {
		t.Fatalf("first Run failed: %v", err)
	}
	if _, err := r.Run(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("expected ErrAlreadyStarted, got %v", err)
	}
	if actuator.closes != 1 {
		t.Errorf("expected one close across both calls, got %d", actuator.closes)
	}
}

func TestReport_Record(t *testing.T) {
	oracle := &mockOracle{steps: []oracleStep{{decision: clickDecision()}}}
	actuator := &mockActuator{steps: []actuatorStep{{result: doneResult()}}}
	r, _ := newTestRunner(t, Config{TaskID: "task-42", MaxSteps: 5, Oracle: oracle, Actuator: actuator})

	report, _ := r.Run(context.Background())
	rec := report.Record()
	if rec.TaskID != "task-42" || !rec.Success || rec.State != lifecycle.StateDone {
		t.Errorf("unexpected record: %+v", rec)
	}
	if rec.Timestamp.IsZero() || len(rec.History) != 1 {
		t.Errorf("record missing timestamp or history: %+v", rec)
	}
}

func TestRun_SharedTrackerAndRetryAreUsed(t *testing.T) {
	tracker := recovery.NewFailureTracker()
	retry := recovery.NewRetryPolicy(recovery.DefaultConfig())
	oracle := &mockOracle{steps: []oracleStep{{decision: clickDecision()}}}
	actuator := &mockActuator{steps: []actuatorStep{{result: errResult("loading spinner")}, {result: doneResult()}}}
	r, _ := newTestRunner(t, Config{
		MaxSteps: 5,
		Oracle:   oracle,
		Actuator: actuator,
		Tracker:  tracker,
		Retry:    retry,
	})

	if _, err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if tracker.Len() != 1 || retry.Attempts("loading") != 1 {
		t.Errorf("expected injected collaborators to be used: failures=%d attempts=%d",
			tracker.Len(), retry.Attempts("loading"))
	}
}
