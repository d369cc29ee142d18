package scripted

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/vietddude/taskpilot/internal/core/lifecycle"
	"github.com/vietddude/taskpilot/internal/execution/runner"
)

const loopScript = `
task_id: loop-demo
max_steps: 10
steps:
  - actions:
      - click_element:
          index: 3
    result:
      error: Failed to load
`

const recoverScript = `
name: recover
initial_actions:
  - go_to_url:
      url: https://example.com
initial_result:
  success: true
  content: opened
steps:
  - actions: []
  - oracle_error: "connection refused"
  - actions:
      - input_text:
          index: 1
          text: hello
    result:
      done: true
      success: true
      content: finished
`

func noSleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

func TestParse(t *testing.T) {
	s, err := Parse([]byte(recoverScript))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(s.Steps) != 3 || s.Name != "recover" {
		t.Fatalf("unexpected script: %+v", s)
	}

	initial := s.InitialActions()
	if len(initial) != 1 {
		t.Fatalf("expected 1 initial action, got %d", len(initial))
	}
	// nested yaml maps must be JSON encodable
	if _, err := json.Marshal(initial); err != nil {
		t.Errorf("initial actions not JSON encodable: %v", err)
	}
	params, ok := initial[0]["go_to_url"].(map[string]interface{})
	if !ok || params["url"] != "https://example.com" {
		t.Errorf("unexpected params: %#v", initial[0]["go_to_url"])
	}

	if _, err := Parse([]byte("task_id: x\n")); !errors.Is(err, ErrEmptyScript) {
		t.Errorf("expected ErrEmptyScript, got %v", err)
	}
}

func TestPlayer_LoopScript(t *testing.T) {
	s, _ := Parse([]byte(loopScript))
	p := NewPlayer(s)

	r, err := runner.New(runner.Config{
		TaskID:   s.TaskID,
		MaxSteps: s.MaxSteps,
		Oracle:   p.Oracle(),
		Actuator: p.Actuator(),
		Sleep:    noSleep,
	})
	if err != nil {
		t.Fatalf("runner.New failed: %v", err)
	}

	report, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.State != lifecycle.StateStoppedByLoopDetection || report.Steps != 3 {
		t.Fatalf("expected loop detection at step 3, got %s at %d", report.State, report.Steps)
	}
	if !p.Closed() {
		t.Error("actuator should be closed")
	}
	if p.Executed() != 3 {
		t.Errorf("expected 3 executions, got %d", p.Executed())
	}
}

func TestPlayer_RecoverScript(t *testing.T) {
	s, _ := Parse([]byte(recoverScript))
	p := NewPlayer(s)

	r, _ := runner.New(runner.Config{
		TaskID:          "recover",
		MaxSteps:        10,
		InitialActions:  s.InitialActions(),
		Oracle:          p.Oracle(),
		Actuator:        p.Actuator(),
		OutputValidator: p.ValidateOutput,
		Sleep:           noSleep,
	})

	report, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.State != lifecycle.StateDone || report.Steps != 3 {
		t.Fatalf("expected done at step 3, got %s at %d (%s)", report.State, report.Steps, report.Reason)
	}

	// initial actions plus step 3; step 1 was rejected and step 2 never decided
	if p.Executed() != 2 {
		t.Errorf("expected 2 executions, got %d", p.Executed())
	}
	if report.History[0].ErrorCategory != runner.CategoryValidation {
		t.Errorf("step 1 should fail validation, got %q", report.History[0].ErrorCategory)
	}
	if report.Failures.TotalFailures != 2 {
		t.Errorf("expected 2 failures, got %d", report.Failures.TotalFailures)
	}
}

func TestPlayer_OutputValidBlocksCompletion(t *testing.T) {
	s, _ := Parse([]byte(`
steps:
  - actions: [{done: {text: early}}]
    result: {done: true, success: true}
    output_valid: false
  - actions: [{done: {text: final}}]
    result: {done: true, success: true}
`))
	p := NewPlayer(s)
	r, _ := runner.New(runner.Config{
		MaxSteps:        5,
		Oracle:          p.Oracle(),
		Actuator:        p.Actuator(),
		OutputValidator: p.ValidateOutput,
		Sleep:           noSleep,
	})

	report, _ := r.Run(context.Background())
	if report.State != lifecycle.StateDone || report.Steps != 2 {
		t.Fatalf("expected done at step 2, got %s at %d", report.State, report.Steps)
	}
}

func TestPlayer_ActuatorErrorAndDelay(t *testing.T) {
	s, _ := Parse([]byte(`
steps:
  - actions: [{go_back: true}]
    actuator_error: browser crash
    delay: 1ms
`))
	p := NewPlayer(s)

	d, err := p.Oracle().Decide(context.Background(), runner.StepInfo{Step: 1}, nil)
	if err != nil || len(d.Actions) != 1 || d.Raw == "" {
		t.Fatalf("unexpected decision: %+v, %v", d, err)
	}
	if _, err := p.Actuator().Execute(context.Background(), d.Actions); err == nil || err.Error() != "browser crash" {
		t.Errorf("expected scripted actuator error, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.Steps[0].Delay = time.Hour
	if _, err := p.Oracle().Decide(ctx, runner.StepInfo{Step: 1}, nil); !errors.Is(err, context.Canceled) {
		t.Errorf("expected cancellation during delay, got %v", err)
	}
}

func TestPlayer_NoDecision(t *testing.T) {
	s, _ := Parse([]byte("steps:\n  - no_decision: true\n"))
	d, err := NewPlayer(s).Oracle().Decide(context.Background(), runner.StepInfo{Step: 1}, nil)
	if err != nil || d != nil {
		t.Errorf("expected nil decision, got %+v, %v", d, err)
	}
}
