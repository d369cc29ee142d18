// Package scripted replays a YAML task script as an oracle and an actuator.
// It drives tasks from the CLI and exercises the run loop end to end without
// a model or a browser.
package scripted

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/vietddude/taskpilot/internal/core/domain"
)

// ErrEmptyScript is returned for scripts without steps.
var ErrEmptyScript = errors.New("script has no steps")

// Script describes one task. Steps past the end of the list repeat the last
// entry, so a single failing step expresses a task that never recovers.
type Script struct {
	TaskID        string       `yaml:"task_id"`
	Name          string       `yaml:"name"`
	MaxSteps      int          `yaml:"max_steps"`
	Initial       []Action     `yaml:"initial_actions"`
	InitialResult *Result      `yaml:"initial_result"`
	Steps         []StepScript `yaml:"steps"`
}

// Action is one action as written in YAML.
type Action map[string]interface{}

// StepScript is the scripted behavior of one step.
type StepScript struct {
	Actions       []Action      `yaml:"actions"`
	Raw           string        `yaml:"raw"`
	NoDecision    bool          `yaml:"no_decision"`
	OracleError   string        `yaml:"oracle_error"`
	Result        *Result       `yaml:"result"`
	ActuatorError string        `yaml:"actuator_error"`
	OutputValid   *bool         `yaml:"output_valid"`
	Delay         time.Duration `yaml:"delay"`
}

// Result is a scripted action result.
type Result struct {
	Done    bool   `yaml:"done"`
	Success bool   `yaml:"success"`
	Content string `yaml:"content"`
	Error   string `yaml:"error"`
}

// Load reads a script file.
func Load(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}
	s, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// Parse decodes a script.
func Parse(data []byte) (*Script, error) {
	var s Script
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse script: %w", err)
	}
	if len(s.Steps) == 0 {
		return nil, ErrEmptyScript
	}
	return &s, nil
}

// step returns the entry for 1-based step n.
func (s *Script) step(n int) StepScript {
	i := n - 1
	if i < 0 {
		i = 0
	}
	if i >= len(s.Steps) {
		i = len(s.Steps) - 1
	}
	return s.Steps[i]
}

// InitialActions converts the scripted initial actions.
func (s *Script) InitialActions() []domain.Action {
	return convertActions(s.Initial)
}

func convertActions(in []Action) []domain.Action {
	if in == nil {
		return nil
	}
	out := make([]domain.Action, len(in))
	for i, a := range in {
		act := make(domain.Action, len(a))
		for k, v := range a {
			act[k] = normalize(v)
		}
		out[i] = act
	}
	return out
}

// normalize turns yaml.v2 maps into JSON-friendly map[string]any.
func normalize(v interface{}) interface{} {
	switch t := v.(type) {
	case map[interface{}]interface{}:
		m := make(map[string]interface{}, len(t))
		for k, val := range t {
			m[fmt.Sprint(k)] = normalize(val)
		}
		return m
	case []interface{}:
		for i := range t {
			t[i] = normalize(t[i])
		}
		return t
	default:
		return v
	}
}

func (r *Result) toDomain() *domain.ActionResult {
	if r == nil {
		return &domain.ActionResult{Success: true}
	}
	return &domain.ActionResult{
		Done:    r.Done,
		Success: r.Success,
		Content: r.Content,
		Error:   r.Error,
	}
}
