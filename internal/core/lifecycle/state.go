// Package lifecycle holds the run-loop state machine and the pause/stop
// controller shared between a running task and the goroutines steering it.
package lifecycle

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vietddude/taskpilot/internal/core/domain"
)

// State is an alias for domain.TaskState for internal use.
type State = domain.TaskState

const (
	StateIdle                   = domain.TaskStateIdle
	StateRunning                = domain.TaskStateRunning
	StatePaused                 = domain.TaskStatePaused
	StateDone                   = domain.TaskStateDone
	StateStoppedByUser          = domain.TaskStateStoppedByUser
	StateStoppedByFailureBudget = domain.TaskStateStoppedByFailureBudget
	StateStoppedByLoopDetection = domain.TaskStateStoppedByLoopDetection
	StateExhaustedSteps         = domain.TaskStateExhaustedSteps
	StateStoppedByFatalError    = domain.TaskStateStoppedByFatalError
	StateStoppedByRetryLimit    = domain.TaskStateStoppedByRetryLimit
	StateFailed                 = domain.TaskStateFailed
)

// ErrInvalidTransition is returned when an invalid state transition is attempted.
var ErrInvalidTransition = errors.New("invalid state transition")

var terminalStates = []State{
	StateDone,
	StateStoppedByUser,
	StateStoppedByFailureBudget,
	StateStoppedByLoopDetection,
	StateExhaustedSteps,
	StateStoppedByFatalError,
	StateStoppedByRetryLimit,
	StateFailed,
}

// ValidTransitions defines allowed state transitions.
// Key is the current state, value is the list of valid next states.
var ValidTransitions = map[State][]State{
	StateIdle:    {StateRunning, StateStoppedByUser, StateFailed},
	StateRunning: append([]State{StatePaused}, terminalStates...),
	StatePaused:  {StateRunning, StateStoppedByUser, StateFailed},
}

// CanTransition checks if a transition from one state to another is valid.
func CanTransition(from, to State) bool {
	validTargets, ok := ValidTransitions[from]
	if !ok {
		return false
	}

	for _, target := range validTargets {
		if target == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no transition leaves s.
func IsTerminal(s State) bool {
	for _, t := range terminalStates {
		if t == s {
			return true
		}
	}
	return false
}

// Transition represents a state change with metadata.
type Transition struct {
	From      State     `json:"from"`
	To        State     `json:"to"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// NewTransition creates a new transition record.
func NewTransition(from, to State, reason string) Transition {
	return Transition{
		From:      from,
		To:        to,
		Reason:    reason,
		Timestamp: time.Now(),
	}
}

// IsValid returns true if this transition is allowed by the state machine.
func (t Transition) IsValid() bool {
	return CanTransition(t.From, t.To)
}

// StateDescription returns a human-readable description of a state.
func StateDescription(s State) string {
	switch s {
	case StateIdle:
		return "Idle - task created, not yet started"
	case StateRunning:
		return "Running - stepping through oracle decisions"
	case StatePaused:
		return "Paused - waiting for resume or stop"
	case StateDone:
		return "Done - task reported completion"
	case StateStoppedByUser:
		return "Stopped - stop requested by operator"
	case StateStoppedByFailureBudget:
		return "Stopped - too many consecutive failures"
	case StateStoppedByLoopDetection:
		return "Stopped - the same failure repeated"
	case StateExhaustedSteps:
		return "Exhausted - step budget used up without completion"
	case StateStoppedByFatalError:
		return "Stopped - critical error, not retried"
	case StateStoppedByRetryLimit:
		return "Stopped - retry budget for the error category used up"
	case StateFailed:
		return "Failed - hook error, panic or internal error"
	default:
		return "Unknown state"
	}
}

// Machine tracks the current state of one task and its transition history.
type Machine struct {
	mu          sync.RWMutex
	state       State
	transitions []Transition
	onChange    func(Transition)
}

// NewMachine creates a machine in the idle state.
func NewMachine(onChange func(Transition)) *Machine {
	return &Machine{state: StateIdle, onChange: onChange}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Transition moves to the given state, rejecting moves the table does not allow.
func (m *Machine) Transition(to State, reason string) error {
	m.mu.Lock()
	if !CanTransition(m.state, to) {
		from := m.state
		m.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	t := NewTransition(m.state, to, reason)
	m.state = to
	m.transitions = append(m.transitions, t)
	cb := m.onChange
	m.mu.Unlock()

	if cb != nil {
		cb(t)
	}
	return nil
}

// Transitions returns a copy of the transition history.
func (m *Machine) Transitions() []Transition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Transition, len(m.transitions))
	copy(out, m.transitions)
	return out
}

// LastReason returns the reason attached to the latest transition.
func (m *Machine) LastReason() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.transitions) == 0 {
		return ""
	}
	return m.transitions[len(m.transitions)-1].Reason
}
