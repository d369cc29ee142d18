package scripted

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/vietddude/taskpilot/internal/core/domain"
	"github.com/vietddude/taskpilot/internal/execution/runner"
)

// Player replays a script. The oracle side selects the current step; the
// actuator side answers with that step's result.
type Player struct {
	script *Script
	log    *slog.Logger

	mu       sync.Mutex
	current  int
	executed int
	closed   bool
}

// NewPlayer creates a player for s.
func NewPlayer(s *Script) *Player {
	return &Player{script: s, log: slog.Default().With("component", "scripted")}
}

// Oracle returns the decision side of the player.
func (p *Player) Oracle() runner.Oracle { return oracle{p} }

// Actuator returns the execution side of the player.
func (p *Player) Actuator() runner.Actuator { return actuator{p} }

// Executed returns how many times actions were executed.
func (p *Player) Executed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.executed
}

// Closed reports whether the actuator was closed.
func (p *Player) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// ValidateOutput accepts a completion unless the current step says otherwise.
func (p *Player) ValidateOutput(ctx context.Context, res *domain.ActionResult) (bool, error) {
	p.mu.Lock()
	st := p.script.step(p.current)
	p.mu.Unlock()
	if st.OutputValid != nil {
		return *st.OutputValid, nil
	}
	return res.Error == "", nil
}

type oracle struct{ p *Player }

func (o oracle) Decide(ctx context.Context, info runner.StepInfo, history []domain.StepRecord) (*domain.Decision, error) {
	o.p.mu.Lock()
	o.p.current = info.Step
	st := o.p.script.step(info.Step)
	o.p.mu.Unlock()

	if err := wait(ctx, st.Delay); err != nil {
		return nil, err
	}
	if st.OracleError != "" {
		return nil, errors.New(st.OracleError)
	}
	if st.NoDecision {
		return nil, nil
	}

	actions := convertActions(st.Actions)
	if actions == nil {
		actions = []domain.Action{}
	}
	raw := st.Raw
	if raw == "" {
		if b, err := json.Marshal(map[string]any{"action": actions}); err == nil {
			raw = string(b)
		}
	}
	return &domain.Decision{Actions: actions, Raw: raw}, nil
}

type actuator struct{ p *Player }

func (a actuator) Execute(ctx context.Context, actions []domain.Action) (*domain.ActionResult, error) {
	a.p.mu.Lock()
	a.p.executed++
	n := a.p.current
	a.p.mu.Unlock()

	// before the first decision only initial actions run
	if n == 0 {
		return a.p.script.InitialResult.toDomain(), nil
	}

	st := a.p.script.step(n)
	if st.ActuatorError != "" {
		return nil, errors.New(st.ActuatorError)
	}
	a.p.log.Debug("Executing scripted actions", "step", n, "actions", len(actions))
	return st.Result.toDomain(), nil
}

func (a actuator) Close() error {
	a.p.mu.Lock()
	defer a.p.mu.Unlock()
	a.p.closed = true
	return nil
}

func wait(ctx context.Context, d time.Duration) error {
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
