package control

import (
	"github.com/vietddude/taskpilot/internal/infra/scripted"
)

// ScriptTask builds a Task that replays s.
func ScriptTask(s *scripted.Script) (Task, *scripted.Player) {
	p := scripted.NewPlayer(s)
	return Task{
		ID:              s.TaskID,
		MaxSteps:        s.MaxSteps,
		InitialActions:  s.InitialActions(),
		Oracle:          p.Oracle(),
		Actuator:        p.Actuator(),
		OutputValidator: p.ValidateOutput,
	}, p
}
