// Package validate checks oracle output before it reaches the actuator.
package validate

import (
	"fmt"

	"github.com/vietddude/taskpilot/internal/core/domain"
)

// Verdict names the rule a decision failed, or VerdictValid.
type Verdict string

const (
	VerdictValid         Verdict = "valid"
	VerdictNoDecision    Verdict = "no_decision"
	VerdictEmptyActions  Verdict = "empty_actions"
	VerdictAllNull       Verdict = "all_null_actions"
	VerdictIntrospection Verdict = "introspection_failed"
)

// ActionValidator rejects oracle output that cannot be executed.
type ActionValidator struct{}

// New creates a validator.
func New() *ActionValidator {
	return &ActionValidator{}
}

// Validate reports whether the decision carries at least one usable action.
func (v *ActionValidator) Validate(d *domain.Decision) bool {
	verdict, _ := v.Check(d)
	return verdict == VerdictValid
}

// Check applies the rules in order and returns the first that fails.
// A panic while inspecting an action is reported as VerdictIntrospection
// along with the recovered value.
func (v *ActionValidator) Check(d *domain.Decision) (verdict Verdict, detail error) {
	defer func() {
		if r := recover(); r != nil {
			verdict = VerdictIntrospection
			detail = fmt.Errorf("inspect action: %v", r)
		}
	}()

	if d == nil {
		return VerdictNoDecision, nil
	}
	if len(d.Actions) == 0 {
		return VerdictEmptyActions, nil
	}
	for _, a := range d.Actions {
		if !a.IsNull() {
			return VerdictValid, nil
		}
	}
	return VerdictAllNull, nil
}
