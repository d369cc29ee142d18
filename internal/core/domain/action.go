package domain

import (
	"reflect"
)

// Action maps a single action name to its parameters, e.g.
// {"click_element": {"index": 4}}.
type Action map[string]any

// zeroer is implemented by parameter values that know when they are unset.
type zeroer interface {
	IsZero() bool
}

// IsNull reports whether every field of the action is unset. A field is
// unset when it is nil, a nil pointer, map or slice, or reports IsZero.
// Present but empty parameters, as in {"go_back": {}}, count as set.
// An action with no fields at all is also null.
func (a Action) IsNull() bool {
	for _, v := range a {
		if !isUnset(v) {
			return false
		}
	}
	return true
}

func isUnset(v any) bool {
	if v == nil {
		return true
	}
	if z, ok := v.(zeroer); ok {
		return z.IsZero()
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map, reflect.Slice, reflect.Pointer, reflect.Interface, reflect.Func, reflect.Chan:
		return rv.IsNil()
	default:
		return false
	}
}

// Decision is the oracle's output for one step.
type Decision struct {
	Actions []Action       `json:"actions"`
	Raw     string         `json:"raw,omitempty"`   // raw model output, kept for diagnostics
	State   map[string]any `json:"state,omitempty"` // oracle-reported current state
}

// ActionResult is what the actuator reports after executing a step's actions.
type ActionResult struct {
	Done      bool   `json:"done"`
	Success   bool   `json:"success"`
	Content   string `json:"content,omitempty"`
	Error     string `json:"error,omitempty"`
	Synthetic bool   `json:"synthetic,omitempty"` // injected by the loop, not the actuator
}
