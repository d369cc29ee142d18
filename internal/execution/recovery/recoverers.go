package recovery

import (
	"context"
	"log/slog"
	"strings"
	"sync"
)

// RecoverFunc tries to repair the environment after an error before the
// step is retried. It reports whether recovery succeeded.
type RecoverFunc func(ctx context.Context, message string) (bool, error)

type recoverer struct {
	pattern string
	fn      RecoverFunc
}

// Recoverers maps error patterns to recovery actions. Patterns are matched
// case-insensitively as substrings in registration order; first match wins.
type Recoverers struct {
	mu    sync.RWMutex
	items []recoverer
	log   *slog.Logger
}

// NewRecoverers creates an empty registry.
func NewRecoverers(log *slog.Logger) *Recoverers {
	if log == nil {
		log = slog.Default()
	}
	return &Recoverers{log: log.With("component", "recovery")}
}

// DefaultRecoverers registers the built-in timeout, connection and
// element-not-found recoverers. They only log; actuator-specific repairs are
// registered on top with Register.
func DefaultRecoverers(log *slog.Logger) *Recoverers {
	r := NewRecoverers(log)
	r.Register("timeout", r.logOnly("Recovering from timeout: reload page"))
	r.Register("connection", r.logOnly("Recovering from connection error: reconnect"))
	r.Register("element not found", r.logOnly("Recovering from missing element: refresh and locate again"))
	return r
}

func (r *Recoverers) logOnly(msg string) RecoverFunc {
	return func(ctx context.Context, message string) (bool, error) {
		r.log.Info(msg, "error", message)
		return true, nil
	}
}

// Register adds or replaces the recoverer of pattern.
func (r *Recoverers) Register(pattern string, fn RecoverFunc) {
	pattern = strings.ToLower(pattern)

	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.items {
		if r.items[i].pattern == pattern {
			r.items[i].fn = fn
			return
		}
	}
	r.items = append(r.items, recoverer{pattern: pattern, fn: fn})
	r.log.Debug("Registered recoverer", "pattern", pattern)
}

// Recover runs the first recoverer matching message. It returns false when
// none matches or the recoverer fails.
func (r *Recoverers) Recover(ctx context.Context, message string) bool {
	lower := strings.ToLower(message)

	r.mu.RLock()
	var match *recoverer
	for i := range r.items {
		if strings.Contains(lower, r.items[i].pattern) {
			m := r.items[i]
			match = &m
			break
		}
	}
	r.mu.RUnlock()

	if match == nil {
		r.log.Debug("No recoverer for error", "error", message)
		return false
	}

	ok, err := match.fn(ctx, message)
	switch {
	case err != nil:
		r.log.Warn("Recovery failed", "pattern", match.pattern, "error", err)
		return false
	case !ok:
		r.log.Warn("Recovery unsuccessful", "pattern", match.pattern)
	default:
		r.log.Debug("Recovery succeeded", "pattern", match.pattern)
	}
	return ok
}
