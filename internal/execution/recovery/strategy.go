package recovery

import (
	"math"
	"strings"
	"sync"
	"time"
)

// CategoryOther is the retry category for messages no retry rule matches.
const CategoryOther = "other"

// RetryRule sets the retry budget for messages containing Pattern.
type RetryRule struct {
	Pattern    string `yaml:"pattern"`
	MaxRetries int    `yaml:"max_retries"`
}

// Config holds retry policy settings.
type Config struct {
	Enabled            *bool         `yaml:"enabled"`
	MaxRetriesPerError int           `yaml:"max_retries_per_error"`
	RetryDelay         time.Duration `yaml:"retry_delay"`
	BackoffFactor      float64       `yaml:"backoff_factor"`
	MaxBackoff         time.Duration `yaml:"max_backoff"`
	RetryableErrors    []RetryRule   `yaml:"retryable_errors"`
}

// DefaultRetryRules is the ordered retry budget table.
var DefaultRetryRules = []RetryRule{
	{Pattern: "timeout", MaxRetries: 3},
	{Pattern: "connection", MaxRetries: 3},
	{Pattern: "network", MaxRetries: 3},
	{Pattern: "loading", MaxRetries: 2},
	{Pattern: "temporary", MaxRetries: 2},
}

// DefaultConfig returns the default retry settings.
// Backoff: 1s, 1.5s, 2.25s, 3.375s ... (max 10s)
func DefaultConfig() Config {
	enabled := true
	rules := make([]RetryRule, len(DefaultRetryRules))
	copy(rules, DefaultRetryRules)
	return Config{
		Enabled:            &enabled,
		MaxRetriesPerError: 2,
		RetryDelay:         time.Second,
		BackoffFactor:      1.5,
		MaxBackoff:         10 * time.Second,
		RetryableErrors:    rules,
	}
}

// WithDefaults fills unset fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.Enabled == nil {
		c.Enabled = d.Enabled
	}
	if c.MaxRetriesPerError == 0 {
		c.MaxRetriesPerError = d.MaxRetriesPerError
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = d.RetryDelay
	}
	if c.BackoffFactor == 0 {
		c.BackoffFactor = d.BackoffFactor
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.RetryableErrors == nil {
		c.RetryableErrors = d.RetryableErrors
	}
	return c
}

// IsEnabled reports whether retries are enabled. Unset means enabled.
func (c Config) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// RetryPolicy tracks per-category retry budgets for one task.
// Counters only grow; build a new policy for each task.
type RetryPolicy struct {
	enabled       bool
	defaultMax    int
	baseDelay     time.Duration
	backoffFactor float64
	maxDelay      time.Duration
	rules         []RetryRule

	mu       sync.Mutex
	attempts map[string]int
}

// NewRetryPolicy creates a policy from cfg, filling unset fields with defaults.
func NewRetryPolicy(cfg Config) *RetryPolicy {
	cfg = cfg.WithDefaults()
	rules := make([]RetryRule, len(cfg.RetryableErrors))
	for i, r := range cfg.RetryableErrors {
		rules[i] = RetryRule{Pattern: strings.ToLower(r.Pattern), MaxRetries: r.MaxRetries}
	}
	return &RetryPolicy{
		enabled:       cfg.IsEnabled(),
		defaultMax:    cfg.MaxRetriesPerError,
		baseDelay:     cfg.RetryDelay,
		backoffFactor: cfg.BackoffFactor,
		maxDelay:      cfg.MaxBackoff,
		rules:         rules,
		attempts:      make(map[string]int),
	}
}

// Category returns the first matching retry pattern, or CategoryOther.
func (p *RetryPolicy) Category(message string) string {
	lower := strings.ToLower(message)
	for _, r := range p.rules {
		if strings.Contains(lower, r.Pattern) {
			return r.Pattern
		}
	}
	return CategoryOther
}

// Budget returns the maximum number of retries for a category.
func (p *RetryPolicy) Budget(category string) int {
	for _, r := range p.rules {
		if r.Pattern == category {
			return r.MaxRetries
		}
	}
	return p.defaultMax
}

// ShouldRetry consumes one retry from the category budget if any is left.
func (p *RetryPolicy) ShouldRetry(category string) bool {
	if !p.enabled {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.attempts[category] >= p.Budget(category) {
		return false
	}
	p.attempts[category]++
	return true
}

// Attempts returns how many retries the category has consumed.
func (p *RetryPolicy) Attempts(category string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts[category]
}

// Snapshot returns a copy of all retry counters.
func (p *RetryPolicy) Snapshot() map[string]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]int, len(p.attempts))
	for k, v := range p.attempts {
		out[k] = v
	}
	return out
}

// BackoffDelay calculates delay: RetryDelay * BackoffFactor^attempt, capped at MaxBackoff.
func (p *RetryPolicy) BackoffDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(p.baseDelay) * math.Pow(p.backoffFactor, float64(attempt))
	if delay > float64(p.maxDelay) || math.IsInf(delay, 0) || math.IsNaN(delay) {
		return p.maxDelay
	}
	return time.Duration(delay)
}
