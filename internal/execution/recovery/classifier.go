// Package recovery classifies step errors and decides how a task reacts to
// them: retry budgets, backoff, loop detection and failure summaries.
package recovery

import (
	"strings"

	"github.com/vietddude/taskpilot/internal/core/domain"
)

// CategoryUnknown is reported for messages no severity rule matches.
const CategoryUnknown = "unknown"

// SeverityRule maps a case-insensitive substring to a severity.
type SeverityRule struct {
	Pattern  string
	Severity domain.Severity
}

// DefaultSeverityRules is the ordered classification table. First match wins.
var DefaultSeverityRules = []SeverityRule{
	{"timeout", domain.SeverityMedium},
	{"connection", domain.SeverityMedium},
	{"network", domain.SeverityMedium},
	{"loading", domain.SeverityMedium},
	{"element not found", domain.SeverityHigh},
	{"permission denied", domain.SeverityHigh},
	{"invalid url", domain.SeverityHigh},
	{"crash", domain.SeverityCritical},
	{"out of memory", domain.SeverityCritical},
}

// Classifier assigns severities to free-text error messages.
type Classifier struct {
	rules []SeverityRule
}

// NewClassifier creates a classifier over the given rules, or the default
// table when none are given.
func NewClassifier(rules ...SeverityRule) *Classifier {
	if len(rules) == 0 {
		rules = DefaultSeverityRules
	}
	normalized := make([]SeverityRule, len(rules))
	for i, r := range rules {
		normalized[i] = SeverityRule{Pattern: strings.ToLower(r.Pattern), Severity: r.Severity}
	}
	return &Classifier{rules: normalized}
}

// Classify returns the severity of the first matching rule, or Medium.
func (c *Classifier) Classify(message string) domain.Severity {
	if r, ok := c.match(message); ok {
		return r.Severity
	}
	return domain.SeverityMedium
}

// Category returns the pattern of the first matching rule, or CategoryUnknown.
func (c *Classifier) Category(message string) string {
	if r, ok := c.match(message); ok {
		return r.Pattern
	}
	return CategoryUnknown
}

func (c *Classifier) match(message string) (SeverityRule, bool) {
	if message == "" {
		return SeverityRule{}, false
	}
	lower := strings.ToLower(message)
	for _, r := range c.rules {
		if strings.Contains(lower, r.Pattern) {
			return r, true
		}
	}
	return SeverityRule{}, false
}
