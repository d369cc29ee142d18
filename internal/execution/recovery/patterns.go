package recovery

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/vietddude/taskpilot/internal/core/domain"
)

// ShouldGiveUp reports whether an error should no longer be retried.
// Critical errors are never retried; High errors stop once retries reach max.
func (c *Classifier) ShouldGiveUp(message string, retries, maxRetries int) bool {
	switch c.Classify(message) {
	case domain.SeverityCritical:
		return true
	case domain.SeverityHigh:
		return retries >= maxRetries
	default:
		return false
	}
}

// PatternCount is an error pattern and how often it was seen.
type PatternCount struct {
	Pattern string `json:"pattern"`
	Count   int    `json:"count"`
}

// PatternCounter learns error patterns across tasks. A pattern is the
// lowercased text before the first colon of a message.
type PatternCounter struct {
	mu     sync.Mutex
	counts map[string]int
	order  []string
}

// NewPatternCounter creates an empty counter.
func NewPatternCounter() *PatternCounter {
	return &PatternCounter{counts: make(map[string]int)}
}

// Learn counts the pattern of message.
func (p *PatternCounter) Learn(message string) {
	pattern, _, _ := strings.Cut(message, ":")
	pattern = strings.ToLower(strings.TrimSpace(pattern))
	if pattern == "" {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.counts[pattern]; !ok {
		p.order = append(p.order, pattern)
	}
	p.counts[pattern]++
}

// MostCommon returns up to n patterns by descending count.
func (p *PatternCounter) MostCommon(n int) []PatternCount {
	p.mu.Lock()
	out := make([]PatternCount, 0, len(p.order))
	for _, pattern := range p.order {
		out = append(out, PatternCount{Pattern: pattern, Count: p.counts[pattern]})
	}
	p.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].Count > out[j].Count })
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// Suggestions renders improvement hints for the most common patterns.
func (p *PatternCounter) Suggestions() string {
	common := p.MostCommon(5)
	if len(common) == 0 {
		return "no error patterns recorded"
	}

	var b strings.Builder
	b.WriteString("suggested improvements by error pattern:\n")
	for _, pc := range common {
		fmt.Fprintf(&b, "  - %s (%d):\n", pc.Pattern, pc.Count)
		switch {
		case strings.Contains(pc.Pattern, "timeout"):
			b.WriteString("    increase actuator timeouts\n    improve page load detection\n")
		case strings.Contains(pc.Pattern, "connection"):
			b.WriteString("    check network connectivity\n    raise the connection retry budget\n")
		case strings.Contains(pc.Pattern, "element"):
			b.WriteString("    improve element location\n    wait for the element before acting\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// Diagnose explains a failed oracle call for the logs.
func Diagnose(step int, err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	lower := strings.ToLower(msg)

	var hint string
	switch {
	case strings.Contains(msg, "400"):
		hint = "bad request: check tool parameter format, prompt length and credentials"
	case strings.Contains(msg, "401") || strings.Contains(lower, "unauthorized"):
		hint = "authentication failed: check the oracle API key"
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "connection"):
		hint = "timeout or network error: check connectivity and retry later"
	case strings.Contains(lower, "tool"):
		hint = "tool calling error: try a different tool calling method"
	default:
		hint = "no known cause"
	}
	return fmt.Sprintf("oracle call failed at step %d: %s (%s)", step, msg, hint)
}
