// Package safety implements the content filters that gate agent input and
// output. Every level screens the configured blocked topics and patterns;
// high and maximum additionally apply a built-in pattern set covering attack
// vocabulary and credential-style strings on input, and SSNs, card numbers,
// and credentials on output. The filter never rewrites content; a violation
// aborts the invocation with a refusal.
package safety

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/ensembleworks/ensemble/runtime/agent"
	"github.com/ensembleworks/ensemble/runtime/telemetry"
)

type (
	// Check is one screening request.
	Check struct {
		// Content is the text under inspection.
		Content string `json:"content"`
		// Level selects the screening aggressiveness.
		Level agent.SafetyLevel `json:"level"`
		// BlockedTopics are matched as case-insensitive substrings.
		BlockedTopics []string `json:"blocked_topics,omitempty"`
		// BlockedPatterns are matched as regular expressions. Invalid
		// patterns are skipped with a warning.
		BlockedPatterns []string `json:"blocked_patterns,omitempty"`
	}

	// Violation describes one matched safety rule. Built-in pattern hits
	// aggregate into a single violation regardless of how many patterns
	// matched.
	Violation struct {
		// Rule identifies the rule family that matched.
		Rule string `json:"rule"`
		// Detail names the matched topic, pattern, or built-in category.
		Detail string `json:"detail"`
	}

	// Verdict is the outcome of a safety check.
	Verdict struct {
		// Safe reports whether the content passed all checks.
		Safe bool `json:"is_safe"`
		// Violations lists every matched rule.
		Violations []Violation `json:"violations,omitempty"`
		// Confidence is the filter's certainty in the verdict.
		Confidence float64 `json:"confidence"`
		// FilteredContent is reserved for rewriting filters. The built-in
		// filter never populates it.
		FilteredContent string `json:"filtered_content,omitempty"`
	}

	// Options configures a Filter.
	Options struct {
		// Logger reports skipped patterns. Defaults to a no-op logger.
		Logger telemetry.Logger
	}

	// Filter screens content against configured and built-in rules.
	Filter struct {
		logger telemetry.Logger
	}
)

// Violation rule families.
const (
	RuleBlockedTopic   = "blocked_topic"
	RuleBlockedPattern = "blocked_pattern"
	RuleBuiltin        = "builtin"
)

// Built-in verdicts are heuristic, so they carry slightly lower confidence
// than explicit operator rules.
const (
	explicitRuleConfidence = 1.0
	builtinRuleConfidence  = 0.9
)

type builtinPattern struct {
	category string
	re       *regexp.Regexp
}

var builtinInputPatterns = []builtinPattern{
	{"attack vocabulary", regexp.MustCompile(`(?i)\b(hack|hacking|hacked|exploit|exploits|exploited|inject|injection)\b`)},
	{"credential material", regexp.MustCompile(`(?i)(password|passwd|api[_-]?key|secret[_-]?key|access[_-]?token)\s*[:=]\s*\S+`)},
}

var builtinOutputPatterns = []builtinPattern{
	{"social security number", regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{"card number", regexp.MustCompile(`\b(?:\d[ -]?){15}\d\b`)},
	{"credential material", regexp.MustCompile(`(?i)(password|passwd|api[_-]?key|secret[_-]?key|access[_-]?token)\s*[:=]\s*\S+`)},
}

// New builds a Filter from the provided options.
func New(opts Options) *Filter {
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Filter{logger: logger}
}

// CheckInput screens user input before it reaches any model call.
func (f *Filter) CheckInput(ctx context.Context, c Check) Verdict {
	return f.check(ctx, c, builtinInputPatterns)
}

// CheckOutput screens final content before it is returned to the caller.
func (f *Filter) CheckOutput(ctx context.Context, c Check) Verdict {
	return f.check(ctx, c, builtinOutputPatterns)
}

func (f *Filter) check(ctx context.Context, c Check, builtin []builtinPattern) Verdict {
	verdict := Verdict{Safe: true, Confidence: explicitRuleConfidence}
	if c.Content == "" {
		return verdict
	}
	lower := strings.ToLower(c.Content)

	for _, topic := range c.BlockedTopics {
		if topic == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(topic)) {
			verdict.Violations = append(verdict.Violations, Violation{
				Rule:   RuleBlockedTopic,
				Detail: topic,
			})
		}
	}

	for _, pattern := range c.BlockedPatterns {
		if pattern == "" {
			continue
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			f.logger.Warn(ctx, "skipping invalid blocked pattern", "pattern", pattern, "err", err)
			continue
		}
		if re.MatchString(c.Content) {
			verdict.Violations = append(verdict.Violations, Violation{
				Rule:   RuleBlockedPattern,
				Detail: pattern,
			})
		}
	}

	if c.Level == agent.SafetyHigh || c.Level == agent.SafetyMaximum {
		var categories []string
		for _, bp := range builtin {
			if bp.re.MatchString(c.Content) {
				categories = append(categories, bp.category)
			}
		}
		if len(categories) > 0 {
			verdict.Violations = append(verdict.Violations, Violation{
				Rule:   RuleBuiltin,
				Detail: fmt.Sprintf("content matches restricted patterns: %s", strings.Join(categories, ", ")),
			})
			verdict.Confidence = builtinRuleConfidence
		}
	}

	if len(verdict.Violations) > 0 {
		verdict.Safe = false
		// Explicit rule hits are authoritative even when built-in
		// heuristics also fired.
		for _, v := range verdict.Violations {
			if v.Rule != RuleBuiltin {
				verdict.Confidence = explicitRuleConfidence
				break
			}
		}
	}
	return verdict
}

// Reasons renders the violation list as a short human-readable summary used
// in refusal messages and logs.
func Reasons(violations []Violation) string {
	if len(violations) == 0 {
		return ""
	}
	parts := make([]string, 0, len(violations))
	for _, v := range violations {
		parts = append(parts, v.Detail)
	}
	return strings.Join(parts, "; ")
}
