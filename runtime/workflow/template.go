package workflow

import (
	"regexp"
	"strings"
)

var templateRef = regexp.MustCompile(`\$\{([a-zA-Z0-9_.\-]+)\}`)

// expand resolves the step-input template references: ${user_input},
// ${steps.<id>.output} and ${context.<key>}. Unknown or malformed
// references expand to the empty string so a typo surfaces as a visibly
// hollow step input rather than a failed run.
func expand(template, userInput string, outputs, context map[string]string) string {
	if template == "" {
		return ""
	}
	return templateRef.ReplaceAllStringFunc(template, func(m string) string {
		ref := m[2 : len(m)-1]
		switch {
		case ref == "user_input":
			return userInput
		case strings.HasPrefix(ref, "steps."):
			rest := strings.TrimPrefix(ref, "steps.")
			id, ok := strings.CutSuffix(rest, ".output")
			if !ok || id == "" {
				return ""
			}
			return outputs[id]
		case strings.HasPrefix(ref, "context."):
			return context[strings.TrimPrefix(ref, "context.")]
		}
		return ""
	})
}
