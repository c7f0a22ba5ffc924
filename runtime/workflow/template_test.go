package workflow

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExpand(t *testing.T) {
	t.Parallel()

	outputs := map[string]string{
		"draft":   "DRAFT",
		"re-take": "AGAIN",
	}
	context := map[string]string{"locale": "pt-PT"}

	cases := []struct {
		name     string
		template string
		want     string
	}{
		{"user input", "Write about: ${user_input}", "Write about: Go generics"},
		{"step output", "Review: ${steps.draft.output}", "Review: DRAFT"},
		{"hyphenated step id", "${steps.re-take.output}", "AGAIN"},
		{"unknown step", "${steps.missing.output}", ""},
		{"step without output suffix", "${steps.draft}", ""},
		{"empty step id", "${steps..output}", ""},
		{"context key", "Locale is ${context.locale}", "Locale is pt-PT"},
		{"unknown context key", "${context.absent}", ""},
		{"unknown reference", "${nonsense}", ""},
		{"multiple references", "${user_input} / ${steps.draft.output}", "Go generics / DRAFT"},
		{"no references", "plain text", "plain text"},
		{"unterminated reference", "${steps.draft.output", "${steps.draft.output"},
		{"bare dollar", "$user_input", "$user_input"},
		{"empty template", "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, expand(tc.template, "Go generics", outputs, context))
		})
	}
}
