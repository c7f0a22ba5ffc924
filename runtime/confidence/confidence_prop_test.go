package confidence

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/ensembleworks/ensemble/runtime/model"
)

// TestScoreBoundsProperty checks that the score stays within [0,1] for any
// combination of signals.
func TestScoreBoundsProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	properties.Property("score is always within [0,1]", prop.ForAll(
		func(finish string, content string, calls, successes int, retrieved bool,
			docs int, avg, min float64, iter int, maxed bool, children []float64, childFailures int) bool {
			if calls > 0 {
				successes %= calls + 1
			}
			s := Signals{
				FinishReason:         model.FinishReason(finish),
				Content:              content,
				ToolCalls:            calls,
				ToolSuccesses:        successes,
				ToolFailures:         calls - successes,
				RetrievalPerformed:   retrieved,
				DocumentsRetrieved:   docs,
				AvgRelevance:         &avg,
				MinRelevance:         &min,
				Iterations:           iter,
				MaxIterationsReached: maxed,
				ChildConfidences:     children,
				ChildFailures:        childFailures,
			}
			got := Score(s)
			return got >= 0 && got <= 1
		},
		gen.OneConstOf("", "stop", "length", "tool_calls", "content_filter"),
		gen.AlphaString(),
		gen.IntRange(0, 20),
		gen.IntRange(0, 20),
		gen.Bool(),
		gen.IntRange(0, 10),
		gen.Float64Range(0, 1),
		gen.Float64Range(0, 1),
		gen.IntRange(0, 20),
		gen.Bool(),
		gen.SliceOf(gen.Float64Range(0, 1)),
		gen.IntRange(0, 5),
	))

	properties.Property("no signals score the default", prop.ForAll(
		func(_ int) bool {
			return Score(Signals{}) == DefaultScore
		},
		gen.Int(),
	))

	properties.TestingRun(t)
}
