package confidence

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ensembleworks/ensemble/runtime/model"
)

func f64(v float64) *float64 { return &v }

// midContent sits in the 21-50 rune band where no length multiplier applies.
const midContent = "The answer is forty-two, nothing more."

func TestScoreNoSignals(t *testing.T) {
	t.Parallel()
	require.Equal(t, 0.5, Score(Signals{}))
}

func TestLLMCategoryFinishReasons(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		finish model.FinishReason
		want   float64
	}{
		{"stop", model.FinishStop, 0.9},
		{"length", model.FinishLength, 0.6},
		{"tool_calls", model.FinishToolCalls, 0.85},
		{"content_filter", model.FinishContentFilter, 0.3},
		{"unrecognized", model.FinishReason("other"), 0.85},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := Score(Signals{FinishReason: tc.finish, Content: midContent})
			// LLM (0.30) and response (0.20, base 0.85) are present.
			want := (0.30*tc.want + 0.20*0.85) / 0.50
			require.InDelta(t, want, got, 1e-9)
		})
	}
}

func TestLLMCategoryLengthMultipliers(t *testing.T) {
	t.Parallel()
	short := Score(Signals{FinishReason: model.FinishStop, Content: "done"})
	require.InDelta(t, (0.30*0.9*0.8+0.20*0.85)/0.50, short, 1e-9)

	long := Score(Signals{
		FinishReason: model.FinishStop,
		Content:      "The answer is forty-two, derived from the standard reference text.",
	})
	require.InDelta(t, (0.30*0.9*1.05+0.20*0.85)/0.50, long, 1e-9)
}

func TestToolCategory(t *testing.T) {
	t.Parallel()

	t.Run("success rate", func(t *testing.T) {
		t.Parallel()
		got := Score(Signals{ToolCalls: 4, ToolSuccesses: 3, ToolFailures: 1})
		require.InDelta(t, 0.5+0.5*0.75, got, 1e-9)
	})

	t.Run("failure penalty beyond two", func(t *testing.T) {
		t.Parallel()
		got := Score(Signals{ToolCalls: 6, ToolSuccesses: 3, ToolFailures: 3})
		require.InDelta(t, (0.5+0.5*0.5)*0.8, got, 1e-9)
	})
}

func TestRetrievalCategory(t *testing.T) {
	t.Parallel()

	t.Run("scores absent", func(t *testing.T) {
		t.Parallel()
		got := Score(Signals{RetrievalPerformed: true})
		require.InDelta(t, 0.6, got, 1e-9)
	})

	t.Run("average relevance", func(t *testing.T) {
		t.Parallel()
		got := Score(Signals{
			RetrievalPerformed: true,
			DocumentsRetrieved: 2,
			AvgRelevance:       f64(0.5),
			MinRelevance:       f64(0.4),
		})
		require.InDelta(t, 0.5+0.4*0.5, got, 1e-9)
	})

	t.Run("boost for three strong documents", func(t *testing.T) {
		t.Parallel()
		got := Score(Signals{
			RetrievalPerformed: true,
			DocumentsRetrieved: 3,
			AvgRelevance:       f64(0.85),
			MinRelevance:       f64(0.8),
		})
		require.InDelta(t, (0.5+0.4*0.85)*1.1, got, 1e-9)
	})

	t.Run("penalty for weak minimum", func(t *testing.T) {
		t.Parallel()
		got := Score(Signals{
			RetrievalPerformed: true,
			DocumentsRetrieved: 2,
			AvgRelevance:       f64(0.4),
			MinRelevance:       f64(0.2),
		})
		require.InDelta(t, (0.5+0.4*0.4)*0.85, got, 1e-9)
	})
}

func TestResponseCategory(t *testing.T) {
	t.Parallel()

	t.Run("uncertainty language", func(t *testing.T) {
		t.Parallel()
		got := Score(Signals{
			FinishReason: model.FinishStop,
			Content:      "It seems the answer is forty-two today.",
		})
		require.InDelta(t, (0.30*0.9+0.20*0.85*0.85)/0.50, got, 1e-9)
	})

	t.Run("iteration tiers", func(t *testing.T) {
		t.Parallel()
		six := Score(Signals{FinishReason: model.FinishStop, Content: midContent, Iterations: 6})
		require.InDelta(t, (0.30*0.9+0.20*0.85*0.9)/0.50, six, 1e-9)

		nine := Score(Signals{FinishReason: model.FinishStop, Content: midContent, Iterations: 9})
		require.InDelta(t, (0.30*0.9+0.20*0.85*0.8)/0.50, nine, 1e-9)
	})

	t.Run("child confidence blend", func(t *testing.T) {
		t.Parallel()
		// Orchestrator lanes report only response-category signals so
		// child quality dominates the final score.
		got := Score(Signals{
			Content:          "merged",
			Iterations:       2,
			ChildConfidences: []float64{0.9, 0.8},
		})
		require.InDelta(t, 0.4*0.85+0.4*0.85+0.2*0.8, got, 1e-9)
		require.InDelta(t, 0.84, got, 1e-9)
	})

	t.Run("child failure ratio", func(t *testing.T) {
		t.Parallel()
		got := Score(Signals{
			Content:          "merged",
			ChildConfidences: []float64{1.0},
			ChildFailures:    1,
		})
		blend := 0.4*0.85 + 0.4*1.0 + 0.2*1.0
		require.InDelta(t, blend*(1-0.5*0.5), got, 1e-9)
	})
}

func TestGlobalPenalties(t *testing.T) {
	t.Parallel()

	t.Run("max iterations", func(t *testing.T) {
		t.Parallel()
		base := Score(Signals{FinishReason: model.FinishStop, Content: midContent})
		maxed := Score(Signals{FinishReason: model.FinishStop, Content: midContent, MaxIterationsReached: true})
		require.InDelta(t, base*0.7, maxed, 1e-9)
	})

	t.Run("refusal", func(t *testing.T) {
		t.Parallel()
		got := Score(Signals{
			FinishReason: model.FinishStop,
			Content:      "I can't help with that request right now.",
		})
		require.InDelta(t, (0.30*0.9+0.20*0.85)/0.50*0.5, got, 1e-9)
	})
}

func TestPhraseDetection(t *testing.T) {
	t.Parallel()
	require.True(t, HasUncertainty("I'm Not Sure about this"))
	require.True(t, HasUncertainty("that could be right"))
	require.False(t, HasUncertainty("the answer is 42"))
	require.False(t, HasUncertainty(""))

	require.True(t, IsRefusal("I CANNOT do that"))
	require.True(t, IsRefusal("this is beyond my capabilities, sorry"))
	require.False(t, IsRefusal("happy to help"))
	require.False(t, IsRefusal(""))
}
