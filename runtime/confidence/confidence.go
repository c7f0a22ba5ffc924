// Package confidence scores agent responses on a [0,1] scale from the
// signals an invocation produced: the model finish reason, tool success
// rates, retrieval relevance, and response characteristics. Each category is
// optional; the final score is the weighted average over the categories that
// are present, with global penalties for iteration exhaustion and refusals.
package confidence

import (
	"strings"
	"unicode/utf8"

	"github.com/ensembleworks/ensemble/runtime/model"
)

// Category weights. Absent categories redistribute their weight across the
// present ones.
const (
	llmWeight       = 0.30
	toolsWeight     = 0.25
	retrievalWeight = 0.25
	responseWeight  = 0.20
)

// DefaultScore is returned when no signals are present at all.
const DefaultScore = 0.5

// Signals carries everything an invocation learned about its own quality.
// Zero values mark categories as absent: an empty FinishReason skips the
// LLM category, zero tool calls skip the tools category, and
// RetrievalPerformed gates the retrieval category.
type Signals struct {
	// FinishReason is the finish reason of the final model call. Empty
	// means no model call was made.
	FinishReason model.FinishReason
	// Content is the final response text.
	Content string

	// ToolCalls is the total number of tool executions attempted.
	ToolCalls int
	// ToolSuccesses counts executions that returned success.
	ToolSuccesses int
	// ToolFailures counts executions that failed.
	ToolFailures int

	// RetrievalPerformed reports whether a knowledge search ran, even if
	// it returned nothing.
	RetrievalPerformed bool
	// DocumentsRetrieved is the number of documents returned.
	DocumentsRetrieved int
	// AvgRelevance is the mean relevance score when the searcher reports
	// scores.
	AvgRelevance *float64
	// MinRelevance is the lowest relevance score when reported.
	MinRelevance *float64

	// Iterations is the number of model turns consumed.
	Iterations int
	// MaxIterationsReached marks that the loop hit its iteration cap.
	MaxIterationsReached bool

	// ChildConfidences holds one confidence per successful child-agent
	// invocation.
	ChildConfidences []float64
	// ChildFailures counts child-agent invocations that failed.
	ChildFailures int
}

// Uncertainty phrases matched case-insensitively in response content.
var uncertaintyPhrases = []string{
	"i'm not sure",
	"i'm not certain",
	"might be",
	"could be",
	"possibly",
	"perhaps",
	"i think",
	"it seems",
	"appears to be",
	"may not be accurate",
	"i don't have enough information",
}

// Refusal phrases matched case-insensitively in response content.
var refusalPhrases = []string{
	"i can't",
	"i cannot",
	"i'm unable",
	"i am unable",
	"i don't have access",
	"beyond my capabilities",
	"outside my scope",
}

// Score computes the overall confidence for the given signals.
func Score(s Signals) float64 {
	var sum, weight float64
	if v, ok := llmScore(s); ok {
		sum += llmWeight * v
		weight += llmWeight
	}
	if v, ok := toolScore(s); ok {
		sum += toolsWeight * v
		weight += toolsWeight
	}
	if v, ok := retrievalScore(s); ok {
		sum += retrievalWeight * v
		weight += retrievalWeight
	}
	if v, ok := responseScore(s); ok {
		sum += responseWeight * v
		weight += responseWeight
	}
	score := DefaultScore
	if weight > 0 {
		score = sum / weight
	}
	if s.MaxIterationsReached {
		score *= 0.7
	}
	if IsRefusal(s.Content) {
		score *= 0.5
	}
	return clamp(score)
}

// HasUncertainty reports whether the content contains hedging language.
func HasUncertainty(content string) bool {
	return containsAny(content, uncertaintyPhrases)
}

// IsRefusal reports whether the content reads as a refusal to answer.
func IsRefusal(content string) bool {
	return containsAny(content, refusalPhrases)
}

func llmScore(s Signals) (float64, bool) {
	if s.FinishReason == "" {
		return 0, false
	}
	score := 0.85
	switch s.FinishReason {
	case model.FinishStop:
		score = 0.9
	case model.FinishLength:
		score = 0.6
	case model.FinishToolCalls:
		score = 0.85
	case model.FinishContentFilter:
		score = 0.3
	}
	switch n := utf8.RuneCountInString(s.Content); {
	case n <= 20:
		score *= 0.8
	case n > 50:
		score *= 1.05
	}
	return score, true
}

func toolScore(s Signals) (float64, bool) {
	if s.ToolCalls <= 0 {
		return 0, false
	}
	rate := float64(s.ToolSuccesses) / float64(s.ToolCalls)
	score := 0.5 + 0.5*rate
	if s.ToolFailures > 2 {
		score *= 0.8
	}
	return score, true
}

func retrievalScore(s Signals) (float64, bool) {
	if !s.RetrievalPerformed {
		return 0, false
	}
	score := 0.6
	if s.AvgRelevance != nil {
		score = 0.5 + 0.4*(*s.AvgRelevance)
	}
	if s.MinRelevance != nil {
		if s.DocumentsRetrieved >= 3 && *s.MinRelevance > 0.7 {
			score *= 1.1
		}
		if *s.MinRelevance < 0.3 {
			score *= 0.85
		}
	}
	return score, true
}

func responseScore(s Signals) (float64, bool) {
	if s.FinishReason == "" && s.Content == "" && len(s.ChildConfidences) == 0 {
		return 0, false
	}
	score := 0.85
	if HasUncertainty(s.Content) {
		score *= 0.85
	}
	switch {
	case s.Iterations > 8:
		score *= 0.8
	case s.Iterations > 5:
		score *= 0.9
	}
	if len(s.ChildConfidences) > 0 {
		var sum float64
		min := s.ChildConfidences[0]
		for _, c := range s.ChildConfidences {
			sum += c
			if c < min {
				min = c
			}
		}
		avg := sum / float64(len(s.ChildConfidences))
		score = 0.4*score + 0.4*avg + 0.2*min
		total := len(s.ChildConfidences) + s.ChildFailures
		if total > 0 && s.ChildFailures > 0 {
			ratio := float64(s.ChildFailures) / float64(total)
			score *= 1 - 0.5*ratio
		}
	}
	return score, true
}

func containsAny(content string, phrases []string) bool {
	if content == "" {
		return false
	}
	lower := strings.ToLower(content)
	for _, p := range phrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
