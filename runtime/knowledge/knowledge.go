// Package knowledge defines the retrieval contract used by rag and full
// agents. Searchers are opaque to the control loop: results are recorded
// activity outputs, so a given invocation never re-queries on replay.
package knowledge

import "context"

type (
	// Document is one retrieved chunk.
	Document struct {
		// Content is the chunk text injected into the system prompt.
		Content string `json:"content"`
		// Score is the similarity in [0,1], higher is more relevant.
		Score float64 `json:"score"`
		// Metadata carries source attribution (document name, URI).
		Metadata map[string]string `json:"metadata,omitempty"`
	}

	// Query bounds one search.
	Query struct {
		// Text is the search query.
		Text string `json:"text"`
		// TopK caps the number of results.
		TopK int `json:"top_k"`
		// ScoreThreshold drops results scoring below it. Zero disables
		// the threshold.
		ScoreThreshold float64 `json:"score_threshold,omitempty"`
	}

	// Searcher retrieves relevant documents for a query, ordered by
	// descending score.
	Searcher interface {
		Search(ctx context.Context, q Query) ([]Document, error)
	}
)

// Stats summarizes a result set for confidence scoring.
type Stats struct {
	// Count is the number of documents returned.
	Count int
	// Avg and Min are the average and minimum scores. They are nil when
	// no documents carry scores.
	Avg *float64
	Min *float64
}

// Summarize computes retrieval statistics over a result set.
func Summarize(docs []Document) Stats {
	stats := Stats{Count: len(docs)}
	if len(docs) == 0 {
		return stats
	}
	var sum float64
	scored := false
	min := docs[0].Score
	for _, d := range docs {
		sum += d.Score
		if d.Score > 0 {
			scored = true
		}
		if d.Score < min {
			min = d.Score
		}
	}
	if !scored {
		return stats
	}
	avg := sum / float64(len(docs))
	stats.Avg = &avg
	stats.Min = &min
	return stats
}
