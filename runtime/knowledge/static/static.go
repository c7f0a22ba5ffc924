// Package static provides a deterministic in-memory Searcher for tests and
// local runs. Documents are scored by the fraction of query terms they
// contain, which keeps results stable under a fixed corpus.
package static

import (
	"context"
	"sort"
	"strings"

	"github.com/ensembleworks/ensemble/runtime/knowledge"
)

// Doc is one corpus entry.
type Doc struct {
	// Content is the searchable chunk text.
	Content string
	// Metadata is returned verbatim with every hit.
	Metadata map[string]string
}

// Searcher matches query terms against a fixed corpus.
type Searcher struct {
	docs []Doc
}

// New builds a Searcher over the given corpus.
func New(docs ...Doc) *Searcher {
	return &Searcher{docs: docs}
}

// Search implements knowledge.Searcher.
func (s *Searcher) Search(_ context.Context, q knowledge.Query) ([]knowledge.Document, error) {
	terms := strings.Fields(strings.ToLower(q.Text))
	if len(terms) == 0 {
		return nil, nil
	}
	type scored struct {
		doc   Doc
		score float64
		index int
	}
	var hits []scored
	for i, doc := range s.docs {
		lower := strings.ToLower(doc.Content)
		matched := 0
		for _, term := range terms {
			if strings.Contains(lower, term) {
				matched++
			}
		}
		if matched == 0 {
			continue
		}
		score := float64(matched) / float64(len(terms))
		if q.ScoreThreshold > 0 && score < q.ScoreThreshold {
			continue
		}
		hits = append(hits, scored{doc: doc, score: score, index: i})
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].index < hits[j].index
	})
	limit := q.TopK
	if limit <= 0 || limit > len(hits) {
		limit = len(hits)
	}
	out := make([]knowledge.Document, 0, limit)
	for _, h := range hits[:limit] {
		out = append(out, knowledge.Document{
			Content:  h.doc.Content,
			Score:    h.score,
			Metadata: h.doc.Metadata,
		})
	}
	return out, nil
}
