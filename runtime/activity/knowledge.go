package activity

import (
	"context"

	"github.com/ensembleworks/ensemble/runtime/agent"
	"github.com/ensembleworks/ensemble/runtime/knowledge"
)

type (
	// KnowledgeInput is one retrieval request.
	KnowledgeInput struct {
		// Binding names the collection and bounds the search.
		Binding agent.KnowledgeBinding `json:"binding"`
		// Query is the search text, normally the raw user input.
		Query string `json:"query"`
	}

	// KnowledgeOutput carries the retrieved documents in descending score
	// order. An empty slice is a valid outcome; the workflow still counts
	// the retrieval as performed.
	KnowledgeOutput struct {
		Documents []knowledge.Document `json:"documents,omitempty"`
	}
)

// RetrieveKnowledge searches the bound collection. A deployment without a
// knowledge opener cannot serve rag or full agents, so that is a
// configuration error rather than a transport one.
func (s *Service) RetrieveKnowledge(ctx context.Context, in KnowledgeInput) (KnowledgeOutput, error) {
	if s.knowledge == nil {
		return KnowledgeOutput{}, agent.NewError(agent.KindConfigInvalid,
			"no knowledge opener configured")
	}
	searcher, err := s.knowledge.Open(ctx, in.Binding.Collection)
	if err != nil {
		return KnowledgeOutput{}, agent.WrapError(agent.KindConfigInvalid, err,
			"open collection %q", in.Binding.Collection)
	}
	topK := in.Binding.TopK
	if topK <= 0 {
		topK = agent.DefaultTopK
	}
	docs, err := searcher.Search(ctx, knowledge.Query{
		Text:           in.Query,
		TopK:           topK,
		ScoreThreshold: in.Binding.ScoreThreshold,
	})
	if err != nil {
		return KnowledgeOutput{}, agent.WrapError(agent.KindTransport, err,
			"search collection %q", in.Binding.Collection)
	}
	s.metrics.IncCounter("knowledge_documents_retrieved", float64(len(docs)),
		"collection", in.Binding.Collection)
	return KnowledgeOutput{Documents: docs}, nil
}
