package chromem

import (
	"context"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ensembleworks/ensemble/runtime/knowledge"
)

// stubEmbed maps text onto fixed topic axes so similarity is deterministic
// without a network embedding service.
func stubEmbed(_ context.Context, text string) ([]float32, error) {
	lower := strings.ToLower(text)
	v := []float32{0, 0, 0, 0.1}
	for i, topic := range []string{"billing", "shipping", "returns"} {
		if strings.Contains(lower, topic) {
			v[i] = 1
		}
	}
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	norm = math.Sqrt(norm)
	for i := range v {
		v[i] = float32(float64(v[i]) / norm)
	}
	return v, nil
}

func seededStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(Options{Embedding: stubEmbed})
	require.NoError(t, err)
	require.NoError(t, s.Add(context.Background(), "support", []IngestDocument{
		{ID: "b1", Content: "How billing invoices work", Metadata: map[string]string{"source": "handbook"}},
		{ID: "s1", Content: "Shipping times and carriers"},
		{ID: "r1", Content: "Our returns policy"},
	}))
	return s
}

func TestSearchRanksByTopic(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := seededStore(t)
	searcher, err := s.Open(ctx, "support")
	require.NoError(t, err)

	docs, err := searcher.Search(ctx, knowledge.Query{Text: "billing question", TopK: 3})
	require.NoError(t, err)
	require.Len(t, docs, 3)
	require.Equal(t, "How billing invoices work", docs[0].Content)
	require.Greater(t, docs[0].Score, docs[1].Score)
	require.Equal(t, "handbook", docs[0].Metadata["source"])
}

func TestSearchThresholdDropsWeakHits(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := seededStore(t)
	searcher, err := s.Open(ctx, "support")
	require.NoError(t, err)

	docs, err := searcher.Search(ctx, knowledge.Query{
		Text:           "billing question",
		TopK:           3,
		ScoreThreshold: 0.9,
	})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	require.Equal(t, "How billing invoices work", docs[0].Content)
}

func TestSearchClampsTopKToCollectionSize(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := seededStore(t)
	searcher, err := s.Open(ctx, "support")
	require.NoError(t, err)

	docs, err := searcher.Search(ctx, knowledge.Query{Text: "shipping", TopK: 50})
	require.NoError(t, err)
	require.Len(t, docs, 3)
}

func TestSearchEmptyCollection(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, err := New(Options{Embedding: stubEmbed})
	require.NoError(t, err)
	searcher, err := s.Open(ctx, "empty")
	require.NoError(t, err)

	docs, err := searcher.Search(ctx, knowledge.Query{Text: "anything", TopK: 5})
	require.NoError(t, err)
	require.Empty(t, docs)
}

func TestAddRequiresIDs(t *testing.T) {
	t.Parallel()

	s, err := New(Options{Embedding: stubEmbed})
	require.NoError(t, err)
	err = s.Add(context.Background(), "support", []IngestDocument{{Content: "no id"}})
	require.Error(t, err)
}

func TestOpenRequiresCollectionName(t *testing.T) {
	t.Parallel()

	s, err := New(Options{Embedding: stubEmbed})
	require.NoError(t, err)
	_, err = s.Open(context.Background(), "")
	require.Error(t, err)
}
