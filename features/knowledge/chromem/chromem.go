// Package chromem implements the knowledge retrieval contract over
// chromem-go, an embedded vector store. It needs no external service: vectors
// live in memory with optional gzip file persistence, which makes it the
// zero-config knowledge binding for local deployments and the worker's
// default when no vector service is configured.
package chromem

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	chromemgo "github.com/philippgille/chromem-go"

	"github.com/ensembleworks/ensemble/runtime/knowledge"
)

type (
	// Options configures the store.
	Options struct {
		// DB reuses an existing chromem database. When nil one is created
		// from PersistPath (or purely in memory).
		DB *chromemgo.DB

		// PersistPath enables file persistence at the given path. Empty
		// keeps vectors in memory only. Ignored when DB is set.
		PersistPath string

		// Compress gzips the persisted file. Ignored without PersistPath.
		Compress bool

		// Embedding computes document and query vectors. Defaults to the
		// chromem OpenAI embedding function, which reads OPENAI_API_KEY.
		Embedding chromemgo.EmbeddingFunc
	}

	// Store hosts named collections and implements knowledge.Opener.
	Store struct {
		db    *chromemgo.DB
		embed chromemgo.EmbeddingFunc
	}

	// Searcher searches one collection and implements knowledge.Searcher.
	Searcher struct {
		col *chromemgo.Collection
	}

	// IngestDocument is one chunk to index.
	IngestDocument struct {
		// ID identifies the chunk within its collection. Required.
		ID string
		// Content is the chunk text.
		Content string
		// Metadata carries source attribution returned with search hits.
		Metadata map[string]string
	}
)

// New builds a store. With PersistPath set, an existing database file is
// loaded; otherwise a fresh one is created.
func New(opts Options) (*Store, error) {
	embed := opts.Embedding
	if embed == nil {
		embed = chromemgo.NewEmbeddingFuncDefault()
	}
	db := opts.DB
	if db == nil {
		if opts.PersistPath != "" {
			var err error
			db, err = chromemgo.NewPersistentDB(opts.PersistPath, opts.Compress)
			if err != nil {
				return nil, fmt.Errorf("open vector database %s: %w", opts.PersistPath, err)
			}
		} else {
			db = chromemgo.NewDB()
		}
	}
	return &Store{db: db, embed: embed}, nil
}

// Open implements knowledge.Opener. The collection is created on first use.
func (s *Store) Open(_ context.Context, collection string) (knowledge.Searcher, error) {
	if collection == "" {
		return nil, errors.New("collection name is required")
	}
	col, err := s.db.GetOrCreateCollection(collection, nil, s.embed)
	if err != nil {
		return nil, fmt.Errorf("open collection %q: %w", collection, err)
	}
	return &Searcher{col: col}, nil
}

// Add indexes documents into a collection, embedding their content.
func (s *Store) Add(ctx context.Context, collection string, docs []IngestDocument) error {
	if len(docs) == 0 {
		return nil
	}
	col, err := s.db.GetOrCreateCollection(collection, nil, s.embed)
	if err != nil {
		return fmt.Errorf("open collection %q: %w", collection, err)
	}
	out := make([]chromemgo.Document, 0, len(docs))
	for _, d := range docs {
		if d.ID == "" {
			return fmt.Errorf("document in collection %q has no id", collection)
		}
		out = append(out, chromemgo.Document{
			ID:       d.ID,
			Content:  d.Content,
			Metadata: d.Metadata,
		})
	}
	if err := col.AddDocuments(ctx, out, runtime.NumCPU()); err != nil {
		return fmt.Errorf("index %d documents into %q: %w", len(docs), collection, err)
	}
	return nil
}

// Search implements knowledge.Searcher. Results come back ordered by
// descending cosine similarity; the requested TopK is clamped to the
// collection size and the score threshold drops weak hits.
func (s *Searcher) Search(ctx context.Context, q knowledge.Query) ([]knowledge.Document, error) {
	topK := q.TopK
	if topK <= 0 {
		topK = 5
	}
	if n := s.col.Count(); n < topK {
		topK = n
	}
	if topK == 0 {
		return nil, nil
	}
	results, err := s.col.Query(ctx, q.Text, topK, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	docs := make([]knowledge.Document, 0, len(results))
	for _, r := range results {
		score := float64(r.Similarity)
		if q.ScoreThreshold > 0 && score < q.ScoreThreshold {
			continue
		}
		var meta map[string]string
		if len(r.Metadata) > 0 {
			meta = make(map[string]string, len(r.Metadata))
			for k, v := range r.Metadata {
				meta[k] = v
			}
		}
		docs = append(docs, knowledge.Document{
			Content:  r.Content,
			Score:    score,
			Metadata: meta,
		})
	}
	return docs, nil
}
