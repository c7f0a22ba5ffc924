package knowledge

import (
	"context"
	"fmt"
)

// Opener resolves a named collection to its searcher. Vector stores that
// host many collections implement it directly; fixed deployments use
// Collections.
type Opener interface {
	Open(ctx context.Context, collection string) (Searcher, error)
}

// Collections is a static Opener over a fixed set of named searchers.
type Collections map[string]Searcher

// Open returns the searcher registered under the collection name.
func (c Collections) Open(_ context.Context, collection string) (Searcher, error) {
	s, ok := c[collection]
	if !ok {
		return nil, fmt.Errorf("unknown knowledge collection %q", collection)
	}
	return s, nil
}
