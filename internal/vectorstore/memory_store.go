package vectorstore

import (
	"context"
	"fmt"
	"time"

	"github.com/engramdb/engram/internal/embedding"
	"github.com/engramdb/engram/internal/vector"
	"github.com/engramdb/engram/pkg/types"
)

// MemoryStore is the in-memory vector store backend. It wraps the vector
// index; capacity eviction removes the oldest-inserted entry.
type MemoryStore struct {
	index    *vector.Index
	provider embedding.Provider // may be nil: text search falls back to word scoring
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an in-memory store for vectors of the given
// dimension. maxEntries <= 0 disables capacity eviction. provider may be nil.
func NewMemoryStore(dimension, maxEntries int, provider embedding.Provider) (*MemoryStore, error) {
	ix, err := vector.NewIndex(dimension, maxEntries)
	if err != nil {
		return nil, err
	}
	return &MemoryStore{index: ix, provider: provider}, nil
}

// Upsert inserts or replaces the entry.
func (s *MemoryStore) Upsert(ctx context.Context, entry types.VectorEntry) error {
	if entry.ID == "" {
		return fmt.Errorf("%w: entry id is required", ErrInvalidInput)
	}
	if len(entry.Embedding) == 0 {
		return fmt.Errorf("%w: entry embedding is required", ErrInvalidInput)
	}
	return s.index.Add(entry.ID, entry.Content, entry.Embedding, entry.Metadata)
}

// Delete removes the entry, reporting whether one existed.
func (s *MemoryStore) Delete(ctx context.Context, id string) (bool, error) {
	return s.index.Remove(id), nil
}

// Search scores entries against the query. Text queries are embedded when a
// provider is configured, otherwise scored by plain text matching.
func (s *MemoryStore) Search(ctx context.Context, q Query) ([]Result, error) {
	if q.Limit <= 0 {
		return []Result{}, nil
	}

	emb := q.Embedding
	if len(emb) == 0 && q.Text != "" && s.provider != nil {
		vec, err := s.provider.Embed(ctx, q.Text)
		if err != nil {
			return nil, fmt.Errorf("embed query: %w", err)
		}
		emb = vec
	}

	if len(emb) > 0 {
		hits, err := s.index.Search(emb, vector.SearchOptions{Limit: q.Limit, Threshold: q.Threshold})
		if err != nil {
			return nil, err
		}
		results := make([]Result, 0, len(hits))
		for _, h := range hits {
			results = append(results, Result{
				Entry: types.VectorEntry{ID: h.ID, Content: h.Content, Metadata: h.Metadata},
				Score: h.Score,
			})
		}
		return results, nil
	}

	// No provider and no vector: plain text scoring over all entries.
	var results []Result
	for _, e := range s.index.Entries() {
		score := scoreText(q.Text, e.Content)
		if score > 0 && score >= q.Threshold {
			results = append(results, Result{Entry: e, Score: score})
		}
	}
	sortResults(results)
	if len(results) > q.Limit {
		results = results[:q.Limit]
	}
	return results, nil
}

// RecordAccess bumps access metadata on the entry; unknown ids are a no-op.
func (s *MemoryStore) RecordAccess(ctx context.Context, id string, at time.Time) error {
	s.index.UpdateMetadata(id, func(md types.Metadata) {
		bumpAccess(md, at)
	})
	return nil
}

// Count returns the number of stored entries.
func (s *MemoryStore) Count(ctx context.Context) (int, error) {
	return s.index.Len(), nil
}

// Close is a no-op for the in-memory backend.
func (s *MemoryStore) Close() error { return nil }
