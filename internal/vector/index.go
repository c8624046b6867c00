// Package vector provides an in-memory nearest-neighbor index over
// fixed-dimension float vectors, used as the building block for the
// in-memory vector store backend.
package vector

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/engramdb/engram/pkg/types"
)

// ErrDimensionMismatch indicates a vector whose length does not match the
// index dimension (or its comparison partner).
var ErrDimensionMismatch = errors.New("vector dimension mismatch")

// Cosine returns the cosine similarity of two equal-length vectors.
// It returns ErrDimensionMismatch when the lengths differ and 0 when either
// vector has zero magnitude.
func Cosine(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: %d vs %d", ErrDimensionMismatch, len(a), len(b))
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB)), nil
}

// SearchOptions controls an index search.
type SearchOptions struct {
	// Limit caps the number of results. A non-positive limit yields an empty
	// result set (not an error).
	Limit int

	// Threshold is the minimum cosine similarity (inclusive) for a result.
	Threshold float64
}

// Result is a single index search hit.
type Result struct {
	ID       string
	Content  string
	Score    float64
	Metadata types.Metadata
}

type entry struct {
	id       string
	content  string
	vector   []float32
	metadata types.Metadata
}

// Index is an in-memory vector index with optional capacity eviction.
// When MaxEntries is exceeded the oldest-inserted entry is evicted.
// Replacing an existing id keeps its original insertion position.
type Index struct {
	mu         sync.RWMutex
	dimension  int
	maxEntries int
	byID       map[string]*entry
	order      []string // insertion order, oldest first
}

// NewIndex creates an index for vectors of the given dimension.
// maxEntries <= 0 disables capacity eviction.
func NewIndex(dimension, maxEntries int) (*Index, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("vector: dimension must be positive, got %d", dimension)
	}
	return &Index{
		dimension:  dimension,
		maxEntries: maxEntries,
		byID:       make(map[string]*entry),
	}, nil
}

// Dimension returns the fixed vector dimension of the index.
func (ix *Index) Dimension() int { return ix.dimension }

// Len returns the number of entries currently held.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.byID)
}

// Add inserts or replaces an entry. The vector length must match the index
// dimension. When the insert pushes the index past its capacity, the
// oldest-inserted entry is evicted.
func (ix *Index) Add(id, content string, vec []float32, metadata types.Metadata) error {
	if id == "" {
		return fmt.Errorf("vector: entry id is required")
	}
	if len(vec) != ix.dimension {
		return fmt.Errorf("%w: index dimension %d, vector %d", ErrDimensionMismatch, ix.dimension, len(vec))
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	if existing, ok := ix.byID[id]; ok {
		existing.content = content
		existing.vector = append([]float32(nil), vec...)
		existing.metadata = metadata.Clone()
		return nil
	}

	ix.byID[id] = &entry{
		id:       id,
		content:  content,
		vector:   append([]float32(nil), vec...),
		metadata: metadata.Clone(),
	}
	ix.order = append(ix.order, id)

	if ix.maxEntries > 0 && len(ix.byID) > ix.maxEntries {
		oldest := ix.order[0]
		ix.order = ix.order[1:]
		delete(ix.byID, oldest)
	}

	return nil
}

// UpdateMetadata applies fn to the entry's metadata in place. It reports
// whether the entry exists; fn receives a non-nil map.
func (ix *Index) UpdateMetadata(id string, fn func(types.Metadata)) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	e, ok := ix.byID[id]
	if !ok {
		return false
	}
	if e.metadata == nil {
		e.metadata = types.Metadata{}
	}
	fn(e.metadata)
	return true
}

// Remove deletes the entry with the given id. Removing an unknown id is a no-op
// that returns false.
func (ix *Index) Remove(id string) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if _, ok := ix.byID[id]; !ok {
		return false
	}
	delete(ix.byID, id)
	for i, oid := range ix.order {
		if oid == id {
			ix.order = append(ix.order[:i], ix.order[i+1:]...)
			break
		}
	}
	return true
}

// Search returns entries with cosine similarity >= opts.Threshold against the
// query vector, sorted by similarity descending and truncated to opts.Limit.
// Equal scores preserve insertion order (stable sort).
func (ix *Index) Search(query []float32, opts SearchOptions) ([]Result, error) {
	if len(query) != ix.dimension {
		return nil, fmt.Errorf("%w: index dimension %d, query %d", ErrDimensionMismatch, ix.dimension, len(query))
	}
	if opts.Limit <= 0 {
		return []Result{}, nil
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	results := make([]Result, 0, len(ix.order))
	for _, id := range ix.order {
		e := ix.byID[id]
		sim, err := Cosine(query, e.vector)
		if err != nil {
			return nil, err
		}
		if sim >= opts.Threshold {
			results = append(results, Result{
				ID:       e.id,
				Content:  e.content,
				Score:    sim,
				Metadata: e.metadata.Clone(),
			})
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})

	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Entries returns a copy of all entries in insertion order.
func (ix *Index) Entries() []types.VectorEntry {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	out := make([]types.VectorEntry, 0, len(ix.order))
	for _, id := range ix.order {
		e := ix.byID[id]
		out = append(out, types.VectorEntry{
			ID:        e.id,
			Content:   e.content,
			Embedding: append([]float32(nil), e.vector...),
			Metadata:  e.metadata.Clone(),
		})
	}
	return out
}

// IDs returns the current entry ids in insertion order.
func (ix *Index) IDs() []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return append([]string(nil), ix.order...)
}
