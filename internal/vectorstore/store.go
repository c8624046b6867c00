// Package vectorstore provides similarity-searchable entry storage with two
// interchangeable backends: an in-memory index and a SQLite-backed store with
// an optional ANN extension. A Postgres/pgvector backend is provided for
// deployments that outgrow the embedded engine.
package vectorstore

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/engramdb/engram/pkg/types"
)

// Metadata keys used for access bookkeeping on stored entries.
const (
	MetaAccessCount = "access_count"
	MetaAccessedAt  = "accessed_at" // RFC 3339
)

// bumpAccess increments the access counter and stamps the access time on a
// metadata map. JSON round-trips turn the counter into a float64, so both
// numeric shapes are accepted.
func bumpAccess(md types.Metadata, at time.Time) {
	count := 0.0
	switch v := md[MetaAccessCount].(type) {
	case float64:
		count = v
	case int:
		count = float64(v)
	}
	md[MetaAccessCount] = count + 1
	md[MetaAccessedAt] = at.UTC().Format(time.RFC3339)
}

var (
	// ErrInvalidInput indicates malformed input parameters.
	ErrInvalidInput = errors.New("vectorstore: invalid input")

	// ErrNotFound indicates the requested entry does not exist.
	ErrNotFound = errors.New("vectorstore: entry not found")
)

// Query describes a similarity search. When Text is set and the store has an
// embedding provider, the text is embedded first; without a provider the
// store falls back to plain text scoring (never a hard failure). When
// Embedding is set it is used directly.
type Query struct {
	Text      string
	Embedding []float32

	// Limit caps results; non-positive yields an empty result set.
	Limit int

	// Threshold is the minimum score (inclusive).
	Threshold float64
}

// Result is one search hit.
type Result struct {
	Entry types.VectorEntry
	Score float64
}

// Store is the vector store contract shared by all backends.
type Store interface {
	// Upsert inserts or replaces the entry by id.
	Upsert(ctx context.Context, entry types.VectorEntry) error

	// Delete removes the entry. It reports whether an entry was removed;
	// deleting an unknown id is not an error.
	Delete(ctx context.Context, id string) (bool, error)

	// Search returns entries scored against the query, best first.
	Search(ctx context.Context, q Query) ([]Result, error)

	// RecordAccess bumps the entry's access metadata (MetaAccessCount and
	// MetaAccessedAt). Unknown ids are a no-op.
	RecordAccess(ctx context.Context, id string, at time.Time) error

	// Count returns the number of stored entries.
	Count(ctx context.Context) (int, error)

	// Close releases backend resources.
	Close() error
}

// scoreText scores content against a free-text query without embeddings:
// 1.0 for an exact (case-insensitive) match, 0.7 when one side contains the
// other, otherwise half the fraction of query words present in the content.
func scoreText(query, content string) float64 {
	q := strings.ToLower(strings.TrimSpace(query))
	c := strings.ToLower(strings.TrimSpace(content))
	if q == "" || c == "" {
		return 0
	}
	if q == c {
		return 1.0
	}
	if strings.Contains(c, q) || strings.Contains(q, c) {
		return 0.7
	}

	words := strings.Fields(q)
	if len(words) == 0 {
		return 0
	}
	matched := 0
	for _, w := range words {
		if strings.Contains(c, w) {
			matched++
		}
	}
	return 0.5 * float64(matched) / float64(len(words))
}

// sortResults orders results by score descending; equal scores keep their
// existing (insertion) order.
func sortResults(results []Result) {
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
}
