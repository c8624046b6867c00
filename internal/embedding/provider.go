// Package embedding defines the embedding provider boundary and a caching,
// request-deduplicating layer on top of it.
package embedding

import (
	"context"
	"errors"
)

// ErrNoProvider indicates an operation that requires an embedding provider
// was invoked without one configured.
var ErrNoProvider = errors.New("no embedding provider configured")

// Provider converts text into fixed-dimension vector embeddings.
// Implementations: Mock (deterministic, for tests), OllamaProvider (HTTP).
type Provider interface {
	// Embed returns the embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch returns embeddings for all texts, preserving input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension returns the fixed embedding dimension.
	Dimension() int

	// ID identifies the provider implementation (used in cache keys).
	ID() string

	// Model identifies the embedding model (used in cache keys).
	Model() string
}
