package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"sync/atomic"
)

// Mock is a deterministic embedding provider for tests and offline use.
// It derives a pseudo-embedding from a hash of the text, so equal texts
// always produce equal vectors.
type Mock struct {
	dimension  int
	embedCalls atomic.Int64
	batchCalls atomic.Int64

	// Fail, when set, is returned by every call. Lets tests exercise the
	// provider-failure paths.
	Fail error
}

// NewMock creates a mock provider with the given dimension.
func NewMock(dimension int) *Mock {
	if dimension <= 0 {
		dimension = 384
	}
	return &Mock{dimension: dimension}
}

// Embed creates a deterministic unit vector from a hash of the text.
func (m *Mock) Embed(ctx context.Context, text string) ([]float32, error) {
	m.embedCalls.Add(1)
	if m.Fail != nil {
		return nil, m.Fail
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return m.vectorFor(text), nil
}

// EmbedBatch embeds every text, preserving input order.
func (m *Mock) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	m.batchCalls.Add(1)
	if m.Fail != nil {
		return nil, m.Fail
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = m.vectorFor(t)
	}
	return out, nil
}

// Dimension returns the embedding dimension.
func (m *Mock) Dimension() int { return m.dimension }

// ID identifies the mock provider.
func (m *Mock) ID() string { return "mock" }

// Model identifies the mock model.
func (m *Mock) Model() string { return "hash-lcg" }

// EmbedCalls returns how many single-text calls reached the provider.
func (m *Mock) EmbedCalls() int64 { return m.embedCalls.Load() }

// BatchCalls returns how many batch calls reached the provider.
func (m *Mock) BatchCalls() int64 { return m.batchCalls.Load() }

func (m *Mock) vectorFor(text string) []float32 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	seed := h.Sum64()

	vec := make([]float32, m.dimension)
	for i := range vec {
		// LCG keeps generation deterministic per seed.
		seed = seed*6364136223846793005 + 1442695040888963407
		vec[i] = float32(int64(seed)) / float32(math.MaxInt64)
	}
	return normalize(vec)
}

// normalize scales vec to unit length. A zero vector is returned unchanged.
func normalize(vec []float32) []float32 {
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	scale := float32(1.0 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec
}
