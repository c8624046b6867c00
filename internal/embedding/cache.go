package embedding

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sync"

	"github.com/dgraph-io/ristretto"

	"github.com/engramdb/engram/pkg/types"
)

// CacheConfig holds embedding cache tuning.
type CacheConfig struct {
	// MaxEntries caps the number of cached embeddings (default: 4096).
	MaxEntries int64

	// NormalizeText collapses whitespace in texts before keying, so
	// "hello  world" and "hello world" share one cache entry.
	NormalizeText bool
}

// inflightCall tracks one pending upstream request. All concurrent callers
// for the same key wait on done and then read vec/err.
type inflightCall struct {
	done chan struct{}
	vec  []float32
	err  error
}

// Cache wraps a Provider with an LRU-flavored result cache and in-flight
// request deduplication: concurrent calls for the identical key share one
// upstream request, and all waiters receive the same result or failure.
// Failures are never cached.
//
// Cache itself satisfies Provider, so it can be dropped in anywhere a
// provider is expected.
type Cache struct {
	provider  Provider
	store     *ristretto.Cache
	normalize bool

	mu       sync.Mutex
	inflight map[string]*inflightCall
}

var _ Provider = (*Cache)(nil)

// NewCache wraps provider with caching and deduplication.
func NewCache(provider Provider, cfg CacheConfig) (*Cache, error) {
	if provider == nil {
		return nil, ErrNoProvider
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 4096
	}

	store, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cfg.MaxEntries * 10,
		MaxCost:     cfg.MaxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("embedding: create cache: %w", err)
	}

	return &Cache{
		provider:  provider,
		store:     store,
		normalize: cfg.NormalizeText,
		inflight:  make(map[string]*inflightCall),
	}, nil
}

// Dimension returns the wrapped provider's dimension.
func (c *Cache) Dimension() int { return c.provider.Dimension() }

// ID returns the wrapped provider's id.
func (c *Cache) ID() string { return c.provider.ID() }

// Model returns the wrapped provider's model.
func (c *Cache) Model() string { return c.provider.Model() }

// Wait blocks until pending cache writes are applied. Intended for tests
// that assert on cache-hit behavior immediately after a store.
func (c *Cache) Wait() { c.store.Wait() }

// Close releases cache resources.
func (c *Cache) Close() { c.store.Close() }

// key derives the cache key from provider id, model, and (optionally
// normalized) text.
func (c *Cache) key(text string) string {
	if c.normalize {
		text = types.NormalizeText(text)
	}
	h := sha256.New()
	_, _ = fmt.Fprintf(h, "%s\x00%s\x00%s", c.provider.ID(), c.provider.Model(), text)
	return fmt.Sprintf("%x", h.Sum(nil))
}

func (c *Cache) cached(key string) ([]float32, bool) {
	v, ok := c.store.Get(key)
	if !ok {
		return nil, false
	}
	vec, ok := v.([]float32)
	if !ok {
		return nil, false
	}
	return append([]float32(nil), vec...), true
}

// Embed returns the embedding for text, serving from cache when possible and
// joining any in-flight request for the same key. A cancelled waiter abandons
// its wait without cancelling the shared upstream call.
func (c *Cache) Embed(ctx context.Context, text string) ([]float32, error) {
	key := c.key(text)
	if vec, ok := c.cached(key); ok {
		return vec, nil
	}

	c.mu.Lock()
	if call, ok := c.inflight[key]; ok {
		c.mu.Unlock()
		return c.waitFor(ctx, call)
	}
	call := &inflightCall{done: make(chan struct{})}
	c.inflight[key] = call
	c.mu.Unlock()

	// The upstream call is detached from this caller's cancellation so that
	// other waiters sharing the call still get a result.
	go c.runSingle(context.WithoutCancel(ctx), key, text, call)

	return c.waitFor(ctx, call)
}

func (c *Cache) runSingle(ctx context.Context, key, text string, call *inflightCall) {
	vec, err := c.provider.Embed(ctx, text)
	if err != nil {
		call.err = err
	} else {
		call.vec = vec
		c.store.Set(key, append([]float32(nil), vec...), 1)
	}
	close(call.done)

	// The pending entry outlives the cache write becoming visible, so a
	// caller arriving in between joins it instead of re-dialing upstream.
	c.store.Wait()
	c.mu.Lock()
	delete(c.inflight, key)
	c.mu.Unlock()
}

func (c *Cache) waitFor(ctx context.Context, call *inflightCall) ([]float32, error) {
	select {
	case <-call.done:
		if call.err != nil {
			return nil, call.err
		}
		return append([]float32(nil), call.vec...), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// EmbedBatch resolves each text from, in order of preference: the cache, an
// in-flight request for the same key, or a single upstream batch call covering
// every remaining unique text. Output order matches input order. Repeated
// texts within the batch are deduplicated before going upstream.
func (c *Cache) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	results := make([][]float32, len(texts))

	// calls[i] is the pending call index i waits on; nil when already resolved.
	calls := make([]*inflightCall, len(texts))

	var missKeys []string
	var missTexts []string
	owned := make(map[string]*inflightCall)

	c.mu.Lock()
	for i, text := range texts {
		key := c.key(text)

		if vec, ok := c.cached(key); ok {
			results[i] = vec
			continue
		}
		if call, ok := owned[key]; ok { // duplicate within this batch
			calls[i] = call
			continue
		}
		if call, ok := c.inflight[key]; ok { // someone else is already fetching
			calls[i] = call
			continue
		}

		call := &inflightCall{done: make(chan struct{})}
		c.inflight[key] = call
		owned[key] = call
		calls[i] = call
		missKeys = append(missKeys, key)
		missTexts = append(missTexts, text)
	}
	c.mu.Unlock()

	if len(missTexts) > 0 {
		go c.runBatch(context.WithoutCancel(ctx), missKeys, missTexts, owned)
	}

	for i := range texts {
		if calls[i] == nil {
			continue
		}
		vec, err := c.waitFor(ctx, calls[i])
		if err != nil {
			return nil, err
		}
		results[i] = vec
	}

	return results, nil
}

func (c *Cache) runBatch(ctx context.Context, keys, texts []string, owned map[string]*inflightCall) {
	vecs, err := c.provider.EmbedBatch(ctx, texts)
	if err == nil && len(vecs) != len(texts) {
		err = fmt.Errorf("embedding: provider returned %d vectors for %d texts", len(vecs), len(texts))
	}

	for i, key := range keys {
		call := owned[key]
		if err != nil {
			call.err = err
		} else {
			call.vec = vecs[i]
			c.store.Set(key, append([]float32(nil), vecs[i]...), 1)
		}
		close(call.done)
	}

	// Same ordering as runSingle: results are settled and visible before the
	// pending entries go away.
	c.store.Wait()
	c.mu.Lock()
	for _, key := range keys {
		delete(c.inflight, key)
	}
	c.mu.Unlock()
}
