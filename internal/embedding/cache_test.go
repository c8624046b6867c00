package embedding

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func newTestCache(t *testing.T, provider Provider) *Cache {
	t.Helper()
	cache, err := NewCache(provider, CacheConfig{MaxEntries: 128})
	if err != nil {
		t.Fatalf("NewCache failed: %v", err)
	}
	t.Cleanup(cache.Close)
	return cache
}

func TestCacheServesFromCache(t *testing.T) {
	mock := NewMock(8)
	cache := newTestCache(t, mock)
	ctx := context.Background()

	first, err := cache.Embed(ctx, "hello")
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	cache.Wait()

	second, err := cache.Embed(ctx, "hello")
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}

	if mock.EmbedCalls() != 1 {
		t.Errorf("expected 1 upstream call, got %d", mock.EmbedCalls())
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatal("cached result differs from original")
		}
	}
}

func TestCacheDedupesConcurrentRequests(t *testing.T) {
	mock := NewMock(8)
	// The delay keeps the shared call in flight long enough for every
	// waiter to join it rather than racing past a completed one.
	cache := newTestCache(t, &slowProvider{Provider: mock, delay: 50 * time.Millisecond})

	const waiters = 50
	var wg sync.WaitGroup
	errs := make([]error, waiters)

	start := make(chan struct{})
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = cache.Embed(context.Background(), "same text")
		}(i)
	}
	close(start)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("waiter %d failed: %v", i, err)
		}
	}

	// The pending-request table must collapse identical keys to at most a
	// handful of upstream calls; with a synchronized start this is one.
	if mock.EmbedCalls() != 1 {
		t.Errorf("expected exactly 1 upstream call for 50 concurrent waiters, got %d", mock.EmbedCalls())
	}
}

func TestCacheFailurePropagatesAndIsNotCached(t *testing.T) {
	mock := NewMock(8)
	cache := newTestCache(t, mock)
	ctx := context.Background()

	boom := errors.New("upstream down")
	mock.Fail = boom

	if _, err := cache.Embed(ctx, "text"); !errors.Is(err, boom) {
		t.Fatalf("expected upstream error, got %v", err)
	}

	// Recovery: the failure must not have been cached.
	mock.Fail = nil
	if _, err := cache.Embed(ctx, "text"); err != nil {
		t.Fatalf("expected success after provider recovery, got %v", err)
	}
	if mock.EmbedCalls() != 2 {
		t.Errorf("expected 2 upstream calls (failure then retry), got %d", mock.EmbedCalls())
	}
}

func TestCacheCancelledWaiterDoesNotCancelOthers(t *testing.T) {
	mock := NewMock(8)
	slow := &slowProvider{Provider: mock, delay: 100 * time.Millisecond}
	cache := newTestCache(t, slow)

	cancelCtx, cancel := context.WithCancel(context.Background())

	var wg sync.WaitGroup
	var cancelledErr, survivorErr error
	var survivorVec []float32

	wg.Add(2)
	go func() {
		defer wg.Done()
		_, cancelledErr = cache.Embed(cancelCtx, "shared")
	}()
	go func() {
		defer wg.Done()
		time.Sleep(20 * time.Millisecond) // join the in-flight call
		survivorVec, survivorErr = cache.Embed(context.Background(), "shared")
	}()

	time.Sleep(40 * time.Millisecond)
	cancel()
	wg.Wait()

	if !errors.Is(cancelledErr, context.Canceled) {
		t.Errorf("cancelled waiter should see context.Canceled, got %v", cancelledErr)
	}
	if survivorErr != nil {
		t.Errorf("surviving waiter should succeed, got %v", survivorErr)
	}
	if len(survivorVec) != 8 {
		t.Errorf("surviving waiter should receive the embedding")
	}
	if mock.EmbedCalls() != 1 {
		t.Errorf("expected 1 shared upstream call, got %d", mock.EmbedCalls())
	}
}

func TestEmbedBatchDedupesAndPreservesOrder(t *testing.T) {
	mock := NewMock(8)
	cache := newTestCache(t, mock)
	ctx := context.Background()

	// Pre-cache one text.
	if _, err := cache.Embed(ctx, "cached"); err != nil {
		t.Fatal(err)
	}
	cache.Wait()

	texts := []string{"cached", "fresh-a", "fresh-b", "fresh-a"}
	vecs, err := cache.EmbedBatch(ctx, texts)
	if err != nil {
		t.Fatalf("EmbedBatch failed: %v", err)
	}

	if len(vecs) != len(texts) {
		t.Fatalf("expected %d results, got %d", len(texts), len(vecs))
	}

	// Exactly one upstream batch call, covering only the unique misses.
	if mock.BatchCalls() != 1 {
		t.Errorf("expected 1 upstream batch call, got %d", mock.BatchCalls())
	}

	// Duplicate input texts yield identical vectors.
	for i := range vecs[1] {
		if vecs[1][i] != vecs[3][i] {
			t.Fatal("duplicate texts in a batch should share one embedding")
		}
	}

	// Order preservation: each slot matches a direct embed of its text.
	for i, text := range texts {
		want, _ := mock.Embed(ctx, text)
		for j := range want {
			if vecs[i][j] != want[j] {
				t.Fatalf("result %d does not match embedding of %q", i, text)
			}
		}
	}
}

func TestEmbedRightAfterBatchSkipsUpstream(t *testing.T) {
	mock := NewMock(8)
	cache := newTestCache(t, mock)
	ctx := context.Background()

	if _, err := cache.EmbedBatch(ctx, []string{"alpha", "beta"}); err != nil {
		t.Fatalf("EmbedBatch failed: %v", err)
	}

	// Deliberately no cache.Wait(): a request arriving right after the batch
	// settles must join the still-pending entry or hit the flushed cache,
	// never dial upstream again.
	if _, err := cache.Embed(ctx, "alpha"); err != nil {
		t.Fatalf("Embed failed: %v", err)
	}

	if mock.EmbedCalls() != 0 {
		t.Errorf("expected no single upstream calls, got %d", mock.EmbedCalls())
	}
	if mock.BatchCalls() != 1 {
		t.Errorf("expected 1 upstream batch call, got %d", mock.BatchCalls())
	}
}

func TestSequentialEmbedsShareOneUpstreamCall(t *testing.T) {
	mock := NewMock(8)
	cache := newTestCache(t, mock)
	ctx := context.Background()

	// No cache.Wait() between calls: back-to-back requests for the same text
	// must still resolve to a single upstream call.
	for i := 0; i < 3; i++ {
		if _, err := cache.Embed(ctx, "hello"); err != nil {
			t.Fatalf("Embed %d failed: %v", i, err)
		}
	}

	if mock.EmbedCalls() != 1 {
		t.Errorf("expected 1 upstream call, got %d", mock.EmbedCalls())
	}
}

func TestEmbedBatchEmpty(t *testing.T) {
	cache := newTestCache(t, NewMock(8))
	vecs, err := cache.EmbedBatch(context.Background(), nil)
	if err != nil {
		t.Fatalf("empty batch should not error: %v", err)
	}
	if len(vecs) != 0 {
		t.Errorf("empty batch should return empty result")
	}
}

// slowProvider delays every call to widen concurrency windows in tests.
type slowProvider struct {
	Provider
	delay time.Duration
}

func (s *slowProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	time.Sleep(s.delay)
	return s.Provider.Embed(ctx, text)
}
