package engine

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/engramdb/engram/internal/embedding"
	"github.com/engramdb/engram/pkg/types"
)

func newTestManager(t *testing.T, cfg ManagerConfig, provider embedding.Provider) (*Manager, *Store) {
	t.Helper()
	store := newTestStore(t, StoreConfig{})
	return NewManager(store, provider, cfg), store
}

func TestManagerRememberAndRecall(t *testing.T) {
	provider := embedding.NewMock(16)
	m, _ := newTestManager(t, ManagerConfig{}, provider)
	ctx := context.Background()

	stored, err := m.Remember(ctx, "the API gateway lives in us-east-1", types.MemoryTypeFact,
		RememberOptions{Importance: 0.7, Tags: []string{"infra"}})
	if err != nil {
		t.Fatalf("Remember: %v", err)
	}
	if len(stored.Embedding) != 16 {
		t.Fatalf("expected remember to vectorize content, got %d components", len(stored.Embedding))
	}

	// Identical text embeds identically under the mock, so semantic recall
	// finds the record first.
	hits, err := m.Recall(ctx, "the API gateway lives in us-east-1", 3)
	if err != nil {
		t.Fatalf("Recall: %v", err)
	}
	if len(hits) == 0 || hits[0].ID != stored.ID {
		t.Fatalf("expected the remembered record first, got %+v", hits)
	}
}

func TestManagerRecallWithoutProvider(t *testing.T) {
	m, _ := newTestManager(t, ManagerConfig{}, nil)
	ctx := context.Background()

	if _, err := m.Remember(ctx, "text-only recall works", types.MemoryTypeFact, RememberOptions{}); err != nil {
		t.Fatalf("Remember: %v", err)
	}
	hits, err := m.Recall(ctx, "text-only recall", 3)
	if err != nil {
		t.Fatalf("Recall: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("expected 1 text hit, got %d", len(hits))
	}
}

func TestManagerRememberTriggersConsolidation(t *testing.T) {
	m, store := newTestManager(t, ManagerConfig{MaxMemories: 2}, nil)
	ctx := context.Background()

	// Two old, unimportant records that a consolidation pass will prune.
	for _, c := range []string{"noise one", "noise two"} {
		rec, err := m.Remember(ctx, c, types.MemoryTypeFact, RememberOptions{Importance: 0.1})
		if err != nil {
			t.Fatalf("Remember: %v", err)
		}
		store.mu.Lock()
		store.byID[rec.ID].CreatedAt = store.byID[rec.ID].CreatedAt.AddDate(0, 0, -8)
		store.mu.Unlock()
	}

	// The third remember pushes the count past MaxMemories and consolidates
	// synchronously, pruning the two stale records.
	if _, err := m.Remember(ctx, "fresh and kept", types.MemoryTypeFact, RememberOptions{Importance: 0.9}); err != nil {
		t.Fatalf("Remember: %v", err)
	}
	if got := store.Count(); got != 1 {
		t.Fatalf("expected consolidation to prune down to 1 record, got %d", got)
	}
}

func TestManagerForgetAndReinforce(t *testing.T) {
	m, _ := newTestManager(t, ManagerConfig{}, nil)
	ctx := context.Background()

	stored, err := m.Remember(ctx, "reinforce me", types.MemoryTypeFact, RememberOptions{Importance: 0.5})
	if err != nil {
		t.Fatalf("Remember: %v", err)
	}

	boosted, err := m.Reinforce(ctx, stored.ID, 0.3)
	if err != nil {
		t.Fatalf("Reinforce: %v", err)
	}
	// 0.5 base + access boost on the read + 0.3, capped at 1.0.
	if boosted.Importance < 0.8 || boosted.Importance > 1.0 {
		t.Fatalf("expected boosted importance in [0.8, 1.0], got %f", boosted.Importance)
	}

	missing, err := m.Reinforce(ctx, "unknown", 0.3)
	if err != nil || missing != nil {
		t.Fatalf("expected nil for unknown id, got (%v, %v)", missing, err)
	}

	removed, err := m.Forget(ctx, stored.ID)
	if err != nil || !removed {
		t.Fatalf("expected forget to remove, got (%v, %v)", removed, err)
	}
}

func TestManagerContextOverflowPersists(t *testing.T) {
	// Each turn is 3 tokens ("role: two words"); limit 7 holds two turns.
	m, store := newTestManager(t, ManagerConfig{ShortTermLimit: 7}, nil)
	ctx := context.Background()

	for _, content := range []string{"first message", "second message", "third message"} {
		if err := m.AddToContext(ctx, "user", content); err != nil {
			t.Fatalf("AddToContext: %v", err)
		}
	}

	out, err := m.GetContext(ctx, 0)
	if err != nil {
		t.Fatalf("GetContext: %v", err)
	}
	if strings.Contains(out, "first message") && !strings.Contains(out, "Relevant memories") {
		t.Fatalf("expected oldest turn evicted from the buffer, got %q", out)
	}
	if !strings.Contains(out, "third message") {
		t.Fatalf("expected newest turn kept, got %q", out)
	}

	// The evicted turn became a conversation memory, not silent loss.
	conversations, err := store.Query(ctx, QueryFilter{Types: []types.MemoryType{types.MemoryTypeConversation}})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(conversations) != 1 || !strings.Contains(conversations[0].Content, "first message") {
		t.Fatalf("expected evicted turn persisted, got %+v", conversations)
	}
}

// brokenPersister loads nothing and rejects every save.
type brokenPersister struct{}

func (brokenPersister) LoadAll(ctx context.Context) ([]*types.MemoryRecord, error) { return nil, nil }
func (brokenPersister) Save(ctx context.Context, rec *types.MemoryRecord) error {
	return errors.New("disk full")
}
func (brokenPersister) Delete(ctx context.Context, id string) error { return nil }
func (brokenPersister) Close() error                                { return nil }

func TestManagerContextOverflowSurvivesPersistFailure(t *testing.T) {
	store, err := NewStore(context.Background(), StoreConfig{}, brokenPersister{})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	m := NewManager(store, nil, ManagerConfig{ShortTermLimit: 7})
	ctx := context.Background()

	if err := m.AddToContext(ctx, "user", "first message"); err != nil {
		t.Fatalf("AddToContext: %v", err)
	}
	if err := m.AddToContext(ctx, "user", "second message"); err != nil {
		t.Fatalf("AddToContext: %v", err)
	}

	// The third turn overflows the buffer; the write fails, so the oldest
	// turn must stay in the buffer instead of vanishing.
	if err := m.AddToContext(ctx, "user", "third message"); err == nil {
		t.Fatal("expected persist failure to surface")
	}

	stats, err := m.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if stats.ShortTermTurns != 3 {
		t.Fatalf("expected all 3 turns retained, got %d", stats.ShortTermTurns)
	}

	out, err := m.GetContext(ctx, 0)
	if err != nil {
		t.Fatalf("GetContext: %v", err)
	}
	if !strings.Contains(out, "first message") {
		t.Fatalf("expected the unpersisted turn back in the buffer, got %q", out)
	}
}

func TestManagerGetContextTokenBudget(t *testing.T) {
	m, _ := newTestManager(t, ManagerConfig{ShortTermLimit: 100, DisableLongTerm: true}, nil)
	ctx := context.Background()

	for _, content := range []string{"alpha one", "bravo two", "charlie three"} {
		if err := m.AddToContext(ctx, "user", content); err != nil {
			t.Fatalf("AddToContext: %v", err)
		}
	}

	// Each line is 3 tokens; a budget of 6 keeps the newest two.
	out, err := m.GetContext(ctx, 6)
	if err != nil {
		t.Fatalf("GetContext: %v", err)
	}
	if strings.Contains(out, "alpha one") {
		t.Fatalf("expected oldest turn truncated, got %q", out)
	}
	for _, want := range []string{"bravo two", "charlie three"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in context, got %q", want, out)
		}
	}
}

func TestManagerGetContextInjectsRelevantMemories(t *testing.T) {
	m, _ := newTestManager(t, ManagerConfig{}, nil)
	ctx := context.Background()

	if _, err := m.Remember(ctx, "the database password rotates monthly", types.MemoryTypeFact,
		RememberOptions{Importance: 0.8}); err != nil {
		t.Fatalf("Remember: %v", err)
	}
	if err := m.AddToContext(ctx, "user", "when does the database password rotate?"); err != nil {
		t.Fatalf("AddToContext: %v", err)
	}

	out, err := m.GetContext(ctx, 0)
	if err != nil {
		t.Fatalf("GetContext: %v", err)
	}
	if !strings.Contains(out, "Relevant memories:") {
		t.Fatalf("expected relevant-memories block, got %q", out)
	}
	if !strings.Contains(out, "the database password rotates monthly") {
		t.Fatalf("expected the stored fact injected, got %q", out)
	}
}

func TestManagerClearContext(t *testing.T) {
	m, _ := newTestManager(t, ManagerConfig{DisableLongTerm: true}, nil)
	ctx := context.Background()

	if err := m.AddToContext(ctx, "user", "ephemeral"); err != nil {
		t.Fatalf("AddToContext: %v", err)
	}
	if err := m.ClearContext(ctx); err != nil {
		t.Fatalf("ClearContext: %v", err)
	}

	stats, err := m.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if stats.ShortTermTurns != 0 || stats.ShortTermTokens != 0 {
		t.Fatalf("expected empty buffer, got %+v", stats)
	}
}

func TestManagerStats(t *testing.T) {
	m, _ := newTestManager(t, ManagerConfig{DisableLongTerm: true}, nil)
	ctx := context.Background()

	if _, err := m.Remember(ctx, "counted", types.MemoryTypeFact, RememberOptions{}); err != nil {
		t.Fatalf("Remember: %v", err)
	}
	if err := m.AddToContext(ctx, "user", "two words"); err != nil {
		t.Fatalf("AddToContext: %v", err)
	}

	stats, err := m.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if stats.TotalRecords != 1 {
		t.Fatalf("expected 1 record, got %d", stats.TotalRecords)
	}
	if stats.ShortTermTurns != 1 || stats.ShortTermTokens != 3 {
		t.Fatalf("expected 1 turn of 3 tokens, got %+v", stats)
	}
}

func TestManagerExportImport(t *testing.T) {
	m, _ := newTestManager(t, ManagerConfig{}, nil)
	ctx := context.Background()

	if _, err := m.Remember(ctx, "portable fact", types.MemoryTypeFact, RememberOptions{Importance: 0.6}); err != nil {
		t.Fatalf("Remember: %v", err)
	}
	data, err := m.Export(ctx)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}

	other, _ := newTestManager(t, ManagerConfig{}, nil)
	n, err := other.Import(ctx, data)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 record imported, got %d", n)
	}
	hits, err := other.Recall(ctx, "portable fact", 1)
	if err != nil {
		t.Fatalf("Recall: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("expected the imported record recallable, got %d hits", len(hits))
	}
}
