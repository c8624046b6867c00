package lesson

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/engramdb/engram/internal/embedding"
	"github.com/engramdb/engram/pkg/types"
)

func newTestStore(t *testing.T, provider embedding.Provider) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lessons.json")
	return NewStore(Config{Path: path}, provider)
}

func globalLesson(trigger, rule string, confidence float64) *types.Lesson {
	return &types.Lesson{
		Trigger:    trigger,
		Rule:       rule,
		Confidence: confidence,
		Scope:      types.ScopeGlobal,
		Source:     types.SourceManual,
	}
}

func TestStoreAddNormalizesAndValidates(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()

	added, err := store.Add(ctx, globalLesson("  when   editing\tconfigs  ", "prefer  explicit\nvalues", 1.7))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if added.ID == "" {
		t.Fatal("expected generated id")
	}
	if added.Trigger != "when editing configs" {
		t.Fatalf("expected normalized trigger, got %q", added.Trigger)
	}
	if added.Rule != "prefer explicit values" {
		t.Fatalf("expected normalized rule, got %q", added.Rule)
	}
	if added.Confidence != 1.0 {
		t.Fatalf("expected confidence clamped to 1.0, got %f", added.Confidence)
	}
}

func TestStoreAddRejectsInvalid(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()

	cases := []struct {
		name   string
		lesson *types.Lesson
	}{
		{"empty trigger", globalLesson("   ", "rule", 0.5)},
		{"empty rule", globalLesson("trigger", "\t\n", 0.5)},
		{"project scope without project id", &types.Lesson{
			Trigger: "t", Rule: "r", Scope: types.ScopeProject, Source: types.SourceCritic,
		}},
		{"global scope with project id", &types.Lesson{
			Trigger: "t", Rule: "r", Scope: types.ScopeGlobal, ProjectID: "p", Source: types.SourceCritic,
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := store.Add(ctx, tc.lesson); !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("expected ErrInvalidInput, got %v", err)
			}
		})
	}

	count, err := store.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 0 {
		t.Fatalf("rejected writes must leave state unchanged, got %d lessons", count)
	}
}

func TestStoreGetUpdateDeleteUnknownID(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()

	got, err := store.Get(ctx, "missing")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for unknown id, got %+v", got)
	}

	updated, err := store.Update(ctx, &types.Lesson{
		ID: "missing", Trigger: "t", Rule: "r", Scope: types.ScopeGlobal, Source: types.SourceManual,
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated != nil {
		t.Fatal("expected update of unknown id to be a silent no-op")
	}

	removed, err := store.Delete(ctx, "missing")
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if removed {
		t.Fatal("expected delete of unknown id to return false")
	}
}

func TestStoreEmbeddingRecomputedOnlyOnTextChange(t *testing.T) {
	provider := embedding.NewMock(8)
	store := newTestStore(t, provider)
	ctx := context.Background()

	added, err := store.Add(ctx, globalLesson("trigger", "rule", 0.5))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if len(added.Embedding) != 8 {
		t.Fatalf("expected embedding on add, got %d components", len(added.Embedding))
	}
	callsAfterAdd := provider.EmbedCalls()

	// Confidence-only edit reuses the stored embedding.
	edit := added.Clone()
	edit.Confidence = 0.9
	updated, err := store.Update(ctx, edit)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if provider.EmbedCalls() != callsAfterAdd {
		t.Fatalf("confidence edit must not recompute embedding: %d calls, want %d",
			provider.EmbedCalls(), callsAfterAdd)
	}
	if len(updated.Embedding) != 8 {
		t.Fatal("expected embedding preserved across unrelated edit")
	}

	// Rule edit recomputes.
	edit = updated.Clone()
	edit.Rule = "a different rule"
	if _, err := store.Update(ctx, edit); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if provider.EmbedCalls() != callsAfterAdd+1 {
		t.Fatalf("rule edit must recompute embedding: %d calls, want %d",
			provider.EmbedCalls(), callsAfterAdd+1)
	}
}

func TestStoreScopeFiltering(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()

	if _, err := store.Add(ctx, globalLesson("deploy checklist", "always run migrations first", 0.8)); err != nil {
		t.Fatalf("Add global: %v", err)
	}
	if _, err := store.Add(ctx, &types.Lesson{
		Trigger: "deploy checklist", Rule: "project-a uses blue-green deploys",
		Confidence: 0.8, Scope: types.ScopeProject, ProjectID: "project-a", Source: types.SourceCritic,
	}); err != nil {
		t.Fatalf("Add project: %v", err)
	}

	// project-a sees both the project lesson and the global one.
	results, err := store.Search(ctx, "deploy checklist", Filter{ProjectID: "project-a"}, 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 lessons for project-a, got %d", len(results))
	}

	// project-b excludes the project-a lesson but keeps the global one.
	results, err = store.Search(ctx, "deploy checklist", Filter{ProjectID: "project-b"}, 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 lesson for project-b, got %d", len(results))
	}
	if results[0].Lesson.Scope != types.ScopeGlobal {
		t.Fatalf("expected the surviving lesson to be global, got %s", results[0].Lesson.Scope)
	}

	// No project id means global only.
	listed, err := store.List(ctx, Filter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(listed) != 1 || listed[0].Scope != types.ScopeGlobal {
		t.Fatalf("expected global-only default, got %+v", listed)
	}
}

func TestStoreProfileAndConfidenceFilters(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()

	low := globalLesson("t1", "low confidence rule", 0.3)
	low.Profile = "reviewer"
	high := globalLesson("t2", "high confidence rule", 0.9)
	high.Profile = "coder"
	for _, l := range []*types.Lesson{low, high} {
		if _, err := store.Add(ctx, l); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	listed, err := store.List(ctx, Filter{Profiles: []string{"coder"}})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(listed) != 1 || listed[0].Profile != "coder" {
		t.Fatalf("expected profile allow-list to pass only coder, got %+v", listed)
	}

	listed, err = store.List(ctx, Filter{MinConfidence: 0.3})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(listed) != 2 {
		t.Fatalf("minConfidence is inclusive; expected 2, got %d", len(listed))
	}

	listed, err = store.List(ctx, Filter{MinConfidence: 0.5})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(listed) != 1 || listed[0].Confidence != 0.9 {
		t.Fatalf("expected only the high-confidence lesson, got %+v", listed)
	}
}

func TestStorePersistsAtomically(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lessons.json")
	ctx := context.Background()

	store := NewStore(Config{Path: path}, nil)
	added, err := store.Add(ctx, globalLesson("persist", "survive restarts", 0.7))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	// No temp files linger after a successful save.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp") {
			t.Fatalf("temp file left behind: %s", e.Name())
		}
	}

	// A fresh store loads the persisted lesson.
	reloaded := NewStore(Config{Path: path}, nil)
	got, err := reloaded.Get(ctx, added.ID)
	if err != nil {
		t.Fatalf("Get after reload: %v", err)
	}
	if got == nil || got.Rule != "survive restarts" {
		t.Fatalf("expected persisted lesson after reload, got %+v", got)
	}
}

func TestStoreMissingFileIsEmpty(t *testing.T) {
	store := NewStore(Config{Path: filepath.Join(t.TempDir(), "does-not-exist.json")}, nil)
	count, err := store.Count(context.Background())
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected empty store for missing file, got %d", count)
	}
}

func TestSemanticPolicyClassification(t *testing.T) {
	store := newTestStore(t, nil)
	sem := NewSemanticStore(store, 0)

	hard := globalLesson("t", "r", 0.9)
	if got := sem.PolicyFor(hard); got != types.PolicyHard {
		t.Fatalf("confidence 0.9: expected hard, got %s", got)
	}
	soft := globalLesson("t", "r", 0.6)
	if got := sem.PolicyFor(soft); got != types.PolicySoft {
		t.Fatalf("confidence 0.6: expected soft, got %s", got)
	}

	// Threshold is inclusive.
	edge := globalLesson("t", "r", DefaultHardThreshold)
	if got := sem.PolicyFor(edge); got != types.PolicyHard {
		t.Fatalf("confidence at threshold: expected hard, got %s", got)
	}

	// Explicit metadata tag overrides confidence.
	tagged := globalLesson("t", "r", 0.99)
	tagged.Metadata = types.Metadata{types.PolicyMetadataKey: "soft"}
	if got := sem.PolicyFor(tagged); got != types.PolicySoft {
		t.Fatalf("tagged soft: expected soft, got %s", got)
	}
	tagged = globalLesson("t", "r", 0.1)
	tagged.Metadata = types.Metadata{types.PolicyMetadataKey: "hard"}
	if got := sem.PolicyFor(tagged); got != types.PolicyHard {
		t.Fatalf("tagged hard: expected hard, got %s", got)
	}
}

func TestSemanticSearchLimitKeepsHardFirst(t *testing.T) {
	store := newTestStore(t, nil)
	sem := NewSemanticStore(store, 0)
	ctx := context.Background()

	hard, err := store.Add(ctx, globalLesson("style review", "ask for a style sign-off", 0.95))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	soft, err := store.Add(ctx, globalLesson("editing prose", "always check style carefully", 0.5))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	// The soft lesson scores higher on text similarity; the hard lesson must
	// still win the single slot because policy orders before score.
	got, err := sem.Search(ctx, "check style carefully", Filter{}, 1)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 result, got %d", len(got))
	}
	if got[0].Lesson.ID != hard.ID {
		t.Fatalf("expected the hard lesson, got %q (policy %s)", got[0].Lesson.Rule, got[0].Policy)
	}

	got, err = sem.Search(ctx, "check style carefully", Filter{}, 2)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 2 || got[0].Lesson.ID != hard.ID || got[1].Lesson.ID != soft.ID {
		t.Fatalf("expected hard then soft, got %+v", got)
	}
	if got[1].Score <= got[0].Score {
		t.Fatalf("setup must give the soft lesson the higher similarity score: hard %f, soft %f",
			got[0].Score, got[1].Score)
	}
}

func TestSemanticMergePolicies(t *testing.T) {
	store := newTestStore(t, nil)
	sem := NewSemanticStore(store, 0)
	now := time.Now()

	mk := func(id, rule string, confidence float64) types.SemanticMemoryRecord {
		l := types.Lesson{
			ID: id, Trigger: "t", Rule: rule, Confidence: confidence,
			Scope: types.ScopeGlobal, Source: types.SourceCritic, UpdatedAt: now,
		}
		return types.SemanticMemoryRecord{Lesson: l, Policy: sem.PolicyFor(&l)}
	}

	records := []types.SemanticMemoryRecord{
		mk("a", "always pin dependency versions", 0.9),
		mk("b", "always pin dependency versions", 0.6), // soft duplicate of the hard rule
		mk("c", "prefer table-driven tests", 0.55),
	}

	merged := sem.MergePolicies(records, MergeLimits{})
	if len(merged) != 2 {
		t.Fatalf("expected 2 records after merge, got %d", len(merged))
	}
	if merged[0].Lesson.ID != "a" || merged[0].Policy != types.PolicyHard {
		t.Fatalf("expected hard record first, got %+v", merged[0])
	}
	if merged[1].Lesson.ID != "c" || merged[1].Policy != types.PolicySoft {
		t.Fatalf("expected unique soft record second, got %+v", merged[1])
	}
}

func TestSemanticMergeLimits(t *testing.T) {
	store := newTestStore(t, nil)
	sem := NewSemanticStore(store, 0)
	now := time.Now()

	mk := func(id, rule string, confidence float64) types.SemanticMemoryRecord {
		l := types.Lesson{
			ID: id, Trigger: "t", Rule: rule, Confidence: confidence,
			Scope: types.ScopeGlobal, Source: types.SourceCritic, UpdatedAt: now,
		}
		return types.SemanticMemoryRecord{Lesson: l, Policy: sem.PolicyFor(&l)}
	}

	records := []types.SemanticMemoryRecord{
		mk("h1", "hard one", 0.95),
		mk("h2", "hard two", 0.9),
		mk("s1", "soft one", 0.6),
		mk("s2", "soft two", 0.5),
	}

	merged := sem.MergePolicies(records, MergeLimits{MaxHard: 1, MaxSoft: 1})
	if len(merged) != 2 {
		t.Fatalf("expected 2 records with per-bucket limits, got %d", len(merged))
	}
	// Higher confidence wins within each bucket.
	if merged[0].Lesson.ID != "h1" || merged[1].Lesson.ID != "s1" {
		t.Fatalf("expected h1 then s1, got %s then %s", merged[0].Lesson.ID, merged[1].Lesson.ID)
	}

	merged = sem.MergePolicies(records, MergeLimits{MaxTotal: 3})
	if len(merged) != 3 {
		t.Fatalf("expected 3 records with total limit, got %d", len(merged))
	}
}
