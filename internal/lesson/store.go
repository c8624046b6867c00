// Package lesson stores learned behavioral rules with durable JSON
// persistence and embedding-backed search. Lessons are scoped to a project or
// global, carry a confidence score, and are filtered by scope, profile, and
// confidence on every read.
package lesson

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/engramdb/engram/internal/embedding"
	"github.com/engramdb/engram/internal/vector"
	"github.com/engramdb/engram/pkg/types"
)

// ErrInvalidInput indicates a lesson that failed validation.
var ErrInvalidInput = errors.New("lesson: invalid input")

// Filter narrows list and search results.
type Filter struct {
	// ProjectID widens the scope to project lessons matching this id plus
	// all global lessons. Empty means global lessons only.
	ProjectID string

	// Profiles is an allow-list of persona tags. Empty passes all profiles.
	Profiles []string

	// MinConfidence is an inclusive lower bound.
	MinConfidence float64
}

// SearchResult is one scored search hit.
type SearchResult struct {
	Lesson *types.Lesson
	Score  float64
}

// Config configures the lesson store.
type Config struct {
	// Path is the JSON file lessons persist to. Empty disables persistence
	// (the store is then purely in-memory).
	Path string
}

// Store holds scoped lessons with atomic file persistence. Loading from disk
// happens lazily on the first operation and exactly once per process; every
// mutation rewrites the full set through a temp-file rename so a crash never
// leaves a partially written file behind.
type Store struct {
	path     string
	provider embedding.Provider // may be nil: search falls back to text scoring

	mu       sync.Mutex
	loadOnce sync.Once
	loadErr  error
	byID     map[string]*types.Lesson
	order    []string // insertion order, for deterministic iteration
}

// NewStore creates a lesson store. provider may be nil.
func NewStore(cfg Config, provider embedding.Provider) *Store {
	return &Store{
		path:     cfg.Path,
		provider: provider,
		byID:     make(map[string]*types.Lesson),
	}
}

// ensureLoaded reads the durable file once. A missing file is an empty store.
func (s *Store) ensureLoaded() error {
	s.loadOnce.Do(func() {
		if s.path == "" {
			return
		}
		data, err := os.ReadFile(s.path)
		if err != nil {
			if os.IsNotExist(err) {
				return
			}
			s.loadErr = fmt.Errorf("lesson: read %s: %w", s.path, err)
			return
		}
		var doc struct {
			Items []*types.Lesson `json:"items"`
		}
		if err := json.Unmarshal(data, &doc); err != nil {
			s.loadErr = fmt.Errorf("lesson: parse %s: %w", s.path, err)
			return
		}
		for _, l := range doc.Items {
			if l == nil || l.ID == "" {
				continue
			}
			s.byID[l.ID] = l
			s.order = append(s.order, l.ID)
		}
	})
	return s.loadErr
}

// saveLocked serializes the full lesson set to a temp file and renames it
// over the target path. Caller holds s.mu.
func (s *Store) saveLocked() error {
	if s.path == "" {
		return nil
	}

	doc := struct {
		Items []*types.Lesson `json:"items"`
	}{Items: make([]*types.Lesson, 0, len(s.order))}
	for _, id := range s.order {
		doc.Items = append(doc.Items, s.byID[id])
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("lesson: marshal store: %w", err)
	}

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("lesson: create directory %s: %w", dir, err)
		}
	}

	tmp := fmt.Sprintf("%s.%d.tmp", s.path, time.Now().UnixNano())
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("lesson: write temp file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("lesson: rename temp file: %w", err)
	}
	return nil
}

// embedText is the canonical text a lesson is embedded from. Trigger and rule
// together define the lesson's meaning, so either changing forces a
// recompute.
func embedText(l *types.Lesson) string {
	return l.Trigger + "\n" + l.Rule
}

// computeEmbedding fills in the lesson's embedding when a provider is
// available. Failures are logged and leave the lesson without an embedding;
// search then falls back to text scoring for it.
func (s *Store) computeEmbedding(ctx context.Context, l *types.Lesson) {
	if s.provider == nil {
		return
	}
	vec, err := s.provider.Embed(ctx, embedText(l))
	if err != nil {
		log.Printf("lesson: embed %s failed, storing without embedding: %v", l.ID, err)
		l.Embedding = nil
		return
	}
	l.Embedding = vec
}

// Add validates, normalizes, and stores a new lesson, returning the stored
// copy with its generated id and timestamps.
func (s *Store) Add(ctx context.Context, in *types.Lesson) (*types.Lesson, error) {
	if in == nil {
		return nil, fmt.Errorf("%w: lesson is nil", ErrInvalidInput)
	}
	if err := s.ensureLoaded(); err != nil {
		return nil, err
	}

	l := in.Clone()
	l.Normalize()
	if err := l.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	now := time.Now()
	l.CreatedAt = now
	l.UpdatedAt = now
	s.computeEmbedding(ctx, l)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[l.ID]; !exists {
		s.order = append(s.order, l.ID)
	}
	s.byID[l.ID] = l
	if err := s.saveLocked(); err != nil {
		return nil, err
	}
	return l.Clone(), nil
}

// Update replaces the fields of an existing lesson. Updating an unknown id is
// a silent no-op. The embedding is recomputed only when the trigger or rule
// text actually changed; edits to confidence, profile, or metadata reuse the
// stored embedding.
func (s *Store) Update(ctx context.Context, in *types.Lesson) (*types.Lesson, error) {
	if in == nil || in.ID == "" {
		return nil, fmt.Errorf("%w: lesson id is required", ErrInvalidInput)
	}
	if err := s.ensureLoaded(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	prev, ok := s.byID[in.ID]
	s.mu.Unlock()
	if !ok {
		return nil, nil
	}

	l := in.Clone()
	l.Normalize()
	if err := l.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	l.CreatedAt = prev.CreatedAt
	l.UpdatedAt = time.Now()

	if embedText(l) == embedText(prev) {
		l.Embedding = append([]float32(nil), prev.Embedding...)
	} else {
		s.computeEmbedding(ctx, l)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[l.ID]; !ok {
		// Deleted while we were embedding; treat as the no-op it would
		// have been.
		return nil, nil
	}
	s.byID[l.ID] = l
	if err := s.saveLocked(); err != nil {
		return nil, err
	}
	return l.Clone(), nil
}

// Delete removes a lesson, reporting whether one existed.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	if err := s.ensureLoaded(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[id]; !ok {
		return false, nil
	}
	delete(s.byID, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	if err := s.saveLocked(); err != nil {
		return true, err
	}
	return true, nil
}

// Get returns the lesson, or nil when the id is unknown.
func (s *Store) Get(ctx context.Context, id string) (*types.Lesson, error) {
	if err := s.ensureLoaded(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byID[id].Clone(), nil
}

// matches applies the scope, profile, and confidence rules. Scope defaults to
// global only; supplying a project id additionally admits project lessons for
// that id.
func matches(l *types.Lesson, f Filter) bool {
	switch l.Scope {
	case types.ScopeGlobal:
		// always in scope
	case types.ScopeProject:
		if f.ProjectID == "" || l.ProjectID != f.ProjectID {
			return false
		}
	default:
		return false
	}

	if len(f.Profiles) > 0 {
		allowed := false
		for _, p := range f.Profiles {
			if l.Profile == p {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}

	return l.Confidence >= f.MinConfidence
}

// List returns lessons passing the filter, in insertion order.
func (s *Store) List(ctx context.Context, f Filter) ([]*types.Lesson, error) {
	if err := s.ensureLoaded(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Lesson
	for _, id := range s.order {
		if l := s.byID[id]; matches(l, f) {
			out = append(out, l.Clone())
		}
	}
	return out, nil
}

// Search scores lessons passing the filter against the query, best first.
// With an embedding provider the query is embedded and compared by cosine
// similarity to each lesson's stored embedding; lessons without an embedding,
// and all lessons when no provider is configured, are scored by plain text
// matching against their trigger and rule.
func (s *Store) Search(ctx context.Context, query string, f Filter, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		return []SearchResult{}, nil
	}
	results, err := s.searchAll(ctx, query, f)
	if err != nil {
		return nil, err
	}
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// searchAll scores every candidate passing the filter, sorted by score
// descending without a limit. Callers that re-rank results, like the
// semantic layer, truncate after their own ordering.
func (s *Store) searchAll(ctx context.Context, query string, f Filter) ([]SearchResult, error) {
	candidates, err := s.List(ctx, f)
	if err != nil {
		return nil, err
	}

	var queryVec []float32
	if s.provider != nil && strings.TrimSpace(query) != "" {
		vec, err := s.provider.Embed(ctx, query)
		if err != nil {
			log.Printf("lesson: embed query failed, falling back to text scoring: %v", err)
		} else {
			queryVec = vec
		}
	}

	var results []SearchResult
	for _, l := range candidates {
		score := scoreLesson(query, queryVec, l)
		if score > 0 {
			results = append(results, SearchResult{Lesson: l, Score: score})
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	return results, nil
}

// scoreLesson prefers cosine similarity when both sides carry an embedding,
// otherwise falls back to text matching over the trigger and rule.
func scoreLesson(query string, queryVec []float32, l *types.Lesson) float64 {
	if queryVec != nil && len(l.Embedding) == len(queryVec) && len(l.Embedding) > 0 {
		if sim, err := vector.Cosine(queryVec, l.Embedding); err == nil {
			return sim
		}
	}
	return textScore(query, embedText(l))
}

// textScore mirrors the vector store's provider-less scoring: exact match
// 1.0, containment 0.7, otherwise half the matched-word fraction.
func textScore(query, content string) float64 {
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

// Count returns the number of stored lessons.
func (s *Store) Count(ctx context.Context) (int, error) {
	if err := s.ensureLoaded(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID), nil
}
