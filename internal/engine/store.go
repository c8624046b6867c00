// Package engine implements the durable memory record store and the
// top-level memory manager: CRUD, text/semantic/hybrid search, consolidation,
// decay, a token-bounded short-term context buffer, and stats.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/engramdb/engram/internal/vector"
	"github.com/engramdb/engram/pkg/types"
)

// ErrInvalidInput indicates a malformed record or parameter.
var ErrInvalidInput = errors.New("engine: invalid input")

// Persister is the write-through durability seam of the record store. All
// records are held in memory; each mutation is mirrored to the persister.
// A nil persister keeps the store purely in-memory.
type Persister interface {
	// LoadAll returns every persisted record, in creation order.
	LoadAll(ctx context.Context) ([]*types.MemoryRecord, error)

	// Save inserts or replaces the record.
	Save(ctx context.Context, rec *types.MemoryRecord) error

	// Delete removes the record; unknown ids are a no-op.
	Delete(ctx context.Context, id string) error

	// Close releases resources.
	Close() error
}

// StoreConfig tunes the record store. Zero values select the defaults.
type StoreConfig struct {
	// TextWeight and SemanticWeight blend hybrid query scores
	// (defaults 0.4 and 0.6).
	TextWeight     float64
	SemanticWeight float64

	// PruneImportance and PruneAge select consolidation victims: records
	// below the importance AND older than the age are deleted
	// (defaults 0.3 and 7 days).
	PruneImportance float64
	PruneAge        time.Duration

	// ConversationKeep is how many conversation records survive a
	// consolidation pass before the overflow is summarized (default 50).
	ConversationKeep int

	// AccessBoost is added to importance on every read, capped at 1.0
	// (default 0.01). Zero disables the boost; negative is rejected.
	AccessBoost float64
}

func (c *StoreConfig) applyDefaults() {
	if c.TextWeight == 0 && c.SemanticWeight == 0 {
		c.TextWeight = 0.4
		c.SemanticWeight = 0.6
	}
	if c.PruneImportance == 0 {
		c.PruneImportance = 0.3
	}
	if c.PruneAge == 0 {
		c.PruneAge = 7 * 24 * time.Hour
	}
	if c.ConversationKeep == 0 {
		c.ConversationKeep = 50
	}
	if c.AccessBoost == 0 {
		c.AccessBoost = 0.01
	}
}

// SearchOptions narrows a text search.
type SearchOptions struct {
	Limit int
	Types []types.MemoryType
}

// SemanticOptions narrows a semantic search.
type SemanticOptions struct {
	Limit     int
	Threshold float64
}

// QueryFilter composes record filters with an optional scoring input. The
// scoring method follows from what is supplied: text and embedding together
// rank by the hybrid blend, one alone ranks by that method, and neither falls
// back to importance/recency ranking.
type QueryFilter struct {
	Types         []types.MemoryType
	Tags          []string
	Source        string
	SessionID     string
	CreatedAfter  time.Time
	CreatedBefore time.Time
	MinImportance float64

	Text      string
	Embedding []float32

	Limit int

	// IncludeEmbeddings keeps embeddings on returned records; by default
	// they are stripped to keep results small.
	IncludeEmbeddings bool
}

// ConsolidateReport summarizes one consolidation pass.
type ConsolidateReport struct {
	Pruned     int `json:"pruned"`
	Summarized int `json:"summarized"` // conversation records replaced by a summary
	Summaries  int `json:"summaries"`  // summary records created
}

// Store is the durable memory record engine. Records live in memory and are
// mirrored through an optional persister; every search path bumps access
// metadata on the records it returns.
type Store struct {
	cfg       StoreConfig
	persister Persister

	mu    sync.Mutex
	byID  map[string]*types.MemoryRecord
	order []string // creation order

	lastConsolidation time.Time
	lastDecay         time.Time

	now func() time.Time
}

// NewStore creates a record store, loading any persisted records. persister
// may be nil for a purely in-memory store.
func NewStore(ctx context.Context, cfg StoreConfig, persister Persister) (*Store, error) {
	if cfg.AccessBoost < 0 {
		return nil, fmt.Errorf("%w: access boost must not be negative", ErrInvalidInput)
	}
	cfg.applyDefaults()
	s := &Store{
		cfg:       cfg,
		persister: persister,
		byID:      make(map[string]*types.MemoryRecord),
		now:       time.Now,
	}
	if persister != nil {
		records, err := persister.LoadAll(ctx)
		if err != nil {
			return nil, fmt.Errorf("engine: load records: %w", err)
		}
		for _, rec := range records {
			if rec == nil || rec.ID == "" {
				continue
			}
			s.byID[rec.ID] = rec
			s.order = append(s.order, rec.ID)
		}
	}
	return s, nil
}

// Close releases the persister.
func (s *Store) Close() error {
	if s.persister == nil {
		return nil
	}
	return s.persister.Close()
}

// Add validates and stores a new record, returning the stored copy with its
// generated id and timestamps.
func (s *Store) Add(ctx context.Context, in *types.MemoryRecord) (*types.MemoryRecord, error) {
	if in == nil {
		return nil, fmt.Errorf("%w: record is nil", ErrInvalidInput)
	}
	if strings.TrimSpace(in.Content) == "" {
		return nil, fmt.Errorf("%w: content must not be empty", ErrInvalidInput)
	}
	if !types.IsValidMemoryType(in.Type) {
		return nil, fmt.Errorf("%w: unknown memory type %q", ErrInvalidInput, in.Type)
	}

	rec := in.Clone()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.Importance = types.Clamp01(rec.Importance)
	now := s.now()
	rec.CreatedAt = now
	rec.LastAccessedAt = now
	rec.AccessCount = 0

	s.mu.Lock()
	if _, exists := s.byID[rec.ID]; !exists {
		s.order = append(s.order, rec.ID)
	}
	s.byID[rec.ID] = rec
	s.mu.Unlock()

	if err := s.persist(ctx, rec); err != nil {
		return nil, err
	}
	return rec.Clone(), nil
}

// Get returns the record, bumping its access metadata. Unknown ids return
// nil without an error.
func (s *Store) Get(ctx context.Context, id string) (*types.MemoryRecord, error) {
	s.mu.Lock()
	rec, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return nil, nil
	}
	s.touchLocked(rec)
	out := rec.Clone()
	s.mu.Unlock()

	if err := s.persist(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Update replaces the mutable fields of an existing record. Updating an
// unknown id is a silent no-op. Creation time and access counters are
// preserved.
func (s *Store) Update(ctx context.Context, in *types.MemoryRecord) (*types.MemoryRecord, error) {
	if in == nil || in.ID == "" {
		return nil, fmt.Errorf("%w: record id is required", ErrInvalidInput)
	}
	if strings.TrimSpace(in.Content) == "" {
		return nil, fmt.Errorf("%w: content must not be empty", ErrInvalidInput)
	}
	if !types.IsValidMemoryType(in.Type) {
		return nil, fmt.Errorf("%w: unknown memory type %q", ErrInvalidInput, in.Type)
	}

	s.mu.Lock()
	prev, ok := s.byID[in.ID]
	if !ok {
		s.mu.Unlock()
		return nil, nil
	}
	rec := in.Clone()
	rec.Importance = types.Clamp01(rec.Importance)
	rec.CreatedAt = prev.CreatedAt
	rec.LastAccessedAt = prev.LastAccessedAt
	rec.AccessCount = prev.AccessCount
	s.byID[rec.ID] = rec
	out := rec.Clone()
	s.mu.Unlock()

	if err := s.persist(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Delete removes the record, reporting whether one existed.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	_, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return false, nil
	}
	s.removeLocked(id)
	s.mu.Unlock()

	if s.persister != nil {
		if err := s.persister.Delete(ctx, id); err != nil {
			return true, fmt.Errorf("engine: delete record: %w", err)
		}
	}
	return true, nil
}

// Count returns the number of stored records.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

// touchLocked bumps the access metadata and applies the small importance
// boost reads earn. Caller holds s.mu.
func (s *Store) touchLocked(rec *types.MemoryRecord) {
	rec.LastAccessedAt = s.now()
	rec.AccessCount++
	if s.cfg.AccessBoost > 0 {
		rec.Importance = types.Clamp01(rec.Importance + s.cfg.AccessBoost)
	}
}

// removeLocked drops the record from both the map and the order slice.
func (s *Store) removeLocked(id string) {
	delete(s.byID, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// persist mirrors the record to the persister, if any.
func (s *Store) persist(ctx context.Context, rec *types.MemoryRecord) error {
	if s.persister == nil {
		return nil
	}
	if err := s.persister.Save(ctx, rec); err != nil {
		return fmt.Errorf("engine: persist record: %w", err)
	}
	return nil
}

// typeAllowed reports whether the record type passes the allow-list; an
// empty list passes everything.
func typeAllowed(t types.MemoryType, allowed []types.MemoryType) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if t == a {
			return true
		}
	}
	return false
}

// Search scores every candidate record against the query text and returns
// the best matches, bumping access metadata on each. The score sums exact
// containment of the full query, per-word exact and substring matches, and
// tag matches, scaled by the record's importance.
func (s *Store) Search(ctx context.Context, query string, opts SearchOptions) ([]*types.MemoryRecord, error) {
	if opts.Limit <= 0 {
		return []*types.MemoryRecord{}, nil
	}

	type scored struct {
		rec   *types.MemoryRecord
		score float64
	}

	s.mu.Lock()
	var hits []scored
	for _, id := range s.order {
		rec := s.byID[id]
		if !typeAllowed(rec.Type, opts.Types) {
			continue
		}
		score := textMatchScore(query, rec)
		if score > 0 {
			hits = append(hits, scored{rec: rec, score: score})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	if len(hits) > opts.Limit {
		hits = hits[:opts.Limit]
	}
	out := make([]*types.MemoryRecord, 0, len(hits))
	for _, h := range hits {
		s.touchLocked(h.rec)
		out = append(out, h.rec.Clone())
	}
	s.mu.Unlock()

	for _, rec := range out {
		if err := s.persist(ctx, rec); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// textMatchScore implements the record text scoring: +1.0 when the content
// contains the full query, +0.5 per query word equal to a content word or
// +0.3 per query word found as a substring, +0.4 per query word equal to a
// tag, all scaled by (1 + importance/2).
func textMatchScore(query string, rec *types.MemoryRecord) float64 {
	q := strings.ToLower(strings.TrimSpace(query))
	content := strings.ToLower(rec.Content)
	if q == "" || content == "" {
		return 0
	}

	var score float64
	if strings.Contains(content, q) {
		score += 1.0
	}

	contentWords := make(map[string]bool)
	for _, w := range strings.Fields(content) {
		contentWords[strings.Trim(w, ".,;:!?\"'()")] = true
	}
	tags := make(map[string]bool, len(rec.Tags))
	for _, t := range rec.Tags {
		tags[strings.ToLower(t)] = true
	}

	for _, w := range strings.Fields(q) {
		switch {
		case contentWords[w]:
			score += 0.5
		case strings.Contains(content, w):
			score += 0.3
		}
		if tags[w] {
			score += 0.4
		}
	}

	if score == 0 {
		return 0
	}
	return score * (1 + rec.Importance*0.5)
}

// SemanticSearch ranks records by cosine similarity to the query embedding.
// Records without an embedding are skipped; returned records have their
// access metadata bumped.
func (s *Store) SemanticSearch(ctx context.Context, emb []float32, opts SemanticOptions) ([]*types.MemoryRecord, error) {
	if opts.Limit <= 0 {
		return []*types.MemoryRecord{}, nil
	}
	if len(emb) == 0 {
		return nil, fmt.Errorf("%w: query embedding is required", ErrInvalidInput)
	}

	type scored struct {
		rec   *types.MemoryRecord
		score float64
	}

	s.mu.Lock()
	var hits []scored
	for _, id := range s.order {
		rec := s.byID[id]
		if len(rec.Embedding) == 0 {
			continue
		}
		sim, err := vector.Cosine(emb, rec.Embedding)
		if err != nil {
			continue // dimension mismatch: treat as non-candidate
		}
		if sim >= opts.Threshold {
			hits = append(hits, scored{rec: rec, score: sim})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	if len(hits) > opts.Limit {
		hits = hits[:opts.Limit]
	}
	out := make([]*types.MemoryRecord, 0, len(hits))
	for _, h := range hits {
		s.touchLocked(h.rec)
		out = append(out, h.rec.Clone())
	}
	s.mu.Unlock()

	for _, rec := range out {
		if err := s.persist(ctx, rec); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Query filters records and ranks the survivors. Text plus embedding selects
// the hybrid blend; one of them alone selects that method; neither ranks by
// importance and recency. Embeddings are stripped from results unless
// requested. Query does not bump access metadata — it is the bulk/reporting
// read path, distinct from Search recall.
func (s *Store) Query(ctx context.Context, f QueryFilter) ([]*types.MemoryRecord, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	type scored struct {
		rec   *types.MemoryRecord
		score float64
	}
	var hits []scored
	for _, id := range s.order {
		rec := s.byID[id]
		if !s.filterMatchesLocked(rec, f) {
			continue
		}
		hits = append(hits, scored{rec: rec, score: s.queryScore(rec, f, now)})
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	if len(hits) > limit {
		hits = hits[:limit]
	}

	out := make([]*types.MemoryRecord, 0, len(hits))
	for _, h := range hits {
		rec := h.rec.Clone()
		if !f.IncludeEmbeddings {
			rec.Embedding = nil
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *Store) filterMatchesLocked(rec *types.MemoryRecord, f QueryFilter) bool {
	if !typeAllowed(rec.Type, f.Types) {
		return false
	}
	if f.Source != "" && rec.Source != f.Source {
		return false
	}
	if f.SessionID != "" && rec.SessionID != f.SessionID {
		return false
	}
	if !f.CreatedAfter.IsZero() && rec.CreatedAt.Before(f.CreatedAfter) {
		return false
	}
	if !f.CreatedBefore.IsZero() && rec.CreatedAt.After(f.CreatedBefore) {
		return false
	}
	if rec.Importance < f.MinImportance {
		return false
	}
	for _, tag := range f.Tags {
		if !rec.HasTag(tag) {
			return false
		}
	}
	return true
}

func (s *Store) queryScore(rec *types.MemoryRecord, f QueryFilter, now time.Time) float64 {
	hasText := strings.TrimSpace(f.Text) != ""
	hasEmb := len(f.Embedding) > 0

	var semantic float64
	if hasEmb && len(rec.Embedding) > 0 {
		if sim, err := vector.Cosine(f.Embedding, rec.Embedding); err == nil {
			semantic = sim
		}
	}

	switch {
	case hasText && hasEmb:
		return s.cfg.TextWeight*textMatchScore(f.Text, rec) + s.cfg.SemanticWeight*semantic
	case hasEmb:
		return semantic
	case hasText:
		return textMatchScore(f.Text, rec)
	default:
		ageDays := now.Sub(rec.CreatedAt).Hours() / 24
		recency := math.Exp(-ageDays / 30)
		return rec.Importance*0.5 + recency*0.5
	}
}

// Consolidate prunes low-importance old records and summarizes conversation
// overflow. For every type, records below the prune importance AND older
// than the prune age are deleted. Conversation records beyond the keep limit
// are then collapsed into a single summary record (oldest first, 100 chars
// each, joined by " | ", capped at 500 chars) and deleted.
func (s *Store) Consolidate(ctx context.Context) (ConsolidateReport, error) {
	var report ConsolidateReport
	now := s.now()

	s.mu.Lock()
	var pruned []string
	for _, id := range s.order {
		rec := s.byID[id]
		if rec.Importance < s.cfg.PruneImportance && now.Sub(rec.CreatedAt) > s.cfg.PruneAge {
			pruned = append(pruned, id)
		}
	}
	for _, id := range pruned {
		s.removeLocked(id)
	}
	report.Pruned = len(pruned)

	var conversations []*types.MemoryRecord
	for _, id := range s.order {
		if rec := s.byID[id]; rec.Type == types.MemoryTypeConversation {
			conversations = append(conversations, rec)
		}
	}

	var summary *types.MemoryRecord
	var collapsed []string
	if len(conversations) > s.cfg.ConversationKeep {
		overflow := conversations[:len(conversations)-s.cfg.ConversationKeep]
		parts := make([]string, 0, len(overflow))
		for _, rec := range overflow {
			content := rec.Content
			if len(content) > 100 {
				content = content[:100]
			}
			parts = append(parts, content)
			collapsed = append(collapsed, rec.ID)
		}
		text := strings.Join(parts, " | ")
		if len(text) > 500 {
			text = text[:500]
		}
		summary = &types.MemoryRecord{
			ID:             uuid.NewString(),
			Type:           types.MemoryTypeSummary,
			Content:        text,
			Importance:     0.5,
			CreatedAt:      now,
			LastAccessedAt: now,
			Source:         "consolidation",
		}
		for _, id := range collapsed {
			s.removeLocked(id)
		}
		s.byID[summary.ID] = summary
		s.order = append(s.order, summary.ID)
		report.Summarized = len(collapsed)
		report.Summaries = 1
	}
	s.lastConsolidation = now
	s.mu.Unlock()

	if s.persister != nil {
		for _, id := range append(pruned, collapsed...) {
			if err := s.persister.Delete(ctx, id); err != nil {
				return report, fmt.Errorf("engine: consolidate delete: %w", err)
			}
		}
		if summary != nil {
			if err := s.persister.Save(ctx, summary); err != nil {
				return report, fmt.Errorf("engine: persist summary: %w", err)
			}
		}
	}
	return report, nil
}

// ApplyDecay multiplies importance by (1-rate)^idleDays for every record not
// accessed within the last day, and returns how many records decayed. Each
// pass charges only the idle time no earlier pass has charged, so periodic
// runs compound to the same total as a single run over the whole idle span.
func (s *Store) ApplyDecay(ctx context.Context, rate float64) (int, error) {
	if rate < 0 || rate >= 1 {
		return 0, fmt.Errorf("%w: decay rate must be in [0,1)", ErrInvalidInput)
	}
	now := s.now()

	s.mu.Lock()
	var decayed []*types.MemoryRecord
	for _, id := range s.order {
		rec := s.byID[id]
		if now.Sub(rec.LastAccessedAt).Hours()/24 <= 1 {
			continue
		}
		since := rec.LastAccessedAt
		if s.lastDecay.After(since) {
			since = s.lastDecay
		}
		days := now.Sub(since).Hours() / 24
		if days <= 0 {
			continue
		}
		rec.Importance = types.Clamp01(rec.Importance * math.Pow(1-rate, days))
		decayed = append(decayed, rec.Clone())
	}
	s.lastDecay = now
	s.mu.Unlock()

	for _, rec := range decayed {
		if err := s.persist(ctx, rec); err != nil {
			return len(decayed), err
		}
	}
	return len(decayed), nil
}
