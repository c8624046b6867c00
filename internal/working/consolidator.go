package working

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/engramdb/engram/internal/embedding"
	"github.com/engramdb/engram/internal/vectorstore"
	"github.com/engramdb/engram/pkg/types"
)

// Tier names a memory tier in recall results.
type Tier string

// Recall tiers.
const (
	TierWorking Tier = "working"
	TierDurable Tier = "durable"
)

// RecallHit is one recall result from either tier.
type RecallHit struct {
	ID      string
	Content string
	Score   float64
	Tier    Tier
}

// ConsolidateReport summarizes one consolidation pass.
type ConsolidateReport struct {
	Promoted  int
	Evicted   int
	Remaining int
}

// ConsolidatorConfig tunes promotion and eviction.
type ConsolidatorConfig struct {
	// PromotionThreshold is the minimum importance for promotion into the
	// durable store (default 0.7).
	PromotionThreshold float64

	// Interval is the consolidation cadence. Entries not accessed for more
	// than twice this interval are evicted from the working tier.
	Interval time.Duration

	// EmbedConcurrency bounds parallel embedding during a pass (default 4).
	EmbedConcurrency int
}

// Consolidator bridges the working tier and the durable vector store:
// recall reads working memory first and tops up from the durable store,
// and periodic consolidation promotes important entries while evicting
// stale ones.
type Consolidator struct {
	working  *Memory
	store    vectorstore.Store
	provider embedding.Provider // may be nil: entries without embeddings are not promoted
	cfg      ConsolidatorConfig
	now      func() time.Time
}

// NewConsolidator wires the working tier to a durable vector store.
// provider may be nil.
func NewConsolidator(working *Memory, store vectorstore.Store, provider embedding.Provider, cfg ConsolidatorConfig) *Consolidator {
	if cfg.PromotionThreshold <= 0 {
		cfg.PromotionThreshold = 0.7
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.EmbedConcurrency <= 0 {
		cfg.EmbedConcurrency = 4
	}
	return &Consolidator{
		working:  working,
		store:    store,
		provider: provider,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Remember stores a new entry in the working tier.
func (c *Consolidator) Remember(ctx context.Context, content string, kind types.WorkingEntryKind, opts RememberOptions) (string, error) {
	return c.working.Remember(content, kind, opts)
}

// Recall searches the working tier first and tops up from the durable store
// when fewer than limit entries match. Every returned entry, from either
// tier, has its access metadata bumped.
func (c *Consolidator) Recall(ctx context.Context, query string, limit int) ([]RecallHit, error) {
	if limit <= 0 {
		return []RecallHit{}, nil
	}

	var hits []RecallHit
	seen := make(map[string]bool)

	for _, e := range c.working.List() {
		score := workingScore(query, e.Content)
		if score <= 0 {
			continue
		}
		hits = append(hits, RecallHit{ID: e.ID, Content: e.Content, Score: score, Tier: TierWorking})
		seen[e.ID] = true
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > limit {
		hits = hits[:limit]
	}

	if len(hits) < limit {
		results, err := c.store.Search(ctx, vectorstore.Query{Text: query, Limit: limit - len(hits)})
		if err != nil {
			return nil, fmt.Errorf("recall from durable store: %w", err)
		}
		for _, r := range results {
			if seen[r.Entry.ID] {
				continue
			}
			hits = append(hits, RecallHit{ID: r.Entry.ID, Content: r.Entry.Content, Score: r.Score, Tier: TierDurable})
		}
	}

	now := c.now()
	for _, h := range hits {
		switch h.Tier {
		case TierWorking:
			c.working.updateEntry(h.ID, func(e *types.WorkingMemoryEntry) {
				e.Meta.AccessedAt = now
				e.Meta.AccessCount++
			})
		case TierDurable:
			if err := c.store.RecordAccess(ctx, h.ID, now); err != nil {
				log.Printf("working: record access for %s: %v", h.ID, err)
			}
		}
	}

	return hits, nil
}

// Consolidate runs one promotion/eviction pass. Entries with importance at or
// above the promotion threshold are upserted into the durable store, lazily
// computing an embedding only when the entry has none. Independently, entries
// whose age since last access exceeds twice the interval are evicted from the
// working tier; a promoted entry may be evicted in the same pass.
func (c *Consolidator) Consolidate(ctx context.Context) (ConsolidateReport, error) {
	var report ConsolidateReport
	entries := c.working.List()

	var candidates []*types.WorkingMemoryEntry
	for _, e := range entries {
		if e.Meta.Importance >= c.cfg.PromotionThreshold {
			candidates = append(candidates, e)
		}
	}

	// Embed missing vectors in parallel; a failed embed skips that entry's
	// promotion without failing the pass.
	if c.provider != nil {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(c.cfg.EmbedConcurrency)
		for _, e := range candidates {
			if len(e.Embedding) > 0 {
				continue
			}
			e := e
			g.Go(func() error {
				vec, err := c.provider.Embed(gctx, e.Content)
				if err != nil {
					if gctx.Err() != nil {
						return gctx.Err()
					}
					log.Printf("working: embed %s for promotion failed, skipping: %v", e.ID, err)
					return nil
				}
				e.Embedding = vec
				c.working.updateEntry(e.ID, func(stored *types.WorkingMemoryEntry) {
					stored.Embedding = append([]float32(nil), vec...)
				})
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return report, fmt.Errorf("consolidate embeddings: %w", err)
		}
	}

	for _, e := range candidates {
		if len(e.Embedding) == 0 {
			continue
		}
		entry := types.VectorEntry{
			ID:        e.ID,
			Content:   e.Content,
			Embedding: e.Embedding,
			Metadata: types.Metadata{
				"kind":       string(e.Kind),
				"importance": e.Meta.Importance,
				"source":     e.Meta.Source,
				"created_at": e.Meta.CreatedAt.UTC().Format(time.RFC3339),
			},
		}
		if e.Meta.SessionID != "" {
			entry.Metadata["session_id"] = e.Meta.SessionID
		}
		if err := c.store.Upsert(ctx, entry); err != nil {
			return report, fmt.Errorf("promote %s: %w", e.ID, err)
		}
		report.Promoted++
	}

	staleAfter := 2 * c.cfg.Interval
	now := c.now()
	for _, e := range entries {
		if now.Sub(e.Meta.AccessedAt) > staleAfter {
			if c.working.Remove(e.ID) {
				report.Evicted++
			}
		}
	}

	report.Remaining = c.working.Len()
	return report, nil
}

// Run consolidates on the configured interval until the context is
// cancelled. Pass failures are logged, not fatal.
func (c *Consolidator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if report, err := c.Consolidate(ctx); err != nil {
				log.Printf("working: consolidation pass failed: %v", err)
			} else if report.Promoted > 0 || report.Evicted > 0 {
				log.Printf("working: consolidated: promoted=%d evicted=%d remaining=%d",
					report.Promoted, report.Evicted, report.Remaining)
			}
		}
	}
}

// workingScore is the provider-less text score used for the working tier:
// exact match 1.0, containment 0.7, otherwise half the matched-word fraction.
func workingScore(query, content string) float64 {
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
