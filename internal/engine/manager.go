package engine

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/engramdb/engram/internal/embedding"
	"github.com/engramdb/engram/pkg/types"
)

// TokenCounter estimates the token count of a text. It is injected so the
// manager stays independent of any particular tokenizer.
type TokenCounter func(string) int

// defaultTokenCounter approximates tokens as whitespace-separated words.
func defaultTokenCounter(s string) int {
	return len(strings.Fields(s))
}

// RememberOptions carries the optional fields of a remembered memory.
type RememberOptions struct {
	Importance float64
	Source     string
	Tags       []string
	SessionID  string
	Metadata   types.Metadata
}

// ManagerConfig tunes the memory manager. Zero values select the defaults.
type ManagerConfig struct {
	// ShortTermLimit is the token budget of the context buffer (default 4096).
	ShortTermLimit int

	// MaxMemories triggers synchronous consolidation when the record count
	// exceeds it (default 1000).
	MaxMemories int

	// RecallLimit caps the relevant-memories block in GetContext (default 5).
	RecallLimit int

	// TokenCounter estimates tokens; nil selects a word-count approximation.
	TokenCounter TokenCounter

	// DisableLongTerm turns off the durable tier: context overflow is
	// dropped instead of persisted and GetContext injects no memories.
	DisableLongTerm bool
}

func (c *ManagerConfig) applyDefaults() {
	if c.ShortTermLimit <= 0 {
		c.ShortTermLimit = 4096
	}
	if c.MaxMemories <= 0 {
		c.MaxMemories = 1000
	}
	if c.RecallLimit <= 0 {
		c.RecallLimit = 5
	}
	if c.TokenCounter == nil {
		c.TokenCounter = defaultTokenCounter
	}
}

// contextTurn is one role-tagged turn in the short-term buffer.
type contextTurn struct {
	role    string
	content string
	tokens  int
}

func (t contextTurn) line() string {
	return t.role + ": " + t.content
}

// Manager is the top-level memory orchestrator: durable records through the
// store, vectorization through an optional embedding provider, and a
// token-bounded short-term context buffer whose overflow is persisted as
// conversation memories rather than silently dropped.
type Manager struct {
	store    *Store
	provider embedding.Provider // may be nil: recall degrades to text search
	cfg      ManagerConfig

	mu          sync.Mutex
	turns       []contextTurn
	totalTokens int
}

// NewManager wires a manager over the record store. provider may be nil.
func NewManager(store *Store, provider embedding.Provider, cfg ManagerConfig) *Manager {
	cfg.applyDefaults()
	return &Manager{store: store, provider: provider, cfg: cfg}
}

// embed returns the text's embedding, or nil when no provider is configured
// or the provider fails. Memory writes and recalls degrade to text-only
// behavior rather than failing on embedding errors.
func (m *Manager) embed(ctx context.Context, text string) []float32 {
	if m.provider == nil {
		return nil
	}
	vec, err := m.provider.Embed(ctx, text)
	if err != nil {
		log.Printf("engine: embed failed, continuing without vector: %v", err)
		return nil
	}
	return vec
}

// Remember stores a new memory, vectorizing the content when possible. When
// the total record count exceeds the configured maximum, a consolidation
// pass runs synchronously before returning.
func (m *Manager) Remember(ctx context.Context, content string, mtype types.MemoryType, opts RememberOptions) (*types.MemoryRecord, error) {
	rec := &types.MemoryRecord{
		Type:       mtype,
		Content:    content,
		Embedding:  m.embed(ctx, content),
		Importance: opts.Importance,
		Source:     opts.Source,
		Tags:       opts.Tags,
		SessionID:  opts.SessionID,
		Metadata:   opts.Metadata,
	}
	stored, err := m.store.Add(ctx, rec)
	if err != nil {
		return nil, err
	}

	if m.store.Count() > m.cfg.MaxMemories {
		if _, err := m.store.Consolidate(ctx); err != nil {
			return nil, fmt.Errorf("engine: consolidate on overflow: %w", err)
		}
	}
	return stored, nil
}

// Recall returns the most relevant memories for the query. With an embedding
// provider the semantic results come first, topped up by text matches; both
// paths bump access metadata on what they return.
func (m *Manager) Recall(ctx context.Context, query string, limit int) ([]*types.MemoryRecord, error) {
	if limit <= 0 {
		return []*types.MemoryRecord{}, nil
	}

	var out []*types.MemoryRecord
	seen := make(map[string]bool)

	if vec := m.embed(ctx, query); vec != nil {
		hits, err := m.store.SemanticSearch(ctx, vec, SemanticOptions{Limit: limit})
		if err != nil {
			return nil, err
		}
		for _, rec := range hits {
			out = append(out, rec)
			seen[rec.ID] = true
		}
	}

	if len(out) < limit {
		hits, err := m.store.Search(ctx, query, SearchOptions{Limit: limit})
		if err != nil {
			return nil, err
		}
		for _, rec := range hits {
			if seen[rec.ID] {
				continue
			}
			out = append(out, rec)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// Forget deletes the memory, reporting whether one existed.
func (m *Manager) Forget(ctx context.Context, id string) (bool, error) {
	return m.store.Delete(ctx, id)
}

// Reinforce raises the memory's importance by boost (clamped to 1.0) and
// bumps its access metadata. Unknown ids return nil.
func (m *Manager) Reinforce(ctx context.Context, id string, boost float64) (*types.MemoryRecord, error) {
	if boost < 0 {
		return nil, fmt.Errorf("%w: boost must not be negative", ErrInvalidInput)
	}
	rec, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}
	rec.Importance = types.Clamp01(rec.Importance + boost)
	return m.store.Update(ctx, rec)
}

// AddToContext appends a role-tagged turn to the short-term buffer. When the
// buffer exceeds its token budget, the oldest turns are persisted as
// conversation memories (unless long-term memory is disabled) and dropped.
func (m *Manager) AddToContext(ctx context.Context, role, content string) error {
	if strings.TrimSpace(role) == "" || strings.TrimSpace(content) == "" {
		return fmt.Errorf("%w: role and content must not be empty", ErrInvalidInput)
	}
	turn := contextTurn{role: role, content: content}
	turn.tokens = m.cfg.TokenCounter(turn.line())

	m.mu.Lock()
	m.turns = append(m.turns, turn)
	m.totalTokens += turn.tokens
	var overflow []contextTurn
	for m.totalTokens > m.cfg.ShortTermLimit && len(m.turns) > 1 {
		oldest := m.turns[0]
		m.turns = m.turns[1:]
		m.totalTokens -= oldest.tokens
		overflow = append(overflow, oldest)
	}
	m.mu.Unlock()

	if m.cfg.DisableLongTerm {
		return nil
	}
	for i, t := range overflow {
		if _, err := m.store.Add(ctx, &types.MemoryRecord{
			Type:       types.MemoryTypeConversation,
			Content:    t.line(),
			Importance: 0.3,
			Source:     "context-overflow",
		}); err != nil {
			// Turns leave the buffer only once persisted; put the rest back.
			m.mu.Lock()
			m.turns = append(append([]contextTurn(nil), overflow[i:]...), m.turns...)
			for _, u := range overflow[i:] {
				m.totalTokens += u.tokens
			}
			m.mu.Unlock()
			return fmt.Errorf("engine: persist evicted turn: %w", err)
		}
	}
	return nil
}

// GetContext formats the short-term buffer as role-tagged lines, optionally
// truncated from the oldest turns to fit maxTokens (non-positive means no
// extra budget beyond the buffer's own limit). When long-term memory is
// enabled, a relevant-memories block retrieved against the buffer content is
// prepended.
func (m *Manager) GetContext(ctx context.Context, maxTokens int) (string, error) {
	m.mu.Lock()
	turns := append([]contextTurn(nil), m.turns...)
	m.mu.Unlock()

	if maxTokens > 0 {
		total := 0
		for _, t := range turns {
			total += t.tokens
		}
		for len(turns) > 0 && total > maxTokens {
			total -= turns[0].tokens
			turns = turns[1:]
		}
	}

	lines := make([]string, 0, len(turns))
	var queryParts []string
	for _, t := range turns {
		lines = append(lines, t.line())
		queryParts = append(queryParts, t.content)
	}

	var sb strings.Builder
	if !m.cfg.DisableLongTerm && len(turns) > 0 {
		memories, err := m.relevantMemories(ctx, strings.Join(queryParts, " "))
		if err != nil {
			return "", err
		}
		if len(memories) > 0 {
			sb.WriteString("Relevant memories:\n")
			for _, rec := range memories {
				sb.WriteString("- ")
				sb.WriteString(rec.Content)
				sb.WriteString("\n")
			}
			sb.WriteString("\n")
		}
	}
	sb.WriteString(strings.Join(lines, "\n"))
	return sb.String(), nil
}

// relevantMemories retrieves memories matching the buffer content, semantic
// first when a provider is available.
func (m *Manager) relevantMemories(ctx context.Context, query string) ([]*types.MemoryRecord, error) {
	return m.Recall(ctx, query, m.cfg.RecallLimit)
}

// ClearContext empties the short-term buffer without persisting anything.
func (m *Manager) ClearContext(ctx context.Context) error {
	m.mu.Lock()
	m.turns = nil
	m.totalTokens = 0
	m.mu.Unlock()
	return nil
}

// Consolidate runs a consolidation pass on the record store.
func (m *Manager) Consolidate(ctx context.Context) (ConsolidateReport, error) {
	return m.store.Consolidate(ctx)
}

// ManagerStats extends the store stats with the short-term buffer state.
type ManagerStats struct {
	StoreStats
	ShortTermTurns  int `json:"short_term_turns"`
	ShortTermTokens int `json:"short_term_tokens"`
}

// GetStats summarizes the store and the context buffer.
func (m *Manager) GetStats(ctx context.Context) (ManagerStats, error) {
	m.mu.Lock()
	turns := len(m.turns)
	tokens := m.totalTokens
	m.mu.Unlock()
	return ManagerStats{
		StoreStats:      m.store.Stats(),
		ShortTermTurns:  turns,
		ShortTermTokens: tokens,
	}, nil
}

// Export serializes all records as JSON.
func (m *Manager) Export(ctx context.Context) ([]byte, error) {
	return m.store.Export(ctx)
}

// Import merges an exported document, returning the record count imported.
func (m *Manager) Import(ctx context.Context, data []byte) (int, error) {
	return m.store.Import(ctx, data)
}
