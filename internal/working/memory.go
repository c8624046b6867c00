// Package working implements the bounded in-process memory tier: a small
// buffer of recent entries with LRU or FIFO eviction, session linking, and a
// consolidator that promotes important entries into the durable vector store.
package working

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/engramdb/engram/pkg/types"
)

// ErrInvalidInput indicates malformed input parameters.
var ErrInvalidInput = errors.New("working: invalid input")

// EvictionStrategy selects how the buffer sheds entries at capacity.
type EvictionStrategy string

// Eviction strategies.
const (
	// EvictLRU reorders an entry to most-recent on every read; the least
	// recently used entry is evicted first.
	EvictLRU EvictionStrategy = "lru"

	// EvictFIFO evicts strictly by insertion order; reads do not affect
	// eviction order.
	EvictFIFO EvictionStrategy = "fifo"
)

// RememberOptions carries the optional fields of a remembered entry.
type RememberOptions struct {
	Importance float64
	Source     string
	SessionID  string
	Embedding  []float32
}

// Memory is the bounded working-memory buffer. All methods are safe for
// concurrent use.
type Memory struct {
	mu       sync.Mutex
	limit    int
	strategy EvictionStrategy
	byID     map[string]*types.WorkingMemoryEntry
	order    []string            // eviction order, oldest first
	links    map[string][]string // directed session links, insertion order
	now      func() time.Time
}

// NewMemory creates a working-memory buffer. limit <= 0 disables eviction.
// An unknown strategy falls back to FIFO.
func NewMemory(limit int, strategy EvictionStrategy) *Memory {
	if strategy != EvictLRU {
		strategy = EvictFIFO
	}
	return &Memory{
		limit:    limit,
		strategy: strategy,
		byID:     make(map[string]*types.WorkingMemoryEntry),
		links:    make(map[string][]string),
		now:      time.Now,
	}
}

// Remember stores a new entry and returns its id. Eviction is enforced
// immediately after the insert.
func (m *Memory) Remember(content string, kind types.WorkingEntryKind, opts RememberOptions) (string, error) {
	if content == "" {
		return "", fmt.Errorf("%w: content must not be empty", ErrInvalidInput)
	}
	switch kind {
	case types.EntryEpisodic, types.EntrySemantic, types.EntryProcedural:
	default:
		return "", fmt.Errorf("%w: unknown entry kind %q", ErrInvalidInput, kind)
	}

	now := m.now()
	entry := &types.WorkingMemoryEntry{
		ID:        uuid.NewString(),
		Kind:      kind,
		Content:   content,
		Embedding: append([]float32(nil), opts.Embedding...),
		Meta: types.WorkingEntryMeta{
			CreatedAt:  now,
			AccessedAt: now,
			Importance: types.Clamp01(opts.Importance),
			Source:     opts.Source,
			SessionID:  opts.SessionID,
		},
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[entry.ID] = entry
	m.order = append(m.order, entry.ID)
	m.evictLocked()
	return entry.ID, nil
}

// evictLocked drops the head of the eviction order until the buffer fits.
func (m *Memory) evictLocked() {
	if m.limit <= 0 {
		return
	}
	for len(m.order) > m.limit {
		victim := m.order[0]
		m.order = m.order[1:]
		delete(m.byID, victim)
	}
}

// Get returns a copy of the entry and bumps its access metadata. Under LRU
// the entry moves to the most-recent position. Unknown ids return nil.
func (m *Memory) Get(id string) *types.WorkingMemoryEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.byID[id]
	if !ok {
		return nil
	}
	m.touchLocked(entry)
	return cloneEntry(entry)
}

// touchLocked bumps access metadata and, under LRU, moves the entry to the
// tail of the eviction order. FIFO ignores reads.
func (m *Memory) touchLocked(entry *types.WorkingMemoryEntry) {
	entry.Meta.AccessedAt = m.now()
	entry.Meta.AccessCount++
	if m.strategy != EvictLRU {
		return
	}
	for i, id := range m.order {
		if id == entry.ID {
			m.order = append(m.order[:i], m.order[i+1:]...)
			m.order = append(m.order, entry.ID)
			return
		}
	}
}

// List returns copies of all entries in eviction order (oldest first).
// Listing does not count as access.
func (m *Memory) List() []*types.WorkingMemoryEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*types.WorkingMemoryEntry, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, cloneEntry(m.byID[id]))
	}
	return out
}

// Remove deletes the entry, reporting whether one existed.
func (m *Memory) Remove(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[id]; !ok {
		return false
	}
	delete(m.byID, id)
	for i, oid := range m.order {
		if oid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return true
}

// LinkSessions records a directed link from session a to session b. Linking
// is idempotent; repeated links do not duplicate.
func (m *Memory) LinkSessions(a, b string) error {
	if a == "" || b == "" {
		return fmt.Errorf("%w: session ids must not be empty", ErrInvalidInput)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.links[a] {
		if existing == b {
			return nil
		}
	}
	m.links[a] = append(m.links[a], b)
	return nil
}

// LinkedSessions returns the sessions linked from a, in the order the links
// were first created.
func (m *Memory) LinkedSessions(a string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.links[a]...)
}

// Len returns the number of buffered entries.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.order)
}

// updateEntry applies fn to the stored entry under the lock. Used by the
// consolidator to bump access metadata and backfill embeddings.
func (m *Memory) updateEntry(id string, fn func(*types.WorkingMemoryEntry)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.byID[id]
	if !ok {
		return false
	}
	fn(entry)
	return true
}

func cloneEntry(e *types.WorkingMemoryEntry) *types.WorkingMemoryEntry {
	if e == nil {
		return nil
	}
	out := *e
	if e.Embedding != nil {
		out.Embedding = append([]float32(nil), e.Embedding...)
	}
	return &out
}
