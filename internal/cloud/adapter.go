// Package cloud defines the memory manager contract and a remote adapter
// that implements it against an Engram-compatible HTTP service. Code that
// depends on the Manager interface works identically against the local
// engine and a hosted backend.
package cloud

import (
	"context"

	"github.com/engramdb/engram/internal/engine"
	"github.com/engramdb/engram/pkg/types"
)

// Manager is the memory manager contract. The local engine.Manager and the
// remote Client both satisfy it.
type Manager interface {
	// Remember stores a new memory and returns the created record.
	Remember(ctx context.Context, content string, mtype types.MemoryType, opts engine.RememberOptions) (*types.MemoryRecord, error)

	// Recall returns up to limit memories relevant to the query.
	Recall(ctx context.Context, query string, limit int) ([]*types.MemoryRecord, error)

	// Forget removes a memory, reporting whether it existed.
	Forget(ctx context.Context, id string) (bool, error)

	// Reinforce boosts a memory's importance. Unknown ids return (nil, nil).
	Reinforce(ctx context.Context, id string, boost float64) (*types.MemoryRecord, error)

	// AddToContext appends a turn to the short-term context buffer.
	AddToContext(ctx context.Context, role, content string) error

	// GetContext renders the context buffer within a token budget.
	GetContext(ctx context.Context, maxTokens int) (string, error)

	// ClearContext empties the short-term buffer.
	ClearContext(ctx context.Context) error

	// Consolidate runs a consolidation pass.
	Consolidate(ctx context.Context) (engine.ConsolidateReport, error)

	// GetStats summarizes the store and the context buffer.
	GetStats(ctx context.Context) (engine.ManagerStats, error)

	// Export serializes all records as JSON.
	Export(ctx context.Context) ([]byte, error)

	// Import merges an exported document, returning the count imported.
	Import(ctx context.Context, data []byte) (int, error)
}

var (
	_ Manager = (*engine.Manager)(nil)
	_ Manager = (*Client)(nil)
)
