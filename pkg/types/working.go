package types

import "time"

// WorkingEntryKind classifies a working-memory entry.
type WorkingEntryKind string

// Working-memory entry kinds.
const (
	EntryEpisodic   WorkingEntryKind = "episodic"
	EntrySemantic   WorkingEntryKind = "semantic"
	EntryProcedural WorkingEntryKind = "procedural"
)

// WorkingEntryMeta carries the access bookkeeping for a working-memory entry.
type WorkingEntryMeta struct {
	CreatedAt   time.Time `json:"created_at"`
	AccessedAt  time.Time `json:"accessed_at"`
	AccessCount int       `json:"access_count"`
	Importance  float64   `json:"importance"`
	Source      string    `json:"source,omitempty"`
	SessionID   string    `json:"session_id,omitempty"`
}

// WorkingMemoryEntry is one entry in the bounded in-process working tier.
type WorkingMemoryEntry struct {
	ID        string           `json:"id"`
	Kind      WorkingEntryKind `json:"kind"`
	Content   string           `json:"content"`
	Embedding []float32        `json:"embedding,omitempty"`
	Meta      WorkingEntryMeta `json:"meta"`
}

// VectorEntry is the unit stored by the vector index and vector store
// backends. It maps one-to-one to the record or lesson that produced it.
type VectorEntry struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Embedding []float32 `json:"embedding"`
	Metadata  Metadata  `json:"metadata,omitempty"`
}
