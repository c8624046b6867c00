// Package types defines the core data structures for the Engram memory system.
// These types represent durable memory records, learned lessons, working-memory
// entries, and their metadata.
package types

import "time"

// MemoryType classifies a durable memory record.
type MemoryType string

// Memory type constants.
const (
	MemoryTypeFact         MemoryType = "fact"
	MemoryTypePreference   MemoryType = "preference"
	MemoryTypeCodebase     MemoryType = "codebase"
	MemoryTypeConversation MemoryType = "conversation"
	MemoryTypeDecision     MemoryType = "decision"
	MemoryTypeError        MemoryType = "error"
	MemoryTypeToolResult   MemoryType = "tool_result"
	MemoryTypeSummary      MemoryType = "summary"
)

// ValidMemoryTypes lists every accepted memory type for validation.
var ValidMemoryTypes = []MemoryType{
	MemoryTypeFact,
	MemoryTypePreference,
	MemoryTypeCodebase,
	MemoryTypeConversation,
	MemoryTypeDecision,
	MemoryTypeError,
	MemoryTypeToolResult,
	MemoryTypeSummary,
}

// IsValidMemoryType reports whether t is one of the known memory types.
func IsValidMemoryType(t MemoryType) bool {
	for _, v := range ValidMemoryTypes {
		if t == v {
			return true
		}
	}
	return false
}

// Metadata is an opaque key-value bag attached to records. Values must be
// JSON-compatible (strings, numbers, bools, nested maps/slices thereof) so the
// bag round-trips through every storage backend unchanged.
type Metadata map[string]interface{}

// Clone returns a shallow copy of the metadata map. A nil receiver clones to nil.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// MemoryRecord is a single durable memory unit.
//
// AccessCount and LastAccessedAt are mutated only by read/search paths, never
// by write paths. Write paths (Add/Update) must leave them untouched.
type MemoryRecord struct {
	ID             string     `json:"id"`
	Type           MemoryType `json:"type"`
	Content        string     `json:"content"`
	Embedding      []float32  `json:"embedding,omitempty"`
	Importance     float64    `json:"importance"` // 0.0–1.0
	CreatedAt      time.Time  `json:"created_at"`
	LastAccessedAt time.Time  `json:"last_accessed_at"`
	AccessCount    int        `json:"access_count"`
	Source         string     `json:"source,omitempty"`
	Tags           []string   `json:"tags,omitempty"`
	SessionID      string     `json:"session_id,omitempty"`
	Metadata       Metadata   `json:"metadata,omitempty"`
}

// HasTag reports whether the record carries the given tag.
func (r *MemoryRecord) HasTag(tag string) bool {
	for _, t := range r.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Clone returns a deep-enough copy of the record for handing to callers:
// the embedding and tag slices and the metadata map are copied so mutations
// on the result do not leak back into the store.
func (r *MemoryRecord) Clone() *MemoryRecord {
	if r == nil {
		return nil
	}
	out := *r
	if r.Embedding != nil {
		out.Embedding = append([]float32(nil), r.Embedding...)
	}
	if r.Tags != nil {
		out.Tags = append([]string(nil), r.Tags...)
	}
	out.Metadata = r.Metadata.Clone()
	return &out
}

// Clamp01 clamps v to the [0.0, 1.0] range.
func Clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
