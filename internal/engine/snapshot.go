package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/engramdb/engram/pkg/types"
)

// StoreStats is a point-in-time summary of the record store.
type StoreStats struct {
	TotalRecords      int                      `json:"total_records"`
	CountsByType      map[types.MemoryType]int `json:"counts_by_type"`
	AverageImportance float64                  `json:"average_importance"`
	LastConsolidation time.Time                `json:"last_consolidation,omitempty"`
	LastDecay         time.Time                `json:"last_decay,omitempty"`
}

// Stats summarizes the store without touching access metadata.
func (s *Store) Stats() StoreStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := StoreStats{
		TotalRecords:      len(s.byID),
		CountsByType:      make(map[types.MemoryType]int),
		LastConsolidation: s.lastConsolidation,
		LastDecay:         s.lastDecay,
	}
	var total float64
	for _, rec := range s.byID {
		stats.CountsByType[rec.Type]++
		total += rec.Importance
	}
	if len(s.byID) > 0 {
		stats.AverageImportance = total / float64(len(s.byID))
	}
	return stats
}

// snapshot is the export/import document. The same shape round-trips through
// the cloud adapter.
type snapshot struct {
	Records []*types.MemoryRecord `json:"records"`
}

// Export serializes every record (embeddings included) as JSON.
func (s *Store) Export(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	doc := snapshot{Records: make([]*types.MemoryRecord, 0, len(s.order))}
	for _, id := range s.order {
		doc.Records = append(doc.Records, s.byID[id].Clone())
	}
	s.mu.Unlock()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("engine: export records: %w", err)
	}
	return data, nil
}

// Import merges exported records into the store. Existing ids are replaced;
// timestamps and access counters are taken from the document as-is (an
// import is a restore, not a write). Returns the number of records imported.
func (s *Store) Import(ctx context.Context, data []byte) (int, error) {
	var doc snapshot
	if err := json.Unmarshal(data, &doc); err != nil {
		return 0, fmt.Errorf("%w: parse import document: %v", ErrInvalidInput, err)
	}

	var imported []*types.MemoryRecord
	s.mu.Lock()
	for _, rec := range doc.Records {
		if rec == nil || rec.ID == "" || rec.Content == "" || !types.IsValidMemoryType(rec.Type) {
			continue
		}
		rec.Importance = types.Clamp01(rec.Importance)
		if _, exists := s.byID[rec.ID]; !exists {
			s.order = append(s.order, rec.ID)
		}
		s.byID[rec.ID] = rec
		imported = append(imported, rec.Clone())
	}
	s.mu.Unlock()

	for _, rec := range imported {
		if err := s.persist(ctx, rec); err != nil {
			return len(imported), err
		}
	}
	return len(imported), nil
}
