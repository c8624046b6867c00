package lesson

import (
	"context"
	"sort"

	"github.com/engramdb/engram/pkg/types"
)

// DefaultHardThreshold is the confidence at or above which a lesson is
// classified as a hard (must-obey) rule when no explicit policy tag is set.
const DefaultHardThreshold = 0.85

// MergeLimits bounds the output of MergePolicies. Zero values disable the
// corresponding limit.
type MergeLimits struct {
	MaxHard  int
	MaxSoft  int
	MaxTotal int
}

// SemanticStore classifies lessons into hard constraints and soft preferences
// and merges them deterministically. It layers on top of the lesson store and
// never persists anything of its own; policy is re-derived on every read.
type SemanticStore struct {
	store     *Store
	threshold float64
}

// NewSemanticStore wraps a lesson store. threshold <= 0 selects the default
// hard-policy threshold.
func NewSemanticStore(store *Store, threshold float64) *SemanticStore {
	if threshold <= 0 {
		threshold = DefaultHardThreshold
	}
	return &SemanticStore{store: store, threshold: threshold}
}

// PolicyFor computes the lesson's policy. An explicit "policy" metadata tag
// wins; otherwise confidence at or above the threshold makes it hard.
func (s *SemanticStore) PolicyFor(l *types.Lesson) types.LessonPolicy {
	if l.Metadata != nil {
		if tag, ok := l.Metadata[types.PolicyMetadataKey].(string); ok {
			switch types.LessonPolicy(tag) {
			case types.PolicyHard:
				return types.PolicyHard
			case types.PolicySoft:
				return types.PolicySoft
			}
		}
	}
	if l.Confidence >= s.threshold {
		return types.PolicyHard
	}
	return types.PolicySoft
}

// record wraps a lesson with its derived policy.
func (s *SemanticStore) record(l *types.Lesson, score float64) types.SemanticMemoryRecord {
	return types.SemanticMemoryRecord{Lesson: *l, Policy: s.PolicyFor(l), Score: score}
}

// List returns all lessons passing the filter as policy-classified records,
// in composite order.
func (s *SemanticStore) List(ctx context.Context, f Filter) ([]types.SemanticMemoryRecord, error) {
	lessons, err := s.store.List(ctx, f)
	if err != nil {
		return nil, err
	}
	records := make([]types.SemanticMemoryRecord, 0, len(lessons))
	for _, l := range lessons {
		records = append(records, s.record(l, 0))
	}
	sortRecords(records)
	return records, nil
}

// Search returns scored, policy-classified records. The limit applies after
// the composite ordering, so a hard lesson with a lower similarity score is
// never crowded out by higher-scoring soft ones.
func (s *SemanticStore) Search(ctx context.Context, query string, f Filter, limit int) ([]types.SemanticMemoryRecord, error) {
	if limit <= 0 {
		return []types.SemanticMemoryRecord{}, nil
	}
	hits, err := s.store.searchAll(ctx, query, f)
	if err != nil {
		return nil, err
	}
	records := make([]types.SemanticMemoryRecord, 0, len(hits))
	for _, h := range hits {
		records = append(records, s.record(h.Lesson, h.Score))
	}
	sortRecords(records)
	if len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// MergePolicies partitions records into hard and soft buckets, orders each
// deterministically, drops soft records whose rule text duplicates a hard
// record's, applies the limits, and returns hard rules followed by soft.
func (s *SemanticStore) MergePolicies(records []types.SemanticMemoryRecord, limits MergeLimits) []types.SemanticMemoryRecord {
	var hard, soft []types.SemanticMemoryRecord
	for _, r := range records {
		if r.Policy == types.PolicyHard {
			hard = append(hard, r)
		} else {
			soft = append(soft, r)
		}
	}
	sortRecords(hard)
	sortRecords(soft)

	hardRules := make(map[string]bool, len(hard))
	for _, r := range hard {
		hardRules[types.NormalizeText(r.Lesson.Rule)] = true
	}
	deduped := soft[:0]
	for _, r := range soft {
		if !hardRules[types.NormalizeText(r.Lesson.Rule)] {
			deduped = append(deduped, r)
		}
	}
	soft = deduped

	if limits.MaxHard > 0 && len(hard) > limits.MaxHard {
		hard = hard[:limits.MaxHard]
	}
	if limits.MaxSoft > 0 && len(soft) > limits.MaxSoft {
		soft = soft[:limits.MaxSoft]
	}

	merged := make([]types.SemanticMemoryRecord, 0, len(hard)+len(soft))
	merged = append(merged, hard...)
	merged = append(merged, soft...)
	if limits.MaxTotal > 0 && len(merged) > limits.MaxTotal {
		merged = merged[:limits.MaxTotal]
	}
	return merged
}

// sortRecords applies the composite ordering: hard before soft, then score
// descending, then confidence descending, then most recently updated, then
// rule text ascending, then id ascending. Every key after the first exists
// only to make ties deterministic.
func sortRecords(records []types.SemanticMemoryRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if a.Policy != b.Policy {
			return a.Policy == types.PolicyHard
		}
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Lesson.Confidence != b.Lesson.Confidence {
			return a.Lesson.Confidence > b.Lesson.Confidence
		}
		if !a.Lesson.UpdatedAt.Equal(b.Lesson.UpdatedAt) {
			return a.Lesson.UpdatedAt.After(b.Lesson.UpdatedAt)
		}
		if a.Lesson.Rule != b.Lesson.Rule {
			return a.Lesson.Rule < b.Lesson.Rule
		}
		return a.Lesson.ID < b.Lesson.ID
	})
}
