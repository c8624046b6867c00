package types

import (
	"fmt"
	"strings"
	"time"
)

// LessonScope determines where a lesson applies.
type LessonScope string

// Lesson scope constants.
const (
	ScopeGlobal  LessonScope = "global"
	ScopeProject LessonScope = "project"
)

// LessonSource records how a lesson was produced.
type LessonSource string

// Lesson source constants.
const (
	SourceCritic LessonSource = "critic"
	SourceManual LessonSource = "manual"
)

// Lesson is a learned behavioral rule with a trigger condition, a confidence
// score, and a scope. Trigger and Rule are stored whitespace-normalized.
type Lesson struct {
	ID         string       `json:"id"`
	Trigger    string       `json:"trigger"`
	Rule       string       `json:"rule"`
	Confidence float64      `json:"confidence"` // clamped to [0.0, 1.0]
	Scope      LessonScope  `json:"scope"`
	ProjectID  string       `json:"project_id,omitempty"` // required iff Scope == ScopeProject
	Profile    string       `json:"profile,omitempty"`    // persona tag
	Source     LessonSource `json:"source"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
	Embedding  []float32    `json:"embedding,omitempty"`
	Metadata   Metadata     `json:"metadata,omitempty"`
}

// NormalizeText collapses runs of whitespace into single spaces and trims the
// result. Lessons store trigger and rule text in this canonical form so that
// duplicate detection and embedding reuse are stable.
func NormalizeText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Normalize canonicalizes the lesson's text fields and clamps confidence.
func (l *Lesson) Normalize() {
	l.Trigger = NormalizeText(l.Trigger)
	l.Rule = NormalizeText(l.Rule)
	l.Confidence = Clamp01(l.Confidence)
}

// Validate checks the lesson's structural invariants. It assumes Normalize
// has already run (an all-whitespace trigger normalizes to empty).
func (l *Lesson) Validate() error {
	if l.Trigger == "" {
		return fmt.Errorf("lesson trigger must not be empty")
	}
	if l.Rule == "" {
		return fmt.Errorf("lesson rule must not be empty")
	}
	switch l.Scope {
	case ScopeProject:
		if l.ProjectID == "" {
			return fmt.Errorf("project-scoped lesson requires a project id")
		}
	case ScopeGlobal:
		if l.ProjectID != "" {
			return fmt.Errorf("global lesson must not carry a project id")
		}
	default:
		return fmt.Errorf("unknown lesson scope %q", l.Scope)
	}
	return nil
}

// Clone returns a copy of the lesson with its own embedding and metadata.
func (l *Lesson) Clone() *Lesson {
	if l == nil {
		return nil
	}
	out := *l
	if l.Embedding != nil {
		out.Embedding = append([]float32(nil), l.Embedding...)
	}
	out.Metadata = l.Metadata.Clone()
	return &out
}

// LessonPolicy classifies a lesson as a must-obey constraint or a preference.
type LessonPolicy string

// Lesson policy constants.
const (
	PolicyHard LessonPolicy = "hard"
	PolicySoft LessonPolicy = "soft"
)

// PolicyMetadataKey is the metadata key that, when set to "hard" or "soft",
// overrides confidence-based policy classification.
const PolicyMetadataKey = "policy"

// SemanticMemoryRecord is a lesson paired with its computed policy. It is
// always re-derived from the underlying lesson, never persisted on its own.
type SemanticMemoryRecord struct {
	Lesson Lesson       `json:"lesson"`
	Policy LessonPolicy `json:"policy"`
	Score  float64      `json:"score,omitempty"` // similarity score when produced by search
}
