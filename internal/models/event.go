package models

import "time"

// EventKind tags the nature of a scored event. The ledger and the escalation
// evaluator switch on this tag; no free-form kinds are accepted.
type EventKind string

const (
	EventKindViolation   EventKind = "VIOLATION"
	EventKindAchievement EventKind = "ACHIEVEMENT"
	EventKindAdjustment  EventKind = "ADJUSTMENT"
	EventKindReversal    EventKind = "REVERSAL"
)

// Valid reports whether the kind is one of the known tags.
func (k EventKind) Valid() bool {
	switch k {
	case EventKindViolation, EventKindAchievement, EventKindAdjustment, EventKindReversal:
		return true
	}
	return false
}

// ScoredEvent is one immutable fact that changes a student's conduct score.
// Point deltas are signed: negative for violations, positive for achievements
// and adjustments. Corrections are new compensating events; existing rows
// are never mutated.
type ScoredEvent struct {
	ID            string    `db:"id" json:"id"`
	StudentID     string    `db:"student_id" json:"student_id"`
	TermID        string    `db:"term_id" json:"term_id"`
	Kind          EventKind `db:"kind" json:"kind"`
	PointDelta    int       `db:"point_delta" json:"point_delta"`
	EffectiveDate time.Time `db:"effective_date" json:"effective_date"`
	Reason        string    `db:"reason" json:"reason"`
	CreatedBy     string    `db:"created_by" json:"created_by"`
	ReversesID    *string   `db:"reverses_id" json:"reverses_id,omitempty"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}

// ScoredEventFilter restricts event listings.
type ScoredEventFilter struct {
	StudentID string
	TermID    string
	Kinds     []EventKind
	DateFrom  *time.Time
	DateTo    *time.Time
	Page      int
	PageSize  int
}
