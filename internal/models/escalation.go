package models

import "time"

// DeliveryStatus tracks warning-letter delivery for an escalation record.
type DeliveryStatus string

const (
	DeliveryPending DeliveryStatus = "PENDING"
	DeliverySent    DeliveryStatus = "SENT"
	DeliveryFailed  DeliveryStatus = "FAILED"
)

// EscalationTier is one configured severity level. Tiers are ordered by
// ascending level; a tier applies when the running total is at or below its
// threshold (conduct totals are negative when in trouble).
type EscalationTier struct {
	Level     int    `json:"level"`
	Threshold int    `json:"threshold"`
	Label     string `json:"label"`
}

// Applies reports whether the given total is at or below the tier threshold.
func (t EscalationTier) Applies(total int) bool {
	return total <= t.Threshold
}

// EscalationRecord marks a warning-letter tier that has fired for a
// (student, term) pair. At most one record exists per (student, term, tier)
// and escalation only ratchets upward within a term.
type EscalationRecord struct {
	ID              string         `db:"id" json:"id"`
	StudentID       string         `db:"student_id" json:"student_id"`
	TermID          string         `db:"term_id" json:"term_id"`
	TierLevel       int            `db:"tier_level" json:"tier_level"`
	TierLabel       string         `db:"tier_label" json:"tier_label"`
	TriggeringTotal int            `db:"triggering_total" json:"triggering_total"`
	DeliveryStatus  DeliveryStatus `db:"delivery_status" json:"delivery_status"`
	LetterPath      *string        `db:"letter_path" json:"letter_path,omitempty"`
	IssuedAt        time.Time      `db:"issued_at" json:"issued_at"`
	UpdatedAt       time.Time      `db:"updated_at" json:"updated_at"`
}
