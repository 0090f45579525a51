package models

import "time"

// StudentScoreState is the materialized running total for a (student, term)
// pair. It is a projection of scored_events and must always equal the sum of
// the point deltas for the pair; the score aggregator is its only writer.
type StudentScoreState struct {
	StudentID    string    `db:"student_id" json:"student_id"`
	TermID       string    `db:"term_id" json:"term_id"`
	Total        int       `db:"total" json:"total"`
	EventCount   int       `db:"event_count" json:"event_count"`
	RecomputedAt time.Time `db:"recomputed_at" json:"recomputed_at"`
}
