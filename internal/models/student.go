package models

import "time"

// Student represents a learner registered in the institution.
type Student struct {
	ID              string    `db:"id" json:"id"`
	NIS             string    `db:"nis" json:"nis"`
	FullName        string    `db:"full_name" json:"full_name"`
	Gender          string    `db:"gender" json:"gender"`
	GuardianContact string    `db:"guardian_contact" json:"guardian_contact"`
	Active          bool      `db:"active" json:"active"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time `db:"updated_at" json:"updated_at"`
}

// StudentFilter encapsulates allowed search parameters for listing students.
type StudentFilter struct {
	Search    string
	Active    *bool
	Page      int
	PageSize  int
	SortBy    string
	SortOrder string
}
