package models

// Pagination describes list pagination metadata.
type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	TotalCount int `json:"total_count"`
}

// ActorClaims carries the identity attached to mutating requests. It is used
// for audit attribution only; authorization is handled upstream.
type ActorClaims struct {
	ActorID string `json:"sub"`
	Role    string `json:"role"`
}
