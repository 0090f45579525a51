package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sma-conduct-api/internal/models"
)

// ScoreRepository persists the materialized per-(student, term) running
// totals. Only the score aggregator writes through it.
type ScoreRepository struct {
	db *sqlx.DB
}

// NewScoreRepository constructs a new repository.
func NewScoreRepository(db *sqlx.DB) *ScoreRepository {
	return &ScoreRepository{db: db}
}

const scoreColumns = "student_id, term_id, total, event_count, recomputed_at"

// Find loads the cached state for a pair using the base connection.
func (r *ScoreRepository) Find(ctx context.Context, studentID, termID string) (*models.StudentScoreState, error) {
	return r.Get(ctx, r.db, studentID, termID)
}

// Get loads the cached state for a pair on the given executor.
func (r *ScoreRepository) Get(ctx context.Context, q sqlx.ExtContext, studentID, termID string) (*models.StudentScoreState, error) {
	query := fmt.Sprintf("SELECT %s FROM student_score_states WHERE student_id = $1 AND term_id = $2", scoreColumns)
	var state models.StudentScoreState
	if err := sqlx.GetContext(ctx, q, &state, query, studentID, termID); err != nil {
		return nil, err
	}
	return &state, nil
}

// Upsert writes the recomputed total for a pair on the given executor.
func (r *ScoreRepository) Upsert(ctx context.Context, q sqlx.ExtContext, state *models.StudentScoreState) error {
	state.RecomputedAt = time.Now().UTC()
	const query = `INSERT INTO student_score_states (student_id, term_id, total, event_count, recomputed_at)
VALUES (:student_id, :term_id, :total, :event_count, :recomputed_at)
ON CONFLICT (student_id, term_id) DO UPDATE SET total = EXCLUDED.total, event_count = EXCLUDED.event_count, recomputed_at = EXCLUDED.recomputed_at`
	if _, err := sqlx.NamedExecContext(ctx, q, query, state); err != nil {
		return fmt.Errorf("upsert score state: %w", err)
	}
	return nil
}

// ListForTerm returns every stored state for a term, worst total first.
func (r *ScoreRepository) ListForTerm(ctx context.Context, termID string) ([]models.StudentScoreState, error) {
	query := fmt.Sprintf("SELECT %s FROM student_score_states WHERE term_id = $1 ORDER BY total ASC", scoreColumns)
	var states []models.StudentScoreState
	if err := r.db.SelectContext(ctx, &states, query, termID); err != nil {
		return nil, fmt.Errorf("list score states: %w", err)
	}
	return states, nil
}
