package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sma-conduct-api/internal/models"
)

// EscalationRepository persists fired warning-letter tiers. A unique index on
// (student_id, term_id, tier_level) backs the non-repeating guarantee.
type EscalationRepository struct {
	db *sqlx.DB
}

// NewEscalationRepository constructs a new repository.
func NewEscalationRepository(db *sqlx.DB) *EscalationRepository {
	return &EscalationRepository{db: db}
}

const escalationColumns = "id, student_id, term_id, tier_level, tier_label, triggering_total, delivery_status, letter_path, issued_at, updated_at"

// ListForStudent returns fired tiers for a (student, term), lowest tier first.
func (r *EscalationRepository) ListForStudent(ctx context.Context, studentID, termID string) ([]models.EscalationRecord, error) {
	query := fmt.Sprintf("SELECT %s FROM escalation_records WHERE student_id = $1 AND term_id = $2 ORDER BY tier_level ASC", escalationColumns)
	var records []models.EscalationRecord
	if err := r.db.SelectContext(ctx, &records, query, studentID, termID); err != nil {
		return nil, fmt.Errorf("list escalations: %w", err)
	}
	return records, nil
}

// ListForTerm returns every fired tier in the term.
func (r *EscalationRepository) ListForTerm(ctx context.Context, termID string) ([]models.EscalationRecord, error) {
	query := fmt.Sprintf("SELECT %s FROM escalation_records WHERE term_id = $1 ORDER BY issued_at ASC", escalationColumns)
	var records []models.EscalationRecord
	if err := r.db.SelectContext(ctx, &records, query, termID); err != nil {
		return nil, fmt.Errorf("list term escalations: %w", err)
	}
	return records, nil
}

// FindByID loads a single record.
func (r *EscalationRepository) FindByID(ctx context.Context, id string) (*models.EscalationRecord, error) {
	query := fmt.Sprintf("SELECT %s FROM escalation_records WHERE id = $1", escalationColumns)
	var record models.EscalationRecord
	if err := r.db.GetContext(ctx, &record, query, id); err != nil {
		return nil, err
	}
	return &record, nil
}

// HighestTier returns the highest tier level already fired for a pair, zero
// when none has fired. Runs on the caller's executor so the evaluator reads
// its own transactional snapshot.
func (r *EscalationRepository) HighestTier(ctx context.Context, q sqlx.ExtContext, studentID, termID string) (int, error) {
	const query = `SELECT COALESCE(MAX(tier_level),0) FROM escalation_records WHERE student_id = $1 AND term_id = $2`
	var level int
	if err := sqlx.GetContext(ctx, q, &level, query, studentID, termID); err != nil {
		return 0, fmt.Errorf("highest escalation tier: %w", err)
	}
	return level, nil
}

// Insert records a newly fired tier on the given executor.
func (r *EscalationRepository) Insert(ctx context.Context, q sqlx.ExtContext, record *models.EscalationRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if record.IssuedAt.IsZero() {
		record.IssuedAt = now
	}
	record.UpdatedAt = now
	if record.DeliveryStatus == "" {
		record.DeliveryStatus = models.DeliveryPending
	}
	const query = `INSERT INTO escalation_records (id, student_id, term_id, tier_level, tier_label, triggering_total, delivery_status, letter_path, issued_at, updated_at)
VALUES (:id, :student_id, :term_id, :tier_level, :tier_label, :triggering_total, :delivery_status, :letter_path, :issued_at, :updated_at)`
	if _, err := sqlx.NamedExecContext(ctx, q, query, record); err != nil {
		return fmt.Errorf("insert escalation record: %w", err)
	}
	return nil
}

// MarkDelivery updates delivery status after a letter delivery attempt.
func (r *EscalationRepository) MarkDelivery(ctx context.Context, recordID string, status models.DeliveryStatus, letterPath string) error {
	var path *string
	if letterPath != "" {
		path = &letterPath
	}
	const query = `UPDATE escalation_records SET delivery_status = $2, letter_path = COALESCE($3, letter_path), updated_at = $4 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, recordID, status, path, time.Now().UTC()); err != nil {
		return fmt.Errorf("mark escalation delivery: %w", err)
	}
	return nil
}
