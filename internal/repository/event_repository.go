package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/sma-conduct-api/internal/models"
)

// EventRepository manages the append-only scored event ledger. Rows are never
// updated; corrections are new compensating rows.
type EventRepository struct {
	db *sqlx.DB
}

// NewEventRepository constructs a new repository.
func NewEventRepository(db *sqlx.DB) *EventRepository {
	return &EventRepository{db: db}
}

const eventColumns = "id, student_id, term_id, kind, point_delta, effective_date, reason, created_by, reverses_id, created_at"

// List returns scored events per provided filter, newest first.
func (r *EventRepository) List(ctx context.Context, filter models.ScoredEventFilter) ([]models.ScoredEvent, int, error) {
	base := "FROM scored_events"
	where := []string{"1=1"}
	args := []interface{}{}
	if filter.StudentID != "" {
		where = append(where, fmt.Sprintf("student_id = $%d", len(args)+1))
		args = append(args, filter.StudentID)
	}
	if filter.TermID != "" {
		where = append(where, fmt.Sprintf("term_id = $%d", len(args)+1))
		args = append(args, filter.TermID)
	}
	if filter.DateFrom != nil {
		where = append(where, fmt.Sprintf("effective_date >= $%d", len(args)+1))
		args = append(args, *filter.DateFrom)
	}
	if filter.DateTo != nil {
		where = append(where, fmt.Sprintf("effective_date <= $%d", len(args)+1))
		args = append(args, *filter.DateTo)
	}
	if len(filter.Kinds) > 0 {
		placeholder := fmt.Sprintf("$%d", len(args)+1)
		values := make([]string, len(filter.Kinds))
		for i, k := range filter.Kinds {
			values[i] = string(k)
		}
		args = append(args, pq.Array(values))
		where = append(where, fmt.Sprintf("kind = ANY(%s)", placeholder))
	}
	whereClause := strings.Join(where, " AND ")
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 || size > 200 {
		size = 50
	}
	offset := (page - 1) * size
	query := fmt.Sprintf("SELECT %s %s WHERE %s ORDER BY effective_date DESC, created_at DESC LIMIT %d OFFSET %d", eventColumns, base, whereClause, size, offset)
	var events []models.ScoredEvent
	if err := r.db.SelectContext(ctx, &events, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list scored events: %w", err)
	}
	countQuery := fmt.Sprintf("SELECT COUNT(*) %s WHERE %s", base, whereClause)
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count scored events: %w", err)
	}
	return events, total, nil
}

// FindByID loads a single event.
func (r *EventRepository) FindByID(ctx context.Context, id string) (*models.ScoredEvent, error) {
	query := fmt.Sprintf("SELECT %s FROM scored_events WHERE id = $1", eventColumns)
	var event models.ScoredEvent
	if err := r.db.GetContext(ctx, &event, query, id); err != nil {
		return nil, err
	}
	return &event, nil
}

// Insert appends an immutable event. The executor may be the base connection
// or an open transaction; the append path always runs it inside one.
func (r *EventRepository) Insert(ctx context.Context, q sqlx.ExtContext, event *models.ScoredEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	if event.EffectiveDate.IsZero() {
		event.EffectiveDate = event.CreatedAt
	}
	const query = `INSERT INTO scored_events (id, student_id, term_id, kind, point_delta, effective_date, reason, created_by, reverses_id, created_at)
VALUES (:id, :student_id, :term_id, :kind, :point_delta, :effective_date, :reason, :created_by, :reverses_id, :created_at)`
	if _, err := sqlx.NamedExecContext(ctx, q, query, event); err != nil {
		return fmt.Errorf("insert scored event: %w", err)
	}
	return nil
}

// SumForStudent computes the ledger-truth total and event count for a
// (student, term) pair on the given executor.
func (r *EventRepository) SumForStudent(ctx context.Context, q sqlx.ExtContext, studentID, termID string) (int, int, error) {
	const query = `SELECT COALESCE(SUM(point_delta),0) AS total, COUNT(*) AS event_count FROM scored_events WHERE student_id = $1 AND term_id = $2`
	var agg struct {
		Total      int `db:"total"`
		EventCount int `db:"event_count"`
	}
	if err := sqlx.GetContext(ctx, q, &agg, query, studentID, termID); err != nil {
		return 0, 0, fmt.Errorf("sum scored events: %w", err)
	}
	return agg.Total, agg.EventCount, nil
}

// ListDeltasForPair returns the pair's point deltas in effective-date order.
// Replaying them reconstructs every intermediate total the pair has passed
// through, which is what the sweep evaluates tier crossings against.
func (r *EventRepository) ListDeltasForPair(ctx context.Context, q sqlx.ExtContext, studentID, termID string) ([]int, error) {
	const query = `SELECT point_delta FROM scored_events WHERE student_id = $1 AND term_id = $2 ORDER BY effective_date ASC, created_at ASC`
	var deltas []int
	if err := sqlx.SelectContext(ctx, q, &deltas, query, studentID, termID); err != nil {
		return nil, fmt.Errorf("list pair deltas: %w", err)
	}
	return deltas, nil
}

// ListStudentIDs returns the distinct students with at least one event in the
// term. Used by the sweep.
func (r *EventRepository) ListStudentIDs(ctx context.Context, termID string) ([]string, error) {
	const query = `SELECT DISTINCT student_id FROM scored_events WHERE term_id = $1 ORDER BY student_id`
	var ids []string
	if err := r.db.SelectContext(ctx, &ids, query, termID); err != nil {
		return nil, fmt.Errorf("list term students: %w", err)
	}
	return ids, nil
}

// HasReversal reports whether a compensating event already references the
// given event.
func (r *EventRepository) HasReversal(ctx context.Context, q sqlx.ExtContext, eventID string) (bool, error) {
	const query = `SELECT COUNT(*) FROM scored_events WHERE reverses_id = $1`
	var count int
	if err := sqlx.GetContext(ctx, q, &count, query, eventID); err != nil {
		return false, fmt.Errorf("check reversal: %w", err)
	}
	return count > 0, nil
}
