package service

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-conduct-api/internal/models"
	appErrors "github.com/noah-isme/sma-conduct-api/pkg/errors"
)

const appendMaxAttempts = 3

type eventStore interface {
	List(ctx context.Context, filter models.ScoredEventFilter) ([]models.ScoredEvent, int, error)
	FindByID(ctx context.Context, id string) (*models.ScoredEvent, error)
	Insert(ctx context.Context, q sqlx.ExtContext, event *models.ScoredEvent) error
	SumForStudent(ctx context.Context, q sqlx.ExtContext, studentID, termID string) (int, int, error)
	HasReversal(ctx context.Context, q sqlx.ExtContext, eventID string) (bool, error)
}

type termGate interface {
	Resolve(ctx context.Context, termID string) (*models.Term, error)
	GetActive(ctx context.Context) (*models.Term, error)
	Get(ctx context.Context, id string) (*models.Term, error)
}

type evaluator interface {
	EvaluateTx(ctx context.Context, tx *sqlx.Tx, studentID, termID string, oldTotal, newTotal int) (*models.EscalationRecord, error)
	QueueLetter(record *models.EscalationRecord, student *models.Student, term *models.Term)
}

type recomputeAuthority interface {
	Recompute(ctx context.Context, tx *sqlx.Tx, studentID, termID string) (int, int, error)
	InvalidateCache(ctx context.Context, studentID, termID string)
}

// AppendEventRequest describes the payload for appending a report.
type AppendEventRequest struct {
	StudentID     string     `json:"student_id" validate:"required"`
	TermID        string     `json:"term_id"`
	Kind          string     `json:"kind" validate:"required,event_kind"`
	Points        int        `json:"points"`
	EffectiveDate *time.Time `json:"effective_date"`
	Reason        string     `json:"reason" validate:"required"`
	CreatedBy     string     `json:"created_by" validate:"required"`
}

// AppendResult reports the outcome of one ledger append.
type AppendResult struct {
	Event    *models.ScoredEvent      `json:"event"`
	OldTotal int                      `json:"old_total"`
	NewTotal int                      `json:"new_total"`
	Fired    *models.EscalationRecord `json:"fired,omitempty"`
}

// LedgerService owns the append-only scored event stream. An append, the
// recompute of the student's total and the escalation decision run as one
// transaction serialized per (student, term); concurrent reports on the same
// student retry on conflict instead of overwriting each other.
type LedgerService struct {
	tx        txBeginner
	events    eventStore
	terms     termGate
	students  studentReader
	scores    recomputeAuthority
	escalator evaluator
	metrics   *MetricsService
	validator *validator.Validate
	logger    *zap.Logger
}

// NewLedgerService constructs the ledger.
func NewLedgerService(
	tx txBeginner,
	events eventStore,
	terms termGate,
	students studentReader,
	scores recomputeAuthority,
	escalator evaluator,
	metrics *MetricsService,
	validate *validator.Validate,
	logger *zap.Logger,
) *LedgerService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	svc := &LedgerService{
		tx:        tx,
		events:    events,
		terms:     terms,
		students:  students,
		scores:    scores,
		escalator: escalator,
		metrics:   metrics,
		validator: validate,
		logger:    logger,
	}
	_ = svc.validator.RegisterValidation("event_kind", func(fl validator.FieldLevel) bool {
		kind := models.EventKind(fl.Field().String())
		return kind.Valid() && kind != models.EventKindReversal
	})
	return svc
}

// Append validates, clamps and appends one scored event, recomputes the
// student's total and evaluates escalation, all within one transaction.
func (s *LedgerService) Append(ctx context.Context, req AppendEventRequest) (*AppendResult, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid event payload")
	}

	kind := models.EventKind(req.Kind)
	switch kind {
	case models.EventKindViolation:
		if req.Points >= 0 {
			return nil, appErrors.Clone(appErrors.ErrValidation, "violation points must be negative")
		}
	case models.EventKindAchievement:
		if req.Points <= 0 {
			return nil, appErrors.Clone(appErrors.ErrValidation, "achievement points must be positive")
		}
	case models.EventKindAdjustment:
		if req.Points <= 0 {
			return nil, appErrors.Clone(appErrors.ErrValidation, "adjustment points must be positive")
		}
	}

	term, err := s.resolveWritableTerm(ctx, req.TermID)
	if err != nil {
		return nil, err
	}

	student, err := s.students.FindByID(ctx, req.StudentID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "student not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load student")
	}

	event := &models.ScoredEvent{
		StudentID:  req.StudentID,
		TermID:     term.ID,
		Kind:       kind,
		PointDelta: req.Points,
		Reason:     req.Reason,
		CreatedBy:  req.CreatedBy,
	}
	if req.EffectiveDate != nil {
		event.EffectiveDate = *req.EffectiveDate
	}

	result, err := s.appendWithRetry(ctx, event)
	if err != nil {
		return nil, err
	}

	s.scores.InvalidateCache(ctx, event.StudentID, term.ID)
	if s.metrics != nil {
		s.metrics.IncEventAppended(string(kind))
	}
	if result.Fired != nil {
		s.escalator.QueueLetter(result.Fired, student, term)
	}
	return result, nil
}

// Reverse appends a compensating event that cancels the original's delta.
// The original row is never mutated and each event can be reversed once.
func (s *LedgerService) Reverse(ctx context.Context, eventID, reason, createdBy string) (*AppendResult, error) {
	if reason == "" || createdBy == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "reason and created_by are required")
	}

	original, err := s.events.FindByID(ctx, eventID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "event not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load event")
	}
	if original.Kind == models.EventKindReversal {
		return nil, appErrors.Clone(appErrors.ErrPreconditionFailed, "cannot reverse a reversal")
	}

	term, err := s.resolveWritableTerm(ctx, original.TermID)
	if err != nil {
		return nil, err
	}

	student, err := s.students.FindByID(ctx, original.StudentID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "student not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load student")
	}

	event := &models.ScoredEvent{
		StudentID:  original.StudentID,
		TermID:     term.ID,
		Kind:       models.EventKindReversal,
		PointDelta: -original.PointDelta,
		Reason:     reason,
		CreatedBy:  createdBy,
		ReversesID: &original.ID,
	}

	result, err := s.appendWithRetry(ctx, event)
	if err != nil {
		return nil, err
	}

	s.scores.InvalidateCache(ctx, event.StudentID, term.ID)
	if s.metrics != nil {
		s.metrics.IncEventAppended(string(models.EventKindReversal))
	}
	if result.Fired != nil {
		s.escalator.QueueLetter(result.Fired, student, term)
	}
	return result, nil
}

// ListForStudent returns a student's events, newest first. Read-only; uses the
// registry's fallback resolution so listings keep working between terms.
func (s *LedgerService) ListForStudent(ctx context.Context, studentID, termID string, page, pageSize int) ([]models.ScoredEvent, *models.Pagination, error) {
	term, err := s.terms.Resolve(ctx, termID)
	if err != nil {
		return nil, nil, err
	}

	filter := models.ScoredEventFilter{StudentID: studentID, TermID: term.ID, Page: page, PageSize: pageSize}
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.PageSize <= 0 {
		filter.PageSize = 50
	}
	events, total, err := s.events.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list events")
	}
	pagination := &models.Pagination{Page: filter.Page, PageSize: filter.PageSize, TotalCount: total}
	return events, pagination, nil
}

// resolveWritableTerm gates mutations: an empty term id requires the active
// term (no fallback), an explicit id must reference a term that still accepts
// events.
func (s *LedgerService) resolveWritableTerm(ctx context.Context, termID string) (*models.Term, error) {
	if termID == "" {
		return s.terms.GetActive(ctx)
	}
	term, err := s.terms.Get(ctx, termID)
	if err != nil {
		return nil, err
	}
	if !term.CanAcceptNewEvents() {
		return nil, appErrors.ErrTermClosed
	}
	return term, nil
}

func (s *LedgerService) appendWithRetry(ctx context.Context, event *models.ScoredEvent) (*AppendResult, error) {
	// The adjustment clamp rewrites the delta in place; each attempt must
	// restart from the caller's requested value, not a previous attempt's
	// clamp against a total that has since moved.
	requested := event.PointDelta
	var lastErr error
	for attempt := 1; attempt <= appendMaxAttempts; attempt++ {
		event.PointDelta = requested
		result, err := s.appendOnce(ctx, event)
		if err == nil {
			return result, nil
		}
		if !isRetryableTxError(err) {
			return nil, err
		}
		lastErr = err
		s.logger.Warn("append transaction conflict, retrying",
			zap.String("student_id", event.StudentID),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}
	return nil, appErrors.Wrap(lastErr, appErrors.ErrTransient.Code, appErrors.ErrTransient.Status, "append kept conflicting, try again")
}

func (s *LedgerService) appendOnce(ctx context.Context, event *models.ScoredEvent) (*AppendResult, error) {
	tx, err := s.tx.BeginTxx(ctx, nil)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to begin append transaction")
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := lockScorePair(ctx, tx, event.StudentID, event.TermID); err != nil {
		return nil, err
	}

	if event.ReversesID != nil {
		reversed, err := s.events.HasReversal(ctx, tx, *event.ReversesID)
		if err != nil {
			return nil, err
		}
		if reversed {
			return nil, appErrors.Clone(appErrors.ErrConflict, "event already reversed")
		}
	}

	// Adjustments only move the total toward zero and never past it. The
	// clamp is computed here, against the ledger-truth total under the pair
	// lock, so it holds regardless of entry point.
	if event.Kind == models.EventKindAdjustment {
		current, _, err := s.events.SumForStudent(ctx, tx, event.StudentID, event.TermID)
		if err != nil {
			return nil, err
		}
		clamped := min(0, current+event.PointDelta) - current
		if clamped < 0 {
			clamped = 0
		}
		event.PointDelta = clamped
	}

	if err := s.events.Insert(ctx, tx, event); err != nil {
		return nil, err
	}

	oldTotal, newTotal, err := s.scores.Recompute(ctx, tx, event.StudentID, event.TermID)
	if err != nil {
		return nil, err
	}

	fired, err := s.escalator.EvaluateTx(ctx, tx, event.StudentID, event.TermID, oldTotal, newTotal)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to commit append transaction")
	}

	return &AppendResult{Event: event, OldTotal: oldTotal, NewTotal: newTotal, Fired: fired}, nil
}

// isRetryableTxError reports whether the failure is a serialization or
// deadlock conflict worth retrying.
func isRetryableTxError(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "40001" || pqErr.Code == "40P01"
	}
	return false
}
