package service

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-conduct-api/internal/models"
	"github.com/noah-isme/sma-conduct-api/pkg/config"
	appErrors "github.com/noah-isme/sma-conduct-api/pkg/errors"
	"github.com/noah-isme/sma-conduct-api/pkg/letters"
)

type escalationStore interface {
	ListForStudent(ctx context.Context, studentID, termID string) ([]models.EscalationRecord, error)
	ListForTerm(ctx context.Context, termID string) ([]models.EscalationRecord, error)
	FindByID(ctx context.Context, id string) (*models.EscalationRecord, error)
	HighestTier(ctx context.Context, q sqlx.ExtContext, studentID, termID string) (int, error)
	Insert(ctx context.Context, q sqlx.ExtContext, record *models.EscalationRecord) error
}

type termReader interface {
	Get(ctx context.Context, id string) (*models.Term, error)
}

type studentReader interface {
	FindByID(ctx context.Context, id string) (*models.Student, error)
}

type sweepEventSource interface {
	ListStudentIDs(ctx context.Context, termID string) ([]string, error)
	ListDeltasForPair(ctx context.Context, q sqlx.ExtContext, studentID, termID string) ([]int, error)
}

type pairRecomputer interface {
	Recompute(ctx context.Context, tx *sqlx.Tx, studentID, termID string) (int, int, error)
	InvalidateCache(ctx context.Context, studentID, termID string)
}

type letterQueuer interface {
	Enqueue(letter letters.Letter) error
}

type txBeginner interface {
	BeginTxx(ctx context.Context, opts *sql.TxOptions) (*sqlx.Tx, error)
}

// SweepResult summarizes one batch re-evaluation pass over a term.
type SweepResult struct {
	TermID     string `json:"term_id"`
	Students   int    `json:"students"`
	TiersFired int    `json:"tiers_fired"`
	Failures   int    `json:"failures"`
}

// EscalationService watches score transitions and fires warning-letter tiers.
// Within a term escalation is a one-way ratchet: a tier fires at most once per
// (student, term) and never un-fires when a score recovers.
type EscalationService struct {
	tiers    []models.EscalationTier
	records  escalationStore
	events   sweepEventSource
	scores   pairRecomputer
	terms    termReader
	students studentReader
	tx       txBeginner
	queue    letterQueuer
	metrics  *MetricsService
	logger   *zap.Logger
}

// NewEscalationService creates an evaluator over the configured tier table.
// Tier config is external data; the tiers arrive ordered by ascending
// severity from config parsing.
func NewEscalationService(
	tierSpecs []config.TierSpec,
	records escalationStore,
	events sweepEventSource,
	scores pairRecomputer,
	terms termReader,
	students studentReader,
	tx txBeginner,
	queue letterQueuer,
	metrics *MetricsService,
	logger *zap.Logger,
) *EscalationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	tiers := make([]models.EscalationTier, len(tierSpecs))
	for i, spec := range tierSpecs {
		tiers[i] = models.EscalationTier{Level: spec.Level, Threshold: spec.Threshold, Label: spec.Label}
	}
	return &EscalationService{
		tiers:    tiers,
		records:  records,
		events:   events,
		scores:   scores,
		terms:    terms,
		students: students,
		tx:       tx,
		queue:    queue,
		metrics:  metrics,
		logger:   logger,
	}
}

// Tiers exposes the configured tier table.
func (s *EscalationService) Tiers() []models.EscalationTier {
	return s.tiers
}

// ListForStudent returns the fired tiers for a (student, term).
func (s *EscalationService) ListForStudent(ctx context.Context, studentID, termID string) ([]models.EscalationRecord, error) {
	records, err := s.records.ListForStudent(ctx, studentID, termID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list escalations")
	}
	return records, nil
}

// Get returns one escalation record.
func (s *EscalationService) Get(ctx context.Context, id string) (*models.EscalationRecord, error) {
	record, err := s.records.FindByID(ctx, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "escalation record not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load escalation record")
	}
	return record, nil
}

// EvaluateTx decides whether the score transition fires a new tier and, if
// so, persists exactly one record on the open transaction. The decision
// depends only on the new total and the tiers already on file, which is what
// makes per-event evaluation and the batch sweep produce identical results.
// Returns nil when nothing fires.
func (s *EscalationService) EvaluateTx(ctx context.Context, tx *sqlx.Tx, studentID, termID string, oldTotal, newTotal int) (*models.EscalationRecord, error) {
	fired, err := s.records.HighestTier(ctx, tx, studentID, termID)
	if err != nil {
		return nil, err
	}

	var candidate *models.EscalationTier
	for i := range s.tiers {
		tier := s.tiers[i]
		if tier.Level <= fired {
			continue
		}
		if tier.Applies(newTotal) {
			candidate = &tier
		}
	}
	if candidate == nil {
		return nil, nil
	}

	record := &models.EscalationRecord{
		StudentID:       studentID,
		TermID:          termID,
		TierLevel:       candidate.Level,
		TierLabel:       candidate.Label,
		TriggeringTotal: newTotal,
		DeliveryStatus:  models.DeliveryPending,
	}
	if err := s.records.Insert(ctx, tx, record); err != nil {
		// The unique (student, term, tier) index is the last line of defense
		// against double-firing under concurrency.
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			s.logger.Warn("escalation tier already fired",
				zap.String("student_id", studentID),
				zap.String("term_id", termID),
				zap.Int("tier", candidate.Level))
			return nil, nil
		}
		return nil, err
	}

	s.logger.Info("escalation tier fired",
		zap.String("student_id", studentID),
		zap.String("term_id", termID),
		zap.Int("tier", candidate.Level),
		zap.Int("old_total", oldTotal),
		zap.Int("new_total", newTotal))
	return record, nil
}

// QueueLetter hands a fired record to the letter dispatcher. Delivery is
// fire-and-forget; a queue failure leaves the record pending for the next
// sweep and never rolls anything back.
func (s *EscalationService) QueueLetter(record *models.EscalationRecord, student *models.Student, term *models.Term) {
	if record == nil || s.queue == nil {
		return
	}
	letter := letters.Letter{
		RecordID:    record.ID,
		StudentName: student.FullName,
		StudentNIS:  student.NIS,
		TermName:    term.Name,
		TierLevel:   record.TierLevel,
		TierLabel:   record.TierLabel,
		Total:       record.TriggeringTotal,
		IssuedAt:    record.IssuedAt,
	}
	if err := s.queue.Enqueue(letter); err != nil {
		s.logger.Error("failed to queue warning letter",
			zap.String("record_id", record.ID), zap.Error(err))
	}
	if s.metrics != nil {
		s.metrics.IncEscalationFired(record.TierLevel)
	}
}

// SweepTerm recomputes and re-evaluates every student with events in the
// term. Each student is one transaction; a failure is logged and skipped so
// the sweep stays re-entrant. Closed terms are frozen and refused.
func (s *EscalationService) SweepTerm(ctx context.Context, termID string) (*SweepResult, error) {
	term, err := s.terms.Get(ctx, termID)
	if err != nil {
		return nil, err
	}
	if !term.CanAcceptNewEvents() {
		return nil, appErrors.Clone(appErrors.ErrPreconditionFailed, "cannot sweep a closed term")
	}

	start := time.Now()
	studentIDs, err := s.events.ListStudentIDs(ctx, term.ID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list term students")
	}

	result := &SweepResult{TermID: term.ID, Students: len(studentIDs)}
	for _, studentID := range studentIDs {
		fired, err := s.sweepStudent(ctx, studentID, term)
		if err != nil {
			result.Failures++
			s.logger.Error("sweep failed for student, continuing",
				zap.String("student_id", studentID),
				zap.String("term_id", term.ID),
				zap.Error(err))
			continue
		}
		result.TiersFired += len(fired)
	}

	if s.metrics != nil {
		s.metrics.ObserveSweep(time.Since(start), result.Students, result.Failures)
	}
	s.logger.Info("term sweep finished",
		zap.String("term_id", term.ID),
		zap.Int("students", result.Students),
		zap.Int("tiers_fired", result.TiersFired),
		zap.Int("failures", result.Failures))
	return result, nil
}

// sweepStudent replays the pair's ledger in effective-date order, evaluating
// the running total after each event. Events that never went through per-event
// evaluation (imported backlogs, manual rows) fire exactly the tiers a live
// append sequence would have fired; already-fired tiers sit below the ratchet
// and stay put.
func (s *EscalationService) sweepStudent(ctx context.Context, studentID string, term *models.Term) ([]*models.EscalationRecord, error) {
	tx, err := s.tx.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := lockScorePair(ctx, tx, studentID, term.ID); err != nil {
		return nil, err
	}

	if _, _, err := s.scores.Recompute(ctx, tx, studentID, term.ID); err != nil {
		return nil, err
	}

	deltas, err := s.events.ListDeltasForPair(ctx, tx, studentID, term.ID)
	if err != nil {
		return nil, err
	}

	var fired []*models.EscalationRecord
	total := 0
	for _, delta := range deltas {
		previous := total
		total += delta
		record, err := s.EvaluateTx(ctx, tx, studentID, term.ID, previous, total)
		if err != nil {
			return nil, err
		}
		if record != nil {
			fired = append(fired, record)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.scores.InvalidateCache(ctx, studentID, term.ID)

	if len(fired) > 0 {
		student, err := s.students.FindByID(ctx, studentID)
		if err != nil {
			s.logger.Warn("fired tiers but could not load student for letters",
				zap.String("student_id", studentID), zap.Error(err))
			return fired, nil
		}
		for _, record := range fired {
			s.QueueLetter(record, student, term)
		}
	}
	return fired, nil
}
