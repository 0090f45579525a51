package service

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-conduct-api/internal/models"
	"github.com/noah-isme/sma-conduct-api/internal/repository"
	appErrors "github.com/noah-isme/sma-conduct-api/pkg/errors"
)

type eventSummer interface {
	SumForStudent(ctx context.Context, q sqlx.ExtContext, studentID, termID string) (int, int, error)
}

type scoreStore interface {
	Find(ctx context.Context, studentID, termID string) (*models.StudentScoreState, error)
	Get(ctx context.Context, q sqlx.ExtContext, studentID, termID string) (*models.StudentScoreState, error)
	Upsert(ctx context.Context, q sqlx.ExtContext, state *models.StudentScoreState) error
	ListForTerm(ctx context.Context, termID string) ([]models.StudentScoreState, error)
}

type termResolver interface {
	Resolve(ctx context.Context, termID string) (*models.Term, error)
}

type scoreCache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// StudentScore is the read model returned by CurrentTotal.
type StudentScore struct {
	StudentID string `json:"student_id"`
	TermID    string `json:"term_id"`
	Total     int    `json:"total"`
}

// ScoreService is the score aggregator: the single authority allowed to write
// student score state. Every total is derived by summing the event ledger;
// there is no increment path.
type ScoreService struct {
	events   eventSummer
	scores   scoreStore
	terms    termResolver
	cache    scoreCache
	cacheTTL time.Duration
	logger   *zap.Logger
}

// NewScoreService creates a score aggregator.
func NewScoreService(events eventSummer, scores scoreStore, terms termResolver, cache scoreCache, cacheTTL time.Duration, logger *zap.Logger) *ScoreService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}
	return &ScoreService{events: events, scores: scores, terms: terms, cache: cache, cacheTTL: cacheTTL, logger: logger}
}

// Recompute derives the pair's total from the ledger and stores it, returning
// the previous and new totals. It must run on an open transaction that holds
// the pair's advisory lock; it is idempotent and safe to re-run. A
// verification re-sum that disagrees with the value just written means
// something mutated the ledger outside the lock; that halts processing with
// ErrInvariantViolation instead of papering over the drift.
func (s *ScoreService) Recompute(ctx context.Context, tx *sqlx.Tx, studentID, termID string) (int, int, error) {
	oldTotal := 0
	state, err := s.scores.Get(ctx, tx, studentID, termID)
	switch {
	case err == nil:
		oldTotal = state.Total
	case err == sql.ErrNoRows:
	default:
		return 0, 0, fmt.Errorf("load score state: %w", err)
	}

	newTotal, count, err := s.events.SumForStudent(ctx, tx, studentID, termID)
	if err != nil {
		return 0, 0, err
	}

	if err := s.scores.Upsert(ctx, tx, &models.StudentScoreState{
		StudentID:  studentID,
		TermID:     termID,
		Total:      newTotal,
		EventCount: count,
	}); err != nil {
		return 0, 0, err
	}

	verify, _, err := s.events.SumForStudent(ctx, tx, studentID, termID)
	if err != nil {
		return 0, 0, err
	}
	if verify != newTotal {
		s.logger.Error("score state disagrees with ledger sum",
			zap.String("student_id", studentID),
			zap.String("term_id", termID),
			zap.Int("stored", newTotal),
			zap.Int("ledger", verify))
		return 0, 0, appErrors.Clone(appErrors.ErrInvariantViolation, "ledger sum changed during recompute")
	}

	return oldTotal, newTotal, nil
}

// CurrentTotal returns the running total for a student, resolving the term
// through the registry's read fallback. A missing state row reads as zero and
// nothing is written.
func (s *ScoreService) CurrentTotal(ctx context.Context, studentID, termID string) (*StudentScore, error) {
	term, err := s.terms.Resolve(ctx, termID)
	if err != nil {
		return nil, err
	}

	key := repository.ScoreKey(studentID, term.ID)
	if s.cache != nil {
		var cached StudentScore
		if err := s.cache.Get(ctx, key, &cached); err == nil {
			return &cached, nil
		} else if !appErrors.Is(err, appErrors.ErrCacheMiss) {
			s.logger.Warn("score cache read failed", zap.Error(err))
		}
	}

	score := &StudentScore{StudentID: studentID, TermID: term.ID}
	state, err := s.scores.Find(ctx, studentID, term.ID)
	switch {
	case err == nil:
		score.Total = state.Total
	case err == sql.ErrNoRows:
	default:
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load score state")
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, key, score, s.cacheTTL); err != nil {
			s.logger.Warn("score cache write failed", zap.Error(err))
		}
	}
	return score, nil
}

// ListForTerm returns every stored score state for a term, worst first.
func (s *ScoreService) ListForTerm(ctx context.Context, termID string) ([]models.StudentScoreState, error) {
	term, err := s.terms.Resolve(ctx, termID)
	if err != nil {
		return nil, err
	}
	states, err := s.scores.ListForTerm(ctx, term.ID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list score states")
	}
	return states, nil
}

// InvalidateCache drops the cached total for a pair after a ledger mutation.
func (s *ScoreService) InvalidateCache(ctx context.Context, studentID, termID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, repository.ScoreKey(studentID, termID)); err != nil {
		s.logger.Warn("score cache invalidation failed", zap.Error(err))
	}
}

// lockScorePair takes the per-(student, term) advisory lock that serializes
// append, recompute and evaluation for the pair. The lock is released at
// transaction end.
func lockScorePair(ctx context.Context, tx *sqlx.Tx, studentID, termID string) error {
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, studentID+":"+termID); err != nil {
		return fmt.Errorf("acquire score pair lock: %w", err)
	}
	return nil
}
