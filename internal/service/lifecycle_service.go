package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/sma-conduct-api/internal/models"
	appErrors "github.com/noah-isme/sma-conduct-api/pkg/errors"
)

type termActivator interface {
	GetActive(ctx context.Context) (*models.Term, error)
	Activate(ctx context.Context, id string) (*models.Term, error)
}

type termSweeper interface {
	SweepTerm(ctx context.Context, termID string) (*SweepResult, error)
}

// TransitionRequest describes a term transition.
type TransitionRequest struct {
	TermID       string `json:"term_id" validate:"required"`
	CloseCurrent bool   `json:"close_current"`
}

// LifecycleService orchestrates term transitions and the periodic sweep. It
// only ever touches the term registry and triggers recomputation; score rows
// of a closed term are left untouched as final historical totals.
type LifecycleService struct {
	terms   termActivator
	sweeper termSweeper
	logger  *zap.Logger
}

// NewLifecycleService creates the lifecycle controller.
func NewLifecycleService(terms termActivator, sweeper termSweeper, logger *zap.Logger) *LifecycleService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LifecycleService{terms: terms, sweeper: sweeper, logger: logger}
}

// Transition activates the new term, atomically deactivating the previous
// one. With CloseCurrent set, the outgoing term gets a final sweep before the
// swap so its frozen totals carry every tier owed; a sweep failure aborts the
// transition so the operator can retry. After the swap no recompute ever runs
// against the closed term.
func (s *LifecycleService) Transition(ctx context.Context, req TransitionRequest) (*models.Term, error) {
	if req.TermID == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "term_id is required")
	}

	previous, err := s.terms.GetActive(ctx)
	if err != nil && !appErrors.Is(err, appErrors.ErrNoActiveTerm) {
		return nil, err
	}
	if previous != nil && previous.ID == req.TermID {
		return previous, nil
	}

	if req.CloseCurrent && previous != nil {
		if _, err := s.sweeper.SweepTerm(ctx, previous.ID); err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "final sweep of outgoing term failed, term not closed")
		}
	}

	term, err := s.terms.Activate(ctx, req.TermID)
	if err != nil {
		return nil, err
	}

	fields := []zap.Field{zap.String("term_id", term.ID)}
	if previous != nil {
		fields = append(fields, zap.String("closed_term_id", previous.ID))
	}
	s.logger.Info("term transition complete", fields...)
	return term, nil
}

// PeriodicSweep recomputes and re-evaluates every active-term student. It is
// the batch analogue of the per-event path, catching events appended outside
// it (data migrations, manual fixes). Pure recomputation: safe to interrupt
// and re-run. With no active term there is nothing to sweep.
func (s *LifecycleService) PeriodicSweep(ctx context.Context) (*SweepResult, error) {
	term, err := s.terms.GetActive(ctx)
	if err != nil {
		if appErrors.Is(err, appErrors.ErrNoActiveTerm) {
			s.logger.Info("periodic sweep skipped, no active term")
			return &SweepResult{}, nil
		}
		return nil, err
	}
	return s.sweeper.SweepTerm(ctx, term.ID)
}

// RunSweepLoop invokes PeriodicSweep on the given interval until the context
// is cancelled. Started from main when sweeping is enabled.
func (s *LifecycleService) RunSweepLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.PeriodicSweep(ctx); err != nil {
				s.logger.Error("periodic sweep failed", zap.Error(err))
			}
		}
	}
}
