package service

import (
	"context"
	"database/sql"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-conduct-api/internal/models"
	appErrors "github.com/noah-isme/sma-conduct-api/pkg/errors"
)

type termRepository interface {
	List(ctx context.Context, filter models.TermFilter) ([]models.Term, int, error)
	FindByID(ctx context.Context, id string) (*models.Term, error)
	FindActive(ctx context.Context) (*models.Term, error)
	FindLatestEnded(ctx context.Context) (*models.Term, error)
	ExistsByYearAndType(ctx context.Context, academicYear string, termType models.TermType, excludeID string) (bool, error)
	Create(ctx context.Context, term *models.Term) error
	Update(ctx context.Context, term *models.Term) error
	SetActive(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
	CountEvents(ctx context.Context, id string) (int, error)
}

// CreateTermRequest describes payload for creating academic terms.
type CreateTermRequest struct {
	Name         string          `json:"name" validate:"required"`
	Type         models.TermType `json:"type" validate:"required"`
	AcademicYear string          `json:"academic_year" validate:"required"`
	StartDate    time.Time       `json:"start_date" validate:"required"`
	EndDate      time.Time       `json:"end_date" validate:"required"`
}

// UpdateTermRequest updates mutable fields on a term.
type UpdateTermRequest struct {
	Name         string          `json:"name" validate:"required"`
	Type         models.TermType `json:"type" validate:"required"`
	AcademicYear string          `json:"academic_year" validate:"required"`
	StartDate    time.Time       `json:"start_date" validate:"required"`
	EndDate      time.Time       `json:"end_date" validate:"required"`
}

// TermService is the term registry: it owns the set of academic terms and the
// single-active-term invariant. Activation never triggers recomputation; that
// is the lifecycle controller's job.
type TermService struct {
	repo      termRepository
	validator *validator.Validate
	logger    *zap.Logger
}

// NewTermService creates a new term service instance.
func NewTermService(repo termRepository, validate *validator.Validate, logger *zap.Logger) *TermService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TermService{repo: repo, validator: validate, logger: logger}
}

// List returns paginated terms.
func (s *TermService) List(ctx context.Context, filter models.TermFilter) ([]models.Term, *models.Pagination, error) {
	terms, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list terms")
	}

	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 {
		size = 20
	}

	pagination := &models.Pagination{
		Page:       page,
		PageSize:   size,
		TotalCount: total,
	}
	return terms, pagination, nil
}

// Get returns a term by ID.
func (s *TermService) Get(ctx context.Context, id string) (*models.Term, error) {
	term, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "term not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load term")
	}
	return term, nil
}

// GetActive returns the currently active term or ErrNoActiveTerm.
func (s *TermService) GetActive(ctx context.Context) (*models.Term, error) {
	term, err := s.repo.FindActive(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.ErrNoActiveTerm
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load active term")
	}
	return term, nil
}

// Resolve returns the term with the given id, or the active term when the id
// is empty. Read paths that must keep functioning during an administrative gap
// between terms fall back to the term with the latest end date; callers that
// mutate must check CanAcceptNewEvents on the result.
func (s *TermService) Resolve(ctx context.Context, termID string) (*models.Term, error) {
	if termID != "" {
		return s.Get(ctx, termID)
	}

	term, err := s.GetActive(ctx)
	if err == nil {
		return term, nil
	}
	if !appErrors.Is(err, appErrors.ErrNoActiveTerm) {
		return nil, err
	}

	term, fallbackErr := s.repo.FindLatestEnded(ctx)
	if fallbackErr != nil {
		if fallbackErr == sql.ErrNoRows {
			return nil, appErrors.ErrNoActiveTerm
		}
		return nil, appErrors.Wrap(fallbackErr, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to resolve fallback term")
	}
	s.logger.Warn("no active term, falling back to latest ended term", zap.String("term_id", term.ID))
	return term, nil
}

// Activate designates a term as active, atomically deactivating any other.
func (s *TermService) Activate(ctx context.Context, id string) (*models.Term, error) {
	term, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := s.repo.SetActive(ctx, term.ID); err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "term not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to activate term")
	}
	term.IsActive = true
	return term, nil
}

// Create adds a new term ensuring uniqueness and date validation. Terms are
// created inactive; activation is a separate explicit operation.
func (s *TermService) Create(ctx context.Context, req CreateTermRequest) (*models.Term, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid term payload")
	}
	if !req.StartDate.Before(req.EndDate) {
		return nil, appErrors.Clone(appErrors.ErrValidation, "start_date must be before end_date")
	}

	exists, err := s.repo.ExistsByYearAndType(ctx, req.AcademicYear, req.Type, "")
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check term uniqueness")
	}
	if exists {
		return nil, appErrors.Clone(appErrors.ErrConflict, "term already exists for academic year and type")
	}

	term := &models.Term{
		Name:         req.Name,
		Type:         req.Type,
		AcademicYear: req.AcademicYear,
		StartDate:    req.StartDate,
		EndDate:      req.EndDate,
	}

	if err := s.repo.Create(ctx, term); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create term")
	}

	return term, nil
}

// Update modifies a term record.
func (s *TermService) Update(ctx context.Context, id string, req UpdateTermRequest) (*models.Term, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid term payload")
	}
	if !req.StartDate.Before(req.EndDate) {
		return nil, appErrors.Clone(appErrors.ErrValidation, "start_date must be before end_date")
	}

	term, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	exists, err := s.repo.ExistsByYearAndType(ctx, req.AcademicYear, req.Type, id)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check term uniqueness")
	}
	if exists {
		return nil, appErrors.Clone(appErrors.ErrConflict, "term already exists for academic year and type")
	}

	term.Name = req.Name
	term.Type = req.Type
	term.AcademicYear = req.AcademicYear
	term.StartDate = req.StartDate
	term.EndDate = req.EndDate

	if err := s.repo.Update(ctx, term); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update term")
	}

	return term, nil
}

// Delete removes a term when it is not active and no events reference it.
func (s *TermService) Delete(ctx context.Context, id string) error {
	term, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	if term.IsActive {
		return appErrors.Clone(appErrors.ErrPreconditionFailed, "cannot delete active term")
	}

	count, err := s.repo.CountEvents(ctx, id)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check term dependencies")
	}
	if count > 0 {
		return appErrors.Clone(appErrors.ErrPreconditionFailed, "term has scored events associated")
	}

	if err := s.repo.Delete(ctx, id); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to delete term")
	}
	return nil
}
