package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sma-conduct-api/internal/models"
	"github.com/noah-isme/sma-conduct-api/internal/service"
	appErrors "github.com/noah-isme/sma-conduct-api/pkg/errors"
	"github.com/noah-isme/sma-conduct-api/pkg/response"
)

// TermHandler exposes term registry and lifecycle endpoints.
type TermHandler struct {
	terms     *service.TermService
	lifecycle *service.LifecycleService
}

// NewTermHandler constructs a term handler.
func NewTermHandler(terms *service.TermService, lifecycle *service.LifecycleService) *TermHandler {
	return &TermHandler{terms: terms, lifecycle: lifecycle}
}

// List godoc
// @Summary List terms
// @Tags Terms
// @Produce json
// @Param academicYear query string false "Filter by academic year"
// @Param type query string false "Filter by type"
// @Param isActive query bool false "Filter by active flag"
// @Param page query int false "Page"
// @Param limit query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /terms [get]
func (h *TermHandler) List(c *gin.Context) {
	var filter models.TermFilter
	filter.AcademicYear = c.Query("academicYear")
	if termType := c.Query("type"); termType != "" {
		filter.Type = models.TermType(termType)
	}
	if isActive := c.Query("isActive"); isActive != "" {
		if val, err := strconv.ParseBool(isActive); err == nil {
			filter.IsActive = &val
		}
	}
	if page, err := strconv.Atoi(c.DefaultQuery("page", "1")); err == nil {
		filter.Page = page
	}
	if size, err := strconv.Atoi(c.DefaultQuery("limit", "20")); err == nil {
		filter.PageSize = size
	}
	filter.SortBy = c.Query("sort")
	filter.SortOrder = c.Query("order")

	terms, pagination, err := h.terms.List(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, terms, pagination)
}

// GetActive godoc
// @Summary Get active term
// @Tags Terms
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /terms/active [get]
func (h *TermHandler) GetActive(c *gin.Context) {
	term, err := h.terms.GetActive(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, term, nil)
}

// Get godoc
// @Summary Get term
// @Tags Terms
// @Produce json
// @Param id path string true "Term ID"
// @Success 200 {object} response.Envelope
// @Router /terms/{id} [get]
func (h *TermHandler) Get(c *gin.Context) {
	term, err := h.terms.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, term, nil)
}

// Create godoc
// @Summary Create term
// @Tags Terms
// @Accept json
// @Produce json
// @Param payload body service.CreateTermRequest true "Term payload"
// @Success 201 {object} response.Envelope
// @Router /terms [post]
func (h *TermHandler) Create(c *gin.Context) {
	var req service.CreateTermRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	term, err := h.terms.Create(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, term)
}

// Update godoc
// @Summary Update term
// @Tags Terms
// @Accept json
// @Produce json
// @Param id path string true "Term ID"
// @Param payload body service.UpdateTermRequest true "Term payload"
// @Success 200 {object} response.Envelope
// @Router /terms/{id} [put]
func (h *TermHandler) Update(c *gin.Context) {
	var req service.UpdateTermRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	term, err := h.terms.Update(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, term, nil)
}

// Activate godoc
// @Summary Activate term
// @Description Runs a term transition: the previous active term is closed atomically.
// @Tags Terms
// @Produce json
// @Param id path string true "Term ID"
// @Success 200 {object} response.Envelope
// @Router /terms/{id}/activate [post]
func (h *TermHandler) Activate(c *gin.Context) {
	term, err := h.lifecycle.Transition(c.Request.Context(), service.TransitionRequest{
		TermID:       c.Param("id"),
		CloseCurrent: true,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, term, nil)
}

// Delete godoc
// @Summary Delete term
// @Tags Terms
// @Param id path string true "Term ID"
// @Success 204
// @Router /terms/{id} [delete]
func (h *TermHandler) Delete(c *gin.Context) {
	if err := h.terms.Delete(c.Request.Context(), c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}
