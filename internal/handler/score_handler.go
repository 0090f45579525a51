package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sma-conduct-api/internal/service"
	appErrors "github.com/noah-isme/sma-conduct-api/pkg/errors"
	"github.com/noah-isme/sma-conduct-api/pkg/response"
)

// ScoreHandler exposes derived conduct score read endpoints.
type ScoreHandler struct {
	scores *service.ScoreService
	terms  *service.TermService
}

// NewScoreHandler constructs a score handler.
func NewScoreHandler(scores *service.ScoreService, terms *service.TermService) *ScoreHandler {
	return &ScoreHandler{scores: scores, terms: terms}
}

// CurrentTotal godoc
// @Summary Get a student's conduct score
// @Description Returns the student's running total for the requested term. When
// @Description no term is given the active term is used, falling back to the
// @Description most recently ended term.
// @Tags Scores
// @Produce json
// @Param studentId path string true "Student ID"
// @Param termId query string false "Term ID"
// @Success 200 {object} response.Envelope
// @Router /students/{studentId}/score [get]
func (h *ScoreHandler) CurrentTotal(c *gin.Context) {
	term, err := h.terms.Resolve(c.Request.Context(), c.Query("termId"))
	if err != nil {
		response.Error(c, err)
		return
	}
	score, err := h.scores.CurrentTotal(c.Request.Context(), c.Param("studentId"), term.ID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, score, nil)
}

// ListForTerm godoc
// @Summary List all score states for a term
// @Tags Scores
// @Produce json
// @Param id path string true "Term ID"
// @Success 200 {object} response.Envelope
// @Router /terms/{id}/scores [get]
func (h *ScoreHandler) ListForTerm(c *gin.Context) {
	termID := c.Param("id")
	if termID == "" {
		response.Error(c, appErrors.ErrValidation)
		return
	}
	states, err := h.scores.ListForTerm(c.Request.Context(), termID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, states, nil)
}
