package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sma-conduct-api/internal/service"
	"github.com/noah-isme/sma-conduct-api/pkg/response"
)

// EscalationHandler exposes escalation records, tier configuration and the
// term-wide sweep trigger.
type EscalationHandler struct {
	escalations *service.EscalationService
}

// NewEscalationHandler constructs an escalation handler.
func NewEscalationHandler(escalations *service.EscalationService) *EscalationHandler {
	return &EscalationHandler{escalations: escalations}
}

// Tiers godoc
// @Summary List configured escalation tiers
// @Tags Escalations
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /escalations/tiers [get]
func (h *EscalationHandler) Tiers(c *gin.Context) {
	response.JSON(c, http.StatusOK, h.escalations.Tiers(), nil)
}

// ListForStudent godoc
// @Summary List escalations fired for a student
// @Tags Escalations
// @Produce json
// @Param studentId path string true "Student ID"
// @Param termId query string false "Term ID"
// @Success 200 {object} response.Envelope
// @Router /students/{studentId}/escalations [get]
func (h *EscalationHandler) ListForStudent(c *gin.Context) {
	records, err := h.escalations.ListForStudent(c.Request.Context(), c.Param("studentId"), c.Query("termId"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, records, nil)
}

// Sweep godoc
// @Summary Sweep a term for missed escalations
// @Description Re-evaluates every student with events in the term. Sweeping is
// @Description idempotent: tiers already fired are never fired again.
// @Tags Escalations
// @Produce json
// @Param id path string true "Term ID"
// @Success 200 {object} response.Envelope
// @Router /terms/{id}/sweep [post]
func (h *EscalationHandler) Sweep(c *gin.Context) {
	result, err := h.escalations.SweepTerm(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}
