package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sma-conduct-api/internal/middleware"
	"github.com/noah-isme/sma-conduct-api/internal/service"
	appErrors "github.com/noah-isme/sma-conduct-api/pkg/errors"
	"github.com/noah-isme/sma-conduct-api/pkg/response"
)

// EventHandler exposes the conduct event ledger endpoints.
type EventHandler struct {
	ledger *service.LedgerService
}

// NewEventHandler constructs an event handler.
func NewEventHandler(ledger *service.LedgerService) *EventHandler {
	return &EventHandler{ledger: ledger}
}

type reverseRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// Append godoc
// @Summary Append a conduct event
// @Description Records a violation, achievement or adjustment against the active
// @Description term (or an explicitly named open term) and returns the resulting total.
// @Tags Events
// @Accept json
// @Produce json
// @Param payload body service.AppendEventRequest true "Event payload"
// @Success 201 {object} response.Envelope
// @Router /events [post]
func (h *EventHandler) Append(c *gin.Context) {
	var req service.AppendEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	if actor := middleware.ActorID(c); actor != "" {
		req.CreatedBy = actor
	}
	result, err := h.ledger.Append(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, result)
}

// Reverse godoc
// @Summary Reverse a conduct event
// @Description Appends a compensating event that cancels the original's points.
// @Description The original event is never mutated and can be reversed only once.
// @Tags Events
// @Accept json
// @Produce json
// @Param id path string true "Event ID"
// @Param payload body reverseRequest true "Reversal reason"
// @Success 201 {object} response.Envelope
// @Router /events/{id}/reverse [post]
func (h *EventHandler) Reverse(c *gin.Context) {
	var req reverseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	actor := middleware.ActorID(c)
	if actor == "" {
		actor = c.GetHeader("X-Actor-ID")
	}
	result, err := h.ledger.Reverse(c.Request.Context(), c.Param("id"), req.Reason, actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, result)
}

// ListForStudent godoc
// @Summary List a student's conduct events
// @Tags Events
// @Produce json
// @Param studentId path string true "Student ID"
// @Param termId query string false "Term ID (defaults to active, falls back to latest ended)"
// @Param page query int false "Page"
// @Param limit query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /students/{studentId}/events [get]
func (h *EventHandler) ListForStudent(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	size, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	events, pagination, err := h.ledger.ListForStudent(
		c.Request.Context(),
		c.Param("studentId"),
		c.Query("termId"),
		page,
		size,
	)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, events, pagination)
}
