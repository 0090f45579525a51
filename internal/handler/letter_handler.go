package handler

import (
	"io"
	"net/http"
	"path/filepath"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sma-conduct-api/internal/models"
	"github.com/noah-isme/sma-conduct-api/internal/service"
	appErrors "github.com/noah-isme/sma-conduct-api/pkg/errors"
	"github.com/noah-isme/sma-conduct-api/pkg/response"
	"github.com/noah-isme/sma-conduct-api/pkg/storage"
)

// LetterHandler serves generated warning letters. Downloads go through short
// lived signed tokens so letter files are never addressable by raw path.
type LetterHandler struct {
	escalations *service.EscalationService
	signer      *storage.SignedURLSigner
	store       *storage.LocalStorage
}

// NewLetterHandler constructs a letter handler.
func NewLetterHandler(escalations *service.EscalationService, signer *storage.SignedURLSigner, store *storage.LocalStorage) *LetterHandler {
	return &LetterHandler{escalations: escalations, signer: signer, store: store}
}

type signedLetterResponse struct {
	URL       string `json:"url"`
	ExpiresAt string `json:"expires_at"`
}

// SignedURL godoc
// @Summary Get a signed download link for a warning letter
// @Tags Letters
// @Produce json
// @Param id path string true "Escalation record ID"
// @Success 200 {object} response.Envelope
// @Router /escalations/{id}/letter [get]
func (h *LetterHandler) SignedURL(c *gin.Context) {
	record, err := h.escalations.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	if record.LetterPath == nil || record.DeliveryStatus != models.DeliverySent {
		response.Error(c, appErrors.Clone(appErrors.ErrNotFound, "letter has not been generated yet"))
		return
	}
	token, expiresAt, err := h.signer.Generate(record.ID, *record.LetterPath)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, signedLetterResponse{
		URL:       "/api/v1/letters/download?token=" + token,
		ExpiresAt: expiresAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
	}, nil)
}

// Download godoc
// @Summary Download a warning letter with a signed token
// @Tags Letters
// @Produce application/pdf
// @Param token query string true "Signed token"
// @Success 200 {file} binary
// @Router /letters/download [get]
func (h *LetterHandler) Download(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "token is required"))
		return
	}
	recordID, relPath, _, err := h.signer.Parse(token)
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrUnauthorized.Code, http.StatusUnauthorized, "invalid or expired token"))
		return
	}
	record, err := h.escalations.Get(c.Request.Context(), recordID)
	if err != nil {
		response.Error(c, err)
		return
	}
	if record.LetterPath == nil || *record.LetterPath != relPath {
		response.Error(c, appErrors.Clone(appErrors.ErrNotFound, "letter not found"))
		return
	}
	file, err := h.store.Open(relPath)
	if err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrNotFound, "letter file missing"))
		return
	}
	defer file.Close()

	c.Header("Content-Type", "application/pdf")
	c.Header("Content-Disposition", `attachment; filename="`+filepath.Base(relPath)+`"`)
	c.Status(http.StatusOK)
	_, _ = io.Copy(c.Writer, file)
}
