package handlers

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/signflow/signflow/internal/db/models"
	"github.com/signflow/signflow/internal/services"
	"go.uber.org/zap"
)

type SigningHandler struct {
	completion *services.CompletionService
	logger     *zap.Logger
}

func NewSigningHandler(completion *services.CompletionService, logger *zap.Logger) *SigningHandler {
	return &SigningHandler{
		completion: completion,
		logger:     logger.With(zap.String("handler", "signing")),
	}
}

type completeRequest struct {
	Fields map[string]string `json:"fields"`
}

type declineRequest struct {
	Reason string `json:"reason" binding:"max=1000"`
}

type fieldView struct {
	ID       string           `json:"id"`
	Type     models.FieldType `json:"type"`
	Page     int              `json:"page"`
	X        float64          `json:"x"`
	Y        float64          `json:"y"`
	Width    float64          `json:"width"`
	Height   float64          `json:"height"`
	Required bool             `json:"required"`
	Value    string           `json:"value"`
}

type signingViewResponse struct {
	EnvelopeID   string              `json:"envelope_id"`
	EnvelopeName string              `json:"envelope_name"`
	DocumentURL  string              `json:"document_url"`
	SignerName   string              `json:"signer_name"`
	SignerEmail  string              `json:"signer_email"`
	Status       models.SignerStatus `json:"status"`
	SignedAt     *time.Time          `json:"signed_at,omitempty"`
	Fields       []fieldView         `json:"fields"`
}

func requestMeta(c *gin.Context) services.RequestMeta {
	return services.RequestMeta{
		IPAddress: c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	}
}

// bindOptionalJSON accepts an empty body as the zero value.
func bindOptionalJSON(c *gin.Context, v interface{}) error {
	if err := c.ShouldBindJSON(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (h *SigningHandler) View(c *gin.Context) {
	view, err := h.completion.SigningView(c.Request.Context(), c.Param("token"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	fields := make([]fieldView, 0, len(view.Fields))
	for _, f := range view.Fields {
		fields = append(fields, fieldView{
			ID:       f.ID,
			Type:     f.Type,
			Page:     f.Page,
			X:        f.X,
			Y:        f.Y,
			Width:    f.Width,
			Height:   f.Height,
			Required: f.Required,
			Value:    f.Value,
		})
	}
	c.JSON(http.StatusOK, signingViewResponse{
		EnvelopeID:   view.EnvelopeID,
		EnvelopeName: view.EnvelopeName,
		DocumentURL:  view.DocumentURL,
		SignerName:   view.Signer.Name,
		SignerEmail:  view.Signer.Email,
		Status:       view.Signer.Status,
		SignedAt:     view.Signer.SignedAt,
		Fields:       fields,
	})
}

func (h *SigningHandler) Complete(c *gin.Context) {
	var req completeRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	result, err := h.completion.CompleteSigning(c.Request.Context(), c.Param("token"), req.Fields, requestMeta(c))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":                    result.Success,
		"all_completed":              result.AllCompleted,
		"signature_event_commitment": result.Commitment,
		"envelope_id":                result.EnvelopeID,
	})
}

func (h *SigningHandler) Decline(c *gin.Context) {
	var req declineRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	if err := h.completion.Decline(c.Request.Context(), c.Param("token"), req.Reason, requestMeta(c)); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
