package handlers

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/signflow/signflow/internal/services"
	"go.uber.org/zap"
)

type VerifyHandler struct {
	documents     *services.DocumentService
	completion    *services.CompletionService
	maxUploadSize int64
	logger        *zap.Logger
}

func NewVerifyHandler(documents *services.DocumentService, completion *services.CompletionService, maxUploadSize int64, logger *zap.Logger) *VerifyHandler {
	return &VerifyHandler{
		documents:     documents,
		completion:    completion,
		maxUploadSize: maxUploadSize,
		logger:        logger.With(zap.String("handler", "verify")),
	}
}

type verifyResponse struct {
	HasSignature   bool       `json:"has_signature"`
	SignerName     string     `json:"signer_name,omitempty"`
	SignedAt       *time.Time `json:"signed_at,omitempty"`
	Reason         string     `json:"reason,omitempty"`
	ByteRange      []int      `json:"byte_range,omitempty"`
	CoversDocument bool       `json:"covers_document"`
	Intact         bool       `json:"intact"`
	ContentHash    string     `json:"content_hash"`
	EnvelopeID     string     `json:"envelope_id,omitempty"`
}

// Verify inspects an uploaded document. The answer is advisory: it reports
// whether the embedded signature matches the bytes, not whether to trust it.
func (h *VerifyHandler) Verify(c *gin.Context) {
	if h.maxUploadSize > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadSize)
	}
	header, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "multipart field \"file\" is required"})
		return
	}
	file, err := header.Open()
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	v, err := h.documents.VerifyDocument(data)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "document could not be parsed"})
		return
	}

	resp := verifyResponse{
		HasSignature:   v.HasSignature,
		SignerName:     v.SignerName,
		Reason:         v.Reason,
		CoversDocument: v.CoversDocument,
		Intact:         v.Intact,
		ContentHash:    services.ContentHash(data),
	}
	if !v.SignedAt.IsZero() {
		t := v.SignedAt
		resp.SignedAt = &t
	}
	if v.HasSignature {
		resp.ByteRange = v.ByteRange[:]
	}
	if env, err := h.completion.EnvelopeByFinalHash(c.Request.Context(), resp.ContentHash); err == nil {
		resp.EnvelopeID = env.ID
	}
	c.JSON(http.StatusOK, resp)
}
