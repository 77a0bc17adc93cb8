package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/signflow/signflow/internal/services"
	"go.uber.org/zap"
)

// respondError maps service errors to HTTP responses. Anything unexpected is
// logged and reported as a 500 without detail.
func respondError(c *gin.Context, logger *zap.Logger, err error) {
	var verr *services.ValidationError
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":              "required fields are not filled",
			"unfilled_field_ids": verr.UnfilledFieldIDs,
		})
	case errors.Is(err, services.ErrSignerNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "signing link is invalid or has expired"})
	case errors.Is(err, services.ErrEnvelopeNotFound), errors.Is(err, services.ErrArtifactNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, services.ErrAlreadySigned):
		c.JSON(http.StatusConflict, gin.H{"error": "this document has already been signed"})
	case errors.Is(err, services.ErrSignerDeclined):
		c.JSON(http.StatusConflict, gin.H{"error": "signing was declined"})
	case errors.Is(err, services.ErrEnvelopeNotDraft):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, services.ErrInvalidEnvelope):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		_ = c.Error(err)
		logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	}
}
