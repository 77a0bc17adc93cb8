package handlers

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/signflow/signflow/internal/services"
	"go.uber.org/zap"
)

type ArtifactHandler struct {
	artifacts services.ArtifactStore
	logger    *zap.Logger
}

func NewArtifactHandler(artifacts services.ArtifactStore, logger *zap.Logger) *ArtifactHandler {
	return &ArtifactHandler{
		artifacts: artifacts,
		logger:    logger.With(zap.String("handler", "artifact")),
	}
}

func (h *ArtifactHandler) Download(c *gin.Context) {
	artifact, err := h.artifacts.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	etag := `"` + artifact.ContentHash + `"`
	if c.GetHeader("If-None-Match") == etag {
		c.Status(http.StatusNotModified)
		return
	}
	c.Header("ETag", etag)
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", artifact.Name))
	c.Data(http.StatusOK, artifact.ContentType, artifact.Content)
}
