package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/signflow/signflow/internal/api/handlers"
	"github.com/signflow/signflow/internal/api/middleware"
	"github.com/signflow/signflow/internal/config"
	"github.com/signflow/signflow/internal/services"
	"github.com/signflow/signflow/pkg/metrics"
	"go.uber.org/zap"
)

type Router struct {
	engine          *gin.Engine
	logger          *zap.Logger
	metrics         *metrics.MetricsCollector
	signingHandler  *handlers.SigningHandler
	envelopeHandler *handlers.EnvelopeHandler
	artifactHandler *handlers.ArtifactHandler
	verifyHandler   *handlers.VerifyHandler
	authMiddleware  *middleware.AuthMiddleware
	reqMiddleware   *middleware.RequestMiddleware
	logMiddleware   *middleware.LoggingMiddleware
}

func NewRouter(
	cfg *config.Configuration,
	logger *zap.Logger,
	metrics *metrics.MetricsCollector,
	completion *services.CompletionService,
	documents *services.DocumentService,
	artifacts services.ArtifactStore,
) *Router {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.MaxMultipartMemory = cfg.Server.MaxUploadSize

	return &Router{
		engine:          engine,
		logger:          logger,
		metrics:         metrics,
		signingHandler:  handlers.NewSigningHandler(completion, logger),
		envelopeHandler: handlers.NewEnvelopeHandler(completion, cfg.Storage.PublicBaseURL, logger),
		artifactHandler: handlers.NewArtifactHandler(artifacts, logger),
		verifyHandler:   handlers.NewVerifyHandler(documents, completion, cfg.Server.MaxUploadSize, logger),
		authMiddleware:  middleware.NewAuthMiddleware(cfg.Security.AdminKeyHash, logger),
		reqMiddleware:   middleware.NewRequestMiddleware(logger),
		logMiddleware:   middleware.NewLoggingMiddleware(logger, metrics),
	}
}

func (r *Router) SetupRoutes() {
	r.engine.Use(r.reqMiddleware.ProcessRequest())
	r.engine.Use(r.logMiddleware.LogRequest())
	r.engine.Use(r.reqMiddleware.RecoverPanic())

	r.engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "up", "name": "signflow"})
	})

	r.engine.GET("/metrics", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"counters":  r.metrics.GetCounters(),
			"latencies": r.metrics.GetLatencies(),
			"sizes":     r.metrics.GetSizes(),
		})
	})

	r.engine.GET("/sign/:token", r.signingHandler.View)
	r.engine.POST("/sign/:token", r.signingHandler.Complete)
	r.engine.POST("/sign/:token/decline", r.signingHandler.Decline)
	r.engine.GET("/artifacts/:id", r.artifactHandler.Download)
	r.engine.POST("/verify", r.verifyHandler.Verify)

	admin := r.engine.Group("/envelopes")
	admin.Use(r.authMiddleware.RequireAdmin())
	{
		admin.POST("", r.envelopeHandler.Create)
		admin.GET("/:id", r.envelopeHandler.Get)
		admin.POST("/:id/distribute", r.envelopeHandler.Distribute)
	}
}

func (r *Router) GetEngine() *gin.Engine {
	return r.engine
}

func (r *Router) AuthMiddleware() *middleware.AuthMiddleware {
	return r.authMiddleware
}
