package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/signflow/signflow/internal/api"
	"github.com/signflow/signflow/internal/config"
	"github.com/signflow/signflow/internal/db"
	"github.com/signflow/signflow/internal/mailer"
	"github.com/signflow/signflow/internal/services"
	"github.com/signflow/signflow/internal/utils"
	"github.com/signflow/signflow/pkg/logger"
	"github.com/signflow/signflow/pkg/metrics"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "path to a JSON configuration file")
	hashKey := flag.String("hash-admin-key", "", "print the bcrypt hash of an admin key and exit")
	flag.Parse()

	if *hashKey != "" {
		hashed, err := utils.HashSecret(*hashKey)
		if err != nil {
			log.Fatalf("Failed to hash admin key: %v", err)
		}
		fmt.Println(hashed)
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	zapLogger, err := logger.NewLogger(cfg.Logging.Environment, cfg.Logging.Level)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer zapLogger.Sync()
	zap.ReplaceGlobals(zapLogger)

	config.LogConfig(zapLogger)

	database, err := db.Initialize(cfg, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to initialize database", zap.Error(err))
	}

	metricsCollector := metrics.NewMetricsCollector()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var notifier services.Notifier
	if cfg.Notification.SMTPHost != "" {
		notifier = mailer.NewSMTPNotifier(cfg.Notification, zapLogger)
	} else {
		zapLogger.Warn("No SMTP host configured, completion notices will only be logged")
		notifier = mailer.NewLogNotifier(zapLogger)
	}

	artifactService := services.NewArtifactService(database, cfg.Storage.PublicBaseURL, zapLogger, metricsCollector)
	certificateService := services.NewCertificateService(database, cfg.Signing, zapLogger, metricsCollector)
	documentService := services.NewDocumentService(certificateService, cfg.Signing, zapLogger, metricsCollector)
	notificationService := services.NewNotificationService(database, notifier, cfg.Notification, zapLogger, metricsCollector)
	completionService := services.NewCompletionService(database, artifactService, documentService, notificationService, cfg.Signing, zapLogger, metricsCollector)

	if _, err := certificateService.Materialize(ctx); err != nil {
		zapLogger.Warn("Signing credential not ready, documents will be stamped until it is", zap.Error(err))
	}

	router := api.NewRouter(cfg, zapLogger, metricsCollector, completionService, documentService, artifactService)
	router.SetupRoutes()
	router.AuthMiddleware().StartCleanup(ctx, 5*time.Minute)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router.GetEngine(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	go func() {
		zapLogger.Info("Starting HTTP server", zap.String("address", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zapLogger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	go runSweeper(ctx, completionService, cfg.Server.ExpirySweep, zapLogger)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zapLogger.Info("Shutting down server...")
	cancel()

	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := server.Shutdown(ctxShutdown); err != nil {
		zapLogger.Error("Server shutdown failed", zap.Error(err))
	}
	completionService.Wait()

	if sqlDB, err := database.DB(); err == nil {
		sqlDB.Close()
	}
	zapLogger.Info("Server gracefully stopped")
}

func loadConfig(path string) (*config.Configuration, error) {
	if path == "" {
		return config.InitializeDefaultConfig(), nil
	}
	return config.LoadConfig(path)
}

// runSweeper expires overdue envelopes and resumes stalled completions until
// ctx is done.
func runSweeper(ctx context.Context, completion *services.CompletionService, every time.Duration, logger *zap.Logger) {
	if every <= 0 {
		every = time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if _, err := completion.ExpireOverdue(ctx, now); err != nil {
				logger.Error("Expiry sweep failed", zap.Error(err))
			}
			if n, err := completion.RecoverStalled(ctx); err != nil {
				logger.Error("Stalled completion sweep failed", zap.Error(err))
			} else if n > 0 {
				logger.Info("Resumed stalled completions", zap.Int("count", n))
			}
		}
	}
}
