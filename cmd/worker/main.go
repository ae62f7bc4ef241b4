package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/jwalitptl/notification-engine/config"
	"github.com/jwalitptl/notification-engine/internal/app"
	"github.com/jwalitptl/notification-engine/internal/handler/health"
	"github.com/jwalitptl/notification-engine/internal/handler/prometheus"
	"github.com/jwalitptl/notification-engine/internal/middleware"
	"github.com/jwalitptl/notification-engine/pkg/logger"
)

// setupOpsServer serves health and metrics for the worker on the metrics port.
func setupOpsServer(a *app.App, logger *logger.Logger) *http.Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(middleware.Recovery(logger))

	health.NewHandler(a.Checks).RegisterRoutes(engine.Group(""))
	if a.Config.Metrics.Enabled {
		engine.GET("/metrics", prometheus.New(a.Config.Metrics.Namespace, a.Registry).Handler())
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", a.Config.Metrics.Port),
		Handler: engine,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(err, "Health check server failed")
			os.Exit(1)
		}
	}()
	return srv
}

func main() {
	// Load config
	cfg, err := config.LoadConfig(os.Getenv("NOTIFY_CONFIG_FILE"))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize worker")
	}
	defer a.Close()

	scheduler := a.NewScheduler()
	logger := a.Logger.WithFields(map[string]interface{}{"worker_id": scheduler.Owner()})

	ops := setupOpsServer(a, logger)

	// Start blocks until ctx is cancelled and in-flight dispatches finish
	scheduler.Start(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := ops.Shutdown(shutdownCtx); err != nil {
		logger.Error(err, "Ops server forced to shutdown")
	}
	logger.Info("Worker exited")
}
