package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/jwalitptl/notification-engine/config"
	"github.com/jwalitptl/notification-engine/internal/app"
	"github.com/jwalitptl/notification-engine/internal/handler/health"
	notificationHandler "github.com/jwalitptl/notification-engine/internal/handler/notification"
	"github.com/jwalitptl/notification-engine/internal/handler/prometheus"
	"github.com/jwalitptl/notification-engine/internal/middleware"
	"github.com/jwalitptl/notification-engine/internal/router"
	notificationService "github.com/jwalitptl/notification-engine/internal/service/notification"
	"github.com/jwalitptl/notification-engine/pkg/auth"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig(os.Getenv("NOTIFY_CONFIG_FILE"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize application")
	}
	defer a.Close()
	logger := a.Logger

	// Scheduler runs in-process unless a dedicated worker fleet owns it
	scheduler := a.NewScheduler()
	schedulerDone := make(chan struct{})
	if cfg.Scheduler.Enabled {
		go func() {
			defer close(schedulerDone)
			scheduler.Start(ctx)
		}()
	} else {
		close(schedulerDone)
	}

	svc := notificationService.NewService(
		a.Notifications,
		a.Engine,
		cfg.ToServiceConfig(scheduler.Owner()),
		logger,
		a.Metrics,
	)

	var authMiddleware *middleware.AuthMiddleware
	if cfg.JWT.Secret != "" {
		authMiddleware = middleware.NewAuthMiddleware(auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.TTL))
	} else {
		logger.Warn("JWT secret not set, API is unauthenticated")
	}

	routerCfg := router.RouterConfig{
		MaxRequestBody: cfg.Server.MaxRequestBody,
		Mode:           cfg.Server.Mode,
	}
	if cfg.RateLimit.Enabled {
		routerCfg.RateLimit = rate.Limit(cfg.RateLimit.RPS)
		routerCfg.RateBurst = cfg.RateLimit.Burst
	}

	var metricsH router.MetricsHandler
	if cfg.Metrics.Enabled {
		metricsH = prometheus.New(cfg.Metrics.Namespace, a.Registry)
	}

	r := router.NewRouter(
		authMiddleware,
		notificationHandler.NewHandler(svc, logger),
		health.NewHandler(a.Checks),
		metricsH,
		logger,
		routerCfg,
	)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r.Engine(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("Starting HTTP server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(err, "HTTP server failed")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error(err, "Server forced to shutdown")
	}
	if err := svc.Close(shutdownCtx); err != nil {
		logger.Error(err, "Inline dispatches still running at shutdown, leases will expire")
	}

	select {
	case <-schedulerDone:
	case <-shutdownCtx.Done():
		logger.Warn("Scheduler dispatches still running at shutdown, leases will expire")
	}

	logger.Info("Server exited properly")
}
