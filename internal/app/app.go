// Package app assembles the components shared by the api and worker binaries.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/jwalitptl/notification-engine/config"
	"github.com/jwalitptl/notification-engine/internal/delivery"
	"github.com/jwalitptl/notification-engine/internal/delivery/logsender"
	"github.com/jwalitptl/notification-engine/internal/delivery/push"
	"github.com/jwalitptl/notification-engine/internal/handler/health"
	"github.com/jwalitptl/notification-engine/internal/repository"
	"github.com/jwalitptl/notification-engine/internal/repository/memory"
	"github.com/jwalitptl/notification-engine/internal/repository/sqlstore"
	"github.com/jwalitptl/notification-engine/internal/service/dispatch"
	"github.com/jwalitptl/notification-engine/internal/service/resolver"
	"github.com/jwalitptl/notification-engine/internal/worker"
	"github.com/jwalitptl/notification-engine/pkg/logger"
	"github.com/jwalitptl/notification-engine/pkg/messaging"
	"github.com/jwalitptl/notification-engine/pkg/messaging/redis"
	"github.com/jwalitptl/notification-engine/pkg/metrics"
)

type App struct {
	Config        *config.Config
	Logger        *logger.Logger
	Registry      *prometheus.Registry
	Metrics       *metrics.Metrics
	Notifications repository.NotificationRepository
	Audience      repository.AudienceRepository
	Broker        messaging.Broker
	Engine        *dispatch.Engine
	// Checks are the dependencies probed by /health/ready.
	Checks map[string]health.Pinger

	db *sqlstore.DB
}

// New opens storage and the broker and builds the dispatch engine.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	log := logger.NewLogger(cfg.Log.ToLoggerConfig())

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a := &App{
		Config:   cfg,
		Logger:   log,
		Registry: reg,
		Metrics:  metrics.New(cfg.Metrics.Namespace, reg),
		Checks:   map[string]health.Pinger{},
	}

	if err := a.openStores(ctx); err != nil {
		return nil, err
	}

	a.Broker = messaging.NopBroker{}
	if cfg.Redis.URL != "" {
		broker, err := redis.NewRedisBroker(cfg.Redis.ToBrokerConfig(), &log.ZL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to create Redis broker: %w", err)
		}
		a.Broker = broker
		if p, ok := broker.(health.Pinger); ok {
			a.Checks["redis"] = p
		}
	}

	a.Engine = dispatch.NewEngine(
		a.Notifications,
		resolver.NewResolver(a.Audience),
		a.deliveryClient(),
		a.Broker,
		cfg.ToEngineConfig(),
		log,
		a.Metrics,
	)
	return a, nil
}

func (a *App) openStores(ctx context.Context) error {
	cfg := a.Config.Database
	if cfg.Driver == "memory" {
		a.Logger.Warn("Using in-memory storage, records are lost on restart")
		a.Notifications = memory.NewNotificationStore()
		a.Audience = memory.NewAudienceStore()
		return nil
	}

	db, err := sqlstore.Open(ctx, cfg.ToStoreConfig())
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	if cfg.AutoMigrate {
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			return fmt.Errorf("failed to migrate database: %w", err)
		}
	}

	a.db = db
	a.Notifications = sqlstore.NewNotificationStore(db)
	a.Audience = sqlstore.NewAudienceStore(db)
	a.Checks["database"] = db
	return nil
}

func (a *App) deliveryClient() delivery.Client {
	if a.Config.Push.BaseURL == "" {
		a.Logger.Warn("No push provider configured, deliveries are only logged")
		return logsender.New(a.Logger)
	}
	return push.NewClient(a.Config.Push.ToPushConfig())
}

func (a *App) NewScheduler() *worker.Scheduler {
	return worker.NewScheduler(a.Notifications, a.Engine, a.Config.Scheduler.ToSchedulerConfig(), a.Logger, a.Metrics)
}

func (a *App) Close() error {
	var errs []error
	if a.Broker != nil {
		errs = append(errs, a.Broker.Close())
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	return errors.Join(errs...)
}
