package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sourcegraph/conc"

	"github.com/jwalitptl/notification-engine/internal/model"
	"github.com/jwalitptl/notification-engine/internal/repository"
	"github.com/jwalitptl/notification-engine/pkg/logger"
	"github.com/jwalitptl/notification-engine/pkg/metrics"
)

type SchedulerConfig struct {
	PollInterval time.Duration
	BatchSize    int
	LeaseTTL     time.Duration
	MaxInFlight  int
	// Owner identifies this instance in lease columns. Defaults to hostname plus a random suffix.
	Owner string
}

func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		PollInterval: 5 * time.Second,
		BatchSize:    50,
		LeaseTTL:     2 * time.Minute,
		MaxInFlight:  8,
	}
}

// Dispatcher runs one claimed record to a terminal commit.
type Dispatcher interface {
	Dispatch(ctx context.Context, claim *model.Claim) (*model.DispatchResult, error)
}

// Scheduler polls the ledger for due records and hands each claimed record
// to the dispatcher. It holds no state that must survive a restart: due-ness
// and ownership live in the ledger.
type Scheduler struct {
	repo       repository.NotificationRepository
	dispatcher Dispatcher
	config     SchedulerConfig
	logger     *logger.Logger
	metrics    *metrics.Metrics
	now        func() time.Time

	inFlight atomic.Int32
	wg       conc.WaitGroup
}

func NewScheduler(
	repo repository.NotificationRepository,
	dispatcher Dispatcher,
	config SchedulerConfig,
	log *logger.Logger,
	m *metrics.Metrics,
) *Scheduler {
	if log == nil {
		log = logger.Nop()
	}
	if m == nil {
		m = metrics.NewUnregistered()
	}

	d := DefaultSchedulerConfig()
	if config.PollInterval <= 0 {
		config.PollInterval = d.PollInterval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = d.BatchSize
	}
	if config.LeaseTTL <= 0 {
		config.LeaseTTL = d.LeaseTTL
	}
	if config.MaxInFlight <= 0 {
		config.MaxInFlight = d.MaxInFlight
	}
	if config.Owner == "" {
		config.Owner = defaultOwner()
	}

	return &Scheduler{
		repo:       repo,
		dispatcher: dispatcher,
		config:     config,
		logger:     log,
		metrics:    m,
		now:        time.Now,
	}
}

// WithClock replaces time.Now when deciding due-ness.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

func (s *Scheduler) Owner() string {
	return s.config.Owner
}

// Start polls until ctx is cancelled, then waits for in-flight dispatches.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	s.logger.Info("Starting notification scheduler",
		"owner", s.config.Owner,
		"poll_interval", s.config.PollInterval.String(),
		"max_in_flight", s.config.MaxInFlight)

	s.pollLogged(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Shutting down notification scheduler, waiting for in-flight dispatches")
			s.Wait()
			return
		case <-ticker.C:
			s.pollLogged(ctx)
		}
	}
}

func (s *Scheduler) pollLogged(ctx context.Context) {
	if _, err := s.Poll(ctx); err != nil {
		s.logger.Error(err, "Failed to poll due notifications")
	}
}

// Poll claims due records up to the free dispatch capacity and starts a
// dispatch for each. It returns the number claimed without waiting for them.
func (s *Scheduler) Poll(ctx context.Context) (int, error) {
	free := s.config.MaxInFlight - int(s.inFlight.Load())
	if free <= 0 {
		return 0, nil
	}
	limit := min(free, s.config.BatchSize)

	timer := prometheus.NewTimer(s.metrics.SchedulerPollLatency)
	claims, err := s.repo.ClaimDue(ctx, s.now(), s.config.Owner, s.config.LeaseTTL, limit)
	timer.ObserveDuration()
	if err != nil {
		s.metrics.SchedulerErrors.Inc()
		s.metrics.DatabaseOperations.WithLabelValues("claim_due", "error").Inc()
		return 0, fmt.Errorf("failed to claim due notifications: %w", err)
	}
	s.metrics.DatabaseOperations.WithLabelValues("claim_due", "success").Inc()
	s.metrics.SchedulerClaims.Add(float64(len(claims)))

	// in-flight dispatches finish even when the poll loop is stopped
	dispatchCtx := context.WithoutCancel(ctx)
	for _, claim := range claims {
		claim := claim
		s.inFlight.Add(1)
		s.wg.Go(func() {
			defer s.inFlight.Add(-1)
			s.dispatch(dispatchCtx, claim)
		})
	}
	return len(claims), nil
}

func (s *Scheduler) dispatch(ctx context.Context, claim *model.Claim) {
	_, err := s.dispatcher.Dispatch(ctx, claim)
	switch {
	case err == nil:
	case errors.Is(err, repository.ErrLeaseLost):
		s.metrics.SchedulerConflicts.Inc()
		s.logger.Warn("Notification taken over by another instance",
			"notification_id", claim.Record.ID.String())
	default:
		s.logger.Error(err, "Failed to dispatch notification",
			"notification_id", claim.Record.ID.String())
	}
}

// Wait blocks until every dispatch started by Poll has returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func defaultOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "scheduler"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}
