// Package dispatch turns a claimed notification record into a terminal
// outcome: resolve the audience, fan out sends on a bounded pool, aggregate
// per-recipient results and commit once under the claim's lease.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sourcegraph/conc/pool"
	"golang.org/x/time/rate"

	"github.com/jwalitptl/notification-engine/internal/delivery"
	"github.com/jwalitptl/notification-engine/internal/model"
	"github.com/jwalitptl/notification-engine/internal/repository"
	"github.com/jwalitptl/notification-engine/internal/service/resolver"
	"github.com/jwalitptl/notification-engine/pkg/logger"
	"github.com/jwalitptl/notification-engine/pkg/messaging"
	"github.com/jwalitptl/notification-engine/pkg/metrics"
	"github.com/jwalitptl/notification-engine/pkg/security"
)

// CompletedChannel is the broker channel that receives a CompletedEvent
// after every terminal commit.
const CompletedChannel = "notification.completed"

type CompletedEvent struct {
	ID                   string                   `json:"id"`
	Status               model.NotificationStatus `json:"status"`
	TotalRecipients      int                      `json:"total_recipients"`
	SuccessfulDeliveries int                      `json:"successful_deliveries"`
	FailedDeliveries     int                      `json:"failed_deliveries"`
	ErrorMessage         string                   `json:"error_message,omitempty"`
	CompletedAt          time.Time                `json:"completed_at"`
}

type Config struct {
	Concurrency    int
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	SendTimeout    time.Duration
	DetailCap      int
	// SendRate caps provider calls per second across all records. Zero is unlimited.
	SendRate  float64
	SendBurst int
	// LeaseTTL is the lease length renewed by the heartbeat. Zero disables it.
	LeaseTTL time.Duration
}

func DefaultConfig() Config {
	return Config{
		Concurrency:    16,
		MaxAttempts:    4,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		SendTimeout:    10 * time.Second,
		DetailCap:      500,
		LeaseTTL:       2 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = max(d.MaxBackoff, c.InitialBackoff)
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = d.SendTimeout
	}
	if c.DetailCap <= 0 {
		c.DetailCap = d.DetailCap
	}
	if c.SendBurst <= 0 {
		c.SendBurst = 1
	}
	return c
}

// Resolver expands an audience into recipients.
type Resolver interface {
	Resolve(ctx context.Context, a model.Audience) ([]model.ResolvedRecipient, error)
}

type ResolverFunc func(ctx context.Context, a model.Audience) ([]model.ResolvedRecipient, error)

func (f ResolverFunc) Resolve(ctx context.Context, a model.Audience) ([]model.ResolvedRecipient, error) {
	return f(ctx, a)
}

type Engine struct {
	repo      repository.NotificationRepository
	resolver  Resolver
	client    delivery.Client
	publisher messaging.Publisher
	metrics   *metrics.Metrics
	logger    *logger.Logger
	config    Config
	limiter   *rate.Limiter
	now       func() time.Time
}

type Option func(*Engine)

// WithClock replaces time.Now for commit timestamps and lease renewal.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func NewEngine(
	repo repository.NotificationRepository,
	resolver Resolver,
	client delivery.Client,
	publisher messaging.Publisher,
	config Config,
	log *logger.Logger,
	m *metrics.Metrics,
	opts ...Option,
) *Engine {
	e := &Engine{
		repo:      repo,
		resolver:  resolver,
		client:    client,
		publisher: publisher,
		metrics:   m,
		logger:    log,
		config:    config.withDefaults(),
		now:       time.Now,
	}
	if e.logger == nil {
		e.logger = logger.Nop()
	}
	if e.publisher == nil {
		e.publisher = messaging.NopBroker{}
	}
	if e.metrics == nil {
		e.metrics = metrics.NewUnregistered()
	}
	if e.config.SendRate > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(e.config.SendRate), e.config.SendBurst)
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Dispatch runs the claimed record to completion and commits the result.
// It returns repository.ErrLeaseLost, without writing anything, if another
// claimant took the record over in the meantime.
func (e *Engine) Dispatch(ctx context.Context, claim *model.Claim) (*model.DispatchResult, error) {
	start := time.Now()
	rec := claim.Record
	log := e.logger.WithFields(map[string]interface{}{
		"notification_id": rec.ID.String(),
		"attempt":         rec.DispatchAttempts,
	})

	e.metrics.DispatchesInFlight.Inc()
	defer e.metrics.DispatchesInFlight.Dec()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var lost atomic.Bool
	stopHeartbeat := e.heartbeat(runCtx, claim, func() {
		lost.Store(true)
		cancel()
	}, log)

	result := e.run(runCtx, rec, log)
	stopHeartbeat()

	if lost.Load() {
		e.metrics.LeaseLost.Inc()
		log.Warn("Lease lost during dispatch, abandoning result")
		return nil, repository.ErrLeaseLost
	}

	result.CompletedAt = e.now().UTC()
	if err := e.repo.Commit(ctx, claim, result); err != nil {
		if errors.Is(err, repository.ErrLeaseLost) {
			e.metrics.LeaseLost.Inc()
			log.Warn("Lease lost before commit, result discarded")
			return nil, err
		}
		e.metrics.DatabaseOperations.WithLabelValues("commit", "error").Inc()
		return nil, fmt.Errorf("failed to commit dispatch result: %w", err)
	}
	e.metrics.DatabaseOperations.WithLabelValues("commit", "success").Inc()
	e.metrics.DispatchesCompleted.WithLabelValues(string(result.Status)).Inc()
	e.metrics.DispatchDuration.Observe(time.Since(start).Seconds())

	log.Info("Notification dispatched",
		"status", string(result.Status),
		"total", result.TotalRecipients,
		"successful", result.SuccessfulDeliveries,
		"failed", result.FailedDeliveries)

	e.publishCompleted(ctx, rec, result, log)
	return result, nil
}

func (e *Engine) run(ctx context.Context, rec *model.NotificationRecord, log *logger.Logger) *model.DispatchResult {
	recipients, err := e.resolve(ctx, rec.Audience)
	if err != nil {
		if resolver.KindOf(err) == resolver.AudienceEmpty {
			log.Info("Audience resolved to no recipients")
			return &model.DispatchResult{Status: model.NotificationStatusSent, DeliveryDetails: []model.DeliveryDetail{}}
		}
		log.Error(err, "Failed to resolve audience")
		return &model.DispatchResult{
			Status:          model.NotificationStatusFailed,
			DeliveryDetails: []model.DeliveryDetail{},
			ErrorMessage:    err.Error(),
		}
	}

	msg := delivery.Message{Title: rec.Title, Body: rec.Body, Data: rec.AdditionalData}
	agg := newAggregate(e.config.DetailCap)

	p := pool.New().WithMaxGoroutines(e.config.Concurrency)
	for _, rcpt := range recipients {
		rcpt := rcpt
		p.Go(func() {
			agg.add(e.deliver(ctx, rcpt, msg, log))
		})
	}
	p.Wait()

	return agg.result(len(recipients))
}

// resolve retries only CollaboratorUnavailable; every other resolver error is final.
func (e *Engine) resolve(ctx context.Context, a model.Audience) ([]model.ResolvedRecipient, error) {
	var recipients []model.ResolvedRecipient
	op := func() error {
		r, err := e.resolver.Resolve(ctx, a)
		if err != nil {
			if resolver.KindOf(err) == resolver.CollaboratorUnavailable {
				return err
			}
			return backoff.Permanent(err)
		}
		recipients = r
		return nil
	}
	if err := backoff.Retry(op, e.newBackOff(ctx)); err != nil {
		return nil, err
	}
	return recipients, nil
}

func (e *Engine) deliver(ctx context.Context, rcpt model.ResolvedRecipient, msg delivery.Message, log *logger.Logger) model.DeliveryDetail {
	detail := model.DeliveryDetail{Address: rcpt.Address, Channel: rcpt.Channel}

	op := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(delivery.Transient("dispatch cancelled", err))
		}
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return backoff.Permanent(delivery.Transient("rate limit wait aborted", err))
			}
		}

		detail.Attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, e.config.SendTimeout)
		defer cancel()

		sent := time.Now()
		err := e.client.Send(attemptCtx, rcpt, msg)
		e.metrics.DeliveryLatency.Observe(time.Since(sent).Seconds())

		switch {
		case err == nil:
			return nil
		case delivery.IsPermanent(err):
			return backoff.Permanent(err)
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			return delivery.Transient("send timed out", err)
		default:
			return err
		}
	}
	notify := func(err error, wait time.Duration) {
		e.metrics.DeliveryRetries.Inc()
		log.Debug("Retrying delivery",
			"address", security.Fingerprint(rcpt.Address),
			"reason", delivery.Reason(err),
			"wait", wait.String())
	}

	err := backoff.RetryNotify(op, e.newBackOff(ctx), notify)
	if err == nil {
		detail.Outcome = model.DeliveryOutcomeSuccess
		e.metrics.Deliveries.WithLabelValues(string(model.DeliveryOutcomeSuccess)).Inc()
		return detail
	}

	detail.Outcome = model.DeliveryOutcomeFailed
	detail.Error = delivery.Reason(err)
	e.metrics.Deliveries.WithLabelValues(string(model.DeliveryOutcomeFailed)).Inc()
	return detail
}

func (e *Engine) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.config.InitialBackoff
	b.MaxInterval = e.config.MaxBackoff
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(e.config.MaxAttempts-1)), ctx)
}

// heartbeat extends the lease every LeaseTTL/3 until the returned stop
// function is called. onLost runs at most once.
func (e *Engine) heartbeat(ctx context.Context, claim *model.Claim, onLost func(), log *logger.Logger) (stop func()) {
	if e.config.LeaseTTL <= 0 {
		return func() {}
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(e.config.LeaseTTL / 3)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := e.repo.ExtendLease(ctx, claim, e.now().Add(e.config.LeaseTTL))
				switch {
				case err == nil:
				case errors.Is(err, repository.ErrLeaseLost), errors.Is(err, repository.ErrNotFound):
					onLost()
					return
				default:
					log.Error(err, "Failed to extend lease")
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			wg.Wait()
		})
	}
}

func (e *Engine) publishCompleted(ctx context.Context, rec *model.NotificationRecord, res *model.DispatchResult, log *logger.Logger) {
	evt := CompletedEvent{
		ID:                   rec.ID.String(),
		Status:               res.Status,
		TotalRecipients:      res.TotalRecipients,
		SuccessfulDeliveries: res.SuccessfulDeliveries,
		FailedDeliveries:     res.FailedDeliveries,
		ErrorMessage:         res.ErrorMessage,
		CompletedAt:          res.CompletedAt,
	}
	if err := e.publisher.Publish(ctx, CompletedChannel, evt); err != nil {
		log.Error(err, "Failed to publish completion event")
	}
}
