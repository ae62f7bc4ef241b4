package notification

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"github.com/jwalitptl/notification-engine/internal/model"
	"github.com/jwalitptl/notification-engine/internal/repository"
	apperrors "github.com/jwalitptl/notification-engine/pkg/errors"
	"github.com/jwalitptl/notification-engine/pkg/logger"
	"github.com/jwalitptl/notification-engine/pkg/metrics"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Service is the submission facade used by the HTTP layer.
type Service interface {
	Submit(ctx context.Context, req *model.NotificationRequest) (uuid.UUID, error)
	GetStatus(ctx context.Context, id uuid.UUID) (*model.NotificationRecord, error)
	List(ctx context.Context, filter model.NotificationFilter) ([]*model.NotificationRecord, error)
	// Close stops accepting immediate dispatches and waits for running ones.
	Close(ctx context.Context) error
}

// Dispatcher runs a claimed record to completion.
type Dispatcher interface {
	Dispatch(ctx context.Context, claim *model.Claim) (*model.DispatchResult, error)
}

type Config struct {
	// Owner is written as the lease owner of records dispatched inline.
	Owner    string
	LeaseTTL time.Duration
	// CacheTTL bounds how long terminal snapshots are served from memory.
	CacheTTL       time.Duration
	CacheCleanup   time.Duration
	DispatchInline bool
}

type service struct {
	repo       repository.NotificationRepository
	dispatcher Dispatcher
	cache      *gocache.Cache
	config     Config
	logger     *logger.Logger
	metrics    *metrics.Metrics
	now        func() time.Time

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

type Option func(*service)

func WithClock(now func() time.Time) Option {
	return func(s *service) { s.now = now }
}

// NewService builds the facade. With DispatchInline set and a non-nil
// dispatcher, immediate requests start dispatching before Submit returns;
// otherwise the scheduler picks them up on its next poll.
func NewService(
	repo repository.NotificationRepository,
	dispatcher Dispatcher,
	config Config,
	log *logger.Logger,
	m *metrics.Metrics,
	opts ...Option,
) Service {
	if log == nil {
		log = logger.Nop()
	}
	if m == nil {
		m = metrics.NewUnregistered()
	}
	if config.LeaseTTL <= 0 {
		config.LeaseTTL = 2 * time.Minute
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = 5 * time.Minute
	}
	if config.CacheCleanup <= 0 {
		config.CacheCleanup = 10 * time.Minute
	}
	if config.Owner == "" {
		config.Owner = "api"
	}

	s := &service{
		repo:       repo,
		dispatcher: dispatcher,
		cache:      gocache.New(config.CacheTTL, config.CacheCleanup),
		config:     config,
		logger:     log,
		metrics:    m,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *service) Submit(ctx context.Context, req *model.NotificationRequest) (uuid.UUID, error) {
	now := s.now().UTC()
	if err := model.ValidateRequest(req, now); err != nil {
		s.metrics.Submissions.WithLabelValues("invalid").Inc()
		return uuid.Nil, apperrors.NewValidation(err)
	}

	rec := model.NewRecord(req, now)

	var lease *repository.Lease
	inline := s.config.DispatchInline && s.dispatcher != nil && !req.IsScheduled
	if inline {
		lease = &repository.Lease{Owner: s.config.Owner, ExpiresAt: now.Add(s.config.LeaseTTL)}
	}

	claim, err := s.repo.Create(ctx, rec, lease)
	if err != nil {
		s.metrics.Submissions.WithLabelValues("error").Inc()
		return uuid.Nil, apperrors.NewInternal(fmt.Errorf("failed to create notification: %w", err))
	}
	s.metrics.Submissions.WithLabelValues("accepted").Inc()

	s.logger.Info("Notification accepted",
		"notification_id", rec.ID.String(),
		"audience_kind", string(rec.Audience.Kind()),
		"scheduled", rec.IsScheduled,
		"issued_by", rec.IssuedBy)

	if claim != nil && s.track() {
		go func() {
			defer s.wg.Done()
			// detached from the request; the lease bounds how long it may run
			if _, err := s.dispatcher.Dispatch(context.WithoutCancel(ctx), claim); err != nil {
				s.logger.Error(err, "Inline dispatch failed, scheduler will retry after lease expiry",
					"notification_id", rec.ID.String())
			}
		}()
	}

	return rec.ID, nil
}

// GetStatus returns a snapshot of the record. Terminal snapshots never
// change, so they are cached.
func (s *service) GetStatus(ctx context.Context, id uuid.UUID) (*model.NotificationRecord, error) {
	key := id.String()
	if cached, ok := s.cache.Get(key); ok {
		return cached.(*model.NotificationRecord).Clone(), nil
	}

	rec, err := s.repo.Get(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperrors.NewNotFound("notification", err)
		}
		return nil, apperrors.NewInternal(fmt.Errorf("failed to get notification: %w", err))
	}

	if rec.Status.Terminal() {
		s.cache.SetDefault(key, rec.Clone())
	}
	return rec, nil
}

func (s *service) List(ctx context.Context, filter model.NotificationFilter) ([]*model.NotificationRecord, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, apperrors.NewBadRequest(fmt.Sprintf("unknown status %q", filter.Status), nil)
	}
	if filter.Limit <= 0 {
		filter.Limit = defaultListLimit
	}
	if filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}

	records, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, apperrors.NewInternal(fmt.Errorf("failed to list notifications: %w", err))
	}
	return records, nil
}

// track registers an inline dispatch unless Close has begun. A record left
// unclaimed here keeps its lease and is picked up by the scheduler on expiry.
func (s *service) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *service) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for inline dispatches: %w", ctx.Err())
	}
}
