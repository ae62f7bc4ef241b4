// Package memory provides in-process implementations of the repository
// interfaces. Safe for concurrent access. Intended for single-instance
// deployments, development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/notification-engine/internal/model"
	"github.com/jwalitptl/notification-engine/internal/repository"
)

var _ repository.NotificationRepository = (*NotificationStore)(nil)

type entry struct {
	rec        *model.NotificationRecord
	leaseToken uuid.UUID
	leaseOwner string
	leaseUntil time.Time
}

func (e *entry) leased(now time.Time) bool {
	return e.leaseToken != uuid.Nil && e.leaseUntil.After(now)
}

// NotificationStore keeps the ledger in a map guarded by a single mutex.
type NotificationStore struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*entry
}

func NewNotificationStore() *NotificationStore {
	return &NotificationStore{entries: make(map[uuid.UUID]*entry)}
}

func (s *NotificationStore) Create(_ context.Context, rec *model.NotificationRecord, lease *repository.Lease) (*model.Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[rec.ID]; exists {
		return nil, repository.ErrAlreadyExists
	}

	e := &entry{rec: rec.Clone()}
	e.rec.DispatchAttempts = 0
	if lease == nil {
		s.entries[rec.ID] = e
		return nil, nil
	}

	e.leaseToken = uuid.New()
	e.leaseOwner = lease.Owner
	e.leaseUntil = lease.ExpiresAt
	e.rec.DispatchAttempts = 1
	s.entries[rec.ID] = e
	return s.claimOf(e), nil
}

func (s *NotificationStore) Get(_ context.Context, id uuid.UUID) (*model.NotificationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return e.rec.Clone(), nil
}

// List returns records newest first.
func (s *NotificationStore) List(_ context.Context, filter model.NotificationFilter) ([]*model.NotificationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]*model.NotificationRecord, 0, len(s.entries))
	for _, e := range s.entries {
		if filter.Status != "" && e.rec.Status != filter.Status {
			continue
		}
		result = append(result, e.rec.Clone())
	}
	sort.Slice(result, func(i, k int) bool {
		return result[i].CreatedAt.After(result[k].CreatedAt)
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (s *NotificationStore) ClaimDue(_ context.Context, now time.Time, owner string, ttl time.Duration, limit int) ([]*model.Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	candidates := make([]*entry, 0)
	for _, e := range s.entries {
		if e.rec.Status != model.NotificationStatusPending {
			continue
		}
		if e.rec.DueAt().After(now) || e.leased(now) {
			continue
		}
		candidates = append(candidates, e)
	}
	sort.Slice(candidates, func(i, k int) bool {
		return candidates[i].rec.DueAt().Before(candidates[k].rec.DueAt())
	})
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	claims := make([]*model.Claim, 0, len(candidates))
	for _, e := range candidates {
		e.leaseToken = uuid.New()
		e.leaseOwner = owner
		e.leaseUntil = now.Add(ttl)
		e.rec.DispatchAttempts++
		claims = append(claims, s.claimOf(e))
	}
	return claims, nil
}

func (s *NotificationStore) ExtendLease(_ context.Context, claim *model.Claim, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.owned(claim)
	if err != nil {
		return err
	}
	e.leaseUntil = until
	claim.ExpiresAt = until
	return nil
}

func (s *NotificationStore) Commit(_ context.Context, claim *model.Claim, result *model.DispatchResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.owned(claim)
	if err != nil {
		return err
	}
	if !model.CanTransition(e.rec.Status, result.Status) {
		return fmt.Errorf("%w: %s -> %s", repository.ErrInvalidTransition, e.rec.Status, result.Status)
	}
	result.Apply(e.rec)
	e.leaseToken = uuid.Nil
	e.leaseOwner = ""
	e.leaseUntil = time.Time{}
	return nil
}

// owned returns the entry iff claim's token still holds it. An expired lease
// that nobody has re-claimed yet still counts as held; the token only stops
// working once another claim replaces it.
func (s *NotificationStore) owned(claim *model.Claim) (*entry, error) {
	e, ok := s.entries[claim.Record.ID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if e.leaseToken != claim.Token || e.rec.Status != model.NotificationStatusPending {
		return nil, repository.ErrLeaseLost
	}
	return e, nil
}

func (s *NotificationStore) claimOf(e *entry) *model.Claim {
	return &model.Claim{
		Record:    e.rec.Clone(),
		Token:     e.leaseToken,
		Owner:     e.leaseOwner,
		ExpiresAt: e.leaseUntil,
	}
}
