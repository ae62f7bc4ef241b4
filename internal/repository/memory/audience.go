package memory

import (
	"context"
	"sync"

	"github.com/jwalitptl/notification-engine/internal/repository"
)

var _ repository.AudienceRepository = (*AudienceStore)(nil)

// AudienceStore holds users, their device addresses and brand subscriptions.
type AudienceStore struct {
	mu sync.RWMutex

	users   []string            // insertion order
	active  map[string]bool     // userID -> active
	optOut  map[string]bool     // userID -> opted out of broadcasts
	devices map[string][]string // userID -> addresses
	brands  map[string][]string // brandID -> subscribed userIDs

	unavailableErr error
}

func NewAudienceStore() *AudienceStore {
	return &AudienceStore{
		active:  make(map[string]bool),
		optOut:  make(map[string]bool),
		devices: make(map[string][]string),
		brands:  make(map[string][]string),
	}
}

// AddUser registers a user with the given device addresses.
func (s *AudienceStore) AddUser(userID string, active bool, addresses ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.active[userID]; !ok {
		s.users = append(s.users, userID)
	}
	s.active[userID] = active
	s.devices[userID] = append(s.devices[userID], addresses...)
}

// AddBrand registers a brand. Subscribing to an unknown brand creates it.
func (s *AudienceStore) AddBrand(brandID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.brands[brandID]; !ok {
		s.brands[brandID] = []string{}
	}
}

// SetOptIn records whether the user receives all-users broadcasts. Users are
// opted in when added.
func (s *AudienceStore) SetOptIn(userID string, optedIn bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.optOut[userID] = !optedIn
}

func (s *AudienceStore) Subscribe(brandID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.brands[brandID] = append(s.brands[brandID], userID)
}

// SetUnavailable makes every lookup fail with err until reset with nil.
func (s *AudienceStore) SetUnavailable(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.unavailableErr = err
}

func (s *AudienceStore) ListAllActiveAddresses(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.unavailableErr != nil {
		return nil, s.unavailableErr
	}
	var out []string
	for _, userID := range s.users {
		if s.active[userID] && !s.optOut[userID] {
			out = append(out, s.devices[userID]...)
		}
	}
	return out, nil
}

func (s *AudienceStore) ListSubscriberAddresses(_ context.Context, brandID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.unavailableErr != nil {
		return nil, s.unavailableErr
	}
	subscribers, ok := s.brands[brandID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	var out []string
	for _, userID := range subscribers {
		if s.active[userID] {
			out = append(out, s.devices[userID]...)
		}
	}
	return out, nil
}

func (s *AudienceStore) ListUserAddresses(_ context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.unavailableErr != nil {
		return nil, s.unavailableErr
	}
	if _, ok := s.active[userID]; !ok {
		return nil, repository.ErrNotFound
	}
	return append([]string(nil), s.devices[userID]...), nil
}
