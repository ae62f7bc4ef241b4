package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/notification-engine/internal/model"
	"github.com/jwalitptl/notification-engine/internal/repository"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newRecord(t *testing.T, scheduledFor *time.Time) *model.NotificationRecord {
	t.Helper()
	return model.NewRecord(&model.NotificationRequest{
		Title:        "Price drop",
		Body:         "Your saved listing is cheaper",
		Audience:     model.AllUsers{},
		ScheduledFor: scheduledFor,
		IsScheduled:  scheduledFor != nil,
	}, t0)
}

func sentResult(at time.Time) *model.DispatchResult {
	return &model.DispatchResult{
		Status:               model.NotificationStatusSent,
		TotalRecipients:      1,
		SuccessfulDeliveries: 1,
		DeliveryDetails: []model.DeliveryDetail{
			{Address: "tok-a", Channel: model.ChannelToken, Outcome: model.DeliveryOutcomeSuccess, Attempts: 1},
		},
		CompletedAt: at,
	}
}

func TestCreateAndGet(t *testing.T) {
	s := NewNotificationStore()
	rec := newRecord(t, nil)

	claim, err := s.Create(context.Background(), rec, nil)
	require.NoError(t, err)
	assert.Nil(t, claim)

	got, err := s.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.NotificationStatusPending, got.Status)
	assert.Equal(t, "Price drop", got.Title)

	_, err = s.Create(context.Background(), rec, nil)
	assert.ErrorIs(t, err, repository.ErrAlreadyExists)

	_, err = s.Get(context.Background(), model.NewRecord(&model.NotificationRequest{Audience: model.AllUsers{}}, t0).ID)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestGetReturnsSnapshot(t *testing.T) {
	s := NewNotificationStore()
	rec := newRecord(t, nil)
	_, err := s.Create(context.Background(), rec, nil)
	require.NoError(t, err)

	got, err := s.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	got.Title = "mutated"

	again, err := s.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "Price drop", again.Title)
}

func TestClaimDueSkipsFutureRecords(t *testing.T) {
	s := NewNotificationStore()
	later := t0.Add(5 * time.Minute)
	rec := newRecord(t, &later)
	_, err := s.Create(context.Background(), rec, nil)
	require.NoError(t, err)

	claims, err := s.ClaimDue(context.Background(), t0.Add(time.Minute), "w1", time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, claims)

	claims, err = s.ClaimDue(context.Background(), later, "w1", time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, claims, 1)
	assert.Equal(t, rec.ID, claims[0].Record.ID)
	assert.Equal(t, 1, claims[0].Record.DispatchAttempts)
}

func TestClaimDueIsExclusiveUntilLeaseExpires(t *testing.T) {
	s := NewNotificationStore()
	rec := newRecord(t, nil)
	_, err := s.Create(context.Background(), rec, nil)
	require.NoError(t, err)

	first, err := s.ClaimDue(context.Background(), t0, "w1", time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := s.ClaimDue(context.Background(), t0.Add(30*time.Second), "w2", time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, second)

	// w1 crashed; after expiry w2 takes over and w1's token is dead.
	reclaimed, err := s.ClaimDue(context.Background(), t0.Add(2*time.Minute), "w2", time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, 2, reclaimed[0].Record.DispatchAttempts)

	err = s.Commit(context.Background(), first[0], sentResult(t0))
	assert.ErrorIs(t, err, repository.ErrLeaseLost)

	require.NoError(t, s.Commit(context.Background(), reclaimed[0], sentResult(t0.Add(3*time.Minute))))

	got, err := s.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.NotificationStatusSent, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, t0.Add(3*time.Minute), *got.CompletedAt)
}

func TestConcurrentClaimsHaveOneWinner(t *testing.T) {
	s := NewNotificationStore()
	_, err := s.Create(context.Background(), newRecord(t, nil), nil)
	require.NoError(t, err)

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		won int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claims, err := s.ClaimDue(context.Background(), t0, "w", time.Minute, 10)
			assert.NoError(t, err)
			mu.Lock()
			won += len(claims)
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, won)
}

func TestCreateWithLeaseIsNotClaimable(t *testing.T) {
	s := NewNotificationStore()
	rec := newRecord(t, nil)

	claim, err := s.Create(context.Background(), rec, &repository.Lease{Owner: "api", ExpiresAt: t0.Add(time.Minute)})
	require.NoError(t, err)
	require.NotNil(t, claim)
	assert.Equal(t, "api", claim.Owner)

	claims, err := s.ClaimDue(context.Background(), t0.Add(time.Second), "w1", time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, claims)

	require.NoError(t, s.ExtendLease(context.Background(), claim, t0.Add(5*time.Minute)))
	claims, err = s.ClaimDue(context.Background(), t0.Add(2*time.Minute), "w1", time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, claims)

	require.NoError(t, s.Commit(context.Background(), claim, sentResult(t0)))
}

func TestCommitIsOnce(t *testing.T) {
	s := NewNotificationStore()
	claim, err := s.Create(context.Background(), newRecord(t, nil), &repository.Lease{Owner: "api", ExpiresAt: t0.Add(time.Minute)})
	require.NoError(t, err)

	require.NoError(t, s.Commit(context.Background(), claim, sentResult(t0)))
	assert.ErrorIs(t, s.Commit(context.Background(), claim, sentResult(t0)), repository.ErrLeaseLost)
	assert.ErrorIs(t, s.ExtendLease(context.Background(), claim, t0.Add(time.Hour)), repository.ErrLeaseLost)

	claims, err := s.ClaimDue(context.Background(), t0.Add(time.Hour), "w1", time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, claims)
}

func TestListFiltersByStatus(t *testing.T) {
	s := NewNotificationStore()
	claim, err := s.Create(context.Background(), newRecord(t, nil), &repository.Lease{Owner: "api", ExpiresAt: t0.Add(time.Minute)})
	require.NoError(t, err)
	require.NoError(t, s.Commit(context.Background(), claim, sentResult(t0)))
	_, err = s.Create(context.Background(), newRecord(t, nil), nil)
	require.NoError(t, err)

	all, err := s.List(context.Background(), model.NotificationFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	sent, err := s.List(context.Background(), model.NotificationFilter{Status: model.NotificationStatusSent})
	require.NoError(t, err)
	require.Len(t, sent, 1)
	assert.Equal(t, claim.Record.ID, sent[0].ID)

	limited, err := s.List(context.Background(), model.NotificationFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestAudienceStore(t *testing.T) {
	s := NewAudienceStore()
	s.AddUser("u1", true, "tok-1", "tok-2")
	s.AddUser("u2", false, "tok-3")
	s.AddUser("u3", true)
	s.AddBrand("b-empty")
	s.Subscribe("b1", "u1")
	s.Subscribe("b1", "u2")

	all, err := s.ListAllActiveAddresses(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"tok-1", "tok-2"}, all)

	subs, err := s.ListSubscriberAddresses(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, []string{"tok-1", "tok-2"}, subs)

	empty, err := s.ListSubscriberAddresses(context.Background(), "b-empty")
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = s.ListSubscriberAddresses(context.Background(), "nope")
	assert.ErrorIs(t, err, repository.ErrNotFound)

	none, err := s.ListUserAddresses(context.Background(), "u3")
	require.NoError(t, err)
	assert.Empty(t, none)

	_, err = s.ListUserAddresses(context.Background(), "ghost")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}
