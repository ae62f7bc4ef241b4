package worker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/notification-engine/internal/delivery"
	"github.com/jwalitptl/notification-engine/internal/model"
	"github.com/jwalitptl/notification-engine/internal/repository"
	"github.com/jwalitptl/notification-engine/internal/repository/memory"
	"github.com/jwalitptl/notification-engine/internal/service/dispatch"
	"github.com/jwalitptl/notification-engine/internal/service/resolver"
	"github.com/jwalitptl/notification-engine/pkg/logger"
	"github.com/jwalitptl/notification-engine/pkg/metrics"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type countingClient struct {
	mu    sync.Mutex
	sends map[string]int
}

func (c *countingClient) Send(_ context.Context, r model.ResolvedRecipient, _ delivery.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sends[r.Address]++
	return nil
}

func (c *countingClient) count(addr string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sends[addr]
}

func (c *countingClient) total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, v := range c.sends {
		n += v
	}
	return n
}

type harness struct {
	store    *memory.NotificationStore
	audience *memory.AudienceStore
	client   *countingClient
	clock    *fakeClock
}

func newHarness() *harness {
	return &harness{
		store:    memory.NewNotificationStore(),
		audience: memory.NewAudienceStore(),
		client:   &countingClient{sends: map[string]int{}},
		clock:    &fakeClock{now: t0},
	}
}

func (h *harness) scheduler(owner string) (*Scheduler, *metrics.Metrics) {
	m := metrics.New("test", prometheus.NewRegistry())
	engine := dispatch.NewEngine(h.store, resolver.NewResolver(h.audience), h.client, nil,
		dispatch.Config{InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, LeaseTTL: -1},
		logger.Nop(), m)
	s := NewScheduler(h.store, engine, SchedulerConfig{
		PollInterval: 10 * time.Millisecond,
		BatchSize:    10,
		LeaseTTL:     time.Minute,
		MaxInFlight:  4,
		Owner:        owner,
	}, logger.Nop(), m).WithClock(h.clock.Now)
	return s, m
}

func (h *harness) submit(t *testing.T, req *model.NotificationRequest) *model.NotificationRecord {
	t.Helper()
	rec := model.NewRecord(req, t0)
	_, err := h.store.Create(context.Background(), rec, nil)
	require.NoError(t, err)
	return rec
}

func TestSchedulerRacingInstancesSendOnce(t *testing.T) {
	h := newHarness()
	h.audience.AddUser("u1", true, "A", "B", "C")
	rec := h.submit(t, &model.NotificationRequest{Title: "t", Body: "b", Audience: model.AllUsers{}})

	s1, _ := h.scheduler("s1")
	s2, _ := h.scheduler("s2")

	var wg sync.WaitGroup
	for _, s := range []*Scheduler{s1, s2} {
		s := s
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Poll(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	s1.Wait()
	s2.Wait()

	for _, addr := range []string{"A", "B", "C"} {
		assert.Equal(t, 1, h.client.count(addr), addr)
	}

	got, err := h.store.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.NotificationStatusSent, got.Status)
	assert.Equal(t, 1, got.DispatchAttempts)
}

func TestSchedulerHoldsScheduledRecordUntilDue(t *testing.T) {
	h := newHarness()
	h.audience.AddUser("u1", true, "A")
	due := t0.Add(5 * time.Minute)
	rec := h.submit(t, &model.NotificationRequest{
		Title: "t", Body: "b", Audience: model.AllUsers{},
		IsScheduled: true, ScheduledFor: &due,
	})

	s, m := h.scheduler("s1")

	h.clock.Advance(4*time.Minute + 59*time.Second)
	n, err := s.Poll(context.Background())
	require.NoError(t, err)
	s.Wait()
	assert.Equal(t, 0, n)
	assert.Equal(t, 0, h.client.total())

	got, err := h.store.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.NotificationStatusPending, got.Status)

	h.clock.Advance(time.Second)
	n, err = s.Poll(context.Background())
	require.NoError(t, err)
	s.Wait()
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, h.client.count("A"))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SchedulerClaims))

	got, err = h.store.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.NotificationStatusSent, got.Status)
}

func TestSchedulerReclaimsAfterCrash(t *testing.T) {
	h := newHarness()
	h.audience.AddUser("u1", true, "A")
	rec := h.submit(t, &model.NotificationRequest{Title: "t", Body: "b", Audience: model.AllUsers{}})

	// a previous instance claimed the record and died
	crashed, err := h.store.ClaimDue(context.Background(), t0, "dead", time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, crashed, 1)

	s, _ := h.scheduler("s1")

	n, err := s.Poll(context.Background())
	require.NoError(t, err)
	s.Wait()
	assert.Equal(t, 0, n, "lease still live")

	h.clock.Advance(2 * time.Minute)
	n, err = s.Poll(context.Background())
	require.NoError(t, err)
	s.Wait()
	assert.Equal(t, 1, n)

	got, err := h.store.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.NotificationStatusSent, got.Status)
	assert.Equal(t, 2, got.DispatchAttempts)

	// the dead instance's late commit is rejected
	err = h.store.Commit(context.Background(), crashed[0], &model.DispatchResult{
		Status:      model.NotificationStatusFailed,
		CompletedAt: t0,
	})
	assert.ErrorIs(t, err, repository.ErrLeaseLost)

	got, err = h.store.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.NotificationStatusSent, got.Status)
}

func TestSchedulerClaimsUpToFreeCapacity(t *testing.T) {
	h := newHarness()
	for i := 0; i < 6; i++ {
		h.submit(t, &model.NotificationRequest{Title: "t", Body: "b", Audience: model.Topic{Name: "news"}})
	}

	release := make(chan struct{})
	block := dispatcherFunc(func(ctx context.Context, claim *model.Claim) (*model.DispatchResult, error) {
		<-release
		return nil, nil
	})
	s := NewScheduler(h.store, block, SchedulerConfig{
		BatchSize:   10,
		LeaseTTL:    time.Minute,
		MaxInFlight: 4,
	}, logger.Nop(), metrics.New("test", prometheus.NewRegistry())).WithClock(h.clock.Now)

	n, err := s.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	n, err = s.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	close(release)
	s.Wait()

	// the remaining two are still pending and claimable
	n, err = s.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	s.Wait()
}

func TestSchedulerStartStopsOnCancel(t *testing.T) {
	h := newHarness()
	h.audience.AddUser("u1", true, "A")
	h.submit(t, &model.NotificationRequest{Title: "t", Body: "b", Audience: model.AllUsers{}})

	s, _ := h.scheduler("s1")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return h.client.count("A") == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.Equal(t, 1, h.client.count("A"))
}

func TestSchedulerCountsLostLeases(t *testing.T) {
	h := newHarness()
	h.submit(t, &model.NotificationRequest{Title: "t", Body: "b", Audience: model.Topic{Name: "news"}})

	lost := dispatcherFunc(func(ctx context.Context, claim *model.Claim) (*model.DispatchResult, error) {
		return nil, fmt.Errorf("failed to commit: %w", repository.ErrLeaseLost)
	})
	m := metrics.New("test", prometheus.NewRegistry())
	s := NewScheduler(h.store, lost, SchedulerConfig{LeaseTTL: time.Minute}, logger.Nop(), m).WithClock(h.clock.Now)

	n, err := s.Poll(context.Background())
	require.NoError(t, err)
	s.Wait()
	assert.Equal(t, 1, n)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SchedulerClaims))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SchedulerConflicts))
}

func TestSchedulerWithoutLoggerOrMetrics(t *testing.T) {
	h := newHarness()
	h.audience.AddUser("u1", true, "A")
	h.submit(t, &model.NotificationRequest{Title: "t", Body: "b", Audience: model.AllUsers{}})

	engine := dispatch.NewEngine(h.store, resolver.NewResolver(h.audience), h.client, nil,
		dispatch.Config{LeaseTTL: -1}, nil, nil)
	s := NewScheduler(h.store, engine, SchedulerConfig{}, nil, nil).WithClock(h.clock.Now)

	n, err := s.Poll(context.Background())
	require.NoError(t, err)
	s.Wait()
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, h.client.count("A"))
}

func TestDefaultOwnerIsUnique(t *testing.T) {
	assert.NotEqual(t, defaultOwner(), defaultOwner())
}

type dispatcherFunc func(ctx context.Context, claim *model.Claim) (*model.DispatchResult, error)

func (f dispatcherFunc) Dispatch(ctx context.Context, claim *model.Claim) (*model.DispatchResult, error) {
	return f(ctx, claim)
}
