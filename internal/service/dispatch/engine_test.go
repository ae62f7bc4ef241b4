package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
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
	"github.com/jwalitptl/notification-engine/internal/service/resolver"
	"github.com/jwalitptl/notification-engine/pkg/logger"
	"github.com/jwalitptl/notification-engine/pkg/metrics"
)

type recordingPublisher struct {
	mu       sync.Mutex
	channels []string
	events   []interface{}
}

func (p *recordingPublisher) Publish(_ context.Context, channel string, message interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.channels = append(p.channels, channel)
	p.events = append(p.events, message)
	return nil
}

type fixture struct {
	store     *memory.NotificationStore
	audience  *memory.AudienceStore
	publisher *recordingPublisher
	metrics   *metrics.Metrics
	calls     atomic.Int32
}

func newFixture() *fixture {
	return &fixture{
		store:     memory.NewNotificationStore(),
		audience:  memory.NewAudienceStore(),
		publisher: &recordingPublisher{},
		metrics:   metrics.New("test", prometheus.NewRegistry()),
	}
}

func testConfig() Config {
	return Config{
		Concurrency:    4,
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		SendTimeout:    time.Second,
		DetailCap:      500,
		LeaseTTL:       -1,
	}
}

func (f *fixture) engine(cfg Config, send func(ctx context.Context, r model.ResolvedRecipient) error) *Engine {
	client := delivery.ClientFunc(func(ctx context.Context, r model.ResolvedRecipient, _ delivery.Message) error {
		f.calls.Add(1)
		return send(ctx, r)
	})
	return NewEngine(f.store, resolver.NewResolver(f.audience), client, f.publisher, cfg, logger.Nop(), f.metrics)
}

func (f *fixture) claim(t *testing.T, audience model.Audience) *model.Claim {
	t.Helper()
	rec := model.NewRecord(&model.NotificationRequest{
		Title:          "Restock",
		Body:           "Your size is back",
		Audience:       audience,
		AdditionalData: map[string]string{"model_id": "M-9"},
	}, time.Now().UTC())
	claim, err := f.store.Create(context.Background(), rec, &repository.Lease{Owner: "test", ExpiresAt: time.Now().Add(time.Hour)})
	require.NoError(t, err)
	return claim
}

func succeed(context.Context, model.ResolvedRecipient) error { return nil }

func TestDispatchAllSuccess(t *testing.T) {
	f := newFixture()
	f.audience.AddUser("u1", true, "A", "B")
	claim := f.claim(t, model.SpecificUser{UserID: "u1"})

	res, err := f.engine(testConfig(), succeed).Dispatch(context.Background(), claim)
	require.NoError(t, err)

	assert.Equal(t, model.NotificationStatusSent, res.Status)
	assert.Equal(t, 2, res.TotalRecipients)
	assert.Equal(t, 2, res.SuccessfulDeliveries)
	assert.Equal(t, 0, res.FailedDeliveries)
	assert.Len(t, res.DeliveryDetails, 2)

	rec, err := f.store.Get(context.Background(), claim.Record.ID)
	require.NoError(t, err)
	assert.Equal(t, model.NotificationStatusSent, rec.Status)
	require.NotNil(t, rec.CompletedAt)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.DispatchesCompleted.WithLabelValues("sent")))
}

func TestDispatchPartialFailure(t *testing.T) {
	f := newFixture()
	f.audience.AddUser("u1", true, "A", "B")
	claim := f.claim(t, model.SpecificUser{UserID: "u1"})

	res, err := f.engine(testConfig(), func(_ context.Context, r model.ResolvedRecipient) error {
		if r.Address == "B" {
			return delivery.Permanent("unregistered")
		}
		return nil
	}).Dispatch(context.Background(), claim)
	require.NoError(t, err)

	assert.Equal(t, model.NotificationStatusPartial, res.Status)
	assert.Equal(t, 2, res.TotalRecipients)
	assert.Equal(t, 1, res.SuccessfulDeliveries)
	assert.Equal(t, 1, res.FailedDeliveries)
	assert.ElementsMatch(t, []model.DeliveryDetail{
		{Address: "A", Channel: model.ChannelToken, Outcome: model.DeliveryOutcomeSuccess, Attempts: 1},
		{Address: "B", Channel: model.ChannelToken, Outcome: model.DeliveryOutcomeFailed, Error: "unregistered", Attempts: 1},
	}, res.DeliveryDetails)
	// permanent failures are never retried
	assert.Equal(t, int32(2), f.calls.Load())
}

func TestDispatchAllPermanentFailures(t *testing.T) {
	f := newFixture()
	f.audience.AddUser("u1", true, "A", "B", "C")
	claim := f.claim(t, model.AllUsers{})

	res, err := f.engine(testConfig(), func(context.Context, model.ResolvedRecipient) error {
		return delivery.Permanent("invalid token")
	}).Dispatch(context.Background(), claim)
	require.NoError(t, err)

	assert.Equal(t, model.NotificationStatusFailed, res.Status)
	assert.Equal(t, 3, res.FailedDeliveries)
	assert.Empty(t, res.ErrorMessage)
}

func TestDispatchUnknownBrandFailsWithoutSending(t *testing.T) {
	f := newFixture()
	claim := f.claim(t, model.BrandSubscribers{BrandID: "missing"})

	res, err := f.engine(testConfig(), succeed).Dispatch(context.Background(), claim)
	require.NoError(t, err)

	assert.Equal(t, model.NotificationStatusFailed, res.Status)
	assert.Equal(t, 0, res.TotalRecipients)
	assert.NotEmpty(t, res.ErrorMessage)
	assert.Contains(t, res.ErrorMessage, "missing")
	assert.Equal(t, int32(0), f.calls.Load())

	rec, err := f.store.Get(context.Background(), claim.Record.ID)
	require.NoError(t, err)
	assert.Equal(t, model.NotificationStatusFailed, rec.Status)
	assert.Equal(t, res.ErrorMessage, rec.ErrorMessage)
}

func TestDispatchEmptyAudienceIsSent(t *testing.T) {
	f := newFixture()
	f.audience.AddBrand("quiet")
	claim := f.claim(t, model.BrandSubscribers{BrandID: "quiet"})

	res, err := f.engine(testConfig(), succeed).Dispatch(context.Background(), claim)
	require.NoError(t, err)

	assert.Equal(t, model.NotificationStatusSent, res.Status)
	assert.Equal(t, 0, res.TotalRecipients)
	assert.Empty(t, res.ErrorMessage)
	assert.Empty(t, res.DeliveryDetails)
	assert.Equal(t, int32(0), f.calls.Load())
}

func TestDispatchTopicSendsOnce(t *testing.T) {
	f := newFixture()
	claim := f.claim(t, model.Topic{Name: "flash-sales"})

	var got model.ResolvedRecipient
	res, err := f.engine(testConfig(), func(_ context.Context, r model.ResolvedRecipient) error {
		got = r
		return nil
	}).Dispatch(context.Background(), claim)
	require.NoError(t, err)

	assert.Equal(t, model.NotificationStatusSent, res.Status)
	assert.Equal(t, 1, res.TotalRecipients)
	assert.Equal(t, model.ResolvedRecipient{Address: "flash-sales", Channel: model.ChannelTopic}, got)
}

func TestDispatchRetriesTransientFailures(t *testing.T) {
	f := newFixture()
	f.audience.AddUser("u1", true, "A")
	claim := f.claim(t, model.SpecificUser{UserID: "u1"})

	var attempts atomic.Int32
	res, err := f.engine(testConfig(), func(context.Context, model.ResolvedRecipient) error {
		if attempts.Add(1) == 1 {
			return delivery.Transient("unavailable", errors.New("503"))
		}
		return nil
	}).Dispatch(context.Background(), claim)
	require.NoError(t, err)

	assert.Equal(t, model.NotificationStatusSent, res.Status)
	require.Len(t, res.DeliveryDetails, 1)
	assert.Equal(t, 2, res.DeliveryDetails[0].Attempts)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.DeliveryRetries))
}

func TestDispatchGivesUpAfterMaxAttempts(t *testing.T) {
	f := newFixture()
	f.audience.AddUser("u1", true, "A")
	claim := f.claim(t, model.SpecificUser{UserID: "u1"})

	res, err := f.engine(testConfig(), func(context.Context, model.ResolvedRecipient) error {
		return errors.New("connection reset")
	}).Dispatch(context.Background(), claim)
	require.NoError(t, err)

	assert.Equal(t, model.NotificationStatusFailed, res.Status)
	require.Len(t, res.DeliveryDetails, 1)
	assert.Equal(t, 3, res.DeliveryDetails[0].Attempts)
	assert.Equal(t, "connection reset", res.DeliveryDetails[0].Error)
	assert.Equal(t, int32(3), f.calls.Load())
}

func TestDispatchSendTimeoutIsTransient(t *testing.T) {
	f := newFixture()
	f.audience.AddUser("u1", true, "slow", "fast")
	claim := f.claim(t, model.SpecificUser{UserID: "u1"})

	cfg := testConfig()
	cfg.SendTimeout = 20 * time.Millisecond
	cfg.MaxAttempts = 2

	res, err := f.engine(cfg, func(ctx context.Context, r model.ResolvedRecipient) error {
		if r.Address == "slow" {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	}).Dispatch(context.Background(), claim)
	require.NoError(t, err)

	assert.Equal(t, model.NotificationStatusPartial, res.Status)
	for _, d := range res.DeliveryDetails {
		if d.Address == "slow" {
			assert.Equal(t, model.DeliveryOutcomeFailed, d.Outcome)
			assert.Equal(t, "send timed out", d.Error)
			assert.Equal(t, 2, d.Attempts)
		}
	}
}

func TestDispatchDetailCap(t *testing.T) {
	f := newFixture()
	addrs := make([]string, 10)
	for i := range addrs {
		addrs[i] = fmt.Sprintf("tok-%d", i)
	}
	f.audience.AddUser("u1", true, addrs...)
	claim := f.claim(t, model.AllUsers{})

	cfg := testConfig()
	cfg.DetailCap = 3
	res, err := f.engine(cfg, func(_ context.Context, r model.ResolvedRecipient) error {
		if r.Address == "tok-0" {
			return delivery.Permanent("unregistered")
		}
		return nil
	}).Dispatch(context.Background(), claim)
	require.NoError(t, err)

	assert.Equal(t, model.NotificationStatusPartial, res.Status)
	assert.Equal(t, 10, res.TotalRecipients)
	assert.Equal(t, 9, res.SuccessfulDeliveries)
	assert.Equal(t, 1, res.FailedDeliveries)
	assert.Len(t, res.DeliveryDetails, 3)
}

func TestDispatchBoundsConcurrency(t *testing.T) {
	f := newFixture()
	addrs := make([]string, 20)
	for i := range addrs {
		addrs[i] = fmt.Sprintf("tok-%d", i)
	}
	f.audience.AddUser("u1", true, addrs...)
	claim := f.claim(t, model.AllUsers{})

	cfg := testConfig()
	cfg.Concurrency = 3

	var inFlight, peak atomic.Int32
	res, err := f.engine(cfg, func(context.Context, model.ResolvedRecipient) error {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		return nil
	}).Dispatch(context.Background(), claim)
	require.NoError(t, err)

	assert.Equal(t, 20, res.SuccessfulDeliveries)
	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestDispatchRetriesUnavailableAudienceStore(t *testing.T) {
	f := newFixture()
	claim := f.claim(t, model.AllUsers{})

	var calls atomic.Int32
	res := ResolverFunc(func(context.Context, model.Audience) ([]model.ResolvedRecipient, error) {
		if calls.Add(1) < 3 {
			return nil, &resolver.ResolutionError{Kind: resolver.CollaboratorUnavailable, Err: errors.New("timeout")}
		}
		return []model.ResolvedRecipient{{Address: "A", Channel: model.ChannelToken}}, nil
	})
	e := NewEngine(f.store, res, delivery.ClientFunc(func(context.Context, model.ResolvedRecipient, delivery.Message) error {
		return nil
	}), f.publisher, testConfig(), logger.Nop(), f.metrics)

	result, err := e.Dispatch(context.Background(), claim)
	require.NoError(t, err)
	assert.Equal(t, model.NotificationStatusSent, result.Status)
	assert.Equal(t, int32(3), calls.Load())
}

func TestDispatchFailsWhenAudienceStoreStaysDown(t *testing.T) {
	f := newFixture()
	f.audience.SetUnavailable(errors.New("db down"))
	claim := f.claim(t, model.AllUsers{})

	res, err := f.engine(testConfig(), succeed).Dispatch(context.Background(), claim)
	require.NoError(t, err)

	assert.Equal(t, model.NotificationStatusFailed, res.Status)
	assert.Contains(t, res.ErrorMessage, "db down")
	assert.Equal(t, 0, res.TotalRecipients)
}

func TestDispatchStaleClaimDoesNotCommit(t *testing.T) {
	f := newFixture()
	f.audience.AddUser("u1", true, "A")
	rec := model.NewRecord(&model.NotificationRequest{Title: "t", Body: "b", Audience: model.AllUsers{}}, time.Now().UTC())
	stale, err := f.store.Create(context.Background(), rec, &repository.Lease{Owner: "w1", ExpiresAt: time.Now().Add(-time.Second)})
	require.NoError(t, err)

	fresh, err := f.store.ClaimDue(context.Background(), time.Now(), "w2", time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, fresh, 1)

	_, err = f.engine(testConfig(), succeed).Dispatch(context.Background(), stale)
	assert.ErrorIs(t, err, repository.ErrLeaseLost)

	got, err := f.store.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.NotificationStatusPending, got.Status)
	assert.Empty(t, f.publisher.events)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.LeaseLost))
}

func TestDispatchCancelsWhenHeartbeatLosesLease(t *testing.T) {
	f := newFixture()
	f.audience.AddUser("u1", true, "A")
	claim := f.claim(t, model.AllUsers{})

	cfg := testConfig()
	cfg.LeaseTTL = 30 * time.Millisecond
	cfg.SendTimeout = 5 * time.Second

	started := make(chan struct{})
	var once sync.Once
	e := f.engine(cfg, func(ctx context.Context, _ model.ResolvedRecipient) error {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return ctx.Err()
	})

	errCh := make(chan error, 1)
	go func() {
		_, err := e.Dispatch(context.Background(), claim)
		errCh <- err
	}()

	<-started
	// another instance takes over once the lease looks expired to it
	taken, err := f.store.ClaimDue(context.Background(), time.Now().Add(time.Hour), "w2", time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, taken, 1)

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, repository.ErrLeaseLost)
	case <-time.After(3 * time.Second):
		t.Fatal("dispatch did not stop after losing its lease")
	}

	got, err := f.store.Get(context.Background(), claim.Record.ID)
	require.NoError(t, err)
	assert.Equal(t, model.NotificationStatusPending, got.Status)
}

func TestDispatchPublishesCompletionEvent(t *testing.T) {
	f := newFixture()
	f.audience.AddUser("u1", true, "A")
	claim := f.claim(t, model.AllUsers{})

	_, err := f.engine(testConfig(), succeed).Dispatch(context.Background(), claim)
	require.NoError(t, err)

	require.Len(t, f.publisher.events, 1)
	assert.Equal(t, CompletedChannel, f.publisher.channels[0])
	evt, ok := f.publisher.events[0].(CompletedEvent)
	require.True(t, ok)
	assert.Equal(t, claim.Record.ID.String(), evt.ID)
	assert.Equal(t, model.NotificationStatusSent, evt.Status)
	assert.Equal(t, 1, evt.SuccessfulDeliveries)
}

func TestDispatchPassesMessage(t *testing.T) {
	f := newFixture()
	claim := f.claim(t, model.Topic{Name: "t"})

	var got delivery.Message
	client := delivery.ClientFunc(func(_ context.Context, _ model.ResolvedRecipient, msg delivery.Message) error {
		got = msg
		return nil
	})
	e := NewEngine(f.store, resolver.NewResolver(f.audience), client, nil, testConfig(), nil, nil)

	_, err := e.Dispatch(context.Background(), claim)
	require.NoError(t, err)
	assert.Equal(t, "Restock", got.Title)
	assert.Equal(t, "Your size is back", got.Body)
	assert.Equal(t, map[string]string{"model_id": "M-9"}, got.Data)
}

func TestDispatchUsesClock(t *testing.T) {
	f := newFixture()
	claim := f.claim(t, model.Topic{Name: "t"})
	fixed := time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC)

	e := NewEngine(f.store, resolver.NewResolver(f.audience),
		delivery.ClientFunc(func(context.Context, model.ResolvedRecipient, delivery.Message) error { return nil }),
		nil, testConfig(), logger.Nop(), f.metrics, WithClock(func() time.Time { return fixed }))

	res, err := e.Dispatch(context.Background(), claim)
	require.NoError(t, err)
	assert.Equal(t, fixed, res.CompletedAt)
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	d := DefaultConfig()
	assert.Equal(t, d.Concurrency, cfg.Concurrency)
	assert.Equal(t, d.MaxAttempts, cfg.MaxAttempts)
	assert.Equal(t, d.InitialBackoff, cfg.InitialBackoff)
	assert.Equal(t, d.MaxBackoff, cfg.MaxBackoff)
	assert.Equal(t, d.DetailCap, cfg.DetailCap)
	assert.Equal(t, time.Duration(0), cfg.LeaseTTL)
}
