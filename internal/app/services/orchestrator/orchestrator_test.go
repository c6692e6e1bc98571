package orchestrator

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/pricewatch/internal/app/domain/pricehistory"
	"github.com/R3E-Network/pricewatch/internal/app/services/notify"
	"github.com/R3E-Network/pricewatch/internal/app/services/prices"
	"github.com/R3E-Network/pricewatch/internal/app/storage/memory"
	"github.com/R3E-Network/pricewatch/internal/coordination"
	"github.com/R3E-Network/pricewatch/pkg/logger"
	"github.com/R3E-Network/pricewatch/pkg/testutil"
)

type quoteTable map[int64]func() (prices.Quote, error)

func (q quoteTable) Refresh(_ context.Context, itemID int64, region string) (prices.Quote, error) {
	fn, ok := q[itemID]
	if !ok {
		return prices.Quote{}, prices.ErrTerminal
	}
	return fn()
}

func discounted(id int64, discount int, final, initial int64) func() (prices.Quote, error) {
	return func() (prices.Quote, error) {
		return prices.Quote{
			ItemID:          id,
			Region:          "us",
			FinalPrice:      final,
			InitialPrice:    initial,
			DiscountPercent: discount,
			Currency:        "USD",
			FetchedAt:       time.Now().UTC(),
		}, nil
	}
}

func quietLogger() *logger.Logger {
	log := logger.NewDefault("orchestrator-test")
	log.SetOutput(io.Discard)
	return log
}

func testConfig() Config {
	return Config{Workers: 3, ItemTimeout: time.Second, RatePoll: 5 * time.Millisecond, RateMaxWait: 100 * time.Millisecond}
}

func newTestOrchestrator(t *testing.T, coord coordination.Coordinator, quotes QuoteSource, sink notify.Sink, items ...int64) (*Orchestrator, *memory.Store) {
	t.Helper()
	store := memory.New()
	o, err := New(testConfig(), Dependencies{
		Coordinator: coord,
		Store:       store,
		Quotes:      quotes,
		Items:       NewStoreItemSource(store, items),
		Sink:        sink,
	}, quietLogger())
	require.NoError(t, err)
	return o, store
}

func subscribe(t *testing.T, store *memory.Store, subscriber string, item int64, threshold int) pricehistory.SubscriptionKey {
	t.Helper()
	key := pricehistory.SubscriptionKey{SubscriberID: subscriber, ItemID: item, TenantID: "guild"}
	_, err := store.UpsertSubscription(context.Background(), pricehistory.Subscription{SubscriptionKey: key, NotifyThreshold: threshold})
	require.NoError(t, err)
	return key
}

func TestRefreshJobToleratesItemFailures(t *testing.T) {
	quotes := quoteTable{
		1: discounted(1, 60, 400, 1000),
		2: func() (prices.Quote, error) { return prices.Quote{}, errors.New("connection reset") },
		3: func() (prices.Quote, error) { return prices.Quote{}, prices.ErrTerminal },
		4: func() (prices.Quote, error) { return prices.Quote{ItemID: 4, Region: "us", IsFree: true}, nil },
		5: func() (prices.Quote, error) { panic("boom") },
		6: discounted(6, 0, 1000, 1000),
	}
	sink := testutil.NewMockSink()
	o, store := newTestOrchestrator(t, coordination.NewLocal("a"), quotes, sink, 1, 2, 3, 4, 5, 6)
	key := subscribe(t, store, "S", 1, 50)

	out, err := o.RunJob(context.Background(), JobRefresh)
	require.NoError(t, err)

	res := out.(RefreshResult)
	assert.Equal(t, 6, res.Items)
	assert.Equal(t, 2, res.Saved)
	assert.Equal(t, 2, res.Skipped)
	assert.Equal(t, 2, res.Failed)
	require.NotNil(t, res.Sweep)
	assert.Equal(t, 1, res.Sweep.Delivered)

	stats, err := store.GetDiscountStats(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 60, *stats.LastDiscount)

	events := sink.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "S", events[0].SubscriberID)
	assert.Equal(t, "$4.00 (-60%), Save $6.00", events[0].PriceText)

	subs, err := store.ListSubscriptions(context.Background(), key.SubscriberID, key.TenantID)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	require.NotNil(t, subs[0].LastNotifiedAt)

	status := o.Status()[0]
	assert.Equal(t, JobRefresh, status.Name)
	assert.Equal(t, int64(1), status.Runs)
	assert.Equal(t, StateIdle, status.State)
	assert.False(t, status.LastSuccessAt.IsZero())
}

func TestRefreshSecondRunIsDuplicateFree(t *testing.T) {
	fixed := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	quotes := quoteTable{7: func() (prices.Quote, error) {
		return prices.Quote{ItemID: 7, Region: "us", FinalPrice: 500, InitialPrice: 1000, DiscountPercent: 50, Currency: "USD", FetchedAt: fixed}, nil
	}}
	o, _ := newTestOrchestrator(t, coordination.NewLocal("a"), quotes, testutil.NewMockSink())

	first := o.RefreshItems(context.Background(), []int64{7})
	second := o.RefreshItems(context.Background(), []int64{7})
	assert.Equal(t, 1, first.Saved)
	assert.Equal(t, 1, second.Duplicates)
}

func TestSweepMarksNotifiedEvenWhenDeliveryFails(t *testing.T) {
	sink := testutil.NewMockSink()
	sink.FailWith(errors.New("chat service down"))
	o, store := newTestOrchestrator(t, coordination.NewLocal("a"), quoteTable{9: discounted(9, 80, 200, 1000)}, sink)
	key := subscribe(t, store, "S", 9, 50)
	o.RefreshItems(context.Background(), []int64{9})

	out, err := o.RunJob(context.Background(), JobNotify)
	require.NoError(t, err)
	res := out.(SweepResult)
	assert.Equal(t, 1, res.Due)
	assert.Equal(t, 1, res.Failed)

	subs, _ := store.ListSubscriptions(context.Background(), key.SubscriberID, key.TenantID)
	require.NotNil(t, subs[0].LastNotifiedAt)
	require.NotNil(t, subs[0].LastDeliveryOK)
	assert.False(t, *subs[0].LastDeliveryOK)

	// within the cooldown nothing is due again
	out, err = o.RunJob(context.Background(), JobNotify)
	require.NoError(t, err)
	assert.Equal(t, 0, out.(SweepResult).Due)
	assert.Len(t, sink.Events(), 1)
}

func TestConfigDefaultsKeepNotificationCooldown(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, 24, cfg.CooldownHours)
	assert.Equal(t, 10*time.Minute, cfg.SweepLockTTL)
	assert.Equal(t, 6, Config{CooldownHours: 6}.withDefaults().CooldownHours)
}

func TestRepeatedSweepsWithinCooldownDeliverOnce(t *testing.T) {
	sink := testutil.NewMockSink()
	o, store := newTestOrchestrator(t, coordination.NewLocal("a"), quoteTable{9: discounted(9, 80, 200, 1000)}, sink)
	subscribe(t, store, "S", 9, 50)
	o.RefreshItems(context.Background(), []int64{9})

	for i := 0; i < 3; i++ {
		_, err := o.RunJob(context.Background(), JobNotify)
		require.NoError(t, err)
	}
	assert.Len(t, sink.Events(), 1)
}

func TestOverlappingSweepsDeliverOnce(t *testing.T) {
	var delivered atomic.Int32
	sink := notify.SinkFunc(func(context.Context, notify.Event) error {
		time.Sleep(50 * time.Millisecond)
		delivered.Add(1)
		return nil
	})
	o, store := newTestOrchestrator(t, coordination.NewLocal("a"), quoteTable{9: discounted(9, 80, 200, 1000)}, sink, 9)
	subscribe(t, store, "S", 9, 50)
	o.RefreshItems(context.Background(), []int64{9})

	var wg sync.WaitGroup
	for _, name := range []string{JobRefresh, JobNotify} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := o.RunJob(context.Background(), name)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), delivered.Load())
}

func TestSweepSkipsWhileSweepLockIsHeldElsewhere(t *testing.T) {
	ctx := context.Background()
	coord := testutil.NewMockCoordinator()
	sink := testutil.NewMockSink()
	o, store := newTestOrchestrator(t, coord, quoteTable{9: discounted(9, 80, 200, 1000)}, sink)
	subscribe(t, store, "S", 9, 50)
	o.RefreshItems(ctx, []int64{9})

	held, err := coord.AcquireLock(ctx, sweepLockKey, time.Minute)
	require.NoError(t, err)
	require.True(t, held)

	out, err := o.RunJob(ctx, JobNotify)
	require.NoError(t, err)
	assert.True(t, out.(SweepResult).Contended)
	assert.Empty(t, sink.Events())

	_, err = coord.ReleaseLock(ctx, sweepLockKey)
	require.NoError(t, err)

	out, err = o.RunJob(ctx, JobNotify)
	require.NoError(t, err)
	assert.Equal(t, 1, out.(SweepResult).Delivered)
	assert.Len(t, sink.Events(), 1)
	assert.Equal(t, 3, coord.Calls("AcquireLock"))
	assert.Equal(t, 2, coord.Calls("ReleaseLock"))

	relocked, err := coord.AcquireLock(ctx, sweepLockKey, time.Minute)
	require.NoError(t, err)
	assert.True(t, relocked, "sweep must release its lock")
}

func TestNotLeaderSkipsRun(t *testing.T) {
	coord := testutil.NewMockCoordinator()
	coord.SetLeader(false)
	sink := testutil.NewMockSink()
	o, _ := newTestOrchestrator(t, coord, quoteTable{1: discounted(1, 50, 500, 1000)}, sink, 1)

	_, err := o.RunJob(context.Background(), JobRefresh)
	require.ErrorIs(t, err, ErrNotLeader)

	status := o.Status()[0]
	assert.Equal(t, int64(1), status.Skipped)
	assert.Equal(t, int64(0), status.Runs)
	assert.Equal(t, StateIdle, status.State)
	assert.Equal(t, 1, coord.Calls("AcquireLeaderLease"))
	assert.Equal(t, 0, coord.Calls("CheckRateLimit"))
}

func TestLeadershipFailsClosed(t *testing.T) {
	coord := testutil.NewMockCoordinator()
	coord.SetError(errors.New("redis: connection refused"))
	o, _ := newTestOrchestrator(t, coord, quoteTable{}, testutil.NewMockSink())

	_, err := o.RunJob(context.Background(), JobCleanup)
	assert.ErrorIs(t, err, ErrNotLeader)
}

type panickyStore struct {
	*memory.Store
}

func (panickyStore) CleanupOldHistory(context.Context, int) (int64, error) {
	panic("disk on fire")
}

func TestJobPanicIsRecordedAsFailure(t *testing.T) {
	o, err := New(testConfig(), Dependencies{
		Coordinator: coordination.NewLocal("a"),
		Store:       panickyStore{memory.New()},
		Quotes:      quoteTable{},
	}, quietLogger())
	require.NoError(t, err)

	_, err = o.RunJob(context.Background(), JobCleanup)
	require.Error(t, err)

	var cleanup JobStatus
	for _, st := range o.Status() {
		if st.Name == JobCleanup {
			cleanup = st
		}
	}
	assert.Equal(t, int64(1), cleanup.Failures)
	assert.Equal(t, int64(1), cleanup.Panics)
	assert.Contains(t, cleanup.LastError, "disk on fire")
	assert.Equal(t, StateIdle, cleanup.State)
}

func TestCleanupJob(t *testing.T) {
	o, store := newTestOrchestrator(t, coordination.NewLocal("a"), quoteTable{}, testutil.NewMockSink())
	old := time.Now().AddDate(-3, 0, 0)
	_, err := store.SaveSnapshot(context.Background(), pricehistory.Snapshot{
		ItemID: 1, Region: "us", ObservedAt: old, FinalPrice: 1000, InitialPrice: 1000, Currency: "USD",
	})
	require.NoError(t, err)

	out, err := o.RunJob(context.Background(), JobCleanup)
	require.NoError(t, err)
	assert.Equal(t, int64(1), out.(CleanupResult).Deleted)
}

func TestRefreshWaitsOnSharedRateLimit(t *testing.T) {
	quotes := quoteTable{1: discounted(1, 10, 900, 1000), 2: discounted(2, 10, 900, 1000)}
	store := memory.New()
	cfg := testConfig()
	cfg.Workers = 1
	cfg.RateLimit = 1
	cfg.RateWindow = time.Hour
	cfg.RateMaxWait = 30 * time.Millisecond
	o, err := New(cfg, Dependencies{Coordinator: coordination.NewLocal("a"), Store: store, Quotes: quotes}, quietLogger())
	require.NoError(t, err)

	res := o.RefreshItems(context.Background(), []int64{1, 2})
	assert.Equal(t, 1, res.Saved)
	assert.Equal(t, 1, res.Failed)
}

func TestRateLimitFailsOpen(t *testing.T) {
	coord := testutil.NewMockCoordinator()
	o, _ := newTestOrchestrator(t, coord, quoteTable{3: discounted(3, 20, 800, 1000)}, testutil.NewMockSink())
	coord.SetError(errors.New("redis: i/o timeout"))

	res := o.RefreshItems(context.Background(), []int64{3})
	assert.Equal(t, 1, res.Saved)
}

func TestUnknownJob(t *testing.T) {
	o, _ := newTestOrchestrator(t, coordination.NewLocal("a"), quoteTable{}, testutil.NewMockSink())
	_, err := o.RunJob(context.Background(), "reindex")
	assert.ErrorIs(t, err, ErrUnknownJob)
	assert.ErrorIs(t, o.TriggerJob("reindex"), ErrUnknownJob)
}

func TestStartStopReleasesLease(t *testing.T) {
	coord := coordination.NewLocal("a")
	o, _ := newTestOrchestrator(t, coord, quoteTable{}, testutil.NewMockSink())

	require.NoError(t, o.Start(context.Background()))
	assert.True(t, o.Leading())
	for _, st := range o.Status() {
		assert.False(t, st.NextRunAt.IsZero(), st.Name)
	}

	require.NoError(t, o.TriggerJob(JobCleanup))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, o.Stop(ctx))
	assert.False(t, o.Leading())
	require.NoError(t, o.Stop(ctx))
}

func TestStartRejectsBadSchedule(t *testing.T) {
	store := memory.New()
	cfg := testConfig()
	cfg.CleanupSchedule = "not a schedule"
	o, err := New(cfg, Dependencies{Coordinator: coordination.NewLocal("a"), Store: store, Quotes: quoteTable{}}, quietLogger())
	require.NoError(t, err)
	assert.Error(t, o.Start(context.Background()))
}

func TestStoreItemSourceMergesStaticAndSubscribed(t *testing.T) {
	store := memory.New()
	subscribe(t, store, "S", 30, 50)
	subscribe(t, store, "T", 10, 50)

	src := NewStoreItemSource(store, []int64{20, 10})
	ids, err := src.TrackedItems(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, []int64{20, 10, 30}, ids)

	ids, err = src.TrackedItems(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, []int64{20, 10}, ids)
}
