package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/R3E-Network/pricewatch/internal/app/domain/pricehistory"
	"github.com/R3E-Network/pricewatch/internal/app/storage"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func newStore() (*Store, *clock) {
	c := &clock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	return New().WithClock(c.Now), c
}

func snapshot(itemID int64, discount int, final, initial int64, at time.Time) pricehistory.Snapshot {
	return pricehistory.Snapshot{
		ItemID:          itemID,
		Region:          "us",
		ObservedAt:      at,
		FinalPrice:      final,
		InitialPrice:    initial,
		DiscountPercent: discount,
		Currency:        "USD",
	}
}

func TestStoreDiscountLifecycle(t *testing.T) {
	ctx := context.Background()
	store, clk := newStore()
	const item = int64(570)

	// first observation: no prior history
	saved, err := store.SaveSnapshot(ctx, snapshot(item, 40, 600, 1000, clk.now))
	if err != nil || !saved {
		t.Fatalf("save first snapshot: %v %v", saved, err)
	}
	stats, err := store.GetDiscountStats(ctx, item)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if *stats.MinDiscount != 40 || *stats.LastDiscount != 40 || stats.TotalSnapshots != 1 {
		t.Fatalf("after first snapshot: min=%d last=%d total=%d", *stats.MinDiscount, *stats.LastDiscount, stats.TotalSnapshots)
	}

	// deeper discount later
	clk.now = clk.now.Add(time.Hour)
	if _, err := store.SaveSnapshot(ctx, snapshot(item, 70, 300, 1000, clk.now)); err != nil {
		t.Fatalf("save second snapshot: %v", err)
	}
	stats, _ = store.GetDiscountStats(ctx, item)
	if *stats.MinDiscount != 40 || *stats.LastDiscount != 70 {
		t.Fatalf("after second snapshot: min=%d last=%d", *stats.MinDiscount, *stats.LastDiscount)
	}

	// subscriber with threshold 50 becomes due, then cools down
	key := pricehistory.SubscriptionKey{SubscriberID: "S", ItemID: item, TenantID: "guild-1"}
	if _, err := store.UpsertSubscription(ctx, pricehistory.Subscription{SubscriptionKey: key, NotifyThreshold: 50}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	due, err := store.GetDueNotifications(ctx, "us", 24)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(due) != 1 || due[0].SubscriberID != "S" || due[0].ItemID != item || due[0].DiscountPercent != 70 {
		t.Fatalf("due notifications = %+v", due)
	}
	if err := store.MarkNotified(ctx, key, true); err != nil {
		t.Fatalf("mark notified: %v", err)
	}
	clk.now = clk.now.Add(23 * time.Hour)
	if due, _ := store.GetDueNotifications(ctx, "us", 24); len(due) != 0 {
		t.Fatalf("expected cooldown to suppress notification, got %+v", due)
	}
	clk.now = clk.now.Add(2 * time.Hour)
	if due, _ := store.GetDueNotifications(ctx, "us", 24); len(due) != 1 {
		t.Fatalf("expected notification after cooldown, got %+v", due)
	}
}

func TestSaveSnapshotIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store, clk := newStore()
	snap := snapshot(730, 30, 700, 1000, clk.now)

	if saved, _ := store.SaveSnapshot(ctx, snap); !saved {
		t.Fatalf("first save should record a new fact")
	}
	if saved, err := store.SaveSnapshot(ctx, snap); saved || err != nil {
		t.Fatalf("duplicate save = %v, %v; want false, nil", saved, err)
	}
	stats, _ := store.GetDiscountStats(ctx, 730)
	if stats.TotalSnapshots != 1 || *stats.MinDiscount != 30 || *stats.LastDiscount != 30 {
		t.Fatalf("duplicate changed stats: %+v", stats)
	}
}

func TestGetHistoryWindowAndOrder(t *testing.T) {
	ctx := context.Background()
	store, clk := newStore()
	for i, age := range []time.Duration{40 * 24 * time.Hour, 2 * time.Hour, time.Hour} {
		if _, err := store.SaveSnapshot(ctx, snapshot(10, i*10, 100, 100, clk.now.Add(-age))); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	history, err := store.GetHistory(ctx, 10, "US", 30)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 || !history[0].ObservedAt.After(history[1].ObservedAt) {
		t.Fatalf("history = %+v", history)
	}
}

func TestCleanupRemovesOnlyOldUndiscounted(t *testing.T) {
	ctx := context.Background()
	store, clk := newStore()
	old := clk.now.Add(-800 * 24 * time.Hour)
	store.SaveSnapshot(ctx, snapshot(1, 0, 100, 100, old))
	store.SaveSnapshot(ctx, snapshot(1, 50, 50, 100, old.Add(time.Minute)))
	store.SaveSnapshot(ctx, snapshot(1, 0, 100, 100, clk.now))

	deleted, err := store.CleanupOldHistory(ctx, 730)
	if err != nil || deleted != 1 {
		t.Fatalf("cleanup = %d, %v; want 1", deleted, err)
	}
	stats, _ := store.GetDiscountStats(ctx, 1)
	if stats.TotalSnapshots != 2 {
		t.Fatalf("remaining snapshots = %d, want 2", stats.TotalSnapshots)
	}
}

func TestBestDiscountEver(t *testing.T) {
	ctx := context.Background()
	store, clk := newStore()
	if _, err := store.BestDiscountEver(ctx, 5); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	store.SaveSnapshot(ctx, snapshot(5, 20, 80, 100, clk.now.Add(-time.Hour)))
	store.SaveSnapshot(ctx, snapshot(5, 75, 25, 100, clk.now.Add(-30*time.Minute)))
	store.SaveSnapshot(ctx, snapshot(5, 10, 90, 100, clk.now))

	best, err := store.BestDiscountEver(ctx, 5)
	if err != nil || best.DiscountPercent != 75 || best.FinalPrice != 25 {
		t.Fatalf("best = %+v, %v", best, err)
	}
}

func TestSubscriptionManagement(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore()
	key := pricehistory.SubscriptionKey{SubscriberID: "u1", ItemID: 99, TenantID: "t"}

	if _, err := store.UpsertSubscription(ctx, pricehistory.Subscription{SubscriptionKey: key, NotifyThreshold: 101}); err == nil {
		t.Fatalf("expected threshold validation error")
	}
	if _, err := store.UpsertSubscription(ctx, pricehistory.Subscription{SubscriptionKey: key, ItemName: "Game", NotifyThreshold: 50}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	sub, err := store.UpsertSubscription(ctx, pricehistory.Subscription{SubscriptionKey: key, NotifyThreshold: 30})
	if err != nil || sub.NotifyThreshold != 30 || sub.ItemName != "Game" {
		t.Fatalf("resubscribe = %+v, %v", sub, err)
	}

	items, _ := store.ListTrackedItems(ctx, 10)
	if len(items) != 1 || items[0] != 99 {
		t.Fatalf("tracked items = %v", items)
	}

	if ok, _ := store.DeactivateSubscription(ctx, key); !ok {
		t.Fatalf("deactivate should report a change")
	}
	if ok, _ := store.DeactivateSubscription(ctx, key); ok {
		t.Fatalf("second deactivate should be a no-op")
	}
	subs, _ := store.ListSubscriptions(ctx, "u1", "t")
	if len(subs) != 0 {
		t.Fatalf("inactive subscriptions listed: %+v", subs)
	}
	if err := store.MarkNotified(ctx, pricehistory.SubscriptionKey{SubscriberID: "x", ItemID: 1}, true); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
