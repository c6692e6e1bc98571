package storage

import (
	"context"
	"errors"

	"github.com/R3E-Network/pricewatch/internal/app/domain/pricehistory"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// HistoryStore persists price snapshots and the per-item summary.
type HistoryStore interface {
	// SaveSnapshot records the snapshot and folds it into the item summary in
	// one transaction. It returns false when the same fact was already stored.
	SaveSnapshot(ctx context.Context, snap pricehistory.Snapshot) (bool, error)
	// GetHistory returns snapshots from the last days days, newest first.
	GetHistory(ctx context.Context, itemID int64, region string, days int) ([]pricehistory.Snapshot, error)
	GetDiscountStats(ctx context.Context, itemID int64) (pricehistory.Stats, error)
	BestDiscountEver(ctx context.Context, itemID int64) (pricehistory.BestDiscount, error)
	// CleanupOldHistory deletes zero-discount snapshots older than retainDays.
	CleanupOldHistory(ctx context.Context, retainDays int) (int64, error)
}

// SubscriptionStore persists discount subscriptions.
type SubscriptionStore interface {
	UpsertSubscription(ctx context.Context, sub pricehistory.Subscription) (pricehistory.Subscription, error)
	DeactivateSubscription(ctx context.Context, key pricehistory.SubscriptionKey) (bool, error)
	ListSubscriptions(ctx context.Context, subscriberID, tenantID string) ([]pricehistory.Subscription, error)
	// ListTrackedItems returns the distinct item ids with an active subscription.
	ListTrackedItems(ctx context.Context, limit int) ([]int64, error)
	GetDueNotifications(ctx context.Context, region string, cooldownHours int) ([]pricehistory.DueNotification, error)
	// MarkNotified stamps last_notified_at and records whether delivery succeeded.
	MarkNotified(ctx context.Context, key pricehistory.SubscriptionKey, delivered bool) error
}

// Store is the full persistence surface used by the service.
type Store interface {
	HistoryStore
	SubscriptionStore
	Ping(ctx context.Context) error
}
