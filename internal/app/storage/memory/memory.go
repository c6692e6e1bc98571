package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/R3E-Network/pricewatch/internal/app/domain/pricehistory"
	"github.com/R3E-Network/pricewatch/internal/app/storage"
)

type snapshotKey struct {
	itemID int64
	region string
	at     int64
}

// Store is an in-memory implementation of the storage interfaces. It is safe
// for concurrent use and is primarily intended for tests and local development.
type Store struct {
	mu            sync.RWMutex
	snapshots     map[snapshotKey]pricehistory.Snapshot
	summaries     map[int64]pricehistory.Summary
	subscriptions map[pricehistory.SubscriptionKey]pricehistory.Subscription
	now           func() time.Time
}

var _ storage.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		snapshots:     make(map[snapshotKey]pricehistory.Snapshot),
		summaries:     make(map[int64]pricehistory.Summary),
		subscriptions: make(map[pricehistory.SubscriptionKey]pricehistory.Subscription),
		now:           time.Now,
	}
}

// WithClock replaces the time source used for retention and cooldown windows.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func (s *Store) Ping(context.Context) error { return nil }

// HistoryStore implementation -------------------------------------------------

func (s *Store) SaveSnapshot(_ context.Context, snap pricehistory.Snapshot) (bool, error) {
	snap = snap.Normalize()
	if err := snap.Validate(); err != nil {
		return false, fmt.Errorf("invalid snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := snapshotKey{itemID: snap.ItemID, region: snap.Region, at: snap.ObservedAt.UnixNano()}
	if _, exists := s.snapshots[key]; exists {
		return false, nil
	}
	s.snapshots[key] = snap

	summary := s.summaries[snap.ItemID]
	summary.ItemID = snap.ItemID
	summary.Apply(snap.DiscountPercent, snap.ObservedAt)
	s.summaries[snap.ItemID] = summary
	return true, nil
}

func (s *Store) GetHistory(_ context.Context, itemID int64, region string, days int) ([]pricehistory.Snapshot, error) {
	region = strings.ToLower(strings.TrimSpace(region))
	cutoff := s.now().Add(-time.Duration(days) * 24 * time.Hour)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []pricehistory.Snapshot
	for _, snap := range s.snapshots {
		if snap.ItemID == itemID && snap.Region == region && !snap.ObservedAt.Before(cutoff) {
			out = append(out, snap)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ObservedAt.After(out[j].ObservedAt) })
	return out, nil
}

func (s *Store) GetDiscountStats(_ context.Context, itemID int64) (pricehistory.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	for key := range s.snapshots {
		if key.itemID == itemID {
			count++
		}
	}
	summary, ok := s.summaries[itemID]
	if !ok {
		return pricehistory.Stats{}, storage.ErrNotFound
	}
	return pricehistory.Stats{Summary: summary, TotalSnapshots: count}, nil
}

func (s *Store) BestDiscountEver(_ context.Context, itemID int64) (pricehistory.BestDiscount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		best  pricehistory.BestDiscount
		found bool
	)
	for _, snap := range s.snapshots {
		if snap.ItemID != itemID || snap.DiscountPercent <= 0 {
			continue
		}
		if !found || snap.DiscountPercent > best.DiscountPercent ||
			(snap.DiscountPercent == best.DiscountPercent && snap.ObservedAt.After(best.ObservedAt)) {
			best = pricehistory.BestDiscount{
				ItemID:          snap.ItemID,
				DiscountPercent: snap.DiscountPercent,
				FinalPrice:      snap.FinalPrice,
				ObservedAt:      snap.ObservedAt,
				Region:          snap.Region,
				Currency:        snap.Currency,
			}
			found = true
		}
	}
	if !found {
		return pricehistory.BestDiscount{}, storage.ErrNotFound
	}
	return best, nil
}

func (s *Store) CleanupOldHistory(_ context.Context, retainDays int) (int64, error) {
	if retainDays <= 0 {
		return 0, fmt.Errorf("retain days must be positive")
	}
	cutoff := s.now().Add(-time.Duration(retainDays) * 24 * time.Hour)

	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for key, snap := range s.snapshots {
		if snap.DiscountPercent == 0 && snap.ObservedAt.Before(cutoff) {
			delete(s.snapshots, key)
			deleted++
		}
	}
	return deleted, nil
}

// SubscriptionStore implementation --------------------------------------------

func (s *Store) UpsertSubscription(_ context.Context, sub pricehistory.Subscription) (pricehistory.Subscription, error) {
	if err := sub.Validate(); err != nil {
		return pricehistory.Subscription{}, fmt.Errorf("invalid subscription: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.subscriptions[sub.SubscriptionKey]; ok {
		existing.NotifyThreshold = sub.NotifyThreshold
		existing.Active = true
		if sub.ItemName != "" {
			existing.ItemName = sub.ItemName
		}
		s.subscriptions[sub.SubscriptionKey] = existing
		return existing, nil
	}
	sub.Active = true
	sub.CreatedAt = s.now().UTC()
	sub.LastNotifiedAt = nil
	sub.LastDeliveryOK = nil
	s.subscriptions[sub.SubscriptionKey] = sub
	return sub, nil
}

func (s *Store) DeactivateSubscription(_ context.Context, key pricehistory.SubscriptionKey) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subscriptions[key]
	if !ok || !sub.Active {
		return false, nil
	}
	sub.Active = false
	s.subscriptions[key] = sub
	return true, nil
}

func (s *Store) ListSubscriptions(_ context.Context, subscriberID, tenantID string) ([]pricehistory.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []pricehistory.Subscription
	for _, sub := range s.subscriptions {
		if sub.SubscriberID == subscriberID && sub.TenantID == tenantID && sub.Active {
			out = append(out, sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ListTrackedItems(_ context.Context, limit int) ([]int64, error) {
	s.mu.RLock()
	seen := make(map[int64]struct{})
	for _, sub := range s.subscriptions {
		if sub.Active {
			seen[sub.ItemID] = struct{}{}
		}
	}
	s.mu.RUnlock()

	out := make([]int64, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) GetDueNotifications(_ context.Context, region string, cooldownHours int) ([]pricehistory.DueNotification, error) {
	region = strings.ToLower(strings.TrimSpace(region))
	cooldownStart := s.now().Add(-time.Duration(cooldownHours) * time.Hour)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []pricehistory.DueNotification
	for _, sub := range s.subscriptions {
		if !sub.Active {
			continue
		}
		if sub.LastNotifiedAt != nil && !sub.LastNotifiedAt.Before(cooldownStart) {
			continue
		}
		latest, ok := s.latestQualifying(sub.ItemID, region, sub.NotifyThreshold)
		if !ok {
			continue
		}
		out = append(out, pricehistory.DueNotification{
			SubscriptionKey: sub.SubscriptionKey,
			ItemName:        sub.ItemName,
			NotifyThreshold: sub.NotifyThreshold,
			DiscountPercent: latest.DiscountPercent,
			FinalPrice:      latest.FinalPrice,
			InitialPrice:    latest.InitialPrice,
			Currency:        latest.Currency,
			ObservedAt:      latest.ObservedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ItemID != out[j].ItemID {
			return out[i].ItemID < out[j].ItemID
		}
		return out[i].SubscriberID < out[j].SubscriberID
	})
	return out, nil
}

// latestQualifying must be called with mu held.
func (s *Store) latestQualifying(itemID int64, region string, threshold int) (pricehistory.Snapshot, bool) {
	var (
		latest pricehistory.Snapshot
		found  bool
	)
	for _, snap := range s.snapshots {
		if snap.ItemID != itemID || snap.Region != region || snap.DiscountPercent < threshold {
			continue
		}
		if !found || snap.ObservedAt.After(latest.ObservedAt) {
			latest, found = snap, true
		}
	}
	return latest, found
}

func (s *Store) MarkNotified(_ context.Context, key pricehistory.SubscriptionKey, delivered bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subscriptions[key]
	if !ok {
		return storage.ErrNotFound
	}
	now := s.now().UTC()
	sub.LastNotifiedAt = &now
	sub.LastDeliveryOK = &delivered
	s.subscriptions[key] = sub
	return nil
}
