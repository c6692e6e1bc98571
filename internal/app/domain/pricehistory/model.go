package pricehistory

import (
	"fmt"
	"strings"
	"time"
)

// Snapshot is one immutable price observation for an item in a region.
// (ItemID, Region, ObservedAt) identifies the fact.
type Snapshot struct {
	ItemID          int64     `json:"item_id"`
	Region          string    `json:"region"`
	ObservedAt      time.Time `json:"observed_at"`
	FinalPrice      int64     `json:"final_price"`
	InitialPrice    int64     `json:"initial_price"`
	DiscountPercent int       `json:"discount_percent"`
	Currency        string    `json:"currency"`
}

// Normalize lowercases the region and truncates ObservedAt to the precision
// the database stores, so retries of the same fact compare equal.
func (s Snapshot) Normalize() Snapshot {
	s.Region = strings.ToLower(strings.TrimSpace(s.Region))
	s.Currency = strings.ToUpper(strings.TrimSpace(s.Currency))
	s.ObservedAt = s.ObservedAt.UTC().Truncate(time.Microsecond)
	return s
}

// Validate checks the invariants every stored snapshot must satisfy.
func (s Snapshot) Validate() error {
	switch {
	case s.ItemID <= 0:
		return fmt.Errorf("item id must be positive")
	case s.Region == "":
		return fmt.Errorf("region is required")
	case s.ObservedAt.IsZero():
		return fmt.Errorf("observed_at is required")
	case s.DiscountPercent < 0 || s.DiscountPercent > 100:
		return fmt.Errorf("discount %d out of range", s.DiscountPercent)
	case s.FinalPrice < 0 || s.InitialPrice < 0:
		return fmt.Errorf("prices must not be negative")
	}
	return nil
}

// Summary is the denormalized per-item aggregate kept alongside the log.
// Discount fields only track observations with a positive discount.
type Summary struct {
	ItemID         int64      `json:"item_id"`
	FirstSeen      time.Time  `json:"first_seen"`
	LastSeen       time.Time  `json:"last_seen"`
	MinDiscount    *int       `json:"min_discount_ever,omitempty"`
	MinDiscountAt  *time.Time `json:"min_discount_date,omitempty"`
	MaxDiscount    *int       `json:"max_discount_ever,omitempty"`
	MaxDiscountAt  *time.Time `json:"max_discount_date,omitempty"`
	LastDiscount   *int       `json:"last_discount_percent,omitempty"`
	LastDiscountAt *time.Time `json:"last_discount_date,omitempty"`
}

// Apply folds one observation into the summary. Observations may arrive out
// of order: first/last seen widen, the minimum never increases and the last
// discount is only replaced by a newer one.
func (s *Summary) Apply(discount int, at time.Time) {
	if s.FirstSeen.IsZero() || at.Before(s.FirstSeen) {
		s.FirstSeen = at
	}
	if at.After(s.LastSeen) {
		s.LastSeen = at
	}
	if discount <= 0 {
		return
	}
	if s.MinDiscount == nil || discount < *s.MinDiscount {
		s.MinDiscount, s.MinDiscountAt = intPtr(discount), timePtr(at)
	}
	if s.MaxDiscount == nil || discount > *s.MaxDiscount {
		s.MaxDiscount, s.MaxDiscountAt = intPtr(discount), timePtr(at)
	}
	if s.LastDiscountAt == nil || !at.Before(*s.LastDiscountAt) {
		s.LastDiscount, s.LastDiscountAt = intPtr(discount), timePtr(at)
	}
}

// Stats is what GetDiscountStats reports.
type Stats struct {
	Summary
	TotalSnapshots int64 `json:"total_snapshots"`
	// FromLog is set when the summary row was missing and the values were
	// aggregated from the snapshot log.
	FromLog bool `json:"from_log,omitempty"`
}

// BestDiscount is the single largest discount ever recorded for an item.
type BestDiscount struct {
	ItemID          int64     `json:"item_id"`
	DiscountPercent int       `json:"discount_percent"`
	FinalPrice      int64     `json:"final_price"`
	ObservedAt      time.Time `json:"observed_at"`
	Region          string    `json:"region"`
	Currency        string    `json:"currency"`
}

// SubscriptionKey is the natural key of a subscription.
type SubscriptionKey struct {
	SubscriberID string `json:"subscriber_id"`
	ItemID       int64  `json:"item_id"`
	TenantID     string `json:"tenant_id"`
}

// Subscription links a subscriber to an item with a notification threshold.
type Subscription struct {
	SubscriptionKey
	ItemName        string     `json:"item_name,omitempty"`
	NotifyThreshold int        `json:"notify_threshold_percent"`
	Active          bool       `json:"is_active"`
	CreatedAt       time.Time  `json:"created_at"`
	LastNotifiedAt  *time.Time `json:"last_notified_at,omitempty"`
	LastDeliveryOK  *bool      `json:"last_delivery_ok,omitempty"`
}

// Validate checks the key and threshold.
func (s Subscription) Validate() error {
	switch {
	case strings.TrimSpace(s.SubscriberID) == "":
		return fmt.Errorf("subscriber id is required")
	case s.ItemID <= 0:
		return fmt.Errorf("item id must be positive")
	case s.NotifyThreshold < 0 || s.NotifyThreshold > 100:
		return fmt.Errorf("threshold %d out of range", s.NotifyThreshold)
	}
	return nil
}

// DueNotification is an active subscription whose latest qualifying
// snapshot meets its threshold and which is outside its cooldown.
type DueNotification struct {
	SubscriptionKey
	ItemName        string    `json:"item_name,omitempty"`
	NotifyThreshold int       `json:"notify_threshold_percent"`
	DiscountPercent int       `json:"discount_percent"`
	FinalPrice      int64     `json:"final_price"`
	InitialPrice    int64     `json:"initial_price"`
	Currency        string    `json:"currency"`
	ObservedAt      time.Time `json:"observed_at"`
}

func intPtr(v int) *int { return &v }
func timePtr(v time.Time) *time.Time { return &v }
