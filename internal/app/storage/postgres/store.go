package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/R3E-Network/pricewatch/internal/app/domain/pricehistory"
	"github.com/R3E-Network/pricewatch/internal/app/storage"
)

// Store implements the storage interfaces backed by PostgreSQL.
type Store struct {
	db *sqlx.DB
}

var _ storage.Store = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: sqlx.NewDb(db, "postgres")}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// --- rows -------------------------------------------------------------------

type snapshotRow struct {
	ItemID          int64     `db:"item_id"`
	Region          string    `db:"region_code"`
	ObservedAt      time.Time `db:"observed_at"`
	FinalPrice      int64     `db:"final_price"`
	InitialPrice    int64     `db:"initial_price"`
	DiscountPercent int       `db:"discount_percent"`
	Currency        string    `db:"currency_code"`
}

func (r snapshotRow) toDomain() pricehistory.Snapshot {
	return pricehistory.Snapshot{
		ItemID:          r.ItemID,
		Region:          r.Region,
		ObservedAt:      r.ObservedAt.UTC(),
		FinalPrice:      r.FinalPrice,
		InitialPrice:    r.InitialPrice,
		DiscountPercent: r.DiscountPercent,
		Currency:        r.Currency,
	}
}

type summaryRow struct {
	ItemID         int64      `db:"item_id"`
	FirstSeen      time.Time  `db:"first_seen"`
	LastSeen       time.Time  `db:"last_seen"`
	MinDiscount    *int       `db:"min_discount_ever"`
	MinDiscountAt  *time.Time `db:"min_discount_date"`
	MaxDiscount    *int       `db:"max_discount_ever"`
	MaxDiscountAt  *time.Time `db:"max_discount_date"`
	LastDiscount   *int       `db:"last_discount_percent"`
	LastDiscountAt *time.Time `db:"last_discount_date"`
}

func (r summaryRow) toDomain() pricehistory.Summary {
	return pricehistory.Summary{
		ItemID:         r.ItemID,
		FirstSeen:      r.FirstSeen.UTC(),
		LastSeen:       r.LastSeen.UTC(),
		MinDiscount:    r.MinDiscount,
		MinDiscountAt:  r.MinDiscountAt,
		MaxDiscount:    r.MaxDiscount,
		MaxDiscountAt:  r.MaxDiscountAt,
		LastDiscount:   r.LastDiscount,
		LastDiscountAt: r.LastDiscountAt,
	}
}

type fallbackStatsRow struct {
	TotalSnapshots int64      `db:"total_snapshots"`
	FirstSeen      *time.Time `db:"first_seen"`
	LastSeen       *time.Time `db:"last_seen"`
	MinDiscount    *int       `db:"min_discount_ever"`
	MinDiscountAt  *time.Time `db:"min_discount_date"`
	MaxDiscount    *int       `db:"max_discount_ever"`
	MaxDiscountAt  *time.Time `db:"max_discount_date"`
	LastDiscount   *int       `db:"last_discount_percent"`
	LastDiscountAt *time.Time `db:"last_discount_date"`
}

type subscriptionRow struct {
	SubscriberID    string     `db:"subscriber_id"`
	ItemID          int64      `db:"item_id"`
	TenantID        string     `db:"tenant_id"`
	ItemName        string     `db:"item_name"`
	NotifyThreshold int        `db:"notify_threshold_percent"`
	Active          bool       `db:"is_active"`
	CreatedAt       time.Time  `db:"created_at"`
	LastNotifiedAt  *time.Time `db:"last_notified_at"`
	LastDeliveryOK  *bool      `db:"last_delivery_ok"`
}

func (r subscriptionRow) toDomain() pricehistory.Subscription {
	return pricehistory.Subscription{
		SubscriptionKey: pricehistory.SubscriptionKey{SubscriberID: r.SubscriberID, ItemID: r.ItemID, TenantID: r.TenantID},
		ItemName:        r.ItemName,
		NotifyThreshold: r.NotifyThreshold,
		Active:          r.Active,
		CreatedAt:       r.CreatedAt.UTC(),
		LastNotifiedAt:  r.LastNotifiedAt,
		LastDeliveryOK:  r.LastDeliveryOK,
	}
}

type dueRow struct {
	SubscriberID    string    `db:"subscriber_id"`
	ItemID          int64     `db:"item_id"`
	TenantID        string    `db:"tenant_id"`
	ItemName        string    `db:"item_name"`
	NotifyThreshold int       `db:"notify_threshold_percent"`
	DiscountPercent int       `db:"discount_percent"`
	FinalPrice      int64     `db:"final_price"`
	InitialPrice    int64     `db:"initial_price"`
	Currency        string    `db:"currency_code"`
	ObservedAt      time.Time `db:"observed_at"`
}

// --- HistoryStore -----------------------------------------------------------

const (
	insertSnapshotSQL = `
		INSERT INTO price_snapshots
			(item_id, region_code, observed_at, final_price, initial_price, discount_percent, currency_code)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (item_id, region_code, observed_at) DO NOTHING`

	ensureSummarySQL = `
		INSERT INTO price_summaries (item_id, first_seen, last_seen)
		VALUES ($1, $2, $2)
		ON CONFLICT (item_id) DO NOTHING`

	summaryColumns = `item_id, first_seen, last_seen,
		min_discount_ever, min_discount_date,
		max_discount_ever, max_discount_date,
		last_discount_percent, last_discount_date`

	updateSummarySQL = `
		UPDATE price_summaries
		SET first_seen = $2, last_seen = $3,
			min_discount_ever = $4, min_discount_date = $5,
			max_discount_ever = $6, max_discount_date = $7,
			last_discount_percent = $8, last_discount_date = $9
		WHERE item_id = $1`
)

// SaveSnapshot inserts the snapshot and updates the summary under a row lock
// so concurrent writers for the same item serialize.
func (s *Store) SaveSnapshot(ctx context.Context, snap pricehistory.Snapshot) (bool, error) {
	snap = snap.Normalize()
	if err := snap.Validate(); err != nil {
		return false, fmt.Errorf("invalid snapshot: %w", err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, insertSnapshotSQL,
		snap.ItemID, snap.Region, snap.ObservedAt, snap.FinalPrice, snap.InitialPrice, snap.DiscountPercent, snap.Currency)
	if err != nil {
		return false, fmt.Errorf("insert snapshot: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert snapshot: %w", err)
	}
	if inserted == 0 {
		// fact already recorded; the summary already reflects it
		return false, tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, ensureSummarySQL, snap.ItemID, snap.ObservedAt); err != nil {
		return false, fmt.Errorf("ensure summary: %w", err)
	}

	var row summaryRow
	if err := tx.GetContext(ctx, &row, `SELECT `+summaryColumns+` FROM price_summaries WHERE item_id = $1 FOR UPDATE`, snap.ItemID); err != nil {
		return false, fmt.Errorf("lock summary: %w", err)
	}
	summary := row.toDomain()
	summary.Apply(snap.DiscountPercent, snap.ObservedAt)

	if _, err := tx.ExecContext(ctx, updateSummarySQL, summary.ItemID,
		summary.FirstSeen, summary.LastSeen,
		summary.MinDiscount, summary.MinDiscountAt,
		summary.MaxDiscount, summary.MaxDiscountAt,
		summary.LastDiscount, summary.LastDiscountAt,
	); err != nil {
		return false, fmt.Errorf("update summary: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

func (s *Store) GetHistory(ctx context.Context, itemID int64, region string, days int) ([]pricehistory.Snapshot, error) {
	var rows []snapshotRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT item_id, region_code, observed_at, final_price, initial_price, discount_percent, currency_code
		FROM price_snapshots
		WHERE item_id = $1
		  AND region_code = $2
		  AND observed_at >= NOW() - make_interval(days => $3)
		ORDER BY observed_at DESC
	`, itemID, strings.ToLower(strings.TrimSpace(region)), days)
	if err != nil {
		return nil, fmt.Errorf("get history: %w", err)
	}

	out := make([]pricehistory.Snapshot, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

// GetDiscountStats reads the summary row. When it is missing, the same
// values are aggregated from the snapshot log.
func (s *Store) GetDiscountStats(ctx context.Context, itemID int64) (pricehistory.Stats, error) {
	var row summaryRow
	err := s.db.GetContext(ctx, &row, `SELECT `+summaryColumns+` FROM price_summaries WHERE item_id = $1`, itemID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return s.statsFromLog(ctx, itemID)
	case err != nil:
		return pricehistory.Stats{}, fmt.Errorf("get summary: %w", err)
	}

	var count int64
	if err := s.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM price_snapshots WHERE item_id = $1`, itemID); err != nil {
		return pricehistory.Stats{}, fmt.Errorf("count snapshots: %w", err)
	}
	return pricehistory.Stats{Summary: row.toDomain(), TotalSnapshots: count}, nil
}

func (s *Store) statsFromLog(ctx context.Context, itemID int64) (pricehistory.Stats, error) {
	var row fallbackStatsRow
	err := s.db.GetContext(ctx, &row, `
		SELECT agg.total_snapshots, agg.first_seen, agg.last_seen,
			mn.discount_percent AS min_discount_ever, mn.observed_at AS min_discount_date,
			mx.discount_percent AS max_discount_ever, mx.observed_at AS max_discount_date,
			ls.discount_percent AS last_discount_percent, ls.observed_at AS last_discount_date
		FROM (
			SELECT COUNT(*) AS total_snapshots, MIN(observed_at) AS first_seen, MAX(observed_at) AS last_seen
			FROM price_snapshots WHERE item_id = $1
		) agg
		LEFT JOIN LATERAL (
			SELECT discount_percent, observed_at FROM price_snapshots
			WHERE item_id = $1 AND discount_percent > 0
			ORDER BY discount_percent ASC, observed_at ASC LIMIT 1
		) mn ON TRUE
		LEFT JOIN LATERAL (
			SELECT discount_percent, observed_at FROM price_snapshots
			WHERE item_id = $1 AND discount_percent > 0
			ORDER BY discount_percent DESC, observed_at ASC LIMIT 1
		) mx ON TRUE
		LEFT JOIN LATERAL (
			SELECT discount_percent, observed_at FROM price_snapshots
			WHERE item_id = $1 AND discount_percent > 0
			ORDER BY observed_at DESC LIMIT 1
		) ls ON TRUE
	`, itemID)
	if err != nil {
		return pricehistory.Stats{}, fmt.Errorf("aggregate history: %w", err)
	}
	if row.TotalSnapshots == 0 || row.FirstSeen == nil || row.LastSeen == nil {
		return pricehistory.Stats{}, storage.ErrNotFound
	}

	return pricehistory.Stats{
		Summary: pricehistory.Summary{
			ItemID:         itemID,
			FirstSeen:      row.FirstSeen.UTC(),
			LastSeen:       row.LastSeen.UTC(),
			MinDiscount:    row.MinDiscount,
			MinDiscountAt:  row.MinDiscountAt,
			MaxDiscount:    row.MaxDiscount,
			MaxDiscountAt:  row.MaxDiscountAt,
			LastDiscount:   row.LastDiscount,
			LastDiscountAt: row.LastDiscountAt,
		},
		TotalSnapshots: row.TotalSnapshots,
		FromLog:        true,
	}, nil
}

func (s *Store) BestDiscountEver(ctx context.Context, itemID int64) (pricehistory.BestDiscount, error) {
	var row snapshotRow
	err := s.db.GetContext(ctx, &row, `
		SELECT item_id, region_code, observed_at, final_price, initial_price, discount_percent, currency_code
		FROM price_snapshots
		WHERE item_id = $1 AND discount_percent > 0
		ORDER BY discount_percent DESC, observed_at DESC
		LIMIT 1
	`, itemID)
	if errors.Is(err, sql.ErrNoRows) {
		return pricehistory.BestDiscount{}, storage.ErrNotFound
	}
	if err != nil {
		return pricehistory.BestDiscount{}, fmt.Errorf("best discount: %w", err)
	}
	return pricehistory.BestDiscount{
		ItemID:          row.ItemID,
		DiscountPercent: row.DiscountPercent,
		FinalPrice:      row.FinalPrice,
		ObservedAt:      row.ObservedAt.UTC(),
		Region:          row.Region,
		Currency:        row.Currency,
	}, nil
}

func (s *Store) CleanupOldHistory(ctx context.Context, retainDays int) (int64, error) {
	if retainDays <= 0 {
		return 0, fmt.Errorf("retain days must be positive")
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM price_snapshots
		WHERE observed_at < NOW() - make_interval(days => $1)
		  AND discount_percent = 0
	`, retainDays)
	if err != nil {
		return 0, fmt.Errorf("cleanup history: %w", err)
	}
	return res.RowsAffected()
}

// --- SubscriptionStore ------------------------------------------------------

const subscriptionColumns = `subscriber_id, item_id, tenant_id, item_name, notify_threshold_percent,
	is_active, created_at, last_notified_at, last_delivery_ok`

func (s *Store) UpsertSubscription(ctx context.Context, sub pricehistory.Subscription) (pricehistory.Subscription, error) {
	if err := sub.Validate(); err != nil {
		return pricehistory.Subscription{}, fmt.Errorf("invalid subscription: %w", err)
	}

	var row subscriptionRow
	err := s.db.GetContext(ctx, &row, `
		INSERT INTO tracked_subscriptions
			(subscriber_id, item_id, tenant_id, item_name, notify_threshold_percent, is_active)
		VALUES ($1, $2, $3, $4, $5, TRUE)
		ON CONFLICT (subscriber_id, item_id, tenant_id) DO UPDATE SET
			notify_threshold_percent = EXCLUDED.notify_threshold_percent,
			is_active = TRUE,
			item_name = COALESCE(NULLIF(EXCLUDED.item_name, ''), tracked_subscriptions.item_name)
		RETURNING `+subscriptionColumns,
		sub.SubscriberID, sub.ItemID, sub.TenantID, sub.ItemName, sub.NotifyThreshold)
	if err != nil {
		return pricehistory.Subscription{}, fmt.Errorf("upsert subscription: %w", err)
	}
	return row.toDomain(), nil
}

func (s *Store) DeactivateSubscription(ctx context.Context, key pricehistory.SubscriptionKey) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tracked_subscriptions
		SET is_active = FALSE
		WHERE subscriber_id = $1 AND item_id = $2 AND tenant_id = $3 AND is_active
	`, key.SubscriberID, key.ItemID, key.TenantID)
	if err != nil {
		return false, fmt.Errorf("deactivate subscription: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *Store) ListSubscriptions(ctx context.Context, subscriberID, tenantID string) ([]pricehistory.Subscription, error) {
	var rows []subscriptionRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+subscriptionColumns+`
		FROM tracked_subscriptions
		WHERE subscriber_id = $1 AND tenant_id = $2 AND is_active
		ORDER BY created_at DESC
	`, subscriberID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}

	out := make([]pricehistory.Subscription, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

func (s *Store) ListTrackedItems(ctx context.Context, limit int) ([]int64, error) {
	if limit <= 0 {
		limit = math.MaxInt32
	}
	var ids []int64
	err := s.db.SelectContext(ctx, &ids, `
		SELECT DISTINCT item_id
		FROM tracked_subscriptions
		WHERE is_active
		ORDER BY item_id
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list tracked items: %w", err)
	}
	return ids, nil
}

// GetDueNotifications joins each active subscription with its latest snapshot
// at or above the threshold and drops those notified within the cooldown.
func (s *Store) GetDueNotifications(ctx context.Context, region string, cooldownHours int) ([]pricehistory.DueNotification, error) {
	var rows []dueRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT t.subscriber_id, t.item_id, t.tenant_id, t.item_name, t.notify_threshold_percent,
			h.discount_percent, h.final_price, h.initial_price, h.currency_code, h.observed_at
		FROM tracked_subscriptions t
		INNER JOIN LATERAL (
			SELECT discount_percent, final_price, initial_price, currency_code, observed_at
			FROM price_snapshots
			WHERE item_id = t.item_id
			  AND region_code = $1
			  AND discount_percent >= t.notify_threshold_percent
			ORDER BY observed_at DESC
			LIMIT 1
		) h ON TRUE
		WHERE t.is_active
		  AND (t.last_notified_at IS NULL OR t.last_notified_at < NOW() - make_interval(hours => $2))
		ORDER BY t.item_id, t.subscriber_id
	`, strings.ToLower(strings.TrimSpace(region)), cooldownHours)
	if err != nil {
		return nil, fmt.Errorf("due notifications: %w", err)
	}

	out := make([]pricehistory.DueNotification, 0, len(rows))
	for _, r := range rows {
		out = append(out, pricehistory.DueNotification{
			SubscriptionKey: pricehistory.SubscriptionKey{SubscriberID: r.SubscriberID, ItemID: r.ItemID, TenantID: r.TenantID},
			ItemName:        r.ItemName,
			NotifyThreshold: r.NotifyThreshold,
			DiscountPercent: r.DiscountPercent,
			FinalPrice:      r.FinalPrice,
			InitialPrice:    r.InitialPrice,
			Currency:        r.Currency,
			ObservedAt:      r.ObservedAt.UTC(),
		})
	}
	return out, nil
}

func (s *Store) MarkNotified(ctx context.Context, key pricehistory.SubscriptionKey, delivered bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tracked_subscriptions
		SET last_notified_at = NOW(), last_delivery_ok = $4
		WHERE subscriber_id = $1 AND item_id = $2 AND tenant_id = $3
	`, key.SubscriberID, key.ItemID, key.TenantID, delivered)
	if err != nil {
		return fmt.Errorf("mark notified: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}
