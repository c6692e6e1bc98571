// Package prices fetches current item prices from the storefront API and
// caches them.
package prices

import (
	"time"

	"github.com/R3E-Network/pricewatch/internal/app/domain/pricehistory"
)

// Quote is a current price read from the storefront.
type Quote struct {
	ItemID          int64     `json:"item_id"`
	Name            string    `json:"name,omitempty"`
	Region          string    `json:"region"`
	IsFree          bool      `json:"is_free"`
	FinalPrice      int64     `json:"final_price"`
	InitialPrice    int64     `json:"initial_price"`
	DiscountPercent int       `json:"discount_percent"`
	Currency        string    `json:"currency,omitempty"`
	FetchedAt       time.Time `json:"fetched_at"`
}

// Snapshot converts the quote into a history fact observed at FetchedAt.
// Free items have no price to track and report false.
func (q Quote) Snapshot() (pricehistory.Snapshot, bool) {
	if q.IsFree {
		return pricehistory.Snapshot{}, false
	}
	return pricehistory.Snapshot{
		ItemID:          q.ItemID,
		Region:          q.Region,
		ObservedAt:      q.FetchedAt,
		FinalPrice:      q.FinalPrice,
		InitialPrice:    q.InitialPrice,
		DiscountPercent: q.DiscountPercent,
		Currency:        q.Currency,
	}, true
}
