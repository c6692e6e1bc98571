package prices

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/R3E-Network/pricewatch/internal/cache"
)

func TestServiceCachesQuotes(t *testing.T) {
	var calls int32
	fetcher := FetcherFunc(func(ctx context.Context, itemID int64, region string) (Quote, error) {
		n := atomic.AddInt32(&calls, 1)
		return Quote{ItemID: itemID, Region: region, FinalPrice: int64(100 * n), Currency: "USD"}, nil
	})
	svc := NewService(fetcher, cache.NewMemory(), time.Hour, nil)
	ctx := context.Background()

	first, err := svc.Get(ctx, 570, "us")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	second, _ := svc.Get(ctx, 570, "us")
	if first.FinalPrice != second.FinalPrice || atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected cached quote, calls=%d", calls)
	}

	refreshed, _ := svc.Refresh(ctx, 570, "us")
	if refreshed.FinalPrice != 200 || atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("refresh must bypass the cache: %+v", refreshed)
	}
	third, _ := svc.Get(ctx, 570, "us")
	if third.FinalPrice != 200 {
		t.Fatalf("refresh must update the cache, got %+v", third)
	}
}

func TestServicePropagatesErrors(t *testing.T) {
	svc := NewService(FetcherFunc(func(context.Context, int64, string) (Quote, error) {
		return Quote{}, ErrTerminal
	}), nil, time.Hour, nil)
	if _, err := svc.Get(context.Background(), 1, "us"); !errors.Is(err, ErrTerminal) {
		t.Fatalf("err = %v", err)
	}
}
