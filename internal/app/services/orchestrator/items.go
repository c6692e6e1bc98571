package orchestrator

import (
	"context"
	"fmt"

	"github.com/R3E-Network/pricewatch/internal/app/storage"
)

// ItemSource provides the set of item ids to refresh.
type ItemSource interface {
	TrackedItems(ctx context.Context, limit int) ([]int64, error)
}

// ItemSourceFunc adapts a function to ItemSource.
type ItemSourceFunc func(ctx context.Context, limit int) ([]int64, error)

func (f ItemSourceFunc) TrackedItems(ctx context.Context, limit int) ([]int64, error) {
	return f(ctx, limit)
}

// StoreItemSource combines a static item list with the items that have an
// active subscription in the store. Static items come first.
type StoreItemSource struct {
	store  storage.SubscriptionStore
	static []int64
}

// NewStoreItemSource returns an ItemSource backed by store plus static ids.
// A nil store yields only the static list.
func NewStoreItemSource(store storage.SubscriptionStore, static []int64) *StoreItemSource {
	return &StoreItemSource{store: store, static: append([]int64(nil), static...)}
}

func (s *StoreItemSource) TrackedItems(ctx context.Context, limit int) ([]int64, error) {
	var fromStore []int64
	if s.store != nil {
		ids, err := s.store.ListTrackedItems(ctx, limit)
		if err != nil {
			return nil, fmt.Errorf("list tracked items: %w", err)
		}
		fromStore = ids
	}

	seen := make(map[int64]struct{}, len(s.static)+len(fromStore))
	out := make([]int64, 0, len(s.static)+len(fromStore))
	for _, list := range [][]int64{s.static, fromStore} {
		for _, id := range list {
			if limit > 0 && len(out) >= limit {
				return out, nil
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out, nil
}
