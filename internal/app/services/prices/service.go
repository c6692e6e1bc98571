package prices

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/R3E-Network/pricewatch/internal/cache"
	"github.com/R3E-Network/pricewatch/pkg/logger"
)

// Service fronts a Fetcher with a TTL cache.
type Service struct {
	fetcher Fetcher
	cache   cache.Cache
	ttl     time.Duration
	log     *logger.Logger
}

// NewService builds a Service. A nil cache disables caching.
func NewService(fetcher Fetcher, c cache.Cache, ttl time.Duration, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("prices")
	}
	return &Service{fetcher: fetcher, cache: c, ttl: ttl, log: log}
}

func cacheKey(itemID int64, region string) string {
	return fmt.Sprintf("price:%d:%s", itemID, strings.ToLower(region))
}

// Get returns the cached quote when fresh, otherwise fetches and caches it.
func (s *Service) Get(ctx context.Context, itemID int64, region string) (Quote, error) {
	if s.cache != nil {
		var q Quote
		err := cache.GetJSON(ctx, s.cache, cacheKey(itemID, region), &q)
		if err == nil {
			return q, nil
		}
		if !errors.Is(err, cache.ErrMiss) {
			s.log.WithError(err).WithField("item_id", itemID).Debug("price cache read failed")
		}
	}
	return s.Refresh(ctx, itemID, region)
}

// Refresh always fetches from the source and overwrites the cache entry.
func (s *Service) Refresh(ctx context.Context, itemID int64, region string) (Quote, error) {
	q, err := s.fetcher.Fetch(ctx, itemID, region)
	if err != nil {
		return Quote{}, err
	}
	if s.cache != nil && s.ttl > 0 {
		if err := cache.SetJSON(ctx, s.cache, cacheKey(itemID, region), q, s.ttl); err != nil {
			s.log.WithError(err).WithField("item_id", itemID).Debug("price cache write failed")
		}
	}
	return q, nil
}
