package cache

import (
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/maltedev/allegro-price-monitor/internal/models"
)

const resultKeyPrefix = "price-check:"

// ResultCache remembers recent successful checks per offer so a worker can
// skip navigating to an offer it has just seen.
type ResultCache struct {
	cache  CacheService
	ttl    time.Duration
	logger *slog.Logger
}

func NewResultCache(cache CacheService, ttl time.Duration, logger *slog.Logger) *ResultCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &ResultCache{
		cache:  cache,
		ttl:    ttl,
		logger: logger.With("component", "result_cache"),
	}
}

func resultKey(offerID string) string {
	return resultKeyPrefix + offerID
}

// Get returns the cached result for offerID with its price difference
// recomputed against myPrice. Any cache error counts as a miss.
func (c *ResultCache) Get(offerID string, myPrice float64) (*models.PriceCheckResult, bool) {
	data, err := c.cache.Get(resultKey(offerID))
	if err != nil {
		if !errors.Is(err, ErrMiss) {
			c.logger.Debug("cache read failed", "offer_id", offerID, "error", err)
		}
		return nil, false
	}

	var result models.PriceCheckResult
	if err := json.Unmarshal(data, &result); err != nil {
		c.logger.Debug("dropping undecodable cache entry", "offer_id", offerID, "error", err)
		_ = c.cache.Delete(resultKey(offerID))
		return nil, false
	}

	result.RecomputeDiff(myPrice)
	return &result, true
}

// Put stores a successful result. Failed results are never cached.
func (c *ResultCache) Put(result *models.PriceCheckResult) {
	if result == nil || result.Failed() || c.ttl <= 0 {
		return
	}

	data, err := json.Marshal(result)
	if err != nil {
		return
	}

	if err := c.cache.Set(resultKey(result.OfferID), data, c.ttl); err != nil {
		c.logger.Debug("cache write failed", "offer_id", result.OfferID, "error", err)
	}
}
