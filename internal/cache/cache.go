// Package cache is a best-effort TTL memoization layer over a key-value
// backend. Backend failures never break callers: the fetcher runs directly
// and only freshness is lost.
package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"
)

// TTL tiers per data class.
const (
	TTLProductInfo  = 1 * time.Hour
	TTLPriceHistory = 24 * time.Hour
	TTLStoreConfig  = 7 * 24 * time.Hour
	TTLAnalysis     = 3 * time.Hour
)

// Key namespaces. Invalidation relies on these prefixes.
const (
	PrefixProductInfo  = "product_info:"
	PrefixPriceHistory = "price_history:"
	PrefixStoreConfig  = "store_config:"
	PrefixAnalysis     = "analysis:"
)

// Backend is the key-value store behind the cache. Implementations must
// honor TTLs on their own; entries are never served past expiry.
type Backend interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
}

type Cache struct {
	backend Backend
	logger  *slog.Logger
}

func New(backend Backend, logger *slog.Logger) *Cache {
	return &Cache{
		backend: backend,
		logger:  logger.With("component", "cache"),
	}
}

// GetCached returns the cached value under key, or invokes fetch and
// stores the result for ttl. The fetcher runs at most once per miss; any
// backend error degrades to a direct fetch.
func GetCached[T any](ctx context.Context, c *Cache, key string, ttl time.Duration, fetch func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	raw, ok, err := c.backend.Get(ctx, key)
	if err != nil {
		c.logger.Error("cache read failed, falling back to fetcher", "key", key, "error", err)
		return fetch(ctx)
	}
	if ok {
		var cached T
		if err := json.Unmarshal([]byte(raw), &cached); err == nil {
			return cached, nil
		}
		c.logger.Warn("discarding undecodable cache entry", "key", key)
	}

	value, err := fetch(ctx)
	if err != nil {
		return zero, err
	}

	encoded, err := json.Marshal(value)
	if err != nil {
		c.logger.Error("cache encode failed", "key", key, "error", err)
		return value, nil
	}
	if err := c.backend.Set(ctx, key, string(encoded), ttl); err != nil {
		c.logger.Error("cache write failed", "key", key, "error", err)
	}
	return value, nil
}

// Invalidate removes a single key.
func (c *Cache) Invalidate(ctx context.Context, key string) {
	if err := c.backend.Delete(ctx, key); err != nil {
		c.logger.Error("cache invalidation failed", "key", key, "error", err)
	}
}

// InvalidateProduct purges every entry scoped to the product: its info,
// its price history, and any analysis derived from it.
func (c *Cache) InvalidateProduct(ctx context.Context, productID string) {
	purged := 0
	purged += c.deleteByPrefix(ctx, PrefixProductInfo+productID)
	purged += c.deleteByPrefix(ctx, PrefixPriceHistory+productID)
	purged += c.deleteMatching(ctx, PrefixAnalysis, productID)
	if purged > 0 {
		c.logger.Info("product cache invalidated", "product_id", productID, "keys", purged)
	}
}

func (c *Cache) deleteByPrefix(ctx context.Context, prefix string) int {
	keys, err := c.backend.Keys(ctx, prefix)
	if err != nil {
		c.logger.Error("cache key scan failed", "prefix", prefix, "error", err)
		return 0
	}
	for _, key := range keys {
		c.Invalidate(ctx, key)
	}
	return len(keys)
}

func (c *Cache) deleteMatching(ctx context.Context, prefix, substring string) int {
	keys, err := c.backend.Keys(ctx, prefix)
	if err != nil {
		c.logger.Error("cache key scan failed", "prefix", prefix, "error", err)
		return 0
	}
	deleted := 0
	for _, key := range keys {
		if strings.Contains(key, substring) {
			c.Invalidate(ctx, key)
			deleted++
		}
	}
	return deleted
}
