package authz

import (
	"context"
	"time"

	"github.com/audithero/velro-backend-sub004/internal/infra/cache"
)

// L2Cache is the shared redis tier. Writes are plain last-write-wins
// upserts: entries are pure functions of entity state and stamps, so
// concurrent writers always converge on an equivalent value.
type L2Cache struct {
	cache *cache.Cache
	ttl   time.Duration
}

func NewL2Cache(c *cache.Cache, ttl time.Duration) *L2Cache {
	return &L2Cache{cache: c, ttl: ttl}
}

// Get returns (nil, nil) on a miss. A non-nil error means redis itself
// failed, which the engine counts toward degraded-mode tracking.
func (c *L2Cache) Get(ctx context.Context, key string) (*CacheEntry, error) {
	var entry CacheEntry
	err := c.cache.Get(ctx, key, &entry)
	if err == cache.ErrCacheMiss {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (c *L2Cache) Set(ctx context.Context, entry *CacheEntry) error {
	return c.cache.Set(ctx, entry.Key, entry, c.ttl)
}

func (c *L2Cache) Delete(ctx context.Context, keys ...string) error {
	return c.cache.Delete(ctx, keys...)
}

func (c *L2Cache) TTL() time.Duration {
	return c.ttl
}
