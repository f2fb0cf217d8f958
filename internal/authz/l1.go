package authz

import (
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// L1Cache is the process-local tier: a small expirable LRU with a TTL of a
// couple of seconds. There is no cross-process coordination; the short TTL
// and stamp validation bound how long an instance can disagree with its
// peers.
type L1Cache struct {
	entries *expirable.LRU[string, *CacheEntry]
	hits    int64
	misses  int64
}

func NewL1Cache(maxEntries int, ttl time.Duration) *L1Cache {
	return &L1Cache{
		entries: expirable.NewLRU[string, *CacheEntry](maxEntries, nil, ttl),
	}
}

func (c *L1Cache) Get(key string) (*CacheEntry, bool) {
	entry, ok := c.entries.Get(key)
	if !ok {
		atomic.AddInt64(&c.misses, 1)
		return nil, false
	}

	atomic.AddInt64(&c.hits, 1)
	return entry, true
}

func (c *L1Cache) Set(key string, entry *CacheEntry) {
	c.entries.Add(key, entry)
}

func (c *L1Cache) Delete(key string) {
	c.entries.Remove(key)
}

func (c *L1Cache) Purge() {
	c.entries.Purge()
}

func (c *L1Cache) Len() int {
	return c.entries.Len()
}

func (c *L1Cache) Stats() (hits, misses int64) {
	return atomic.LoadInt64(&c.hits), atomic.LoadInt64(&c.misses)
}
