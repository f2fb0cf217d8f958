package testutil

import (
	"os"
	"strconv"
	"sync"
	"testing"

	infraCache "github.com/audithero/velro-backend-sub004/internal/infra/cache"
)

var (
	cacheOnce   sync.Once
	sharedCache *infraCache.Cache
	cacheErr    error
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// GetCache returns the shared redis client, or nil when redis is not
// reachable. The engine serves degraded without a shared cache, so most
// tests proceed either way; only tier-specific assertions demand redis.
func GetCache(t *testing.T) *infraCache.Cache {
	t.Helper()

	cacheOnce.Do(func() {
		host := envOr("REDIS_HOST", "localhost")

		portStr := envOr("REDIS_PORT", "6379")
		port, err := strconv.Atoi(portStr)
		if err != nil {
			port = 6379
		}

		pw := envOr("REDIS_PASSWORD", "")

		dbStr := envOr("REDIS_DB", "0")
		dbNum, err := strconv.Atoi(dbStr)
		if err != nil {
			dbNum = 0
		}

		sharedCache, cacheErr = infraCache.New(host, port, pw, dbNum)
	})

	if cacheErr != nil {
		t.Logf("testutil: Redis cache not available (%v); proceeding without cache", cacheErr)
		return nil
	}
	return sharedCache
}

func MustCache(t *testing.T) *infraCache.Cache {
	t.Helper()
	c := GetCache(t)
	if c == nil {
		t.Skip("Redis is required for this test but not available")
	}
	return c
}

func CacheFlushAll(t *testing.T) {
	t.Helper()
	if sharedCache != nil {
		if err := sharedCache.FlushAll(t.Context()); err != nil {
			t.Logf("testutil: FlushAll failed: %v", err)
		}
	}
}

// Teardown closes the shared clients. Call from TestMain.
func Teardown() {
	if sharedCache != nil {
		_ = sharedCache.Close()
		sharedCache = nil
	}
	if sharedDB != nil {
		sharedDB.Close()
		sharedDB = nil
	}
}
