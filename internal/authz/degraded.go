package authz

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/audithero/velro-backend-sub004/internal/audit"
	"github.com/audithero/velro-backend-sub004/internal/circuitbreaker"
	"github.com/audithero/velro-backend-sub004/internal/common/errors"
	"github.com/audithero/velro-backend-sub004/internal/infra/cache"
)

type Mode string

const (
	ModeNormal             Mode = "normal"
	ModeDegradedNoCache    Mode = "degraded_no_cache"
	ModeDegradedFailClosed Mode = "degraded_fail_closed"
)

const (
	cacheFailureThreshold = 3
	cacheCooldown         = 15 * time.Second
	overrideRefreshEvery  = time.Second
)

// DegradedController derives the engine's operating mode. An open entity
// store breaker always forces fail-closed; an operator override (stored in
// redis so every instance sees it) can force either degraded mode but can
// never force normal past an open breaker. Authorization never fails open.
type DegradedController struct {
	breaker *circuitbreaker.CircuitBreaker
	cache   *cache.Cache
	audit   *audit.Logger
	logger  *zap.Logger

	failures       int64 // consecutive redis failures
	unhealthyUntil int64 // unixnano; cache tiers bypassed until then

	override  atomic.Value // Mode
	fetchMu   sync.Mutex
	lastFetch time.Time

	mu       sync.Mutex
	lastMode Mode
}

func NewDegradedController(br *circuitbreaker.CircuitBreaker, c *cache.Cache, aud *audit.Logger, logger *zap.Logger) *DegradedController {
	d := &DegradedController{
		breaker:  br,
		cache:    c,
		audit:    aud,
		logger:   logger,
		lastMode: ModeNormal,
	}
	d.override.Store(Mode(""))
	return d
}

// Mode computes the current operating mode and logs transitions.
func (d *DegradedController) Mode(ctx context.Context) Mode {
	mode := d.compute(ctx)

	d.mu.Lock()
	if mode != d.lastMode {
		from := d.lastMode
		d.lastMode = mode
		d.mu.Unlock()

		d.logger.Warn("authorization mode changed",
			zap.String("from", string(from)),
			zap.String("to", string(mode)))
		if d.audit != nil {
			d.audit.LogModeChange(ctx, string(from), string(mode))
		}
		return mode
	}
	d.mu.Unlock()

	return mode
}

func (d *DegradedController) compute(ctx context.Context) Mode {
	if d.breaker != nil && d.breaker.GetState() == circuitbreaker.StateOpen {
		return ModeDegradedFailClosed
	}

	switch d.currentOverride(ctx) {
	case ModeDegradedFailClosed:
		return ModeDegradedFailClosed
	case ModeDegradedNoCache:
		return ModeDegradedNoCache
	}

	if d.cache == nil || !d.cacheHealthy() {
		return ModeDegradedNoCache
	}

	return ModeNormal
}

// NoteCacheError counts consecutive redis failures; past the threshold the
// cache tiers are bypassed for a cooldown window, after which traffic
// probes redis again.
func (d *DegradedController) NoteCacheError(err error) {
	n := atomic.AddInt64(&d.failures, 1)
	if n >= cacheFailureThreshold {
		atomic.StoreInt64(&d.failures, 0)
		atomic.StoreInt64(&d.unhealthyUntil, time.Now().Add(cacheCooldown).UnixNano())
		d.logger.Warn("redis unhealthy, bypassing cache tiers",
			zap.Duration("cooldown", cacheCooldown),
			zap.Error(err))
	}
}

func (d *DegradedController) NoteCacheSuccess() {
	atomic.StoreInt64(&d.failures, 0)
}

func (d *DegradedController) cacheHealthy() bool {
	return time.Now().UnixNano() >= atomic.LoadInt64(&d.unhealthyUntil)
}

// currentOverride returns the operator override, refreshing it from redis
// at most once per second without ever blocking other callers.
func (d *DegradedController) currentOverride(ctx context.Context) Mode {
	mode, _ := d.override.Load().(Mode)
	if d.cache == nil {
		return mode
	}

	if d.fetchMu.TryLock() {
		defer d.fetchMu.Unlock()
		now := time.Now()
		if now.Sub(d.lastFetch) >= overrideRefreshEvery {
			d.lastFetch = now
			var stored string
			err := d.cache.Get(ctx, ModeKey, &stored)
			switch {
			case err == cache.ErrCacheMiss:
				d.override.Store(Mode(""))
				mode = ""
			case err != nil:
				// Keep the last known override; redis trouble is handled
				// by the failure counter on the read path.
			default:
				d.override.Store(Mode(stored))
				mode = Mode(stored)
			}
		}
	}

	return mode
}

// SetOverride pins a degraded mode for every instance. Only degraded modes
// may be forced; normal operation is only ever reached by recovery.
func (d *DegradedController) SetOverride(ctx context.Context, mode Mode) error {
	if mode != ModeDegradedNoCache && mode != ModeDegradedFailClosed {
		return errors.BadRequest("only degraded modes can be forced")
	}

	if d.cache != nil {
		if err := d.cache.Set(ctx, ModeKey, string(mode), 0); err != nil {
			return err
		}
	}
	d.override.Store(mode)

	d.logger.Warn("authorization mode override set", zap.String("mode", string(mode)))
	if d.audit != nil {
		d.audit.LogModeOverride(ctx, string(mode))
	}
	return nil
}

func (d *DegradedController) ClearOverride(ctx context.Context) error {
	if d.cache != nil {
		if err := d.cache.Delete(ctx, ModeKey); err != nil {
			return err
		}
	}
	d.override.Store(Mode(""))

	d.logger.Info("authorization mode override cleared")
	return nil
}
