package authz

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/audithero/velro-backend-sub004/internal/audit"
	"github.com/audithero/velro-backend-sub004/internal/circuitbreaker"
	"github.com/audithero/velro-backend-sub004/internal/common/config"
	"github.com/audithero/velro-backend-sub004/internal/common/errors"
	"github.com/audithero/velro-backend-sub004/internal/infra/cache"
	"github.com/audithero/velro-backend-sub004/internal/monitor"
	"github.com/audithero/velro-backend-sub004/internal/observability"
)

// Entity store failures before the breaker opens and forces fail-closed,
// and how long it stays open before a probe.
const (
	breakerMaxFailures = 5
	breakerResetAfter  = 10 * time.Second
)

// Engine walks the cache tiers for every check: L1 process-local, L2
// redis, L3 flattened snapshot, then direct computation. Every tier hit is
// validated against current scope versions before it is served, and every
// ambiguous failure denies.
type Engine struct {
	store    EntityStore
	cache    *cache.Cache
	tuning   atomic.Pointer[config.EngineConfig]
	l1       atomic.Pointer[L1Cache]
	l2       atomic.Pointer[L2Cache]
	l3       atomic.Pointer[SnapshotTier]
	versions *VersionSource
	resolver *Resolver
	breaker  *circuitbreaker.CircuitBreaker
	degraded *DegradedController
	monitor  *monitor.Monitor
	group    singleflight.Group
	logger   *zap.Logger
}

// NewEngine wires the tiers. c may be nil, in which case the engine runs
// without shared cache tiers and reports degraded_no_cache. mon and aud
// may be nil.
func NewEngine(cfg config.EngineConfig, st EntityStore, c *cache.Cache, mon *monitor.Monitor, aud *audit.Logger, logger *zap.Logger) *Engine {
	breaker := circuitbreaker.New(breakerMaxFailures, breakerResetAfter)
	versions := NewVersionSource(c, st, logger)

	e := &Engine{
		store:    st,
		cache:    c,
		versions: versions,
		resolver: NewResolver(st),
		breaker:  breaker,
		degraded: NewDegradedController(breaker, c, aud, logger),
		monitor:  mon,
		logger:   logger,
	}
	e.tuning.Store(&cfg)
	e.l1.Store(NewL1Cache(cfg.L1MaxEntries, cfg.L1TTL))
	if c != nil {
		e.l2.Store(NewL2Cache(c, cfg.L2TTL))
	}
	e.l3.Store(NewSnapshotTier(st, versions, cfg.L3MaxStaleness, logger))

	return e
}

// CheckAccess decides whether userID may perform op on the resource. The
// returned decision is always usable: on error it denies. When the caller
// supplies no deadline the engine applies its own check timeout.
func (e *Engine) CheckAccess(ctx context.Context, userID uuid.UUID, rt ResourceType, resourceID uuid.UUID, op Operation) (*Decision, error) {
	start := time.Now()

	if !KnownResource(rt) || !KnownOperation(op) {
		return e.finish(start, TierNone, nil, nil)
	}

	cfg := e.tuning.Load()
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.CheckTimeout)
		defer cancel()
	}

	mode := e.degraded.Mode(ctx)
	if mode == ModeDegradedFailClosed {
		return e.finish(start, TierNone, nil,
			errors.CacheUnavailable("authorization degraded, failing closed", nil))
	}

	key := DecisionKey(userID, rt, resourceID, op)

	if mode == ModeNormal {
		if entry := e.fromL1(ctx, key); entry != nil {
			return e.finish(start, TierL1, entry, nil)
		}
		if entry := e.fromL2(ctx, key); entry != nil {
			e.l1.Load().Set(key, entry)
			return e.finish(start, TierL2, entry, nil)
		}
		if rt == ResourceProject {
			if entry := e.fromL3(ctx, key, userID, resourceID, op); entry != nil {
				e.writeBack(ctx, entry)
				return e.finish(start, TierL3, entry, nil)
			}
		}
	}

	entry, err := e.computeShared(ctx, key, userID, rt, resourceID, op)
	if err != nil {
		return e.finish(start, TierNone, nil, err)
	}
	if mode == ModeNormal {
		e.writeBack(ctx, entry)
	}

	return e.finish(start, TierDirect, entry, nil)
}

// Warm computes one decision and upserts it into the shared tiers without
// reading them first. Idempotent: entries are pure functions of entity
// state and stamps.
func (e *Engine) Warm(ctx context.Context, userID uuid.UUID, rt ResourceType, resourceID uuid.UUID, op Operation) error {
	if !KnownResource(rt) || !KnownOperation(op) {
		return errors.BadRequest("unknown resource type or operation")
	}
	if e.degraded.Mode(ctx) != ModeNormal {
		return errors.CacheUnavailable("cannot warm while degraded", nil)
	}

	key := DecisionKey(userID, rt, resourceID, op)
	entry, err := e.computeShared(ctx, key, userID, rt, resourceID, op)
	if err != nil {
		return err
	}
	e.writeBack(ctx, entry)
	return nil
}

func (e *Engine) fromL1(ctx context.Context, key string) *CacheEntry {
	l1 := e.l1.Load()
	entry, ok := l1.Get(key)
	if !ok {
		return nil
	}
	if entry.Expired(time.Now()) || !e.validate(ctx, entry) {
		l1.Delete(key)
		return nil
	}
	return entry
}

func (e *Engine) fromL2(ctx context.Context, key string) *CacheEntry {
	l2 := e.l2.Load()
	if l2 == nil {
		return nil
	}

	entry, err := l2.Get(ctx, key)
	if err != nil {
		e.degraded.NoteCacheError(err)
		e.logger.Debug("l2 read failed", zap.Error(err))
		return nil
	}
	e.degraded.NoteCacheSuccess()
	if entry == nil {
		return nil
	}

	if entry.Expired(time.Now()) || !e.validate(ctx, entry) {
		_ = l2.Delete(ctx, key)
		return nil
	}
	return entry
}

func (e *Engine) fromL3(ctx context.Context, key string, userID, projectID uuid.UUID, op Operation) *CacheEntry {
	out, err := e.l3.Load().Lookup(ctx, userID, projectID, op)
	if err != nil {
		e.logger.Debug("l3 lookup failed", zap.Error(err))
		return nil
	}
	if out == nil {
		return nil
	}
	return e.entryFromOutcome(key, out)
}

// validate confirms every stamp on the entry still matches the current
// scope version. An entry that cannot be verified is treated as a miss,
// never served.
func (e *Engine) validate(ctx context.Context, entry *CacheEntry) bool {
	if len(entry.Stamps) == 0 {
		return true
	}

	scopes := make([]Scope, 0, len(entry.Stamps))
	for stampKey := range entry.Stamps {
		scope, ok := ParseStampKey(stampKey)
		if !ok {
			return false
		}
		scopes = append(scopes, scope)
	}

	current, err := e.versions.Current(ctx, scopes)
	if err != nil {
		return false
	}

	for stampKey, stamped := range entry.Stamps {
		if current[stampKey] != stamped {
			return false
		}
	}
	return true
}

// computeShared collapses concurrent cold-path computations for the same
// key into one resolver call. The computation runs on a detached context
// with the engine's own timeout so that one caller's cancelation cannot
// poison the result every other waiter shares; each caller still observes
// its own deadline through the select.
func (e *Engine) computeShared(ctx context.Context, key string, userID uuid.UUID, rt ResourceType, resourceID uuid.UUID, op Operation) (*CacheEntry, error) {
	ch := e.group.DoChan(key, func() (interface{}, error) {
		cctx, cancel := context.WithTimeout(context.Background(), e.tuning.Load().CheckTimeout)
		defer cancel()
		return e.compute(cctx, key, userID, rt, resourceID, op)
	})

	select {
	case <-ctx.Done():
		return nil, errors.Timeout("authorization check did not complete in time")
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*CacheEntry), nil
	}
}

func (e *Engine) compute(ctx context.Context, key string, userID uuid.UUID, rt ResourceType, resourceID uuid.UUID, op Operation) (*CacheEntry, error) {
	var out *Outcome
	err := e.breaker.Call(func() error {
		var rerr error
		out, rerr = e.resolver.Resolve(ctx, userID, rt, resourceID, op)
		return rerr
	})
	if err != nil {
		if err == circuitbreaker.ErrCircuitOpen {
			return nil, errors.CacheUnavailable("entity store circuit open", err)
		}
		if ctx.Err() != nil {
			return nil, errors.Timeout("authorization check did not complete in time")
		}
		return nil, errors.Internal("authorization computation failed", err)
	}

	return e.entryFromOutcome(key, out), nil
}

func (e *Engine) entryFromOutcome(key string, out *Outcome) *CacheEntry {
	now := time.Now()
	return &CacheEntry{
		Key:        key,
		Granted:    out.Granted,
		Role:       out.Role,
		Method:     out.Method,
		Stamps:     out.Stamps,
		ComputedAt: now,
		ExpiresAt:  now.Add(e.tuning.Load().L2TTL),
	}
}

// writeBack populates the tiers above the one that answered. Best effort:
// a failed L2 write costs a future recomputation, nothing else.
func (e *Engine) writeBack(ctx context.Context, entry *CacheEntry) {
	if l2 := e.l2.Load(); l2 != nil {
		if err := l2.Set(ctx, entry); err != nil {
			e.degraded.NoteCacheError(err)
			e.logger.Debug("decision write-back failed", zap.Error(err))
		} else {
			e.degraded.NoteCacheSuccess()
		}
	}
	e.l1.Load().Set(entry.Key, entry)
}

func (e *Engine) finish(start time.Time, source Tier, entry *CacheEntry, err error) (*Decision, error) {
	decision := &Decision{
		Method:    MethodNone,
		Source:    source,
		Latency:   time.Since(start),
		CheckedAt: start,
	}
	if err == nil && entry != nil {
		decision.Granted = entry.Granted
		decision.EffectiveRole = entry.Role
		decision.Method = entry.Method
	}

	if e.monitor != nil {
		e.monitor.Record(string(source), decision.Latency, decision.Granted)
	}
	observability.RecordAuthzCheck(string(source), checkOutcome(decision, err), decision.Latency)

	return decision, err
}

func checkOutcome(d *Decision, err error) string {
	switch {
	case err != nil:
		return "error"
	case d.Granted:
		return "granted"
	default:
		return "denied"
	}
}

// ApplyTuning swaps the engine's tunables at runtime. Tiers whose
// parameters changed are rebuilt; rebuilt tiers start cold.
func (e *Engine) ApplyTuning(cfg config.EngineConfig) {
	old := e.tuning.Swap(&cfg)

	if old.L1MaxEntries != cfg.L1MaxEntries || old.L1TTL != cfg.L1TTL {
		e.l1.Store(NewL1Cache(cfg.L1MaxEntries, cfg.L1TTL))
	}
	if e.cache != nil && old.L2TTL != cfg.L2TTL {
		e.l2.Store(NewL2Cache(e.cache, cfg.L2TTL))
	}
	if old.L3MaxStaleness != cfg.L3MaxStaleness {
		e.l3.Store(NewSnapshotTier(e.store, e.versions, cfg.L3MaxStaleness, e.logger))
	}

	e.logger.Info("engine tuning applied",
		zap.Duration("check_timeout", cfg.CheckTimeout),
		zap.Duration("l1_ttl", cfg.L1TTL),
		zap.Int("l1_max_entries", cfg.L1MaxEntries),
		zap.Duration("l2_ttl", cfg.L2TTL),
		zap.Duration("l3_max_staleness", cfg.L3MaxStaleness))
}

// Mode reports the current operating mode.
func (e *Engine) Mode(ctx context.Context) Mode {
	return e.degraded.Mode(ctx)
}

// Degraded exposes the controller for operator tooling.
func (e *Engine) Degraded() *DegradedController {
	return e.degraded
}

// Versions exposes the version source so the invalidation coordinator and
// the engine validate against the same counters.
func (e *Engine) Versions() *VersionSource {
	return e.versions
}

func (e *Engine) BreakerState() circuitbreaker.State {
	return e.breaker.GetState()
}

// L1Stats reports local tier counters for health and diagnostics.
func (e *Engine) L1Stats() (hits, misses int64, entries int) {
	l1 := e.l1.Load()
	hits, misses = l1.Stats()
	return hits, misses, l1.Len()
}

// PurgeL1 drops every process-local entry. Shared tiers are untouched.
func (e *Engine) PurgeL1() {
	e.l1.Load().Purge()
}

// SnapshotRefreshedAt reports the L3 view's last known refresh time.
func (e *Engine) SnapshotRefreshedAt() time.Time {
	return e.l3.Load().RefreshedAt()
}
