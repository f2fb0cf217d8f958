package authz

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/audithero/velro-backend-sub004/internal/infra/cache"
)

// VersionSource answers "what is the current version of these scopes". The
// redis counters are the fast path; the scope_versions table seeds missing
// counters and serves as the fallback when redis is unreachable, so stamp
// validation never fails open.
type VersionSource struct {
	cache  *cache.Cache
	store  EntityStore
	logger *zap.Logger
}

func NewVersionSource(c *cache.Cache, st EntityStore, logger *zap.Logger) *VersionSource {
	return &VersionSource{cache: c, store: st, logger: logger}
}

// Current resolves the present version of each scope, keyed by stamp key.
func (v *VersionSource) Current(ctx context.Context, scopes []Scope) (map[string]int64, error) {
	current := make(map[string]int64, len(scopes))
	if len(scopes) == 0 {
		return current, nil
	}

	if v.cache == nil {
		return v.fromStore(ctx, scopes)
	}

	keys := make([]string, len(scopes))
	for i, s := range scopes {
		keys[i] = VersionKey(s)
	}

	found, err := v.cache.MGetInt64(ctx, keys...)
	if err != nil {
		v.logger.Warn("version counters unavailable, falling back to store",
			zap.Error(err))
		return v.fromStore(ctx, scopes)
	}

	for i, s := range scopes {
		if version, ok := found[keys[i]]; ok {
			current[s.StampKey()] = version
			continue
		}
		version, err := v.seed(ctx, s)
		if err != nil {
			return nil, err
		}
		current[s.StampKey()] = version
	}

	return current, nil
}

func (v *VersionSource) CurrentOne(ctx context.Context, scope Scope) (int64, error) {
	current, err := v.Current(ctx, []Scope{scope})
	if err != nil {
		return 0, err
	}
	return current[scope.StampKey()], nil
}

// seed copies the authoritative version into redis. SETNX so a concurrent
// bump's INCR is never overwritten by an older read.
func (v *VersionSource) seed(ctx context.Context, scope Scope) (int64, error) {
	version, err := v.store.GetScopeVersion(ctx, string(scope.Type), scope.ID)
	if err != nil {
		return 0, err
	}
	if _, err := v.cache.SetNX(ctx, VersionKey(scope), version, 0); err != nil {
		v.logger.Warn("seeding version counter failed",
			zap.String("scope", scope.String()),
			zap.Error(err))
	}
	return version, nil
}

// Mirror applies an authoritative bump to the redis counter. The counter is
// seeded one below the target before the INCR so that concurrent bumps
// commute; a plain SET would let an older write clobber a newer one. If the
// counter still lags afterwards it is dropped and the next read re-seeds.
func (v *VersionSource) Mirror(ctx context.Context, scope Scope, pgVersion int64) error {
	if v.cache == nil {
		return nil
	}

	key := VersionKey(scope)
	if _, err := v.cache.SetNX(ctx, key, pgVersion-1, 0); err != nil {
		return err
	}

	n, err := v.cache.Incr(ctx, key)
	if err != nil {
		return err
	}
	if n < pgVersion {
		return v.cache.Delete(ctx, key)
	}

	return nil
}

// Drop removes a counter so the next read re-seeds from the store.
func (v *VersionSource) Drop(ctx context.Context, scope Scope) error {
	if v.cache == nil {
		return nil
	}
	return v.cache.Delete(ctx, VersionKey(scope))
}

// Peek reads the redis counter without seeding. ok is false when the
// counter is absent or redis is not configured.
func (v *VersionSource) Peek(ctx context.Context, scope Scope) (int64, bool, error) {
	if v.cache == nil {
		return 0, false, nil
	}

	n, err := v.cache.GetInt64(ctx, VersionKey(scope))
	if err == cache.ErrCacheMiss {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return n, true, nil
}

// Repair force-sets the counter to the authoritative version. Used by
// reconciliation after drift is detected.
func (v *VersionSource) Repair(ctx context.Context, scope Scope, pgVersion int64) error {
	if v.cache == nil {
		return nil
	}
	return v.cache.SetInt64(ctx, VersionKey(scope), pgVersion, 0)
}

func (v *VersionSource) fromStore(ctx context.Context, scopes []Scope) (map[string]int64, error) {
	byType := map[ScopeType][]uuid.UUID{}
	for _, s := range scopes {
		byType[s.Type] = append(byType[s.Type], s.ID)
	}

	current := make(map[string]int64, len(scopes))
	for scopeType, ids := range byType {
		versions, err := v.store.GetScopeVersions(ctx, string(scopeType), ids)
		if err != nil {
			return nil, err
		}
		for id, version := range versions {
			current[Scope{Type: scopeType, ID: id}.StampKey()] = version
		}
	}

	return current, nil
}
