package invalidation

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/audithero/velro-backend-sub004/internal/audit"
	"github.com/audithero/velro-backend-sub004/internal/authz"
	"github.com/audithero/velro-backend-sub004/internal/infra/cache"
	"github.com/audithero/velro-backend-sub004/internal/observability"
	"github.com/audithero/velro-backend-sub004/internal/retry"
)

type Store interface {
	BumpScopeVersion(ctx context.Context, scopeType string, scopeID uuid.UUID) (int64, error)
	BumpScopeVersionTx(ctx context.Context, tx pgx.Tx, scopeType string, scopeID uuid.UUID) (int64, error)
	GetScopeVersion(ctx context.Context, scopeType string, scopeID uuid.UUID) (int64, error)
	TeamIDsForUser(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error)
	OwnedProjectIDs(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error)
}

// Coordinator drives scope invalidation: the authoritative version bump in
// postgres, the counter mirror the read path validates against, and the
// escalation ladder when the mirror cannot be kept current. Every rung
// leaves readers at least as strict as the one above it - a dropped
// counter is reseeded from postgres on the next read, and a flushed
// decision namespace only forces recomputation.
type Coordinator struct {
	store    Store
	versions *authz.VersionSource
	cache    *cache.Cache
	audit    *audit.Logger
	logger   *zap.Logger
}

func New(store Store, versions *authz.VersionSource, c *cache.Cache, auditor *audit.Logger, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		store:    store,
		versions: versions,
		cache:    c,
		audit:    auditor,
		logger:   logger,
	}
}

// InvalidateScope bumps the scope's authoritative version and mirrors the
// new value into the shared counter. The bump alone is sufficient for
// correctness; the mirror keeps it cheap to observe.
func (c *Coordinator) InvalidateScope(ctx context.Context, scope authz.Scope) (int64, error) {
	version, err := c.store.BumpScopeVersion(ctx, string(scope.Type), scope.ID)
	if err != nil {
		return 0, err
	}

	observability.RecordInvalidation(string(scope.Type))
	c.MirrorAfterCommit(ctx, scope, version)

	c.logger.Info("scope invalidated",
		zap.String("scope", scope.StampKey()),
		zap.Int64("version", version))
	return version, nil
}

// BumpTx bumps the scope version inside the caller's transaction so the
// invalidation commits or rolls back with the mutation it belongs to. The
// caller must invoke MirrorAfterCommit with the returned version once the
// transaction has committed.
func (c *Coordinator) BumpTx(ctx context.Context, tx pgx.Tx, scope authz.Scope) (int64, error) {
	return c.store.BumpScopeVersionTx(ctx, tx, string(scope.Type), scope.ID)
}

// MirrorAfterCommit pushes a committed bump into the counter mirror. On
// persistent failure the counter is dropped so readers reseed from
// postgres; if even the drop fails, the whole decision namespace goes. A
// cache that rejects all three is one the engine has already stopped
// trusting for reads.
func (c *Coordinator) MirrorAfterCommit(ctx context.Context, scope authz.Scope, version int64) {
	if c.cache == nil {
		return
	}

	// Brief attempts only: the mutation caller is waiting, and the drop
	// rung below covers a mirror that stays down.
	err := retry.WithBackoff(ctx, retry.Brief(), func() error {
		return c.versions.Mirror(ctx, scope, version)
	})
	if err == nil {
		return
	}

	c.logger.Error("version mirror failed, dropping counter",
		zap.String("scope", scope.StampKey()),
		zap.Int64("version", version),
		zap.Error(err))
	c.audit.LogInvalidationEscalation(ctx, scope.StampKey(), "counter mirror failed", err)

	if dropErr := c.versions.Drop(ctx, scope); dropErr != nil {
		c.audit.LogInvalidationEscalation(ctx, scope.StampKey(), "counter drop failed", dropErr)
		if _, flushErr := c.FlushDecisions(ctx, "counter unreachable after invalidation"); flushErr != nil {
			c.logger.Error("decision flush failed", zap.Error(flushErr))
		}
	}
}

// InvalidateUser bumps every scope a user's access can flow through:
// teams they hold or held a membership in, and projects they own. Entries
// that grant through no scope at all, public reads, age out with the cache
// TTL instead.
func (c *Coordinator) InvalidateUser(ctx context.Context, userID uuid.UUID) ([]authz.Scope, error) {
	teamIDs, err := c.store.TeamIDsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	projectIDs, err := c.store.OwnedProjectIDs(ctx, userID)
	if err != nil {
		return nil, err
	}

	scopes := make([]authz.Scope, 0, len(teamIDs)+len(projectIDs))
	for _, id := range teamIDs {
		scopes = append(scopes, authz.TeamScope(id))
	}
	for _, id := range projectIDs {
		scopes = append(scopes, authz.ProjectScope(id))
	}

	bumped := make([]authz.Scope, 0, len(scopes))
	for _, scope := range scopes {
		if _, err := c.InvalidateScope(ctx, scope); err != nil {
			// Bumps are idempotent; the caller can rerun the fan-out.
			return bumped, err
		}
		bumped = append(bumped, scope)
	}

	c.logger.Info("user scopes invalidated",
		zap.String("user_id", userID.String()),
		zap.Int("scopes", len(bumped)))
	return bumped, nil
}

type VerifyResult struct {
	Scope          string `json:"scope"`
	StoreVersion   int64  `json:"store_version"`
	CounterVersion int64  `json:"counter_version"`
	CounterSeen    bool   `json:"counter_seen"`
	Drift          bool   `json:"drift"`
	Repaired       bool   `json:"repaired"`
}

// VerifyScope compares the authoritative version with the counter mirror.
// A counter behind postgres lets cached entries validate against stale
// versions, which is how a revoked grant outlives its bump; drift is
// therefore critical and repaired by rewriting the counter when asked.
func (c *Coordinator) VerifyScope(ctx context.Context, scope authz.Scope, repair bool) (*VerifyResult, error) {
	storeVersion, err := c.store.GetScopeVersion(ctx, string(scope.Type), scope.ID)
	if err != nil {
		return nil, err
	}

	result := &VerifyResult{
		Scope:        scope.StampKey(),
		StoreVersion: storeVersion,
	}
	if c.cache == nil {
		return result, nil
	}

	counterVersion, seen, err := c.versions.Peek(ctx, scope)
	if err != nil {
		return nil, err
	}
	result.CounterVersion = counterVersion
	result.CounterSeen = seen

	if !seen || counterVersion == storeVersion {
		return result, nil
	}

	result.Drift = true
	observability.RecordVersionDrift(string(scope.Type))
	c.audit.LogVersionDrift(ctx, scope.StampKey(), storeVersion, counterVersion)

	if repair {
		if err := c.versions.Repair(ctx, scope, storeVersion); err != nil {
			return result, err
		}
		result.Repaired = true
	}
	return result, nil
}

// FlushDecisions clears the whole decision namespace. Decision keys are
// content hashes, so there is no narrower prefix to delete; this is the
// last resort when counters can no longer be trusted.
func (c *Coordinator) FlushDecisions(ctx context.Context, reason string) (int64, error) {
	if c.cache == nil {
		return 0, nil
	}

	deleted, err := c.cache.DeleteByPrefix(ctx, authz.DecisionKeyPrefix)
	if err != nil {
		return 0, err
	}

	observability.RecordDecisionFlush()
	c.audit.LogScopeFlush(ctx, authz.DecisionKeyPrefix, deleted, reason)
	return deleted, nil
}
