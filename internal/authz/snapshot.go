package authz

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/audithero/velro-backend-sub004/internal/common/errors"
	"github.com/audithero/velro-backend-sub004/internal/store"
)

// How often the tier re-probes the snapshot bookkeeping row. Between
// probes the last answer is reused, so the freshness gate costs nothing
// on the hot path.
const refreshProbeInterval = time.Second

// SnapshotTier (L3) serves decisions from the flattened project_access_flat
// view. It only ever serves grants: a row must carry exactly the versions
// that are current right now, and the absence of a qualifying row proves
// nothing, so anything else falls through to direct computation. Denials
// from stale flattened data would outlive the TTL bound, grants cannot.
type SnapshotTier struct {
	store        EntityStore
	versions     *VersionSource
	maxStaleness time.Duration
	logger       *zap.Logger

	freshness atomic.Value // snapshotFreshness
}

type snapshotFreshness struct {
	refreshedAt time.Time
	probedAt    time.Time
}

func NewSnapshotTier(st EntityStore, versions *VersionSource, maxStaleness time.Duration, logger *zap.Logger) *SnapshotTier {
	return &SnapshotTier{
		store:        st,
		versions:     versions,
		maxStaleness: maxStaleness,
		logger:       logger,
	}
}

// Lookup returns a granted outcome or nil. nil means "no answer here",
// never "denied".
func (t *SnapshotTier) Lookup(ctx context.Context, userID, projectID uuid.UUID, op Operation) (*Outcome, error) {
	if !t.fresh(ctx) {
		return nil, nil
	}

	rows, err := t.store.SnapshotRows(ctx, userID, projectID)
	if err != nil {
		return nil, err
	}

	scopes := []Scope{ProjectScope(projectID)}
	seen := map[uuid.UUID]bool{}
	for _, row := range rows {
		if row.TeamID != nil && !seen[*row.TeamID] {
			seen[*row.TeamID] = true
			scopes = append(scopes, TeamScope(*row.TeamID))
		}
	}

	current, err := t.versions.Current(ctx, scopes)
	if err != nil {
		return nil, err
	}
	projectStamp := current[ProjectScope(projectID).StampKey()]

	var (
		bestRole Role
		bestTeam *uuid.UUID
	)
	for _, row := range rows {
		if row.ProjectVersion != projectStamp {
			continue
		}

		if row.Method == string(MethodOwner) {
			return &Outcome{
				Granted: true,
				Role:    RoleOwner,
				Method:  MethodOwner,
				Stamps:  map[string]int64{ProjectScope(projectID).StampKey(): projectStamp},
			}, nil
		}

		if row.TeamID == nil || row.TeamVersion == nil {
			continue
		}
		teamKey := TeamScope(*row.TeamID).StampKey()
		if *row.TeamVersion != current[teamKey] {
			continue
		}

		role, ok := ParseRole(row.Role)
		if !ok {
			continue
		}
		if TeamPathQualifies(role, AccessLevel(row.AccessLevel), op) && role.Level() > bestRole.Level() {
			bestRole = role
			bestTeam = row.TeamID
		}
	}

	if bestRole != RoleNone {
		teamKey := TeamScope(*bestTeam).StampKey()
		return &Outcome{
			Granted: true,
			Role:    bestRole,
			Method:  MethodTeam,
			Stamps: map[string]int64{
				ProjectScope(projectID).StampKey(): projectStamp,
				teamKey:                            current[teamKey],
			},
		}, nil
	}

	// Public visibility cannot be flattened per user, so probe it live for
	// reads before giving up. Two primary-key lookups still beat a full
	// resolve.
	if PublicAllows(op) {
		return t.publicProbe(ctx, userID, projectID, projectStamp)
	}

	return nil, nil
}

func (t *SnapshotTier) publicProbe(ctx context.Context, userID, projectID uuid.UUID, projectStamp int64) (*Outcome, error) {
	user, err := t.store.GetUser(ctx, userID)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	if !user.IsActive {
		return nil, nil
	}

	project, err := t.store.GetProject(ctx, projectID)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	if project.Visibility != store.VisibilityPublic {
		return nil, nil
	}

	return &Outcome{
		Granted: true,
		Role:    RoleViewer,
		Method:  MethodPublic,
		Stamps:  map[string]int64{ProjectScope(projectID).StampKey(): projectStamp},
	}, nil
}

func (t *SnapshotTier) fresh(ctx context.Context) bool {
	now := time.Now()

	if f, ok := t.freshness.Load().(snapshotFreshness); ok && now.Sub(f.probedAt) < refreshProbeInterval {
		return now.Sub(f.refreshedAt) <= t.maxStaleness
	}

	refreshedAt, err := t.store.SnapshotRefreshedAt(ctx)
	if err != nil {
		if !errors.IsNotFound(err) {
			t.logger.Debug("snapshot freshness probe failed", zap.Error(err))
		}
		refreshedAt = time.Time{}
	}

	t.freshness.Store(snapshotFreshness{refreshedAt: refreshedAt, probedAt: now})
	return now.Sub(refreshedAt) <= t.maxStaleness
}

// RefreshedAt reports the last known snapshot refresh time for health
// reporting; the zero time means never refreshed or unknown.
func (t *SnapshotTier) RefreshedAt() time.Time {
	if f, ok := t.freshness.Load().(snapshotFreshness); ok {
		return f.refreshedAt
	}
	return time.Time{}
}
