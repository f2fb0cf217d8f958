package authz

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/audithero/velro-backend-sub004/internal/store"
)

// EntityStore is the slice of the storage layer the engine consumes.
// *store.Store satisfies it; tests substitute fakes.
type EntityStore interface {
	ProjectAccessState(ctx context.Context, userID, projectID uuid.UUID) (*store.ProjectAccessState, error)
	GenerationAccessState(ctx context.Context, userID, generationID uuid.UUID) (*store.GenerationAccessState, error)
	TeamAccessState(ctx context.Context, userID, teamID uuid.UUID) (*store.TeamAccessState, error)
	GetScopeVersion(ctx context.Context, scopeType string, scopeID uuid.UUID) (int64, error)
	GetScopeVersions(ctx context.Context, scopeType string, scopeIDs []uuid.UUID) (map[uuid.UUID]int64, error)
	SnapshotRows(ctx context.Context, userID, projectID uuid.UUID) ([]*store.AccessPath, error)
	SnapshotRefreshedAt(ctx context.Context) (time.Time, error)
	GetProject(ctx context.Context, id uuid.UUID) (*store.Project, error)
	GetUser(ctx context.Context, id uuid.UUID) (*store.User, error)
}

var _ EntityStore = (*store.Store)(nil)

// Outcome is a freshly computed decision together with the version stamps
// of every scope that was consulted to reach it.
type Outcome struct {
	Granted bool
	Role    Role
	Method  AccessMethod
	Stamps  map[string]int64
}

func deniedOutcome(stamps map[string]int64) *Outcome {
	return deniedVia(MethodNone, stamps)
}

// deniedVia records the path a denial was evaluated through. A viewer
// refused write on a team share is denied via team; a stranger with no
// path at all is denied via none.
func deniedVia(method AccessMethod, stamps map[string]int64) *Outcome {
	if stamps == nil {
		stamps = map[string]int64{}
	}
	return &Outcome{Method: method, Stamps: stamps}
}

// Resolver computes decisions from authoritative state. The state structs
// it consumes are read in a single repeatable-read snapshot together with
// their scope versions, so an outcome's stamps always describe exactly the
// data it was derived from.
type Resolver struct {
	store EntityStore
}

func NewResolver(st EntityStore) *Resolver {
	return &Resolver{store: st}
}

// Resolve computes a decision for one (user, resource, operation) triple.
// Absent entities resolve to denials, not errors: existence never leaks
// through the authorization boundary.
func (r *Resolver) Resolve(ctx context.Context, userID uuid.UUID, rt ResourceType, resourceID uuid.UUID, op Operation) (*Outcome, error) {
	switch rt {
	case ResourceProject:
		state, err := r.store.ProjectAccessState(ctx, userID, resourceID)
		if err != nil {
			return nil, err
		}
		if state.User == nil || !state.User.IsActive {
			return deniedOutcome(state.Versions), nil
		}
		return projectOutcome(state.User, state.Project, state.Shares, state.Memberships, op, state.Versions), nil

	case ResourceGeneration:
		state, err := r.store.GenerationAccessState(ctx, userID, resourceID)
		if err != nil {
			return nil, err
		}
		return resolveGeneration(state, op), nil

	case ResourceTeam:
		state, err := r.store.TeamAccessState(ctx, userID, resourceID)
		if err != nil {
			return nil, err
		}
		return resolveTeam(state, op), nil
	}

	return deniedOutcome(nil), nil
}

// projectOutcome applies the path precedence for project-scoped resources:
// ownership, then the best qualifying team path, then public read.
func projectOutcome(user *store.User, project *store.Project, shares []*store.ProjectShare, memberships []*store.TeamMembership, op Operation, stamps map[string]int64) *Outcome {
	if project == nil {
		return deniedOutcome(stamps)
	}

	if project.OwnerID == user.ID {
		return &Outcome{Granted: true, Role: RoleOwner, Method: MethodOwner, Stamps: stamps}
	}

	levelByTeam := make(map[uuid.UUID]AccessLevel, len(shares))
	for _, sh := range shares {
		levelByTeam[sh.TeamID] = AccessLevel(sh.AccessLevel)
	}

	best := RoleNone
	teamPathSeen := false
	for _, m := range memberships {
		level, ok := levelByTeam[m.TeamID]
		if !ok {
			continue
		}
		role, ok := ParseRole(m.Role)
		if !ok {
			continue
		}
		teamPathSeen = true
		if TeamPathQualifies(role, level, op) && role.Level() > best.Level() {
			best = role
		}
	}
	if best != RoleNone {
		return &Outcome{Granted: true, Role: best, Method: MethodTeam, Stamps: stamps}
	}

	if project.Visibility == store.VisibilityPublic && PublicAllows(op) {
		return &Outcome{Granted: true, Role: RoleViewer, Method: MethodPublic, Stamps: stamps}
	}

	if teamPathSeen {
		return deniedVia(MethodTeam, stamps)
	}
	return deniedOutcome(stamps)
}

func resolveGeneration(state *store.GenerationAccessState, op Operation) *Outcome {
	if state.User == nil || !state.User.IsActive {
		return deniedOutcome(state.Versions)
	}
	if state.Generation == nil {
		return deniedOutcome(state.Versions)
	}

	// The creator keeps full control of their own generations, including
	// orphans whose parent project has been deleted.
	if state.Generation.OwnerID == state.User.ID {
		return &Outcome{Granted: true, Role: RoleOwner, Method: MethodOwner, Stamps: state.Versions}
	}

	if state.Generation.ProjectID == nil {
		return deniedOutcome(state.Versions)
	}

	return projectOutcome(state.User, state.Project, state.Shares, state.Memberships, op, state.Versions)
}

func resolveTeam(state *store.TeamAccessState, op Operation) *Outcome {
	if state.User == nil || !state.User.IsActive {
		return deniedOutcome(state.Versions)
	}
	if state.Team == nil || !state.Team.IsActive {
		return deniedOutcome(state.Versions)
	}

	if state.Team.OwnerID == state.User.ID {
		return &Outcome{Granted: true, Role: RoleOwner, Method: MethodOwner, Stamps: state.Versions}
	}

	if state.Membership == nil {
		return deniedOutcome(state.Versions)
	}

	role, ok := ParseRole(state.Membership.Role)
	if !ok {
		return deniedOutcome(state.Versions)
	}
	if TeamRoleSatisfies(role, op) {
		return &Outcome{Granted: true, Role: role, Method: MethodTeam, Stamps: state.Versions}
	}

	return deniedVia(MethodTeam, state.Versions)
}
