package authz

import (
	"time"

	"github.com/google/uuid"

	"github.com/audithero/velro-backend-sub004/internal/store"
)

type ResourceType string

const (
	ResourceProject    ResourceType = "project"
	ResourceGeneration ResourceType = "generation"
	ResourceTeam       ResourceType = "team"
)

func KnownResource(rt ResourceType) bool {
	switch rt {
	case ResourceProject, ResourceGeneration, ResourceTeam:
		return true
	}
	return false
}

type Operation string

const (
	OpRead   Operation = "read"
	OpWrite  Operation = "write"
	OpDelete Operation = "delete"
	OpAdmin  Operation = "admin"
)

func KnownOperation(op Operation) bool {
	switch op {
	case OpRead, OpWrite, OpDelete, OpAdmin:
		return true
	}
	return false
}

type Role string

const (
	RoleNone   Role = ""
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
	RoleAdmin  Role = "admin"
	RoleOwner  Role = "owner"
)

// Level orders roles for lattice comparison. Unknown roles rank below
// viewer so a corrupt row can never widen access.
func (r Role) Level() int {
	switch r {
	case RoleViewer:
		return 1
	case RoleEditor:
		return 2
	case RoleAdmin:
		return 3
	case RoleOwner:
		return 4
	}
	return 0
}

func ParseRole(s string) (Role, bool) {
	switch Role(s) {
	case RoleViewer, RoleEditor, RoleAdmin, RoleOwner:
		return Role(s), true
	}
	return RoleNone, false
}

type AccessLevel string

const (
	AccessNone  AccessLevel = ""
	AccessRead  AccessLevel = "read"
	AccessWrite AccessLevel = "write"
	AccessAdmin AccessLevel = "admin"
)

func (a AccessLevel) Level() int {
	switch a {
	case AccessRead:
		return 1
	case AccessWrite:
		return 2
	case AccessAdmin:
		return 3
	}
	return 0
}

type AccessMethod string

const (
	MethodOwner  AccessMethod = "owner"
	MethodTeam   AccessMethod = "team"
	MethodPublic AccessMethod = "public"
	MethodNone   AccessMethod = "none"
)

// Tier names where a decision came from, for telemetry.
type Tier string

const (
	TierL1     Tier = "l1"
	TierL2     Tier = "l2"
	TierL3     Tier = "l3"
	TierDirect Tier = "direct"
	TierNone   Tier = "none"
)

type ScopeType string

const (
	ScopeTeam    ScopeType = store.ScopeTeam
	ScopeProject ScopeType = store.ScopeProject
)

// Scope is one versioned invalidation domain: a team or a project.
type Scope struct {
	Type ScopeType
	ID   uuid.UUID
}

func TeamScope(id uuid.UUID) Scope {
	return Scope{Type: ScopeTeam, ID: id}
}

func ProjectScope(id uuid.UUID) Scope {
	return Scope{Type: ScopeProject, ID: id}
}

func (s Scope) StampKey() string {
	return store.StampKey(string(s.Type), s.ID)
}

func (s Scope) String() string {
	return s.StampKey()
}

// Decision is what callers get back from a check.
type Decision struct {
	Granted       bool          `json:"granted"`
	EffectiveRole Role          `json:"effective_role,omitempty"`
	Method        AccessMethod  `json:"method"`
	Source        Tier          `json:"source"`
	Latency       time.Duration `json:"latency"`
	CheckedAt     time.Time     `json:"checked_at"`
}

// CacheEntry is the stored form of a decision. Stamps records the version
// of every scope consulted when the entry was computed; the entry is valid
// only while every stamp still matches the current version. Entries are
// immutable once built: one pointer is shared by every tier and every
// singleflight waiter, so per-entry counters live in the tiers, not here.
type CacheEntry struct {
	Key        string           `json:"key"`
	Granted    bool             `json:"granted"`
	Role       Role             `json:"role,omitempty"`
	Method     AccessMethod     `json:"method"`
	Stamps     map[string]int64 `json:"stamps,omitempty"`
	ComputedAt time.Time        `json:"computed_at"`
	ExpiresAt  time.Time        `json:"expires_at"`
}

func (e *CacheEntry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}
