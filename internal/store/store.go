package store

import (
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	ScopeTeam    = "team"
	ScopeProject = "project"
)

const (
	VisibilityPrivate    = "private"
	VisibilityTeamShared = "team_shared"
	VisibilityPublic     = "public"
)

// StampKey is the canonical identifier for a version scope. Cache entry
// stamp maps, snapshot rows and the redis mirror all key on it.
func StampKey(scopeType string, scopeID uuid.UUID) string {
	return scopeType + ":" + scopeID.String()
}

type User struct {
	ID          uuid.UUID
	Email       string
	DisplayName string
	IsActive    bool
	CreatedAt   time.Time
}

type Team struct {
	ID        uuid.UUID
	OwnerID   uuid.UUID
	Name      string
	IsActive  bool
	CreatedAt time.Time
}

type TeamMembership struct {
	TeamID    uuid.UUID
	UserID    uuid.UUID
	Role      string
	IsActive  bool
	JoinedAt  time.Time
	UpdatedAt time.Time
}

type Project struct {
	ID         uuid.UUID
	OwnerID    uuid.UUID
	Name       string
	Visibility string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type ProjectShare struct {
	ProjectID   uuid.UUID
	TeamID      uuid.UUID
	AccessLevel string
	ExpiresAt   *time.Time
	CreatedAt   time.Time
}

type Generation struct {
	ID        uuid.UUID
	OwnerID   uuid.UUID
	ProjectID *uuid.UUID
	Status    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}
