package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ProjectAccessState is everything a direct authorization computation needs
// for one (user, project) pair, read in a single repeatable-read snapshot.
// Versions holds the scope versions as of that same snapshot, so a decision
// stamped with them can never look fresher than the data it was computed
// from. Missing rows are nil fields, never errors.
type ProjectAccessState struct {
	User        *User
	Project     *Project
	Shares      []*ProjectShare
	Memberships []*TeamMembership
	Versions    map[string]int64
}

type GenerationAccessState struct {
	User        *User
	Generation  *Generation
	Project     *Project
	Shares      []*ProjectShare
	Memberships []*TeamMembership
	Versions    map[string]int64
}

type TeamAccessState struct {
	User       *User
	Team       *Team
	Membership *TeamMembership
	Versions   map[string]int64
}

var snapshotTxOptions = pgx.TxOptions{
	IsoLevel:   pgx.RepeatableRead,
	AccessMode: pgx.ReadOnly,
}

func (s *Store) ProjectAccessState(ctx context.Context, userID, projectID uuid.UUID) (*ProjectAccessState, error) {
	tx, err := s.pool.BeginTx(ctx, snapshotTxOptions)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	state, err := projectPathsTx(ctx, tx, userID, projectID)
	if err != nil {
		return nil, err
	}

	state.User, err = userTx(ctx, tx, userID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	return state, nil
}

func (s *Store) GenerationAccessState(ctx context.Context, userID, generationID uuid.UUID) (*GenerationAccessState, error) {
	tx, err := s.pool.BeginTx(ctx, snapshotTxOptions)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	state := &GenerationAccessState{Versions: make(map[string]int64)}

	state.User, err = userTx(ctx, tx, userID)
	if err != nil {
		return nil, err
	}

	gen := &Generation{}
	err = tx.QueryRow(ctx, `
		SELECT id, owner_id, project_id, status, created_at, updated_at
		FROM generations
		WHERE id = $1
	`, generationID).Scan(
		&gen.ID,
		&gen.OwnerID,
		&gen.ProjectID,
		&gen.Status,
		&gen.CreatedAt,
		&gen.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		gen = nil
	} else if err != nil {
		return nil, err
	}
	state.Generation = gen

	if gen != nil && gen.ProjectID != nil {
		ps, err := projectPathsTx(ctx, tx, userID, *gen.ProjectID)
		if err != nil {
			return nil, err
		}
		state.Project = ps.Project
		state.Shares = ps.Shares
		state.Memberships = ps.Memberships
		state.Versions = ps.Versions
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	return state, nil
}

func (s *Store) TeamAccessState(ctx context.Context, userID, teamID uuid.UUID) (*TeamAccessState, error) {
	tx, err := s.pool.BeginTx(ctx, snapshotTxOptions)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	state := &TeamAccessState{Versions: make(map[string]int64)}

	state.User, err = userTx(ctx, tx, userID)
	if err != nil {
		return nil, err
	}

	team := &Team{}
	err = tx.QueryRow(ctx, `
		SELECT id, owner_id, name, is_active, created_at
		FROM teams
		WHERE id = $1
	`, teamID).Scan(
		&team.ID,
		&team.OwnerID,
		&team.Name,
		&team.IsActive,
		&team.CreatedAt,
	)
	if err == pgx.ErrNoRows {
		team = nil
	} else if err != nil {
		return nil, err
	}
	state.Team = team

	m := &TeamMembership{}
	err = tx.QueryRow(ctx, `
		SELECT team_id, user_id, role, is_active, joined_at, updated_at
		FROM team_memberships
		WHERE team_id = $1 AND user_id = $2 AND is_active
	`, teamID, userID).Scan(
		&m.TeamID,
		&m.UserID,
		&m.Role,
		&m.IsActive,
		&m.JoinedAt,
		&m.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		m = nil
	} else if err != nil {
		return nil, err
	}
	state.Membership = m

	version, err := scopeVersionTx(ctx, tx, ScopeTeam, teamID)
	if err != nil {
		return nil, err
	}
	state.Versions[StampKey(ScopeTeam, teamID)] = version

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	return state, nil
}

// projectPathsTx loads the project, its live share grants, the user's live
// memberships, and the versions of every scope a decision for this pair
// would consult: the project itself plus each team that appears on both
// the share side and the membership side.
func projectPathsTx(ctx context.Context, tx pgx.Tx, userID, projectID uuid.UUID) (*ProjectAccessState, error) {
	state := &ProjectAccessState{Versions: make(map[string]int64)}

	project := &Project{}
	err := tx.QueryRow(ctx, `
		SELECT id, owner_id, name, visibility, created_at, updated_at
		FROM projects
		WHERE id = $1
	`, projectID).Scan(
		&project.ID,
		&project.OwnerID,
		&project.Name,
		&project.Visibility,
		&project.CreatedAt,
		&project.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		project = nil
	} else if err != nil {
		return nil, err
	}
	state.Project = project

	projectVersion, err := scopeVersionTx(ctx, tx, ScopeProject, projectID)
	if err != nil {
		return nil, err
	}
	state.Versions[StampKey(ScopeProject, projectID)] = projectVersion

	if project == nil {
		return state, nil
	}

	shareRows, err := tx.Query(ctx, `
		SELECT ps.project_id, ps.team_id, ps.access_level, ps.expires_at, ps.created_at
		FROM project_shares ps
		JOIN teams t ON t.id = ps.team_id AND t.is_active
		WHERE ps.project_id = $1
		  AND (ps.expires_at IS NULL OR ps.expires_at > NOW())
	`, projectID)
	if err != nil {
		return nil, err
	}
	state.Shares, err = scanShares(shareRows)
	shareRows.Close()
	if err != nil {
		return nil, err
	}

	memberRows, err := tx.Query(ctx, `
		SELECT tm.team_id, tm.user_id, tm.role, tm.is_active, tm.joined_at, tm.updated_at
		FROM team_memberships tm
		JOIN teams t ON t.id = tm.team_id AND t.is_active
		WHERE tm.user_id = $1 AND tm.is_active
	`, userID)
	if err != nil {
		return nil, err
	}
	state.Memberships, err = scanMemberships(memberRows)
	memberRows.Close()
	if err != nil {
		return nil, err
	}

	shared := make(map[uuid.UUID]bool, len(state.Shares))
	for _, sh := range state.Shares {
		shared[sh.TeamID] = true
	}

	var consulted []uuid.UUID
	for _, m := range state.Memberships {
		if shared[m.TeamID] {
			consulted = append(consulted, m.TeamID)
		}
	}
	if len(consulted) == 0 {
		return state, nil
	}

	for _, id := range consulted {
		state.Versions[StampKey(ScopeTeam, id)] = 0
	}

	versionRows, err := tx.Query(ctx, `
		SELECT scope_id, version
		FROM scope_versions
		WHERE scope_type = 'team' AND scope_id = ANY($1)
	`, consulted)
	if err != nil {
		return nil, err
	}
	defer versionRows.Close()

	for versionRows.Next() {
		var id uuid.UUID
		var version int64
		if err := versionRows.Scan(&id, &version); err != nil {
			return nil, err
		}
		state.Versions[StampKey(ScopeTeam, id)] = version
	}

	return state, versionRows.Err()
}

func userTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (*User, error) {
	user := &User{}
	err := tx.QueryRow(ctx, `
		SELECT id, email, display_name, is_active, created_at
		FROM users
		WHERE id = $1
	`, userID).Scan(
		&user.ID,
		&user.Email,
		&user.DisplayName,
		&user.IsActive,
		&user.CreatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return user, nil
}

func scopeVersionTx(ctx context.Context, tx pgx.Tx, scopeType string, scopeID uuid.UUID) (int64, error) {
	var version int64
	err := tx.QueryRow(ctx, `
		SELECT version FROM scope_versions WHERE scope_type = $1 AND scope_id = $2
	`, scopeType, scopeID).Scan(&version)
	if err == pgx.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return version, nil
}
