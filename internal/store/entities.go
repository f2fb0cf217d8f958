package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/audithero/velro-backend-sub004/internal/common/errors"
)

func (s *Store) GetUser(ctx context.Context, id uuid.UUID) (*User, error) {
	query := `
		SELECT id, email, display_name, is_active, created_at
		FROM users
		WHERE id = $1
	`

	user := &User{}
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&user.ID,
		&user.Email,
		&user.DisplayName,
		&user.IsActive,
		&user.CreatedAt,
	)

	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("user not found")
	}
	if err != nil {
		return nil, err
	}

	return user, nil
}

func (s *Store) GetTeam(ctx context.Context, id uuid.UUID) (*Team, error) {
	query := `
		SELECT id, owner_id, name, is_active, created_at
		FROM teams
		WHERE id = $1
	`

	team := &Team{}
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&team.ID,
		&team.OwnerID,
		&team.Name,
		&team.IsActive,
		&team.CreatedAt,
	)

	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("team not found")
	}
	if err != nil {
		return nil, err
	}

	return team, nil
}

func (s *Store) GetProject(ctx context.Context, id uuid.UUID) (*Project, error) {
	query := `
		SELECT id, owner_id, name, visibility, created_at, updated_at
		FROM projects
		WHERE id = $1
	`

	project := &Project{}
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&project.ID,
		&project.OwnerID,
		&project.Name,
		&project.Visibility,
		&project.CreatedAt,
		&project.UpdatedAt,
	)

	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("project not found")
	}
	if err != nil {
		return nil, err
	}

	return project, nil
}

func (s *Store) GetGeneration(ctx context.Context, id uuid.UUID) (*Generation, error) {
	query := `
		SELECT id, owner_id, project_id, status, created_at, updated_at
		FROM generations
		WHERE id = $1
	`

	gen := &Generation{}
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&gen.ID,
		&gen.OwnerID,
		&gen.ProjectID,
		&gen.Status,
		&gen.CreatedAt,
		&gen.UpdatedAt,
	)

	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("generation not found")
	}
	if err != nil {
		return nil, err
	}

	return gen, nil
}

// GetTeamMemberships returns the user's active memberships in active teams.
func (s *Store) GetTeamMemberships(ctx context.Context, userID uuid.UUID) ([]*TeamMembership, error) {
	query := `
		SELECT tm.team_id, tm.user_id, tm.role, tm.is_active, tm.joined_at, tm.updated_at
		FROM team_memberships tm
		JOIN teams t ON t.id = tm.team_id AND t.is_active
		WHERE tm.user_id = $1 AND tm.is_active
	`

	rows, err := s.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanMemberships(rows)
}

// GetTeamMembers returns the active members of a team, active users only.
func (s *Store) GetTeamMembers(ctx context.Context, teamID uuid.UUID) ([]*TeamMembership, error) {
	query := `
		SELECT tm.team_id, tm.user_id, tm.role, tm.is_active, tm.joined_at, tm.updated_at
		FROM team_memberships tm
		JOIN users u ON u.id = tm.user_id AND u.is_active
		WHERE tm.team_id = $1 AND tm.is_active
		ORDER BY tm.joined_at ASC
	`

	rows, err := s.pool.Query(ctx, query, teamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanMemberships(rows)
}

// GetProjectShares returns unexpired shares to active teams.
func (s *Store) GetProjectShares(ctx context.Context, projectID uuid.UUID) ([]*ProjectShare, error) {
	query := `
		SELECT ps.project_id, ps.team_id, ps.access_level, ps.expires_at, ps.created_at
		FROM project_shares ps
		JOIN teams t ON t.id = ps.team_id AND t.is_active
		WHERE ps.project_id = $1
		  AND (ps.expires_at IS NULL OR ps.expires_at > NOW())
	`

	rows, err := s.pool.Query(ctx, query, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanShares(rows)
}

func (s *Store) ListProjectsSharedToTeam(ctx context.Context, teamID uuid.UUID) ([]uuid.UUID, error) {
	query := `
		SELECT project_id
		FROM project_shares
		WHERE team_id = $1
		  AND (expires_at IS NULL OR expires_at > NOW())
	`

	rows, err := s.pool.Query(ctx, query, teamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanIDs(rows)
}

// RecentlyActiveProjectIDs lists projects whose generations were touched
// since the cutoff, hottest first. Warming candidates.
func (s *Store) RecentlyActiveProjectIDs(ctx context.Context, since time.Time, limit int) ([]uuid.UUID, error) {
	query := `
		SELECT project_id
		FROM generations
		WHERE project_id IS NOT NULL AND updated_at > $1
		GROUP BY project_id
		ORDER BY MAX(updated_at) DESC
		LIMIT $2
	`

	rows, err := s.pool.Query(ctx, query, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanIDs(rows)
}

// RecentChurnTeamIDs lists teams with membership changes since the cutoff.
func (s *Store) RecentChurnTeamIDs(ctx context.Context, since time.Time, limit int) ([]uuid.UUID, error) {
	query := `
		SELECT team_id
		FROM team_memberships
		WHERE updated_at > $1
		GROUP BY team_id
		ORDER BY MAX(updated_at) DESC
		LIMIT $2
	`

	rows, err := s.pool.Query(ctx, query, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanIDs(rows)
}

// TeamIDsForUser returns every team the user has a membership row in,
// including inactive ones. Invalidation fan-out must reach teams the user
// was just removed from.
func (s *Store) TeamIDsForUser(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	query := `SELECT team_id FROM team_memberships WHERE user_id = $1`

	rows, err := s.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanIDs(rows)
}

func (s *Store) OwnedProjectIDs(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	query := `SELECT id FROM projects WHERE owner_id = $1`

	rows, err := s.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanIDs(rows)
}

func scanMemberships(rows pgx.Rows) ([]*TeamMembership, error) {
	var memberships []*TeamMembership
	for rows.Next() {
		m := &TeamMembership{}
		if err := rows.Scan(
			&m.TeamID,
			&m.UserID,
			&m.Role,
			&m.IsActive,
			&m.JoinedAt,
			&m.UpdatedAt,
		); err != nil {
			return nil, err
		}
		memberships = append(memberships, m)
	}
	return memberships, rows.Err()
}

func scanShares(rows pgx.Rows) ([]*ProjectShare, error) {
	var shares []*ProjectShare
	for rows.Next() {
		sh := &ProjectShare{}
		if err := rows.Scan(
			&sh.ProjectID,
			&sh.TeamID,
			&sh.AccessLevel,
			&sh.ExpiresAt,
			&sh.CreatedAt,
		); err != nil {
			return nil, err
		}
		shares = append(shares, sh)
	}
	return shares, rows.Err()
}

func scanIDs(rows pgx.Rows) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
