package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/audithero/velro-backend-sub004/internal/common/errors"
)

// AccessPath is one flattened grant row from the materialized view. The
// version columns hold the scope versions that were current when the view
// was last refreshed; a row is only trustworthy while they still match.
type AccessPath struct {
	UserID         uuid.UUID
	ProjectID      uuid.UUID
	Method         string
	Role           string
	AccessLevel    string
	TeamID         *uuid.UUID
	TeamVersion    *int64
	ProjectVersion int64
}

func (s *Store) SnapshotRows(ctx context.Context, userID, projectID uuid.UUID) ([]*AccessPath, error) {
	query := `
		SELECT user_id, project_id, access_method, role, access_level,
		       team_id, team_version, project_version
		FROM project_access_flat
		WHERE user_id = $1 AND project_id = $2
	`

	rows, err := s.pool.Query(ctx, query, userID, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var paths []*AccessPath
	for rows.Next() {
		p := &AccessPath{}
		if err := rows.Scan(
			&p.UserID,
			&p.ProjectID,
			&p.Method,
			&p.Role,
			&p.AccessLevel,
			&p.TeamID,
			&p.TeamVersion,
			&p.ProjectVersion,
		); err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}

	return paths, rows.Err()
}

func (s *Store) SnapshotRefreshedAt(ctx context.Context) (time.Time, error) {
	query := `SELECT refreshed_at FROM snapshot_refresh WHERE view_name = 'project_access_flat'`

	var refreshedAt time.Time
	err := s.pool.QueryRow(ctx, query).Scan(&refreshedAt)
	if err == pgx.ErrNoRows {
		return time.Time{}, errors.NotFound("snapshot has never been refreshed")
	}
	if err != nil {
		return time.Time{}, err
	}

	return refreshedAt, nil
}

// RefreshSnapshot rebuilds the flattened view without blocking readers,
// then records the refresh time. CONCURRENTLY cannot run inside a
// transaction, so the two statements are separate; a crash between them
// only under-reports freshness.
func (s *Store) RefreshSnapshot(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `REFRESH MATERIALIZED VIEW CONCURRENTLY project_access_flat`); err != nil {
		return err
	}

	_, err := s.pool.Exec(ctx, `
		UPDATE snapshot_refresh SET refreshed_at = NOW() WHERE view_name = 'project_access_flat'
	`)
	return err
}
