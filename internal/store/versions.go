package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// A missing counter row reads as version 0. Entity creation seeds the row
// at 1, so cached not-found denials go stale the moment the entity exists.
const bumpScopeVersionQuery = `
	INSERT INTO scope_versions (scope_type, scope_id, version)
	VALUES ($1, $2, 1)
	ON CONFLICT (scope_type, scope_id)
	DO UPDATE SET version = scope_versions.version + 1, updated_at = NOW()
	RETURNING version
`

func (s *Store) GetScopeVersion(ctx context.Context, scopeType string, scopeID uuid.UUID) (int64, error) {
	query := `SELECT version FROM scope_versions WHERE scope_type = $1 AND scope_id = $2`

	var version int64
	err := s.pool.QueryRow(ctx, query, scopeType, scopeID).Scan(&version)
	if err == pgx.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	return version, nil
}

// GetScopeVersions returns a version for every requested id; absent rows
// come back as 0.
func (s *Store) GetScopeVersions(ctx context.Context, scopeType string, scopeIDs []uuid.UUID) (map[uuid.UUID]int64, error) {
	versions := make(map[uuid.UUID]int64, len(scopeIDs))
	for _, id := range scopeIDs {
		versions[id] = 0
	}
	if len(scopeIDs) == 0 {
		return versions, nil
	}

	query := `SELECT scope_id, version FROM scope_versions WHERE scope_type = $1 AND scope_id = ANY($2)`

	rows, err := s.pool.Query(ctx, query, scopeType, scopeIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var id uuid.UUID
		var version int64
		if err := rows.Scan(&id, &version); err != nil {
			return nil, err
		}
		versions[id] = version
	}

	return versions, rows.Err()
}

func (s *Store) BumpScopeVersion(ctx context.Context, scopeType string, scopeID uuid.UUID) (int64, error) {
	var version int64
	if err := s.pool.QueryRow(ctx, bumpScopeVersionQuery, scopeType, scopeID).Scan(&version); err != nil {
		return 0, err
	}
	return version, nil
}

// BumpScopeVersionTx bumps inside the caller's transaction so the version
// change commits atomically with the entity mutation that caused it.
func (s *Store) BumpScopeVersionTx(ctx context.Context, tx pgx.Tx, scopeType string, scopeID uuid.UUID) (int64, error) {
	var version int64
	if err := tx.QueryRow(ctx, bumpScopeVersionQuery, scopeType, scopeID).Scan(&version); err != nil {
		return 0, err
	}
	return version, nil
}

// SeedScopeVersionTx creates the counter row at its initial version when an
// entity is created. No-op if the row already exists.
func (s *Store) SeedScopeVersionTx(ctx context.Context, tx pgx.Tx, scopeType string, scopeID uuid.UUID) error {
	query := `
		INSERT INTO scope_versions (scope_type, scope_id)
		VALUES ($1, $2)
		ON CONFLICT (scope_type, scope_id) DO NOTHING
	`

	_, err := tx.Exec(ctx, query, scopeType, scopeID)
	return err
}
