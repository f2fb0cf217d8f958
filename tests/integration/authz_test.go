package integration_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/audithero/velro-backend-sub004/internal/audit"
	"github.com/audithero/velro-backend-sub004/internal/authz"
	"github.com/audithero/velro-backend-sub004/internal/common/config"
	"github.com/audithero/velro-backend-sub004/internal/infra/db"
	"github.com/audithero/velro-backend-sub004/internal/invalidation"
	"github.com/audithero/velro-backend-sub004/internal/store"
	"github.com/audithero/velro-backend-sub004/internal/warmer"
	"github.com/audithero/velro-backend-sub004/tests/testutil"
)

func engineConfig() config.EngineConfig {
	return config.EngineConfig{
		CheckTimeout:   2 * time.Second,
		L1TTL:          2 * time.Second,
		L1MaxEntries:   1024,
		L2TTL:          5 * time.Minute,
		L3MaxStaleness: 15 * time.Minute,
	}
}

func seedUser(t *testing.T, database *db.DB) uuid.UUID {
	t.Helper()
	id := uuid.New()
	_, err := database.Pool.Exec(context.Background(), `
		INSERT INTO users (id, email, display_name) VALUES ($1, $2, $3)
	`, id, fmt.Sprintf("%s@test.example", id), "Test User")
	require.NoError(t, err)
	return id
}

func seedTeam(t *testing.T, database *db.DB, ownerID uuid.UUID) uuid.UUID {
	t.Helper()
	id := uuid.New()
	_, err := database.Pool.Exec(context.Background(), `
		INSERT INTO teams (id, owner_id, name) VALUES ($1, $2, $3)
	`, id, ownerID, "Test Team")
	require.NoError(t, err)
	return id
}

func seedMember(t *testing.T, database *db.DB, teamID, userID uuid.UUID, role string) {
	t.Helper()
	_, err := database.Pool.Exec(context.Background(), `
		INSERT INTO team_memberships (team_id, user_id, role) VALUES ($1, $2, $3)
	`, teamID, userID, role)
	require.NoError(t, err)
}

func seedProject(t *testing.T, database *db.DB, ownerID uuid.UUID, visibility string) uuid.UUID {
	t.Helper()
	id := uuid.New()
	_, err := database.Pool.Exec(context.Background(), `
		INSERT INTO projects (id, owner_id, name, visibility) VALUES ($1, $2, $3, $4)
	`, id, ownerID, "Test Project", visibility)
	require.NoError(t, err)
	return id
}

func seedShare(t *testing.T, database *db.DB, projectID, teamID uuid.UUID, level string, expiresAt *time.Time) {
	t.Helper()
	_, err := database.Pool.Exec(context.Background(), `
		INSERT INTO project_shares (project_id, team_id, access_level, expires_at)
		VALUES ($1, $2, $3, $4)
	`, projectID, teamID, level, expiresAt)
	require.NoError(t, err)
}

func seedGeneration(t *testing.T, database *db.DB, ownerID uuid.UUID, projectID *uuid.UUID) uuid.UUID {
	t.Helper()
	id := uuid.New()
	_, err := database.Pool.Exec(context.Background(), `
		INSERT INTO generations (id, owner_id, project_id) VALUES ($1, $2, $3)
	`, id, ownerID, projectID)
	require.NoError(t, err)
	return id
}

func TestStoreAccessState(t *testing.T) {
	database := testutil.GetDB(t)
	st := store.New(database.Pool)
	ctx := context.Background()

	owner := seedUser(t, database)
	member := seedUser(t, database)
	outsider := seedUser(t, database)
	team := seedTeam(t, database, owner)
	seedMember(t, database, team, member, "editor")
	project := seedProject(t, database, owner, store.VisibilityPrivate)
	seedShare(t, database, project, team, "write", nil)

	t.Run("OwnerState", func(t *testing.T) {
		state, err := st.ProjectAccessState(ctx, owner, project)
		require.NoError(t, err)
		require.NotNil(t, state.User)
		require.NotNil(t, state.Project)
		assert.Equal(t, owner, state.Project.OwnerID)
		assert.Contains(t, state.Versions, store.StampKey(store.ScopeProject, project))
	})

	t.Run("MemberState", func(t *testing.T) {
		state, err := st.ProjectAccessState(ctx, member, project)
		require.NoError(t, err)
		require.Len(t, state.Memberships, 1)
		assert.Equal(t, "editor", state.Memberships[0].Role)
		require.Len(t, state.Shares, 1)
		assert.Equal(t, "write", state.Shares[0].AccessLevel)
		// Both the project and the consulted team are stamped.
		assert.Contains(t, state.Versions, store.StampKey(store.ScopeProject, project))
		assert.Contains(t, state.Versions, store.StampKey(store.ScopeTeam, team))
	})

	t.Run("OutsiderState", func(t *testing.T) {
		state, err := st.ProjectAccessState(ctx, outsider, project)
		require.NoError(t, err)
		assert.Empty(t, state.Memberships)
		assert.NotContains(t, state.Versions, store.StampKey(store.ScopeTeam, team))
	})

	t.Run("VersionsFollowBumps", func(t *testing.T) {
		v, err := st.BumpScopeVersion(ctx, store.ScopeProject, project)
		require.NoError(t, err)
		assert.Equal(t, int64(1), v)

		state, err := st.ProjectAccessState(ctx, owner, project)
		require.NoError(t, err)
		assert.Equal(t, int64(1), state.Versions[store.StampKey(store.ScopeProject, project)])
	})

	t.Run("GenerationInheritsProject", func(t *testing.T) {
		gen := seedGeneration(t, database, owner, &project)
		state, err := st.GenerationAccessState(ctx, member, gen)
		require.NoError(t, err)
		require.NotNil(t, state.Generation)
		require.NotNil(t, state.Project)
		assert.Contains(t, state.Versions, store.StampKey(store.ScopeProject, project))
	})

	t.Run("OrphanGeneration", func(t *testing.T) {
		gen := seedGeneration(t, database, owner, nil)
		state, err := st.GenerationAccessState(ctx, owner, gen)
		require.NoError(t, err)
		require.NotNil(t, state.Generation)
		assert.Nil(t, state.Project)
		assert.Empty(t, state.Versions)
	})

	t.Run("TeamState", func(t *testing.T) {
		state, err := st.TeamAccessState(ctx, member, team)
		require.NoError(t, err)
		require.NotNil(t, state.Team)
		require.NotNil(t, state.Membership)
		assert.Contains(t, state.Versions, store.StampKey(store.ScopeTeam, team))
	})
}

func TestEngineEndToEnd(t *testing.T) {
	database := testutil.GetDB(t)
	c := testutil.GetCache(t)
	testutil.CacheFlushAll(t)

	st := store.New(database.Pool)
	auditor := audit.NewLogger(database.Pool, zap.NewNop())
	engine := authz.NewEngine(engineConfig(), st, c, nil, auditor, zap.NewNop())
	ctx := context.Background()

	owner := seedUser(t, database)
	editor := seedUser(t, database)
	outsider := seedUser(t, database)
	team := seedTeam(t, database, owner)
	seedMember(t, database, team, editor, "editor")
	project := seedProject(t, database, owner, store.VisibilityPrivate)
	seedShare(t, database, project, team, "write", nil)

	t.Run("OwnerFullControl", func(t *testing.T) {
		for _, op := range []authz.Operation{authz.OpRead, authz.OpWrite, authz.OpDelete, authz.OpAdmin} {
			decision, err := engine.CheckAccess(ctx, owner, authz.ResourceProject, project, op)
			require.NoError(t, err)
			assert.True(t, decision.Granted, "owner %s", op)
			assert.Equal(t, authz.MethodOwner, decision.Method)
			assert.Equal(t, authz.RoleOwner, decision.EffectiveRole)
		}
	})

	t.Run("TeamPathCappedByShare", func(t *testing.T) {
		decision, err := engine.CheckAccess(ctx, editor, authz.ResourceProject, project, authz.OpWrite)
		require.NoError(t, err)
		assert.True(t, decision.Granted)
		assert.Equal(t, authz.MethodTeam, decision.Method)

		decision, err = engine.CheckAccess(ctx, editor, authz.ResourceProject, project, authz.OpDelete)
		require.NoError(t, err)
		assert.False(t, decision.Granted, "write share cannot carry delete")
	})

	t.Run("OutsiderDenied", func(t *testing.T) {
		decision, err := engine.CheckAccess(ctx, outsider, authz.ResourceProject, project, authz.OpRead)
		require.NoError(t, err)
		assert.False(t, decision.Granted)
	})

	t.Run("PublicRead", func(t *testing.T) {
		public := seedProject(t, database, owner, store.VisibilityPublic)
		decision, err := engine.CheckAccess(ctx, outsider, authz.ResourceProject, public, authz.OpRead)
		require.NoError(t, err)
		assert.True(t, decision.Granted)
		assert.Equal(t, authz.MethodPublic, decision.Method)

		decision, err = engine.CheckAccess(ctx, outsider, authz.ResourceProject, public, authz.OpWrite)
		require.NoError(t, err)
		assert.False(t, decision.Granted)
	})

	t.Run("GenerationInheritance", func(t *testing.T) {
		gen := seedGeneration(t, database, owner, &project)
		decision, err := engine.CheckAccess(ctx, editor, authz.ResourceGeneration, gen, authz.OpWrite)
		require.NoError(t, err)
		assert.True(t, decision.Granted)

		decision, err = engine.CheckAccess(ctx, outsider, authz.ResourceGeneration, gen, authz.OpRead)
		require.NoError(t, err)
		assert.False(t, decision.Granted)
	})

	t.Run("RevocationTakesEffect", func(t *testing.T) {
		decision, err := engine.CheckAccess(ctx, editor, authz.ResourceProject, project, authz.OpRead)
		require.NoError(t, err)
		require.True(t, decision.Granted)

		_, err = database.Pool.Exec(ctx, `
			UPDATE team_memberships SET is_active = FALSE, updated_at = NOW()
			WHERE team_id = $1 AND user_id = $2
		`, team, editor)
		require.NoError(t, err)

		versions := authz.NewVersionSource(c, st, zap.NewNop())
		coord := invalidation.New(st, versions, c, auditor, zap.NewNop())
		_, err = coord.InvalidateScope(ctx, authz.TeamScope(team))
		require.NoError(t, err)

		decision, err = engine.CheckAccess(ctx, editor, authz.ResourceProject, project, authz.OpRead)
		require.NoError(t, err)
		assert.False(t, decision.Granted, "cached grant must not survive the team bump")
	})
}

func TestEngineCacheTiers(t *testing.T) {
	database := testutil.GetDB(t)
	c := testutil.MustCache(t)
	testutil.CacheFlushAll(t)

	st := store.New(database.Pool)
	engine := authz.NewEngine(engineConfig(), st, c, nil, audit.NewLogger(nil, zap.NewNop()), zap.NewNop())
	ctx := context.Background()

	owner := seedUser(t, database)
	project := seedProject(t, database, owner, store.VisibilityPrivate)

	decision, err := engine.CheckAccess(ctx, owner, authz.ResourceProject, project, authz.OpRead)
	require.NoError(t, err)
	assert.Equal(t, authz.TierDirect, decision.Source)

	decision, err = engine.CheckAccess(ctx, owner, authz.ResourceProject, project, authz.OpRead)
	require.NoError(t, err)
	assert.Equal(t, authz.TierL1, decision.Source)

	engine.PurgeL1()
	decision, err = engine.CheckAccess(ctx, owner, authz.ResourceProject, project, authz.OpRead)
	require.NoError(t, err)
	assert.Equal(t, authz.TierL2, decision.Source)

	t.Run("SnapshotServesAfterFlush", func(t *testing.T) {
		require.NoError(t, st.RefreshSnapshot(ctx))
		testutil.CacheFlushAll(t)
		engine.PurgeL1()

		decision, err := engine.CheckAccess(ctx, owner, authz.ResourceProject, project, authz.OpRead)
		require.NoError(t, err)
		assert.True(t, decision.Granted)
		assert.Equal(t, authz.TierL3, decision.Source)
	})
}

func TestSnapshotLifecycle(t *testing.T) {
	database := testutil.GetDB(t)
	st := store.New(database.Pool)
	ctx := context.Background()

	owner := seedUser(t, database)
	member := seedUser(t, database)
	expired := seedUser(t, database)
	team := seedTeam(t, database, owner)
	expiredTeam := seedTeam(t, database, owner)
	seedMember(t, database, team, member, "editor")
	seedMember(t, database, expiredTeam, expired, "viewer")
	project := seedProject(t, database, owner, store.VisibilityPrivate)
	seedShare(t, database, project, team, "write", nil)
	past := time.Now().Add(-time.Hour)
	seedShare(t, database, project, expiredTeam, "read", &past)

	require.NoError(t, st.RefreshSnapshot(ctx))

	t.Run("RefreshedAtAdvances", func(t *testing.T) {
		refreshedAt, err := st.SnapshotRefreshedAt(ctx)
		require.NoError(t, err)
		assert.WithinDuration(t, time.Now(), refreshedAt, time.Minute)
	})

	t.Run("OwnerRow", func(t *testing.T) {
		rows, err := st.SnapshotRows(ctx, owner, project)
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, "owner", rows[0].Method)
		assert.Equal(t, "owner", rows[0].Role)
		assert.Equal(t, "admin", rows[0].AccessLevel)
		assert.Nil(t, rows[0].TeamID)
		assert.Equal(t, int64(0), rows[0].ProjectVersion)
	})

	t.Run("TeamRow", func(t *testing.T) {
		rows, err := st.SnapshotRows(ctx, member, project)
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, "team", rows[0].Method)
		assert.Equal(t, "editor", rows[0].Role)
		assert.Equal(t, "write", rows[0].AccessLevel)
		require.NotNil(t, rows[0].TeamID)
		assert.Equal(t, team, *rows[0].TeamID)
	})

	t.Run("ExpiredShareExcluded", func(t *testing.T) {
		rows, err := st.SnapshotRows(ctx, expired, project)
		require.NoError(t, err)
		assert.Empty(t, rows)
	})

	t.Run("RefreshPicksUpBumps", func(t *testing.T) {
		_, err := st.BumpScopeVersion(ctx, store.ScopeProject, project)
		require.NoError(t, err)
		require.NoError(t, st.RefreshSnapshot(ctx))

		rows, err := st.SnapshotRows(ctx, owner, project)
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, int64(1), rows[0].ProjectVersion)
	})
}

func TestInvalidationCoordinator(t *testing.T) {
	database := testutil.GetDB(t)
	c := testutil.MustCache(t)
	testutil.CacheFlushAll(t)

	st := store.New(database.Pool)
	auditor := audit.NewLogger(database.Pool, zap.NewNop())
	versions := authz.NewVersionSource(c, st, zap.NewNop())
	coord := invalidation.New(st, versions, c, auditor, zap.NewNop())
	ctx := context.Background()

	owner := seedUser(t, database)
	team := seedTeam(t, database, owner)
	seedMember(t, database, team, owner, "owner")
	project := seedProject(t, database, owner, store.VisibilityPrivate)

	t.Run("BumpReachesStoreAndCounter", func(t *testing.T) {
		scope := authz.ProjectScope(project)
		version, err := coord.InvalidateScope(ctx, scope)
		require.NoError(t, err)
		assert.Equal(t, int64(1), version)

		stored, err := st.GetScopeVersion(ctx, store.ScopeProject, project)
		require.NoError(t, err)
		assert.Equal(t, int64(1), stored)

		counter, err := c.GetInt64(ctx, authz.VersionKey(scope))
		require.NoError(t, err)
		assert.Equal(t, int64(1), counter)
	})

	t.Run("InvalidateUserFansOut", func(t *testing.T) {
		scopes, err := coord.InvalidateUser(ctx, owner)
		require.NoError(t, err)
		assert.ElementsMatch(t, []authz.Scope{
			authz.TeamScope(team),
			authz.ProjectScope(project),
		}, scopes)
	})

	t.Run("VerifyRepairsDrift", func(t *testing.T) {
		scope := authz.ProjectScope(project)
		require.NoError(t, c.SetInt64(ctx, authz.VersionKey(scope), 99, 0))

		result, err := coord.VerifyScope(ctx, scope, true)
		require.NoError(t, err)
		assert.True(t, result.Drift)
		assert.True(t, result.Repaired)

		counter, err := c.GetInt64(ctx, authz.VersionKey(scope))
		require.NoError(t, err)
		assert.Equal(t, result.StoreVersion, counter)

		var driftEvents int
		err = database.Pool.QueryRow(ctx, `
			SELECT COUNT(*) FROM audit_events WHERE action = 'authz.version_drift'
		`).Scan(&driftEvents)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, driftEvents, 1, "drift must leave an audit trail")
	})
}

func TestWarmerSweep(t *testing.T) {
	database := testutil.GetDB(t)
	c := testutil.MustCache(t)
	testutil.CacheFlushAll(t)

	st := store.New(database.Pool)
	engine := authz.NewEngine(engineConfig(), st, c, nil, audit.NewLogger(nil, zap.NewNop()), zap.NewNop())
	ctx := context.Background()

	owner := seedUser(t, database)
	member := seedUser(t, database)
	team := seedTeam(t, database, owner)
	seedMember(t, database, team, member, "viewer")
	project := seedProject(t, database, owner, store.VisibilityPrivate)
	seedShare(t, database, project, team, "read", nil)
	seedGeneration(t, database, owner, &project)

	wm := warmer.New(config.WarmerConfig{
		Enabled:        true,
		BatchSize:      10,
		ActivityWindow: time.Hour,
	}, st, engine, zap.NewNop())

	stats, err := wm.RunOnce(ctx)
	require.NoError(t, err)
	require.NotNil(t, stats)
	assert.Equal(t, 1, stats.Projects)
	assert.Equal(t, 4, stats.Entries, "owner and member, read and write each")
	assert.Equal(t, 0, stats.Errors)

	decision, err := engine.CheckAccess(ctx, member, authz.ResourceProject, project, authz.OpRead)
	require.NoError(t, err)
	assert.True(t, decision.Granted)
	assert.Equal(t, authz.TierL1, decision.Source, "warmed entries serve from local cache")
}
