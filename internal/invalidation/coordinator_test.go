package invalidation

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/audithero/velro-backend-sub004/internal/audit"
	"github.com/audithero/velro-backend-sub004/internal/authz"
	"github.com/audithero/velro-backend-sub004/internal/infra/cache"
)

// fakeStore covers the coordinator's Store interface and the slice of the
// entity store the version source reads. The embedded interface stays nil;
// nothing else is called.
type fakeStore struct {
	authz.EntityStore

	mu        sync.Mutex
	versions  map[string]int64
	teams     map[uuid.UUID][]uuid.UUID
	projects  map[uuid.UUID][]uuid.UUID
	bumps     int
	failAfter int   // >0: bumps beyond this count fail
	bumpErr   error // when set, every bump fails
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		versions: map[string]int64{},
		teams:    map[uuid.UUID][]uuid.UUID{},
		projects: map[uuid.UUID][]uuid.UUID{},
	}
}

func (f *fakeStore) set(scope authz.Scope, version int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.versions[scope.StampKey()] = version
}

func (f *fakeStore) BumpScopeVersion(ctx context.Context, scopeType string, scopeID uuid.UUID) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.bumpErr != nil {
		return 0, f.bumpErr
	}
	if f.failAfter > 0 && f.bumps >= f.failAfter {
		return 0, fmt.Errorf("connection refused")
	}
	f.bumps++
	key := scopeType + ":" + scopeID.String()
	f.versions[key]++
	return f.versions[key], nil
}

func (f *fakeStore) BumpScopeVersionTx(ctx context.Context, tx pgx.Tx, scopeType string, scopeID uuid.UUID) (int64, error) {
	return f.BumpScopeVersion(ctx, scopeType, scopeID)
}

func (f *fakeStore) GetScopeVersion(ctx context.Context, scopeType string, scopeID uuid.UUID) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.versions[scopeType+":"+scopeID.String()], nil
}

func (f *fakeStore) GetScopeVersions(ctx context.Context, scopeType string, scopeIDs []uuid.UUID) (map[uuid.UUID]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[uuid.UUID]int64, len(scopeIDs))
	for _, id := range scopeIDs {
		out[id] = f.versions[scopeType+":"+id.String()]
	}
	return out, nil
}

func (f *fakeStore) TeamIDsForUser(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.teams[userID], nil
}

func (f *fakeStore) OwnedProjectIDs(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.projects[userID], nil
}

type coordinatorHarness struct {
	coord    *Coordinator
	store    *fakeStore
	versions *authz.VersionSource
	cache    *cache.Cache
	mr       *miniredis.Miniredis
}

func newTestCoordinator(t *testing.T) *coordinatorHarness {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	c := cache.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = c.Close() })

	fake := newFakeStore()
	versions := authz.NewVersionSource(c, fake, zap.NewNop())
	auditor := audit.NewLogger(nil, zap.NewNop())

	return &coordinatorHarness{
		coord:    New(fake, versions, c, auditor, zap.NewNop()),
		store:    fake,
		versions: versions,
		cache:    c,
		mr:       mr,
	}
}

func TestInvalidateScope(t *testing.T) {
	h := newTestCoordinator(t)
	ctx := context.Background()
	scope := authz.TeamScope(uuid.New())

	version, err := h.coord.InvalidateScope(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, int64(1), version)

	// The authoritative bump is mirrored into the shared counter.
	n, seen, err := h.versions.Peek(ctx, scope)
	require.NoError(t, err)
	require.True(t, seen)
	assert.Equal(t, int64(1), n)

	// Bumps are idempotent to rerun: each one strictly advances.
	version, err = h.coord.InvalidateScope(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, int64(2), version)

	n, _, err = h.versions.Peek(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestInvalidateScopeStoreFailure(t *testing.T) {
	h := newTestCoordinator(t)
	h.store.bumpErr = fmt.Errorf("connection refused")

	_, err := h.coord.InvalidateScope(context.Background(), authz.TeamScope(uuid.New()))
	assert.Error(t, err, "without the authoritative bump there is no invalidation")
}

func TestMirrorFailureDropsCounter(t *testing.T) {
	h := newTestCoordinator(t)
	ctx := context.Background()
	scope := authz.ProjectScope(uuid.New())

	// A corrupt counter makes the INCR fail on every retry; the
	// escalation drops it so readers reseed from the store.
	require.NoError(t, h.mr.Set(authz.VersionKey(scope), "garbage"))

	version, err := h.coord.InvalidateScope(ctx, scope)
	require.NoError(t, err, "mirror trouble must never fail the mutation")
	assert.Equal(t, int64(1), version)

	_, seen, err := h.versions.Peek(ctx, scope)
	require.NoError(t, err)
	assert.False(t, seen, "the unusable counter should be gone")

	// The next read reseeds the true version.
	current, err := h.versions.CurrentOne(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, int64(1), current)
}

func TestInvalidateScopeSurvivesRedisOutage(t *testing.T) {
	h := newTestCoordinator(t)
	scope := authz.TeamScope(uuid.New())

	h.mr.Close()

	// Mirror, drop and flush all fail; the bump alone is sufficient for
	// correctness, so the call still succeeds.
	version, err := h.coord.InvalidateScope(context.Background(), scope)
	require.NoError(t, err)
	assert.Equal(t, int64(1), version)

	stored, err := h.store.GetScopeVersion(context.Background(), string(scope.Type), scope.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored)
}

func TestInvalidateUser(t *testing.T) {
	h := newTestCoordinator(t)
	ctx := context.Background()

	user := uuid.New()
	teamA, teamB := uuid.New(), uuid.New()
	project := uuid.New()
	h.store.teams[user] = []uuid.UUID{teamA, teamB}
	h.store.projects[user] = []uuid.UUID{project}

	scopes, err := h.coord.InvalidateUser(ctx, user)
	require.NoError(t, err)
	assert.ElementsMatch(t, []authz.Scope{
		authz.TeamScope(teamA),
		authz.TeamScope(teamB),
		authz.ProjectScope(project),
	}, scopes)

	for _, scope := range scopes {
		n, seen, err := h.versions.Peek(ctx, scope)
		require.NoError(t, err)
		require.True(t, seen, "scope %s", scope)
		assert.Equal(t, int64(1), n)
	}
}

func TestInvalidateUserPartialFailure(t *testing.T) {
	h := newTestCoordinator(t)

	user := uuid.New()
	h.store.teams[user] = []uuid.UUID{uuid.New(), uuid.New()}
	h.store.failAfter = 1

	scopes, err := h.coord.InvalidateUser(context.Background(), user)
	require.Error(t, err)
	assert.Len(t, scopes, 1, "the caller learns which bumps landed and can rerun")
}

func TestVerifyScopeNoDrift(t *testing.T) {
	h := newTestCoordinator(t)
	ctx := context.Background()
	scope := authz.TeamScope(uuid.New())

	for i := 0; i < 3; i++ {
		_, err := h.coord.InvalidateScope(ctx, scope)
		require.NoError(t, err)
	}

	result, err := h.coord.VerifyScope(ctx, scope, false)
	require.NoError(t, err)
	assert.Equal(t, int64(3), result.StoreVersion)
	assert.Equal(t, int64(3), result.CounterVersion)
	assert.True(t, result.CounterSeen)
	assert.False(t, result.Drift)
}

func TestVerifyScopeUnseenCounter(t *testing.T) {
	h := newTestCoordinator(t)
	scope := authz.ProjectScope(uuid.New())
	h.store.set(scope, 4)

	result, err := h.coord.VerifyScope(context.Background(), scope, false)
	require.NoError(t, err)
	assert.Equal(t, int64(4), result.StoreVersion)
	assert.False(t, result.CounterSeen)
	assert.False(t, result.Drift, "an unseeded counter is a miss, not drift")
}

func TestVerifyScopeDriftAndRepair(t *testing.T) {
	h := newTestCoordinator(t)
	ctx := context.Background()
	scope := authz.TeamScope(uuid.New())

	// Counter stuck behind postgres: cached grants would keep validating
	// against the stale version.
	h.store.set(scope, 9)
	require.NoError(t, h.versions.Repair(ctx, scope, 5))

	result, err := h.coord.VerifyScope(ctx, scope, false)
	require.NoError(t, err)
	assert.True(t, result.Drift)
	assert.False(t, result.Repaired)
	assert.Equal(t, int64(9), result.StoreVersion)
	assert.Equal(t, int64(5), result.CounterVersion)

	result, err = h.coord.VerifyScope(ctx, scope, true)
	require.NoError(t, err)
	assert.True(t, result.Drift)
	assert.True(t, result.Repaired)

	n, seen, err := h.versions.Peek(ctx, scope)
	require.NoError(t, err)
	require.True(t, seen)
	assert.Equal(t, int64(9), n)
}

func TestFlushDecisions(t *testing.T) {
	h := newTestCoordinator(t)
	ctx := context.Background()

	require.NoError(t, h.cache.Set(ctx, authz.DecisionKeyPrefix+"aaa", "x", 0))
	require.NoError(t, h.cache.Set(ctx, authz.DecisionKeyPrefix+"bbb", "x", 0))
	require.NoError(t, h.cache.Set(ctx, authz.VersionKeyPrefix+"team:"+uuid.NewString(), "x", 0))

	deleted, err := h.coord.FlushDecisions(ctx, "operator requested")
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	// Version counters are untouched; only decisions are recomputed.
	exists, err := h.cache.Exists(ctx, authz.DecisionKeyPrefix+"aaa")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestCoordinatorWithoutCache(t *testing.T) {
	fake := newFakeStore()
	versions := authz.NewVersionSource(nil, fake, zap.NewNop())
	auditor := audit.NewLogger(nil, zap.NewNop())
	coord := New(fake, versions, nil, auditor, zap.NewNop())
	ctx := context.Background()

	scope := authz.TeamScope(uuid.New())
	version, err := coord.InvalidateScope(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, int64(1), version)

	result, err := coord.VerifyScope(ctx, scope, true)
	require.NoError(t, err)
	assert.False(t, result.CounterSeen)
	assert.False(t, result.Drift)

	deleted, err := coord.FlushDecisions(ctx, "noop")
	require.NoError(t, err)
	assert.Zero(t, deleted)
}
