package authz

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestVersionSourceSeedsOnMiss(t *testing.T) {
	fake := newFakeEntityStore()
	c, _ := newTestCache(t)
	v := NewVersionSource(c, fake, zap.NewNop())
	ctx := context.Background()

	scope := ProjectScope(uuid.New())
	fake.bump(scope)
	fake.bump(scope)
	fake.bump(scope)

	// No counter yet: Current reads the store and seeds redis.
	got, err := v.CurrentOne(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, int64(3), got)

	n, seen, err := v.Peek(ctx, scope)
	require.NoError(t, err)
	require.True(t, seen, "the read should have seeded the counter")
	assert.Equal(t, int64(3), n)
}

func TestVersionSourceServesFromCounters(t *testing.T) {
	fake := newFakeEntityStore()
	c, _ := newTestCache(t)
	v := NewVersionSource(c, fake, zap.NewNop())
	ctx := context.Background()

	team := TeamScope(uuid.New())
	project := ProjectScope(uuid.New())
	require.NoError(t, v.Repair(ctx, team, 4))
	require.NoError(t, v.Repair(ctx, project, 9))

	current, err := v.Current(ctx, []Scope{team, project})
	require.NoError(t, err)
	assert.Equal(t, int64(4), current[team.StampKey()])
	assert.Equal(t, int64(9), current[project.StampKey()])
}

func TestVersionSourceFallsBackToStore(t *testing.T) {
	fake := newFakeEntityStore()
	c, mr := newTestCache(t)
	v := NewVersionSource(c, fake, zap.NewNop())
	ctx := context.Background()

	scope := TeamScope(uuid.New())
	fake.bump(scope)
	fake.bump(scope)

	mr.Close()

	// Redis down: validation still answers from the authoritative table.
	got, err := v.CurrentOne(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got)
}

func TestVersionSourceNilCache(t *testing.T) {
	fake := newFakeEntityStore()
	v := NewVersionSource(nil, fake, zap.NewNop())
	ctx := context.Background()

	scope := ProjectScope(uuid.New())
	fake.bump(scope)

	got, err := v.CurrentOne(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got)

	require.NoError(t, v.Mirror(ctx, scope, 1))
	require.NoError(t, v.Drop(ctx, scope))
	_, seen, err := v.Peek(ctx, scope)
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestMirrorSeedsUnseenCounter(t *testing.T) {
	fake := newFakeEntityStore()
	c, _ := newTestCache(t)
	v := NewVersionSource(c, fake, zap.NewNop())
	ctx := context.Background()

	scope := TeamScope(uuid.New())
	version := fake.bump(scope)

	require.NoError(t, v.Mirror(ctx, scope, version))

	n, seen, err := v.Peek(ctx, scope)
	require.NoError(t, err)
	require.True(t, seen)
	assert.Equal(t, int64(1), n)
}

func TestMirrorIncrementsCommute(t *testing.T) {
	fake := newFakeEntityStore()
	c, _ := newTestCache(t)
	v := NewVersionSource(c, fake, zap.NewNop())
	ctx := context.Background()

	scope := TeamScope(uuid.New())

	// Two bumps mirrored out of order: the INCRs commute, so the counter
	// never moves backwards and ends at least as high as the store.
	v1 := fake.bump(scope)
	v2 := fake.bump(scope)
	require.NoError(t, v.Mirror(ctx, scope, v2))
	require.NoError(t, v.Mirror(ctx, scope, v1))

	n, seen, err := v.Peek(ctx, scope)
	require.NoError(t, err)
	require.True(t, seen)
	assert.GreaterOrEqual(t, n, v2)
}

func TestMirrorDropsLaggingCounter(t *testing.T) {
	fake := newFakeEntityStore()
	c, _ := newTestCache(t)
	v := NewVersionSource(c, fake, zap.NewNop())
	ctx := context.Background()

	scope := ProjectScope(uuid.New())

	// A counter resurrected from an old redis snapshot lags far behind.
	require.NoError(t, v.Repair(ctx, scope, 2))
	for i := 0; i < 9; i++ {
		fake.bump(scope)
	}

	// One INCR cannot close a gap of seven; the counter is dropped so the
	// next read reseeds from the store instead of serving stale versions.
	require.NoError(t, v.Mirror(ctx, scope, 9))

	_, seen, err := v.Peek(ctx, scope)
	require.NoError(t, err)
	assert.False(t, seen, "a lagging counter must be dropped, not trusted")

	got, err := v.CurrentOne(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, int64(9), got)
}

func TestDropForcesReseed(t *testing.T) {
	fake := newFakeEntityStore()
	c, _ := newTestCache(t)
	v := NewVersionSource(c, fake, zap.NewNop())
	ctx := context.Background()

	scope := TeamScope(uuid.New())
	fake.bump(scope)
	require.NoError(t, v.Repair(ctx, scope, 1))

	require.NoError(t, v.Drop(ctx, scope))
	_, seen, err := v.Peek(ctx, scope)
	require.NoError(t, err)
	require.False(t, seen)

	fake.bump(scope)
	got, err := v.CurrentOne(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got, "reseed picks up bumps made while the counter was gone")
}

func TestPeekDoesNotSeed(t *testing.T) {
	fake := newFakeEntityStore()
	c, _ := newTestCache(t)
	v := NewVersionSource(c, fake, zap.NewNop())
	ctx := context.Background()

	scope := ProjectScope(uuid.New())
	fake.bump(scope)

	_, seen, err := v.Peek(ctx, scope)
	require.NoError(t, err)
	assert.False(t, seen)

	// Still unseeded afterwards.
	_, seen, err = v.Peek(ctx, scope)
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestCurrentMixedSeededAndMissing(t *testing.T) {
	fake := newFakeEntityStore()
	c, _ := newTestCache(t)
	v := NewVersionSource(c, fake, zap.NewNop())
	ctx := context.Background()

	seeded := TeamScope(uuid.New())
	missing := ProjectScope(uuid.New())
	require.NoError(t, v.Repair(ctx, seeded, 5))
	fake.bump(missing)

	current, err := v.Current(ctx, []Scope{seeded, missing})
	require.NoError(t, err)
	assert.Equal(t, int64(5), current[seeded.StampKey()])
	assert.Equal(t, int64(1), current[missing.StampKey()])
}
