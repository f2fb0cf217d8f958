package authz

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecisionKey(t *testing.T) {
	userID := uuid.New()
	resourceID := uuid.New()

	key := DecisionKey(userID, ResourceProject, resourceID, OpRead)

	assert.True(t, strings.HasPrefix(key, DecisionKeyPrefix))
	// sha256 hex digest after the prefix.
	assert.Len(t, key, len(DecisionKeyPrefix)+64)
	// No raw identifiers leak into the keyspace.
	assert.NotContains(t, key, userID.String())
	assert.NotContains(t, key, resourceID.String())

	assert.Equal(t, key, DecisionKey(userID, ResourceProject, resourceID, OpRead))
	assert.NotEqual(t, key, DecisionKey(userID, ResourceProject, resourceID, OpWrite))
	assert.NotEqual(t, key, DecisionKey(userID, ResourceGeneration, resourceID, OpRead))
	assert.NotEqual(t, key, DecisionKey(uuid.New(), ResourceProject, resourceID, OpRead))
}

func TestVersionKey(t *testing.T) {
	id := uuid.New()
	assert.Equal(t, "authz:ver:team:"+id.String(), VersionKey(TeamScope(id)))
	assert.Equal(t, "authz:ver:project:"+id.String(), VersionKey(ProjectScope(id)))
}

func TestParseStampKey(t *testing.T) {
	id := uuid.New()

	scope, ok := ParseStampKey("team:" + id.String())
	require.True(t, ok)
	assert.Equal(t, TeamScope(id), scope)

	scope, ok = ParseStampKey("project:" + id.String())
	require.True(t, ok)
	assert.Equal(t, ProjectScope(id), scope)

	// Round trip through the stamp map representation.
	scope, ok = ParseStampKey(TeamScope(id).StampKey())
	require.True(t, ok)
	assert.Equal(t, ScopeTeam, scope.Type)
	assert.Equal(t, id, scope.ID)

	for _, bad := range []string{
		"",
		"team",
		"user:" + id.String(),
		"team:not-a-uuid",
		id.String(),
	} {
		_, ok := ParseStampKey(bad)
		assert.False(t, ok, "key %q should not parse", bad)
	}
}
