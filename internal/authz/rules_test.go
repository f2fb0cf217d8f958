package authz

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRoleSatisfies(t *testing.T) {
	tests := []struct {
		role Role
		op   Operation
		want bool
	}{
		{RoleViewer, OpRead, true},
		{RoleViewer, OpWrite, false},
		{RoleViewer, OpDelete, false},
		{RoleViewer, OpAdmin, false},
		{RoleEditor, OpRead, true},
		{RoleEditor, OpWrite, true},
		{RoleEditor, OpDelete, false},
		{RoleAdmin, OpRead, true},
		{RoleAdmin, OpWrite, true},
		{RoleAdmin, OpDelete, true},
		{RoleAdmin, OpAdmin, true},
		{RoleOwner, OpRead, true},
		{RoleOwner, OpAdmin, true},
		{RoleNone, OpRead, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, RoleSatisfies(tt.role, tt.op),
			"role=%q op=%q", tt.role, tt.op)
	}
}

func TestRoleSatisfiesUnknownOperation(t *testing.T) {
	assert.False(t, RoleSatisfies(RoleOwner, Operation("transmogrify")))
}

func TestShareSatisfies(t *testing.T) {
	tests := []struct {
		level AccessLevel
		op    Operation
		want  bool
	}{
		{AccessRead, OpRead, true},
		{AccessRead, OpWrite, false},
		{AccessWrite, OpRead, true},
		{AccessWrite, OpWrite, true},
		{AccessWrite, OpDelete, false},
		{AccessAdmin, OpDelete, true},
		{AccessAdmin, OpAdmin, true},
		{AccessNone, OpRead, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, ShareSatisfies(tt.level, tt.op),
			"level=%q op=%q", tt.level, tt.op)
	}
}

// A team path must clear both bars. An admin member on a read-only share
// cannot write; an editor on an admin share cannot delete.
func TestTeamPathQualifies(t *testing.T) {
	tests := []struct {
		name  string
		role  Role
		level AccessLevel
		op    Operation
		want  bool
	}{
		{"editor on write share writes", RoleEditor, AccessWrite, OpWrite, true},
		{"admin capped by read share", RoleAdmin, AccessRead, OpWrite, false},
		{"editor capped by role on admin share", RoleEditor, AccessAdmin, OpDelete, false},
		{"viewer reads through read share", RoleViewer, AccessRead, OpRead, true},
		{"viewer cannot write regardless of share", RoleViewer, AccessAdmin, OpWrite, false},
		{"admin on admin share deletes", RoleAdmin, AccessAdmin, OpDelete, true},
		{"owner role on read share still reads only", RoleOwner, AccessRead, OpAdmin, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TeamPathQualifies(tt.role, tt.level, tt.op))
		})
	}
}

func TestTeamRoleSatisfies(t *testing.T) {
	// Team deletion is reserved to the owner; admins run everything else.
	assert.True(t, TeamRoleSatisfies(RoleOwner, OpDelete))
	assert.False(t, TeamRoleSatisfies(RoleAdmin, OpDelete))
	assert.True(t, TeamRoleSatisfies(RoleAdmin, OpAdmin))
	assert.False(t, TeamRoleSatisfies(RoleEditor, OpAdmin))
	assert.True(t, TeamRoleSatisfies(RoleEditor, OpWrite))
	assert.True(t, TeamRoleSatisfies(RoleViewer, OpRead))
	assert.False(t, TeamRoleSatisfies(RoleViewer, OpWrite))
}

func TestPublicAllows(t *testing.T) {
	assert.True(t, PublicAllows(OpRead))
	assert.False(t, PublicAllows(OpWrite))
	assert.False(t, PublicAllows(OpDelete))
	assert.False(t, PublicAllows(OpAdmin))
}

func TestRoleOrdering(t *testing.T) {
	assert.Greater(t, RoleOwner.Level(), RoleAdmin.Level())
	assert.Greater(t, RoleAdmin.Level(), RoleEditor.Level())
	assert.Greater(t, RoleEditor.Level(), RoleViewer.Level())
	assert.Greater(t, RoleViewer.Level(), RoleNone.Level())

	// Corrupt role strings rank below viewer, never widening access.
	assert.Equal(t, 0, Role("superuser").Level())
}

func TestParseRole(t *testing.T) {
	role, ok := ParseRole("editor")
	assert.True(t, ok)
	assert.Equal(t, RoleEditor, role)

	_, ok = ParseRole("EDITOR")
	assert.False(t, ok)
	_, ok = ParseRole("")
	assert.False(t, ok)
}
