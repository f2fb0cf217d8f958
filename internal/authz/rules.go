package authz

// Minimum membership role per operation on projects and generations. The
// owner path bypasses these; the public path only ever satisfies read.
var minRole = map[Operation]Role{
	OpRead:   RoleViewer,
	OpWrite:  RoleEditor,
	OpDelete: RoleAdmin,
	OpAdmin:  RoleAdmin,
}

// Minimum share access level per operation. A team path must clear both
// bars: the member's role and the level the project was shared at.
var minAccess = map[Operation]AccessLevel{
	OpRead:   AccessRead,
	OpWrite:  AccessWrite,
	OpDelete: AccessAdmin,
	OpAdmin:  AccessAdmin,
}

// Minimum membership role per operation on the team itself. Deleting a
// team is reserved to its owner.
var minTeamRole = map[Operation]Role{
	OpRead:   RoleViewer,
	OpWrite:  RoleEditor,
	OpDelete: RoleOwner,
	OpAdmin:  RoleAdmin,
}

func RoleSatisfies(role Role, op Operation) bool {
	required, ok := minRole[op]
	if !ok {
		return false
	}
	return role.Level() >= required.Level()
}

func ShareSatisfies(level AccessLevel, op Operation) bool {
	required, ok := minAccess[op]
	if !ok {
		return false
	}
	return level.Level() >= required.Level()
}

// TeamPathQualifies reports whether a membership role combined with a share
// level grants the operation. The effective role on a qualifying path is
// the membership role itself, never widened or narrowed by the share.
func TeamPathQualifies(role Role, level AccessLevel, op Operation) bool {
	return RoleSatisfies(role, op) && ShareSatisfies(level, op)
}

func TeamRoleSatisfies(role Role, op Operation) bool {
	required, ok := minTeamRole[op]
	if !ok {
		return false
	}
	return role.Level() >= required.Level()
}

// PublicAllows reports whether public visibility alone grants the
// operation. Public projects are world-readable, nothing more.
func PublicAllows(op Operation) bool {
	return op == OpRead
}
