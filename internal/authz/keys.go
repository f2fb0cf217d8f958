package authz

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// Decision keys are content hashes so raw user and resource identifiers
// never appear in redis keyspace scans or telemetry.
const (
	DecisionKeyPrefix = "authz:dec:"
	VersionKeyPrefix  = "authz:ver:"
	ModeKey           = "authz:mode"
)

func DecisionKey(userID uuid.UUID, rt ResourceType, resourceID uuid.UUID, op Operation) string {
	h := sha256.Sum256([]byte(userID.String() + ":" + string(rt) + ":" + resourceID.String() + ":" + string(op)))
	return DecisionKeyPrefix + hex.EncodeToString(h[:])
}

func VersionKey(s Scope) string {
	return VersionKeyPrefix + s.StampKey()
}

// ParseStampKey turns a stamp map key ("team:<uuid>" or "project:<uuid>")
// back into its scope.
func ParseStampKey(key string) (Scope, bool) {
	scopeType, id, ok := strings.Cut(key, ":")
	if !ok {
		return Scope{}, false
	}
	if scopeType != string(ScopeTeam) && scopeType != string(ScopeProject) {
		return Scope{}, false
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return Scope{}, false
	}
	return Scope{Type: ScopeType(scopeType), ID: parsed}, true
}
