package auth

import (
	"fmt"
	"strings"
)

// Role is a dashboard access level.
type Role string

const (
	RoleViewer Role = "viewer"
	RoleAdmin  Role = "admin"
)

var roleRanks = map[Role]int{
	RoleViewer: 1,
	RoleAdmin:  2,
}

// ParseRole reads the role claim of a token. Tokens minted without one are viewers.
func ParseRole(claim string) (Role, error) {
	claim = strings.ToLower(strings.TrimSpace(claim))
	if claim == "" {
		return RoleViewer, nil
	}
	role := Role(claim)
	if _, ok := roleRanks[role]; !ok {
		return "", fmt.Errorf("auth: unknown role %q", claim)
	}
	return role, nil
}

// Covers reports whether r grants at least the access of required.
func (r Role) Covers(required Role) bool {
	return roleRanks[r] >= roleRanks[required]
}
