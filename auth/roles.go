package auth

import "strings"

// Role is a web login role. It is unrelated to chat identity roles.
type Role string

const (
	RoleViewer   Role = "viewer"
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
)

// NormalizeRole maps the web role names (and the legacy Spanish ones) to a Role.
func NormalizeRole(value string) (Role, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "viewer", "lector", "visor":
		return RoleViewer, true
	case "operator", "operador":
		return RoleOperator, true
	case "admin", "administrador":
		return RoleAdmin, true
	}
	return "", false
}

func roleRank(r Role) int {
	switch r {
	case RoleViewer:
		return 1
	case RoleOperator:
		return 2
	case RoleAdmin:
		return 3
	}
	return 0
}

// RoleAtLeast reports whether role satisfies required.
func RoleAtLeast(role, required Role) bool {
	return roleRank(role) > 0 && roleRank(role) >= roleRank(required)
}
