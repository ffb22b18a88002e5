package auth

import "errors"

// Role is an operator's authorisation tier.
type Role string

const (
	// RoleViewer can list devices, read logs and watch real-time updates.
	RoleViewer Role = "viewer"

	// RoleOperator can additionally send commands to devices.
	RoleOperator Role = "operator"
)

// ValidRoles lists every role a token may carry.
var ValidRoles = []Role{RoleViewer, RoleOperator}

// IsValidRole reports whether r is a known role.
func IsValidRole(r Role) bool {
	_, ok := rolePermissions[r]
	return ok
}

// Sentinel errors.
var (
	ErrTokenInvalid = errors.New("invalid token")
	ErrInvalidRole  = errors.New("invalid role")
	ErrForbidden    = errors.New("insufficient permissions")
)
