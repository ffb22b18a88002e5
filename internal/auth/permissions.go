package auth

import "slices"

// Permission is a named capability.
type Permission string

// Permissions checked by the API.
const (
	PermDeviceRead    Permission = "device:read"
	PermEventsObserve Permission = "events:observe"
	PermCommandSend   Permission = "command:send"
	PermLogsManage    Permission = "logs:manage"
)

// rolePermissions is the single source of truth for the authorisation model.
var rolePermissions = map[Role][]Permission{
	RoleViewer: {
		PermDeviceRead,
		PermEventsObserve,
	},
	RoleOperator: {
		PermDeviceRead,
		PermEventsObserve,
		PermCommandSend,
		PermLogsManage,
	},
}

// HasPermission reports whether role grants perm.
func HasPermission(role Role, perm Permission) bool {
	return slices.Contains(rolePermissions[role], perm)
}
