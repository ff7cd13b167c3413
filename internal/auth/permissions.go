package auth

// Permission represents a named capability in the system.
type Permission string

// Permission constants.
const (
	PermRead               Permission = "sync:read"
	PermSyncRun            Permission = "sync:run"
	PermConflictResolve    Permission = "conflict:resolve"
	PermDeviceManage       Permission = "device:manage"
	PermNotificationManage Permission = "notification:manage"
	PermIntegrationManage  Permission = "integration:manage"
	PermAuditRead          Permission = "audit:read"
)

// rolePermissions maps each role to its granted permissions.
// This is the single source of truth for the authorisation model.
var rolePermissions = map[Role][]Permission{
	RoleViewer: {
		PermRead,
	},
	RoleCollaborator: {
		PermRead,
		PermSyncRun,
		PermConflictResolve,
		PermDeviceManage,
		PermNotificationManage,
	},
	RoleAdmin: {
		PermRead,
		PermSyncRun,
		PermConflictResolve,
		PermDeviceManage,
		PermNotificationManage,
		PermIntegrationManage,
		PermAuditRead,
	},
}

// HasPermission returns true if the given role has the specified permission.
func HasPermission(role Role, perm Permission) bool {
	perms, ok := rolePermissions[role]
	if !ok {
		return false
	}
	for _, p := range perms {
		if p == perm {
			return true
		}
	}
	return false
}

// PermissionsForRole returns all permissions granted to a role.
// Returns nil for unknown roles.
func PermissionsForRole(role Role) []Permission {
	perms := rolePermissions[role]
	if perms == nil {
		return nil
	}
	result := make([]Permission, len(perms))
	copy(result, perms)
	return result
}
