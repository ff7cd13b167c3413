package auth

import "errors"

// ErrInvalidRole is returned when a token names a role outside ValidRoles.
var ErrInvalidRole = errors.New("auth: invalid role")

// Role represents an authorisation tier within an organization.
type Role string

const (
	// RoleViewer can read everything in its organization and change nothing.
	RoleViewer Role = "viewer"

	// RoleCollaborator operates the sync engine day to day.
	RoleCollaborator Role = "collaborator"

	// RoleAdmin configures integrations and schedules and reads the audit
	// trail.
	RoleAdmin Role = "admin"
)

// ValidRoles is the set of roles a token may carry.
var ValidRoles = []Role{RoleViewer, RoleCollaborator, RoleAdmin}

// IsValidRole returns true if r is one of ValidRoles.
func IsValidRole(r Role) bool {
	for _, v := range ValidRoles {
		if r == v {
			return true
		}
	}
	return false
}

// ParseRole converts a token claim to a Role.
// An empty claim is the least privileged role.
func ParseRole(s string) (Role, error) {
	if s == "" {
		return RoleViewer, nil
	}
	r := Role(s)
	if !IsValidRole(r) {
		return "", ErrInvalidRole
	}
	return r, nil
}
