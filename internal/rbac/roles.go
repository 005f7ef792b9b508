package rbac

import (
	"sort"
	"strings"
)

// Role represents a position in the directory role hierarchy.
type Role string

const (
	// RoleUser is a regular directory member.
	RoleUser Role = "user"
	// RoleAdmin manages other users.
	RoleAdmin Role = "admin"
	// RoleSuperAdmin manages admins and role assignments.
	RoleSuperAdmin Role = "super_admin"
)

// Directory permissions.
const (
	PermUsersView    = "users.view"
	PermUsersCreate  = "users.create"
	PermUsersEdit    = "users.edit"
	PermUsersDelete  = "users.delete"
	PermUsersApprove = "users.approve"
)

// roleLevels orders roles for hierarchy comparisons.
var roleLevels = map[Role]int{
	RoleUser:       1,
	RoleAdmin:      2,
	RoleSuperAdmin: 3,
}

// rolePermissions is the static permission table. super_admin inherits
// every admin permission; the table is resolved once at package init
// and never mutated afterwards.
var rolePermissions = map[Role]map[string]struct{}{
	RoleUser: {},
	RoleAdmin: {
		PermUsersView:    {},
		PermUsersCreate:  {},
		PermUsersEdit:    {},
		PermUsersDelete:  {},
		PermUsersApprove: {},
	},
	RoleSuperAdmin: {},
}

func init() {
	for perm := range rolePermissions[RoleAdmin] {
		rolePermissions[RoleSuperAdmin][perm] = struct{}{}
	}
}

// ParseRole normalizes and validates a role name.
func ParseRole(value string) (Role, bool) {
	role := Role(strings.TrimSpace(strings.ToLower(value)))
	_, ok := roleLevels[role]
	return role, ok
}

// Valid reports whether the role is part of the hierarchy.
func (r Role) Valid() bool {
	_, ok := roleLevels[r]
	return ok
}

// AtLeast reports whether r sits at or above other in the hierarchy.
func (r Role) AtLeast(other Role) bool {
	return roleLevels[r] >= roleLevels[other]
}

// Privileged reports whether the role is admin or above.
func (r Role) Privileged() bool {
	return r.AtLeast(RoleAdmin)
}

// HasPermission reports whether the role holds the named permission.
func HasPermission(role Role, permission string) bool {
	perms, ok := rolePermissions[role]
	if !ok {
		return false
	}
	_, ok = perms[strings.TrimSpace(strings.ToLower(permission))]
	return ok
}

// RolePermissions returns the resolved permission set for a role,
// sorted for deterministic output.
func RolePermissions(role Role) []string {
	perms, ok := rolePermissions[role]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(perms))
	for perm := range perms {
		out = append(out, perm)
	}
	sort.Strings(out)
	return out
}

// AllRoles lists the hierarchy from lowest to highest.
func AllRoles() []Role {
	return []Role{RoleUser, RoleAdmin, RoleSuperAdmin}
}
