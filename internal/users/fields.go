package users

import (
	"sort"

	"github.com/stewardhq/steward/internal/rbac"
)

// Field allowlists keyed by (role, ownership). Keeping the policy as
// data rather than branching makes the write surface auditable at a
// glance: the own-profile list never contains role or status, and only
// the super_admin list contains role.
var (
	ownProfileFields = map[string]struct{}{
		FieldUsername:         {},
		FieldPhone:            {},
		FieldAddress:          {},
		FieldOrganizationName: {},
		FieldPreferences:      {},
	}

	adminFields = map[string]struct{}{
		FieldUsername:         {},
		FieldEmail:            {},
		FieldStatus:           {},
		FieldLicenseNumber:    {},
		FieldOrganizationName: {},
		FieldPhone:            {},
		FieldAddress:          {},
		FieldPreferences:      {},
	}

	superAdminFields = map[string]struct{}{
		FieldUsername:         {},
		FieldEmail:            {},
		FieldRole:             {},
		FieldStatus:           {},
		FieldLicenseNumber:    {},
		FieldOrganizationName: {},
		FieldPhone:            {},
		FieldAddress:          {},
		FieldPreferences:      {},
	}
)

// selectAllowlist picks the allowlist for the caller context, most
// specific first: own profile beats role.
func selectAllowlist(role rbac.Role, isOwner bool) map[string]struct{} {
	switch {
	case isOwner:
		return ownProfileFields
	case role == rbac.RoleSuperAdmin:
		return superAdminFields
	case role == rbac.RoleAdmin:
		return adminFields
	default:
		return nil
	}
}

// filterWritableFields narrows requested to the fields the caller may
// write against current. Disallowed keys are dropped silently (the
// directory runs a best-effort partial-update policy); a role value
// that restates the current role is stripped as a tolerated no-op.
// Dropped key names are returned for transports that want to report
// them.
func filterWritableFields(role rbac.Role, isOwner bool, current *User, requested map[string]any) (map[string]any, []string) {
	allowlist := selectAllowlist(role, isOwner)
	filtered := make(map[string]any, len(requested))
	var dropped []string
	for name, value := range requested {
		if _, ok := allowlist[name]; !ok {
			dropped = append(dropped, name)
			continue
		}
		if name == FieldRole {
			if raw, ok := value.(string); ok && rbac.Role(raw) == current.Role {
				dropped = append(dropped, name)
				continue
			}
		}
		filtered[name] = value
	}
	sort.Strings(dropped)
	return filtered, dropped
}
