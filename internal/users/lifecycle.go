package users

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/stewardhq/steward/internal/rbac"
	"github.com/stewardhq/steward/internal/shared"
)

// lifecycleOp names a status-changing operation in the transition table.
type lifecycleOp string

const (
	opApprove    lifecycleOp = "approve"
	opDeactivate lifecycleOp = "deactivate"
	opReactivate lifecycleOp = "reactivate"
)

// transitions is the full lifecycle graph. A (status, op) pair absent
// from the table is an illegal transition. The locked state is only
// left by the external unlock process, never by these operations.
var transitions = map[Status]map[lifecycleOp]Status{
	StatusPending: {
		opApprove: StatusActive,
	},
	StatusActive: {
		opDeactivate: StatusSuspended,
	},
	StatusSuspended: {
		opReactivate: StatusActive,
	},
}

// nextStatus resolves the transition table for the current state.
func nextStatus(current Status, op lifecycleOp) (Status, error) {
	next, ok := transitions[current][op]
	if !ok {
		return "", fmt.Errorf("%w: cannot %s a %s account", shared.ErrInvalidOperation, op, current)
	}
	return next, nil
}

// guardDeactivate applies the self-action and privileged-role
// protections that sit in front of the deactivate transition.
func guardDeactivate(caller shared.Caller, target *User) error {
	if caller.ID == target.ID {
		return fmt.Errorf("%w: cannot deactivate own account", shared.ErrInvalidOperation)
	}
	if target.Role == rbac.RoleSuperAdmin && rbac.Role(caller.Role) != rbac.RoleSuperAdmin {
		return fmt.Errorf("%w: only a super_admin may deactivate a super_admin", shared.ErrInsufficientPermissions)
	}
	return nil
}

// guardChangeRole applies the self-demotion protection. A request that
// restates the current role is a tolerated no-op, not a bypass.
func guardChangeRole(caller shared.Caller, targetID uuid.UUID, current, next rbac.Role) error {
	if caller.ID == targetID && next != current {
		return fmt.Errorf("%w: cannot change own role", shared.ErrInvalidOperation)
	}
	return nil
}

// guardCreateRole restricts privileged-account creation.
func guardCreateRole(callerRole, newRole rbac.Role) error {
	if newRole.Privileged() && callerRole != rbac.RoleSuperAdmin {
		return fmt.Errorf("%w: only a super_admin may create %s accounts", shared.ErrInsufficientPermissions, newRole)
	}
	return nil
}
