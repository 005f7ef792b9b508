package audit

import (
	"time"

	"github.com/google/uuid"
)

// Action tags an audit event with its originating operation.
type Action string

const (
	// ActionList records a directory listing.
	ActionList Action = "list"
	// ActionView records a single-user read.
	ActionView Action = "view"
	// ActionSearch records a directory search.
	ActionSearch Action = "search"
	// ActionCreate records a user creation.
	ActionCreate Action = "create"
	// ActionUpdate records a profile update.
	ActionUpdate Action = "update"
	// ActionRoleChanged records a role assignment.
	ActionRoleChanged Action = "role_changed"
	// ActionUserDeactivated records a suspension.
	ActionUserDeactivated Action = "user_deactivated"
	// ActionUserReactivated records a reactivation.
	ActionUserReactivated Action = "user_reactivated"
	// ActionUserApproved records a pending-account approval.
	ActionUserApproved Action = "user_approved"
	// ActionPermissionDenied records a rejected access attempt.
	ActionPermissionDenied Action = "permission_denied"
)

// Event is an immutable record of a privileged or denied action.
type Event struct {
	ID         uuid.UUID      `json:"id"`
	ActorID    uuid.UUID      `json:"actor_id"`
	Action     Action         `json:"action"`
	TargetType string         `json:"target_type"`
	TargetID   string         `json:"target_id"`
	Detail     map[string]any `json:"detail,omitempty"`
	SourceIP   string         `json:"source_ip,omitempty"`
	At         time.Time      `json:"at"`
}
