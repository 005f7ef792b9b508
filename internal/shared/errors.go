package shared

import "errors"

var (
	// ErrNotFound indicates the target user does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAccessDenied indicates the permission/ownership gate failed.
	ErrAccessDenied = errors.New("access denied")
	// ErrInvalidOperation indicates a guard violation such as a
	// self-action or an undefined lifecycle transition.
	ErrInvalidOperation = errors.New("invalid operation")
	// ErrInsufficientPermissions indicates a role-hierarchy violation.
	ErrInsufficientPermissions = errors.New("insufficient permissions")
	// ErrConflict indicates a duplicate unique field such as email.
	ErrConflict = errors.New("conflict")
	// ErrNoValidUpdates indicates the filtered payload was empty.
	ErrNoValidUpdates = errors.New("no valid updates")
	// ErrAuditDeliveryFailed indicates the audit sink rejected an event.
	// The originating operation already succeeded; callers log and
	// continue rather than roll back.
	ErrAuditDeliveryFailed = errors.New("audit delivery failed")
	// ErrInvalidCredentials indicates login failure.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrAccountLocked indicates login against a locked account.
	ErrAccountLocked = errors.New("account locked")
)

// UserSafeMessage returns a message safe to show to the API caller.
func UserSafeMessage(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "user not found"
	case errors.Is(err, ErrAccessDenied):
		return "access denied"
	case errors.Is(err, ErrInvalidOperation):
		return "operation not allowed"
	case errors.Is(err, ErrInsufficientPermissions):
		return "insufficient permissions"
	case errors.Is(err, ErrConflict):
		return "a user with that email already exists"
	case errors.Is(err, ErrNoValidUpdates):
		return "no updatable fields in request"
	case errors.Is(err, ErrInvalidCredentials):
		return "invalid credentials"
	case errors.Is(err, ErrAccountLocked):
		return "account is locked"
	default:
		return "internal error"
	}
}
