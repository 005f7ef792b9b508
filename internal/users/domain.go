package users

import (
	"time"

	"github.com/google/uuid"

	"github.com/stewardhq/steward/internal/rbac"
)

// Status is the account lifecycle state.
type Status string

const (
	// StatusPending awaits administrator approval.
	StatusPending Status = "pending"
	// StatusActive is a usable account.
	StatusActive Status = "active"
	// StatusSuspended was deactivated by an administrator.
	StatusSuspended Status = "suspended"
	// StatusLocked was locked by repeated failed logins. Unlocking is
	// handled outside the directory operations.
	StatusLocked Status = "locked"
)

// Valid reports whether the status is part of the lifecycle.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusActive, StatusSuspended, StatusLocked:
		return true
	}
	return false
}

// Writable field names as they appear in update payloads.
const (
	FieldUsername         = "username"
	FieldEmail            = "email"
	FieldRole             = "role"
	FieldStatus           = "status"
	FieldLicenseNumber    = "license_number"
	FieldOrganizationName = "organization_name"
	FieldPhone            = "phone"
	FieldAddress          = "address"
	FieldPreferences      = "preferences"
)

// User is a directory record. The policy engine treats it as an
// immutable snapshot; writes go out as Mutation values.
type User struct {
	ID                  uuid.UUID         `json:"id"`
	Username            string            `json:"username"`
	Email               string            `json:"email"`
	Role                rbac.Role         `json:"role"`
	Status              Status            `json:"status"`
	LicenseNumber       string            `json:"license_number,omitempty"`
	OrganizationName    string            `json:"organization_name,omitempty"`
	Phone               string            `json:"phone,omitempty"`
	Address             string            `json:"address,omitempty"`
	Preferences         map[string]string `json:"preferences,omitempty"`
	FailedLoginAttempts int               `json:"failed_login_attempts"`
	LockedUntil         *time.Time        `json:"locked_until,omitempty"`
	PasswordHash        string            `json:"-"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
}

// ListFilters narrows a directory listing.
type ListFilters struct {
	Role    string
	Status  string
	Page    int
	PerPage int
	SortBy  string
	SortDir string
}
