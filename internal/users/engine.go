package users

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/stewardhq/steward/internal/audit"
	"github.com/stewardhq/steward/internal/rbac"
	"github.com/stewardhq/steward/internal/shared"
)

// Operation names a directory operation for mutation tagging.
type Operation string

const (
	OpList           Operation = "list"
	OpGet            Operation = "get"
	OpCreate         Operation = "create"
	OpUpdate         Operation = "update"
	OpChangeRole     Operation = "change_role"
	OpDeactivate     Operation = "deactivate"
	OpReactivate     Operation = "reactivate"
	OpApprove        Operation = "approve"
	OpGetPermissions Operation = "get_permissions"
	OpSearch         Operation = "search"
)

const targetTypeUser = "user"

// Store is the read-only snapshot access the engine consumes. The
// persistence collaborator owns serialization of concurrent writes.
type Store interface {
	FindByID(ctx context.Context, id uuid.UUID) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	List(ctx context.Context, filters ListFilters) ([]User, int, error)
	Search(ctx context.Context, query string, limit int) ([]User, error)
}

// Mutation is the sanitized write the engine hands to the persistence
// collaborator. Expected* carry the snapshot values the write must
// compare-and-swap against.
type Mutation struct {
	Operation      Operation
	TargetID       uuid.UUID
	Fields         map[string]any
	ExpectedRole   rbac.Role
	ExpectedStatus Status
	NewUser        *User
}

// Decision is the engine's answer for one operation. Exactly one of
// the payload fields is populated depending on the operation kind.
type Decision struct {
	Allowed     bool
	Reason      error
	Message     string
	Mutation    *Mutation
	Dropped     []string
	User        *User
	Users       []User
	Pagination  *shared.Pagination
	Permissions []string
	// AuditErr carries a non-fatal audit delivery failure. The decision
	// it annotates stands; operators are alerted through the log.
	AuditErr error
}

// CreateInput carries the policy-relevant fields of a creation request.
// Credential material is handled by the service, not the engine.
type CreateInput struct {
	Username         string
	Email            string
	Role             rbac.Role
	LicenseNumber    string
	OrganizationName string
	Phone            string
	Address          string
	Preferences      map[string]string
}

// Engine answers "can caller C perform operation O on user U with
// payload P". It never writes; authorized mutations go back to the
// caller for application. Decisions are pure over their inputs, so the
// engine is safe for concurrent use.
type Engine struct {
	store    Store
	recorder *audit.Recorder
	clock    shared.Clock
	logger   *slog.Logger
}

// NewEngine constructs an Engine.
func NewEngine(store Store, recorder *audit.Recorder, clock shared.Clock, logger *slog.Logger) *Engine {
	if clock == nil {
		clock = shared.SystemClock{}
	}
	return &Engine{store: store, recorder: recorder, clock: clock, logger: logger}
}

// List authorizes a directory listing.
func (e *Engine) List(ctx context.Context, caller shared.Caller, filters ListFilters, src shared.SourceContext) (Decision, error) {
	if !rbac.HasPermission(rbac.Role(caller.Role), rbac.PermUsersView) {
		return e.deny(ctx, caller, uuid.Nil, shared.ErrAccessDenied, rbac.PermUsersView, src), nil
	}
	list, total, err := e.store.List(ctx, filters)
	if err != nil {
		return Decision{}, err
	}
	pagination := shared.NewPagination(filters.Page, filters.PerPage, total)
	decision := e.allow(nil)
	decision.Users = list
	decision.Pagination = &pagination
	decision.AuditErr = e.record(ctx, caller.ID, audit.ActionList, "", map[string]any{"page": pagination.Page, "total": total}, src)
	return decision, nil
}

// Get authorizes a single-user read. Owners may always read their own
// record; everyone else needs users.view.
func (e *Engine) Get(ctx context.Context, caller shared.Caller, targetID uuid.UUID, src shared.SourceContext) (Decision, error) {
	if !isOwner(caller, targetID) && !rbac.HasPermission(rbac.Role(caller.Role), rbac.PermUsersView) {
		return e.deny(ctx, caller, targetID, shared.ErrAccessDenied, rbac.PermUsersView, src), nil
	}
	target, err := e.store.FindByID(ctx, targetID)
	if err != nil {
		return e.storeFailure(err)
	}
	decision := e.allow(nil)
	decision.User = target
	decision.AuditErr = e.record(ctx, caller.ID, audit.ActionView, targetID.String(), nil, src)
	return decision, nil
}

// Create authorizes a user creation. The new account starts pending
// and goes through Approve before it can log in.
func (e *Engine) Create(ctx context.Context, caller shared.Caller, input CreateInput, src shared.SourceContext) (Decision, error) {
	if !rbac.HasPermission(rbac.Role(caller.Role), rbac.PermUsersCreate) {
		return e.deny(ctx, caller, uuid.Nil, shared.ErrAccessDenied, rbac.PermUsersCreate, src), nil
	}
	role := input.Role
	if role == "" {
		role = rbac.RoleUser
	}
	if !role.Valid() {
		return e.deny(ctx, caller, uuid.Nil, fmt.Errorf("%w: unknown role %q", shared.ErrInvalidOperation, input.Role), rbac.PermUsersCreate, src), nil
	}
	if err := guardCreateRole(rbac.Role(caller.Role), role); err != nil {
		return e.deny(ctx, caller, uuid.Nil, err, rbac.PermUsersCreate, src), nil
	}
	if existing, err := e.store.FindByEmail(ctx, input.Email); err != nil && !errors.Is(err, shared.ErrNotFound) {
		return Decision{}, err
	} else if existing != nil {
		return e.refuse(fmt.Errorf("%w: email already registered", shared.ErrConflict)), nil
	}
	now := e.clock.Now()
	newUser := &User{
		ID:               uuid.New(),
		Username:         input.Username,
		Email:            input.Email,
		Role:             role,
		Status:           StatusPending,
		LicenseNumber:    input.LicenseNumber,
		OrganizationName: input.OrganizationName,
		Phone:            input.Phone,
		Address:          input.Address,
		Preferences:      input.Preferences,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	decision := e.allow(&Mutation{Operation: OpCreate, TargetID: newUser.ID, NewUser: newUser})
	decision.User = newUser
	decision.AuditErr = e.record(ctx, caller.ID, audit.ActionCreate, newUser.ID.String(), map[string]any{"email": newUser.Email, "role": string(role)}, src)
	return decision, nil
}

// Update authorizes a field-filtered partial update. Role and status
// never move through this path; ChangeRole and the lifecycle
// operations are their only producers.
func (e *Engine) Update(ctx context.Context, caller shared.Caller, targetID uuid.UUID, payload map[string]any, src shared.SourceContext) (Decision, error) {
	owner := isOwner(caller, targetID)
	if !owner && !rbac.HasPermission(rbac.Role(caller.Role), rbac.PermUsersEdit) {
		return e.deny(ctx, caller, targetID, shared.ErrAccessDenied, rbac.PermUsersEdit, src), nil
	}
	target, err := e.store.FindByID(ctx, targetID)
	if err != nil {
		return e.storeFailure(err)
	}
	requested, forced := stripLifecycleFields(target, payload)
	fields, dropped := filterWritableFields(rbac.Role(caller.Role), owner, target, requested)
	dropped = append(forced, dropped...)
	if len(fields) == 0 {
		decision := e.refuse(shared.ErrNoValidUpdates)
		decision.Dropped = dropped
		return decision, nil
	}
	changed := make([]string, 0, len(fields))
	for name := range fields {
		changed = append(changed, name)
	}
	decision := e.allow(&Mutation{Operation: OpUpdate, TargetID: targetID, Fields: fields})
	decision.Dropped = dropped
	decision.AuditErr = e.record(ctx, caller.ID, audit.ActionUpdate, targetID.String(), map[string]any{"fields": changed}, src)
	return decision, nil
}

// ChangeRole authorizes a role assignment. Only super_admin may call
// it at all; the check runs before the target is even loaded.
func (e *Engine) ChangeRole(ctx context.Context, caller shared.Caller, targetID uuid.UUID, newRole rbac.Role, src shared.SourceContext) (Decision, error) {
	if rbac.Role(caller.Role) != rbac.RoleSuperAdmin {
		return e.deny(ctx, caller, targetID, fmt.Errorf("%w: role changes require super_admin", shared.ErrInsufficientPermissions), rbac.PermUsersEdit, src), nil
	}
	if !newRole.Valid() {
		return e.refuse(fmt.Errorf("%w: unknown role %q", shared.ErrInvalidOperation, newRole)), nil
	}
	target, err := e.store.FindByID(ctx, targetID)
	if err != nil {
		return e.storeFailure(err)
	}
	if err := guardChangeRole(caller, targetID, target.Role, newRole); err != nil {
		return e.deny(ctx, caller, targetID, err, rbac.PermUsersEdit, src), nil
	}
	if newRole == target.Role {
		// Tolerated no-op: nothing changes, nothing is written.
		return e.allow(nil), nil
	}
	decision := e.allow(&Mutation{
		Operation:    OpChangeRole,
		TargetID:     targetID,
		Fields:       map[string]any{FieldRole: string(newRole)},
		ExpectedRole: target.Role,
	})
	decision.AuditErr = e.record(ctx, caller.ID, audit.ActionRoleChanged, targetID.String(), map[string]any{"old_role": string(target.Role), "new_role": string(newRole)}, src)
	return decision, nil
}

// Deactivate authorizes an active→suspended transition. The
// self-action protection holds regardless of role, so it runs before
// the permission gate.
func (e *Engine) Deactivate(ctx context.Context, caller shared.Caller, targetID uuid.UUID, reason string, src shared.SourceContext) (Decision, error) {
	if isOwner(caller, targetID) {
		return e.deny(ctx, caller, targetID, fmt.Errorf("%w: cannot deactivate own account", shared.ErrInvalidOperation), rbac.PermUsersDelete, src), nil
	}
	if !rbac.HasPermission(rbac.Role(caller.Role), rbac.PermUsersDelete) {
		return e.deny(ctx, caller, targetID, shared.ErrAccessDenied, rbac.PermUsersDelete, src), nil
	}
	target, err := e.store.FindByID(ctx, targetID)
	if err != nil {
		return e.storeFailure(err)
	}
	if err := guardDeactivate(caller, target); err != nil {
		return e.deny(ctx, caller, targetID, err, rbac.PermUsersDelete, src), nil
	}
	next, err := nextStatus(target.Status, opDeactivate)
	if err != nil {
		return e.deny(ctx, caller, targetID, err, rbac.PermUsersDelete, src), nil
	}
	decision := e.allow(&Mutation{
		Operation:      OpDeactivate,
		TargetID:       targetID,
		Fields:         map[string]any{FieldStatus: string(next)},
		ExpectedStatus: target.Status,
	})
	decision.AuditErr = e.record(ctx, caller.ID, audit.ActionUserDeactivated, targetID.String(), map[string]any{"reason": reason}, src)
	return decision, nil
}

// Reactivate authorizes a suspended→active transition, resetting the
// failed-login counter and clearing any lock expiry.
func (e *Engine) Reactivate(ctx context.Context, caller shared.Caller, targetID uuid.UUID, src shared.SourceContext) (Decision, error) {
	if !rbac.HasPermission(rbac.Role(caller.Role), rbac.PermUsersDelete) {
		return e.deny(ctx, caller, targetID, shared.ErrAccessDenied, rbac.PermUsersDelete, src), nil
	}
	target, err := e.store.FindByID(ctx, targetID)
	if err != nil {
		return e.storeFailure(err)
	}
	next, err := nextStatus(target.Status, opReactivate)
	if err != nil {
		return e.deny(ctx, caller, targetID, err, rbac.PermUsersDelete, src), nil
	}
	decision := e.allow(&Mutation{
		Operation:      OpReactivate,
		TargetID:       targetID,
		Fields:         map[string]any{FieldStatus: string(next), "failed_login_attempts": 0, "locked_until": nil},
		ExpectedStatus: target.Status,
	})
	decision.AuditErr = e.record(ctx, caller.ID, audit.ActionUserReactivated, targetID.String(), nil, src)
	return decision, nil
}

// Approve authorizes a pending→active transition.
func (e *Engine) Approve(ctx context.Context, caller shared.Caller, targetID uuid.UUID, src shared.SourceContext) (Decision, error) {
	if !rbac.HasPermission(rbac.Role(caller.Role), rbac.PermUsersApprove) {
		return e.deny(ctx, caller, targetID, shared.ErrAccessDenied, rbac.PermUsersApprove, src), nil
	}
	target, err := e.store.FindByID(ctx, targetID)
	if err != nil {
		return e.storeFailure(err)
	}
	next, err := nextStatus(target.Status, opApprove)
	if err != nil {
		return e.deny(ctx, caller, targetID, err, rbac.PermUsersApprove, src), nil
	}
	decision := e.allow(&Mutation{
		Operation:      OpApprove,
		TargetID:       targetID,
		Fields:         map[string]any{FieldStatus: string(next)},
		ExpectedStatus: target.Status,
	})
	decision.AuditErr = e.record(ctx, caller.ID, audit.ActionUserApproved, targetID.String(), nil, src)
	return decision, nil
}

// GetPermissions resolves the effective permission set of the target's
// role. Owners may always inspect their own permissions.
func (e *Engine) GetPermissions(ctx context.Context, caller shared.Caller, targetID uuid.UUID, src shared.SourceContext) (Decision, error) {
	if !isOwner(caller, targetID) && !rbac.HasPermission(rbac.Role(caller.Role), rbac.PermUsersView) {
		return e.deny(ctx, caller, targetID, shared.ErrAccessDenied, rbac.PermUsersView, src), nil
	}
	target, err := e.store.FindByID(ctx, targetID)
	if err != nil {
		return e.storeFailure(err)
	}
	decision := e.allow(nil)
	decision.Permissions = rbac.RolePermissions(target.Role)
	decision.AuditErr = e.record(ctx, caller.ID, audit.ActionView, targetID.String(), map[string]any{"permissions": true}, src)
	return decision, nil
}

// Search authorizes a directory search.
func (e *Engine) Search(ctx context.Context, caller shared.Caller, query string, limit int, src shared.SourceContext) (Decision, error) {
	if !rbac.HasPermission(rbac.Role(caller.Role), rbac.PermUsersView) {
		return e.deny(ctx, caller, uuid.Nil, shared.ErrAccessDenied, rbac.PermUsersView, src), nil
	}
	if limit <= 0 || limit > 50 {
		limit = 20
	}
	results, err := e.store.Search(ctx, query, limit)
	if err != nil {
		return Decision{}, err
	}
	decision := e.allow(nil)
	decision.Users = results
	decision.AuditErr = e.record(ctx, caller.ID, audit.ActionSearch, "", map[string]any{"query": query, "hits": len(results)}, src)
	return decision, nil
}

// isOwner is the ownership relation: pure identity comparison.
func isOwner(caller shared.Caller, targetID uuid.UUID) bool {
	return caller.ID == targetID
}

// stripLifecycleFields removes role and status values that would
// mutate through Update. An unchanged role is left in place for the
// allowlist filter to strip as a no-op.
func stripLifecycleFields(current *User, payload map[string]any) (map[string]any, []string) {
	requested := make(map[string]any, len(payload))
	var forced []string
	for name, value := range payload {
		switch name {
		case FieldStatus:
			forced = append(forced, name)
			continue
		case FieldRole:
			if raw, ok := value.(string); !ok || rbac.Role(raw) != current.Role {
				forced = append(forced, name)
				continue
			}
		}
		requested[name] = value
	}
	return requested, forced
}

func (e *Engine) allow(mutation *Mutation) Decision {
	return Decision{Allowed: true, Mutation: mutation}
}

// refuse builds a denial that carries no audit obligation (NotFound,
// Conflict, NoValidUpdates and friends).
func (e *Engine) refuse(reason error) Decision {
	return Decision{Allowed: false, Reason: reason, Message: shared.UserSafeMessage(reason)}
}

// deny builds a denial for a failed permission/ownership gate or guard
// and records the mandatory permission_denied audit event.
func (e *Engine) deny(ctx context.Context, caller shared.Caller, targetID uuid.UUID, reason error, permission string, src shared.SourceContext) Decision {
	decision := e.refuse(reason)
	target := ""
	if targetID != uuid.Nil {
		target = targetID.String()
	}
	detail := map[string]any{
		"permission": permission,
		"reason":     reason.Error(),
	}
	decision.AuditErr = e.record(ctx, caller.ID, audit.ActionPermissionDenied, target, detail, src)
	return decision
}

func (e *Engine) storeFailure(err error) (Decision, error) {
	if errors.Is(err, shared.ErrNotFound) {
		return Decision{Allowed: false, Reason: shared.ErrNotFound, Message: shared.UserSafeMessage(shared.ErrNotFound)}, nil
	}
	return Decision{}, err
}

func (e *Engine) record(ctx context.Context, actorID uuid.UUID, action audit.Action, targetID string, detail map[string]any, src shared.SourceContext) error {
	if e.recorder == nil {
		return nil
	}
	return e.recorder.Record(ctx, actorID, action, targetTypeUser, targetID, detail, src)
}
