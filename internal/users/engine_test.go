package users

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stewardhq/steward/internal/audit"
	"github.com/stewardhq/steward/internal/rbac"
	"github.com/stewardhq/steward/internal/shared"
)

type captureSink struct {
	events []audit.Event
}

func (s *captureSink) Append(ctx context.Context, event audit.Event) error {
	s.events = append(s.events, event)
	return nil
}

type stubStore struct {
	users        map[uuid.UUID]*User
	listResult   []User
	listTotal    int
	searchResult []User
	findCalls    int
}

func newStubStore(seed ...*User) *stubStore {
	store := &stubStore{users: make(map[uuid.UUID]*User)}
	for _, user := range seed {
		store.users[user.ID] = user
	}
	return store
}

func (s *stubStore) FindByID(ctx context.Context, id uuid.UUID) (*User, error) {
	s.findCalls++
	user, ok := s.users[id]
	if !ok {
		return nil, shared.ErrNotFound
	}
	clone := *user
	return &clone, nil
}

func (s *stubStore) FindByEmail(ctx context.Context, email string) (*User, error) {
	for _, user := range s.users {
		if user.Email == email {
			clone := *user
			return &clone, nil
		}
	}
	return nil, shared.ErrNotFound
}

func (s *stubStore) List(ctx context.Context, filters ListFilters) ([]User, int, error) {
	return s.listResult, s.listTotal, nil
}

func (s *stubStore) Search(ctx context.Context, query string, limit int) ([]User, error) {
	return s.searchResult, nil
}

func newTestEngine(store *stubStore) (*Engine, *captureSink) {
	sink := &captureSink{}
	clock := shared.FixedClock{At: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)}
	recorder := audit.NewRecorder(sink, clock, nil)
	return NewEngine(store, recorder, clock, nil), sink
}

func activeUser(role rbac.Role) *User {
	return &User{
		ID:       uuid.New(),
		Username: "member",
		Email:    uuid.NewString() + "@steward.dev",
		Role:     role,
		Status:   StatusActive,
	}
}

func src() shared.SourceContext {
	return shared.SourceContext{IP: "192.0.2.10"}
}

func requireSingleEvent(t *testing.T, sink *captureSink, action audit.Action, targetID string) audit.Event {
	t.Helper()
	require.Len(t, sink.events, 1)
	event := sink.events[0]
	assert.Equal(t, action, event.Action)
	assert.Equal(t, targetID, event.TargetID)
	assert.Equal(t, "192.0.2.10", event.SourceIP)
	return event
}

func TestGetDeniedWithoutViewOrOwnership(t *testing.T) {
	target := activeUser(rbac.RoleUser)
	engine, sink := newTestEngine(newStubStore(target))
	caller := shared.Caller{ID: uuid.New(), Role: string(rbac.RoleUser)}

	decision, err := engine.Get(context.Background(), caller, target.ID, src())
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.True(t, errors.Is(decision.Reason, shared.ErrAccessDenied))

	event := requireSingleEvent(t, sink, audit.ActionPermissionDenied, target.ID.String())
	assert.Equal(t, rbac.PermUsersView, event.Detail["permission"])
}

func TestGetAllowedForOwnerWithoutPermission(t *testing.T) {
	target := activeUser(rbac.RoleUser)
	engine, sink := newTestEngine(newStubStore(target))
	caller := shared.Caller{ID: target.ID, Role: string(rbac.RoleUser)}

	decision, err := engine.Get(context.Background(), caller, target.ID, src())
	require.NoError(t, err)
	require.True(t, decision.Allowed)
	assert.Equal(t, target.ID, decision.User.ID)
	requireSingleEvent(t, sink, audit.ActionView, target.ID.String())
}

func TestGetPermissionsDeniedAudits(t *testing.T) {
	target := activeUser(rbac.RoleAdmin)
	engine, sink := newTestEngine(newStubStore(target))
	caller := shared.Caller{ID: uuid.New(), Role: string(rbac.RoleUser)}

	decision, err := engine.GetPermissions(context.Background(), caller, target.ID, src())
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.True(t, errors.Is(decision.Reason, shared.ErrAccessDenied))
	requireSingleEvent(t, sink, audit.ActionPermissionDenied, target.ID.String())
}

func TestGetPermissionsResolvesTargetRole(t *testing.T) {
	target := activeUser(rbac.RoleAdmin)
	engine, _ := newTestEngine(newStubStore(target))
	caller := shared.Caller{ID: uuid.New(), Role: string(rbac.RoleSuperAdmin)}

	decision, err := engine.GetPermissions(context.Background(), caller, target.ID, src())
	require.NoError(t, err)
	require.True(t, decision.Allowed)
	assert.Equal(t, rbac.RolePermissions(rbac.RoleAdmin), decision.Permissions)
}

func TestChangeRoleRejectedForEveryRoleBelowSuperAdmin(t *testing.T) {
	target := activeUser(rbac.RoleUser)
	for _, role := range []rbac.Role{rbac.RoleUser, rbac.RoleAdmin} {
		store := newStubStore(target)
		engine, sink := newTestEngine(store)
		caller := shared.Caller{ID: uuid.New(), Role: string(role)}

		decision, err := engine.ChangeRole(context.Background(), caller, target.ID, rbac.RoleAdmin, src())
		require.NoError(t, err)
		assert.False(t, decision.Allowed)
		assert.True(t, errors.Is(decision.Reason, shared.ErrInsufficientPermissions))
		// Denied before the target is even loaded.
		assert.Zero(t, store.findCalls)
		requireSingleEvent(t, sink, audit.ActionPermissionDenied, target.ID.String())
	}
}

func TestChangeRoleSelfDemotionRejected(t *testing.T) {
	self := activeUser(rbac.RoleSuperAdmin)
	engine, _ := newTestEngine(newStubStore(self))
	caller := shared.Caller{ID: self.ID, Role: string(rbac.RoleSuperAdmin)}

	decision, err := engine.ChangeRole(context.Background(), caller, self.ID, rbac.RoleAdmin, src())
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.True(t, errors.Is(decision.Reason, shared.ErrInvalidOperation))
}

func TestChangeRoleSelfSameRoleIsNoOp(t *testing.T) {
	self := activeUser(rbac.RoleSuperAdmin)
	engine, sink := newTestEngine(newStubStore(self))
	caller := shared.Caller{ID: self.ID, Role: string(rbac.RoleSuperAdmin)}

	decision, err := engine.ChangeRole(context.Background(), caller, self.ID, rbac.RoleSuperAdmin, src())
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Nil(t, decision.Mutation)
	assert.Empty(t, sink.events)
}

func TestChangeRoleProducesCASMutationAndAudit(t *testing.T) {
	target := activeUser(rbac.RoleUser)
	engine, sink := newTestEngine(newStubStore(target))
	caller := shared.Caller{ID: uuid.New(), Role: string(rbac.RoleSuperAdmin)}

	decision, err := engine.ChangeRole(context.Background(), caller, target.ID, rbac.RoleAdmin, src())
	require.NoError(t, err)
	require.True(t, decision.Allowed)
	require.NotNil(t, decision.Mutation)
	assert.Equal(t, OpChangeRole, decision.Mutation.Operation)
	assert.Equal(t, "admin", decision.Mutation.Fields[FieldRole])
	assert.Equal(t, rbac.RoleUser, decision.Mutation.ExpectedRole)

	event := requireSingleEvent(t, sink, audit.ActionRoleChanged, target.ID.String())
	assert.Equal(t, "user", event.Detail["old_role"])
	assert.Equal(t, "admin", event.Detail["new_role"])
}

func TestDeactivateSelfAlwaysRejected(t *testing.T) {
	for _, role := range rbac.AllRoles() {
		self := activeUser(role)
		engine, _ := newTestEngine(newStubStore(self))
		caller := shared.Caller{ID: self.ID, Role: string(role)}

		decision, err := engine.Deactivate(context.Background(), caller, self.ID, "cleanup", src())
		require.NoError(t, err)
		assert.False(t, decision.Allowed, "role %s", role)
		assert.True(t, errors.Is(decision.Reason, shared.ErrInvalidOperation), "role %s", role)
	}
}

func TestAdminCannotDeactivateSuperAdmin(t *testing.T) {
	target := activeUser(rbac.RoleSuperAdmin)
	engine, sink := newTestEngine(newStubStore(target))
	caller := shared.Caller{ID: uuid.New(), Role: string(rbac.RoleAdmin)}

	decision, err := engine.Deactivate(context.Background(), caller, target.ID, "", src())
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.True(t, errors.Is(decision.Reason, shared.ErrInsufficientPermissions))
	requireSingleEvent(t, sink, audit.ActionPermissionDenied, target.ID.String())
}

func TestDeactivateActiveUser(t *testing.T) {
	target := activeUser(rbac.RoleUser)
	engine, sink := newTestEngine(newStubStore(target))
	caller := shared.Caller{ID: uuid.New(), Role: string(rbac.RoleAdmin)}

	decision, err := engine.Deactivate(context.Background(), caller, target.ID, "policy violation", src())
	require.NoError(t, err)
	require.True(t, decision.Allowed)
	assert.Equal(t, string(StatusSuspended), decision.Mutation.Fields[FieldStatus])
	assert.Equal(t, StatusActive, decision.Mutation.ExpectedStatus)

	event := requireSingleEvent(t, sink, audit.ActionUserDeactivated, target.ID.String())
	assert.Equal(t, "policy violation", event.Detail["reason"])
}

func TestReactivateResetsLoginCounters(t *testing.T) {
	target := activeUser(rbac.RoleUser)
	target.Status = StatusSuspended
	target.FailedLoginAttempts = 4
	engine, sink := newTestEngine(newStubStore(target))
	caller := shared.Caller{ID: uuid.New(), Role: string(rbac.RoleAdmin)}

	decision, err := engine.Reactivate(context.Background(), caller, target.ID, src())
	require.NoError(t, err)
	require.True(t, decision.Allowed)
	assert.Equal(t, string(StatusActive), decision.Mutation.Fields[FieldStatus])
	assert.Equal(t, 0, decision.Mutation.Fields["failed_login_attempts"])
	assert.Nil(t, decision.Mutation.Fields["locked_until"])
	requireSingleEvent(t, sink, audit.ActionUserReactivated, target.ID.String())
}

func TestApproveOnlyFromPending(t *testing.T) {
	target := activeUser(rbac.RoleUser)
	target.Status = StatusPending
	store := newStubStore(target)
	engine, sink := newTestEngine(store)
	caller := shared.Caller{ID: uuid.New(), Role: string(rbac.RoleAdmin)}

	decision, err := engine.Approve(context.Background(), caller, target.ID, src())
	require.NoError(t, err)
	require.True(t, decision.Allowed)
	assert.Equal(t, string(StatusActive), decision.Mutation.Fields[FieldStatus])
	requireSingleEvent(t, sink, audit.ActionUserApproved, target.ID.String())

	// Second approval sees the committed state and is rejected.
	store.users[target.ID].Status = StatusActive
	decision, err = engine.Approve(context.Background(), caller, target.ID, src())
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.True(t, errors.Is(decision.Reason, shared.ErrInvalidOperation))
}

func TestUpdateOwnProfileDropsRoleSilently(t *testing.T) {
	self := activeUser(rbac.RoleUser)
	engine, sink := newTestEngine(newStubStore(self))
	caller := shared.Caller{ID: self.ID, Role: string(rbac.RoleUser)}

	decision, err := engine.Update(context.Background(), caller, self.ID, map[string]any{
		FieldUsername: "bob",
		FieldRole:     "admin",
	}, src())
	require.NoError(t, err)
	require.True(t, decision.Allowed)
	assert.Equal(t, map[string]any{FieldUsername: "bob"}, decision.Mutation.Fields)
	assert.Contains(t, decision.Dropped, FieldRole)
	requireSingleEvent(t, sink, audit.ActionUpdate, self.ID.String())
}

func TestUpdateNeverPassesStatusOrRoleChange(t *testing.T) {
	target := activeUser(rbac.RoleUser)
	engine, _ := newTestEngine(newStubStore(target))
	caller := shared.Caller{ID: uuid.New(), Role: string(rbac.RoleSuperAdmin)}

	decision, err := engine.Update(context.Background(), caller, target.ID, map[string]any{
		FieldRole:   "admin",
		FieldStatus: "suspended",
		FieldPhone:  "555-0101",
	}, src())
	require.NoError(t, err)
	require.True(t, decision.Allowed)
	assert.Equal(t, map[string]any{FieldPhone: "555-0101"}, decision.Mutation.Fields)
	assert.ElementsMatch(t, []string{FieldRole, FieldStatus}, decision.Dropped)
}

func TestUpdateEmptyAfterFilteringIsRejected(t *testing.T) {
	target := activeUser(rbac.RoleUser)
	engine, sink := newTestEngine(newStubStore(target))
	caller := shared.Caller{ID: uuid.New(), Role: string(rbac.RoleSuperAdmin)}

	decision, err := engine.Update(context.Background(), caller, target.ID, map[string]any{
		FieldStatus: "locked",
	}, src())
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.True(t, errors.Is(decision.Reason, shared.ErrNoValidUpdates))
	assert.Empty(t, sink.events)
}

func TestUpdateDeniedWithoutEditOrOwnership(t *testing.T) {
	target := activeUser(rbac.RoleUser)
	engine, sink := newTestEngine(newStubStore(target))
	caller := shared.Caller{ID: uuid.New(), Role: string(rbac.RoleUser)}

	decision, err := engine.Update(context.Background(), caller, target.ID, map[string]any{FieldUsername: "bob"}, src())
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.True(t, errors.Is(decision.Reason, shared.ErrAccessDenied))
	event := requireSingleEvent(t, sink, audit.ActionPermissionDenied, target.ID.String())
	assert.Equal(t, rbac.PermUsersEdit, event.Detail["permission"])
}

func TestCreatePendingByDefault(t *testing.T) {
	engine, sink := newTestEngine(newStubStore())
	caller := shared.Caller{ID: uuid.New(), Role: string(rbac.RoleAdmin)}

	decision, err := engine.Create(context.Background(), caller, CreateInput{
		Username: "newbie", Email: "newbie@steward.dev",
	}, src())
	require.NoError(t, err)
	require.True(t, decision.Allowed)
	assert.Equal(t, StatusPending, decision.Mutation.NewUser.Status)
	assert.Equal(t, rbac.RoleUser, decision.Mutation.NewUser.Role)
	requireSingleEvent(t, sink, audit.ActionCreate, decision.Mutation.NewUser.ID.String())
}

func TestCreatePrivilegedRoleRequiresSuperAdmin(t *testing.T) {
	engine, _ := newTestEngine(newStubStore())
	caller := shared.Caller{ID: uuid.New(), Role: string(rbac.RoleAdmin)}

	decision, err := engine.Create(context.Background(), caller, CreateInput{
		Username: "boss", Email: "boss@steward.dev", Role: rbac.RoleAdmin,
	}, src())
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.True(t, errors.Is(decision.Reason, shared.ErrInsufficientPermissions))
}

func TestCreateDuplicateEmailConflicts(t *testing.T) {
	existing := activeUser(rbac.RoleUser)
	existing.Email = "taken@steward.dev"
	engine, sink := newTestEngine(newStubStore(existing))
	caller := shared.Caller{ID: uuid.New(), Role: string(rbac.RoleAdmin)}

	decision, err := engine.Create(context.Background(), caller, CreateInput{
		Username: "dupe", Email: "taken@steward.dev",
	}, src())
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.True(t, errors.Is(decision.Reason, shared.ErrConflict))
	assert.Empty(t, sink.events)
}

func TestListRequiresViewPermission(t *testing.T) {
	store := newStubStore()
	store.listResult = []User{*activeUser(rbac.RoleUser)}
	store.listTotal = 1
	engine, sink := newTestEngine(store)

	decision, err := engine.List(context.Background(), shared.Caller{ID: uuid.New(), Role: string(rbac.RoleUser)}, ListFilters{}, src())
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	requireSingleEvent(t, sink, audit.ActionPermissionDenied, "")

	sink.events = nil
	decision, err = engine.List(context.Background(), shared.Caller{ID: uuid.New(), Role: string(rbac.RoleAdmin)}, ListFilters{}, src())
	require.NoError(t, err)
	require.True(t, decision.Allowed)
	assert.Len(t, decision.Users, 1)
	assert.Equal(t, 1, decision.Pagination.Total)
	requireSingleEvent(t, sink, audit.ActionList, "")
}

func TestSearchRequiresViewPermission(t *testing.T) {
	store := newStubStore()
	store.searchResult = []User{*activeUser(rbac.RoleUser)}
	engine, sink := newTestEngine(store)

	decision, err := engine.Search(context.Background(), shared.Caller{ID: uuid.New(), Role: string(rbac.RoleAdmin)}, "sam", 10, src())
	require.NoError(t, err)
	require.True(t, decision.Allowed)
	assert.Len(t, decision.Users, 1)
	event := requireSingleEvent(t, sink, audit.ActionSearch, "")
	assert.Equal(t, "sam", event.Detail["query"])
}

func TestNotFoundTargets(t *testing.T) {
	engine, sink := newTestEngine(newStubStore())
	caller := shared.Caller{ID: uuid.New(), Role: string(rbac.RoleSuperAdmin)}
	missing := uuid.New()

	for name, call := range map[string]func() (Decision, error){
		"get":        func() (Decision, error) { return engine.Get(context.Background(), caller, missing, src()) },
		"update":     func() (Decision, error) { return engine.Update(context.Background(), caller, missing, map[string]any{FieldUsername: "x"}, src()) },
		"approve":    func() (Decision, error) { return engine.Approve(context.Background(), caller, missing, src()) },
		"deactivate": func() (Decision, error) { return engine.Deactivate(context.Background(), caller, missing, "", src()) },
		"changeRole": func() (Decision, error) { return engine.ChangeRole(context.Background(), caller, missing, rbac.RoleAdmin, src()) },
	} {
		decision, err := call()
		require.NoError(t, err, name)
		assert.False(t, decision.Allowed, name)
		assert.True(t, errors.Is(decision.Reason, shared.ErrNotFound), name)
	}
	assert.Empty(t, sink.events)
}
