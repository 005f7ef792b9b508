package users

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/stewardhq/steward/internal/rbac"
	"github.com/stewardhq/steward/internal/shared"
)

// Applier applies authorized mutations. Implemented by Repository.
type Applier interface {
	Insert(ctx context.Context, user *User, passwordHash string) error
	ApplyUpdate(ctx context.Context, id uuid.UUID, fields map[string]any) error
	ApplyRoleChange(ctx context.Context, id uuid.UUID, newRole, expected rbac.Role) error
	ApplyStatusChange(ctx context.Context, id uuid.UUID, fields map[string]any, expected Status) error
}

// Service runs each operation through the policy engine and, when the
// decision authorizes a mutation, applies it through the persistence
// collaborator. The engine decides; the service writes.
type Service struct {
	engine    *Engine
	repo      Applier
	validator *Validator
	logger    *slog.Logger
}

// NewService builds a Service instance.
func NewService(engine *Engine, repo Applier, validator *Validator, logger *slog.Logger) *Service {
	return &Service{engine: engine, repo: repo, validator: validator, logger: logger}
}

// List returns an authorized directory page.
func (s *Service) List(ctx context.Context, caller shared.Caller, filters ListFilters, src shared.SourceContext) (Decision, error) {
	return s.engine.List(ctx, caller, filters, src)
}

// Get returns an authorized single-user view.
func (s *Service) Get(ctx context.Context, caller shared.Caller, targetID uuid.UUID, src shared.SourceContext) (Decision, error) {
	return s.engine.Get(ctx, caller, targetID, src)
}

// Create validates, authorizes and persists a new user. Shape and
// email-domain validation run before any policy decision.
func (s *Service) Create(ctx context.Context, caller shared.Caller, req CreateRequest, src shared.SourceContext) (Decision, error) {
	if err := s.validator.ValidateCreate(req); err != nil {
		return Decision{}, err
	}
	input := CreateInput{
		Username:         req.Username,
		Email:            req.Email,
		Role:             rbac.Role(req.Role),
		LicenseNumber:    req.LicenseNumber,
		OrganizationName: req.OrganizationName,
		Phone:            req.Phone,
		Address:          req.Address,
		Preferences:      req.Preferences,
	}
	decision, err := s.engine.Create(ctx, caller, input, src)
	if err != nil || !decision.Allowed {
		return decision, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return Decision{}, err
	}
	if err := s.repo.Insert(ctx, decision.Mutation.NewUser, string(hash)); err != nil {
		return Decision{}, err
	}
	s.logMutation(decision)
	return decision, nil
}

// Update validates, authorizes and applies a partial update.
func (s *Service) Update(ctx context.Context, caller shared.Caller, targetID uuid.UUID, payload map[string]any, src shared.SourceContext) (Decision, error) {
	if err := s.validator.ValidateUpdate(payload); err != nil {
		return Decision{}, err
	}
	decision, err := s.engine.Update(ctx, caller, targetID, payload, src)
	if err != nil || !decision.Allowed {
		return decision, err
	}
	if err := s.repo.ApplyUpdate(ctx, targetID, decision.Mutation.Fields); err != nil {
		return Decision{}, err
	}
	s.logMutation(decision)
	return decision, nil
}

// ChangeRole authorizes and applies a role assignment.
func (s *Service) ChangeRole(ctx context.Context, caller shared.Caller, targetID uuid.UUID, newRole rbac.Role, src shared.SourceContext) (Decision, error) {
	decision, err := s.engine.ChangeRole(ctx, caller, targetID, newRole, src)
	if err != nil || !decision.Allowed || decision.Mutation == nil {
		return decision, err
	}
	if err := s.repo.ApplyRoleChange(ctx, targetID, rbac.Role(decision.Mutation.Fields[FieldRole].(string)), decision.Mutation.ExpectedRole); err != nil {
		return Decision{}, err
	}
	s.logMutation(decision)
	return decision, nil
}

// Deactivate authorizes and applies a suspension.
func (s *Service) Deactivate(ctx context.Context, caller shared.Caller, targetID uuid.UUID, reason string, src shared.SourceContext) (Decision, error) {
	decision, err := s.engine.Deactivate(ctx, caller, targetID, reason, src)
	return s.applyLifecycle(ctx, decision, err)
}

// Reactivate authorizes and applies a reactivation.
func (s *Service) Reactivate(ctx context.Context, caller shared.Caller, targetID uuid.UUID, src shared.SourceContext) (Decision, error) {
	decision, err := s.engine.Reactivate(ctx, caller, targetID, src)
	return s.applyLifecycle(ctx, decision, err)
}

// Approve authorizes and applies a pending-account approval.
func (s *Service) Approve(ctx context.Context, caller shared.Caller, targetID uuid.UUID, src shared.SourceContext) (Decision, error) {
	decision, err := s.engine.Approve(ctx, caller, targetID, src)
	return s.applyLifecycle(ctx, decision, err)
}

// GetPermissions returns the target's resolved permission set.
func (s *Service) GetPermissions(ctx context.Context, caller shared.Caller, targetID uuid.UUID, src shared.SourceContext) (Decision, error) {
	return s.engine.GetPermissions(ctx, caller, targetID, src)
}

// Search returns authorized search results.
func (s *Service) Search(ctx context.Context, caller shared.Caller, query string, limit int, src shared.SourceContext) (Decision, error) {
	return s.engine.Search(ctx, caller, query, limit, src)
}

func (s *Service) applyLifecycle(ctx context.Context, decision Decision, err error) (Decision, error) {
	if err != nil || !decision.Allowed || decision.Mutation == nil {
		return decision, err
	}
	if err := s.repo.ApplyStatusChange(ctx, decision.Mutation.TargetID, decision.Mutation.Fields, decision.Mutation.ExpectedStatus); err != nil {
		return Decision{}, err
	}
	s.logMutation(decision)
	return decision, nil
}

func (s *Service) logMutation(decision Decision) {
	if s.logger == nil || decision.Mutation == nil {
		return
	}
	s.logger.Info("user mutation applied",
		slog.String("operation", string(decision.Mutation.Operation)),
		slog.String("target_id", decision.Mutation.TargetID.String()))
	if decision.AuditErr != nil {
		s.logger.Error("mutation committed without audit record",
			slog.String("operation", string(decision.Mutation.Operation)),
			slog.Any("error", decision.AuditErr))
	}
}
