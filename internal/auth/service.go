package auth

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/stewardhq/steward/internal/shared"
	"github.com/stewardhq/steward/internal/users"
)

const (
	// maxFailedAttempts locks the account on the fifth consecutive
	// failed login.
	maxFailedAttempts = 5
	lockDuration      = 30 * time.Minute
)

// Repository defines persistence operations for the auth module.
// Implemented by users.Repository.
type Repository interface {
	FindByEmail(ctx context.Context, email string) (*users.User, error)
	RecordLoginFailure(ctx context.Context, id uuid.UUID, attempts int, lockUntil *time.Time) error
	ResetLoginFailures(ctx context.Context, id uuid.UUID) error
}

// Service wraps authentication business rules.
type Service struct {
	repo     Repository
	sessions *shared.SessionManager
	clock    shared.Clock
	logger   *slog.Logger
}

// NewService constructs a new Service.
func NewService(repo Repository, sessions *shared.SessionManager, clock shared.Clock, logger *slog.Logger) *Service {
	if clock == nil {
		clock = shared.SystemClock{}
	}
	return &Service{repo: repo, sessions: sessions, clock: clock, logger: logger}
}

// Login validates credentials and opens a session. Failed attempts
// accumulate on the account; the fifth in a row locks it.
func (s *Service) Login(ctx context.Context, email, password string) (string, *users.User, error) {
	user, err := s.repo.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return "", nil, shared.ErrInvalidCredentials
		}
		return "", nil, err
	}
	now := s.clock.Now()
	switch user.Status {
	case users.StatusActive:
	case users.StatusLocked:
		if user.LockedUntil != nil && user.LockedUntil.After(now) {
			return "", nil, shared.ErrAccountLocked
		}
		// Lock expiry is released by an external process, not here.
		return "", nil, shared.ErrAccountLocked
	default:
		return "", nil, shared.ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", nil, s.registerFailure(ctx, user, now)
	}
	if user.FailedLoginAttempts > 0 {
		if err := s.repo.ResetLoginFailures(ctx, user.ID); err != nil && s.logger != nil {
			s.logger.Warn("reset login failures", slog.Any("error", err))
		}
	}
	token, err := s.sessions.Create(ctx, shared.Caller{ID: user.ID, Role: string(user.Role)})
	if err != nil {
		return "", nil, err
	}
	return token, user, nil
}

// Logout closes the session for the token.
func (s *Service) Logout(ctx context.Context, token string) error {
	return s.sessions.Destroy(ctx, token)
}

func (s *Service) registerFailure(ctx context.Context, user *users.User, now time.Time) error {
	attempts := user.FailedLoginAttempts + 1
	var lockUntil *time.Time
	if attempts >= maxFailedAttempts {
		until := now.Add(lockDuration)
		lockUntil = &until
	}
	if err := s.repo.RecordLoginFailure(ctx, user.ID, attempts, lockUntil); err != nil && s.logger != nil {
		s.logger.Warn("record login failure", slog.Any("error", err))
	}
	if lockUntil != nil {
		if s.logger != nil {
			s.logger.Warn("account locked after repeated failures",
				slog.String("user_id", user.ID.String()),
				slog.Int("attempts", attempts))
		}
		return shared.ErrAccountLocked
	}
	return shared.ErrInvalidCredentials
}
