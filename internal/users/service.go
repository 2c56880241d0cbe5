package users

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/gatehouse-hq/gatehouse/internal/platform/httpx"
)

// RepositoryPort defines data access methods for accounts.
type RepositoryPort interface {
	ListUsers(ctx context.Context) ([]User, error)
	GetUser(ctx context.Context, id int64) (User, error)
	CreateUser(ctx context.Context, email, fullName, passwordHash string, isActive bool) (int64, error)
	UpdateUser(ctx context.Context, id int64, fullName string) error
	SetActive(ctx context.Context, id int64, active bool) error
	SetRoles(ctx context.Context, userID int64, roleIDs []int64) error
	ResetPassword(ctx context.Context, id int64, passwordHash string) error
}

// SessionInvalidator drops cached sessions and decisions for one
// principal so an admin mutation takes effect before the next refresh.
type SessionInvalidator interface {
	Invalidate(principalID int64)
}

// RecoveryMailer enqueues password recovery email delivery.
type RecoveryMailer interface {
	EnqueueRecoveryEmail(ctx context.Context, email, redirectURL string) error
}

// Service handles account business logic.
type Service struct {
	repo        RepositoryPort
	sessions    SessionInvalidator
	mailer      RecoveryMailer
	recoveryURL string
}

// NewService builds Service instance.
func NewService(repo RepositoryPort, sessions SessionInvalidator, mailer RecoveryMailer, recoveryURL string) *Service {
	return &Service{repo: repo, sessions: sessions, mailer: mailer, recoveryURL: recoveryURL}
}

// ListUsers returns all accounts.
func (s *Service) ListUsers(ctx context.Context) ([]User, error) {
	return s.repo.ListUsers(ctx)
}

// GetUser returns one account.
func (s *Service) GetUser(ctx context.Context, id int64) (User, error) {
	return s.repo.GetUser(ctx, id)
}

// CreateUser registers an account with an initial credential. The
// account signs in with a forced password change pending.
func (s *Service) CreateUser(ctx context.Context, email, fullName, password string, isActive bool) (User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	fullName = strings.TrimSpace(fullName)
	if email == "" {
		return User{}, fmt.Errorf("%w: email is required", httpx.ErrValidation)
	}
	hash, err := hashPassword(password)
	if err != nil {
		return User{}, err
	}
	id, err := s.repo.CreateUser(ctx, email, fullName, hash, isActive)
	if err != nil {
		return User{}, err
	}
	return s.repo.GetUser(ctx, id)
}

// UpdateUser changes the display name.
func (s *Service) UpdateUser(ctx context.Context, id int64, fullName string) error {
	fullName = strings.TrimSpace(fullName)
	if fullName == "" {
		return fmt.Errorf("%w: full name is required", httpx.ErrValidation)
	}
	return s.repo.UpdateUser(ctx, id, fullName)
}

// SetActive flips the activation flag. Deactivation invalidates the
// account's live sessions immediately; every in-flight request after
// this call sees the inactive state.
func (s *Service) SetActive(ctx context.Context, id int64, active bool) error {
	if err := s.repo.SetActive(ctx, id, active); err != nil {
		return err
	}
	s.sessions.Invalidate(id)
	return nil
}

// SetRoles replaces the account's role assignments and invalidates its
// cached authorization state.
func (s *Service) SetRoles(ctx context.Context, id int64, roleIDs []int64) error {
	if err := s.repo.SetRoles(ctx, id, roleIDs); err != nil {
		return err
	}
	s.sessions.Invalidate(id)
	return nil
}

// ResetPassword stores an admin-chosen temporary credential and forces
// the account through a password change at next sign-in. Live sessions
// are invalidated.
func (s *Service) ResetPassword(ctx context.Context, id int64, password string) error {
	hash, err := hashPassword(password)
	if err != nil {
		return err
	}
	if err := s.repo.ResetPassword(ctx, id, hash); err != nil {
		return err
	}
	s.sessions.Invalidate(id)
	return nil
}

// SendRecovery enqueues a recovery email for the account.
func (s *Service) SendRecovery(ctx context.Context, id int64) error {
	user, err := s.repo.GetUser(ctx, id)
	if err != nil {
		return err
	}
	return s.mailer.EnqueueRecoveryEmail(ctx, user.Email, s.recoveryURL)
}

func hashPassword(password string) (string, error) {
	if len(password) < 8 {
		return "", fmt.Errorf("%w: password must be at least 8 characters", httpx.ErrValidation)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("users: hash password: %w", err)
	}
	return string(hash), nil
}
