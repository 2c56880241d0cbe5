package roles

import (
	"context"
	"fmt"
	"strings"

	"github.com/gatehouse-hq/gatehouse/internal/platform/httpx"
	"github.com/gatehouse-hq/gatehouse/internal/rbac"
)

// RepositoryPort defines data access methods for roles.
type RepositoryPort interface {
	ListRoles(ctx context.Context) ([]rbac.Role, error)
	GetRole(ctx context.Context, id int64) (rbac.Role, error)
	CreateRole(ctx context.Context, name, description string, permissionIDs []int64) (rbac.Role, error)
	UpdateRole(ctx context.Context, id int64, name, description string) error
	SetPermissions(ctx context.Context, roleID int64, permissionIDs []int64) error
	DeleteRole(ctx context.Context, id int64) error
}

// Invalidator drops cached principals and memoized decisions after a
// mutation whose blast radius spans every holder of a role.
type Invalidator interface {
	InvalidateAll()
}

// Service handles role business logic.
type Service struct {
	repo        RepositoryPort
	invalidator Invalidator
}

// NewService builds Service instance.
func NewService(repo RepositoryPort, invalidator Invalidator) *Service {
	return &Service{repo: repo, invalidator: invalidator}
}

// ListRoles returns all roles.
func (s *Service) ListRoles(ctx context.Context) ([]Role, error) {
	roles, err := s.repo.ListRoles(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Role, 0, len(roles))
	for _, r := range roles {
		out = append(out, fromDomain(r))
	}
	return out, nil
}

// GetRole returns one role with its permissions.
func (s *Service) GetRole(ctx context.Context, id int64) (Role, error) {
	role, err := s.repo.GetRole(ctx, id)
	if err != nil {
		return Role{}, err
	}
	return fromDomain(role), nil
}

// CreateRole creates a role with an initial permission set atomically.
func (s *Service) CreateRole(ctx context.Context, name, description string, permissionIDs []int64) (Role, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Role{}, fmt.Errorf("%w: name is required", httpx.ErrValidation)
	}
	role, err := s.repo.CreateRole(ctx, name, strings.TrimSpace(description), permissionIDs)
	if err != nil {
		return Role{}, err
	}
	return fromDomain(role), nil
}

// UpdateRole renames a role. The distinguished admin role keeps its name
// so the unconditional bypass cannot be orphaned.
func (s *Service) UpdateRole(ctx context.Context, id int64, name, description string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: name is required", httpx.ErrValidation)
	}
	current, err := s.repo.GetRole(ctx, id)
	if err != nil {
		return err
	}
	if current.Name == rbac.AdminRoleName && name != rbac.AdminRoleName {
		return fmt.Errorf("%w: the admin role cannot be renamed", httpx.ErrValidation)
	}
	if err := s.repo.UpdateRole(ctx, id, name, strings.TrimSpace(description)); err != nil {
		return err
	}
	s.invalidator.InvalidateAll()
	return nil
}

// SetPermissions replaces a role's permission set. Every holder of the
// role changes capability at once, so all cached authorization state is
// dropped.
func (s *Service) SetPermissions(ctx context.Context, roleID int64, permissionIDs []int64) error {
	if err := s.repo.SetPermissions(ctx, roleID, permissionIDs); err != nil {
		return err
	}
	s.invalidator.InvalidateAll()
	return nil
}

// DeleteRole removes an unassigned role. The admin role is never
// deletable.
func (s *Service) DeleteRole(ctx context.Context, id int64) error {
	current, err := s.repo.GetRole(ctx, id)
	if err != nil {
		return err
	}
	if current.Name == rbac.AdminRoleName {
		return fmt.Errorf("%w: the admin role cannot be deleted", httpx.ErrValidation)
	}
	if err := s.repo.DeleteRole(ctx, id); err != nil {
		return err
	}
	s.invalidator.InvalidateAll()
	return nil
}
