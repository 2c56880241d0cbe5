package permissions

import (
	"context"
	"fmt"
	"strings"

	"github.com/gatehouse-hq/gatehouse/internal/platform/httpx"
)

// RepositoryPort defines data access methods for the permission catalog.
type RepositoryPort interface {
	ListPermissions(ctx context.Context) ([]Permission, error)
	GetPermission(ctx context.Context, id int64) (Permission, error)
	CreatePermission(ctx context.Context, resource, action, description string) (Permission, error)
	UpdateDescription(ctx context.Context, id int64, description string) error
	DeletePermission(ctx context.Context, id int64) error
}

// Service handles catalog business logic.
type Service struct {
	repo RepositoryPort
}

// NewService builds Service instance.
func NewService(repo RepositoryPort) *Service {
	return &Service{repo: repo}
}

// ListPermissions returns the catalog.
func (s *Service) ListPermissions(ctx context.Context) ([]Permission, error) {
	return s.repo.ListPermissions(ctx)
}

// GetPermission returns one catalog entry.
func (s *Service) GetPermission(ctx context.Context, id int64) (Permission, error) {
	return s.repo.GetPermission(ctx, id)
}

// CreatePermission registers a new (resource, action) pair. Identifiers
// are matched exactly at evaluation time, so surrounding whitespace is
// stripped here but case is preserved as given.
func (s *Service) CreatePermission(ctx context.Context, resource, action, description string) (Permission, error) {
	resource = strings.TrimSpace(resource)
	action = strings.TrimSpace(action)
	if resource == "" || action == "" {
		return Permission{}, fmt.Errorf("%w: resource and action are required", httpx.ErrValidation)
	}
	return s.repo.CreatePermission(ctx, resource, action, strings.TrimSpace(description))
}

// UpdateDescription changes the human-readable description only.
func (s *Service) UpdateDescription(ctx context.Context, id int64, description string) error {
	return s.repo.UpdateDescription(ctx, id, strings.TrimSpace(description))
}

// DeletePermission removes an unattached catalog entry.
func (s *Service) DeletePermission(ctx context.Context, id int64) error {
	return s.repo.DeletePermission(ctx, id)
}
