package permissions

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gatehouse-hq/gatehouse/internal/platform/httpx"
)

type mockRepo struct {
	perms  []Permission
	nextID int64
}

func newMockRepo() *mockRepo {
	return &mockRepo{nextID: 1}
}

func (m *mockRepo) ListPermissions(ctx context.Context) ([]Permission, error) {
	return m.perms, nil
}

func (m *mockRepo) GetPermission(ctx context.Context, id int64) (Permission, error) {
	for _, p := range m.perms {
		if p.ID == id {
			return p, nil
		}
	}
	return Permission{}, httpx.ErrNotFound
}

func (m *mockRepo) CreatePermission(ctx context.Context, resource, action, description string) (Permission, error) {
	for _, p := range m.perms {
		if p.Resource == resource && p.Action == action {
			return Permission{}, httpx.ErrDuplicate
		}
	}
	p := Permission{ID: m.nextID, Resource: resource, Action: action, Description: description, CreatedAt: time.Now()}
	m.nextID++
	m.perms = append(m.perms, p)
	return p, nil
}

func (m *mockRepo) UpdateDescription(ctx context.Context, id int64, description string) error {
	for i := range m.perms {
		if m.perms[i].ID == id {
			m.perms[i].Description = description
			return nil
		}
	}
	return httpx.ErrNotFound
}

func (m *mockRepo) DeletePermission(ctx context.Context, id int64) error {
	for i := range m.perms {
		if m.perms[i].ID == id {
			m.perms = append(m.perms[:i], m.perms[i+1:]...)
			return nil
		}
	}
	return httpx.ErrNotFound
}

func TestCreatePermissionTrimsIdentifiers(t *testing.T) {
	svc := NewService(newMockRepo())

	perm, err := svc.CreatePermission(context.Background(), "  reports ", " export", " monthly exports ")
	require.NoError(t, err)
	require.Equal(t, "reports", perm.Resource)
	require.Equal(t, "export", perm.Action)
	require.Equal(t, "monthly exports", perm.Description)
}

func TestCreatePermissionPreservesCase(t *testing.T) {
	svc := NewService(newMockRepo())

	perm, err := svc.CreatePermission(context.Background(), "Reports", "Export", "")
	require.NoError(t, err)
	require.Equal(t, "Reports", perm.Resource)
	require.Equal(t, "Export", perm.Action)
}

func TestCreatePermissionRejectsBlankIdentifiers(t *testing.T) {
	svc := NewService(newMockRepo())

	_, err := svc.CreatePermission(context.Background(), "   ", "export", "")
	require.ErrorIs(t, err, httpx.ErrValidation)

	_, err = svc.CreatePermission(context.Background(), "reports", "", "")
	require.ErrorIs(t, err, httpx.ErrValidation)
}

func TestCreatePermissionDuplicatePair(t *testing.T) {
	svc := NewService(newMockRepo())

	_, err := svc.CreatePermission(context.Background(), "reports", "export", "")
	require.NoError(t, err)

	_, err = svc.CreatePermission(context.Background(), "reports", "export", "again")
	require.ErrorIs(t, err, httpx.ErrDuplicate)
}

func TestDeleteMissingPermission(t *testing.T) {
	svc := NewService(newMockRepo())

	err := svc.DeletePermission(context.Background(), 42)
	require.ErrorIs(t, err, httpx.ErrNotFound)
}
