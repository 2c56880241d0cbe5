package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gatehouse-hq/gatehouse/internal/rbac"
)

// PGProfileStore implements ProfileStore against PostgreSQL.
type PGProfileStore struct {
	pool *pgxpool.Pool
}

// NewPGProfileStore constructs a PostgreSQL-backed profile store.
func NewPGProfileStore(pool *pgxpool.Pool) *PGProfileStore {
	return &PGProfileStore{pool: pool}
}

// FetchProfile loads the principal with its roles and nested
// permissions, validating the shape before returning it.
func (s *PGProfileStore) FetchProfile(ctx context.Context, principalID int64) (*rbac.Principal, error) {
	principal := &rbac.Principal{ID: principalID}
	err := s.pool.QueryRow(ctx,
		`SELECT email, full_name, is_active, needs_password_reset,
		        COALESCE(menu_access, '{}'), COALESCE(sub_menu_access, '{}'), COALESCE(component_access, '{}')
		   FROM users WHERE id = $1`,
		principalID,
	).Scan(
		&principal.Email,
		&principal.FullName,
		&principal.IsActive,
		&principal.NeedsPasswordReset,
		&principal.MenuAccess,
		&principal.SubMenuAccess,
		&principal.ComponentAccess,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("identity: fetch profile: %w", err)
	}

	roles, err := s.fetchRoles(ctx, principalID)
	if err != nil {
		return nil, err
	}
	principal.Roles = roles

	if err := validateProfile(principal); err != nil {
		return nil, err
	}
	return principal, nil
}

func (s *PGProfileStore) fetchRoles(ctx context.Context, principalID int64) ([]rbac.Role, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT r.id, r.name, r.description,
		        p.id, p.resource, p.action, p.description
		   FROM user_roles ur
		   JOIN roles r ON r.id = ur.role_id
		   LEFT JOIN role_permissions rp ON rp.role_id = r.id
		   LEFT JOIN permissions p ON p.id = rp.permission_id
		  WHERE ur.user_id = $1
		  ORDER BY r.id, p.id`,
		principalID,
	)
	if err != nil {
		return nil, fmt.Errorf("identity: fetch roles: %w", err)
	}
	defer rows.Close()

	var (
		roles []rbac.Role
		index = make(map[int64]int)
	)
	for rows.Next() {
		var (
			role     rbac.Role
			permID   *int64
			resource *string
			action   *string
			permDesc *string
		)
		if err := rows.Scan(&role.ID, &role.Name, &role.Description, &permID, &resource, &action, &permDesc); err != nil {
			return nil, fmt.Errorf("identity: scan role: %w", err)
		}
		pos, seen := index[role.ID]
		if !seen {
			pos = len(roles)
			index[role.ID] = pos
			roles = append(roles, role)
		}
		if permID != nil {
			perm := rbac.Permission{ID: *permID}
			if resource != nil {
				perm.Resource = *resource
			}
			if action != nil {
				perm.Action = *action
			}
			if permDesc != nil {
				perm.Description = *permDesc
			}
			roles[pos].Permissions = append(roles[pos].Permissions, perm)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("identity: iterate roles: %w", err)
	}
	return roles, nil
}

// validateProfile rejects records that would otherwise propagate a
// partially-formed principal into authorization decisions.
func validateProfile(p *rbac.Principal) error {
	if strings.TrimSpace(p.Email) == "" {
		return fmt.Errorf("%w: empty email for principal %d", ErrMalformedProfile, p.ID)
	}
	seenRoles := make(map[int64]struct{}, len(p.Roles))
	for _, role := range p.Roles {
		if strings.TrimSpace(role.Name) == "" {
			return fmt.Errorf("%w: unnamed role %d", ErrMalformedProfile, role.ID)
		}
		if _, dup := seenRoles[role.ID]; dup {
			return fmt.Errorf("%w: duplicate role %d", ErrMalformedProfile, role.ID)
		}
		seenRoles[role.ID] = struct{}{}
		for _, perm := range role.Permissions {
			if strings.TrimSpace(perm.Resource) == "" || strings.TrimSpace(perm.Action) == "" {
				return fmt.Errorf("%w: permission %d missing resource or action", ErrMalformedProfile, perm.ID)
			}
		}
	}
	return nil
}

var _ ProfileStore = (*PGProfileStore)(nil)
