package roles

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gatehouse-hq/gatehouse/internal/platform/db"
	"github.com/gatehouse-hq/gatehouse/internal/platform/httpx"
	"github.com/gatehouse-hq/gatehouse/internal/rbac"
)

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ListRoles returns all roles with their attached permissions.
func (r *Repository) ListRoles(ctx context.Context) ([]rbac.Role, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT r.id, r.name, r.description, r.created_at, r.updated_at,
		       p.id, p.resource, p.action
		FROM roles r
		LEFT JOIN role_permissions rp ON rp.role_id = r.id
		LEFT JOIN permissions p ON p.id = rp.permission_id
		ORDER BY r.name, p.resource, p.action`)
	if err != nil {
		return nil, fmt.Errorf("roles: list: %w", err)
	}
	defer rows.Close()
	return scanRoleRows(rows)
}

// GetRole returns one role with its permissions.
func (r *Repository) GetRole(ctx context.Context, id int64) (rbac.Role, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT r.id, r.name, r.description, r.created_at, r.updated_at,
		       p.id, p.resource, p.action
		FROM roles r
		LEFT JOIN role_permissions rp ON rp.role_id = r.id
		LEFT JOIN permissions p ON p.id = rp.permission_id
		WHERE r.id = $1
		ORDER BY p.resource, p.action`, id)
	if err != nil {
		return rbac.Role{}, fmt.Errorf("roles: get: %w", err)
	}
	defer rows.Close()

	roles, err := scanRoleRows(rows)
	if err != nil {
		return rbac.Role{}, err
	}
	if len(roles) == 0 {
		return rbac.Role{}, httpx.ErrNotFound
	}
	return roles[0], nil
}

// CreateRole inserts a role and attaches the given permission ids inside
// one transaction. A failed attachment rolls the role row back too, so a
// role never exists with half its intended grants.
func (r *Repository) CreateRole(ctx context.Context, name, description string, permissionIDs []int64) (rbac.Role, error) {
	var roleID int64
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO roles (name, description)
			VALUES ($1, $2)
			RETURNING id`, name, description).Scan(&roleID)
		if err != nil {
			return err
		}
		return attachPermissions(ctx, tx, roleID, permissionIDs)
	})
	if err != nil {
		return rbac.Role{}, mapRoleWriteError(err)
	}
	return r.GetRole(ctx, roleID)
}

// UpdateRole changes the name and description.
func (r *Repository) UpdateRole(ctx context.Context, id int64, name, description string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE roles SET name = $2, description = $3, updated_at = NOW()
		WHERE id = $1`, id, name, description)
	if err != nil {
		return mapRoleWriteError(err)
	}
	if tag.RowsAffected() == 0 {
		return httpx.ErrNotFound
	}
	return nil
}

// SetPermissions replaces a role's permission attachments wholesale in one
// transaction.
func (r *Repository) SetPermissions(ctx context.Context, roleID int64, permissionIDs []int64) error {
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM roles WHERE id = $1)`, roleID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return httpx.ErrNotFound
		}
		if _, err := tx.Exec(ctx, `DELETE FROM role_permissions WHERE role_id = $1`, roleID); err != nil {
			return err
		}
		return attachPermissions(ctx, tx, roleID, permissionIDs)
	})
	if err != nil {
		return mapRoleWriteError(err)
	}
	return nil
}

// DeleteRole removes a role and its attachments. Roles still assigned to
// a user are protected by the user_roles foreign key and map to
// ErrConflict.
func (r *Repository) DeleteRole(ctx context.Context, id int64) error {
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM role_permissions WHERE role_id = $1`, id); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `DELETE FROM roles WHERE id = $1`, id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return httpx.ErrNotFound
		}
		return nil
	})
	switch {
	case err == nil:
		return nil
	case db.IsForeignKeyViolation(err):
		return httpx.ErrConflict
	case errors.Is(err, httpx.ErrNotFound):
		return httpx.ErrNotFound
	default:
		return fmt.Errorf("roles: delete: %w", err)
	}
}

func attachPermissions(ctx context.Context, tx pgx.Tx, roleID int64, permissionIDs []int64) error {
	for _, permID := range permissionIDs {
		if _, err := tx.Exec(ctx, `
			INSERT INTO role_permissions (role_id, permission_id)
			VALUES ($1, $2)
			ON CONFLICT DO NOTHING`, roleID, permID); err != nil {
			return err
		}
	}
	return nil
}

func mapRoleWriteError(err error) error {
	switch {
	case err == nil:
		return nil
	case db.IsUniqueViolation(err):
		return httpx.ErrDuplicate
	case db.IsForeignKeyViolation(err):
		return fmt.Errorf("%w: unknown permission id", httpx.ErrValidation)
	case errors.Is(err, httpx.ErrNotFound):
		return httpx.ErrNotFound
	default:
		return fmt.Errorf("roles: write: %w", err)
	}
}

func scanRoleRows(rows pgx.Rows) ([]rbac.Role, error) {
	var (
		roles []rbac.Role
		index = make(map[int64]int)
	)
	for rows.Next() {
		var (
			role       rbac.Role
			permID     *int64
			permRes    *string
			permAction *string
		)
		if err := rows.Scan(&role.ID, &role.Name, &role.Description, &role.CreatedAt, &role.UpdatedAt,
			&permID, &permRes, &permAction); err != nil {
			return nil, fmt.Errorf("roles: scan: %w", err)
		}
		i, ok := index[role.ID]
		if !ok {
			i = len(roles)
			index[role.ID] = i
			roles = append(roles, role)
		}
		if permID != nil {
			roles[i].Permissions = append(roles[i].Permissions, rbac.Permission{
				ID:       *permID,
				Resource: *permRes,
				Action:   *permAction,
			})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("roles: scan: %w", err)
	}
	return roles, nil
}
