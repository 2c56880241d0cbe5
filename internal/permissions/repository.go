package permissions

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gatehouse-hq/gatehouse/internal/platform/db"
	"github.com/gatehouse-hq/gatehouse/internal/platform/httpx"
)

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ListPermissions returns the whole catalog ordered by resource then action.
func (r *Repository) ListPermissions(ctx context.Context) ([]Permission, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, resource, action, description, created_at
		FROM permissions
		ORDER BY resource, action`)
	if err != nil {
		return nil, fmt.Errorf("permissions: list: %w", err)
	}
	defer rows.Close()

	var perms []Permission
	for rows.Next() {
		var p Permission
		if err := rows.Scan(&p.ID, &p.Resource, &p.Action, &p.Description, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("permissions: scan: %w", err)
		}
		perms = append(perms, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("permissions: list: %w", err)
	}
	return perms, nil
}

// GetPermission returns one catalog entry by id.
func (r *Repository) GetPermission(ctx context.Context, id int64) (Permission, error) {
	var p Permission
	err := r.pool.QueryRow(ctx, `
		SELECT id, resource, action, description, created_at
		FROM permissions
		WHERE id = $1`, id).Scan(&p.ID, &p.Resource, &p.Action, &p.Description, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Permission{}, httpx.ErrNotFound
	}
	if err != nil {
		return Permission{}, fmt.Errorf("permissions: get: %w", err)
	}
	return p, nil
}

// CreatePermission inserts a catalog entry. A second entry with the same
// (resource, action) pair maps to ErrDuplicate via the unique index.
func (r *Repository) CreatePermission(ctx context.Context, resource, action, description string) (Permission, error) {
	var p Permission
	err := r.pool.QueryRow(ctx, `
		INSERT INTO permissions (resource, action, description)
		VALUES ($1, $2, $3)
		RETURNING id, resource, action, description, created_at`,
		resource, action, description,
	).Scan(&p.ID, &p.Resource, &p.Action, &p.Description, &p.CreatedAt)
	if db.IsUniqueViolation(err) {
		return Permission{}, httpx.ErrDuplicate
	}
	if err != nil {
		return Permission{}, fmt.Errorf("permissions: create: %w", err)
	}
	return p, nil
}

// UpdateDescription changes the free-text description. The (resource,
// action) pair stays immutable.
func (r *Repository) UpdateDescription(ctx context.Context, id int64, description string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE permissions SET description = $2 WHERE id = $1`, id, description)
	if err != nil {
		return fmt.Errorf("permissions: update description: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return httpx.ErrNotFound
	}
	return nil
}

// DeletePermission removes a catalog entry. Entries still attached to a
// role are protected by the foreign key and map to ErrConflict.
func (r *Repository) DeletePermission(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM permissions WHERE id = $1`, id)
	if db.IsForeignKeyViolation(err) {
		return httpx.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("permissions: delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return httpx.ErrNotFound
	}
	return nil
}
