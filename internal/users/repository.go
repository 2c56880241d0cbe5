package users

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

// ListUsers returns all accounts with their role names.
func (r *Repository) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT u.id, u.email, u.full_name, u.is_active, u.needs_password_reset,
		       u.created_at, u.updated_at,
		       COALESCE(array_agg(ro.name ORDER BY ro.name) FILTER (WHERE ro.name IS NOT NULL), '{}')
		FROM users u
		LEFT JOIN user_roles ur ON ur.user_id = u.id
		LEFT JOIN roles ro ON ro.id = ur.role_id
		GROUP BY u.id
		ORDER BY u.email`)
	if err != nil {
		return nil, fmt.Errorf("users: list: %w", err)
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Email, &u.FullName, &u.IsActive, &u.NeedsPasswordReset,
			&u.CreatedAt, &u.UpdatedAt, &u.Roles); err != nil {
			return nil, fmt.Errorf("users: scan: %w", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("users: list: %w", err)
	}
	return out, nil
}

// GetUser returns one account with its role names.
func (r *Repository) GetUser(ctx context.Context, id int64) (User, error) {
	var u User
	err := r.pool.QueryRow(ctx, `
		SELECT u.id, u.email, u.full_name, u.is_active, u.needs_password_reset,
		       u.created_at, u.updated_at,
		       COALESCE(array_agg(ro.name ORDER BY ro.name) FILTER (WHERE ro.name IS NOT NULL), '{}')
		FROM users u
		LEFT JOIN user_roles ur ON ur.user_id = u.id
		LEFT JOIN roles ro ON ro.id = ur.role_id
		WHERE u.id = $1
		GROUP BY u.id`, id).Scan(&u.ID, &u.Email, &u.FullName, &u.IsActive, &u.NeedsPasswordReset,
		&u.CreatedAt, &u.UpdatedAt, &u.Roles)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, httpx.ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("users: get: %w", err)
	}
	return u, nil
}

// CreateUser inserts an account. New accounts start with a forced
// password reset so the initial credential is never long-lived.
func (r *Repository) CreateUser(ctx context.Context, email, fullName, passwordHash string, isActive bool) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx, `
		INSERT INTO users (email, full_name, password_hash, is_active, needs_password_reset)
		VALUES ($1, $2, $3, $4, TRUE)
		RETURNING id`, email, fullName, passwordHash, isActive).Scan(&id)
	if db.IsUniqueViolation(err) {
		return 0, httpx.ErrDuplicate
	}
	if err != nil {
		return 0, fmt.Errorf("users: create: %w", err)
	}
	return id, nil
}

// UpdateUser changes the display name.
func (r *Repository) UpdateUser(ctx context.Context, id int64, fullName string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE users SET full_name = $2, updated_at = NOW() WHERE id = $1`, id, fullName)
	if err != nil {
		return fmt.Errorf("users: update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return httpx.ErrNotFound
	}
	return nil
}

// SetActive flips the activation flag.
func (r *Repository) SetActive(ctx context.Context, id int64, active bool) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE users SET is_active = $2, updated_at = NOW() WHERE id = $1`, id, active)
	if err != nil {
		return fmt.Errorf("users: set active: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return httpx.ErrNotFound
	}
	return nil
}

// SetRoles replaces the account's role assignments wholesale in one
// transaction.
func (r *Repository) SetRoles(ctx context.Context, userID int64, roleIDs []int64) error {
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, userID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return httpx.ErrNotFound
		}
		if _, err := tx.Exec(ctx, `DELETE FROM user_roles WHERE user_id = $1`, userID); err != nil {
			return err
		}
		for _, roleID := range roleIDs {
			if _, err := tx.Exec(ctx, `
				INSERT INTO user_roles (user_id, role_id)
				VALUES ($1, $2)
				ON CONFLICT DO NOTHING`, userID, roleID); err != nil {
				return err
			}
		}
		return nil
	})
	switch {
	case err == nil:
		return nil
	case db.IsForeignKeyViolation(err):
		return fmt.Errorf("%w: unknown role id", httpx.ErrValidation)
	case errors.Is(err, httpx.ErrNotFound):
		return httpx.ErrNotFound
	default:
		return fmt.Errorf("users: set roles: %w", err)
	}
}

// ResetPassword stores a new credential and forces a change at next
// sign-in.
func (r *Repository) ResetPassword(ctx context.Context, id int64, passwordHash string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE users
		   SET password_hash = $2, needs_password_reset = TRUE, updated_at = NOW()
		 WHERE id = $1`, id, passwordHash)
	if err != nil {
		return fmt.Errorf("users: reset password: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return httpx.ErrNotFound
	}
	return nil
}
