package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"
)

// PGProvider implements Provider against the users table.
type PGProvider struct {
	pool *pgxpool.Pool
}

// NewPGProvider constructs a PostgreSQL-backed credential provider.
func NewPGProvider(pool *pgxpool.Pool) *PGProvider {
	return &PGProvider{pool: pool}
}

// VerifyPassword checks the stored bcrypt hash for the account.
func (p *PGProvider) VerifyPassword(ctx context.Context, email, password string) (int64, error) {
	var (
		id   int64
		hash string
	)
	err := p.pool.QueryRow(ctx,
		`SELECT id, password_hash FROM users WHERE email = $1`, email,
	).Scan(&id, &hash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Same error as a wrong password so callers cannot probe
			// for registered addresses.
			return 0, ErrCredentialRejected
		}
		return 0, fmt.Errorf("identity: find user: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return 0, ErrCredentialRejected
	}
	return id, nil
}

// UpdateCredential rehashes and stores the new secret.
func (p *PGProvider) UpdateCredential(ctx context.Context, principalID int64, newSecret string, clearForcedReset bool) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(newSecret), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("identity: hash credential: %w", err)
	}
	tag, err := p.pool.Exec(ctx,
		`UPDATE users
		    SET password_hash = $2,
		        needs_password_reset = CASE WHEN $3 THEN FALSE ELSE needs_password_reset END,
		        updated_at = NOW()
		  WHERE id = $1`,
		principalID, string(hash), clearForcedReset,
	)
	if err != nil {
		return fmt.Errorf("identity: update credential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

var _ Provider = (*PGProvider)(nil)
