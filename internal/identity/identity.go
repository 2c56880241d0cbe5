// Package identity defines the boundary to the credential verifier and
// the profile store, plus the PostgreSQL implementation of both.
package identity

import (
	"context"
	"errors"

	"github.com/gatehouse-hq/gatehouse/internal/rbac"
)

var (
	// ErrCredentialRejected indicates email/password verification failed.
	ErrCredentialRejected = errors.New("identity: credential rejected")
	// ErrNotFound indicates the principal does not exist.
	ErrNotFound = errors.New("identity: principal not found")
	// ErrMalformedProfile indicates the profile store returned a record
	// that failed boundary validation. Malformed profiles are rejected,
	// never propagated partially.
	ErrMalformedProfile = errors.New("identity: malformed profile")
)

// Provider verifies credentials and updates them. Credential storage and
// hashing live behind this interface.
type Provider interface {
	// VerifyPassword checks the email/password pair and returns the
	// principal id on success. Account activation is not checked here;
	// the session manager applies that gate against the loaded profile.
	VerifyPassword(ctx context.Context, email, password string) (int64, error)

	// UpdateCredential replaces the principal's secret. When
	// clearForcedReset is set the needs_password_reset flag is cleared
	// in the same write.
	UpdateCredential(ctx context.Context, principalID int64, newSecret string, clearForcedReset bool) error
}

// ProfileStore loads the full principal record: identity fields, roles
// with nested permissions, and the coarse access lists.
type ProfileStore interface {
	FetchProfile(ctx context.Context, principalID int64) (*rbac.Principal, error)
}
