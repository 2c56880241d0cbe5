// Package users manages user accounts: creation, activation, role
// assignment and administrative password resets.
package users

import "time"

// User is the API shape of an account.
type User struct {
	ID                 int64     `json:"id"`
	Email              string    `json:"email"`
	FullName           string    `json:"full_name"`
	IsActive           bool      `json:"is_active"`
	NeedsPasswordReset bool      `json:"needs_password_reset"`
	Roles              []string  `json:"roles"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}
