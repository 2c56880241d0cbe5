// Package roles manages named permission bundles and their attachment to
// catalog entries.
package roles

import (
	"time"

	"github.com/gatehouse-hq/gatehouse/internal/rbac"
)

// Role is the API shape of a permission bundle.
type Role struct {
	ID          int64        `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Permissions []Permission `json:"permissions"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// Permission mirrors a catalog entry attached to a role.
type Permission struct {
	ID       int64  `json:"id"`
	Resource string `json:"resource"`
	Action   string `json:"action"`
}

func fromDomain(r rbac.Role) Role {
	perms := make([]Permission, 0, len(r.Permissions))
	for _, p := range r.Permissions {
		perms = append(perms, Permission{ID: p.ID, Resource: p.Resource, Action: p.Action})
	}
	return Role{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		Permissions: perms,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}
