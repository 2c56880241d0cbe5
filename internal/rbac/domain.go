// Package rbac implements the authorization model: permissions, roles,
// principals, the pure evaluation function and the decision cache on top
// of it.
package rbac

import (
	"sort"
	"time"
)

// AdminRoleName is the distinguished role that bypasses enumerated
// permission checks entirely.
const AdminRoleName = "admin"

// Capability identifies a single grantable permission as a
// (resource, action) pair. Matching is exact and case-sensitive.
type Capability struct {
	Resource string
	Action   string
}

// Permission represents an atomic capability in the catalog.
// No two permissions share the same (resource, action) pair.
type Permission struct {
	ID          int64
	Resource    string
	Action      string
	Description string
	CreatedAt   time.Time
}

// Capability returns the permission's capability key.
func (p Permission) Capability() Capability {
	return Capability{Resource: p.Resource, Action: p.Action}
}

// Role represents a named bundle of permissions.
type Role struct {
	ID          int64
	Name        string
	Description string
	Permissions []Permission
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Principal describes the authenticated actor evaluated for
// authorization purposes. The flattened capability set is derived from
// Roles on demand, never stored alongside them.
type Principal struct {
	ID                 int64
	Email              string
	FullName           string
	IsActive           bool
	NeedsPasswordReset bool
	Roles              []Role

	// Coarse-grained access lists for UI-level gating, independent of
	// the resource/action model.
	MenuAccess      []string
	SubMenuAccess   []string
	ComponentAccess []string
}

// HoldsRole reports whether the principal is assigned a role with the
// given name.
func (p *Principal) HoldsRole(name string) bool {
	if p == nil {
		return false
	}
	for _, role := range p.Roles {
		if role.Name == name {
			return true
		}
	}
	return false
}

// Flatten computes the de-duplicated union of permissions across roles.
// The result depends only on the set of permissions involved, not on
// role iteration order.
func Flatten(roles []Role) map[Capability]struct{} {
	set := make(map[Capability]struct{})
	for _, role := range roles {
		for _, perm := range role.Permissions {
			set[perm.Capability()] = struct{}{}
		}
	}
	return set
}

// FlattenSorted returns the flattened set as a deterministic slice,
// ordered by resource then action. Used for API responses.
func FlattenSorted(roles []Role) []Capability {
	set := Flatten(roles)
	caps := make([]Capability, 0, len(set))
	for c := range set {
		caps = append(caps, c)
	}
	sort.Slice(caps, func(i, j int) bool {
		if caps[i].Resource != caps[j].Resource {
			return caps[i].Resource < caps[j].Resource
		}
		return caps[i].Action < caps[j].Action
	})
	return caps
}
