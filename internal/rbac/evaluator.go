package rbac

// Evaluate answers whether the principal may perform action on resource.
// The check order is fixed:
//
//  1. absent or inactive principal denies everything
//  2. the "admin" role grants everything
//  3. otherwise the flattened permission set decides by exact match
//
// Pure function: no I/O, deterministic for a given principal snapshot.
func Evaluate(p *Principal, resource, action string) bool {
	if p == nil || !p.IsActive {
		return false
	}
	if p.HoldsRole(AdminRoleName) {
		return true
	}
	_, ok := Flatten(p.Roles)[Capability{Resource: resource, Action: action}]
	return ok
}

// IsAdmin reports whether the principal holds the "admin" role.
func IsAdmin(p *Principal) bool {
	return p.HoldsRole(AdminRoleName)
}

// HasMenuAccess reports whether an active principal may see the menu.
func HasMenuAccess(p *Principal, menuID string) bool {
	if p == nil || !p.IsActive {
		return false
	}
	return contains(p.MenuAccess, menuID)
}

// HasSubMenuAccess reports whether an active principal may see the
// sub-menu. Access to the parent menu is not implied and not required.
func HasSubMenuAccess(p *Principal, menuID, subMenuID string) bool {
	if p == nil || !p.IsActive {
		return false
	}
	return contains(p.SubMenuAccess, menuID+"/"+subMenuID)
}

// HasComponentAccess reports whether an active principal may use the
// component.
func HasComponentAccess(p *Principal, componentID string) bool {
	if p == nil || !p.IsActive {
		return false
	}
	return contains(p.ComponentAccess, componentID)
}

func contains(list []string, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}
