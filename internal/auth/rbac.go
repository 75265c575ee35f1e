package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ActionWildcard on a grant permits every action on the grant's resource.
const ActionWildcard = "*"

// PermissionResolver answers allow/deny for (principal, resource, action)
// from tenant-scoped role grants. Absence of a grant is the only deny
// signal; there is no explicit-deny concept.
type PermissionResolver struct {
	grants AuthorizationStore
}

// NewPermissionResolver constructs a PermissionResolver over store.
func NewPermissionResolver(store AuthorizationStore) (*PermissionResolver, error) {
	if store == nil {
		return nil, errors.New("authorization store is required")
	}
	return &PermissionResolver{grants: store}, nil
}

// IsAllowed reports whether principal may perform action on resource.
// Exact grants are consulted before wildcard grants. A principal without a
// tenant, or a grant leaking across tenants from the store, fails loudly
// with ErrTenantMismatch so that unscoped callers are caught in testing.
// Store failures return ErrDirectoryUnavailable and deny.
func (r *PermissionResolver) IsAllowed(ctx context.Context, principal Principal, resource, action string) (bool, error) {
	if strings.TrimSpace(principal.TenantID) == "" {
		return false, fmt.Errorf("%w: principal has no tenant", ErrTenantMismatch)
	}
	resource = strings.TrimSpace(resource)
	action = strings.TrimSpace(action)
	if resource == "" || action == "" {
		return false, fmt.Errorf("%w: resource and action are required", ErrInvalidInput)
	}
	if strings.TrimSpace(principal.Role) == "" {
		return false, nil
	}

	grants, err := r.grants.ListGrants(ctx, principal.TenantID, principal.Role)
	if err != nil {
		return false, fmt.Errorf("%w: list grants: %v", ErrDirectoryUnavailable, err)
	}
	for _, g := range grants {
		if g.TenantID != principal.TenantID {
			return false, fmt.Errorf("%w: grant scoped to %s resolved for %s", ErrTenantMismatch, g.TenantID, principal.TenantID)
		}
	}

	for _, g := range grants {
		if g.Role == principal.Role && g.Resource == resource && g.Action == action {
			return true, nil
		}
	}
	for _, g := range grants {
		if g.Role == principal.Role && g.Resource == resource && g.Action == ActionWildcard {
			return true, nil
		}
	}
	return false, nil
}
