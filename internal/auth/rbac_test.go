package auth

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
)

type staticGrants struct {
	grants []RoleGrant
	err    error
}

func (s staticGrants) ListGrants(_ context.Context, tenantID, role string) ([]RoleGrant, error) {
	if s.err != nil {
		return nil, s.err
	}
	var out []RoleGrant
	for _, g := range s.grants {
		if g.TenantID == tenantID && g.Role == role {
			out = append(out, g)
		}
	}
	return out, nil
}

func TestIsAllowedExactAndWildcard(t *testing.T) {
	resolver, err := NewPermissionResolver(staticGrants{grants: []RoleGrant{
		{TenantID: "tenant-a", Role: "editor", Resource: "document", Action: "read"},
		{TenantID: "tenant-a", Role: "admin", Resource: "document", Action: ActionWildcard},
	}})
	if err != nil {
		t.Fatalf("NewPermissionResolver: %v", err)
	}
	ctx := context.Background()

	editor := Principal{SubjectID: "s1", TenantID: "tenant-a", Role: "editor"}
	admin := Principal{SubjectID: "s2", TenantID: "tenant-a", Role: "admin"}

	cases := []struct {
		name      string
		principal Principal
		resource  string
		action    string
		want      bool
	}{
		{"exact grant allows", editor, "document", "read", true},
		{"no grant denies", editor, "document", "delete", false},
		{"foreign resource denies", editor, "report", "read", false},
		{"wildcard allows any action", admin, "document", "purge", true},
		{"wildcard bound to resource", admin, "report", "read", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := resolver.IsAllowed(ctx, tc.principal, tc.resource, tc.action)
			if err != nil {
				t.Fatalf("IsAllowed: %v", err)
			}
			if got != tc.want {
				t.Fatalf("IsAllowed=%v, want %v", got, tc.want)
			}
		})
	}
}

func TestIsAllowedDefaultDenyOverRandomGrantSets(t *testing.T) {
	// Default-deny property: for randomly generated grant sets that never
	// contain the probed pair, the answer is always deny.
	rng := rand.New(rand.NewSource(1))
	ctx := context.Background()
	principal := Principal{SubjectID: "s1", TenantID: "tenant-a", Role: "auditor"}

	for i := 0; i < 200; i++ {
		var grants []RoleGrant
		for j := 0; j < rng.Intn(12); j++ {
			grants = append(grants, RoleGrant{
				TenantID: "tenant-a",
				Role:     "auditor",
				Resource: fmt.Sprintf("resource-%d", rng.Intn(8)),
				Action:   fmt.Sprintf("action-%d", rng.Intn(8)),
			})
		}
		resolver, _ := NewPermissionResolver(staticGrants{grants: grants})
		allowed, err := resolver.IsAllowed(ctx, principal, "resource-probed", "action-probed")
		if err != nil {
			t.Fatalf("IsAllowed: %v", err)
		}
		if allowed {
			t.Fatalf("iteration %d: allowed without a matching grant: %+v", i, grants)
		}
	}
}

func TestIsAllowedNeverCrossesTenants(t *testing.T) {
	resolver, _ := NewPermissionResolver(staticGrants{grants: []RoleGrant{
		{TenantID: "tenant-a", Role: "admin", Resource: "document", Action: ActionWildcard},
	}})
	// Identical role name under a different tenant: the grant must not apply.
	foreign := Principal{SubjectID: "s9", TenantID: "tenant-b", Role: "admin"}
	allowed, err := resolver.IsAllowed(context.Background(), foreign, "document", "read")
	if err != nil {
		t.Fatalf("IsAllowed: %v", err)
	}
	if allowed {
		t.Fatalf("grant for tenant-a leaked into tenant-b")
	}
}

func TestIsAllowedFailsLoudlyOnScopeViolations(t *testing.T) {
	resolver, _ := NewPermissionResolver(staticGrants{})
	ctx := context.Background()

	if _, err := resolver.IsAllowed(ctx, Principal{SubjectID: "s1", Role: "admin"}, "document", "read"); !errors.Is(err, ErrTenantMismatch) {
		t.Fatalf("expected ErrTenantMismatch for tenantless principal, got %v", err)
	}

	// A store that hands back grants from another tenant is a programming
	// error, not a deny.
	leaky, _ := NewPermissionResolver(leakyGrants{})
	if _, err := leaky.IsAllowed(ctx, Principal{SubjectID: "s1", TenantID: "tenant-a", Role: "admin"}, "document", "read"); !errors.Is(err, ErrTenantMismatch) {
		t.Fatalf("expected ErrTenantMismatch for leaked grant, got %v", err)
	}
}

type leakyGrants struct{}

func (leakyGrants) ListGrants(context.Context, string, string) ([]RoleGrant, error) {
	return []RoleGrant{{TenantID: "tenant-z", Role: "admin", Resource: "document", Action: "read"}}, nil
}

func TestIsAllowedFailsClosedOnStoreError(t *testing.T) {
	resolver, _ := NewPermissionResolver(staticGrants{err: errors.New("timeout")})
	principal := Principal{SubjectID: "s1", TenantID: "tenant-a", Role: "admin"}
	allowed, err := resolver.IsAllowed(context.Background(), principal, "document", "read")
	if !errors.Is(err, ErrDirectoryUnavailable) {
		t.Fatalf("expected ErrDirectoryUnavailable, got %v", err)
	}
	if allowed {
		t.Fatalf("store failure must never allow")
	}
}
