package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"
)

// DefaultPolicy is the documented fallback applied field by field when a
// tenant record leaves a policy value unset.
var DefaultPolicy = TenantPolicy{
	MFARequired: false,
	Password: PasswordPolicy{
		MinLength:      8,
		RequireSpecial: true,
	},
	SessionTimeoutSeconds: 480 * 60,
	APIQuotaDaily:         10000,
}

// PolicyResolver computes the effective security policy for a tenant.
type PolicyResolver struct {
	directory TenantDirectory
	now       func() time.Time
}

// NewPolicyResolver constructs a PolicyResolver over directory.
func NewPolicyResolver(directory TenantDirectory) (*PolicyResolver, error) {
	if directory == nil {
		return nil, errors.New("tenant directory is required")
	}
	return &PolicyResolver{directory: directory, now: time.Now}, nil
}

// Resolve returns the effective policy for tenantID. Tenants that do not
// exist fail with ErrTenantNotFound; suspended or trial-expired tenants
// fail with ErrTenantInactive; directory outages surface as
// ErrDirectoryUnavailable and are never treated as a policy decision.
func (r *PolicyResolver) Resolve(ctx context.Context, tenantID string) (TenantPolicy, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return TenantPolicy{}, fmt.Errorf("%w: tenant_id is required", ErrInvalidInput)
	}
	tenant, err := r.directory.GetTenant(ctx, tenantID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return TenantPolicy{}, fmt.Errorf("%w: %s", ErrTenantNotFound, tenantID)
		}
		return TenantPolicy{}, fmt.Errorf("%w: get tenant: %v", ErrDirectoryUnavailable, err)
	}
	if err := r.checkStatus(tenant); err != nil {
		return TenantPolicy{}, err
	}

	policy := TenantPolicy{
		TenantID:              tenant.ID,
		MFARequired:           DefaultPolicy.MFARequired,
		Password:              DefaultPolicy.Password,
		SessionTimeoutSeconds: DefaultPolicy.SessionTimeoutSeconds,
		APIQuotaDaily:         DefaultPolicy.APIQuotaDaily,
	}
	if tenant.MFARequired != nil {
		policy.MFARequired = *tenant.MFARequired
	}
	if tenant.PasswordPolicy != nil {
		policy.Password = *tenant.PasswordPolicy
	}
	if tenant.SessionTimeoutSeconds > 0 {
		policy.SessionTimeoutSeconds = tenant.SessionTimeoutSeconds
	}
	if tenant.APIQuotaDaily > 0 {
		policy.APIQuotaDaily = tenant.APIQuotaDaily
	}
	return policy, nil
}

func (r *PolicyResolver) checkStatus(tenant Tenant) error {
	switch tenant.Status {
	case TenantStatusActive:
		return nil
	case TenantStatusTrial:
		if !tenant.TrialExpiresAt.IsZero() && r.now().UTC().After(tenant.TrialExpiresAt) {
			return fmt.Errorf("%w: trial expired for %s", ErrTenantInactive, tenant.ID)
		}
		return nil
	case TenantStatusSuspended:
		return fmt.Errorf("%w: %s is suspended", ErrTenantInactive, tenant.ID)
	default:
		return fmt.Errorf("%w: %s has status %q", ErrTenantInactive, tenant.ID, tenant.Status)
	}
}

// CheckPassword validates plaintext against policy. Violations come back as
// ErrPasswordTooWeak with the first failed requirement attached.
func CheckPassword(policy PasswordPolicy, plaintext string) error {
	if plaintext == "" {
		return fmt.Errorf("%w: password is required", ErrInvalidInput)
	}
	if len(plaintext) < policy.MinLength {
		return fmt.Errorf("%w: at least %d characters required", ErrPasswordTooWeak, policy.MinLength)
	}
	var hasUpper, hasDigit, hasSpecial bool
	for _, r := range plaintext {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsDigit(r):
			hasDigit = true
		case !unicode.IsLetter(r) && !unicode.IsDigit(r):
			hasSpecial = true
		}
	}
	if policy.RequireUpper && !hasUpper {
		return fmt.Errorf("%w: an uppercase letter is required", ErrPasswordTooWeak)
	}
	if policy.RequireDigit && !hasDigit {
		return fmt.Errorf("%w: a digit is required", ErrPasswordTooWeak)
	}
	if policy.RequireSpecial && !hasSpecial {
		return fmt.Errorf("%w: a special character is required", ErrPasswordTooWeak)
	}
	return nil
}
