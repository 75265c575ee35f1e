package auth

import "time"

// TenantStatus describes whether a tenant may open new sessions.
type TenantStatus string

const (
	TenantStatusActive    TenantStatus = "active"
	TenantStatusTrial     TenantStatus = "trial"
	TenantStatusSuspended TenantStatus = "suspended"
)

// Tenant is the directory record a tenant directory hands back. Policy
// fields are pointers (or zero) when unset; the policy resolver fills the
// gaps from DefaultPolicy.
type Tenant struct {
	ID                    string
	Name                  string
	Status                TenantStatus
	TrialExpiresAt        time.Time
	MFARequired           *bool
	PasswordPolicy        *PasswordPolicy
	SessionTimeoutSeconds int
	APIQuotaDaily         int
}

// PasswordPolicy constrains credentials accepted at registration and
// password change.
type PasswordPolicy struct {
	MinLength      int
	RequireUpper   bool
	RequireDigit   bool
	RequireSpecial bool
	HistorySize    int
}

// TenantPolicy is the effective security policy for one tenant. Every
// tenant has exactly one; unset tenant fields fall back to DefaultPolicy.
type TenantPolicy struct {
	TenantID              string
	MFARequired           bool
	Password              PasswordPolicy
	SessionTimeoutSeconds int
	APIQuotaDaily         int
}

// Subject is an account in the identity store.
type Subject struct {
	ID         string
	TenantID   string
	Email      string
	Role       string
	Verified   bool
	MFAEnabled bool
	Status     string
	// FailedLogins counts consecutive wrong-password attempts; LockedUntil
	// is set once the count reaches the lockout threshold and cleared on the
	// next successful login.
	FailedLogins int
	LockedUntil  time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

const (
	SubjectStatusActive   = "active"
	SubjectStatusDisabled = "disabled"
)

// Credential pairs a subject with its one-way password hash. Plaintext
// passwords exist only transiently inside Hash and Verify calls.
type Credential struct {
	SubjectID    string
	PasswordHash string
}

// Principal is an authenticated identity scoped to one tenant for the
// duration of a request. A principal without a tenant is invalid for any
// tenant-scoped operation.
type Principal struct {
	SubjectID  string
	TenantID   string
	Role       string
	SessionID  string
	Verified   bool
	MFAEnabled bool
}

// RoleGrant permits (role, resource, action) inside one tenant. A grant
// under tenant A never applies when resolving for tenant B.
type RoleGrant struct {
	TenantID string
	Role     string
	Resource string
	Action   string
}

// Session tracks one login for revocation even though access tokens are
// otherwise self-validating. RefreshID holds the jti of the currently
// valid refresh token when rotation is enabled.
type Session struct {
	ID              string
	SubjectID       string
	TenantID        string
	RefreshID       string
	IssuedAt        time.Time
	LastRefreshedAt time.Time
	ExpiresAt       time.Time
	Revoked         bool
}

// TokenPair carries freshly minted credentials back to the caller.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}
