package auth

import (
	"context"
	"time"
)

// IdentityStore owns subjects and their credentials. The core never stores
// plaintext passwords; only hash records cross this boundary.
type IdentityStore interface {
	FindSubject(ctx context.Context, subjectID string) (Subject, error)
	FindSubjectByEmail(ctx context.Context, tenantID, email string) (Subject, error)
	CreateSubject(ctx context.Context, subject Subject, passwordHash string) (Subject, error)
	FindCredential(ctx context.Context, subjectID string) (Credential, error)
	// UpdateCredential swaps the stored hash and archives the previous one
	// for password-history checks.
	UpdateCredential(ctx context.Context, subjectID, passwordHash string) error
	// ListPasswordHistory returns up to limit archived hashes, newest first.
	ListPasswordHistory(ctx context.Context, subjectID string, limit int) ([]string, error)
	// RecordLoginFailure stores the updated consecutive-failure count; a
	// non-zero lockedUntil locks the account until that instant.
	RecordLoginFailure(ctx context.Context, subjectID string, failures int, lockedUntil time.Time) error
	ResetLoginFailures(ctx context.Context, subjectID string) error
}

// TenantDirectory resolves tenant records including their policy fields.
type TenantDirectory interface {
	GetTenant(ctx context.Context, tenantID string) (Tenant, error)
}

// AuthorizationStore lists role grants scoped by tenant.
type AuthorizationStore interface {
	ListGrants(ctx context.Context, tenantID, role string) ([]RoleGrant, error)
}

// SessionStore tracks sessions for refresh bookkeeping and revocation.
// Revocation writes must be visible to the next IsRevoked call; an
// eventual-consistency window here is a security hole.
type SessionStore interface {
	Create(ctx context.Context, session Session) error
	Find(ctx context.Context, sessionID string) (Session, error)
	// SwapRefreshID atomically replaces the session's current refresh jti.
	// It fails with ErrTokenReplayed when oldID no longer matches, which is
	// how a rotated-out refresh token is detected under concurrency.
	SwapRefreshID(ctx context.Context, sessionID, oldID, newID string, at time.Time) error
	Touch(ctx context.Context, sessionID string, at time.Time) error
	Revoke(ctx context.Context, sessionID string) error
	IsRevoked(ctx context.Context, sessionID string) (bool, error)
	// PurgeExpired removes sessions whose longest-lived token expired
	// before cutoff and returns how many were dropped.
	PurgeExpired(ctx context.Context, cutoff time.Time) (int, error)
}
