package auth

import "errors"

// Input errors: rejected before any hashing or signing work happens.
var (
	ErrInvalidInput = errors.New("auth: invalid input")
)

// Credential errors: always generic to the caller so account existence
// cannot be probed through login.
var (
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
)

// Policy violations: specific and actionable, safe to disclose.
var (
	ErrMFARequired     = errors.New("auth: mfa required")
	ErrPasswordTooWeak = errors.New("auth: password does not meet tenant policy")
	ErrTenantNotFound  = errors.New("auth: tenant not found")
	ErrTenantInactive  = errors.New("auth: tenant inactive")
)

// Token errors: distinguishable internally, flattened to a single generic
// message at the transport boundary.
var (
	ErrMalformedToken   = errors.New("auth: malformed token")
	ErrSignatureInvalid = errors.New("auth: token signature invalid")
	ErrTokenExpired     = errors.New("auth: token expired")
	ErrTokenNotYetValid = errors.New("auth: token not yet valid")
	ErrUnknownKey       = errors.New("auth: token signed with unknown key")
	ErrNoSigningKey     = errors.New("auth: no active signing key")
	ErrTokenReplayed    = errors.New("auth: refresh token already used")
	ErrSessionRevoked   = errors.New("auth: session revoked")
)

// Tenant-scope violations are programming errors and fail loudly instead of
// degrading into a silent deny.
var (
	ErrTenantMismatch = errors.New("auth: tenant scope mismatch")
)

// Infrastructure errors: retryable by the caller, never interpreted as
// allow or deny.
var (
	ErrDirectoryUnavailable = errors.New("auth: directory unavailable")
)

// Store-level sentinels shared by all backends.
var (
	ErrNotFound      = errors.New("auth: not found")
	ErrAlreadyExists = errors.New("auth: already exists")
)

// IsTokenError reports whether err belongs to the token failure class.
// The transport layer uses it to flatten token failures into one generic
// unauthorized response.
func IsTokenError(err error) bool {
	for _, target := range []error{
		ErrMalformedToken,
		ErrSignatureInvalid,
		ErrTokenExpired,
		ErrTokenNotYetValid,
		ErrUnknownKey,
		ErrTokenReplayed,
		ErrSessionRevoked,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
