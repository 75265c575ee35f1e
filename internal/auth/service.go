package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	defaultAccessTTL = 15 * time.Minute

	// Consecutive wrong-password attempts before the account locks, and
	// for how long.
	defaultMaxFailedLogins = 5
	defaultLockoutDuration = 30 * time.Minute
)

// CredentialHasher is the narrow surface the authority needs from the
// credential hasher.
type CredentialHasher interface {
	Hash(plaintext string) (string, error)
	Verify(plaintext, record string) bool
	GenerateStrong(lengthHint int) (string, error)
}

// TokenCodec is the narrow surface the authority needs from the token
// codec.
type TokenCodec interface {
	Issue(principal Principal, kind TokenKind, ttl time.Duration) (string, Claims, error)
	ParseAndVerify(raw string) (*Claims, error)
}

// PolicySource resolves effective tenant policy.
type PolicySource interface {
	Resolve(ctx context.Context, tenantID string) (TenantPolicy, error)
}

// PermissionSource decides allow/deny for a tenant-scoped principal.
type PermissionSource interface {
	IsAllowed(ctx context.Context, principal Principal, resource, action string) (bool, error)
}

// Authority orchestrates credential verification, policy checks, token
// lifecycle and permission resolution. It is the single entry point all
// protected operations authenticate and authorize through.
type Authority struct {
	hasher   CredentialHasher
	codec    TokenCodec
	policy   PolicySource
	perms    PermissionSource
	identity IdentityStore
	sessions SessionStore

	now             func() time.Time
	accessTTL       time.Duration
	rotateRefresh   bool
	maxFailedLogins int
	lockoutDuration time.Duration
}

// AuthorityOption configures Authority behavior.
type AuthorityOption func(*Authority)

// WithAccessTTL overrides the access token lifetime.
func WithAccessTTL(ttl time.Duration) AuthorityOption {
	return func(a *Authority) {
		if ttl > 0 {
			a.accessTTL = ttl
		}
	}
}

// WithRefreshRotation enables single-use refresh tokens: every Refresh
// invalidates the presented token atomically with issuing its successor.
func WithRefreshRotation(enabled bool) AuthorityOption {
	return func(a *Authority) { a.rotateRefresh = enabled }
}

// WithLockoutPolicy overrides how many consecutive failed logins lock an
// account and for how long.
func WithLockoutPolicy(maxAttempts int, duration time.Duration) AuthorityOption {
	return func(a *Authority) {
		if maxAttempts > 0 {
			a.maxFailedLogins = maxAttempts
		}
		if duration > 0 {
			a.lockoutDuration = duration
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) AuthorityOption {
	return func(a *Authority) {
		if fn != nil {
			a.now = fn
		}
	}
}

// NewAuthority wires the five core components together.
func NewAuthority(
	hasher CredentialHasher,
	codec TokenCodec,
	policy PolicySource,
	perms PermissionSource,
	identity IdentityStore,
	sessions SessionStore,
	opts ...AuthorityOption,
) (*Authority, error) {
	if hasher == nil || codec == nil || policy == nil || perms == nil || identity == nil || sessions == nil {
		return nil, errors.New("authority requires all collaborators")
	}
	a := &Authority{
		hasher:    hasher,
		codec:     codec,
		policy:    policy,
		perms:     perms,
		identity:  identity,
		sessions:  sessions,
		now:             time.Now,
		accessTTL:       defaultAccessTTL,
		maxFailedLogins: defaultMaxFailedLogins,
		lockoutDuration: defaultLockoutDuration,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Login verifies credentials under the tenant's policy and issues an
// access/refresh pair plus a session record. Unknown accounts and wrong
// passwords both come back as ErrInvalidCredentials, with equalized
// hashing work, so the result shape never reveals account existence.
func (a *Authority) Login(ctx context.Context, email, password, tenantID string) (TokenPair, Principal, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	tenantID = strings.TrimSpace(tenantID)
	if email == "" || password == "" || tenantID == "" {
		return TokenPair{}, Principal{}, fmt.Errorf("%w: email, password and tenant_id are required", ErrInvalidInput)
	}

	subject, err := a.identity.FindSubjectByEmail(ctx, tenantID, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// Burn the same hashing work as a real verification.
			a.hasher.Verify(password, "")
			return TokenPair{}, Principal{}, ErrInvalidCredentials
		}
		return TokenPair{}, Principal{}, fmt.Errorf("%w: find subject: %v", ErrDirectoryUnavailable, err)
	}
	if subject.Status != SubjectStatusActive {
		a.hasher.Verify(password, "")
		return TokenPair{}, Principal{}, ErrInvalidCredentials
	}
	// A locked account answers exactly like a wrong password so the lock
	// itself is not observable from outside.
	if !subject.LockedUntil.IsZero() && a.now().Before(subject.LockedUntil) {
		a.hasher.Verify(password, "")
		return TokenPair{}, Principal{}, ErrInvalidCredentials
	}
	credential, err := a.identity.FindCredential(ctx, subject.ID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			a.hasher.Verify(password, "")
			return TokenPair{}, Principal{}, ErrInvalidCredentials
		}
		return TokenPair{}, Principal{}, fmt.Errorf("%w: find credential: %v", ErrDirectoryUnavailable, err)
	}
	if !a.hasher.Verify(password, credential.PasswordHash) {
		a.recordFailedLogin(ctx, subject)
		return TokenPair{}, Principal{}, ErrInvalidCredentials
	}
	if subject.FailedLogins > 0 || !subject.LockedUntil.IsZero() {
		// Best effort; a bookkeeping miss must not fail a correct login.
		_ = a.identity.ResetLoginFailures(ctx, subject.ID)
	}

	policy, err := a.policy.Resolve(ctx, tenantID)
	if err != nil {
		return TokenPair{}, Principal{}, err
	}
	if policy.MFARequired && !subject.MFAEnabled {
		return TokenPair{}, Principal{}, ErrMFARequired
	}

	principal := Principal{
		SubjectID:  subject.ID,
		TenantID:   subject.TenantID,
		Role:       subject.Role,
		SessionID:  uuid.NewString(),
		Verified:   subject.Verified,
		MFAEnabled: subject.MFAEnabled,
	}
	pair, session, err := a.mint(principal, policy)
	if err != nil {
		return TokenPair{}, Principal{}, err
	}
	if err := a.sessions.Create(ctx, session); err != nil {
		return TokenPair{}, Principal{}, fmt.Errorf("%w: create session: %v", ErrDirectoryUnavailable, err)
	}
	return pair, principal, nil
}

// recordFailedLogin bumps the consecutive-failure counter and locks the
// account once it reaches the threshold. The write is best effort: the
// login already fails closed regardless.
func (a *Authority) recordFailedLogin(ctx context.Context, subject Subject) {
	failures := subject.FailedLogins + 1
	var lockedUntil time.Time
	if failures >= a.maxFailedLogins {
		lockedUntil = a.now().Add(a.lockoutDuration)
	}
	_ = a.identity.RecordLoginFailure(ctx, subject.ID, failures, lockedUntil)
}

func (a *Authority) mint(principal Principal, policy TenantPolicy) (TokenPair, Session, error) {
	refreshTTL := time.Duration(policy.SessionTimeoutSeconds) * time.Second
	access, accessClaims, err := a.codec.Issue(principal, KindAccess, a.accessTTL)
	if err != nil {
		return TokenPair{}, Session{}, err
	}
	refresh, refreshClaims, err := a.codec.Issue(principal, KindRefresh, refreshTTL)
	if err != nil {
		return TokenPair{}, Session{}, err
	}
	// The session stays collectable only after its longest-lived token
	// has expired.
	horizon := refreshClaims.ExpiresAt.Time
	if accessClaims.ExpiresAt.Time.After(horizon) {
		horizon = accessClaims.ExpiresAt.Time
	}
	session := Session{
		ID:        principal.SessionID,
		SubjectID: principal.SubjectID,
		TenantID:  principal.TenantID,
		RefreshID: refreshClaims.ID,
		IssuedAt:  refreshClaims.IssuedAt.Time,
		ExpiresAt: horizon,
	}
	pair := TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessClaims.ExpiresAt.Time,
		RefreshExpiresAt: refreshClaims.ExpiresAt.Time,
	}
	return pair, session, nil
}

// Authenticate validates an access token and returns the principal it
// carries. Tokens from revoked sessions fail with ErrSessionRevoked even
// when their own expiry has not elapsed.
func (a *Authority) Authenticate(ctx context.Context, accessToken string) (Principal, error) {
	claims, err := a.codec.ParseAndVerify(accessToken)
	if err != nil {
		return Principal{}, err
	}
	if claims.Kind != KindAccess {
		return Principal{}, fmt.Errorf("%w: unexpected token kind %q", ErrMalformedToken, claims.Kind)
	}
	revoked, err := a.sessions.IsRevoked(ctx, claims.SessionID)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: revocation lookup: %v", ErrDirectoryUnavailable, err)
	}
	if revoked {
		return Principal{}, ErrSessionRevoked
	}
	return claims.Principal(), nil
}

// Refresh exchanges a valid refresh token for a fresh access token. With
// rotation enabled the presented token is invalidated atomically with
// issuance of its successor; presenting it again fails with
// ErrTokenReplayed and revokes the session.
func (a *Authority) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	claims, err := a.codec.ParseAndVerify(refreshToken)
	if err != nil {
		return TokenPair{}, err
	}
	if claims.Kind != KindRefresh {
		return TokenPair{}, fmt.Errorf("%w: unexpected token kind %q", ErrMalformedToken, claims.Kind)
	}
	session, err := a.sessions.Find(ctx, claims.SessionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return TokenPair{}, ErrSessionRevoked
		}
		return TokenPair{}, fmt.Errorf("%w: find session: %v", ErrDirectoryUnavailable, err)
	}
	if session.Revoked {
		return TokenPair{}, ErrSessionRevoked
	}

	now := a.now().UTC()
	principal := claims.Principal()
	access, accessClaims, err := a.codec.Issue(principal, KindAccess, a.accessTTL)
	if err != nil {
		return TokenPair{}, err
	}
	pair := TokenPair{
		AccessToken:      access,
		AccessExpiresAt:  accessClaims.ExpiresAt.Time,
		RefreshToken:     refreshToken,
		RefreshExpiresAt: claims.ExpiresAt.Time,
	}

	if !a.rotateRefresh {
		if err := a.sessions.Touch(ctx, session.ID, now); err != nil {
			return TokenPair{}, fmt.Errorf("%w: touch session: %v", ErrDirectoryUnavailable, err)
		}
		return pair, nil
	}

	remaining := claims.ExpiresAt.Time.Sub(now)
	if remaining <= 0 {
		return TokenPair{}, ErrTokenExpired
	}
	nextRefresh, nextClaims, err := a.codec.Issue(principal, KindRefresh, remaining)
	if err != nil {
		return TokenPair{}, err
	}
	if err := a.sessions.SwapRefreshID(ctx, session.ID, claims.ID, nextClaims.ID, now); err != nil {
		if errors.Is(err, ErrTokenReplayed) {
			// Replay of a rotated-out refresh token is treated as theft:
			// kill the whole session, not just this call.
			_ = a.sessions.Revoke(ctx, session.ID)
			return TokenPair{}, ErrTokenReplayed
		}
		return TokenPair{}, fmt.Errorf("%w: rotate refresh token: %v", ErrDirectoryUnavailable, err)
	}
	pair.RefreshToken = nextRefresh
	pair.RefreshExpiresAt = nextClaims.ExpiresAt.Time
	return pair, nil
}

// Logout revokes the session. Subsequent Authenticate calls against tokens
// from that session fail immediately.
func (a *Authority) Logout(ctx context.Context, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return fmt.Errorf("%w: session_id is required", ErrInvalidInput)
	}
	if err := a.sessions.Revoke(ctx, sessionID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("%w: revoke session: %v", ErrDirectoryUnavailable, err)
	}
	return nil
}

// Authorize is a thin pass-through to the permission resolver, exposed
// here because it is the call site most protected operations need.
func (a *Authority) Authorize(ctx context.Context, principal Principal, resource, action string) (bool, error) {
	return a.perms.IsAllowed(ctx, principal, resource, action)
}

// Register creates a subject after checking the password against the
// tenant policy. The plaintext is hashed immediately and never retained.
func (a *Authority) Register(ctx context.Context, email, password, tenantID, role string) (Subject, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	tenantID = strings.TrimSpace(tenantID)
	role = strings.TrimSpace(role)
	if email == "" || !strings.Contains(email, "@") {
		return Subject{}, fmt.Errorf("%w: valid email is required", ErrInvalidInput)
	}
	if tenantID == "" || role == "" {
		return Subject{}, fmt.Errorf("%w: tenant_id and role are required", ErrInvalidInput)
	}
	policy, err := a.policy.Resolve(ctx, tenantID)
	if err != nil {
		return Subject{}, err
	}
	if err := CheckPassword(policy.Password, password); err != nil {
		return Subject{}, err
	}
	hash, err := a.hasher.Hash(password)
	if err != nil {
		return Subject{}, err
	}
	subject := Subject{
		TenantID: tenantID,
		Email:    email,
		Role:     role,
		Status:   SubjectStatusActive,
	}
	created, err := a.identity.CreateSubject(ctx, subject, hash)
	if err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			return Subject{}, err
		}
		return Subject{}, fmt.Errorf("%w: create subject: %v", ErrDirectoryUnavailable, err)
	}
	return created, nil
}

// ChangePassword verifies the current credential and swaps in a new hash,
// subject to the tenant password policy.
func (a *Authority) ChangePassword(ctx context.Context, subjectID, current, next string) error {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return fmt.Errorf("%w: subject_id is required", ErrInvalidInput)
	}
	subject, err := a.identity.FindSubject(ctx, subjectID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrInvalidCredentials
		}
		return fmt.Errorf("%w: find subject: %v", ErrDirectoryUnavailable, err)
	}
	credential, err := a.identity.FindCredential(ctx, subjectID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrInvalidCredentials
		}
		return fmt.Errorf("%w: find credential: %v", ErrDirectoryUnavailable, err)
	}
	if !a.hasher.Verify(current, credential.PasswordHash) {
		return ErrInvalidCredentials
	}
	policy, err := a.policy.Resolve(ctx, subject.TenantID)
	if err != nil {
		return err
	}
	if err := CheckPassword(policy.Password, next); err != nil {
		return err
	}
	// The current hash counts toward the history window.
	if n := policy.Password.HistorySize; n > 0 {
		if a.hasher.Verify(next, credential.PasswordHash) {
			return fmt.Errorf("%w: password was used recently", ErrPasswordTooWeak)
		}
		history, err := a.identity.ListPasswordHistory(ctx, subjectID, n-1)
		if err != nil {
			return fmt.Errorf("%w: password history: %v", ErrDirectoryUnavailable, err)
		}
		for _, old := range history {
			if a.hasher.Verify(next, old) {
				return fmt.Errorf("%w: password was used recently", ErrPasswordTooWeak)
			}
		}
	}
	hash, err := a.hasher.Hash(next)
	if err != nil {
		return err
	}
	if err := a.identity.UpdateCredential(ctx, subjectID, hash); err != nil {
		return fmt.Errorf("%w: update credential: %v", ErrDirectoryUnavailable, err)
	}
	return nil
}

// PurgeExpiredSessions garbage-collects sessions whose longest-lived token
// has expired.
func (a *Authority) PurgeExpiredSessions(ctx context.Context) (int, error) {
	return a.sessions.PurgeExpired(ctx, a.now().UTC())
}
