package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ClockSkewTolerance bounds how far in the future an issued-at claim may
// sit before the token is rejected as not yet valid.
const ClockSkewTolerance = 30 * time.Second

const defaultIssuer = "tessera"

// TokenKind distinguishes access tokens from refresh tokens.
type TokenKind string

const (
	KindAccess  TokenKind = "access"
	KindRefresh TokenKind = "refresh"
)

// Claims is the signed claim set carried inside every token.
type Claims struct {
	TenantID   string    `json:"tenant"`
	Role       string    `json:"role"`
	SessionID  string    `json:"sid"`
	Kind       TokenKind `json:"kind"`
	Verified   bool      `json:"verified"`
	MFAEnabled bool      `json:"mfa"`
	jwt.RegisteredClaims
}

// Principal derives the request-scoped identity from verified claims.
func (c *Claims) Principal() Principal {
	return Principal{
		SubjectID:  c.Subject,
		TenantID:   c.TenantID,
		Role:       c.Role,
		SessionID:  c.SessionID,
		Verified:   c.Verified,
		MFAEnabled: c.MFAEnabled,
	}
}

// Codec creates and parses signed tokens. It is stateless apart from the
// keyring and performs no I/O.
type Codec struct {
	keys   *Keyring
	issuer string
	now    func() time.Time
}

// CodecOption configures Codec behavior.
type CodecOption func(*Codec)

// WithCodecIssuer overrides the issuer claim.
func WithCodecIssuer(issuer string) CodecOption {
	return func(c *Codec) {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			c.issuer = issuer
		}
	}
}

// WithCodecClock overrides the time source (useful for tests).
func WithCodecClock(fn func() time.Time) CodecOption {
	return func(c *Codec) {
		if fn != nil {
			c.now = fn
		}
	}
}

// NewCodec constructs a Codec signing with the active key of keys and
// verifying against its full trusted set.
func NewCodec(keys *Keyring, opts ...CodecOption) *Codec {
	c := &Codec{keys: keys, issuer: defaultIssuer, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Issue signs a token of the given kind for principal with the given ttl.
// The returned claims expose the generated jti and timestamps.
func (c *Codec) Issue(principal Principal, kind TokenKind, ttl time.Duration) (string, Claims, error) {
	if principal.SubjectID == "" || principal.TenantID == "" {
		return "", Claims{}, fmt.Errorf("%w: principal must carry subject and tenant", ErrInvalidInput)
	}
	if ttl <= 0 {
		return "", Claims{}, fmt.Errorf("%w: ttl must be greater than zero", ErrInvalidInput)
	}
	kid, secret, ok := c.keys.signingKey()
	if !ok {
		return "", Claims{}, ErrNoSigningKey
	}

	now := c.now().UTC()
	claims := Claims{
		TenantID:   principal.TenantID,
		Role:       principal.Role,
		SessionID:  principal.SessionID,
		Kind:       kind,
		Verified:   principal.Verified,
		MFAEnabled: principal.MFAEnabled,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.issuer,
			Subject:   principal.SubjectID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["kid"] = kid
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", Claims{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, claims, nil
}

// ParseAndVerify checks structure and signature of raw, then validates the
// claim set against the codec clock. Each failure mode is distinguishable:
// ErrMalformedToken, ErrSignatureInvalid, ErrTokenExpired,
// ErrTokenNotYetValid or ErrUnknownKey.
func (c *Codec) ParseAndVerify(raw string) (*Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrMalformedToken
	}

	// Claim timestamps are validated by hand below so that the skew
	// constant and the exact-expiry boundary live in one place.
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	parsed, err := parser.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, ErrMalformedToken
		}
		secret, ok := c.keys.verificationKey(kid)
		if !ok {
			return nil, ErrUnknownKey
		}
		return secret, nil
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrUnknownKey):
			return nil, ErrUnknownKey
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, ErrSignatureInvalid
		default:
			return nil, ErrMalformedToken
		}
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok {
		return nil, ErrMalformedToken
	}
	if err := c.validateClaims(claims); err != nil {
		return nil, err
	}
	return claims, nil
}

func (c *Codec) validateClaims(claims *Claims) error {
	if strings.TrimSpace(claims.Subject) == "" || strings.TrimSpace(claims.TenantID) == "" {
		return ErrMalformedToken
	}
	if claims.Kind != KindAccess && claims.Kind != KindRefresh {
		return ErrMalformedToken
	}
	if claims.IssuedAt == nil || claims.ExpiresAt == nil {
		return ErrMalformedToken
	}
	if !claims.ExpiresAt.Time.After(claims.IssuedAt.Time) {
		return ErrMalformedToken
	}
	if claims.Issuer != c.issuer {
		return ErrMalformedToken
	}
	now := c.now().UTC()
	// A token is invalid exactly at its expiry instant, not only after it.
	if !now.Before(claims.ExpiresAt.Time) {
		return ErrTokenExpired
	}
	if claims.IssuedAt.Time.After(now.Add(ClockSkewTolerance)) {
		return ErrTokenNotYetValid
	}
	return nil
}
