package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
)

const signingSecretLength = 32

// Keyring holds the trusted verification keys and the single active
// signing key. Rotation is a rare administrative write; reads take the
// shared lock only for the instant the active pointer is consulted.
type Keyring struct {
	mu     sync.RWMutex
	active string
	keys   map[string][]byte
}

// NewKeyring constructs an empty keyring. Issuing tokens before the first
// Rotate (or Add plus Activate) fails with ErrNoSigningKey.
func NewKeyring() *Keyring {
	return &Keyring{keys: make(map[string][]byte)}
}

// Add registers secret as a trusted verification key under kid without
// touching the active signing key.
func (k *Keyring) Add(kid string, secret []byte) error {
	if kid == "" || len(secret) == 0 {
		return fmt.Errorf("%w: key id and secret are required", ErrInvalidInput)
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[kid] = append([]byte(nil), secret...)
	return nil
}

// Activate makes a previously added key the signing key.
func (k *Keyring) Activate(kid string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.keys[kid]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKey, kid)
	}
	k.active = kid
	return nil
}

// Rotate installs secret as the new active signing key and returns its key
// id. If secret is nil a fresh random secret is generated. Previous keys
// stay in the trusted verification set until explicitly retired.
func (k *Keyring) Rotate(secret []byte) (string, error) {
	if secret == nil {
		secret = make([]byte, signingSecretLength)
		if _, err := rand.Read(secret); err != nil {
			return "", fmt.Errorf("rotate signing key: %w", err)
		}
	}
	kid := keyID(secret)
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[kid] = append([]byte(nil), secret...)
	k.active = kid
	return kid, nil
}

// Retire removes kid from the trusted verification set. Tokens signed
// under it fail with ErrUnknownKey afterwards. Retiring the active key also
// clears the signing key.
func (k *Keyring) Retire(kid string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.keys, kid)
	if k.active == kid {
		k.active = ""
	}
}

// signingKey returns the active key id and secret.
func (k *Keyring) signingKey() (string, []byte, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.active == "" {
		return "", nil, false
	}
	secret, ok := k.keys[k.active]
	return k.active, secret, ok
}

// verificationKey returns the secret trusted under kid.
func (k *Keyring) verificationKey(kid string) ([]byte, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	secret, ok := k.keys[kid]
	return secret, ok
}

func keyID(secret []byte) string {
	sum := sha256.Sum256(secret)
	return hex.EncodeToString(sum[:8])
}
