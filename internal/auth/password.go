package auth

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// DefaultHashCost mirrors the work factor used for newly created
// credentials. Historical hashes created under a lower cost keep verifying
// because bcrypt embeds algorithm and cost in the record itself.
const DefaultHashCost = 12

const generatedPasswordMinLength = 16

var passwordClasses = []string{
	"abcdefghijklmnopqrstuvwxyz",
	"ABCDEFGHIJKLMNOPQRSTUVWXYZ",
	"0123456789",
	"!@#$%^&*()-_=+[]{}<>?",
}

// Hasher performs one-way password hashing and verification.
type Hasher struct {
	cost  int
	dummy []byte
}

// NewHasher constructs a Hasher with the given bcrypt cost. Costs outside
// the supported range are clamped to DefaultHashCost.
func NewHasher(cost int) *Hasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = DefaultHashCost
	}
	// The dummy record keeps verification work constant when the stored
	// hash is missing or structurally broken.
	dummy, err := bcrypt.GenerateFromPassword([]byte("tessera-dummy-credential"), cost)
	if err != nil {
		dummy = nil
	}
	return &Hasher{cost: cost, dummy: dummy}
}

// Hash produces a self-describing hash record for plaintext.
func (h *Hasher) Hash(plaintext string) (string, error) {
	if plaintext == "" {
		return "", fmt.Errorf("%w: password is required", ErrInvalidInput)
	}
	record, err := bcrypt.GenerateFromPassword([]byte(plaintext), h.cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(record), nil
}

// Verify reports whether plaintext matches record. It never returns an
// error: empty input, a foreign algorithm or a truncated record all verify
// as false, after burning the same bcrypt work as a wrong password.
func (h *Hasher) Verify(plaintext, record string) bool {
	if plaintext == "" || !strings.HasPrefix(record, "$2") {
		if h.dummy != nil {
			_ = bcrypt.CompareHashAndPassword(h.dummy, []byte(plaintext))
		}
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(record), []byte(plaintext)) == nil
}

// GenerateStrong produces a random credential meeting the strongest
// supported policy: all four character classes, at least
// generatedPasswordMinLength characters.
func (h *Hasher) GenerateStrong(lengthHint int) (string, error) {
	length := lengthHint
	if length < generatedPasswordMinLength {
		length = generatedPasswordMinLength
	}
	all := strings.Join(passwordClasses, "")
	out := make([]byte, 0, length)
	for _, class := range passwordClasses {
		c, err := randomByte(class)
		if err != nil {
			return "", err
		}
		out = append(out, c)
	}
	for len(out) < length {
		c, err := randomByte(all)
		if err != nil {
			return "", err
		}
		out = append(out, c)
	}
	if err := shuffleBytes(out); err != nil {
		return "", err
	}
	return string(out), nil
}

func randomByte(charset string) (byte, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(charset))))
	if err != nil {
		return 0, fmt.Errorf("generate password: %w", err)
	}
	return charset[n.Int64()], nil
}

func shuffleBytes(b []byte) error {
	for i := len(b) - 1; i > 0; i-- {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(i+1)))
		if err != nil {
			return fmt.Errorf("generate password: %w", err)
		}
		j := n.Int64()
		b[i], b[j] = b[j], b[i]
	}
	return nil
}
