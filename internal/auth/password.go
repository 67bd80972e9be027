package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// temporaryPasswordBytes is the entropy drawn for server-generated
// passwords. 16 random bytes encode to a 24-character base64 string.
const temporaryPasswordBytes = 16

// AuthenticationContext hashes plaintext passwords into storable
// credentials and verifies plaintexts against stored hashes. It holds no
// mutable state beyond its configured cost, so a single instance is safe
// to share across requests.
type AuthenticationContext struct {
	cost int
}

// NewAuthenticationContext returns a context using the given bcrypt cost.
// Costs outside bcrypt's supported range fall back to the library default.
func NewAuthenticationContext(cost int) *AuthenticationContext {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &AuthenticationContext{cost: cost}
}

// HashPassword produces a salted bcrypt hash of the plaintext. Two hashes
// of the same plaintext differ, but both verify.
func (a *AuthenticationContext) HashPassword(plaintext string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), a.cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// VerifyPassword reports whether the plaintext matches the stored hash.
func (a *AuthenticationContext) VerifyPassword(plaintext, hashed string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hashed), []byte(plaintext)) == nil
}

// GenerateTemporaryPassword draws 128 bits from crypto/rand and renders
// them as a fixed-length printable base64 string. Used for the one-time
// password returned on user creation.
func GenerateTemporaryPassword() (string, error) {
	buf := make([]byte, temporaryPasswordBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate password: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}
