// Package admin gates the admin surface (breaker reset/force-open,
// idempotency clear, queue stats) behind a single bcrypt-hashed
// operator credential.
package admin

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// ErrUnauthorized is returned by Authorize when the token does not
// verify against the configured hash.
var ErrUnauthorized = errors.New("admin: invalid token")

// Guard holds the bcrypt hash of the configured admin token.
type Guard struct {
	tokenHash []byte
}

// NewGuard wraps an already-hashed admin token (e.g. loaded from
// config's admin.tokenHash).
func NewGuard(tokenHash string) *Guard {
	return &Guard{tokenHash: []byte(tokenHash)}
}

// HashToken produces the bcrypt hash an operator stores in
// admin.tokenHash; it is not called on the request path.
func HashToken(plaintext string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// Authorize performs a constant-time check of token against the
// configured hash. Every admin-interface entry point must call this
// before taking any action.
func (g *Guard) Authorize(token string) error {
	if len(g.tokenHash) == 0 {
		return ErrUnauthorized
	}
	if err := bcrypt.CompareHashAndPassword(g.tokenHash, []byte(token)); err != nil {
		return ErrUnauthorized
	}
	return nil
}
