package auth

import (
	"errors"

	"golang.org/x/crypto/bcrypt"

	tgErrors "github.com/tokengate/host/internal/errors"
)

// Password length bounds. bcrypt ignores input beyond 72 bytes, so longer
// passwords are rejected rather than silently truncated.
const (
	MinPasswordLength = 8
	MaxPasswordLength = 72
)

// DefaultBcryptCost is the hashing cost used when none is configured.
const DefaultBcryptCost = 12

// PasswordVerifier hashes and verifies administrator passwords.
type PasswordVerifier interface {
	Hash(plain string) (string, error)
	Verify(plain, hash string) (bool, error)
}

// PasswordHasher is the bcrypt PasswordVerifier.
type PasswordHasher struct {
	cost int
}

// NewPasswordHasher returns a hasher using cost, or DefaultBcryptCost when
// cost is zero.
func NewPasswordHasher(cost int) *PasswordHasher {
	if cost == 0 {
		cost = DefaultBcryptCost
	}
	return &PasswordHasher{cost: cost}
}

// Hash returns a salted bcrypt hash of plain.
func (h *PasswordHasher) Hash(plain string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), h.cost)
	if err != nil {
		return "", tgErrors.Internal("failed to hash password", err)
	}
	return string(hash), nil
}

// Verify reports whether plain matches hash. A mismatch is (false, nil); a
// malformed hash or any other bcrypt failure is an internal error, never a
// silent mismatch.
func (h *PasswordHasher) Verify(plain, hash string) (bool, error) {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return false, nil
	default:
		return false, tgErrors.Internal("failed to verify password", err)
	}
}

// ValidatePassword enforces the password policy for new and changed passwords.
func ValidatePassword(plain string) error {
	switch {
	case len(plain) < MinPasswordLength:
		return tgErrors.BadRequest("password", "must be at least 8 characters")
	case len(plain) > MaxPasswordLength:
		return tgErrors.BadRequest("password", "must be at most 72 bytes")
	}
	return nil
}
