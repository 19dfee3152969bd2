package security

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// DefaultBcryptCost is the work factor for new password and client secret hashes.
const DefaultBcryptCost = 10

// DummyHash is a valid bcrypt hash compared against when the looked-up
// principal does not exist, so that unknown and known identifiers take the
// same time to reject.
const DummyHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// ErrPasswordMismatch is returned by PasswordHasher.Compare on a wrong password.
var ErrPasswordMismatch = errors.New("password does not match")

// PasswordHasher hashes and verifies user passwords and client secrets.
type PasswordHasher interface {
	Hash(plaintext string) (string, error)

	// Compare returns nil on a match and ErrPasswordMismatch otherwise.
	// It must run in time independent of where the inputs differ.
	Compare(hash, plaintext string) error
}

// BcryptHasher implements PasswordHasher with bcrypt.
type BcryptHasher struct {
	// Cost is the bcrypt work factor. Zero means DefaultBcryptCost.
	Cost int
}

func (h BcryptHasher) Hash(plaintext string) (string, error) {
	cost := h.Cost
	if cost == 0 {
		cost = DefaultBcryptCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), cost)
	if err != nil {
		return "", fmt.Errorf("bcrypt hash: %w", err)
	}
	return string(hash), nil
}

func (h BcryptHasher) Compare(hash, plaintext string) error {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext))
	if err == nil {
		return nil
	}
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return ErrPasswordMismatch
	}
	return fmt.Errorf("%w: %v", ErrPasswordMismatch, err)
}

// CompareOrDummy verifies plaintext against hash, falling back to DummyHash
// when hash is empty. It always performs one hash comparison and fails
// whenever hash was empty.
func CompareOrDummy(h PasswordHasher, hash, plaintext string) error {
	if hash == "" {
		_ = h.Compare(DummyHash, plaintext)
		return ErrPasswordMismatch
	}
	return h.Compare(hash, plaintext)
}
