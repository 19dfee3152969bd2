package storage

import "errors"

var (
	ErrClientNotFound = errors.New("client not found")
	ErrClientExists   = errors.New("client already exists")
	ErrUserNotFound   = errors.New("user not found")
	ErrUserExists     = errors.New("user already exists")
	ErrCodeNotFound   = errors.New("authorization code not found")
	ErrTokenNotFound  = errors.New("token not found")

	// ErrClientMismatch is returned by conditional consume operations when the
	// record exists but is bound to another client.
	ErrClientMismatch = errors.New("record bound to a different client")
)

// IsNotFound reports whether err signals a missing record of any kind.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrClientNotFound) ||
		errors.Is(err, ErrUserNotFound) ||
		errors.Is(err, ErrCodeNotFound) ||
		errors.Is(err, ErrTokenNotFound)
}
