package security

import "time"

// IsExpired reports whether a credential expiring at expiresAt is no longer
// valid at now. Expiry is strict: a credential is already invalid at the
// instant now equals expiresAt, and no clock skew allowance is applied.
// A zero expiresAt counts as expired.
func IsExpired(expiresAt, now time.Time) bool {
	return !now.Before(expiresAt)
}

// RemainingSeconds returns the whole seconds left before expiresAt, or 0 if
// the credential is expired.
func RemainingSeconds(expiresAt, now time.Time) int64 {
	if IsExpired(expiresAt, now) {
		return 0
	}
	return int64(expiresAt.Sub(now) / time.Second)
}
