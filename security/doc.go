// Package security holds the security plumbing shared by the server core and
// the HTTP adapter.
//
// # Audit Logging
//
// Auditor writes "security_audit" slog records for token issuance, refresh,
// revocation, failed authentication and registry changes. User IDs are
// logged as a truncated SHA-256 hash. Token values are never logged.
//
// # Passwords and Client Secrets
//
// PasswordHasher abstracts the hash scheme; BcryptHasher is the default.
// CompareOrDummy compares against DummyHash when the principal is unknown so
// that lookups do not leak which identifiers exist through timing.
//
// # Rate Limiting
//
// RateLimiter keeps one token bucket per identifier with LRU eviction and an
// idle sweep, bounding memory under distributed traffic.
//
//	limiter := security.NewRateLimiter(security.RateLimitConfig{
//		RequestsPerSecond: 10,
//		Burst:             20,
//	})
//	defer limiter.Stop()
//
//	if !limiter.Allow(clientIP) {
//		// 429
//	}
//
// # Expiry
//
// IsExpired implements strict expiry: a credential is invalid from the
// instant its expiry time is reached.
package security
