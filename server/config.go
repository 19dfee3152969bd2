package server

import (
	"log/slog"
)

// Default lifetimes in seconds.
const (
	DefaultAuthorizationCodeTTL = 600     // 10 minutes
	DefaultAccessTokenTTL       = 3600    // 1 hour
	DefaultRefreshTokenTTL      = 2592000 // 30 days
)

// Config holds OAuth server configuration
type Config struct {
	// AuthorizationCodeTTL is how long authorization codes are valid
	AuthorizationCodeTTL int64 // seconds, default: 600 (10 minutes)

	// AccessTokenTTL is how long access tokens are valid
	AccessTokenTTL int64 // seconds, default: 3600 (1 hour)

	// RefreshTokenTTL is how long refresh tokens are valid
	RefreshTokenTTL int64 // seconds, default: 2592000 (30 days)

	// DisableRefreshTokenRotation keeps the presented refresh token valid on
	// renewal instead of replacing it with a new one.
	// Default: false (rotation on)
	DisableRefreshTokenRotation bool

	// SupportedScopes restricts the scopes a client may be registered with.
	// If empty, any scope is accepted at registration.
	SupportedScopes []string

	// BcryptCost is the work factor for new secrets and passwords.
	// Default: 10
	BcryptCost int
}

// applySecureDefaults fills unset values and logs warnings for insecure settings.
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	validateTimeConfig(config, logger)
	applyTimeDefaults(config)

	if config.BcryptCost == 0 {
		config.BcryptCost = 10
	}

	logSecurityWarnings(config, logger)
	return config
}

// applyTimeDefaults sets default values for time-based configuration
func applyTimeDefaults(config *Config) {
	if config.AuthorizationCodeTTL == 0 {
		config.AuthorizationCodeTTL = DefaultAuthorizationCodeTTL
	}
	if config.AccessTokenTTL == 0 {
		config.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if config.RefreshTokenTTL == 0 {
		config.RefreshTokenTTL = DefaultRefreshTokenTTL
	}
}

// validateTimeConfig resets negative lifetimes so the defaults apply.
func validateTimeConfig(config *Config, logger *slog.Logger) {
	ttls := []struct {
		name  string
		value *int64
	}{
		{"AuthorizationCodeTTL", &config.AuthorizationCodeTTL},
		{"AccessTokenTTL", &config.AccessTokenTTL},
		{"RefreshTokenTTL", &config.RefreshTokenTTL},
	}
	for _, ttl := range ttls {
		if *ttl.value < 0 {
			logger.Warn("CONFIGURATION WARNING: Negative lifetime replaced by default",
				"setting", ttl.name,
				"value", *ttl.value)
			*ttl.value = 0
		}
	}
}

// logSecurityWarnings logs warnings for insecure configuration settings
func logSecurityWarnings(config *Config, logger *slog.Logger) {
	if config.DisableRefreshTokenRotation {
		logger.Warn("SECURITY WARNING: Refresh token rotation is DISABLED",
			"risk", "A leaked refresh token stays usable until it expires",
			"recommendation", "Leave DisableRefreshTokenRotation=false")
	}
	if config.AuthorizationCodeTTL > DefaultAuthorizationCodeTTL {
		logger.Warn("SECURITY WARNING: Long authorization code lifetime",
			"authorization_code_ttl", config.AuthorizationCodeTTL,
			"recommendation", "Keep codes short-lived (RFC 6749 Section 4.1.2 recommends 10 minutes maximum)")
	}
	if config.AccessTokenTTL > config.RefreshTokenTTL {
		logger.Warn("CONFIGURATION WARNING: Access tokens outlive refresh tokens",
			"access_token_ttl", config.AccessTokenTTL,
			"refresh_token_ttl", config.RefreshTokenTTL)
	}
	if config.BcryptCost < 10 {
		logger.Warn("SECURITY WARNING: Low bcrypt cost",
			"bcrypt_cost", config.BcryptCost,
			"recommendation", "Use a cost of at least 10")
	}
}
