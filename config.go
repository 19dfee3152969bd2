package oauth

import (
	"log/slog"
	"net/http"

	"github.com/giantswarm/oauth-core/internal/util"
	"github.com/giantswarm/oauth-core/server"
)

// Endpoint paths registered by Handler.RegisterRoutes.
const (
	AuthorizationPath           = "/oauth/authorize"
	TokenPath                   = "/oauth/token"
	RevocationPath              = "/oauth/revoke"
	IntrospectionPath           = "/oauth/introspect"
	AuthorizationsPath          = "/oauth/authorizations"
	AuthorizationServerMetaPath = "/.well-known/oauth-authorization-server"
)

// SubjectResolver returns the end user behind an authorization request, or
// (nil, nil) when nobody is logged in. Login and consent pages are outside
// this module; the resolver is where they plug in.
type SubjectResolver func(r *http.Request) (*server.AuthenticatedSubject, error)

// Config holds the HTTP handler configuration
type Config struct {
	// Issuer is the base URL of the server (RFC 8414). Endpoint URLs in the
	// metadata document are built from it.
	Issuer string

	// SubjectResolver identifies the logged-in user at the authorization
	// endpoint. Without one every authorization request is unauthenticated.
	SubjectResolver SubjectResolver

	// LoginURL receives unauthenticated authorization requests, with the
	// original request URL in the return_to parameter. When empty such
	// requests get a 401 login_required error.
	LoginURL string

	// AllowAnonymousIntrospection lets callers introspect without client
	// authentication. Off by default, since open introspection lets anyone
	// test whether guessed tokens are live.
	AllowAnonymousIntrospection bool

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers.
	// Only enable behind a trusted reverse proxy.
	TrustProxy bool

	// TrustedProxyCount is the number of proxies in front of the server.
	// Default: 1
	TrustedProxyCount int

	// RateLimit limits requests per client IP on every endpoint.
	RateLimit RateLimitConfig

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	// RequestsPerSecond allowed per IP. Zero disables limiting.
	RequestsPerSecond float64

	// Burst is the maximum burst size allowed per IP. Default: 2x the rate, at least 1.
	Burst int

	// MaxEntries caps the number of tracked IPs. Default: 10000.
	MaxEntries int
}

func applyConfigDefaults(config *Config) *Config {
	if config == nil {
		config = &Config{}
	}
	c := *config
	c.Issuer = util.NormalizeURL(c.Issuer)
	if c.TrustedProxyCount <= 0 {
		c.TrustedProxyCount = 1
	}
	if c.RateLimit.RequestsPerSecond > 0 && c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = max(1, int(2*c.RateLimit.RequestsPerSecond))
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return &c
}

// AuthorizationEndpoint returns the full URL of the authorization endpoint.
func (c *Config) AuthorizationEndpoint() string {
	return c.Issuer + AuthorizationPath
}

// TokenEndpoint returns the full URL of the token endpoint.
func (c *Config) TokenEndpoint() string {
	return c.Issuer + TokenPath
}

// RevocationEndpoint returns the full URL of the revocation endpoint.
func (c *Config) RevocationEndpoint() string {
	return c.Issuer + RevocationPath
}

// IntrospectionEndpoint returns the full URL of the introspection endpoint.
func (c *Config) IntrospectionEndpoint() string {
	return c.Issuer + IntrospectionPath
}
