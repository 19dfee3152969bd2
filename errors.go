package oauth

import (
	"github.com/giantswarm/oauth-core/server"
)

// OAuth error codes as constants
const (
	ErrorCodeInvalidRequest          = server.ErrorCodeInvalidRequest
	ErrorCodeInvalidClient           = server.ErrorCodeInvalidClient
	ErrorCodeInvalidGrant            = server.ErrorCodeInvalidGrant
	ErrorCodeUnauthorizedClient      = server.ErrorCodeUnauthorizedClient
	ErrorCodeUnsupportedGrantType    = server.ErrorCodeUnsupportedGrantType
	ErrorCodeUnsupportedResponseType = server.ErrorCodeUnsupportedResponseType
	ErrorCodeInvalidScope            = server.ErrorCodeInvalidScope
	ErrorCodeAccessDenied            = server.ErrorCodeAccessDenied
	ErrorCodeInvalidToken            = server.ErrorCodeInvalidToken
	ErrorCodeServerError             = server.ErrorCodeServerError

	// ErrorCodeInsufficientScope is returned by RequireScope (RFC 6750 Section 3.1).
	ErrorCodeInsufficientScope = "insufficient_scope"

	// ErrorCodeLoginRequired is rendered when the authorization endpoint has
	// no authenticated user and no LoginURL to send them to.
	ErrorCodeLoginRequired = "login_required"

	ErrorCodeRateLimitExceeded = "rate_limit_exceeded"
)

// Error is an OAuth 2.0 protocol error.
type Error = server.Error

// NewError creates a new OAuth error
func NewError(code, description string, status int) *Error {
	return server.NewError(code, description, status)
}
