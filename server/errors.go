package server

import (
	"errors"
	"fmt"
	"net/http"
)

// OAuth 2.0 error codes (RFC 6749 Section 5.2 and 4.1.2.1, RFC 6750 Section 3.1).
const (
	ErrorCodeInvalidRequest          = "invalid_request"
	ErrorCodeInvalidClient           = "invalid_client"
	ErrorCodeInvalidGrant            = "invalid_grant"
	ErrorCodeUnauthorizedClient      = "unauthorized_client"
	ErrorCodeUnsupportedGrantType    = "unsupported_grant_type"
	ErrorCodeUnsupportedResponseType = "unsupported_response_type"
	ErrorCodeInvalidScope            = "invalid_scope"
	ErrorCodeAccessDenied            = "access_denied"
	ErrorCodeInvalidToken            = "invalid_token"
	ErrorCodeServerError             = "server_error"
)

var (
	// ErrUnauthenticated is returned by Authorize when no end-user subject was supplied.
	// The caller should send the user to log in and retry.
	ErrUnauthenticated = errors.New("authenticated subject required")

	// ErrInvalidCredentials is returned by CredentialVerifier.Verify for an unknown
	// user or a wrong password. The two cases are deliberately indistinguishable.
	ErrInvalidCredentials = errors.New("invalid username or password")
)

// Error is an OAuth 2.0 protocol error. Status is the HTTP status the error
// maps to when rendered directly rather than redirected.
type Error struct {
	Code        string
	Description string
	Status      int

	// Err is the collaborator failure behind a server_error. It is never
	// shown to clients.
	Err error
}

func (e *Error) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a new OAuth error
func NewError(code, description string, status int) *Error {
	return &Error{
		Code:        code,
		Description: description,
		Status:      status,
	}
}

// ErrInvalidRequest indicates the request is malformed or missing required parameters
func ErrInvalidRequest(desc string) *Error {
	return NewError(ErrorCodeInvalidRequest, desc, http.StatusBadRequest)
}

// ErrInvalidClient indicates client authentication failed
func ErrInvalidClient(desc string) *Error {
	return NewError(ErrorCodeInvalidClient, desc, http.StatusUnauthorized)
}

// ErrInvalidGrant indicates the code, refresh token or resource owner
// credentials are invalid, expired or were issued to another client
func ErrInvalidGrant(desc string) *Error {
	return NewError(ErrorCodeInvalidGrant, desc, http.StatusBadRequest)
}

func ErrUnauthorizedClient(desc string) *Error {
	return NewError(ErrorCodeUnauthorizedClient, desc, http.StatusBadRequest)
}

func ErrUnsupportedGrantType(desc string) *Error {
	return NewError(ErrorCodeUnsupportedGrantType, desc, http.StatusBadRequest)
}

func ErrUnsupportedResponseType(desc string) *Error {
	return NewError(ErrorCodeUnsupportedResponseType, desc, http.StatusBadRequest)
}

func ErrInvalidScope(desc string) *Error {
	return NewError(ErrorCodeInvalidScope, desc, http.StatusBadRequest)
}

// ErrAccessDenied indicates the resource owner declined. It is normally
// redirected; 403 applies only when it has to be rendered.
func ErrAccessDenied(desc string) *Error {
	return NewError(ErrorCodeAccessDenied, desc, http.StatusForbidden)
}

// ErrInvalidToken indicates a bearer token is unknown or expired
func ErrInvalidToken(desc string) *Error {
	return NewError(ErrorCodeInvalidToken, desc, http.StatusUnauthorized)
}

// ErrServerError wraps an unexpected collaborator failure
func ErrServerError(desc string, err error) *Error {
	e := NewError(ErrorCodeServerError, desc, http.StatusInternalServerError)
	e.Err = err
	return e
}

// AsError returns err as an *Error, wrapping anything else as server_error.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var oauthErr *Error
	if errors.As(err, &oauthErr) {
		return oauthErr
	}
	return ErrServerError("internal error", err)
}
