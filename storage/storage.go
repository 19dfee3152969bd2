// Package storage defines the repositories the authorization server core depends on.
package storage

import (
	"context"
	"slices"
	"time"
)

// Client types.
const (
	ClientTypeConfidential = "confidential"
	ClientTypePublic       = "public"
)

// Grant types a client may be registered for. GrantTypeImplicit gates
// response_type=token on the authorization endpoint.
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeImplicit          = "implicit"
	GrantTypePassword          = "password"
	GrantTypeClientCredentials = "client_credentials"
	GrantTypeRefreshToken      = "refresh_token"
)

// ClientStore manages registered OAuth clients.
type ClientStore interface {
	// SaveClient creates or replaces a client keyed by ClientID.
	SaveClient(ctx context.Context, client *Client) error

	// GetClient returns ErrClientNotFound when the client does not exist.
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// DeleteClient removes a client. Deleting an unknown client returns ErrClientNotFound.
	DeleteClient(ctx context.Context, clientID string) error

	// ListClients returns every registered client.
	ListClients(ctx context.Context) ([]*Client, error)
}

// UserStore manages resource owners. Users are never deleted by the core.
type UserStore interface {
	// CreateUser stores a new user. Returns ErrUserExists if the username is taken.
	CreateUser(ctx context.Context, user *User) error

	// GetUser looks a user up by ID.
	GetUser(ctx context.Context, userID string) (*User, error)

	// GetUserByUsername looks a user up by login name.
	GetUserByUsername(ctx context.Context, username string) (*User, error)

	// UpdateUser replaces the password hash, email and name of an existing
	// user. ID, username and creation time are kept. Returns ErrUserNotFound
	// if the user does not exist.
	UpdateUser(ctx context.Context, user *User) error
}

// CodeStore persists authorization codes.
type CodeStore interface {
	// SaveAuthorizationCode stores a freshly issued code.
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// ConsumeAuthorizationCode atomically reads and deletes a code bound to clientID.
	// Among concurrent callers exactly one receives the code; the others get
	// ErrCodeNotFound. A code bound to a different client is left untouched and
	// ErrClientMismatch is returned. Expiry is not checked here.
	ConsumeAuthorizationCode(ctx context.Context, code, clientID string) (*AuthorizationCode, error)
}

// TokenStore persists opaque access and refresh tokens.
type TokenStore interface {
	SaveAccessToken(ctx context.Context, token *AccessToken) error

	// GetAccessToken returns ErrTokenNotFound for unknown tokens. Expired tokens
	// may still be returned; callers check expiry.
	GetAccessToken(ctx context.Context, token string) (*AccessToken, error)

	// DeleteAccessToken deletes the token only when it belongs to clientID and
	// reports whether anything was deleted.
	DeleteAccessToken(ctx context.Context, token, clientID string) (bool, error)

	SaveRefreshToken(ctx context.Context, token *RefreshToken) error

	GetRefreshToken(ctx context.Context, token string) (*RefreshToken, error)

	DeleteRefreshToken(ctx context.Context, token, clientID string) (bool, error)

	// ConsumeRefreshToken atomically reads and deletes a refresh token bound to
	// clientID. Same contract as ConsumeAuthorizationCode.
	ConsumeRefreshToken(ctx context.Context, token, clientID string) (*RefreshToken, error)
}

// TokenRevocationStore supports per-user bulk operations.
// It is optional; all stores in this module implement it.
type TokenRevocationStore interface {
	// RevokeAllTokensForUserClient deletes every access token, refresh token and
	// authorization code the user granted to the client. Returns the number removed.
	RevokeAllTokensForUserClient(ctx context.Context, userID, clientID string) (int, error)

	// ListAccessTokensForUser returns the user's stored access tokens, expired ones included.
	ListAccessTokensForUser(ctx context.Context, userID string) ([]*AccessToken, error)
}

// Store is the full set of repositories a backend provides.
type Store interface {
	ClientStore
	UserStore
	CodeStore
	TokenStore
	TokenRevocationStore
}

// Client represents a registered OAuth client.
type Client struct {
	ID               string
	ClientID         string
	ClientSecretHash string // bcrypt hash, empty for public clients
	ClientType       string
	Name             string
	RedirectURIs     []string
	GrantTypes       []string
	Scopes           []string
	OwnerID          string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// IsPublic reports whether the client cannot hold a secret.
func (c *Client) IsPublic() bool {
	return c.ClientType == ClientTypePublic
}

// AllowsGrant reports whether grantType is in the client's GrantTypes.
func (c *Client) AllowsGrant(grantType string) bool {
	return slices.Contains(c.GrantTypes, grantType)
}

// User is a resource owner.
type User struct {
	ID           string
	Username     string
	PasswordHash string
	Email        string
	Name         string
	CreatedAt    time.Time
}

// AuthorizationCode is a single-use code issued by the authorization endpoint.
type AuthorizationCode struct {
	Code        string
	UserID      string
	ClientID    string
	Scopes      []string
	RedirectURI string
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// AccessToken is an opaque bearer token. For the client_credentials grant
// UserID holds the client identifier.
type AccessToken struct {
	Token     string
	UserID    string
	ClientID  string
	Scopes    []string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// RefreshToken is a long-lived token used to obtain new access tokens.
type RefreshToken struct {
	Token     string
	UserID    string
	ClientID  string
	Scopes    []string
	CreatedAt time.Time
	ExpiresAt time.Time
}
