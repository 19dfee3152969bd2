package server

import (
	"context"
	"errors"
	"time"

	"github.com/giantswarm/oauth-core/internal/util"
	"github.com/giantswarm/oauth-core/security"
	"github.com/giantswarm/oauth-core/storage"
)

// Token type hints accepted by Revoke (RFC 7009 Section 2.1).
const (
	TokenTypeHintAccessToken  = "access_token"
	TokenTypeHintRefreshToken = "refresh_token"
)

// TokenManager issues, validates, rotates and revokes bearer and refresh tokens.
type TokenManager struct {
	store storage.TokenStore
	*env
}

// IssueAccessToken stores a new access token. subject is the user ID, or
// the client ID for client_credentials.
func (m *TokenManager) IssueAccessToken(ctx context.Context, subject string, client *storage.Client, scopes []string) (*storage.AccessToken, error) {
	now := m.now()
	token := &storage.AccessToken{
		Token:     generateRandomToken(),
		UserID:    subject,
		ClientID:  client.ClientID,
		Scopes:    scopes,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Duration(m.config.AccessTokenTTL) * time.Second),
	}
	if err := m.store.SaveAccessToken(ctx, token); err != nil {
		return nil, ErrServerError("failed to save access token", err)
	}
	return token, nil
}

// IssueRefreshToken stores a new refresh token carrying the granted scopes.
func (m *TokenManager) IssueRefreshToken(ctx context.Context, userID string, client *storage.Client, scopes []string) (*storage.RefreshToken, error) {
	now := m.now()
	token := &storage.RefreshToken{
		Token:     generateRandomToken(),
		UserID:    userID,
		ClientID:  client.ClientID,
		Scopes:    scopes,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Duration(m.config.RefreshTokenTTL) * time.Second),
	}
	if err := m.store.SaveRefreshToken(ctx, token); err != nil {
		return nil, ErrServerError("failed to save refresh token", err)
	}
	return token, nil
}

// ValidateAccessToken returns the stored token if it exists and has not expired.
func (m *TokenManager) ValidateAccessToken(ctx context.Context, token string) (*storage.AccessToken, error) {
	if token == "" {
		return nil, ErrInvalidToken("access token is required")
	}

	at, err := m.store.GetAccessToken(ctx, token)
	if err != nil {
		if storage.IsNotFound(err) {
			m.logger.Debug("Access token validation failed",
				"reason", "not_found",
				"token_prefix", util.TokenPrefix(token))
			return nil, ErrInvalidToken("access token is invalid or expired")
		}
		return nil, ErrServerError("failed to load access token", err)
	}

	if security.IsExpired(at.ExpiresAt, m.now()) {
		m.logger.Debug("Access token validation failed",
			"reason", "expired",
			"client_id", at.ClientID,
			"token_prefix", util.TokenPrefix(token))
		return nil, ErrInvalidToken("access token is invalid or expired")
	}
	return at, nil
}

// ValidateRefreshToken checks a refresh token without consuming it.
func (m *TokenManager) ValidateRefreshToken(ctx context.Context, token string, client *storage.Client) (*storage.RefreshToken, error) {
	if token == "" {
		return nil, ErrInvalidRequest("refresh_token is required")
	}

	rt, err := m.store.GetRefreshToken(ctx, token)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, m.rejectRefresh(client.ClientID, token, "not_found")
		}
		return nil, ErrServerError("failed to load refresh token", err)
	}
	if rt.ClientID != client.ClientID {
		return nil, m.rejectRefresh(client.ClientID, token, "client_id_mismatch")
	}
	if security.IsExpired(rt.ExpiresAt, m.now()) {
		return nil, m.rejectRefresh(client.ClientID, token, "expired")
	}
	return rt, nil
}

// RotateRefreshToken consumes the refresh token atomically. Of concurrent
// callers presenting the same token exactly one succeeds.
func (m *TokenManager) RotateRefreshToken(ctx context.Context, token string, client *storage.Client) (*storage.RefreshToken, error) {
	if token == "" {
		return nil, ErrInvalidRequest("refresh_token is required")
	}

	rt, err := m.store.ConsumeRefreshToken(ctx, token, client.ClientID)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrClientMismatch):
			return nil, m.rejectRefresh(client.ClientID, token, "client_id_mismatch")
		case storage.IsNotFound(err):
			return nil, m.rejectRefresh(client.ClientID, token, "not_found")
		default:
			return nil, ErrServerError("failed to consume refresh token", err)
		}
	}

	if security.IsExpired(rt.ExpiresAt, m.now()) {
		return nil, m.rejectRefresh(client.ClientID, token, "expired")
	}
	return rt, nil
}

func (m *TokenManager) rejectRefresh(clientID, token, reason string) error {
	m.logger.Debug("Refresh token validation failed",
		"reason", reason,
		"client_id", clientID,
		"token_prefix", util.TokenPrefix(token))
	m.auditor.LogEvent(security.Event{
		Type:     security.EventInvalidGrant,
		ClientID: clientID,
		Details:  map[string]any{"reason": reason, "grant_type": storage.GrantTypeRefreshToken},
	})
	return ErrInvalidGrant("refresh token is invalid or expired")
}

// Revoke deletes token if it belongs to client (RFC 7009). The hint only
// decides which kind is tried first. Unknown tokens are not an error; the
// returned kind is empty when nothing was deleted.
func (m *TokenManager) Revoke(ctx context.Context, token string, client *storage.Client, hint string) (string, error) {
	if token == "" {
		return "", nil
	}

	type deleter struct {
		kind string
		fn   func(context.Context, string, string) (bool, error)
	}
	order := []deleter{
		{"access", m.store.DeleteAccessToken},
		{"refresh", m.store.DeleteRefreshToken},
	}
	if hint == TokenTypeHintRefreshToken {
		order[0], order[1] = order[1], order[0]
	}

	for _, d := range order {
		deleted, err := d.fn(ctx, token, client.ClientID)
		if err != nil {
			return "", ErrServerError("failed to revoke token", err)
		}
		if deleted {
			m.logger.Info("Revoked token",
				"kind", d.kind,
				"client_id", client.ClientID,
				"token_prefix", util.TokenPrefix(token))
			return d.kind, nil
		}
	}

	m.logger.Debug("Revocation of unknown token ignored",
		"client_id", client.ClientID,
		"token_prefix", util.TokenPrefix(token))
	return "", nil
}
