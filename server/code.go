package server

import (
	"context"
	"errors"
	"time"

	"github.com/giantswarm/oauth-core/internal/util"
	"github.com/giantswarm/oauth-core/security"
	"github.com/giantswarm/oauth-core/storage"
)

// AuthorizationCodeManager issues and redeems authorization codes.
type AuthorizationCodeManager struct {
	store storage.CodeStore
	*env
}

// Issue stores a new single-use code bound to the user, client and redirect URI.
func (m *AuthorizationCodeManager) Issue(ctx context.Context, userID string, client *storage.Client, scopes []string, redirectURI string) (*storage.AuthorizationCode, error) {
	now := m.now()
	code := &storage.AuthorizationCode{
		Code:        generateRandomToken(),
		UserID:      userID,
		ClientID:    client.ClientID,
		Scopes:      scopes,
		RedirectURI: redirectURI,
		CreatedAt:   now,
		ExpiresAt:   now.Add(time.Duration(m.config.AuthorizationCodeTTL) * time.Second),
	}

	if err := m.store.SaveAuthorizationCode(ctx, code); err != nil {
		return nil, ErrServerError("failed to save authorization code", err)
	}

	if m.metrics != nil {
		m.metrics.RecordCodeIssued(ctx, client.ClientID)
	}
	m.auditor.LogEvent(security.Event{
		Type:     security.EventAuthorizationCodeIssued,
		UserID:   userID,
		ClientID: client.ClientID,
		Details:  map[string]any{"scope": FormatScope(scopes)},
	})
	return code, nil
}

// Redeem consumes the code for client. The store deletes it in the same step
// that checks the owning client, so a code can only be presented once even
// when the later expiry or redirect URI checks fail.
func (m *AuthorizationCodeManager) Redeem(ctx context.Context, code string, client *storage.Client, redirectURI string) (*storage.AuthorizationCode, error) {
	if code == "" {
		return nil, ErrInvalidRequest("code is required")
	}

	authCode, err := m.store.ConsumeAuthorizationCode(ctx, code, client.ClientID)
	if err != nil {
		reason := "not_found"
		if errors.Is(err, storage.ErrClientMismatch) {
			reason = "client_id_mismatch"
		} else if !storage.IsNotFound(err) {
			return nil, ErrServerError("failed to redeem authorization code", err)
		}
		return nil, m.rejectRedemption(ctx, client.ClientID, code, reason)
	}

	if security.IsExpired(authCode.ExpiresAt, m.now()) {
		return nil, m.rejectRedemption(ctx, client.ClientID, code, "expired")
	}

	if authCode.RedirectURI != redirectURI {
		return nil, m.rejectRedemption(ctx, client.ClientID, code, "redirect_uri_mismatch")
	}

	if m.metrics != nil {
		m.metrics.RecordCodeRedeemed(ctx, client.ClientID, true)
	}
	m.auditor.LogEvent(security.Event{
		Type:     security.EventAuthorizationCodeRedeemed,
		UserID:   authCode.UserID,
		ClientID: client.ClientID,
	})
	return authCode, nil
}

// rejectRedemption logs the detailed reason and returns the generic error.
func (m *AuthorizationCodeManager) rejectRedemption(ctx context.Context, clientID, code, reason string) error {
	m.logger.Debug("Authorization code validation failed",
		"reason", reason,
		"client_id", clientID,
		"code_prefix", util.TokenPrefix(code))
	if m.metrics != nil {
		m.metrics.RecordCodeRedeemed(ctx, clientID, false)
	}
	m.auditor.LogEvent(security.Event{
		Type:     security.EventInvalidGrant,
		ClientID: clientID,
		Details:  map[string]any{"reason": reason, "grant_type": storage.GrantTypeAuthorizationCode},
	})
	return ErrInvalidGrant("authorization code is invalid or expired")
}
