package server

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/giantswarm/oauth-core/security"
	"github.com/giantswarm/oauth-core/storage"
)

// Authorization summarizes what a user has granted one client.
type Authorization struct {
	ClientID   string    `json:"client_id"`
	ClientName string    `json:"client_name,omitempty"`
	Scopes     []string  `json:"scopes"`
	IssuedAt   time.Time `json:"issued_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	ExpiresIn  int64     `json:"expires_in"`
}

// ListAuthorizations groups the user's live access tokens by client, with
// the union of their scopes and the most recent issue time.
func (s *Server) ListAuthorizations(ctx context.Context, userID string) ([]Authorization, error) {
	tokens, err := s.store.ListAccessTokensForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list access tokens: %w", err)
	}

	now := s.env.now()
	byClient := make(map[string]*Authorization)
	var order []string

	for _, t := range tokens {
		if security.IsExpired(t.ExpiresAt, now) {
			continue
		}
		a, ok := byClient[t.ClientID]
		if !ok {
			a = &Authorization{ClientID: t.ClientID}
			byClient[t.ClientID] = a
			order = append(order, t.ClientID)
		}
		for _, scope := range t.Scopes {
			if !slices.Contains(a.Scopes, scope) {
				a.Scopes = append(a.Scopes, scope)
			}
		}
		if t.CreatedAt.After(a.IssuedAt) {
			a.IssuedAt = t.CreatedAt
		}
		if t.ExpiresAt.After(a.ExpiresAt) {
			a.ExpiresAt = t.ExpiresAt
		}
	}

	result := make([]Authorization, 0, len(order))
	for _, clientID := range order {
		a := byClient[clientID]
		a.ExpiresIn = security.RemainingSeconds(a.ExpiresAt, now)
		if client, err := s.store.GetClient(ctx, clientID); err == nil {
			a.ClientName = client.Name
		} else if !storage.IsNotFound(err) {
			return nil, fmt.Errorf("failed to load client %s: %w", clientID, err)
		}
		result = append(result, *a)
	}
	return result, nil
}

// RevokeAccess withdraws everything the user granted the client: access
// tokens, refresh tokens and unredeemed codes. It returns how many were removed.
func (s *Server) RevokeAccess(ctx context.Context, userID, clientID string) (int, error) {
	ctx, span := s.env.startSpan(ctx, "server.RevokeAccess")
	defer span.End()

	count, err := s.store.RevokeAllTokensForUserClient(ctx, userID, clientID)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke access: %w", err)
	}

	s.env.auditor.LogAllTokensRevoked(userID, clientID, count)
	s.Logger.Info("Revoked client access",
		"user_id", userID,
		"client_id", clientID,
		"revoked", count)
	return count, nil
}
