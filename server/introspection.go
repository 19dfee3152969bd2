package server

import (
	"context"

	"go.opentelemetry.io/otel/attribute"

	"github.com/giantswarm/oauth-core/instrumentation"
	"github.com/giantswarm/oauth-core/internal/util"
	"github.com/giantswarm/oauth-core/security"
	"github.com/giantswarm/oauth-core/storage"
)

// IntrospectionResponse is the RFC 7662 Section 2.2 response body.
type IntrospectionResponse struct {
	Active    bool   `json:"active"`
	Scope     string `json:"scope,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	Sub       string `json:"sub,omitempty"`
	Username  string `json:"username,omitempty"`
	Exp       int64  `json:"exp,omitempty"`
	Iat       int64  `json:"iat,omitempty"`
	TokenType string `json:"token_type,omitempty"`
}

// IntrospectionService reports whether a token is active.
type IntrospectionService struct {
	store interface {
		storage.TokenStore
		storage.UserStore
	}
	*env
}

// Introspect looks the token up as an access token, then as a refresh token.
// Any failure, including store errors, yields {active: false}.
func (s *IntrospectionService) Introspect(ctx context.Context, token string) *IntrospectionResponse {
	ctx, span := s.startSpan(ctx, "server.Introspect")
	defer span.End()

	resp := s.introspect(ctx, token)

	span.SetAttributes(attribute.Bool(instrumentation.AttrTokenActive, resp.Active))
	if s.metrics != nil {
		s.metrics.RecordIntrospection(ctx, resp.Active)
	}
	return resp
}

func (s *IntrospectionService) introspect(ctx context.Context, token string) *IntrospectionResponse {
	inactive := &IntrospectionResponse{Active: false}
	if token == "" {
		return inactive
	}
	now := s.now()

	at, err := s.store.GetAccessToken(ctx, token)
	if err == nil {
		if security.IsExpired(at.ExpiresAt, now) {
			return inactive
		}
		return s.activeResponse(ctx, at.UserID, at.ClientID, at.Scopes, at.CreatedAt.Unix(), at.ExpiresAt.Unix(), TokenTypeHintAccessToken)
	}
	if !storage.IsNotFound(err) {
		s.logger.Warn("Introspection lookup failed",
			"kind", "access",
			"token_prefix", util.TokenPrefix(token),
			"error", err)
		return inactive
	}

	rt, err := s.store.GetRefreshToken(ctx, token)
	if err != nil {
		if !storage.IsNotFound(err) {
			s.logger.Warn("Introspection lookup failed",
				"kind", "refresh",
				"token_prefix", util.TokenPrefix(token),
				"error", err)
		}
		return inactive
	}
	if security.IsExpired(rt.ExpiresAt, now) {
		return inactive
	}
	return s.activeResponse(ctx, rt.UserID, rt.ClientID, rt.Scopes, rt.CreatedAt.Unix(), rt.ExpiresAt.Unix(), TokenTypeHintRefreshToken)
}

func (s *IntrospectionService) activeResponse(ctx context.Context, subject, clientID string, scopes []string, iat, exp int64, tokenType string) *IntrospectionResponse {
	resp := &IntrospectionResponse{
		Active:    true,
		Scope:     FormatScope(scopes),
		ClientID:  clientID,
		Sub:       subject,
		Exp:       exp,
		Iat:       iat,
		TokenType: tokenType,
	}

	// client_credentials tokens have the client as subject and no user
	if subject != "" && subject != clientID {
		if user, err := s.store.GetUser(ctx, subject); err == nil {
			resp.Username = user.Username
		}
	}
	return resp
}
