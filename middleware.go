package oauth

import (
	"context"
	"net/http"
	"strings"

	"github.com/giantswarm/oauth-core/server"
	"github.com/giantswarm/oauth-core/storage"
)

type contextKey string

const accessTokenKey contextKey = "access_token"

// AccessTokenFromContext returns the token validated by ValidateToken.
func AccessTokenFromContext(ctx context.Context) (*storage.AccessToken, bool) {
	at, ok := ctx.Value(accessTokenKey).(*storage.AccessToken)
	return at, ok && at != nil
}

// ContextWithAccessToken stores a validated access token in the context.
func ContextWithAccessToken(ctx context.Context, at *storage.AccessToken) context.Context {
	return context.WithValue(ctx, accessTokenKey, at)
}

// ValidateToken is middleware for resource servers. It requires a valid
// bearer access token (RFC 6750 Section 2.1) and makes it available through
// AccessTokenFromContext.
func (h *Handler) ValidateToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := h.extractBearerToken(w, r)
		if !ok {
			return
		}

		at, err := h.server.Tokens.ValidateAccessToken(r.Context(), token)
		if err != nil {
			oauthErr := server.AsError(err)
			if oauthErr.Code == ErrorCodeServerError {
				h.logger.Error("Token validation failed", "error", err)
			}
			h.writeError(w, oauthErr)
			return
		}

		next.ServeHTTP(w, r.WithContext(ContextWithAccessToken(r.Context(), at)))
	})
}

// RequireScope returns middleware that answers 403 insufficient_scope unless
// the validated token carries every listed scope. It must run inside ValidateToken.
func (h *Handler) RequireScope(scopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			at, ok := AccessTokenFromContext(r.Context())
			if !ok {
				h.writeError(w, server.ErrInvalidToken("access token required"))
				return
			}

			if !h.server.Scopes.Contains(at.Scopes, scopes) {
				h.logger.Debug("Insufficient scope",
					"client_id", at.ClientID,
					"granted", server.FormatScope(at.Scopes),
					"required", server.FormatScope(scopes))
				h.writeInsufficientScopeError(w, scopes)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// extractBearerToken extracts the Bearer token from the Authorization header.
// Returns the token and true if successful, or writes an error and returns false.
func (h *Handler) extractBearerToken(w http.ResponseWriter, r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		h.writeError(w, server.ErrInvalidToken("missing Authorization header"))
		return "", false
	}

	scheme, token, found := strings.Cut(authHeader, " ")
	if !found || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(token) == "" {
		h.writeError(w, server.ErrInvalidToken("invalid Authorization header format"))
		return "", false
	}

	return strings.TrimSpace(token), true
}
