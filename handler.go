package oauth

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth-core/instrumentation"
	"github.com/giantswarm/oauth-core/security"
	"github.com/giantswarm/oauth-core/server"
	"github.com/giantswarm/oauth-core/storage"
)

const (
	maxJSONBodyBytes  = 1 << 20
	retryAfterSeconds = "60"
)

// Handler is a thin HTTP adapter for the OAuth server core.
// It parses requests, delegates to server.Server and renders the results.
type Handler struct {
	server      *server.Server
	config      *Config
	logger      *slog.Logger
	tracer      trace.Tracer // OpenTelemetry tracer for HTTP layer
	rateLimiter *security.RateLimiter
}

// NewHandler creates a new HTTP handler. Call Close to stop the rate limiter.
func NewHandler(srv *server.Server, config *Config) *Handler {
	config = applyConfigDefaults(config)

	h := &Handler{
		server: srv,
		config: config,
		logger: config.Logger,
	}

	if inst := srv.Instrumentation(); inst != nil {
		h.tracer = inst.Tracer("http")
	}

	if config.RateLimit.RequestsPerSecond > 0 {
		h.rateLimiter = security.NewRateLimiter(security.RateLimitConfig{
			RequestsPerSecond: config.RateLimit.RequestsPerSecond,
			Burst:             config.RateLimit.Burst,
			MaxEntries:        config.RateLimit.MaxEntries,
			Logger:            config.Logger,
		})
	}

	return h
}

// Close releases background resources.
func (h *Handler) Close() {
	if h.rateLimiter != nil {
		h.rateLimiter.Stop()
	}
}

// RegisterRoutes mounts every endpoint on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle(AuthorizationPath, h.instrument("authorize", h.ServeAuthorization))
	mux.Handle(TokenPath, h.instrument("token", h.ServeToken))
	mux.Handle(RevocationPath, h.instrument("revoke", h.ServeTokenRevocation))
	mux.Handle(IntrospectionPath, h.instrument("introspect", h.ServeTokenIntrospection))
	mux.Handle(AuthorizationServerMetaPath, h.instrument("metadata", h.ServeAuthorizationServerMetadata))
	mux.Handle(AuthorizationsPath, h.instrument("authorizations",
		h.ValidateToken(http.HandlerFunc(h.ServeAuthorizations)).ServeHTTP))
}

// Routes returns a mux with every endpoint, wrapped in the request ID middleware.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return security.RequestIDMiddleware(mux)
}

// ============================================================
// Authorization endpoint
// ============================================================

// ServeAuthorization handles OAuth authorization requests (RFC 6749 Section 3.1).
// The outcome is a 302 to the client, except for errors that must not be
// redirected, which are rendered as JSON.
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseForm(); err != nil {
		h.writeError(w, server.ErrInvalidRequest("failed to parse request"))
		return
	}

	req := &server.AuthorizeRequest{
		ResponseType: r.Form.Get("response_type"),
		ClientID:     r.Form.Get("client_id"),
		RedirectURI:  r.Form.Get("redirect_uri"),
		Scope:        r.Form.Get("scope"),
		State:        r.Form.Get("state"),
		Denied:       r.Form.Get("decision") == "deny",
		ClientIP:     h.clientIP(r),
	}

	subject, err := h.resolveSubject(r)
	if err != nil {
		h.logger.Error("Failed to resolve authorization subject", "error", err)
		h.writeError(w, server.ErrServerError("failed to resolve subject", err))
		return
	}

	result, err := h.server.Grants.Authorize(r.Context(), req, subject)
	if errors.Is(err, server.ErrUnauthenticated) {
		h.requireLogin(w, r)
		return
	}
	if err != nil {
		h.writeError(w, server.AsError(err))
		return
	}

	security.SetSecurityHeaders(w, h.config.Issuer)
	w.Header().Set("Location", result.RedirectURL)
	w.WriteHeader(http.StatusFound)
}

func (h *Handler) resolveSubject(r *http.Request) (*server.AuthenticatedSubject, error) {
	if h.config.SubjectResolver == nil {
		return nil, nil
	}
	return h.config.SubjectResolver(r)
}

// requireLogin sends the user agent to LoginURL with the authorization
// request as return_to, or answers 401 when no login page is configured.
func (h *Handler) requireLogin(w http.ResponseWriter, r *http.Request) {
	if h.config.LoginURL == "" {
		h.writeError(w, NewError(ErrorCodeLoginRequired, "the user must authenticate", http.StatusUnauthorized))
		return
	}

	params := url.Values{}
	for k, vs := range r.Form {
		if k != "decision" {
			params[k] = vs
		}
	}
	returnTo := AuthorizationPath + "?" + params.Encode()

	loginURL, err := url.Parse(h.config.LoginURL)
	if err != nil {
		h.writeError(w, server.ErrServerError("invalid login URL", err))
		return
	}
	q := loginURL.Query()
	q.Set("return_to", returnTo)
	loginURL.RawQuery = q.Encode()

	security.SetSecurityHeaders(w, h.config.Issuer)
	w.Header().Set("Location", loginURL.String())
	w.WriteHeader(http.StatusFound)
}

// ============================================================
// Token endpoint
// ============================================================

// ServeToken handles the OAuth token endpoint. The body may be form-encoded
// or JSON; client credentials come from HTTP Basic or the body.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	req, oauthErr := h.parseTokenRequest(r)
	if oauthErr != nil {
		h.writeError(w, oauthErr)
		return
	}
	req.ClientIP = h.clientIP(r)

	resp, err := h.server.Grants.Token(r.Context(), req)
	if err != nil {
		h.writeError(w, server.AsError(err))
		return
	}

	security.SetSecurityHeaders(w, h.config.Issuer)
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) parseTokenRequest(r *http.Request) (*server.TokenRequest, *Error) {
	var body tokenRequestBody

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		if err := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxJSONBodyBytes)).Decode(&body); err != nil {
			return nil, server.ErrInvalidRequest("malformed JSON body")
		}
	} else {
		if err := r.ParseForm(); err != nil {
			return nil, server.ErrInvalidRequest("failed to parse request")
		}
		// credentials must not travel in the URL
		f := r.PostForm
		body = tokenRequestBody{
			GrantType:    f.Get("grant_type"),
			ClientID:     f.Get("client_id"),
			ClientSecret: f.Get("client_secret"),
			Code:         f.Get("code"),
			RedirectURI:  f.Get("redirect_uri"),
			Username:     f.Get("username"),
			Password:     f.Get("password"),
			RefreshToken: f.Get("refresh_token"),
			Scope:        f.Get("scope"),
		}
	}

	clientID, clientSecret, oauthErr := clientCredentials(r, body.ClientID, body.ClientSecret)
	if oauthErr != nil {
		return nil, oauthErr
	}

	return &server.TokenRequest{
		GrantType:    body.GrantType,
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Code:         body.Code,
		RedirectURI:  body.RedirectURI,
		Username:     body.Username,
		Password:     body.Password,
		RefreshToken: body.RefreshToken,
		Scope:        body.Scope,
	}, nil
}

// clientCredentials merges HTTP Basic credentials with the body parameters
// (RFC 6749 Section 2.3.1). Using both methods at once is rejected.
func clientCredentials(r *http.Request, formID, formSecret string) (string, string, *Error) {
	basicID, basicSecret, ok := r.BasicAuth()
	if !ok {
		return formID, formSecret, nil
	}

	id, err := url.QueryUnescape(basicID)
	if err != nil {
		return "", "", server.ErrInvalidClient("malformed client credentials")
	}
	secret, err := url.QueryUnescape(basicSecret)
	if err != nil {
		return "", "", server.ErrInvalidClient("malformed client credentials")
	}

	if formSecret != "" {
		return "", "", server.ErrInvalidRequest("client credentials must not be sent in both the header and the body")
	}
	if formID != "" && formID != id {
		return "", "", server.ErrInvalidRequest("client_id does not match the authenticated client")
	}
	return id, secret, nil
}

// authenticateClient runs client authentication for the revocation and
// introspection endpoints.
func (h *Handler) authenticateClient(r *http.Request) (*storage.Client, *Error) {
	clientID, clientSecret, oauthErr := clientCredentials(r, r.PostForm.Get("client_id"), r.PostForm.Get("client_secret"))
	if oauthErr != nil {
		return nil, oauthErr
	}

	client, err := h.server.Clients.AuthenticateClient(r.Context(), clientID, clientSecret)
	if err != nil {
		h.server.Auditor().LogAuthFailure("", clientID, h.clientIP(r), "client_authentication_failed")
		return nil, server.AsError(err)
	}
	return client, nil
}

// ============================================================
// Revocation and introspection
// ============================================================

// ServeTokenRevocation handles the RFC 7009 token revocation endpoint.
// Once the client is authenticated the answer is always 200, whether or not
// the token existed.
func (h *Handler) ServeTokenRevocation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseForm(); err != nil {
		h.writeError(w, server.ErrInvalidRequest("failed to parse request"))
		return
	}

	client, oauthErr := h.authenticateClient(r)
	if oauthErr != nil {
		h.writeError(w, oauthErr)
		return
	}

	token := r.PostForm.Get("token")
	if token == "" {
		h.writeError(w, server.ErrInvalidRequest("token is required"))
		return
	}

	ctx := r.Context()
	hint := r.PostForm.Get("token_type_hint")
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String(instrumentation.AttrClientID, client.ClientID),
		attribute.String(instrumentation.AttrTokenTypeHint, hint))

	kind, err := h.server.Tokens.Revoke(ctx, token, client, hint)
	if err != nil {
		h.logger.Error("Failed to revoke token", "client_id", client.ClientID, "error", err)
	}

	found := kind != ""
	h.server.Auditor().LogTokenRevoked(client.ClientID, h.clientIP(r), kind, found)
	if m := h.metrics(); m != nil {
		m.RecordTokenRevocation(ctx, client.ClientID, found)
	}

	security.SetSecurityHeaders(w, h.config.Issuer)
	writeJSON(w, http.StatusOK, RevocationResponse{Message: "token revoked"})
}

// ServeTokenIntrospection handles the RFC 7662 token introspection endpoint.
// Callers must authenticate as a confidential client unless
// AllowAnonymousIntrospection is set.
func (h *Handler) ServeTokenIntrospection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseForm(); err != nil {
		h.writeError(w, server.ErrInvalidRequest("failed to parse request"))
		return
	}

	if !h.config.AllowAnonymousIntrospection {
		client, oauthErr := h.authenticateClient(r)
		if oauthErr != nil {
			h.writeError(w, oauthErr)
			return
		}
		if client.IsPublic() {
			h.logger.Warn("Token introspection rejected: public client", "client_id", client.ClientID)
			h.writeError(w, server.ErrInvalidClient("introspection requires a confidential client"))
			return
		}
	}

	token := r.PostForm.Get("token")
	if token == "" {
		h.writeError(w, server.ErrInvalidRequest("token is required"))
		return
	}

	resp := h.server.Introspection.Introspect(r.Context(), token)

	security.SetSecurityHeaders(w, h.config.Issuer)
	writeJSON(w, http.StatusOK, resp)
}

// ============================================================
// Discovery
// ============================================================

// ServeAuthorizationServerMetadata serves RFC 8414 Authorization Server Metadata
func (h *Handler) ServeAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	authMethods := []string{"client_secret_basic", "client_secret_post", "none"}
	metadata := AuthorizationServerMetadata{
		Issuer:                 h.config.Issuer,
		AuthorizationEndpoint:  h.config.AuthorizationEndpoint(),
		TokenEndpoint:          h.config.TokenEndpoint(),
		RevocationEndpoint:     h.config.RevocationEndpoint(),
		IntrospectionEndpoint:  h.config.IntrospectionEndpoint(),
		ScopesSupported:        h.server.Config.SupportedScopes,
		ResponseTypesSupported: []string{server.ResponseTypeCode, server.ResponseTypeToken},
		ResponseModesSupported: []string{"query", "fragment"},
		GrantTypesSupported: []string{
			storage.GrantTypeAuthorizationCode,
			storage.GrantTypeImplicit,
			storage.GrantTypePassword,
			storage.GrantTypeClientCredentials,
			storage.GrantTypeRefreshToken,
		},
		TokenEndpointAuthMethodsSupported:         authMethods,
		RevocationEndpointAuthMethodsSupported:    authMethods,
		IntrospectionEndpointAuthMethodsSupported: []string{"client_secret_basic", "client_secret_post"},
	}

	w.Header().Set("Cache-Control", "public, max-age=3600")
	writeJSON(w, http.StatusOK, metadata)
}

// ============================================================
// User authorizations
// ============================================================

// ServeAuthorizations lets the token's user list the clients they have
// authorized (GET) and withdraw one of them (DELETE ?client_id=). It must be
// wrapped in ValidateToken.
func (h *Handler) ServeAuthorizations(w http.ResponseWriter, r *http.Request) {
	at, ok := AccessTokenFromContext(r.Context())
	if !ok {
		h.writeError(w, server.ErrInvalidToken("access token required"))
		return
	}
	if at.UserID == at.ClientID {
		h.writeError(w, server.ErrAccessDenied("client tokens carry no user"))
		return
	}

	switch r.Method {
	case http.MethodGet:
		auths, err := h.server.ListAuthorizations(r.Context(), at.UserID)
		if err != nil {
			h.writeError(w, server.ErrServerError("failed to list authorizations", err))
			return
		}
		security.SetSecurityHeaders(w, h.config.Issuer)
		writeJSON(w, http.StatusOK, map[string]any{"authorizations": auths})

	case http.MethodDelete:
		clientID := r.URL.Query().Get("client_id")
		if clientID == "" {
			h.writeError(w, server.ErrInvalidRequest("client_id is required"))
			return
		}
		count, err := h.server.RevokeAccess(r.Context(), at.UserID, clientID)
		if err != nil {
			h.writeError(w, server.ErrServerError("failed to revoke access", err))
			return
		}
		security.SetSecurityHeaders(w, h.config.Issuer)
		writeJSON(w, http.StatusOK, map[string]any{"revoked": count})

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// ============================================================
// Helpers
// ============================================================

// statusRecorder captures the response status for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// instrument wraps an endpoint with the per-IP rate limit, a span and the
// HTTP request metric.
func (h *Handler) instrument(endpoint string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		var span trace.Span
		ctx := r.Context()
		if h.tracer != nil {
			ctx, span = h.tracer.Start(ctx, "oauth.http."+endpoint)
			defer span.End()
			r = r.WithContext(ctx)
		}

		rec := &statusRecorder{ResponseWriter: w}
		clientIP := h.clientIP(r)
		if inst := h.server.Instrumentation(); inst != nil && inst.ShouldLogClientIPs() {
			instrumentation.AddSecurityAttributes(span, clientIP)
		}

		if !h.checkIPRateLimit(rec, r, clientIP) {
			next(rec, r)
		}

		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		instrumentation.AddHTTPAttributes(span, r.Method, endpoint, status)
		if status < http.StatusInternalServerError {
			instrumentation.SetSpanSuccess(span)
		} else {
			h.logger.Error("Request failed",
				"endpoint", endpoint,
				"status", status,
				"request_id", security.GetRequestID(ctx))
		}
		if m := h.metrics(); m != nil {
			m.RecordHTTPRequest(ctx, r.Method, endpoint, status, float64(time.Since(startTime).Microseconds())/1000)
		}
	})
}

// checkIPRateLimit checks if the client IP is rate limited. Returns true if limited.
func (h *Handler) checkIPRateLimit(w http.ResponseWriter, r *http.Request, clientIP string) bool {
	if h.rateLimiter == nil || h.rateLimiter.Allow(clientIP) {
		return false
	}

	h.logger.Warn("Rate limit exceeded",
		"ip", clientIP,
		"endpoint", r.URL.Path,
		"request_id", security.GetRequestID(r.Context()))
	if m := h.metrics(); m != nil {
		m.RecordRateLimitExceeded(r.Context(), "ip")
	}
	h.server.Auditor().LogRateLimitExceeded(clientIP, "")

	w.Header().Set("Retry-After", retryAfterSeconds)
	h.writeError(w, NewError(ErrorCodeRateLimitExceeded, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests))
	return true
}

func (h *Handler) clientIP(r *http.Request) string {
	return security.GetClientIP(r, h.config.TrustProxy, h.config.TrustedProxyCount)
}

func (h *Handler) metrics() *instrumentation.Metrics {
	if inst := h.server.Instrumentation(); inst != nil {
		return inst.Metrics()
	}
	return nil
}

// writeError renders an OAuth error as JSON (RFC 6749 Section 5.2). The
// description of a server_error is replaced so internal details never leave
// the process.
func (h *Handler) writeError(w http.ResponseWriter, oauthErr *Error) {
	security.SetSecurityHeaders(w, h.config.Issuer)

	status := oauthErr.Status
	if status == 0 {
		status = http.StatusBadRequest
	}

	description := oauthErr.Description
	if oauthErr.Code == ErrorCodeServerError {
		description = "internal server error"
	}

	if status == http.StatusUnauthorized {
		if oauthErr.Code == ErrorCodeInvalidToken {
			w.Header().Set("WWW-Authenticate", h.formatWWWAuthenticate("", oauthErr.Code, description))
		} else {
			w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Basic realm="%s"`, quoteEscape(h.realm())))
		}
	}

	writeJSON(w, status, ErrorResponse{
		Error:            oauthErr.Code,
		ErrorDescription: description,
	})
}

// writeInsufficientScopeError writes a 403 Forbidden response with insufficient_scope error.
// Per RFC 6750 Section 3.1, the WWW-Authenticate header lists the required scopes.
func (h *Handler) writeInsufficientScopeError(w http.ResponseWriter, requiredScopes []string) {
	security.SetSecurityHeaders(w, h.config.Issuer)

	description := "the access token lacks the required scope"
	w.Header().Set("WWW-Authenticate",
		h.formatWWWAuthenticate(server.FormatScope(requiredScopes), ErrorCodeInsufficientScope, description))

	writeJSON(w, http.StatusForbidden, ErrorResponse{
		Error:            ErrorCodeInsufficientScope,
		ErrorDescription: description,
	})
}

// formatWWWAuthenticate formats a Bearer challenge per RFC 6750 Section 3.
// Parameter values are escaped as quoted-strings.
func (h *Handler) formatWWWAuthenticate(scope, errCode, errorDesc string) string {
	params := []string{fmt.Sprintf(`realm="%s"`, quoteEscape(h.realm()))}

	if scope != "" {
		params = append(params, fmt.Sprintf(`scope="%s"`, quoteEscape(scope)))
	}
	if errCode != "" {
		params = append(params, fmt.Sprintf(`error="%s"`, errCode))
	}
	if errorDesc != "" {
		params = append(params, fmt.Sprintf(`error_description="%s"`, quoteEscape(errorDesc)))
	}

	return "Bearer " + strings.Join(params, ", ")
}

func (h *Handler) realm() string {
	if h.config.Issuer == "" {
		return "oauth"
	}
	return h.config.Issuer
}

// quoteEscape escapes backslashes first, then quotes.
func quoteEscape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
