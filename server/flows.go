package server

import (
	"context"
	"errors"
	"net/url"
	"strconv"

	"go.opentelemetry.io/otel/attribute"

	"github.com/giantswarm/oauth-core/instrumentation"
	"github.com/giantswarm/oauth-core/security"
	"github.com/giantswarm/oauth-core/storage"
)

// Response types accepted by Authorize.
const (
	ResponseTypeCode  = "code"
	ResponseTypeToken = "token"
)

// TokenTypeBearer is the token_type of every issued access token.
const TokenTypeBearer = "bearer"

// TokenRequest carries the token endpoint parameters. Scope is the raw
// space-delimited value.
type TokenRequest struct {
	GrantType    string
	ClientID     string
	ClientSecret string

	Code        string
	RedirectURI string

	Username string
	Password string

	RefreshToken string

	Scope string

	// ClientIP is used for audit records only.
	ClientIP string
}

// TokenResponse is the successful token endpoint body (RFC 6749 Section 5.1).
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// AuthorizeRequest carries the authorization endpoint parameters.
type AuthorizeRequest struct {
	ResponseType string
	ClientID     string
	RedirectURI  string
	Scope        string
	State        string

	// Denied is set by the caller when the user declined consent.
	Denied bool

	// ClientIP is used for audit records only.
	ClientIP string
}

// AuthenticatedSubject is the logged-in end user, established by the caller.
type AuthenticatedSubject struct {
	UserID   string
	Username string
}

// AuthorizeResult is where to send the user agent. Error is set when the
// redirect carries an error instead of a grant.
type AuthorizeResult struct {
	RedirectURL string
	Error       *Error
}

// GrantDispatcher runs the token endpoint grants and the authorization endpoint.
type GrantDispatcher struct {
	clients     *ClientRegistry
	credentials *CredentialVerifier
	scopes      *ScopeValidator
	codes       *AuthorizationCodeManager
	tokens      *TokenManager
	*env
}

// ============================================================
// Token endpoint
// ============================================================

// Token processes a token request. Failures are *Error values.
func (d *GrantDispatcher) Token(ctx context.Context, req *TokenRequest) (_ *TokenResponse, err error) {
	ctx, span := d.startSpan(ctx, "server.Token",
		attribute.String(instrumentation.AttrGrantType, req.GrantType),
		attribute.String(instrumentation.AttrClientID, req.ClientID))
	defer span.End()

	defer func() {
		if err == nil {
			instrumentation.SetSpanSuccess(span)
			return
		}
		oauthErr := AsError(err)
		instrumentation.AddOAuthErrorAttributes(span, oauthErr.Code, oauthErr.Description)
		if oauthErr.Err != nil {
			instrumentation.RecordError(span, oauthErr.Err)
			d.logger.Error("Token request failed",
				"grant_type", req.GrantType,
				"client_id", req.ClientID,
				"error", oauthErr.Err)
		}
		if d.metrics != nil {
			d.metrics.RecordGrantFailure(ctx, req.GrantType, oauthErr.Code)
		}
		err = oauthErr
	}()

	switch req.GrantType {
	case "":
		return nil, ErrInvalidRequest("grant_type is required")
	case storage.GrantTypeAuthorizationCode,
		storage.GrantTypePassword,
		storage.GrantTypeClientCredentials,
		storage.GrantTypeRefreshToken:
	default:
		return nil, ErrUnsupportedGrantType("grant type " + strconv.Quote(req.GrantType) + " is not supported")
	}

	client, err := d.clients.AuthenticateClient(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, err
	}

	if !d.clients.CheckGrantAllowed(client, req.GrantType) {
		d.auditor.LogAuthFailure("", client.ClientID, req.ClientIP, "grant_type_not_allowed")
		return nil, ErrUnauthorizedClient("client is not allowed to use grant type " + req.GrantType)
	}

	switch req.GrantType {
	case storage.GrantTypeAuthorizationCode:
		return d.authorizationCodeGrant(ctx, client, req)
	case storage.GrantTypePassword:
		return d.passwordGrant(ctx, client, req)
	case storage.GrantTypeClientCredentials:
		return d.clientCredentialsGrant(ctx, client, req)
	default:
		return d.refreshTokenGrant(ctx, client, req)
	}
}

func (d *GrantDispatcher) authorizationCodeGrant(ctx context.Context, client *storage.Client, req *TokenRequest) (*TokenResponse, error) {
	code, err := d.codes.Redeem(ctx, req.Code, client, req.RedirectURI)
	if err != nil {
		return nil, err
	}
	return d.issueTokenPair(ctx, client, code.UserID, code.Scopes, req)
}

func (d *GrantDispatcher) passwordGrant(ctx context.Context, client *storage.Client, req *TokenRequest) (*TokenResponse, error) {
	if req.Username == "" || req.Password == "" {
		return nil, ErrInvalidRequest("username and password are required")
	}

	scopes, err := d.scopes.Validate(ParseScope(req.Scope), client.Scopes)
	if err != nil {
		d.logScopeEscalation(client.ClientID, "", req)
		return nil, err
	}

	user, err := d.credentials.Verify(ctx, req.Username, req.Password)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			d.auditor.LogAuthFailure("", client.ClientID, req.ClientIP, "invalid_credentials")
			return nil, ErrInvalidGrant("invalid resource owner credentials")
		}
		return nil, ErrServerError("failed to verify credentials", err)
	}

	return d.issueTokenPair(ctx, client, user.ID, scopes, req)
}

func (d *GrantDispatcher) clientCredentialsGrant(ctx context.Context, client *storage.Client, req *TokenRequest) (*TokenResponse, error) {
	if client.IsPublic() {
		d.auditor.LogAuthFailure("", client.ClientID, req.ClientIP, "public_client_credentials")
		return nil, ErrInvalidClient("client_credentials requires a confidential client")
	}

	scopes, err := d.scopes.Validate(ParseScope(req.Scope), client.Scopes)
	if err != nil {
		d.logScopeEscalation(client.ClientID, "", req)
		return nil, err
	}

	at, err := d.tokens.IssueAccessToken(ctx, client.ClientID, client, scopes)
	if err != nil {
		return nil, err
	}
	d.recordIssued(ctx, req, client.ClientID, client.ClientID, "access", scopes)

	return &TokenResponse{
		AccessToken: at.Token,
		TokenType:   TokenTypeBearer,
		ExpiresIn:   d.config.AccessTokenTTL,
		Scope:       FormatScope(scopes),
	}, nil
}

// refreshTokenGrant checks the requested scope before consuming the token so
// a bad scope parameter does not cost the client its refresh token.
func (d *GrantDispatcher) refreshTokenGrant(ctx context.Context, client *storage.Client, req *TokenRequest) (*TokenResponse, error) {
	rt, err := d.tokens.ValidateRefreshToken(ctx, req.RefreshToken, client)
	if err != nil {
		return nil, err
	}

	scopes, err := d.scopes.Validate(ParseScope(req.Scope), rt.Scopes)
	if err != nil {
		d.logScopeEscalation(client.ClientID, rt.UserID, req)
		return nil, err
	}

	rotate := !d.config.DisableRefreshTokenRotation
	if rotate {
		if rt, err = d.tokens.RotateRefreshToken(ctx, req.RefreshToken, client); err != nil {
			return nil, err
		}
	}

	at, err := d.tokens.IssueAccessToken(ctx, rt.UserID, client, scopes)
	if err != nil {
		return nil, err
	}
	d.recordIssued(ctx, req, rt.UserID, client.ClientID, "access", scopes)

	resp := &TokenResponse{
		AccessToken: at.Token,
		TokenType:   TokenTypeBearer,
		ExpiresIn:   d.config.AccessTokenTTL,
		Scope:       FormatScope(scopes),
	}

	if rotate {
		// the replacement keeps the original grant, not the narrowed scope
		next, err := d.tokens.IssueRefreshToken(ctx, rt.UserID, client, rt.Scopes)
		if err != nil {
			return nil, err
		}
		d.recordIssued(ctx, req, rt.UserID, client.ClientID, "refresh", rt.Scopes)
		resp.RefreshToken = next.Token
	}

	if d.metrics != nil {
		d.metrics.RecordTokenRefresh(ctx, client.ClientID, rotate)
	}
	d.auditor.LogTokenRefreshed(rt.UserID, client.ClientID, req.ClientIP, rotate)
	return resp, nil
}

// issueTokenPair issues an access token, plus a refresh token when the client
// is registered for the refresh_token grant.
func (d *GrantDispatcher) issueTokenPair(ctx context.Context, client *storage.Client, userID string, scopes []string, req *TokenRequest) (*TokenResponse, error) {
	at, err := d.tokens.IssueAccessToken(ctx, userID, client, scopes)
	if err != nil {
		return nil, err
	}
	d.recordIssued(ctx, req, userID, client.ClientID, "access", scopes)

	resp := &TokenResponse{
		AccessToken: at.Token,
		TokenType:   TokenTypeBearer,
		ExpiresIn:   d.config.AccessTokenTTL,
		Scope:       FormatScope(scopes),
	}
	if !client.AllowsGrant(storage.GrantTypeRefreshToken) {
		return resp, nil
	}

	rt, err := d.tokens.IssueRefreshToken(ctx, userID, client, scopes)
	if err != nil {
		return nil, err
	}
	d.recordIssued(ctx, req, userID, client.ClientID, "refresh", scopes)
	resp.RefreshToken = rt.Token
	return resp, nil
}

func (d *GrantDispatcher) recordIssued(ctx context.Context, req *TokenRequest, userID, clientID, kind string, scopes []string) {
	if d.metrics != nil {
		d.metrics.RecordTokenIssued(ctx, req.GrantType, kind)
	}
	d.auditor.LogTokenIssued(userID, clientID, req.ClientIP, req.GrantType, kind, FormatScope(scopes))
}

func (d *GrantDispatcher) logScopeEscalation(clientID, userID string, req *TokenRequest) {
	d.logger.Debug("Requested scope rejected",
		"client_id", clientID,
		"grant_type", req.GrantType,
		"scope", req.Scope)
	d.auditor.LogEvent(security.Event{
		Type:      security.EventScopeEscalationAttempt,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: req.ClientIP,
		Details:   map[string]any{"requested_scope": req.Scope},
	})
}

// ============================================================
// Authorization endpoint
// ============================================================

// Authorize processes an authorization request for subject. Errors that
// cannot be redirected (unknown client, bad redirect URI, no subject) are
// returned as err; everything else comes back as a redirect.
func (d *GrantDispatcher) Authorize(ctx context.Context, req *AuthorizeRequest, subject *AuthenticatedSubject) (_ *AuthorizeResult, err error) {
	ctx, span := d.startSpan(ctx, "server.Authorize",
		attribute.String(instrumentation.AttrResponseType, req.ResponseType),
		attribute.String(instrumentation.AttrClientID, req.ClientID))
	defer span.End()

	client, err := d.clients.GetClient(ctx, req.ClientID)
	if err != nil {
		d.recordAuthorization(ctx, req, AsError(err).Code)
		return nil, err
	}

	if req.RedirectURI == "" {
		d.recordAuthorization(ctx, req, ErrorCodeInvalidRequest)
		return nil, ErrInvalidRequest("redirect_uri is required")
	}
	if !d.clients.CheckRedirectURI(client, req.RedirectURI) {
		d.logger.Debug("Authorization request rejected",
			"reason", "unregistered_redirect_uri",
			"client_id", client.ClientID)
		d.recordAuthorization(ctx, req, ErrorCodeInvalidRequest)
		return nil, ErrInvalidRequest("redirect_uri is not registered for this client")
	}

	if subject == nil || subject.UserID == "" {
		return nil, ErrUnauthenticated
	}
	instrumentation.AddOAuthFlowAttributes(span, "", subject.UserID, req.Scope)

	result, err := d.authorize(ctx, client, req, subject)
	if err != nil {
		oauthErr := AsError(err)
		if oauthErr.Err != nil {
			instrumentation.RecordError(span, oauthErr.Err)
			d.logger.Error("Authorization request failed",
				"client_id", client.ClientID,
				"error", oauthErr.Err)
		}
		instrumentation.AddOAuthErrorAttributes(span, oauthErr.Code, oauthErr.Description)
		d.recordAuthorization(ctx, req, oauthErr.Code)
		return &AuthorizeResult{
			RedirectURL: errorRedirect(req, oauthErr),
			Error:       oauthErr,
		}, nil
	}

	instrumentation.SetSpanSuccess(span)
	d.recordAuthorization(ctx, req, "success")
	return result, nil
}

func (d *GrantDispatcher) authorize(ctx context.Context, client *storage.Client, req *AuthorizeRequest, subject *AuthenticatedSubject) (*AuthorizeResult, error) {
	var grantType string
	switch req.ResponseType {
	case "":
		return nil, ErrInvalidRequest("response_type is required")
	case ResponseTypeCode:
		grantType = storage.GrantTypeAuthorizationCode
	case ResponseTypeToken:
		grantType = storage.GrantTypeImplicit
	default:
		return nil, ErrUnsupportedResponseType("response type " + strconv.Quote(req.ResponseType) + " is not supported")
	}

	if !d.clients.CheckGrantAllowed(client, grantType) {
		return nil, ErrUnauthorizedClient("client is not allowed to use response type " + req.ResponseType)
	}

	scopes, err := d.scopes.Validate(ParseScope(req.Scope), client.Scopes)
	if err != nil {
		return nil, err
	}

	if req.Denied {
		d.auditor.LogEvent(security.Event{
			Type:      security.EventAccessDenied,
			UserID:    subject.UserID,
			ClientID:  client.ClientID,
			IPAddress: req.ClientIP,
		})
		return nil, ErrAccessDenied("the resource owner denied the request")
	}

	if req.ResponseType == ResponseTypeCode {
		code, err := d.codes.Issue(ctx, subject.UserID, client, scopes, req.RedirectURI)
		if err != nil {
			return nil, err
		}
		params := url.Values{}
		params.Set("code", code.Code)
		if req.State != "" {
			params.Set("state", req.State)
		}
		return &AuthorizeResult{RedirectURL: withQuery(req.RedirectURI, params)}, nil
	}

	at, err := d.tokens.IssueAccessToken(ctx, subject.UserID, client, scopes)
	if err != nil {
		return nil, err
	}
	if d.metrics != nil {
		d.metrics.RecordTokenIssued(ctx, storage.GrantTypeImplicit, "access")
	}
	d.auditor.LogTokenIssued(subject.UserID, client.ClientID, req.ClientIP, storage.GrantTypeImplicit, "access", FormatScope(scopes))

	params := url.Values{}
	params.Set("access_token", at.Token)
	params.Set("token_type", TokenTypeBearer)
	params.Set("expires_in", strconv.FormatInt(d.config.AccessTokenTTL, 10))
	if len(scopes) > 0 {
		params.Set("scope", FormatScope(scopes))
	}
	if req.State != "" {
		params.Set("state", req.State)
	}
	return &AuthorizeResult{RedirectURL: withFragment(req.RedirectURI, params)}, nil
}

func (d *GrantDispatcher) recordAuthorization(ctx context.Context, req *AuthorizeRequest, result string) {
	if d.metrics != nil {
		d.metrics.RecordAuthorization(ctx, req.ResponseType, result)
	}
}

// errorRedirect puts the error in the fragment for the implicit flow and in
// the query otherwise (RFC 6749 Sections 4.1.2.1 and 4.2.2.1).
func errorRedirect(req *AuthorizeRequest, oauthErr *Error) string {
	params := url.Values{}
	params.Set("error", oauthErr.Code)
	if oauthErr.Description != "" && oauthErr.Code != ErrorCodeServerError {
		params.Set("error_description", oauthErr.Description)
	}
	if req.State != "" {
		params.Set("state", req.State)
	}
	if req.ResponseType == ResponseTypeToken {
		return withFragment(req.RedirectURI, params)
	}
	return withQuery(req.RedirectURI, params)
}

// withQuery merges params into the redirect URI's existing query.
func withQuery(redirectURI string, params url.Values) string {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return redirectURI
	}
	q := u.Query()
	for k, vs := range params {
		q[k] = vs
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func withFragment(redirectURI string, params url.Values) string {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return redirectURI
	}
	u.Fragment = ""
	u.RawFragment = ""
	return u.String() + "#" + params.Encode()
}
