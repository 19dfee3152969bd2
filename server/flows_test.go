package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/giantswarm/oauth-core/internal/testutil"
	"github.com/giantswarm/oauth-core/security"
	"github.com/giantswarm/oauth-core/storage"
	"github.com/giantswarm/oauth-core/storage/mock"
)

var testSubject = &AuthenticatedSubject{UserID: testutil.UserID, Username: testutil.Username}

// authorizeCode runs the authorization endpoint for the confidential client
// and returns the code from the redirect.
func authorizeCode(t *testing.T, srv *Server, scope string) string {
	t.Helper()
	result, err := srv.Grants.Authorize(context.Background(), &AuthorizeRequest{
		ResponseType: ResponseTypeCode,
		ClientID:     testutil.ConfidentialClientID,
		RedirectURI:  testutil.RedirectURI,
		Scope:        scope,
		State:        "xyz",
	}, testSubject)
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	if result.Error != nil {
		t.Fatalf("Authorize() redirected with error %v", result.Error)
	}
	u, err := url.Parse(result.RedirectURL)
	if err != nil {
		t.Fatalf("invalid redirect URL %q: %v", result.RedirectURL, err)
	}
	code := u.Query().Get("code")
	if code == "" {
		t.Fatalf("redirect %q carries no code", result.RedirectURL)
	}
	return code
}

func codeRequest(code string) *TokenRequest {
	return &TokenRequest{
		GrantType:    storage.GrantTypeAuthorizationCode,
		ClientID:     testutil.ConfidentialClientID,
		ClientSecret: testutil.ConfidentialClientSecret,
		Code:         code,
		RedirectURI:  testutil.RedirectURI,
	}
}

func passwordRequest(scope string) *TokenRequest {
	return &TokenRequest{
		GrantType:    storage.GrantTypePassword,
		ClientID:     testutil.ConfidentialClientID,
		ClientSecret: testutil.ConfidentialClientSecret,
		Username:     testutil.Username,
		Password:     testutil.UserPassword,
		Scope:        scope,
	}
}

func refreshRequest(token, scope string) *TokenRequest {
	return &TokenRequest{
		GrantType:    storage.GrantTypeRefreshToken,
		ClientID:     testutil.ConfidentialClientID,
		ClientSecret: testutil.ConfidentialClientSecret,
		RefreshToken: token,
		Scope:        scope,
	}
}

// ============================================================
// Authorization code
// ============================================================

func TestAuthorizationCodeFlow(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)
	ctx := context.Background()

	result, err := srv.Grants.Authorize(ctx, &AuthorizeRequest{
		ResponseType: ResponseTypeCode,
		ClientID:     testutil.ConfidentialClientID,
		RedirectURI:  testutil.RedirectURI,
		Scope:        "read",
		State:        "af0ifjsldkj",
	}, testSubject)
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	if !strings.HasPrefix(result.RedirectURL, testutil.RedirectURI+"?") {
		t.Fatalf("RedirectURL = %q, want the registered URI with a query", result.RedirectURL)
	}
	u, _ := url.Parse(result.RedirectURL)
	if got := u.Query().Get("state"); got != "af0ifjsldkj" {
		t.Errorf("state = %q, want it echoed", got)
	}

	resp, err := srv.Grants.Token(ctx, codeRequest(u.Query().Get("code")))
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if resp.AccessToken == "" || resp.RefreshToken == "" {
		t.Fatalf("Token() = %+v, want access and refresh tokens", resp)
	}
	if resp.TokenType != TokenTypeBearer {
		t.Errorf("TokenType = %q, want bearer", resp.TokenType)
	}
	if resp.ExpiresIn != DefaultAccessTokenTTL {
		t.Errorf("ExpiresIn = %d, want %d", resp.ExpiresIn, DefaultAccessTokenTTL)
	}
	if resp.Scope != "read" {
		t.Errorf("Scope = %q, want read", resp.Scope)
	}

	at, err := srv.Tokens.ValidateAccessToken(ctx, resp.AccessToken)
	if err != nil {
		t.Fatalf("ValidateAccessToken() error = %v", err)
	}
	if at.UserID != testutil.UserID {
		t.Errorf("access token subject = %q, want %q", at.UserID, testutil.UserID)
	}

	_, err = srv.Grants.Token(ctx, codeRequest(u.Query().Get("code")))
	requireErrorCode(t, err, ErrorCodeInvalidGrant)
}

func TestAuthorizationCodeFlow_ConcurrentRedemption(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)
	code := authorizeCode(t, srv, "")

	const attempts = 20
	var (
		wg        sync.WaitGroup
		successes atomic.Int32
		start     = make(chan struct{})
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := srv.Grants.Token(context.Background(), codeRequest(code))
			if err == nil {
				successes.Add(1)
				return
			}
			if AsError(err).Code != ErrorCodeInvalidGrant {
				t.Errorf("losing redemption error = %v, want invalid_grant", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if got := successes.Load(); got != 1 {
		t.Fatalf("successful redemptions = %d, want exactly 1", got)
	}
}

func TestAuthorizationCodeFlow_Rejections(t *testing.T) {
	ctx := context.Background()

	t.Run("wrong client secret", func(t *testing.T) {
		srv, _, _ := newTestServer(t, nil)
		req := codeRequest(authorizeCode(t, srv, ""))
		req.ClientSecret = "nope"
		_, err := srv.Grants.Token(ctx, req)
		requireErrorCode(t, err, ErrorCodeInvalidClient)
	})

	t.Run("redeemed by another client", func(t *testing.T) {
		srv, _, _ := newTestServer(t, nil)
		code := authorizeCode(t, srv, "")
		_, err := srv.Grants.Token(ctx, &TokenRequest{
			GrantType:   storage.GrantTypeAuthorizationCode,
			ClientID:    testutil.PublicClientID,
			Code:        code,
			RedirectURI: testutil.RedirectURI,
		})
		requireErrorCode(t, err, ErrorCodeInvalidGrant)

		if _, err := srv.Grants.Token(ctx, codeRequest(code)); err != nil {
			t.Fatalf("owning client should still redeem: %v", err)
		}
	})

	t.Run("expired at exactly the lifetime", func(t *testing.T) {
		srv, _, clock := newTestServer(t, nil)
		code := authorizeCode(t, srv, "")
		clock.Advance(600 * time.Second)
		_, err := srv.Grants.Token(ctx, codeRequest(code))
		requireErrorCode(t, err, ErrorCodeInvalidGrant)
	})

	t.Run("redirect URI mismatch", func(t *testing.T) {
		srv, _, _ := newTestServer(t, nil)
		req := codeRequest(authorizeCode(t, srv, ""))
		req.RedirectURI = ""
		_, err := srv.Grants.Token(ctx, req)
		requireErrorCode(t, err, ErrorCodeInvalidGrant)
	})

	t.Run("unknown code", func(t *testing.T) {
		srv, _, _ := newTestServer(t, nil)
		_, err := srv.Grants.Token(ctx, codeRequest("made-up"))
		requireErrorCode(t, err, ErrorCodeInvalidGrant)
	})
}

// ============================================================
// Password
// ============================================================

func TestPasswordGrant(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)
	ctx := context.Background()

	resp, err := srv.Grants.Token(ctx, passwordRequest(""))
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if resp.Scope != "read write" {
		t.Errorf("Scope = %q, want the client's full scope", resp.Scope)
	}
	if resp.RefreshToken == "" {
		t.Error("password grant should issue a refresh token")
	}

	resp, err = srv.Grants.Token(ctx, passwordRequest("write"))
	if err != nil {
		t.Fatalf("Token(write) error = %v", err)
	}
	if resp.Scope != "write" {
		t.Errorf("Scope = %q, want write", resp.Scope)
	}
}

func TestTokenPair_ClientWithoutRefreshGrant(t *testing.T) {
	srv, store, _ := newTestServer(t, nil)
	ctx := context.Background()

	noRefresh := func(clientID string, grants ...string) {
		c := testutil.ConfidentialClient(t)
		c.ID = "c-" + clientID
		c.ClientID = clientID
		c.GrantTypes = grants
		if err := store.SaveClient(ctx, c); err != nil {
			t.Fatalf("SaveClient(%s) error = %v", clientID, err)
		}
	}
	noRefresh("pw-only", storage.GrantTypePassword)
	noRefresh("code-only", storage.GrantTypeAuthorizationCode)

	t.Run("password", func(t *testing.T) {
		req := passwordRequest("read")
		req.ClientID = "pw-only"
		resp, err := srv.Grants.Token(ctx, req)
		if err != nil {
			t.Fatalf("Token() error = %v", err)
		}
		if resp.AccessToken == "" {
			t.Fatal("Token() issued no access token")
		}
		if resp.RefreshToken != "" {
			t.Errorf("RefreshToken = %q, want none for a client without the refresh_token grant", resp.RefreshToken)
		}
	})

	t.Run("authorization code", func(t *testing.T) {
		result, err := srv.Grants.Authorize(ctx, &AuthorizeRequest{
			ResponseType: ResponseTypeCode,
			ClientID:     "code-only",
			RedirectURI:  testutil.RedirectURI,
		}, testSubject)
		if err != nil || result.Error != nil {
			t.Fatalf("Authorize() = %+v, %v", result, err)
		}
		u, _ := url.Parse(result.RedirectURL)

		req := codeRequest(u.Query().Get("code"))
		req.ClientID = "code-only"
		resp, err := srv.Grants.Token(ctx, req)
		if err != nil {
			t.Fatalf("Token() error = %v", err)
		}
		if resp.RefreshToken != "" {
			t.Errorf("RefreshToken = %q, want none for a client without the refresh_token grant", resp.RefreshToken)
		}
	})
}

func TestPasswordGrant_Rejections(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)
	ctx := context.Background()

	tests := []struct {
		name     string
		mutate   func(*TokenRequest)
		wantCode string
	}{
		{"wrong password", func(r *TokenRequest) { r.Password = "654321" }, ErrorCodeInvalidGrant},
		{"unknown user", func(r *TokenRequest) { r.Username = "nobody" }, ErrorCodeInvalidGrant},
		{"missing password", func(r *TokenRequest) { r.Password = "" }, ErrorCodeInvalidRequest},
		{"scope outside client", func(r *TokenRequest) { r.Scope = "read admin" }, ErrorCodeInvalidScope},
		{"missing client secret", func(r *TokenRequest) { r.ClientSecret = "" }, ErrorCodeInvalidClient},
		{"client without password grant", func(r *TokenRequest) {
			r.ClientID = testutil.MachineClientID
			r.ClientSecret = testutil.MachineClientSecret
		}, ErrorCodeUnauthorizedClient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := passwordRequest("")
			tt.mutate(req)
			_, err := srv.Grants.Token(ctx, req)
			requireErrorCode(t, err, tt.wantCode)
		})
	}
}

// ============================================================
// Client credentials
// ============================================================

func TestClientCredentialsGrant(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)
	ctx := context.Background()

	resp, err := srv.Grants.Token(ctx, &TokenRequest{
		GrantType:    storage.GrantTypeClientCredentials,
		ClientID:     testutil.MachineClientID,
		ClientSecret: testutil.MachineClientSecret,
		Scope:        "admin",
	})
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if resp.RefreshToken != "" {
		t.Error("client_credentials must not issue a refresh token")
	}
	if resp.Scope != "admin" {
		t.Errorf("Scope = %q, want admin", resp.Scope)
	}

	at, err := srv.Tokens.ValidateAccessToken(ctx, resp.AccessToken)
	if err != nil {
		t.Fatalf("ValidateAccessToken() error = %v", err)
	}
	if at.UserID != testutil.MachineClientID {
		t.Errorf("subject = %q, want the client ID", at.UserID)
	}
}

func TestClientCredentialsGrant_PublicClient(t *testing.T) {
	srv, store, _ := newTestServer(t, nil)
	ctx := context.Background()

	// registration refuses this combination, so store it directly
	rogue := testutil.PublicClient()
	rogue.ClientID = "rogue"
	rogue.GrantTypes = []string{storage.GrantTypeClientCredentials}
	if err := store.SaveClient(ctx, rogue); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}

	_, err := srv.Grants.Token(ctx, &TokenRequest{
		GrantType: storage.GrantTypeClientCredentials,
		ClientID:  "rogue",
	})
	requireErrorCode(t, err, ErrorCodeInvalidClient)
}

// ============================================================
// Refresh token
// ============================================================

func TestRefreshTokenGrant_Rotation(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)
	ctx := context.Background()

	first, err := srv.Grants.Token(ctx, passwordRequest(""))
	if err != nil {
		t.Fatalf("Token(password) error = %v", err)
	}

	second, err := srv.Grants.Token(ctx, refreshRequest(first.RefreshToken, ""))
	if err != nil {
		t.Fatalf("Token(refresh) error = %v", err)
	}
	if second.RefreshToken == "" || second.RefreshToken == first.RefreshToken {
		t.Fatalf("refresh should rotate, got %q", second.RefreshToken)
	}
	if second.AccessToken == first.AccessToken {
		t.Error("refresh should issue a new access token")
	}

	_, err = srv.Grants.Token(ctx, refreshRequest(first.RefreshToken, ""))
	requireErrorCode(t, err, ErrorCodeInvalidGrant)

	if _, err := srv.Grants.Token(ctx, refreshRequest(second.RefreshToken, "")); err != nil {
		t.Fatalf("rotated refresh token should work: %v", err)
	}
}

func TestRefreshTokenGrant_ConcurrentRotation(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)

	initial, err := srv.Grants.Token(context.Background(), passwordRequest(""))
	if err != nil {
		t.Fatalf("Token(password) error = %v", err)
	}

	const attempts = 20
	var (
		wg        sync.WaitGroup
		successes atomic.Int32
		start     = make(chan struct{})
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := srv.Grants.Token(context.Background(), refreshRequest(initial.RefreshToken, ""))
			if err == nil {
				successes.Add(1)
				return
			}
			if AsError(err).Code != ErrorCodeInvalidGrant {
				t.Errorf("losing refresh error = %v, want invalid_grant", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if got := successes.Load(); got != 1 {
		t.Fatalf("successful refreshes = %d, want exactly 1", got)
	}
}

func TestRefreshTokenGrant_Scope(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)
	ctx := context.Background()

	initial, err := srv.Grants.Token(ctx, passwordRequest("read write"))
	if err != nil {
		t.Fatalf("Token(password) error = %v", err)
	}

	_, err = srv.Grants.Token(ctx, refreshRequest(initial.RefreshToken, "read admin"))
	requireErrorCode(t, err, ErrorCodeInvalidScope)

	narrowed, err := srv.Grants.Token(ctx, refreshRequest(initial.RefreshToken, "read"))
	if err != nil {
		t.Fatalf("refresh after rejected escalation should succeed: %v", err)
	}
	if narrowed.Scope != "read" {
		t.Errorf("Scope = %q, want read", narrowed.Scope)
	}

	// the rotated token still carries the original grant
	widened, err := srv.Grants.Token(ctx, refreshRequest(narrowed.RefreshToken, "write"))
	if err != nil {
		t.Fatalf("Token(refresh write) error = %v", err)
	}
	if widened.Scope != "write" {
		t.Errorf("Scope = %q, want write", widened.Scope)
	}
}

func TestRefreshTokenGrant_RotationDisabled(t *testing.T) {
	srv, _, _ := newTestServer(t, &Config{DisableRefreshTokenRotation: true})
	ctx := context.Background()

	initial, err := srv.Grants.Token(ctx, passwordRequest(""))
	if err != nil {
		t.Fatalf("Token(password) error = %v", err)
	}

	for i := 0; i < 3; i++ {
		resp, err := srv.Grants.Token(ctx, refreshRequest(initial.RefreshToken, ""))
		if err != nil {
			t.Fatalf("refresh #%d error = %v", i, err)
		}
		if resp.RefreshToken != "" {
			t.Errorf("refresh #%d returned a new refresh token with rotation disabled", i)
		}
	}
}

func TestRefreshTokenGrant_Rejections(t *testing.T) {
	srv, _, clock := newTestServer(t, nil)
	ctx := context.Background()

	initial, err := srv.Grants.Token(ctx, passwordRequest(""))
	if err != nil {
		t.Fatalf("Token(password) error = %v", err)
	}

	_, err = srv.Grants.Token(ctx, &TokenRequest{
		GrantType:    storage.GrantTypeRefreshToken,
		ClientID:     testutil.PublicClientID,
		RefreshToken: initial.RefreshToken,
	})
	requireErrorCode(t, err, ErrorCodeInvalidGrant)

	_, err = srv.Grants.Token(ctx, refreshRequest("", ""))
	requireErrorCode(t, err, ErrorCodeInvalidRequest)

	clock.Advance(time.Duration(DefaultRefreshTokenTTL) * time.Second)
	_, err = srv.Grants.Token(ctx, refreshRequest(initial.RefreshToken, ""))
	requireErrorCode(t, err, ErrorCodeInvalidGrant)
}

// ============================================================
// Dispatch
// ============================================================

func TestToken_Dispatch(t *testing.T) {
	srv, store, _ := newTestServerWithStore(t, mock.New(testutil.NewSeededStore(t)), nil)
	ctx := context.Background()

	_, err := srv.Grants.Token(ctx, &TokenRequest{ClientID: testutil.ConfidentialClientID})
	requireErrorCode(t, err, ErrorCodeInvalidRequest)

	_, err = srv.Grants.Token(ctx, &TokenRequest{
		GrantType:    "urn:ietf:params:oauth:grant-type:device_code",
		ClientID:     testutil.ConfidentialClientID,
		ClientSecret: testutil.ConfidentialClientSecret,
	})
	requireErrorCode(t, err, ErrorCodeUnsupportedGrantType)

	// implicit is only reachable through the authorization endpoint
	_, err = srv.Grants.Token(ctx, &TokenRequest{
		GrantType:    storage.GrantTypeImplicit,
		ClientID:     testutil.ConfidentialClientID,
		ClientSecret: testutil.ConfidentialClientSecret,
	})
	requireErrorCode(t, err, ErrorCodeUnsupportedGrantType)

	if calls := store.(*mock.Store).Calls("GetClient"); calls != 0 {
		t.Errorf("unsupported grants should be rejected before client lookup, got %d lookups", calls)
	}

	_, err = srv.Grants.Token(ctx, &TokenRequest{
		GrantType: storage.GrantTypePassword,
		ClientID:  "nobody",
	})
	requireErrorCode(t, err, ErrorCodeInvalidClient)
}

func TestToken_ServerError(t *testing.T) {
	failing := mock.New(testutil.NewSeededStore(t))
	srv, _, _ := newTestServerWithStore(t, failing, nil)
	ctx := context.Background()

	dbErr := errors.New("connection reset")
	failing.SaveRefreshTokenFunc = func(context.Context, *storage.RefreshToken) error { return dbErr }

	_, err := srv.Grants.Token(ctx, passwordRequest(""))
	requireErrorCode(t, err, ErrorCodeServerError)
	if AsError(err).Status != 500 {
		t.Errorf("Status = %d, want 500", AsError(err).Status)
	}

	failing.GetClientFunc = func(context.Context, string) (*storage.Client, error) { return nil, dbErr }
	_, err = srv.Grants.Token(ctx, passwordRequest(""))
	requireErrorCode(t, err, ErrorCodeServerError)
}

// ============================================================
// Authorization endpoint
// ============================================================

func TestAuthorize_NonRedirectableErrors(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)
	ctx := context.Background()

	tests := []struct {
		name     string
		req      *AuthorizeRequest
		subject  *AuthenticatedSubject
		wantCode string
	}{
		{
			name:     "unknown client",
			req:      &AuthorizeRequest{ResponseType: ResponseTypeCode, ClientID: "nobody", RedirectURI: testutil.RedirectURI},
			subject:  testSubject,
			wantCode: ErrorCodeInvalidClient,
		},
		{
			name:     "missing redirect URI",
			req:      &AuthorizeRequest{ResponseType: ResponseTypeCode, ClientID: testutil.ConfidentialClientID},
			subject:  testSubject,
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name:     "unregistered redirect URI",
			req:      &AuthorizeRequest{ResponseType: ResponseTypeCode, ClientID: testutil.ConfidentialClientID, RedirectURI: "https://evil.example.com/cb"},
			subject:  testSubject,
			wantCode: ErrorCodeInvalidRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := srv.Grants.Authorize(ctx, tt.req, tt.subject)
			if result != nil {
				t.Fatalf("Authorize() must not redirect, got %q", result.RedirectURL)
			}
			requireErrorCode(t, err, tt.wantCode)
		})
	}

	_, err := srv.Grants.Authorize(ctx, &AuthorizeRequest{
		ResponseType: ResponseTypeCode,
		ClientID:     testutil.ConfidentialClientID,
		RedirectURI:  testutil.RedirectURI,
	}, nil)
	if !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("Authorize(nil subject) error = %v, want ErrUnauthenticated", err)
	}
}

func TestAuthorize_RedirectedErrors(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)
	ctx := context.Background()

	tests := []struct {
		name         string
		req          AuthorizeRequest
		wantCode     string
		wantFragment bool
	}{
		{"missing response type", AuthorizeRequest{}, ErrorCodeInvalidRequest, false},
		{"unsupported response type", AuthorizeRequest{ResponseType: "id_token"}, ErrorCodeUnsupportedResponseType, false},
		{"scope outside client", AuthorizeRequest{ResponseType: ResponseTypeCode, Scope: "admin"}, ErrorCodeInvalidScope, false},
		{"denied", AuthorizeRequest{ResponseType: ResponseTypeCode, Denied: true}, ErrorCodeAccessDenied, false},
		{"denied implicit", AuthorizeRequest{ResponseType: ResponseTypeToken, Denied: true}, ErrorCodeAccessDenied, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := tt.req
			req.ClientID = testutil.ConfidentialClientID
			req.RedirectURI = testutil.RedirectURI
			req.State = "s-1"

			result, err := srv.Grants.Authorize(ctx, &req, testSubject)
			if err != nil {
				t.Fatalf("Authorize() error = %v, want a redirect", err)
			}
			if result.Error == nil || result.Error.Code != tt.wantCode {
				t.Fatalf("result.Error = %v, want %s", result.Error, tt.wantCode)
			}

			u, _ := url.Parse(result.RedirectURL)
			params := u.Query()
			if tt.wantFragment {
				params, _ = url.ParseQuery(u.Fragment)
			}
			if params.Get("error") != tt.wantCode {
				t.Errorf("redirect %q: error = %q, want %q", result.RedirectURL, params.Get("error"), tt.wantCode)
			}
			if params.Get("state") != "s-1" {
				t.Errorf("redirect %q does not echo state", result.RedirectURL)
			}
		})
	}
}

func TestAuthorize_UnauthorizedResponseType(t *testing.T) {
	srv, store, _ := newTestServer(t, nil)
	ctx := context.Background()

	codeOnly := testutil.PublicClient()
	codeOnly.ClientID = "code-only"
	codeOnly.GrantTypes = []string{storage.GrantTypeAuthorizationCode}
	if err := store.SaveClient(ctx, codeOnly); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}

	result, err := srv.Grants.Authorize(ctx, &AuthorizeRequest{
		ResponseType: ResponseTypeToken,
		ClientID:     "code-only",
		RedirectURI:  "https://app.example.com/cb",
	}, testSubject)
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	if result.Error == nil || result.Error.Code != ErrorCodeUnauthorizedClient {
		t.Fatalf("result.Error = %v, want unauthorized_client", result.Error)
	}
}

func TestAuthorize_Implicit(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)
	ctx := context.Background()

	result, err := srv.Grants.Authorize(ctx, &AuthorizeRequest{
		ResponseType: ResponseTypeToken,
		ClientID:     testutil.PublicClientID,
		RedirectURI:  "https://app.example.com/alt",
		State:        "st",
	}, testSubject)
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}

	u, _ := url.Parse(result.RedirectURL)
	if u.RawQuery != "" {
		t.Errorf("implicit response must not use the query, got %q", u.RawQuery)
	}
	params, err := url.ParseQuery(u.Fragment)
	if err != nil {
		t.Fatalf("ParseQuery(fragment) error = %v", err)
	}
	if params.Get("token_type") != TokenTypeBearer {
		t.Errorf("token_type = %q", params.Get("token_type"))
	}
	if params.Get("expires_in") != "3600" {
		t.Errorf("expires_in = %q, want 3600", params.Get("expires_in"))
	}
	if params.Get("state") != "st" || params.Get("scope") != "read" {
		t.Errorf("fragment = %q", u.Fragment)
	}
	if params.Get("refresh_token") != "" {
		t.Error("implicit flow must not issue a refresh token")
	}

	if _, err := srv.Tokens.ValidateAccessToken(ctx, params.Get("access_token")); err != nil {
		t.Errorf("implicit access token should validate: %v", err)
	}
}

func TestAuthorize_ImplicitAuditsClientIP(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)
	var buf bytes.Buffer
	srv.SetAuditor(security.NewAuditor(slog.New(slog.NewJSONHandler(&buf, nil)), true))

	result, err := srv.Grants.Authorize(context.Background(), &AuthorizeRequest{
		ResponseType: ResponseTypeToken,
		ClientID:     testutil.PublicClientID,
		RedirectURI:  "https://app.example.com/cb",
		ClientIP:     "203.0.113.7",
	}, testSubject)
	if err != nil || result.Error != nil {
		t.Fatalf("Authorize() = %+v, %v", result, err)
	}

	var issued bool
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var rec map[string]any
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			t.Fatalf("audit record %q: %v", line, err)
		}
		if rec["event_type"] != security.EventTokenIssued {
			continue
		}
		issued = true
		if rec["ip_address"] != "203.0.113.7" {
			t.Errorf("ip_address = %v, want 203.0.113.7", rec["ip_address"])
		}
	}
	if !issued {
		t.Fatalf("no token_issued audit record in %q", buf.String())
	}
}

func TestAuthorize_PreservesRedirectQuery(t *testing.T) {
	srv, store, _ := newTestServer(t, nil)
	ctx := context.Background()

	client := testutil.PublicClient()
	client.ClientID = "with-query"
	client.RedirectURIs = []string{"https://app.example.com/cb?tenant=acme"}
	if err := store.SaveClient(ctx, client); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}

	result, err := srv.Grants.Authorize(ctx, &AuthorizeRequest{
		ResponseType: ResponseTypeCode,
		ClientID:     "with-query",
		RedirectURI:  "https://app.example.com/cb?tenant=acme",
	}, testSubject)
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}

	u, _ := url.Parse(result.RedirectURL)
	if u.Query().Get("tenant") != "acme" || u.Query().Get("code") == "" {
		t.Errorf("RedirectURL = %q, want existing query kept and code added", result.RedirectURL)
	}
	if u.Query().Has("state") {
		t.Error("state should be omitted when not sent")
	}
}

func TestAuthorize_ServerError(t *testing.T) {
	failing := mock.New(testutil.NewSeededStore(t))
	srv, _, _ := newTestServerWithStore(t, failing, nil)
	failing.SaveAuthorizationCodeFunc = func(context.Context, *storage.AuthorizationCode) error {
		return errors.New("disk full")
	}

	result, err := srv.Grants.Authorize(context.Background(), &AuthorizeRequest{
		ResponseType: ResponseTypeCode,
		ClientID:     testutil.ConfidentialClientID,
		RedirectURI:  testutil.RedirectURI,
	}, testSubject)
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}

	u, _ := url.Parse(result.RedirectURL)
	if u.Query().Get("error") != ErrorCodeServerError {
		t.Errorf("RedirectURL = %q, want error=server_error", result.RedirectURL)
	}
	if strings.Contains(result.RedirectURL, "disk") {
		t.Error("internal error details must not leak into the redirect")
	}
	if u.Query().Has("error_description") {
		t.Error("server_error redirect should carry no description")
	}
}
