package server

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/giantswarm/oauth-core/internal/testutil"
	"github.com/giantswarm/oauth-core/storage"
)

var testNow = time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)

// newTestServer returns a server over a seeded memory store with a mock clock.
func newTestServer(t *testing.T, config *Config) (*Server, storage.Store, *testutil.MockTime) {
	t.Helper()
	store := testutil.NewSeededStore(t)
	srv, _, clock := newTestServerWithStore(t, store, config)
	store.SetClock(clock.Now)
	return srv, store, clock
}

func newTestServerWithStore(t *testing.T, store storage.Store, config *Config) (*Server, storage.Store, *testutil.MockTime) {
	t.Helper()

	srv, err := New(store, config, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	clock := testutil.NewMockTime(testNow)
	srv.SetClock(clock.Now)
	srv.SetPasswordHasher(testutil.Hasher)
	return srv, store, clock
}

// confidentialClient loads the seeded confidential client.
func confidentialClient(t *testing.T, srv *Server) *storage.Client {
	t.Helper()
	c, err := srv.Clients.GetClient(context.Background(), testutil.ConfidentialClientID)
	if err != nil {
		t.Fatalf("GetClient() error = %v", err)
	}
	return c
}

// requireErrorCode fails unless err is an *Error with the given code.
func requireErrorCode(t *testing.T, err error, code string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", code)
	}
	var oauthErr *Error
	if !errors.As(err, &oauthErr) {
		t.Fatalf("expected *Error with code %s, got %T: %v", code, err, err)
	}
	if oauthErr.Code != code {
		t.Fatalf("error code = %q, want %q (%v)", oauthErr.Code, code, err)
	}
}

func TestNew(t *testing.T) {
	store := testutil.NewSeededStore(t)

	srv, err := New(store, nil, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if srv.Logger == nil {
		t.Error("Logger should not be nil")
	}
	if srv.Config.AuthorizationCodeTTL != DefaultAuthorizationCodeTTL {
		t.Errorf("AuthorizationCodeTTL = %d, want %d", srv.Config.AuthorizationCodeTTL, DefaultAuthorizationCodeTTL)
	}
	if srv.Config.AccessTokenTTL != DefaultAccessTokenTTL {
		t.Errorf("AccessTokenTTL = %d, want %d", srv.Config.AccessTokenTTL, DefaultAccessTokenTTL)
	}
	if srv.Config.RefreshTokenTTL != DefaultRefreshTokenTTL {
		t.Errorf("RefreshTokenTTL = %d, want %d", srv.Config.RefreshTokenTTL, DefaultRefreshTokenTTL)
	}
	if srv.Config.BcryptCost != 10 {
		t.Errorf("BcryptCost = %d, want 10", srv.Config.BcryptCost)
	}
	if srv.Config.DisableRefreshTokenRotation {
		t.Error("refresh token rotation should be on by default")
	}
	if srv.Store() != store {
		t.Error("Store() should return the backing store")
	}
}

func TestNew_NilStore(t *testing.T) {
	if _, err := New(nil, nil, nil); err == nil {
		t.Fatal("New(nil) should fail")
	}
}

func TestApplySecureDefaults_Warnings(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	config := applySecureDefaults(&Config{
		AccessTokenTTL:              -5,
		AuthorizationCodeTTL:        3600,
		DisableRefreshTokenRotation: true,
	}, logger)

	if config.AccessTokenTTL != DefaultAccessTokenTTL {
		t.Errorf("negative AccessTokenTTL should fall back to default, got %d", config.AccessTokenTTL)
	}

	out := buf.String()
	for _, want := range []string{
		"Negative lifetime replaced by default",
		"Refresh token rotation is DISABLED",
		"Long authorization code lifetime",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q", want)
		}
	}
}

func TestError(t *testing.T) {
	cause := errors.New("connection refused")
	err := ErrServerError("failed to save", cause)

	if err.Status != 500 {
		t.Errorf("Status = %d, want 500", err.Status)
	}
	if !errors.Is(err, cause) {
		t.Error("server_error should unwrap to its cause")
	}
	if err.Error() != "server_error: failed to save" {
		t.Errorf("Error() = %q", err.Error())
	}

	if got := AsError(cause); got.Code != ErrorCodeServerError || !errors.Is(got, cause) {
		t.Errorf("AsError(plain) = %v", got)
	}
	if got := AsError(ErrInvalidGrant("x")); got.Code != ErrorCodeInvalidGrant {
		t.Errorf("AsError(*Error) code = %q", got.Code)
	}
	if AsError(nil) != nil {
		t.Error("AsError(nil) should be nil")
	}

	tests := []struct {
		err    *Error
		status int
	}{
		{ErrInvalidRequest(""), 400},
		{ErrInvalidClient(""), 401},
		{ErrInvalidGrant(""), 400},
		{ErrUnauthorizedClient(""), 400},
		{ErrUnsupportedGrantType(""), 400},
		{ErrUnsupportedResponseType(""), 400},
		{ErrInvalidScope(""), 400},
		{ErrAccessDenied(""), 403},
		{ErrInvalidToken(""), 401},
	}
	for _, tt := range tests {
		if tt.err.Status != tt.status {
			t.Errorf("%s status = %d, want %d", tt.err.Code, tt.err.Status, tt.status)
		}
		if tt.err.Error() != tt.err.Code {
			t.Errorf("Error() without description = %q, want %q", tt.err.Error(), tt.err.Code)
		}
	}
}
