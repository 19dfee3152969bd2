package oauth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/giantswarm/oauth-core/internal/testutil"
	"github.com/giantswarm/oauth-core/storage"
)

func TestValidateToken_Header(t *testing.T) {
	env := newTestEnv(t, nil)

	reached := false
	protected := env.handler.ValidateToken(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		reached = true
	}))

	tests := []struct {
		name   string
		header string
	}{
		{"missing", ""},
		{"wrong scheme", "Basic dGVzdDp0ZXN0"},
		{"empty token", "Bearer   "},
		{"no separator", "Bearer"},
		{"unknown token", "Bearer not-a-real-token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()

			protected.ServeHTTP(rec, req)

			if rec.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", rec.Code)
			}
			challenge := rec.Header().Get("WWW-Authenticate")
			if !strings.HasPrefix(challenge, `Bearer realm="`+env.ts.URL+`"`) {
				t.Errorf("WWW-Authenticate = %q", challenge)
			}
			if reached {
				t.Fatal("next handler must not run")
			}
		})
	}
}

func TestValidateToken_ExpiredToken(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	client, err := env.srv.Clients.GetClient(ctx, testutil.ConfidentialClientID)
	if err != nil {
		t.Fatalf("GetClient() error = %v", err)
	}
	expired := &storage.AccessToken{
		Token:     "expired-token",
		ClientID:  client.ClientID,
		UserID:    testutil.UserID,
		Scopes:    []string{"read"},
		ExpiresAt: time.Now().Add(-time.Second),
		CreatedAt: time.Now().Add(-time.Hour),
	}
	if err := env.srv.Store().SaveAccessToken(ctx, expired); err != nil {
		t.Fatalf("SaveAccessToken() error = %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api", nil)
	req.Header.Set("Authorization", "Bearer expired-token")
	rec := httptest.NewRecorder()
	env.handler.ValidateToken(http.NotFoundHandler()).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestRequireScope(t *testing.T) {
	env := newTestEnv(t, nil)
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	token := &storage.AccessToken{Token: "t", UserID: testutil.UserID, ClientID: testutil.ConfidentialClientID, Scopes: []string{"read", "write"}}

	tests := []struct {
		name     string
		required []string
		want     int
	}{
		{"subset", []string{"read"}, http.StatusNoContent},
		{"all", []string{"write", "read"}, http.StatusNoContent},
		{"nothing required", nil, http.StatusNoContent},
		{"missing one", []string{"read", "admin"}, http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api", nil)
			req = req.WithContext(ContextWithAccessToken(req.Context(), token))
			rec := httptest.NewRecorder()

			env.handler.RequireScope(tt.required...)(ok).ServeHTTP(rec, req)

			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}

	t.Run("without ValidateToken", func(t *testing.T) {
		rec := httptest.NewRecorder()
		env.handler.RequireScope("read")(ok).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api", nil))
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
	})
}

func TestAccessTokenFromContext(t *testing.T) {
	if _, ok := AccessTokenFromContext(context.Background()); ok {
		t.Error("empty context should not carry a token")
	}

	at := &storage.AccessToken{Token: "x"}
	got, ok := AccessTokenFromContext(ContextWithAccessToken(context.Background(), at))
	if !ok || got != at {
		t.Errorf("AccessTokenFromContext() = %v, %v", got, ok)
	}
}
