package server

import (
	"context"
	"errors"
	"testing"

	"github.com/giantswarm/oauth-core/internal/testutil"
	"github.com/giantswarm/oauth-core/storage"
)

func TestClientRegistry_ValidateClient(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)
	ctx := context.Background()

	tests := []struct {
		name     string
		clientID string
		secret   string
		wantCode string
	}{
		{"correct secret", testutil.ConfidentialClientID, testutil.ConfidentialClientSecret, ""},
		{"secret not provided", testutil.ConfidentialClientID, "", ""},
		{"wrong secret", testutil.ConfidentialClientID, "wrong", ErrorCodeInvalidClient},
		{"unknown client", "nobody", "whatever", ErrorCodeInvalidClient},
		{"unknown client without secret", "nobody", "", ErrorCodeInvalidClient},
		{"empty client id", "", "", ErrorCodeInvalidClient},
		{"public client with secret", testutil.PublicClientID, "guess", ErrorCodeInvalidClient},
		{"public client without secret", testutil.PublicClientID, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := srv.Clients.ValidateClient(ctx, tt.clientID, tt.secret)
			if tt.wantCode != "" {
				requireErrorCode(t, err, tt.wantCode)
				return
			}
			if err != nil {
				t.Fatalf("ValidateClient() error = %v", err)
			}
			if client.ClientID != tt.clientID {
				t.Errorf("ClientID = %q, want %q", client.ClientID, tt.clientID)
			}
		})
	}
}

func TestClientRegistry_AuthenticateClient(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)
	ctx := context.Background()

	_, err := srv.Clients.AuthenticateClient(ctx, testutil.ConfidentialClientID, "")
	requireErrorCode(t, err, ErrorCodeInvalidClient)

	if _, err := srv.Clients.AuthenticateClient(ctx, testutil.ConfidentialClientID, testutil.ConfidentialClientSecret); err != nil {
		t.Fatalf("AuthenticateClient() error = %v", err)
	}
	if _, err := srv.Clients.AuthenticateClient(ctx, testutil.PublicClientID, ""); err != nil {
		t.Fatalf("AuthenticateClient(public) error = %v", err)
	}
}

func TestClientRegistry_CheckRedirectURI(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)
	client := confidentialClient(t, srv)

	tests := []struct {
		uri  string
		want bool
	}{
		{testutil.RedirectURI, true},
		{"", false},
		{testutil.RedirectURI + "/", false},
		{testutil.RedirectURI + "/extra", false},
		{testutil.RedirectURI + "?x=1", false},
		{"http://localhost:3030/CALLBACK", false},
		{"http://localhost:3030", false},
	}
	for _, tt := range tests {
		if got := srv.Clients.CheckRedirectURI(client, tt.uri); got != tt.want {
			t.Errorf("CheckRedirectURI(%q) = %v, want %v", tt.uri, got, tt.want)
		}
	}
}

func TestClientRegistry_CheckGrantAllowed(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)
	client := confidentialClient(t, srv)

	if !srv.Clients.CheckGrantAllowed(client, storage.GrantTypePassword) {
		t.Error("password grant should be allowed")
	}
	if srv.Clients.CheckGrantAllowed(client, storage.GrantTypeClientCredentials) {
		t.Error("client_credentials should not be allowed")
	}
}

func TestClientRegistry_RegisterClient(t *testing.T) {
	srv, store, _ := newTestServer(t, nil)
	ctx := context.Background()

	client, secret, err := srv.Clients.RegisterClient(ctx, ClientRegistration{
		Name:         "Dashboard",
		RedirectURIs: []string{"https://dash.example.com/cb", "https://dash.example.com/cb"},
		Scopes:       []string{"read"},
		OwnerID:      testutil.UserID,
	})
	if err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}

	if client.ClientID == "" || secret == "" {
		t.Fatal("RegisterClient() should generate a client ID and secret")
	}
	if client.ClientType != storage.ClientTypeConfidential {
		t.Errorf("ClientType = %q, want confidential", client.ClientType)
	}
	if len(client.RedirectURIs) != 1 {
		t.Errorf("RedirectURIs = %v, want duplicates removed", client.RedirectURIs)
	}
	if len(client.GrantTypes) != 2 {
		t.Errorf("GrantTypes = %v, want default authorization_code and refresh_token", client.GrantTypes)
	}
	if client.ClientSecretHash == secret {
		t.Fatal("secret must be stored hashed")
	}

	stored, err := store.GetClient(ctx, client.ClientID)
	if err != nil {
		t.Fatalf("GetClient() error = %v", err)
	}
	if err := testutil.Hasher.Compare(stored.ClientSecretHash, secret); err != nil {
		t.Errorf("stored hash does not verify the returned secret: %v", err)
	}

	if _, err := srv.Clients.AuthenticateClient(ctx, client.ClientID, secret); err != nil {
		t.Errorf("AuthenticateClient() with new secret error = %v", err)
	}
}

func TestClientRegistry_RegisterClient_Public(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)

	client, secret, err := srv.Clients.RegisterClient(context.Background(), ClientRegistration{
		ClientID:     "spa",
		ClientType:   storage.ClientTypePublic,
		RedirectURIs: []string{"https://spa.example.com/"},
		GrantTypes:   []string{storage.GrantTypeImplicit},
	})
	if err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}
	if secret != "" || client.ClientSecretHash != "" {
		t.Error("public clients must not get a secret")
	}
	if client.ClientID != "spa" {
		t.Errorf("ClientID = %q, want spa", client.ClientID)
	}
}

func TestClientRegistry_RegisterClient_Validation(t *testing.T) {
	srv, _, _ := newTestServer(t, &Config{SupportedScopes: []string{"read", "write"}})
	ctx := context.Background()

	tests := []struct {
		name     string
		reg      ClientRegistration
		wantCode string
	}{
		{
			name:     "relative redirect URI",
			reg:      ClientRegistration{RedirectURIs: []string{"/callback"}},
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name:     "redirect URI with fragment",
			reg:      ClientRegistration{RedirectURIs: []string{"https://a.example.com/cb#frag"}},
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name:     "browser grant without redirect URI",
			reg:      ClientRegistration{GrantTypes: []string{storage.GrantTypeAuthorizationCode}},
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name:     "unknown grant type",
			reg:      ClientRegistration{GrantTypes: []string{"device_code"}},
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name: "public client_credentials",
			reg: ClientRegistration{
				ClientType: storage.ClientTypePublic,
				GrantTypes: []string{storage.GrantTypeClientCredentials},
			},
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name:     "unknown client type",
			reg:      ClientRegistration{ClientType: "trusted"},
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name: "unsupported scope",
			reg: ClientRegistration{
				GrantTypes: []string{storage.GrantTypeClientCredentials},
				Scopes:     []string{"admin"},
			},
			wantCode: ErrorCodeInvalidScope,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := srv.Clients.RegisterClient(ctx, tt.reg)
			requireErrorCode(t, err, tt.wantCode)
		})
	}
}

func TestClientRegistry_RegisterClient_Duplicate(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)

	_, _, err := srv.Clients.RegisterClient(context.Background(), ClientRegistration{
		ClientID:     testutil.ConfidentialClientID,
		RedirectURIs: []string{"https://x.example.com/cb"},
	})
	if !errors.Is(err, storage.ErrClientExists) {
		t.Fatalf("RegisterClient() error = %v, want ErrClientExists", err)
	}
}

func TestClientRegistry_RegenerateClientSecret(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)
	ctx := context.Background()

	secret, err := srv.Clients.RegenerateClientSecret(ctx, testutil.ConfidentialClientID)
	if err != nil {
		t.Fatalf("RegenerateClientSecret() error = %v", err)
	}

	_, err = srv.Clients.AuthenticateClient(ctx, testutil.ConfidentialClientID, testutil.ConfidentialClientSecret)
	requireErrorCode(t, err, ErrorCodeInvalidClient)

	if _, err := srv.Clients.AuthenticateClient(ctx, testutil.ConfidentialClientID, secret); err != nil {
		t.Errorf("AuthenticateClient() with regenerated secret error = %v", err)
	}

	_, err = srv.Clients.RegenerateClientSecret(ctx, testutil.PublicClientID)
	requireErrorCode(t, err, ErrorCodeInvalidRequest)

	if _, err := srv.Clients.RegenerateClientSecret(ctx, "nobody"); !errors.Is(err, storage.ErrClientNotFound) {
		t.Errorf("RegenerateClientSecret(unknown) error = %v, want ErrClientNotFound", err)
	}
}

func TestClientRegistry_UpdateClient(t *testing.T) {
	srv, _, _ := newTestServer(t, &Config{SupportedScopes: []string{"read", "write"}})
	ctx := context.Background()

	before := confidentialClient(t, srv)
	name := "Renamed"
	updated, err := srv.Clients.UpdateClient(ctx, testutil.ConfidentialClientID, ClientUpdate{
		Name:         &name,
		RedirectURIs: []string{"https://app.example.com/cb"},
		GrantTypes:   []string{storage.GrantTypeAuthorizationCode, storage.GrantTypeAuthorizationCode},
		Scopes:       []string{"read"},
	})
	if err != nil {
		t.Fatalf("UpdateClient() error = %v", err)
	}
	if updated.Name != "Renamed" || FormatScope(updated.Scopes) != "read" {
		t.Errorf("UpdateClient() = %+v", updated)
	}
	if len(updated.GrantTypes) != 1 {
		t.Errorf("GrantTypes = %v, want deduplicated", updated.GrantTypes)
	}

	stored := confidentialClient(t, srv)
	if stored.ID != before.ID || stored.ClientSecretHash != before.ClientSecretHash || stored.ClientType != before.ClientType {
		t.Errorf("identity or secret changed: before %+v, after %+v", before, stored)
	}
	if !srv.Clients.CheckRedirectURI(stored, "https://app.example.com/cb") || srv.Clients.CheckRedirectURI(stored, testutil.RedirectURI) {
		t.Errorf("RedirectURIs = %v, want only the new URI", stored.RedirectURIs)
	}
	if _, err := srv.Clients.AuthenticateClient(ctx, testutil.ConfidentialClientID, testutil.ConfidentialClientSecret); err != nil {
		t.Errorf("secret should survive an update: %v", err)
	}

	// a nil field keeps the current value
	if _, err := srv.Clients.UpdateClient(ctx, testutil.ConfidentialClientID, ClientUpdate{Scopes: []string{"write"}}); err != nil {
		t.Fatalf("UpdateClient(scopes) error = %v", err)
	}
	if stored := confidentialClient(t, srv); stored.Name != "Renamed" || len(stored.RedirectURIs) != 1 {
		t.Errorf("unchanged fields were modified: %+v", stored)
	}

	tests := []struct {
		name     string
		clientID string
		update   ClientUpdate
		wantCode string
	}{
		{"redirect URI with fragment", testutil.ConfidentialClientID, ClientUpdate{RedirectURIs: []string{"https://a.example.com/cb#x"}}, ErrorCodeInvalidRequest},
		{"browser grant loses redirect URIs", testutil.ConfidentialClientID, ClientUpdate{RedirectURIs: []string{}}, ErrorCodeInvalidRequest},
		{"unknown grant type", testutil.ConfidentialClientID, ClientUpdate{GrantTypes: []string{"device_code"}}, ErrorCodeInvalidRequest},
		{"public client_credentials", testutil.PublicClientID, ClientUpdate{GrantTypes: []string{storage.GrantTypeClientCredentials}}, ErrorCodeInvalidRequest},
		{"unsupported scope", testutil.ConfidentialClientID, ClientUpdate{Scopes: []string{"admin"}}, ErrorCodeInvalidScope},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := srv.Clients.UpdateClient(ctx, tt.clientID, tt.update)
			requireErrorCode(t, err, tt.wantCode)
		})
	}
	if stored := confidentialClient(t, srv); FormatScope(stored.Scopes) != "write" {
		t.Errorf("rejected updates must not be stored, Scopes = %v", stored.Scopes)
	}

	if _, err := srv.Clients.UpdateClient(ctx, "nobody", ClientUpdate{Name: &name}); !errors.Is(err, storage.ErrClientNotFound) {
		t.Errorf("UpdateClient(unknown) error = %v, want ErrClientNotFound", err)
	}
}

func TestClientRegistry_DeleteAndList(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)
	ctx := context.Background()

	clients, err := srv.Clients.ListClients(ctx)
	if err != nil {
		t.Fatalf("ListClients() error = %v", err)
	}
	if len(clients) != 3 {
		t.Fatalf("ListClients() = %d clients, want 3", len(clients))
	}

	if err := srv.Clients.DeleteClient(ctx, testutil.PublicClientID); err != nil {
		t.Fatalf("DeleteClient() error = %v", err)
	}
	_, err = srv.Clients.ValidateClient(ctx, testutil.PublicClientID, "")
	requireErrorCode(t, err, ErrorCodeInvalidClient)

	if err := srv.Clients.DeleteClient(ctx, testutil.PublicClientID); !errors.Is(err, storage.ErrClientNotFound) {
		t.Errorf("DeleteClient() twice error = %v, want ErrClientNotFound", err)
	}
}
