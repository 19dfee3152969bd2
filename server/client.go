package server

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/giantswarm/oauth-core/instrumentation"
	"github.com/giantswarm/oauth-core/internal/util"
	"github.com/giantswarm/oauth-core/security"
	"github.com/giantswarm/oauth-core/storage"
)

var supportedGrantTypes = []string{
	storage.GrantTypeAuthorizationCode,
	storage.GrantTypeImplicit,
	storage.GrantTypePassword,
	storage.GrantTypeClientCredentials,
	storage.GrantTypeRefreshToken,
}

// ClientRegistry authenticates clients and manages their registrations.
type ClientRegistry struct {
	store  storage.ClientStore
	scopes *ScopeValidator
	*env
}

// ClientRegistration describes a client to register. Empty ClientID and
// ClientSecret are generated.
type ClientRegistration struct {
	ClientID     string
	ClientSecret string
	ClientType   string // default: confidential
	Name         string
	RedirectURIs []string
	GrantTypes   []string // default: authorization_code, refresh_token
	Scopes       []string
	OwnerID      string
}

// ClientUpdate lists the registration fields to change. Nil fields are kept.
type ClientUpdate struct {
	Name         *string
	RedirectURIs []string
	GrantTypes   []string
	Scopes       []string
}

// GetClient looks a client up. Unknown clients give invalid_client.
func (r *ClientRegistry) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	if clientID == "" {
		return nil, ErrInvalidClient("client_id is required")
	}
	client, err := r.store.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			return nil, ErrInvalidClient("unknown client")
		}
		return nil, ErrServerError("failed to load client", err)
	}
	return client, nil
}

// ValidateClient checks clientID and, when non-empty, clientSecret. An
// unknown client still costs one bcrypt comparison.
func (r *ClientRegistry) ValidateClient(ctx context.Context, clientID, clientSecret string) (*storage.Client, error) {
	client, err := r.GetClient(ctx, clientID)
	if err != nil {
		if e := AsError(err); e.Code == ErrorCodeInvalidClient && clientSecret != "" {
			_ = security.CompareOrDummy(r.hasher, "", clientSecret)
		}
		r.recordAuthFailure(ctx, clientID, "unknown_client", err)
		return nil, err
	}

	if clientSecret == "" {
		return client, nil
	}

	if err := security.CompareOrDummy(r.hasher, client.ClientSecretHash, clientSecret); err != nil {
		r.recordAuthFailure(ctx, clientID, "invalid_secret", err)
		return nil, ErrInvalidClient("client authentication failed")
	}
	return client, nil
}

// AuthenticateClient is ValidateClient for back-channel requests: a
// confidential client must present its secret.
func (r *ClientRegistry) AuthenticateClient(ctx context.Context, clientID, clientSecret string) (*storage.Client, error) {
	client, err := r.ValidateClient(ctx, clientID, clientSecret)
	if err != nil {
		return nil, err
	}
	if !client.IsPublic() && clientSecret == "" {
		r.recordAuthFailure(ctx, clientID, "missing_secret", nil)
		return nil, ErrInvalidClient("client authentication failed")
	}
	return client, nil
}

func (r *ClientRegistry) recordAuthFailure(ctx context.Context, clientID, reason string, err error) {
	r.logger.Debug("Client authentication failed",
		"client_id", clientID,
		"reason", reason,
		"error", err)
	if r.metrics != nil {
		r.metrics.RecordClientAuthFailure(ctx, reason)
	}
	r.auditor.LogAuthFailure("", clientID, "", reason)
}

// CheckRedirectURI reports whether uri is registered for the client. Only
// exact string matches count.
func (r *ClientRegistry) CheckRedirectURI(client *storage.Client, uri string) bool {
	return uri != "" && slices.Contains(client.RedirectURIs, uri)
}

// CheckGrantAllowed reports whether the client may use grantType.
func (r *ClientRegistry) CheckGrantAllowed(client *storage.Client, grantType string) bool {
	return client.AllowsGrant(grantType)
}

// ============================================================
// Registration
// ============================================================

// RegisterClient validates and stores a new client. The plaintext secret is
// returned once and only its hash is kept; public clients get none.
func (r *ClientRegistry) RegisterClient(ctx context.Context, reg ClientRegistration) (*storage.Client, string, error) {
	ctx, span := r.startSpan(ctx, "server.RegisterClient")
	defer span.End()

	client, err := r.buildClient(reg)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, "", err
	}

	if _, err := r.store.GetClient(ctx, client.ClientID); err == nil {
		return nil, "", fmt.Errorf("%w: %s", storage.ErrClientExists, client.ClientID)
	} else if !errors.Is(err, storage.ErrClientNotFound) {
		return nil, "", fmt.Errorf("failed to check client: %w", err)
	}

	var secret string
	if !client.IsPublic() {
		secret = reg.ClientSecret
		if secret == "" {
			secret = generateRandomToken()
		}
		hash, err := r.hasher.Hash(secret)
		if err != nil {
			return nil, "", fmt.Errorf("failed to hash client secret: %w", err)
		}
		client.ClientSecretHash = hash
	}

	if err := r.store.SaveClient(ctx, client); err != nil {
		return nil, "", fmt.Errorf("failed to save client: %w", err)
	}

	r.auditor.LogClientRegistered(client.ClientID, client.ClientType, client.OwnerID)
	if r.metrics != nil {
		r.metrics.RecordClientRegistration(ctx, client.ClientType)
	}
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, client.ClientID),
		attribute.String(instrumentation.AttrClientType, client.ClientType))
	instrumentation.SetSpanSuccess(span)

	r.logger.Info("Registered new OAuth client",
		"client_id", client.ClientID,
		"client_name", client.Name,
		"client_type", client.ClientType,
		"grant_types", client.GrantTypes)
	return client, secret, nil
}

func (r *ClientRegistry) buildClient(reg ClientRegistration) (*storage.Client, error) {
	clientType := reg.ClientType
	if clientType == "" {
		clientType = storage.ClientTypeConfidential
	}
	if clientType != storage.ClientTypeConfidential && clientType != storage.ClientTypePublic {
		return nil, ErrInvalidRequest(fmt.Sprintf("unsupported client type %q", clientType))
	}

	grantTypes := util.Dedupe(reg.GrantTypes)
	if len(grantTypes) == 0 {
		grantTypes = []string{storage.GrantTypeAuthorizationCode, storage.GrantTypeRefreshToken}
	}
	for _, gt := range grantTypes {
		if !slices.Contains(supportedGrantTypes, gt) {
			return nil, ErrInvalidRequest(fmt.Sprintf("unsupported grant type %q", gt))
		}
	}
	if clientType == storage.ClientTypePublic && slices.Contains(grantTypes, storage.GrantTypeClientCredentials) {
		return nil, ErrInvalidRequest("public clients cannot use client_credentials")
	}

	redirectURIs := util.Dedupe(reg.RedirectURIs)
	for _, uri := range redirectURIs {
		if err := validateRedirectURI(uri); err != nil {
			return nil, err
		}
	}
	needsRedirect := slices.Contains(grantTypes, storage.GrantTypeAuthorizationCode) ||
		slices.Contains(grantTypes, storage.GrantTypeImplicit)
	if needsRedirect && len(redirectURIs) == 0 {
		return nil, ErrInvalidRequest("at least one redirect URI is required for browser grants")
	}

	scopes := util.Dedupe(reg.Scopes)
	if err := r.scopes.checkSupported(scopes); err != nil {
		return nil, err
	}

	clientID := reg.ClientID
	if clientID == "" {
		clientID = uuid.NewString()
	}

	now := r.now()
	return &storage.Client{
		ID:           uuid.NewString(),
		ClientID:     clientID,
		ClientType:   clientType,
		Name:         reg.Name,
		RedirectURIs: redirectURIs,
		GrantTypes:   grantTypes,
		Scopes:       scopes,
		OwnerID:      reg.OwnerID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// validateRedirectURI requires an absolute URI without a fragment (RFC 6749 Section 3.1.2).
func validateRedirectURI(uri string) error {
	u, err := url.Parse(uri)
	if err != nil {
		return ErrInvalidRequest(fmt.Sprintf("invalid redirect URI %q", uri))
	}
	if !u.IsAbs() || (u.Host == "" && u.Opaque == "" && u.Path == "") {
		return ErrInvalidRequest(fmt.Sprintf("redirect URI %q must be absolute", uri))
	}
	if u.Fragment != "" || u.RawFragment != "" {
		return ErrInvalidRequest(fmt.Sprintf("redirect URI %q must not contain a fragment", uri))
	}
	return nil
}

// UpdateClient changes a client's name, redirect URIs, grant types or scopes.
// The result is validated like a new registration. The client ID, type and
// secret are never changed, and tokens already issued stay valid.
func (r *ClientRegistry) UpdateClient(ctx context.Context, clientID string, update ClientUpdate) (*storage.Client, error) {
	ctx, span := r.startSpan(ctx, "server.UpdateClient",
		attribute.String(instrumentation.AttrClientID, clientID))
	defer span.End()

	client, err := r.store.GetClient(ctx, clientID)
	if err != nil {
		return nil, err
	}

	reg := ClientRegistration{
		ClientID:     client.ClientID,
		ClientType:   client.ClientType,
		Name:         client.Name,
		RedirectURIs: client.RedirectURIs,
		GrantTypes:   client.GrantTypes,
		Scopes:       client.Scopes,
		OwnerID:      client.OwnerID,
	}
	if update.Name != nil {
		reg.Name = *update.Name
	}
	if update.RedirectURIs != nil {
		reg.RedirectURIs = update.RedirectURIs
	}
	if update.GrantTypes != nil {
		reg.GrantTypes = update.GrantTypes
	}
	if update.Scopes != nil {
		reg.Scopes = update.Scopes
	}

	validated, err := r.buildClient(reg)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}

	client.Name = validated.Name
	client.RedirectURIs = validated.RedirectURIs
	client.GrantTypes = validated.GrantTypes
	client.Scopes = validated.Scopes
	client.UpdatedAt = validated.UpdatedAt

	if err := r.store.SaveClient(ctx, client); err != nil {
		return nil, fmt.Errorf("failed to save client: %w", err)
	}

	r.auditor.LogEvent(security.Event{
		Type:     security.EventClientUpdated,
		ClientID: clientID,
		Details: map[string]any{
			"grant_types": client.GrantTypes,
			"scope":       FormatScope(client.Scopes),
		},
	})
	instrumentation.SetSpanSuccess(span)
	r.logger.Info("Updated client",
		"client_id", clientID,
		"grant_types", client.GrantTypes,
		"redirect_uris", len(client.RedirectURIs))
	return client, nil
}

// RegenerateClientSecret replaces a confidential client's secret. Tokens
// already issued stay valid.
func (r *ClientRegistry) RegenerateClientSecret(ctx context.Context, clientID string) (string, error) {
	client, err := r.store.GetClient(ctx, clientID)
	if err != nil {
		return "", err
	}
	if client.IsPublic() {
		return "", ErrInvalidRequest("public clients have no secret")
	}

	secret := generateRandomToken()
	hash, err := r.hasher.Hash(secret)
	if err != nil {
		return "", fmt.Errorf("failed to hash client secret: %w", err)
	}
	client.ClientSecretHash = hash
	client.UpdatedAt = r.now()

	if err := r.store.SaveClient(ctx, client); err != nil {
		return "", fmt.Errorf("failed to save client: %w", err)
	}

	r.auditor.LogEvent(security.Event{
		Type:     security.EventClientSecretRegenerated,
		ClientID: clientID,
	})
	r.logger.Info("Regenerated client secret", "client_id", clientID)
	return secret, nil
}

// DeleteClient removes a client registration.
func (r *ClientRegistry) DeleteClient(ctx context.Context, clientID string) error {
	if err := r.store.DeleteClient(ctx, clientID); err != nil {
		return err
	}
	r.auditor.LogEvent(security.Event{
		Type:     security.EventClientDeleted,
		ClientID: clientID,
	})
	r.logger.Info("Deleted client", "client_id", clientID)
	return nil
}

// ListClients returns all registered clients.
func (r *ClientRegistry) ListClients(ctx context.Context) ([]*storage.Client, error) {
	return r.store.ListClients(ctx)
}
