package valkey

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/giantswarm/oauth-core/storage"
)

// grantJSON is the shared encoding of codes, access tokens and refresh tokens.
// The client_id field name is read by luaConsumeIfClient.
type grantJSON struct {
	Value       string    `json:"value"`
	UserID      string    `json:"user_id"`
	ClientID    string    `json:"client_id"`
	Scopes      []string  `json:"scopes,omitempty"`
	RedirectURI string    `json:"redirect_uri,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func decodeGrant(data string) (*grantJSON, error) {
	var g grantJSON
	if err := json.Unmarshal([]byte(data), &g); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return &g, nil
}

func (g *grantJSON) toCode() *storage.AuthorizationCode {
	return &storage.AuthorizationCode{
		Code:        g.Value,
		UserID:      g.UserID,
		ClientID:    g.ClientID,
		Scopes:      g.Scopes,
		RedirectURI: g.RedirectURI,
		CreatedAt:   g.CreatedAt,
		ExpiresAt:   g.ExpiresAt,
	}
}

func (g *grantJSON) toAccessToken() *storage.AccessToken {
	return &storage.AccessToken{
		Token:     g.Value,
		UserID:    g.UserID,
		ClientID:  g.ClientID,
		Scopes:    g.Scopes,
		CreatedAt: g.CreatedAt,
		ExpiresAt: g.ExpiresAt,
	}
}

func (g *grantJSON) toRefreshToken() *storage.RefreshToken {
	return &storage.RefreshToken{
		Token:     g.Value,
		UserID:    g.UserID,
		ClientID:  g.ClientID,
		Scopes:    g.Scopes,
		CreatedAt: g.CreatedAt,
		ExpiresAt: g.ExpiresAt,
	}
}

// saveGrant writes the record with a TTL and indexes it under its
// (user, client) pair so it can be revoked in bulk.
func (s *Store) saveGrant(ctx context.Context, key string, g *grantJSON, extra ...valkeygo.Completed) error {
	ttl := calculateTTL(g.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("record already expired")
	}

	data, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	cmds := valkeygo.Commands{
		s.client.B().Set().Key(key).Value(string(data)).Ex(ttl).Build(),
	}
	if g.UserID != "" {
		cmds = append(cmds, s.indexCommands(s.grantIndexKey(g.UserID, g.ClientID), key, ttl)...)
	}
	cmds = append(cmds, extra...)

	for _, resp := range s.client.DoMulti(ctx, cmds...) {
		if err := resp.Error(); err != nil {
			return fmt.Errorf("failed to save record: %w", err)
		}
	}
	return nil
}

// indexCommands adds member to an index set whose TTL tracks its
// longest-lived member: NX sets the first expiry, GT only ever extends it.
func (s *Store) indexCommands(indexKey, member string, ttl time.Duration) valkeygo.Commands {
	seconds := int64(ttl.Seconds())
	return valkeygo.Commands{
		s.client.B().Sadd().Key(indexKey).Member(member).Build(),
		s.client.B().Expire().Key(indexKey).Seconds(seconds).Nx().Build(),
		s.client.B().Expire().Key(indexKey).Seconds(seconds).Gt().Build(),
	}
}

func (s *Store) getGrant(ctx context.Context, key string) (*grantJSON, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrTokenNotFound
		}
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	return decodeGrant(data)
}

// ============================================================
// CodeStore Implementation
// ============================================================

// SaveAuthorizationCode stores a code until it expires
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_authorization_code")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "save_authorization_code", err, startTime) }()

	if code == nil || code.Code == "" {
		return fmt.Errorf("authorization code is required")
	}

	return s.saveGrant(ctx, s.codeKey(code.Code), &grantJSON{
		Value:       code.Code,
		UserID:      code.UserID,
		ClientID:    code.ClientID,
		Scopes:      code.Scopes,
		RedirectURI: code.RedirectURI,
		CreatedAt:   code.CreatedAt,
		ExpiresAt:   code.ExpiresAt,
	})
}

// ConsumeAuthorizationCode atomically removes and returns a code issued to clientID.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code, clientID string) (_ *storage.AuthorizationCode, err error) {
	ctx, span := s.startStorageSpan(ctx, "consume_authorization_code")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "consume_authorization_code", err, startTime) }()

	if code == "" || len(code) > MaxTokenLength {
		return nil, storage.ErrCodeNotFound
	}

	data, err := s.consumeIfClient(ctx, s.codeKey(code), clientID, storage.ErrCodeNotFound)
	if err != nil {
		return nil, err
	}
	g, err := decodeGrant(data)
	if err != nil {
		return nil, err
	}
	return g.toCode(), nil
}

// ============================================================
// TokenStore Implementation
// ============================================================

// SaveAccessToken stores an access token and indexes it by user
func (s *Store) SaveAccessToken(ctx context.Context, token *storage.AccessToken) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_access_token")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "save_access_token", err, startTime) }()

	if token == nil || token.Token == "" {
		return fmt.Errorf("access token is required")
	}

	key := s.accessTokenKey(token.Token)
	var extra valkeygo.Commands
	if token.UserID != "" {
		extra = s.indexCommands(s.userAccessIndexKey(token.UserID), key, calculateTTL(token.ExpiresAt))
	}

	return s.saveGrant(ctx, key, &grantJSON{
		Value:     token.Token,
		UserID:    token.UserID,
		ClientID:  token.ClientID,
		Scopes:    token.Scopes,
		CreatedAt: token.CreatedAt,
		ExpiresAt: token.ExpiresAt,
	}, extra...)
}

// GetAccessToken looks up an access token. Expired tokens are still returned
// until their key TTL fires; callers check ExpiresAt.
func (s *Store) GetAccessToken(ctx context.Context, token string) (_ *storage.AccessToken, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_access_token")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "get_access_token", err, startTime) }()

	if token == "" || len(token) > MaxTokenLength {
		return nil, storage.ErrTokenNotFound
	}

	g, err := s.getGrant(ctx, s.accessTokenKey(token))
	if err != nil {
		return nil, err
	}
	return g.toAccessToken(), nil
}

// DeleteAccessToken removes an access token if it belongs to clientID
func (s *Store) DeleteAccessToken(ctx context.Context, token, clientID string) (_ bool, err error) {
	ctx, span := s.startStorageSpan(ctx, "delete_access_token")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "delete_access_token", err, startTime) }()

	return s.deleteIfClient(ctx, s.accessTokenKey(token), token, clientID)
}

// SaveRefreshToken stores a refresh token until it expires
func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_refresh_token")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "save_refresh_token", err, startTime) }()

	if token == nil || token.Token == "" {
		return fmt.Errorf("refresh token is required")
	}

	return s.saveGrant(ctx, s.refreshTokenKey(token.Token), &grantJSON{
		Value:     token.Token,
		UserID:    token.UserID,
		ClientID:  token.ClientID,
		Scopes:    token.Scopes,
		CreatedAt: token.CreatedAt,
		ExpiresAt: token.ExpiresAt,
	})
}

// GetRefreshToken looks up a refresh token without consuming it
func (s *Store) GetRefreshToken(ctx context.Context, token string) (_ *storage.RefreshToken, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_refresh_token")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "get_refresh_token", err, startTime) }()

	if token == "" || len(token) > MaxTokenLength {
		return nil, storage.ErrTokenNotFound
	}

	g, err := s.getGrant(ctx, s.refreshTokenKey(token))
	if err != nil {
		return nil, err
	}
	return g.toRefreshToken(), nil
}

// DeleteRefreshToken removes a refresh token if it belongs to clientID
func (s *Store) DeleteRefreshToken(ctx context.Context, token, clientID string) (_ bool, err error) {
	ctx, span := s.startStorageSpan(ctx, "delete_refresh_token")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "delete_refresh_token", err, startTime) }()

	return s.deleteIfClient(ctx, s.refreshTokenKey(token), token, clientID)
}

// ConsumeRefreshToken atomically removes and returns a refresh token issued to clientID.
func (s *Store) ConsumeRefreshToken(ctx context.Context, token, clientID string) (_ *storage.RefreshToken, err error) {
	ctx, span := s.startStorageSpan(ctx, "consume_refresh_token")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "consume_refresh_token", err, startTime) }()

	if token == "" || len(token) > MaxTokenLength {
		return nil, storage.ErrTokenNotFound
	}

	data, err := s.consumeIfClient(ctx, s.refreshTokenKey(token), clientID, storage.ErrTokenNotFound)
	if err != nil {
		return nil, err
	}
	g, err := decodeGrant(data)
	if err != nil {
		return nil, err
	}
	return g.toRefreshToken(), nil
}

// deleteIfClient reuses the consume script; a mismatch or missing key is
// reported as not deleted rather than as an error.
func (s *Store) deleteIfClient(ctx context.Context, key, token, clientID string) (bool, error) {
	if token == "" || len(token) > MaxTokenLength {
		return false, nil
	}
	_, err := s.consumeIfClient(ctx, key, clientID, storage.ErrTokenNotFound)
	switch {
	case err == nil:
		return true, nil
	case storage.IsNotFound(err), errors.Is(err, storage.ErrClientMismatch):
		return false, nil
	default:
		return false, err
	}
}

// ============================================================
// TokenRevocationStore Implementation
// ============================================================

// RevokeAllTokensForUserClient deletes every code and token the user granted
// to the client. Index members whose keys already expired are not counted.
func (s *Store) RevokeAllTokensForUserClient(ctx context.Context, userID, clientID string) (_ int, err error) {
	ctx, span := s.startStorageSpan(ctx, "revoke_all_tokens_for_user_client")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "revoke_all_tokens_for_user_client", err, startTime) }()

	indexKey := s.grantIndexKey(userID, clientID)
	keys, err := s.client.Do(ctx, s.client.B().Smembers().Key(indexKey).Build()).AsStrSlice()
	if err != nil {
		return 0, fmt.Errorf("failed to read grant index: %w", err)
	}

	revoked := 0
	for _, key := range keys {
		n, err := s.client.Do(ctx, s.client.B().Del().Key(key).Build()).AsInt64()
		if err != nil {
			return revoked, fmt.Errorf("failed to revoke %s: %w", key, err)
		}
		revoked += int(n)
	}

	if err := s.client.Do(ctx, s.client.B().Del().Key(indexKey).Build()).Error(); err != nil {
		s.logger.Warn("Failed to delete grant index", "user_id", userID, "client_id", clientID, "error", err)
	}

	s.logger.Info("Revoked all tokens for user and client",
		"user_id", userID,
		"client_id", clientID,
		"revoked", revoked)
	return revoked, nil
}

// ListAccessTokensForUser returns the user's live access tokens and prunes
// index entries whose keys have expired.
func (s *Store) ListAccessTokensForUser(ctx context.Context, userID string) (_ []*storage.AccessToken, err error) {
	ctx, span := s.startStorageSpan(ctx, "list_access_tokens_for_user")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "list_access_tokens_for_user", err, startTime) }()

	indexKey := s.userAccessIndexKey(userID)
	keys, err := s.client.Do(ctx, s.client.B().Smembers().Key(indexKey).Build()).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to read access token index: %w", err)
	}

	var tokens []*storage.AccessToken
	var stale []string
	for _, key := range keys {
		g, err := s.getGrant(ctx, key)
		if storage.IsNotFound(err) {
			stale = append(stale, key)
			continue
		}
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, g.toAccessToken())
	}

	if len(stale) > 0 {
		_ = s.client.Do(ctx, s.client.B().Srem().Key(indexKey).Member(stale...).Build()).Error()
	}

	slices.SortFunc(tokens, func(a, b *storage.AccessToken) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return tokens, nil
}
