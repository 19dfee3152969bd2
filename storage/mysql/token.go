package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/giantswarm/oauth-core/storage"
)

// ============================================================
// CodeStore Implementation
// ============================================================

// SaveAuthorizationCode stores a new authorization code
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_authorization_code")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "save_authorization_code", err, startTime) }()

	if code == nil || code.Code == "" {
		return fmt.Errorf("authorization code is required")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO oauth_authorization_codes (
			code, user_id, client_id, scope, redirect_uri, created_at, expires_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		code.Code,
		code.UserID,
		code.ClientID,
		joinScopes(code.Scopes),
		code.RedirectURI,
		code.CreatedAt.UTC(),
		code.ExpiresAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert authorization code: %w", err)
	}
	return nil
}

// ConsumeAuthorizationCode deletes and returns a code issued to clientID.
// The row is locked with SELECT ... FOR UPDATE so concurrent redeemers
// serialize and only the first sees it.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code, clientID string) (_ *storage.AuthorizationCode, err error) {
	ctx, span := s.startStorageSpan(ctx, "consume_authorization_code")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "consume_authorization_code", err, startTime) }()

	var c storage.AuthorizationCode
	var scope string
	err = s.consume(ctx, storage.ErrCodeNotFound, clientID,
		`SELECT code, user_id, client_id, scope, redirect_uri, created_at, expires_at
		FROM oauth_authorization_codes WHERE code = ? FOR UPDATE`,
		`DELETE FROM oauth_authorization_codes WHERE code = ?`,
		code,
		func(row *sql.Row) (string, error) {
			err := row.Scan(&c.Code, &c.UserID, &c.ClientID, &scope, &c.RedirectURI, &c.CreatedAt, &c.ExpiresAt)
			return c.ClientID, err
		},
	)
	if err != nil {
		return nil, err
	}
	c.Scopes = splitScopes(scope)
	return &c, nil
}

// consume runs the locked read, the client check and the delete in one
// transaction. A mismatched client leaves the row in place.
func (s *Store) consume(ctx context.Context, notFound error, clientID, selectQuery, deleteQuery, key string, scan func(*sql.Row) (string, error)) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	owner, err := scan(tx.QueryRowContext(ctx, selectQuery, key))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return notFound
		}
		return fmt.Errorf("select for consume: %w", err)
	}
	if owner != clientID {
		return storage.ErrClientMismatch
	}

	res, err := tx.ExecContext(ctx, deleteQuery, key)
	if err != nil {
		return fmt.Errorf("delete for consume: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected != 1 {
		return notFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit consume: %w", err)
	}
	return nil
}

// ============================================================
// TokenStore Implementation
// ============================================================

// SaveAccessToken stores a new access token
func (s *Store) SaveAccessToken(ctx context.Context, token *storage.AccessToken) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_access_token")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "save_access_token", err, startTime) }()

	if token == nil || token.Token == "" {
		return fmt.Errorf("access token is required")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO oauth_access_tokens (token, user_id, client_id, scope, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		token.Token,
		token.UserID,
		token.ClientID,
		joinScopes(token.Scopes),
		token.CreatedAt.UTC(),
		token.ExpiresAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert access token: %w", err)
	}
	return nil
}

// GetAccessToken looks up an access token. Expired rows are returned until purged.
func (s *Store) GetAccessToken(ctx context.Context, token string) (_ *storage.AccessToken, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_access_token")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "get_access_token", err, startTime) }()

	var t storage.AccessToken
	var scope string
	err = s.db.QueryRowContext(ctx, `
		SELECT token, user_id, client_id, scope, created_at, expires_at
		FROM oauth_access_tokens
		WHERE token = ?
	`, token).Scan(&t.Token, &t.UserID, &t.ClientID, &scope, &t.CreatedAt, &t.ExpiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrTokenNotFound
		}
		return nil, fmt.Errorf("query access token: %w", err)
	}
	t.Scopes = splitScopes(scope)
	return &t, nil
}

// DeleteAccessToken removes an access token if it belongs to clientID
func (s *Store) DeleteAccessToken(ctx context.Context, token, clientID string) (_ bool, err error) {
	ctx, span := s.startStorageSpan(ctx, "delete_access_token")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "delete_access_token", err, startTime) }()

	return s.deleteForClient(ctx, "oauth_access_tokens", token, clientID)
}

// SaveRefreshToken stores a new refresh token
func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_refresh_token")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "save_refresh_token", err, startTime) }()

	if token == nil || token.Token == "" {
		return fmt.Errorf("refresh token is required")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO oauth_refresh_tokens (token, user_id, client_id, scope, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		token.Token,
		token.UserID,
		token.ClientID,
		joinScopes(token.Scopes),
		token.CreatedAt.UTC(),
		token.ExpiresAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert refresh token: %w", err)
	}
	return nil
}

// GetRefreshToken looks up a refresh token without consuming it
func (s *Store) GetRefreshToken(ctx context.Context, token string) (_ *storage.RefreshToken, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_refresh_token")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "get_refresh_token", err, startTime) }()

	var t storage.RefreshToken
	var scope string
	err = s.db.QueryRowContext(ctx, `
		SELECT token, user_id, client_id, scope, created_at, expires_at
		FROM oauth_refresh_tokens
		WHERE token = ?
	`, token).Scan(&t.Token, &t.UserID, &t.ClientID, &scope, &t.CreatedAt, &t.ExpiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrTokenNotFound
		}
		return nil, fmt.Errorf("query refresh token: %w", err)
	}
	t.Scopes = splitScopes(scope)
	return &t, nil
}

// DeleteRefreshToken removes a refresh token if it belongs to clientID
func (s *Store) DeleteRefreshToken(ctx context.Context, token, clientID string) (_ bool, err error) {
	ctx, span := s.startStorageSpan(ctx, "delete_refresh_token")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "delete_refresh_token", err, startTime) }()

	return s.deleteForClient(ctx, "oauth_refresh_tokens", token, clientID)
}

// ConsumeRefreshToken deletes and returns a refresh token issued to clientID.
func (s *Store) ConsumeRefreshToken(ctx context.Context, token, clientID string) (_ *storage.RefreshToken, err error) {
	ctx, span := s.startStorageSpan(ctx, "consume_refresh_token")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "consume_refresh_token", err, startTime) }()

	var t storage.RefreshToken
	var scope string
	err = s.consume(ctx, storage.ErrTokenNotFound, clientID,
		`SELECT token, user_id, client_id, scope, created_at, expires_at
		FROM oauth_refresh_tokens WHERE token = ? FOR UPDATE`,
		`DELETE FROM oauth_refresh_tokens WHERE token = ?`,
		token,
		func(row *sql.Row) (string, error) {
			err := row.Scan(&t.Token, &t.UserID, &t.ClientID, &scope, &t.CreatedAt, &t.ExpiresAt)
			return t.ClientID, err
		},
	)
	if err != nil {
		return nil, err
	}
	t.Scopes = splitScopes(scope)
	return &t, nil
}

// table is one of grantTables.
func (s *Store) deleteForClient(ctx context.Context, table, token, clientID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM "+table+" WHERE token = ? AND client_id = ?", token, clientID)
	if err != nil {
		return false, fmt.Errorf("delete from %s: %w", table, err)
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

// ============================================================
// TokenRevocationStore Implementation
// ============================================================

// RevokeAllTokensForUserClient deletes every code and token the user granted
// to the client in one transaction.
func (s *Store) RevokeAllTokensForUserClient(ctx context.Context, userID, clientID string) (_ int, err error) {
	ctx, span := s.startStorageSpan(ctx, "revoke_all_tokens_for_user_client")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "revoke_all_tokens_for_user_client", err, startTime) }()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	revoked := 0
	for _, table := range grantTables {
		res, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE user_id = ? AND client_id = ?", userID, clientID)
		if err != nil {
			return 0, fmt.Errorf("revoke from %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		revoked += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit revocation: %w", err)
	}

	s.logger.Info("Revoked all tokens for user and client",
		"user_id", userID,
		"client_id", clientID,
		"revoked", revoked)
	return revoked, nil
}

// ListAccessTokensForUser returns the user's access tokens ordered by creation time
func (s *Store) ListAccessTokensForUser(ctx context.Context, userID string) (_ []*storage.AccessToken, err error) {
	ctx, span := s.startStorageSpan(ctx, "list_access_tokens_for_user")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "list_access_tokens_for_user", err, startTime) }()

	rows, err := s.db.QueryContext(ctx, `
		SELECT token, user_id, client_id, scope, created_at, expires_at
		FROM oauth_access_tokens
		WHERE user_id = ?
		ORDER BY created_at
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list access tokens: %w", err)
	}
	defer rows.Close()

	var tokens []*storage.AccessToken
	for rows.Next() {
		var t storage.AccessToken
		var scope string
		if err := rows.Scan(&t.Token, &t.UserID, &t.ClientID, &scope, &t.CreatedAt, &t.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan access token: %w", err)
		}
		t.Scopes = splitScopes(scope)
		tokens = append(tokens, &t)
	}
	return tokens, rows.Err()
}
