package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/giantswarm/oauth-core/storage"
)

const clientColumns = `id, client_id, client_secret_hash, client_type, name,
	redirect_uris, grant_types, scopes, owner_id, created_at, updated_at`

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient inserts a client or replaces the mutable fields of an existing one.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_client")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "save_client", err, startTime) }()

	if client == nil || client.ClientID == "" {
		return fmt.Errorf("client ID is required")
	}

	id := client.ID
	if id == "" {
		id = uuid.NewString()
	}

	redirectURIs, err := encodeList(client.RedirectURIs)
	if err != nil {
		return err
	}
	grantTypes, err := encodeList(client.GrantTypes)
	if err != nil {
		return err
	}
	scopes, err := encodeList(client.Scopes)
	if err != nil {
		return err
	}

	createdAt := client.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	updatedAt := client.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO oauth_clients (`+clientColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			client_secret_hash = VALUES(client_secret_hash),
			client_type = VALUES(client_type),
			name = VALUES(name),
			redirect_uris = VALUES(redirect_uris),
			grant_types = VALUES(grant_types),
			scopes = VALUES(scopes),
			owner_id = VALUES(owner_id),
			updated_at = VALUES(updated_at)
	`,
		id,
		client.ClientID,
		client.ClientSecretHash,
		client.ClientType,
		client.Name,
		redirectURIs,
		grantTypes,
		scopes,
		client.OwnerID,
		createdAt.UTC(),
		updatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("save client %s: %w", client.ClientID, err)
	}
	return nil
}

// GetClient retrieves a client by client_id
func (s *Store) GetClient(ctx context.Context, clientID string) (_ *storage.Client, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_client")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "get_client", err, startTime) }()

	row := s.db.QueryRowContext(ctx, `
		SELECT `+clientColumns+`
		FROM oauth_clients
		WHERE client_id = ?
	`, clientID)

	client, err := scanClient(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
		}
		return nil, fmt.Errorf("query client %s: %w", clientID, err)
	}
	return client, nil
}

// DeleteClient removes a client
func (s *Store) DeleteClient(ctx context.Context, clientID string) (err error) {
	ctx, span := s.startStorageSpan(ctx, "delete_client")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "delete_client", err, startTime) }()

	res, err := s.db.ExecContext(ctx, `DELETE FROM oauth_clients WHERE client_id = ?`, clientID)
	if err != nil {
		return fmt.Errorf("delete client %s: %w", clientID, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
	}
	return nil
}

// ListClients returns every client ordered by creation time
func (s *Store) ListClients(ctx context.Context) (_ []*storage.Client, err error) {
	ctx, span := s.startStorageSpan(ctx, "list_clients")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "list_clients", err, startTime) }()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+clientColumns+`
		FROM oauth_clients
		ORDER BY created_at, client_id
	`)
	if err != nil {
		return nil, fmt.Errorf("list clients: %w", err)
	}
	defer rows.Close()

	var clients []*storage.Client
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, fmt.Errorf("scan client: %w", err)
		}
		clients = append(clients, c)
	}
	return clients, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanClient(row rowScanner) (*storage.Client, error) {
	var (
		c                                storage.Client
		redirectURIs, grantTypes, scopes string
	)
	if err := row.Scan(
		&c.ID,
		&c.ClientID,
		&c.ClientSecretHash,
		&c.ClientType,
		&c.Name,
		&redirectURIs,
		&grantTypes,
		&scopes,
		&c.OwnerID,
		&c.CreatedAt,
		&c.UpdatedAt,
	); err != nil {
		return nil, err
	}

	var err error
	if c.RedirectURIs, err = decodeList(redirectURIs); err != nil {
		return nil, err
	}
	if c.GrantTypes, err = decodeList(grantTypes); err != nil {
		return nil, err
	}
	if c.Scopes, err = decodeList(scopes); err != nil {
		return nil, err
	}
	return &c, nil
}

// List columns hold JSON arrays; redirect URIs may contain spaces once decoded.
func encodeList(values []string) (string, error) {
	if values == nil {
		values = []string{}
	}
	data, err := json.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("encode list: %w", err)
	}
	return string(data), nil
}

func decodeList(data string) ([]string, error) {
	if data == "" {
		return nil, nil
	}
	var values []string
	if err := json.Unmarshal([]byte(data), &values); err != nil {
		return nil, fmt.Errorf("decode list: %w", err)
	}
	if len(values) == 0 {
		return nil, nil
	}
	return values, nil
}

// ============================================================
// UserStore Implementation
// ============================================================

// CreateUser inserts a user; the unique username key rejects duplicates.
func (s *Store) CreateUser(ctx context.Context, user *storage.User) (err error) {
	ctx, span := s.startStorageSpan(ctx, "create_user")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "create_user", err, startTime) }()

	if user == nil || user.Username == "" {
		return fmt.Errorf("username is required")
	}
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	createdAt := user.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO oauth_users (id, username, password_hash, email, name, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		user.ID,
		user.Username,
		user.PasswordHash,
		user.Email,
		user.Name,
		createdAt.UTC(),
	)
	if err != nil {
		if isDuplicateEntry(err) {
			return fmt.Errorf("%w: %s", storage.ErrUserExists, user.Username)
		}
		return fmt.Errorf("insert user %s: %w", user.Username, err)
	}
	return nil
}

// UpdateUser rewrites the mutable user columns.
func (s *Store) UpdateUser(ctx context.Context, user *storage.User) (err error) {
	ctx, span := s.startStorageSpan(ctx, "update_user")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "update_user", err, startTime) }()

	if user == nil || user.ID == "" {
		return fmt.Errorf("user ID is required")
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE oauth_users
		SET password_hash = ?, email = ?, name = ?
		WHERE id = ?
	`, user.PasswordHash, user.Email, user.Name, user.ID)
	if err != nil {
		return fmt.Errorf("update user %s: %w", user.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update user %s: %w", user.ID, err)
	}
	if n == 0 {
		// MySQL reports 0 rows when nothing changed, so check the row exists
		_, err = s.queryUser(ctx, "id", user.ID)
		return err
	}
	return nil
}

// GetUser looks a user up by ID
func (s *Store) GetUser(ctx context.Context, userID string) (_ *storage.User, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_user")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "get_user", err, startTime) }()

	return s.queryUser(ctx, "id", userID)
}

// GetUserByUsername looks a user up by login name
func (s *Store) GetUserByUsername(ctx context.Context, username string) (_ *storage.User, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_user_by_username")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "get_user_by_username", err, startTime) }()

	return s.queryUser(ctx, "username", username)
}

// column is one of the two fixed names above, never caller input.
func (s *Store) queryUser(ctx context.Context, column, value string) (*storage.User, error) {
	var u storage.User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, password_hash, email, name, created_at
		FROM oauth_users
		WHERE `+column+` = ?
	`, value).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Email, &u.Name, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrUserNotFound
		}
		return nil, fmt.Errorf("query user: %w", err)
	}
	return &u, nil
}
