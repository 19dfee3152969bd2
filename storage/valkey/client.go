package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/giantswarm/oauth-core/storage"
)

type clientJSON struct {
	ID               string    `json:"id"`
	ClientID         string    `json:"client_id"`
	ClientSecretHash string    `json:"client_secret_hash,omitempty"`
	ClientType       string    `json:"client_type"`
	Name             string    `json:"name,omitempty"`
	RedirectURIs     []string  `json:"redirect_uris,omitempty"`
	GrantTypes       []string  `json:"grant_types,omitempty"`
	Scopes           []string  `json:"scopes,omitempty"`
	OwnerID          string    `json:"owner_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func toClientJSON(c *storage.Client) clientJSON {
	return clientJSON{
		ID:               c.ID,
		ClientID:         c.ClientID,
		ClientSecretHash: c.ClientSecretHash,
		ClientType:       c.ClientType,
		Name:             c.Name,
		RedirectURIs:     c.RedirectURIs,
		GrantTypes:       c.GrantTypes,
		Scopes:           c.Scopes,
		OwnerID:          c.OwnerID,
		CreatedAt:        c.CreatedAt,
		UpdatedAt:        c.UpdatedAt,
	}
}

func (j clientJSON) toClient() *storage.Client {
	return &storage.Client{
		ID:               j.ID,
		ClientID:         j.ClientID,
		ClientSecretHash: j.ClientSecretHash,
		ClientType:       j.ClientType,
		Name:             j.Name,
		RedirectURIs:     j.RedirectURIs,
		GrantTypes:       j.GrantTypes,
		Scopes:           j.Scopes,
		OwnerID:          j.OwnerID,
		CreatedAt:        j.CreatedAt,
		UpdatedAt:        j.UpdatedAt,
	}
}

type userJSON struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"password_hash"`
	Email        string    `json:"email,omitempty"`
	Name         string    `json:"name,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient creates or replaces a client
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_client")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "save_client", err, startTime) }()

	if client == nil || client.ClientID == "" {
		return fmt.Errorf("client ID is required")
	}

	data, err := json.Marshal(toClientJSON(client))
	if err != nil {
		return fmt.Errorf("failed to marshal client: %w", err)
	}

	cmds := valkeygo.Commands{
		s.client.B().Set().Key(s.clientKey(client.ClientID)).Value(string(data)).Build(),
		s.client.B().Sadd().Key(s.clientIndexKey()).Member(client.ClientID).Build(),
	}
	for _, resp := range s.client.DoMulti(ctx, cmds...) {
		if err := resp.Error(); err != nil {
			return fmt.Errorf("failed to save client: %w", err)
		}
	}

	s.logger.Debug("Saved client", "client_id", client.ClientID)
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (_ *storage.Client, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_client")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "get_client", err, startTime) }()

	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.clientKey(clientID)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
		}
		return nil, fmt.Errorf("failed to get client: %w", err)
	}

	var j clientJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal client: %w", err)
	}
	return j.toClient(), nil
}

// DeleteClient removes a client
func (s *Store) DeleteClient(ctx context.Context, clientID string) (err error) {
	ctx, span := s.startStorageSpan(ctx, "delete_client")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "delete_client", err, startTime) }()

	deleted, err := s.client.Do(ctx, s.client.B().Del().Key(s.clientKey(clientID)).Build()).AsInt64()
	if err != nil {
		return fmt.Errorf("failed to delete client: %w", err)
	}
	_ = s.client.Do(ctx, s.client.B().Srem().Key(s.clientIndexKey()).Member(clientID).Build()).Error()

	if deleted == 0 {
		return fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
	}
	return nil
}

// ListClients returns every registered client ordered by creation time
func (s *Store) ListClients(ctx context.Context) (_ []*storage.Client, err error) {
	ctx, span := s.startStorageSpan(ctx, "list_clients")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "list_clients", err, startTime) }()

	ids, err := s.client.Do(ctx, s.client.B().Smembers().Key(s.clientIndexKey()).Build()).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to list clients: %w", err)
	}

	clients := make([]*storage.Client, 0, len(ids))
	for _, id := range ids {
		c, err := s.GetClient(ctx, id)
		if storage.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		clients = append(clients, c)
	}

	slices.SortFunc(clients, func(a, b *storage.Client) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return clients, nil
}

// ============================================================
// UserStore Implementation
// ============================================================

// CreateUser claims the username with SET NX before writing the user record.
func (s *Store) CreateUser(ctx context.Context, user *storage.User) (err error) {
	ctx, span := s.startStorageSpan(ctx, "create_user")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "create_user", err, startTime) }()

	if user == nil || user.ID == "" || user.Username == "" {
		return fmt.Errorf("user ID and username are required")
	}

	data, err := json.Marshal(userJSON{
		ID:           user.ID,
		Username:     user.Username,
		PasswordHash: user.PasswordHash,
		Email:        user.Email,
		Name:         user.Name,
		CreatedAt:    user.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal user: %w", err)
	}

	err = s.client.Do(ctx,
		s.client.B().Set().Key(s.usernameKey(user.Username)).Value(user.ID).Nx().Build(),
	).Error()
	if isNilError(err) {
		return fmt.Errorf("%w: %s", storage.ErrUserExists, user.Username)
	}
	if err != nil {
		return fmt.Errorf("failed to reserve username: %w", err)
	}

	if err := s.client.Do(ctx,
		s.client.B().Set().Key(s.userKey(user.ID)).Value(string(data)).Build(),
	).Error(); err != nil {
		_ = s.client.Do(ctx, s.client.B().Del().Key(s.usernameKey(user.Username)).Build()).Error()
		return fmt.Errorf("failed to save user: %w", err)
	}
	return nil
}

// UpdateUser rewrites the user record. SET XX keeps a concurrently removed
// record from being recreated.
func (s *Store) UpdateUser(ctx context.Context, user *storage.User) (err error) {
	ctx, span := s.startStorageSpan(ctx, "update_user")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "update_user", err, startTime) }()

	if user == nil || user.ID == "" {
		return fmt.Errorf("user ID is required")
	}

	existing, err := s.getUser(ctx, user.ID)
	if err != nil {
		return err
	}

	data, err := json.Marshal(userJSON{
		ID:           existing.ID,
		Username:     existing.Username,
		PasswordHash: user.PasswordHash,
		Email:        user.Email,
		Name:         user.Name,
		CreatedAt:    existing.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal user: %w", err)
	}

	err = s.client.Do(ctx,
		s.client.B().Set().Key(s.userKey(user.ID)).Value(string(data)).Xx().Build(),
	).Error()
	if isNilError(err) {
		return storage.ErrUserNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to save user: %w", err)
	}
	return nil
}

// GetUser looks a user up by ID
func (s *Store) GetUser(ctx context.Context, userID string) (_ *storage.User, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_user")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "get_user", err, startTime) }()

	return s.getUser(ctx, userID)
}

func (s *Store) getUser(ctx context.Context, userID string) (*storage.User, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.userKey(userID)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	var j userJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal user: %w", err)
	}
	return &storage.User{
		ID:           j.ID,
		Username:     j.Username,
		PasswordHash: j.PasswordHash,
		Email:        j.Email,
		Name:         j.Name,
		CreatedAt:    j.CreatedAt,
	}, nil
}

// GetUserByUsername looks a user up by login name
func (s *Store) GetUserByUsername(ctx context.Context, username string) (_ *storage.User, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_user_by_username")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "get_user_by_username", err, startTime) }()

	userID, err := s.client.Do(ctx, s.client.B().Get().Key(s.usernameKey(username)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to resolve username: %w", err)
	}
	return s.getUser(ctx, userID)
}
