// Package mock provides a storage.Store whose methods can be overridden per
// test, for injecting failures into the server core.
package mock

import (
	"context"
	"sync"

	"github.com/giantswarm/oauth-core/storage"
)

// Store forwards every call to Delegate unless the matching Func field is set.
type Store struct {
	Delegate storage.Store

	SaveClientFunc                   func(ctx context.Context, client *storage.Client) error
	GetClientFunc                    func(ctx context.Context, clientID string) (*storage.Client, error)
	GetUserByUsernameFunc            func(ctx context.Context, username string) (*storage.User, error)
	CreateUserFunc                   func(ctx context.Context, user *storage.User) error
	UpdateUserFunc                   func(ctx context.Context, user *storage.User) error
	SaveAuthorizationCodeFunc        func(ctx context.Context, code *storage.AuthorizationCode) error
	ConsumeAuthorizationCodeFunc     func(ctx context.Context, code, clientID string) (*storage.AuthorizationCode, error)
	SaveAccessTokenFunc              func(ctx context.Context, token *storage.AccessToken) error
	GetAccessTokenFunc               func(ctx context.Context, token string) (*storage.AccessToken, error)
	DeleteAccessTokenFunc            func(ctx context.Context, token, clientID string) (bool, error)
	SaveRefreshTokenFunc             func(ctx context.Context, token *storage.RefreshToken) error
	GetRefreshTokenFunc              func(ctx context.Context, token string) (*storage.RefreshToken, error)
	ConsumeRefreshTokenFunc          func(ctx context.Context, token, clientID string) (*storage.RefreshToken, error)
	RevokeAllTokensForUserClientFunc func(ctx context.Context, userID, clientID string) (int, error)

	mu         sync.Mutex
	callCounts map[string]int
}

var _ storage.Store = (*Store)(nil)

// New wraps delegate.
func New(delegate storage.Store) *Store {
	return &Store{Delegate: delegate, callCounts: make(map[string]int)}
}

func (m *Store) record(method string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.callCounts == nil {
		m.callCounts = make(map[string]int)
	}
	m.callCounts[method]++
}

// Calls returns how many times method was invoked.
func (m *Store) Calls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCounts[method]
}

func (m *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	m.record("SaveClient")
	if m.SaveClientFunc != nil {
		return m.SaveClientFunc(ctx, client)
	}
	return m.Delegate.SaveClient(ctx, client)
}

func (m *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	m.record("GetClient")
	if m.GetClientFunc != nil {
		return m.GetClientFunc(ctx, clientID)
	}
	return m.Delegate.GetClient(ctx, clientID)
}

func (m *Store) DeleteClient(ctx context.Context, clientID string) error {
	m.record("DeleteClient")
	return m.Delegate.DeleteClient(ctx, clientID)
}

func (m *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	m.record("ListClients")
	return m.Delegate.ListClients(ctx)
}

func (m *Store) CreateUser(ctx context.Context, user *storage.User) error {
	m.record("CreateUser")
	if m.CreateUserFunc != nil {
		return m.CreateUserFunc(ctx, user)
	}
	return m.Delegate.CreateUser(ctx, user)
}

func (m *Store) UpdateUser(ctx context.Context, user *storage.User) error {
	m.record("UpdateUser")
	if m.UpdateUserFunc != nil {
		return m.UpdateUserFunc(ctx, user)
	}
	return m.Delegate.UpdateUser(ctx, user)
}

func (m *Store) GetUser(ctx context.Context, userID string) (*storage.User, error) {
	m.record("GetUser")
	return m.Delegate.GetUser(ctx, userID)
}

func (m *Store) GetUserByUsername(ctx context.Context, username string) (*storage.User, error) {
	m.record("GetUserByUsername")
	if m.GetUserByUsernameFunc != nil {
		return m.GetUserByUsernameFunc(ctx, username)
	}
	return m.Delegate.GetUserByUsername(ctx, username)
}

func (m *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	m.record("SaveAuthorizationCode")
	if m.SaveAuthorizationCodeFunc != nil {
		return m.SaveAuthorizationCodeFunc(ctx, code)
	}
	return m.Delegate.SaveAuthorizationCode(ctx, code)
}

func (m *Store) ConsumeAuthorizationCode(ctx context.Context, code, clientID string) (*storage.AuthorizationCode, error) {
	m.record("ConsumeAuthorizationCode")
	if m.ConsumeAuthorizationCodeFunc != nil {
		return m.ConsumeAuthorizationCodeFunc(ctx, code, clientID)
	}
	return m.Delegate.ConsumeAuthorizationCode(ctx, code, clientID)
}

func (m *Store) SaveAccessToken(ctx context.Context, token *storage.AccessToken) error {
	m.record("SaveAccessToken")
	if m.SaveAccessTokenFunc != nil {
		return m.SaveAccessTokenFunc(ctx, token)
	}
	return m.Delegate.SaveAccessToken(ctx, token)
}

func (m *Store) GetAccessToken(ctx context.Context, token string) (*storage.AccessToken, error) {
	m.record("GetAccessToken")
	if m.GetAccessTokenFunc != nil {
		return m.GetAccessTokenFunc(ctx, token)
	}
	return m.Delegate.GetAccessToken(ctx, token)
}

func (m *Store) DeleteAccessToken(ctx context.Context, token, clientID string) (bool, error) {
	m.record("DeleteAccessToken")
	if m.DeleteAccessTokenFunc != nil {
		return m.DeleteAccessTokenFunc(ctx, token, clientID)
	}
	return m.Delegate.DeleteAccessToken(ctx, token, clientID)
}

func (m *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) error {
	m.record("SaveRefreshToken")
	if m.SaveRefreshTokenFunc != nil {
		return m.SaveRefreshTokenFunc(ctx, token)
	}
	return m.Delegate.SaveRefreshToken(ctx, token)
}

func (m *Store) GetRefreshToken(ctx context.Context, token string) (*storage.RefreshToken, error) {
	m.record("GetRefreshToken")
	if m.GetRefreshTokenFunc != nil {
		return m.GetRefreshTokenFunc(ctx, token)
	}
	return m.Delegate.GetRefreshToken(ctx, token)
}

func (m *Store) DeleteRefreshToken(ctx context.Context, token, clientID string) (bool, error) {
	m.record("DeleteRefreshToken")
	return m.Delegate.DeleteRefreshToken(ctx, token, clientID)
}

func (m *Store) ConsumeRefreshToken(ctx context.Context, token, clientID string) (*storage.RefreshToken, error) {
	m.record("ConsumeRefreshToken")
	if m.ConsumeRefreshTokenFunc != nil {
		return m.ConsumeRefreshTokenFunc(ctx, token, clientID)
	}
	return m.Delegate.ConsumeRefreshToken(ctx, token, clientID)
}

func (m *Store) RevokeAllTokensForUserClient(ctx context.Context, userID, clientID string) (int, error) {
	m.record("RevokeAllTokensForUserClient")
	if m.RevokeAllTokensForUserClientFunc != nil {
		return m.RevokeAllTokensForUserClientFunc(ctx, userID, clientID)
	}
	return m.Delegate.RevokeAllTokensForUserClient(ctx, userID, clientID)
}

func (m *Store) ListAccessTokensForUser(ctx context.Context, userID string) ([]*storage.AccessToken, error) {
	m.record("ListAccessTokensForUser")
	return m.Delegate.ListAccessTokensForUser(ctx, userID)
}
