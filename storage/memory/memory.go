package memory

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth-core/instrumentation"
	"github.com/giantswarm/oauth-core/internal/util"
	"github.com/giantswarm/oauth-core/security"
	"github.com/giantswarm/oauth-core/storage"
)

const storageType = "memory"

// Store is an in-memory implementation of storage.Store.
type Store struct {
	mu sync.RWMutex

	clients       map[string]*storage.Client // client_id -> client
	users         map[string]*storage.User   // user ID -> user
	usernames     map[string]string          // username -> user ID
	codes         map[string]*storage.AuthorizationCode
	accessTokens  map[string]*storage.AccessToken
	refreshTokens map[string]*storage.RefreshToken

	// swapped as a unit so SetInstrumentation can run while serving
	telemetry atomic.Pointer[telemetry]

	// lock-free sizes for the gauge callbacks
	accessCount  atomic.Int64
	refreshCount atomic.Int64
	codeCount    atomic.Int64
	clientCount  atomic.Int64
	userCount    atomic.Int64

	now             func() time.Time
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

var (
	_ storage.Store                = (*Store)(nil)
	_ storage.TokenRevocationStore = (*Store)(nil)
)

// New creates a store that sweeps expired records every minute.
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a store with a custom sweep interval.
// A non-positive interval means one minute.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		clients:         make(map[string]*storage.Client),
		users:           make(map[string]*storage.User),
		usernames:       make(map[string]string),
		codes:           make(map[string]*storage.AuthorizationCode),
		accessTokens:    make(map[string]*storage.AccessToken),
		refreshTokens:   make(map[string]*storage.RefreshToken),
		now:             time.Now,
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if logger != nil {
		s.logger = logger
	}
}

// SetClock replaces the time source used by the expiry sweep.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SetInstrumentation enables spans, operation metrics and size gauges.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.refreshCounters()
	s.mu.Unlock()

	if inst == nil {
		s.telemetry.Store(nil)
		return
	}
	s.telemetry.Store(&telemetry{inst: inst, tracer: inst.Tracer("storage")})

	err := inst.RegisterStorageSizeCallbacks(instrumentation.StorageSizeCallbacks{
		AccessTokens:  s.accessCount.Load,
		RefreshTokens: s.refreshCount.Load,
		Codes:         s.codeCount.Load,
		Clients:       s.clientCount.Load,
		Users:         s.userCount.Load,
	})
	if err != nil {
		s.logger.Warn("Failed to register storage size callbacks", "error", err)
	}
}

// must hold s.mu
func (s *Store) refreshCounters() {
	s.accessCount.Store(int64(len(s.accessTokens)))
	s.refreshCount.Store(int64(len(s.refreshTokens)))
	s.codeCount.Store(int64(len(s.codes)))
	s.clientCount.Store(int64(len(s.clients)))
	s.userCount.Store(int64(len(s.users)))
}

// Stop gracefully stops the cleanup goroutine
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

// ============================================================
// ClientStore
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

	s.mu.Lock()
	defer s.mu.Unlock()

	s.clients[client.ClientID] = cloneClient(client)
	s.clientCount.Store(int64(len(s.clients)))
	return nil
}

// GetClient retrieves a client by client_id
func (s *Store) GetClient(ctx context.Context, clientID string) (_ *storage.Client, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_client")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "get_client", err, startTime) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
	}
	return cloneClient(client), nil
}

// DeleteClient removes a client
func (s *Store) DeleteClient(ctx context.Context, clientID string) (err error) {
	ctx, span := s.startStorageSpan(ctx, "delete_client")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "delete_client", err, startTime) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.clients[clientID]; !ok {
		return fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
	}
	delete(s.clients, clientID)
	s.clientCount.Store(int64(len(s.clients)))
	return nil
}

// ListClients returns all clients ordered by creation time
func (s *Store) ListClients(ctx context.Context) (_ []*storage.Client, err error) {
	ctx, span := s.startStorageSpan(ctx, "list_clients")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "list_clients", err, startTime) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	clients := make([]*storage.Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, cloneClient(c))
	}
	slices.SortFunc(clients, func(a, b *storage.Client) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		if a.ClientID < b.ClientID {
			return -1
		}
		return 1
	})
	return clients, nil
}

// ============================================================
// UserStore
// ============================================================

// CreateUser stores a new user
func (s *Store) CreateUser(ctx context.Context, user *storage.User) (err error) {
	ctx, span := s.startStorageSpan(ctx, "create_user")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "create_user", err, startTime) }()

	if user == nil || user.ID == "" || user.Username == "" {
		return fmt.Errorf("user ID and username are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.usernames[user.Username]; taken {
		return fmt.Errorf("%w: %s", storage.ErrUserExists, user.Username)
	}
	if _, taken := s.users[user.ID]; taken {
		return fmt.Errorf("%w: %s", storage.ErrUserExists, user.ID)
	}

	u := *user
	s.users[u.ID] = &u
	s.usernames[u.Username] = u.ID
	s.userCount.Store(int64(len(s.users)))
	return nil
}

// UpdateUser replaces the mutable fields of an existing user
func (s *Store) UpdateUser(ctx context.Context, user *storage.User) (err error) {
	ctx, span := s.startStorageSpan(ctx, "update_user")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "update_user", err, startTime) }()

	if user == nil || user.ID == "" {
		return fmt.Errorf("user ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.users[user.ID]
	if !ok {
		return storage.ErrUserNotFound
	}
	u := *existing
	u.PasswordHash = user.PasswordHash
	u.Email = user.Email
	u.Name = user.Name
	s.users[u.ID] = &u
	return nil
}

// GetUser looks a user up by ID
func (s *Store) GetUser(ctx context.Context, userID string) (_ *storage.User, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_user")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "get_user", err, startTime) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[userID]
	if !ok {
		return nil, storage.ErrUserNotFound
	}
	u := *user
	return &u, nil
}

// GetUserByUsername looks a user up by login name
func (s *Store) GetUserByUsername(ctx context.Context, username string) (_ *storage.User, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_user_by_username")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "get_user_by_username", err, startTime) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.usernames[username]
	if !ok {
		return nil, storage.ErrUserNotFound
	}
	u := *s.users[id]
	return &u, nil
}

// ============================================================
// CodeStore
// ============================================================

// SaveAuthorizationCode stores an issued code
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_authorization_code")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "save_authorization_code", err, startTime) }()

	if code == nil || code.Code == "" {
		return fmt.Errorf("authorization code is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := *code
	c.Scopes = slices.Clone(code.Scopes)
	s.codes[c.Code] = &c
	s.codeCount.Store(int64(len(s.codes)))
	return nil
}

// ConsumeAuthorizationCode atomically reads and deletes a code bound to clientID.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code, clientID string) (_ *storage.AuthorizationCode, err error) {
	ctx, span := s.startStorageSpan(ctx, "consume_authorization_code")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "consume_authorization_code", err, startTime) }()

	s.mu.Lock() // write lock: read and delete must be one step
	defer s.mu.Unlock()

	authCode, ok := s.codes[code]
	if !ok {
		return nil, storage.ErrCodeNotFound
	}
	if authCode.ClientID != clientID {
		return nil, storage.ErrClientMismatch
	}

	delete(s.codes, code)
	s.codeCount.Store(int64(len(s.codes)))

	s.logger.Debug("Consumed authorization code",
		"code_prefix", util.TokenPrefix(code),
		"client_id", clientID)
	return authCode, nil
}

// ============================================================
// TokenStore
// ============================================================

// SaveAccessToken stores an access token
func (s *Store) SaveAccessToken(ctx context.Context, token *storage.AccessToken) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_access_token")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "save_access_token", err, startTime) }()

	if token == nil || token.Token == "" {
		return fmt.Errorf("access token is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t := *token
	t.Scopes = slices.Clone(token.Scopes)
	s.accessTokens[t.Token] = &t
	s.accessCount.Store(int64(len(s.accessTokens)))
	return nil
}

// GetAccessToken looks an access token up
func (s *Store) GetAccessToken(ctx context.Context, token string) (_ *storage.AccessToken, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_access_token")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "get_access_token", err, startTime) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.accessTokens[token]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}
	cp := *t
	cp.Scopes = slices.Clone(t.Scopes)
	return &cp, nil
}

// DeleteAccessToken deletes an access token owned by clientID
func (s *Store) DeleteAccessToken(ctx context.Context, token, clientID string) (_ bool, err error) {
	ctx, span := s.startStorageSpan(ctx, "delete_access_token")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "delete_access_token", err, startTime) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.accessTokens[token]
	if !ok || t.ClientID != clientID {
		return false, nil
	}
	delete(s.accessTokens, token)
	s.accessCount.Store(int64(len(s.accessTokens)))
	return true, nil
}

// SaveRefreshToken stores a refresh token
func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_refresh_token")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "save_refresh_token", err, startTime) }()

	if token == nil || token.Token == "" {
		return fmt.Errorf("refresh token is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t := *token
	t.Scopes = slices.Clone(token.Scopes)
	s.refreshTokens[t.Token] = &t
	s.refreshCount.Store(int64(len(s.refreshTokens)))
	return nil
}

// GetRefreshToken looks a refresh token up
func (s *Store) GetRefreshToken(ctx context.Context, token string) (_ *storage.RefreshToken, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_refresh_token")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "get_refresh_token", err, startTime) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.refreshTokens[token]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}
	cp := *t
	cp.Scopes = slices.Clone(t.Scopes)
	return &cp, nil
}

// DeleteRefreshToken deletes a refresh token owned by clientID
func (s *Store) DeleteRefreshToken(ctx context.Context, token, clientID string) (_ bool, err error) {
	ctx, span := s.startStorageSpan(ctx, "delete_refresh_token")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "delete_refresh_token", err, startTime) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.refreshTokens[token]
	if !ok || t.ClientID != clientID {
		return false, nil
	}
	delete(s.refreshTokens, token)
	s.refreshCount.Store(int64(len(s.refreshTokens)))
	return true, nil
}

// ConsumeRefreshToken atomically reads and deletes a refresh token bound to clientID.
func (s *Store) ConsumeRefreshToken(ctx context.Context, token, clientID string) (_ *storage.RefreshToken, err error) {
	ctx, span := s.startStorageSpan(ctx, "consume_refresh_token")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "consume_refresh_token", err, startTime) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.refreshTokens[token]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}
	if t.ClientID != clientID {
		return nil, storage.ErrClientMismatch
	}

	delete(s.refreshTokens, token)
	s.refreshCount.Store(int64(len(s.refreshTokens)))
	return t, nil
}

// ============================================================
// TokenRevocationStore
// ============================================================

// RevokeAllTokensForUserClient removes every credential userID granted to clientID.
func (s *Store) RevokeAllTokensForUserClient(ctx context.Context, userID, clientID string) (_ int, err error) {
	ctx, span := s.startStorageSpan(ctx, "revoke_all_for_user_client")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "revoke_all_for_user_client", err, startTime) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	revoked := 0
	for k, t := range s.accessTokens {
		if t.UserID == userID && t.ClientID == clientID {
			delete(s.accessTokens, k)
			revoked++
		}
	}
	for k, t := range s.refreshTokens {
		if t.UserID == userID && t.ClientID == clientID {
			delete(s.refreshTokens, k)
			revoked++
		}
	}
	for k, c := range s.codes {
		if c.UserID == userID && c.ClientID == clientID {
			delete(s.codes, k)
			revoked++
		}
	}
	s.refreshCounters()

	s.logger.Info("Revoked all tokens for user and client",
		"client_id", clientID,
		"revoked", revoked)
	return revoked, nil
}

// ListAccessTokensForUser returns the user's access tokens, oldest first.
func (s *Store) ListAccessTokensForUser(ctx context.Context, userID string) (_ []*storage.AccessToken, err error) {
	ctx, span := s.startStorageSpan(ctx, "list_access_tokens_for_user")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "list_access_tokens_for_user", err, startTime) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var tokens []*storage.AccessToken
	for _, t := range s.accessTokens {
		if t.UserID == userID {
			cp := *t
			cp.Scopes = slices.Clone(t.Scopes)
			tokens = append(tokens, &cp)
		}
	}
	slices.SortFunc(tokens, func(a, b *storage.AccessToken) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return tokens, nil
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.PurgeExpired()
		}
	}
}

// PurgeExpired removes expired codes and tokens and returns how many were removed.
func (s *Store) PurgeExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cleaned := 0

	for k, c := range s.codes {
		if security.IsExpired(c.ExpiresAt, now) {
			delete(s.codes, k)
			cleaned++
		}
	}
	for k, t := range s.accessTokens {
		if security.IsExpired(t.ExpiresAt, now) {
			delete(s.accessTokens, k)
			cleaned++
		}
	}
	for k, t := range s.refreshTokens {
		if security.IsExpired(t.ExpiresAt, now) {
			delete(s.refreshTokens, k)
			cleaned++
		}
	}
	s.refreshCounters()

	if cleaned > 0 {
		s.logger.Debug("Cleaned up expired records", "count", cleaned)
	}
	return cleaned
}

// ============================================================
// Instrumentation helpers
// ============================================================

type telemetry struct {
	inst   *instrumentation.Instrumentation
	tracer trace.Tracer
}

func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	t := s.telemetry.Load()
	if t == nil {
		return ctx, trace.SpanFromContext(ctx)
	}

	ctx, span := t.tracer.Start(ctx, "storage."+operation)
	instrumentation.AddStorageAttributes(span, operation, storageType)
	return ctx, span
}

func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	t := s.telemetry.Load()
	if t == nil {
		return
	}

	result := "success"
	if err != nil && !storage.IsNotFound(err) {
		result = "error"
		instrumentation.RecordError(span, err)
	} else {
		instrumentation.SetSpanSuccess(span)
	}

	durationMs := float64(time.Since(startTime).Microseconds()) / 1000
	t.inst.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
}

func cloneClient(c *storage.Client) *storage.Client {
	cp := *c
	cp.RedirectURIs = slices.Clone(c.RedirectURIs)
	cp.GrantTypes = slices.Clone(c.GrantTypes)
	cp.Scopes = slices.Clone(c.Scopes)
	return &cp
}
