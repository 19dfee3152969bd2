package valkey

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth-core/instrumentation"
	"github.com/giantswarm/oauth-core/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "oauth:"

	storageType = "valkey"

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second

	// MaxTokenLength bounds token and code lookups; longer values cannot have been issued here.
	MaxTokenLength = 512
)

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "oauth:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Store is a Valkey-backed implementation of storage.Store.
type Store struct {
	client valkeygo.Client
	prefix string
	logger *slog.Logger

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
}

var (
	_ storage.Store                = (*Store)(nil)
	_ storage.TokenRevocationStore = (*Store)(nil)
)

// New connects to Valkey and verifies the connection with PING.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
		Password:    cfg.Password,
		TLSConfig:   cfg.TLS,
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client: client,
		prefix: prefix,
		logger: logger,
	}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetInstrumentation enables spans and operation metrics. Valkey has no
// cheap per-type counts, so size gauges are not registered.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
}

// calculateTTL returns the time left until expiresAt rounded up to whole
// seconds, so keys never vanish before the credential expires.
func calculateTTL(expiresAt time.Time) time.Duration {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return 0
	}
	return ttl.Truncate(time.Second) + time.Second
}

// isNilError reports a missing key.
func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}

// ============================================================
// Key Helpers
// ============================================================

// {prefix}client:{clientID} -> JSON(client)
func (s *Store) clientKey(clientID string) string {
	return fmt.Sprintf("%sclient:%s", s.prefix, clientID)
}

// {prefix}clients -> SET of client IDs
func (s *Store) clientIndexKey() string {
	return s.prefix + "clients"
}

// {prefix}user:{userID} -> JSON(user)
func (s *Store) userKey(userID string) string {
	return fmt.Sprintf("%suser:%s", s.prefix, userID)
}

// {prefix}username:{username} -> userID
func (s *Store) usernameKey(username string) string {
	return fmt.Sprintf("%susername:%s", s.prefix, username)
}

// {prefix}code:{code} -> JSON(code), with TTL
func (s *Store) codeKey(code string) string {
	return fmt.Sprintf("%scode:%s", s.prefix, code)
}

// {prefix}access:{token} -> JSON(access token), with TTL
func (s *Store) accessTokenKey(token string) string {
	return fmt.Sprintf("%saccess:%s", s.prefix, token)
}

// {prefix}refresh:{token} -> JSON(refresh token), with TTL
func (s *Store) refreshTokenKey(token string) string {
	return fmt.Sprintf("%srefresh:%s", s.prefix, token)
}

// {prefix}grants:{userID}:{clientID} -> SET of credential keys
func (s *Store) grantIndexKey(userID, clientID string) string {
	return fmt.Sprintf("%sgrants:%s:%s", s.prefix, userID, clientID)
}

// {prefix}useraccess:{userID} -> SET of access token keys
func (s *Store) userAccessIndexKey(userID string) string {
	return fmt.Sprintf("%suseraccess:%s", s.prefix, userID)
}

// ============================================================
// Lua Scripts
// ============================================================

// Replies to luaConsumeIfClient.
const (
	consumeNotFound = "NOT_FOUND"
	consumeMismatch = "MISMATCH"
)

// luaConsumeIfClient reads KEYS[1], checks that its client_id equals ARGV[1]
// and deletes it, all in one script so only one caller can ever receive the
// record. Returns the JSON record, NOT_FOUND, or MISMATCH (key kept).
const luaConsumeIfClient = `
local data = redis.call('GET', KEYS[1])
if not data then
  return 'NOT_FOUND'
end
local rec = cjson.decode(data)
if rec.client_id ~= ARGV[1] then
  return 'MISMATCH'
end
redis.call('DEL', KEYS[1])
return data
`

// consumeIfClient runs luaConsumeIfClient and maps its replies.
func (s *Store) consumeIfClient(ctx context.Context, key, clientID string, notFound error) (string, error) {
	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaConsumeIfClient).
			Numkeys(1).
			Key(key).
			Arg(clientID).
			Build(),
	).ToString()
	if err != nil {
		return "", fmt.Errorf("failed to execute consume script: %w", err)
	}

	switch result {
	case consumeNotFound:
		return "", notFound
	case consumeMismatch:
		return "", storage.ErrClientMismatch
	}
	return result, nil
}

// ============================================================
// Instrumentation helpers
// ============================================================

func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	ctx, span := s.tracer.Start(ctx, "storage."+operation)
	instrumentation.AddStorageAttributes(span, operation, storageType)
	return ctx, span
}

func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if s.instrumentation == nil {
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
	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
}
