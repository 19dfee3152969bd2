package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth-core/instrumentation"
	"github.com/giantswarm/oauth-core/storage"
)

const (
	storageType = "mysql"

	defaultPingTimeout     = 5 * time.Second
	defaultCleanupInterval = time.Minute

	// errDuplicateEntry is the MySQL server error for unique key violations.
	errDuplicateEntry = 1062
)

// Config holds connection settings for the MySQL backend.
// DSN takes precedence over the individual fields.
type Config struct {
	DSN string

	Host     string
	Port     int
	User     string
	Password string
	Database string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	PingTimeout     time.Duration

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Store is a MySQL-backed implementation of storage.Store.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	stopCleanup chan struct{}
	stopOnce    sync.Once
}

var (
	_ storage.Store                = (*Store)(nil)
	_ storage.TokenRevocationStore = (*Store)(nil)
)

// New opens the connection pool, verifies it with a ping and creates the
// tables if they do not exist.
func New(ctx context.Context, cfg Config) (*Store, error) {
	dsn, err := buildDSN(cfg)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql connection: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingTimeout := cfg.PingTimeout
	if pingTimeout <= 0 {
		pingTimeout = defaultPingTimeout
	}
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}

	s := NewWithDB(db, cfg.Logger)
	if err := s.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	s.logger.Info("Connected to MySQL storage")
	return s, nil
}

// NewWithDB wraps an existing pool. The schema is not created.
func NewWithDB(db *sql.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		db:          db,
		logger:      logger,
		now:         time.Now,
		stopCleanup: make(chan struct{}),
	}
}

func buildDSN(cfg Config) (string, error) {
	if cfg.DSN != "" {
		parsed, err := mysql.ParseDSN(cfg.DSN)
		if err != nil {
			return "", fmt.Errorf("parse mysql dsn: %w", err)
		}
		parsed.ParseTime = true
		parsed.Loc = time.UTC
		return parsed.FormatDSN(), nil
	}

	if cfg.Host == "" || cfg.Database == "" {
		return "", fmt.Errorf("mysql host and database are required")
	}

	port := cfg.Port
	if port == 0 {
		port = 3306
	}

	mysqlCfg := mysql.NewConfig()
	mysqlCfg.User = cfg.User
	mysqlCfg.Passwd = cfg.Password
	mysqlCfg.Net = "tcp"
	mysqlCfg.Addr = fmt.Sprintf("%s:%d", cfg.Host, port)
	mysqlCfg.DBName = cfg.Database
	mysqlCfg.ParseTime = true
	mysqlCfg.Loc = time.UTC
	mysqlCfg.AllowNativePasswords = true
	mysqlCfg.Params = map[string]string{
		"charset": "utf8mb4",
	}

	return mysqlCfg.FormatDSN(), nil
}

// Close stops the cleanup loop and closes the pool.
func (s *Store) Close() error {
	s.Stop()
	return s.db.Close()
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetClock replaces the time source used by PurgeExpired.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// SetInstrumentation enables spans and operation metrics.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
}

// ============================================================
// Schema
// ============================================================

var schema = []string{
	`CREATE TABLE IF NOT EXISTS oauth_clients (
		id VARCHAR(64) NOT NULL,
		client_id VARCHAR(255) NOT NULL,
		client_secret_hash VARCHAR(255) NOT NULL DEFAULT '',
		client_type VARCHAR(32) NOT NULL,
		name VARCHAR(255) NOT NULL DEFAULT '',
		redirect_uris TEXT NOT NULL,
		grant_types TEXT NOT NULL,
		scopes TEXT NOT NULL,
		owner_id VARCHAR(255) NOT NULL DEFAULT '',
		created_at DATETIME(6) NOT NULL,
		updated_at DATETIME(6) NOT NULL,
		PRIMARY KEY (id),
		UNIQUE KEY uq_oauth_clients_client_id (client_id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS oauth_users (
		id VARCHAR(64) NOT NULL,
		username VARCHAR(255) NOT NULL,
		password_hash VARCHAR(255) NOT NULL,
		email VARCHAR(255) NOT NULL DEFAULT '',
		name VARCHAR(255) NOT NULL DEFAULT '',
		created_at DATETIME(6) NOT NULL,
		PRIMARY KEY (id),
		UNIQUE KEY uq_oauth_users_username (username)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS oauth_authorization_codes (
		code VARCHAR(255) NOT NULL,
		user_id VARCHAR(255) NOT NULL,
		client_id VARCHAR(255) NOT NULL,
		scope VARCHAR(2048) NOT NULL DEFAULT '',
		redirect_uri TEXT NOT NULL,
		created_at DATETIME(6) NOT NULL,
		expires_at DATETIME(6) NOT NULL,
		PRIMARY KEY (code),
		KEY idx_oauth_codes_user_client (user_id, client_id),
		KEY idx_oauth_codes_expires (expires_at)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS oauth_access_tokens (
		token VARCHAR(255) NOT NULL,
		user_id VARCHAR(255) NOT NULL,
		client_id VARCHAR(255) NOT NULL,
		scope VARCHAR(2048) NOT NULL DEFAULT '',
		created_at DATETIME(6) NOT NULL,
		expires_at DATETIME(6) NOT NULL,
		PRIMARY KEY (token),
		KEY idx_oauth_access_user_client (user_id, client_id),
		KEY idx_oauth_access_expires (expires_at)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS oauth_refresh_tokens (
		token VARCHAR(255) NOT NULL,
		user_id VARCHAR(255) NOT NULL,
		client_id VARCHAR(255) NOT NULL,
		scope VARCHAR(2048) NOT NULL DEFAULT '',
		created_at DATETIME(6) NOT NULL,
		expires_at DATETIME(6) NOT NULL,
		PRIMARY KEY (token),
		KEY idx_oauth_refresh_user_client (user_id, client_id),
		KEY idx_oauth_refresh_expires (expires_at)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
}

// grantTables are the tables holding expiring credentials.
var grantTables = []string{
	"oauth_authorization_codes",
	"oauth_access_tokens",
	"oauth_refresh_tokens",
}

// EnsureSchema creates the tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// ============================================================
// Expiry sweep
// ============================================================

// PurgeExpired deletes codes and tokens with expires_at <= now and returns
// how many rows were removed.
func (s *Store) PurgeExpired(ctx context.Context) (_ int, err error) {
	ctx, span := s.startStorageSpan(ctx, "purge_expired")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "purge_expired", err, startTime) }()

	now := s.now().UTC()
	total := 0
	for _, table := range grantTables {
		res, err := s.db.ExecContext(ctx, "DELETE FROM "+table+" WHERE expires_at <= ?", now)
		if err != nil {
			return total, fmt.Errorf("purge %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += int(n)
	}

	if total > 0 {
		s.logger.Debug("Cleaned up expired records", "count", total)
	}
	return total, nil
}

// StartCleanup runs PurgeExpired every interval until ctx is done or Stop is called.
func (s *Store) StartCleanup(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultCleanupInterval
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCleanup:
				return
			case <-ticker.C:
				if _, err := s.PurgeExpired(ctx); err != nil {
					s.logger.Warn("Failed to purge expired records", "error", err)
				}
			}
		}
	}()
}

// Stop ends the cleanup loop started by StartCleanup.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

// ============================================================
// Helpers
// ============================================================

func isDuplicateEntry(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == errDuplicateEntry
}

func joinScopes(scopes []string) string {
	return strings.Join(scopes, " ")
}

func splitScopes(scope string) []string {
	return strings.Fields(scope)
}

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
