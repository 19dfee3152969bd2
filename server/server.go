package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/giantswarm/oauth-core/instrumentation"
	"github.com/giantswarm/oauth-core/security"
	"github.com/giantswarm/oauth-core/storage"
)

// env is shared by every component of one Server. It carries configuration
// and collaborators only, never per-request state.
type env struct {
	config  *Config
	logger  *slog.Logger
	auditor *security.Auditor
	hasher  security.PasswordHasher
	now     func() time.Time

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
	metrics         *instrumentation.Metrics
}

func (e *env) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if e.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return e.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// Server holds the OAuth core components. All state lives in the store.
type Server struct {
	Clients       *ClientRegistry
	Credentials   *CredentialVerifier
	Scopes        *ScopeValidator
	Codes         *AuthorizationCodeManager
	Tokens        *TokenManager
	Grants        *GrantDispatcher
	Introspection *IntrospectionService

	Config *Config
	Logger *slog.Logger

	store storage.Store
	env   *env
}

// New wires the components over store.
func New(store storage.Store, config *Config, logger *slog.Logger) (*Server, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	config = applySecureDefaults(config, logger)

	e := &env{
		config: config,
		logger: logger,
		hasher: security.BcryptHasher{Cost: config.BcryptCost},
		now:    time.Now,
	}

	scopes := &ScopeValidator{supported: config.SupportedScopes}
	clients := &ClientRegistry{store: store, scopes: scopes, env: e}
	credentials := &CredentialVerifier{store: store, env: e}
	codes := &AuthorizationCodeManager{store: store, env: e}
	tokens := &TokenManager{store: store, env: e}

	return &Server{
		Clients:     clients,
		Credentials: credentials,
		Scopes:      scopes,
		Codes:       codes,
		Tokens:      tokens,
		Grants: &GrantDispatcher{
			clients:     clients,
			credentials: credentials,
			scopes:      scopes,
			codes:       codes,
			tokens:      tokens,
			env:         e,
		},
		Introspection: &IntrospectionService{store: store, env: e},
		Config:        config,
		Logger:        logger,
		store:         store,
		env:           e,
	}, nil
}

// SetAuditor sets the security auditor
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.env.auditor = aud
}

// SetInstrumentation enables spans and metrics for all components.
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.env.instrumentation = inst
	if inst == nil {
		s.env.tracer = nil
		s.env.metrics = nil
		return
	}
	s.env.tracer = inst.Tracer("server")
	s.env.metrics = inst.Metrics()
}

// SetClock replaces the time source used for issuing and expiry checks.
func (s *Server) SetClock(now func() time.Time) {
	if now != nil {
		s.env.now = now
	}
}

// SetPasswordHasher replaces the hasher for user passwords and client secrets.
func (s *Server) SetPasswordHasher(h security.PasswordHasher) {
	if h != nil {
		s.env.hasher = h
	}
}

// Auditor returns the security auditor, which may be nil.
func (s *Server) Auditor() *security.Auditor {
	return s.env.auditor
}

// Instrumentation returns the instrumentation set with SetInstrumentation, or nil.
func (s *Server) Instrumentation() *instrumentation.Instrumentation {
	return s.env.instrumentation
}

// Now returns the current time from the server clock.
func (s *Server) Now() time.Time {
	return s.env.now()
}

// Store returns the backing store.
func (s *Server) Store() storage.Store {
	return s.store
}

// generateRandomToken returns a URL-safe random string with 256 bits of
// entropy, used for codes, tokens and client secrets.
func generateRandomToken() string {
	return oauth2.GenerateVerifier()
}
