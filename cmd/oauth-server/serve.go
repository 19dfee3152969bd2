package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	oauth "github.com/giantswarm/oauth-core"
	"github.com/giantswarm/oauth-core/instrumentation"
	"github.com/giantswarm/oauth-core/security"
	"github.com/giantswarm/oauth-core/server"
)

const (
	readHeaderTimeout = 5 * time.Second
	readTimeout       = 15 * time.Second
	writeTimeout      = 15 * time.Second
	idleTimeout       = 60 * time.Second
)

func newServeCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the authorization server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}

	flags := cmd.Flags()
	flags.String("listen", ":8080", "address to listen on")
	flags.String("issuer", "", "public base URL of the server (default: derived from --listen)")
	flags.Duration("code-ttl", 10*time.Minute, "authorization code lifetime")
	flags.Duration("access-token-ttl", time.Hour, "access token lifetime")
	flags.Duration("refresh-token-ttl", 30*24*time.Hour, "refresh token lifetime")
	flags.Bool("disable-refresh-rotation", false, "keep refresh tokens valid after use")
	flags.String("login-url", "", "login page for unauthenticated authorization requests (default: HTTP Basic challenge)")
	flags.Bool("anonymous-introspection", false, "allow token introspection without client authentication")
	flags.Float64("rate-limit", 10, "requests per second per client IP (0 disables)")
	flags.Int("rate-burst", 0, "burst per client IP (default: twice the rate)")
	flags.Bool("trust-proxy", false, "read client IPs from X-Forwarded-For")
	flags.Int("trusted-proxy-count", 1, "number of trusted proxies in front of the server")
	flags.Bool("metrics", true, "expose Prometheus metrics on /metrics")
	flags.String("traces-exporter", instrumentation.TracesExporterNone, "trace exporter: none or otlp")
	flags.String("otlp-endpoint", "", "OTLP/HTTP collector endpoint, e.g. localhost:4318")
	flags.Bool("otlp-insecure", false, "use plain HTTP for the OTLP exporter")
	flags.Duration("cleanup-interval", time.Minute, "expiry sweep interval for the mysql store")
	flags.Duration("shutdown-timeout", 15*time.Second, "graceful shutdown timeout")
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	metricsExporter := instrumentation.MetricsExporterNone
	if a.v.GetBool("metrics") {
		metricsExporter = instrumentation.MetricsExporterPrometheus
	}
	tracesExporter := a.v.GetString("traces-exporter")

	inst, err := instrumentation.New(instrumentation.Config{
		Enabled:         metricsExporter != instrumentation.MetricsExporterNone || tracesExporter != instrumentation.TracesExporterNone,
		ServiceName:     "oauth-server",
		ServiceVersion:  version,
		MetricsExporter: metricsExporter,
		TracesExporter:  tracesExporter,
		OTLPEndpoint:    a.v.GetString("otlp-endpoint"),
		OTLPInsecure:    a.v.GetBool("otlp-insecure"),
	})
	if err != nil {
		return fmt.Errorf("init instrumentation: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := inst.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("Instrumentation shutdown failed", "error", err)
		}
	}()

	store, release, err := a.newStore(ctx)
	if err != nil {
		return err
	}
	defer release()

	if s, ok := store.(interface {
		SetInstrumentation(*instrumentation.Instrumentation)
	}); ok {
		s.SetInstrumentation(inst)
	}
	if s, ok := store.(interface {
		StartCleanup(context.Context, time.Duration)
	}); ok {
		s.StartCleanup(ctx, a.v.GetDuration("cleanup-interval"))
	}

	srv, err := server.New(store, a.serverConfig(), a.logger)
	if err != nil {
		return err
	}
	srv.SetInstrumentation(inst)
	auditor := security.NewAuditor(a.logger, true)
	auditor.SetInstrumentation(inst)
	srv.SetAuditor(auditor)

	listen := a.v.GetString("listen")
	issuer := a.v.GetString("issuer")
	if issuer == "" {
		issuer = deriveIssuer(listen)
	}

	handler := oauth.NewHandler(srv, &oauth.Config{
		Issuer:                      issuer,
		SubjectResolver:             basicAuthSubject(srv.Credentials),
		LoginURL:                    a.v.GetString("login-url"),
		AllowAnonymousIntrospection: a.v.GetBool("anonymous-introspection"),
		TrustProxy:                  a.v.GetBool("trust-proxy"),
		TrustedProxyCount:           a.v.GetInt("trusted-proxy-count"),
		RateLimit: oauth.RateLimitConfig{
			RequestsPerSecond: a.v.GetFloat64("rate-limit"),
			Burst:             a.v.GetInt("rate-burst"),
		},
		Logger: a.logger,
	})
	defer handler.Close()

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	if h := inst.PrometheusHandler(); h != nil {
		mux.Handle("/metrics", h)
	}

	httpServer := &http.Server{
		Addr: listen,
		Handler: otelhttp.NewHandler(security.RequestIDMiddleware(mux), "oauth-server",
			otelhttp.WithTracerProvider(inst.TracerProvider()),
			otelhttp.WithMeterProvider(inst.MeterProvider())),
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("OAuth server starting",
			"addr", listen,
			"issuer", issuer,
			"store", a.v.GetString("store"),
			"metrics", metricsExporter != instrumentation.MetricsExporterNone)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	a.logger.Info("Shutting down gracefully")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.v.GetDuration("shutdown-timeout"))
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	a.logger.Info("Server stopped")
	return nil
}

// basicAuthSubject authenticates the resource owner at the authorization
// endpoint with HTTP Basic credentials checked against the user store. Missing
// or wrong credentials leave the request unauthenticated.
func basicAuthSubject(creds *server.CredentialVerifier) oauth.SubjectResolver {
	return func(r *http.Request) (*server.AuthenticatedSubject, error) {
		username, password, ok := r.BasicAuth()
		if !ok {
			return nil, nil
		}
		user, err := creds.Verify(r.Context(), username, password)
		if errors.Is(err, server.ErrInvalidCredentials) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return &server.AuthenticatedSubject{UserID: user.ID, Username: user.Username}, nil
	}
}

// deriveIssuer turns a listen address into a local base URL.
func deriveIssuer(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return "http://" + strings.TrimSuffix(listen, "/")
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port)
}
