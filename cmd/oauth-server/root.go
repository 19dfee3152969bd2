package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/giantswarm/oauth-core/security"
	"github.com/giantswarm/oauth-core/server"
	"github.com/giantswarm/oauth-core/storage"
	"github.com/giantswarm/oauth-core/storage/valkey"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// app carries the state shared by all subcommands.
type app struct {
	v      *viper.Viper
	logger *slog.Logger

	// newStore opens the configured backend and returns a release func.
	newStore func(ctx context.Context) (storage.Store, func(), error)
}

func newApp() *app {
	a := &app{
		v:      viper.New(),
		logger: slog.New(slog.DiscardHandler),
	}
	a.newStore = a.openStore
	return a
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "oauth-server",
		Short:         "OAuth 2.0 authorization server",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.String("config", "", "path to a YAML config file")
	flags.String("log-level", "info", "log level: debug, info, warn or error")
	flags.String("log-format", "text", "log format: text or json")
	flags.String("store", storeMemory, "storage backend: memory, valkey or mysql")
	flags.String("valkey-addr", "localhost:6379", "Valkey server address")
	flags.String("valkey-password", "", "Valkey password")
	flags.Int("valkey-db", 0, "Valkey database number")
	flags.String("valkey-prefix", valkey.DefaultKeyPrefix, "prefix for all Valkey keys")
	flags.String("mysql-dsn", "", "MySQL DSN, e.g. user:pass@tcp(localhost:3306)/oauth")
	flags.Int("bcrypt-cost", security.DefaultBcryptCost, "bcrypt work factor for new secrets and passwords")
	flags.StringSlice("supported-scopes", nil, "scopes clients may be registered with (empty allows any)")

	root.AddCommand(
		newServeCommand(a),
		newSeedCommand(a),
		newUserCommand(a),
		newClientCommand(a),
		newHashPasswordCommand(a),
	)
	return root
}

// init merges flags, OAUTH_ environment variables and the config file, in
// that order of precedence, and builds the logger.
func (a *app) init(cmd *cobra.Command) error {
	if err := bindFlags(a.v, cmd.Flags()); err != nil {
		return err
	}
	a.v.SetEnvPrefix("OAUTH")
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()

	if path := strings.TrimSpace(a.v.GetString("config")); path != "" {
		a.v.SetConfigFile(path)
		if err := a.v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config file %q: %w", path, err)
		}
	}

	logger, err := newLogger(cmd.ErrOrStderr(), a.v.GetString("log-level"), a.v.GetString("log-format"))
	if err != nil {
		return err
	}
	a.logger = logger
	return nil
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	var err error
	flags.VisitAll(func(f *pflag.Flag) {
		if err != nil {
			return
		}
		if bindErr := v.BindPFlag(f.Name, f); bindErr != nil {
			err = fmt.Errorf("bind flag %s: %w", f.Name, bindErr)
		}
	})
	return err
}

// serverConfig builds the core configuration. TTL keys are only bound for serve
// and fall back to the server defaults elsewhere.
func (a *app) serverConfig() *server.Config {
	return &server.Config{
		AuthorizationCodeTTL:        int64(a.v.GetDuration("code-ttl").Seconds()),
		AccessTokenTTL:              int64(a.v.GetDuration("access-token-ttl").Seconds()),
		RefreshTokenTTL:             int64(a.v.GetDuration("refresh-token-ttl").Seconds()),
		DisableRefreshTokenRotation: a.v.GetBool("disable-refresh-rotation"),
		SupportedScopes:             a.v.GetStringSlice("supported-scopes"),
		BcryptCost:                  a.v.GetInt("bcrypt-cost"),
	}
}

// withServer opens the store, builds a server over it and runs fn.
func (a *app) withServer(ctx context.Context, fn func(*server.Server) error) error {
	store, release, err := a.newStore(ctx)
	if err != nil {
		return err
	}
	defer release()

	srv, err := server.New(store, a.serverConfig(), a.logger)
	if err != nil {
		return err
	}
	srv.SetAuditor(security.NewAuditor(a.logger, true))
	return fn(srv)
}

func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	switch strings.ToLower(format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q (want text or json)", format)
	}
}
