package main

import (
	"context"
	"fmt"

	"github.com/giantswarm/oauth-core/storage"
	"github.com/giantswarm/oauth-core/storage/memory"
	"github.com/giantswarm/oauth-core/storage/mysql"
	"github.com/giantswarm/oauth-core/storage/valkey"
)

const (
	storeMemory = "memory"
	storeValkey = "valkey"
	storeMySQL  = "mysql"
)

func (a *app) openStore(ctx context.Context) (storage.Store, func(), error) {
	switch backend := a.v.GetString("store"); backend {
	case storeMemory:
		a.logger.Warn("Using the in-memory store; all data is lost on exit")
		s := memory.New()
		return s, s.Stop, nil

	case storeValkey:
		s, err := valkey.New(valkey.Config{
			Address:   a.v.GetString("valkey-addr"),
			Password:  a.v.GetString("valkey-password"),
			DB:        a.v.GetInt("valkey-db"),
			KeyPrefix: a.v.GetString("valkey-prefix"),
			Logger:    a.logger,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("open valkey store: %w", err)
		}
		return s, s.Close, nil

	case storeMySQL:
		dsn := a.v.GetString("mysql-dsn")
		if dsn == "" {
			return nil, nil, fmt.Errorf("--mysql-dsn is required for the mysql store")
		}
		s, err := mysql.New(ctx, mysql.Config{DSN: dsn, Logger: a.logger})
		if err != nil {
			return nil, nil, fmt.Errorf("open mysql store: %w", err)
		}
		return s, func() {
			s.Stop()
			if err := s.Close(); err != nil {
				a.logger.Warn("Failed to close mysql store", "error", err)
			}
		}, nil

	default:
		return nil, nil, fmt.Errorf("unknown store %q (want memory, valkey or mysql)", backend)
	}
}
