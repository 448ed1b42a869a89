package main

import (
	"context"
	"fmt"
	"io"

	"github.com/lox/pitboss/internal/account"
	"github.com/lox/pitboss/internal/journal"
	"github.com/lox/pitboss/internal/server"
)

// Flags shared by commands that open the configured stores.
type StoreFlags struct {
	Config      string `short:"c" default:"pitboss.hcl" help:"Path to HCL configuration file"`
	RedisAddr   string `env:"PITBOSS_REDIS_ADDR" help:"Redis address for the account store (overrides config)"`
	DatabaseDSN string `name:"database-dsn" env:"PITBOSS_DATABASE_DSN" help:"Postgres DSN for the journal (overrides config)"`
}

// load reads the config file and applies flag overrides.
func (f StoreFlags) load() (*server.Config, error) {
	cfg, err := server.LoadConfig(f.Config)
	if err != nil {
		return nil, err
	}
	if f.RedisAddr != "" {
		cfg.Accounts.Backend = server.BackendRedis
		cfg.Accounts.RedisAddr = f.RedisAddr
	}
	if f.DatabaseDSN != "" {
		cfg.Journal.Backend = server.BackendPostgres
		cfg.Journal.DSN = f.DatabaseDSN
	}
	return cfg, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func openAccounts(ctx context.Context, cfg *server.Config) (account.Store, io.Closer, error) {
	settings := cfg.Accounts
	switch settings.Backend {
	case server.BackendRedis:
		store, err := account.NewRedisStore(ctx, account.RedisOptions{
			Addr:            settings.RedisAddr,
			Password:        settings.RedisPassword,
			DB:              settings.RedisDB,
			KeyPrefix:       settings.KeyPrefix,
			StartingBalance: settings.StartingBalance,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, store, nil
	case server.BackendMemory:
		return account.NewMemoryStore(settings.StartingBalance), nopCloser{}, nil
	default:
		return nil, nil, fmt.Errorf("unknown account backend %q", settings.Backend)
	}
}

func openJournal(cfg *server.Config) (journal.Journal, error) {
	settings := cfg.Journal
	switch settings.Backend {
	case server.BackendFile:
		return journal.OpenFileJournal(settings.Path)
	case server.BackendPostgres:
		return journal.OpenGormJournal(settings.DSN)
	case server.BackendMemory:
		return journal.NewMemoryJournal(), nil
	default:
		return nil, fmt.Errorf("unknown journal backend %q", settings.Backend)
	}
}
