// Package app assembles a ledger engine and its collaborators from config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"housecup.org/internal/auth"
	"housecup.org/internal/config"
	"housecup.org/internal/docstore"
	"housecup.org/internal/docstore/memstore"
	"housecup.org/internal/docstore/sqlstore"
	"housecup.org/internal/ledger"
	"housecup.org/internal/lock"
	"housecup.org/internal/sequence"
	"housecup.org/internal/stream"
)

// App holds the wired components of one process.
type App struct {
	Store    docstore.Store
	Engine   *ledger.Engine
	Sequence *sequence.Generator
	Stream   *stream.Stream
	Tokens   *auth.Tokens
	Locker   lock.Locker

	redis redis.UniversalClient
}

// OpenStore opens the backend named by cfg.Store.Driver, migrating SQL
// schemas on the way.
func OpenStore(ctx context.Context, cfg *config.Config) (docstore.Store, error) {
	switch cfg.Store.Driver {
	case config.DriverMemory:
		return memstore.New(memstore.WithMaxAttempts(cfg.Store.MaxAttempts)), nil
	case config.DriverPostgres, config.DriverSQLite:
		s, err := sqlstore.Open(ctx, cfg.Store.Driver, cfg.Store.DSN, sqlstore.WithMaxAttempts(cfg.Store.MaxAttempts))
		if err != nil {
			return nil, fmt.Errorf("open %s store: %w", cfg.Store.Driver, err)
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
}

// Build wires every component. Without a redis address the backfill lock
// is process local; without an auth secret Tokens is nil.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	store, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a := &App{
		Store:    store,
		Sequence: sequence.New(store),
		Stream:   stream.New(),
		Locker:   lock.NewLocal(),
	}
	if cfg.Redis.Addr != "" {
		a.redis = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		a.Locker = lock.NewRedis(a.redis)
	}
	if cfg.Auth.Secret != "" {
		if a.Tokens, err = auth.NewTokens(cfg.Auth.Secret, auth.WithIssuer(cfg.Auth.Issuer)); err != nil {
			a.Close()
			return nil, err
		}
	}
	a.Engine, err = ledger.New(store,
		ledger.WithGroupCollection(cfg.Ledger.GroupCollection),
		ledger.WithIDFormat(cfg.Ledger.IDPrefix, cfg.Ledger.IDWidth),
		ledger.WithClampNegative(cfg.Ledger.ClampNegative),
		ledger.WithLocker(a.Locker),
		ledger.WithPublisher(a.Stream),
		ledger.WithSequence(a.Sequence),
		ledger.WithLogger(logger.With("component", "ledger")),
	)
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// Ready reports whether the store and, when configured, redis answer.
func (a *App) Ready(ctx context.Context) error {
	if err := a.Store.Ping(ctx); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if a.redis != nil {
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

func (a *App) Close() error {
	var errs []error
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	return errors.Join(errs...)
}
