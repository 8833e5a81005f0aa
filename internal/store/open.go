package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kiranshivaraju/jobqueue/internal/config"
)

// Open builds the Store selected by cfg.Store.Driver. For postgres it connects
// the pool and applies pending migrations first.
func Open(ctx context.Context, cfg *config.Config) (Store, error) {
	switch cfg.Store.Driver {
	case "postgres":
		pool, err := Connect(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		if err := RunMigrations(cfg.Database.URL, cfg.Store.MigrationsDir); err != nil {
			pool.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
		slog.Info("database migrations applied", "dir", cfg.Store.MigrationsDir)
		return NewPostgresStore(pool), nil

	case "sqlite":
		return NewSQLiteStore(ctx, cfg.Store.SQLitePath)

	case "memory":
		slog.Warn("using in-memory job store; jobs are lost on restart")
		return NewMemoryStore(), nil

	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}
