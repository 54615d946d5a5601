package backend

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prismq/taskqueue/configs"
	"github.com/prismq/taskqueue/internal/domain"
	"github.com/prismq/taskqueue/internal/errval"
	"github.com/prismq/taskqueue/internal/postgres"
	"github.com/prismq/taskqueue/internal/remote"
	"github.com/prismq/taskqueue/internal/sqlite"
)

// RetryPolicy builds the retry delay policy from the worker configuration.
func RetryPolicy(cfg configs.WorkerConfig) domain.RetryPolicy {
	return domain.RetryPolicy{
		BaseDelay: cfg.RetryBaseDelay(),
		MaxDelay:  cfg.RetryMaxDelay(),
	}
}

// Open connects to the task store selected by STORE_BACKEND. Local databases are migrated
// first. The remote backend applies its own retry policy on the task manager side.
func Open(ctx context.Context, cfg *configs.Config) (domain.Storage, error) {
	policy := RetryPolicy(cfg.Worker)

	switch cfg.StoreBackend {
	case configs.BackendSQLite:
		if err := sqlite.Migrate(cfg.SQLite.ToMigrationUri()); err != nil {
			return nil, fmt.Errorf("migrate sqlite: %w", err)
		}
		slog.Info("Migrations ran successfully", "backend", cfg.StoreBackend, "path", cfg.SQLite.Path)

		store, err := sqlite.NewStorage(ctx, cfg.SQLite.ToDSN(), cfg.SQLite.MaxOpenConns, sqlite.WithRetryPolicy(policy))
		if err != nil {
			return nil, err
		}
		slog.Info("SQLite connection has been initialized successfully")
		return store, nil

	case configs.BackendPostgres:
		if err := postgres.Migrate(cfg.Database.ToMigrationUri()); err != nil {
			return nil, fmt.Errorf("migrate postgres: %w", err)
		}
		slog.Info("Migrations ran successfully", "backend", cfg.StoreBackend)

		store, err := postgres.NewStorage(ctx, cfg.Database.ToDbConnectionUri(), postgres.WithRetryPolicy(policy))
		if err != nil {
			return nil, err
		}
		slog.Info("Postgres connection has been initialized successfully")
		return store, nil

	case configs.BackendRemote:
		store, err := remote.NewStorage(ctx, cfg.Remote.URL, cfg.Remote.Timeout())
		if err != nil {
			return nil, err
		}
		slog.Info("Task manager connection has been initialized successfully", "url", cfg.Remote.URL)
		return store, nil

	default:
		return nil, fmt.Errorf("%w: unsupported store backend %q", errval.ErrInvalidArgument, cfg.StoreBackend)
	}
}
