package store

import (
	"context"
	"fmt"

	"github.com/trailcache/trailcache/internal/config"
	"github.com/trailcache/trailcache/internal/database"
	"github.com/trailcache/trailcache/internal/logging"
)

// OpenBackend constructs the durable backend selected by cfg.Backend.
func OpenBackend(ctx context.Context, cfg config.StoreConfig, logger *logging.Logger) (Backend, error) {
	switch cfg.Backend {
	case "sqlite", "":
		db, err := database.OpenSQLite(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return nil, err
		}
		return NewSQLiteBackend(db, true), nil
	case "postgres":
		db, err := database.OpenPostgres(ctx, cfg.PostgresDSN, logger)
		if err != nil {
			return nil, err
		}
		return NewPostgresBackend(db), nil
	case "s3":
		return NewS3Backend(ctx, cfg.S3)
	case "memory":
		return NewMemoryBackend(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}
