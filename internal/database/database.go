// Package database opens the SQL databases used for snapshots and credentials
// and applies their embedded schema migrations.
package database

import (
	"context"
	"database/sql"
	"embed"
	stderrors "errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/trailcache/trailcache/internal/errors"
	"github.com/trailcache/trailcache/internal/logging"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

const sqlitePragmas = "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)&_pragma=cache_size(2000)&_pragma=busy_timeout(5000)"

// OpenSQLite opens (creating if needed) a SQLite database in WAL mode and
// migrates it to the latest schema.
func OpenSQLite(ctx context.Context, path string, logger *logging.Logger) (*sql.DB, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, &errors.ErrDirectoryCreate{Path: dir, Err: err}
		}
	}

	db, err := sql.Open("sqlite", path+sqlitePragmas)
	if err != nil {
		return nil, &errors.ErrDatabaseOpen{Path: path, Err: err}
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, &errors.ErrDatabaseOpen{Path: path, Err: err}
	}

	if err := Migrate(ctx, db, goose.DialectSQLite3, logger); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

// OpenPostgres connects through the pgx stdlib driver and migrates the schema.
func OpenPostgres(ctx context.Context, dsn string, logger *logging.Logger) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, &errors.ErrDatabaseOpen{Path: "postgres", Err: err}
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, &errors.ErrDatabaseOpen{Path: "postgres", Err: err}
	}

	if err := Migrate(ctx, db, goose.DialectPostgres, logger); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

// Migrate applies all pending migrations for the dialect.
func Migrate(ctx context.Context, db *sql.DB, dialect goose.Dialect, logger *logging.Logger) error {
	dir := "migrations/sqlite"
	if dialect == goose.DialectPostgres {
		dir = "migrations/postgres"
	}

	subFS, err := fs.Sub(migrationsFS, dir)
	if err != nil {
		return fmt.Errorf("database: migration sub-filesystem: %w", err)
	}

	provider, err := goose.NewProvider(dialect, db, subFS)
	if err != nil {
		return fmt.Errorf("database: migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		var version int64
		var partial *goose.PartialError
		if stderrors.As(err, &partial) && partial.Failed != nil && partial.Failed.Source != nil {
			version = partial.Failed.Source.Version
		}
		return &errors.ErrDatabaseMigration{Version: version, Err: err}
	}

	if logger != nil {
		for _, r := range results {
			logger.Info("applied migration",
				"source", r.Source.Path,
				"duration_ms", r.Duration.Milliseconds(),
			)
		}
	}

	return nil
}
