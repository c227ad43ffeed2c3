package store

import (
	"context"
	"database/sql"
	stderrors "errors"
	"time"

	"github.com/trailcache/trailcache/internal/errors"
	"github.com/trailcache/trailcache/internal/models"
)

// sqlQueries holds the dialect-specific statements for SQLBackend.
type sqlQueries struct {
	load   string
	save   string
	delete string
}

var sqliteQueries = sqlQueries{
	load: `SELECT payload FROM snapshots WHERE dataset = ?`,
	save: `
		INSERT INTO snapshots (dataset, version, payload, size, last_fetch, last_rich_fetch, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(dataset) DO UPDATE SET
			version = excluded.version,
			payload = excluded.payload,
			size = excluded.size,
			last_fetch = excluded.last_fetch,
			last_rich_fetch = excluded.last_rich_fetch,
			updated_at = excluded.updated_at
	`,
	delete: `DELETE FROM snapshots WHERE dataset = ?`,
}

var postgresQueries = sqlQueries{
	load: `SELECT payload::text FROM snapshots WHERE dataset = $1`,
	save: `
		INSERT INTO snapshots (dataset, version, payload, size, last_fetch, last_rich_fetch, updated_at)
		VALUES ($1, $2, $3::jsonb, $4, $5, $6, $7)
		ON CONFLICT (dataset) DO UPDATE SET
			version = EXCLUDED.version,
			payload = EXCLUDED.payload,
			size = EXCLUDED.size,
			last_fetch = EXCLUDED.last_fetch,
			last_rich_fetch = EXCLUDED.last_rich_fetch,
			updated_at = EXCLUDED.updated_at
	`,
	delete: `DELETE FROM snapshots WHERE dataset = $1`,
}

// SQLBackend stores one row per dataset with the JSON payload next to its
// metadata columns. A single upsert keeps payload and metadata consistent.
type SQLBackend struct {
	name   string
	db     *sql.DB
	q      sqlQueries
	ownsDB bool
}

var _ Backend = (*SQLBackend)(nil)

// NewSQLiteBackend wraps a migrated SQLite handle (see database.OpenSQLite).
func NewSQLiteBackend(db *sql.DB, ownsDB bool) *SQLBackend {
	return &SQLBackend{name: "sqlite", db: db, q: sqliteQueries, ownsDB: ownsDB}
}

// NewPostgresBackend wraps a migrated PostgreSQL handle (see database.OpenPostgres).
func NewPostgresBackend(db *sql.DB) *SQLBackend {
	return &SQLBackend{name: "postgres", db: db, q: postgresQueries, ownsDB: true}
}

func (b *SQLBackend) Name() string { return b.name }

func (b *SQLBackend) Load(ctx context.Context, dataset models.Dataset) (*models.Snapshot, error) {
	var payload string
	err := b.db.QueryRowContext(ctx, b.q.load, string(dataset)).Scan(&payload)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &errors.ErrDatabaseQuery{Operation: "load snapshot", Err: err}
	}
	return decodeSnapshot(dataset, []byte(payload))
}

func (b *SQLBackend) Save(ctx context.Context, snap *models.Snapshot) error {
	data, err := encodeSnapshot(snap)
	if err != nil {
		return err
	}

	_, err = b.db.ExecContext(ctx, b.q.save,
		string(snap.Dataset),
		snap.Version,
		string(data),
		snap.Size(),
		nullTime(snap.LastFetch),
		nullTime(snap.LastSync),
		time.Now().UTC(),
	)
	if err != nil {
		return &errors.ErrDatabaseQuery{Operation: "save snapshot", Err: err}
	}
	return nil
}

func (b *SQLBackend) Delete(ctx context.Context, dataset models.Dataset) error {
	if _, err := b.db.ExecContext(ctx, b.q.delete, string(dataset)); err != nil {
		return &errors.ErrDatabaseQuery{Operation: "delete snapshot", Err: err}
	}
	return nil
}

func (b *SQLBackend) Ping(ctx context.Context) error {
	return b.db.PingContext(ctx)
}

func (b *SQLBackend) Close() error {
	if !b.ownsDB {
		return nil
	}
	return b.db.Close()
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
