package credentials

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"time"

	"github.com/trailcache/trailcache/internal/errors"
	"github.com/trailcache/trailcache/internal/models"
)

// SQLiteStore keeps the credential pair in a single-row table of the
// application database.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore wraps an already migrated database handle.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) Load(ctx context.Context) (*models.CredentialSet, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM credentials WHERE id = 1`).Scan(&data)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, &errors.ErrNoCredentials{Backend: "sqlite"}
	}
	if err != nil {
		return nil, &errors.ErrDatabaseQuery{Operation: "load credentials", Err: err}
	}

	var creds models.CredentialSet
	if err := json.Unmarshal([]byte(data), &creds); err != nil {
		return nil, &errors.ErrDatabaseQuery{Operation: "decode credentials", Err: err}
	}
	return &creds, nil
}

func (s *SQLiteStore) Save(ctx context.Context, creds *models.CredentialSet) error {
	if creds == nil {
		return nil
	}
	data, err := json.Marshal(creds)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO credentials (id, data, expires_at, updated_at)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			data = excluded.data,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at
	`, string(data), creds.ExpiresAt, time.Now().UTC())
	if err != nil {
		return &errors.ErrDatabaseQuery{Operation: "save credentials", Err: err}
	}
	return nil
}
