package credentials

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/trailcache/trailcache/internal/errors"
	"github.com/trailcache/trailcache/internal/models"
)

const (
	filePerms = 0o600
	dirPerms  = 0o700
)

// FileStore keeps credentials in a JSON file readable only by the owner.
// Writes go to a temp file in the same directory and are renamed into place.
type FileStore struct {
	mu   sync.Mutex
	path string
}

var _ Store = (*FileStore)(nil)

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Load(_ context.Context) (*models.CredentialSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if stderrors.Is(err, fs.ErrNotExist) {
		return nil, &errors.ErrNoCredentials{Backend: "file"}
	}
	if err != nil {
		return nil, &errors.ErrFileRead{Path: s.path, Err: err}
	}

	var creds models.CredentialSet
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, &errors.ErrFileRead{Path: s.path, Err: err}
	}
	return &creds, nil
}

func (s *FileStore) Save(_ context.Context, creds *models.CredentialSet) error {
	if creds == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return &errors.ErrFileWrite{Path: s.path, Err: err}
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, dirPerms); err != nil {
		return &errors.ErrDirectoryCreate{Path: dir, Err: err}
	}

	tmp, err := os.CreateTemp(dir, ".credentials-*.tmp")
	if err != nil {
		return &errors.ErrFileWrite{Path: s.path, Err: err}
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := os.Chmod(tmpPath, filePerms); err != nil {
		tmp.Close()
		return &errors.ErrFileWrite{Path: s.path, Err: err}
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return &errors.ErrFileWrite{Path: s.path, Err: err}
	}
	// fsync before rename so a crash cannot leave a truncated file at path
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return &errors.ErrFileWrite{Path: s.path, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &errors.ErrFileWrite{Path: s.path, Err: err}
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return &errors.ErrFileWrite{Path: s.path, Err: err}
	}

	success = true
	return nil
}
