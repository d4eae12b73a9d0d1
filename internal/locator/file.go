package locator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileStore persists the locator as a small JSON document on local disk.
type FileStore struct {
	path string
	mu   sync.Mutex
}

type fileRecord struct {
	URL       string    `json:"url"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewFileStore returns a store backed by the file at path. The file and its
// directory are created on the first Set.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Lookup(_ context.Context) (string, bool, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("read locator file: %w", err)
	}
	var rec fileRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return "", false, fmt.Errorf("decode locator file %s: %w", s.path, err)
	}
	if rec.URL == "" {
		return "", false, nil
	}
	return rec.URL, true, nil
}

// Set writes to a temp file and renames it over the old one, so readers see
// either the previous or the new value.
func (s *FileStore) Set(_ context.Context, url string) error {
	if err := Validate(url); err != nil {
		return err
	}
	data, err := json.Marshal(fileRecord{URL: url, UpdatedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("encode locator: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create locator dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".locator-*")
	if err != nil {
		return fmt.Errorf("create temp locator file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write locator file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close locator file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace locator file: %w", err)
	}
	return nil
}
