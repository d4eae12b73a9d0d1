package locator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"captionai/internal/storage"
)

// SQLStore keeps the locator in the single-row backend_locator table
// created by storage.Migrate.
type SQLStore struct {
	db     *sql.DB
	upsert string
}

// NewSQLStore returns a store for db opened with the given driver.
func NewSQLStore(db *sql.DB, driver string) (*SQLStore, error) {
	var upsert string
	switch storage.Dialect(driver) {
	case "sqlite3":
		upsert = `INSERT INTO backend_locator (id, url, updated_at) VALUES (1, ?, ?)
			ON CONFLICT(id) DO UPDATE SET url = excluded.url, updated_at = excluded.updated_at`
	case "mysql":
		upsert = `INSERT INTO backend_locator (id, url, updated_at) VALUES (1, ?, ?)
			ON DUPLICATE KEY UPDATE url = VALUES(url), updated_at = VALUES(updated_at)`
	default:
		return nil, fmt.Errorf("unsupported driver for locator: %s", driver)
	}
	return &SQLStore{db: db, upsert: upsert}, nil
}

func (s *SQLStore) Lookup(ctx context.Context) (string, bool, error) {
	var url string
	err := s.db.QueryRowContext(ctx, `SELECT url FROM backend_locator WHERE id = 1`).Scan(&url)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("lookup locator: %w", err)
	}
	return url, true, nil
}

func (s *SQLStore) Set(ctx context.Context, url string) error {
	if err := Validate(url); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, s.upsert, url, time.Now().UTC()); err != nil {
		return fmt.Errorf("store locator: %w", err)
	}
	return nil
}
