package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"stbmux/work/logger"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// SQLiteStore implements Store on an embedded SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// Open creates or opens the store at path, applies WAL pragmas and
// bootstraps the schema.
func Open(path string) (*SQLiteStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &SQLiteStore{db: db}
	if err := s.bootstrap(); err != nil {
		db.Close()
		return nil, fmt.Errorf("schema bootstrap failed: %w", err)
	}

	logger.Info("{store - Open} SQLite store opened at %s with WAL mode", path)
	return s, nil
}

func (s *SQLiteStore) bootstrap() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS portals (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			url TEXT NOT NULL,
			proxy TEXT NOT NULL DEFAULT '',
			streams_per_mac INTEGER NOT NULL DEFAULT 1,
			enabled INTEGER NOT NULL DEFAULT 1,
			fuzzy_match INTEGER NOT NULL DEFAULT 0,
			epg_url TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS macs (
			portal_id TEXT NOT NULL,
			mac TEXT NOT NULL,
			expiry TEXT NOT NULL DEFAULT '',
			watchdog_seconds INTEGER NOT NULL DEFAULT 0,
			playback_limit INTEGER NOT NULL DEFAULT 0,
			position INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (portal_id, mac),
			FOREIGN KEY (portal_id) REFERENCES portals(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS channels (
			portal_id TEXT NOT NULL,
			channel_id TEXT NOT NULL,
			name TEXT NOT NULL,
			genre TEXT NOT NULL DEFAULT '',
			logo TEXT NOT NULL DEFAULT '',
			cached_cmd TEXT NOT NULL DEFAULT '',
			available_macs TEXT NOT NULL DEFAULT '[]',
			alternate_ids TEXT NOT NULL DEFAULT '[]',
			PRIMARY KEY (portal_id, channel_id),
			FOREIGN KEY (portal_id) REFERENCES portals(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_channels_name ON channels(name)`,
		`CREATE INDEX IF NOT EXISTS idx_macs_position ON macs(portal_id, position)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	logger.Debug("{store - Close} closing SQLite store")
	return s.db.Close()
}
