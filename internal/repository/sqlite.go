package repository

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

var sqliteDialect = dialect{
	name: "sqlite",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS pixels (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			x INTEGER NOT NULL,
			y INTEGER NOT NULL,
			color VARCHAR(7) NOT NULL,
			inserted_by VARCHAR(50) NOT NULL DEFAULT 'Anonymous',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			UNIQUE(x, y)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pixels_inserted_by ON pixels(inserted_by)`,
		`CREATE INDEX IF NOT EXISTS idx_pixels_updated_at ON pixels(updated_at)`,
	},
	placeholder: questionMark,
	onConflict: `ON CONFLICT(x, y) DO UPDATE SET
		color = excluded.color,
		inserted_by = excluded.inserted_by,
		updated_at = excluded.updated_at`,
}

// NewSQLitePixelRepository opens (creating if needed) a SQLite database file.
func NewSQLitePixelRepository(dbPath string) (*SQLPixelRepository, error) {
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows a single writer
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	repo, err := newSQLPixelRepository(db, sqliteDialect)
	if err != nil {
		db.Close()
		return nil, err
	}
	return repo, nil
}
