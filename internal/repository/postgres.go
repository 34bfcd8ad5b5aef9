package repository

import (
	"database/sql"
	"fmt"
	"strconv"
	"time"

	_ "github.com/lib/pq"
)

var postgresDialect = dialect{
	name: "postgres",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS pixels (
			id BIGSERIAL PRIMARY KEY,
			x INTEGER NOT NULL,
			y INTEGER NOT NULL,
			color VARCHAR(7) NOT NULL,
			inserted_by VARCHAR(50) NOT NULL DEFAULT 'Anonymous',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT uq_pixels_xy UNIQUE (x, y)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pixels_inserted_by ON pixels(inserted_by)`,
		`CREATE INDEX IF NOT EXISTS idx_pixels_updated_at ON pixels(updated_at)`,
	},
	placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
	onConflict: `ON CONFLICT (x, y) DO UPDATE SET
		color = EXCLUDED.color,
		inserted_by = EXCLUDED.inserted_by,
		updated_at = EXCLUDED.updated_at`,
}

// PoolConfig configures the connection pool of network databases.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

func (p PoolConfig) apply(db *sql.DB) {
	if p.MaxOpenConns > 0 {
		db.SetMaxOpenConns(p.MaxOpenConns)
	}
	if p.MaxIdleConns > 0 {
		db.SetMaxIdleConns(p.MaxIdleConns)
	}
	if p.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(p.ConnMaxLifetime)
	}
}

// NewPostgresPixelRepository connects to PostgreSQL.
func NewPostgresPixelRepository(dsn string, pool PoolConfig) (*SQLPixelRepository, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	pool.apply(db)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	repo, err := newSQLPixelRepository(db, postgresDialect)
	if err != nil {
		db.Close()
		return nil, err
	}
	return repo, nil
}
