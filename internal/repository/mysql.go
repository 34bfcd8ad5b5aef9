package repository

import (
	"database/sql"
	"fmt"

	_ "github.com/go-sql-driver/mysql"
)

var mysqlDialect = dialect{
	name: "mysql",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS pixels (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			x INT NOT NULL,
			y INT NOT NULL,
			color VARCHAR(7) NOT NULL,
			inserted_by VARCHAR(50) NOT NULL DEFAULT 'Anonymous',
			created_at DATETIME(6) NOT NULL,
			updated_at DATETIME(6) NOT NULL,
			UNIQUE KEY uq_pixels_xy (x, y),
			KEY idx_pixels_inserted_by (inserted_by),
			KEY idx_pixels_updated_at (updated_at)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	},
	placeholder: questionMark,
	onConflict: `ON DUPLICATE KEY UPDATE
		color = VALUES(color),
		inserted_by = VALUES(inserted_by),
		updated_at = VALUES(updated_at)`,
}

// NewMySQLPixelRepository connects to MySQL. The DSN must set parseTime=true.
func NewMySQLPixelRepository(dsn string, pool PoolConfig) (*SQLPixelRepository, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	pool.apply(db)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	repo, err := newSQLPixelRepository(db, mysqlDialect)
	if err != nil {
		db.Close()
		return nil, err
	}
	return repo, nil
}
