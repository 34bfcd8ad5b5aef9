package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"pixelcanvas-api/internal/logging"
	"pixelcanvas-api/internal/model"
)

// dialect captures the SQL differences between the supported drivers.
type dialect struct {
	name        string
	schema      []string
	placeholder func(n int) string
	onConflict  string
}

func questionMark(int) string { return "?" }

// SQLPixelRepository implements PixelRepository on database/sql.
type SQLPixelRepository struct {
	db      *sql.DB
	dialect dialect
	log     zerolog.Logger
}

func newSQLPixelRepository(db *sql.DB, d dialect) (*SQLPixelRepository, error) {
	r := &SQLPixelRepository{
		db:      db,
		dialect: d,
		log:     logging.Component("pixel-repo").With().Str("driver", d.name).Logger(),
	}
	if err := r.Migrate(context.Background()); err != nil {
		return nil, err
	}
	return r, nil
}

// Migrate creates the pixels table if it does not exist.
func (r *SQLPixelRepository) Migrate(ctx context.Context) error {
	for _, stmt := range r.dialect.schema {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create tables: %w", err)
		}
	}
	return nil
}

// ListPixels returns every stored pixel, most recently updated first.
func (r *SQLPixelRepository) ListPixels(ctx context.Context) ([]model.Pixel, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, x, y, color, inserted_by, created_at, updated_at
		FROM pixels
		ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list pixels: %w", err)
	}
	defer rows.Close()

	pixels := []model.Pixel{}
	for rows.Next() {
		var p model.Pixel
		if err := rows.Scan(&p.ID, &p.X, &p.Y, &p.Color, &p.InsertedBy, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan pixel: %w", err)
		}
		pixels = append(pixels, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list pixels: %w", err)
	}
	return pixels, nil
}

// BatchUpsertPixels writes all pending writes as one multi-row upsert.
// Duplicate coordinates within the batch are collapsed to the newest write,
// since a single statement may not touch the same row twice.
func (r *SQLPixelRepository) BatchUpsertPixels(ctx context.Context, writes []model.PendingWrite) error {
	writes = dedupeLatest(writes)
	if len(writes) == 0 {
		return nil
	}

	var sb strings.Builder
	sb.WriteString("INSERT INTO pixels (x, y, color, inserted_by, created_at, updated_at) VALUES ")

	args := make([]interface{}, 0, len(writes)*6)
	n := 0
	for i, w := range writes {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('(')
		for j := 0; j < 6; j++ {
			if j > 0 {
				sb.WriteString(", ")
			}
			n++
			sb.WriteString(r.dialect.placeholder(n))
		}
		sb.WriteByte(')')

		ts := w.Timestamp.UTC()
		args = append(args, w.X, w.Y, w.Color, w.InsertedBy, ts, ts)
	}
	sb.WriteByte(' ')
	sb.WriteString(r.dialect.onConflict)

	if _, err := r.db.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("failed to batch upsert %d pixels: %w", len(writes), err)
	}
	return nil
}

func dedupeLatest(writes []model.PendingWrite) []model.PendingWrite {
	index := make(map[model.Coordinate]int, len(writes))
	out := make([]model.PendingWrite, 0, len(writes))
	for _, w := range writes {
		c := model.Coordinate{X: w.X, Y: w.Y}
		if i, ok := index[c]; ok {
			if !w.Timestamp.Before(out[i].Timestamp) {
				out[i] = w
			}
			continue
		}
		index[c] = len(out)
		out = append(out, w)
	}
	return out
}

// DeletePixel removes the row for (x,y). Zero affected rows is not an error.
func (r *SQLPixelRepository) DeletePixel(ctx context.Context, x, y int) (bool, error) {
	query := fmt.Sprintf("DELETE FROM pixels WHERE x = %s AND y = %s",
		r.dialect.placeholder(1), r.dialect.placeholder(2))

	result, err := r.db.ExecContext(ctx, query, x, y)
	if err != nil {
		return false, fmt.Errorf("failed to delete pixel (%d,%d): %w", x, y, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// Leaderboard returns pixel counts per attribution, highest first.
func (r *SQLPixelRepository) Leaderboard(ctx context.Context, limit int) ([]model.LeaderboardEntry, error) {
	if limit <= 0 || limit > MaxLeaderboardSize {
		limit = MaxLeaderboardSize
	}

	query := fmt.Sprintf(`
		SELECT inserted_by, COUNT(*) AS pixel_count
		FROM pixels
		GROUP BY inserted_by
		ORDER BY pixel_count DESC, inserted_by ASC
		LIMIT %s`, r.dialect.placeholder(1))

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query leaderboard: %w", err)
	}
	defer rows.Close()

	entries := []model.LeaderboardEntry{}
	for rows.Next() {
		var e model.LeaderboardEntry
		if err := rows.Scan(&e.Name, &e.PixelCount); err != nil {
			return nil, fmt.Errorf("failed to scan leaderboard row: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetStats returns statistics about the pixel table.
func (r *SQLPixelRepository) GetStats(ctx context.Context) (map[string]interface{}, error) {
	stats := make(map[string]interface{})
	stats["driver"] = r.dialect.name

	var count int64
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM pixels").Scan(&count); err != nil {
		return nil, err
	}
	stats["total_pixels"] = count

	var lastUpdate time.Time
	err := r.db.QueryRowContext(ctx, "SELECT updated_at FROM pixels ORDER BY updated_at DESC LIMIT 1").Scan(&lastUpdate)
	switch {
	case err == nil:
		stats["last_update"] = lastUpdate
	case !errors.Is(err, sql.ErrNoRows):
		r.log.Warn().Err(err).Msg("failed to read last update time")
	}

	dbStats := r.db.Stats()
	stats["connections"] = map[string]interface{}{
		"open":     dbStats.OpenConnections,
		"in_use":   dbStats.InUse,
		"idle":     dbStats.Idle,
		"max_open": dbStats.MaxOpenConnections,
	}

	return stats, nil
}

// Ping checks connectivity.
func (r *SQLPixelRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection pool.
func (r *SQLPixelRepository) Close() error {
	return r.db.Close()
}

// Ensure SQLPixelRepository implements PixelRepository
var _ PixelRepository = (*SQLPixelRepository)(nil)
