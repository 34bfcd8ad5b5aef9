package repository

import (
	"context"

	"pixelcanvas-api/internal/model"
)

// MaxLeaderboardSize caps the attribution rollup.
const MaxLeaderboardSize = 100

// PixelRepository is the durable store of the canvas.
type PixelRepository interface {
	// ListPixels returns every stored pixel, most recently updated first.
	ListPixels(ctx context.Context) ([]model.Pixel, error)

	// BatchUpsertPixels writes all pending writes in one statement keyed on (x,y).
	// Re-applying the same writes is harmless.
	BatchUpsertPixels(ctx context.Context, writes []model.PendingWrite) error

	// DeletePixel removes the row for (x,y) and reports whether one existed.
	DeletePixel(ctx context.Context, x, y int) (bool, error)

	// Leaderboard returns pixel counts per attribution, highest first.
	Leaderboard(ctx context.Context, limit int) ([]model.LeaderboardEntry, error)

	// GetStats returns statistics about the pixel table.
	GetStats(ctx context.Context) (map[string]interface{}, error)

	// Ping checks connectivity.
	Ping(ctx context.Context) error

	// Close closes the repository connection.
	Close() error
}
