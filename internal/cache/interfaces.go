package cache

import (
	"context"

	"pixelcanvas-api/internal/model"
)

// GridCache is the shared low-latency map from coordinate to the latest
// accepted pixel state. It is an acceleration layer: callers treat every
// error as a soft failure and fall back to the durable store.
type GridCache interface {
	// Set stores the state under its coordinate, replacing any previous entry.
	Set(ctx context.Context, state model.PixelState) error

	// FillMissing stores states only for coordinates that have no entry yet,
	// so a newer Set or a Delete is never overwritten. Used for read-repair.
	// Returns the number of entries added.
	FillMissing(ctx context.Context, states []model.PixelState) (int, error)

	// Delete removes the entry for a coordinate. Deleting a missing entry is not an error.
	Delete(ctx context.Context, x, y int) error

	// GetAll returns every cached entry. An empty result means "cold or empty".
	GetAll(ctx context.Context) ([]model.PixelState, error)

	// Count returns the number of cached entries.
	Count(ctx context.Context) (int64, error)

	// Ping checks that the backing store is reachable.
	Ping(ctx context.Context) error
}

// WriteBuffer is the shared staging store of pending writes, one entry per
// coordinate, each with a time-to-live.
type WriteBuffer interface {
	// Put stages a write, superseding any pending write for the same coordinate.
	Put(ctx context.Context, w model.PendingWrite) error

	// Remove clears the pending write for a coordinate, if any.
	Remove(ctx context.Context, x, y int) error

	// Keys enumerates the coordinate keys ("x,y") that currently have a pending write.
	Keys(ctx context.Context) ([]string, error)

	// GetMany reads the payloads for keys. Keys that vanished since
	// enumeration (expired or cleared) are returned in missing.
	GetMany(ctx context.Context, keys []string) (found []BufferedWrite, missing []string, err error)

	// Ack removes entries that were committed, but only where the stored
	// payload is still the one that was read. A write that superseded the
	// entry after it was read stays pending. Returns the number removed.
	Ack(ctx context.Context, entries []BufferedWrite) (int, error)

	// Count returns the number of pending writes.
	Count(ctx context.Context) (int64, error)
}

// BufferedWrite is a pending write as read from the buffer, together with the
// exact payload that was stored so it can be compare-and-deleted.
type BufferedWrite struct {
	Key   string
	Write model.PendingWrite
	raw   string
}

// Common cache errors
type CacheError string

func (e CacheError) Error() string { return string(e) }

const (
	// ErrUnavailable wraps any failure to reach the backing store.
	ErrUnavailable CacheError = "cache unavailable"
)
