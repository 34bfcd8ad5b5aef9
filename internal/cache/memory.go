package cache

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"pixelcanvas-api/internal/logging"
	"pixelcanvas-api/internal/metrics"
	"pixelcanvas-api/internal/model"
)

// MemoryGridCache is an in-process GridCache.
// Use this for development/testing or single-instance deployments.
type MemoryGridCache struct {
	mu      sync.RWMutex
	entries map[string]model.PixelState
}

// NewMemoryGridCache creates an empty in-memory grid cache.
func NewMemoryGridCache() *MemoryGridCache {
	return &MemoryGridCache{entries: make(map[string]model.PixelState)}
}

// Set stores the state under its coordinate.
func (c *MemoryGridCache) Set(ctx context.Context, state model.PixelState) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[state.Key()] = state
	return nil
}

// FillMissing stores states whose coordinate has no entry.
func (c *MemoryGridCache) FillMissing(ctx context.Context, states []model.PixelState) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	added := 0
	for _, s := range states {
		if _, ok := c.entries[s.Key()]; ok {
			continue
		}
		c.entries[s.Key()] = s
		added++
	}
	return added, nil
}

// Delete removes the entry for a coordinate.
func (c *MemoryGridCache) Delete(ctx context.Context, x, y int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, model.CoordKey(x, y))
	return nil
}

// GetAll returns every cached entry.
func (c *MemoryGridCache) GetAll(ctx context.Context) ([]model.PixelState, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	states := make([]model.PixelState, 0, len(c.entries))
	for _, s := range c.entries {
		states = append(states, s)
	}
	return states, nil
}

// Count returns the number of cached entries.
func (c *MemoryGridCache) Count(ctx context.Context) (int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return int64(len(c.entries)), nil
}

// Ping always succeeds.
func (c *MemoryGridCache) Ping(ctx context.Context) error {
	return nil
}

// bufferEntry is a pending write with expiration.
type bufferEntry struct {
	raw       string
	write     model.PendingWrite
	expiresAt time.Time
}

// MemoryWriteBuffer is an in-process WriteBuffer with per-entry TTL.
type MemoryWriteBuffer struct {
	mu      sync.Mutex
	entries map[string]*bufferEntry
	ttl     time.Duration
	now     func() time.Time
	log     zerolog.Logger

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
}

// NewMemoryWriteBuffer creates a buffer whose entries expire after ttl.
// Expired entries are swept every minute and each one is logged.
func NewMemoryWriteBuffer(ttl time.Duration) *MemoryWriteBuffer {
	b := newMemoryWriteBuffer(ttl, time.Now)
	go b.cleanup()
	return b
}

func newMemoryWriteBuffer(ttl time.Duration, now func() time.Time) *MemoryWriteBuffer {
	return &MemoryWriteBuffer{
		entries:         make(map[string]*bufferEntry),
		ttl:             ttl,
		now:             now,
		log:             logging.Component("memory-buffer"),
		cleanupInterval: time.Minute,
		stopCleanup:     make(chan struct{}),
	}
}

func (e *bufferEntry) isExpired(now time.Time) bool {
	return !now.Before(e.expiresAt)
}

// Put stages a write, superseding any pending write for the same coordinate.
func (b *MemoryWriteBuffer) Put(ctx context.Context, w model.PendingWrite) error {
	data, err := json.Marshal(w)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries[w.Key()] = &bufferEntry{
		raw:       string(data),
		write:     w,
		expiresAt: b.now().Add(b.ttl),
	}
	return nil
}

// Remove clears the pending write for a coordinate.
func (b *MemoryWriteBuffer) Remove(ctx context.Context, x, y int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.entries, model.CoordKey(x, y))
	return nil
}

// Keys enumerates pending coordinates in sorted order.
func (b *MemoryWriteBuffer) Keys(ctx context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	keys := make([]string, 0, len(b.entries))
	for k, e := range b.entries {
		if !e.isExpired(now) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// GetMany reads payloads for keys.
func (b *MemoryWriteBuffer) GetMany(ctx context.Context, keys []string) ([]BufferedWrite, []string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	found := make([]BufferedWrite, 0, len(keys))
	var missing []string
	for _, k := range keys {
		e, ok := b.entries[k]
		if !ok || e.isExpired(now) {
			missing = append(missing, k)
			continue
		}
		found = append(found, BufferedWrite{Key: k, Write: e.write, raw: e.raw})
	}
	return found, missing, nil
}

// Ack removes entries whose payload is unchanged since they were read.
func (b *MemoryWriteBuffer) Ack(ctx context.Context, entries []BufferedWrite) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	removed := 0
	for _, e := range entries {
		cur, ok := b.entries[e.Key]
		if ok && cur.raw == e.raw {
			delete(b.entries, e.Key)
			removed++
		}
	}
	return removed, nil
}

// Count returns the number of live pending writes.
func (b *MemoryWriteBuffer) Count(ctx context.Context) (int64, error) {
	keys, _ := b.Keys(ctx)
	return int64(len(keys)), nil
}

// Close stops the background cleanup goroutine.
func (b *MemoryWriteBuffer) Close() error {
	b.stopOnce.Do(func() { close(b.stopCleanup) })
	return nil
}

// cleanup periodically removes expired entries.
func (b *MemoryWriteBuffer) cleanup() {
	ticker := time.NewTicker(b.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.removeExpired()
		case <-b.stopCleanup:
			return
		}
	}
}

// removeExpired drops expired entries, logging each as a lost durable write.
func (b *MemoryWriteBuffer) removeExpired() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	removed := 0
	for key, e := range b.entries {
		if e.isExpired(now) {
			delete(b.entries, key)
			removed++
			metrics.WriteBufferExpired.Inc()
			b.log.Warn().
				Str("key", key).
				Time("accepted_at", e.write.Timestamp).
				Msg("pending write expired before flush; durable state not updated")
		}
	}
	return removed
}

var (
	_ GridCache   = (*MemoryGridCache)(nil)
	_ WriteBuffer = (*MemoryWriteBuffer)(nil)
)
