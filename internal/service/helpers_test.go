package service

import (
	"context"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pixelcanvas-api/internal/cache"
	"pixelcanvas-api/internal/logging"
	"pixelcanvas-api/internal/model"
	"pixelcanvas-api/internal/repository"
)

func init() {
	logging.Init(logging.Config{Level: "info", Format: "console", Output: io.Discard})
}

type recordingBroadcaster struct {
	mu      sync.Mutex
	updates []model.PixelState
	deletes []model.Coordinate
}

func (b *recordingBroadcaster) BroadcastPixelUpdate(state model.PixelState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.updates = append(b.updates, state)
}

func (b *recordingBroadcaster) BroadcastPixelDelete(x, y int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deletes = append(b.deletes, model.Coordinate{X: x, Y: y})
}

func (b *recordingBroadcaster) counts() (int, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.updates), len(b.deletes)
}

// hookedRepo records batch sizes and can fail or intercept upserts.
type hookedRepo struct {
	repository.PixelRepository

	mu           sync.Mutex
	batchSizes   []int
	upsertErr    error
	beforeUpsert func()
}

func (r *hookedRepo) BatchUpsertPixels(ctx context.Context, writes []model.PendingWrite) error {
	r.mu.Lock()
	r.batchSizes = append(r.batchSizes, len(writes))
	hook := r.beforeUpsert
	err := r.upsertErr
	r.mu.Unlock()

	if hook != nil {
		hook()
	}
	if err != nil {
		return err
	}
	return r.PixelRepository.BatchUpsertPixels(ctx, writes)
}

func (r *hookedRepo) setUpsertErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upsertErr = err
}

func (r *hookedRepo) setBeforeUpsert(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.beforeUpsert = fn
}

func (r *hookedRepo) sizes() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.batchSizes...)
}

// flakyGrid fails selected operations with cache.ErrUnavailable.
type flakyGrid struct {
	cache.GridCache
	failSet    bool
	failGetAll bool
}

func (g *flakyGrid) Set(ctx context.Context, state model.PixelState) error {
	if g.failSet {
		return cache.ErrUnavailable
	}
	return g.GridCache.Set(ctx, state)
}

func (g *flakyGrid) GetAll(ctx context.Context) ([]model.PixelState, error) {
	if g.failGetAll {
		return nil, cache.ErrUnavailable
	}
	return g.GridCache.GetAll(ctx)
}

// downBuffer refuses to stage writes.
type downBuffer struct {
	cache.WriteBuffer
}

func (b *downBuffer) Put(ctx context.Context, w model.PendingWrite) error {
	return cache.ErrUnavailable
}

type testEnv struct {
	grid    *cache.MemoryGridCache
	buffer  *cache.MemoryWriteBuffer
	repo    *hookedRepo
	hub     *recordingBroadcaster
	tasks   *TaskQueue
	svc     *PixelService
	flusher *FlushScheduler
}

func setup(t *testing.T) *testEnv {
	t.Helper()

	sqlRepo, err := repository.NewSQLitePixelRepository(filepath.Join(t.TempDir(), "pixels.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlRepo.Close() })

	buffer := cache.NewMemoryWriteBuffer(5 * time.Minute)
	t.Cleanup(func() { buffer.Close() })

	env := &testEnv{
		grid:   cache.NewMemoryGridCache(),
		buffer: buffer,
		repo:   &hookedRepo{PixelRepository: sqlRepo},
		hub:    &recordingBroadcaster{},
		tasks:  NewTaskQueue(16),
	}
	env.svc = NewPixelService(env.grid, env.buffer, env.repo, env.hub, env.tasks, PixelServiceConfig{GridSize: 3000})
	env.flusher = NewFlushScheduler(env.buffer, env.repo, FlushConfig{
		Interval:  time.Hour,
		BatchSize: 100,
	})
	return env
}

func (e *testEnv) durable(t *testing.T) map[model.Coordinate]model.Pixel {
	t.Helper()
	pixels, err := e.repo.ListPixels(context.Background())
	require.NoError(t, err)
	out := make(map[model.Coordinate]model.Pixel, len(pixels))
	for _, p := range pixels {
		out[model.Coordinate{X: p.X, Y: p.Y}] = p
	}
	return out
}

func (e *testEnv) pending(t *testing.T) int64 {
	t.Helper()
	n, err := e.buffer.Count(context.Background())
	require.NoError(t, err)
	return n
}
