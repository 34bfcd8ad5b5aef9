package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"pixelcanvas-api/internal/cache"
	"pixelcanvas-api/internal/logging"
	"pixelcanvas-api/internal/metrics"
	"pixelcanvas-api/internal/model"
	"pixelcanvas-api/internal/repository"
	"pixelcanvas-api/internal/validation"
)

const (
	// DefaultGridSize is the width and height of the canvas.
	DefaultGridSize = 3000

	repairTaskName = "grid_cache_repair"
)

// Service errors
var (
	ErrInvalidPixel = errors.New("invalid pixel")
	ErrOutOfBounds  = errors.New("coordinates out of bounds")
)

// Broadcaster delivers pixel events to connected viewers.
type Broadcaster interface {
	BroadcastPixelUpdate(state model.PixelState)
	BroadcastPixelDelete(x, y int)
}

// PixelServiceConfig holds settings for the pixel service.
type PixelServiceConfig struct {
	GridSize int
}

// PixelService accepts pixel mutations into the Write Buffer and Grid Cache,
// announces them to viewers, and serves reads from the cache with the durable
// store as fallback.
type PixelService struct {
	grid     cache.GridCache
	buffer   cache.WriteBuffer
	repo     repository.PixelRepository
	hub      Broadcaster
	tasks    *TaskQueue
	gridSize int
	now      func() time.Time
	log      zerolog.Logger

	repairs repairGuard
}

// repairGuard remembers coordinates deleted while a read-repair is between
// its durable scan and its cache fill, so the fill cannot bring them back.
type repairGuard struct {
	mu      sync.Mutex
	pending int
	deleted map[model.Coordinate]struct{}
}

func (g *repairGuard) begin() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pending++
	if g.deleted == nil {
		g.deleted = make(map[model.Coordinate]struct{})
	}
}

func (g *repairGuard) end() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pending--
	if g.pending <= 0 {
		g.pending = 0
		g.deleted = nil
	}
}

func (g *repairGuard) noteDelete(c model.Coordinate) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending > 0 {
		g.deleted[c] = struct{}{}
	}
}

// NewPixelService wires the service to its stores.
func NewPixelService(
	grid cache.GridCache,
	buffer cache.WriteBuffer,
	repo repository.PixelRepository,
	hub Broadcaster,
	tasks *TaskQueue,
	cfg PixelServiceConfig,
) *PixelService {
	if cfg.GridSize <= 0 {
		cfg.GridSize = DefaultGridSize
	}
	return &PixelService{
		grid:     grid,
		buffer:   buffer,
		repo:     repo,
		hub:      hub,
		tasks:    tasks,
		gridSize: cfg.GridSize,
		now:      time.Now,
		log:      logging.Component("pixel-service"),
	}
}

type pixelInput struct {
	Color      string `json:"color" validate:"required,rgbhex"`
	InsertedBy string `json:"insertedBy" validate:"max=50"`
}

func (s *PixelService) checkBounds(x, y int) error {
	if x < 0 || y < 0 || x >= s.gridSize || y >= s.gridSize {
		return fmt.Errorf("%w: (%d,%d) outside 0..%d", ErrOutOfBounds, x, y, s.gridSize-1)
	}
	return nil
}

// SetPixel stages a write and makes it visible to readers and viewers.
//
// The write is accepted once it is in the Write Buffer; the durable store is
// updated by the next flush. Cache and broadcast run even if the caller's
// context is canceled after staging.
func (s *PixelService) SetPixel(ctx context.Context, x, y int, color, insertedBy string) (*model.PixelState, error) {
	if err := s.checkBounds(x, y); err != nil {
		return nil, err
	}

	insertedBy = strings.TrimSpace(insertedBy)
	if insertedBy == "" {
		insertedBy = model.DefaultInsertedBy
	}
	if verr := validation.ValidateStruct(&pixelInput{Color: color, InsertedBy: insertedBy}); verr != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPixel, verr)
	}

	now := s.now().UTC()
	write := model.PendingWrite{
		X:          x,
		Y:          y,
		Color:      color,
		InsertedBy: insertedBy,
		Timestamp:  now,
	}
	if err := s.buffer.Put(ctx, write); err != nil {
		return nil, fmt.Errorf("failed to stage pixel write: %w", err)
	}

	ctx = context.WithoutCancel(ctx)
	state := model.PixelState{
		X:          x,
		Y:          y,
		Color:      color,
		InsertedBy: insertedBy,
		UpdatedAt:  now,
	}

	if err := s.grid.Set(ctx, state); err != nil {
		metrics.GridCacheErrors.WithLabelValues("set").Inc()
		s.log.Warn().Err(err).Int("x", x).Int("y", y).Msg("failed to update grid cache")
	}

	s.hub.BroadcastPixelUpdate(state)
	metrics.PixelWrites.WithLabelValues("set").Inc()

	s.log.Debug().
		Int("x", x).
		Int("y", y).
		Str("color", color).
		Str("inserted_by", insertedBy).
		Msg("pixel set")

	return &state, nil
}

// DeletePixel clears a cell everywhere and always announces the delete.
// Deleting an empty cell is not an error.
func (s *PixelService) DeletePixel(ctx context.Context, x, y int) (*model.Coordinate, error) {
	if err := s.checkBounds(x, y); err != nil {
		return nil, err
	}

	ctx = context.WithoutCancel(ctx)
	log := s.log.With().Int("x", x).Int("y", y).Logger()

	if err := s.buffer.Remove(ctx, x, y); err != nil {
		log.Warn().Err(err).Msg("failed to remove pending write")
	}

	// order matters: a repair that scanned the row either sees the delete
	// in the guard or has already filled and is undone by the cache delete
	existed, err := s.repo.DeletePixel(ctx, x, y)
	if err != nil {
		log.Error().Err(err).Msg("failed to delete durable pixel")
	}
	s.repairs.noteDelete(model.Coordinate{X: x, Y: y})

	if err := s.grid.Delete(ctx, x, y); err != nil {
		metrics.GridCacheErrors.WithLabelValues("delete").Inc()
		log.Warn().Err(err).Msg("failed to delete grid cache entry")
	}

	s.hub.BroadcastPixelDelete(x, y)
	metrics.PixelWrites.WithLabelValues("delete").Inc()

	log.Debug().Bool("existed", existed).Msg("pixel deleted")

	return &model.Coordinate{X: x, Y: y}, nil
}

// GetAllPixels returns the latest state of every painted cell, most recently
// updated first. An empty or unreachable cache falls back to a full durable
// scan, and the result is copied into the cache in the background. The copy
// only fills coordinates the cache does not have and skips coordinates
// deleted since the scan began.
func (s *PixelService) GetAllPixels(ctx context.Context) ([]model.PixelState, error) {
	states, err := s.grid.GetAll(ctx)
	switch {
	case err != nil:
		metrics.GridCacheReads.WithLabelValues("error").Inc()
		s.log.Warn().Err(err).Msg("grid cache read failed, falling back to durable store")
	case len(states) == 0:
		metrics.GridCacheReads.WithLabelValues("empty").Inc()
	default:
		metrics.GridCacheReads.WithLabelValues("hit").Inc()
		sortByRecency(states)
		return states, nil
	}

	s.repairs.begin()
	pixels, err := s.repo.ListPixels(ctx)
	if err != nil {
		s.repairs.end()
		return nil, fmt.Errorf("failed to load pixels: %w", err)
	}

	states = make([]model.PixelState, len(pixels))
	for i := range pixels {
		states[i] = pixels[i].State()
	}

	if len(states) == 0 {
		s.repairs.end()
		return states, nil
	}
	s.scheduleRepair(states)
	return states, nil
}

// scheduleRepair queues the cache fill. The caller has already called
// repairs.begin; the matching end runs when the task finishes or is dropped.
func (s *PixelService) scheduleRepair(states []model.PixelState) {
	repair := make([]model.PixelState, len(states))
	copy(repair, states)

	queued := s.tasks.Submit(repairTaskName, func(ctx context.Context) error {
		defer s.repairs.end()
		return s.repair(ctx, repair)
	})
	if !queued {
		s.repairs.end()
		metrics.GridCacheRepairs.WithLabelValues("dropped").Inc()
	}
}

func (s *PixelService) repair(ctx context.Context, states []model.PixelState) error {
	// held across the fill so a concurrent delete either lands in the set
	// before the fill or removes the filled entry after it
	s.repairs.mu.Lock()
	defer s.repairs.mu.Unlock()

	fill := make([]model.PixelState, 0, len(states))
	for _, st := range states {
		if _, gone := s.repairs.deleted[model.Coordinate{X: st.X, Y: st.Y}]; gone {
			continue
		}
		fill = append(fill, st)
	}

	added, err := s.grid.FillMissing(ctx, fill)
	if err != nil {
		metrics.GridCacheRepairs.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to repair grid cache with %d pixels: %w", len(fill), err)
	}
	metrics.GridCacheRepairs.WithLabelValues("ok").Inc()
	s.log.Info().
		Int("scanned", len(states)).
		Int("added", added).
		Msg("grid cache repaired from durable store")
	return nil
}

// Leaderboard returns pixel counts per attribution from the durable store.
func (s *PixelService) Leaderboard(ctx context.Context) ([]model.LeaderboardEntry, error) {
	entries, err := s.repo.Leaderboard(ctx, repository.MaxLeaderboardSize)
	if err != nil {
		return nil, fmt.Errorf("failed to load leaderboard: %w", err)
	}
	return entries, nil
}

// CacheStats reports how many writes are pending and how many cells are cached.
func (s *PixelService) CacheStats(ctx context.Context) (pending, cached int64, err error) {
	pending, err = s.buffer.Count(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count pending writes: %w", err)
	}
	cached, err = s.grid.Count(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count cached pixels: %w", err)
	}
	return pending, cached, nil
}

// Ping checks the cache and the durable store.
func (s *PixelService) Ping(ctx context.Context) map[string]error {
	return map[string]error{
		"cache":    s.grid.Ping(ctx),
		"database": s.repo.Ping(ctx),
	}
}

func sortByRecency(states []model.PixelState) {
	sort.SliceStable(states, func(i, j int) bool {
		return states[i].UpdatedAt.After(states[j].UpdatedAt)
	})
}
