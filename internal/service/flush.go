package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"

	"pixelcanvas-api/internal/cache"
	"pixelcanvas-api/internal/logging"
	"pixelcanvas-api/internal/metrics"
	"pixelcanvas-api/internal/model"
	"pixelcanvas-api/internal/repository"
)

// ErrFlushInProgress is returned when a flush is requested while another is running.
var ErrFlushInProgress = errors.New("flush already in progress")

// FlushConfig holds configuration for the flush scheduler.
type FlushConfig struct {
	// Interval is how often pending writes are flushed.
	// Default: 30s
	Interval time.Duration

	// Timeout bounds a single flush run.
	// Default: 2m
	Timeout time.Duration

	// BatchSize is the number of writes per upsert.
	// Default: 100
	BatchSize int

	// BreakerFailures is the number of consecutive failed batches that opens
	// the durable store circuit. While open, remaining batches are left for
	// a later run.
	// Default: 5
	BreakerFailures uint32
}

// DefaultFlushConfig returns default flush configuration.
func DefaultFlushConfig() FlushConfig {
	return FlushConfig{
		Interval:        30 * time.Second,
		Timeout:         2 * time.Minute,
		BatchSize:       100,
		BreakerFailures: 5,
	}
}

// FlushResult summarizes one flush run.
type FlushResult struct {
	StartedAt      time.Time     `json:"startedAt"`
	Duration       time.Duration `json:"duration"`
	Pending        int           `json:"pending"`
	Batches        int           `json:"batches"`
	FailedBatches  int           `json:"failedBatches"`
	SkippedBatches int           `json:"skippedBatches"`
	Flushed        int           `json:"flushed"`
	Superseded     int           `json:"superseded"`
	Vanished       int           `json:"vanished"`
}

// OK reports whether every batch was committed.
func (r FlushResult) OK() bool {
	return r.FailedBatches == 0 && r.SkippedBatches == 0
}

// FlushScheduler periodically moves pending writes from the Write Buffer
// into the durable store.
type FlushScheduler struct {
	buffer  cache.WriteBuffer
	repo    repository.PixelRepository
	config  FlushConfig
	breaker *gobreaker.CircuitBreaker[struct{}]
	log     zerolog.Logger

	running  atomic.Bool
	inflight sync.WaitGroup

	mu         sync.Mutex
	last       *FlushResult
	totalFlush int64
}

// NewFlushScheduler creates a new flush scheduler.
func NewFlushScheduler(buffer cache.WriteBuffer, repo repository.PixelRepository, config FlushConfig) *FlushScheduler {
	defaults := DefaultFlushConfig()
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.BreakerFailures == 0 {
		config.BreakerFailures = defaults.BreakerFailures
	}

	s := &FlushScheduler{
		buffer: buffer,
		repo:   repo,
		config: config,
		log:    logging.Component("flush-scheduler"),
	}

	metrics.FlushBreakerState.Set(0)
	s.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "durable-store",
		MaxRequests: 1,
		Timeout:     config.Interval,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.FlushBreakerState.Set(breakerStateValue(to))
			s.log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("durable store circuit breaker state change")
		},
	})

	return s
}

func breakerStateValue(st gobreaker.State) float64 {
	switch st {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// Serve runs a flush every interval until ctx is canceled, then waits for
// the active run and performs one final flush. Implements suture.Service.
func (s *FlushScheduler) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.log.Info().
		Dur("interval", s.config.Interval).
		Int("batch_size", s.config.BatchSize).
		Msg("flush scheduler started")

	for {
		select {
		case <-ticker.C:
			s.inflight.Add(1)
			go func() {
				defer s.inflight.Done()
				s.tick(ctx)
			}()
		case <-ctx.Done():
			s.inflight.Wait()
			s.drain(context.WithoutCancel(ctx))
			s.log.Info().Msg("flush scheduler stopped")
			return ctx.Err()
		}
	}
}

func (s *FlushScheduler) String() string {
	return "flush-scheduler"
}

func (s *FlushScheduler) tick(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	if _, err := s.ProcessPendingWrites(ctx); err != nil && !errors.Is(err, ErrFlushInProgress) {
		s.log.Error().Err(err).Msg("flush run failed")
	}
}

func (s *FlushScheduler) drain(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	result, err := s.ProcessPendingWrites(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("final flush failed")
		return
	}
	if !result.OK() {
		s.log.Warn().
			Int("failed_batches", result.FailedBatches).
			Int("skipped_batches", result.SkippedBatches).
			Msg("final flush left pending writes in the buffer")
	}
}

// RunNow triggers an immediate flush.
func (s *FlushScheduler) RunNow(ctx context.Context) (FlushResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()
	return s.ProcessPendingWrites(ctx)
}

// ProcessPendingWrites commits every pending write in batches.
//
// Each batch is read from the buffer, upserted in one statement, and then
// acknowledged with compare-and-delete so a write that superseded the entry
// during the run stays pending. A failed batch is logged and its writes are
// left for the next run. Only one run may be active at a time; an overlapping
// call returns ErrFlushInProgress.
func (s *FlushScheduler) ProcessPendingWrites(ctx context.Context) (FlushResult, error) {
	if !s.running.CompareAndSwap(false, true) {
		metrics.FlushRuns.WithLabelValues("skipped").Inc()
		s.log.Warn().Msg("previous flush still running, skipping")
		return FlushResult{}, ErrFlushInProgress
	}
	defer s.running.Store(false)

	result := FlushResult{StartedAt: time.Now().UTC()}

	keys, err := s.buffer.Keys(ctx)
	if err != nil {
		return result, fmt.Errorf("failed to enumerate pending writes: %w", err)
	}

	result.Pending = len(keys)
	metrics.WriteBufferPending.Set(float64(len(keys)))
	if len(keys) == 0 {
		s.record(result)
		return result, nil
	}

	for start := 0; start < len(keys); start += s.config.BatchSize {
		end := start + s.config.BatchSize
		if end > len(keys) {
			end = len(keys)
		}
		index := result.Batches
		result.Batches++

		if ctx.Err() != nil {
			result.SkippedBatches++
			continue
		}

		stop := s.flushBatch(ctx, index, keys[start:end], &result)
		if stop {
			remaining := (len(keys) - end + s.config.BatchSize - 1) / s.config.BatchSize
			result.Batches += remaining
			result.SkippedBatches += remaining
			break
		}
	}

	result.Duration = time.Since(result.StartedAt)
	s.record(result)

	outcome := "ok"
	if !result.OK() {
		outcome = "partial"
	}
	metrics.FlushRuns.WithLabelValues(outcome).Inc()
	metrics.FlushDuration.Observe(result.Duration.Seconds())
	if result.OK() {
		metrics.FlushLastSuccess.SetToCurrentTime()
	}

	s.log.Info().
		Int("pending", result.Pending).
		Int("batches", result.Batches).
		Int("flushed", result.Flushed).
		Int("failed_batches", result.FailedBatches).
		Int("skipped_batches", result.SkippedBatches).
		Int("superseded", result.Superseded).
		Int("vanished", result.Vanished).
		Dur("duration", result.Duration).
		Msg("flush complete")

	return result, nil
}

// flushBatch commits one batch and updates result. It returns true when the
// circuit is open and the run should stop.
func (s *FlushScheduler) flushBatch(ctx context.Context, index int, keys []string, result *FlushResult) bool {
	log := s.log.With().Int("batch", index).Int("size", len(keys)).Logger()

	found, missing, err := s.buffer.GetMany(ctx, keys)
	if err != nil {
		result.FailedBatches++
		metrics.FlushBatches.WithLabelValues("error").Inc()
		log.Error().Err(err).Msg("failed to read pending writes")
		return false
	}

	for _, key := range missing {
		result.Vanished++
		log.Warn().Str("key", key).Msg("pending write vanished before flush (expired or cleared)")
	}
	if len(found) == 0 {
		return false
	}

	writes := make([]model.PendingWrite, len(found))
	for i, bw := range found {
		writes[i] = bw.Write
	}

	_, err = s.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, s.repo.BatchUpsertPixels(ctx, writes)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			result.SkippedBatches++
			metrics.FlushBatches.WithLabelValues("breaker_open").Inc()
			log.Warn().Err(err).Msg("durable store circuit open, leaving remaining writes pending")
			return true
		}
		result.FailedBatches++
		metrics.FlushBatches.WithLabelValues("error").Inc()
		log.Error().Err(err).Msg("failed to upsert batch, writes stay pending")
		return false
	}

	removed, err := s.buffer.Ack(ctx, found)
	if err != nil {
		// committed rows are re-applied harmlessly next run
		log.Warn().Err(err).Msg("failed to acknowledge flushed writes")
	} else {
		result.Superseded += len(found) - removed
	}

	result.Flushed += len(found)
	metrics.FlushBatches.WithLabelValues("ok").Inc()
	metrics.FlushedPixels.Add(float64(len(found)))
	return false
}

func (s *FlushScheduler) record(result FlushResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = &result
	s.totalFlush += int64(result.Flushed)
}

// LastResult returns the most recent run, if any.
func (s *FlushScheduler) LastResult() (FlushResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return FlushResult{}, false
	}
	return *s.last, true
}

// TotalFlushed returns the number of writes committed since startup.
func (s *FlushScheduler) TotalFlushed() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalFlush
}
