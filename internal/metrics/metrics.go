package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Pixel mutations accepted by the synchronization service.
	PixelWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pixel_writes_total",
			Help: "Total number of accepted pixel mutations",
		},
		[]string{"operation"}, // "set", "delete"
	)

	// Grid Cache
	GridCacheReads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grid_cache_reads_total",
			Help: "Grid cache full reads by outcome",
		},
		[]string{"outcome"}, // "hit", "empty", "error"
	)

	GridCacheRepairs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grid_cache_repairs_total",
			Help: "Read-repair attempts of the grid cache by outcome",
		},
		[]string{"outcome"}, // "ok", "error", "dropped"
	)

	GridCacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grid_cache_errors_total",
			Help: "Grid cache operation failures",
		},
		[]string{"operation"},
	)

	// Write Buffer
	WriteBufferExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "write_buffer_expired_total",
			Help: "Pending writes that expired before being flushed",
		},
	)

	WriteBufferPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "write_buffer_pending",
			Help: "Pending writes observed at the start of the last flush run",
		},
	)

	// Batch Flush
	FlushRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flush_runs_total",
			Help: "Flush scheduler runs by outcome",
		},
		[]string{"outcome"}, // "ok", "partial", "skipped"
	)

	FlushBatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flush_batches_total",
			Help: "Flush batches by outcome",
		},
		[]string{"outcome"}, // "ok", "error", "breaker_open"
	)

	FlushedPixels = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flush_pixels_total",
			Help: "Pending writes committed to the durable store",
		},
	)

	FlushDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "flush_duration_seconds",
			Help:    "Duration of flush runs in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)

	FlushLastSuccess = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "flush_last_success_timestamp",
			Help: "Unix timestamp of the last flush run without failed batches",
		},
	)

	FlushBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "flush_breaker_state",
			Help: "Durable store circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
	)

	// Broadcast fan-out
	WSConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "websocket_connections",
			Help: "Currently connected viewers",
		},
	)

	WSMessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "websocket_messages_sent_total",
			Help: "Events queued to viewers by type",
		},
		[]string{"type"},
	)

	WSDeliveryFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "websocket_delivery_failures_total",
			Help: "Events that could not be queued to a viewer",
		},
	)

	WSBroadcastDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "websocket_broadcast_dropped_total",
			Help: "Events dropped for every viewer because the hub queue was full",
		},
		[]string{"message_type"},
	)

	// Background tasks
	BackgroundTasks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "background_tasks_total",
			Help: "Background tasks by name and outcome",
		},
		[]string{"task", "outcome"}, // outcome: "ok", "error", "dropped"
	)
)
