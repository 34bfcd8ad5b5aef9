package handler

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"pixelcanvas-api/internal/repository"
	"pixelcanvas-api/internal/service"
	"pixelcanvas-api/pkg/apierror"
	"pixelcanvas-api/pkg/response"
)

// ViewerCounter reports connected viewers.
type ViewerCounter interface {
	GetClientCount() int
}

// AdminHandler exposes synchronization internals for operators.
type AdminHandler struct {
	pixelService *service.PixelService
	flusher      *service.FlushScheduler
	repo         repository.PixelRepository
	viewers      ViewerCounter
	cacheType    string
	dbType       string
	startTime    time.Time
}

// NewAdminHandler creates a new admin handler.
func NewAdminHandler(
	pixelService *service.PixelService,
	flusher *service.FlushScheduler,
	repo repository.PixelRepository,
	viewers ViewerCounter,
	cacheType, dbType string,
) *AdminHandler {
	return &AdminHandler{
		pixelService: pixelService,
		flusher:      flusher,
		repo:         repo,
		viewers:      viewers,
		cacheType:    cacheType,
		dbType:       dbType,
		startTime:    time.Now(),
	}
}

// SyncMetrics is the state of the write-behind pipeline.
type SyncMetrics struct {
	PendingPixels int64                `json:"pendingPixels"`
	CachedPixels  int64                `json:"cachedPixels"`
	LastProcessed int                  `json:"lastProcessed"`
	TotalFlushed  int64                `json:"totalFlushed"`
	LastFlush     *service.FlushResult `json:"lastFlush,omitempty"`
	Viewers       int                  `json:"viewers"`
}

// GetMetrics handles GET /api/admin/metrics
func (h *AdminHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	pending, cached, err := h.pixelService.CacheStats(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	m := SyncMetrics{
		PendingPixels: pending,
		CachedPixels:  cached,
		TotalFlushed:  h.flusher.TotalFlushed(),
		Viewers:       h.viewers.GetClientCount(),
	}
	if last, ok := h.flusher.LastResult(); ok {
		m.LastProcessed = last.Flushed
		m.LastFlush = &last
	}
	response.OK(w, m)
}

// Ping handles GET /api/admin/ping
func (h *AdminHandler) Ping(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	start := time.Now()
	if err := h.pixelService.Ping(ctx)["cache"]; err != nil {
		response.Error(w, apierror.ServiceUnavailable("cache unreachable: "+err.Error()))
		return
	}
	response.OK(w, map[string]interface{}{
		"status":     "PONG",
		"latency_ms": time.Since(start).Milliseconds(),
	})
}

// Flush handles POST /api/admin/flush
func (h *AdminHandler) Flush(w http.ResponseWriter, r *http.Request) {
	result, err := h.flusher.RunNow(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.OK(w, result)
}

// GetStats handles GET /api/admin/stats
func (h *AdminHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	stats := make(map[string]interface{})

	// System info
	stats["uptime_seconds"] = int64(time.Since(h.startTime).Seconds())
	stats["uptime_human"] = time.Since(h.startTime).Round(time.Second).String()
	stats["server_time"] = time.Now().Format(time.RFC3339)
	stats["cache_type"] = h.cacheType
	stats["db_type"] = h.dbType

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	stats["memory"] = map[string]interface{}{
		"alloc_mb":      float64(memStats.Alloc) / 1024 / 1024,
		"sys_mb":        float64(memStats.Sys) / 1024 / 1024,
		"heap_inuse_mb": float64(memStats.HeapInuse) / 1024 / 1024,
		"num_gc":        memStats.NumGC,
		"goroutines":    runtime.NumGoroutine(),
	}

	if pending, cached, err := h.pixelService.CacheStats(ctx); err == nil {
		stats["cache"] = map[string]interface{}{
			"status":         "connected",
			"pending_pixels": pending,
			"cached_pixels":  cached,
		}
	} else {
		stats["cache"] = map[string]interface{}{
			"status": "error",
			"error":  err.Error(),
		}
	}

	if dbStats, err := h.repo.GetStats(ctx); err == nil {
		dbStats["status"] = "connected"
		stats["database"] = dbStats
	} else {
		stats["database"] = map[string]interface{}{
			"status": "error",
			"error":  err.Error(),
		}
	}

	stats["runtime"] = map[string]interface{}{
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"cpus":       runtime.NumCPU(),
	}

	response.OK(w, stats)
}
