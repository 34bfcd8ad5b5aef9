// Package app assembles the pixel canvas server from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/fishy/errbatch"
	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"

	"pixelcanvas-api/internal/cache"
	"pixelcanvas-api/internal/config"
	"pixelcanvas-api/internal/handler"
	"pixelcanvas-api/internal/logging"
	"pixelcanvas-api/internal/repository"
	"pixelcanvas-api/internal/router"
	"pixelcanvas-api/internal/service"
	"pixelcanvas-api/internal/supervisor"
	"pixelcanvas-api/internal/websocket"
)

// App holds every wired component of a running server.
type App struct {
	Config  *config.Config
	Repo    *repository.SQLPixelRepository
	Grid    cache.GridCache
	Buffer  cache.WriteBuffer
	Hub     *websocket.Hub
	Tasks   *service.TaskQueue
	Pixels  *service.PixelService
	Flusher *service.FlushScheduler
	Handler http.Handler

	// services that only exist for some backends, e.g. the redis expiry watcher
	extra   []suture.Service
	closers []func() error
	log     zerolog.Logger
}

// OpenRepository connects to the durable store selected by cfg.Driver and
// creates the schema.
func OpenRepository(cfg config.DatabaseConfig) (*repository.SQLPixelRepository, error) {
	pool := repository.PoolConfig{
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	}

	switch cfg.Driver {
	case "postgres", "postgresql":
		return repository.NewPostgresPixelRepository(cfg.PostgresDSN(), pool)
	case "mysql":
		return repository.NewMySQLPixelRepository(cfg.MySQLDSN(), pool)
	case "sqlite":
		return repository.NewSQLitePixelRepository(cfg.Path)
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

// New connects every store and wires the services, handlers and router.
// Nothing runs until Run is called.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Config: cfg, log: logging.Component("app")}

	repo, err := OpenRepository(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", cfg.Database.Driver, err)
	}
	a.Repo = repo
	a.closers = append(a.closers, repo.Close)
	a.log.Info().Str("driver", cfg.Database.Driver).Msg("durable store ready")

	if err := a.openCache(ctx); err != nil {
		a.Close()
		return nil, err
	}

	a.Hub = websocket.NewHub()
	a.Tasks = service.NewTaskQueue(cfg.Sync.TaskQueueSize)
	a.Pixels = service.NewPixelService(a.Grid, a.Buffer, a.Repo, a.Hub, a.Tasks, service.PixelServiceConfig{
		GridSize: cfg.Sync.GridSize,
	})
	a.Flusher = service.NewFlushScheduler(a.Buffer, a.Repo, service.FlushConfig{
		Interval:  cfg.Sync.FlushInterval,
		Timeout:   cfg.Sync.FlushTimeout,
		BatchSize: cfg.Sync.BatchSize,

		BreakerFailures: cfg.Sync.BreakerFails,
	})

	a.Handler = router.New(router.Config{
		Handler:      handler.New(a.Pixels, cfg.App.Name, cfg.App.Version),
		PixelHandler: handler.NewPixelHandler(a.Pixels),
		AdminHandler: handler.NewAdminHandler(a.Pixels, a.Flusher, a.Repo, a.Hub, cfg.Cache.Type, cfg.Database.Driver),
		WebSocket:    a.Hub.ServeWS,
	})

	return a, nil
}

func (a *App) openCache(ctx context.Context) error {
	cfg := a.Config
	switch cfg.Cache.Type {
	case "memory":
		grid := cache.NewMemoryGridCache()
		buffer := cache.NewMemoryWriteBuffer(cfg.Sync.BufferTTL)
		a.Grid, a.Buffer = grid, buffer
		a.closers = append(a.closers, buffer.Close)

	case "redis":
		client, err := cache.NewRedisClient(ctx, cache.RedisConfig{
			Addr:     cfg.Cache.RedisAddress(),
			Password: cfg.Cache.RedisPassword,
			DB:       cfg.Cache.RedisDB,
		})
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		buffer := cache.NewRedisWriteBuffer(client, cfg.Cache.BufferPrefix, cfg.Sync.BufferTTL, cfg.Cache.OpTimeout)
		a.Grid = cache.NewRedisGridCache(client, cfg.Cache.GridKey, cfg.Cache.OpTimeout)
		a.Buffer = buffer
		a.extra = append(a.extra, buffer)
		a.closers = append(a.closers, client.Close)

	default:
		return fmt.Errorf("unknown cache type %q", cfg.Cache.Type)
	}

	a.log.Info().Str("type", cfg.Cache.Type).Msg("cache ready")
	return nil
}

// Run serves HTTP and runs the background services until ctx is canceled.
// The final flush runs as part of shutdown.
func (a *App) Run(ctx context.Context) error {
	cfg := a.Config

	tree := supervisor.NewTree(slog.New(logging.NewSlogHandler()), supervisor.TreeConfig{
		ShutdownTimeout: cfg.Server.ShutdownTimeout + cfg.Sync.FlushTimeout,
	})

	tree.AddDataService(a.Flusher)
	tree.AddMessagingService(a.Hub)
	tree.AddMessagingService(a.Tasks)
	for _, svc := range a.extra {
		tree.AddMessagingService(svc)
	}

	srv := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      a.Handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	tree.AddAPIService(supervisor.NewHTTPServerService(srv, cfg.Server.ShutdownTimeout))

	a.log.Info().
		Str("addr", srv.Addr).
		Str("env", cfg.App.Environment).
		Dur("flush_interval", cfg.Sync.FlushInterval).
		Dur("buffer_ttl", cfg.Sync.BufferTTL).
		Msg("server listening")

	err := tree.Serve(ctx)

	if report, rerr := tree.UnstoppedServiceReport(); rerr == nil && len(report) > 0 {
		for _, svc := range report {
			a.log.Error().Str("service", svc.Name).Msg("service did not stop in time")
		}
	}

	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// FlushOnce commits every pending write now.
func (a *App) FlushOnce(ctx context.Context) (service.FlushResult, error) {
	return a.Flusher.ProcessPendingWrites(ctx)
}

// Close releases every store connection in reverse order of opening.
func (a *App) Close() error {
	var batch errbatch.ErrBatch
	for i := len(a.closers) - 1; i >= 0; i-- {
		batch.Add(a.closers[i]())
	}
	a.closers = nil
	return batch.Compile()
}
