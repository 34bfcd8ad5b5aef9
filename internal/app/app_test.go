package app

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pixelcanvas-api/internal/config"
	"pixelcanvas-api/internal/logging"
)

func init() {
	logging.Init(logging.Config{Level: "info", Format: "console", Output: io.Discard})
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Server: config.ServerConfig{
			Host:            "127.0.0.1",
			Port:            0,
			ReadTimeout:     5 * time.Second,
			WriteTimeout:    5 * time.Second,
			ShutdownTimeout: 5 * time.Second,
		},
		App:   config.AppConfig{Name: "pixelcanvas-api", Environment: "test", Version: "test"},
		Cache: config.CacheConfig{Type: "memory", OpTimeout: time.Second},
		Database: config.DatabaseConfig{
			Driver: "sqlite",
			Path:   filepath.Join(t.TempDir(), "pixels.db"),
		},
		Sync: config.SyncConfig{
			BufferTTL:     5 * time.Minute,
			FlushInterval: time.Hour,
			FlushTimeout:  10 * time.Second,
			BatchSize:     100,
			MinTTLRatio:   3,
			GridSize:      3000,
			TaskQueueSize: 16,
		},
	}
}

func TestNew_MemoryCacheServesAndFlushes(t *testing.T) {
	a, err := New(context.Background(), testConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	srv := httptest.NewServer(a.Handler)
	t.Cleanup(srv.Close)

	resp, err := http.Post(srv.URL+"/api/pixels", "application/json",
		strings.NewReader(`{"x":10,"y":20,"color":"#00FF00","insertedBy":"carol"}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	result, err := a.FlushOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, result.OK())
	assert.Equal(t, 1, result.Flushed)

	pixels, err := a.Repo.ListPixels(context.Background())
	require.NoError(t, err)
	require.Len(t, pixels, 1)
	assert.Equal(t, "carol", pixels[0].InsertedBy)
}

func TestNew_RedisCache(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := testConfig(t)
	cfg.Cache.Type = "redis"
	host, port, ok := strings.Cut(mr.Addr(), ":")
	require.True(t, ok)
	cfg.Cache.RedisHost = host
	var err error
	cfg.Cache.RedisPort, err = strconv.Atoi(port)
	require.NoError(t, err)
	cfg.Cache.GridKey = "pixel_grid"
	cfg.Cache.BufferPrefix = "pixel_buffer"

	a, err := New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	_, err = a.Pixels.SetPixel(context.Background(), 1, 2, "#123456", "dave")
	require.NoError(t, err)
	assert.True(t, mr.Exists("pixel_buffer:1,2"))
	assert.Len(t, a.extra, 1, "expiry watcher is supervised with the redis buffer")
}

func TestNew_UnknownDriver(t *testing.T) {
	cfg := testConfig(t)
	cfg.Database.Driver = "oracle"

	_, err := New(context.Background(), cfg)
	assert.Error(t, err)
}

func TestNew_RedisUnreachableClosesDatabase(t *testing.T) {
	cfg := testConfig(t)
	cfg.Cache.Type = "redis"
	cfg.Cache.RedisHost = "127.0.0.1"
	cfg.Cache.RedisPort = 1

	_, err := New(context.Background(), cfg)
	assert.Error(t, err)
}

func TestRun_FlushesPendingWritesOnShutdown(t *testing.T) {
	a, err := New(context.Background(), testConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	_, err = a.Pixels.SetPixel(context.Background(), 7, 7, "#ABCDEF", "erin")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	pixels, err := a.Repo.ListPixels(context.Background())
	require.NoError(t, err)
	require.Len(t, pixels, 1)
	assert.Equal(t, "#ABCDEF", pixels[0].Color)

	pending, err := a.Buffer.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, pending)
}
