package router

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pixelcanvas-api/internal/cache"
	"pixelcanvas-api/internal/handler"
	"pixelcanvas-api/internal/logging"
	"pixelcanvas-api/internal/repository"
	"pixelcanvas-api/internal/service"
	"pixelcanvas-api/internal/websocket"
)

func init() {
	logging.Init(logging.Config{Level: "info", Format: "console", Output: io.Discard})
}

type stack struct {
	server  *httptest.Server
	flusher *service.FlushScheduler
	tasks   *service.TaskQueue
}

func setupStack(t *testing.T) *stack {
	t.Helper()

	repo, err := repository.NewSQLitePixelRepository(filepath.Join(t.TempDir(), "pixels.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	buffer := cache.NewMemoryWriteBuffer(5 * time.Minute)
	t.Cleanup(func() { buffer.Close() })
	grid := cache.NewMemoryGridCache()

	hub := websocket.NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = hub.RunWithContext(ctx) }()

	tasks := service.NewTaskQueue(16)
	pixelService := service.NewPixelService(grid, buffer, repo, hub, tasks, service.PixelServiceConfig{GridSize: 3000})
	flusher := service.NewFlushScheduler(buffer, repo, service.FlushConfig{Interval: time.Hour})

	r := New(Config{
		Handler:      handler.New(pixelService, "pixelcanvas-api", "test"),
		PixelHandler: handler.NewPixelHandler(pixelService),
		AdminHandler: handler.NewAdminHandler(pixelService, flusher, repo, hub, "memory", "sqlite"),
		WebSocket:    hub.ServeWS,
	})

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &stack{server: srv, flusher: flusher, tasks: tasks}
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Details []struct {
			Field string `json:"field"`
		} `json:"details"`
	} `json:"error"`
}

func (s *stack) do(t *testing.T, method, path, body string) (int, envelope) {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, s.server.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env envelope
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	trimmed := bytes.TrimSpace(data)
	switch {
	case len(trimmed) == 0:
	case trimmed[0] == '[':
		// collections are served as bare arrays
		env.Success = resp.StatusCode < 300
		env.Data = json.RawMessage(trimmed)
	default:
		require.NoError(t, json.Unmarshal(data, &env), string(data))
	}
	return resp.StatusCode, env
}

type pixelJSON struct {
	X          int       `json:"x"`
	Y          int       `json:"y"`
	Color      string    `json:"color"`
	InsertedBy string    `json:"insertedBy"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

func TestPixels_SetListDeleteRoundTrip(t *testing.T) {
	s := setupStack(t)

	status, env := s.do(t, http.MethodPost, "/api/pixels", `{"x":3,"y":4,"color":"#FF0000","insertedBy":"alice"}`)
	require.Equal(t, http.StatusCreated, status)
	var created pixelJSON
	require.NoError(t, json.Unmarshal(env.Data, &created))
	assert.Equal(t, "#FF0000", created.Color)
	assert.False(t, created.UpdatedAt.IsZero())

	status, _ = s.do(t, http.MethodPost, "/api/pixels", `{"x":3,"y":4,"color":"#00FF00","insertedBy":"bob"}`)
	require.Equal(t, http.StatusCreated, status)

	status, env = s.do(t, http.MethodGet, "/api/pixels", "")
	require.Equal(t, http.StatusOK, status)
	var pixels []pixelJSON
	require.NoError(t, json.Unmarshal(env.Data, &pixels))
	require.Len(t, pixels, 1)
	assert.Equal(t, "#00FF00", pixels[0].Color)
	assert.Equal(t, "bob", pixels[0].InsertedBy)

	status, env = s.do(t, http.MethodDelete, "/api/pixels", `{"x":3,"y":4}`)
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"x":3,"y":4}`, string(env.Data))

	status, env = s.do(t, http.MethodGet, "/api/pixels", "")
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `[]`, string(env.Data))
}

func TestPixels_DeleteUnknownIsOK(t *testing.T) {
	s := setupStack(t)

	status, env := s.do(t, http.MethodDelete, "/api/pixels", `{"x":0,"y":0}`)
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"x":0,"y":0}`, string(env.Data))
}

func TestPixels_ValidationErrors(t *testing.T) {
	s := setupStack(t)

	tests := []struct {
		name   string
		method string
		body   string
		status int
		code   string
	}{
		{"malformed json", http.MethodPost, `{"x":`, http.StatusBadRequest, "BAD_REQUEST"},
		{"missing y", http.MethodPost, `{"x":1,"color":"#FFFFFF"}`, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"bad color", http.MethodPost, `{"x":1,"y":1,"color":"white"}`, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"out of bounds", http.MethodPost, `{"x":3000,"y":1,"color":"#FFFFFF"}`, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"long attribution", http.MethodPost, `{"x":1,"y":1,"color":"#FFFFFF","insertedBy":"` + strings.Repeat("n", 51) + `"}`, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"delete missing x", http.MethodDelete, `{"y":1}`, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"body too large", http.MethodPost, `{"color":"` + strings.Repeat("a", 5000) + `"}`, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, env := s.do(t, tt.method, "/api/pixels", tt.body)
			assert.Equal(t, tt.status, status)
			require.NotNil(t, env.Error)
			assert.Equal(t, tt.code, env.Error.Code)
			assert.False(t, env.Success)
		})
	}

	_, env := s.do(t, http.MethodGet, "/api/pixels", "")
	assert.JSONEq(t, `[]`, string(env.Data), "rejected writes are not staged")
}

func TestPixels_FallbackAfterFlush(t *testing.T) {
	s := setupStack(t)

	status, _ := s.do(t, http.MethodPost, "/api/pixels", `{"x":1,"y":2,"color":"#abcdef"}`)
	require.Equal(t, http.StatusCreated, status)

	status, env := s.do(t, http.MethodPost, "/api/admin/flush", "")
	require.Equal(t, http.StatusOK, status)
	var result service.FlushResult
	require.NoError(t, json.Unmarshal(env.Data, &result))
	assert.Equal(t, 1, result.Flushed)

	status, env = s.do(t, http.MethodGet, "/api/pixels/leaderboard", "")
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `[{"name":"Anonymous","pixelCount":1}]`, string(env.Data))

	status, env = s.do(t, http.MethodGet, "/api/admin/metrics", "")
	require.Equal(t, http.StatusOK, status)
	var m handler.SyncMetrics
	require.NoError(t, json.Unmarshal(env.Data, &m))
	assert.Equal(t, int64(0), m.PendingPixels)
	assert.Equal(t, int64(1), m.CachedPixels)
	assert.Equal(t, 1, m.LastProcessed)
}

func TestHealthEndpoints(t *testing.T) {
	s := setupStack(t)

	for _, path := range []string{"/api/health", "/api/ready", "/api/status", "/api/admin/ping", "/api/admin/stats"} {
		status, env := s.do(t, http.MethodGet, path, "")
		assert.Equal(t, http.StatusOK, status, path)
		assert.True(t, env.Success, path)
	}

	resp, err := http.Get(s.server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	status, env := s.do(t, http.MethodGet, "/api/nope", "")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "NOT_FOUND", env.Error.Code)
}

func TestCollections_AreBareArrays(t *testing.T) {
	s := setupStack(t)

	status, _ := s.do(t, http.MethodPost, "/api/pixels", `{"x":5,"y":6,"color":"#0A0B0C","insertedBy":"dana"}`)
	require.Equal(t, http.StatusCreated, status)

	for _, path := range []string{"/api/pixels", "/api/pixels/leaderboard"} {
		t.Run(path, func(t *testing.T) {
			resp, err := http.Get(s.server.URL + path)
			require.NoError(t, err)
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			assert.Equal(t, http.StatusOK, resp.StatusCode)
			assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

			var items []map[string]interface{}
			require.NoError(t, json.Unmarshal(body, &items), string(body))
			assert.Len(t, items, 1)
		})
	}
}
