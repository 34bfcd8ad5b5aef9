package websocket

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pixelcanvas-api/internal/logging"
	"pixelcanvas-api/internal/metrics"
	"pixelcanvas-api/internal/model"
)

func init() {
	logging.Init(logging.Config{Level: "info", Format: "console", Output: io.Discard})
}

// fakeViewer records delivered events. When full it refuses delivery, and
// Close unregisters it from the hub asynchronously like a real client.
type fakeViewer struct {
	id  uint64
	hub *Hub

	mu       sync.Mutex
	received [][]byte
	capacity int
	closed   bool
}

func newFakeViewer(hub *Hub, capacity int) *fakeViewer {
	return &fakeViewer{id: clientIDCounter.Add(1), hub: hub, capacity: capacity}
}

func (f *fakeViewer) ID() uint64 { return f.id }

func (f *fakeViewer) Deliver(data []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || len(f.received) >= f.capacity {
		return false
	}
	f.received = append(f.received, data)
	return true
}

func (f *fakeViewer) Close() {
	f.mu.Lock()
	already := f.closed
	f.closed = true
	f.mu.Unlock()
	if !already {
		go f.hub.Unregister(f)
	}
}

func (f *fakeViewer) events() []map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]map[string]interface{}, 0, len(f.received))
	for _, data := range f.received {
		var m map[string]interface{}
		_ = json.Unmarshal(data, &m)
		out = append(out, m)
	}
	return out
}

func (f *fakeViewer) eventsOfType(kind string) []map[string]interface{} {
	var out []map[string]interface{}
	for _, e := range f.events() {
		if e["type"] == kind {
			out = append(out, e)
		}
	}
	return out
}

func setupHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = hub.RunWithContext(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return hub
}

func state(x, y int, color string) model.PixelState {
	return model.PixelState{X: x, Y: y, Color: color, InsertedBy: "alice", UpdatedAt: time.Now().UTC()}
}

func TestHub_FanOutToAllViewers(t *testing.T) {
	hub := setupHub(t)
	a := newFakeViewer(hub, 100)
	b := newFakeViewer(hub, 100)
	hub.Register(a)
	hub.Register(b)

	hub.BroadcastPixelUpdate(state(0, 0, "#FF0000"))

	for _, v := range []*fakeViewer{a, b} {
		require.Eventually(t, func() bool {
			return len(v.eventsOfType(EventPixelUpdate)) == 1
		}, time.Second, 5*time.Millisecond)

		e := v.eventsOfType(EventPixelUpdate)[0]
		assert.Equal(t, float64(0), e["x"], "zero coordinates are kept")
		assert.Equal(t, float64(0), e["y"])
		assert.Equal(t, "#FF0000", e["color"])
		assert.Equal(t, "alice", e["insertedBy"])
		assert.NotEmpty(t, e["updatedAt"])
	}
}

func TestHub_DeleteEventShape(t *testing.T) {
	hub := setupHub(t)
	v := newFakeViewer(hub, 100)
	hub.Register(v)

	hub.BroadcastPixelDelete(4, 9)

	require.Eventually(t, func() bool {
		return len(v.eventsOfType(EventPixelDelete)) == 1
	}, time.Second, 5*time.Millisecond)
	e := v.eventsOfType(EventPixelDelete)[0]
	assert.Equal(t, map[string]interface{}{"type": EventPixelDelete, "x": float64(4), "y": float64(9)}, e)
}

func TestHub_DepartedViewerReceivesNothing(t *testing.T) {
	hub := setupHub(t)
	stay := newFakeViewer(hub, 100)
	leave := newFakeViewer(hub, 100)
	hub.Register(stay)
	hub.Register(leave)
	hub.Unregister(leave)

	hub.BroadcastPixelUpdate(state(1, 1, "#000000"))

	require.Eventually(t, func() bool {
		return len(stay.eventsOfType(EventPixelUpdate)) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, leave.eventsOfType(EventPixelUpdate))
	assert.Equal(t, 1, hub.GetClientCount())
}

func TestHub_UserCountOnConnectAndDisconnect(t *testing.T) {
	hub := setupHub(t)
	a := newFakeViewer(hub, 100)
	b := newFakeViewer(hub, 100)

	hub.Register(a)
	hub.Register(b)
	hub.Unregister(b)

	require.Eventually(t, func() bool {
		return len(a.eventsOfType(EventUserCount)) == 3
	}, time.Second, 5*time.Millisecond)

	counts := a.eventsOfType(EventUserCount)
	assert.Equal(t, float64(1), counts[0]["count"])
	assert.Equal(t, float64(2), counts[1]["count"])
	assert.Equal(t, float64(1), counts[2]["count"])
}

func TestHub_FailingViewerIsClosedAndRemoved(t *testing.T) {
	hub := setupHub(t)
	healthy := newFakeViewer(hub, 100)
	slow := newFakeViewer(hub, 0)
	hub.Register(healthy)
	hub.Register(slow)

	for i := 0; i < 5; i++ {
		hub.BroadcastPixelUpdate(state(i, 0, "#123456"))
	}

	require.Eventually(t, func() bool {
		return len(healthy.eventsOfType(EventPixelUpdate)) == 5
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return hub.GetClientCount() == 1
	}, time.Second, 5*time.Millisecond)

	assert.Empty(t, slow.events())
}

func TestHub_ShutdownClosesViewers(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- hub.RunWithContext(ctx) }()

	v := newFakeViewer(hub, 100)
	hub.Register(v)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("hub did not stop")
	}
	assert.Equal(t, 0, hub.GetClientCount())
	v.mu.Lock()
	assert.True(t, v.closed)
	v.mu.Unlock()
}

func TestHub_ServeWSEndToEnd(t *testing.T) {
	hub := setupHub(t)
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	readEvent := func() map[string]interface{} {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal(data, &m))
		return m
	}

	first := readEvent()
	assert.Equal(t, EventUserCount, first["type"])
	assert.Equal(t, float64(1), first["count"])

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))
	assert.Equal(t, EventPong, readEvent()["type"])

	hub.BroadcastPixelUpdate(state(3, 4, "#ABCDEF"))
	update := readEvent()
	assert.Equal(t, EventPixelUpdate, update["type"])
	assert.Equal(t, float64(3), update["x"])

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		return hub.GetClientCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestClient_DeliverNeverBlocks(t *testing.T) {
	c := NewClient(NewHub(), nil)

	for i := 0; i < sendBuffer; i++ {
		require.True(t, c.Deliver([]byte("x")))
	}

	done := make(chan bool, 1)
	go func() { done <- c.Deliver([]byte("overflow")) }()
	select {
	case ok := <-done:
		assert.False(t, ok, "full send buffer refuses delivery")
	case <-time.After(time.Second):
		t.Fatal("Deliver blocked on a full client")
	}

	c.Close()
	c.Close()
	assert.False(t, c.Deliver([]byte("after close")))
}

func TestHub_FullQueueCountsDroppedEvents(t *testing.T) {
	// not running, so nothing drains the queue
	hub := NewHub()
	before := testutil.ToFloat64(metrics.WSBroadcastDropped.WithLabelValues(EventPixelDelete))

	for i := 0; i < defaultBroadcastBuffer+3; i++ {
		hub.BroadcastPixelDelete(i, 0)
	}

	after := testutil.ToFloat64(metrics.WSBroadcastDropped.WithLabelValues(EventPixelDelete))
	assert.Equal(t, before+3, after)
}
