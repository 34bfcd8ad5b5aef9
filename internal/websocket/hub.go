package websocket

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"pixelcanvas-api/internal/logging"
	"pixelcanvas-api/internal/metrics"
	"pixelcanvas-api/internal/model"
)

// ShutdownReason identifies why the hub is shutting down.
type ShutdownReason string

const (
	ShutdownReasonContextCanceled ShutdownReason = "context_canceled"
	ShutdownReasonContextDeadline ShutdownReason = "context_deadline"
)

const defaultBroadcastBuffer = 256

// Viewer is one connected recipient of canvas events.
type Viewer interface {
	// ID orders viewers for delivery.
	ID() uint64

	// Deliver queues an encoded event without blocking. It returns false if
	// the viewer cannot take it (queue full or already closing).
	Deliver(data []byte) bool

	// Close asks the viewer to disconnect. The viewer later leaves through
	// Hub.Unregister. Must be safe to call more than once.
	Close()
}

// Hub maintains the set of connected viewers and fans events out to them.
// Register and Unregister take effect immediately; events, including the
// user_count announcements they trigger, are delivered in order by
// RunWithContext.
type Hub struct {
	mu        sync.RWMutex
	viewers   map[uint64]Viewer
	broadcast chan encoded
	log       zerolog.Logger
}

// NewHub creates a new Hub
func NewHub() *Hub {
	return &Hub{
		viewers:   make(map[uint64]Viewer),
		broadcast: make(chan encoded, defaultBroadcastBuffer),
		log:       logging.Component("websocket-hub"),
	}
}

// Register adds a viewer and announces the new viewer count to everyone.
func (h *Hub) Register(v Viewer) {
	h.mu.Lock()
	h.viewers[v.ID()] = v
	count := len(h.viewers)
	h.mu.Unlock()

	metrics.WSConnections.Set(float64(count))
	h.log.Info().Uint64("viewer_id", v.ID()).Int("total_clients", count).Msg("websocket client connected")
	h.broadcastUserCount(count)
}

// Unregister removes a viewer and announces the new viewer count.
// Unregistering an unknown or already removed viewer is a no-op.
func (h *Hub) Unregister(v Viewer) {
	h.mu.Lock()
	if _, ok := h.viewers[v.ID()]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.viewers, v.ID())
	count := len(h.viewers)
	h.mu.Unlock()

	v.Close()

	metrics.WSConnections.Set(float64(count))
	h.log.Info().Uint64("viewer_id", v.ID()).Int("total_clients", count).Msg("websocket client disconnected")
	h.broadcastUserCount(count)
}

// GetClientCount returns the number of connected viewers.
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.viewers)
}

// BroadcastPixelUpdate sends a pixel_update to all viewers.
func (h *Hub) BroadcastPixelUpdate(state model.PixelState) {
	h.enqueue(EventPixelUpdate, newPixelUpdate(state))
}

// BroadcastPixelDelete sends a pixel_delete to all viewers.
func (h *Hub) BroadcastPixelDelete(x, y int) {
	h.enqueue(EventPixelDelete, PixelDeleteEvent{Type: EventPixelDelete, X: x, Y: y})
}

func (h *Hub) broadcastUserCount(count int) {
	h.enqueue(EventUserCount, UserCountEvent{Type: EventUserCount, Count: count})
}

func (h *Hub) enqueue(kind string, event interface{}) {
	msg, err := encode(kind, event)
	if err != nil {
		h.log.Error().Err(err).Str("message_type", kind).Msg("failed to encode event")
		return
	}

	select {
	case h.broadcast <- msg:
	default:
		metrics.WSBroadcastDropped.WithLabelValues(kind).Inc()
		h.log.Warn().Str("message_type", kind).Msg("broadcast channel full, dropping message")
	}
}

// RunWithContext delivers queued events until ctx is canceled, then closes
// every viewer and returns ctx.Err().
func (h *Hub) RunWithContext(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			h.logGracefulShutdown(ctx)
			return ctx.Err()
		case msg := <-h.broadcast:
			h.deliver(msg)
		}
	}
}

// Serve implements suture.Service.
func (h *Hub) Serve(ctx context.Context) error {
	return h.RunWithContext(ctx)
}

func (h *Hub) String() string {
	return "websocket-hub"
}

// deliver hands msg to every viewer in ID order. A viewer that cannot take
// the message is asked to close; it is removed when it unregisters.
func (h *Hub) deliver(msg encoded) {
	viewers := h.snapshot()

	var failed []Viewer
	for _, v := range viewers {
		if v.Deliver(msg.data) {
			continue
		}
		failed = append(failed, v)
	}

	metrics.WSMessagesSent.WithLabelValues(msg.kind).Add(float64(len(viewers) - len(failed)))

	for _, v := range failed {
		metrics.WSDeliveryFailures.Inc()
		h.log.Warn().
			Uint64("viewer_id", v.ID()).
			Str("message_type", msg.kind).
			Msg("failed to deliver event, closing viewer")
		v.Close()
	}
}

func (h *Hub) snapshot() []Viewer {
	h.mu.RLock()
	viewers := make([]Viewer, 0, len(h.viewers))
	for _, v := range h.viewers {
		viewers = append(viewers, v)
	}
	h.mu.RUnlock()

	sort.Slice(viewers, func(i, j int) bool {
		return viewers[i].ID() < viewers[j].ID()
	})
	return viewers
}

func (h *Hub) logGracefulShutdown(ctx context.Context) {
	h.mu.Lock()
	viewers := make([]Viewer, 0, len(h.viewers))
	for id, v := range h.viewers {
		viewers = append(viewers, v)
		delete(h.viewers, id)
	}
	h.mu.Unlock()

	for _, v := range viewers {
		v.Close()
	}
	metrics.WSConnections.Set(0)

	h.log.Info().
		Str("reason", string(getShutdownReason(ctx))).
		Int("clients_closed", len(viewers)).
		Msg("websocket hub stopped")
}

func getShutdownReason(ctx context.Context) ShutdownReason {
	if ctx.Err() == context.DeadlineExceeded {
		return ShutdownReasonContextDeadline
	}
	return ShutdownReasonContextCanceled
}
