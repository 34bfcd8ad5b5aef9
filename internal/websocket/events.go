package websocket

import (
	"time"

	"github.com/goccy/go-json"

	"pixelcanvas-api/internal/model"
)

// Event types sent to and received from viewers.
const (
	EventPixelUpdate = "pixel_update"
	EventPixelDelete = "pixel_delete"
	EventUserCount   = "user_count"
	EventPing        = "ping"
	EventPong        = "pong"
)

// PixelUpdateEvent announces a newly accepted pixel state.
type PixelUpdateEvent struct {
	Type       string    `json:"type"`
	X          int       `json:"x"`
	Y          int       `json:"y"`
	Color      string    `json:"color"`
	InsertedBy string    `json:"insertedBy"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// PixelDeleteEvent announces a cleared cell.
type PixelDeleteEvent struct {
	Type string `json:"type"`
	X    int    `json:"x"`
	Y    int    `json:"y"`
}

// UserCountEvent carries the number of connected viewers.
type UserCountEvent struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

// inboundMessage is anything a viewer sends us; only the type is inspected.
type inboundMessage struct {
	Type string `json:"type"`
}

// encoded is an event serialized once and shared by every recipient.
type encoded struct {
	kind string
	data []byte
}

func encode(kind string, v interface{}) (encoded, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return encoded{}, err
	}
	return encoded{kind: kind, data: data}, nil
}

func newPixelUpdate(state model.PixelState) PixelUpdateEvent {
	return PixelUpdateEvent{
		Type:       EventPixelUpdate,
		X:          state.X,
		Y:          state.Y,
		Color:      state.Color,
		InsertedBy: state.InsertedBy,
		UpdatedAt:  state.UpdatedAt,
	}
}
