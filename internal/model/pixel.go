package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultInsertedBy is the attribution used when a writer gives none.
const DefaultInsertedBy = "Anonymous"

// Pixel is the durable, authoritative row for one canvas cell.
type Pixel struct {
	ID         int64     `json:"-"`
	X          int       `json:"x"`
	Y          int       `json:"y"`
	Color      string    `json:"color"`
	InsertedBy string    `json:"insertedBy"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// State returns the read-model view of the row.
func (p *Pixel) State() PixelState {
	return PixelState{
		X:          p.X,
		Y:          p.Y,
		Color:      p.Color,
		InsertedBy: p.InsertedBy,
		UpdatedAt:  p.UpdatedAt,
	}
}

// PixelState is the latest accepted state of a cell as served to readers and
// mirrored into the Grid Cache. It may be ahead of the durable row by up to
// one flush interval.
type PixelState struct {
	X          int       `json:"x"`
	Y          int       `json:"y"`
	Color      string    `json:"color"`
	InsertedBy string    `json:"insertedBy"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Key returns the Grid Cache / Write Buffer key of the cell.
func (s *PixelState) Key() string {
	return CoordKey(s.X, s.Y)
}

// PendingWrite is a write accepted but not yet committed to the durable store.
type PendingWrite struct {
	X          int       `json:"x"`
	Y          int       `json:"y"`
	Color      string    `json:"color"`
	InsertedBy string    `json:"insertedBy"`
	Timestamp  time.Time `json:"timestamp"`
}

// Key returns the Write Buffer key of the cell.
func (w *PendingWrite) Key() string {
	return CoordKey(w.X, w.Y)
}

// Coordinate identifies a cell.
type Coordinate struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// LeaderboardEntry is one row of the attribution rollup.
type LeaderboardEntry struct {
	Name       string `json:"name"`
	PixelCount int64  `json:"pixelCount"`
}

// CoordKey formats a coordinate as "x,y".
func CoordKey(x, y int) string {
	return strconv.Itoa(x) + "," + strconv.Itoa(y)
}

// ParseCoordKey is the inverse of CoordKey.
func ParseCoordKey(key string) (Coordinate, error) {
	xs, ys, ok := strings.Cut(key, ",")
	if !ok {
		return Coordinate{}, fmt.Errorf("malformed coordinate key %q", key)
	}
	x, err := strconv.Atoi(xs)
	if err != nil {
		return Coordinate{}, fmt.Errorf("malformed coordinate key %q: %w", key, err)
	}
	y, err := strconv.Atoi(ys)
	if err != nil {
		return Coordinate{}, fmt.Errorf("malformed coordinate key %q: %w", key, err)
	}
	return Coordinate{X: x, Y: y}, nil
}
