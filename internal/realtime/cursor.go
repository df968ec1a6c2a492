package realtime

import (
	"context"
	"encoding/json"
	"time"

	"corkboard/api/internal/relay"
)

// RemoteCursor is a peer's last known pointer position, labelled for display.
type RemoteCursor struct {
	UserID string  `json:"userId"`
	Name   string  `json:"name"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
}

type nameResolver interface {
	Name(participantID string) (string, bool)
}

// CursorBroadcastEngine throttles outgoing pointer positions and tracks
// incoming ones. Throttling is trailing-edge: at most one broadcast per
// interval, always carrying the latest sampled position.
type CursorBroadcastEngine struct {
	selfID    string
	enabled   bool
	publisher Publisher
	channel   string
	interval  time.Duration
	names     nameResolver

	pending *relay.CursorMove
	nextAt  time.Time
	cursors map[string]RemoteCursor
}

func NewCursorBroadcastEngine(boardID, selfID string, enabled bool, publisher Publisher, interval time.Duration, names nameResolver) *CursorBroadcastEngine {
	return &CursorBroadcastEngine{
		selfID:    selfID,
		enabled:   enabled,
		publisher: publisher,
		channel:   relay.PrivateChannel(boardID),
		interval:  interval,
		names:     names,
		cursors:   make(map[string]RemoteCursor),
	}
}

// Sample records the latest local pointer position. Disabled engines drop
// samples silently.
func (e *CursorBroadcastEngine) Sample(x, y float64, now time.Time) {
	if !e.enabled || e.publisher == nil {
		return
	}
	e.pending = &relay.CursorMove{UserID: e.selfID, X: x, Y: y}
	if e.nextAt.IsZero() {
		e.nextAt = now
	}
}

// BroadcastDue reports whether a sampled position is cleared to go out.
func (e *CursorBroadcastEngine) BroadcastDue(now time.Time) bool {
	return e.pending != nil && !now.Before(e.nextAt)
}

// NextAt returns the throttle deadline; only meaningful while a sample is
// pending.
func (e *CursorBroadcastEngine) NextAt() time.Time { return e.nextAt }

// HasPending reports whether a sampled position awaits broadcast.
func (e *CursorBroadcastEngine) HasPending() bool { return e.pending != nil }

// Broadcast publishes the pending position and opens the next throttle
// window.
func (e *CursorBroadcastEngine) Broadcast(ctx context.Context, now time.Time) error {
	if e.pending == nil {
		return nil
	}
	move := *e.pending
	e.pending = nil
	e.nextAt = now.Add(e.interval)
	return e.publisher.Publish(ctx, e.channel, relay.EventCursorMove, move)
}

// ApplyRemote handles a cursor payload from the relay. Echoes of our own
// moves are discarded. Peers missing from the roster are shown as "Unknown".
func (e *CursorBroadcastEngine) ApplyRemote(data json.RawMessage) (*RemoteCursor, error) {
	move, err := relay.DecodeCursorMove(data)
	if err != nil {
		return nil, err
	}
	if move.UserID == e.selfID {
		return nil, nil
	}
	name := "Unknown"
	if e.names != nil {
		if n, ok := e.names.Name(move.UserID); ok {
			name = n
		}
	}
	cursor := RemoteCursor{UserID: move.UserID, Name: name, X: move.X, Y: move.Y}
	e.cursors[move.UserID] = cursor
	return &cursor, nil
}

// Prune drops a departed participant's cursor.
func (e *CursorBroadcastEngine) Prune(participantID string) {
	delete(e.cursors, participantID)
}

// Cursors returns the tracked remote cursors.
func (e *CursorBroadcastEngine) Cursors() []RemoteCursor {
	out := make([]RemoteCursor, 0, len(e.cursors))
	for _, c := range e.cursors {
		out = append(out, c)
	}
	return out
}
