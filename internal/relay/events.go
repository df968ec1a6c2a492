package relay

import (
	"encoding/json"
	"errors"
)

// Event names carried over channels.
const (
	EventContentUpdate = "content-update"
	EventCursorMove    = "client-cursor-move"
	EventMemberAdded   = "relay:member_added"
	EventMemberRemoved = "relay:member_removed"
)

var ErrBadPayload = errors.New("malformed event payload")

// envelope is the wire format for published events.
type envelope struct {
	Event  string          `json:"event"`
	Data   json.RawMessage `json:"data,omitempty"`
	Member *Member         `json:"member,omitempty"`
}

// ContentUpdate replaces the receiver's snapshot wholesale.
type ContentUpdate struct {
	Content   json.RawMessage `json:"content"`
	UserID    string          `json:"userId"`
	Timestamp int64           `json:"timestamp"`
}

// CursorMove is an ephemeral pointer position in board coordinates.
type CursorMove struct {
	UserID string  `json:"userId"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
}

// IsSnapshotEnvelope reports whether content looks like a serialized editor
// snapshot: a JSON object carrying a "store" key. Anything else must not be
// loaded into the editing surface.
func IsSnapshotEnvelope(content json.RawMessage) bool {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(content, &probe); err != nil {
		return false
	}
	_, ok := probe["store"]
	return ok
}

// DecodeContentUpdate validates a content-update payload at the boundary.
func DecodeContentUpdate(data []byte) (ContentUpdate, error) {
	var update ContentUpdate
	if err := json.Unmarshal(data, &update); err != nil {
		return ContentUpdate{}, ErrBadPayload
	}
	if update.UserID == "" || len(update.Content) == 0 {
		return ContentUpdate{}, ErrBadPayload
	}
	if !IsSnapshotEnvelope(update.Content) {
		return ContentUpdate{}, ErrBadPayload
	}
	return update, nil
}

// DecodeCursorMove validates a cursor payload at the boundary.
func DecodeCursorMove(data []byte) (CursorMove, error) {
	var move CursorMove
	if err := json.Unmarshal(data, &move); err != nil {
		return CursorMove{}, ErrBadPayload
	}
	if move.UserID == "" {
		return CursorMove{}, ErrBadPayload
	}
	return move, nil
}
