// Package relay models the authenticated pub/sub service that carries
// presence, content updates, and cursor traffic between board sessions.
// Delivery is at-least-once with no ordering guarantee across channels;
// consumers must tolerate redelivery and reordering.
package relay

import (
	"context"
	"errors"
	"strings"
)

var (
	ErrMalformedChannel = errors.New("malformed channel name")
	ErrUnauthorized     = errors.New("subscription not authorized")
	ErrNotConfigured    = errors.New("relay not configured")
)

type ChannelKind int

const (
	ChannelPrivate ChannelKind = iota + 1
	ChannelPresence
	ChannelPublic
)

const (
	privatePrefix  = "private-board-"
	presencePrefix = "presence-board-"
	publicPrefix   = "public-board-"
)

func PrivateChannel(boardID string) string  { return privatePrefix + boardID }
func PresenceChannel(boardID string) string { return presencePrefix + boardID }
func PublicChannel(boardID string) string   { return publicPrefix + boardID }

// ParseChannel validates a channel name against the three recognized shapes
// and extracts the board id. Anything else is malformed.
func ParseChannel(name string) (ChannelKind, string, error) {
	var kind ChannelKind
	var id string
	switch {
	case strings.HasPrefix(name, privatePrefix):
		kind, id = ChannelPrivate, strings.TrimPrefix(name, privatePrefix)
	case strings.HasPrefix(name, presencePrefix):
		kind, id = ChannelPresence, strings.TrimPrefix(name, presencePrefix)
	case strings.HasPrefix(name, publicPrefix):
		kind, id = ChannelPublic, strings.TrimPrefix(name, publicPrefix)
	default:
		return 0, "", ErrMalformedChannel
	}
	if id == "" || strings.ContainsAny(id, " /") {
		return 0, "", ErrMalformedChannel
	}
	return kind, id, nil
}

// Member is a participant as seen by the relay's membership state.
type Member struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Event is a single delivery from a channel subscription.
type Event struct {
	Channel string
	Name    string
	Data    []byte
	// Member is set for member_added / member_removed events.
	Member *Member
}

// Subscription is a live attachment to one channel. Members carries the full
// membership at subscribe time for presence channels, nil otherwise.
type Subscription struct {
	Channel string
	Members []Member
	Events  <-chan Event

	closeFn func(ctx context.Context) error
}

func (s *Subscription) Close(ctx context.Context) error {
	if s == nil || s.closeFn == nil {
		return nil
	}
	return s.closeFn(ctx)
}

// Relay is the pub/sub service boundary. Subscribe requires a signed Grant
// for private and presence channels; public channels are admitted bare.
type Relay interface {
	Subscribe(ctx context.Context, channel string, grant *Grant) (*Subscription, error)
	Publish(ctx context.Context, channel, event string, data any) error
	Close() error
}
