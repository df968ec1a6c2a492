package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"corkboard/api/internal/relay"
)

var (
	// ErrChannelMismatch: the channel is well-formed but names a different
	// board than the one the caller is asking to join.
	ErrChannelMismatch = errors.New("channel does not match board")
	// ErrNoAccess covers both "board does not exist" and "no capability";
	// callers must surface the two identically.
	ErrNoAccess = errors.New("no access to channel")
)

// AccessResolver looks up a participant's capability on a board.
type AccessResolver interface {
	ResolveCapability(ctx context.Context, boardID, userID string) (string, error)
}

// AuthRequest is one channel-subscription attempt to be authorized.
type AuthRequest struct {
	SocketID string
	Channel  string
	BoardID  string
	UserID   string
	UserName string
}

// ChannelAuthorizer validates subscription requests and issues signed grants.
// It is stateless: safe to call on every subscribe attempt, reconnects
// included.
type ChannelAuthorizer struct {
	secret []byte
	access AccessResolver
}

func NewChannelAuthorizer(secret []byte, access AccessResolver) *ChannelAuthorizer {
	return &ChannelAuthorizer{secret: secret, access: access}
}

// Authorize checks the channel shape before any lookup, then the board
// binding, then the caller's capability, and returns a signed grant.
// Presence grants carry the participant's public identity so the relay can
// populate membership broadcasts. Guests never come through here; public
// channels are not grantable.
func (a *ChannelAuthorizer) Authorize(ctx context.Context, req AuthRequest) (*relay.Grant, error) {
	kind, boardID, err := relay.ParseChannel(req.Channel)
	if err != nil {
		return nil, err
	}
	if kind == relay.ChannelPublic {
		return nil, relay.ErrMalformedChannel
	}
	if boardID != req.BoardID {
		return nil, ErrChannelMismatch
	}
	if req.UserID == "" {
		return nil, ErrNoAccess
	}

	capability, err := a.access.ResolveCapability(ctx, boardID, req.UserID)
	if err != nil {
		return nil, ErrNoAccess
	}
	if !Capability(capability).Valid() {
		return nil, ErrNoAccess
	}

	var channelData string
	if kind == relay.ChannelPresence {
		data, err := json.Marshal(relay.Member{ID: req.UserID, Name: req.UserName})
		if err != nil {
			return nil, fmt.Errorf("marshal presence data: %w", err)
		}
		channelData = string(data)
	}

	return &relay.Grant{
		SocketID:    req.SocketID,
		Channel:     req.Channel,
		ChannelData: channelData,
		Auth:        relay.SignGrant(a.secret, req.SocketID, req.Channel, channelData),
	}, nil
}
