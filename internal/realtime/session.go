package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"corkboard/api/internal/relay"
	"corkboard/api/internal/util"
)

// Surface is the client-facing side of a session: whatever renders the
// board. The WebSocket gateway implements it by pushing frames to the
// browser.
type Surface interface {
	ApplySnapshot(content json.RawMessage) error
	ShowCursor(cursor RemoteCursor) error
	PresenceSnapshot(members []relay.Member) error
	MemberJoined(m relay.Member) error
	MemberLeft(participantID string) error
}

// ClientMessage is one inbound frame from the client.
type ClientMessage struct {
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content,omitempty"`
	X       float64         `json:"x,omitempty"`
	Y       float64         `json:"y,omitempty"`
}

const (
	MessageReady  = "ready"
	MessageEdit   = "edit"
	MessageCursor = "cursor"
)

const teardownTimeout = 2 * time.Second

// SessionConfig describes one participant's attachment to a board.
//
// Authenticated sessions name a BoardID and carry the participant's resolved
// capability; they join the board's private and presence channels. Guest
// sessions name a PublicSlug instead and join only the public channel, read
// only, under a generated guest identity.
type SessionConfig struct {
	BoardID    string
	PublicSlug string
	Guest      bool

	UserID   string
	UserName string

	Capability Capability

	Relay       relay.Relay
	RelaySecret []byte
	Writer      ContentWriter

	SaveDebounce   time.Duration
	CursorInterval time.Duration

	Logger *log.Logger
}

// SyncSession multiplexes one participant's client messages, relay events
// and timers onto a single goroutine. Engine state is only ever touched from
// Run's loop, so none of it is locked.
type SyncSession struct {
	socketID string
	selfID   string
	surface  Surface
	logger   *log.Logger

	content  *ContentSyncEngine
	cursors  *CursorBroadcastEngine
	presence *PresenceTracker

	contentSub  *relay.Subscription
	presenceSub *relay.Subscription

	relayConn relay.Relay

	msgs chan ClientMessage
	done chan struct{}

	timer *time.Timer
}

// NewSyncSession subscribes to the session's channels and wires its engines.
// A nil Relay degrades to offline editing: local edits still persist on the
// debounce schedule but nothing is broadcast or received.
func NewSyncSession(ctx context.Context, cfg SessionConfig, surface Surface) (*SyncSession, error) {
	if cfg.Guest {
		if cfg.PublicSlug == "" {
			return nil, errors.New("guest session requires a public slug")
		}
	} else if cfg.BoardID == "" || cfg.UserID == "" {
		return nil, errors.New("authenticated session requires a board and user")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}

	s := &SyncSession{
		socketID:  uuid.NewString(),
		surface:   surface,
		logger:    logger,
		relayConn: cfg.Relay,
		msgs:      make(chan ClientMessage, 16),
		done:      make(chan struct{}),
	}

	var publisher Publisher
	if cfg.Relay != nil {
		publisher = cfg.Relay
	}

	if cfg.Guest {
		s.selfID = util.NewID("guest")
		s.content = NewContentSyncEngine(cfg.PublicSlug, s.selfID, CapabilityViewer, readOnlyWriter{}, nil, cfg.SaveDebounce)
		s.cursors = NewCursorBroadcastEngine(cfg.PublicSlug, s.selfID, false, nil, cfg.CursorInterval, nil)
		s.presence = NewPresenceTracker(s.selfID, s.cursors)
		if cfg.Relay != nil {
			sub, err := cfg.Relay.Subscribe(ctx, relay.PublicChannel(cfg.PublicSlug), nil)
			if err != nil {
				return nil, err
			}
			s.contentSub = sub
		}
		return s, nil
	}

	s.selfID = cfg.UserID
	s.content = NewContentSyncEngine(cfg.BoardID, s.selfID, cfg.Capability, cfg.Writer, publisher, cfg.SaveDebounce)
	s.presence = NewPresenceTracker(s.selfID, nil)
	s.cursors = NewCursorBroadcastEngine(cfg.BoardID, s.selfID, cfg.Capability.CanEdit(), publisher, cfg.CursorInterval, s.presence)
	s.presence.pruner = s.cursors

	if cfg.Relay != nil {
		member := relay.Member{ID: cfg.UserID, Name: cfg.UserName}
		memberData, err := json.Marshal(member)
		if err != nil {
			return nil, err
		}
		private := relay.PrivateChannel(cfg.BoardID)
		grant := &relay.Grant{
			SocketID: s.socketID,
			Channel:  private,
			Auth:     relay.SignGrant(cfg.RelaySecret, s.socketID, private, ""),
		}
		contentSub, err := cfg.Relay.Subscribe(ctx, private, grant)
		if err != nil {
			return nil, err
		}
		presenceChannel := relay.PresenceChannel(cfg.BoardID)
		presenceGrant := &relay.Grant{
			SocketID:    s.socketID,
			Channel:     presenceChannel,
			ChannelData: string(memberData),
			Auth:        relay.SignGrant(cfg.RelaySecret, s.socketID, presenceChannel, string(memberData)),
		}
		presenceSub, err := cfg.Relay.Subscribe(ctx, presenceChannel, presenceGrant)
		if err != nil {
			_ = contentSub.Close(ctx)
			return nil, err
		}
		s.contentSub = contentSub
		s.presenceSub = presenceSub
		s.presence.Init(presenceSub.Members)
	}
	return s, nil
}

// readOnlyWriter backs guest sessions, which must never persist.
type readOnlyWriter struct{}

func (readOnlyWriter) WriteBoardContent(context.Context, string, json.RawMessage) (bool, string, error) {
	return false, "", ErrReadOnly
}

// SocketID returns the session's relay socket identity.
func (s *SyncSession) SocketID() string { return s.socketID }

// SelfID returns the participant identity used for echo suppression.
func (s *SyncSession) SelfID() string { return s.selfID }

// Deliver hands an inbound client frame to the event loop. It blocks until
// the loop accepts it or the session is done.
func (s *SyncSession) Deliver(msg ClientMessage) {
	select {
	case s.msgs <- msg:
	case <-s.done:
	}
}

// Run drives the session until ctx is cancelled, then tears it down:
// a final flush of any staged edit, then channel unsubscription.
func (s *SyncSession) Run(ctx context.Context) {
	defer close(s.done)
	defer s.teardown()

	s.timer = time.NewTimer(time.Hour)
	s.timer.Stop()
	defer s.timer.Stop()

	var contentEvents, presenceEvents <-chan relay.Event
	if s.contentSub != nil {
		contentEvents = s.contentSub.Events
	}
	if s.presenceSub != nil {
		presenceEvents = s.presenceSub.Events
	}

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-s.msgs:
			s.handleClient(ctx, msg)
		case ev, ok := <-contentEvents:
			if !ok {
				contentEvents = nil
				continue
			}
			s.handleEvent(ctx, ev)
		case ev, ok := <-presenceEvents:
			if !ok {
				presenceEvents = nil
				continue
			}
			s.handleEvent(ctx, ev)
		case <-s.timer.C:
			s.tick(ctx, time.Now())
		}
		s.rearm(time.Now())
	}
}

func (s *SyncSession) handleClient(ctx context.Context, msg ClientMessage) {
	now := time.Now()
	switch msg.Type {
	case MessageReady:
		s.content.SurfaceReady()
		for _, snapshot := range s.content.RetryQueued(now) {
			s.apply(snapshot)
		}
		if members, err := s.presence.Roster(); err == nil {
			if err := s.surface.PresenceSnapshot(members); err != nil {
				s.logger.Printf("session %s: presence snapshot dropped: %v", s.socketID, err)
			}
		}
	case MessageEdit:
		if err := s.content.Stage(msg.Content, now); err != nil {
			s.logger.Printf("session %s: edit rejected: %v", s.socketID, err)
		}
	case MessageCursor:
		s.cursors.Sample(msg.X, msg.Y, now)
	default:
		s.logger.Printf("session %s: unknown client message %q", s.socketID, msg.Type)
	}
}

func (s *SyncSession) handleEvent(ctx context.Context, ev relay.Event) {
	switch ev.Name {
	case relay.EventContentUpdate:
		snapshot, err := s.content.ApplyRemote(ev.Data, time.Now())
		if err != nil {
			s.logger.Printf("session %s: dropping content update: %v", s.socketID, err)
			return
		}
		if snapshot != nil {
			s.apply(snapshot)
		}
	case relay.EventCursorMove:
		cursor, err := s.cursors.ApplyRemote(ev.Data)
		if err != nil {
			s.logger.Printf("session %s: dropping cursor move: %v", s.socketID, err)
			return
		}
		if cursor != nil {
			if err := s.surface.ShowCursor(*cursor); err != nil {
				s.logger.Printf("session %s: cursor dropped: %v", s.socketID, err)
			}
		}
	case relay.EventMemberAdded:
		if ev.Member == nil {
			return
		}
		if s.presence.ApplyJoin(*ev.Member) {
			if err := s.surface.MemberJoined(*ev.Member); err != nil {
				s.logger.Printf("session %s: member join dropped: %v", s.socketID, err)
			}
		}
	case relay.EventMemberRemoved:
		if ev.Member == nil {
			return
		}
		if s.presence.ApplyLeave(ev.Member.ID) {
			if err := s.surface.MemberLeft(ev.Member.ID); err != nil {
				s.logger.Printf("session %s: member leave dropped: %v", s.socketID, err)
			}
		}
	}
}

// tick performs whatever deadline-driven work is due: a debounce flush, a
// queued-update retry, a throttled cursor broadcast.
func (s *SyncSession) tick(ctx context.Context, now time.Time) {
	if s.content.FlushDue(now) {
		if err := s.content.Flush(ctx, now); err != nil {
			s.logger.Printf("session %s: flush failed, will retry: %v", s.socketID, err)
		}
	}
	if s.content.RetryDue(now) {
		for _, snapshot := range s.content.RetryQueued(now) {
			s.apply(snapshot)
		}
	}
	if s.cursors.BroadcastDue(now) {
		if err := s.cursors.Broadcast(ctx, now); err != nil {
			s.logger.Printf("session %s: cursor broadcast failed: %v", s.socketID, err)
		}
	}
}

// rearm points the timer at the nearest pending deadline.
func (s *SyncSession) rearm(now time.Time) {
	var next time.Time
	if s.content.Dirty() {
		next = s.content.Deadline()
	}
	if s.content.HasQueued() {
		if at := s.content.RetryAt(); next.IsZero() || at.Before(next) {
			next = at
		}
	}
	if s.cursors.HasPending() {
		if at := s.cursors.NextAt(); next.IsZero() || at.Before(next) {
			next = at
		}
	}
	if !s.timer.Stop() {
		select {
		case <-s.timer.C:
		default:
		}
	}
	if next.IsZero() {
		return
	}
	d := next.Sub(now)
	if d < 0 {
		d = 0
	}
	s.timer.Reset(d)
}

func (s *SyncSession) apply(snapshot json.RawMessage) {
	if err := s.surface.ApplySnapshot(snapshot); err != nil {
		s.logger.Printf("session %s: snapshot dropped: %v", s.socketID, err)
	}
}

// teardown runs after the loop exits. A staged edit is flushed under its own
// short deadline so a closing browser tab does not lose the last keystrokes.
func (s *SyncSession) teardown() {
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	if s.content.Dirty() {
		if err := s.content.Flush(ctx, time.Now()); err != nil {
			s.logger.Printf("session %s: final flush failed: %v", s.socketID, err)
		}
	}
	if s.presenceSub != nil {
		if err := s.presenceSub.Close(ctx); err != nil {
			s.logger.Printf("session %s: presence unsubscribe: %v", s.socketID, err)
		}
	}
	if s.contentSub != nil {
		if err := s.contentSub.Close(ctx); err != nil {
			s.logger.Printf("session %s: unsubscribe: %v", s.socketID, err)
		}
	}
}
