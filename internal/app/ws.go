package app

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"corkboard/api/internal/realtime"
	"corkboard/api/internal/relay"
)

// wsGateway bridges browser WebSocket connections onto sync sessions. Each
// connection gets one SyncSession; the session's event loop is the only
// goroutine that writes to the socket.
type wsGateway struct {
	service  *Service
	upgrader websocket.Upgrader
}

func newWSGateway(service *Service) *wsGateway {
	return &wsGateway{
		service: service,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browsers cannot set Authorization headers on WebSocket
			// requests; the token query parameter already gated access.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (g *wsGateway) handleBoard(w http.ResponseWriter, r *http.Request, session Session, boardID string) {
	capability, err := g.service.resolveCapability(r.Context(), boardID, session.UserID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws: upgrade failed for board %s: %v", boardID, err)
		return
	}

	cfg := g.service.Config()
	g.run(conn, realtime.SessionConfig{
		BoardID:        boardID,
		UserID:         session.UserID,
		UserName:       session.UserName,
		Capability:     capability,
		Relay:          g.service.Relay(),
		RelaySecret:    []byte(cfg.RelaySecret),
		Writer:         g.service.store,
		SaveDebounce:   cfg.SaveDebounce,
		CursorInterval: cfg.CursorInterval,
	})
}

func (g *wsGateway) handleGuest(w http.ResponseWriter, r *http.Request, slug string) {
	if _, err := g.service.GetPublicBoard(r.Context(), slug); err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws: upgrade failed for public board %s: %v", slug, err)
		return
	}

	cfg := g.service.Config()
	g.run(conn, realtime.SessionConfig{
		Guest:          true,
		PublicSlug:     slug,
		Relay:          g.service.Relay(),
		RelaySecret:    []byte(cfg.RelaySecret),
		SaveDebounce:   cfg.SaveDebounce,
		CursorInterval: cfg.CursorInterval,
	})
}

// run attaches a sync session to the connection and pumps inbound frames
// until the client goes away. Returning closes the socket.
func (g *wsGateway) run(conn *websocket.Conn, cfg realtime.SessionConfig) {
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sess, err := realtime.NewSyncSession(ctx, cfg, &wsSurface{conn: conn})
	if err != nil {
		log.Printf("ws: session setup failed: %v", err)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "session unavailable"), closeDeadline())
		return
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		sess.Run(ctx)
	}()

	for {
		var msg realtime.ClientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			break
		}
		sess.Deliver(msg)
	}

	cancel()
	<-done
}

func closeDeadline() time.Time {
	return time.Now().Add(time.Second)
}

// wsSurface renders session output as JSON frames on the socket.
type wsSurface struct {
	conn *websocket.Conn
}

type wsFrame struct {
	Type    string                 `json:"type"`
	Content json.RawMessage        `json:"content,omitempty"`
	Cursor  *realtime.RemoteCursor `json:"cursor,omitempty"`
	Members []relay.Member         `json:"members,omitempty"`
	Member  *relay.Member          `json:"member,omitempty"`
	UserID  string                 `json:"userId,omitempty"`
}

func (s *wsSurface) ApplySnapshot(content json.RawMessage) error {
	return s.conn.WriteJSON(wsFrame{Type: "snapshot", Content: content})
}

func (s *wsSurface) ShowCursor(cursor realtime.RemoteCursor) error {
	return s.conn.WriteJSON(wsFrame{Type: "cursor", Cursor: &cursor})
}

func (s *wsSurface) PresenceSnapshot(members []relay.Member) error {
	return s.conn.WriteJSON(wsFrame{Type: "presence", Members: members})
}

func (s *wsSurface) MemberJoined(m relay.Member) error {
	return s.conn.WriteJSON(wsFrame{Type: "member_joined", Member: &m})
}

func (s *wsSurface) MemberLeft(participantID string) error {
	return s.conn.WriteJSON(wsFrame{Type: "member_left", UserID: participantID})
}
