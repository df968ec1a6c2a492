package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"corkboard/api/internal/auth"
	"corkboard/api/internal/authpw"
	"corkboard/api/internal/config"
	"corkboard/api/internal/realtime"
	"corkboard/api/internal/relay"
	"corkboard/api/internal/search"
	"corkboard/api/internal/store"
	"corkboard/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	JTI          string
	ExpiresAt    time.Time
}

const publicSlugLength = 12

type dataStore interface {
	CreateUser(context.Context, store.User) error
	GetUserByEmail(context.Context, string) (store.User, error)
	GetUserByID(context.Context, string) (store.User, error)
	GetUserByIdentifier(context.Context, string) (store.User, error)
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)
	SaveRefreshSession(context.Context, string, string, time.Time) error
	LookupRefreshSession(context.Context, string) (store.User, error)
	RevokeRefreshSession(context.Context, string) error
	ListBoardsForUser(context.Context, string) ([]store.BoardListing, error)
	InsertBoard(context.Context, store.Board) error
	GetBoard(context.Context, string) (store.Board, error)
	GetBoardByPublicSlug(context.Context, string) (store.Board, error)
	UpdateBoardTitle(context.Context, string, string) error
	DeleteBoard(context.Context, string) error
	WriteBoardContent(context.Context, string, json.RawMessage) (bool, string, error)
	SetBoardVisibility(context.Context, string, bool, *string) error
	ResolveCapability(context.Context, string, string) (string, error)
	UpsertShare(context.Context, store.BoardShare) (store.BoardShare, error)
	ListShares(context.Context, string) ([]store.BoardShare, error)
	DeleteShare(context.Context, string, string) error
	Ping(ctx context.Context) error
}

// refreshSessionStore holds refresh tokens. Backed by Redis when configured,
// by the refresh_sessions table otherwise.
type refreshSessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash string, user store.User, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

// pgRefreshSessions adapts the main store to refreshSessionStore.
type pgRefreshSessions struct {
	store dataStore
}

func (p pgRefreshSessions) SaveRefreshSession(ctx context.Context, tokenHash string, user store.User, expiresAt time.Time) error {
	return p.store.SaveRefreshSession(ctx, tokenHash, user.ID, expiresAt)
}

func (p pgRefreshSessions) LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error) {
	return p.store.LookupRefreshSession(ctx, tokenHash)
}

func (p pgRefreshSessions) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	return p.store.RevokeRefreshSession(ctx, tokenHash)
}

type Service struct {
	cfg        config.Config
	store      dataStore
	refresh    refreshSessionStore
	authpw     *authpw.Service
	search     *search.Service
	relay      relay.Relay
	authorizer *realtime.ChannelAuthorizer
}

func New(cfg config.Config, dataStore *store.PostgresStore, searchService *search.Service) *Service {
	s := &Service{
		cfg:    cfg,
		store:  dataStore,
		authpw: authpw.NewService(dataStore),
		search: searchService,
	}
	s.refresh = pgRefreshSessions{store: s.store}
	s.authorizer = realtime.NewChannelAuthorizer([]byte(cfg.RelaySecret), dataStore)
	return s
}

// SetRefreshStore swaps refresh-token storage to Redis.
func (s *Service) SetRefreshStore(refresh refreshSessionStore) {
	s.refresh = refresh
}

// SetRelay attaches the pub/sub relay. Without one the app serves boards in
// offline editing mode.
func (s *Service) SetRelay(r relay.Relay) {
	s.relay = r
}

func (s *Service) Relay() relay.Relay { return s.relay }

func (s *Service) Config() config.Config { return s.cfg }

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// --- Authentication and sessions ---

func (s *Service) SignUp(ctx context.Context, req authpw.SignUpRequest) (Session, error) {
	user, err := s.authpw.SignUp(ctx, req)
	if err != nil {
		if errors.Is(err, authpw.ErrEmailTaken) {
			return Session{}, domainError(http.StatusConflict, "EMAIL_EXISTS", "Email already registered", nil)
		}
		return Session{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
	}
	return s.issueSession(ctx, user)
}

func (s *Service) SignIn(ctx context.Context, req authpw.SignInRequest) (Session, error) {
	user, err := s.authpw.SignIn(ctx, req)
	if err != nil {
		return Session{}, domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil)
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.DisplayName,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.refresh.SaveRefreshSession(ctx, auth.HashToken(refresh), user, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}
	return Session{
		Token:     token,
		UserID:    claims.Sub,
		UserName:  claims.Name,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.refresh.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.refresh.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.refresh.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

// --- Boards ---

func (s *Service) ListBoards(ctx context.Context, session Session) ([]store.BoardListing, error) {
	return s.store.ListBoardsForUser(ctx, session.UserID)
}

func (s *Service) CreateBoard(ctx context.Context, session Session, title, description string) (store.Board, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return store.Board{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
	}
	board := store.Board{
		ID:          util.NewID("board"),
		Title:       title,
		Description: strings.TrimSpace(description),
		OwnerID:     session.UserID,
		OwnerName:   session.UserName,
	}
	if err := s.store.InsertBoard(ctx, board); err != nil {
		return store.Board{}, err
	}
	s.indexBoard(ctx, board.ID)
	return board, nil
}

// GetBoardForUser returns the board plus the caller's capability on it. A
// missing board and a board the caller cannot see fail identically.
func (s *Service) GetBoardForUser(ctx context.Context, session Session, boardID string) (store.Board, realtime.Capability, error) {
	capability, err := s.resolveCapability(ctx, boardID, session.UserID)
	if err != nil {
		return store.Board{}, "", err
	}
	board, err := s.store.GetBoard(ctx, boardID)
	if err != nil {
		return store.Board{}, "", err
	}
	return board, capability, nil
}

func (s *Service) resolveCapability(ctx context.Context, boardID, userID string) (realtime.Capability, error) {
	raw, err := s.store.ResolveCapability(ctx, boardID, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) || errors.Is(err, store.ErrNoAccess) {
			return "", domainError(http.StatusNotFound, "NOT_FOUND", "Board not found", nil)
		}
		return "", err
	}
	capability := realtime.Capability(raw)
	if !capability.Valid() {
		return "", domainError(http.StatusNotFound, "NOT_FOUND", "Board not found", nil)
	}
	return capability, nil
}

func (s *Service) RenameBoard(ctx context.Context, session Session, boardID, title string) (store.Board, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return store.Board{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
	}
	capability, err := s.resolveCapability(ctx, boardID, session.UserID)
	if err != nil {
		return store.Board{}, err
	}
	if !capability.CanEdit() {
		return store.Board{}, domainError(http.StatusForbidden, "FORBIDDEN", "Viewers cannot rename boards", nil)
	}
	if err := s.store.UpdateBoardTitle(ctx, boardID, title); err != nil {
		return store.Board{}, err
	}
	s.indexBoard(ctx, boardID)
	return s.store.GetBoard(ctx, boardID)
}

func (s *Service) DeleteBoard(ctx context.Context, session Session, boardID string) error {
	capability, err := s.resolveCapability(ctx, boardID, session.UserID)
	if err != nil {
		return err
	}
	if !capability.CanShare() {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Only the owner can delete a board", nil)
	}
	if err := s.store.DeleteBoard(ctx, boardID); err != nil {
		return err
	}
	if s.search != nil {
		s.search.DeleteBoard(boardID)
	}
	return nil
}

// DuplicateBoard copies a board's snapshot into a fresh private board owned
// by the caller.
func (s *Service) DuplicateBoard(ctx context.Context, session Session, boardID string) (store.Board, error) {
	source, _, err := s.GetBoardForUser(ctx, session, boardID)
	if err != nil {
		return store.Board{}, err
	}
	duplicate := store.Board{
		ID:          util.NewID("board"),
		Title:       source.Title + " (copy)",
		Description: source.Description,
		OwnerID:     session.UserID,
		OwnerName:   session.UserName,
		Content:     source.Content,
	}
	if err := s.store.InsertBoard(ctx, duplicate); err != nil {
		return store.Board{}, err
	}
	s.indexBoard(ctx, duplicate.ID)
	return duplicate, nil
}

// SetVisibility toggles a board's public mirror. Going public mints a slug;
// an already-public board keeps the one it has so shared links stay stable.
// Going private clears it, which invalidates every outstanding link.
func (s *Service) SetVisibility(ctx context.Context, session Session, boardID string, public bool) (store.Board, error) {
	capability, err := s.resolveCapability(ctx, boardID, session.UserID)
	if err != nil {
		return store.Board{}, err
	}
	if !capability.CanShare() {
		return store.Board{}, domainError(http.StatusForbidden, "FORBIDDEN", "Only the owner can change visibility", nil)
	}
	board, err := s.store.GetBoard(ctx, boardID)
	if err != nil {
		return store.Board{}, err
	}

	var slug *string
	if public {
		if board.IsPublic && board.PublicSlug != nil {
			return board, nil
		}
		minted := util.NewSlug(publicSlugLength)
		slug = &minted
	} else if !board.IsPublic {
		return board, nil
	}
	if err := s.store.SetBoardVisibility(ctx, boardID, public, slug); err != nil {
		return store.Board{}, err
	}
	return s.store.GetBoard(ctx, boardID)
}

// SaveBoardContent is the REST save path, used by clients without a live
// realtime session. Connected peers still hear about the write through the
// relay so an open board converges without a reconnect.
func (s *Service) SaveBoardContent(ctx context.Context, session Session, boardID string, content json.RawMessage) error {
	capability, err := s.resolveCapability(ctx, boardID, session.UserID)
	if err != nil {
		return err
	}
	if !capability.CanEdit() {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Viewers cannot save", nil)
	}
	if !relay.IsSnapshotEnvelope(content) {
		return domainError(http.StatusUnprocessableEntity, "INVALID_CONTENT", "Content is not an editor snapshot", nil)
	}
	isPublic, slug, err := s.store.WriteBoardContent(ctx, boardID, content)
	if err != nil {
		return err
	}
	if s.relay == nil {
		return nil
	}
	update := relay.ContentUpdate{
		Content:   content,
		UserID:    session.UserID,
		Timestamp: time.Now().UnixMilli(),
	}
	if err := s.relay.Publish(ctx, relay.PrivateChannel(boardID), relay.EventContentUpdate, update); err != nil {
		return err
	}
	if isPublic && slug != "" {
		return s.relay.Publish(ctx, relay.PublicChannel(slug), relay.EventContentUpdate, update)
	}
	return nil
}

// GetPublicBoard resolves a public slug for unauthenticated viewers.
func (s *Service) GetPublicBoard(ctx context.Context, slug string) (store.Board, error) {
	board, err := s.store.GetBoardByPublicSlug(ctx, slug)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Board{}, domainError(http.StatusNotFound, "NOT_FOUND", "Board not found", nil)
		}
		return store.Board{}, err
	}
	return board, nil
}

// --- Shares ---

type ShareView struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email"`
	Role        string `json:"role"`
}

func (s *Service) UpsertShare(ctx context.Context, session Session, boardID, identifier, role string) (ShareView, error) {
	capability, err := s.resolveCapability(ctx, boardID, session.UserID)
	if err != nil {
		return ShareView{}, err
	}
	if !capability.CanShare() {
		return ShareView{}, domainError(http.StatusForbidden, "FORBIDDEN", "Only the owner can manage shares", nil)
	}
	shareRole := realtime.Capability(role)
	if shareRole != realtime.CapabilityEditor && shareRole != realtime.CapabilityViewer {
		return ShareView{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "role must be editor or viewer", nil)
	}

	target, err := s.store.GetUserByIdentifier(ctx, strings.TrimSpace(identifier))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ShareView{}, domainError(http.StatusNotFound, "USER_NOT_FOUND", "No user matches that email or name", nil)
		}
		return ShareView{}, err
	}
	if target.ID == session.UserID {
		return ShareView{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Owners already have full access", nil)
	}

	share, err := s.store.UpsertShare(ctx, store.BoardShare{
		ID:      util.NewID("share"),
		BoardID: boardID,
		UserID:  target.ID,
		Role:    string(shareRole),
	})
	if err != nil {
		return ShareView{}, err
	}
	s.indexBoard(ctx, boardID)
	return ShareView{
		UserID:      target.ID,
		DisplayName: target.DisplayName,
		Email:       target.Email,
		Role:        share.Role,
	}, nil
}

func (s *Service) ListShares(ctx context.Context, session Session, boardID string) ([]store.BoardShare, error) {
	capability, err := s.resolveCapability(ctx, boardID, session.UserID)
	if err != nil {
		return nil, err
	}
	if !capability.CanShare() {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Only the owner can list shares", nil)
	}
	return s.store.ListShares(ctx, boardID)
}

func (s *Service) DeleteShare(ctx context.Context, session Session, boardID, userID string) error {
	capability, err := s.resolveCapability(ctx, boardID, session.UserID)
	if err != nil {
		return err
	}
	if !capability.CanShare() {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Only the owner can manage shares", nil)
	}
	if err := s.store.DeleteShare(ctx, boardID, userID); err != nil {
		return err
	}
	s.indexBoard(ctx, boardID)
	return nil
}

// --- Realtime ---

// AuthorizeChannel backs the channel-auth endpoint: it checks the caller's
// capability on the board behind the channel and signs an admission grant.
func (s *Service) AuthorizeChannel(ctx context.Context, session Session, boardID, socketID, channel string) (*relay.Grant, error) {
	grant, err := s.authorizer.Authorize(ctx, realtime.AuthRequest{
		SocketID: socketID,
		Channel:  channel,
		BoardID:  boardID,
		UserID:   session.UserID,
		UserName: session.UserName,
	})
	if err != nil {
		switch {
		case errors.Is(err, relay.ErrMalformedChannel):
			return nil, domainError(http.StatusBadRequest, "INVALID_CHANNEL", "Malformed channel name", nil)
		case errors.Is(err, realtime.ErrChannelMismatch):
			return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Channel does not match board", nil)
		case errors.Is(err, realtime.ErrNoAccess):
			return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
		}
		return nil, err
	}
	return grant, nil
}

// --- Search ---

func (s *Service) Search(ctx context.Context, session Session, text string, limit, offset int) (search.Response, error) {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: text}, nil
	}
	return s.search.Search(search.Query{
		Text:   text,
		UserID: session.UserID,
		Limit:  limit,
		Offset: offset,
	}), nil
}

// indexBoard refreshes the board's search record, share list included.
func (s *Service) indexBoard(ctx context.Context, boardID string) {
	if s.search == nil {
		return
	}
	board, err := s.store.GetBoard(ctx, boardID)
	if err != nil {
		return
	}
	shares, err := s.store.ListShares(ctx, boardID)
	if err != nil {
		return
	}
	sharedWith := make([]string, 0, len(shares))
	for _, share := range shares {
		sharedWith = append(sharedWith, share.UserID)
	}
	s.search.IndexBoard(search.BoardRecord{
		ID:          board.ID,
		Title:       board.Title,
		Description: board.Description,
		OwnerID:     board.OwnerID,
		SharedWith:  sharedWith,
	})
}
