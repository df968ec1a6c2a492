package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"corkboard/api/internal/authpw"
	"corkboard/api/internal/config"
	"corkboard/api/internal/realtime"
	"corkboard/api/internal/store"
)

type refreshRecord struct {
	userID    string
	expiresAt time.Time
	revoked   bool
}

// fakeStore is an in-memory dataStore for service and handler tests.
type fakeStore struct {
	users      map[string]store.User
	boards     map[string]store.Board
	shares     map[string]store.BoardShare
	refresh    map[string]refreshRecord
	revokedJTI map[string]struct{}
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:      make(map[string]store.User),
		boards:     make(map[string]store.Board),
		shares:     make(map[string]store.BoardShare),
		refresh:    make(map[string]refreshRecord),
		revokedJTI: make(map[string]struct{}),
	}
}

func shareKey(boardID, userID string) string { return boardID + "/" + userID }

func (f *fakeStore) CreateUser(ctx context.Context, user store.User) error {
	f.users[user.ID] = user
	return nil
}

func (f *fakeStore) GetUserByEmail(ctx context.Context, email string) (store.User, error) {
	for _, u := range f.users {
		if u.Email == email {
			return u, nil
		}
	}
	return store.User{}, sql.ErrNoRows
}

func (f *fakeStore) GetUserByID(ctx context.Context, userID string) (store.User, error) {
	u, ok := f.users[userID]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return u, nil
}

func (f *fakeStore) GetUserByIdentifier(ctx context.Context, identifier string) (store.User, error) {
	for _, u := range f.users {
		if u.Email == strings.ToLower(identifier) || u.DisplayName == identifier {
			return u, nil
		}
	}
	return store.User{}, sql.ErrNoRows
}

func (f *fakeStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	f.revokedJTI[jti] = struct{}{}
	return nil
}

func (f *fakeStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	_, ok := f.revokedJTI[jti]
	return ok, nil
}

func (f *fakeStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	f.refresh[tokenHash] = refreshRecord{userID: userID, expiresAt: expiresAt}
	return nil
}

func (f *fakeStore) LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error) {
	rec, ok := f.refresh[tokenHash]
	if !ok || rec.revoked || time.Now().After(rec.expiresAt) {
		return store.User{}, sql.ErrNoRows
	}
	return f.GetUserByID(ctx, rec.userID)
}

func (f *fakeStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	rec, ok := f.refresh[tokenHash]
	if !ok {
		return nil
	}
	rec.revoked = true
	f.refresh[tokenHash] = rec
	return nil
}

func (f *fakeStore) ListBoardsForUser(ctx context.Context, userID string) ([]store.BoardListing, error) {
	out := []store.BoardListing{}
	for _, b := range f.boards {
		if b.OwnerID == userID {
			out = append(out, store.BoardListing{Board: b, Role: "owner"})
			continue
		}
		if share, ok := f.shares[shareKey(b.ID, userID)]; ok {
			out = append(out, store.BoardListing{Board: b, Role: share.Role})
		}
	}
	return out, nil
}

func (f *fakeStore) InsertBoard(ctx context.Context, item store.Board) error {
	now := time.Now()
	item.CreatedAt = now
	item.UpdatedAt = now
	f.boards[item.ID] = item
	return nil
}

func (f *fakeStore) GetBoard(ctx context.Context, boardID string) (store.Board, error) {
	b, ok := f.boards[boardID]
	if !ok {
		return store.Board{}, sql.ErrNoRows
	}
	return b, nil
}

func (f *fakeStore) GetBoardByPublicSlug(ctx context.Context, slug string) (store.Board, error) {
	for _, b := range f.boards {
		if b.IsPublic && b.PublicSlug != nil && *b.PublicSlug == slug {
			return b, nil
		}
	}
	return store.Board{}, sql.ErrNoRows
}

func (f *fakeStore) UpdateBoardTitle(ctx context.Context, boardID, title string) error {
	b, ok := f.boards[boardID]
	if !ok {
		return sql.ErrNoRows
	}
	b.Title = title
	b.UpdatedAt = time.Now()
	f.boards[boardID] = b
	return nil
}

func (f *fakeStore) DeleteBoard(ctx context.Context, boardID string) error {
	delete(f.boards, boardID)
	return nil
}

func (f *fakeStore) WriteBoardContent(ctx context.Context, boardID string, snapshot json.RawMessage) (bool, string, error) {
	b, ok := f.boards[boardID]
	if !ok {
		return false, "", sql.ErrNoRows
	}
	b.Content = snapshot
	b.UpdatedAt = time.Now()
	f.boards[boardID] = b
	slug := ""
	if b.PublicSlug != nil {
		slug = *b.PublicSlug
	}
	return b.IsPublic, slug, nil
}

func (f *fakeStore) SetBoardVisibility(ctx context.Context, boardID string, isPublic bool, slug *string) error {
	b, ok := f.boards[boardID]
	if !ok {
		return sql.ErrNoRows
	}
	b.IsPublic = isPublic
	b.PublicSlug = slug
	f.boards[boardID] = b
	return nil
}

func (f *fakeStore) ResolveCapability(ctx context.Context, boardID, userID string) (string, error) {
	b, ok := f.boards[boardID]
	if !ok {
		return "", sql.ErrNoRows
	}
	if b.OwnerID == userID {
		return "owner", nil
	}
	if share, ok := f.shares[shareKey(boardID, userID)]; ok {
		return share.Role, nil
	}
	return "", store.ErrNoAccess
}

func (f *fakeStore) UpsertShare(ctx context.Context, share store.BoardShare) (store.BoardShare, error) {
	key := shareKey(share.BoardID, share.UserID)
	if existing, ok := f.shares[key]; ok {
		existing.Role = share.Role
		f.shares[key] = existing
		return existing, nil
	}
	f.shares[key] = share
	return share, nil
}

func (f *fakeStore) ListShares(ctx context.Context, boardID string) ([]store.BoardShare, error) {
	out := []store.BoardShare{}
	for _, s := range f.shares {
		if s.BoardID == boardID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeStore) DeleteShare(ctx context.Context, boardID, userID string) error {
	delete(f.shares, shareKey(boardID, userID))
	return nil
}

func (f *fakeStore) Ping(ctx context.Context) error { return nil }

func testConfig() config.Config {
	return config.Config{
		JWTSecret:      "test-jwt-secret",
		RelaySecret:    "test-relay-secret",
		AccessTTL:      15 * time.Minute,
		RefreshTTL:     24 * time.Hour,
		SaveDebounce:   150 * time.Millisecond,
		CursorInterval: 50 * time.Millisecond,
	}
}

func newTestService(fake *fakeStore) *Service {
	s := &Service{
		cfg:    testConfig(),
		store:  fake,
		authpw: authpw.NewService(fake),
	}
	s.refresh = pgRefreshSessions{store: fake}
	s.authorizer = realtime.NewChannelAuthorizer([]byte(s.cfg.RelaySecret), fake)
	return s
}

func signedUpUser(t *testing.T, svc *Service, email, name string) Session {
	t.Helper()
	session, err := svc.SignUp(context.Background(), authpw.SignUpRequest{
		Email:       email,
		Password:    "correct-horse",
		DisplayName: name,
	})
	if err != nil {
		t.Fatalf("sign up %s: %v", email, err)
	}
	return session
}

func ownedBoard(t *testing.T, svc *Service, owner Session, title string) store.Board {
	t.Helper()
	board, err := svc.CreateBoard(context.Background(), owner, title, "")
	if err != nil {
		t.Fatalf("create board: %v", err)
	}
	return board
}

func TestSessionLifecycle(t *testing.T) {
	svc := newTestService(newFakeStore())
	ctx := context.Background()

	session := signedUpUser(t, svc, "ada@example.com", "Ada")
	if session.Token == "" || session.RefreshToken == "" {
		t.Fatal("sign up issued no tokens")
	}

	parsed, err := svc.SessionFromToken(ctx, session.Token)
	if err != nil {
		t.Fatalf("session from token: %v", err)
	}
	if parsed.UserID != session.UserID || parsed.UserName != "Ada" {
		t.Fatalf("parsed = %+v", parsed)
	}

	rotated, err := svc.Refresh(ctx, session.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if rotated.RefreshToken == session.RefreshToken {
		t.Fatal("refresh token not rotated")
	}
	if _, err := svc.Refresh(ctx, session.RefreshToken); err == nil {
		t.Fatal("spent refresh token accepted")
	}

	if err := svc.Logout(ctx, rotated, rotated.RefreshToken); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if _, err := svc.SessionFromToken(ctx, rotated.Token); err == nil {
		t.Fatal("revoked access token accepted")
	}
	if _, err := svc.Refresh(ctx, rotated.RefreshToken); err == nil {
		t.Fatal("revoked refresh token accepted")
	}
}

func TestSignInWrongPassword(t *testing.T) {
	svc := newTestService(newFakeStore())
	signedUpUser(t, svc, "ada@example.com", "Ada")

	_, err := svc.SignIn(context.Background(), authpw.SignInRequest{
		Email:    "ada@example.com",
		Password: "wrong",
	})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != 401 {
		t.Fatalf("got %v, want 401 domain error", err)
	}
}

func TestCreateBoardRequiresTitle(t *testing.T) {
	svc := newTestService(newFakeStore())
	owner := signedUpUser(t, svc, "ada@example.com", "Ada")

	_, err := svc.CreateBoard(context.Background(), owner, "   ", "")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != 422 {
		t.Fatalf("got %v, want 422 domain error", err)
	}
}

func TestBoardAccessIndistinguishable(t *testing.T) {
	svc := newTestService(newFakeStore())
	owner := signedUpUser(t, svc, "ada@example.com", "Ada")
	outsider := signedUpUser(t, svc, "mallory@example.com", "Mallory")
	board := ownedBoard(t, svc, owner, "Secret plans")

	_, _, missingErr := svc.GetBoardForUser(context.Background(), owner, "board_gone")
	_, _, deniedErr := svc.GetBoardForUser(context.Background(), outsider, board.ID)

	for _, err := range []error{missingErr, deniedErr} {
		var domainErr *DomainError
		if !errors.As(err, &domainErr) || domainErr.Status != 404 || domainErr.Code != "NOT_FOUND" {
			t.Fatalf("got %v, want identical 404", err)
		}
	}
}

func TestRenameRequiresEditCapability(t *testing.T) {
	fake := newFakeStore()
	svc := newTestService(fake)
	owner := signedUpUser(t, svc, "ada@example.com", "Ada")
	viewer := signedUpUser(t, svc, "vic@example.com", "Vic")
	editor := signedUpUser(t, svc, "ed@example.com", "Ed")
	board := ownedBoard(t, svc, owner, "Plans")

	if _, err := svc.UpsertShare(context.Background(), owner, board.ID, "vic@example.com", "viewer"); err != nil {
		t.Fatalf("share viewer: %v", err)
	}
	if _, err := svc.UpsertShare(context.Background(), owner, board.ID, "ed@example.com", "editor"); err != nil {
		t.Fatalf("share editor: %v", err)
	}

	_, err := svc.RenameBoard(context.Background(), viewer, board.ID, "Defaced")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != 403 {
		t.Fatalf("viewer rename: got %v, want 403", err)
	}

	renamed, err := svc.RenameBoard(context.Background(), editor, board.ID, "Better plans")
	if err != nil {
		t.Fatalf("editor rename: %v", err)
	}
	if renamed.Title != "Better plans" {
		t.Fatalf("title = %q", renamed.Title)
	}
}

func TestDeleteRequiresOwner(t *testing.T) {
	svc := newTestService(newFakeStore())
	owner := signedUpUser(t, svc, "ada@example.com", "Ada")
	editor := signedUpUser(t, svc, "ed@example.com", "Ed")
	board := ownedBoard(t, svc, owner, "Plans")
	if _, err := svc.UpsertShare(context.Background(), owner, board.ID, "ed@example.com", "editor"); err != nil {
		t.Fatalf("share: %v", err)
	}

	err := svc.DeleteBoard(context.Background(), editor, board.ID)
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != 403 {
		t.Fatalf("got %v, want 403", err)
	}
	if err := svc.DeleteBoard(context.Background(), owner, board.ID); err != nil {
		t.Fatalf("owner delete: %v", err)
	}
}

func TestVisibilityLifecycle(t *testing.T) {
	svc := newTestService(newFakeStore())
	owner := signedUpUser(t, svc, "ada@example.com", "Ada")
	board := ownedBoard(t, svc, owner, "Plans")
	ctx := context.Background()

	published, err := svc.SetVisibility(ctx, owner, board.ID, true)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if !published.IsPublic || published.PublicSlug == nil {
		t.Fatalf("published = %+v", published)
	}
	slug := *published.PublicSlug
	if len(slug) != publicSlugLength || slug != strings.ToLower(slug) {
		t.Fatalf("slug = %q", slug)
	}

	// Publishing again keeps the slug stable.
	again, err := svc.SetVisibility(ctx, owner, board.ID, true)
	if err != nil {
		t.Fatalf("republish: %v", err)
	}
	if again.PublicSlug == nil || *again.PublicSlug != slug {
		t.Fatal("republish changed the slug")
	}

	if _, err := svc.GetPublicBoard(ctx, slug); err != nil {
		t.Fatalf("public fetch: %v", err)
	}

	private, err := svc.SetVisibility(ctx, owner, board.ID, false)
	if err != nil {
		t.Fatalf("unpublish: %v", err)
	}
	if private.IsPublic || private.PublicSlug != nil {
		t.Fatalf("private = %+v", private)
	}
	if _, err := svc.GetPublicBoard(ctx, slug); err == nil {
		t.Fatal("revoked slug still resolves")
	}
}

func TestUpsertShareValidation(t *testing.T) {
	svc := newTestService(newFakeStore())
	owner := signedUpUser(t, svc, "ada@example.com", "Ada")
	editor := signedUpUser(t, svc, "ed@example.com", "Ed")
	board := ownedBoard(t, svc, owner, "Plans")
	ctx := context.Background()

	var domainErr *DomainError

	_, err := svc.UpsertShare(ctx, owner, board.ID, "ed@example.com", "admin")
	if !errors.As(err, &domainErr) || domainErr.Status != 422 {
		t.Fatalf("bad role: got %v, want 422", err)
	}

	_, err = svc.UpsertShare(ctx, owner, board.ID, "ada@example.com", "editor")
	if !errors.As(err, &domainErr) || domainErr.Status != 422 {
		t.Fatalf("self share: got %v, want 422", err)
	}

	_, err = svc.UpsertShare(ctx, owner, board.ID, "ghost@example.com", "editor")
	if !errors.As(err, &domainErr) || domainErr.Code != "USER_NOT_FOUND" {
		t.Fatalf("unknown user: got %v, want USER_NOT_FOUND", err)
	}

	// Shares resolve by display name too, and upserts change role in place.
	share, err := svc.UpsertShare(ctx, owner, board.ID, "Ed", "viewer")
	if err != nil {
		t.Fatalf("share by name: %v", err)
	}
	if share.UserID != editor.UserID || share.Role != "viewer" {
		t.Fatalf("share = %+v", share)
	}
	share, err = svc.UpsertShare(ctx, owner, board.ID, "ed@example.com", "editor")
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if share.Role != "editor" {
		t.Fatalf("role = %q after upsert", share.Role)
	}

	_, err = svc.UpsertShare(ctx, editor, board.ID, "ada@example.com", "editor")
	if !errors.As(err, &domainErr) || domainErr.Status != 403 {
		t.Fatalf("non-owner share: got %v, want 403", err)
	}
}

func TestDuplicateBoardCopiesContent(t *testing.T) {
	fake := newFakeStore()
	svc := newTestService(fake)
	owner := signedUpUser(t, svc, "ada@example.com", "Ada")
	board := ownedBoard(t, svc, owner, "Plans")

	content := json.RawMessage(`{"store":{"shape:1":{}}}`)
	if _, _, err := fake.WriteBoardContent(context.Background(), board.ID, content); err != nil {
		t.Fatalf("seed content: %v", err)
	}

	copyBoard, err := svc.DuplicateBoard(context.Background(), owner, board.ID)
	if err != nil {
		t.Fatalf("duplicate: %v", err)
	}
	if copyBoard.ID == board.ID {
		t.Fatal("duplicate reused the id")
	}
	if copyBoard.Title != "Plans (copy)" {
		t.Fatalf("title = %q", copyBoard.Title)
	}
	if string(copyBoard.Content) != string(content) {
		t.Fatal("content not copied")
	}
	if copyBoard.IsPublic {
		t.Fatal("duplicate inherited public visibility")
	}
}

func TestSaveBoardContent(t *testing.T) {
	fake := newFakeStore()
	svc := newTestService(fake)
	owner := signedUpUser(t, svc, "ada@example.com", "Ada")
	viewer := signedUpUser(t, svc, "vic@example.com", "Vic")
	board := ownedBoard(t, svc, owner, "Plans")
	if _, err := svc.UpsertShare(context.Background(), owner, board.ID, "vic@example.com", "viewer"); err != nil {
		t.Fatalf("share: %v", err)
	}
	ctx := context.Background()
	snapshot := json.RawMessage(`{"store":{"shape:1":{}},"schema":{}}`)

	var domainErr *DomainError
	err := svc.SaveBoardContent(ctx, viewer, board.ID, snapshot)
	if !errors.As(err, &domainErr) || domainErr.Status != 403 {
		t.Fatalf("viewer save: got %v, want 403", err)
	}

	err = svc.SaveBoardContent(ctx, owner, board.ID, json.RawMessage(`{"junk":1}`))
	if !errors.As(err, &domainErr) || domainErr.Code != "INVALID_CONTENT" {
		t.Fatalf("bad envelope: got %v, want INVALID_CONTENT", err)
	}

	if err := svc.SaveBoardContent(ctx, owner, board.ID, snapshot); err != nil {
		t.Fatalf("save: %v", err)
	}
	if string(fake.boards[board.ID].Content) != string(snapshot) {
		t.Fatal("content not persisted")
	}
}

func TestAuthorizeChannelMapping(t *testing.T) {
	svc := newTestService(newFakeStore())
	owner := signedUpUser(t, svc, "ada@example.com", "Ada")
	board := ownedBoard(t, svc, owner, "Plans")
	ctx := context.Background()

	var domainErr *DomainError

	_, err := svc.AuthorizeChannel(ctx, owner, board.ID, "sock-1", "mystery-"+board.ID)
	if !errors.As(err, &domainErr) || domainErr.Status != 400 {
		t.Fatalf("malformed channel: got %v, want 400", err)
	}

	_, err = svc.AuthorizeChannel(ctx, owner, board.ID, "sock-1", "private-board-other")
	if !errors.As(err, &domainErr) || domainErr.Status != 403 {
		t.Fatalf("mismatched channel: got %v, want 403", err)
	}

	grant, err := svc.AuthorizeChannel(ctx, owner, board.ID, "sock-1", "presence-board-"+board.ID)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if grant.Auth == "" || grant.ChannelData == "" {
		t.Fatalf("grant = %+v", grant)
	}
}
