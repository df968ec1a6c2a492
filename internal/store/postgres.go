package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNoAccess is returned when a board exists but the user holds no
// capability on it. Callers surface it with the same status as "not found"
// so board existence is not revealed.
var ErrNoAccess = errors.New("no access to board")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ── Users ──

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, email, password_hash)
		VALUES ($1, $2, LOWER($3), $4)
	`, user.ID, user.DisplayName, user.Email, user.PasswordHash)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, password_hash, created_at
		FROM users WHERE email = LOWER($1)
	`, email).Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, password_hash, created_at
		FROM users WHERE id = $1
	`, userID).Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// GetUserByIdentifier resolves a share target by email or display name.
func (s *PostgresStore) GetUserByIdentifier(ctx context.Context, identifier string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, password_hash, created_at
		FROM users WHERE email = LOWER($1) OR display_name = $1
		LIMIT 1
	`, identifier).Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// ── Refresh sessions (Postgres fallback when Redis is not configured) ──

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	const query = `
		SELECT u.id, u.display_name, u.email
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`
	var user User
	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(&user.ID, &user.DisplayName, &user.Email)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

// ── Boards ──

func (s *PostgresStore) ListBoardsForUser(ctx context.Context, userID string) ([]BoardListing, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT b.id, b.title, b.description, b.owner_id, u.display_name,
		       b.is_public, b.public_slug, b.created_at, b.updated_at,
		       CASE WHEN b.owner_id = $1 THEN 'owner' ELSE sh.role END AS role
		FROM boards b
		JOIN users u ON u.id = b.owner_id
		LEFT JOIN board_shares sh ON sh.board_id = b.id AND sh.user_id = $1
		WHERE b.owner_id = $1 OR sh.user_id = $1
		ORDER BY b.updated_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list boards: %w", err)
	}
	defer rows.Close()

	items := make([]BoardListing, 0)
	for rows.Next() {
		var item BoardListing
		if err := rows.Scan(&item.ID, &item.Title, &item.Description, &item.OwnerID, &item.OwnerName,
			&item.IsPublic, &item.PublicSlug, &item.CreatedAt, &item.UpdatedAt, &item.Role); err != nil {
			return nil, fmt.Errorf("scan board: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate boards: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertBoard(ctx context.Context, item Board) error {
	content := item.Content
	if len(content) == 0 {
		content = json.RawMessage("null")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO boards (id, title, description, owner_id, content)
		VALUES ($1, $2, $3, $4, $5)
	`, item.ID, item.Title, item.Description, item.OwnerID, []byte(content))
	if err != nil {
		return fmt.Errorf("insert board: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetBoard(ctx context.Context, boardID string) (Board, error) {
	var item Board
	var content []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT b.id, b.title, b.description, b.owner_id, u.display_name,
		       b.content, b.is_public, b.public_slug, b.created_at, b.updated_at
		FROM boards b
		JOIN users u ON u.id = b.owner_id
		WHERE b.id = $1
	`, boardID).Scan(&item.ID, &item.Title, &item.Description, &item.OwnerID, &item.OwnerName,
		&content, &item.IsPublic, &item.PublicSlug, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Board{}, err
	}
	item.Content = json.RawMessage(content)
	return item, nil
}

func (s *PostgresStore) GetBoardByPublicSlug(ctx context.Context, slug string) (Board, error) {
	var item Board
	var content []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT b.id, b.title, b.description, b.owner_id, u.display_name,
		       b.content, b.is_public, b.public_slug, b.created_at, b.updated_at
		FROM boards b
		JOIN users u ON u.id = b.owner_id
		WHERE b.public_slug = $1 AND b.is_public
	`, slug).Scan(&item.ID, &item.Title, &item.Description, &item.OwnerID, &item.OwnerName,
		&content, &item.IsPublic, &item.PublicSlug, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Board{}, err
	}
	item.Content = json.RawMessage(content)
	return item, nil
}

func (s *PostgresStore) UpdateBoardTitle(ctx context.Context, boardID, title string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE boards SET title=$2, updated_at=NOW() WHERE id=$1
	`, boardID, title)
	if err != nil {
		return fmt.Errorf("update board title: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) DeleteBoard(ctx context.Context, boardID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM boards WHERE id=$1`, boardID)
	if err != nil {
		return fmt.Errorf("delete board: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// WriteBoardContent replaces the stored snapshot wholesale (last-write-wins,
// single-row atomic). It returns the board's current visibility so a
// flush that races a private→public toggle mirrors correctly.
func (s *PostgresStore) WriteBoardContent(ctx context.Context, boardID string, snapshot json.RawMessage) (isPublic bool, slug string, err error) {
	var publicSlug sql.NullString
	err = s.db.QueryRowContext(ctx, `
		UPDATE boards SET content=$2, updated_at=NOW()
		WHERE id=$1
		RETURNING is_public, public_slug
	`, boardID, []byte(snapshot)).Scan(&isPublic, &publicSlug)
	if err != nil {
		return false, "", fmt.Errorf("write board content: %w", err)
	}
	return isPublic, publicSlug.String, nil
}

func (s *PostgresStore) SetBoardVisibility(ctx context.Context, boardID string, isPublic bool, slug *string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE boards SET is_public=$2, public_slug=$3, updated_at=NOW() WHERE id=$1
	`, boardID, isPublic, slug)
	if err != nil {
		return fmt.Errorf("set board visibility: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ResolveCapability returns the caller's capability on a board: "owner" from
// ownership, otherwise the share row role. sql.ErrNoRows means the board does
// not exist; ErrNoAccess means it exists but the user holds nothing.
func (s *PostgresStore) ResolveCapability(ctx context.Context, boardID, userID string) (string, error) {
	var role sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT CASE WHEN b.owner_id = $2 THEN 'owner' ELSE sh.role END
		FROM boards b
		LEFT JOIN board_shares sh ON sh.board_id = b.id AND sh.user_id = $2
		WHERE b.id = $1
	`, boardID, userID).Scan(&role)
	if err != nil {
		return "", err
	}
	if !role.Valid || role.String == "" {
		return "", ErrNoAccess
	}
	return role.String, nil
}

// ── Shares ──

func (s *PostgresStore) UpsertShare(ctx context.Context, share BoardShare) (BoardShare, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO board_shares (id, board_id, user_id, role)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (board_id, user_id) DO UPDATE SET role=EXCLUDED.role
		RETURNING id, created_at
	`, share.ID, share.BoardID, share.UserID, share.Role).Scan(&share.ID, &share.CreatedAt)
	if err != nil {
		return BoardShare{}, fmt.Errorf("upsert share: %w", err)
	}
	return share, nil
}

func (s *PostgresStore) ListShares(ctx context.Context, boardID string) ([]BoardShare, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sh.id, sh.board_id, sh.user_id, sh.role, u.display_name, u.email, sh.created_at
		FROM board_shares sh
		JOIN users u ON u.id = sh.user_id
		WHERE sh.board_id = $1
		ORDER BY sh.created_at
	`, boardID)
	if err != nil {
		return nil, fmt.Errorf("list shares: %w", err)
	}
	defer rows.Close()

	items := make([]BoardShare, 0)
	for rows.Next() {
		var item BoardShare
		if err := rows.Scan(&item.ID, &item.BoardID, &item.UserID, &item.Role, &item.DisplayName, &item.Email, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan share: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate shares: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) DeleteShare(ctx context.Context, boardID, userID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM board_shares WHERE board_id=$1 AND user_id=$2`, boardID, userID)
	if err != nil {
		return fmt.Errorf("delete share: %w", err)
	}
	return nil
}
