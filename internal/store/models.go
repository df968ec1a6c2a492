package store

import (
	"encoding/json"
	"time"
)

type User struct {
	ID           string
	DisplayName  string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}

type Board struct {
	ID          string
	Title       string
	Description string
	OwnerID     string
	OwnerName   string
	Content     json.RawMessage
	IsPublic    bool
	PublicSlug  *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// BoardListing is a board row joined with the caller's capability on it.
type BoardListing struct {
	Board
	Role string
}

type BoardShare struct {
	ID          string
	BoardID     string
	UserID      string
	Role        string
	DisplayName string
	Email       string
	CreatedAt   time.Time
}
