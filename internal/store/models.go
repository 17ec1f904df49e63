package store

import (
	"errors"
	"time"
)

var ErrNotFound = errors.New("not found")

type User struct {
	ID    string `json:"id"`
	Login string `json:"login"`
	Name  string `json:"name"`
}

// Session binds an API token to a user and the remote credential used on
// their behalf. Only the token hash is stored.
type Session struct {
	TokenHash  string
	User       User
	Credential string
	ExpiresAt  time.Time
}

// Preferences is the per-user, per-repository view state restored when a
// workspace is opened.
type Preferences struct {
	UserID          string    `json:"userId"`
	Repo            string    `json:"repo"`
	ExpandedFolders []string  `json:"expandedFolders"`
	LastOpenedFile  string    `json:"lastOpenedFile"`
	UpdatedAt       time.Time `json:"updatedAt"`
}
