// Package store persists users and revoked token identifiers. Postgres backs
// production; the in-memory variants back tests and DSN-less deployments.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrUsernameTaken = errors.New("username already taken")
	ErrUserNotFound  = errors.New("user not found")
)

// User is one registered account. PasswordHash is a bcrypt digest, never the
// clear-text password.
type User struct {
	Username     string    `db:"username" json:"username"`
	PasswordHash string    `db:"password_hash" json:"-"`
	Role         string    `db:"role" json:"role"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// UserStore holds registered accounts.
type UserStore interface {
	// Create inserts a new user; ErrUsernameTaken on conflict.
	Create(ctx context.Context, u User) error
	// Get fetches a user by username; ErrUserNotFound when absent.
	Get(ctx context.Context, username string) (User, error)
	// Delete removes a user; ErrUserNotFound when absent.
	Delete(ctx context.Context, username string) error
	// List returns every user ordered by creation time.
	List(ctx context.Context) ([]User, error)
}

// RevocationStore tracks token ids invalidated before their natural expiry.
// Entries past their expiry may be pruned at any time.
type RevocationStore interface {
	// Revoke marks a token id unusable until expiresAt.
	Revoke(ctx context.Context, tokenID string, expiresAt time.Time) error
	// IsRevoked reports whether a token id is currently revoked.
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
}
