package identity

import (
	"context"
	"time"
)

// Identity is the authenticated pair a stream token resolves to.
type Identity struct {
	UserID  string `json:"user_id"`
	GuildID string `json:"guild_id"`
}

// Store abstracts stream-token storage. The in-memory implementation serves
// single-instance mode; the Redis implementation lets the external session
// layer issue tokens from another process.
type Store interface {
	// Put records a token with a time-to-live.
	Put(ctx context.Context, token string, id Identity, ttl time.Duration) error
	// Get resolves a token. The boolean is false for unknown or expired
	// tokens; the error reports store failures only.
	Get(ctx context.Context, token string) (Identity, bool, error)
	// Delete revokes a token. Unknown tokens are a no-op.
	Delete(ctx context.Context, token string) error
}
