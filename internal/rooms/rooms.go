// Package rooms keeps the registry of provisioned rooms. A room maps one
// upstream guild onto a table; the relay only fans out events for guilds
// with a registered room. Provisioning against the upstream REST API happens
// outside this service — the registry records and serves the result.
package rooms

import (
	"time"

	"github.com/google/uuid"
)

// Room is one provisioned game room, bound to an upstream guild.
type Room struct {
	ID           uuid.UUID `json:"id"`
	GuildID      string    `json:"guild_id"`
	ChannelID    string    `json:"channel_id"`
	Name         string    `json:"name"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	LastActiveAt time.Time `json:"last_active_at"`
}
