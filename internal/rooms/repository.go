package rooms

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	relayerrors "github.com/tablecast/relay/internal/errors"
)

// Repository persists the room registry in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const roomColumns = "id, guild_id, channel_id, name, created_at, updated_at, last_active_at"

func scanRoom(row pgx.Row) (Room, error) {
	var r Room
	err := row.Scan(&r.ID, &r.GuildID, &r.ChannelID, &r.Name, &r.CreatedAt, &r.UpdatedAt, &r.LastActiveAt)
	return r, err
}

// List returns every registered room, newest first.
func (r *Repository) List(ctx context.Context) ([]Room, error) {
	rows, err := r.pool.Query(ctx,
		"SELECT "+roomColumns+" FROM rooms ORDER BY created_at DESC")
	if err != nil {
		return nil, relayerrors.DatabaseError("failed to list rooms", err)
	}
	defer rows.Close()

	var result []Room
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return nil, relayerrors.DatabaseError("failed to scan room", err)
		}
		result = append(result, room)
	}
	if err := rows.Err(); err != nil {
		return nil, relayerrors.DatabaseError("failed to read rooms", err)
	}
	return result, nil
}

// GetByGuild returns the room bound to a guild.
func (r *Repository) GetByGuild(ctx context.Context, guildID string) (Room, error) {
	room, err := scanRoom(r.pool.QueryRow(ctx,
		"SELECT "+roomColumns+" FROM rooms WHERE guild_id = $1", guildID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Room{}, relayerrors.NotFoundError("room not found").WithContext("guild_id", guildID)
	}
	if err != nil {
		return Room{}, relayerrors.DatabaseError("failed to get room", err)
	}
	return room, nil
}

// Upsert records a provisioned room, keyed by guild. Re-registering a guild
// updates its channel and name and refreshes last_active_at.
func (r *Repository) Upsert(ctx context.Context, guildID, channelID, name string) (Room, error) {
	room, err := scanRoom(r.pool.QueryRow(ctx, `
		INSERT INTO rooms (guild_id, channel_id, name)
		VALUES ($1, $2, $3)
		ON CONFLICT (guild_id) DO UPDATE
		SET channel_id = excluded.channel_id,
		    name = excluded.name,
		    updated_at = now(),
		    last_active_at = now()
		RETURNING `+roomColumns, guildID, channelID, name))
	if err != nil {
		return Room{}, relayerrors.DatabaseError("failed to upsert room", err)
	}
	return room, nil
}

// Delete removes a room record by id and returns the guild it was bound to,
// so callers can evict the guild from the room cache.
func (r *Repository) Delete(ctx context.Context, id uuid.UUID) (string, error) {
	var guildID string
	err := r.pool.QueryRow(ctx,
		"DELETE FROM rooms WHERE id = $1 RETURNING guild_id", id).Scan(&guildID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", relayerrors.NotFoundError("room not found").WithContext("room_id", id.String())
	}
	if err != nil {
		return "", relayerrors.DatabaseError("failed to delete room", err)
	}
	return guildID, nil
}

// Touch refreshes a room's activity timestamp. Called when events for its
// guild flow through the relay.
func (r *Repository) Touch(ctx context.Context, guildID string) error {
	if _, err := r.pool.Exec(ctx,
		"UPDATE rooms SET last_active_at = now() WHERE guild_id = $1", guildID); err != nil {
		return relayerrors.DatabaseError("failed to touch room", err)
	}
	return nil
}

// ListGuildIDs returns the guild ids of every registered room. Feeds the
// in-memory cache behind the router's guild filter.
func (r *Repository) ListGuildIDs(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, "SELECT guild_id FROM rooms")
	if err != nil {
		return nil, relayerrors.DatabaseError("failed to list guild ids", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, relayerrors.DatabaseError("failed to scan guild id", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, relayerrors.DatabaseError("failed to read guild ids", err)
	}
	return ids, nil
}

// Stale returns the rooms that a Prune with the same retention would delete,
// oldest first.
func (r *Repository) Stale(ctx context.Context, retention time.Duration) ([]Room, error) {
	rows, err := r.pool.Query(ctx,
		"SELECT "+roomColumns+" FROM rooms WHERE last_active_at < now() - $1::interval ORDER BY last_active_at",
		fmt.Sprintf("%d seconds", int64(retention.Seconds())))
	if err != nil {
		return nil, relayerrors.DatabaseError("failed to list stale rooms", err)
	}
	defer rows.Close()

	var result []Room
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return nil, relayerrors.DatabaseError("failed to scan room", err)
		}
		result = append(result, room)
	}
	if err := rows.Err(); err != nil {
		return nil, relayerrors.DatabaseError("failed to read stale rooms", err)
	}
	return result, nil
}

// Prune deletes rooms inactive for longer than retention and returns how
// many were removed. Used by the roomprune operator tool.
func (r *Repository) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		"DELETE FROM rooms WHERE last_active_at < now() - $1::interval",
		fmt.Sprintf("%d seconds", int64(retention.Seconds())))
	if err != nil {
		return 0, relayerrors.DatabaseError("failed to prune rooms", err)
	}
	return tag.RowsAffected(), nil
}
