package rooms

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/tablecast/relay/internal/correlation"
	"github.com/tablecast/relay/internal/metrics"
)

// GuildLister is the slice of the repository the cache needs.
type GuildLister interface {
	ListGuildIDs(ctx context.Context) ([]string, error)
}

// Cache holds the set of guilds with a registered room. The relay router
// consults it on every inbound dispatch, so membership checks must never
// touch the database; a background refresh keeps the set current.
type Cache struct {
	lister GuildLister
	clock  clockwork.Clock

	mu     sync.RWMutex
	guilds map[string]struct{}
}

func NewCache(lister GuildLister, clock clockwork.Clock) *Cache {
	return &Cache{
		lister: lister,
		clock:  clock,
		guilds: make(map[string]struct{}),
	}
}

// Contains reports whether the guild has a registered room.
func (c *Cache) Contains(guildID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.guilds[guildID]
	return ok
}

// Size returns the number of cached guilds.
func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.guilds)
}

// Add inserts a guild without waiting for the next refresh. Called when a
// room is registered through the API so its events flow immediately.
func (c *Cache) Add(guildID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.guilds[guildID] = struct{}{}
	metrics.RoomCacheSize.Set(float64(len(c.guilds)))
}

// Remove drops a guild without waiting for the next refresh.
func (c *Cache) Remove(guildID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.guilds, guildID)
	metrics.RoomCacheSize.Set(float64(len(c.guilds)))
}

// Refresh replaces the cached set with the repository's current state.
func (c *Cache) Refresh(ctx context.Context) error {
	ids, err := c.lister.ListGuildIDs(ctx)
	if err != nil {
		return err
	}

	next := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		next[id] = struct{}{}
	}

	c.mu.Lock()
	c.guilds = next
	c.mu.Unlock()

	metrics.RoomCacheSize.Set(float64(len(next)))
	slog.DebugContext(ctx, "Room cache refreshed", "guilds", len(next))
	return nil
}

// Run refreshes the cache on the given interval until ctx is cancelled. A
// failed refresh keeps the previous set; the next tick tries again.
func (c *Cache) Run(ctx context.Context, interval time.Duration) {
	ticker := c.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			tickCtx := correlation.WithID(ctx, correlation.NewID())
			if err := c.Refresh(tickCtx); err != nil {
				slog.WarnContext(tickCtx, "Room cache refresh failed", "error", err)
			}
		}
	}
}
