package identity

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_PutGet(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := NewMemoryStore(clock)
	ctx := context.Background()

	want := Identity{UserID: "user-1", GuildID: "guild-1"}
	require.NoError(t, store.Put(ctx, "tok", want, time.Minute))

	got, ok, err := store.Get(ctx, "tok")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, want, got)
}

func TestMemoryStore_UnknownTokenIsAMiss(t *testing.T) {
	store := NewMemoryStore(clockwork.NewFakeClock())

	_, ok, err := store.Get(context.Background(), "nope")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStore_ExpiredTokenIsAMiss(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := NewMemoryStore(clock)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "tok", Identity{UserID: "u"}, time.Minute))

	clock.Advance(time.Minute + time.Second)

	_, ok, err := store.Get(ctx, "tok")
	require.NoError(t, err)
	assert.False(t, ok)

	// Expired entries linger until eviction runs.
	assert.Equal(t, 1, store.Size())
	assert.Equal(t, 1, store.EvictExpired())
	assert.Equal(t, 0, store.Size())
}

func TestMemoryStore_Delete(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := NewMemoryStore(clock)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "tok", Identity{UserID: "u"}, time.Minute))
	require.NoError(t, store.Delete(ctx, "tok"))

	_, ok, err := store.Get(ctx, "tok")
	require.NoError(t, err)
	assert.False(t, ok)

	// Deleting again is a no-op.
	require.NoError(t, store.Delete(ctx, "tok"))
}

func TestMemoryStore_EvictionTimer(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := NewMemoryStore(clock)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "tok", Identity{UserID: "u"}, time.Minute))

	stop := store.StartEvictionTimer(30 * time.Second)
	defer stop()

	clock.Advance(2 * time.Minute)

	// The eviction goroutine runs off the fake clock tick; poll for it.
	deadline := time.Now().Add(time.Second)
	for store.Size() > 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	assert.Equal(t, 0, store.Size())
}
