package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tablecast/relay/internal/gateway"
	"github.com/tablecast/relay/internal/metrics"
)

type mapFilter map[string]bool

func (f mapFilter) Contains(guildID string) bool { return f[guildID] }

type routedEvent struct {
	event   string
	guildID string
	payload string
}

// recordingListener collects routed events and can be armed to fail.
type recordingListener struct {
	mu     sync.Mutex
	events []routedEvent
	err    error
}

func (l *recordingListener) OnEvent(_ context.Context, event, guildID string, payload json.RawMessage) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	l.events = append(l.events, routedEvent{event: event, guildID: guildID, payload: string(payload)})
	return nil
}

func (l *recordingListener) recorded() []routedEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]routedEvent(nil), l.events...)
}

func TestRouterRoutesEventToAllListeners(t *testing.T) {
	router := NewRouter(mapFilter{"guild-1": true})

	first := &recordingListener{}
	second := &recordingListener{}
	router.AddListener(first)
	router.AddListener(second)

	payload := json.RawMessage(`{"guild_id":"guild-1","board":"b1"}`)
	router.OnDispatch(context.Background(), "game_update", 7, payload)

	want := []routedEvent{{event: "game_update", guildID: "guild-1", payload: string(payload)}}
	assert.Equal(t, want, first.recorded())
	assert.Equal(t, want, second.recorded())
}

func TestRouterDropsEventsForUnregisteredGuilds(t *testing.T) {
	filteredBefore := testutil.ToFloat64(metrics.RelayEventsTotal.WithLabelValues("filtered"))

	router := NewRouter(mapFilter{"guild-1": true})
	listener := &recordingListener{}
	router.AddListener(listener)

	router.OnDispatch(context.Background(), "game_update", 1, json.RawMessage(`{"guild_id":"guild-other"}`))

	assert.Empty(t, listener.recorded())
	assert.Equal(t, filteredBefore+1, testutil.ToFloat64(metrics.RelayEventsTotal.WithLabelValues("filtered")))
}

func TestRouterDropsUnparseablePayloads(t *testing.T) {
	unparsedBefore := testutil.ToFloat64(metrics.RelayEventsTotal.WithLabelValues("unparsed"))

	router := NewRouter(mapFilter{"guild-1": true})
	listener := &recordingListener{}
	router.AddListener(listener)

	// Not an object, and an object without a guild.
	router.OnDispatch(context.Background(), "game_update", 1, json.RawMessage(`[1,2,3]`))
	router.OnDispatch(context.Background(), "game_update", 2, json.RawMessage(`{"board":"b1"}`))

	assert.Empty(t, listener.recorded())
	assert.Equal(t, unparsedBefore+2, testutil.ToFloat64(metrics.RelayEventsTotal.WithLabelValues("unparsed")))
}

func TestRouterListenerFailureDoesNotStopFanout(t *testing.T) {
	errorsBefore := testutil.ToFloat64(metrics.RelayListenerErrorsTotal)

	router := NewRouter(mapFilter{"guild-1": true})
	broken := &recordingListener{err: errors.New("listener down")}
	healthy := &recordingListener{}
	router.AddListener(broken)
	router.AddListener(healthy)

	router.OnDispatch(context.Background(), "game_update", 3, json.RawMessage(`{"guild_id":"guild-1"}`))

	require.Len(t, healthy.recorded(), 1)
	assert.Empty(t, broken.recorded())
	assert.Equal(t, errorsBefore+1, testutil.ToFloat64(metrics.RelayListenerErrorsTotal))
}

func TestRouterNilFilterForwardsParseableEvents(t *testing.T) {
	router := NewRouter(nil)
	listener := &recordingListener{}
	router.AddListener(listener)

	router.OnDispatch(context.Background(), "game_update", 1, json.RawMessage(`{"guild_id":"anything"}`))

	require.Len(t, listener.recorded(), 1)
	assert.Equal(t, "anything", listener.recorded()[0].guildID)
}

func TestRouterStateChangeFanout(t *testing.T) {
	router := NewRouter(nil)

	var mu sync.Mutex
	var transitions []string
	router.AddStateListener(func(previous, current gateway.ConnectionState) {
		mu.Lock()
		defer mu.Unlock()
		transitions = append(transitions, string(previous)+"->"+string(current))
	})
	router.AddStateListener(func(previous, current gateway.ConnectionState) {
		mu.Lock()
		defer mu.Unlock()
		transitions = append(transitions, "second:"+string(current))
	})

	router.OnStateChange(gateway.StateIdentifying, gateway.StateConnected)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"identifying->connected", "second:connected"}, transitions)
}

type countingReadier struct {
	mu    sync.Mutex
	calls int
}

func (r *countingReadier) MarkReady() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
}

func (r *countingReadier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func TestMarkReadyOnConnected(t *testing.T) {
	readier := &countingReadier{}
	listener := MarkReadyOnConnected(readier)

	listener(gateway.StateDisconnected, gateway.StateConnecting)
	listener(gateway.StateConnecting, gateway.StateIdentifying)
	assert.Equal(t, 0, readier.count())

	listener(gateway.StateIdentifying, gateway.StateConnected)
	assert.Equal(t, 1, readier.count())

	listener(gateway.StateConnected, gateway.StateReconnecting)
	assert.Equal(t, 1, readier.count())

	listener(gateway.StateIdentifying, gateway.StateConnected)
	assert.Equal(t, 2, readier.count())
}

type recordingGuildBroadcaster struct {
	mu     sync.Mutex
	events []routedEvent
}

func (b *recordingGuildBroadcaster) BroadcastToGuild(guildID, event string, payload json.RawMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, routedEvent{event: event, guildID: guildID, payload: string(payload)})
}

func TestBroadcastListenerBridgesEvents(t *testing.T) {
	broadcaster := &recordingGuildBroadcaster{}
	listener := NewBroadcastListener(broadcaster)

	payload := json.RawMessage(`{"guild_id":"guild-1","turn":4}`)
	require.NoError(t, listener.OnEvent(context.Background(), "turn_advanced", "guild-1", payload))

	broadcaster.mu.Lock()
	defer broadcaster.mu.Unlock()
	require.Len(t, broadcaster.events, 1)
	assert.Equal(t, routedEvent{event: "turn_advanced", guildID: "guild-1", payload: string(payload)}, broadcaster.events[0])
}
