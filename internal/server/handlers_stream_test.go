package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tablecast/relay/internal/broadcast"
	"github.com/tablecast/relay/internal/identity"
)

const testStreamToken = "stream-token-1"

func seedResolver(t *testing.T, clock clockwork.Clock, id identity.Identity) *identity.Resolver {
	t.Helper()

	store := identity.NewMemoryStore(clock)
	require.NoError(t, store.Put(context.Background(), testStreamToken, id, time.Hour))
	return identity.NewResolver(store)
}

func TestHandleStream_UnknownToken(t *testing.T) {
	srv := newTestServer(t, &mockRegistry{})

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/events?token=nope", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := callHandler(srv.handleStream, c)

	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleStream_MissingToken(t *testing.T) {
	srv := newTestServer(t, &mockRegistry{})

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/events", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := callHandler(srv.handleStream, c)

	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleStream_AckAndDisconnect(t *testing.T) {
	clock := clockwork.NewFakeClock()
	broadcaster := broadcast.NewBroadcaster(clock)
	t.Cleanup(broadcaster.Stop)

	srv := newTestServer(t, &mockRegistry{},
		withBroadcaster(broadcaster),
		withResolver(seedResolver(t, clock, identity.Identity{UserID: "u1", GuildID: "g1"})),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/events?token="+testStreamToken, nil).WithContext(ctx)
	rec := newStreamRecorder()
	c := e.NewContext(req, rec)

	handlerDone := make(chan error, 1)
	go func() {
		handlerDone <- callHandler(srv.handleStream, c)
	}()

	// The acknowledgment frame is the first thing on the wire.
	require.Eventually(t, func() bool {
		return strings.Contains(rec.Body(), "event: connected")
	}, time.Second, 10*time.Millisecond)

	assert.Equal(t, http.StatusOK, rec.Status())
	assert.Equal(t, "text/event-stream", rec.Header().Get(echo.HeaderContentType))
	assert.Equal(t, "no-cache, no-transform", rec.Header().Get("Cache-Control"))

	ackData := rec.Body()
	ackData = ackData[strings.Index(ackData, "data: ")+len("data: "):]
	ackData = ackData[:strings.Index(ackData, "\n")]
	var ack map[string]any
	require.NoError(t, json.Unmarshal([]byte(ackData), &ack))
	assert.Equal(t, "ack", ack["type"])
	assert.Equal(t, "connected", ack["event"])

	// Client disconnect releases the handler and drops the connection.
	cancel()

	select {
	case err := <-handlerDone:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("stream handler did not return after disconnect")
	}

	require.Eventually(t, func() bool {
		return !broadcaster.HasUserConnection("u1")
	}, time.Second, 10*time.Millisecond)
}

func TestHandleStream_ReceivesGuildBroadcasts(t *testing.T) {
	clock := clockwork.NewFakeClock()
	broadcaster := broadcast.NewBroadcaster(clock)
	t.Cleanup(broadcaster.Stop)

	srv := newTestServer(t, &mockRegistry{},
		withBroadcaster(broadcaster),
		withResolver(seedResolver(t, clock, identity.Identity{UserID: "u1", GuildID: "g1"})),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/events?token="+testStreamToken, nil).WithContext(ctx)
	rec := newStreamRecorder()
	c := e.NewContext(req, rec)

	handlerDone := make(chan error, 1)
	go func() {
		handlerDone <- callHandler(srv.handleStream, c)
	}()

	require.Eventually(t, func() bool {
		return strings.Contains(rec.Body(), "event: connected")
	}, time.Second, 10*time.Millisecond)

	broadcaster.BroadcastToGuild("g1", "MESSAGE_CREATE", json.RawMessage(`{"guild_id":"g1","content":"roll 2d6"}`))
	broadcaster.BroadcastToGuild("g2", "MESSAGE_CREATE", json.RawMessage(`{"guild_id":"g2","content":"not ours"}`))

	require.Eventually(t, func() bool {
		return strings.Contains(rec.Body(), "event: MESSAGE_CREATE")
	}, time.Second, 10*time.Millisecond)
	assert.Contains(t, rec.Body(), "roll 2d6")
	assert.NotContains(t, rec.Body(), "not ours")

	cancel()
	select {
	case err := <-handlerDone:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("stream handler did not return after disconnect")
	}
}

func TestHandleStream_PingKeepsConnectionWarm(t *testing.T) {
	clock := clockwork.NewFakeClock()
	broadcaster := broadcast.NewBroadcaster(clock)
	t.Cleanup(broadcaster.Stop)

	srv := newTestServer(t, &mockRegistry{},
		withBroadcaster(broadcaster),
		withResolver(seedResolver(t, clock, identity.Identity{UserID: "u1", GuildID: "g1"})),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/events?token="+testStreamToken, nil).WithContext(ctx)
	rec := newStreamRecorder()
	c := e.NewContext(req, rec)

	handlerDone := make(chan error, 1)
	go func() {
		handlerDone <- callHandler(srv.handleStream, c)
	}()

	require.Eventually(t, func() bool {
		return strings.Contains(rec.Body(), "event: connected")
	}, time.Second, 10*time.Millisecond)

	clock.Advance(15 * time.Second)

	require.Eventually(t, func() bool {
		return strings.Contains(rec.Body(), ": ping")
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-handlerDone:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("stream handler did not return after disconnect")
	}
}
