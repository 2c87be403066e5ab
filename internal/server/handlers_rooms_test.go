package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	relayerrors "github.com/tablecast/relay/internal/errors"
	"github.com/tablecast/relay/internal/rooms"
)

func TestHandleListRooms(t *testing.T) {
	listed := []rooms.Room{
		{ID: uuid.New(), GuildID: "g1", ChannelID: "c1", Name: "dragon-lair", CreatedAt: time.Now()},
		{ID: uuid.New(), GuildID: "g2", ChannelID: "c2", Name: "tavern", CreatedAt: time.Now()},
	}
	registry := &mockRegistry{
		listFn: func(context.Context) ([]rooms.Room, error) { return listed, nil },
	}
	srv := newTestServer(t, registry)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/rooms", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := callHandler(srv.handleListRooms, c)

	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, rec.Code)

	var got []rooms.Room
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 2)
	assert.Equal(t, "dragon-lair", got[0].Name)
}

func TestHandleListRooms_Empty(t *testing.T) {
	srv := newTestServer(t, &mockRegistry{})

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/rooms", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := callHandler(srv.handleListRooms, c)

	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestHandleListRooms_StorageError(t *testing.T) {
	registry := &mockRegistry{
		listFn: func(context.Context) ([]rooms.Room, error) {
			return nil, relayerrors.DatabaseError("list rooms", nil)
		},
	}
	srv := newTestServer(t, registry)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/rooms", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := callHandler(srv.handleListRooms, c)

	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func newRegisterRoomContext(e *echo.Echo, body string) (echo.Context, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(http.MethodPost, "/api/rooms", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func TestHandleRegisterRoom(t *testing.T) {
	roomID := uuid.New()
	registry := &mockRegistry{
		upsertFn: func(_ context.Context, guildID, channelID, name string) (rooms.Room, error) {
			return rooms.Room{ID: roomID, GuildID: guildID, ChannelID: channelID, Name: name}, nil
		},
	}
	cache := &mockGuildCache{}
	srv := newTestServer(t, registry, withGuildCache(cache))

	e := echo.New()
	c, rec := newRegisterRoomContext(e, `{"guild_id":"g1","channel_id":"c1","name":"dragon-lair"}`)

	err := callHandler(srv.handleRegisterRoom, c)

	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, rec.Code)

	var got rooms.Room
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, roomID, got.ID)
	assert.Equal(t, "g1", got.GuildID)

	assert.Equal(t, []string{"g1"}, cache.added)
}

func TestHandleRegisterRoom_MissingFields(t *testing.T) {
	srv := newTestServer(t, &mockRegistry{})
	e := echo.New()

	cases := []struct {
		name string
		body string
		want string
	}{
		{"no guild", `{"channel_id":"c1","name":"n"}`, "guild_id is required"},
		{"no channel", `{"guild_id":"g1","name":"n"}`, "channel_id is required"},
		{"no name", `{"guild_id":"g1","channel_id":"c1"}`, "name is required"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, rec := newRegisterRoomContext(e, tc.body)

			err := callHandler(srv.handleRegisterRoom, c)

			require.NoError(t, err)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), tc.want)
		})
	}
}

func TestHandleDeleteRoom(t *testing.T) {
	roomID := uuid.New()
	registry := &mockRegistry{
		deleteFn: func(_ context.Context, id uuid.UUID) (string, error) {
			require.Equal(t, roomID, id)
			return "g1", nil
		},
	}
	cache := &mockGuildCache{}
	srv := newTestServer(t, registry, withGuildCache(cache))

	e := echo.New()
	req := httptest.NewRequest(http.MethodDelete, "/api/rooms/"+roomID.String(), nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(roomID.String())

	err := callHandler(srv.handleDeleteRoom, c)

	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"g1"}, cache.removed)
}

func TestHandleDeleteRoom_InvalidID(t *testing.T) {
	srv := newTestServer(t, &mockRegistry{})

	e := echo.New()
	req := httptest.NewRequest(http.MethodDelete, "/api/rooms/not-a-uuid", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("not-a-uuid")

	err := callHandler(srv.handleDeleteRoom, c)

	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid room id")
}

func TestHandleDeleteRoom_NotFound(t *testing.T) {
	registry := &mockRegistry{
		deleteFn: func(context.Context, uuid.UUID) (string, error) {
			return "", relayerrors.NotFoundError("room not found")
		},
	}
	cache := &mockGuildCache{}
	srv := newTestServer(t, registry, withGuildCache(cache))

	roomID := uuid.New()
	e := echo.New()
	req := httptest.NewRequest(http.MethodDelete, "/api/rooms/"+roomID.String(), nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(roomID.String())

	err := callHandler(srv.handleDeleteRoom, c)

	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Empty(t, cache.removed)
}
