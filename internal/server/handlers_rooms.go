package server

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	relayerrors "github.com/tablecast/relay/internal/errors"
	"github.com/tablecast/relay/internal/rooms"
)

type registerRoomRequest struct {
	GuildID   string `json:"guild_id"`
	ChannelID string `json:"channel_id"`
	Name      string `json:"name"`
}

func (s *Server) handleListRooms(c echo.Context) error {
	listed, err := s.repo.List(c.Request().Context())
	if err != nil {
		return err
	}
	if listed == nil {
		listed = []rooms.Room{}
	}
	return c.JSON(http.StatusOK, listed)
}

// handleRegisterRoom records a room provisioned against the upstream REST
// API. The guild joins the cache immediately so its events flow without
// waiting for the next refresh tick.
func (s *Server) handleRegisterRoom(c echo.Context) error {
	var req registerRoomRequest
	if err := c.Bind(&req); err != nil {
		return relayerrors.ValidationError("invalid room payload")
	}
	if req.GuildID == "" {
		return relayerrors.ValidationError("guild_id is required")
	}
	if req.ChannelID == "" {
		return relayerrors.ValidationError("channel_id is required")
	}
	if req.Name == "" {
		return relayerrors.ValidationError("name is required")
	}

	room, err := s.repo.Upsert(c.Request().Context(), req.GuildID, req.ChannelID, req.Name)
	if err != nil {
		return err
	}
	s.cache.Add(room.GuildID)

	return c.JSON(http.StatusCreated, room)
}

func (s *Server) handleDeleteRoom(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return relayerrors.ValidationError("invalid room id")
	}

	guildID, err := s.repo.Delete(c.Request().Context(), id)
	if err != nil {
		return err
	}
	s.cache.Remove(guildID)

	return c.NoContent(http.StatusNoContent)
}
