package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	relayerrors "github.com/tablecast/relay/internal/errors"
)

const sinkWriteTimeout = 10 * time.Second

// sseSink adapts an http.ResponseWriter to the broadcaster's sink contract:
// one call writes one complete SSE frame, flushed immediately, under a write
// deadline so a dead client cannot wedge its writer goroutine forever.
type sseSink struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

func newSSESink(w http.ResponseWriter) *sseSink {
	return &sseSink{w: w, rc: http.NewResponseController(w)}
}

func (s *sseSink) Write(p []byte) error {
	err := s.rc.SetWriteDeadline(time.Now().Add(sinkWriteTimeout))
	if err != nil && !errors.Is(err, http.ErrNotSupported) {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	if _, err := s.w.Write(p); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	if err := s.rc.Flush(); err != nil {
		return fmt.Errorf("failed to flush frame: %w", err)
	}
	return nil
}

// handleStream serves GET /events: resolves the stream token, registers the
// connection with the broadcaster, and blocks until the client goes away or
// the broadcaster drops the connection. The handler must not return before
// the connection's writer has exited — the ResponseWriter dies with the
// handler.
func (s *Server) handleStream(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := s.resolver.Resolve(ctx, c.QueryParam("token"))
	if err != nil {
		return err
	}

	header := c.Response().Header()
	header.Set(echo.HeaderContentType, "text/event-stream")
	header.Set("Cache-Control", "no-cache, no-transform")
	header.Set("X-Accel-Buffering", "no")
	c.Response().WriteHeader(http.StatusOK)

	reg, err := s.broadcaster.Register(id.UserID, id.GuildID, newSSESink(c.Response()))
	if err != nil {
		return relayerrors.InternalError("failed to register subscriber", err)
	}

	slog.InfoContext(ctx, "Subscriber stream opened",
		"connection_id", reg.ConnectionID.String(),
		"user_id", id.UserID,
		"guild_id", id.GuildID,
	)

	select {
	case <-ctx.Done():
		// Client went away; ask the broadcaster to drop the connection.
		s.broadcaster.Unregister(reg.ConnectionID)
	case <-reg.Closed():
		// Evicted or broadcaster shutdown.
	}

	// Wait for writer quiescence before releasing the ResponseWriter.
	<-reg.Closed()

	slog.InfoContext(ctx, "Subscriber stream closed",
		"connection_id", reg.ConnectionID.String(),
		"user_id", id.UserID,
	)
	return nil
}
