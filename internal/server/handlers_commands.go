package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/tablecast/relay/internal/correlation"
	"github.com/tablecast/relay/internal/dispatch"
	relayerrors "github.com/tablecast/relay/internal/errors"
	"github.com/tablecast/relay/internal/relay"
)

type commandMeta struct {
	RequestID string `json:"requestId,omitempty"`
	TraceID   string `json:"traceId,omitempty"`
}

type commandRequest struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	Meta    commandMeta     `json:"meta"`
}

type commandResponse struct {
	Status    string `json:"status"`
	RequestID string `json:"request_id"`
	TraceID   string `json:"trace_id"`
}

// handleEnqueueCommand serves POST /api/commands. Unknown command types are
// rejected before enqueue; a full queue surfaces as 429.
func (s *Server) handleEnqueueCommand(c echo.Context) error {
	var req commandRequest
	if err := c.Bind(&req); err != nil {
		return relayerrors.ValidationError("invalid command payload")
	}

	if req.Type == "" {
		return relayerrors.ValidationError("command type is required")
	}
	op, ok := relay.ResolveCommand(req.Type)
	if !ok {
		return relayerrors.ValidationError("unknown command type").
			WithContext("type", req.Type).
			WithContext("accepted", strings.Join(relay.CommandTypes(), ", "))
	}
	if len(req.Payload) == 0 {
		return relayerrors.ValidationError("command payload is required")
	}

	ctx := c.Request().Context()
	if req.Meta.TraceID != "" {
		ctx = correlation.WithID(ctx, req.Meta.TraceID)
	}

	env, err := s.queue.Enqueue(ctx, dispatch.Command{
		Type:    req.Type,
		Op:      op,
		Payload: req.Payload,
	}, req.Meta.RequestID)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusAccepted, commandResponse{
		Status:    "queued",
		RequestID: env.RequestID,
		TraceID:   env.TraceID,
	})
}
