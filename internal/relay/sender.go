package relay

import (
	"context"
	"log/slog"
	"sort"

	"github.com/tablecast/relay/internal/dispatch"
	"github.com/tablecast/relay/internal/gateway"
)

// commandOps maps caller-facing command types onto gateway opcodes. Unknown
// types are rejected at the API before enqueue.
var commandOps = map[string]int{
	"update_presence":      gateway.OpPresenceUpdate,
	"update_voice_state":   gateway.OpVoiceStateUpdate,
	"request_room_members": gateway.OpRequestGuildMembers,
}

// ResolveCommand returns the gateway opcode for a command type.
func ResolveCommand(commandType string) (int, bool) {
	op, ok := commandOps[commandType]
	return op, ok
}

// CommandTypes lists the accepted command types, sorted.
func CommandTypes() []string {
	types := make([]string, 0, len(commandOps))
	for t := range commandOps {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// FrameSender is the subset of the gateway client used by the sender.
type FrameSender interface {
	Send(ctx context.Context, op int, payload any) error
}

// CommandSender adapts the gateway client to the queue's dispatch contract:
// a clean write is sent, anything else is retry.
type CommandSender struct {
	gateway FrameSender
}

func NewCommandSender(gw FrameSender) *CommandSender {
	return &CommandSender{gateway: gw}
}

// Dispatch implements dispatch.Func.
func (s *CommandSender) Dispatch(ctx context.Context, env dispatch.Envelope) dispatch.Result {
	if err := s.gateway.Send(ctx, env.Command.Op, env.Command.Payload); err != nil {
		slog.WarnContext(ctx, "Command send failed",
			"command_type", env.Command.Type,
			"request_id", env.RequestID,
			"attempts", env.Attempts,
			"error", err,
		)
		return dispatch.ResultRetry
	}

	slog.DebugContext(ctx, "Command sent",
		"command_type", env.Command.Type,
		"request_id", env.RequestID,
	)
	return dispatch.ResultSent
}
