package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tablecast/relay/internal/dispatch"
	"github.com/tablecast/relay/internal/gateway"
)

type sentFrame struct {
	op      int
	payload string
}

// fakeFrameSender records sends and fails while err is armed.
type fakeFrameSender struct {
	mu    sync.Mutex
	sends []sentFrame
	err   error
}

func (f *fakeFrameSender) Send(_ context.Context, op int, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	raw, _ := json.Marshal(payload)
	f.sends = append(f.sends, sentFrame{op: op, payload: string(raw)})
	return nil
}

func (f *fakeFrameSender) recorded() []sentFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentFrame(nil), f.sends...)
}

func TestResolveCommand(t *testing.T) {
	tests := []struct {
		commandType string
		wantOp      int
		wantKnown   bool
	}{
		{"update_presence", gateway.OpPresenceUpdate, true},
		{"update_voice_state", gateway.OpVoiceStateUpdate, true},
		{"request_room_members", gateway.OpRequestGuildMembers, true},
		{"drop_table", 0, false},
		{"", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.commandType, func(t *testing.T) {
			op, ok := ResolveCommand(tt.commandType)
			assert.Equal(t, tt.wantKnown, ok)
			assert.Equal(t, tt.wantOp, op)
		})
	}
}

func TestCommandTypesSorted(t *testing.T) {
	assert.Equal(t, []string{"request_room_members", "update_presence", "update_voice_state"}, CommandTypes())
}

func TestCommandSenderReportsSent(t *testing.T) {
	gw := &fakeFrameSender{}
	sender := NewCommandSender(gw)

	env := dispatch.Envelope{
		Command: dispatch.Command{
			Type:    "update_presence",
			Op:      gateway.OpPresenceUpdate,
			Payload: json.RawMessage(`{"status":"online"}`),
		},
		RequestID: "req-1",
	}

	result := sender.Dispatch(context.Background(), env)

	assert.Equal(t, dispatch.ResultSent, result)
	require.Len(t, gw.recorded(), 1)
	assert.Equal(t, sentFrame{op: gateway.OpPresenceUpdate, payload: `{"status":"online"}`}, gw.recorded()[0])
}

func TestCommandSenderReportsRetryOnSendFailure(t *testing.T) {
	gw := &fakeFrameSender{err: errors.New("not connected")}
	sender := NewCommandSender(gw)

	env := dispatch.Envelope{
		Command: dispatch.Command{
			Type:    "request_room_members",
			Op:      gateway.OpRequestGuildMembers,
			Payload: json.RawMessage(`{"guild_id":"guild-1"}`),
		},
		RequestID: "req-2",
	}

	result := sender.Dispatch(context.Background(), env)

	assert.Equal(t, dispatch.ResultRetry, result)
	assert.Empty(t, gw.recorded())
}
