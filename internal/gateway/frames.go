package gateway

import (
	"encoding/json"
	"fmt"
)

// Opcodes of the upstream push protocol.
const (
	OpDispatch       = 0
	OpHeartbeat      = 1
	OpIdentify       = 2
	OpResume         = 6
	OpReconnect      = 7
	OpInvalidSession = 9
	OpHello          = 10
	OpHeartbeatAck   = 11
)

// Opcodes for outbound commands relayed on behalf of downstream callers.
const (
	OpPresenceUpdate      = 3
	OpVoiceStateUpdate    = 4
	OpRequestGuildMembers = 8
)

// Dispatch event names the client intercepts itself; everything else is
// forwarded to the event sink.
const (
	EventReady   = "READY"
	EventResumed = "RESUMED"
)

// Close codes the upstream sends for authentication or protocol violations.
// Reconnecting after one of these would fail the same way forever.
var nonRecoverableCloseCodes = map[int]bool{
	4004: true, // authentication failed
	4010: true, // invalid shard
	4011: true, // sharding required
	4012: true, // invalid API version
	4013: true, // invalid intents
	4014: true, // disallowed intents
}

const (
	closeCodeNormal         = 1000
	closeCodeServiceRestart = 1012
)

// Frame is the JSON envelope every gateway message travels in.
type Frame struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d,omitempty"`
	S  *int64          `json:"s,omitempty"`
	T  string          `json:"t,omitempty"`
}

func newFrame(op int, d any) (*Frame, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("marshal frame payload: %w", err)
	}
	return &Frame{Op: op, D: raw}, nil
}

type helloData struct {
	HeartbeatInterval int64 `json:"heartbeat_interval"`
}

type identifyProperties struct {
	OS      string `json:"os"`
	Browser string `json:"browser"`
	Device  string `json:"device"`
}

type identifyData struct {
	Token      string             `json:"token"`
	Intents    int                `json:"intents"`
	Properties identifyProperties `json:"properties"`
}

type resumeData struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Seq       int64  `json:"seq"`
}

type readyData struct {
	SessionID        string `json:"session_id"`
	ResumeGatewayURL string `json:"resume_gateway_url"`
}

// CloseError reports a close handshake received from the upstream.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("gateway closed connection: code %d: %s", e.Code, e.Reason)
}
