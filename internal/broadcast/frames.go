package broadcast

import (
	"encoding/json"
	"fmt"
	"time"
)

// pingFrame is the comment keep-alive. Consumers must tolerate comment lines
// per the SSE protocol.
var pingFrame = []byte(": ping\n\n")

// ackPayload is the first frame every subscriber receives after registering.
type ackPayload struct {
	V     int    `json:"v"`
	Type  string `json:"type"`
	Event string `json:"event"`
	TS    int64  `json:"ts"`
}

func ackFrame(now time.Time) ([]byte, error) {
	data, err := json.Marshal(ackPayload{V: 1, Type: "ack", Event: "connected", TS: now.UnixMilli()})
	if err != nil {
		return nil, err
	}
	return eventFrame("connected", data), nil
}

// eventFrame formats a named SSE event: "event: <name>\ndata: <json>\n\n".
func eventFrame(name string, data []byte) []byte {
	return fmt.Appendf(nil, "event: %s\ndata: %s\n\n", name, data)
}

// dataFrame formats an unnamed SSE message: "data: <json>\n\n".
func dataFrame(data []byte) []byte {
	return fmt.Appendf(nil, "data: %s\n\n", data)
}
