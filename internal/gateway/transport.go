package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	relayerrors "github.com/tablecast/relay/internal/errors"
)

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second
)

// Conn is a single established gateway socket. ReadFrame blocks until a frame
// arrives or the connection dies. A malformed frame surfaces as a protocol
// error and leaves the connection usable.
type Conn interface {
	ReadFrame() (*Frame, error)
	WriteFrame(frame *Frame) error
	Close(code int, reason string) error
}

// Transport dials gateway connections. Injected so tests can run the client
// against an in-memory socket.
type Transport interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebsocketTransport dials real websocket connections.
type WebsocketTransport struct {
	dialer *websocket.Dialer
}

func NewWebsocketTransport() *WebsocketTransport {
	return &WebsocketTransport{
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		},
	}
}

func (t *WebsocketTransport) Dial(ctx context.Context, url string) (Conn, error) {
	conn, resp, err := t.dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, relayerrors.TransportError("gateway handshake rejected", err).
				WithContext("status", resp.StatusCode)
		}
		return nil, relayerrors.TransportError("gateway dial failed", err)
	}
	return &websocketConn{conn: conn}, nil
}

type websocketConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *websocketConn) ReadFrame() (*Frame, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) {
			return nil, &CloseError{Code: closeErr.Code, Reason: closeErr.Text}
		}
		return nil, relayerrors.TransportError("gateway read failed", err)
	}

	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, relayerrors.ProtocolError("malformed gateway frame", err)
	}
	return &frame, nil
}

func (c *websocketConn) WriteFrame(frame *Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return relayerrors.ProtocolError("marshal gateway frame", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return relayerrors.TransportError("set write deadline", err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return relayerrors.TransportError("gateway write failed", err)
	}
	return nil
}

func (c *websocketConn) Close(code int, reason string) error {
	c.writeMu.Lock()
	message := websocket.FormatCloseMessage(code, reason)
	deadline := time.Now().Add(time.Second)
	_ = c.conn.WriteControl(websocket.CloseMessage, message, deadline)
	c.writeMu.Unlock()

	return c.conn.Close()
}
