package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"runtime"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/tablecast/relay/internal/correlation"
	relayerrors "github.com/tablecast/relay/internal/errors"
	"github.com/tablecast/relay/internal/metrics"
)

// ConnectionState describes where the client is in its connection lifecycle.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateIdentifying  ConnectionState = "identifying"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
)

func (s ConnectionState) metricValue() float64 {
	switch s {
	case StateConnecting:
		return 1
	case StateIdentifying:
		return 2
	case StateConnected:
		return 3
	case StateReconnecting:
		return 4
	default:
		return 0
	}
}

// Session is the resumable identity of a gateway connection. Sequence only
// counts once HasSequence is set; before that the upstream has not numbered
// any dispatch yet.
type Session struct {
	ID          string
	Sequence    int64
	HasSequence bool
	ResumeURL   string
}

func (s Session) canResume() bool {
	return s.ID != "" && s.HasSequence
}

// EventSink receives dispatch events and state transitions. Both callbacks
// run on the client's internal goroutine and must not block.
type EventSink interface {
	OnDispatch(ctx context.Context, event string, seq int64, payload json.RawMessage)
	OnStateChange(previous, current ConnectionState)
}

// Config carries the gateway endpoint and identify credentials.
type Config struct {
	URL     string
	Token   string
	Intents int
}

const (
	commandChannelSize   = 64
	commandTimeout       = 5 * time.Second
	closeTimeout         = 10 * time.Second
	dialTimeout          = 15 * time.Second
	maxReconnectAttempts = 5
	baseReconnectDelay   = 1 * time.Second
	maxReconnectDelay    = 16 * time.Second

	// Invalid sessions are re-identified after a uniform random delay between
	// one and five seconds.
	invalidSessionDelayMin    = 1 * time.Second
	invalidSessionDelaySpread = 4 * time.Second
)

// Command types processed by the client goroutine.
type clientCmd interface {
	isClientCmd()
}

type baseClientCmd struct{}

func (baseClientCmd) isClientCmd() {}

type connectCmd struct{ baseClientCmd }

type disconnectCmd struct {
	baseClientCmd
	replyChannel chan struct{}
}

type sendCmd struct {
	baseClientCmd
	frame        *Frame
	replyChannel chan error
}

type stateQueryCmd struct {
	baseClientCmd
	replyChannel chan ConnectionState
}

type sessionQueryCmd struct {
	baseClientCmd
	replyChannel chan Session
}

type dialResultCmd struct {
	baseClientCmd
	gen  int
	conn Conn
	err  error
}

type frameCmd struct {
	baseClientCmd
	gen   int
	frame *Frame
}

type readErrorCmd struct {
	baseClientCmd
	gen int
	err error
}

type closeCmd struct {
	baseClientCmd
	replyChannel chan struct{}
}

// Client maintains the single persistent gateway connection. One goroutine
// owns all connection state; public methods talk to it over a command
// channel and never touch the state directly.
type Client struct {
	cfg       Config
	transport Transport
	sink      EventSink
	clock     clockwork.Clock

	cmdCh chan clientCmd
	done  chan struct{}

	// Owned by run(). connGen increments on every teardown so frames and
	// errors from an abandoned connection are recognized and dropped.
	state             ConnectionState
	session           Session
	conn              Conn
	connGen           int
	heartbeatTicker   clockwork.Ticker
	heartbeatAcked    bool
	heartbeatSentAt   time.Time
	reconnectAttempts int
	reconnectTimer    clockwork.Timer
	identifyTimer     clockwork.Timer
}

// NewClient creates a gateway client and starts its run goroutine. The
// client stays disconnected until Connect is called.
func NewClient(cfg Config, transport Transport, sink EventSink, clock clockwork.Clock) *Client {
	c := &Client{
		cfg:       cfg,
		transport: transport,
		sink:      sink,
		clock:     clock,
		cmdCh:     make(chan clientCmd, commandChannelSize),
		done:      make(chan struct{}),
		state:     StateDisconnected,
	}

	go c.run()
	return c
}

// Connect asks the client to open the gateway connection. The request is a
// no-op unless the client is disconnected; the dial itself happens
// asynchronously on the client goroutine.
func (c *Client) Connect() {
	c.post(connectCmd{})
}

// Disconnect closes the connection with a normal closure, cancels every
// scheduled timer, and waits for the client to reach the disconnected
// state. The client stays usable; a later Connect starts fresh.
func (c *Client) Disconnect() {
	cmd := disconnectCmd{replyChannel: make(chan struct{}, 1)}
	if !c.post(cmd) {
		return
	}

	timer := c.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case <-cmd.replyChannel:
	case <-timer.Chan():
		slog.Warn("Gateway disconnect timed out")
	}
}

// Send writes a command frame to the gateway. It fails with a transport
// error unless the client is connected.
func (c *Client) Send(ctx context.Context, op int, payload any) error {
	frame, err := newFrame(op, payload)
	if err != nil {
		return relayerrors.ProtocolError("encode gateway command", err)
	}

	cmd := sendCmd{frame: frame, replyChannel: make(chan error, 1)}
	if !c.post(cmd) {
		return relayerrors.TransportError("gateway client closed", nil)
	}

	timer := c.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case err := <-cmd.replyChannel:
		return err
	case <-ctx.Done():
		return relayerrors.TransportError("gateway send cancelled", ctx.Err())
	case <-timer.Chan():
		return relayerrors.TransportError("gateway send timed out", nil)
	}
}

// State reports the current connection state.
func (c *Client) State() ConnectionState {
	cmd := stateQueryCmd{replyChannel: make(chan ConnectionState, 1)}
	if !c.post(cmd) {
		return StateDisconnected
	}

	timer := c.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case state := <-cmd.replyChannel:
		return state
	case <-timer.Chan():
		slog.Warn("Gateway state query timed out")
		return StateDisconnected
	}
}

// CurrentSession returns a copy of the session identity.
func (c *Client) CurrentSession() Session {
	cmd := sessionQueryCmd{replyChannel: make(chan Session, 1)}
	if !c.post(cmd) {
		return Session{}
	}

	timer := c.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case session := <-cmd.replyChannel:
		return session
	case <-timer.Chan():
		slog.Warn("Gateway session query timed out")
		return Session{}
	}
}

// Close disconnects and stops the client goroutine for good.
func (c *Client) Close() {
	cmd := closeCmd{replyChannel: make(chan struct{}, 1)}
	if !c.post(cmd) {
		return
	}

	timer := c.clock.NewTimer(closeTimeout)
	defer timer.Stop()

	select {
	case <-c.done:
	case <-timer.Chan():
		slog.Error("Gateway client did not stop within timeout")
	}
}

func (c *Client) post(cmd clientCmd) bool {
	select {
	case c.cmdCh <- cmd:
		return true
	case <-c.done:
		return false
	}
}

func (c *Client) run() {
	// Panic recovery wrapper
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Gateway client panic recovered", "panic", r)
			c.teardown(closeCodeNormal)
		}
	}()

	defer close(c.done)

	for {
		// Timer channels are re-derived every iteration; a nil channel
		// blocks forever, so inactive timers simply drop out of the select.
		var heartbeatCh, reconnectCh, identifyCh <-chan time.Time
		if c.heartbeatTicker != nil {
			heartbeatCh = c.heartbeatTicker.Chan()
		}
		if c.reconnectTimer != nil {
			reconnectCh = c.reconnectTimer.Chan()
		}
		if c.identifyTimer != nil {
			identifyCh = c.identifyTimer.Chan()
		}

		select {
		case cmd := <-c.cmdCh:
			switch cmd := cmd.(type) {
			case connectCmd:
				c.handleConnect()
			case disconnectCmd:
				c.handleDisconnect()
				cmd.replyChannel <- struct{}{}
			case sendCmd:
				cmd.replyChannel <- c.handleSend(cmd.frame)
			case stateQueryCmd:
				cmd.replyChannel <- c.state
			case sessionQueryCmd:
				cmd.replyChannel <- c.session
			case dialResultCmd:
				c.handleDialResult(cmd)
			case frameCmd:
				if cmd.gen == c.connGen {
					c.handleFrame(cmd.frame)
				}
			case readErrorCmd:
				if cmd.gen == c.connGen {
					c.handleTransportFailure(cmd.err)
				}
			case closeCmd:
				c.handleDisconnect()
				cmd.replyChannel <- struct{}{}
				slog.Info("Gateway client stopped")
				return
			default:
				slog.Warn("Gateway client received unknown command type", "command_type", fmt.Sprintf("%T", cmd))
			}

		case <-heartbeatCh:
			c.handleHeartbeatTick()

		case <-reconnectCh:
			c.reconnectTimer = nil
			if c.state == StateReconnecting {
				c.startDial()
			}

		case <-identifyCh:
			c.identifyTimer = nil
			if c.conn != nil {
				c.sendIdentify()
			}
		}
	}
}

func (c *Client) handleConnect() {
	if c.state != StateDisconnected {
		slog.Debug("Connect ignored", "state", string(c.state))
		return
	}
	c.startDial()
}

func (c *Client) handleDisconnect() {
	c.teardown(closeCodeNormal)
	c.setState(StateDisconnected)
}

func (c *Client) handleSend(frame *Frame) error {
	if c.state != StateConnected || c.conn == nil {
		return relayerrors.TransportError("gateway not connected", nil).
			WithContext("state", string(c.state))
	}
	if err := c.conn.WriteFrame(frame); err != nil {
		c.handleTransportFailure(err)
		return err
	}
	return nil
}

// startDial opens a fresh connection attempt. The dial runs off the client
// goroutine so commands and queries stay responsive while the handshake is
// in flight.
func (c *Client) startDial() {
	c.setState(StateConnecting)
	c.connGen++
	gen := c.connGen

	url := c.cfg.URL
	if c.session.ResumeURL != "" {
		url = c.session.ResumeURL
	}

	slog.Info("Dialing gateway", "url", url, "attempt", c.reconnectAttempts)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
		defer cancel()

		conn, err := c.transport.Dial(ctx, url)
		if !c.post(dialResultCmd{gen: gen, conn: conn, err: err}) && conn != nil {
			_ = conn.Close(closeCodeNormal, "")
		}
	}()
}

func (c *Client) handleDialResult(cmd dialResultCmd) {
	if cmd.gen != c.connGen {
		if cmd.conn != nil {
			_ = cmd.conn.Close(closeCodeNormal, "")
		}
		return
	}

	if cmd.err != nil {
		slog.Warn("Gateway dial failed", "error", cmd.err)
		c.scheduleReconnect()
		return
	}

	c.conn = cmd.conn
	c.setState(StateIdentifying)
	go c.readLoop(cmd.gen, cmd.conn)
}

// readLoop pumps frames from one connection into the client goroutine. It
// exits on the first transport error; malformed frames are dropped without
// killing the connection.
func (c *Client) readLoop(gen int, conn Conn) {
	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			if relayerrors.IsType(err, relayerrors.TypeProtocol) {
				slog.Warn("Dropping malformed gateway frame", "error", err)
				metrics.GatewayFramesDropped.Inc()
				continue
			}
			c.post(readErrorCmd{gen: gen, err: err})
			return
		}
		if !c.post(frameCmd{gen: gen, frame: frame}) {
			return
		}
	}
}

func (c *Client) handleFrame(frame *Frame) {
	switch frame.Op {
	case OpDispatch:
		c.handleDispatch(frame)
	case OpHello:
		c.handleHello(frame)
	case OpHeartbeat:
		// The upstream may request an immediate heartbeat outside the
		// regular cadence.
		c.sendHeartbeat()
	case OpHeartbeatAck:
		if !c.heartbeatAcked {
			c.heartbeatAcked = true
			metrics.GatewayHeartbeatLatency.Observe(c.clock.Since(c.heartbeatSentAt).Seconds())
		}
	case OpReconnect:
		slog.Info("Gateway requested reconnect")
		c.teardown(closeCodeServiceRestart)
		c.scheduleReconnect()
	case OpInvalidSession:
		c.handleInvalidSession()
	default:
		slog.Warn("Dropping frame with unknown opcode", "op", frame.Op)
		metrics.GatewayFramesDropped.Inc()
	}
}

func (c *Client) handleHello(frame *Frame) {
	var hello helloData
	if err := json.Unmarshal(frame.D, &hello); err != nil {
		slog.Warn("Dropping malformed hello frame", "error", err)
		metrics.GatewayFramesDropped.Inc()
		return
	}
	if hello.HeartbeatInterval <= 0 {
		slog.Warn("Dropping hello without usable heartbeat interval", "interval_ms", hello.HeartbeatInterval)
		metrics.GatewayFramesDropped.Inc()
		return
	}

	interval := time.Duration(hello.HeartbeatInterval) * time.Millisecond
	if c.heartbeatTicker != nil {
		c.heartbeatTicker.Stop()
	}
	c.heartbeatTicker = c.clock.NewTicker(interval)
	c.heartbeatAcked = true
	slog.Info("Gateway hello received", "heartbeat_interval", interval)

	if c.session.canResume() {
		c.sendResume()
	} else {
		c.sendIdentify()
	}
}

func (c *Client) handleDispatch(frame *Frame) {
	if frame.S != nil {
		c.session.Sequence = *frame.S
		c.session.HasSequence = true
		metrics.GatewaySequence.Set(float64(*frame.S))
	}
	metrics.GatewayEventsTotal.WithLabelValues(frame.T).Inc()

	switch frame.T {
	case EventReady:
		var ready readyData
		if err := json.Unmarshal(frame.D, &ready); err != nil {
			slog.Error("Malformed ready payload", "error", err)
			metrics.GatewayFramesDropped.Inc()
			return
		}
		c.session.ID = ready.SessionID
		c.session.ResumeURL = ready.ResumeGatewayURL
		c.reconnectAttempts = 0
		slog.Info("Gateway session established", "session_id", ready.SessionID)
		c.setState(StateConnected)

	case EventResumed:
		c.reconnectAttempts = 0
		slog.Info("Gateway session resumed", "session_id", c.session.ID)
		c.setState(StateConnected)

	default:
		ctx := correlation.WithID(context.Background(), correlation.NewID())
		var seq int64
		if frame.S != nil {
			seq = *frame.S
		}
		c.sink.OnDispatch(ctx, frame.T, seq, frame.D)
	}
}

// handleInvalidSession clears the session and schedules a fresh identify on
// the existing connection. The delay is randomized so a fleet of relays does
// not re-identify in lockstep.
func (c *Client) handleInvalidSession() {
	slog.Warn("Gateway session invalidated")
	c.session = Session{}
	metrics.GatewaySequence.Set(0)

	if c.identifyTimer != nil {
		c.identifyTimer.Stop()
	}
	delay := invalidSessionDelayMin + time.Duration(rand.Int63n(int64(invalidSessionDelaySpread)+1))
	c.identifyTimer = c.clock.NewTimer(delay)
	slog.Info("Scheduling fresh identify", "delay", delay)
}

func (c *Client) handleHeartbeatTick() {
	if c.conn == nil {
		return
	}
	if !c.heartbeatAcked {
		slog.Warn("Heartbeat not acknowledged, reconnecting")
		c.teardown(closeCodeServiceRestart)
		c.scheduleReconnect()
		return
	}

	c.heartbeatAcked = false
	c.heartbeatSentAt = c.clock.Now()
	c.sendHeartbeat()
}

func (c *Client) sendHeartbeat() {
	var seq *int64
	if c.session.HasSequence {
		value := c.session.Sequence
		seq = &value
	}
	frame, err := newFrame(OpHeartbeat, seq)
	if err != nil {
		slog.Error("Building heartbeat frame failed", "error", err)
		return
	}
	c.writeFrame(frame)
}

func (c *Client) sendIdentify() {
	frame, err := newFrame(OpIdentify, identifyData{
		Token:   c.cfg.Token,
		Intents: c.cfg.Intents,
		Properties: identifyProperties{
			OS:      runtime.GOOS,
			Browser: "tablecast-relay",
			Device:  "tablecast-relay",
		},
	})
	if err != nil {
		slog.Error("Building identify frame failed", "error", err)
		return
	}

	c.setState(StateIdentifying)
	metrics.GatewaySessionResumesTotal.WithLabelValues("identify").Inc()
	slog.Info("Identifying gateway session")
	c.writeFrame(frame)
}

func (c *Client) sendResume() {
	frame, err := newFrame(OpResume, resumeData{
		Token:     c.cfg.Token,
		SessionID: c.session.ID,
		Seq:       c.session.Sequence,
	})
	if err != nil {
		slog.Error("Building resume frame failed", "error", err)
		return
	}

	c.setState(StateIdentifying)
	metrics.GatewaySessionResumesTotal.WithLabelValues("resume").Inc()
	slog.Info("Resuming gateway session", "session_id", c.session.ID, "seq", c.session.Sequence)
	c.writeFrame(frame)
}

func (c *Client) writeFrame(frame *Frame) {
	if c.conn == nil {
		return
	}
	if err := c.conn.WriteFrame(frame); err != nil {
		slog.Warn("Gateway write failed", "op", frame.Op, "error", err)
		c.handleTransportFailure(err)
	}
}

func (c *Client) handleTransportFailure(err error) {
	var closeErr *CloseError
	if errors.As(err, &closeErr) && nonRecoverableCloseCodes[closeErr.Code] {
		slog.Error("Gateway closed with non-recoverable code",
			"code", closeErr.Code,
			"reason", closeErr.Reason,
		)
		metrics.GatewayReconnectsTotal.WithLabelValues("non_recoverable").Inc()
		c.teardown(closeCodeNormal)
		c.setState(StateDisconnected)
		return
	}

	slog.Warn("Gateway transport failed", "error", err)
	c.teardown(closeCodeNormal)
	c.scheduleReconnect()
}

// scheduleReconnect arms the backoff timer for the next connection attempt.
// Re-entry while a reconnect is already pending is a no-op.
func (c *Client) scheduleReconnect() {
	if c.state == StateReconnecting {
		return
	}

	c.reconnectAttempts++
	if c.reconnectAttempts > maxReconnectAttempts {
		err := relayerrors.ReconnectExhaustedError(maxReconnectAttempts)
		slog.Error("Gateway reconnect attempts exhausted", "error", err)
		metrics.GatewayReconnectsTotal.WithLabelValues("exhausted").Inc()
		c.setState(StateDisconnected)
		return
	}

	delay := reconnectDelay(c.reconnectAttempts)
	c.setState(StateReconnecting)
	metrics.GatewayReconnectsTotal.WithLabelValues("scheduled").Inc()
	slog.Info("Scheduling gateway reconnect", "attempt", c.reconnectAttempts, "delay", delay)
	c.reconnectTimer = c.clock.NewTimer(delay)
}

// reconnectDelay doubles from one second per attempt and caps at sixteen
// seconds. No jitter: the relay holds a single upstream connection.
func reconnectDelay(attempt int) time.Duration {
	delay := baseReconnectDelay << (attempt - 1)
	if delay > maxReconnectDelay {
		delay = maxReconnectDelay
	}
	return delay
}

// teardown closes the connection and cancels every scheduled timer. Bumping
// the generation makes the old read loop's remaining output stale.
func (c *Client) teardown(closeCode int) {
	if c.heartbeatTicker != nil {
		c.heartbeatTicker.Stop()
		c.heartbeatTicker = nil
	}
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	if c.identifyTimer != nil {
		c.identifyTimer.Stop()
		c.identifyTimer = nil
	}
	if c.conn != nil {
		_ = c.conn.Close(closeCode, "")
		c.conn = nil
	}
	c.connGen++
	c.heartbeatAcked = false
}

func (c *Client) setState(next ConnectionState) {
	if c.state == next {
		return
	}

	previous := c.state
	c.state = next
	metrics.GatewayState.Set(next.metricValue())
	slog.Info("Gateway state changed", "from", string(previous), "to", string(next))

	if c.sink != nil {
		c.sink.OnStateChange(previous, next)
	}
}
