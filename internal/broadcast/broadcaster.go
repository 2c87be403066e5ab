package broadcast

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/tablecast/relay/internal/metrics"
)

const (
	commandChannelSize = 256
	commandTimeout     = 5 * time.Second
	stopTimeout        = 10 * time.Second
)

// subscriber is one live downstream connection. Owned exclusively by the
// broadcaster goroutine; the writer is the only piece other goroutines touch.
type subscriber struct {
	connectionID uuid.UUID
	userID       string
	guildID      string
	writer       *streamWriter
}

// broadcasterCmd is the command interface for the Broadcaster actor.
type broadcasterCmd interface{ isBroadcasterCmd() }

type baseBroadcasterCmd struct{}

func (baseBroadcasterCmd) isBroadcasterCmd() {}

type registerCmd struct {
	baseBroadcasterCmd
	userID       string
	guildID      string
	sink         Sink
	replyChannel chan Registration
}

type unregisterCmd struct {
	baseBroadcasterCmd
	connectionID uuid.UUID
}

type broadcastCmd struct {
	baseBroadcasterCmd
	guildID string
	event   string
	payload json.RawMessage
}

type sendToUserCmd struct {
	baseBroadcasterCmd
	userID       string
	raw          json.RawMessage
	replyChannel chan bool
}

type hasUserCmd struct {
	baseBroadcasterCmd
	userID       string
	replyChannel chan bool
}

type connectionCountCmd struct {
	baseBroadcasterCmd
	replyChannel chan int
}

type stopCmd struct {
	baseBroadcasterCmd
}

// Registration identifies a live subscriber connection. Closed fires once the
// connection's writer goroutine has exited; after that no further writes hit
// the sink, so the stream handler may safely return.
type Registration struct {
	ConnectionID uuid.UUID
	closed       <-chan struct{}
}

// Closed returns a channel that is closed when the connection's writer has
// exited, whether by unregister, eviction, or broadcaster shutdown.
func (r Registration) Closed() <-chan struct{} {
	return r.closed
}

// Broadcaster fans gateway events out to downstream SSE subscribers. A single
// goroutine owns the connection table; public methods post commands to it, so
// a broken or slow subscriber never stalls registration or fan-out for the
// rest.
type Broadcaster struct {
	cmdCh       chan broadcasterCmd
	clock       clockwork.Clock
	done        chan struct{}
	stopTimeout time.Duration

	// Owned by the run goroutine.
	byID    map[uuid.UUID]*subscriber
	byUser  map[string]map[uuid.UUID]*subscriber
	byGuild map[string]map[uuid.UUID]*subscriber
}

// NewBroadcaster creates a broadcaster and starts its goroutine.
func NewBroadcaster(clock clockwork.Clock) *Broadcaster {
	b := &Broadcaster{
		cmdCh:       make(chan broadcasterCmd, commandChannelSize),
		clock:       clock,
		done:        make(chan struct{}),
		stopTimeout: stopTimeout,
		byID:        make(map[uuid.UUID]*subscriber),
		byUser:      make(map[string]map[uuid.UUID]*subscriber),
		byGuild:     make(map[string]map[uuid.UUID]*subscriber),
	}
	go b.run()
	return b
}

// post submits a command to the broadcaster goroutine. Returns false once the
// broadcaster has stopped, so callers never block on a dead channel.
func (b *Broadcaster) post(cmd broadcasterCmd) bool {
	select {
	case b.cmdCh <- cmd:
		return true
	case <-b.done:
		return false
	}
}

// Register adds a subscriber for the given user and guild and returns its
// registration. The acknowledgment frame is queued before Register returns,
// and the connection starts receiving comment pings every 15 seconds.
func (b *Broadcaster) Register(userID, guildID string, sink Sink) (Registration, error) {
	replyCh := make(chan Registration, 1)
	if !b.post(registerCmd{userID: userID, guildID: guildID, sink: sink, replyChannel: replyCh}) {
		return Registration{}, fmt.Errorf("broadcaster is stopped")
	}

	timer := b.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case reg := <-replyCh:
		return reg, nil
	case <-timer.Chan():
		return Registration{}, fmt.Errorf("register command timed out after %v", commandTimeout)
	}
}

// Unregister removes a subscriber and stops its writer. Unknown ids are a
// silent no-op, so it is safe to call on an already-removed connection.
func (b *Broadcaster) Unregister(connectionID uuid.UUID) {
	b.post(unregisterCmd{connectionID: connectionID})
}

// BroadcastToGuild delivers a named event to every live connection registered
// under guildID. One subscriber's failure never interrupts delivery to the
// others.
func (b *Broadcaster) BroadcastToGuild(guildID, event string, payload json.RawMessage) {
	b.post(broadcastCmd{guildID: guildID, event: event, payload: payload})
}

// SendToUser delivers a raw payload to every live connection of one user.
// Returns false without writing anything when the user has no connection.
func (b *Broadcaster) SendToUser(userID string, raw json.RawMessage) bool {
	replyCh := make(chan bool, 1)
	if !b.post(sendToUserCmd{userID: userID, raw: raw, replyChannel: replyCh}) {
		return false
	}

	timer := b.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case sent := <-replyCh:
		return sent
	case <-timer.Chan():
		slog.Warn("SendToUser timed out", "timeout", commandTimeout)
		return false
	}
}

// HasUserConnection reports whether the user has at least one live
// connection. Callers use it to skip building messages nobody will receive.
func (b *Broadcaster) HasUserConnection(userID string) bool {
	replyCh := make(chan bool, 1)
	if !b.post(hasUserCmd{userID: userID, replyChannel: replyCh}) {
		return false
	}

	timer := b.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case ok := <-replyCh:
		return ok
	case <-timer.Chan():
		slog.Warn("HasUserConnection timed out", "timeout", commandTimeout)
		return false
	}
}

// ConnectionCount returns the number of live subscriber connections. Returns
// 0 once the broadcaster has stopped and -1 if the command times out.
func (b *Broadcaster) ConnectionCount() int {
	replyCh := make(chan int, 1)
	if !b.post(connectionCountCmd{replyChannel: replyCh}) {
		return 0
	}

	timer := b.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case count := <-replyCh:
		return count
	case <-timer.Chan():
		slog.Warn("ConnectionCount timed out", "timeout", commandTimeout)
		return -1
	}
}

// Stop shuts down the broadcaster and all subscriber writers. Blocks until
// the broadcaster goroutine has exited or the timeout is reached; calling it
// again after shutdown is a no-op.
func (b *Broadcaster) Stop() {
	if !b.post(stopCmd{}) {
		return
	}

	timeout := b.clock.NewTimer(b.stopTimeout)
	defer timeout.Stop()

	// Only the run goroutine closes done; on timeout we give up waiting and
	// leave the goroutine to finish on its own.
	select {
	case <-b.done:
		slog.Info("Broadcaster stopped gracefully")
	case <-timeout.Chan():
		slog.Warn("Broadcaster stop timeout exceeded, goroutine may have leaked",
			"timeout", b.stopTimeout,
		)
	}
}

func (b *Broadcaster) run() {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Broadcaster panic recovered", "panic", r)
			b.stopAllSubscribers()
		}
	}()
	defer close(b.done)

	for cmd := range b.cmdCh {
		switch c := cmd.(type) {
		case registerCmd:
			b.handleRegister(c)
		case unregisterCmd:
			b.handleUnregister(c.connectionID)
		case broadcastCmd:
			b.handleBroadcast(c)
		case sendToUserCmd:
			c.replyChannel <- b.handleSendToUser(c)
		case hasUserCmd:
			c.replyChannel <- len(b.byUser[c.userID]) > 0
		case connectionCountCmd:
			c.replyChannel <- len(b.byID)
		case stopCmd:
			b.handleStop()
			return
		default:
			slog.Warn("Broadcaster received unknown command type", "command_type", fmt.Sprintf("%T", cmd))
		}
	}
}

func (b *Broadcaster) handleRegister(c registerCmd) {
	connectionID := uuid.New()
	sub := &subscriber{
		connectionID: connectionID,
		userID:       c.userID,
		guildID:      c.guildID,
		writer:       newStreamWriter(connectionID, c.sink, b.clock, b.evictOnWriteError),
	}

	b.byID[connectionID] = sub
	if b.byUser[c.userID] == nil {
		b.byUser[c.userID] = make(map[uuid.UUID]*subscriber)
	}
	b.byUser[c.userID][connectionID] = sub
	if b.byGuild[c.guildID] == nil {
		b.byGuild[c.guildID] = make(map[uuid.UUID]*subscriber)
	}
	b.byGuild[c.guildID][connectionID] = sub

	// The ack is the first frame on a fresh writer queue, so it cannot be
	// dropped and always precedes any broadcast to this connection.
	ack, err := ackFrame(b.clock.Now())
	if err == nil {
		b.deliver(sub, ack)
	} else {
		slog.Error("Failed to build ack frame", "error", err)
	}

	metrics.SSEConnectionsTotal.Inc()
	metrics.SSEConnectionsCurrent.Set(float64(len(b.byID)))

	slog.Debug("Subscriber registered",
		"connection_id", connectionID.String(),
		"user_id", c.userID,
		"guild_id", c.guildID,
		"guild_subscribers", len(b.byGuild[c.guildID]),
	)
	c.replyChannel <- Registration{ConnectionID: connectionID, closed: sub.writer.exited}
}

func (b *Broadcaster) handleUnregister(connectionID uuid.UUID) {
	sub, exists := b.byID[connectionID]
	if !exists {
		return
	}

	// Signal only. A write wedged on a dead client must not stall the
	// broadcaster; the stream handler waits on Registration.Closed instead.
	sub.writer.signalStop()
	delete(b.byID, connectionID)

	if conns := b.byUser[sub.userID]; conns != nil {
		delete(conns, connectionID)
		if len(conns) == 0 {
			delete(b.byUser, sub.userID)
		}
	}
	if conns := b.byGuild[sub.guildID]; conns != nil {
		delete(conns, connectionID)
		if len(conns) == 0 {
			delete(b.byGuild, sub.guildID)
		}
	}

	metrics.SSEConnectionsCurrent.Set(float64(len(b.byID)))
	slog.Debug("Subscriber unregistered",
		"connection_id", connectionID.String(),
		"user_id", sub.userID,
		"remaining_connections", len(b.byID),
	)
}

func (b *Broadcaster) handleBroadcast(c broadcastCmd) {
	conns := b.byGuild[c.guildID]
	if len(conns) == 0 {
		metrics.SSEBroadcastFanout.Observe(0)
		return
	}

	frame := eventFrame(c.event, c.payload)

	delivered := 0
	var slow []uuid.UUID
	for id, sub := range conns {
		if b.deliver(sub, frame) {
			delivered++
		} else {
			slow = append(slow, id)
		}
	}

	for _, id := range slow {
		slog.Warn("Evicting slow subscriber",
			"connection_id", id.String(),
			"guild_id", c.guildID,
		)
		metrics.SSESlowClientsEvicted.Inc()
		b.handleUnregister(id)
	}

	metrics.SSEEventsSentTotal.WithLabelValues(c.event).Add(float64(delivered))
	metrics.SSEBroadcastFanout.Observe(float64(delivered))
}

func (b *Broadcaster) handleSendToUser(c sendToUserCmd) bool {
	conns := b.byUser[c.userID]
	if len(conns) == 0 {
		return false
	}

	frame := dataFrame(c.raw)

	delivered := 0
	var slow []uuid.UUID
	for id, sub := range conns {
		if b.deliver(sub, frame) {
			delivered++
		} else {
			slow = append(slow, id)
		}
	}

	for _, id := range slow {
		slog.Warn("Evicting slow subscriber",
			"connection_id", id.String(),
			"user_id", c.userID,
		)
		metrics.SSESlowClientsEvicted.Inc()
		b.handleUnregister(id)
	}

	metrics.SSEEventsSentTotal.WithLabelValues("message").Add(float64(delivered))
	return delivered > 0
}

// deliver queues one frame on a subscriber's writer without blocking.
// Reports false when the writer's buffer is full.
func (b *Broadcaster) deliver(sub *subscriber, frame []byte) bool {
	select {
	case sub.writer.sendChannel <- frame:
		return true
	default:
		return false
	}
}

// evictOnWriteError hands cleanup after a failed sink write back to the
// broadcaster goroutine. Posted from a fresh goroutine so the writer can
// finish exiting while the broadcaster is waiting on its stop.
func (b *Broadcaster) evictOnWriteError(connectionID uuid.UUID) {
	go func() {
		b.post(unregisterCmd{connectionID: connectionID})
	}()
}

func (b *Broadcaster) handleStop() {
	slog.Info("Broadcaster shutting down", "connections", len(b.byID))
	b.stopAllSubscribers()
	slog.Info("Broadcaster shutdown complete")
}

// stopAllSubscribers signals every writer and clears the connection table.
// Used during panic recovery and graceful shutdown.
func (b *Broadcaster) stopAllSubscribers() {
	for id, sub := range b.byID {
		sub.writer.signalStop()
		delete(b.byID, id)
	}
	clear(b.byUser)
	clear(b.byGuild)
	metrics.SSEConnectionsCurrent.Set(0)
}
