package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/tablecast/relay/internal/gateway"
	"github.com/tablecast/relay/internal/metrics"
)

// Listener receives routed gateway events. Listeners run on the gateway
// goroutine and must not block; errors are logged and counted, never
// propagated to sibling listeners.
type Listener interface {
	OnEvent(ctx context.Context, event, guildID string, payload json.RawMessage) error
}

// ListenerFunc adapts a plain function to the Listener interface.
type ListenerFunc func(ctx context.Context, event, guildID string, payload json.RawMessage) error

func (f ListenerFunc) OnEvent(ctx context.Context, event, guildID string, payload json.RawMessage) error {
	return f(ctx, event, guildID, payload)
}

// StateListener observes gateway connection state transitions.
type StateListener func(previous, current gateway.ConnectionState)

// GuildFilter is the subset of the room cache used by the Router: events for
// guilds without a registered room are dropped before fan-out.
type GuildFilter interface {
	Contains(guildID string) bool
}

// Router is the application event bus between the gateway and everything
// downstream. It implements gateway.EventSink: dispatch events are parsed for
// their guild, filtered against the room registry, and fanned out to the
// registered listeners.
type Router struct {
	filter GuildFilter

	mu             sync.RWMutex
	listeners      []Listener
	stateListeners []StateListener
}

// NewRouter creates a router filtering against the given guild registry.
// A nil filter forwards every parseable event.
func NewRouter(filter GuildFilter) *Router {
	return &Router{filter: filter}
}

// AddListener registers an event listener.
func (r *Router) AddListener(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

// AddStateListener registers a connection state listener.
func (r *Router) AddStateListener(l StateListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stateListeners = append(r.stateListeners, l)
}

// eventMeta is the envelope slice the router needs from a dispatch payload.
type eventMeta struct {
	GuildID string `json:"guild_id"`
}

// OnDispatch implements gateway.EventSink.
func (r *Router) OnDispatch(ctx context.Context, event string, seq int64, payload json.RawMessage) {
	var meta eventMeta
	if err := json.Unmarshal(payload, &meta); err != nil || meta.GuildID == "" {
		metrics.RelayEventsTotal.WithLabelValues("unparsed").Inc()
		slog.DebugContext(ctx, "Dropping event without guild id", "event", event, "seq", seq)
		return
	}

	if r.filter != nil && !r.filter.Contains(meta.GuildID) {
		metrics.RelayEventsTotal.WithLabelValues("filtered").Inc()
		slog.DebugContext(ctx, "Dropping event for unregistered guild", "event", event, "guild_id", meta.GuildID)
		return
	}

	r.mu.RLock()
	listeners := r.listeners
	r.mu.RUnlock()

	for _, l := range listeners {
		if err := l.OnEvent(ctx, event, meta.GuildID, payload); err != nil {
			metrics.RelayListenerErrorsTotal.Inc()
			slog.ErrorContext(ctx, "Event listener failed", "event", event, "guild_id", meta.GuildID, "error", err)
		}
	}

	metrics.RelayEventsTotal.WithLabelValues("broadcast").Inc()
	slog.DebugContext(ctx, "Event routed", "event", event, "guild_id", meta.GuildID, "listeners", len(listeners))
}

// OnStateChange implements gateway.EventSink.
func (r *Router) OnStateChange(previous, current gateway.ConnectionState) {
	r.mu.RLock()
	listeners := r.stateListeners
	r.mu.RUnlock()

	for _, l := range listeners {
		l(previous, current)
	}
}

// GuildBroadcaster is the subset of the broadcaster used by the bridge
// listener.
type GuildBroadcaster interface {
	BroadcastToGuild(guildID, event string, payload json.RawMessage)
}

// NewBroadcastListener bridges routed events into the SSE broadcaster.
func NewBroadcastListener(b GuildBroadcaster) Listener {
	return ListenerFunc(func(_ context.Context, event, guildID string, payload json.RawMessage) error {
		b.BroadcastToGuild(guildID, event, payload)
		return nil
	})
}

// Readier is the subset of the command queue used by the connect listener.
type Readier interface {
	MarkReady()
}

// MarkReadyOnConnected returns a state listener that releases queued commands
// from their backoff windows whenever the gateway (re)connects.
func MarkReadyOnConnected(q Readier) StateListener {
	return func(_, current gateway.ConnectionState) {
		if current == gateway.StateConnected {
			q.MarkReady()
		}
	}
}
