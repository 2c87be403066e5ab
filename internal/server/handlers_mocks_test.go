package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"

	"github.com/tablecast/relay/internal/broadcast"
	"github.com/tablecast/relay/internal/config"
	"github.com/tablecast/relay/internal/dispatch"
	relayerrors "github.com/tablecast/relay/internal/errors"
	"github.com/tablecast/relay/internal/identity"
	"github.com/tablecast/relay/internal/rooms"
)

// --- Mock implementations ---

type mockRegistry struct {
	listFn   func(ctx context.Context) ([]rooms.Room, error)
	upsertFn func(ctx context.Context, guildID, channelID, name string) (rooms.Room, error)
	deleteFn func(ctx context.Context, id uuid.UUID) (string, error)
}

func (m *mockRegistry) List(ctx context.Context) ([]rooms.Room, error) {
	if m.listFn != nil {
		return m.listFn(ctx)
	}
	return nil, nil
}

func (m *mockRegistry) Upsert(ctx context.Context, guildID, channelID, name string) (rooms.Room, error) {
	if m.upsertFn != nil {
		return m.upsertFn(ctx, guildID, channelID, name)
	}
	return rooms.Room{}, errors.New("not implemented")
}

func (m *mockRegistry) Delete(ctx context.Context, id uuid.UUID) (string, error) {
	if m.deleteFn != nil {
		return m.deleteFn(ctx, id)
	}
	return "", errors.New("not implemented")
}

type mockGuildCache struct {
	mu      sync.Mutex
	added   []string
	removed []string
}

func (m *mockGuildCache) Add(guildID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.added = append(m.added, guildID)
}

func (m *mockGuildCache) Remove(guildID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removed = append(m.removed, guildID)
}

// --- Test helpers ---

func newTestServer(t *testing.T, registry roomRegistry, opts ...func(*Server)) *Server {
	t.Helper()

	clock := clockwork.NewFakeClock()

	broadcaster := broadcast.NewBroadcaster(clock)
	t.Cleanup(broadcaster.Stop)

	queue := dispatch.NewQueue(
		func(context.Context, dispatch.Envelope) dispatch.Result { return dispatch.ResultSent },
		dispatch.Options{},
		clock,
	)
	t.Cleanup(queue.Stop)

	srv := &Server{
		echo:        echo.New(),
		config:      &config.Config{RateLimitRPS: 100, RateLimitBurst: 10},
		resolver:    identity.NewResolver(identity.NewMemoryStore(clock)),
		broadcaster: broadcaster,
		queue:       queue,
		repo:        registry,
		cache:       &mockGuildCache{},
		startTime:   time.Now(),
	}

	for _, opt := range opts {
		opt(srv)
	}

	// Register routes so endpoints are available for testing
	srv.registerRoutes()

	return srv
}

func withResolver(r *identity.Resolver) func(*Server) {
	return func(s *Server) {
		s.resolver = r
	}
}

func withBroadcaster(b *broadcast.Broadcaster) func(*Server) {
	return func(s *Server) {
		s.broadcaster = b
	}
}

func withQueue(q *dispatch.Queue) func(*Server) {
	return func(s *Server) {
		s.queue = q
	}
}

func withGuildCache(c guildCache) func(*Server) {
	return func(s *Server) {
		s.cache = c
	}
}

func withHealthChecks(checks ...HealthCheck) func(*Server) {
	return func(s *Server) {
		s.healthChecks = checks
	}
}

// callHandler wraps a handler with error middleware, matching production behavior
func callHandler(handler echo.HandlerFunc, c echo.Context) error {
	return relayerrors.Middleware()(handler)(c)
}

// streamRecorder is a concurrency-safe ResponseWriter for the SSE handler,
// whose writes arrive from the connection's writer goroutine.
type streamRecorder struct {
	mu     sync.Mutex
	header http.Header
	status int
	body   []byte
}

func newStreamRecorder() *streamRecorder {
	return &streamRecorder{header: make(http.Header)}
}

func (r *streamRecorder) Header() http.Header {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.header
}

func (r *streamRecorder) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.body = append(r.body, p...)
	return len(p), nil
}

func (r *streamRecorder) WriteHeader(status int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = status
}

func (r *streamRecorder) Flush() {}

func (r *streamRecorder) Status() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *streamRecorder) Body() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return string(r.body)
}
