package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	goredis "github.com/redis/go-redis/v9"

	"github.com/tablecast/relay/internal/metrics"
)

// CircuitBreakerHook implements redis.Hook to add circuit breaker protection
// to all Redis operations. When Redis becomes unavailable or slow the breaker
// opens and operations fail fast instead of stacking up connection timeouts
// behind every stream registration.
//
// The hooks pattern (rather than wrapping the client) leverages the existing
// hook infrastructure (MetricsHook) and covers every Redis operation the
// identity store issues.
type CircuitBreakerHook struct {
	cb    circuitbreaker.CircuitBreaker[any]
	cache *cacheStore
}

var _ goredis.Hook = (*CircuitBreakerHook)(nil)

// cacheStore holds recently read values for fallback while the circuit is
// open. Stream-token reads are immutable for their lifetime, so a short-lived
// cached resolution is safe to serve.
type cacheStore struct {
	mu     sync.RWMutex
	values map[string]cachedValue
}

type cachedValue struct {
	data      string
	timestamp time.Time
}

const fallbackCacheTTL = 5 * time.Minute

// NewCircuitBreakerHook creates a circuit breaker hook with the following
// settings:
// - WithFailureRateThreshold: 60% failure rate, min 5 requests, 10s rolling window
// - WithDelay: 30s before transitioning from open to half-open
// - WithSuccessThreshold: 1 successful request in half-open to close
func NewCircuitBreakerHook() *CircuitBreakerHook {
	cb := circuitbreaker.Builder[any]().
		WithFailureRateThreshold(60, 5, 10*time.Second).
		WithDelay(30 * time.Second).
		WithSuccessThreshold(1).
		OnStateChanged(func(e circuitbreaker.StateChangedEvent) {
			slog.Warn("Circuit breaker state changed",
				"component", "redis",
				"from", e.OldState.String(),
				"to", e.NewState.String(),
			)

			metrics.CircuitBreakerStateChanges.WithLabelValues("redis", e.NewState.String()).Inc()
			metrics.CircuitBreakerState.WithLabelValues("redis").Set(stateToFloat(e.NewState))
		}).
		Build()

	return &CircuitBreakerHook{
		cb: cb,
		cache: &cacheStore{
			values: make(map[string]cachedValue),
		},
	}
}

func stateToFloat(state circuitbreaker.State) float64 {
	switch state {
	case circuitbreaker.ClosedState:
		return 0
	case circuitbreaker.HalfOpenState:
		return 1
	case circuitbreaker.OpenState:
		return 2
	default:
		return -1
	}
}

// DialHook wraps connection establishment with circuit breaker
func (h *CircuitBreakerHook) DialHook(next goredis.DialHook) goredis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		if !h.cb.TryAcquirePermit() {
			return nil, fmt.Errorf("circuit breaker dial failed: %w", circuitbreaker.ErrOpen)
		}
		conn, err := next(ctx, network, addr)
		if err != nil {
			h.cb.RecordError(err)
			return nil, fmt.Errorf("circuit breaker dial failed: %w", err)
		}
		h.cb.RecordSuccess()
		return conn, nil
	}
}

// ProcessHook wraps command execution with circuit breaker and caching
func (h *CircuitBreakerHook) ProcessHook(next goredis.ProcessHook) goredis.ProcessHook {
	return func(ctx context.Context, cmd goredis.Cmder) error {
		if !h.cb.TryAcquirePermit() {
			return h.handleFallback(cmd)
		}

		err := next(ctx, cmd)
		if err != nil && !errors.Is(err, goredis.Nil) {
			h.cb.RecordError(err)
		} else {
			h.cb.RecordSuccess()
		}

		// Cache successful read results for future fallback
		if err == nil {
			h.cacheResult(cmd)
		}

		if err != nil {
			return fmt.Errorf("circuit breaker process failed: %w", err)
		}
		return nil
	}
}

// ProcessPipelineHook wraps pipeline execution with circuit breaker
func (h *CircuitBreakerHook) ProcessPipelineHook(next goredis.ProcessPipelineHook) goredis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []goredis.Cmder) error {
		if !h.cb.TryAcquirePermit() {
			return fmt.Errorf("redis circuit breaker open: %w", circuitbreaker.ErrOpen)
		}

		err := next(ctx, cmds)
		if err != nil {
			h.cb.RecordError(err)
			return fmt.Errorf("circuit breaker pipeline failed: %w", err)
		}
		h.cb.RecordSuccess()
		return nil
	}
}

// handleFallback attempts to serve cached data when the circuit is open.
func (h *CircuitBreakerHook) handleFallback(cmd goredis.Cmder) error {
	cmdName := cmd.Name()

	switch cmdName {
	case "get", "hget":
		if result := h.getFromCache(cmd); result != "" {
			slog.Debug("Circuit breaker open, serving from cache",
				"command", cmdName,
				"args", cmd.Args(),
			)
			if c, ok := cmd.(*goredis.StringCmd); ok {
				c.SetVal(result)
				return nil
			}
		}
		return fmt.Errorf("redis circuit breaker open and no cached value: %w", circuitbreaker.ErrOpen)

	case "set", "hset", "del", "expire":
		// Writes cannot be served from cache; failing them is expected.
		slog.Warn("Circuit breaker open for write operation",
			"command", cmdName,
			"args", cmd.Args(),
		)
		return fmt.Errorf("redis circuit breaker open: %w", circuitbreaker.ErrOpen)

	default:
		return fmt.Errorf("redis circuit breaker open: %w", circuitbreaker.ErrOpen)
	}
}

// cacheResult stores successful read results for future fallback
func (h *CircuitBreakerHook) cacheResult(cmd goredis.Cmder) {
	switch cmd.Name() {
	case "get", "hget":
		args := cmd.Args()
		if len(args) < 2 {
			return
		}

		key := fmt.Sprintf("%v", args[1])
		value := ""

		if c, ok := cmd.(*goredis.StringCmd); ok {
			value, _ = c.Result()
		}

		if value != "" {
			h.cache.mu.Lock()
			h.cache.values[key] = cachedValue{
				data:      value,
				timestamp: time.Now(),
			}
			h.cache.mu.Unlock()
		}
	}
}

// getFromCache retrieves a cached value if available and not expired
func (h *CircuitBreakerHook) getFromCache(cmd goredis.Cmder) string {
	args := cmd.Args()
	if len(args) < 2 {
		return ""
	}

	key := fmt.Sprintf("%v", args[1])

	h.cache.mu.RLock()
	defer h.cache.mu.RUnlock()

	cached, ok := h.cache.values[key]
	if !ok {
		return ""
	}

	if time.Since(cached.timestamp) > fallbackCacheTTL {
		return ""
	}

	return cached.data
}

// GetState returns the current state of the circuit breaker (for testing/monitoring)
func (h *CircuitBreakerHook) GetState() circuitbreaker.State {
	return h.cb.State()
}
