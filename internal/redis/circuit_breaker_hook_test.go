package redis

import (
	"context"
	"errors"
	"testing"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitBreakerHook_NormalOperation(t *testing.T) {
	hook := NewCircuitBreakerHook()

	// Circuit should start in closed state
	assert.Equal(t, circuitbreaker.ClosedState, hook.GetState())

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		processHook := hook.ProcessHook(func(ctx context.Context, cmd goredis.Cmder) error {
			return nil
		})
		err := processHook(ctx, goredis.NewStringCmd(ctx, "get", "key"))
		assert.NoError(t, err)
	}

	assert.Equal(t, circuitbreaker.ClosedState, hook.GetState())
}

func TestCircuitBreakerHook_TransientFailures(t *testing.T) {
	hook := NewCircuitBreakerHook()

	ctx := context.Background()

	// Two failures stay below the five-request execution threshold
	for i := 0; i < 2; i++ {
		processHook := hook.ProcessHook(func(ctx context.Context, cmd goredis.Cmder) error {
			return errors.New("connection refused")
		})
		err := processHook(ctx, goredis.NewStringCmd(ctx, "get", "key"))
		assert.Error(t, err)
		assert.NotErrorIs(t, err, circuitbreaker.ErrOpen)
	}

	assert.Equal(t, circuitbreaker.ClosedState, hook.GetState())
}

func TestCircuitBreakerHook_OpensAfterSustainedFailures(t *testing.T) {
	hook := NewCircuitBreakerHook()

	ctx := context.Background()

	for i := 0; i < 5; i++ {
		processHook := hook.ProcessHook(func(ctx context.Context, cmd goredis.Cmder) error {
			return errors.New("connection timeout")
		})
		err := processHook(ctx, goredis.NewStringCmd(ctx, "get", "key"))
		assert.Error(t, err)
	}

	assert.Equal(t, circuitbreaker.OpenState, hook.GetState())
}

func TestCircuitBreakerHook_FailsFastWhenOpen(t *testing.T) {
	hook := NewCircuitBreakerHook()

	ctx := context.Background()

	for i := 0; i < 5; i++ {
		processHook := hook.ProcessHook(func(ctx context.Context, cmd goredis.Cmder) error {
			return errors.New("redis down")
		})
		_ = processHook(ctx, goredis.NewStringCmd(ctx, "get", "key"))
	}

	require.Equal(t, circuitbreaker.OpenState, hook.GetState())

	called := false
	processHook := hook.ProcessHook(func(ctx context.Context, cmd goredis.Cmder) error {
		called = true
		return nil
	})

	cmd := goredis.NewStringCmd(ctx, "set", "key", "value")
	err := processHook(ctx, cmd)

	assert.Error(t, err)
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.False(t, called, "Redis should not be called when circuit is open")
}

func TestCircuitBreakerHook_ServesCachedReadWhenOpen(t *testing.T) {
	hook := NewCircuitBreakerHook()
	ctx := context.Background()

	// Prime the fallback cache with a successful read.
	primeHook := hook.ProcessHook(func(ctx context.Context, cmd goredis.Cmder) error {
		cmd.(*goredis.StringCmd).SetVal("cached-value")
		return nil
	})
	primed := goredis.NewStringCmd(ctx, "get", "stream_token:abc")
	require.NoError(t, primeHook(ctx, primed))

	// Trip the breaker.
	for i := 0; i < 5; i++ {
		failHook := hook.ProcessHook(func(ctx context.Context, cmd goredis.Cmder) error {
			return errors.New("redis down")
		})
		_ = failHook(ctx, goredis.NewStringCmd(ctx, "get", "other"))
	}
	require.Equal(t, circuitbreaker.OpenState, hook.GetState())

	// The cached key is still readable; an uncached key fails fast.
	called := false
	openHook := hook.ProcessHook(func(ctx context.Context, cmd goredis.Cmder) error {
		called = true
		return nil
	})

	cachedCmd := goredis.NewStringCmd(ctx, "get", "stream_token:abc")
	require.NoError(t, openHook(ctx, cachedCmd))
	assert.Equal(t, "cached-value", cachedCmd.Val())
	assert.False(t, called)

	missCmd := goredis.NewStringCmd(ctx, "get", "stream_token:missing")
	err := openHook(ctx, missCmd)
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
}

func TestCircuitBreakerHook_RedisNilIsNotAFailure(t *testing.T) {
	hook := NewCircuitBreakerHook()
	ctx := context.Background()

	// Key misses are normal operation and must not trip the breaker.
	for i := 0; i < 10; i++ {
		processHook := hook.ProcessHook(func(ctx context.Context, cmd goredis.Cmder) error {
			return goredis.Nil
		})
		err := processHook(ctx, goredis.NewStringCmd(ctx, "get", "absent"))
		assert.ErrorIs(t, err, goredis.Nil)
	}

	assert.Equal(t, circuitbreaker.ClosedState, hook.GetState())
}
