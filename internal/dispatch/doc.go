// Package dispatch implements the outbound command queue using the actor
// pattern.
//
// Commands wait in a min-heap ordered by their next attempt time, not FIFO.
// A single goroutine owns the heap; the injected dispatch func runs
// single-flight, and failed dispatches are retried indefinitely with capped
// exponential backoff plus jitter. MarkReady pulls every due time forward
// when the gateway connection comes back.
package dispatch
