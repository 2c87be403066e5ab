// Package broadcast implements the SSE fan-out broadcaster using the actor pattern.
//
// The Broadcaster indexes subscriber connections by id, user, and guild and republishes
// gateway events to every subscriber of the matching guild. Uses single goroutine +
// command channel (no mutexes). Per-connection write goroutines keep slow clients from
// stalling fan-out; a full write buffer evicts the subscriber.
package broadcast
