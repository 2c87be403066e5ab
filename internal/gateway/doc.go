// Package gateway maintains the persistent connection to the upstream push
// protocol using the actor pattern.
//
// The Client owns one websocket at a time: it answers Hello with Identify or
// Resume, heartbeats on the advertised interval, tracks the dispatch sequence
// for resumption, and reconnects with capped exponential backoff. Uses single
// goroutine + command channel (no mutexes). Dispatch events flow to an
// injected EventSink.
package gateway
