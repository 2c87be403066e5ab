// Package server exposes the relay over HTTP: the SSE subscriber stream,
// the command enqueue endpoint, the room registry API, and the
// health/metrics surface.
package server
