// Package redis provides the shared Redis client used by the redis-backed
// identity store. The client carries a hook chain: operation metrics plus a
// circuit breaker that fails fast while Redis is down instead of letting
// every stream registration wait out a connection timeout.
package redis
