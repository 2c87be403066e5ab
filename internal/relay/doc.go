// Package relay is the application event bus between the gateway and the
// rest of the service.
//
// Router implements gateway.EventSink: inbound dispatch events are parsed for
// their guild, filtered against the room registry, and fanned out to explicit
// listeners (SSE broadcaster, queue release on reconnect). CommandSender goes
// the other way, adapting gateway writes to the command queue's dispatch
// contract.
package relay
