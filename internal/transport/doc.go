// Package transport implements the client side of a topic based pub/sub
// protocol (Phoenix channels, serializer v2) on top of a WebSocket.
//
// The package implements:
//   - Socket: the single physical connection, its state stream and heartbeat
//   - Channel: one joined topic with event handlers, push and leave
//   - Push: a request awaiting exactly one of ok, error or timeout
//
// Every callback the package invokes (state changes, socket errors, channel
// events and push outcomes) runs on one serial queue per Socket, in the order
// the underlying events happened. Handlers must not block for long.
package transport
