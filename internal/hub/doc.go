// Package hub manages the persistent WebSocket connections of the server.
//
// A Manager authenticates the handshake through the shared credential, sends
// a welcome frame carrying the connection id and then runs one reader and one
// writer goroutine per connection. Outbound frames are queued per connection
// so every client observes events in emission order; a client that cannot
// keep up is closed with a policy violation instead of silently losing
// events. Broadcast serializes an envelope once and fans the same bytes out
// to all open connections.
package hub
