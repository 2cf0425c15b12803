// Package websocket provides the WebSocket transport between the game server
// and the chat-bot service.
//
// The package implements:
//   - Connection: one client channel per role with authenticated handshake
//   - Bounded reconnect episodes after unintended closes
//   - Correlator: request/response calls over an asynchronous reply stream
//   - Hub: a local stand-in for the chat-bot service
//
// Channels:
//
// The bridge keeps two channels open. The sender channel (RoleOutbound,
// path websocket/bot) pushes game events and receives one reply per event.
// The listener channel (RoleInbound, path websocket/minecraft) receives
// commands and answers them. Both present the encoded {name, token} identity
// in the "info" upgrade header.
//
// Reconnect Policy:
//
// When an open socket closes while the connection should be running, a
// reconnect episode starts on a background worker: at most Attempts dials,
// each preceded by Backoff. The spacing is fixed unless MaxBackoff is set,
// in which case it doubles per attempt up to MaxBackoff. An exhausted episode logs a warning and
// stops; the next Call or Send starts a fresh one. Episodes are single-flight
// per connection, and Close stops them before the closing handshake.
//
// Correlation:
//
//	conn := websocket.NewConnection(websocket.Options{Role: websocket.RoleOutbound, URL: url, Header: h})
//	corr := websocket.NewCorrelator(conn, websocket.CorrelatorOptions{Codec: protocol.DefaultCodec})
//	conn.OnMessage(corr.HandleFrame)
//	conn.OnClose(func(int, string, bool) { corr.Disconnected() })
//	conn.Connect()
//
//	resp, err := corr.Call(ctx, protocol.NewEnvelope(protocol.TypePlayerJoined, protocol.Text("Alice")))
//
// Calls are serialized. Each request carries an id; replies echoing it match
// exactly, replies without one match the oldest outstanding request. A reply
// to a request whose caller already gave up is consumed and discarded.
//
// Concurrency:
//
// Frames are delivered on the connection's read goroutine. Writes are
// serialized per connection. All exported methods are safe for concurrent
// use.
package websocket
