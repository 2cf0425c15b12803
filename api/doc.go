// Package api provides the local admin HTTP API of the bridge.
//
// The api package implements:
//   - Link status and online players
//   - Manual game events, forwarded to the chat-bot service
//   - Free-form messages to the chat-bot service
//   - Prometheus metrics and a health check
//
// Endpoints:
//
//   - GET /api/status - State of both channels
//   - GET /api/players - Online players, read on the host's main context
//   - POST /api/events/{type} - Send a game event
//   - POST /api/message - Send a message and wait for the reply
//   - GET /metrics - Prometheus exposition
//   - GET /health - Liveness
//
// Events:
//
// {type} is one of player_joined, player_left, player_chat, player_death,
// server_startup, server_shutdown. Player events take a JSON body:
//
//	{
//	  "player": "Alice",
//	  "text": "hello"        // chat line or death message
//	}
//
// Awaited events answer 200 with the reply of the chat-bot service:
//
//	{"type": "player_joined", "awaited": true, "success": true, "reply": "ok"}
//
// player_chat is fire-and-forget and answers 202 once written.
//
// Error Handling:
//
// Errors are returned as JSON {"error": "..."}. A link that cannot be
// re-established answers 503, a reply timeout 504, a throttled chat line 429.
// A reply with success=false is not an HTTP error.
package api
