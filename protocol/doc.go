// Package protocol defines the messages exchanged with the chat-bot service
// and the codec that puts them on the wire.
//
// Message Protocol:
//
// Every frame is a JSON object, armored with base64 so that frames and
// handshake headers stay free of control characters:
//   - Request:  {"type": "player_chat", "data": ["Alice", "hi"], "id": "..."}
//   - Response: {"success": true, "data": "acknowledged", "id": "..."}
//
// The "type" field selects the shape of "data". Known shapes are modelled as
// a closed set of Payload implementations (Text, Pair, Segments, Empty) and
// are validated when a frame is decoded; frames whose type is not known keep
// their payload as Raw so the receiver can answer with a structured failure.
//
// Handshake:
//
// The {name, token} identity travels in the "info" upgrade header using the
// same codec, and the inbound channel also sends a "type" client tag.
package protocol
