package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// EventType names the kind of an envelope.
type EventType string

// Events sent by the game server.
const (
	TypeServerStartup  EventType = "server_startup"
	TypeServerShutdown EventType = "server_shutdown"
	TypePlayerJoined   EventType = "player_joined"
	TypePlayerLeft     EventType = "player_left"
	TypePlayerChat     EventType = "player_chat"
	TypePlayerDeath    EventType = "player_death"
)

// Events sent by the chat-bot service. TypeMessage is used in both directions.
const (
	TypeMessage          EventType = "message"
	TypeCommand          EventType = "command"
	TypePlayerList       EventType = "player_list"
	TypeServerOccupation EventType = "server_occupation"
)

// Known reports whether t belongs to the closed set of event types.
func (t EventType) Known() bool {
	switch t {
	case TypeServerStartup, TypeServerShutdown, TypePlayerJoined, TypePlayerLeft,
		TypePlayerChat, TypePlayerDeath, TypeMessage, TypeCommand, TypePlayerList,
		TypeServerOccupation:
		return true
	}
	return false
}

// Payload is the data carried by an envelope. The concrete type depends on
// the envelope type.
type Payload interface {
	isPayload()
}

// Text is a single string payload (player name, command line, message).
type Text string

// Pair is an ordered [name, text] payload used by chat and death events.
type Pair struct {
	Name string
	Text string
}

// Segments is a list of already-formatted message pieces.
type Segments []string

// Empty is the {} payload of lifecycle events and parameterless queries.
type Empty struct{}

// Raw keeps the undecoded payload of an envelope whose type is unknown.
type Raw json.RawMessage

func (Text) isPayload()     {}
func (Pair) isPayload()     {}
func (Segments) isPayload() {}
func (Empty) isPayload()    {}
func (Raw) isPayload()      {}

// String joins the segments in order without adding separators.
func (s Segments) String() string {
	return strings.Join(s, "")
}

func (p Pair) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{p.Name, p.Text})
}

func (p *Pair) UnmarshalJSON(b []byte) error {
	var parts []string
	if err := json.Unmarshal(b, &parts); err != nil {
		return err
	}
	if len(parts) != 2 {
		return fmt.Errorf("pair needs 2 elements, got %d", len(parts))
	}
	p.Name, p.Text = parts[0], parts[1]
	return nil
}

// Envelope is the {type, data} unit exchanged over the link. ID is set on
// outgoing requests so replies can be matched to them.
type Envelope struct {
	Type EventType
	Data Payload
	ID   string
}

// NewEnvelope builds an envelope. A nil payload becomes Empty.
func NewEnvelope(t EventType, data Payload) Envelope {
	if data == nil {
		data = Empty{}
	}
	return Envelope{Type: t, Data: data}
}

// HandshakeHeaders is the identity presented when a channel connects.
type HandshakeHeaders struct {
	Name  string `json:"name"`
	Token string `json:"token"`
}

// Response is the reply to a request. Data is a message or an arbitrary
// payload chosen by the responder.
type Response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	ID      string          `json:"id,omitempty"`
}

// Reply texts used by the inbound dispatcher.
const (
	ReplyAcknowledged     = "acknowledged"
	ReplyUnknownEventType = "unknown event type"
	ReplyMalformedMessage = "malformed message"
	ReplyMalformedPayload = "malformed payload"
)

// NewResponse builds a response whose data is the JSON form of data.
func NewResponse(success bool, data any) Response {
	raw, err := marshal(data)
	if err != nil {
		raw, _ = marshal(err.Error())
		success = false
	}
	return Response{Success: success, Data: raw}
}

// Text returns Data as a string when it holds a JSON string, and the raw
// JSON text otherwise.
func (r Response) Text() string {
	var s string
	if err := json.Unmarshal(r.Data, &s); err == nil {
		return s
	}
	return string(r.Data)
}
