package protocol

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrMalformedMessage = errors.New("malformed message")
	ErrMalformedPayload = errors.New("malformed payload")
)

// Codec converts envelopes, responses and handshake headers to wire text.
// With Armor set, the JSON text is base64 encoded. Decoding accepts both
// armored and plain JSON input.
type Codec struct {
	Armor bool
}

// DefaultCodec is the codec spoken by the chat-bot service.
var DefaultCodec = Codec{Armor: true}

type wireEnvelope struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data"`
	ID   string          `json:"id,omitempty"`
}

// Encode serializes an envelope.
func (c Codec) Encode(e Envelope) (string, error) {
	if e.Type == "" {
		return "", fmt.Errorf("%w: empty type", ErrMalformedMessage)
	}
	data, err := encodePayload(e.Data)
	if err != nil {
		return "", err
	}
	return c.wrap(wireEnvelope{Type: e.Type, Data: data, ID: e.ID})
}

// Decode parses an envelope and validates its payload against its type.
func (c Codec) Decode(frame string) (Envelope, error) {
	raw, err := unwrap(frame)
	if err != nil {
		return Envelope{}, err
	}

	var w wireEnvelope
	if err := json.Unmarshal(raw, &w); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if w.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	}

	data, err := decodePayload(w.Type, w.Data)
	if err != nil {
		return Envelope{Type: w.Type, ID: w.ID}, fmt.Errorf("%w: %w: %s: %v", ErrMalformedMessage, ErrMalformedPayload, w.Type, err)
	}
	return Envelope{Type: w.Type, Data: data, ID: w.ID}, nil
}

// EncodeResponse serializes a response.
func (c Codec) EncodeResponse(r Response) (string, error) {
	if len(r.Data) == 0 {
		r.Data = json.RawMessage("null")
	}
	return c.wrap(r)
}

// DecodeResponse parses a response. A frame without a "success" field is
// malformed.
func (c Codec) DecodeResponse(frame string) (Response, error) {
	raw, err := unwrap(frame)
	if err != nil {
		return Response{}, err
	}

	var w struct {
		Success *bool           `json:"success"`
		Data    json.RawMessage `json:"data"`
		ID      string          `json:"id"`
	}
	if err := json.Unmarshal(raw, &w); err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if w.Success == nil {
		return Response{}, fmt.Errorf("%w: missing success", ErrMalformedMessage)
	}
	return Response{Success: *w.Success, Data: w.Data, ID: w.ID}, nil
}

// EncodeHeaders serializes the handshake identity. Headers are always
// armored regardless of c.Armor.
func (c Codec) EncodeHeaders(h HandshakeHeaders) (string, error) {
	return Codec{Armor: true}.wrap(h)
}

// DecodeHeaders parses a handshake identity and requires both fields.
func (c Codec) DecodeHeaders(value string) (HandshakeHeaders, error) {
	raw, err := unwrap(value)
	if err != nil {
		return HandshakeHeaders{}, err
	}
	var h HandshakeHeaders
	if err := json.Unmarshal(raw, &h); err != nil {
		return HandshakeHeaders{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if h.Name == "" || h.Token == "" {
		return HandshakeHeaders{}, fmt.Errorf("%w: incomplete handshake", ErrMalformedMessage)
	}
	return h, nil
}

func (c Codec) wrap(v any) (string, error) {
	b, err := marshal(v)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if !c.Armor {
		return string(b), nil
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func unwrap(frame string) ([]byte, error) {
	s := strings.TrimSpace(frame)
	if s == "" {
		return nil, fmt.Errorf("%w: empty frame", ErrMalformedMessage)
	}
	if strings.HasPrefix(s, "{") {
		return []byte(s), nil
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		if b, err = base64.RawStdEncoding.DecodeString(s); err != nil {
			return nil, fmt.Errorf("%w: not json or base64", ErrMalformedMessage)
		}
	}
	return b, nil
}

// marshal encodes without HTML escaping so chat text like "<Alice>" stays
// readable on the other end.
func marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func encodePayload(p Payload) (json.RawMessage, error) {
	switch v := p.(type) {
	case nil, Empty:
		return json.RawMessage("{}"), nil
	case Raw:
		if len(v) == 0 {
			return json.RawMessage("null"), nil
		}
		return json.RawMessage(v), nil
	case Segments:
		if v == nil {
			v = Segments{}
		}
		return marshal([]string(v))
	case Text:
		return marshal(string(v))
	case Pair:
		return marshal(v)
	default:
		return nil, fmt.Errorf("%w: unsupported payload %T", ErrMalformedPayload, p)
	}
}

func decodePayload(t EventType, data json.RawMessage) (Payload, error) {
	switch t {
	case TypeServerStartup, TypeServerShutdown:
		return decodeEmpty(data)

	case TypePlayerJoined, TypePlayerLeft, TypeCommand:
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("expected string")
		}
		return Text(s), nil

	case TypePlayerChat, TypePlayerDeath:
		var p Pair
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return p, nil

	case TypeMessage:
		var s string
		if err := json.Unmarshal(data, &s); err == nil {
			return Text(s), nil
		}
		var parts []string
		if err := json.Unmarshal(data, &parts); err != nil {
			return nil, fmt.Errorf("expected string or list of strings")
		}
		return Segments(parts), nil

	case TypePlayerList, TypeServerOccupation:
		var s string
		if err := json.Unmarshal(data, &s); err == nil {
			return Text(s), nil
		}
		return decodeEmpty(data)

	default:
		return Raw(data), nil
	}
}

// decodeEmpty accepts a missing, null or object payload.
func decodeEmpty(data json.RawMessage) (Payload, error) {
	if len(data) == 0 || string(data) == "null" {
		return Empty{}, nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("expected object")
	}
	return Empty{}, nil
}
