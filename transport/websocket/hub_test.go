package websocket

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xinge4088/qqbot/config"
	"github.com/xinge4088/qqbot/protocol"
)

const testToken = "secret"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startHub(t *testing.T, opts HubOptions) (*Hub, *httptest.Server) {
	t.Helper()
	opts.Codec = protocol.DefaultCodec
	opts.Logger = discardLogger()
	if opts.Token == "" {
		opts.Token = testToken
	}
	hub := NewHub(opts)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	server := httptest.NewServer(hub.Handler())
	t.Cleanup(func() {
		cancel()
		server.Close()
	})
	return hub, server
}

func wsURL(server *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(server.URL, "http") + "/" + path
}

func infoHeader(t *testing.T, name, token string) http.Header {
	t.Helper()
	v, err := protocol.DefaultCodec.EncodeHeaders(protocol.HandshakeHeaders{Name: name, Token: token})
	require.NoError(t, err)
	h := http.Header{}
	h.Set("info", v)
	return h
}

func dialHub(t *testing.T, server *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(server, path), infoHeader(t, "survival", testToken))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHubRejectsBadHandshake(t *testing.T) {
	hub, server := startHub(t, HubOptions{})

	tests := []struct {
		name   string
		header http.Header
		status int
	}{
		{"missing info", nil, http.StatusUnauthorized},
		{"garbage info", http.Header{"Info": []string{"%%%"}}, http.StatusUnauthorized},
		{"wrong token", infoHeader(t, "survival", "nope"), http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, resp, err := websocket.DefaultDialer.Dial(wsURL(server, config.OutboundPath), tt.header)
			require.Error(t, err)
			require.NotNil(t, resp)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}

	assert.Equal(t, len(tests), hub.Handshakes())
	assert.Zero(t, hub.Senders())
}

func TestHubRefusesWhenNotAccepting(t *testing.T) {
	hub, server := startHub(t, HubOptions{})
	hub.SetAccepting(false)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(server, config.OutboundPath), infoHeader(t, "survival", testToken))
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, 1, hub.Handshakes())
}

func TestHubAcknowledgesEvents(t *testing.T) {
	hub, server := startHub(t, HubOptions{EchoIDs: true})
	conn := dialHub(t, server, config.OutboundPath)

	env := protocol.NewEnvelope(protocol.TypePlayerJoined, protocol.Text("Alice"))
	env.ID = "req-1"
	frame, err := protocol.DefaultCodec.Encode(env)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	resp, err := protocol.DefaultCodec.DecodeResponse(string(data))
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "req-1", resp.ID)

	select {
	case ev := <-hub.Events():
		assert.Equal(t, "survival", ev.Client)
		assert.Equal(t, protocol.TypePlayerJoined, ev.Envelope.Type)
		assert.Equal(t, protocol.Text("Alice"), ev.Envelope.Data)
	case <-time.After(time.Second):
		t.Fatal("no event recorded")
	}
}

func TestHubAnswersMalformedEvents(t *testing.T) {
	_, server := startHub(t, HubOptions{})
	conn := dialHub(t, server, config.OutboundPath)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not a frame at all!")))

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	resp, err := protocol.DefaultCodec.DecodeResponse(string(data))
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, protocol.ReplyMalformedMessage, resp.Text())
}

func TestHubPushToListener(t *testing.T) {
	hub, server := startHub(t, HubOptions{})
	conn := dialHub(t, server, config.InboundPath)
	require.Eventually(t, func() bool { return hub.Listeners() == 1 }, time.Second, 5*time.Millisecond)

	go func() {
		conn.SetReadDeadline(time.Now().Add(time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		env, err := protocol.DefaultCodec.Decode(string(data))
		if err != nil || env.Type != protocol.TypeCommand {
			return
		}
		frame, _ := protocol.DefaultCodec.EncodeResponse(protocol.NewResponse(true, protocol.ReplyAcknowledged))
		conn.WriteMessage(websocket.TextMessage, []byte(frame))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := hub.Push(ctx, protocol.NewEnvelope(protocol.TypeCommand, protocol.Text("say hi")))
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, protocol.ReplyAcknowledged, resp.Text())
}

func TestHubPushWithoutListeners(t *testing.T) {
	hub, _ := startHub(t, HubOptions{})

	err := hub.PushNoReply(context.Background(), protocol.NewEnvelope(protocol.TypeMessage, protocol.Text("hi")))
	assert.ErrorIs(t, err, ErrNoListeners)
}

func TestHubDropAll(t *testing.T) {
	hub, server := startHub(t, HubOptions{})
	conn := dialHub(t, server, config.OutboundPath)
	require.Eventually(t, func() bool { return hub.Senders() == 1 }, time.Second, 5*time.Millisecond)

	hub.DropAll()

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
	assert.Eventually(t, func() bool { return hub.Senders() == 0 }, time.Second, 5*time.Millisecond)
}
