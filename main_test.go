package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v3"
	"github.com/xinge4088/qqbot/config"
	"github.com/xinge4088/qqbot/protocol"
	"github.com/xinge4088/qqbot/transport/websocket"
)

func TestConstants(t *testing.T) {
	assert.Equal(t, "1.0.0", Version)
	assert.Equal(t, "qqbot", AppName)
}

func TestCommandTree(t *testing.T) {
	cmd := newCommand()
	assert.Equal(t, AppName, cmd.Name)
	assert.NotNil(t, cmd.Action, "root command should default to run")

	names := make(map[string]bool)
	for _, sub := range cmd.Commands {
		names[sub.Name] = true
		assert.NotNil(t, sub.Action, sub.Name)
	}
	assert.True(t, names["run"])
	assert.True(t, names["mcp"])
	assert.True(t, names["devbot"])
	assert.True(t, names["check"])
}

func TestPrintCheck(t *testing.T) {
	cfg := config.Default()
	cfg.URI = "ws://127.0.0.1:8080/bridge"
	cfg.Name = "survival"
	cfg.Token = "secret"

	var out strings.Builder
	require.NoError(t, printCheck(&out, cfg))
	assert.Contains(t, out.String(), "VALID")
	assert.Contains(t, out.String(), "sender: ws://127.0.0.1:8080/bridge/websocket/bot")
	assert.Contains(t, out.String(), "listener: ws://127.0.0.1:8080/bridge/websocket/minecraft")
	assert.NotContains(t, out.String(), "admin:")
}

func TestDevbotTunnelFlags(t *testing.T) {
	var devbot *cli.Command
	for _, sub := range newCommand().Commands {
		if sub.Name == "devbot" {
			devbot = sub
		}
	}
	require.NotNil(t, devbot)

	names := make(map[string]bool)
	for _, f := range devbot.Flags {
		for _, n := range f.Names() {
			names[n] = true
		}
	}
	assert.True(t, names["ngrok"])
	assert.True(t, names["ngrok-auth"])
	assert.True(t, names["ngrok-domain"])
}

func TestTunnelBridgeURI(t *testing.T) {
	assert.Equal(t, "wss://abc.ngrok.app/", tunnelBridgeURI("https://abc.ngrok.app"))
	assert.Equal(t, "ws://127.0.0.1:4040/", tunnelBridgeURI("http://127.0.0.1:4040"))
	assert.Equal(t, "tcp://x", tunnelBridgeURI("tcp://x"))
}

func TestServeTunnelWithoutToken(t *testing.T) {
	done := make(chan struct{})
	go func() {
		serveTunnel(context.Background(), http.NotFoundHandler(), "", "", slog.New(slog.NewTextHandler(io.Discard, nil)))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("serveTunnel without a token should return at once")
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
uri: ws://127.0.0.1:8080/
name: survival
token: secret
`), 0o600))

	cfg, err := loadConfig(path, true, "127.0.0.1:9999")
	require.NoError(t, err)
	assert.Equal(t, "survival", cfg.Name)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "127.0.0.1:9999", cfg.Admin.Listen)
}

func TestLoadConfigDefaultPathFallsBackToEnv(t *testing.T) {
	if _, err := os.Stat(defaultConfigPath); err == nil {
		t.Skip("a default config file exists in the working directory")
	}
	t.Setenv("QQBOT_URI", "ws://127.0.0.1:8080/")
	t.Setenv("QQBOT_NAME", "lobby")
	t.Setenv("QQBOT_TOKEN", "t")

	cfg, err := loadConfig(defaultConfigPath, false, "")
	require.NoError(t, err)
	assert.Equal(t, "lobby", cfg.Name)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadConfigMissingExplicitFile(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "nope.yml"), false, "")
	assert.ErrorIs(t, err, config.ErrConfigNotFound)
}

func TestParseConsoleLine(t *testing.T) {
	tests := []struct {
		line   string
		typ    protocol.EventType
		await  bool
		ok     bool
		expect protocol.Payload
	}{
		{line: "   ", ok: false},
		{line: "players", typ: protocol.TypePlayerList, await: true, ok: true, expect: protocol.Empty{}},
		{line: "occupation", typ: protocol.TypeServerOccupation, await: true, ok: true, expect: protocol.Empty{}},
		{line: "say hello there", typ: protocol.TypeMessage, ok: true, expect: protocol.Segments{"hello there"}},
		{line: "time set day", typ: protocol.TypeCommand, await: true, ok: true, expect: protocol.Text("time set day")},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			env, await, ok := parseConsoleLine(tt.line)
			assert.Equal(t, tt.ok, ok)
			if !ok {
				return
			}
			assert.Equal(t, tt.typ, env.Type)
			assert.Equal(t, tt.await, await)
			assert.Equal(t, tt.expect, env.Data)
		})
	}
}

func TestAdminReachable(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		http.NotFound(w, r)
	}))
	assert.True(t, adminReachable(context.Background(), ts.URL))

	ts.Close()
	assert.False(t, adminReachable(context.Background(), ts.URL))
}

func TestStartAppServesAdminAPI(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := websocket.NewHub(websocket.HubOptions{Codec: protocol.DefaultCodec})
	go hub.Run(ctx)
	ts := httptest.NewServer(hub.Handler())
	defer ts.Close()

	cfg := config.Default()
	cfg.URI = "ws" + strings.TrimPrefix(ts.URL, "http") + "/"
	cfg.Name = "survival"
	cfg.Token = "secret"
	cfg.Admin.Listen = "127.0.0.1:0"
	cfg.Log.Level = "error"
	cfg.Timeouts.Call = time.Second
	cfg.Timeouts.Close = 200 * time.Millisecond
	cfg.Timeouts.StartupDelay = 10 * time.Millisecond

	a, err := startApp(cfg, io.Discard)
	require.NoError(t, err)
	require.NotEmpty(t, a.AdminURL())

	require.Eventually(t, func() bool {
		return hub.Senders() == 1 && hub.Listeners() == 1
	}, 2*time.Second, 10*time.Millisecond)

	for _, path := range []string{"/health", "/api/status", "/metrics"} {
		resp, err := http.Get(a.AdminURL() + path)
		require.NoError(t, err, path)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}

	resp, err := http.Post(a.AdminURL()+"/mcp", "application/json",
		strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
	require.NoError(t, err)
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(data), "bridge_status")

	resp, err = http.Get(a.AdminURL() + "/mcp")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	assert.NoError(t, a.Stop(context.Background()))
	assert.Eventually(t, func() bool {
		return hub.Senders() == 0 && hub.Listeners() == 0
	}, 2*time.Second, 10*time.Millisecond)
}
