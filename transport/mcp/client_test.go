package mcp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/xinge4088/qqbot/api"
	"github.com/xinge4088/qqbot/bridge"
)

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if result == nil {
		t.Fatal("Expected result, got nil")
	}
	text, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatal("Expected text content in result")
	}
	return text.Text
}

func callRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func TestNewClient(t *testing.T) {
	client := NewClient("http://localhost:8089/")

	if client.baseURL != "http://localhost:8089" {
		t.Errorf("Expected trailing slash to be trimmed, got %s", client.baseURL)
	}
	if client.httpClient == nil {
		t.Error("Expected HTTP client to be initialized")
	}
	if client.GetMCPServer() == nil {
		t.Error("Expected MCP server to be initialized")
	}
}

func TestClient_apiCall_HTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"error": "not connected"})
	}))
	defer server.Close()

	client := NewClient(server.URL)

	err := client.apiCall(context.Background(), "GET", "/api/status", nil, nil)
	if err == nil || err.Error() != "not connected" {
		t.Errorf("Expected API error text, got %v", err)
	}
}

func TestClient_apiCall_Unreachable(t *testing.T) {
	client := NewClient("http://127.0.0.1:1")

	if err := client.apiCall(context.Background(), "GET", "/api/status", nil, nil); err == nil {
		t.Error("Expected error for unreachable API")
	}
}

func TestHandleStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/status" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(bridge.Status{
			Name:     "survival",
			URI:      "ws://bot.example:8080",
			Outbound: "connected",
			Inbound:  "disconnected",
			Running:  true,
		})
	}))
	defer server.Close()

	client := NewClient(server.URL)
	result, err := client.handleStatus(context.Background(), callRequest("bridge_status", nil))
	if err != nil {
		t.Fatalf("handleStatus failed: %v", err)
	}

	text := toolText(t, result)
	for _, want := range []string{`"survival"`, "Sender channel:   connected", "Listener channel: disconnected", "Running: yes"} {
		if !strings.Contains(text, want) {
			t.Errorf("Expected %q in result, got:\n%s", want, text)
		}
	}
}

func TestHandleListPlayers(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"count":   2,
			"players": []string{"Alex", "Steve"},
		})
	}))
	defer server.Close()

	client := NewClient(server.URL)
	result, err := client.handleListPlayers(context.Background(), callRequest("list_players", nil))
	if err != nil {
		t.Fatalf("handleListPlayers failed: %v", err)
	}

	text := toolText(t, result)
	if !strings.Contains(text, "Players online (2)") || !strings.Contains(text, "- Steve") {
		t.Errorf("Unexpected result: %s", text)
	}
}

func TestEventHandler(t *testing.T) {
	var gotPath string
	var gotBody api.EventRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(api.EventResult{Type: "player_death", Awaited: true, Success: true, Reply: "ok"})
	}))
	defer server.Close()

	client := NewClient(server.URL)
	handler := client.eventHandler("player_death")

	result, err := handler(context.Background(), callRequest("notify_player_death", map[string]interface{}{
		"player": "Steve",
		"text":   "Steve fell from a high place",
	}))
	if err != nil {
		t.Fatalf("handler failed: %v", err)
	}

	if gotPath != "/api/events/player_death" {
		t.Errorf("Expected event path, got %s", gotPath)
	}
	if gotBody.Player != "Steve" || gotBody.Text != "Steve fell from a high place" {
		t.Errorf("Unexpected body: %+v", gotBody)
	}
	if text := toolText(t, result); text != "player_death accepted: ok" {
		t.Errorf("Unexpected result: %s", text)
	}
}

func TestEventHandler_MissingPlayer(t *testing.T) {
	client := NewClient("http://127.0.0.1:1")

	result, err := client.eventHandler("player_joined")(context.Background(), callRequest("notify_player_joined", map[string]interface{}{}))
	if err != nil {
		t.Fatalf("handler failed: %v", err)
	}
	if !result.IsError {
		t.Error("Expected tool error for missing player")
	}
}

func TestHandleSendMessage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		json.NewEncoder(w).Encode(api.EventResult{Type: "message", Awaited: true, Success: false, Reply: "bot offline: " + body["text"]})
	}))
	defer server.Close()

	client := NewClient(server.URL)
	result, err := client.handleSendMessage(context.Background(), callRequest("send_message", map[string]interface{}{"text": "hi"}))
	if err != nil {
		t.Fatalf("handleSendMessage failed: %v", err)
	}
	if text := toolText(t, result); text != "message rejected: bot offline: hi" {
		t.Errorf("Unexpected result: %s", text)
	}
}

func TestFormatEventResult(t *testing.T) {
	tests := []struct {
		result api.EventResult
		want   string
	}{
		{api.EventResult{Type: "player_chat"}, "player_chat sent (no reply expected)"},
		{api.EventResult{Type: "player_joined", Awaited: true, Success: true, Reply: "ok"}, "player_joined accepted: ok"},
		{api.EventResult{Type: "player_left", Awaited: true, Reply: "unknown player"}, "player_left rejected: unknown player"},
	}

	for _, tt := range tests {
		if got := formatEventResult(&tt.result); got != tt.want {
			t.Errorf("Expected %q, got %q", tt.want, got)
		}
	}
}
