package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/xinge4088/qqbot/api"
	"github.com/xinge4088/qqbot/bridge"
)

// Client is a thin MCP client that proxies to the admin API
type Client struct {
	baseURL    string
	httpClient *http.Client
	mcpServer  *server.MCPServer
}

// NewClient creates a new MCP client that calls the admin API
func NewClient(baseURL string) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			// Must exceed the bridge call timeout.
			Timeout: 30 * time.Second,
		},
	}

	c.initMCPServer()
	return c
}

// initMCPServer initializes the MCP server with all tools
func (c *Client) initMCPServer() {
	c.mcpServer = server.NewMCPServer(
		"QQ Bot Bridge",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions(`QQ Bot Bridge - MCP Interface

This is a thin client that proxies all requests to the bridge admin API.

The bridge links a game server to a QQ chat-bot service. Game events sent
through these tools reach the chat-bot service exactly as if the game server
had produced them.

AVAILABLE TOOLS:
- bridge_status: State of the sender and listener channels
- list_players: Players currently online
- notify_player_joined / notify_player_left: Announce a player joining or leaving
- notify_player_chat: Relay a chat line (not awaited, rate limited)
- notify_player_death: Announce a death with its message
- send_message: Send a free-form message and wait for the reply

Awaited tools report whether the chat-bot service accepted the event.`),
	)

	// Register all tools
	c.registerTools()
}

func playerProperty() map[string]interface{} {
	return map[string]interface{}{
		"type":        "string",
		"description": "Player name",
	}
}

// registerTools registers all MCP tools
func (c *Client) registerTools() {
	c.mcpServer.AddTool(mcp.Tool{
		Name:        "bridge_status",
		Description: "Get the state of both bridge channels",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}, c.handleStatus)

	c.mcpServer.AddTool(mcp.Tool{
		Name:        "list_players",
		Description: "List the players currently online",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}, c.handleListPlayers)

	c.mcpServer.AddTool(mcp.Tool{
		Name:        "notify_player_joined",
		Description: "Announce that a player joined the game server",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"player": playerProperty(),
			},
			Required: []string{"player"},
		},
	}, c.eventHandler("player_joined"))

	c.mcpServer.AddTool(mcp.Tool{
		Name:        "notify_player_left",
		Description: "Announce that a player left the game server",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"player": playerProperty(),
			},
			Required: []string{"player"},
		},
	}, c.eventHandler("player_left"))

	c.mcpServer.AddTool(mcp.Tool{
		Name:        "notify_player_chat",
		Description: "Relay a chat line. The chat-bot service does not reply to chat",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"player": playerProperty(),
				"text": map[string]interface{}{
					"type":        "string",
					"description": "Chat line",
				},
			},
			Required: []string{"player", "text"},
		},
	}, c.eventHandler("player_chat"))

	c.mcpServer.AddTool(mcp.Tool{
		Name:        "notify_player_death",
		Description: "Announce a player death",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"player": playerProperty(),
				"text": map[string]interface{}{
					"type":        "string",
					"description": "Death message, e.g. 'Steve fell from a high place'",
				},
			},
			Required: []string{"player", "text"},
		},
	}, c.eventHandler("player_death"))

	c.mcpServer.AddTool(mcp.Tool{
		Name:        "send_message",
		Description: "Send a free-form message to the chat-bot service and wait for its reply",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"text": map[string]interface{}{
					"type":        "string",
					"description": "Message text",
				},
			},
			Required: []string{"text"},
		},
	}, c.handleSendMessage)
}

// GetMCPServer returns the underlying MCP server for serving
func (c *Client) GetMCPServer() *server.MCPServer {
	return c.mcpServer
}

// Helper methods for API calls

func (c *Client) apiCall(ctx context.Context, method, path string, body interface{}, result interface{}) error {
	url := c.baseURL + path

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewBuffer(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return err
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errResp map[string]string
		json.NewDecoder(resp.Body).Decode(&errResp)
		if msg, ok := errResp["error"]; ok {
			return fmt.Errorf("%s", msg)
		}
		return fmt.Errorf("API error: %d", resp.StatusCode)
	}

	if result != nil {
		return json.NewDecoder(resp.Body).Decode(result)
	}

	return nil
}

func arguments(request mcp.CallToolRequest) map[string]interface{} {
	args, _ := request.Params.Arguments.(map[string]interface{})
	return args
}

// Tool handlers

func (c *Client) handleStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var status bridge.Status
	if err := c.apiCall(ctx, "GET", "/api/status", nil, &status); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(formatStatus(&status)), nil
}

func (c *Client) handleListPlayers(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var response struct {
		Count   int      `json:"count"`
		Players []string `json:"players"`
	}
	if err := c.apiCall(ctx, "GET", "/api/players", nil, &response); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	if response.Count == 0 {
		return mcp.NewToolResultText("No players online"), nil
	}
	result := fmt.Sprintf("Players online (%d):\n", response.Count)
	for _, p := range response.Players {
		result += fmt.Sprintf("- %s\n", p)
	}
	return mcp.NewToolResultText(result), nil
}

func (c *Client) eventHandler(eventType string) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := arguments(request)
		player, _ := args["player"].(string)
		text, _ := args["text"].(string)

		if strings.TrimSpace(player) == "" {
			return mcp.NewToolResultError("player is required"), nil
		}

		body := api.EventRequest{Player: player, Text: text}
		var result api.EventResult
		if err := c.apiCall(ctx, "POST", "/api/events/"+eventType, body, &result); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(formatEventResult(&result)), nil
	}
}

func (c *Client) handleSendMessage(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	text, _ := arguments(request)["text"].(string)
	if strings.TrimSpace(text) == "" {
		return mcp.NewToolResultError("text is required"), nil
	}

	var result api.EventResult
	if err := c.apiCall(ctx, "POST", "/api/message", map[string]string{"text": text}, &result); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(formatEventResult(&result)), nil
}

func formatStatus(s *bridge.Status) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Bridge %q -> %s\n", s.Name, s.URI)
	fmt.Fprintf(&b, "Sender channel:   %s\n", s.Outbound)
	fmt.Fprintf(&b, "Listener channel: %s\n", s.Inbound)
	if s.Running {
		b.WriteString("Running: yes\n")
	} else {
		b.WriteString("Running: no\n")
	}
	fmt.Fprintf(&b, "Requests awaiting a reply: %d\n", s.Outstanding)
	return b.String()
}

func formatEventResult(r *api.EventResult) string {
	if !r.Awaited {
		return fmt.Sprintf("%s sent (no reply expected)", r.Type)
	}
	if r.Success {
		return fmt.Sprintf("%s accepted: %s", r.Type, r.Reply)
	}
	return fmt.Sprintf("%s rejected: %s", r.Type, r.Reply)
}
