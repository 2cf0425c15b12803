// Package mcp provides a Model Context Protocol server for the bridge.
//
// The mcp package implements:
//   - MCP tool definitions for the bridge admin API
//   - A thin HTTP client proxying every tool call to that API
//
// MCP Tools:
//
// The package exposes the following tools for AI agents:
//   - bridge_status: State of the sender and listener channels
//   - list_players: Players currently online
//   - notify_player_joined: Announce a player joining
//   - notify_player_left: Announce a player leaving
//   - notify_player_chat: Relay a chat line without waiting
//   - notify_player_death: Announce a death with its message
//   - send_message: Send a message and wait for the reply
//
// Usage:
//
//	client := mcp.NewClient("http://127.0.0.1:8089")
//	server.ServeStdio(client.GetMCPServer())
//
// The admin API must be reachable; tool errors carry the API's error text.
package mcp
