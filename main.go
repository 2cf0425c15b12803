// Command qqbot bridges a game server to a QQ chat-bot service.
//
// It supports four modes:
//  1. "run" (default) - runs the bridge on a standalone host, with the admin API and /metrics
//  2. "mcp" - runs an MCP stdio server against the admin API, starting an in-process bridge if none answers
//  3. "devbot" - runs a local stand-in for the chat-bot service
//  4. "check" - validates the configuration and prints the resolved endpoints
//
// Configuration comes from a YAML file (--config), QQBOT_* environment
// variables and a .env file in the working directory.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"
	"github.com/urfave/cli/v3"
	"github.com/xinge4088/qqbot/config"
	"github.com/xinge4088/qqbot/transport/mcp"
)

// Version information
const (
	Version = "1.0.0"
	AppName = "qqbot"
)

const (
	defaultConfigPath = "qqbot.yml"
	defaultAdminURL   = "http://127.0.0.1:8089"
)

// main loads .env, wires signal handling and runs the selected command.
func main() {
	// Load .env file if it exists (ignore error if not found)
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "warning: error loading .env file: %v\n", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newCommand().Run(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", AppName, err)
		os.Exit(1)
	}
}

func newCommand() *cli.Command {
	return &cli.Command{
		Name:    AppName,
		Usage:   "bridge game server events to a QQ chat-bot service",
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to the YAML configuration file",
				Value:   defaultConfigPath,
				Sources: cli.EnvVars("QQBOT_CONFIG"),
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "enable debug logging",
			},
			&cli.StringFlag{
				Name:  "listen",
				Usage: "admin API listen address (overrides admin.listen)",
			},
		},
		Action: runBridge,
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "run the bridge on a standalone host (default)",
				Action: runBridge,
			},
			{
				Name:  "mcp",
				Usage: "run an MCP stdio server backed by the admin API",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "api-url",
						Usage: "admin API of a running bridge",
						Value: defaultAdminURL,
					},
				},
				Action: runMCP,
			},
			{
				Name:  "devbot",
				Usage: "run a local stand-in for the chat-bot service",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "addr",
						Usage: "listen address",
						Value: "127.0.0.1:8080",
					},
					&cli.StringFlag{
						Name:    "token",
						Usage:   "token required in the handshake (empty accepts any)",
						Sources: cli.EnvVars("QQBOT_TOKEN"),
					},
					&cli.BoolFlag{
						Name:  "echo-ids",
						Usage: "copy request ids into replies",
					},
					&cli.BoolFlag{
						Name:    "ngrok",
						Usage:   "expose the devbot through an ngrok tunnel",
						Sources: cli.EnvVars("NGROK_ENABLED"),
					},
					&cli.StringFlag{
						Name:    "ngrok-auth",
						Usage:   "ngrok auth token",
						Sources: cli.EnvVars("NGROK_AUTHTOKEN", "NGROK_AUTH_TOKEN"),
					},
					&cli.StringFlag{
						Name:    "ngrok-domain",
						Usage:   "custom ngrok domain (optional)",
						Sources: cli.EnvVars("NGROK_DOMAIN"),
					},
				},
				Action: runDevbot,
			},
			{
				Name:   "check",
				Usage:  "validate the configuration and print the resolved endpoints",
				Action: runCheck,
			},
		},
	}
}

// loadConfig reads the configuration. A missing file at the default path is
// not an error: the environment alone may configure the bridge.
func loadConfig(path string, debug bool, listen string) (*config.Config, error) {
	if path == defaultConfigPath {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			path = ""
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if debug {
		cfg.Log.Level = "debug"
	}
	if listen != "" {
		cfg.Admin.Listen = listen
	}
	return cfg, nil
}

func runBridge(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd.String("config"), cmd.Bool("debug"), cmd.String("listen"))
	if err != nil {
		return err
	}

	a, err := startApp(cfg, os.Stdout)
	if err != nil {
		return err
	}
	if a.admin != nil {
		a.log.Info("admin API listening", "url", a.AdminURL())
	}

	<-ctx.Done()
	a.log.Info("received signal, shutting down")
	return a.Stop(context.Background())
}

// runMCP serves MCP over stdio. It reuses a running bridge's admin API when
// one answers, and otherwise starts a bridge in-process on a loopback port.
func runMCP(ctx context.Context, cmd *cli.Command) error {
	baseURL := cmd.String("api-url")

	var a *app
	if !adminReachable(ctx, baseURL) {
		cfg, err := loadConfig(cmd.String("config"), cmd.Bool("debug"), "127.0.0.1:0")
		if err != nil {
			return fmt.Errorf("no admin API at %s and no local bridge: %w", baseURL, err)
		}
		// stdout carries the MCP stream.
		if cfg.Log.Output == "stdout" {
			cfg.Log.Output = "stderr"
		}
		a, err = startApp(cfg, os.Stderr)
		if err != nil {
			return err
		}
		defer a.Stop(context.Background())
		baseURL = a.AdminURL()
		a.log.Info("started in-process bridge for MCP", "admin", baseURL)
	}

	client := mcp.NewClient(baseURL)
	return server.ServeStdio(client.GetMCPServer())
}

func adminReachable(ctx context.Context, baseURL string) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < 500
}

func isServerClosed(err error) bool {
	return err == nil || errors.Is(err, http.ErrServerClosed)
}

func runCheck(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd.String("config"), cmd.Bool("debug"), cmd.String("listen"))
	if err != nil {
		fmt.Fprintln(cmd.Root().Writer, "❌ INVALID")
		return err
	}
	return printCheck(cmd.Root().Writer, cfg)
}

func printCheck(w io.Writer, cfg *config.Config) error {
	sender, err := cfg.Endpoint(config.OutboundPath)
	if err != nil {
		return err
	}
	listener, err := cfg.Endpoint(config.InboundPath)
	if err != nil {
		return err
	}

	fmt.Fprintln(w, "✅ VALID")
	fmt.Fprintf(w, "  name: %s\n", cfg.Name)
	fmt.Fprintf(w, "  sender: %s\n", sender)
	fmt.Fprintf(w, "  listener: %s\n", listener)
	fmt.Fprintf(w, "  reconnect: %d attempts, %s apart\n", cfg.Reconnect.Attempts, cfg.Reconnect.Backoff)
	if cfg.Admin.Listen != "" {
		fmt.Fprintf(w, "  admin: %s\n", cfg.Admin.Listen)
	}
	return nil
}
