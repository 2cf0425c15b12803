package main

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/urfave/cli/v3"
	"github.com/xinge4088/qqbot/config"
	"github.com/xinge4088/qqbot/logger"
	"github.com/xinge4088/qqbot/protocol"
	"github.com/xinge4088/qqbot/transport/websocket"
	"golang.ngrok.com/ngrok"
	ngrokConfig "golang.ngrok.com/ngrok/config"
)

// runDevbot serves a local chat-bot stand-in, optionally also through an
// ngrok tunnel so a game server on another machine can reach it. Lines typed
// on stdin are pushed to connected bridges:
//
//	say <text>      message, broadcast in game
//	players         player_list query
//	occupation      server_occupation query
//	<anything else> command
func runDevbot(ctx context.Context, cmd *cli.Command) error {
	level := "info"
	if cmd.Bool("debug") {
		level = "debug"
	}
	log, closeLog, err := logger.New(config.LogConfig{Level: level, Format: "text", Output: "stderr"})
	if err != nil {
		return err
	}
	defer closeLog()

	hub := websocket.NewHub(websocket.HubOptions{
		Token:   cmd.String("token"),
		Codec:   protocol.DefaultCodec,
		EchoIDs: cmd.Bool("echo-ids"),
		Logger:  log,
	})

	srv := &http.Server{
		Addr:        cmd.String("addr"),
		Handler:     hub.Handler(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go hub.Run(ctx)
	go logEvents(ctx, hub, log)
	go readConsole(ctx, os.Stdin, hub, log)

	errCh := make(chan error, 1)
	go func() {
		log.Info("devbot listening", "addr", srv.Addr,
			"sender", "/"+config.OutboundPath, "listener", "/"+config.InboundPath)
		errCh <- srv.ListenAndServe()
	}()

	tunnelCtx, stopTunnel := context.WithCancel(ctx)
	defer stopTunnel()
	var wg sync.WaitGroup
	if cmd.Bool("ngrok") {
		wg.Add(1)
		go func() {
			defer wg.Done()
			serveTunnel(tunnelCtx, srv.Handler, cmd.String("ngrok-auth"), cmd.String("ngrok-domain"), log)
		}()
	}

	select {
	case err = <-errCh:
		if isServerClosed(err) {
			err = nil
		}
	case <-ctx.Done():
		log.Info("shutting down devbot")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = srv.Shutdown(shutdownCtx)
	}

	stopTunnel()
	wg.Wait()
	return err
}

// serveTunnel serves handler through an ngrok HTTP endpoint until ctx ends.
func serveTunnel(ctx context.Context, handler http.Handler, authToken, domain string, log *slog.Logger) {
	if authToken == "" {
		log.Warn("ngrok enabled but no auth token provided (use --ngrok-auth, NGROK_AUTHTOKEN, or NGROK_AUTH_TOKEN)")
		return
	}

	log.Info("starting ngrok tunnel")
	var tunnel ngrokConfig.Tunnel
	if domain != "" {
		tunnel = ngrokConfig.HTTPEndpoint(ngrokConfig.WithDomain(domain))
		log.Info("using custom ngrok domain", "domain", domain)
	} else {
		tunnel = ngrokConfig.HTTPEndpoint()
	}

	tun, err := ngrok.Listen(ctx, tunnel, ngrok.WithAuthtoken(authToken))
	if err != nil {
		log.Error("failed to start ngrok tunnel", "error", err)
		return
	}
	go func() {
		<-ctx.Done()
		if err := tun.Close(); err != nil {
			log.Warn("failed to close ngrok tunnel", "error", err)
		}
	}()

	log.Info("ngrok tunnel established", "url", tun.URL(), "bridge_uri", tunnelBridgeURI(tun.URL()))
	if err := http.Serve(tun, handler); err != nil && ctx.Err() == nil {
		log.Warn("ngrok server error", "error", err)
	}
	log.Info("ngrok tunnel closed")
}

// tunnelBridgeURI is the uri a bridge configures to reach the devbot through
// a tunnel URL.
func tunnelBridgeURI(tunnelURL string) string {
	switch {
	case strings.HasPrefix(tunnelURL, "https://"):
		return "wss://" + strings.TrimPrefix(tunnelURL, "https://") + "/"
	case strings.HasPrefix(tunnelURL, "http://"):
		return "ws://" + strings.TrimPrefix(tunnelURL, "http://") + "/"
	default:
		return tunnelURL
	}
}

func logEvents(ctx context.Context, hub *websocket.Hub, log *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-hub.Events():
			log.Info("event", "client", ev.Client, "type", string(ev.Envelope.Type),
				"data", payloadText(ev.Envelope.Data))
		}
	}
}

func payloadText(p protocol.Payload) string {
	switch v := p.(type) {
	case protocol.Text:
		return string(v)
	case protocol.Pair:
		return v.Name + ": " + v.Text
	case protocol.Segments:
		return v.String()
	case protocol.Raw:
		return string(v)
	default:
		return ""
	}
}

// parseConsoleLine turns one typed line into the envelope to push. Messages
// expect no reply.
func parseConsoleLine(line string) (env protocol.Envelope, awaitReply bool, ok bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return protocol.Envelope{}, false, false
	}

	switch {
	case line == "players":
		return protocol.NewEnvelope(protocol.TypePlayerList, protocol.Empty{}), true, true
	case line == "occupation":
		return protocol.NewEnvelope(protocol.TypeServerOccupation, protocol.Empty{}), true, true
	case strings.HasPrefix(line, "say "):
		text := strings.TrimSpace(strings.TrimPrefix(line, "say "))
		return protocol.NewEnvelope(protocol.TypeMessage, protocol.Segments{text}), false, true
	default:
		return protocol.NewEnvelope(protocol.TypeCommand, protocol.Text(line)), true, true
	}
}

func readConsole(ctx context.Context, in io.Reader, hub *websocket.Hub, log *slog.Logger) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		env, awaitReply, ok := parseConsoleLine(scanner.Text())
		if !ok {
			continue
		}

		pushCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if awaitReply {
			resp, err := hub.Push(pushCtx, env)
			if err != nil {
				log.Warn("push failed", "type", string(env.Type), "error", err)
			} else {
				log.Info("reply", "type", string(env.Type), "success", resp.Success, "data", resp.Text())
			}
		} else if err := hub.PushNoReply(pushCtx, env); err != nil {
			log.Warn("push failed", "type", string(env.Type), "error", err)
		}
		cancel()

		if ctx.Err() != nil {
			return
		}
	}
}
