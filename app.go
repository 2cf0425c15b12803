package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/xinge4088/qqbot/api"
	"github.com/xinge4088/qqbot/bridge"
	"github.com/xinge4088/qqbot/config"
	"github.com/xinge4088/qqbot/host"
	"github.com/xinge4088/qqbot/logger"
	"github.com/xinge4088/qqbot/metrics"
	"github.com/xinge4088/qqbot/transport/mcp"
)

// app is a bridge running on a standalone host, with its admin API.
type app struct {
	cfg      *config.Config
	log      *slog.Logger
	closeLog func() error
	metrics  *metrics.Metrics
	host     *host.Standalone
	bridge   *bridge.Bridge

	admin    *http.Server
	listener net.Listener

	stopLoop context.CancelFunc
	loopDone chan struct{}
}

// startApp builds and starts the bridge. Console output of the host goes to
// out. The admin API is served when cfg.Admin.Listen is set.
func startApp(cfg *config.Config, out io.Writer) (*app, error) {
	log, closeLog, err := logger.New(cfg.Log)
	if err != nil {
		return nil, err
	}
	log.Info("starting", "app", AppName, "version", Version, "name", cfg.Name, "uri", cfg.URI)

	a := &app{
		cfg:      cfg,
		log:      log,
		closeLog: closeLog,
		metrics:  metrics.New(),
		host:     host.NewStandalone(out, log),
		loopDone: make(chan struct{}),
	}

	a.bridge, err = bridge.New(cfg, a.host, bridge.Options{
		Logger:  log,
		Metrics: a.metrics,
		OnReady: func() { log.Info("bridge ready") },
	})
	if err != nil {
		closeLog()
		return nil, err
	}

	var loopCtx context.Context
	loopCtx, a.stopLoop = context.WithCancel(context.Background())
	go func() {
		defer close(a.loopDone)
		if err := a.host.Run(loopCtx); err != nil && loopCtx.Err() == nil {
			log.Error("main loop stopped", "error", err)
		}
	}()

	if cfg.Admin.Listen != "" {
		a.listener, err = net.Listen("tcp", cfg.Admin.Listen)
		if err != nil {
			a.stopLoop()
			<-a.loopDone
			closeLog()
			return nil, fmt.Errorf("admin listener: %w", err)
		}
		mux := http.NewServeMux()
		mux.Handle("/", api.NewServer(a.bridge, a.metrics.Handler()))
		mux.Handle("/mcp", mcpHandler(mcp.NewClient(a.AdminURL())))
		a.admin = &http.Server{
			Handler:      mux,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: cfg.Timeouts.Call + 15*time.Second,
			IdleTimeout:  60 * time.Second,
		}
		go func() {
			if err := a.admin.Serve(a.listener); !isServerClosed(err) {
				log.Error("admin server error", "error", err)
			}
		}()
	}

	if err := a.bridge.Start(); err != nil {
		a.Stop(context.Background())
		return nil, err
	}
	return a, nil
}

// AdminURL returns the base URL of the admin API, or "" when it is not served.
func (a *app) AdminURL() string {
	if a.listener == nil {
		return ""
	}
	return "http://" + a.listener.Addr().String()
}

// Stop shuts the bridge down: the admin API stops taking requests, the
// shutdown notification is sent, both channels close and the main loop ends.
func (a *app) Stop(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeouts.Call+2*a.cfg.Timeouts.Close+5*time.Second)
	defer cancel()

	if a.admin != nil {
		if err := a.admin.Shutdown(ctx); err != nil {
			a.log.Warn("admin server shutdown", "error", err)
		}
	}

	err := a.bridge.Shutdown(ctx)
	if err != nil {
		a.log.Warn("bridge shutdown", "error", err)
	}

	a.stopLoop()
	<-a.loopDone
	if werr := a.host.Wait(ctx); werr != nil {
		a.log.Warn("background tasks still running", "error", werr)
	}

	a.log.Info("stopped")
	a.closeLog()
	return err
}

// mcpHandler answers single JSON-RPC MCP messages over HTTP POST. The tools
// call back into the admin API on the same listener.
func mcpHandler(client *mcp.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "POST" {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "Failed to read request", http.StatusBadRequest)
			return
		}
		defer r.Body.Close()

		response := client.GetMCPServer().HandleMessage(r.Context(), body)

		w.Header().Set("Content-Type", "application/json")
		responseData, err := json.Marshal(response)
		if err != nil {
			http.Error(w, "Failed to marshal response", http.StatusInternalServerError)
			return
		}
		w.Write(responseData)
	}
}
