package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/xinge4088/qqbot/bridge"
	"github.com/xinge4088/qqbot/protocol"
	"github.com/xinge4088/qqbot/transport/websocket"
)

// BridgeService is the part of *bridge.Bridge the admin API drives.
type BridgeService interface {
	Status() bridge.Status
	Players(ctx context.Context) ([]string, error)
	NotifyPlayerJoined(ctx context.Context, name string) (protocol.Response, error)
	NotifyPlayerLeft(ctx context.Context, name string) (protocol.Response, error)
	NotifyPlayerChat(ctx context.Context, name, text string) error
	NotifyPlayerDeath(ctx context.Context, name, text string) (protocol.Response, error)
	NotifyServerStartup(ctx context.Context) (protocol.Response, error)
	NotifyServerShutdown(ctx context.Context) (protocol.Response, error)
	SendMessage(ctx context.Context, text string) (protocol.Response, error)
}

// Server represents the admin HTTP API
type Server struct {
	service BridgeService
	metrics http.Handler
	router  *mux.Router
}

// NewServer creates a new admin server. A nil metrics handler leaves
// /metrics unrouted.
func NewServer(svc BridgeService, metrics http.Handler) *Server {
	s := &Server{
		service: svc,
		metrics: metrics,
		router:  mux.NewRouter(),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/players", s.handlePlayers).Methods("GET")
	api.HandleFunc("/events/{type}", s.handleEvent).Methods("POST")
	api.HandleFunc("/message", s.handleMessage).Methods("POST")

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics).Methods("GET")
	}
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Response helpers
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondDeliveryError maps link failures to HTTP statuses.
func respondDeliveryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, websocket.ErrNotConnected):
		respondError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, websocket.ErrTimeout):
		respondError(w, http.StatusGatewayTimeout, err.Error())
	case errors.Is(err, bridge.ErrThrottled):
		respondError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		respondError(w, http.StatusRequestTimeout, err.Error())
	default:
		respondError(w, http.StatusBadGateway, err.Error())
	}
}

// EventRequest is the body of POST /api/events/{type}.
type EventRequest struct {
	Player string `json:"player,omitempty"`
	Text   string `json:"text,omitempty"`
}

// EventResult reports how the chat-bot service answered an event.
// Fire-and-forget events carry no reply.
type EventResult struct {
	Type    string `json:"type"`
	Awaited bool   `json:"awaited"`
	Success bool   `json:"success"`
	Reply   string `json:"reply,omitempty"`
}

func resultOf(t protocol.EventType, resp protocol.Response) EventResult {
	return EventResult{
		Type:    string(t),
		Awaited: true,
		Success: resp.Success,
		Reply:   resp.Text(),
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.service.Status())
}

func (s *Server) handlePlayers(w http.ResponseWriter, r *http.Request) {
	players, err := s.service.Players(r.Context())
	if err != nil {
		respondDeliveryError(w, err)
		return
	}
	if players == nil {
		players = []string{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"count":   len(players),
		"players": players,
	})
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	eventType := protocol.EventType(mux.Vars(r)["type"])

	var req EventRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	req.Player = strings.TrimSpace(req.Player)

	needsPlayer := eventType == protocol.TypePlayerJoined || eventType == protocol.TypePlayerLeft ||
		eventType == protocol.TypePlayerChat || eventType == protocol.TypePlayerDeath
	if needsPlayer && req.Player == "" {
		respondError(w, http.StatusBadRequest, "player is required")
		return
	}

	ctx := r.Context()
	var (
		resp protocol.Response
		err  error
	)
	switch eventType {
	case protocol.TypePlayerJoined:
		resp, err = s.service.NotifyPlayerJoined(ctx, req.Player)
	case protocol.TypePlayerLeft:
		resp, err = s.service.NotifyPlayerLeft(ctx, req.Player)
	case protocol.TypePlayerDeath:
		resp, err = s.service.NotifyPlayerDeath(ctx, req.Player, req.Text)
	case protocol.TypeServerStartup:
		resp, err = s.service.NotifyServerStartup(ctx)
	case protocol.TypeServerShutdown:
		resp, err = s.service.NotifyServerShutdown(ctx)
	case protocol.TypePlayerChat:
		if err := s.service.NotifyPlayerChat(ctx, req.Player, req.Text); err != nil {
			respondDeliveryError(w, err)
			return
		}
		respondJSON(w, http.StatusAccepted, EventResult{Type: string(eventType)})
		return
	default:
		respondError(w, http.StatusNotFound, fmt.Sprintf("unsupported event type: %s", eventType))
		return
	}

	if err != nil {
		respondDeliveryError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, resultOf(eventType, resp))
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		respondError(w, http.StatusBadRequest, "text is required")
		return
	}

	resp, err := s.service.SendMessage(r.Context(), req.Text)
	if err != nil {
		respondDeliveryError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, resultOf(protocol.TypeMessage, resp))
}

// Health check
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}
