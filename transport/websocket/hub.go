package websocket

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/xinge4088/qqbot/config"
	"github.com/xinge4088/qqbot/protocol"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The bridge is not a browser; origin is meaningless here.
		return true
	},
}

// Event is an envelope received by the Hub on an outbound channel.
type Event struct {
	Envelope protocol.Envelope
	Client   string
}

// HubOptions configures a Hub.
type HubOptions struct {
	// Token, when set, must match the token in the info header.
	Token string

	Codec protocol.Codec

	// Respond builds the reply to an event. Returning false sends nothing.
	// The default acknowledges everything.
	Respond func(protocol.Envelope) (protocol.Response, bool)

	// EchoIDs copies the request id into replies. The chat-bot service
	// does not echo ids, so tests run both ways.
	EchoIDs bool

	Logger *slog.Logger
}

// client is one bridge channel connected to the Hub.
type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	role Role
	name string
}

type pushRequest struct {
	data []byte
	sent chan int
}

// Hub is a stand-in for the chat-bot service. It accepts both bridge
// channels, validates the handshake, answers events arriving on sender
// channels and pushes commands down listener channels.
type Hub struct {
	opts HubOptions
	log  *slog.Logger

	// Owned by Run.
	clients map[*client]bool

	register   chan *client
	unregister chan *client
	push       chan pushRequest
	drop       chan struct{}
	quit       chan struct{}

	events  chan Event
	replies chan protocol.Response

	accepting  atomic.Bool
	handshakes atomic.Int64
	listeners  atomic.Int64
	senders    atomic.Int64

	// pushMu keeps one Push waiting for a reply at a time.
	pushMu sync.Mutex
}

// NewHub creates a Hub that accepts connections.
func NewHub(opts HubOptions) *Hub {
	if opts.Respond == nil {
		opts.Respond = func(protocol.Envelope) (protocol.Response, bool) {
			return protocol.NewResponse(true, "ok"), true
		}
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	h := &Hub{
		opts:       opts,
		log:        log.With("component", "devbot"),
		clients:    make(map[*client]bool),
		register:   make(chan *client),
		unregister: make(chan *client),
		push:       make(chan pushRequest),
		drop:       make(chan struct{}),
		quit:       make(chan struct{}),
		events:     make(chan Event, 256),
		replies:    make(chan protocol.Response, 16),
	}
	h.accepting.Store(true)
	return h
}

// Run starts the hub's event loop. It returns when ctx is cancelled, after
// closing every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.quit)
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				h.unregisterClient(c)
			}
			return

		case c := <-h.register:
			h.registerClient(c)

		case c := <-h.unregister:
			h.unregisterClient(c)

		case p := <-h.push:
			p.sent <- h.pushToListeners(p.data)

		case <-h.drop:
			for c := range h.clients {
				h.unregisterClient(c)
			}
		}
	}
}

// Handler routes both channel paths to the Hub.
func (h *Hub) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/"+config.OutboundPath, func(w http.ResponseWriter, r *http.Request) {
		h.ServeWS(w, r, RoleOutbound)
	})
	r.HandleFunc("/"+config.InboundPath, func(w http.ResponseWriter, r *http.Request) {
		h.ServeWS(w, r, RoleInbound)
	})
	return r
}

// ServeWS validates the handshake and upgrades the request into a channel
// of the given role.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, role Role) {
	h.handshakes.Add(1)

	if !h.accepting.Load() {
		http.Error(w, "not accepting connections", http.StatusServiceUnavailable)
		return
	}

	info, err := h.opts.Codec.DecodeHeaders(r.Header.Get("info"))
	if err != nil {
		h.log.Warn("rejected handshake", "role", string(role), "error", err)
		http.Error(w, "invalid info header", http.StatusUnauthorized)
		return
	}
	if h.opts.Token != "" && info.Token != h.opts.Token {
		h.log.Warn("rejected handshake", "role", string(role), "name", info.Name, "error", "token mismatch")
		http.Error(w, "invalid token", http.StatusForbidden)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, 256),
		role: role,
		name: info.Name,
	}
	select {
	case h.register <- c:
	case <-h.quit:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// Events returns the envelopes received on sender channels.
func (h *Hub) Events() <-chan Event { return h.events }

// Push sends env to every listener and waits for the first reply.
func (h *Hub) Push(ctx context.Context, env protocol.Envelope) (protocol.Response, error) {
	h.pushMu.Lock()
	defer h.pushMu.Unlock()

	// Forget replies nobody waited for.
	for len(h.replies) > 0 {
		<-h.replies
	}

	if err := h.PushNoReply(ctx, env); err != nil {
		return protocol.Response{}, err
	}

	select {
	case resp := <-h.replies:
		return resp, nil
	case <-ctx.Done():
		return protocol.Response{}, ctx.Err()
	}
}

// PushNoReply sends env to every listener without waiting.
func (h *Hub) PushNoReply(ctx context.Context, env protocol.Envelope) error {
	frame, err := h.opts.Codec.Encode(env)
	if err != nil {
		return err
	}
	return h.PushRaw(ctx, frame)
}

// PushRaw sends frame unchanged to every listener.
func (h *Hub) PushRaw(ctx context.Context, frame string) error {
	p := pushRequest{data: []byte(frame), sent: make(chan int, 1)}
	select {
	case h.push <- p:
	case <-ctx.Done():
		return ctx.Err()
	case <-h.quit:
		return ErrNoListeners
	}
	if n := <-p.sent; n == 0 {
		return ErrNoListeners
	}
	return nil
}

// Reply waits for the next listener reply not consumed by Push.
func (h *Hub) Reply(ctx context.Context) (protocol.Response, error) {
	select {
	case resp := <-h.replies:
		return resp, nil
	case <-ctx.Done():
		return protocol.Response{}, ctx.Err()
	}
}

// SetAccepting makes the Hub accept or refuse new connections.
func (h *Hub) SetAccepting(accept bool) { h.accepting.Store(accept) }

// DropAll closes every connected channel.
func (h *Hub) DropAll() {
	select {
	case h.drop <- struct{}{}:
	case <-h.quit:
	}
}

// Handshakes returns the number of connection attempts seen, accepted or not.
func (h *Hub) Handshakes() int { return int(h.handshakes.Load()) }

// Listeners returns the number of connected listener channels.
func (h *Hub) Listeners() int { return int(h.listeners.Load()) }

// Senders returns the number of connected sender channels.
func (h *Hub) Senders() int { return int(h.senders.Load()) }

func (h *Hub) registerClient(c *client) {
	h.clients[c] = true
	h.counter(c.role).Add(1)
	h.log.Info("client registered", "role", string(c.role), "name", c.name, "total", len(h.clients))
}

func (h *Hub) unregisterClient(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	h.counter(c.role).Add(-1)
	h.log.Info("client unregistered", "role", string(c.role), "name", c.name, "remaining", len(h.clients))
}

func (h *Hub) counter(role Role) *atomic.Int64 {
	if role == RoleInbound {
		return &h.listeners
	}
	return &h.senders
}

func (h *Hub) pushToListeners(data []byte) int {
	n := 0
	for c := range h.clients {
		if c.role != RoleInbound {
			continue
		}
		select {
		case c.send <- data:
			n++
		default:
			h.unregisterClient(c)
		}
	}
	return n
}

func (h *Hub) handleEvent(c *client, frame string) {
	env, err := h.opts.Codec.Decode(frame)
	if err != nil {
		h.log.Warn("bad event", "name", c.name, "error", err)
		c.reply(protocol.NewResponse(false, protocol.ReplyMalformedMessage))
		return
	}

	select {
	case h.events <- Event{Envelope: env, Client: c.name}:
	default:
		h.log.Warn("event buffer full, dropping", "type", string(env.Type))
	}

	resp, ok := h.opts.Respond(env)
	if !ok {
		return
	}
	if h.opts.EchoIDs {
		resp.ID = env.ID
	}
	c.reply(resp)
}

func (h *Hub) handleReply(c *client, frame string) {
	resp, err := h.opts.Codec.DecodeResponse(frame)
	if err != nil {
		h.log.Warn("bad reply", "name", c.name, "error", err)
		return
	}
	select {
	case h.replies <- resp:
	default:
		h.log.Warn("reply buffer full, dropping")
	}
}

// reply queues a response for the client. The send channel may already be
// closed by the hub, so a panic here means the client is gone.
func (c *client) reply(resp protocol.Response) {
	frame, err := c.hub.opts.Codec.EncodeResponse(resp)
	if err != nil {
		c.hub.log.Warn("encode reply", "error", err)
		return
	}
	defer func() { _ = recover() }()
	select {
	case c.send <- []byte(frame):
	default:
	}
}

// readPump pumps frames from the bridge to the hub.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.quit:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.hub.log.Debug("websocket error", "name", c.name, "error", err)
			}
			break
		}
		if c.role == RoleInbound {
			c.hub.handleReply(c, string(data))
		} else {
			c.hub.handleEvent(c, string(data))
		}
	}
}

// writePump pumps frames from the hub to the bridge, one frame per message.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "dropped"))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.log.Debug("write failed", "name", c.name, "error", fmt.Errorf("%w: %v", ErrTransport, err))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
