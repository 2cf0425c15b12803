package websocket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/xinge4088/qqbot/metrics"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 1 << 20

	handshakeTimeout = 10 * time.Second
)

// Role tells the two bridge channels apart.
type Role string

const (
	// RoleOutbound pushes game events and awaits replies.
	RoleOutbound Role = "sender"
	// RoleInbound receives commands from the chat-bot service.
	RoleInbound Role = "listener"
)

// State is the lifecycle state of a Connection.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Options configures a Connection.
type Options struct {
	Role   Role
	URL    string
	Header http.Header

	// Attempts bounds one reconnect episode; Backoff spaces the attempts.
	// With MaxBackoff above Backoff the spacing doubles per attempt up to
	// MaxBackoff. Jitter randomizes each wait.
	Attempts   int
	Backoff    time.Duration
	MaxBackoff time.Duration
	Jitter     bool

	// CloseTimeout bounds how long Close waits for the closing handshake.
	CloseTimeout time.Duration

	// Async runs background work (dials, reconnect episodes). Defaults to a
	// plain goroutine; the bridge passes the host's async scheduler.
	Async func(func())

	Dialer  *websocket.Dialer
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Connection owns one WebSocket client for one role: it dials with the
// handshake headers, runs the read loop, and reconnects after unintended
// closes. The zero value is not usable; use NewConnection.
type Connection struct {
	opts   Options
	log    *slog.Logger
	dialer *websocket.Dialer

	mu       sync.Mutex
	conn     *websocket.Conn
	state    State
	running  bool
	ctx      context.Context
	cancel   context.CancelFunc
	readDone chan struct{}
	episode  *episode
	retry    bool

	// gorilla/websocket supports one concurrent writer
	writeMu sync.Mutex

	hookMu    sync.RWMutex
	onOpen    []func()
	onClose   []func(code int, reason string, remote bool)
	onMessage func(frame string)
}

// NewConnection creates a disconnected Connection.
func NewConnection(opts Options) *Connection {
	if opts.Attempts < 0 {
		opts.Attempts = 0
	}
	if opts.Backoff <= 0 {
		opts.Backoff = time.Second
	}
	if opts.MaxBackoff < opts.Backoff {
		opts.MaxBackoff = opts.Backoff
	}
	if opts.CloseTimeout <= 0 {
		opts.CloseTimeout = 2 * time.Second
	}
	if opts.Async == nil {
		opts.Async = func(fn func()) { go fn() }
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		}
	}

	c := &Connection{
		opts:   opts,
		log:    log.With("component", "websocket", "role", string(opts.Role)),
		dialer: dialer,
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	opts.Metrics.SetConnectionState(string(opts.Role), int(StateDisconnected))
	return c
}

// Role returns the channel role.
func (c *Connection) Role() Role { return c.opts.Role }

// OnOpen registers a hook run after every successful (re)connect.
func (c *Connection) OnOpen(fn func()) {
	c.hookMu.Lock()
	defer c.hookMu.Unlock()
	c.onOpen = append(c.onOpen, fn)
}

// OnClose registers a hook run after every close of an open socket.
func (c *Connection) OnClose(fn func(code int, reason string, remote bool)) {
	c.hookMu.Lock()
	defer c.hookMu.Unlock()
	c.onClose = append(c.onClose, fn)
}

// OnMessage sets the handler for incoming text frames. It runs on the read
// goroutine and must not block for long.
func (c *Connection) OnMessage(fn func(frame string)) {
	c.hookMu.Lock()
	defer c.hookMu.Unlock()
	c.onMessage = fn
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether the socket is open and neither closing nor
// closed.
func (c *Connection) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && c.state == StateConnected
}

// Running reports whether the connection should be kept alive.
func (c *Connection) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Connect starts connecting in the background and returns immediately. The
// outcome is reported through the OnOpen hooks or, on failure, a reconnect
// episode.
func (c *Connection) Connect() {
	c.mu.Lock()
	if !c.running {
		c.running = true
		c.ctx, c.cancel = context.WithCancel(context.Background())
	}
	busy := c.state == StateConnected || c.state == StateClosing
	c.mu.Unlock()
	if busy {
		return
	}

	if e, owner := c.startEpisode(); owner {
		c.opts.Async(func() { c.runEpisode(e, true) })
	}
}

// dial opens one socket. On success the read loop is started and the OnOpen
// hooks run.
func (c *Connection) dial(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return ErrNotConnected
	}
	if c.conn != nil && c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	conn, resp, err := c.dialer.DialContext(ctx, c.opts.URL, c.opts.Header)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w: handshake status %d: %v", ErrTransport, resp.StatusCode, err)
		} else {
			err = fmt.Errorf("%w: %v", ErrTransport, err)
		}
		c.mu.Lock()
		if c.state == StateConnecting {
			c.setStateLocked(StateDisconnected)
		}
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	if !c.running {
		c.setStateLocked(StateDisconnected)
		c.mu.Unlock()
		_ = conn.Close()
		return ErrNotConnected
	}
	if c.conn != nil {
		c.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	done := make(chan struct{})
	c.conn = conn
	c.readDone = done
	c.setStateLocked(StateConnected)
	c.mu.Unlock()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go c.readPump(conn, done)
	go c.pingPump(conn, done)

	c.log.Info("connected to bot", "url", c.opts.URL)

	c.hookMu.RLock()
	hooks := append([]func(){}, c.onOpen...)
	c.hookMu.RUnlock()
	for _, fn := range hooks {
		fn()
	}
	return nil
}

// readPump delivers frames to the message handler until the socket fails.
func (c *Connection) readPump(conn *websocket.Conn, done chan struct{}) {
	var err error
	for {
		var data []byte
		_, data, err = conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		c.deliver(string(data))
	}

	code, reason, remote := websocket.CloseAbnormalClosure, err.Error(), false
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		code, reason, remote = ce.Code, ce.Text, true
	} else if c.Running() {
		c.log.Warn("websocket error", "error", fmt.Errorf("%w: %v", ErrTransport, err))
	}
	c.closed(conn, done, code, reason, remote)
}

func (c *Connection) deliver(frame string) {
	c.hookMu.RLock()
	fn := c.onMessage
	c.hookMu.RUnlock()
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("message handler panicked", "panic", r)
		}
	}()
	fn(frame)
}

func (c *Connection) pingPump(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.log.Debug("ping failed", "error", err)
				_ = conn.Close()
				return
			}
		}
	}
}

// closed moves the connection to Disconnected after the read loop of conn
// ended, runs the OnClose hooks, and starts a reconnect episode unless the
// close was intentional.
func (c *Connection) closed(conn *websocket.Conn, done chan struct{}, code int, reason string, remote bool) {
	_ = conn.Close()

	c.mu.Lock()
	close(done)
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.readDone = nil
	c.setStateLocked(StateDisconnected)
	running := c.running
	c.mu.Unlock()

	if running {
		c.log.Warn("connection to bot closed", "code", code, "reason", reason, "remote", remote)
	} else {
		c.log.Info("connection to bot closed", "code", code)
	}

	c.hookMu.RLock()
	hooks := append([]func(int, string, bool){}, c.onClose...)
	c.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(code, reason, remote)
	}

	if running {
		c.scheduleReconnect()
	}
}

// Write sends one text frame.
func (c *Connection) Write(frame string) error {
	c.mu.Lock()
	conn := c.conn
	connected := conn != nil && c.state == StateConnected
	c.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return nil
}

// Close shuts the connection down on purpose: reconnects stop first, then
// the closing handshake runs, bounded by CloseTimeout or ctx.
func (c *Connection) Close(ctx context.Context) error {
	c.mu.Lock()
	c.running = false
	c.cancel()
	conn := c.conn
	done := c.readDone
	if conn == nil {
		if c.state != StateDisconnected {
			c.setStateLocked(StateDisconnected)
		}
		c.mu.Unlock()
		return nil
	}
	c.setStateLocked(StateClosing)
	c.mu.Unlock()

	c.writeMu.Lock()
	err := conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
		time.Now().Add(writeWait))
	c.writeMu.Unlock()

	timer := time.NewTimer(c.opts.CloseTimeout)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
	case <-ctx.Done():
	}

	// Force the read loop out if the peer never answered the close frame.
	_ = conn.Close()
	select {
	case <-done:
	case <-time.After(c.opts.CloseTimeout):
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
			c.readDone = nil
			c.setStateLocked(StateDisconnected)
		}
		c.mu.Unlock()
	}

	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return nil
}

func (c *Connection) setStateLocked(s State) {
	c.state = s
	c.opts.Metrics.SetConnectionState(string(c.opts.Role), int(s))
}
