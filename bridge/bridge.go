package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/xinge4088/qqbot/config"
	"github.com/xinge4088/qqbot/dispatch"
	"github.com/xinge4088/qqbot/host"
	"github.com/xinge4088/qqbot/metrics"
	"github.com/xinge4088/qqbot/protocol"
	"github.com/xinge4088/qqbot/transport/websocket"
	"golang.org/x/time/rate"
)

var (
	ErrThrottled = errors.New("chat relay throttled")
	ErrStarted   = errors.New("bridge already started")
	ErrStopped   = errors.New("bridge shut down")
)

// Options configures a Bridge.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// Codec defaults to protocol.DefaultCodec.
	Codec *protocol.Codec
	// OnReady runs once on the host's main context after the sender
	// channel first opens, before the startup notification is scheduled.
	OnReady func()
}

// playerTracker is implemented by hosts that derive the online-player list
// from join/leave events, such as host.Console.
type playerTracker interface {
	PlayerJoined(name string)
	PlayerLeft(name string) bool
}

// Bridge is the game-side end of the link.
type Bridge struct {
	cfg     *config.Config
	host    host.Host
	log     *slog.Logger
	metrics *metrics.Metrics
	onReady func()

	outbound   *websocket.Connection
	inbound    *websocket.Connection
	corr       *websocket.Correlator
	dispatcher *dispatch.Dispatcher
	chat       *rate.Limiter

	mu      sync.Mutex
	started bool
	stopped bool
	ready   bool
}

// New validates cfg and builds a Bridge forwarding inbound commands to h.
func New(cfg *config.Config, h host.Host, opts Options) (*Bridge, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	codec := protocol.DefaultCodec
	if opts.Codec != nil {
		codec = *opts.Codec
	}

	outboundURL, err := cfg.Endpoint(config.OutboundPath)
	if err != nil {
		return nil, err
	}
	inboundURL, err := cfg.Endpoint(config.InboundPath)
	if err != nil {
		return nil, err
	}

	info, err := codec.EncodeHeaders(protocol.HandshakeHeaders{Name: cfg.Name, Token: cfg.Token})
	if err != nil {
		return nil, fmt.Errorf("encode handshake: %w", err)
	}
	outboundHeader := http.Header{}
	outboundHeader.Set("info", info)
	inboundHeader := outboundHeader.Clone()
	inboundHeader.Set("type", cfg.ClientType)

	b := &Bridge{
		cfg:     cfg,
		host:    h,
		log:     log.With("component", "bridge"),
		metrics: opts.Metrics,
		onReady: opts.OnReady,
		chat:    newLimiter(cfg.ChatRate),
	}

	b.outbound = websocket.NewConnection(websocket.Options{
		Role:         websocket.RoleOutbound,
		URL:          outboundURL,
		Header:       outboundHeader,
		Attempts:     cfg.Reconnect.Attempts,
		Backoff:      cfg.Reconnect.Backoff,
		MaxBackoff:   cfg.Reconnect.MaxBackoff,
		Jitter:       cfg.Reconnect.Jitter,
		CloseTimeout: cfg.Timeouts.Close,
		Async:        h.ScheduleAsync,
		Logger:       log,
		Metrics:      opts.Metrics,
	})
	b.inbound = websocket.NewConnection(websocket.Options{
		Role:         websocket.RoleInbound,
		URL:          inboundURL,
		Header:       inboundHeader,
		Attempts:     cfg.Reconnect.Attempts,
		Backoff:      cfg.Reconnect.Backoff,
		MaxBackoff:   cfg.Reconnect.MaxBackoff,
		Jitter:       cfg.Reconnect.Jitter,
		CloseTimeout: cfg.Timeouts.Close,
		Async:        h.ScheduleAsync,
		Logger:       log,
		Metrics:      opts.Metrics,
	})

	b.corr = websocket.NewCorrelator(b.outbound, websocket.CorrelatorOptions{
		Timeout: cfg.Timeouts.Call,
		Codec:   codec,
		Logger:  log,
		Metrics: opts.Metrics,
	})
	b.outbound.OnMessage(b.corr.HandleFrame)
	b.outbound.OnClose(func(int, string, bool) { b.corr.Disconnected() })
	b.outbound.OnOpen(b.outboundOpened)

	b.dispatcher = dispatch.New(h, dispatch.Options{
		Codec:   codec,
		Logger:  log,
		Metrics: opts.Metrics,
	})
	b.inbound.OnMessage(b.handleInbound)

	return b, nil
}

func newLimiter(cfg config.RateConfig) *rate.Limiter {
	if cfg.PerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(cfg.PerSecond), burst)
}

// Start connects the sender channel in the background.
func (b *Bridge) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return ErrStopped
	}
	if b.started {
		return ErrStarted
	}
	b.started = true

	b.log.Info("starting bridge", "uri", b.cfg.URI, "name", b.cfg.Name)
	b.outbound.Connect()
	return nil
}

// outboundOpened runs after every (re)connect of the sender channel.
// A sender reopened by the shutdown notification leaves the listener alone.
func (b *Bridge) outboundOpened() {
	b.mu.Lock()
	stopped := b.stopped
	first := !b.ready && !stopped
	if !stopped {
		b.ready = true
	}
	b.mu.Unlock()
	if stopped {
		return
	}

	b.inbound.Connect()
	if !first {
		return
	}

	b.host.ScheduleOnMain(func() {
		if b.onReady != nil {
			b.onReady()
		}
		b.host.ScheduleDelayed(func() {
			b.host.ScheduleAsync(b.announceStartup)
		}, b.cfg.Timeouts.StartupDelay)
	})
}

func (b *Bridge) announceStartup() {
	if _, err := b.NotifyServerStartup(context.Background()); err != nil {
		b.log.Warn("startup notification failed", "error", err)
	}
}

func (b *Bridge) handleInbound(frame string) {
	reply, ok := b.dispatcher.HandleFrame(frame)
	if !ok {
		return
	}
	if err := b.inbound.Write(reply); err != nil {
		b.log.Warn("failed to send reply", "error", err)
	}
}

// Shutdown notifies the chat-bot service and closes both channels. The
// notification is always attempted; a sender channel that is down gets one
// reconnect episode first, bounded by ctx and the call timeout.
func (b *Bridge) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return nil
	}
	b.stopped = true
	b.mu.Unlock()

	if _, err := b.NotifyServerShutdown(ctx); err != nil {
		b.log.Warn("shutdown notification failed", "error", err)
	}

	err := errors.Join(b.outbound.Close(ctx), b.inbound.Close(ctx))
	b.log.Info("bridge stopped")
	return err
}

// NotifyPlayerJoined announces a player joining and waits for the reply.
func (b *Bridge) NotifyPlayerJoined(ctx context.Context, name string) (protocol.Response, error) {
	if t, ok := b.host.(playerTracker); ok {
		t.PlayerJoined(name)
	}
	return b.call(ctx, protocol.NewEnvelope(protocol.TypePlayerJoined, protocol.Text(name)))
}

// NotifyPlayerLeft announces a player leaving and waits for the reply.
func (b *Bridge) NotifyPlayerLeft(ctx context.Context, name string) (protocol.Response, error) {
	if t, ok := b.host.(playerTracker); ok {
		t.PlayerLeft(name)
	}
	return b.call(ctx, protocol.NewEnvelope(protocol.TypePlayerLeft, protocol.Text(name)))
}

// NotifyPlayerChat relays a chat line without waiting for a reply. Lines
// over the configured rate fail with ErrThrottled.
func (b *Bridge) NotifyPlayerChat(ctx context.Context, name, text string) error {
	if !b.chat.Allow() {
		b.metrics.ObserveEvent(string(protocol.TypePlayerChat), metrics.OutcomeThrottled)
		return ErrThrottled
	}
	err := b.corr.Send(ctx, protocol.NewEnvelope(protocol.TypePlayerChat, protocol.Pair{Name: name, Text: text}))
	b.reviveInbound()
	if err != nil {
		b.log.Warn("chat relay failed", "player", name, "error", err)
	}
	return err
}

// NotifyPlayerDeath announces a death with its message and waits for the reply.
func (b *Bridge) NotifyPlayerDeath(ctx context.Context, name, text string) (protocol.Response, error) {
	return b.call(ctx, protocol.NewEnvelope(protocol.TypePlayerDeath, protocol.Pair{Name: name, Text: text}))
}

func (b *Bridge) NotifyServerStartup(ctx context.Context) (protocol.Response, error) {
	return b.call(ctx, protocol.NewEnvelope(protocol.TypeServerStartup, nil))
}

func (b *Bridge) NotifyServerShutdown(ctx context.Context) (protocol.Response, error) {
	return b.call(ctx, protocol.NewEnvelope(protocol.TypeServerShutdown, nil))
}

// SendMessage sends a free-form message to the chat-bot service and waits
// for the reply.
func (b *Bridge) SendMessage(ctx context.Context, text string) (protocol.Response, error) {
	return b.call(ctx, protocol.NewEnvelope(protocol.TypeMessage, protocol.Text(text)))
}

func (b *Bridge) call(ctx context.Context, env protocol.Envelope) (protocol.Response, error) {
	resp, err := b.corr.Call(ctx, env)
	b.reviveInbound()
	switch {
	case err != nil:
		b.log.Warn("event not delivered", "type", string(env.Type), "error", err)
	case !resp.Success:
		b.log.Warn("event rejected", "type", string(env.Type), "reason", resp.Text())
	default:
		b.log.Debug("event delivered", "type", string(env.Type))
	}
	return resp, err
}

// reviveInbound starts a fresh episode for a listener channel that gave up
// while the sender kept working. Outbound traffic is the only trigger the
// listener gets, since it never writes on its own.
func (b *Bridge) reviveInbound() {
	b.mu.Lock()
	live := b.started && !b.stopped
	b.mu.Unlock()
	if !live || !b.outbound.IsConnected() || b.inbound.IsConnected() {
		return
	}
	b.log.Debug("listener channel down, reconnecting")
	b.inbound.Connect()
}
