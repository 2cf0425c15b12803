package websocket

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xinge4088/qqbot/metrics"
	"github.com/xinge4088/qqbot/protocol"
)

// DefaultCallTimeout bounds how long Call waits for a reply.
const DefaultCallTimeout = 5 * time.Second

// maxOutstanding caps the requests remembered for reply matching.
const maxOutstanding = 64

// Link is the transport a Correlator writes through. *Connection implements it.
type Link interface {
	IsConnected() bool
	Reconnect(ctx context.Context) bool
	Write(frame string) error
}

// CorrelatorOptions configures a Correlator.
type CorrelatorOptions struct {
	Timeout time.Duration
	Codec   protocol.Codec
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// NewID generates request ids. Defaults to random UUIDs.
	NewID func() string
	// LateReplyWindow is how long a reply to an abandoned or fire-and-forget
	// request is still expected. Defaults to Timeout.
	LateReplyWindow time.Duration
}

// Correlator turns the asynchronous reply stream of a Link into
// request/response calls.
//
// Calls are single-flight: a second Call waits until the first resolves.
// Every request carries an id. A reply echoing an id resolves exactly that
// request; a reply without one resolves the oldest request still on record,
// which holds because the remote answers in the order it receives. Requests
// whose caller gave up (timeout, cancellation) and fire-and-forget requests
// stay on record, so their replies are consumed and discarded instead of
// resolving a newer call. They expire after the late-reply window, so a reply
// the remote never sends does not shift every later id-less match.
type Correlator struct {
	link    Link
	codec   protocol.Codec
	timeout time.Duration
	window  time.Duration
	log     *slog.Logger
	metrics *metrics.Metrics
	newID   func() string

	gate chan struct{}

	// wireMu keeps queue order equal to write order.
	wireMu sync.Mutex

	mu    sync.Mutex
	queue []*pending
}

type pending struct {
	id      string
	typ     protocol.EventType
	awaited bool
	// expires is set once nobody waits for the reply.
	expires time.Time
	result  chan result
}

type result struct {
	resp protocol.Response
	err  error
}

// NewCorrelator creates a Correlator writing through link. The owner must
// route incoming frames to HandleFrame and socket closes to Disconnected.
func NewCorrelator(link Link, opts CorrelatorOptions) *Correlator {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultCallTimeout
	}
	if opts.LateReplyWindow <= 0 {
		opts.LateReplyWindow = opts.Timeout
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Correlator{
		link:    link,
		codec:   opts.Codec,
		timeout: opts.Timeout,
		window:  opts.LateReplyWindow,
		log:     log.With("component", "correlator"),
		metrics: opts.Metrics,
		newID:   opts.NewID,
		gate:    make(chan struct{}, 1),
	}
}

// Call sends env and waits for its reply. It fails with ErrNotConnected when
// the link cannot be (re)established, ErrTimeout when no reply arrives in
// time, and ErrTransport when the write fails or the socket drops while
// waiting. A reply with success=false is returned without error.
func (c *Correlator) Call(ctx context.Context, env protocol.Envelope) (protocol.Response, error) {
	typ := string(env.Type)

	if err := c.ensureConnected(ctx); err != nil {
		c.metrics.ObserveEvent(typ, metrics.OutcomeNotConnected)
		return protocol.Response{}, err
	}

	select {
	case c.gate <- struct{}{}:
	case <-ctx.Done():
		return protocol.Response{}, ctx.Err()
	}
	defer func() { <-c.gate }()

	start := time.Now()
	p, err := c.post(env, true)
	if err != nil {
		c.metrics.ObserveEvent(typ, metrics.OutcomeError)
		return protocol.Response{}, err
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case r := <-p.result:
		c.metrics.ObserveCallDuration(typ, time.Since(start))
		if r.err != nil {
			c.metrics.ObserveEvent(typ, metrics.OutcomeError)
			return protocol.Response{}, r.err
		}
		if r.resp.Success {
			c.metrics.ObserveEvent(typ, metrics.OutcomeOK)
		} else {
			c.metrics.ObserveEvent(typ, metrics.OutcomeRejected)
		}
		return r.resp, nil

	case <-timer.C:
		c.abandon(p)
		c.metrics.ObserveEvent(typ, metrics.OutcomeTimeout)
		c.log.Warn("timed out waiting for reply", "type", typ, "id", p.id, "timeout", c.timeout)
		return protocol.Response{}, fmt.Errorf("%w: %s after %s", ErrTimeout, typ, c.timeout)

	case <-ctx.Done():
		c.abandon(p)
		return protocol.Response{}, ctx.Err()
	}
}

// Send writes env without waiting for a reply.
func (c *Correlator) Send(ctx context.Context, env protocol.Envelope) error {
	typ := string(env.Type)

	if err := c.ensureConnected(ctx); err != nil {
		c.metrics.ObserveEvent(typ, metrics.OutcomeNotConnected)
		return err
	}
	if _, err := c.post(env, false); err != nil {
		c.metrics.ObserveEvent(typ, metrics.OutcomeError)
		return err
	}
	c.metrics.ObserveEvent(typ, metrics.OutcomeOK)
	return nil
}

// HandleFrame resolves the request a reply frame belongs to. It is the only
// path that resolves a pending request with a reply.
func (c *Correlator) HandleFrame(frame string) {
	resp, err := c.codec.DecodeResponse(frame)
	if err != nil {
		c.log.Warn("discarding malformed reply", "error", err)
		return
	}

	c.mu.Lock()
	p := c.matchLocked(resp.ID)
	awaited := p != nil && p.awaited
	c.mu.Unlock()

	switch {
	case p == nil:
		c.log.Debug("discarding unsolicited reply", "id", resp.ID)
	case !awaited:
		c.metrics.LateReply()
		c.log.Debug("discarding reply to unawaited request", "id", p.id, "type", p.typ)
	default:
		p.result <- result{resp: resp}
	}
}

// Disconnected forgets every outstanding request. Callers still waiting
// fail with ErrTransport; replies cannot arrive over a new socket.
func (c *Correlator) Disconnected() {
	c.mu.Lock()
	var waiting []*pending
	for _, p := range c.queue {
		if p.awaited {
			waiting = append(waiting, p)
		}
	}
	c.queue = nil
	c.mu.Unlock()

	for _, p := range waiting {
		p.result <- result{err: fmt.Errorf("%w: connection closed while waiting for %s", ErrTransport, p.typ)}
	}
}

// Outstanding returns the number of requests still on record.
func (c *Correlator) Outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

func (c *Correlator) ensureConnected(ctx context.Context) error {
	if c.link.IsConnected() {
		return nil
	}
	c.log.Info("not connected, trying to reconnect")
	if c.link.Reconnect(ctx) {
		return nil
	}
	return ErrNotConnected
}

func (c *Correlator) post(env protocol.Envelope, awaited bool) (*pending, error) {
	env.ID = c.newID()
	frame, err := c.codec.Encode(env)
	if err != nil {
		return nil, err
	}

	p := &pending{
		id:      env.ID,
		typ:     env.Type,
		awaited: awaited,
		result:  make(chan result, 1),
	}
	if !awaited {
		p.expires = time.Now().Add(c.window)
	}

	c.wireMu.Lock()
	defer c.wireMu.Unlock()

	c.enqueue(p)
	if err := c.link.Write(frame); err != nil {
		c.remove(p)
		return nil, err
	}
	return p, nil
}

func (c *Correlator) enqueue(p *pending) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.queue = append(c.queue, p)
	if len(c.queue) <= maxOutstanding {
		return
	}
	for i, old := range c.queue {
		if !old.awaited {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			return
		}
	}
}

func (c *Correlator) remove(p *pending) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, q := range c.queue {
		if q == p {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			return
		}
	}
}

// abandon keeps p on record so its late reply is consumed, but stops it from
// being delivered.
func (c *Correlator) abandon(p *pending) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p.awaited = false
	p.expires = time.Now().Add(c.window)
}

func (c *Correlator) matchLocked(id string) *pending {
	if id != "" {
		for i, p := range c.queue {
			if p.id == id {
				c.queue = append(c.queue[:i], c.queue[i+1:]...)
				return p
			}
		}
		return nil
	}
	now := time.Now()
	for len(c.queue) > 0 {
		p := c.queue[0]
		c.queue = c.queue[1:]
		if p.awaited || now.Before(p.expires) {
			return p
		}
		c.log.Debug("reply never arrived, forgetting request", "id", p.id, "type", p.typ)
	}
	return nil
}
