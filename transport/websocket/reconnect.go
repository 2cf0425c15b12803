package websocket

import (
	"context"
	"time"

	"github.com/jpillora/backoff"
)

// episode is one bounded run of reconnect attempts. Callers that find an
// episode in flight wait for it instead of dialing in parallel.
type episode struct {
	done chan struct{}
}

// Reconnect runs a reconnect episode on the calling goroutine, or waits for
// the one already in flight, and reports whether the connection is up
// afterwards. It never dials once the connection has been closed on purpose.
func (c *Connection) Reconnect(ctx context.Context) bool {
	if c.IsConnected() {
		return true
	}

	e, owner := c.startEpisode()
	if e == nil {
		return false
	}
	if owner {
		c.runEpisode(e, false)
	} else {
		select {
		case <-e.done:
		case <-ctx.Done():
			return false
		}
	}
	return c.IsConnected()
}

// scheduleReconnect starts an episode on a background worker. A disconnect
// that happens while an episode is running is remembered and handled once
// that episode ends.
func (c *Connection) scheduleReconnect() {
	e, owner := c.startEpisode()
	if e == nil {
		return
	}
	if !owner {
		c.mu.Lock()
		c.retry = true
		c.mu.Unlock()
		return
	}
	c.log.Info("scheduling reconnect", "attempts", c.opts.Attempts, "backoff", c.opts.Backoff)
	c.opts.Async(func() { c.runEpisode(e, false) })
}

func (c *Connection) startEpisode() (*episode, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return nil, false
	}
	if c.episode != nil {
		return c.episode, false
	}
	c.episode = &episode{done: make(chan struct{})}
	return c.episode, true
}

// runEpisode performs at most Attempts dials spaced by Backoff. An initial
// episode first dials once without waiting, as the plain connect.
func (c *Connection) runEpisode(e *episode, initial bool) {
	defer c.finishEpisode(e)

	c.mu.Lock()
	ctx := c.ctx
	c.mu.Unlock()

	if initial {
		err := c.dial(ctx)
		if err == nil {
			return
		}
		c.log.Warn("connect failed", "url", c.opts.URL, "error", err)
	}

	b := c.newBackoff()
	for int(b.Attempt()) < c.opts.Attempts {
		timer := time.NewTimer(b.Duration())
		attempt := int(b.Attempt())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if !c.Running() {
			return
		}

		c.opts.Metrics.ReconnectAttempt(string(c.opts.Role))
		c.log.Warn("connection to bot lost, reconnecting", "attempt", attempt, "max", c.opts.Attempts)

		err := c.dial(ctx)
		if err == nil {
			c.log.Info("reconnected to bot", "attempt", attempt)
			return
		}
		c.log.Debug("reconnect attempt failed", "attempt", attempt, "error", err)
	}

	if c.Running() {
		c.log.Warn("reconnect failed, giving up until the next send", "attempts", c.opts.Attempts)
	}
}

// newBackoff spaces the attempts of one episode. The default spacing is
// fixed at Backoff.
func (c *Connection) newBackoff() *backoff.Backoff {
	return &backoff.Backoff{
		Min:    c.opts.Backoff,
		Max:    c.opts.MaxBackoff,
		Factor: 2,
		Jitter: c.opts.Jitter,
	}
}

func (c *Connection) finishEpisode(e *episode) {
	c.mu.Lock()
	c.episode = nil
	retry := c.retry && c.running && c.conn == nil
	c.retry = false
	c.mu.Unlock()
	close(e.done)

	if retry {
		c.scheduleReconnect()
	}
}
