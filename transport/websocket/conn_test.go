package websocket

import (
	"context"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xinge4088/qqbot/config"
)

func newTestConnection(t *testing.T, server *httptest.Server, role Role) *Connection {
	t.Helper()
	path := config.OutboundPath
	if role == RoleInbound {
		path = config.InboundPath
	}
	c := NewConnection(Options{
		Role:         role,
		URL:          wsURL(server, path),
		Header:       infoHeader(t, "survival", testToken),
		Attempts:     3,
		Backoff:      10 * time.Millisecond,
		CloseTimeout: 200 * time.Millisecond,
		Logger:       discardLogger(),
	})
	t.Cleanup(func() { c.Close(context.Background()) })
	return c
}

func waitConnected(t *testing.T, c *Connection) {
	t.Helper()
	require.Eventually(t, c.IsConnected, 2*time.Second, 5*time.Millisecond)
}

func TestConnectionConnect(t *testing.T) {
	hub, server := startHub(t, HubOptions{})
	c := newTestConnection(t, server, RoleOutbound)

	var opened atomic.Int32
	c.OnOpen(func() { opened.Add(1) })

	assert.Equal(t, StateDisconnected, c.State())
	c.Connect()
	waitConnected(t, c)

	assert.Equal(t, StateConnected, c.State())
	assert.True(t, c.Running())
	assert.Equal(t, int32(1), opened.Load())
	assert.Eventually(t, func() bool { return hub.Senders() == 1 }, time.Second, 5*time.Millisecond)

	// A second Connect on a live socket is a no-op.
	c.Connect()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, hub.Handshakes())
}

func TestConnectionWriteWhenDisconnected(t *testing.T) {
	_, server := startHub(t, HubOptions{})
	c := newTestConnection(t, server, RoleOutbound)

	assert.ErrorIs(t, c.Write("frame"), ErrNotConnected)
}

func TestConnectionReconnectsAfterRemoteClose(t *testing.T) {
	hub, server := startHub(t, HubOptions{})
	c := newTestConnection(t, server, RoleOutbound)

	var (
		mu     sync.Mutex
		codes  []int
		remote []bool
	)
	c.OnClose(func(code int, reason string, r bool) {
		mu.Lock()
		defer mu.Unlock()
		codes = append(codes, code)
		remote = append(remote, r)
	})

	c.Connect()
	waitConnected(t, c)

	hub.DropAll()

	require.Eventually(t, func() bool { return hub.Handshakes() == 2 && c.IsConnected() }, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, codes, 1)
	assert.Equal(t, 1001, codes[0])
	assert.True(t, remote[0])
}

func TestConnectionReconnectAttemptsAreBounded(t *testing.T) {
	hub, server := startHub(t, HubOptions{})
	c := newTestConnection(t, server, RoleOutbound)

	c.Connect()
	waitConnected(t, c)

	hub.SetAccepting(false)
	hub.DropAll()

	// One accepted handshake plus three refused attempts.
	require.Eventually(t, func() bool { return hub.Handshakes() == 4 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, 4, hub.Handshakes())
	assert.False(t, c.IsConnected())
	assert.Equal(t, StateDisconnected, c.State())
	assert.True(t, c.Running())
}

func TestConnectionCloseStopsReconnects(t *testing.T) {
	hub, server := startHub(t, HubOptions{})
	c := newTestConnection(t, server, RoleOutbound)

	c.Connect()
	waitConnected(t, c)

	require.NoError(t, c.Close(context.Background()))
	assert.False(t, c.Running())
	assert.False(t, c.IsConnected())
	assert.Equal(t, StateDisconnected, c.State())

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, hub.Handshakes())
	assert.False(t, c.Reconnect(context.Background()))
	assert.Equal(t, 1, hub.Handshakes())
}

func TestConnectionReconnectOnDemand(t *testing.T) {
	hub, server := startHub(t, HubOptions{})
	hub.SetAccepting(false)
	c := newTestConnection(t, server, RoleOutbound)

	c.Connect()
	// The initial dial plus a full episode.
	require.Eventually(t, func() bool { return hub.Handshakes() == 4 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.False(t, c.IsConnected())

	hub.SetAccepting(true)
	assert.True(t, c.Reconnect(context.Background()))
	assert.True(t, c.IsConnected())
	assert.Equal(t, 5, hub.Handshakes())
}

func TestConnectionReconnectJoinsEpisode(t *testing.T) {
	hub, server := startHub(t, HubOptions{})
	hub.SetAccepting(false)
	c := newTestConnection(t, server, RoleOutbound)
	c.Connect()
	require.Eventually(t, func() bool { return hub.Handshakes() == 4 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			c.Reconnect(context.Background())
		}()
	}
	close(start)
	wg.Wait()

	// Five concurrent callers share one bounded episode.
	assert.Equal(t, 7, hub.Handshakes())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "closing", StateClosing.String())
	assert.Equal(t, "state(9)", State(9).String())
}

func TestBackoffSpacing(t *testing.T) {
	fixed := NewConnection(Options{Role: RoleOutbound, Backoff: 10 * time.Millisecond, Logger: discardLogger()})
	b := fixed.newBackoff()
	for i := 0; i < 3; i++ {
		assert.Equal(t, 10*time.Millisecond, b.Duration())
	}

	growing := NewConnection(Options{
		Role:       RoleOutbound,
		Backoff:    10 * time.Millisecond,
		MaxBackoff: 40 * time.Millisecond,
		Logger:     discardLogger(),
	})
	b = growing.newBackoff()
	var got []time.Duration
	for i := 0; i < 4; i++ {
		got = append(got, b.Duration())
	}
	assert.Equal(t, []time.Duration{
		10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond, 40 * time.Millisecond,
	}, got)
	assert.Equal(t, float64(4), b.Attempt())

	jittered := NewConnection(Options{
		Role:       RoleOutbound,
		Backoff:    10 * time.Millisecond,
		MaxBackoff: 80 * time.Millisecond,
		Jitter:     true,
		Logger:     discardLogger(),
	})
	b = jittered.newBackoff()
	for i := 0; i < 5; i++ {
		d := b.Duration()
		assert.GreaterOrEqual(t, d, 10*time.Millisecond)
		assert.LessOrEqual(t, d, 80*time.Millisecond)
	}
}
