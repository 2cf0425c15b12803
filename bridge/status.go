package bridge

import (
	"context"
)

// Status is a snapshot of the link.
type Status struct {
	Name        string `json:"name"`
	URI         string `json:"uri"`
	Outbound    string `json:"outbound"`
	Inbound     string `json:"inbound"`
	Running     bool   `json:"running"`
	Outstanding int    `json:"outstanding"`
}

// Status reports the state of both channels.
func (b *Bridge) Status() Status {
	b.mu.Lock()
	running := b.started && !b.stopped
	b.mu.Unlock()

	return Status{
		Name:        b.cfg.Name,
		URI:         b.cfg.URI,
		Outbound:    b.outbound.State().String(),
		Inbound:     b.inbound.State().String(),
		Running:     running,
		Outstanding: b.corr.Outstanding(),
	}
}

// Connected reports whether both channels are up.
func (b *Bridge) Connected() bool {
	return b.outbound.IsConnected() && b.inbound.IsConnected()
}

// Players lists the online players. The host is queried on its main
// context; Players waits for the answer or ctx.
func (b *Bridge) Players(ctx context.Context) ([]string, error) {
	ch := make(chan []string, 1)
	b.host.ScheduleOnMain(func() { ch <- b.host.ListOnlinePlayers() })

	select {
	case players := <-ch:
		return players, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
