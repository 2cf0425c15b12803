// Package dispatch routes envelopes received from the chat-bot service to
// the host.
package dispatch

import (
	"errors"
	"log/slog"

	"github.com/xinge4088/qqbot/host"
	"github.com/xinge4088/qqbot/metrics"
	"github.com/xinge4088/qqbot/protocol"
)

// Options configures a Dispatcher.
type Options struct {
	Codec   protocol.Codec
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Dispatcher handles inbound envelopes. It runs on the connection's read
// goroutine, so every host call is handed to the host's main context and
// never awaited.
type Dispatcher struct {
	host    host.Host
	codec   protocol.Codec
	log     *slog.Logger
	metrics *metrics.Metrics
}

// New creates a Dispatcher forwarding to h.
func New(h host.Host, opts Options) *Dispatcher {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		host:    h,
		codec:   opts.Codec,
		log:     log.With("component", "dispatcher"),
		metrics: opts.Metrics,
	}
}

// HandleFrame decodes frame, dispatches it and returns the encoded reply.
// ok is false when the message takes no reply.
func (d *Dispatcher) HandleFrame(frame string) (reply string, ok bool) {
	env, err := d.codec.Decode(frame)
	var resp protocol.Response
	switch {
	case errors.Is(err, protocol.ErrMalformedPayload):
		d.log.Warn("malformed payload", "type", string(env.Type), "error", err)
		d.metrics.ObserveInbound(label(env.Type), metrics.OutcomeMalformed)
		resp = protocol.NewResponse(false, protocol.ReplyMalformedPayload)
		resp.ID = env.ID
	case err != nil:
		d.log.Warn("malformed message", "error", err)
		d.metrics.ObserveInbound(metrics.OutcomeUnknown, metrics.OutcomeMalformed)
		resp = protocol.NewResponse(false, protocol.ReplyMalformedMessage)
	default:
		if resp, ok = d.Dispatch(env); !ok {
			return "", false
		}
	}

	out, err := d.codec.EncodeResponse(resp)
	if err != nil {
		d.log.Error("encode reply", "error", err)
		return "", false
	}
	return out, true
}

// Dispatch routes a decoded envelope. ok is false for message envelopes,
// which take no reply. Replies echo the envelope id.
func (d *Dispatcher) Dispatch(env protocol.Envelope) (resp protocol.Response, ok bool) {
	defer func() { resp.ID = env.ID }()

	switch env.Type {
	case protocol.TypeMessage:
		text := messageText(env.Data)
		d.host.ScheduleOnMain(func() { d.host.Broadcast(text) })
		d.metrics.ObserveInbound(string(env.Type), metrics.OutcomeOK)
		return protocol.Response{}, false

	case protocol.TypeCommand:
		command, _ := env.Data.(protocol.Text)
		d.host.ScheduleOnMain(func() {
			if err := d.host.RunConsoleCommand(string(command)); err != nil {
				d.log.Warn("console command failed", "command", string(command), "error", err)
			}
		})

	case protocol.TypePlayerList:
		// The list is logged on the host side only; the reply stays an acknowledgement.
		d.host.ScheduleOnMain(func() {
			players := d.host.ListOnlinePlayers()
			d.log.Info("online players", "count", len(players), "players", players)
		})

	case protocol.TypeServerOccupation:
		d.host.ScheduleOnMain(func() {
			d.log.Info("server occupation",
				"cpu_percent", d.host.ProcessCPULoad(),
				"memory_percent", d.host.ProcessMemoryUsage())
		})

	default:
		d.log.Warn("unknown event type", "type", string(env.Type))
		d.metrics.ObserveInbound(metrics.OutcomeUnknown, metrics.OutcomeUnknown)
		return protocol.NewResponse(false, protocol.ReplyUnknownEventType), true
	}

	d.metrics.ObserveInbound(string(env.Type), metrics.OutcomeOK)
	return protocol.NewResponse(true, protocol.ReplyAcknowledged), true
}

func messageText(p protocol.Payload) string {
	switch v := p.(type) {
	case protocol.Text:
		return string(v)
	case protocol.Segments:
		return v.String()
	}
	return ""
}

func label(t protocol.EventType) string {
	if t.Known() {
		return string(t)
	}
	return metrics.OutcomeUnknown
}
