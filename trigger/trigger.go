// Package trigger implements the runtime's trigger ingress (spec §6): a
// Source abstraction the FSM runtime subscribes to, plus two concrete
// adapters — an in-process channel source for tests and single-process
// deployments, and a NATS source for the real deployment topology,
// grounded on C360Studio-semspec's nats.go client wrapper
// (test/e2e/client/nats.go, cmd/semspec/app.go).
package trigger

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mbathe/eyeflow/graph/emit"
	"github.com/mbathe/eyeflow/ir"
)

// Source produces trigger events for the FSM runtime to consume. Run
// blocks, delivering events to handle until ctx is cancelled or the
// underlying stream terminates.
type Source interface {
	Run(ctx context.Context, handle func(ir.TriggerEvent)) error
}

// ChannelSource adapts an in-process Go channel into a Source — used by
// tests and by trigger producers that already live in this process (the
// approval coordinator's synthetic stream is wired directly instead, since
// it is already an ir.TriggerEvent channel).
type ChannelSource struct {
	Events <-chan ir.TriggerEvent
}

// NewChannelSource wraps events as a Source.
func NewChannelSource(events <-chan ir.TriggerEvent) *ChannelSource {
	return &ChannelSource{Events: events}
}

func (c *ChannelSource) Run(ctx context.Context, handle func(ir.TriggerEvent)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-c.Events:
			if !ok {
				return nil
			}
			handle(evt)
		}
	}
}

// Conn is the subscription capability this package depends on. A real
// connection from nats.Connect(url) satisfies it once wrapped with
// WrapNatsConn.
type Conn interface {
	Subscribe(subject string, cb func(subject string, data []byte)) (func() error, error)
}

// NATSSource subscribes to Subject on a NATS connection and decodes each
// message as a trigger event (spec §6's `{event_id, occurred_at, driver_id,
// workflow_id, workflow_version, payload, source}` wire shape).
type NATSSource struct {
	Conn    Conn
	Subject string
	Emitter emit.Emitter
}

// NewNATSSource builds a NATSSource. emitter may be nil.
func NewNATSSource(conn Conn, subject string, emitter emit.Emitter) *NATSSource {
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	return &NATSSource{Conn: conn, Subject: subject, Emitter: emitter}
}

func (n *NATSSource) Run(ctx context.Context, handle func(ir.TriggerEvent)) error {
	unsubscribe, err := n.Conn.Subscribe(n.Subject, func(subject string, data []byte) {
		var evt ir.TriggerEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			n.Emitter.Emit(emit.Event{Msg: "trigger_decode_failed", Meta: map[string]interface{}{"subject": subject, "error": err.Error()}})
			return
		}
		if evt.Source == "" {
			evt.Source = subject
		}
		handle(evt)
	})
	if err != nil {
		return fmt.Errorf("trigger: subscribe %s: %w", n.Subject, err)
	}
	<-ctx.Done()
	return unsubscribe()
}
