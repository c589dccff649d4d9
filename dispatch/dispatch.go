package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mbathe/eyeflow/graph/emit"
	"github.com/mbathe/eyeflow/ir"
	"github.com/mbathe/eyeflow/pipeline"
	"github.com/mbathe/eyeflow/sandbox"
)

// historyCap bounds the propagated-event ring history (spec §4.9).
const historyCap = 500

// NodeDispatcher delivers a RemoteCommand to targetNodeID — the hook C9
// uses to emit dispatch_remote_command actions across a node boundary.
type NodeDispatcher interface {
	Dispatch(ctx context.Context, targetNodeID string, cmd ir.RemoteCommand) error
}

// Dispatcher implements C9.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string][]HandlerDescriptor // machine_id -> handlers

	historyMu sync.Mutex
	history   []ir.PropagatedEvent
	histHead  int
	histFull  bool

	nodeDispatcher NodeDispatcher
	executor       *pipeline.Executor
	sandbox        *sandbox.Sandbox
	emitter        emit.Emitter
}

// New builds a Dispatcher. executor runs each handler's pipeline[] (may be
// nil if no handler declares one); nodeDispatcher may be nil if no handler
// dispatches remote commands.
func New(nodeDispatcher NodeDispatcher, executor *pipeline.Executor, sb *sandbox.Sandbox, emitter emit.Emitter) *Dispatcher {
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	if sb == nil {
		sb = sandbox.New()
	}
	return &Dispatcher{
		handlers:       make(map[string][]HandlerDescriptor),
		history:        make([]ir.PropagatedEvent, historyCap),
		nodeDispatcher: nodeDispatcher,
		executor:       executor,
		sandbox:        sb,
		emitter:        emitter,
	}
}

// RegisterHandler adds a handler descriptor for its TriggeredByMachineID.
func (d *Dispatcher) RegisterHandler(h HandlerDescriptor) {
	if h.HandlerID == "" {
		h.HandlerID = uuid.NewString()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[h.TriggeredByMachineID] = append(d.handlers[h.TriggeredByMachineID], h)
}

// UnregisterWorkflow removes every handler registered by workflowID.
func (d *Dispatcher) UnregisterWorkflow(workflowID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for machineID, hs := range d.handlers {
		kept := hs[:0]
		for _, h := range hs {
			if h.WorkflowID != workflowID {
				kept = append(kept, h)
			}
		}
		d.handlers[machineID] = kept
	}
}

func (d *Dispatcher) appendHistory(evt ir.PropagatedEvent) {
	d.historyMu.Lock()
	defer d.historyMu.Unlock()
	d.history[d.histHead] = evt
	d.histHead = (d.histHead + 1) % historyCap
	if d.histHead == 0 {
		d.histFull = true
	}
}

// History returns the ring buffer's contents in insertion order (oldest
// first), capped at historyCap entries.
func (d *Dispatcher) History() []ir.PropagatedEvent {
	d.historyMu.Lock()
	defer d.historyMu.Unlock()
	if !d.histFull {
		out := make([]ir.PropagatedEvent, d.histHead)
		copy(out, d.history[:d.histHead])
		return out
	}
	out := make([]ir.PropagatedEvent, historyCap)
	copy(out, d.history[d.histHead:])
	copy(out[historyCap-d.histHead:], d.history[:d.histHead])
	return out
}

// Dispatch routes a propagated event to every eligible handler (spec §4.9
// rules 1-4). Handlers run concurrently and independently; a failing
// handler does not affect its siblings.
func (d *Dispatcher) Dispatch(ctx context.Context, evt ir.PropagatedEvent) {
	d.appendHistory(evt)

	d.mu.RLock()
	candidates := append([]HandlerDescriptor(nil), d.handlers[evt.MachineID]...)
	d.mu.RUnlock()

	var wg sync.WaitGroup
	for _, h := range candidates {
		if evt.SatisfactionLevel < h.MinSatisfactionLevel {
			continue
		}
		wg.Add(1)
		go func(h HandlerDescriptor) {
			defer wg.Done()
			d.runHandler(ctx, h, evt)
		}(h)
	}
	wg.Wait()
}

func (d *Dispatcher) runHandler(ctx context.Context, h HandlerDescriptor, evt ir.PropagatedEvent) {
	if len(h.ParallelActions) > 0 {
		var wg sync.WaitGroup
		for _, a := range h.ParallelActions {
			wg.Add(1)
			go func(a ActionDescriptor) {
				defer wg.Done()
				if err := d.runAction(ctx, a, evt); err != nil {
					d.emitter.Emit(emit.Event{RunID: evt.EventID, NodeID: h.HandlerID, Msg: "handler_action_failed", Meta: map[string]interface{}{"kind": string(a.Kind), "error": err.Error()}})
				}
			}(a)
		}
		wg.Wait()
	}

	if len(h.Pipeline) > 0 && d.executor != nil {
		d.executor.Execute(ctx, h.Pipeline, evt, h.HandlerID)
	}
}

func (d *Dispatcher) runAction(ctx context.Context, a ActionDescriptor, evt ir.PropagatedEvent) error {
	switch a.Kind {
	case ActionAlert, ActionCreateTicket, ActionCallHTTP, ActionPersistEvent, ActionAuditLog:
		d.emitter.Emit(emit.Event{RunID: evt.EventID, Msg: "handler_action", Meta: map[string]interface{}{"kind": string(a.Kind)}})
		return nil
	case ActionEvaluateAndForward:
		return d.evaluateAndForward(ctx, a, evt)
	case ActionDispatchRemote:
		return d.dispatchRemoteCommand(ctx, a, evt)
	default:
		return fmt.Errorf("dispatch: unknown action kind %q", a.Kind)
	}
}

func (d *Dispatcher) evaluateAndForward(ctx context.Context, a ActionDescriptor, evt ir.PropagatedEvent) error {
	signalName, _ := a.Params["signal"].(string)
	condition, _ := a.Params["condition"].(string)

	scope := map[string]any{"signal": namedPrecursor(evt, signalName), "event": evt}
	matched := d.sandbox.EvaluateBool(condition, scope, 100*time.Millisecond)

	key := "command_on_false"
	if matched {
		key = "command_on_true"
	}
	cmd, ok := a.Params[key].(ir.RemoteCommand)
	if !ok {
		return nil
	}
	return d.dispatchCommand(ctx, cmd)
}

func namedPrecursor(evt ir.PropagatedEvent, name string) *ir.PrecursorSignal {
	for _, p := range evt.PrecursorSignals {
		if p.Name == name {
			s := p
			return &s
		}
	}
	return nil
}

func (d *Dispatcher) dispatchRemoteCommand(ctx context.Context, a ActionDescriptor, evt ir.PropagatedEvent) error {
	cmd, ok := a.Params["command"].(ir.RemoteCommand)
	if !ok {
		return fmt.Errorf("dispatch: dispatch_remote_command action missing command")
	}
	cmd.SourceEventID = evt.EventID
	cmd.SourceMachineID = evt.MachineID
	return d.dispatchCommand(ctx, cmd)
}

// EmitRemoteCommand sends cmd to its TargetNodeID through the configured
// NodeDispatcher. Used by C10 to deploy an FSM onto a remote edge node
// (spec §4.10 deploy_fsm) without C10 importing the transport layer
// directly — breaking the C9/C10 cycle called out in spec §9.
func (d *Dispatcher) EmitRemoteCommand(ctx context.Context, cmd ir.RemoteCommand) error {
	return d.dispatchCommand(ctx, cmd)
}

func (d *Dispatcher) dispatchCommand(ctx context.Context, cmd ir.RemoteCommand) error {
	if d.nodeDispatcher == nil {
		return fmt.Errorf("dispatch: no node dispatcher configured")
	}
	if cmd.CommandID == "" {
		cmd.CommandID = uuid.NewString()
	}
	err := d.nodeDispatcher.Dispatch(ctx, cmd.TargetNodeID, cmd)
	if err != nil {
		d.emitter.Emit(emit.Event{NodeID: cmd.TargetNodeID, Msg: "remote_command_failed", Meta: map[string]interface{}{"command": cmd.Command, "error": err.Error()}})
	}
	return err
}
