// Package approval implements the Human Approval Coordinator (C4): a
// registry of pending gates plus an observable stream of synthetic decision
// events, adapted from the teacher's channel-based suspension idiom (no
// polling — graph's human-in-the-loop pattern) and its timer/cancellation
// discipline (graph/timeout.go).
package approval

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mbathe/eyeflow/graph/emit"
	"github.com/mbathe/eyeflow/ir"
)

// Decision values.
const (
	DecisionApproved = "approved"
	DecisionRejected = "rejected"
	DecisionTimedOut = "timed_out"
)

var (
	// ErrGateNotFound is returned when a gate id is unknown.
	ErrGateNotFound = errors.New("approval: gate not found")
	// ErrGateNotPending is returned when resolving a gate that already has
	// a terminal status (spec §8 boundary behaviour).
	ErrGateNotPending = errors.New("approval: gate is not pending")
)

// Gate is a registered pending (or resolved) approval gate.
type Gate struct {
	GateID           string         `json:"gate_id"`
	InstanceID       string         `json:"instance_id"`
	MachineID        string         `json:"machine_id"`
	WorkflowID       string         `json:"workflow_id"`
	ContextSnapshot  map[string]any `json:"context_snapshot"`
	Status           string         `json:"status"` // pending | approved | rejected | timed_out | cancelled
	RegisteredAt     time.Time      `json:"registered_at"`
	TimeoutMS        int64          `json:"timeout_ms"`
	DecidedBy        string         `json:"decided_by,omitempty"`
	DecidedAt        *time.Time     `json:"decided_at,omitempty"`
	Comment          string         `json:"comment,omitempty"`
	FallbackStrategy string         `json:"-"`
}

type registration struct {
	gate  Gate
	timer *time.Timer
}

// Coordinator owns the gate registry and the synthetic event stream.
type Coordinator struct {
	mu       sync.Mutex
	gates    map[string]*registration
	subs     []chan ir.TriggerEvent
	waiters  map[string][]chan ir.TriggerEvent
	emitter  emit.Emitter
}

// New returns an empty Coordinator.
func New(emitter emit.Emitter) *Coordinator {
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	return &Coordinator{
		gates:   make(map[string]*registration),
		waiters: make(map[string][]chan ir.TriggerEvent),
		emitter: emitter,
	}
}

// RegisterGateRequest carries the parameters for RegisterGate.
type RegisterGateRequest struct {
	InstanceID       string
	MachineID        string
	WorkflowID       string
	ContextSnapshot  map[string]any
	TimeoutMS        int64
	FallbackStrategy string
}

// RegisterGate stores a new pending gate and arms its timeout timer (spec
// §4.4). GateID is generated if not supplied by the caller.
func (c *Coordinator) RegisterGate(gateID string, req RegisterGateRequest) Gate {
	if gateID == "" {
		gateID = uuid.NewString()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	gate := Gate{
		GateID:           gateID,
		InstanceID:       req.InstanceID,
		MachineID:        req.MachineID,
		WorkflowID:       req.WorkflowID,
		ContextSnapshot:  req.ContextSnapshot,
		Status:           "pending",
		RegisteredAt:     time.Now(),
		TimeoutMS:        req.TimeoutMS,
		FallbackStrategy: req.FallbackStrategy,
	}

	reg := &registration{gate: gate}
	if req.TimeoutMS > 0 {
		reg.timer = time.AfterFunc(time.Duration(req.TimeoutMS)*time.Millisecond, func() {
			c.timeout(gateID)
		})
	}
	c.gates[gateID] = reg
	c.emitter.Emit(emit.Event{RunID: gateID, Msg: "gate_registered", Meta: map[string]interface{}{"instance_id": req.InstanceID}})
	return gate
}

// ResolveRequest carries the parameters for Resolve.
type ResolveRequest struct {
	GateID    string
	Decision  string // approved | rejected
	DecidedBy string
	Comment   string
	DecidedAt time.Time
}

// Resolve cancels the gate's timer, marks it resolved, and emits a
// synthetic human_approval trigger event to subscribers. Resolving a gate
// that is not pending is rejected (spec §8 boundary behaviour).
func (c *Coordinator) Resolve(req ResolveRequest) (Gate, error) {
	c.mu.Lock()
	reg, ok := c.gates[req.GateID]
	if !ok {
		c.mu.Unlock()
		return Gate{}, ErrGateNotFound
	}
	if reg.gate.Status != "pending" {
		c.mu.Unlock()
		return Gate{}, ErrGateNotPending
	}
	if reg.timer != nil {
		reg.timer.Stop()
	}
	decidedAt := req.DecidedAt
	if decidedAt.IsZero() {
		decidedAt = time.Now()
	}
	reg.gate.Status = req.Decision
	reg.gate.DecidedBy = req.DecidedBy
	reg.gate.Comment = req.Comment
	reg.gate.DecidedAt = &decidedAt
	gate := reg.gate
	c.mu.Unlock()

	c.broadcast(gate, req.Decision)
	return gate, nil
}

// CancelGate removes a pending gate without emitting a decision event
// (REST DELETE /approvals/:gate_id, and FSM reset via CancelAllForInstance).
func (c *Coordinator) CancelGate(gateID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	reg, ok := c.gates[gateID]
	if !ok {
		return ErrGateNotFound
	}
	if reg.timer != nil {
		reg.timer.Stop()
	}
	delete(c.gates, gateID)
	return nil
}

// CancelAllForInstance cancels every pending gate belonging to instanceID,
// used when an FSM instance resets.
func (c *Coordinator) CancelAllForInstance(instanceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, reg := range c.gates {
		if reg.gate.InstanceID == instanceID && reg.gate.Status == "pending" {
			if reg.timer != nil {
				reg.timer.Stop()
			}
			delete(c.gates, id)
		}
	}
}

func (c *Coordinator) timeout(gateID string) {
	c.mu.Lock()
	reg, ok := c.gates[gateID]
	if !ok || reg.gate.Status != "pending" {
		c.mu.Unlock()
		return
	}
	now := time.Now()
	reg.gate.Status = DecisionTimedOut
	reg.gate.DecidedAt = &now
	gate := reg.gate
	c.mu.Unlock()

	c.broadcast(gate, DecisionTimedOut)
}

func (c *Coordinator) broadcast(gate Gate, decision string) {
	evt := ir.TriggerEvent{
		EventID:    uuid.NewString(),
		OccurredAt: time.Now(),
		DriverID:   "human_approval",
		WorkflowID: gate.WorkflowID,
		Payload: map[string]any{
			"gate_id":          gate.GateID,
			"decision":         decision,
			"decided_by":       gate.DecidedBy,
			"comment":          gate.Comment,
			"context_snapshot": gate.ContextSnapshot,
		},
	}

	c.emitter.Emit(emit.Event{RunID: gate.GateID, Msg: "gate_decision", Meta: map[string]interface{}{"decision": decision}})

	c.mu.Lock()
	subs := append([]chan ir.TriggerEvent(nil), c.subs...)
	waiters := c.waiters[gate.GateID]
	delete(c.waiters, gate.GateID)
	c.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- evt:
		default:
		}
	}
	for _, ch := range waiters {
		ch <- evt
		close(ch)
	}
}

// Subscribe returns a channel receiving every synthetic decision event,
// used by C10's FSM runtime (which listens for human_approval transitions
// alongside the general trigger bus). The channel is buffered; slow
// consumers drop events rather than block the coordinator.
func (c *Coordinator) Subscribe() <-chan ir.TriggerEvent {
	ch := make(chan ir.TriggerEvent, 32)
	c.mu.Lock()
	c.subs = append(c.subs, ch)
	c.mu.Unlock()
	return ch
}

// WaitForDecision blocks until gateID resolves (approved/rejected) or times
// out, or ctx is cancelled first. This is the suspension point C8's
// human_approval_gate step uses — a channel receive, never a poll loop.
func (c *Coordinator) WaitForDecision(ctx context.Context, gateID string) (ir.TriggerEvent, error) {
	c.mu.Lock()
	reg, ok := c.gates[gateID]
	if !ok {
		c.mu.Unlock()
		return ir.TriggerEvent{}, ErrGateNotFound
	}
	if reg.gate.Status != "pending" {
		gate := reg.gate
		c.mu.Unlock()
		return ir.TriggerEvent{
			DriverID: "human_approval",
			Payload: map[string]any{
				"gate_id":  gate.GateID,
				"decision": gate.Status,
			},
		}, nil
	}
	ch := make(chan ir.TriggerEvent, 1)
	c.waiters[gateID] = append(c.waiters[gateID], ch)
	c.mu.Unlock()

	select {
	case evt := <-ch:
		return evt, nil
	case <-ctx.Done():
		return ir.TriggerEvent{}, ctx.Err()
	}
}

// Get returns the full gate record (used by GET /approvals/:gate_id).
func (c *Coordinator) Get(gateID string) (Gate, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	reg, ok := c.gates[gateID]
	if !ok {
		return Gate{}, false
	}
	return reg.gate, true
}

// ListPending returns every gate whose status is still pending.
func (c *Coordinator) ListPending() []Gate {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Gate, 0, len(c.gates))
	for _, reg := range c.gates {
		if reg.gate.Status == "pending" {
			out = append(out, reg.gate)
		}
	}
	return out
}

// Summary returns {pending, total} counts for GET /approvals/summary.
func (c *Coordinator) Summary() (pending, total int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	total = len(c.gates)
	for _, reg := range c.gates {
		if reg.gate.Status == "pending" {
			pending++
		}
	}
	return pending, total
}
