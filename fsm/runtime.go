// Package fsm implements the Event State Machine Runtime (C10): deploys
// compiled FSM descriptors, correlates heterogeneous trigger events against
// live instances inside bounded windows, and emits Propagated Events to C9
// on full or partial match. Adapted from the teacher's graph.Engine[S] node-
// dispatch vocabulary, generalized here to a table of condition/on-entry
// handlers over ir.Descriptor rather than a generic typed graph — FSM
// transitions are data, not compiled Go functions.
package fsm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mbathe/eyeflow/approval"
	"github.com/mbathe/eyeflow/connector"
	"github.com/mbathe/eyeflow/dispatch"
	"github.com/mbathe/eyeflow/fsmstate"
	"github.com/mbathe/eyeflow/graph/emit"
	"github.com/mbathe/eyeflow/ir"
	"github.com/mbathe/eyeflow/llm"
	"github.com/mbathe/eyeflow/sandbox"
	"github.com/mbathe/eyeflow/window"
)

// EventSink is C9's inbound face, satisfied by *dispatch.Dispatcher. Kept
// as an interface so fsm's tests can stub it and so the C9/C10 reference
// cycle stays one-directional (fsm imports dispatch; dispatch never
// imports fsm).
type EventSink interface {
	Dispatch(ctx context.Context, evt ir.PropagatedEvent)
}

type deployment struct {
	workflowID string
	descriptor ir.Descriptor
	remote     bool

	mu        sync.Mutex
	instances map[string]*instanceEntry
}

type instanceEntry struct {
	mu    sync.Mutex
	state ir.RuntimeState
}

// Runtime owns the deployed registry (spec §4.10). Every dependency besides
// Sink may be nil if the deployed descriptors never reach the step kinds
// that need it (e.g. Caller is only required by llm_call on-entry actions).
type Runtime struct {
	mu       sync.RWMutex
	deployed map[string]*deployment // machine_id -> deployment

	Window     *window.Manager
	Approval   *approval.Coordinator
	Store      *fsmstate.Store
	Sink       EventSink
	Remote     *dispatch.Dispatcher
	Sandbox    *sandbox.Sandbox
	Caller     *llm.Caller
	Connector  *connector.Dispatcher
	Emitter    emit.Emitter
}

// New builds a Runtime. sink is required; a nil win is replaced by a fresh
// window.Manager and a nil emitter by a NullEmitter, and the rest may be
// nil (a deployed descriptor that never uses the matching action kind
// simply never calls into it).
func New(win *window.Manager, appr *approval.Coordinator, store *fsmstate.Store, sink EventSink, emitter emit.Emitter) *Runtime {
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	if win == nil {
		win = window.New()
	}
	sb := sandbox.New()
	r := &Runtime{
		deployed: make(map[string]*deployment),
		Window:   win,
		Approval: appr,
		Store:    store,
		Sink:     sink,
		Sandbox:  sb,
		Emitter:  emitter,
	}
	if appr != nil {
		go r.consumeApprovalEvents(appr.Subscribe())
	}
	return r
}

func (r *Runtime) consumeApprovalEvents(ch <-chan ir.TriggerEvent) {
	for evt := range ch {
		r.HandleTriggerEvent(context.Background(), evt)
	}
}

// Deploy registers descriptor under workflowID (spec §4.10 deploy_fsm). A
// descriptor whose TargetNodeID names a remote edge node is not executed
// locally: a deploy_fsm remote command is sent through C9 and a stub entry
// is recorded so Undeploy still finds it.
func (r *Runtime) Deploy(ctx context.Context, workflowID string, descriptor ir.Descriptor) error {
	if err := descriptor.Valid(); err != nil {
		return fmt.Errorf("fsm: invalid descriptor: %w", err)
	}

	dep := &deployment{
		workflowID: workflowID,
		descriptor: descriptor,
		instances:  make(map[string]*instanceEntry),
	}

	if descriptor.TargetNodeID != "" {
		dep.remote = true
		if r.Remote != nil {
			cmd := ir.RemoteCommand{
				Command:      "deploy_fsm",
				TargetNodeID: descriptor.TargetNodeID,
				DeployFSM:    &descriptor,
			}
			if err := r.Remote.EmitRemoteCommand(ctx, cmd); err != nil {
				r.Emitter.Emit(emit.Event{Msg: "fsm_remote_deploy_failed", Meta: map[string]interface{}{"machine_id": descriptor.MachineID, "error": err.Error()}})
			}
		}
	}

	if !dep.remote && r.Store != nil {
		for _, state := range r.Store.LoadAllForMachine(ctx, descriptor.MachineID) {
			entry := &instanceEntry{state: state}
			dep.instances[state.InstanceID] = entry
			if state.WindowExpiresAt != nil {
				remaining := time.Until(*state.WindowExpiresAt)
				if remaining > 0 {
					instanceID := state.InstanceID
					r.Window.StartWindow(instanceID, descriptor.MachineID, remaining.Milliseconds(), func() {
						r.handleWindowExpiry(context.Background(), descriptor.MachineID, instanceID)
					})
				}
			}
		}
	}

	r.mu.Lock()
	r.deployed[descriptor.MachineID] = dep
	r.mu.Unlock()

	r.Emitter.Emit(emit.Event{Msg: "fsm_deployed", Meta: map[string]interface{}{"machine_id": descriptor.MachineID, "workflow_id": workflowID, "remote": dep.remote}})
	return nil
}

// Undeploy removes every machine deployed under workflowID and cancels
// their outstanding windows.
func (r *Runtime) Undeploy(workflowID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for machineID, dep := range r.deployed {
		if dep.workflowID != workflowID {
			continue
		}
		dep.mu.Lock()
		for instanceID := range dep.instances {
			r.Window.CancelWindow(instanceID)
			if r.Approval != nil {
				r.Approval.CancelAllForInstance(instanceID)
			}
		}
		dep.mu.Unlock()
		delete(r.deployed, machineID)
	}
}

func subscribed(dep *deployment, driverID string) bool {
	if len(dep.descriptor.SubscribedDrivers) == 0 {
		return true
	}
	for _, d := range dep.descriptor.SubscribedDrivers {
		if d == driverID {
			return true
		}
	}
	return false
}

// HandleTriggerEvent evaluates evt against every deployed FSM subscribed to
// its driver id. Per-instance evaluation is serialized; different
// instances (and different machines) are evaluated concurrently (spec §5).
func (r *Runtime) HandleTriggerEvent(ctx context.Context, evt ir.TriggerEvent) {
	r.mu.RLock()
	deps := make([]*deployment, 0, len(r.deployed))
	for _, dep := range r.deployed {
		if !dep.remote && subscribed(dep, evt.DriverID) {
			deps = append(deps, dep)
		}
	}
	r.mu.RUnlock()

	var wg sync.WaitGroup
	for _, dep := range deps {
		wg.Add(1)
		go func(dep *deployment) {
			defer wg.Done()
			r.processMachineEvent(ctx, dep, evt)
		}(dep)
	}
	wg.Wait()
}

func (r *Runtime) processMachineEvent(ctx context.Context, dep *deployment, evt ir.TriggerEvent) {
	dep.mu.Lock()
	entries := make([]*instanceEntry, 0, len(dep.instances))
	for _, e := range dep.instances {
		entries = append(entries, e)
	}
	dep.mu.Unlock()

	var wg sync.WaitGroup
	for _, entry := range entries {
		wg.Add(1)
		go func(entry *instanceEntry) {
			defer wg.Done()
			r.processExistingInstance(ctx, dep, entry, evt)
		}(entry)
	}

	// A new instance may start from initial_state concurrently with, and
	// independently of, any live-instance evaluation above — spec §9's
	// "dual dispatch" open question is resolved by preserving both paths.
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.maybeStartNewInstance(ctx, dep, evt)
	}()

	wg.Wait()
}

func (r *Runtime) processExistingInstance(ctx context.Context, dep *deployment, entry *instanceEntry, evt ir.TriggerEvent) {
	entry.mu.Lock()
	defer entry.mu.Unlock()

	tr, matchedVal, ok := r.selectTransition(dep, entry.state.CurrentState, entry.state, evt)
	if !ok {
		return
	}
	r.fireTransition(ctx, dep, entry, tr, evt, matchedVal)
}

func (r *Runtime) maybeStartNewInstance(ctx context.Context, dep *deployment, evt ir.TriggerEvent) {
	tmp := ir.RuntimeState{CurrentState: dep.descriptor.InitialState}
	tr, matchedVal, ok := r.selectTransition(dep, dep.descriptor.InitialState, tmp, evt)
	if !ok {
		return
	}

	entry := &instanceEntry{state: ir.RuntimeState{
		MachineID:    dep.descriptor.MachineID,
		InstanceID:   uuid.NewString(),
		WorkflowID:   dep.workflowID,
		CurrentState: dep.descriptor.InitialState,
		MatchedValues: make(map[string]ir.MatchedValue),
		StepOutputs:   make(map[string]any),
		PendingGates:  make(map[string]ir.PendingGateRef),
		CreatedAt:     time.Now(),
	}}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	dep.mu.Lock()
	dep.instances[entry.state.InstanceID] = entry
	dep.mu.Unlock()

	r.fireTransition(ctx, dep, entry, tr, evt, matchedVal)
}

// selectTransition returns the first (ascending priority) transition from
// fromState whose condition matches evt, skipping window_elapsed-guarded
// transitions (those only fire on the expiry path).
func (r *Runtime) selectTransition(dep *deployment, fromState string, state ir.RuntimeState, evt ir.TriggerEvent) (ir.Transition, matchResult, bool) {
	candidates := make([]ir.Transition, 0)
	for _, tr := range dep.descriptor.Transitions {
		if tr.Guard == ir.GuardWindowElapsed {
			continue
		}
		if !containsState(tr.FromStates, fromState) {
			continue
		}
		candidates = append(candidates, tr)
	}
	sortByPriority(candidates)

	for _, tr := range candidates {
		mv, matched := r.evaluateCondition(tr.Condition, evt, state)
		if !matched {
			continue
		}
		if tr.Guard == ir.GuardWithinWindow && !r.Window.IsWindowActive(state.InstanceID) {
			continue
		}
		return tr, mv, true
	}
	return ir.Transition{}, matchResult{}, false
}

func containsState(states []string, s string) bool {
	for _, st := range states {
		if st == s {
			return true
		}
	}
	return false
}

func sortByPriority(trs []ir.Transition) {
	for i := 1; i < len(trs); i++ {
		for j := i; j > 0 && priorityOf(trs[j]) < priorityOf(trs[j-1]); j-- {
			trs[j], trs[j-1] = trs[j-1], trs[j]
		}
	}
}

func priorityOf(tr ir.Transition) int {
	if tr.Priority == 0 {
		return 99
	}
	return tr.Priority
}

// fireTransition runs the atomic sequence from spec §4.10: state update,
// matched-value recording, best-effort persistence, then on-entry actions
// in declaration order.
func (r *Runtime) fireTransition(ctx context.Context, dep *deployment, entry *instanceEntry, tr ir.Transition, evt ir.TriggerEvent, mv matchResult) {
	entry.state.CurrentState = tr.ToState
	entry.state.LastTransitionAt = time.Now()
	if entry.state.MatchedValues == nil {
		entry.state.MatchedValues = make(map[string]ir.MatchedValue)
	}
	if mv.hasValue {
		entry.state.MatchedValues[tr.Condition.MetricName] = ir.MatchedValue{Value: mv.value, Timestamp: time.Now()}
	}

	if r.Store != nil {
		r.Store.Save(ctx, entry.state.Clone())
	}

	for _, action := range tr.OnEntry {
		if err := r.runOnEntry(ctx, dep, entry, action, evt); err != nil {
			r.Emitter.Emit(emit.Event{RunID: entry.state.InstanceID, Msg: "on_entry_failed", Meta: map[string]interface{}{"kind": string(action.Kind), "error": err.Error()}})
		}
	}
}

// handleWindowExpiry implements spec §4.10's window expiry path: the
// instance transitions to expired_state and every transition from the
// previous state guarded by window_elapsed runs its on-entry actions.
func (r *Runtime) handleWindowExpiry(ctx context.Context, machineID, instanceID string) {
	r.mu.RLock()
	dep, ok := r.deployed[machineID]
	r.mu.RUnlock()
	if !ok {
		return
	}

	dep.mu.Lock()
	entry, ok := dep.instances[instanceID]
	dep.mu.Unlock()
	if !ok {
		return
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	previousState := entry.state.CurrentState
	entry.state.CurrentState = dep.descriptor.ExpiredState
	entry.state.LastTransitionAt = time.Now()

	for _, tr := range dep.descriptor.Transitions {
		if tr.Guard != ir.GuardWindowElapsed || !containsState(tr.FromStates, previousState) {
			continue
		}
		for _, action := range tr.OnEntry {
			if err := r.runOnEntry(ctx, dep, entry, action, ir.TriggerEvent{}); err != nil {
				r.Emitter.Emit(emit.Event{RunID: instanceID, Msg: "on_entry_failed", Meta: map[string]interface{}{"kind": string(action.Kind), "error": err.Error()}})
			}
		}
	}

	r.resetInstance(dep, entry.state.InstanceID)
}

// resetInstance removes the instance from the live set and drops its
// snapshot and pending gates (propagate_enriched / reset_fsm / expiry).
func (r *Runtime) resetInstance(dep *deployment, instanceID string) {
	r.Window.CancelWindow(instanceID)
	if r.Approval != nil {
		r.Approval.CancelAllForInstance(instanceID)
	}
	if r.Store != nil {
		r.Store.Remove(context.Background(), instanceID, dep.descriptor.MachineID)
	}
	dep.mu.Lock()
	delete(dep.instances, instanceID)
	dep.mu.Unlock()
}

// InstanceState returns a snapshot of a live instance, for tests and
// diagnostics.
func (r *Runtime) InstanceState(machineID, instanceID string) (ir.RuntimeState, bool) {
	r.mu.RLock()
	dep, ok := r.deployed[machineID]
	r.mu.RUnlock()
	if !ok {
		return ir.RuntimeState{}, false
	}
	dep.mu.Lock()
	entry, ok := dep.instances[instanceID]
	dep.mu.Unlock()
	if !ok {
		return ir.RuntimeState{}, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.state.Clone(), true
}
