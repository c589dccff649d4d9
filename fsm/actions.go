package fsm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mbathe/eyeflow/approval"
	"github.com/mbathe/eyeflow/connector"
	"github.com/mbathe/eyeflow/graph/emit"
	"github.com/mbathe/eyeflow/ir"
)

const sandboxTimeout = 100 * time.Millisecond

// runOnEntry dispatches a single on-entry action (spec §4.10's action
// table). Failures are returned to the caller, which logs them without
// rolling back the already-applied state transition.
func (r *Runtime) runOnEntry(ctx context.Context, dep *deployment, entry *instanceEntry, action ir.OnEntryAction, evt ir.TriggerEvent) error {
	switch action.Kind {
	case ir.ActionLog:
		r.Emitter.Emit(emit.Event{RunID: entry.state.InstanceID, Msg: "fsm_transition", Meta: map[string]interface{}{
			"machine_id":     dep.descriptor.MachineID,
			"state":          entry.state.CurrentState,
			"matched_values": entry.state.MatchedValues,
		}})
		return nil

	case ir.ActionStartWindowTimer:
		windowMS := dep.descriptor.WindowMS
		if v, ok := action.Payload["window_ms"].(int64); ok && v > 0 {
			windowMS = v
		}
		instanceID := entry.state.InstanceID
		w := r.Window.StartWindow(instanceID, dep.descriptor.MachineID, windowMS, func() {
			r.handleWindowExpiry(context.Background(), dep.descriptor.MachineID, instanceID)
		})
		entry.state.WindowStartedAt = &w.StartedAt
		entry.state.WindowExpiresAt = &w.ExpiresAt
		return nil

	case ir.ActionCancelWindowTimer:
		r.Window.CancelWindow(entry.state.InstanceID)
		entry.state.WindowStartedAt = nil
		entry.state.WindowExpiresAt = nil
		return nil

	case ir.ActionResetFSM:
		r.resetInstance(dep, entry.state.InstanceID)
		return nil

	case ir.ActionIncreaseSamplingRate, ir.ActionResetSamplingRate:
		driverID, _ := action.Payload["driver_id"].(string)
		rate, _ := action.Payload["rate"].(float64)
		entry.state.ActiveSamplingRateChanges = append(entry.state.ActiveSamplingRateChanges, ir.SamplingRateChange{
			DriverID: driverID, Rate: rate, Timestamp: time.Now(),
		})
		return nil

	case ir.ActionControlActuator:
		actuatorID, _ := action.Payload["actuator_id"].(string)
		command, _ := action.Payload["command"].(string)
		value, _ := action.Payload["value"].(float64)
		la := ir.LocalAction{ActuatorID: actuatorID, Command: command, Value: value, Timestamp: time.Now(), Success: true}
		if ms, ok := action.Payload["cancellable_ms"].(int64); ok && ms > 0 {
			until := time.Now().Add(time.Duration(ms) * time.Millisecond)
			la.CancellableUntil = &until
		}
		entry.state.LocalActionsTaken = append(entry.state.LocalActionsTaken, la)
		return nil

	case ir.ActionPropagatePartial:
		total := totalConditionMetrics(dep.descriptor)
		matched := len(entry.state.MatchedValues)
		satisfaction := 1.0
		if total > 0 {
			satisfaction = float64(matched) / float64(total)
		}
		r.Sink.Dispatch(ctx, r.buildPropagatedEvent(dep, entry, satisfaction))
		return nil

	case ir.ActionPropagateEnriched:
		propagated := r.buildPropagatedEvent(dep, entry, 1.0)
		r.Window.CancelWindow(entry.state.InstanceID)
		r.Sink.Dispatch(ctx, propagated)
		r.resetInstance(dep, entry.state.InstanceID)
		return nil

	case ir.ActionLLMCall:
		return r.dispatchLLMCall(ctx, entry, action)

	case ir.ActionMLScoreCall:
		return r.dispatchConnectorStep(ctx, entry, action, "score")

	case ir.ActionCRMQuery:
		return r.dispatchConnectorStep(ctx, entry, action, "record.fetch")

	case ir.ActionParallelFetch:
		return r.dispatchParallelFetch(ctx, dep, entry, action, evt)

	case ir.ActionHumanApprovalGate:
		return r.dispatchApprovalGate(ctx, dep, entry, action)

	default:
		return fmt.Errorf("fsm: unknown on-entry action kind %q", action.Kind)
	}
}

// totalConditionMetrics counts the distinct metric names referenced across
// a descriptor's transitions (including composite children) — used as the
// denominator for propagate_partial's satisfaction_level.
func totalConditionMetrics(d ir.Descriptor) int {
	seen := make(map[string]bool)
	var walk func(c ir.ConditionDescriptor)
	walk = func(c ir.ConditionDescriptor) {
		if c.MetricName != "" {
			seen[c.MetricName] = true
		}
		for _, child := range c.CompositeConditions {
			walk(child)
		}
	}
	for _, tr := range d.Transitions {
		walk(tr.Condition)
	}
	return len(seen)
}

func (r *Runtime) dispatchLLMCall(ctx context.Context, entry *instanceEntry, action ir.OnEntryAction) error {
	instructionID, _ := action.Payload["instruction_id"].(string)
	if instructionID == "" {
		return fmt.Errorf("fsm: llm_call action missing instruction_id")
	}
	if r.Caller == nil {
		entry.state.StepOutputs[instructionID] = map[string]any{"stub": true}
		return nil
	}
	descriptor, _ := action.Payload["descriptor"].(ir.CompiledLLMContext)
	slots, _ := action.Payload["slots"].(map[string]interface{})
	result := r.Caller.Call(ctx, instructionID, descriptor, slots, entry.state.WorkflowID)
	entry.state.StepOutputs[instructionID] = result.Parsed
	if result.Error != "" {
		return fmt.Errorf("fsm: llm_call %s: %s", instructionID, result.Error)
	}
	return nil
}

func (r *Runtime) dispatchConnectorStep(ctx context.Context, entry *instanceEntry, action ir.OnEntryAction, defaultAction string) error {
	instructionID, _ := action.Payload["instruction_id"].(string)
	if instructionID == "" {
		return fmt.Errorf("fsm: connector step missing instruction_id")
	}
	if r.Connector == nil {
		entry.state.StepOutputs[instructionID] = map[string]any{"score": 0.0}
		return nil
	}
	connectorID, _ := action.Payload["connector_id"].(string)
	actionName, _ := action.Payload["action"].(string)
	if actionName == "" {
		actionName = defaultAction
	}
	slots, _ := action.Payload["slots"].(map[string]interface{})
	result, err := r.Connector.Call(ctx, connector.CallRequest{ConnectorID: connectorID, Action: actionName, Slots: slots})
	if err != nil {
		return err
	}
	entry.state.StepOutputs[instructionID] = result.Extracted
	return nil
}

func (r *Runtime) dispatchParallelFetch(ctx context.Context, dep *deployment, entry *instanceEntry, action ir.OnEntryAction, evt ir.TriggerEvent) error {
	subActions, _ := action.Payload["actions"].([]ir.OnEntryAction)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error
	for _, sub := range subActions {
		wg.Add(1)
		go func(sub ir.OnEntryAction) {
			defer wg.Done()
			if err := r.runOnEntry(ctx, dep, entry, sub, evt); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}(sub)
	}
	wg.Wait()
	return firstErr
}

func (r *Runtime) dispatchApprovalGate(ctx context.Context, dep *deployment, entry *instanceEntry, action ir.OnEntryAction) error {
	if r.Approval == nil {
		return fmt.Errorf("fsm: human_approval_gate action requires an approval coordinator")
	}
	paths, _ := action.Payload["context_paths"].(map[string]string)
	scope := map[string]any{"matched_values": entry.state.MatchedValues, "step_outputs": entry.state.StepOutputs}
	snapshot := make(map[string]any, len(paths))
	for alias, path := range paths {
		if v, ok := connector.DotPath(scope, path); ok {
			snapshot[alias] = v
		}
	}
	timeoutMS, _ := action.Payload["timeout_ms"].(int64)
	fallback, _ := action.Payload["fallback_strategy"].(string)

	gate := r.Approval.RegisterGate("", approval.RegisterGateRequest{
		InstanceID:       entry.state.InstanceID,
		MachineID:        dep.descriptor.MachineID,
		WorkflowID:       entry.state.WorkflowID,
		ContextSnapshot:  snapshot,
		TimeoutMS:        timeoutMS,
		FallbackStrategy: fallback,
	})
	if entry.state.PendingGates == nil {
		entry.state.PendingGates = make(map[string]ir.PendingGateRef)
	}
	entry.state.PendingGates[gate.GateID] = ir.PendingGateRef{RegisteredAt: gate.RegisteredAt}
	return nil
}
