package fsm

import (
	"github.com/mbathe/eyeflow/connector"
	"github.com/mbathe/eyeflow/ir"
)

// matchResult carries the numeric value a condition matched against, for
// matched_values recording — only numeric-shaped condition kinds populate
// it.
type matchResult struct {
	value    float64
	hasValue bool
}

// evaluateCondition implements spec §4.10's condition evaluation table.
func (r *Runtime) evaluateCondition(cond ir.ConditionDescriptor, evt ir.TriggerEvent, state ir.RuntimeState) (matchResult, bool) {
	switch cond.Kind {
	case ir.CondSensorThreshold, ir.CondMQTTValue, ir.CondFieldBusValue, ir.CondKPIValue:
		return matchNumeric(cond, evt)
	case ir.CondKafkaEvent:
		if evt.DriverID != "kafka" {
			return matchResult{}, false
		}
		if cond.Topic != "" && fieldString(evt.Payload, "topic") != cond.Topic {
			return matchResult{}, false
		}
		return matchNumeric(cond, evt)
	case ir.CondRemoteSignal:
		if evt.DriverID != "remote_signal" {
			return matchResult{}, false
		}
		if fieldString(evt.Payload, "signal_id") != cond.SignalID {
			return matchResult{}, false
		}
		return matchResult{}, true
	case ir.CondHumanApproval:
		if evt.DriverID != "human_approval" {
			return matchResult{}, false
		}
		// An empty ApprovalGateID matches any gate's decision for this
		// instance — the compiler links a waiting transition to the gate
		// opened by the preceding human_approval_gate on-entry action by
		// instance, not by a gate id known only at registration time.
		if cond.ApprovalGateID != "" && fieldString(evt.Payload, "gate_id") != cond.ApprovalGateID {
			return matchResult{}, false
		}
		if cond.ExpectedDecision != "" && fieldString(evt.Payload, "decision") != cond.ExpectedDecision {
			return matchResult{}, false
		}
		return matchResult{}, true
	case ir.CondLLMOutput, ir.CondMLScore, ir.CondCRMResult, ir.CondAPIResponse:
		output, ok := state.StepOutputs[cond.InstructionID]
		if !ok {
			return matchResult{}, false
		}
		scope := map[string]any{"output": output}
		return matchResult{}, r.Sandbox.EvaluateBool(cond.SemanticExpression, scope, sandboxTimeout)
	case ir.CondWindowElapsed:
		// Never event-matched; only fired by the expiry callback path.
		return matchResult{}, false
	case ir.CondCompositeAllOf:
		if len(cond.CompositeConditions) == 0 {
			return matchResult{}, false
		}
		for _, child := range cond.CompositeConditions {
			if _, ok := r.evaluateCondition(child, evt, state); !ok {
				return matchResult{}, false
			}
		}
		return matchResult{}, true
	case ir.CondCompositeAnyOf:
		for _, child := range cond.CompositeConditions {
			if _, ok := r.evaluateCondition(child, evt, state); ok {
				return matchResult{}, true
			}
		}
		return matchResult{}, false
	default:
		return matchResult{}, false
	}
}

func matchNumeric(cond ir.ConditionDescriptor, evt ir.TriggerEvent) (matchResult, bool) {
	value, ok := extractNumeric(cond.Field, evt.Payload)
	if !ok {
		return matchResult{}, false
	}
	if !compareNumeric(value, cond) {
		return matchResult{}, false
	}
	return matchResult{value: value, hasValue: true}, true
}

// extractNumeric reads a numeric value from payload at field (dot-path),
// falling back to payload["value"]; when no field is named, a payload with
// exactly one entry yields that entry's value (spec §4.10).
func extractNumeric(field string, payload map[string]any) (float64, bool) {
	if field != "" {
		if v, ok := connector.DotPath(payload, field); ok {
			return toFloat(v)
		}
	}
	if v, ok := payload["value"]; ok {
		return toFloat(v)
	}
	if field == "" && len(payload) == 1 {
		for _, v := range payload {
			return toFloat(v)
		}
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func compareNumeric(value float64, cond ir.ConditionDescriptor) bool {
	switch cond.Operator {
	case ir.OpGT:
		return value > cond.Value
	case ir.OpGTE:
		return value >= cond.Value
	case ir.OpLT:
		return value < cond.Value
	case ir.OpLTE:
		return value <= cond.Value
	case ir.OpEQ:
		return value == cond.Value
	case ir.OpNEQ:
		return value != cond.Value
	case ir.OpExists:
		return true
	case ir.OpBetween:
		return value >= cond.Min && value <= cond.Max
	default:
		return false
	}
}

func fieldString(payload map[string]any, key string) string {
	v, _ := payload[key].(string)
	return v
}
