package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/mbathe/eyeflow/approval"
	"github.com/mbathe/eyeflow/connector"
	"github.com/mbathe/eyeflow/graph/emit"
	"github.com/mbathe/eyeflow/ir"
	"github.com/mbathe/eyeflow/llmpipeline"
)

// dispatch routes a step to its kind-specific handler (spec §4.8 "Dispatch
// per step kind").
func (x *Executor) dispatch(ctx context.Context, s ir.PipelineStep, pc *ir.PipelineContext, pipelineID string) (map[string]any, error) {
	switch s.Kind {
	case ir.StepLLMCall:
		return x.dispatchLLMCall(ctx, s, pc, pipelineID)
	case ir.StepLoop:
		return x.dispatchLoop(ctx, s, pc, pipelineID)
	case ir.StepMLScoreCall:
		return x.dispatchMLScoreCall(ctx, s, pc)
	case ir.StepCRMQuery:
		return x.dispatchCRMQuery(ctx, s, pc)
	case ir.StepBranch:
		return x.dispatchBranch(ctx, s, pc, pipelineID)
	case ir.StepHumanApprovalGate:
		return x.dispatchHumanApprovalGate(ctx, s, pc, pipelineID)
	case ir.StepMultiLLMPipeline:
		return x.dispatchMultiLLMPipeline(ctx, s, pipelineID)
	case ir.StepSendEmail, ir.StepWriteCRM, ir.StepAlert, ir.StepCallHTTP, ir.StepConnectorAction:
		return x.dispatchConnectorAction(ctx, s, pc)
	case ir.StepLog:
		return x.dispatchLog(s, pc)
	default:
		return nil, fmt.Errorf("pipeline: unknown step kind %q", s.Kind)
	}
}

func resolveSlotPaths(scope map[string]any, paths map[string]string) map[string]any {
	resolved := make(map[string]any, len(paths))
	for alias, path := range paths {
		if v, ok := connector.DotPath(scope, path); ok {
			resolved[alias] = v
		}
	}
	return resolved
}

func stringParam(params map[string]any, key string) string {
	if v, ok := params[key].(string); ok {
		return v
	}
	return ""
}

func slotsParam(params map[string]any, key string) map[string]string {
	out := map[string]string{}
	if raw, ok := params[key].(map[string]string); ok {
		return raw
	}
	if raw, ok := params[key].(map[string]any); ok {
		for k, v := range raw {
			if s, ok := v.(string); ok {
				out[k] = s
			}
		}
	}
	return out
}

func (x *Executor) dispatchLLMCall(ctx context.Context, s ir.PipelineStep, pc *ir.PipelineContext, pipelineID string) (map[string]any, error) {
	descriptor, ok := s.Params["descriptor"].(ir.CompiledLLMContext)
	if !ok {
		return nil, fmt.Errorf("pipeline: llm_call step %s missing compiled descriptor", s.ID)
	}
	instructionID := stringParam(s.Params, "instruction_id")
	if instructionID == "" {
		instructionID = s.ID
	}
	slots := resolveSlotPaths(pc.Scope(), slotsParam(s.Params, "slots"))

	result := x.Caller.Call(ctx, instructionID, descriptor, slots, pipelineID)
	if result.Error != "" {
		return nil, fmt.Errorf("llm_call: %s", result.Error)
	}
	return map[string]any{"instruction_id": result.InstructionID, "parsed": result.Parsed, "model": result.Model}, nil
}

func (x *Executor) dispatchMLScoreCall(ctx context.Context, s ir.PipelineStep, pc *ir.PipelineContext) (map[string]any, error) {
	connectorID := stringParam(s.Params, "connector_id")
	if connectorID == "" {
		return map[string]any{"score": 0.0}, nil
	}
	return x.dispatchConnectorCall(ctx, connectorID, "score", s, pc)
}

func (x *Executor) dispatchCRMQuery(ctx context.Context, s ir.PipelineStep, pc *ir.PipelineContext) (map[string]any, error) {
	connectorID := stringParam(s.Params, "connector_id")
	return x.dispatchConnectorCall(ctx, connectorID, "record.fetch", s, pc)
}

func (x *Executor) dispatchConnectorAction(ctx context.Context, s ir.PipelineStep, pc *ir.PipelineContext) (map[string]any, error) {
	connectorID := stringParam(s.Params, "connector_id")
	action := stringParam(s.Params, "action")
	return x.dispatchConnectorCall(ctx, connectorID, action, s, pc)
}

func (x *Executor) dispatchConnectorCall(ctx context.Context, connectorID, action string, s ir.PipelineStep, pc *ir.PipelineContext) (map[string]any, error) {
	if x.Connector == nil {
		return nil, fmt.Errorf("pipeline: step %s requires a connector dispatcher", s.ID)
	}
	scope := pc.Scope()
	slots := resolveSlotPaths(scope, slotsParam(s.Params, "slots"))
	for k, v := range slots {
		if str, ok := v.(string); ok {
			slots[k] = x.Sandbox.RenderTemplate(str, scope)
		}
	}
	principalID := stringParam(s.Params, "principal_id")

	res, err := x.Connector.Call(ctx, connector.CallRequest{
		ConnectorID:   connectorID,
		PrincipalID:   principalID,
		Action:        action,
		Slots:         slots,
		ExtractOutput: slotsParam(s.Params, "extract_output"),
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"success": res.Success, "extracted": res.Extracted, "duration_ms": res.DurationMS}, nil
}

func (x *Executor) dispatchLog(s ir.PipelineStep, pc *ir.PipelineContext) (map[string]any, error) {
	template := stringParam(s.Params, "template")
	rendered := x.Sandbox.RenderTemplate(template, pc.Scope())
	x.Emitter.Emit(emit.Event{NodeID: s.ID, Msg: "pipeline_log", Meta: map[string]interface{}{"text": rendered}})
	return map[string]any{"text": rendered}, nil
}

func (x *Executor) dispatchBranch(ctx context.Context, s ir.PipelineStep, pc *ir.PipelineContext, pipelineID string) (map[string]any, error) {
	condition := stringParam(s.Params, "condition")
	result := x.Sandbox.EvaluateBool(condition, pc.Scope(), sandboxTimeout())

	branchSteps, _ := s.Params["if_true"].([]ir.PipelineStep)
	if !result {
		branchSteps, _ = s.Params["if_false"].([]ir.PipelineStep)
	}
	for _, inner := range branchSteps {
		_ = x.runStep(ctx, inner, pc, pipelineID)
	}
	return map[string]any{"condition": result, "result": branchSteps != nil}, nil
}

func (x *Executor) dispatchMultiLLMPipeline(ctx context.Context, s ir.PipelineStep, pipelineID string) (map[string]any, error) {
	if x.LLMPipeline == nil {
		return nil, fmt.Errorf("pipeline: step %s requires a multi-LLM pipeline runner", s.ID)
	}
	stages, _ := s.Params["stages"].([]llmpipeline.Stage)
	mode := llmpipeline.Mode(stringParam(s.Params, "mode"))

	result, err := x.LLMPipeline.Run(ctx, mode, s.ID, pipelineID, stages)
	if err != nil {
		return nil, err
	}
	return map[string]any{"final_output": result.FinalOutput}, nil
}

func (x *Executor) dispatchHumanApprovalGate(ctx context.Context, s ir.PipelineStep, pc *ir.PipelineContext, pipelineID string) (map[string]any, error) {
	if x.Approval == nil {
		return nil, fmt.Errorf("pipeline: step %s requires an approval coordinator", s.ID)
	}

	scope := pc.Scope()
	snapshot := resolveSlotPaths(scope, slotsParam(s.Params, "context_source_paths"))

	notifySteps, _ := s.Params["notify_via"].([]ir.PipelineStep)
	for _, n := range notifySteps {
		_ = x.runStep(ctx, n, pc, pipelineID)
	}

	timeoutMS, _ := s.Params["timeout_ms"].(int64)
	gateID := stringParam(s.Params, "gate_id")
	if gateID == "" {
		gateID = s.ID
	}

	gate := x.Approval.RegisterGate(gateID, approval.RegisterGateRequest{
		WorkflowID:      pipelineID,
		ContextSnapshot: snapshot,
		TimeoutMS:       timeoutMS,
	})

	waitCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutMS)*time.Millisecond+5*time.Second)
	defer cancel()
	evt, err := x.Approval.WaitForDecision(waitCtx, gate.GateID)
	if err != nil {
		return nil, fmt.Errorf("pipeline: approval gate %s: %w", gate.GateID, err)
	}

	decision, _ := evt.Payload["decision"].(string)
	var followUp []ir.PipelineStep
	if decision == approval.DecisionApproved {
		followUp, _ = s.Params["on_approved"].([]ir.PipelineStep)
	} else {
		followUp, _ = s.Params["on_rejected"].([]ir.PipelineStep)
	}
	for _, f := range followUp {
		_ = x.runStep(ctx, f, pc, pipelineID)
	}

	return map[string]any{"decision": decision, "gate_id": gate.GateID}, nil
}

func sandboxTimeout() time.Duration { return 100 * time.Millisecond }
