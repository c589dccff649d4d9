// Package pipeline implements the Pipeline Executor (C8): a compiled
// sequence of PipelineSteps run with retry, dry-run, branches, loops,
// approval gates, and mandatory-step semantics, adapted from the teacher's
// node/result vocabulary (graph.NodeResult) without pulling in the full
// scheduler — pipelines are a strictly sequential execution model (spec §5).
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/mbathe/eyeflow/approval"
	"github.com/mbathe/eyeflow/connector"
	"github.com/mbathe/eyeflow/graph/emit"
	"github.com/mbathe/eyeflow/ir"
	"github.com/mbathe/eyeflow/llm"
	"github.com/mbathe/eyeflow/llmpipeline"
	"github.com/mbathe/eyeflow/sandbox"
)

// Executor runs compiled pipelines against the dependent components (C1, C4-C7).
type Executor struct {
	Sandbox     *sandbox.Sandbox
	Connector   *connector.Dispatcher
	Caller      *llm.Caller
	LLMPipeline *llmpipeline.Runner
	Approval    *approval.Coordinator
	Emitter     emit.Emitter
}

// New builds an Executor. Any dependency may be nil if the pipelines it
// executes never dispatch the corresponding step kind.
func New(sb *sandbox.Sandbox, conn *connector.Dispatcher, caller *llm.Caller, llmPipe *llmpipeline.Runner, appr *approval.Coordinator, emitter emit.Emitter) *Executor {
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	if sb == nil {
		sb = sandbox.New()
	}
	return &Executor{Sandbox: sb, Connector: conn, Caller: caller, LLMPipeline: llmPipe, Approval: appr, Emitter: emitter}
}

// stepError is a typed error carrying the step id, used to decide whether
// regular-set execution halts.
type stepError struct {
	stepID string
	err    error
}

func (e *stepError) Error() string { return fmt.Sprintf("step %s: %v", e.stepID, e.err) }
func (e *stepError) Unwrap() error { return e.err }

// Execute runs steps against event, partitioning mandatory write_crm steps
// per spec §4.8 rule 1, and returns the accumulated pipeline context.
func (x *Executor) Execute(ctx context.Context, steps []ir.PipelineStep, event ir.PropagatedEvent, pipelineID string) *ir.PipelineContext {
	pc := ir.NewPipelineContext(event, steps)

	var mandatory, regular []ir.PipelineStep
	for _, s := range steps {
		if s.Kind == ir.StepWriteCRM && s.Mandatory {
			mandatory = append(mandatory, s)
		} else {
			regular = append(regular, s)
		}
	}

	regularFailed := x.runSequential(ctx, regular, pc, pipelineID)

	for _, s := range mandatory {
		if err := x.runStep(ctx, s, pc, pipelineID); err != nil {
			x.Emitter.Emit(emit.Event{RunID: pipelineID, NodeID: s.ID, Msg: "mandatory_step_failed", Meta: map[string]interface{}{"error": err.Error()}})
		}
	}

	switch {
	case regularFailed:
		pc.Result = ir.ResultFailed
	default:
		pc.Result = ir.ResultSuccess
	}
	return pc
}

// runSequential executes steps in order, halting on the first
// non-continue_on_failure error. Returns whether the regular set failed.
func (x *Executor) runSequential(ctx context.Context, steps []ir.PipelineStep, pc *ir.PipelineContext, pipelineID string) bool {
	for _, s := range steps {
		if err := x.runStep(ctx, s, pc, pipelineID); err != nil {
			if s.ContinueOnFailure {
				continue
			}
			return true
		}
	}
	return false
}

// runStep applies gate-skip, dry-run, and retry policy around dispatch
// (spec §4.8 rules 4-5), recording exactly one StepResult per step.
func (x *Executor) runStep(ctx context.Context, s ir.PipelineStep, pc *ir.PipelineContext, pipelineID string) error {
	if s.RequiresApprovalGateID != "" {
		gateResult, ok := pc.Steps[s.RequiresApprovalGateID]
		if !ok || gateResult.Output["decision"] != approval.DecisionApproved {
			pc.Steps[s.ID] = &ir.StepResult{
				Status: ir.StatusSkipped,
				Output: map[string]any{"skippedReason": fmt.Sprintf("gate_not_approved:%s", s.RequiresApprovalGateID)},
			}
			return nil
		}
	}

	if s.DryRun {
		pc.Steps[s.ID] = &ir.StepResult{
			Status: ir.StatusSuccess,
			Output: map[string]any{"dry_run": true, "step_type": string(s.Kind), "description": s.Description},
		}
		return nil
	}

	maxAttempts := 1
	var policy ir.RetryPolicy
	if s.RetryPolicy != nil {
		maxAttempts = s.RetryPolicy.MaxAttempts
		if maxAttempts < 1 {
			maxAttempts = 1
		}
		policy = *s.RetryPolicy
	}

	start := time.Now()
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		output, err := x.dispatch(ctx, s, pc, pipelineID)
		if err == nil {
			pc.Steps[s.ID] = &ir.StepResult{
				Status:     ir.StatusSuccess,
				Output:     output,
				DurationMS: time.Since(start).Milliseconds(),
			}
			return nil
		}
		lastErr = err
		if attempt < maxAttempts {
			select {
			case <-time.After(policy.Duration(attempt)):
			case <-ctx.Done():
				lastErr = ctx.Err()
				break
			}
		}
	}

	pc.Steps[s.ID] = &ir.StepResult{
		Status:     ir.StatusFailed,
		Error:      lastErr.Error(),
		DurationMS: time.Since(start).Milliseconds(),
	}
	return &stepError{stepID: s.ID, err: lastErr}
}
