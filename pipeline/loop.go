package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/mbathe/eyeflow/ir"
)

const defaultOnMaxIterations = "use_best_attempt"

func numericField(output map[string]any, field string) (float64, bool) {
	v, ok := output[field]
	if !ok {
		return 0, false
	}
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

// dispatchLoop implements spec §4.8's loop step: a bounded, own-scratch-
// context iteration over a step body with convergence detection and
// best-attempt tracking.
func (x *Executor) dispatchLoop(ctx context.Context, s ir.PipelineStep, parent *ir.PipelineContext, pipelineID string) (map[string]any, error) {
	body, ok := s.Params["body"].(ir.PipelineStep)
	if !ok {
		return nil, fmt.Errorf("pipeline: loop step %s missing body", s.ID)
	}
	maxIterations, _ := s.Params["max_iterations"].(int)
	if maxIterations <= 0 {
		maxIterations = 1
	}
	timeoutMS, _ := s.Params["timeout_ms"].(int64)
	contextEnrichment := stringParam(s.Params, "context_enrichment")
	convergencePredicate := stringParam(s.Params, "convergence_predicate")
	bestField := stringParam(s.Params, "best_output_field")
	onMaxIterations := stringParam(s.Params, "on_max_iterations")
	if onMaxIterations == "" {
		onMaxIterations = defaultOnMaxIterations
	}

	loopCtx := ctx
	if timeoutMS > 0 {
		var cancel context.CancelFunc
		loopCtx, cancel = context.WithTimeout(ctx, time.Duration(timeoutMS)*time.Millisecond)
		defer cancel()
	}

	scratch := ir.NewPipelineContext(parent.Event, []ir.PipelineStep{body})

	var bestOutput, latestOutput map[string]any
	var bestScore float64
	haveBest := false
	converged := false

	for i := 0; i < maxIterations; i++ {
		if loopCtx.Err() != nil {
			break
		}
		if contextEnrichment == "append_previous" && latestOutput != nil {
			scratch.Steps[body.ID+"_previous"] = &ir.StepResult{Status: ir.StatusSuccess, Output: latestOutput}
		}

		if err := x.runStep(loopCtx, body, scratch, pipelineID); err != nil {
			continue
		}
		latestOutput = scratch.Steps[body.ID].Output

		if score, ok := numericField(latestOutput, bestField); ok {
			if !haveBest || score > bestScore {
				bestScore = score
				bestOutput = latestOutput
				haveBest = true
			}
		}

		if convergencePredicate != "" {
			scope := map[string]any{"output": latestOutput}
			if x.Sandbox.EvaluateBool(convergencePredicate, scope, sandboxTimeout()) {
				converged = true
				break
			}
		}
	}

	finalOutput := latestOutput
	if !converged && onMaxIterations == defaultOnMaxIterations && haveBest {
		finalOutput = bestOutput
	}
	if !haveBest {
		bestOutput = latestOutput
	}

	return map[string]any{"best_output": bestOutput, "final_output": finalOutput}, nil
}
