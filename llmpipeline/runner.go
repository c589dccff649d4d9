// Package llmpipeline implements the Multi-LLM Pipeline Runner (C7): chains
// or fans out LLM stages atop the teacher's generic graph.Engine, reusing
// its node/route/reducer machinery instead of hand-rolling a second
// orchestration loop.
package llmpipeline

import (
	"context"
	"fmt"

	"github.com/mbathe/eyeflow/graph"
	"github.com/mbathe/eyeflow/graph/emit"
	"github.com/mbathe/eyeflow/graph/store"
	"github.com/mbathe/eyeflow/ir"
	"github.com/mbathe/eyeflow/llm"
)

// Mode selects sequential chaining vs concurrent fan-out (spec §4.7).
type Mode string

const (
	ModeSequential Mode = "sequential"
	ModeParallel   Mode = "parallel"
)

// ValidationFailureStrategy controls what happens when a stage's output
// fails schema validation.
type ValidationFailureStrategy string

const (
	OnValidationFailSafe ValidationFailureStrategy = "fail_safe"
	OnValidationAbort    ValidationFailureStrategy = "abort"
)

// PreviousStageOutputMarker is the sentinel slot value a stage uses to
// reference the previous stage's validated output in sequential mode.
const PreviousStageOutputMarker = "previous_stage_output"

// Stage describes one LLM call in the pipeline.
type Stage struct {
	ID                  string
	Descriptor          ir.CompiledLLMContext
	Slots               map[string]interface{}
	OnValidationFailure ValidationFailureStrategy
}

// Result is the outcome of a Run call.
type Result struct {
	StageResults map[string]ir.LLMCallResult
	FinalOutput  map[string]interface{}
}

// state is the graph.Engine state threaded through pipeline nodes.
type state struct {
	results  map[string]ir.LLMCallResult
	previous map[string]interface{}
	aborted  bool
}

func reduce(prev, delta state) state {
	merged := state{
		results:  make(map[string]ir.LLMCallResult, len(prev.results)+len(delta.results)),
		previous: prev.previous,
		aborted:  prev.aborted || delta.aborted,
	}
	for k, v := range prev.results {
		merged.results[k] = v
	}
	for k, v := range delta.results {
		merged.results[k] = v
	}
	if delta.previous != nil {
		merged.previous = delta.previous
	}
	return merged
}

// Runner implements C7 by compiling stages into a fresh graph.Engine per
// invocation and running it to completion.
type Runner struct {
	caller  *llm.Caller
	emitter emit.Emitter
	metrics *graph.PrometheusMetrics
}

// New builds a Runner backed by caller (C6). metrics may be nil; when set, it
// is threaded into every graph.Engine this Runner constructs via
// graph.WithMetrics. Those engines leave MaxConcurrentNodes unset and so run
// the engine's sequential path, which records no metrics.
func New(caller *llm.Caller, emitter emit.Emitter, metrics *graph.PrometheusMetrics) *Runner {
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	return &Runner{caller: caller, emitter: emitter, metrics: metrics}
}

// engineOptions returns the variadic options RunSequential/RunParallel pass
// to graph.New — empty unless metrics collection is enabled.
func (r *Runner) engineOptions() []interface{} {
	if r.metrics == nil {
		return nil
	}
	return []interface{}{graph.WithMetrics(r.metrics)}
}

func resolveSlots(slots map[string]interface{}, previous map[string]interface{}) map[string]interface{} {
	resolved := make(map[string]interface{}, len(slots))
	for k, v := range slots {
		if s, ok := v.(string); ok && s == PreviousStageOutputMarker {
			resolved[k] = previous
			continue
		}
		resolved[k] = v
	}
	return resolved
}

func (r *Runner) stageNode(stage Stage, workflowID string) graph.NodeFunc[state] {
	return func(ctx context.Context, s state) graph.NodeResult[state] {
		if s.aborted {
			return graph.NodeResult[state]{Route: graph.Stop()}
		}

		slots := resolveSlots(stage.Slots, s.previous)
		callResult := r.caller.Call(ctx, stage.ID, stage.Descriptor, slots, workflowID)

		delta := state{results: map[string]ir.LLMCallResult{stage.ID: callResult}}

		if callResult.Error != "" {
			strategy := stage.OnValidationFailure
			if strategy == "" {
				strategy = OnValidationFailSafe
			}
			r.emitter.Emit(emit.Event{RunID: workflowID, NodeID: stage.ID, Msg: "stage_validation_failed", Meta: map[string]interface{}{"error": callResult.Error}})
			if strategy == OnValidationAbort {
				delta.aborted = true
				return graph.NodeResult[state]{Delta: delta, Route: graph.Stop()}
			}
			delta.previous = nil
			return graph.NodeResult[state]{Delta: delta, Route: graph.Stop()}
		}

		delta.previous = callResult.Parsed
		return graph.NodeResult[state]{Delta: delta, Route: graph.Stop()}
	}
}

// RunSequential chains stages 1..N, substituting PreviousStageOutputMarker
// slots with the prior stage's validated output (spec §4.7).
func (r *Runner) RunSequential(ctx context.Context, runID, workflowID string, stages []Stage) (Result, error) {
	if len(stages) == 0 {
		return Result{StageResults: map[string]ir.LLMCallResult{}}, nil
	}

	eng := graph.New[state](reduce, store.NewMemStore[state](), r.emitter, r.engineOptions()...)
	for i, stage := range stages {
		node := r.stageNode(stage, workflowID)
		wrapped := graph.NodeFunc[state](func(ctx context.Context, s state) graph.NodeResult[state] {
			res := node(ctx, s)
			if res.Delta.aborted || i == len(stages)-1 {
				return res
			}
			res.Route = graph.Goto(stages[i+1].ID)
			return res
		})
		if err := eng.Add(stage.ID, wrapped); err != nil {
			return Result{}, fmt.Errorf("llmpipeline: add stage %q: %w", stage.ID, err)
		}
	}
	if err := eng.StartAt(stages[0].ID); err != nil {
		return Result{}, fmt.Errorf("llmpipeline: start: %w", err)
	}

	final, err := eng.Run(ctx, runID, state{results: map[string]ir.LLMCallResult{}})
	if err != nil {
		return Result{StageResults: final.results}, err
	}
	return Result{StageResults: final.results, FinalOutput: final.previous}, nil
}

// RunParallel runs every stage concurrently and merges outputs into
// {stage_id -> output} (spec §4.7).
func (r *Runner) RunParallel(ctx context.Context, runID, workflowID string, stages []Stage) (Result, error) {
	if len(stages) == 0 {
		return Result{StageResults: map[string]ir.LLMCallResult{}}, nil
	}

	eng := graph.New[state](reduce, store.NewMemStore[state](), r.emitter, r.engineOptions()...)
	ids := make([]string, len(stages))
	for i, stage := range stages {
		node := r.stageNode(stage, workflowID)
		wrapped := graph.NodeFunc[state](func(ctx context.Context, s state) graph.NodeResult[state] {
			res := node(ctx, s)
			res.Route = graph.Stop()
			return res
		})
		if err := eng.Add(stage.ID, wrapped); err != nil {
			return Result{}, fmt.Errorf("llmpipeline: add stage %q: %w", stage.ID, err)
		}
		ids[i] = stage.ID
	}

	const fanOutNode = "__fan_out__"
	if err := eng.Add(fanOutNode, graph.NodeFunc[state](func(ctx context.Context, s state) graph.NodeResult[state] {
		return graph.NodeResult[state]{Route: graph.Next{Many: ids}}
	})); err != nil {
		return Result{}, fmt.Errorf("llmpipeline: add fan-out node: %w", err)
	}
	if err := eng.StartAt(fanOutNode); err != nil {
		return Result{}, fmt.Errorf("llmpipeline: start: %w", err)
	}

	final, err := eng.Run(ctx, runID, state{results: map[string]ir.LLMCallResult{}})
	if err != nil {
		return Result{StageResults: final.results}, err
	}

	merged := make(map[string]interface{}, len(final.results))
	for stageID, res := range final.results {
		merged[stageID] = res.Parsed
	}
	return Result{StageResults: final.results, FinalOutput: merged}, nil
}

// Run dispatches to RunSequential or RunParallel based on mode.
func (r *Runner) Run(ctx context.Context, mode Mode, runID, workflowID string, stages []Stage) (Result, error) {
	switch mode {
	case ModeParallel:
		return r.RunParallel(ctx, runID, workflowID, stages)
	default:
		return r.RunSequential(ctx, runID, workflowID, stages)
	}
}
