package ir

import "time"

// StepKind tags the pipeline step union.
type StepKind string

const (
	StepLLMCall           StepKind = "llm_call"
	StepLoop              StepKind = "loop"
	StepMLScoreCall       StepKind = "ml_score_call"
	StepCRMQuery          StepKind = "crm_query"
	StepBranch            StepKind = "branch"
	StepHumanApprovalGate StepKind = "human_approval_gate"
	StepSendEmail         StepKind = "send_email"
	StepWriteCRM          StepKind = "write_crm"
	StepAlert             StepKind = "alert"
	StepCallHTTP          StepKind = "call_http"
	StepLog               StepKind = "log"
	StepConnectorAction   StepKind = "connector_action"
	StepMultiLLMPipeline  StepKind = "multi_llm_pipeline"
)

// RetryPolicy governs per-step retry on thrown error (spec §4.8).
type RetryPolicy struct {
	MaxAttempts       int     `json:"max_attempts"`
	BackoffMS         int64   `json:"backoff_ms"`
	BackoffMultiplier float64 `json:"backoff_multiplier,omitempty"`
}

// PipelineStep is the tagged step union. Params carries kind-specific
// fields (e.g. loop's max_iterations, branch's condition) and is interpreted
// by pipeline.dispatch.
type PipelineStep struct {
	ID                     string         `json:"id"`
	Kind                   StepKind       `json:"kind"`
	Description            string         `json:"description,omitempty"`
	ContinueOnFailure      bool           `json:"continue_on_failure,omitempty"`
	DryRun                 bool           `json:"dry_run,omitempty"`
	Mandatory              bool           `json:"mandatory,omitempty"`
	RetryPolicy            *RetryPolicy   `json:"retry_policy,omitempty"`
	RequiresApprovalGateID string         `json:"requires_approval_gate_id,omitempty"`
	Params                 map[string]any `json:"params,omitempty"`
}

// StepStatus is the lifecycle status of one step's execution record.
type StepStatus string

const (
	StatusPending          StepStatus = "pending"
	StatusSuccess          StepStatus = "success"
	StatusFailed           StepStatus = "failed"
	StatusSkipped          StepStatus = "skipped"
	StatusWaitingApproval  StepStatus = "waiting_approval"
)

// StepResult is one step's recorded outcome in the pipeline context.
type StepResult struct {
	Status     StepStatus     `json:"status"`
	Output     map[string]any `json:"output,omitempty"`
	Error      string         `json:"error,omitempty"`
	DurationMS int64          `json:"duration_ms"`
}

// PipelineResult is the overall pipeline outcome.
type PipelineResult string

const (
	ResultPending PipelineResult = "pending"
	ResultSuccess PipelineResult = "success"
	ResultFailed  PipelineResult = "failed"
	ResultPartial PipelineResult = "partial"
)

// PipelineContext accumulates as a pipeline executes (spec §3).
type PipelineContext struct {
	Event    PropagatedEvent        `json:"event"`
	Steps    map[string]*StepResult `json:"pipeline"`
	Result   PipelineResult         `json:"result"`
	StepsIn  []PipelineStep         `json:"-"` // the compiled step list, for dot-path lookups by id
}

// NewPipelineContext seeds a context for executing steps against event.
func NewPipelineContext(event PropagatedEvent, steps []PipelineStep) *PipelineContext {
	return &PipelineContext{
		Event:   event,
		Steps:   make(map[string]*StepResult, len(steps)),
		Result:  ResultPending,
		StepsIn: steps,
	}
}

// Scope builds the {pipeline, event} view the sandbox evaluates
// dot-path expressions and slot sources against.
func (pc *PipelineContext) Scope() map[string]any {
	pipelineView := make(map[string]any, len(pc.Steps))
	for id, res := range pc.Steps {
		pipelineView[id] = map[string]any{
			"status":      string(res.Status),
			"output":      res.Output,
			"error":       res.Error,
			"duration_ms": res.DurationMS,
		}
	}
	return map[string]any{
		"pipeline": pipelineView,
		"event":    eventScope(pc.Event),
	}
}

func eventScope(e PropagatedEvent) map[string]any {
	matched := make(map[string]any, len(e.MatchedValues))
	for k, v := range e.MatchedValues {
		matched[k] = map[string]any{"value": v.Value, "unit": v.Unit, "timestamp": v.Timestamp}
	}
	return map[string]any{
		"event_id":           e.EventID,
		"machine_id":         e.MachineID,
		"source_node_id":     e.SourceNodeID,
		"workflow_id":        e.WorkflowID,
		"satisfaction_level": e.SatisfactionLevel,
		"matched_values":     matched,
	}
}

// DynamicSlot is a named placeholder resolved at pipeline/FSM runtime.
type DynamicSlot struct {
	SlotID     string `json:"slot_id"`
	SourceType string `json:"source_type"` // vault | runtime
	SourceKey  string `json:"source_key"`
}

// FewShot is a single example message pair frozen into a Compiled LLM Context.
type FewShot struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// RetryOnInvalidOutput configures C6's validation-failure retry.
type RetryOnInvalidOutput struct {
	MaxAttempts int `json:"max_attempts"`
}

// CompiledLLMContext is frozen at compile time (spec §3); only DynamicSlots
// are resolved per call.
type CompiledLLMContext struct {
	SystemPrompt         string                `json:"system_prompt"`
	FewShots             []FewShot             `json:"few_shots,omitempty"`
	OutputSchema         map[string]string     `json:"output_schema"` // field -> type (string|float|boolean|object|object|null)
	Model                string                `json:"model"`
	Temperature          float64               `json:"temperature"`
	MaxTokens            int                   `json:"max_tokens"`
	DynamicSlots         []DynamicSlot         `json:"dynamic_slots,omitempty"`
	PromptTemplate       string                `json:"prompt_template"`
	RetryOnInvalidOutput *RetryOnInvalidOutput `json:"retry_on_invalid_output,omitempty"`
	TimeoutMS            int64                 `json:"timeout_ms,omitempty"`
}

// LLMCallResult is C6's call() return shape.
type LLMCallResult struct {
	InstructionID string         `json:"instruction_id"`
	Raw           string         `json:"raw"`
	Parsed        map[string]any `json:"parsed"`
	Model         string         `json:"model"`
	TokensUsed    int            `json:"tokens_used"`
	DurationMS    int64          `json:"duration_ms"`
	Attempt       int            `json:"attempt"`
	Error         string         `json:"error,omitempty"`
}

// Duration returns RetryPolicy.BackoffMS/BackoffMultiplier rendered as a
// time.Duration for attempt n (1-indexed), matching spec §4.8 rule 5.
func (rp RetryPolicy) Duration(attempt int) time.Duration {
	mult := rp.BackoffMultiplier
	if mult <= 0 {
		mult = 1
	}
	backoff := float64(rp.BackoffMS)
	for i := 1; i < attempt; i++ {
		backoff *= mult
	}
	return time.Duration(backoff) * time.Millisecond
}
