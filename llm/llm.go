// Package llm implements the LLM Caller (C6): executes a frozen LLM
// descriptor against a provider-detected model.ChatModel, validates the
// parsed output against a schema, and retries on invalid output. Adapted
// from the teacher's graph/model.ChatModel abstraction and graph/cost.go's
// token accounting.
package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mbathe/eyeflow/graph/emit"
	"github.com/mbathe/eyeflow/graph/model"
	"github.com/mbathe/eyeflow/ir"
)

// ModelFactory builds a model.ChatModel for a given API key and model name.
type ModelFactory func(apiKey, modelName string) model.ChatModel

// ProviderRegistry maps provider ids ("openai", "anthropic", "google",
// "ollama", "azure") to the factory that builds their ChatModel and to the
// API key used for that provider.
type ProviderRegistry struct {
	factories map[string]ModelFactory
	apiKeys   map[string]string
}

// NewProviderRegistry returns an empty registry.
func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		factories: make(map[string]ModelFactory),
		apiKeys:   make(map[string]string),
	}
}

// Register wires a provider's factory and API key.
func (r *ProviderRegistry) Register(provider, apiKey string, factory ModelFactory) {
	r.factories[provider] = factory
	r.apiKeys[provider] = apiKey
}

// DetectProvider infers the provider id from a model name, e.g.
// "gpt-4o" -> "openai", "claude-3-sonnet" -> "anthropic",
// "gemini-pro" -> "google", "ollama/llama3" -> "ollama",
// "azure/gpt-4" -> "azure".
func DetectProvider(modelName string) string {
	lower := strings.ToLower(modelName)
	switch {
	case strings.HasPrefix(lower, "azure/") || strings.Contains(lower, "azure"):
		return "azure"
	case strings.HasPrefix(lower, "ollama/") || strings.Contains(lower, "llama") || strings.Contains(lower, "local"):
		return "ollama"
	case strings.Contains(lower, "gpt") || strings.Contains(lower, "o1") || strings.Contains(lower, "o3"):
		return "openai"
	case strings.Contains(lower, "claude"):
		return "anthropic"
	case strings.Contains(lower, "gemini"):
		return "google"
	default:
		return "openai"
	}
}

func (r *ProviderRegistry) resolve(modelName string) (model.ChatModel, error) {
	provider := DetectProvider(modelName)
	factory, ok := r.factories[provider]
	if !ok {
		return nil, fmt.Errorf("llm: no provider registered for %q (detected %q)", modelName, provider)
	}
	return factory(r.apiKeys[provider], modelName), nil
}

// CostRecorder is satisfied by graph.CostTracker; kept as an interface so
// callers without cost tracking enabled can pass nil.
type CostRecorder interface {
	RecordLLMCall(model string, inputTokens, outputTokens int, nodeID string) error
}

// Caller implements C6.
type Caller struct {
	registry *ProviderRegistry
	cost     CostRecorder
	emitter  emit.Emitter
}

// New builds a Caller. cost may be nil to disable token-cost accounting.
func New(registry *ProviderRegistry, cost CostRecorder, emitter emit.Emitter) *Caller {
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	return &Caller{registry: registry, cost: cost, emitter: emitter}
}

func buildUserMessage(slots map[string]interface{}, descriptor ir.CompiledLLMContext) string {
	var b strings.Builder
	for k, v := range slots {
		fmt.Fprintf(&b, "%s: %v\n", k, v)
	}
	if len(descriptor.OutputSchema) > 0 {
		b.WriteString("\nRespond with JSON matching this schema:\n")
		for field, typ := range descriptor.OutputSchema {
			fmt.Fprintf(&b, "  %s: %s\n", field, typ)
		}
	}
	return b.String()
}

func buildMessages(descriptor ir.CompiledLLMContext, slots map[string]interface{}) []model.Message {
	msgs := make([]model.Message, 0, len(descriptor.FewShots)+2)
	if descriptor.SystemPrompt != "" {
		msgs = append(msgs, model.Message{Role: model.RoleSystem, Content: descriptor.SystemPrompt})
	}
	for _, fs := range descriptor.FewShots {
		msgs = append(msgs, model.Message{Role: fs.Role, Content: fs.Content})
	}
	msgs = append(msgs, model.Message{Role: model.RoleUser, Content: buildUserMessage(slots, descriptor)})
	return msgs
}

// Call executes descriptor against its detected provider, retrying on
// invalid output per descriptor.RetryOnInvalidOutput (spec §4.6).
func (c *Caller) Call(ctx context.Context, instructionID string, descriptor ir.CompiledLLMContext, resolvedSlots map[string]interface{}, workflowID string) ir.LLMCallResult {
	start := time.Now()
	chatModel, err := c.registry.resolve(descriptor.Model)
	if err != nil {
		return ir.LLMCallResult{InstructionID: instructionID, Model: descriptor.Model, Error: err.Error(), DurationMS: time.Since(start).Milliseconds()}
	}

	maxAttempts := 1
	if descriptor.RetryOnInvalidOutput != nil && descriptor.RetryOnInvalidOutput.MaxAttempts > 0 {
		maxAttempts = descriptor.RetryOnInvalidOutput.MaxAttempts
	}

	callCtx := ctx
	if descriptor.TimeoutMS > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, time.Duration(descriptor.TimeoutMS)*time.Millisecond)
		defer cancel()
	}

	messages := buildMessages(descriptor, resolvedSlots)

	var lastErr error
	var raw string
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		out, chatErr := chatModel.Chat(callCtx, messages, nil)
		if chatErr != nil {
			lastErr = chatErr
			c.emitter.Emit(emit.Event{RunID: workflowID, NodeID: instructionID, Msg: "llm_call_error", Meta: map[string]interface{}{"attempt": attempt, "error": chatErr.Error()}})
			if attempt < maxAttempts {
				time.Sleep(time.Duration(500*attempt) * time.Millisecond)
				continue
			}
			break
		}
		raw = out.Text
		parsed := extractJSON(raw)
		if valErr := validateSchema(parsed, descriptor.OutputSchema); valErr != nil {
			lastErr = valErr
			c.emitter.Emit(emit.Event{RunID: workflowID, NodeID: instructionID, Msg: "llm_output_invalid", Meta: map[string]interface{}{"attempt": attempt, "error": valErr.Error()}})
			if attempt < maxAttempts {
				time.Sleep(time.Duration(500*attempt) * time.Millisecond)
				continue
			}
			break
		}

		if c.cost != nil {
			inputTokens, outputTokens := estimateTokens(messages, raw)
			_ = c.cost.RecordLLMCall(descriptor.Model, inputTokens, outputTokens, instructionID)
		}

		return ir.LLMCallResult{
			InstructionID: instructionID,
			Raw:           raw,
			Parsed:        parsed,
			Model:         descriptor.Model,
			DurationMS:    time.Since(start).Milliseconds(),
			Attempt:       attempt,
		}
	}

	errMsg := ""
	if lastErr != nil {
		errMsg = lastErr.Error()
	}
	return ir.LLMCallResult{
		InstructionID: instructionID,
		Raw:           raw,
		Model:         descriptor.Model,
		DurationMS:    time.Since(start).Milliseconds(),
		Attempt:       maxAttempts,
		Error:         errMsg,
	}
}

// CallParallel fans out independent calls in original order; per-call
// errors are materialized into the result, never returned as a Go error.
func (c *Caller) CallParallel(ctx context.Context, calls []ParallelCall) []ir.LLMCallResult {
	results := make([]ir.LLMCallResult, len(calls))
	done := make(chan struct{}, len(calls))
	for i, call := range calls {
		go func(i int, call ParallelCall) {
			defer func() { done <- struct{}{} }()
			results[i] = c.Call(ctx, call.InstructionID, call.Descriptor, call.ResolvedSlots, call.WorkflowID)
		}(i, call)
	}
	for range calls {
		<-done
	}
	return results
}

// ParallelCall is one entry in a CallParallel fan-out.
type ParallelCall struct {
	InstructionID string
	Descriptor    ir.CompiledLLMContext
	ResolvedSlots map[string]interface{}
	WorkflowID    string
}

// estimateTokens is a rough whitespace-split token estimate. model.ChatOut
// carries no provider-reported usage, so every recorded call uses it.
func estimateTokens(messages []model.Message, output string) (input, outputTok int) {
	for _, m := range messages {
		input += len(strings.Fields(m.Content))
	}
	outputTok = len(strings.Fields(output))
	return input, outputTok
}
