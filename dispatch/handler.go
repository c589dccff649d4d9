// Package dispatch implements the Propagated Event Dispatcher (C9): routes
// full/partial FSM matches to registered handler descriptors and, per
// handler, runs parallel actions followed by a pipeline through C8.
package dispatch

import "github.com/mbathe/eyeflow/ir"

// ActionKind tags a handler's parallel_actions union.
type ActionKind string

const (
	ActionAlert              ActionKind = "alert"
	ActionCreateTicket       ActionKind = "create_ticket"
	ActionDispatchRemote     ActionKind = "dispatch_remote_command"
	ActionEvaluateAndForward ActionKind = "evaluate_and_forward"
	ActionCallHTTP           ActionKind = "call_http"
	ActionPersistEvent       ActionKind = "persist_event"
	ActionAuditLog           ActionKind = "audit_log"
)

// ActionDescriptor is one entry in a handler's parallel_actions list.
type ActionDescriptor struct {
	Kind   ActionKind
	Params map[string]any
}

// HandlerDescriptor is registered per machine_id and fires when a
// propagated event from that machine clears MinSatisfactionLevel.
type HandlerDescriptor struct {
	HandlerID            string
	WorkflowID           string
	TriggeredByMachineID string
	MinSatisfactionLevel float64
	ParallelActions      []ActionDescriptor
	Pipeline             []ir.PipelineStep
}
