// Package ir defines the compiled intermediate representation shared by
// every runtime component: condition descriptors, FSM descriptors, FSM
// runtime state, propagated events, and pipeline steps. Descriptors are
// produced upstream by the (out of scope) compiler and are treated here as
// shared-immutable values; only RuntimeState and PipelineContext mutate
// during execution.
package ir

import "time"

// Operator is a numeric comparison operator used by threshold-shaped
// condition kinds.
type Operator string

const (
	OpGT      Operator = ">"
	OpGTE     Operator = ">="
	OpLT      Operator = "<"
	OpLTE     Operator = "<="
	OpEQ      Operator = "="
	OpNEQ     Operator = "!="
	OpExists  Operator = "exists"
	OpBetween Operator = "between"
)

// ConditionKind tags the unified trigger shape.
type ConditionKind string

const (
	CondSensorThreshold   ConditionKind = "sensor_threshold"
	CondMQTTValue         ConditionKind = "mqtt_value"
	CondKafkaEvent        ConditionKind = "kafka_event"
	CondFieldBusValue     ConditionKind = "field_bus_value"
	CondKPIValue          ConditionKind = "kpi_value"
	CondLLMOutput         ConditionKind = "llm_output"
	CondMLScore           ConditionKind = "ml_score"
	CondCRMResult         ConditionKind = "crm_result"
	CondAPIResponse       ConditionKind = "api_response"
	CondWindowElapsed     ConditionKind = "window_timer_elapsed"
	CondHumanApproval     ConditionKind = "human_approval"
	CondRemoteSignal      ConditionKind = "remote_signal"
	CondCompositeAllOf    ConditionKind = "composite_all_of"
	CondCompositeAnyOf    ConditionKind = "composite_any_of"
)

// ConditionDescriptor is the unified trigger shape (spec §3). Kind-specific
// fields are left zero when not applicable to Kind.
type ConditionDescriptor struct {
	Kind       ConditionKind `json:"kind"`
	MetricName string        `json:"metric_name"`

	// Numeric comparison (sensor_threshold, mqtt_value, kafka_event, field_bus_value, kpi_value).
	Topic    string   `json:"topic,omitempty"`
	Field    string   `json:"field,omitempty"`
	Operator Operator `json:"operator,omitempty"`
	Value    float64  `json:"value,omitempty"`
	Min      float64  `json:"min,omitempty"`
	Max      float64  `json:"max,omitempty"`

	// Semantic conditions (llm_output, ml_score, crm_result, api_response).
	InstructionID       string `json:"instruction_id,omitempty"`
	SemanticExpression  string `json:"semantic_expression,omitempty"`

	// window_timer_elapsed.
	TimerMS int64 `json:"timer_ms,omitempty"`

	// human_approval.
	ApprovalGateID   string `json:"approval_gate_id,omitempty"`
	ExpectedDecision string `json:"expected_decision,omitempty"`

	// remote_signal.
	SignalID string `json:"signal_id,omitempty"`

	// composites.
	CompositeConditions []ConditionDescriptor `json:"composite_conditions,omitempty"`
	CompositeWindowMS   int64                 `json:"composite_window_ms,omitempty"`
}

// Valid checks the invariants listed in spec §3 for a condition descriptor.
func (c ConditionDescriptor) Valid() error {
	switch c.Kind {
	case CondCompositeAllOf, CondCompositeAnyOf:
		if len(c.CompositeConditions) == 0 {
			return errInvalid("composite condition requires at least one child")
		}
	case CondLLMOutput, CondMLScore, CondCRMResult, CondAPIResponse:
		if c.InstructionID == "" || c.SemanticExpression == "" {
			return errInvalid("semantic condition requires instruction_id and semantic_expression")
		}
	case CondSensorThreshold, CondMQTTValue, CondKafkaEvent, CondFieldBusValue, CondKPIValue:
		if c.Operator == OpBetween {
			if c.Min == 0 && c.Max == 0 {
				return errInvalid("between operator requires min and max")
			}
		} else if c.Operator != OpExists && c.Value == 0 && c.Min == 0 && c.Max == 0 {
			return errInvalid("numeric comparison requires a value or (min, max)")
		}
	}
	return nil
}

type invalidErr string

func (e invalidErr) Error() string { return string(e) }
func errInvalid(msg string) error  { return invalidErr(msg) }

// Guard gates when a transition may fire.
type Guard string

const (
	GuardWithinWindow   Guard = "within_window"
	GuardWindowElapsed  Guard = "window_elapsed"
	GuardAlways         Guard = "always"
)

// OnEntryActionKind tags the on-entry action union.
type OnEntryActionKind string

const (
	ActionLog                  OnEntryActionKind = "log"
	ActionStartWindowTimer     OnEntryActionKind = "start_window_timer"
	ActionCancelWindowTimer    OnEntryActionKind = "cancel_window_timer"
	ActionResetFSM             OnEntryActionKind = "reset_fsm"
	ActionIncreaseSamplingRate OnEntryActionKind = "increase_sampling_rate"
	ActionResetSamplingRate    OnEntryActionKind = "reset_sampling_rate"
	ActionControlActuator      OnEntryActionKind = "control_actuator"
	ActionPropagatePartial     OnEntryActionKind = "propagate_partial"
	ActionPropagateEnriched    OnEntryActionKind = "propagate_enriched"
	ActionLLMCall              OnEntryActionKind = "llm_call"
	ActionMLScoreCall          OnEntryActionKind = "ml_score_call"
	ActionCRMQuery             OnEntryActionKind = "crm_query"
	ActionParallelFetch        OnEntryActionKind = "parallel_fetch"
	ActionHumanApprovalGate    OnEntryActionKind = "human_approval_gate"
)

// OnEntryAction is a tagged union; Payload carries kind-specific data and is
// interpreted by the runtime's action dispatch table (fsm.actions.go).
type OnEntryAction struct {
	Kind    OnEntryActionKind `json:"kind"`
	Payload map[string]any    `json:"payload,omitempty"`
}

// Transition is an edge in an FSM descriptor.
type Transition struct {
	FromStates []string            `json:"from_states"`
	ToState    string              `json:"to_state"`
	Condition  ConditionDescriptor `json:"condition"`
	Guard      Guard               `json:"guard"`
	OnEntry    []OnEntryAction     `json:"on_entry,omitempty"`
	Priority   int                 `json:"priority"`
}

// PropagationConfig controls what a propagated event includes.
type PropagationConfig struct {
	IncludeMatchedValues bool     `json:"include_matched_values"`
	IncludeLocalActions  bool     `json:"include_local_actions"`
	ComputeTrends        []string `json:"compute_trends,omitempty"`
	SignatureAlgorithm   string   `json:"signature_algorithm,omitempty"` // "", SHA256, SHA512, HMAC_SHA256
	SignatureKey         string   `json:"-"`
}

// Descriptor is the compiled Event State Machine (spec §3).
type Descriptor struct {
	MachineID          string              `json:"machine_id"`
	States             []string            `json:"states"`
	InitialState       string              `json:"initial_state"`
	FullMatchState     string              `json:"full_match_state"`
	ExpiredState       string              `json:"expired_state"`
	WindowMS           int64               `json:"window_ms"`
	Transitions        []Transition        `json:"transitions"`
	OnFullMatchActions []OnEntryAction     `json:"on_full_match_actions,omitempty"`
	Propagation        PropagationConfig   `json:"propagation_config"`
	TargetNodeID       string              `json:"target_node_id,omitempty"`
	SubscribedDrivers  []string            `json:"subscribed_driver_ids,omitempty"`
}

func (d Descriptor) hasState(s string) bool {
	for _, st := range d.States {
		if st == s {
			return true
		}
	}
	return false
}

// Valid checks the descriptor-level invariants from spec §3.
func (d Descriptor) Valid() error {
	if !d.hasState(d.InitialState) || !d.hasState(d.FullMatchState) || !d.hasState(d.ExpiredState) {
		return errInvalid("initial_state/full_match_state/expired_state must be in states")
	}
	for _, tr := range d.Transitions {
		for _, from := range tr.FromStates {
			if !d.hasState(from) {
				return errInvalid("transition from_state not in states: " + from)
			}
		}
		if !d.hasState(tr.ToState) {
			return errInvalid("transition to_state not in states: " + tr.ToState)
		}
	}
	return nil
}

// MatchedValue is a single recorded condition match.
type MatchedValue struct {
	Value     float64   `json:"value"`
	Unit      string    `json:"unit,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// PendingGateRef is the in-instance bookkeeping for an approval gate the
// instance is waiting on; the timer handle itself lives in the coordinator.
type PendingGateRef struct {
	RegisteredAt time.Time `json:"registered_at"`
}

// LocalAction records an on-entry control_actuator action.
type LocalAction struct {
	ActuatorID        string    `json:"actuator_id"`
	Command           string    `json:"command"`
	Value             float64   `json:"value"`
	Timestamp         time.Time `json:"timestamp"`
	Success           bool      `json:"success"`
	CancellableUntil  *time.Time `json:"cancellable_until,omitempty"`
}

// SamplingRateChange records an on-entry sampling-rate adjustment.
type SamplingRateChange struct {
	DriverID  string    `json:"driver_id"`
	Rate      float64   `json:"rate"`
	Timestamp time.Time `json:"timestamp"`
}

// RuntimeState is a live (or persisted) FSM instance (spec §3). Timer
// handles are never part of this struct — they live in the window manager
// and approval coordinator, keyed by InstanceID, and are re-armed on load.
type RuntimeState struct {
	MachineID    string `json:"machine_id"`
	InstanceID   string `json:"instance_id"`
	WorkflowID   string `json:"workflow_id"`
	NodeID       string `json:"node_id"`
	CurrentState string `json:"current_state"`

	WindowStartedAt *time.Time `json:"window_started_at,omitempty"`
	WindowExpiresAt *time.Time `json:"window_expires_at,omitempty"`

	MatchedValues map[string]MatchedValue   `json:"matched_values"`
	StepOutputs   map[string]any            `json:"step_outputs"`
	PendingGates  map[string]PendingGateRef `json:"pending_approval_gates"`

	LocalActionsTaken        []LocalAction        `json:"local_actions_taken"`
	ActiveSamplingRateChanges []SamplingRateChange `json:"active_sampling_rate_changes"`

	CreatedAt        time.Time `json:"created_at"`
	LastTransitionAt time.Time `json:"last_transition_at"`
}

// Clone returns a deep-enough copy safe for a new goroutine/serialization
// boundary (maps and slices are copied, leaf values are not since they are
// themselves immutable value types).
func (s RuntimeState) Clone() RuntimeState {
	out := s
	out.MatchedValues = cloneMap(s.MatchedValues)
	out.StepOutputs = make(map[string]any, len(s.StepOutputs))
	for k, v := range s.StepOutputs {
		out.StepOutputs[k] = v
	}
	out.PendingGates = cloneGateMap(s.PendingGates)
	out.LocalActionsTaken = append([]LocalAction(nil), s.LocalActionsTaken...)
	out.ActiveSamplingRateChanges = append([]SamplingRateChange(nil), s.ActiveSamplingRateChanges...)
	return out
}

func cloneMap(m map[string]MatchedValue) map[string]MatchedValue {
	out := make(map[string]MatchedValue, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneGateMap(m map[string]PendingGateRef) map[string]PendingGateRef {
	out := make(map[string]PendingGateRef, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// TimeWindow describes the correlation window at event-emission time.
type TimeWindow struct {
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
	WindowMS    int64     `json:"window_ms"`
	RemainingMS int64     `json:"remaining_ms"`
}

// PrecursorSignal is a computed trend over a historical buffer.
type PrecursorSignal struct {
	Name      string  `json:"name"`
	Value     float64 `json:"value"`
	Unit      string  `json:"unit,omitempty"`
	Direction string  `json:"direction"` // rising | falling | stable
}

// PropagatedEvent is the enriched payload emitted on full/partial match.
type PropagatedEvent struct {
	EventID           string                  `json:"event_id"`
	MachineID         string                  `json:"machine_id"`
	SourceNodeID      string                  `json:"source_node_id"`
	WorkflowID        string                  `json:"workflow_id"`
	Timestamp         time.Time               `json:"timestamp"`
	SatisfactionLevel float64                 `json:"satisfaction_level"`
	MatchedValues     map[string]MatchedValue `json:"matched_values,omitempty"`
	TimeWindow        TimeWindow              `json:"time_window"`
	LocalActionsTaken []LocalAction           `json:"local_actions_taken,omitempty"`
	PrecursorSignals  []PrecursorSignal       `json:"precursor_signals,omitempty"`
	Signature         string                  `json:"signature,omitempty"`
}

// TriggerEvent is the shape the runtime consumes from its injected ingress
// stream (spec §6).
type TriggerEvent struct {
	EventID         string         `json:"event_id"`
	OccurredAt      time.Time      `json:"occurred_at"`
	DriverID        string         `json:"driver_id"`
	WorkflowID      string         `json:"workflow_id"`
	WorkflowVersion string         `json:"workflow_version,omitempty"`
	Payload         map[string]any `json:"payload"`
	Source          string         `json:"source,omitempty"`
}

// RemoteCommand is the shape emitted to a target node (spec §6).
type RemoteCommand struct {
	CommandID      string         `json:"command_id"`
	Command        string         `json:"command"`
	Params         map[string]any `json:"params,omitempty"`
	SourceEventID  string         `json:"source_event_id,omitempty"`
	SourceMachineID string        `json:"source_machine_id,omitempty"`
	DeployFSM      *Descriptor    `json:"deploy_fsm,omitempty"`
	TargetNodeID   string         `json:"-"`
}
