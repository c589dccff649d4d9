// Package graph provides the core graph execution engine for LangGraph-Go.
package graph

import (
	"encoding/json"
	"time"
)

// Replay provides deterministic replay of graph executions.

// RecordedIO describes an external interaction (API call, database query,
// etc.): its request, response, response hash and timing.
//
// Nothing in this package creates RecordedIO values or looks them up: the
// engine saves checkpoints with an empty RecordedIOs list and runs every node
// live, also in replay mode. The Hash field is stored with the record; no
// code compares it against a live response.
type RecordedIO struct {
	// NodeID identifies the node that performed this I/O operation.
	NodeID string `json:"node_id"`

	// Attempt is the retry attempt number this I/O corresponds to.
	// This allows matching I/O recordings to specific retry attempts.
	Attempt int `json:"attempt"`

	// Request is the serialized request data sent to the external service.
	// Stored as JSON for cross-language compatibility and human readability.
	Request json.RawMessage `json:"request"`

	// Response is the serialized response data received from the external service.
	// Stored as JSON for cross-language compatibility and human readability.
	Response json.RawMessage `json:"response"`

	// Hash is a SHA-256 hash of the response content, used for mismatch detection.
	// during replay. Format: "sha256:hex_encoded_hash".
	Hash string `json:"hash"`

	// Timestamp records when this I/O operation was captured.
	Timestamp time.Time `json:"timestamp"`

	// Duration is how long the I/O operation took to complete.
	// This can be used for performance analysis and replay simulation.
	Duration time.Duration `json:"duration"`
}

// recordIO, lookupRecordedIO, and verifyReplayHash used to live here as the
// plumbing for SideEffectPolicy.Recordable nodes, but no node constructor in
// this tree ever sets Recordable=true and the engine's execution loop never
// looks one up (engine.go's checkpoint save path always passes an empty
// []RecordedIO — see the noRecordedIOs comment there). Removed rather than
// carried as unreachable code; RecordedIO itself stays because
// Checkpoint.RecordedIOs and the replay-mode context plumbing in engine.go
// still round-trip it.
