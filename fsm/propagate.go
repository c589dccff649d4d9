package fsm

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mbathe/eyeflow/ir"
)

// buildPropagatedEvent implements spec §4.10's propagated event
// construction: matched values / local actions are included per
// PropagationConfig, trends are computed (stubbed to the current value
// when no historical buffer is available), and a signature is appended
// when a SignatureAlgorithm is configured.
func (r *Runtime) buildPropagatedEvent(dep *deployment, entry *instanceEntry, satisfaction float64) ir.PropagatedEvent {
	cfg := dep.descriptor.Propagation
	now := time.Now()

	evt := ir.PropagatedEvent{
		EventID:           uuid.NewString(),
		MachineID:         dep.descriptor.MachineID,
		SourceNodeID:      dep.descriptor.TargetNodeID,
		WorkflowID:        entry.state.WorkflowID,
		Timestamp:         now,
		SatisfactionLevel: satisfaction,
	}

	if w, ok := r.Window.GetWindow(entry.state.InstanceID); ok {
		evt.TimeWindow = ir.TimeWindow{
			StartedAt:   w.StartedAt,
			CompletedAt: now,
			WindowMS:    w.WindowMS,
			RemainingMS: r.Window.RemainingMS(entry.state.InstanceID),
		}
	}

	if cfg.IncludeMatchedValues {
		evt.MatchedValues = entry.state.MatchedValues
	}
	if cfg.IncludeLocalActions {
		evt.LocalActionsTaken = entry.state.LocalActionsTaken
	}

	for _, metric := range cfg.ComputeTrends {
		mv, ok := entry.state.MatchedValues[metric]
		if !ok {
			continue
		}
		evt.PrecursorSignals = append(evt.PrecursorSignals, ir.PrecursorSignal{
			Name:      metric,
			Value:     mv.Value,
			Unit:      mv.Unit,
			Direction: "stable",
		})
	}

	if cfg.SignatureAlgorithm != "" {
		evt.Signature = signEvent(cfg.SignatureAlgorithm, cfg.SignatureKey, evt)
	}

	return evt
}

func signEvent(algorithm, key string, evt ir.PropagatedEvent) string {
	payload := fmt.Sprintf("%s|%s|%d|%f|%v", evt.MachineID, evt.SourceNodeID, evt.Timestamp.UnixNano(), evt.SatisfactionLevel, evt.MatchedValues)

	var digest []byte
	switch algorithm {
	case "SHA256":
		sum := sha256.Sum256([]byte(payload))
		digest = sum[:]
	case "SHA512":
		sum := sha512.Sum512([]byte(payload))
		digest = sum[:]
	case "HMAC_SHA256":
		mac := hmac.New(sha256.New, []byte(key))
		mac.Write([]byte(payload))
		digest = mac.Sum(nil)
	default:
		return ""
	}
	return algorithm + ":" + hex.EncodeToString(digest)
}
