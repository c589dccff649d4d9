package approval

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
)

// Router builds the REST surface described in the external-interfaces spec:
// list pending gates, summary counts, fetch one gate, decide, and cancel.
func Router(c *Coordinator) chi.Router {
	r := chi.NewRouter()
	r.Get("/", listPending(c))
	r.Get("/summary", summary(c))
	r.Get("/{gateID}", getGate(c))
	r.Post("/{gateID}", decide(c))
	r.Delete("/{gateID}", cancel(c))
	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func listPending(c *Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, c.ListPending())
	}
}

func summary(c *Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pending, total := c.Summary()
		writeJSON(w, http.StatusOK, map[string]int{"pending": pending, "total": total})
	}
}

func getGate(c *Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		gate, ok := c.Get(chi.URLParam(r, "gateID"))
		if !ok {
			writeError(w, http.StatusNotFound, "gate not found")
			return
		}
		writeJSON(w, http.StatusOK, gate)
	}
}

type decideRequest struct {
	Decision  string    `json:"decision"`
	DecidedBy string    `json:"decided_by"`
	Comment   string    `json:"comment,omitempty"`
	DecidedAt time.Time `json:"decided_at,omitempty"`
}

func normalizeDecision(raw string) (string, bool) {
	switch strings.ToUpper(raw) {
	case "APPROVED":
		return DecisionApproved, true
	case "REJECTED":
		return DecisionRejected, true
	default:
		return "", false
	}
}

func decide(c *Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		gateID := chi.URLParam(r, "gateID")
		var req decideRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DecidedBy == "" {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		decision, ok := normalizeDecision(req.Decision)
		if !ok {
			writeError(w, http.StatusBadRequest, "decision must be APPROVED or REJECTED")
			return
		}
		gate, err := c.Resolve(ResolveRequest{
			GateID:    gateID,
			Decision:  decision,
			DecidedBy: req.DecidedBy,
			Comment:   req.Comment,
			DecidedAt: req.DecidedAt,
		})
		switch err {
		case nil:
			writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "gate_id": gate.GateID, "decision": gate.Status})
		case ErrGateNotFound:
			writeError(w, http.StatusNotFound, "gate not found")
		case ErrGateNotPending:
			writeError(w, http.StatusBadRequest, "gate is not pending")
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
	}
}

func cancel(c *Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := c.CancelGate(chi.URLParam(r, "gateID")); err != nil {
			writeError(w, http.StatusNotFound, "gate not found")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
