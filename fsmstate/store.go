// Package fsmstate persists and restores FSM instance snapshots, keyed by
// instance id and indexed by machine id (spec §4.2). It follows the
// key-value shape the spec lays out directly: "fsm:instance:{id}" and
// "fsm:machine:{machine_id}:instances", adapted from the save/load/
// mutex-guarded-map discipline of graph/store.MemStore.
package fsmstate

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/mbathe/eyeflow/graph/emit"
	"github.com/mbathe/eyeflow/ir"
)

// InstanceTTL matches spec §6's ~24h instance key lifetime.
const InstanceTTL = 24 * time.Hour

// Backend is the minimal key-value contract a state-store back-end must
// satisfy. A nil Backend makes the Store degrade to a pure no-op (spec
// §4.2's "graceful degradation").
type Backend interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, key string) error
}

// Store implements the FSM State Store (C2).
type Store struct {
	backend Backend
	emitter emit.Emitter
}

// New wraps backend as the FSM state store. A nil backend yields a
// fully functional no-op store (every Save/Load/Remove call succeeds
// silently) per spec §4.2's graceful-degradation requirement.
func New(backend Backend, emitter emit.Emitter) *Store {
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	return &Store{backend: backend, emitter: emitter}
}

func instanceKey(instanceID string) string {
	return "fsm:instance:" + instanceID
}

func machineIndexKey(machineID string) string {
	return "fsm:machine:" + machineID + ":instances"
}

// Save writes a full replacement snapshot (spec §4.2): timer handles are
// never part of ir.RuntimeState, so nothing needs to be stripped. Save is
// write-through fire-and-forget — errors are logged via the emitter, never
// returned to a caller that can't act on them (matching the spec's
// best-effort persistence policy for on-entry transitions).
func (s *Store) Save(ctx context.Context, state ir.RuntimeState) {
	if s.backend == nil {
		return
	}
	data, err := json.Marshal(state)
	if err != nil {
		s.logErr("save_marshal", state.InstanceID, err)
		return
	}
	if err := s.backend.Set(ctx, instanceKey(state.InstanceID), data, InstanceTTL); err != nil {
		s.logErr("save", state.InstanceID, err)
		return
	}
	s.addToIndex(ctx, state.MachineID, state.InstanceID)
}

// Load restores a single instance snapshot. All timer fields are already
// absent from ir.RuntimeState; the runtime is responsible for re-arming
// window/gate timers after Load.
func (s *Store) Load(ctx context.Context, instanceID string) (ir.RuntimeState, bool) {
	if s.backend == nil {
		return ir.RuntimeState{}, false
	}
	data, ok, err := s.backend.Get(ctx, instanceKey(instanceID))
	if err != nil || !ok {
		if err != nil {
			s.logErr("load", instanceID, err)
		}
		return ir.RuntimeState{}, false
	}
	var state ir.RuntimeState
	if err := json.Unmarshal(data, &state); err != nil {
		s.logErr("load_unmarshal", instanceID, err)
		return ir.RuntimeState{}, false
	}
	return state, true
}

// LoadAllForMachine restores every live instance for machineID, used on
// process restart to re-seed C10's in-memory instance map.
func (s *Store) LoadAllForMachine(ctx context.Context, machineID string) []ir.RuntimeState {
	if s.backend == nil {
		return nil
	}
	data, ok, err := s.backend.Get(ctx, machineIndexKey(machineID))
	if err != nil || !ok {
		return nil
	}
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		s.logErr("load_index_unmarshal", machineID, err)
		return nil
	}
	out := make([]ir.RuntimeState, 0, len(ids))
	for _, id := range ids {
		if st, ok := s.Load(ctx, id); ok {
			out = append(out, st)
		}
	}
	return out
}

// Remove deletes the instance snapshot and drops it from the machine index.
func (s *Store) Remove(ctx context.Context, instanceID, machineID string) {
	if s.backend == nil {
		return
	}
	if err := s.backend.Delete(ctx, instanceKey(instanceID)); err != nil {
		s.logErr("remove", instanceID, err)
	}
	s.removeFromIndex(ctx, machineID, instanceID)
}

func (s *Store) addToIndex(ctx context.Context, machineID, instanceID string) {
	key := machineIndexKey(machineID)
	data, ok, err := s.backend.Get(ctx, key)
	var ids []string
	if err == nil && ok {
		_ = json.Unmarshal(data, &ids)
	}
	for _, id := range ids {
		if id == instanceID {
			return
		}
	}
	ids = append(ids, instanceID)
	encoded, err := json.Marshal(ids)
	if err != nil {
		return
	}
	_ = s.backend.Set(ctx, key, encoded, 0)
}

func (s *Store) removeFromIndex(ctx context.Context, machineID, instanceID string) {
	key := machineIndexKey(machineID)
	data, ok, err := s.backend.Get(ctx, key)
	if err != nil || !ok {
		return
	}
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return
	}
	filtered := ids[:0]
	for _, id := range ids {
		if id != instanceID {
			filtered = append(filtered, id)
		}
	}
	encoded, err := json.Marshal(filtered)
	if err != nil {
		return
	}
	_ = s.backend.Set(ctx, key, encoded, 0)
}

func (s *Store) logErr(op, instanceID string, err error) {
	s.emitter.Emit(emit.Event{
		RunID:  instanceID,
		NodeID: op,
		Msg:    "fsmstate_error",
		Meta:   map[string]interface{}{"error": err.Error()},
	})
}

// MemBackend is an in-memory Backend, the default used by tests and
// single-process deployments without a durable store configured. TTL is
// enforced lazily on Get, mirroring the teacher's MemStore mutex+map
// discipline (graph/store/memory.go).
type MemBackend struct {
	mu   sync.RWMutex
	data map[string]memEntry
}

type memEntry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

// NewMemBackend returns an empty in-memory backend.
func NewMemBackend() *MemBackend {
	return &MemBackend{data: make(map[string]memEntry)}
}

func (m *MemBackend) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry := memEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}
	m.data[key] = entry
	return nil
}

func (m *MemBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	entry, ok := m.data[key]
	m.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		m.mu.Lock()
		delete(m.data, key)
		m.mu.Unlock()
		return nil, false, nil
	}
	return append([]byte(nil), entry.value...), true, nil
}

func (m *MemBackend) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}
