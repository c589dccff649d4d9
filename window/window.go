// Package window implements the Correlation Window Manager (C3): bounded
// per-instance time windows with single-shot expiry callbacks, adapted
// from the timer/cancellation discipline in graph/timeout.go and the
// idempotent map-guarded registration style of graph/store/memory.go.
package window

import (
	"sync"
	"time"
)

// Entry is a snapshot of a live window, returned by GetWindow for event
// enrichment (propagated event's time_window field).
type Entry struct {
	MachineID string
	StartedAt time.Time
	ExpiresAt time.Time
	WindowMS  int64
}

type windowState struct {
	Entry
	timer *time.Timer
}

// Manager owns the instance_id -> window mapping (spec §4.3). All methods
// are safe for concurrent use; callbacks run on their own goroutine via
// time.AfterFunc and must not block the caller.
type Manager struct {
	mu      sync.Mutex
	windows map[string]*windowState
}

// New returns an empty window Manager.
func New() *Manager {
	return &Manager{windows: make(map[string]*windowState)}
}

// StartWindow schedules a single-shot expiry after windowMS. Idempotent for
// the same instance: a duplicate start returns the existing entry and does
// not replace the first timer (spec §4.3, §8 boundary behaviour).
func (m *Manager) StartWindow(instanceID, machineID string, windowMS int64, onExpired func()) Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.windows[instanceID]; ok {
		return existing.Entry
	}

	now := time.Now()
	dur := time.Duration(windowMS) * time.Millisecond
	entry := Entry{
		MachineID: machineID,
		StartedAt: now,
		ExpiresAt: now.Add(dur),
		WindowMS:  windowMS,
	}
	ws := &windowState{Entry: entry}
	ws.timer = time.AfterFunc(dur, func() {
		m.mu.Lock()
		// Only fire if this is still the live timer for the instance —
		// CancelWindow may have raced the firing goroutine.
		current, ok := m.windows[instanceID]
		if !ok || current != ws {
			m.mu.Unlock()
			return
		}
		delete(m.windows, instanceID)
		m.mu.Unlock()
		if onExpired != nil {
			onExpired()
		}
	})
	m.windows[instanceID] = ws
	return entry
}

// CancelWindow cancels a window if one exists, returning whether it did.
// Cancellation is idempotent — cancelling twice is harmless.
func (m *Manager) CancelWindow(instanceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	ws, ok := m.windows[instanceID]
	if !ok {
		return false
	}
	ws.timer.Stop()
	delete(m.windows, instanceID)
	return true
}

// IsWindowActive is true iff the window exists and has not yet expired.
func (m *Manager) IsWindowActive(instanceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	ws, ok := m.windows[instanceID]
	if !ok {
		return false
	}
	return time.Now().Before(ws.ExpiresAt)
}

// RemainingMS returns the remaining window duration in milliseconds, or 0
// if no window is active.
func (m *Manager) RemainingMS(instanceID string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	ws, ok := m.windows[instanceID]
	if !ok {
		return 0
	}
	remaining := time.Until(ws.ExpiresAt)
	if remaining < 0 {
		return 0
	}
	return remaining.Milliseconds()
}

// GetWindow returns the current window entry for enrichment purposes.
func (m *Manager) GetWindow(instanceID string) (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ws, ok := m.windows[instanceID]
	if !ok {
		return Entry{}, false
	}
	return ws.Entry, true
}

// Shutdown cancels every outstanding timer, used on process shutdown.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, ws := range m.windows {
		ws.timer.Stop()
		delete(m.windows, id)
	}
}
