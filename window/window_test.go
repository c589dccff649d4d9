package window

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestStartWindowIsIdempotent(t *testing.T) {
	m := New()
	first := m.StartWindow("i1", "m1", 10_000, nil)
	second := m.StartWindow("i1", "m1", 999_999, nil)

	if first.ExpiresAt != second.ExpiresAt {
		t.Fatal("duplicate StartWindow should return the original entry, not replace the timer")
	}
}

func TestCancelWindow(t *testing.T) {
	m := New()
	m.StartWindow("i1", "m1", 10_000, nil)

	if !m.IsWindowActive("i1") {
		t.Fatal("expected window to be active")
	}
	if ok := m.CancelWindow("i1"); !ok {
		t.Fatal("expected CancelWindow to report an existing window")
	}
	if m.IsWindowActive("i1") {
		t.Fatal("expected IsWindowActive to be false immediately after cancel")
	}
	if ok := m.CancelWindow("i1"); ok {
		t.Fatal("second cancel should report no window existed")
	}
}

func TestWindowExpiry(t *testing.T) {
	m := New()
	var fired int32
	m.StartWindow("i1", "m1", 10, func() {
		atomic.AddInt32(&fired, 1)
	})

	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		if atomic.LoadInt32(&fired) == 1 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}

	if atomic.LoadInt32(&fired) != 1 {
		t.Fatal("expected expiry callback to fire exactly once")
	}
	if m.IsWindowActive("i1") {
		t.Fatal("expected window to be removed after expiry")
	}
}

func TestRemainingMS(t *testing.T) {
	m := New()
	m.StartWindow("i1", "m1", 10_000, nil)
	remaining := m.RemainingMS("i1")
	if remaining <= 0 || remaining > 10_000 {
		t.Fatalf("unexpected remaining ms: %d", remaining)
	}
	if m.RemainingMS("unknown") != 0 {
		t.Fatal("expected 0 remaining for unknown instance")
	}
}
