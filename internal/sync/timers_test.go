package sync

import (
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met within 2s")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// TestTimerSet_fires verifies a scheduled function runs once and is forgotten.
func TestTimerSet_fires(t *testing.T) {
	s := NewTimerSet()
	var calls int32

	s.Schedule("r-1", 10*time.Millisecond, func() { atomic.AddInt32(&calls, 1) })

	waitFor(t, func() bool { return atomic.LoadInt32(&calls) == 1 })
	waitFor(t, func() bool { return s.Pending() == 0 })
}

// TestTimerSet_replace verifies scheduling the same key replaces the timer.
func TestTimerSet_replace(t *testing.T) {
	s := NewTimerSet()
	var first, second int32

	s.Schedule("r-1", 20*time.Millisecond, func() { atomic.AddInt32(&first, 1) })
	s.Schedule("r-1", 30*time.Millisecond, func() { atomic.AddInt32(&second, 1) })

	if s.Pending() != 1 {
		t.Errorf("Pending() = %d, want 1", s.Pending())
	}
	waitFor(t, func() bool { return atomic.LoadInt32(&second) == 1 })
	time.Sleep(30 * time.Millisecond)
	if atomic.LoadInt32(&first) != 0 {
		t.Error("replaced timer still fired")
	}
}

// TestTimerSet_Cancel verifies a cancelled timer never fires.
func TestTimerSet_Cancel(t *testing.T) {
	s := NewTimerSet()
	var calls int32

	s.Schedule("r-1", 20*time.Millisecond, func() { atomic.AddInt32(&calls, 1) })
	if !s.Cancel("r-1") {
		t.Error("Cancel() = false for a pending timer")
	}
	if s.Cancel("r-1") {
		t.Error("Cancel() = true for an already cancelled timer")
	}

	time.Sleep(50 * time.Millisecond)
	if atomic.LoadInt32(&calls) != 0 {
		t.Error("cancelled timer fired")
	}
}

// TestTimerSet_Stop verifies Stop cancels everything and rejects new timers.
func TestTimerSet_Stop(t *testing.T) {
	s := NewTimerSet()
	var calls int32

	s.Schedule("a", 20*time.Millisecond, func() { atomic.AddInt32(&calls, 1) })
	s.Schedule("b", 20*time.Millisecond, func() { atomic.AddInt32(&calls, 1) })
	s.Stop()
	s.Schedule("c", time.Millisecond, func() { atomic.AddInt32(&calls, 1) })

	time.Sleep(50 * time.Millisecond)
	if n := atomic.LoadInt32(&calls); n != 0 {
		t.Errorf("%d timers fired after Stop", n)
	}
	if s.Pending() != 0 {
		t.Errorf("Pending() = %d after Stop, want 0", s.Pending())
	}
}
