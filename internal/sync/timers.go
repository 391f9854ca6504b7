package sync

import (
	"sync"
	"time"
)

// RetryTimers schedules delayed sync passes.
type RetryTimers interface {
	// Schedule runs fn after delay. A pending timer with the same key is
	// replaced.
	Schedule(key string, delay time.Duration, fn func())
	// Stop cancels every pending timer and rejects new ones.
	Stop()
}

// TimerSet is a RetryTimers backed by time.AfterFunc.
type TimerSet struct {
	mu      sync.Mutex
	timers  map[string]*time.Timer
	stopped bool
}

// NewTimerSet creates an empty TimerSet.
func NewTimerSet() *TimerSet {
	return &TimerSet{timers: make(map[string]*time.Timer)}
}

// Schedule implements RetryTimers.
func (s *TimerSet) Schedule(key string, delay time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	if prev, ok := s.timers[key]; ok {
		prev.Stop()
	}

	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.timers[key] != t {
			s.mu.Unlock()
			return
		}
		delete(s.timers, key)
		s.mu.Unlock()
		fn()
	})
	s.timers[key] = t
}

// Cancel stops the timer for key. It reports whether one was pending.
func (s *TimerSet) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.timers[key]
	if !ok {
		return false
	}
	t.Stop()
	delete(s.timers, key)
	return true
}

// Pending returns the number of timers that have not fired yet.
func (s *TimerSet) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop implements RetryTimers.
func (s *TimerSet) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = true
	for key, t := range s.timers {
		t.Stop()
		delete(s.timers, key)
	}
}
