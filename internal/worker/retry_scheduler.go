package worker

import (
	"sync"
	"time"
)

// DelayScheduler runs functions after a delay. Scheduled work can be
// cancelled individually or all at once, and the number of outstanding
// tasks is observable.
type DelayScheduler interface {
	// Schedule runs fn once after delay. The returned func cancels it and
	// reports whether it was still pending.
	Schedule(delay time.Duration, fn func()) (cancel func() bool)
	// Pending returns the number of tasks that have neither run nor been
	// cancelled.
	Pending() int
	// Stop cancels every pending task. Later Schedule calls are ignored.
	Stop()
}

// TimerScheduler is a DelayScheduler backed by time.AfterFunc.
type TimerScheduler struct {
	mu      sync.Mutex
	nextID  uint64
	timers  map[uint64]*time.Timer
	stopped bool
}

// NewTimerScheduler creates an empty scheduler.
func NewTimerScheduler() *TimerScheduler {
	return &TimerScheduler{timers: make(map[uint64]*time.Timer)}
}

// Schedule implements DelayScheduler.
func (s *TimerScheduler) Schedule(delay time.Duration, fn func()) func() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return func() bool { return false }
	}
	if delay < 0 {
		delay = 0
	}

	s.nextID++
	id := s.nextID
	s.timers[id] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		_, live := s.timers[id]
		delete(s.timers, id)
		s.mu.Unlock()
		if live {
			fn()
		}
	})

	return func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		t, ok := s.timers[id]
		if !ok {
			return false
		}
		t.Stop()
		delete(s.timers, id)
		return true
	}
}

// Pending implements DelayScheduler.
func (s *TimerScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop implements DelayScheduler.
func (s *TimerScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}
