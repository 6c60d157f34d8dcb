// Package expiry keeps one one-shot timer per handle and runs an expiry
// action when a handle's deadline passes.
package expiry

import (
	"sync"
	"time"
)

// Action is invoked with the handle whose deadline has passed.
// It may run more than once for the same handle and must be idempotent.
type Action func(handle string)

// Option configures a Scheduler
type Option func(*Scheduler)

// WithClock overrides the time source used to compute remaining time.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

type entry struct {
	timer    *time.Timer
	deadline time.Time
}

// Scheduler holds armed timers keyed by handle
type Scheduler struct {
	mu      sync.Mutex
	timers  map[string]*entry
	action  Action
	now     func() time.Time
	stopped bool
}

// New creates a scheduler that calls action when a deadline passes
func New(action Action, opts ...Option) *Scheduler {
	s := &Scheduler{
		timers: make(map[string]*entry),
		action: action,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Arm schedules the action for handle at deadline, replacing any timer
// already armed for it. A deadline that has already passed runs the action
// before Arm returns.
func (s *Scheduler) Arm(handle string, deadline time.Time) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	if old, ok := s.timers[handle]; ok {
		old.timer.Stop()
		delete(s.timers, handle)
	}

	remaining := deadline.Sub(s.now())
	if remaining <= 0 {
		s.mu.Unlock()
		s.action(handle)
		return
	}

	e := &entry{deadline: deadline}
	// fire blocks on mu until the entry is registered
	e.timer = time.AfterFunc(remaining, func() { s.fire(handle, e) })
	s.timers[handle] = e
	s.mu.Unlock()
}

func (s *Scheduler) fire(handle string, e *entry) {
	s.mu.Lock()
	current, ok := s.timers[handle]
	if !ok || current != e || s.stopped {
		// re-armed, cancelled or stopped in the meantime
		s.mu.Unlock()
		return
	}
	delete(s.timers, handle)
	s.mu.Unlock()

	s.action(handle)
}

// Cancel stops the pending timer for handle. It reports whether one was armed.
func (s *Scheduler) Cancel(handle string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.timers[handle]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(s.timers, handle)
	return true
}

// Reconcile restores timers for records loaded at startup. Handles whose
// deadline has already passed are handed to lapsed before Reconcile returns;
// a nil lapsed falls back to the scheduler's own action.
func (s *Scheduler) Reconcile(deadlines map[string]time.Time, lapsed Action) (armed, expired int) {
	if lapsed == nil {
		lapsed = s.action
	}
	now := s.now()
	for handle, deadline := range deadlines {
		if deadline.Sub(now) > 0 {
			s.Arm(handle, deadline)
			armed++
			continue
		}
		lapsed(handle)
		expired++
	}
	return armed, expired
}

// Deadline returns the deadline armed for handle.
func (s *Scheduler) Deadline(handle string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.timers[handle]
	if !ok {
		return time.Time{}, false
	}
	return e.deadline, true
}

// Pending returns the number of armed timers
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop cancels every armed timer. Arm is a no-op afterwards.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for handle, e := range s.timers {
		e.timer.Stop()
		delete(s.timers, handle)
	}
	s.stopped = true
}
