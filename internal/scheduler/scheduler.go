package scheduler

import (
	"sync"
	"time"
)

// Tolerance is the documented upper bound on how late an expiry may fire
// after its deadline.
const Tolerance = 2 * time.Second

// Scheduler runs at most one deadline callback per key using runtime timers.
// Callbacks run on their own goroutine and must tolerate the work they
// target having already been resolved.
type Scheduler struct {
	mu      sync.Mutex
	timers  map[string]*time.Timer
	stopped bool
	now     func() time.Time
	wg      sync.WaitGroup
}

func New() *Scheduler {
	return &Scheduler{timers: make(map[string]*time.Timer), now: time.Now}
}

// Schedule arranges for fn to run at the given time, replacing any pending
// callback for key. A deadline in the past fires immediately.
func (s *Scheduler) Schedule(key string, at time.Time, fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	if t, ok := s.timers[key]; ok && t.Stop() {
		s.wg.Done()
	}
	delay := at.Sub(s.now())
	if delay < 0 {
		delay = 0
	}
	s.wg.Add(1)
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		defer s.wg.Done()
		s.mu.Lock()
		if cur, ok := s.timers[key]; ok && cur == t {
			delete(s.timers, key)
		}
		stopped := s.stopped
		s.mu.Unlock()
		if !stopped {
			fn()
		}
	})
	s.timers[key] = t
	return true
}

// Cancel drops the pending callback for key, if any.
func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.timers[key]
	if !ok {
		return false
	}
	delete(s.timers, key)
	if t.Stop() {
		s.wg.Done()
		return true
	}
	return false
}

func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop cancels all pending callbacks and waits for running ones to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	for key, t := range s.timers {
		if t.Stop() {
			s.wg.Done()
		}
		delete(s.timers, key)
	}
	s.mu.Unlock()
	s.wg.Wait()
}
