package dispatch

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// retryScheduler holds one timer per delivery awaiting its next attempt.
// Timers are an optimisation; the sweeper finds any retry whose timer was lost.
type retryScheduler struct {
	mu     sync.Mutex
	timers map[uuid.UUID]*time.Timer
	fire   func(uuid.UUID)
	now    func() time.Time
}

func newRetryScheduler(fire func(uuid.UUID), now func() time.Time) *retryScheduler {
	return &retryScheduler{
		timers: make(map[uuid.UUID]*time.Timer),
		fire:   fire,
		now:    now,
	}
}

// Schedule arranges for id to be enqueued at at, replacing any earlier timer
func (s *retryScheduler) Schedule(id uuid.UUID, at time.Time) {
	delay := at.Sub(s.now())
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.timers[id]; ok {
		t.Stop()
	}

	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		s.mu.Lock()
		current, ok := s.timers[id]
		if !ok || current != t {
			s.mu.Unlock()
			return
		}
		delete(s.timers, id)
		s.mu.Unlock()
		s.fire(id)
	})
	s.timers[id] = t
}

// Cancel drops the pending timer for id
func (s *retryScheduler) Cancel(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
}

// Len returns the number of pending timers
func (s *retryScheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop cancels every timer. Pending retries stay in the store.
func (s *retryScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}
