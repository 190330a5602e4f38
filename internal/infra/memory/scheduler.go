package memory

import (
	"context"
	"sync"
	"time"

	"circuit-trivia-bot/internal/app"
)

// Scheduler closes rounds with in-process timers. Pending timers are dropped when Run
// returns; the engine reschedules active rounds from the store at startup.
type Scheduler struct {
	mu      sync.Mutex
	ctx     context.Context
	handler app.CloseFunc
	pending map[string]time.Time
	timers  map[string]*time.Timer
	wg      sync.WaitGroup
	clock   func() time.Time
}

func NewScheduler() *Scheduler {
	return &Scheduler{
		pending: make(map[string]time.Time),
		timers:  make(map[string]*time.Timer),
		clock:   time.Now,
	}
}

// Schedule arms a timer for questionID. Rescheduling replaces the earlier timer.
// Rounds scheduled before Run are armed once Run starts.
func (s *Scheduler) Schedule(_ context.Context, questionID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handler == nil {
		s.pending[questionID] = at
		return nil
	}
	s.armLocked(questionID, at)
	return nil
}

// Run invokes handler for every due round until ctx is cancelled, then stops the
// remaining timers and waits for running handlers.
func (s *Scheduler) Run(ctx context.Context, handler app.CloseFunc) error {
	s.mu.Lock()
	s.ctx = ctx
	s.handler = handler
	for id, at := range s.pending {
		s.armLocked(id, at)
	}
	s.pending = make(map[string]time.Time)
	s.mu.Unlock()

	<-ctx.Done()

	s.mu.Lock()
	for id, t := range s.timers {
		if t.Stop() {
			s.wg.Done()
		}
		delete(s.timers, id)
	}
	s.handler = nil
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}

// Pending reports how many rounds are waiting to be closed.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers) + len(s.pending)
}

func (s *Scheduler) armLocked(questionID string, at time.Time) {
	if t, ok := s.timers[questionID]; ok && t.Stop() {
		s.wg.Done()
	}
	ctx, handler := s.ctx, s.handler
	s.wg.Add(1)
	var t *time.Timer
	t = time.AfterFunc(at.Sub(s.clock()), func() {
		defer s.wg.Done()
		s.mu.Lock()
		if s.timers[questionID] == t {
			delete(s.timers, questionID)
		}
		s.mu.Unlock()
		handler(ctx, questionID)
	})
	s.timers[questionID] = t
}
