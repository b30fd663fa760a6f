package engine

import (
	"context"
	"sync"
	"time"
)

// TickFunc runs once per interval for a user. Returning false stops that
// user's timer.
type TickFunc func(ctx context.Context, userID string) bool

type userTimer struct {
	cancel context.CancelFunc
}

// Scheduler runs at most one recurring timer per user. Starting a timer
// replaces any existing one for the same user; stopping a timer that does
// not exist is a no-op.
type Scheduler struct {
	interval time.Duration
	tick     TickFunc

	mu     sync.Mutex
	base   context.Context
	cancel context.CancelFunc
	timers map[string]*userTimer
	wg     sync.WaitGroup
}

func NewScheduler(interval time.Duration, tick TickFunc) *Scheduler {
	if interval <= 0 {
		interval = time.Second
	}
	base, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		interval: interval,
		tick:     tick,
		base:     base,
		cancel:   cancel,
		timers:   make(map[string]*userTimer),
	}
}

// Start (re)starts the user's timer.
func (s *Scheduler) Start(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.base.Err() != nil {
		return
	}
	if old, ok := s.timers[userID]; ok {
		old.cancel()
	}
	s.startLocked(userID)
}

// Ensure starts the user's timer unless one is already running.
func (s *Scheduler) Ensure(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.base.Err() != nil {
		return
	}
	if _, ok := s.timers[userID]; ok {
		return
	}
	s.startLocked(userID)
}

// startLocked launches a timer goroutine. Caller must hold s.mu.
func (s *Scheduler) startLocked(userID string) {
	ctx, cancel := context.WithCancel(s.base)
	t := &userTimer{cancel: cancel}
	s.timers[userID] = t

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			if ctx.Err() != nil {
				return
			}
			if !s.tick(ctx, userID) {
				s.remove(userID, t)
				return
			}
		}
	}()
}

// remove drops t from the table if it is still the user's current timer.
func (s *Scheduler) remove(userID string, t *userTimer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.timers[userID]; ok && cur == t {
		delete(s.timers, userID)
	}
}

// Stop cancels the user's timer and reports whether one was running.
func (s *Scheduler) Stop(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.timers[userID]
	if !ok {
		return false
	}
	t.cancel()
	delete(s.timers, userID)
	return true
}

func (s *Scheduler) Running(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[userID]
	return ok
}

// Active returns the number of running timers.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// StopAll cancels every timer, waits for them to exit, and refuses further
// starts.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	s.cancel()
	s.timers = make(map[string]*userTimer)
	s.mu.Unlock()
	s.wg.Wait()
}
