// Package sched holds the small in-process synchronization primitive shared
// between the Queue Mutator and the Scheduler (§5): QM broadcasts whenever
// it commits a new job/request, and SCH's admission loop wakes on it instead
// of busy-polling the PQS.
package sched

import (
	"context"
	"sync"
	"time"
)

// Signal is a broadcast-only condition variable with a bounded fallback
// wakeup. A broadcast that arrives while no goroutine is waiting (for
// instance while the scheduler is mid-sweep) is not remembered; the
// fallback wakeup bounds how long work announced that way waits.
type Signal struct {
	mu      sync.Mutex
	cond    *sync.Cond
	backoff time.Duration
}

func NewSignal(backoff time.Duration) *Signal {
	s := &Signal{backoff: backoff}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Broadcast wakes every waiter. Called by QM after committing work that the
// scheduler might now be able to admit.
func (s *Signal) Broadcast() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cond.Broadcast()
}

// Wait blocks until the next Broadcast, the backoff elapses, or ctx is
// cancelled. It returns promptly on ctx cancellation even though
// sync.Cond.Wait itself is not context-aware, by running the wait on a
// helper goroutine and racing it against ctx.Done.
func (s *Signal) Wait(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		s.mu.Lock()
		timer := time.AfterFunc(s.backoff, func() {
			s.mu.Lock()
			s.cond.Broadcast()
			s.mu.Unlock()
		})
		s.cond.Wait()
		timer.Stop()
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// Leaks the helper goroutine until the next Broadcast/backoff fires;
		// acceptable since callers only cancel ctx at shutdown.
	}
}
