// Package timer implements the Timer Service (C8): a per-offer scheduled
// callback (the fast path) plus a periodic sweep over the Durable Store
// (the authoritative fallback), per spec §4.7. A two-tier scheme: many
// short-lived time.AfterFunc timers for the common case, and one ticker
// that catches anything a crashed or slow process dropped.
package timer

import (
	"context"
	"log"
	"sync"
	"time"
)

// Scheduler holds one cancellable timer per offer awaiting a response. It
// is the fast path: when OFFER_TIMEOUT_S elapses with no reply, the
// callback fires without waiting for the next sweep.
type Scheduler struct {
	mu     sync.Mutex
	timers map[int64]*time.Timer
}

func NewScheduler() *Scheduler {
	return &Scheduler{timers: make(map[int64]*time.Timer)}
}

// Schedule arms a callback for offerID after d. Scheduling the same
// offerID again replaces the prior timer (used if an offer is rebuilt).
func (s *Scheduler) Schedule(offerID int64, d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.timers[offerID]; ok {
		existing.Stop()
	}
	s.timers[offerID] = time.AfterFunc(d, func() {
		s.mu.Lock()
		delete(s.timers, offerID)
		s.mu.Unlock()
		fn()
	})
}

// Cancel disarms offerID's timer, if any (called by the matcher when an
// offer is expired or rejected; an accepted offer's timer is left armed and
// its expiry is a no-op once the offer is no longer pending).
func (s *Scheduler) Cancel(offerID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[offerID]; ok {
		t.Stop()
		delete(s.timers, offerID)
	}
}

// Pending reports how many offers are currently armed, for diagnostics.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Sweeper periodically re-derives expiry from the Durable Store itself,
// independent of any in-memory Scheduler. This is what makes expiry
// correct across process restarts: a Scheduler's timers are lost on crash,
// but sent_at is not.
type Sweeper struct {
	interval time.Duration
	sweep    func(ctx context.Context) (int, error)
}

func NewSweeper(interval time.Duration, sweep func(ctx context.Context) (int, error)) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Sweeper{interval: interval, sweep: sweep}
}

// Run blocks, ticking until ctx is cancelled. Intended to run in its own
// goroutine for the lifetime of the process (or a dedicated cmd/sweeper
// binary — see DESIGN.md).
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.sweep(ctx)
			if err != nil {
				log.Printf("timer: sweep failed: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("timer: sweep expired %d offer(s)", n)
			}
		}
	}
}
