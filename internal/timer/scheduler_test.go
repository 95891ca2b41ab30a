package timer

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestScheduleFiresAfterDelay(t *testing.T) {
	s := NewScheduler()
	fired := make(chan struct{}, 1)
	s.Schedule(1, 20*time.Millisecond, func() { fired <- struct{}{} })

	select {
	case <-fired:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("callback never fired")
	}
	if s.Pending() != 0 {
		t.Fatalf("expected 0 pending after fire, got %d", s.Pending())
	}
}

func TestCancelPreventsFire(t *testing.T) {
	s := NewScheduler()
	var fired int32
	s.Schedule(1, 30*time.Millisecond, func() { atomic.AddInt32(&fired, 1) })
	s.Cancel(1)

	time.Sleep(80 * time.Millisecond)
	if atomic.LoadInt32(&fired) != 0 {
		t.Fatal("callback fired after cancel")
	}
	if s.Pending() != 0 {
		t.Fatalf("expected 0 pending after cancel, got %d", s.Pending())
	}
}

func TestRescheduleReplacesPriorTimer(t *testing.T) {
	s := NewScheduler()
	var firstFired, secondFired int32
	s.Schedule(1, 10*time.Millisecond, func() { atomic.AddInt32(&firstFired, 1) })
	s.Schedule(1, 200*time.Millisecond, func() { atomic.AddInt32(&secondFired, 1) })

	time.Sleep(60 * time.Millisecond)
	if atomic.LoadInt32(&firstFired) != 0 {
		t.Fatal("original timer fired despite being replaced")
	}
	if s.Pending() != 1 {
		t.Fatalf("expected 1 pending timer, got %d", s.Pending())
	}
}

func TestSweeperRunInvokesSweepOnEachTick(t *testing.T) {
	var calls int32
	sweeper := NewSweeper(15*time.Millisecond, func(ctx context.Context) (int, error) {
		atomic.AddInt32(&calls, 1)
		return 0, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	sweeper.Run(ctx)

	if atomic.LoadInt32(&calls) < 2 {
		t.Fatalf("expected at least 2 sweep calls, got %d", calls)
	}
}

func TestSweeperStopsOnContextCancel(t *testing.T) {
	var calls int32
	sweeper := NewSweeper(10*time.Millisecond, func(ctx context.Context) (int, error) {
		atomic.AddInt32(&calls, 1)
		return 0, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sweeper.Run(ctx)
		close(done)
	}()

	time.Sleep(35 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("sweeper did not stop after context cancellation")
	}
}
