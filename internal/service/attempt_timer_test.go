package service

import (
	"assignment_backend/internal/model"
	"assignment_backend/internal/util"
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestRemainingSeconds(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		elapsed  time.Duration
		minutes  int
		expected int
	}{
		{0, 30, 1800},
		{10 * time.Second, 1, 50},
		{60 * time.Second, 1, 0},
		{61 * time.Second, 1, 0},
	}
	for _, c := range cases {
		got := RemainingSeconds(now.Add(-c.elapsed), c.minutes, now)
		if got != c.expected {
			t.Fatalf("elapsed %v of %d min: expected %d, got %d", c.elapsed, c.minutes, c.expected, got)
		}
	}
}

func TestAttemptTimer_UntimedNeverArms(t *testing.T) {
	attempt := &model.Attempt{UUIDBase: model.UUIDBase{ID: "a1"}, StartedAt: time.Now()}
	if NewAttemptTimer(attempt, &model.Assignment{}, TimerOptions{}) != nil {
		t.Fatalf("assignment without duration must not arm a timer")
	}
	if NewAttemptTimer(attempt, &model.Assignment{DurationMinutes: intptr(0)}, TimerOptions{}) != nil {
		t.Fatalf("zero duration must not arm a timer")
	}
}

func TestAttemptTimer_FiresExactlyOnceAcrossRemounts(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	attempt := &model.Attempt{UUIDBase: model.UUIDBase{ID: "a1"}, StartedAt: now.Add(-61 * time.Second)}
	assignment := &model.Assignment{DurationMinutes: intptr(1)}
	latch := NewMemoryExpiryLatch(time.Hour)

	var fired int32
	ctx := context.Background()
	for mount := 0; mount < 3; mount++ {
		timer := NewAttemptTimer(attempt, assignment, TimerOptions{
			Latch:    latch,
			Now:      func() time.Time { return now },
			OnExpire: func(context.Context) error { atomic.AddInt32(&fired, 1); return nil },
		})
		for i := 0; i < 3; i++ {
			if remaining := timer.Check(ctx); remaining != 0 {
				t.Fatalf("expected remaining 0, got %d", remaining)
			}
		}
	}
	if fired != 1 {
		t.Fatalf("expected expiry to fire once, fired %d times", fired)
	}
}

func TestAttemptTimer_TicksBeforeExpiry(t *testing.T) {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: start}
	attempt := &model.Attempt{UUIDBase: model.UUIDBase{ID: "a1"}, StartedAt: start}

	var ticks []int
	var fired int32
	timer := NewAttemptTimer(attempt, &model.Assignment{DurationMinutes: intptr(1)}, TimerOptions{
		Latch:    NewMemoryExpiryLatch(time.Hour),
		Now:      clock.Now,
		OnTick:   func(remaining int) { ticks = append(ticks, remaining) },
		OnExpire: func(context.Context) error { atomic.AddInt32(&fired, 1); return nil },
	})

	ctx := context.Background()
	timer.Check(ctx)
	clock.Advance(59 * time.Second)
	timer.Check(ctx)
	if fired != 0 {
		t.Fatalf("must not fire before zero")
	}
	clock.Advance(time.Second)
	timer.Check(ctx)

	if len(ticks) != 3 || ticks[0] != 60 || ticks[1] != 1 || ticks[2] != 0 {
		t.Fatalf("unexpected ticks %v", ticks)
	}
	if fired != 1 {
		t.Fatalf("expected one expiry, got %d", fired)
	}
}

type brokenLatch struct{}

func (brokenLatch) Acquire(context.Context, string) (bool, error) {
	return false, errors.New("redis down")
}

func (brokenLatch) Release(context.Context, string) error {
	return errors.New("redis down")
}

func TestAttemptTimer_LatchErrorStillFires(t *testing.T) {
	now := time.Now()
	attempt := &model.Attempt{UUIDBase: model.UUIDBase{ID: "a1"}, StartedAt: now.Add(-2 * time.Minute)}
	var fired int32
	timer := NewAttemptTimer(attempt, &model.Assignment{DurationMinutes: intptr(1)}, TimerOptions{
		Latch:    brokenLatch{},
		OnExpire: func(context.Context) error { atomic.AddInt32(&fired, 1); return nil },
	})
	timer.Check(context.Background())
	timer.Check(context.Background())
	if fired != 1 {
		t.Fatalf("expected one expiry, got %d", fired)
	}
}

func TestAttemptTimer_FailedExpiryReleasesLatch(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	attempt := &model.Attempt{UUIDBase: model.UUIDBase{ID: "a1"}, StartedAt: now.Add(-2 * time.Minute)}
	assignment := &model.Assignment{DurationMinutes: intptr(1)}
	latch := NewMemoryExpiryLatch(time.Hour)
	ctx := context.Background()

	var calls int32
	failing := true
	timer := NewAttemptTimer(attempt, assignment, TimerOptions{
		Latch: latch,
		Now:   func() time.Time { return now },
		OnExpire: func(context.Context) error {
			atomic.AddInt32(&calls, 1)
			if failing {
				return util.Persistence("finalize attempt", errors.New("connection refused"))
			}
			return nil
		},
	})

	timer.Check(ctx)
	if timer.Done() {
		t.Fatalf("a failed submit must leave the expiry unhandled")
	}
	if ok, _ := latch.Acquire(ctx, "a1"); !ok {
		t.Fatalf("latch should have been released after the failed submit")
	}
	latch.Release(ctx, "a1")

	failing = false
	timer.Check(ctx)
	timer.Check(ctx)
	if calls != 2 || !timer.Done() {
		t.Fatalf("expected one retry that succeeds, got %d calls done=%v", calls, timer.Done())
	}
	if ok, _ := latch.Acquire(ctx, "a1"); ok {
		t.Fatalf("latch must stay claimed after a successful submit")
	}
}

func TestAttemptTimer_AlreadyClosedCountsAsHandled(t *testing.T) {
	now := time.Now()
	attempt := &model.Attempt{UUIDBase: model.UUIDBase{ID: "a1"}, StartedAt: now.Add(-2 * time.Minute)}
	var calls int32
	timer := NewAttemptTimer(attempt, &model.Assignment{DurationMinutes: intptr(1)}, TimerOptions{
		Latch: NewMemoryExpiryLatch(time.Hour),
		OnExpire: func(context.Context) error {
			atomic.AddInt32(&calls, 1)
			return util.ErrAttemptNotActive
		},
	})
	timer.Check(context.Background())
	timer.Check(context.Background())
	if calls != 1 || !timer.Done() {
		t.Fatalf("expected a single call, got %d", calls)
	}
}

func TestAttemptTimer_RunStopsAfterExpiry(t *testing.T) {
	now := time.Now()
	attempt := &model.Attempt{UUIDBase: model.UUIDBase{ID: "a1"}, StartedAt: now.Add(-2 * time.Minute)}
	done := make(chan struct{})
	timer := NewAttemptTimer(attempt, &model.Assignment{DurationMinutes: intptr(1)}, TimerOptions{
		Tick:     10 * time.Millisecond,
		OnExpire: func(context.Context) error { close(done); return nil },
	})

	finished := make(chan struct{})
	go func() {
		timer.Run(context.Background())
		close(finished)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("timer did not fire")
	}
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after expiry")
	}
}

func TestAttemptTimer_StopEndsRun(t *testing.T) {
	attempt := &model.Attempt{UUIDBase: model.UUIDBase{ID: "a1"}, StartedAt: time.Now()}
	timer := NewAttemptTimer(attempt, &model.Assignment{DurationMinutes: intptr(30)}, TimerOptions{Tick: 5 * time.Millisecond})

	finished := make(chan struct{})
	go func() {
		timer.Run(context.Background())
		close(finished)
	}()
	timer.Stop()
	timer.Stop()

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after Stop")
	}
}

func TestMemoryExpiryLatch(t *testing.T) {
	latch := NewMemoryExpiryLatch(time.Minute)
	now := time.Now()
	latch.now = func() time.Time { return now }
	ctx := context.Background()

	if ok, _ := latch.Acquire(ctx, "a1"); !ok {
		t.Fatalf("first acquire should win")
	}
	if ok, _ := latch.Acquire(ctx, "a1"); ok {
		t.Fatalf("second acquire should lose")
	}
	if ok, _ := latch.Acquire(ctx, "a2"); !ok {
		t.Fatalf("other attempts are independent")
	}

	now = now.Add(2 * time.Minute)
	if ok, _ := latch.Acquire(ctx, "a1"); !ok {
		t.Fatalf("latch should be free again after its ttl")
	}

	if err := latch.Release(ctx, "a2"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if ok, _ := latch.Acquire(ctx, "a2"); !ok {
		t.Fatalf("a released latch can be claimed again")
	}
}
