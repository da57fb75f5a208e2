package service

import (
	"assignment_backend/internal/model"
	"assignment_backend/internal/util"
	"assignment_backend/pkg/logger"
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RemainingSeconds = duration_minutes*60 - elapsed, floored at zero.
func RemainingSeconds(startedAt time.Time, durationMinutes int, now time.Time) int {
	elapsed := int(now.Sub(startedAt).Seconds())
	remaining := durationMinutes*60 - elapsed
	if remaining < 0 {
		return 0
	}
	return remaining
}

type TimerOptions struct {
	Tick     time.Duration
	Latch    ExpiryLatch
	Now      func() time.Time
	OnTick   func(remaining int)
	// OnExpire submits the attempt. A retryable error hands the latch back so
	// the next tick, or the next mount, tries again.
	OnExpire func(ctx context.Context) error
}

// AttemptTimer counts down a timed attempt and fires OnExpire once.
type AttemptTimer struct {
	attemptID       string
	startedAt       time.Time
	durationMinutes int
	opts            TimerOptions

	fireMu   sync.Mutex
	done     bool
	stopOnce sync.Once
	stop     chan struct{}
}

// NewAttemptTimer returns nil for assignments without a time limit.
func NewAttemptTimer(attempt *model.Attempt, assignment *model.Assignment, opts TimerOptions) *AttemptTimer {
	if !assignment.Timed() {
		return nil
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Tick <= 0 {
		opts.Tick = time.Second
	}
	return &AttemptTimer{
		attemptID:       attempt.ID,
		startedAt:       attempt.StartedAt,
		durationMinutes: *assignment.DurationMinutes,
		opts:            opts,
		stop:            make(chan struct{}),
	}
}

func (t *AttemptTimer) Remaining() int {
	return RemainingSeconds(t.startedAt, t.durationMinutes, t.opts.Now())
}

// Check evaluates the clock once: it reports the tick and, at zero, claims
// the latch and fires. Once the expiry has been handled, repeated zero
// readings never fire again.
func (t *AttemptTimer) Check(ctx context.Context) int {
	remaining := t.Remaining()
	if t.opts.OnTick != nil {
		t.opts.OnTick(remaining)
	}
	if remaining <= 0 {
		t.expire(ctx)
	}
	return remaining
}

// Done reports whether the expiry was handled, by this timer or elsewhere.
func (t *AttemptTimer) Done() bool {
	t.fireMu.Lock()
	defer t.fireMu.Unlock()
	return t.done
}

func (t *AttemptTimer) expire(ctx context.Context) {
	t.fireMu.Lock()
	defer t.fireMu.Unlock()
	if t.done {
		return
	}

	claimed := false
	if t.opts.Latch != nil {
		ok, err := t.opts.Latch.Acquire(ctx, t.attemptID)
		if err != nil {
			// the submit precondition still rejects a second finalize
			logger.Log.Warn("expiry latch unavailable", zap.String("attemptId", t.attemptID), zap.Error(err))
		} else if !ok {
			logger.Log.Debug("attempt expiry already claimed", zap.String("attemptId", t.attemptID))
			t.done = true
			return
		} else {
			claimed = true
		}
	}

	logger.Log.Info("attempt time limit reached", zap.String("attemptId", t.attemptID))
	if t.opts.OnExpire == nil {
		t.done = true
		return
	}
	err := t.opts.OnExpire(ctx)
	if err == nil || errors.Is(err, util.ErrInvalidState) {
		t.done = true
		return
	}

	logger.Log.Warn("forced submit failed, will retry", zap.String("attemptId", t.attemptID), zap.Error(err))
	if claimed {
		if err := t.opts.Latch.Release(ctx, t.attemptID); err != nil {
			logger.Log.Warn("release expiry latch failed", zap.String("attemptId", t.attemptID), zap.Error(err))
		}
	}
}

// Run ticks until the expiry is handled, Stop is called or ctx ends.
func (t *AttemptTimer) Run(ctx context.Context) {
	if t.Check(ctx) <= 0 && t.Done() {
		return
	}
	ticker := time.NewTicker(t.opts.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			if t.Check(ctx) <= 0 && t.Done() {
				return
			}
		}
	}
}

func (t *AttemptTimer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}
