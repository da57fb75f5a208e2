package service

import (
	"assignment_backend/internal/model"
	"assignment_backend/internal/util"
	"assignment_backend/pkg/logger"
	"assignment_backend/pkg/monitoring"
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SaveFunc persists the full response of one question.
type SaveFunc func(ctx context.Context, questionID string, resp model.AnswerResponse) error

type stopper interface {
	Stop() bool
}

// scheduleFunc runs f once after d. time.AfterFunc in production.
type scheduleFunc func(d time.Duration, f func()) stopper

func afterFunc(d time.Duration, f func()) stopper {
	return time.AfterFunc(d, f)
}

const (
	triggerDebounce = "debounce"
	triggerFlush    = "flush"
)

type bufferedAnswer struct {
	questionID string
	resp       model.AnswerResponse
}

// AnswerBuffer holds the not-yet-persisted response of the question on
// screen. Every edit restarts a quiet period; when it elapses the latest
// response is written. Flush writes immediately and cancels the pending
// write. Writes are serialised so at most one is in flight, and a buffered
// response always carries the question it was typed for.
type AnswerBuffer struct {
	mu         sync.Mutex
	questionID string
	pending    *bufferedAnswer
	timer      stopper
	gen        uint64

	writeMu      sync.Mutex
	save         SaveFunc
	quiet        time.Duration
	writeTimeout time.Duration
	schedule     scheduleFunc
}

func NewAnswerBuffer(save SaveFunc, quiet, writeTimeout time.Duration) *AnswerBuffer {
	return &AnswerBuffer{
		save:         save,
		quiet:        quiet,
		writeTimeout: writeTimeout,
		schedule:     afterFunc,
	}
}

func (b *AnswerBuffer) QuestionID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.questionID
}

// SetResponse buffers resp for questionID and (re)starts the quiet period.
// Anything still buffered for a different question is flushed first.
func (b *AnswerBuffer) SetResponse(ctx context.Context, questionID string, resp model.AnswerResponse) {
	b.mu.Lock()
	if b.pending != nil && b.pending.questionID != questionID {
		b.mu.Unlock()
		b.Flush(ctx)
		b.mu.Lock()
	}

	b.questionID = questionID
	b.pending = &bufferedAnswer{questionID: questionID, resp: resp}
	b.gen++
	if b.timer != nil {
		b.timer.Stop()
	}
	gen := b.gen
	b.timer = b.schedule(b.quiet, func() { b.fire(gen) })
	b.mu.Unlock()
}

// SwitchQuestion flushes whatever is buffered and makes questionID current.
func (b *AnswerBuffer) SwitchQuestion(ctx context.Context, questionID string) {
	b.Flush(ctx)
	b.mu.Lock()
	b.questionID = questionID
	b.mu.Unlock()
}

// Flush synchronously writes the buffered response, if any. Write errors are
// logged, never returned: the response stays buffered for the next cycle.
func (b *AnswerBuffer) Flush(ctx context.Context) {
	b.mu.Lock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.gen++
	p := b.pending
	b.pending = nil
	if p == nil {
		b.mu.Unlock()
		// wait for a debounced write that is already in flight
		b.writeMu.Lock()
		b.writeMu.Unlock()
		return
	}
	b.writeMu.Lock()
	b.mu.Unlock()
	b.write(ctx, p, triggerFlush)
}

func (b *AnswerBuffer) fire(gen uint64) {
	b.mu.Lock()
	if gen != b.gen {
		// superseded by a newer edit or a flush
		b.mu.Unlock()
		return
	}
	b.timer = nil
	p := b.pending
	b.pending = nil
	if p == nil {
		b.mu.Unlock()
		return
	}
	b.writeMu.Lock()
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), b.writeTimeout)
	defer cancel()
	b.write(ctx, p, triggerDebounce)
}

// write is entered with writeMu held and releases it before touching mu.
func (b *AnswerBuffer) write(ctx context.Context, p *bufferedAnswer, trigger string) {
	err := b.save(ctx, p.questionID, p.resp)
	b.writeMu.Unlock()

	if err == nil {
		monitoring.AnswerWrites.WithLabelValues(trigger, "ok").Inc()
		return
	}

	if errors.Is(err, util.ErrAttemptNotActive) {
		// 作答已结束，这条答案不会再被接受，不再重试
		monitoring.AnswerWrites.WithLabelValues(trigger, "rejected").Inc()
		logger.Log.Info("answer dropped, attempt no longer in progress", zap.String("questionId", p.questionID))
		return
	}

	monitoring.AnswerWrites.WithLabelValues(trigger, "error").Inc()
	logger.Log.Warn("answer write failed",
		zap.String("questionId", p.questionID),
		zap.String("trigger", trigger),
		zap.Error(err))

	// keep it for the next cycle unless the user has typed something newer
	b.mu.Lock()
	if b.pending == nil {
		b.pending = p
	}
	b.mu.Unlock()
}

// Pending reports whether a response is waiting to be written.
func (b *AnswerBuffer) Pending() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending != nil
}

// Discard drops the buffered response and cancels its pending write.
func (b *AnswerBuffer) Discard() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.gen++
	b.pending = nil
}
