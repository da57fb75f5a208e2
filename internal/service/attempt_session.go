package service

import (
	"assignment_backend/internal/model"
	"assignment_backend/internal/util"
	"assignment_backend/pkg/logger"
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/jinzhu/copier"
	"go.uber.org/zap"
)

// SessionOptions hooks a transport onto a session. Hooks run on the
// buffer's and timer's goroutines and must not call back into the session.
type SessionOptions struct {
	OnSaved  func(questionID string, err error)
	OnTick   func(remaining int)
	OnExpire func(result *SubmitResult, err error)
}

// AttemptSession is the in-memory mirror of one attempt being answered.
// All mutators are serialised by mu.
type AttemptSession struct {
	svc       *AttemptService
	opts      SessionOptions
	attemptID string

	mu         sync.Mutex
	attempt    *model.Attempt
	assignment *model.Assignment
	questions  []model.Question
	responses  map[string]model.AnswerResponse
	malformed  map[string]bool
	current    int
	buffer     *AnswerBuffer
	timer      *AttemptTimer
	closed     bool

	// set by a write the store refused because the attempt was closed
	// elsewhere; written from the buffer's goroutine, so not under mu
	stale atomic.Bool
}

func newAttemptSession(svc *AttemptService, attempt *model.Attempt, assignment *model.Assignment,
	questions []model.Question, answers []model.Answer, opts SessionOptions) *AttemptSession {
	s := &AttemptSession{
		svc:        svc,
		opts:       opts,
		attemptID:  attempt.ID,
		attempt:    attempt,
		assignment: assignment,
		questions:  questions,
		responses:  make(map[string]model.AnswerResponse, len(answers)),
		malformed:  make(map[string]bool),
	}
	for _, a := range answers {
		resp, err := model.DecodeResponse(a.Response)
		if err != nil {
			s.malformed[a.QuestionID] = true
			continue
		}
		s.responses[a.QuestionID] = resp
	}

	cfg := svc.Config()
	s.buffer = NewAnswerBuffer(s.persist, cfg.Debounce, cfg.WriteTimeout)
	if len(questions) > 0 {
		s.buffer.SwitchQuestion(context.Background(), questions[0].ID)
	}
	return s
}

func (s *AttemptSession) persist(ctx context.Context, questionID string, resp model.AnswerResponse) error {
	err := s.svc.writeAnswer(ctx, s.attemptID, questionID, resp)
	if errors.Is(err, util.ErrAttemptNotActive) {
		s.stale.Store(true)
	}
	if s.opts.OnSaved != nil {
		s.opts.OnSaved(questionID, err)
	}
	return err
}

func (s *AttemptSession) AttemptID() string {
	return s.attemptID
}

func (s *AttemptSession) Status() model.AttemptStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncStatusLocked(context.Background())
	return s.attempt.Status
}

// syncStatusLocked picks up a status change another path made, once a write
// has told us the attempt is no longer started.
func (s *AttemptSession) syncStatusLocked(ctx context.Context) {
	if !s.stale.Load() || s.attempt.Status.Terminal() {
		return
	}
	s.refreshStatusLocked(ctx)
}

func (s *AttemptSession) QuestionCount() int {
	return len(s.questions)
}

func (s *AttemptSession) CurrentIndex() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// GoToQuestion moves to index, writing the response of the question being
// left first. Out-of-range indexes are ignored.
func (s *AttemptSession) GoToQuestion(ctx context.Context, index int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index < 0 || index >= len(s.questions) || index == s.current {
		return false
	}
	s.buffer.SwitchQuestion(ctx, s.questions[index].ID)
	s.current = index
	return true
}

// SetResponse records resp for the current question. The mirror is updated
// at once; the write follows after the quiet period.
func (s *AttemptSession) SetResponse(ctx context.Context, resp model.AnswerResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.syncStatusLocked(ctx)
	if s.attempt.Status.Terminal() || s.stale.Load() {
		return util.ErrAttemptNotActive
	}
	if s.timer != nil && s.timer.Remaining() <= 0 {
		return util.ErrAttemptTimeUp
	}
	if len(s.questions) == 0 {
		return util.ErrQuestionNotFound
	}
	q := &s.questions[s.current]
	if err := ValidateResponse(q, resp); err != nil {
		return err
	}

	s.responses[q.ID] = resp
	delete(s.malformed, q.ID)
	s.buffer.SetResponse(ctx, q.ID, resp)
	return nil
}

// AnsweredCount counts questions holding a non-empty response.
func (s *AttemptSession) AnsweredCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.answeredLocked()
}

func (s *AttemptSession) answeredLocked() int {
	n := 0
	for _, q := range s.questions {
		if r, ok := s.responses[q.ID]; ok && !r.Empty() {
			n++
		}
	}
	return n
}

// Submit flushes the buffer and finalizes the attempt.
func (s *AttemptSession) Submit(ctx context.Context, forced bool) (*SubmitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.syncStatusLocked(ctx)
	if s.attempt.Status.Terminal() {
		return nil, util.ErrAttemptNotActive
	}
	s.buffer.Flush(ctx)
	if s.buffer.Pending() {
		logger.Log.Warn("submitting with an unsaved answer", zap.String("attemptId", s.attempt.ID))
	}

	result, err := s.svc.finalize(ctx, s.attempt, s.assignment, forced)
	if err != nil {
		if errors.Is(err, util.ErrAttemptNotActive) {
			s.refreshStatusLocked(ctx)
		}
		return nil, err
	}
	// the attempt is closed; an answer that failed to flush can never land
	s.buffer.Discard()
	if s.timer != nil {
		s.timer.Stop()
	}
	return result, nil
}

// refreshStatusLocked re-reads the status after another path closed the
// attempt, so later edits are refused locally.
func (s *AttemptSession) refreshStatusLocked(ctx context.Context) {
	fresh, err := s.svc.Attempts.FindAttempt(ctx, s.attempt.ID)
	if err != nil {
		return
	}
	*s.attempt = *fresh
}

// StartTimer arms the countdown of a timed attempt and runs it until expiry,
// Close or ctx ends. It reports false when there is nothing to arm.
func (s *AttemptSession) StartTimer(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer != nil || s.closed || s.attempt.Status != model.AttemptStarted {
		return false
	}
	cfg := s.svc.Config()
	timer := NewAttemptTimer(s.attempt, s.assignment, TimerOptions{
		Tick:   cfg.TickInterval,
		Latch:  s.svc.Latch,
		Now:    s.svc.now,
		OnTick: s.opts.OnTick,
		OnExpire: func(ctx context.Context) error {
			result, err := s.Submit(ctx, true)
			if s.opts.OnExpire != nil {
				s.opts.OnExpire(result, err)
			}
			return err
		},
	})
	if timer == nil {
		return false
	}
	s.timer = timer
	go timer.Run(ctx)
	return true
}

// Close disarms the timer and writes anything still buffered.
func (s *AttemptSession) Close(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
	}
	s.buffer.Flush(ctx)
	s.syncStatusLocked(ctx)
}

// QuestionView is a question as the student sees it: no correct answers.
type QuestionView struct {
	ID           string                `json:"id"`
	Kind         model.QuestionKind    `json:"kind"`
	Prompt       string                `json:"prompt"`
	Choices      []string              `json:"options,omitempty"`
	Marks        float64               `json:"marks"`
	OrderIndex   int                   `json:"orderIndex"`
	Response     *model.AnswerResponse `json:"response,omitempty"`
	NeedsReentry bool                  `json:"needsReentry,omitempty"`
}

type AttemptView struct {
	Attempt          model.Attempt  `json:"attempt"`
	AssignmentTitle  string         `json:"assignmentTitle"`
	Instructions     string         `json:"instructions"`
	DurationMinutes  *int           `json:"durationMinutes,omitempty"`
	Questions        []QuestionView `json:"questions"`
	CurrentIndex     int            `json:"currentIndex"`
	AnsweredCount    int            `json:"answeredCount"`
	Total            int            `json:"total"`
	RemainingSeconds *int           `json:"remainingSeconds,omitempty"`
}

// StudentView renders the session for the student.
func (s *AttemptSession) StudentView() (*AttemptView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	view := &AttemptView{
		Attempt:         *s.attempt,
		AssignmentTitle: s.assignment.Title,
		Instructions:    s.assignment.Instructions,
		DurationMinutes: s.assignment.DurationMinutes,
		Questions:       make([]QuestionView, 0, len(s.questions)),
		CurrentIndex:    s.current,
		AnsweredCount:   s.answeredLocked(),
		Total:           len(s.questions),
	}
	for i := range s.questions {
		q := &s.questions[i]
		var qv QuestionView
		if err := copier.Copy(&qv, q); err != nil {
			return nil, err
		}
		qv.ID = q.ID
		qv.Choices = q.OptionList()
		if r, ok := s.responses[q.ID]; ok {
			r := r
			qv.Response = &r
		}
		qv.NeedsReentry = s.malformed[q.ID]
		view.Questions = append(view.Questions, qv)
	}
	if s.assignment.Timed() && s.attempt.Status == model.AttemptStarted {
		remaining := RemainingSeconds(s.attempt.StartedAt, *s.assignment.DurationMinutes, s.svc.now())
		view.RemainingSeconds = &remaining
	}
	return view, nil
}
