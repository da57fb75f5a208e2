package service

import (
	"assignment_backend/internal/config"
	"assignment_backend/internal/model"
	"assignment_backend/internal/util"
	"assignment_backend/pkg/logger"
	"assignment_backend/pkg/monitoring"
	"assignment_backend/pkg/tracing"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/samber/lo"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// AdminNotifier is the best-effort side channel run after a submission.
type AdminNotifier interface {
	NotifyAdmins(ctx context.Context, attempt *model.Attempt, assignment *model.Assignment) (int, error)
}

type AttemptService struct {
	Assignments AssignmentStore
	Attempts    AttemptStore
	Directory   DirectoryStore
	Notifier    AdminNotifier
	Latch       ExpiryLatch
	Now         func() time.Time

	mu  sync.RWMutex
	cfg config.AttemptConfig
}

func NewAttemptService(assignments AssignmentStore, attempts AttemptStore, dir DirectoryStore,
	notifier AdminNotifier, latch ExpiryLatch, cfg config.AttemptConfig) *AttemptService {
	return &AttemptService{
		Assignments: assignments,
		Attempts:    attempts,
		Directory:   dir,
		Notifier:    notifier,
		Latch:       latch,
		Now:         time.Now,
		cfg:         cfg,
	}
}

// UpdateConfig 热更新作答参数，只影响之后创建的会话
func (s *AttemptService) UpdateConfig(cfg config.AttemptConfig) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

func (s *AttemptService) Config() config.AttemptConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

func (s *AttemptService) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}

// storeErr maps a missing row onto notFound and anything else onto a
// retryable persistence failure.
func storeErr(err error, notFound error, op string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return notFound
	}
	return util.Persistence(op, err)
}

// StartAttempt begins an attempt, or hands back the one already in progress.
func (s *AttemptService) StartAttempt(ctx context.Context, userID, assignmentID string) (*model.Attempt, error) {
	assignment, err := s.Assignments.FindAssignment(ctx, assignmentID)
	if err != nil {
		return nil, storeErr(err, util.ErrAssignmentNotFound, "load assignment")
	}
	if !assignment.IsPublished {
		return nil, util.ErrAssignmentNotPublished
	}

	now := s.now()
	existing, err := s.Attempts.FindStartedAttempt(ctx, userID, assignmentID)
	switch {
	case err == nil:
		if !attemptOverdue(existing, assignment, now) {
			return existing, nil
		}
		// 上一次作答已超时但未被收卷，先自动提交再按新作答处理
		if _, err := s.finalize(ctx, existing, assignment, true); err != nil && !errors.Is(err, util.ErrInvalidState) {
			return nil, err
		}
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, util.Persistence("load started attempt", err)
	}

	if !assignment.OpenAt(now) {
		return nil, util.ErrAssignmentClosed
	}

	count, err := s.Attempts.CountAttempts(ctx, userID, assignmentID)
	if err != nil {
		return nil, util.Persistence("count attempts", err)
	}
	if assignment.MaxAttempts > 0 && count >= int64(assignment.MaxAttempts) {
		return nil, util.ErrAttemptLimitReached
	}

	attempt := &model.Attempt{
		UserID:        userID,
		AssignmentID:  assignmentID,
		AttemptNumber: int(count) + 1,
		Status:        model.AttemptStarted,
		StartedAt:     now,
		ReviewStatus:  model.ReviewPending,
	}
	if assignment.Timed() {
		expiresAt := now.Add(time.Duration(*assignment.DurationMinutes) * time.Minute)
		attempt.ExpiresAt = &expiresAt
	}
	if err := s.Attempts.CreateAttempt(ctx, attempt); err != nil {
		return nil, util.Persistence("create attempt", err)
	}

	logger.Log.Info("attempt started",
		zap.String("attemptId", attempt.ID),
		zap.String("assignmentId", assignmentID),
		zap.String("userId", userID),
		zap.Int("attemptNumber", attempt.AttemptNumber))
	return attempt, nil
}

func attemptOverdue(attempt *model.Attempt, assignment *model.Assignment, now time.Time) bool {
	if !assignment.Timed() {
		return false
	}
	return RemainingSeconds(attempt.StartedAt, *assignment.DurationMinutes, now) <= 0
}

// LoadAttempt brings the caller's attempt into memory. Nothing is returned
// unless every read succeeds.
func (s *AttemptService) LoadAttempt(ctx context.Context, userID, attemptID string, opts SessionOptions) (*AttemptSession, error) {
	attempt, err := s.Attempts.FindAttemptForUser(ctx, userID, attemptID)
	if err != nil {
		return nil, storeErr(err, util.ErrAttemptNotFound, "load attempt")
	}

	var (
		assignment *model.Assignment
		questions  []model.Question
		answers    []model.Answer
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a, err := s.Assignments.FindAssignment(gctx, attempt.AssignmentID)
		if err != nil {
			return storeErr(err, util.ErrAssignmentNotFound, "load assignment")
		}
		assignment = a
		return nil
	})
	g.Go(func() error {
		qs, err := s.Assignments.ListQuestions(gctx, attempt.AssignmentID)
		if err != nil {
			return util.Persistence("load questions", err)
		}
		questions = qs
		return nil
	})
	g.Go(func() error {
		as, err := s.Attempts.ListAnswers(gctx, attempt.ID)
		if err != nil {
			return util.Persistence("load answers", err)
		}
		answers = as
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return newAttemptSession(s, attempt, assignment, questions, answers, opts), nil
}

// SaveAnswer writes one response straight through, without buffering.
func (s *AttemptService) SaveAnswer(ctx context.Context, userID, attemptID, questionID string, resp model.AnswerResponse) error {
	attempt, err := s.Attempts.FindAttemptForUser(ctx, userID, attemptID)
	if err != nil {
		return storeErr(err, util.ErrAttemptNotFound, "load attempt")
	}
	if attempt.Status != model.AttemptStarted {
		return util.ErrAttemptNotActive
	}

	assignment, err := s.Assignments.FindAssignment(ctx, attempt.AssignmentID)
	if err != nil {
		return storeErr(err, util.ErrAssignmentNotFound, "load assignment")
	}
	if attemptOverdue(attempt, assignment, s.now()) {
		if _, err := s.finalize(ctx, attempt, assignment, true); err != nil && !errors.Is(err, util.ErrInvalidState) {
			logger.Log.Warn("auto-submit on late save failed", zap.String("attemptId", attempt.ID), zap.Error(err))
		}
		return util.ErrAttemptTimeUp
	}

	questions, err := s.Assignments.ListQuestions(ctx, attempt.AssignmentID)
	if err != nil {
		return util.Persistence("load questions", err)
	}
	var question *model.Question
	for i := range questions {
		if questions[i].ID == questionID {
			question = &questions[i]
			break
		}
	}
	if question == nil {
		return util.ErrQuestionNotFound
	}
	if err := ValidateResponse(question, resp); err != nil {
		return err
	}

	return s.writeAnswer(ctx, attempt.ID, questionID, resp)
}

func (s *AttemptService) writeAnswer(ctx context.Context, attemptID, questionID string, resp model.AnswerResponse) error {
	answer := &model.Answer{
		AttemptID:  attemptID,
		QuestionID: questionID,
		Response:   resp.Encode(),
	}
	ok, err := s.Attempts.UpsertAnswer(ctx, answer)
	if err != nil {
		return util.Persistence("save answer", err)
	}
	if !ok {
		// 已被提交、收卷或作废，答案不可再改
		return util.ErrAttemptNotActive
	}
	return nil
}

// ValidateResponse checks a response against the question it answers.
func ValidateResponse(q *model.Question, resp model.AnswerResponse) error {
	if !q.Kind.AutoGradable() {
		return nil
	}
	options := make(map[string]bool)
	for _, o := range q.OptionList() {
		options[o] = true
	}
	seen := make(map[string]bool)
	for _, sel := range resp.Selected {
		if !options[sel] {
			return util.Validationf("option %q is not offered by this question", sel)
		}
		if seen[sel] {
			return util.Validationf("option %q selected twice", sel)
		}
		seen[sel] = true
	}
	if q.Kind == model.QuestionTrueFalse && len(resp.Selected) > 1 {
		return util.Validationf("true/false questions take a single answer")
	}
	return nil
}

type SubmitOptions struct {
	Forced bool
}

// SubmitResult carries the completion counts so callers can warn about a
// partial or empty submission. Neither is ever refused.
type SubmitResult struct {
	Attempt  *model.Attempt `json:"attempt"`
	Answered int            `json:"answered"`
	Total    int            `json:"total"`
}

func (r *SubmitResult) Partial() bool {
	return r.Answered < r.Total
}

// Submit moves the caller's started attempt into submitted, or
// auto_submitted when forced by the clock.
func (s *AttemptService) Submit(ctx context.Context, userID, attemptID string, opts SubmitOptions) (*SubmitResult, error) {
	attempt, err := s.Attempts.FindAttemptForUser(ctx, userID, attemptID)
	if err != nil {
		return nil, storeErr(err, util.ErrAttemptNotFound, "load attempt")
	}
	if attempt.Status != model.AttemptStarted {
		return nil, util.ErrAttemptNotActive
	}
	assignment, err := s.Assignments.FindAssignment(ctx, attempt.AssignmentID)
	if err != nil {
		return nil, storeErr(err, util.ErrAssignmentNotFound, "load assignment")
	}
	// 超时后才点提交的按自动收卷记录
	forced := opts.Forced || attemptOverdue(attempt, assignment, s.now())
	return s.finalize(ctx, attempt, assignment, forced)
}

func (s *AttemptService) finalize(ctx context.Context, attempt *model.Attempt, assignment *model.Assignment, forced bool) (*SubmitResult, error) {
	ctx, span := tracing.Tracer.Start(ctx, "AttemptService.finalize", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()
	span.SetAttributes(attribute.String("attempt.id", attempt.ID), attribute.Bool("attempt.forced", forced))

	if attempt.Status != model.AttemptStarted {
		return nil, util.ErrAttemptNotActive
	}

	questions, err := s.Assignments.ListQuestions(ctx, assignment.ID)
	if err != nil {
		return nil, util.Persistence("load questions", err)
	}
	answers, err := s.Attempts.ListAnswers(ctx, attempt.ID)
	if err != nil {
		return nil, util.Persistence("load answers", err)
	}

	now := s.now()
	next := *attempt
	next.Status = model.AttemptSubmitted
	if forced {
		next.Status = model.AttemptAutoSubmitted
	}
	next.SubmittedAt = &now
	next.TimeUsedSeconds = timeUsed(attempt.StartedAt, assignment, now)
	next.ReviewStatus = model.ReviewPending

	ok, err := s.Attempts.FinalizeAttempt(ctx, &next)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "finalize failed")
		return nil, util.Persistence("finalize attempt", err)
	}
	if !ok {
		// 另一路径（计时器、清扫任务或重复点击）已经收卷
		return nil, util.ErrAttemptNotActive
	}
	*attempt = next
	monitoring.AttemptTransitions.WithLabelValues(string(next.Status)).Inc()

	result := &SubmitResult{
		Attempt:  attempt,
		Answered: countAnswered(questions, answers),
		Total:    len(questions),
	}
	logger.Log.Info("attempt submitted",
		zap.String("attemptId", attempt.ID),
		zap.String("status", string(attempt.Status)),
		zap.Int("answered", result.Answered),
		zap.Int("total", result.Total))

	if s.Notifier != nil {
		if n, err := s.Notifier.NotifyAdmins(ctx, attempt, assignment); err != nil {
			monitoring.NotificationFailures.Inc()
			span.AddEvent("notification failed")
			logger.Log.Warn("notify admins failed", zap.String("attemptId", attempt.ID), zap.Error(err))
		} else {
			logger.Log.Debug("admins notified", zap.String("attemptId", attempt.ID), zap.Int("count", n))
		}
	}
	return result, nil
}

func timeUsed(startedAt time.Time, assignment *model.Assignment, now time.Time) int {
	used := int(now.Sub(startedAt).Seconds())
	if used < 0 {
		used = 0
	}
	if assignment.Timed() && used > *assignment.DurationMinutes*60 {
		used = *assignment.DurationMinutes * 60
	}
	return used
}

// countAnswered counts questions of the assignment with a non-empty answer.
func countAnswered(questions []model.Question, answers []model.Answer) int {
	byQuestion := make(map[string]*model.Answer, len(answers))
	for i := range answers {
		byQuestion[answers[i].QuestionID] = &answers[i]
	}
	n := 0
	for _, q := range questions {
		if a, ok := byQuestion[q.ID]; ok && a.Answered() {
			n++
		}
	}
	return n
}

// Invalidate voids a started attempt. Only an active admin of the student's
// institute may do so.
func (s *AttemptService) Invalidate(ctx context.Context, adminID, attemptID string) (*model.Attempt, error) {
	attempt, err := s.Attempts.FindAttempt(ctx, attemptID)
	if err != nil {
		return nil, storeErr(err, util.ErrAttemptNotFound, "load attempt")
	}
	student, err := s.Directory.FindUser(ctx, attempt.UserID)
	if err != nil {
		return nil, storeErr(err, util.ErrAttemptNotFound, "load student")
	}
	managed, err := s.Directory.ManagedInstituteIDs(ctx, adminID)
	if err != nil {
		return nil, util.Persistence("load managed institutes", err)
	}
	if student.InstituteID == nil || !lo.Contains(managed, *student.InstituteID) {
		return nil, util.ErrPermissionDenied
	}
	if attempt.Status != model.AttemptStarted {
		return nil, util.ErrAttemptNotActive
	}

	next := *attempt
	next.Status = model.AttemptInvalidated
	ok, err := s.Attempts.FinalizeAttempt(ctx, &next)
	if err != nil {
		return nil, util.Persistence("invalidate attempt", err)
	}
	if !ok {
		return nil, util.ErrAttemptNotActive
	}
	monitoring.AttemptTransitions.WithLabelValues(string(next.Status)).Inc()
	logger.Log.Info("attempt invalidated", zap.String("attemptId", attemptID), zap.String("adminId", adminID))
	return &next, nil
}

// ExpireOverdue auto-submits started attempts whose time ran out while no
// session was watching them. It returns how many it closed.
func (s *AttemptService) ExpireOverdue(ctx context.Context) (int, error) {
	cfg := s.Config()
	overdue, err := s.Attempts.ListOverdue(ctx, s.now(), cfg.SweepBatch)
	if err != nil {
		return 0, util.Persistence("list overdue attempts", err)
	}

	assignments := make(map[string]*model.Assignment)
	closed := 0
	for i := range overdue {
		attempt := &overdue[i]
		assignment, ok := assignments[attempt.AssignmentID]
		if !ok {
			assignment, err = s.Assignments.FindAssignment(ctx, attempt.AssignmentID)
			if err != nil {
				logger.Log.Warn("sweeper: load assignment failed", zap.String("attemptId", attempt.ID), zap.Error(err))
				continue
			}
			assignments[attempt.AssignmentID] = assignment
		}
		if _, err := s.finalize(ctx, attempt, assignment, true); err != nil {
			if !errors.Is(err, util.ErrInvalidState) {
				logger.Log.Warn("sweeper: auto-submit failed", zap.String("attemptId", attempt.ID), zap.Error(err))
			}
			continue
		}
		closed++
	}
	return closed, nil
}
