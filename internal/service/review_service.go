package service

import (
	"assignment_backend/internal/model"
	"assignment_backend/internal/repository"
	"assignment_backend/internal/util"
	"assignment_backend/pkg/logger"
	"assignment_backend/pkg/monitoring"
	"context"
	"errors"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

type ReviewService struct {
	Attempts    AttemptStore
	Assignments AssignmentStore
	Reviews     ReviewStore
	Directory   DirectoryStore
	Storage     *StorageService
	Now         func() time.Time

	validate *validator.Validate
}

func NewReviewService(attempts AttemptStore, assignments AssignmentStore, reviews ReviewStore,
	dir DirectoryStore, storage *StorageService) *ReviewService {
	return &ReviewService{
		Attempts:    attempts,
		Assignments: assignments,
		Reviews:     reviews,
		Directory:   dir,
		Storage:     storage,
		Now:         time.Now,
		validate:    validator.New(),
	}
}

func (s *ReviewService) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}

type SubmissionQuery struct {
	ReviewStatus string
	Search       string
	Page         int
	Limit        int
}

// ListSubmissions 列出评阅人所管理机构下学生的已提交作答
func (s *ReviewService) ListSubmissions(ctx context.Context, reviewerID string, q SubmissionQuery) ([]repository.SubmissionRow, int64, error) {
	status := model.ReviewStatus(q.ReviewStatus)
	switch status {
	case "", model.ReviewPending, model.ReviewInReview, model.ReviewPublished:
	default:
		return nil, 0, util.Validationf("unknown review status %q", q.ReviewStatus)
	}

	managed, err := s.Directory.ManagedInstituteIDs(ctx, reviewerID)
	if err != nil {
		return nil, 0, util.Persistence("load managed institutes", err)
	}

	page, limit := q.Page, q.Limit
	if page < 1 {
		page = util.DefaultPage
	}
	if limit < 1 || limit > util.MaxLimit {
		limit = util.DefaultLimit
	}
	rows, total, err := s.Reviews.ListSubmissions(ctx, repository.SubmissionFilter{
		InstituteIDs: managed,
		ReviewStatus: status,
		Search:       strings.TrimSpace(q.Search),
		Page:         page,
		Limit:        limit,
	})
	if err != nil {
		return nil, 0, util.Persistence("list submissions", err)
	}
	return rows, total, nil
}

// authorize loads the attempt if the reviewer administers the student's
// institute. Attempts outside their institutes read as missing.
func (s *ReviewService) authorize(ctx context.Context, reviewerID, attemptID string) (*model.Attempt, error) {
	attempt, err := s.Attempts.FindAttempt(ctx, attemptID)
	if err != nil {
		return nil, storeErr(err, util.ErrAttemptNotFound, "load attempt")
	}
	student, err := s.Directory.FindUser(ctx, attempt.UserID)
	if err != nil {
		return nil, storeErr(err, util.ErrAttemptNotFound, "load student")
	}
	managed, err := s.Directory.ManagedInstituteIDs(ctx, reviewerID)
	if err != nil {
		return nil, util.Persistence("load managed institutes", err)
	}
	if student.InstituteID == nil || !lo.Contains(managed, *student.InstituteID) {
		return nil, util.ErrAttemptNotFound
	}
	return attempt, nil
}

type attemptContent struct {
	assignment *model.Assignment
	questions  []model.Question
	answers    []model.Answer
}

func (s *ReviewService) loadContent(ctx context.Context, attempt *model.Attempt) (*attemptContent, error) {
	c := &attemptContent{}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a, err := s.Assignments.FindAssignment(gctx, attempt.AssignmentID)
		if err != nil {
			return storeErr(err, util.ErrAssignmentNotFound, "load assignment")
		}
		c.assignment = a
		return nil
	})
	g.Go(func() error {
		qs, err := s.Assignments.ListQuestions(gctx, attempt.AssignmentID)
		if err != nil {
			return util.Persistence("load questions", err)
		}
		c.questions = qs
		return nil
	})
	g.Go(func() error {
		as, err := s.Attempts.ListAnswers(gctx, attempt.ID)
		if err != nil {
			return util.Persistence("load answers", err)
		}
		c.answers = as
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *ReviewService) findReview(ctx context.Context, attemptID string) (*model.Review, error) {
	review, err := s.Reviews.FindReview(ctx, attemptID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, util.Persistence("load review", err)
	}
	return review, nil
}

// ReviewItem is one question of the attempt with what the student gave.
type ReviewItem struct {
	QuestionID     string             `json:"questionId"`
	Kind           model.QuestionKind `json:"kind"`
	Prompt         string             `json:"prompt"`
	Options        []string           `json:"options,omitempty"`
	CorrectAnswers []string           `json:"correctAnswers,omitempty"`
	MaxMarks       float64            `json:"maxMarks"`

	AnswerID       string                `json:"answerId,omitempty"`
	Response       *model.AnswerResponse `json:"response,omitempty"`
	Evidence       []EvidenceFile        `json:"evidence,omitempty"`
	Malformed      bool                  `json:"malformed,omitempty"`
	SuggestedMarks *float64              `json:"suggestedMarks,omitempty"`
}

// ReviewDraft holds a reviewer's marks locally until they are published.
type ReviewDraft struct {
	Attempt         model.Attempt `json:"attempt"`
	AssignmentTitle string        `json:"assignmentTitle"`
	TotalMarks      float64       `json:"totalMarks"`
	Items           []ReviewItem  `json:"items"`
	Prior           *model.Review `json:"prior,omitempty"`

	mu       sync.Mutex
	maxMarks map[string]float64 // answer id -> question marks
	rubric   map[string]float64
}

// ScoreAnswer sets the marks for one answer of the draft.
func (d *ReviewDraft) ScoreAnswer(answerID string, marks float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	ceiling, ok := d.maxMarks[answerID]
	if !ok {
		return util.ErrAnswerNotFound
	}
	if err := checkMarks(marks, ceiling); err != nil {
		return err
	}
	d.rubric[answerID] = marks
	return nil
}

func (d *ReviewDraft) Rubric() map[string]float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return lo.Assign(d.rubric)
}

func (d *ReviewDraft) Total() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return lo.Sum(lo.Values(d.rubric))
}

// PublishInput builds the publish request from the draft's marks.
func (d *ReviewDraft) PublishInput(comments string, approved bool) PublishInput {
	return PublishInput{Comments: comments, RubricScores: d.Rubric(), Approved: &approved}
}

func checkMarks(marks, ceiling float64) error {
	if math.IsNaN(marks) || marks < 0 || marks > ceiling {
		return util.Validationf("marks must be between 0 and %s", strconv.FormatFloat(ceiling, 'f', -1, 64))
	}
	return nil
}

// OpenSubmission loads a submitted attempt for scoring and moves it into
// review. A published review is never moved back.
func (s *ReviewService) OpenSubmission(ctx context.Context, reviewerID, attemptID string) (*ReviewDraft, error) {
	attempt, err := s.authorize(ctx, reviewerID, attemptID)
	if err != nil {
		return nil, err
	}
	if !attempt.Status.Reviewable() {
		return nil, util.ErrAttemptNotReviewable
	}

	content, err := s.loadContent(ctx, attempt)
	if err != nil {
		return nil, err
	}
	prior, err := s.findReview(ctx, attempt.ID)
	if err != nil {
		return nil, err
	}

	if attempt.ReviewStatus == model.ReviewPending {
		if err := s.Attempts.MarkInReview(ctx, attempt.ID); err != nil {
			return nil, util.Persistence("mark in review", err)
		}
		attempt.ReviewStatus = model.ReviewInReview
	}

	draft := &ReviewDraft{
		Attempt:         *attempt,
		AssignmentTitle: content.assignment.Title,
		TotalMarks:      totalMarks(content.questions),
		Prior:           prior,
		maxMarks:        make(map[string]float64),
		rubric:          make(map[string]float64),
	}
	var priorRubric map[string]float64
	if prior != nil {
		priorRubric = prior.Rubric()
	}

	answers := lo.KeyBy(content.answers, func(a model.Answer) string { return a.QuestionID })
	for i := range content.questions {
		q := &content.questions[i]
		item := ReviewItem{
			QuestionID: q.ID,
			Kind:       q.Kind,
			Prompt:     q.Prompt,
			Options:    q.OptionList(),
			MaxMarks:   q.Marks,
		}
		if q.Kind.AutoGradable() {
			item.CorrectAnswers = lo.Keys(q.CorrectSet())
			sort.Strings(item.CorrectAnswers)
		}

		if a, ok := answers[q.ID]; ok {
			item.AnswerID = a.ID
			draft.maxMarks[a.ID] = q.Marks

			resp, err := model.DecodeResponse(a.Response)
			if err != nil {
				item.Malformed = true
			} else {
				item.Response = &resp
				item.Evidence = s.Storage.ResolveFiles(ctx, resp.Files)
			}
			if q.Kind.AutoGradable() {
				suggested := 0.0
				if err == nil && q.IsCorrect(resp) {
					suggested = q.Marks
				}
				item.SuggestedMarks = &suggested
				draft.rubric[a.ID] = suggested
			}
			if m, ok := priorRubric[a.ID]; ok {
				draft.rubric[a.ID] = m
			}
		}
		draft.Items = append(draft.Items, item)
	}

	logger.Log.Debug("submission opened", zap.String("attemptId", attempt.ID), zap.String("reviewerId", reviewerID))
	return draft, nil
}

func totalMarks(questions []model.Question) float64 {
	return lo.SumBy(questions, func(q model.Question) float64 { return q.Marks })
}

type PublishInput struct {
	Comments     string             `json:"comments" validate:"max=10000"`
	RubricScores map[string]float64 `json:"rubricScores" validate:"dive,keys,required,endkeys"`
	Feedback     map[string]string  `json:"feedback" validate:"dive,keys,required,endkeys,max=5000"`
	Approved     *bool              `json:"approved" validate:"required"`
}

// PublishReview writes the review, the per-answer marks and the attempt
// score in one go. Publishing again overwrites the previous review.
func (s *ReviewService) PublishReview(ctx context.Context, reviewerID, attemptID string, in PublishInput) (*model.Review, error) {
	if err := s.validate.Struct(in); err != nil {
		return nil, validationError(err)
	}
	approved := *in.Approved
	if !approved && strings.TrimSpace(in.Comments) == "" {
		return nil, util.Validationf("comments are required when rejecting a submission")
	}

	attempt, err := s.authorize(ctx, reviewerID, attemptID)
	if err != nil {
		return nil, err
	}
	if !attempt.Status.Reviewable() {
		return nil, util.ErrAttemptNotReviewable
	}
	content, err := s.loadContent(ctx, attempt)
	if err != nil {
		return nil, err
	}

	questions := lo.KeyBy(content.questions, func(q model.Question) string { return q.ID })
	answers := lo.KeyBy(content.answers, func(a model.Answer) string { return a.ID })
	for answerID, marks := range in.RubricScores {
		a, ok := answers[answerID]
		if !ok {
			return nil, util.Validationf("answer %s does not belong to this attempt", answerID)
		}
		q, ok := questions[a.QuestionID]
		if !ok {
			return nil, util.Validationf("answer %s has no matching question", answerID)
		}
		if err := checkMarks(marks, q.Marks); err != nil {
			return nil, err
		}
	}
	for answerID := range in.Feedback {
		if _, ok := answers[answerID]; !ok {
			return nil, util.Validationf("answer %s does not belong to this attempt", answerID)
		}
	}

	now := s.now()
	sum := lo.Sum(lo.Values(in.RubricScores))
	score := 0.0
	if approved {
		score = sum
	}
	numeric := 0.0
	if total := totalMarks(content.questions); total > 0 {
		numeric = math.Round(score/total*10000) / 100
	}

	updated := make([]model.Answer, 0, len(content.answers))
	for _, a := range content.answers {
		a.MarksAwarded = nil
		if m, ok := in.RubricScores[a.ID]; ok {
			m := m
			a.MarksAwarded = &m
		}
		a.IsCorrect = nil
		if q, ok := questions[a.QuestionID]; ok && q.Kind.AutoGradable() {
			resp, err := model.DecodeResponse(a.Response)
			correct := err == nil && q.IsCorrect(resp)
			a.IsCorrect = &correct
		}
		a.Feedback = nil
		if fb, ok := in.Feedback[a.ID]; ok && strings.TrimSpace(fb) != "" {
			fb := fb
			a.Feedback = &fb
		}
		updated = append(updated, a)
	}

	review := &model.Review{
		AttemptID:        attempt.ID,
		ReviewerID:       reviewerID,
		ReviewerComments: in.Comments,
		Approved:         approved,
		PublishedAt:      &now,
	}
	review.SetRubric(in.RubricScores)

	attempt.ScorePoints = &score
	attempt.ScoreNumeric = &numeric
	attempt.ReviewStatus = model.ReviewPublished

	if err := s.Reviews.PublishReview(ctx, review, attempt, updated); err != nil {
		return nil, util.Persistence("publish review", err)
	}

	monitoring.ReviewsPublished.WithLabelValues(strconv.FormatBool(approved)).Inc()
	logger.Log.Info("review published",
		zap.String("attemptId", attempt.ID),
		zap.String("reviewerId", reviewerID),
		zap.Bool("approved", approved),
		zap.Float64("score", score))
	return review, nil
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		msgs := lo.Map(verrs, func(fe validator.FieldError, _ int) string {
			return fe.Field() + " failed " + fe.Tag()
		})
		return util.Validationf("%s", strings.Join(msgs, "; "))
	}
	return util.Validationf("%v", err)
}

type ResultItem struct {
	QuestionID     string                `json:"questionId"`
	Kind           model.QuestionKind    `json:"kind"`
	Prompt         string                `json:"prompt"`
	MaxMarks       float64               `json:"maxMarks"`
	CorrectAnswers []string              `json:"correctAnswers,omitempty"`
	Response       *model.AnswerResponse `json:"response,omitempty"`
	MarksAwarded   *float64              `json:"marksAwarded,omitempty"`
	IsCorrect      *bool                 `json:"isCorrect,omitempty"`
	Feedback       *string               `json:"feedback,omitempty"`
}

type AttemptResults struct {
	Attempt         model.Attempt `json:"attempt"`
	AssignmentTitle string        `json:"assignmentTitle"`
	TotalMarks      float64       `json:"totalMarks"`
	Comments        string        `json:"comments"`
	Approved        bool          `json:"approved"`
	PublishedAt     *time.Time    `json:"publishedAt"`
	Items           []ResultItem  `json:"items"`
}

// GetResults returns the published review of the caller's own attempt.
func (s *ReviewService) GetResults(ctx context.Context, userID, attemptID string) (*AttemptResults, error) {
	attempt, err := s.Attempts.FindAttemptForUser(ctx, userID, attemptID)
	if err != nil {
		return nil, storeErr(err, util.ErrAttemptNotFound, "load attempt")
	}
	if attempt.ReviewStatus != model.ReviewPublished {
		return nil, util.ErrReviewNotPublished
	}
	review, err := s.findReview(ctx, attempt.ID)
	if err != nil {
		return nil, err
	}
	if review == nil {
		return nil, util.ErrReviewNotPublished
	}
	content, err := s.loadContent(ctx, attempt)
	if err != nil {
		return nil, err
	}

	res := &AttemptResults{
		Attempt:         *attempt,
		AssignmentTitle: content.assignment.Title,
		TotalMarks:      totalMarks(content.questions),
		Comments:        review.ReviewerComments,
		Approved:        review.Approved,
		PublishedAt:     review.PublishedAt,
	}
	answers := lo.KeyBy(content.answers, func(a model.Answer) string { return a.QuestionID })
	for _, q := range content.questions {
		item := ResultItem{QuestionID: q.ID, Kind: q.Kind, Prompt: q.Prompt, MaxMarks: q.Marks}
		if q.Kind.AutoGradable() {
			item.CorrectAnswers = lo.Keys(q.CorrectSet())
			sort.Strings(item.CorrectAnswers)
		}
		if a, ok := answers[q.ID]; ok {
			if resp, err := model.DecodeResponse(a.Response); err == nil {
				item.Response = &resp
			}
			item.MarksAwarded = a.MarksAwarded
			item.IsCorrect = a.IsCorrect
			item.Feedback = a.Feedback
		}
		res.Items = append(res.Items, item)
	}
	return res, nil
}
