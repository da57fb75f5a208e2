package service

import (
	"assignment_backend/internal/model"
	"assignment_backend/internal/repository"
	"assignment_backend/internal/util"
	"assignment_backend/pkg/logger"
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jinzhu/copier"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

type QuestionInput struct {
	ID             string             `json:"id"`
	Kind           model.QuestionKind `json:"kind" validate:"required,oneof=mcq true_false descriptive task"`
	Prompt         string             `json:"prompt" validate:"required"`
	Options        []string           `json:"options" validate:"omitempty,dive,required"`
	CorrectAnswers []string           `json:"correctAnswers" validate:"omitempty,dive,required"`
	Marks          float64            `json:"marks" validate:"gt=0"`
	OrderIndex     int                `json:"orderIndex" validate:"gte=0"`
}

type AssignmentInput struct {
	Title           string          `json:"title" validate:"required,max=255"`
	Instructions    string          `json:"instructions"`
	DurationMinutes *int            `json:"durationMinutes" validate:"omitempty,gt=0"`
	MaxAttempts     int             `json:"maxAttempts" validate:"gte=0"`
	DueAt           *time.Time      `json:"dueAt"`
	StartAt         *time.Time      `json:"startAt"`
	EndAt           *time.Time      `json:"endAt"`
	IsPublished     bool            `json:"isPublished"`
	InstituteID     *string         `json:"instituteId"`
	Questions       []QuestionInput `json:"questions" validate:"dive"`
}

type AssignmentDetail struct {
	model.Assignment
	Questions []model.Question `json:"questions"`
}

// AssignmentService 管理员维护作业与题目
type AssignmentService struct {
	Assignments AssignmentAdminStore
	Directory   DirectoryStore
	validate    *validator.Validate
}

func NewAssignmentService(assignments AssignmentAdminStore, dir DirectoryStore) *AssignmentService {
	return &AssignmentService{Assignments: assignments, Directory: dir, validate: validator.New()}
}

func (s *AssignmentService) ListAssignments(ctx context.Context, instituteID string, page, limit int) ([]repository.AssignmentListRow, int64, error) {
	rows, total, err := s.Assignments.ListAssignments(ctx, instituteID, page, limit)
	if err != nil {
		return nil, 0, util.Persistence("list assignments", err)
	}
	return rows, total, nil
}

func (s *AssignmentService) GetAssignment(ctx context.Context, id string) (*AssignmentDetail, error) {
	a, err := s.Assignments.FindAssignment(ctx, id)
	if err != nil {
		return nil, storeErr(err, util.ErrAssignmentNotFound, "load assignment")
	}
	qs, err := s.Assignments.ListQuestions(ctx, id)
	if err != nil {
		return nil, util.Persistence("load questions", err)
	}
	return &AssignmentDetail{Assignment: *a, Questions: qs}, nil
}

func (s *AssignmentService) CreateAssignment(ctx context.Context, adminID string, in AssignmentInput) (*AssignmentDetail, error) {
	if err := s.check(ctx, adminID, in); err != nil {
		return nil, err
	}
	a := &model.Assignment{CreatedBy: adminID}
	if err := copier.Copy(a, &in); err != nil {
		return nil, err
	}
	qs, err := buildQuestions(in.Questions, nil)
	if err != nil {
		return nil, err
	}
	if err := s.Assignments.SaveAssignment(ctx, a, qs); err != nil {
		return nil, util.Persistence("save assignment", err)
	}
	logger.Log.Info("assignment created", zap.String("assignmentId", a.ID), zap.String("adminId", adminID))
	return &AssignmentDetail{Assignment: *a, Questions: qs}, nil
}

// UpdateAssignment replaces the assignment and its question set. Once a
// student has started it, only the metadata may change.
func (s *AssignmentService) UpdateAssignment(ctx context.Context, adminID, id string, in AssignmentInput) (*AssignmentDetail, error) {
	current, err := s.Assignments.FindAssignment(ctx, id)
	if err != nil {
		return nil, storeErr(err, util.ErrAssignmentNotFound, "load assignment")
	}
	if err := s.check(ctx, adminID, in); err != nil {
		return nil, err
	}
	if err := s.requireManaged(ctx, adminID, current.InstituteID); err != nil {
		return nil, err
	}

	existing, err := s.Assignments.ListQuestions(ctx, id)
	if err != nil {
		return nil, util.Persistence("load questions", err)
	}
	started, err := s.Assignments.HasAttempts(ctx, id)
	if err != nil {
		return nil, util.Persistence("count attempts", err)
	}

	a := *current
	if err := copier.Copy(&a, &in); err != nil {
		return nil, err
	}
	a.ID = current.ID

	var qs []model.Question
	if started {
		if in.Questions != nil {
			return nil, util.ErrQuestionsLocked
		}
	} else if in.Questions != nil {
		qs, err = buildQuestions(in.Questions, existing)
		if err != nil {
			return nil, err
		}
	}

	if err := s.Assignments.SaveAssignment(ctx, &a, qs); err != nil {
		return nil, util.Persistence("save assignment", err)
	}
	if qs == nil {
		qs = existing
	}
	return &AssignmentDetail{Assignment: a, Questions: qs}, nil
}

func (s *AssignmentService) DeleteAssignment(ctx context.Context, adminID, id string) error {
	current, err := s.Assignments.FindAssignment(ctx, id)
	if err != nil {
		return storeErr(err, util.ErrAssignmentNotFound, "load assignment")
	}
	if err := s.requireManaged(ctx, adminID, current.InstituteID); err != nil {
		return err
	}
	started, err := s.Assignments.HasAttempts(ctx, id)
	if err != nil {
		return util.Persistence("count attempts", err)
	}
	if started {
		return util.ErrAssignmentHasAttempts
	}
	if err := s.Assignments.DeleteAssignment(ctx, id); err != nil {
		return util.Persistence("delete assignment", err)
	}
	return nil
}

func (s *AssignmentService) check(ctx context.Context, adminID string, in AssignmentInput) error {
	if err := s.validate.Struct(in); err != nil {
		return validationError(err)
	}
	if in.StartAt != nil && in.EndAt != nil && !in.StartAt.Before(*in.EndAt) {
		return util.Validationf("startAt must be before endAt")
	}
	if dup := lo.FindDuplicatesBy(in.Questions, func(q QuestionInput) int { return q.OrderIndex }); len(dup) > 0 {
		return util.Validationf("orderIndex %d is used more than once", dup[0].OrderIndex)
	}
	for i, q := range in.Questions {
		if err := checkQuestion(q); err != nil {
			return util.Validationf("question %d: %v", i+1, err)
		}
	}
	return s.requireManaged(ctx, adminID, in.InstituteID)
}

func (s *AssignmentService) requireManaged(ctx context.Context, adminID string, instituteID *string) error {
	if instituteID == nil || *instituteID == "" {
		return nil
	}
	managed, err := s.Directory.ManagedInstituteIDs(ctx, adminID)
	if err != nil {
		return util.Persistence("load managed institutes", err)
	}
	if !lo.Contains(managed, *instituteID) {
		return util.ErrPermissionDenied
	}
	return nil
}

func checkQuestion(q QuestionInput) error {
	if !q.Kind.AutoGradable() {
		if len(q.Options) > 0 || len(q.CorrectAnswers) > 0 {
			return errors.New("only mcq and true_false questions take options")
		}
		return nil
	}
	if len(q.Options) < 2 {
		return errors.New("at least two options are required")
	}
	if len(lo.Uniq(q.Options)) != len(q.Options) {
		return errors.New("options must be distinct")
	}
	if len(q.CorrectAnswers) == 0 {
		return errors.New("a correct answer is required")
	}
	if q.Kind == model.QuestionTrueFalse && len(q.CorrectAnswers) != 1 {
		return errors.New("true_false questions have exactly one correct answer")
	}
	if missing, _ := lo.Difference(q.CorrectAnswers, q.Options); len(missing) > 0 {
		return errors.New("correct answer " + missing[0] + " is not one of the options")
	}
	return nil
}

// buildQuestions turns the input into rows. Ids must refer to questions of
// the same assignment.
func buildQuestions(in []QuestionInput, existing []model.Question) ([]model.Question, error) {
	known := lo.SliceToMap(existing, func(q model.Question) (string, bool) { return q.ID, true })
	qs := make([]model.Question, 0, len(in))
	for _, qi := range in {
		if qi.ID != "" && !known[qi.ID] {
			return nil, util.ErrQuestionNotFound
		}
		q := model.Question{
			Kind:       qi.Kind,
			Prompt:     qi.Prompt,
			Marks:      qi.Marks,
			OrderIndex: qi.OrderIndex,
		}
		q.ID = qi.ID
		if qi.Kind.AutoGradable() {
			q.Options = encodeStrings(qi.Options)
			q.CorrectAnswers = encodeStrings(qi.CorrectAnswers)
		}
		qs = append(qs, q)
	}
	return qs, nil
}

func encodeStrings(v []string) datatypes.JSON {
	b, _ := json.Marshal(v)
	return datatypes.JSON(b)
}

