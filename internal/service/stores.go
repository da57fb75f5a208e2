package service

import (
	"assignment_backend/internal/model"
	"assignment_backend/internal/repository"
	"context"
	"time"
)

// The services depend on these narrow views of the repositories so that the
// attempt workflow can be exercised against in-memory stores.

type AssignmentStore interface {
	FindAssignment(ctx context.Context, id string) (*model.Assignment, error)
	ListQuestions(ctx context.Context, assignmentID string) ([]model.Question, error)
}

type AssignmentAdminStore interface {
	AssignmentStore
	ListAssignments(ctx context.Context, instituteID string, page, limit int) ([]repository.AssignmentListRow, int64, error)
	SaveAssignment(ctx context.Context, a *model.Assignment, qs []model.Question) error
	HasAttempts(ctx context.Context, assignmentID string) (bool, error)
	DeleteAssignment(ctx context.Context, id string) error
}

type AttemptStore interface {
	CreateAttempt(ctx context.Context, attempt *model.Attempt) error
	FindAttempt(ctx context.Context, id string) (*model.Attempt, error)
	FindAttemptForUser(ctx context.Context, userID, id string) (*model.Attempt, error)
	FindStartedAttempt(ctx context.Context, userID, assignmentID string) (*model.Attempt, error)
	CountAttempts(ctx context.Context, userID, assignmentID string) (int64, error)
	ListAnswers(ctx context.Context, attemptID string) ([]model.Answer, error)
	UpsertAnswer(ctx context.Context, answer *model.Answer) (bool, error)
	FinalizeAttempt(ctx context.Context, attempt *model.Attempt) (bool, error)
	MarkInReview(ctx context.Context, attemptID string) error
	ListOverdue(ctx context.Context, now time.Time, limit int) ([]model.Attempt, error)
}

type ReviewStore interface {
	ListSubmissions(ctx context.Context, f repository.SubmissionFilter) ([]repository.SubmissionRow, int64, error)
	FindReview(ctx context.Context, attemptID string) (*model.Review, error)
	PublishReview(ctx context.Context, review *model.Review, attempt *model.Attempt, answers []model.Answer) error
}

type DirectoryStore interface {
	FindUser(ctx context.Context, id string) (*model.User, error)
	ActiveAdminIDs(ctx context.Context, instituteID string) ([]string, error)
	ManagedInstituteIDs(ctx context.Context, userID string) ([]string, error)
}

type NotificationStore interface {
	CreateNotifications(ctx context.Context, ns []model.Notification) error
}
