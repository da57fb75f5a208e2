package model

import (
	"time"

	"gorm.io/datatypes"
)

type AttemptStatus string

const (
	AttemptStarted       AttemptStatus = "started"
	AttemptSubmitted     AttemptStatus = "submitted"
	AttemptAutoSubmitted AttemptStatus = "auto_submitted"
	AttemptInvalidated   AttemptStatus = "invalidated"
)

// Terminal statuses never transition again.
func (s AttemptStatus) Terminal() bool {
	return s == AttemptSubmitted || s == AttemptAutoSubmitted || s == AttemptInvalidated
}

// Reviewable statuses are the ones a reviewer may score.
func (s AttemptStatus) Reviewable() bool {
	return s == AttemptSubmitted || s == AttemptAutoSubmitted
}

type ReviewStatus string

const (
	ReviewPending   ReviewStatus = "pending"
	ReviewInReview  ReviewStatus = "in_review"
	ReviewPublished ReviewStatus = "published"
)

// swagger:model Attempt
type Attempt struct {
	UUIDBase
	UserID          string        `gorm:"index;type:varchar(36);not null" json:"userId"`
	AssignmentID    string        `gorm:"index;type:varchar(36);not null" json:"assignmentId"`
	AttemptNumber   int           `gorm:"default:1" json:"attemptNumber"`
	Status          AttemptStatus `gorm:"size:20;index;default:'started'" json:"status"`
	StartedAt       time.Time     `json:"startedAt"`
	ExpiresAt       *time.Time    `gorm:"index" json:"expiresAt,omitempty"` // 限时作业的截止时间
	SubmittedAt     *time.Time    `json:"submittedAt,omitempty"`
	TimeUsedSeconds int           `gorm:"default:0" json:"timeUsedSeconds"`
	ScorePoints     *float64      `json:"scorePoints,omitempty"`
	ScoreNumeric    *float64      `json:"scoreNumeric,omitempty"`
	ReviewStatus    ReviewStatus  `gorm:"size:20;index;default:'pending'" json:"reviewStatus"`
}

func (Attempt) TableName() string {
	return "attempts"
}

// swagger:model Answer
type Answer struct {
	UUIDBase
	AttemptID    string         `gorm:"uniqueIndex:idx_answer_attempt_question;type:varchar(36);not null" json:"attemptId"`
	QuestionID   string         `gorm:"uniqueIndex:idx_answer_attempt_question;type:varchar(36);not null" json:"questionId"`
	Response     datatypes.JSON `json:"response"`
	IsCorrect    *bool          `json:"isCorrect,omitempty"`
	MarksAwarded *float64       `json:"marksAwarded,omitempty"`
	Feedback     *string        `gorm:"type:text" json:"feedback,omitempty"`
}

func (Answer) TableName() string {
	return "answers"
}

// Answered reports whether the stored response carries any content. Records
// that do not decode count as unanswered.
func (a *Answer) Answered() bool {
	resp, err := DecodeResponse(a.Response)
	if err != nil {
		return false
	}
	return !resp.Empty()
}
