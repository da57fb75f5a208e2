package model

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

type QuestionKind string

const (
	QuestionMCQ         QuestionKind = "mcq"
	QuestionTrueFalse   QuestionKind = "true_false"
	QuestionDescriptive QuestionKind = "descriptive"
	QuestionTask        QuestionKind = "task"
)

// AutoGradable reports whether answers can be compared with CorrectAnswers.
func (k QuestionKind) AutoGradable() bool {
	return k == QuestionMCQ || k == QuestionTrueFalse
}

func (k QuestionKind) Valid() bool {
	switch k {
	case QuestionMCQ, QuestionTrueFalse, QuestionDescriptive, QuestionTask:
		return true
	}
	return false
}

// swagger:model Assignment
type Assignment struct {
	UUIDBase
	Title           string     `gorm:"size:255;not null" json:"title"`
	Instructions    string     `gorm:"type:text" json:"instructions"`
	DurationMinutes *int       `json:"durationMinutes,omitempty"`
	MaxAttempts     int        `gorm:"default:1" json:"maxAttempts"` // 0 = unlimited
	DueAt           *time.Time `json:"dueAt,omitempty"`
	StartAt         *time.Time `json:"startAt,omitempty"`
	EndAt           *time.Time `json:"endAt,omitempty"`
	IsPublished     bool       `gorm:"default:false" json:"isPublished"`
	InstituteID     *string    `gorm:"index;type:varchar(36)" json:"instituteId,omitempty"`
	CreatedBy       string     `gorm:"index;type:varchar(36)" json:"createdBy"`
}

func (Assignment) TableName() string {
	return "assignments"
}

// Timed reports whether attempts at this assignment run against a clock.
func (a *Assignment) Timed() bool {
	return a.DurationMinutes != nil && *a.DurationMinutes > 0
}

// OpenAt 判断当前时间是否处于可作答窗口内
func (a *Assignment) OpenAt(now time.Time) bool {
	if a.StartAt != nil && now.Before(*a.StartAt) {
		return false
	}
	if a.EndAt != nil && now.After(*a.EndAt) {
		return false
	}
	if a.DueAt != nil && now.After(*a.DueAt) {
		return false
	}
	return true
}

// swagger:model Question
type Question struct {
	UUIDBase
	AssignmentID   string         `gorm:"uniqueIndex:idx_question_order;type:varchar(36);not null" json:"assignmentId"`
	Kind           QuestionKind   `gorm:"size:20;not null" json:"kind"`
	Prompt         string         `gorm:"type:text;not null" json:"prompt"`
	Options        datatypes.JSON `json:"options,omitempty"`
	CorrectAnswers datatypes.JSON `json:"correctAnswers,omitempty"`
	Marks          float64        `gorm:"not null" json:"marks"`
	OrderIndex     int            `gorm:"uniqueIndex:idx_question_order;not null" json:"orderIndex"`
}

func (Question) TableName() string {
	return "questions"
}

func (q *Question) OptionList() []string {
	return decodeStrings(q.Options)
}

func (q *Question) CorrectSet() map[string]bool {
	set := make(map[string]bool)
	for _, v := range decodeStrings(q.CorrectAnswers) {
		set[v] = true
	}
	return set
}

// IsCorrect compares a selection with the correct answer set. The result is
// only meaningful for auto-gradable kinds.
func (q *Question) IsCorrect(resp AnswerResponse) bool {
	correct := q.CorrectSet()
	if len(correct) == 0 || len(resp.Selected) != len(correct) {
		return false
	}
	for _, s := range resp.Selected {
		if !correct[s] {
			return false
		}
	}
	return true
}

func decodeStrings(raw datatypes.JSON) []string {
	if len(raw) == 0 {
		return nil
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}
