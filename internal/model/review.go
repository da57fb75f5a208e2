package model

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// swagger:model Review
type Review struct {
	UUIDBase
	AttemptID        string         `gorm:"uniqueIndex;type:varchar(36);not null" json:"attemptId"`
	ReviewerID       string         `gorm:"index;type:varchar(36);not null" json:"reviewerId"`
	RubricScores     datatypes.JSON `json:"rubricScores"` // answer id -> marks
	ReviewerComments string         `gorm:"type:text" json:"reviewerComments"`
	Approved         bool           `gorm:"default:false" json:"approved"`
	PublishedAt      *time.Time     `json:"publishedAt,omitempty"`
}

func (Review) TableName() string {
	return "reviews"
}

func (r *Review) Rubric() map[string]float64 {
	out := make(map[string]float64)
	if len(r.RubricScores) == 0 {
		return out
	}
	_ = json.Unmarshal(r.RubricScores, &out)
	return out
}

func (r *Review) SetRubric(scores map[string]float64) {
	b, _ := json.Marshal(scores)
	r.RubricScores = datatypes.JSON(b)
}
