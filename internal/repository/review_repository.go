package repository

import (
	"assignment_backend/internal/model"
	"assignment_backend/internal/util"
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ReviewRepository struct {
	DB *gorm.DB
}

func NewReviewRepository(db *gorm.DB) *ReviewRepository {
	return &ReviewRepository{DB: db}
}

type SubmissionFilter struct {
	InstituteIDs []string
	ReviewStatus model.ReviewStatus
	Search       string
	Page         int
	Limit        int
}

type SubmissionRow struct {
	AttemptID       string              `json:"attemptId"`
	AssignmentID    string              `json:"assignmentId"`
	AssignmentTitle string              `json:"assignmentTitle"`
	UserID          string              `json:"userId"`
	StudentName     string              `json:"studentName"`
	StudentEmail    string              `json:"studentEmail"`
	Status          model.AttemptStatus `json:"status"`
	ReviewStatus    model.ReviewStatus  `json:"reviewStatus"`
	SubmittedAt     *time.Time          `json:"submittedAt"`
	ScorePoints     *float64            `json:"scorePoints"`
}

// ListSubmissions lists submitted attempts of students belonging to the given
// institutes.
func (r *ReviewRepository) ListSubmissions(ctx context.Context, f SubmissionFilter) ([]SubmissionRow, int64, error) {
	if len(f.InstituteIDs) == 0 {
		return []SubmissionRow{}, 0, nil
	}

	query := r.DB.WithContext(ctx).Table("attempts s").
		Select("s.id as attempt_id, s.assignment_id, a.title as assignment_title, s.user_id, " +
			"u.name as student_name, u.email as student_email, s.status, s.review_status, s.submitted_at, s.score_points").
		Joins("JOIN users u ON s.user_id = u.id").
		Joins("JOIN assignments a ON s.assignment_id = a.id").
		Where("s.deleted_at IS NULL").
		Where("s.status IN ?", []model.AttemptStatus{model.AttemptSubmitted, model.AttemptAutoSubmitted}).
		Where("u.institute_id IN ?", f.InstituteIDs)

	if f.ReviewStatus != "" {
		query = query.Where("s.review_status = ?", f.ReviewStatus)
	}
	if f.Search != "" {
		like := "%" + util.EscapeLike(f.Search) + "%"
		query = query.Where("(a.title LIKE ? OR u.name LIKE ? OR u.email LIKE ?)", like, like, like)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var rows []SubmissionRow
	offset := (f.Page - 1) * f.Limit
	err := query.Order("s.submitted_at desc").Offset(offset).Limit(f.Limit).Scan(&rows).Error
	return rows, total, err
}

func (r *ReviewRepository) FindReview(ctx context.Context, attemptID string) (*model.Review, error) {
	var review model.Review
	if err := r.DB.WithContext(ctx).Where("attempt_id = ?", attemptID).First(&review).Error; err != nil {
		return nil, err
	}
	return &review, nil
}

// PublishReview upserts the review keyed by attempt_id, writes per-answer
// marks and the attempt score in a single transaction.
func (r *ReviewRepository) PublishReview(ctx context.Context, review *model.Review, attempt *model.Attempt, answers []model.Answer) error {
	return r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "attempt_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"reviewer_id", "rubric_scores", "reviewer_comments", "approved", "published_at", "updated_at",
			}),
		}).Create(review).Error
		if err != nil {
			return err
		}
		// 冲突更新时保留的是旧行的 id，这里回读实际落库的记录
		var stored model.Review
		if err := tx.Where("attempt_id = ?", attempt.ID).First(&stored).Error; err != nil {
			return err
		}
		*review = stored

		for _, a := range answers {
			if err := tx.Model(&model.Answer{}).Where("id = ?", a.ID).Updates(map[string]interface{}{
				"marks_awarded": a.MarksAwarded,
				"is_correct":    a.IsCorrect,
				"feedback":      a.Feedback,
			}).Error; err != nil {
				return err
			}
		}

		return tx.Model(&model.Attempt{}).Where("id = ?", attempt.ID).Updates(map[string]interface{}{
			"score_points":  attempt.ScorePoints,
			"score_numeric": attempt.ScoreNumeric,
			"review_status": model.ReviewPublished,
		}).Error
	})
}
