package repository

import (
	"assignment_backend/internal/model"
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type AttemptRepository struct {
	DB *gorm.DB
}

func NewAttemptRepository(db *gorm.DB) *AttemptRepository {
	return &AttemptRepository{DB: db}
}

func (r *AttemptRepository) CreateAttempt(ctx context.Context, attempt *model.Attempt) error {
	return r.DB.WithContext(ctx).Create(attempt).Error
}

func (r *AttemptRepository) FindAttempt(ctx context.Context, id string) (*model.Attempt, error) {
	var a model.Attempt
	if err := r.DB.WithContext(ctx).First(&a, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *AttemptRepository) FindAttemptForUser(ctx context.Context, userID, id string) (*model.Attempt, error) {
	var a model.Attempt
	if err := r.DB.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).First(&a).Error; err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *AttemptRepository) FindStartedAttempt(ctx context.Context, userID, assignmentID string) (*model.Attempt, error) {
	var a model.Attempt
	err := r.DB.WithContext(ctx).
		Where("user_id = ? AND assignment_id = ? AND status = ?", userID, assignmentID, model.AttemptStarted).
		Order("started_at desc").
		First(&a).Error
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *AttemptRepository) CountAttempts(ctx context.Context, userID, assignmentID string) (int64, error) {
	var count int64
	err := r.DB.WithContext(ctx).Model(&model.Attempt{}).
		Where("user_id = ? AND assignment_id = ?", userID, assignmentID).
		Count(&count).Error
	return count, err
}

func (r *AttemptRepository) ListAnswers(ctx context.Context, attemptID string) ([]model.Answer, error) {
	var answers []model.Answer
	err := r.DB.WithContext(ctx).Where("attempt_id = ?", attemptID).Find(&answers).Error
	return answers, err
}

// UpsertAnswer writes the response keyed by (attempt_id, question_id). It
// reports false, writing nothing, when the attempt is no longer started. The
// attempt row is locked so a concurrent FinalizeAttempt cannot slip between
// the check and the write.
func (r *AttemptRepository) UpsertAnswer(ctx context.Context, answer *model.Answer) (bool, error) {
	written := false
	err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var attempt model.Attempt
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Select("id", "status").
			Where("id = ?", answer.AttemptID).
			First(&attempt).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if attempt.Status != model.AttemptStarted {
			return nil
		}

		err = tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "attempt_id"}, {Name: "question_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"response", "updated_at"}),
		}).Create(answer).Error
		if err != nil {
			return err
		}
		written = true
		return nil
	})
	return written, err
}

// FinalizeAttempt moves a started attempt into attempt.Status. It reports
// false when the row was no longer started, so two finalizers never both win.
func (r *AttemptRepository) FinalizeAttempt(ctx context.Context, attempt *model.Attempt) (bool, error) {
	res := r.DB.WithContext(ctx).Model(&model.Attempt{}).
		Where("id = ? AND status = ?", attempt.ID, model.AttemptStarted).
		Updates(map[string]interface{}{
			"status":            attempt.Status,
			"submitted_at":      attempt.SubmittedAt,
			"time_used_seconds": attempt.TimeUsedSeconds,
			"review_status":     attempt.ReviewStatus,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// MarkInReview 仅把 pending 推进到 in_review，已发布的评阅不会回退
func (r *AttemptRepository) MarkInReview(ctx context.Context, attemptID string) error {
	return r.DB.WithContext(ctx).Model(&model.Attempt{}).
		Where("id = ? AND review_status = ?", attemptID, model.ReviewPending).
		Update("review_status", model.ReviewInReview).Error
}

// ListOverdue returns started attempts whose deadline has passed.
func (r *AttemptRepository) ListOverdue(ctx context.Context, now time.Time, limit int) ([]model.Attempt, error) {
	var attempts []model.Attempt
	err := r.DB.WithContext(ctx).
		Where("status = ? AND expires_at IS NOT NULL AND expires_at <= ?", model.AttemptStarted, now).
		Order("expires_at asc").
		Limit(limit).
		Find(&attempts).Error
	return attempts, err
}
