package repository

import (
	"assignment_backend/internal/model"
	"context"

	"gorm.io/gorm"
)

type AssignmentRepository struct {
	DB *gorm.DB
}

func NewAssignmentRepository(db *gorm.DB) *AssignmentRepository {
	return &AssignmentRepository{DB: db}
}

func (r *AssignmentRepository) FindAssignment(ctx context.Context, id string) (*model.Assignment, error) {
	var a model.Assignment
	if err := r.DB.WithContext(ctx).First(&a, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &a, nil
}

// ListQuestions returns the questions of an assignment in display order.
func (r *AssignmentRepository) ListQuestions(ctx context.Context, assignmentID string) ([]model.Question, error) {
	var qs []model.Question
	err := r.DB.WithContext(ctx).
		Where("assignment_id = ?", assignmentID).
		Order("order_index asc").
		Find(&qs).Error
	return qs, err
}

type AssignmentListRow struct {
	model.Assignment
	QuestionCount int `json:"questionCount"`
}

func (r *AssignmentRepository) ListAssignments(ctx context.Context, instituteID string, page, limit int) ([]AssignmentListRow, int64, error) {
	var total int64
	query := r.DB.WithContext(ctx).Model(&model.Assignment{})
	if instituteID != "" {
		query = query.Where("institute_id = ?", instituteID)
	}
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var rows []AssignmentListRow
	dbQuery := r.DB.WithContext(ctx).Table("assignments a").
		Select("a.*, " +
			"(SELECT COUNT(*) FROM questions q WHERE q.assignment_id = a.id AND q.deleted_at IS NULL) as question_count").
		Where("a.deleted_at IS NULL")
	if instituteID != "" {
		dbQuery = dbQuery.Where("a.institute_id = ?", instituteID)
	}

	offset := (page - 1) * limit
	err := dbQuery.Order("a.created_at desc").Offset(offset).Limit(limit).Scan(&rows).Error
	return rows, total, err
}

// SaveAssignment creates or updates an assignment and replaces its question
// set in one transaction. Questions missing from qs are removed.
func (r *AssignmentRepository) SaveAssignment(ctx context.Context, a *model.Assignment, qs []model.Question) error {
	return r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(a).Error; err != nil {
			return err
		}
		if qs == nil {
			return nil
		}

		keep := make([]string, 0, len(qs))
		for _, q := range qs {
			if q.ID != "" {
				keep = append(keep, q.ID)
			}
		}
		del := tx.Unscoped().Where("assignment_id = ?", a.ID)
		if len(keep) > 0 {
			del = del.Where("id NOT IN ?", keep)
		}
		if err := del.Delete(&model.Question{}).Error; err != nil {
			return err
		}

		// 先把保留题目的序号挪开，避免 (assignment_id, order_index) 唯一索引冲突
		if len(keep) > 0 {
			if err := tx.Model(&model.Question{}).
				Where("id IN ?", keep).
				Update("order_index", gorm.Expr("order_index + ?", 1000000)).Error; err != nil {
				return err
			}
		}

		for i := range qs {
			qs[i].AssignmentID = a.ID
			if err := tx.Save(&qs[i]).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// HasAttempts reports whether any student has started the assignment.
func (r *AssignmentRepository) HasAttempts(ctx context.Context, assignmentID string) (bool, error) {
	var count int64
	err := r.DB.WithContext(ctx).Model(&model.Attempt{}).
		Where("assignment_id = ?", assignmentID).
		Limit(1).
		Count(&count).Error
	return count > 0, err
}

func (r *AssignmentRepository) DeleteAssignment(ctx context.Context, id string) error {
	return r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("assignment_id = ?", id).Delete(&model.Question{}).Error; err != nil {
			return err
		}
		return tx.Delete(&model.Assignment{}, "id = ?", id).Error
	})
}
