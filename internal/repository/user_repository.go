package repository

import (
	"assignment_backend/internal/model"
	"context"

	"gorm.io/gorm"
)

type UserRepository struct {
	DB *gorm.DB
}

func NewUserRepository(db *gorm.DB) *UserRepository {
	return &UserRepository{DB: db}
}

func (r *UserRepository) FindUser(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	if err := r.DB.WithContext(ctx).First(&u, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

// ActiveAdminIDs 返回机构下所有启用中的管理员
func (r *UserRepository) ActiveAdminIDs(ctx context.Context, instituteID string) ([]string, error) {
	var ids []string
	err := r.DB.WithContext(ctx).Table("institute_admins ia").
		Joins("JOIN users u ON u.id = ia.user_id").
		Where("ia.institute_id = ? AND ia.is_active = ? AND ia.deleted_at IS NULL", instituteID, true).
		Where("u.disabled = ? AND u.deleted_at IS NULL", false).
		Pluck("ia.user_id", &ids).Error
	return ids, err
}

func (r *UserRepository) ManagedInstituteIDs(ctx context.Context, userID string) ([]string, error) {
	var ids []string
	err := r.DB.WithContext(ctx).Model(&model.InstituteAdmin{}).
		Where("user_id = ? AND is_active = ?", userID, true).
		Pluck("institute_id", &ids).Error
	return ids, err
}
