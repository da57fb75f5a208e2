package service

import (
	"assignment_backend/internal/model"
	"assignment_backend/internal/util"
	"assignment_backend/pkg/logger"
	"context"
	"fmt"

	"github.com/samber/lo"
	"go.uber.org/zap"
)

type NotificationService struct {
	Directory     DirectoryStore
	Notifications NotificationStore
}

func NewNotificationService(dir DirectoryStore, ns NotificationStore) *NotificationService {
	return &NotificationService{Directory: dir, Notifications: ns}
}

// NotifyAdmins 通知学生所属机构的全部启用管理员有新的提交
// 返回的错误都包装为 ErrNotification，调用方只记录不回滚
func (s *NotificationService) NotifyAdmins(ctx context.Context, attempt *model.Attempt, assignment *model.Assignment) (int, error) {
	student, err := s.Directory.FindUser(ctx, attempt.UserID)
	if err != nil {
		return 0, fmt.Errorf("%w: load student: %v", util.ErrNotification, err)
	}
	if student.InstituteID == nil || *student.InstituteID == "" {
		logger.Log.Debug("student has no institute, nobody to notify", zap.String("userId", student.ID))
		return 0, nil
	}

	adminIDs, err := s.Directory.ActiveAdminIDs(ctx, *student.InstituteID)
	if err != nil {
		return 0, fmt.Errorf("%w: load admins: %v", util.ErrNotification, err)
	}
	adminIDs = lo.Uniq(adminIDs)
	if len(adminIDs) == 0 {
		return 0, nil
	}

	title := "New assignment submission"
	if attempt.Status == model.AttemptAutoSubmitted {
		title = "Assignment auto-submitted"
	}
	message := fmt.Sprintf("%s submitted \"%s\" (attempt #%d)", student.Name, assignment.Title, attempt.AttemptNumber)

	notifications := lo.Map(adminIDs, func(id string, _ int) model.Notification {
		return model.Notification{
			RecipientID: id,
			Title:       title,
			Message:     message,
			Type:        model.NotificationAttemptSubmitted,
			RelatedID:   attempt.ID,
		}
	})
	if err := s.Notifications.CreateNotifications(ctx, notifications); err != nil {
		return 0, fmt.Errorf("%w: insert: %v", util.ErrNotification, err)
	}
	return len(notifications), nil
}
