package model

const NotificationAttemptSubmitted = "attempt_submitted"

type Notification struct {
	UUIDBase
	RecipientID string `gorm:"index;type:varchar(36);not null" json:"recipientId"`
	Title       string `gorm:"size:255;not null" json:"title"`
	Message     string `gorm:"type:text;not null" json:"message"`
	Type        string `gorm:"size:50" json:"type"`
	RelatedID   string `gorm:"index;type:varchar(36)" json:"relatedId"`
	IsRead      bool   `gorm:"default:false" json:"isRead"`
}

func (Notification) TableName() string {
	return "notifications"
}
