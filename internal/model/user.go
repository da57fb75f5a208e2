package model

type UserRole string

const (
	Student  UserRole = "student"
	Reviewer UserRole = "reviewer"
	Admin    UserRole = "admin"
)

// swagger:model User
type User struct {
	UUIDBase
	Name        string   `gorm:"size:100;not null" json:"name"`
	Email       string   `gorm:"size:100;unique;not null" json:"email"`
	Role        UserRole `gorm:"size:20;default:'student'" json:"role"`
	InstituteID *string  `gorm:"index;type:varchar(36)" json:"instituteId,omitempty"`
	Disabled    bool     `gorm:"default:false" json:"disabled"`
}

func (User) TableName() string {
	return "users"
}

type Institute struct {
	UUIDBase
	Name string `gorm:"size:255;not null" json:"name"`
}

func (Institute) TableName() string {
	return "institutes"
}

// InstituteAdmin 机构管理员（同时承担作业评阅）
type InstituteAdmin struct {
	UUIDBase
	InstituteID string `gorm:"uniqueIndex:idx_institute_admin;type:varchar(36)" json:"instituteId"`
	UserID      string `gorm:"uniqueIndex:idx_institute_admin;type:varchar(36)" json:"userId"`
	IsActive    bool   `gorm:"default:true" json:"isActive"`
}

func (InstituteAdmin) TableName() string {
	return "institute_admins"
}
