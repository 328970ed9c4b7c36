package models

import (
	"gorm.io/gorm"
)

type User struct {
	gorm.Model
	Username           string `gorm:"column:username;size:255;not null;uniqueIndex" json:"username"`
	FullName           string `gorm:"column:full_name;size:255;not null" json:"full_name"`
	Email              string `gorm:"column:email;size:255;not null;uniqueIndex" json:"email"`
	PasswordHash       string `gorm:"column:password_hash;size:255;not null" json:"-"`
	ProfilePicturePath string `gorm:"column:profile_picture_path;size:255" json:"profile_picture_path"`

	Memberships []GroupMembership `gorm:"foreignKey:UserID" json:"memberships,omitempty"`
	Posts       []DiaryPost       `gorm:"foreignKey:AuthorID" json:"posts,omitempty"`
	Badges      []UserBadge       `gorm:"foreignKey:UserID" json:"badges,omitempty"`
}

func (User) TableName() string {
	return "users"
}
