package models

import (
	"time"

	"gorm.io/gorm"
)

// Badge is an achievement descriptor. Criteria is a JSON payload echoed
// verbatim to clients for display; the actual thresholds live in the rule
// table of the badge engine.
type Badge struct {
	gorm.Model
	Name        string `gorm:"column:name;size:100;not null;uniqueIndex" json:"name"`
	Description string `gorm:"column:description;type:text;not null" json:"description"`
	IconPath    string `gorm:"column:icon_path;size:255" json:"icon_path"`
	Criteria    string `gorm:"column:criteria;type:text" json:"criteria"`
}

func (Badge) TableName() string {
	return "badges"
}

// UserBadge is the award record. Unique per (user, badge): the constraint is
// the only concurrency control for awarding, and a duplicate insert is a
// benign no-op. Awards are append-only and never revoked.
type UserBadge struct {
	gorm.Model
	UserID   uint      `gorm:"column:user_id;not null;uniqueIndex:idx_user_badge" json:"user_id"`
	BadgeID  uint      `gorm:"column:badge_id;not null;uniqueIndex:idx_user_badge" json:"badge_id"`
	EarnedAt time.Time `gorm:"column:earned_at;not null" json:"earned_at"`

	User  *User  `gorm:"foreignKey:UserID" json:"user,omitempty"`
	Badge *Badge `gorm:"foreignKey:BadgeID" json:"badge,omitempty"`
}

func (UserBadge) TableName() string {
	return "user_badges"
}
