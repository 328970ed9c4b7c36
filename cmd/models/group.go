package models

import (
	"time"

	"gorm.io/gorm"
)

// Membership roles. Every group keeps at least one admin; the invariant is
// enforced when a membership is removed, not when it is created.
const (
	RoleAdmin  = "admin"
	RoleMember = "member"
)

// Invite lifecycle. Accepted and declined are terminal; a decided invite is
// never reopened, a new row is created instead.
const (
	InviteStatusPending  = "pending"
	InviteStatusAccepted = "accepted"
	InviteStatusDeclined = "declined"
)

type Group struct {
	gorm.Model
	Name        string    `gorm:"column:name;size:255;not null" json:"name"`
	Description string    `gorm:"column:description;type:text" json:"description"`
	StartDate   *time.Time `gorm:"column:start_date" json:"start_date,omitempty"`
	EndDate     *time.Time `gorm:"column:end_date" json:"end_date,omitempty"`
	Location    string    `gorm:"column:location;size:255" json:"location"`
	IsPrivate   bool      `gorm:"column:is_private;default:false" json:"is_private"`
	CreatedByID uint      `gorm:"column:created_by_id;not null" json:"created_by_id"`

	CreatedBy   *User             `gorm:"foreignKey:CreatedByID" json:"created_by,omitempty"`
	Memberships []GroupMembership `gorm:"foreignKey:GroupID;constraint:OnDelete:CASCADE" json:"memberships,omitempty"`
	Invites     []GroupInvite     `gorm:"foreignKey:GroupID;constraint:OnDelete:CASCADE" json:"invites,omitempty"`
	Posts       []DiaryPost       `gorm:"foreignKey:GroupID;constraint:OnDelete:CASCADE" json:"posts,omitempty"`
}

func (Group) TableName() string {
	return "groups"
}

type GroupMembership struct {
	gorm.Model
	UserID  uint   `gorm:"column:user_id;not null;uniqueIndex:idx_user_group" json:"user_id"`
	GroupID uint   `gorm:"column:group_id;not null;uniqueIndex:idx_user_group" json:"group_id"`
	Role    string `gorm:"column:role;size:10;not null;default:member" json:"role"`

	User  *User  `gorm:"foreignKey:UserID" json:"user,omitempty"`
	Group *Group `gorm:"foreignKey:GroupID" json:"group,omitempty"`
}

func (GroupMembership) TableName() string {
	return "group_memberships"
}

type GroupInvite struct {
	gorm.Model
	GroupID       uint   `gorm:"column:group_id;not null;index" json:"group_id"`
	InvitedByID   uint   `gorm:"column:invited_by_id;not null" json:"invited_by_id"`
	InvitedUserID uint   `gorm:"column:invited_user_id;not null;index" json:"invited_user_id"`
	Status        string `gorm:"column:status;size:10;not null;default:pending" json:"status"`

	Group       *Group `gorm:"foreignKey:GroupID" json:"group,omitempty"`
	InvitedBy   *User  `gorm:"foreignKey:InvitedByID" json:"invited_by,omitempty"`
	InvitedUser *User  `gorm:"foreignKey:InvitedUserID" json:"invited_user,omitempty"`
}

func (GroupInvite) TableName() string {
	return "group_invites"
}
