package models

import "gorm.io/gorm"

const (
	MediaTypeImage = "image"
	MediaTypeVideo = "video"
)

// Ownable is implemented by entities a single user owns. Permission checks
// resolve on this capability instead of inspecting struct fields.
type Ownable interface {
	OwnedBy() uint
}

// GroupScoped is implemented by entities visible only to one group's members.
type GroupScoped interface {
	ScopedGroup() uint
}

// DiaryPost is a journal entry inside a group. Chat messages share this table
// and are distinguished by IsChatMessage.
type DiaryPost struct {
	gorm.Model
	GroupID       uint     `gorm:"column:group_id;not null;index" json:"group_id"`
	AuthorID      uint     `gorm:"column:author_id;not null;index" json:"author_id"`
	Title         string   `gorm:"column:title;size:255;not null" json:"title"`
	Content       string   `gorm:"column:content;type:text;not null" json:"content"`
	Latitude      *float64 `gorm:"column:latitude" json:"latitude,omitempty"`
	Longitude     *float64 `gorm:"column:longitude" json:"longitude,omitempty"`
	LocationName  string   `gorm:"column:location_name;size:255" json:"location_name,omitempty"`
	IsChatMessage bool     `gorm:"column:is_chat_message;default:false" json:"is_chat_message"`

	Group    *Group      `gorm:"foreignKey:GroupID" json:"group,omitempty"`
	Author   *User       `gorm:"foreignKey:AuthorID" json:"author,omitempty"`
	Media    []PostMedia `gorm:"foreignKey:PostID;constraint:OnDelete:CASCADE" json:"media,omitempty"`
	Comments []Comment   `gorm:"foreignKey:PostID;constraint:OnDelete:CASCADE" json:"comments,omitempty"`
	Likes    []Like      `gorm:"foreignKey:PostID;constraint:OnDelete:CASCADE" json:"likes,omitempty"`
}

func (DiaryPost) TableName() string {
	return "diary_posts"
}

func (p *DiaryPost) OwnedBy() uint {
	return p.AuthorID
}

func (p *DiaryPost) ScopedGroup() uint {
	return p.GroupID
}

// PostMedia holds an uploaded image or video. The ML fields are populated by
// an external client through the ml-results endpoint and are never computed
// server-side.
type PostMedia struct {
	gorm.Model
	PostID    uint     `gorm:"column:post_id;not null;index" json:"post_id"`
	MediaType string   `gorm:"column:media_type;size:10;not null;default:image" json:"media_type"`
	URL       string   `gorm:"column:url;size:500;not null" json:"url"`
	Latitude  *float64 `gorm:"column:latitude" json:"latitude,omitempty"`
	Longitude *float64 `gorm:"column:longitude" json:"longitude,omitempty"`

	DetectedObjects *string `gorm:"column:detected_objects;type:text" json:"detected_objects,omitempty"`
	OCRText         string  `gorm:"column:ocr_text;type:text" json:"ocr_text,omitempty"`
	Caption         string  `gorm:"column:caption;type:text" json:"caption,omitempty"`

	Post *DiaryPost `gorm:"foreignKey:PostID" json:"post,omitempty"`
}

func (PostMedia) TableName() string {
	return "post_media"
}

type Comment struct {
	gorm.Model
	PostID   uint   `gorm:"column:post_id;not null;index" json:"post_id"`
	AuthorID uint   `gorm:"column:author_id;not null" json:"author_id"`
	Content  string `gorm:"column:content;type:text;not null" json:"content"`

	Post   *DiaryPost `gorm:"foreignKey:PostID" json:"post,omitempty"`
	Author *User      `gorm:"foreignKey:AuthorID" json:"author,omitempty"`
}

func (Comment) TableName() string {
	return "comments"
}

func (c *Comment) OwnedBy() uint {
	return c.AuthorID
}

// Like is unique per (post, user); liking again toggles the like off.
type Like struct {
	gorm.Model
	PostID uint `gorm:"column:post_id;not null;uniqueIndex:idx_post_user" json:"post_id"`
	UserID uint `gorm:"column:user_id;not null;uniqueIndex:idx_post_user" json:"user_id"`

	Post *DiaryPost `gorm:"foreignKey:PostID" json:"post,omitempty"`
	User *User      `gorm:"foreignKey:UserID" json:"user,omitempty"`
}

func (Like) TableName() string {
	return "likes"
}
