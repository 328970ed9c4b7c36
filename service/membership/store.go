// Package membership is the authoritative user↔group mapping. Every other
// component (chat authorization, invites, post visibility) resolves
// membership through this store.
package membership

import (
	"errors"

	"github.com/triptales/triptales-server/cmd/models"
	"github.com/triptales/triptales-server/pkg/apperr"
	"gorm.io/gorm"
)

type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// IsMember reports whether the user holds an active membership in the group.
func (s *Store) IsMember(userID, groupID uint) (bool, error) {
	var count int64
	err := s.db.Model(&models.GroupMembership{}).
		Where("user_id = ? AND group_id = ?", userID, groupID).
		Count(&count).Error
	if err != nil {
		return false, apperr.Internal(err, "error checking membership")
	}
	return count > 0, nil
}

// RoleOf returns the user's role in the group, or an empty string when the
// user is not a member.
func (s *Store) RoleOf(userID, groupID uint) (string, error) {
	var m models.GroupMembership
	err := s.db.Where("user_id = ? AND group_id = ?", userID, groupID).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", apperr.Internal(err, "error checking membership role")
	}
	return m.Role, nil
}

// GroupIDs returns the ids of every group the user belongs to.
func (s *Store) GroupIDs(userID uint) ([]uint, error) {
	var ids []uint
	err := s.db.Model(&models.GroupMembership{}).
		Where("user_id = ?", userID).
		Pluck("group_id", &ids).Error
	if err != nil {
		return nil, apperr.Internal(err, "error loading user groups")
	}
	return ids, nil
}

// Add inserts a membership directly. The (user, group) uniqueness constraint
// is the final arbiter for concurrent joins; the losing writer gets a
// conflict.
func (s *Store) Add(db *gorm.DB, userID, groupID uint, role string) (*models.GroupMembership, error) {
	if db == nil {
		db = s.db
	}
	m := models.GroupMembership{UserID: userID, GroupID: groupID, Role: role}
	if err := db.Create(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, apperr.Conflict("you are already a member of this group")
		}
		return nil, apperr.Internal(err, "error creating membership")
	}
	return &m, nil
}

// Join adds the user to a group as a member. Private groups require a
// pending invite; a matching pending invite is marked accepted in the same
// transaction as the membership insert, so both happen or neither does.
func (s *Store) Join(userID, groupID uint) (*models.GroupMembership, error) {
	var group models.Group
	if err := s.db.First(&group, groupID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("group not found")
		}
		return nil, apperr.Internal(err, "error loading group")
	}

	tx := s.db.Begin()
	if tx.Error != nil {
		return nil, apperr.Internal(tx.Error, "error starting transaction")
	}

	if group.IsPrivate {
		var count int64
		err := tx.Model(&models.GroupInvite{}).
			Where("group_id = ? AND invited_user_id = ? AND status = ?",
				groupID, userID, models.InviteStatusPending).
			Count(&count).Error
		if err != nil {
			tx.Rollback()
			return nil, apperr.Internal(err, "error checking invites")
		}
		if count == 0 {
			tx.Rollback()
			return nil, apperr.Permission("this group is private; an invite is required to join")
		}
	}

	m, err := s.Add(tx, userID, groupID, models.RoleMember)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	// Consume the pending invite, if any. Public groups may carry one too.
	err = tx.Model(&models.GroupInvite{}).
		Where("group_id = ? AND invited_user_id = ? AND status = ?",
			groupID, userID, models.InviteStatusPending).
		Update("status", models.InviteStatusAccepted).Error
	if err != nil {
		tx.Rollback()
		return nil, apperr.Internal(err, "error consuming invite")
	}

	if err := tx.Commit().Error; err != nil {
		return nil, apperr.Internal(err, "error committing join")
	}
	return m, nil
}

// Remove deletes the user's membership. Removing the sole admin of a group
// is rejected so that every group keeps at least one admin.
func (s *Store) Remove(userID, groupID uint) error {
	tx := s.db.Begin()
	if tx.Error != nil {
		return apperr.Internal(tx.Error, "error starting transaction")
	}

	var m models.GroupMembership
	err := tx.Where("user_id = ? AND group_id = ?", userID, groupID).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		tx.Rollback()
		return apperr.NotFound("you are not a member of this group")
	}
	if err != nil {
		tx.Rollback()
		return apperr.Internal(err, "error loading membership")
	}

	if m.Role == models.RoleAdmin {
		var admins int64
		err := tx.Model(&models.GroupMembership{}).
			Where("group_id = ? AND role = ?", groupID, models.RoleAdmin).
			Count(&admins).Error
		if err != nil {
			tx.Rollback()
			return apperr.Internal(err, "error counting admins")
		}
		if admins <= 1 {
			tx.Rollback()
			return apperr.Conflict("cannot leave group: you are the only admin")
		}
	}

	// Hard delete, otherwise the soft-deleted row keeps occupying the
	// (user, group) unique index and blocks re-joining.
	if err := tx.Unscoped().Delete(&m).Error; err != nil {
		tx.Rollback()
		return apperr.Internal(err, "error removing membership")
	}

	if err := tx.Commit().Error; err != nil {
		return apperr.Internal(err, "error committing removal")
	}
	return nil
}

// Promote raises a member to admin. Only an admin of the same group may
// promote.
func (s *Store) Promote(requesterID, targetID, groupID uint) (*models.GroupMembership, error) {
	role, err := s.RoleOf(requesterID, groupID)
	if err != nil {
		return nil, err
	}
	if role != models.RoleAdmin {
		return nil, apperr.Permission("only admins can promote members")
	}

	var m models.GroupMembership
	err = s.db.Where("user_id = ? AND group_id = ?", targetID, groupID).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("the user is not a member of this group")
	}
	if err != nil {
		return nil, apperr.Internal(err, "error loading membership")
	}

	if err := s.db.Model(&m).Update("role", models.RoleAdmin).Error; err != nil {
		return nil, apperr.Internal(err, "error promoting member")
	}
	m.Role = models.RoleAdmin
	return &m, nil
}
