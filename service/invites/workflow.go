// Package invites implements the invite lifecycle gating private-group
// joins: pending → accepted | declined, with decided invites terminal.
package invites

import (
	"errors"

	"github.com/triptales/triptales-server/cmd/models"
	"github.com/triptales/triptales-server/pkg/apperr"
	"github.com/triptales/triptales-server/service/membership"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Workflow struct {
	db      *gorm.DB
	members *membership.Store
	mailer  Mailer
}

// NewWorkflow wires the invite workflow. mailer may be nil, in which case no
// notification emails are sent.
func NewWorkflow(db *gorm.DB, members *membership.Store, mailer Mailer) *Workflow {
	return &Workflow{db: db, members: members, mailer: mailer}
}

// Create issues a pending invite. The inviter must be a member of the
// group; the target must exist, must not already be a member, and must not
// already hold a pending invite. The partial unique index on pending invites
// is the arbiter for concurrent creates.
func (w *Workflow) Create(groupID, inviterID uint, usernameOrEmail string) (*models.GroupInvite, error) {
	if usernameOrEmail == "" {
		return nil, apperr.Validation("username or email of the user to invite is required")
	}

	isMember, err := w.members.IsMember(inviterID, groupID)
	if err != nil {
		return nil, err
	}
	if !isMember {
		return nil, apperr.Permission("only group members can send invites")
	}

	var group models.Group
	if err := w.db.First(&group, groupID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("group not found")
		}
		return nil, apperr.Internal(err, "error loading group")
	}

	var target models.User
	err = w.db.Where("username = ? OR email = ?", usernameOrEmail, usernameOrEmail).First(&target).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("user not found")
	}
	if err != nil {
		return nil, apperr.Internal(err, "error loading user")
	}

	alreadyMember, err := w.members.IsMember(target.ID, groupID)
	if err != nil {
		return nil, err
	}
	if alreadyMember {
		return nil, apperr.Conflict("the user is already a member of this group")
	}

	var pending int64
	err = w.db.Model(&models.GroupInvite{}).
		Where("group_id = ? AND invited_user_id = ? AND status = ?",
			groupID, target.ID, models.InviteStatusPending).
		Count(&pending).Error
	if err != nil {
		return nil, apperr.Internal(err, "error checking pending invites")
	}
	if pending > 0 {
		return nil, apperr.Conflict("a pending invite already exists for this user")
	}

	invite := models.GroupInvite{
		GroupID:       groupID,
		InvitedByID:   inviterID,
		InvitedUserID: target.ID,
		Status:        models.InviteStatusPending,
	}
	if err := w.db.Create(&invite).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, apperr.Conflict("a pending invite already exists for this user")
		}
		return nil, apperr.Internal(err, "error creating invite")
	}

	// Notification is best effort; the invite stands even if mail fails.
	if w.mailer != nil && target.Email != "" {
		if err := w.mailer.SendInvite(target.Email, group.Name); err != nil {
			zap.L().Warn("invite notification email failed",
				zap.Uint("invite_id", invite.ID),
				zap.Error(err))
		}
	}

	return &invite, nil
}

// Accept marks a pending invite accepted and creates the membership in the
// same transaction. A decided invite cannot be accepted again.
func (w *Workflow) Accept(inviteID, userID uint) (*models.GroupMembership, error) {
	tx := w.db.Begin()
	if tx.Error != nil {
		return nil, apperr.Internal(tx.Error, "error starting transaction")
	}

	invite, err := w.takePending(tx, inviteID, userID, models.InviteStatusAccepted)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	m, err := w.members.Add(tx, userID, invite.GroupID, models.RoleMember)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, apperr.Internal(err, "error committing accept")
	}
	return m, nil
}

// Decline marks a pending invite declined. Terminal, like accept.
func (w *Workflow) Decline(inviteID, userID uint) error {
	tx := w.db.Begin()
	if tx.Error != nil {
		return apperr.Internal(tx.Error, "error starting transaction")
	}

	if _, err := w.takePending(tx, inviteID, userID, models.InviteStatusDeclined); err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit().Error; err != nil {
		return apperr.Internal(err, "error committing decline")
	}
	return nil
}

// PendingFor lists the user's pending invites.
func (w *Workflow) PendingFor(userID uint) ([]models.GroupInvite, error) {
	var invites []models.GroupInvite
	err := w.db.Preload("Group").Preload("InvitedBy").
		Where("invited_user_id = ? AND status = ?", userID, models.InviteStatusPending).
		Find(&invites).Error
	if err != nil {
		return nil, apperr.Internal(err, "error loading invites")
	}
	return invites, nil
}

// takePending transitions the invite out of pending. The status guard in the
// UPDATE makes the transition happen at most once even under concurrent
// accept/decline attempts.
func (w *Workflow) takePending(tx *gorm.DB, inviteID, userID uint, to string) (*models.GroupInvite, error) {
	var invite models.GroupInvite
	err := tx.First(&invite, inviteID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("invite not found")
	}
	if err != nil {
		return nil, apperr.Internal(err, "error loading invite")
	}
	if invite.InvitedUserID != userID {
		return nil, apperr.Permission("this invite is not for you")
	}

	res := tx.Model(&models.GroupInvite{}).
		Where("id = ? AND status = ?", inviteID, models.InviteStatusPending).
		Update("status", to)
	if res.Error != nil {
		return nil, apperr.Internal(res.Error, "error updating invite")
	}
	if res.RowsAffected == 0 {
		return nil, apperr.Conflict("this invite has already been processed")
	}

	invite.Status = to
	return &invite, nil
}
