// Package badges evaluates the badge rule set against a user's aggregated
// activity and awards badges idempotently.
package badges

import (
	"time"

	"github.com/triptales/triptales-server/cmd/models"
	"github.com/triptales/triptales-server/pkg/apperr"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Engine struct {
	db *gorm.DB
}

func NewEngine(db *gorm.DB) *Engine {
	return &Engine{db: db}
}

// EvaluateAll runs every rule for the user and returns the names of badges
// newly awarded in this pass. Re-running with no new activity awards nothing
// and never touches an existing award's EarnedAt. A failing rule is skipped
// so the remaining rules still run; the first failure is returned.
func (e *Engine) EvaluateAll(userID uint) ([]string, error) {
	activity := NewActivity(e.db, userID)

	var awarded []string
	var firstErr error

	for _, rule := range Rules {
		met, err := rule.Met(activity)
		if err != nil {
			if firstErr == nil {
				firstErr = apperr.Wrap(err, apperr.KindInternal, "rule evaluation failed: "+rule.Badge.Name)
			}
			continue
		}
		if !met {
			continue
		}

		newly, err := e.award(userID, rule.Badge)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if newly {
			awarded = append(awarded, rule.Badge.Name)
		}
	}

	return awarded, firstErr
}

// EvaluateBestEffort is the post-action hook form of EvaluateAll: failures
// are downgraded to warnings and never reach the triggering request.
func (e *Engine) EvaluateBestEffort(userID uint) {
	awarded, err := e.EvaluateAll(userID)
	if err != nil {
		zap.L().Warn("badge evaluation failed",
			zap.Uint("user_id", userID),
			zap.Error(err))
	}
	if len(awarded) > 0 {
		zap.L().Info("badges awarded",
			zap.Uint("user_id", userID),
			zap.Strings("badges", awarded))
	}
}

// award ensures the badge row exists and inserts the UserBadge if absent.
// The (user, badge) uniqueness constraint is the only concurrency control:
// a conflicting insert is skipped, not failed, so simultaneous triggers
// cannot double-award.
func (e *Engine) award(userID uint, spec BadgeSpec) (bool, error) {
	var badge models.Badge
	err := e.db.Where(models.Badge{Name: spec.Name}).
		Attrs(models.Badge{
			Description: spec.Description,
			IconPath:    spec.IconPath,
			Criteria:    spec.Criteria,
		}).
		FirstOrCreate(&badge).Error
	if err != nil {
		return false, apperr.Internal(err, "error ensuring badge "+spec.Name)
	}

	res := e.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&models.UserBadge{
		UserID:   userID,
		BadgeID:  badge.ID,
		EarnedAt: time.Now().UTC(),
	})
	if res.Error != nil {
		return false, apperr.Internal(res.Error, "error awarding badge "+spec.Name)
	}

	return res.RowsAffected > 0, nil
}
