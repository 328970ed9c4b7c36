package badges

import (
	"github.com/triptales/triptales-server/cmd/models"
	"gorm.io/gorm"
)

// Activity aggregates read-only evidence about one user's posts, media and
// likes. Rule predicates consume it and never write anything.
type Activity struct {
	db     *gorm.DB
	userID uint
}

func NewActivity(db *gorm.DB, userID uint) *Activity {
	return &Activity{db: db, userID: userID}
}

// DistinctLocations counts distinct non-empty location names across the
// user's diary posts.
func (a *Activity) DistinctLocations() (int64, error) {
	var count int64
	err := a.db.Model(&models.DiaryPost{}).
		Where("author_id = ? AND location_name <> ''", a.userID).
		Distinct("location_name").
		Count(&count).Error
	return count, err
}

// MediaWithOCR counts media on the user's posts carrying non-empty OCR text.
func (a *Activity) MediaWithOCR() (int64, error) {
	return a.countMedia("post_media.ocr_text <> ''")
}

// MediaWithObjects counts media on the user's posts carrying a
// detected-objects payload.
func (a *Activity) MediaWithObjects() (int64, error) {
	return a.countMedia("post_media.detected_objects IS NOT NULL")
}

// ImageCount counts image media on the user's posts.
func (a *Activity) ImageCount() (int64, error) {
	return a.countMedia("post_media.media_type = 'image'")
}

// MediaWithCaption counts media on the user's posts carrying a generated
// caption.
func (a *Activity) MediaWithCaption() (int64, error) {
	return a.countMedia("post_media.caption <> ''")
}

// LikesReceived sums like counts across every post the user authored.
func (a *Activity) LikesReceived() (int64, error) {
	var count int64
	err := a.db.Model(&models.Like{}).
		Joins("JOIN diary_posts ON diary_posts.id = likes.post_id").
		Where("diary_posts.author_id = ? AND diary_posts.deleted_at IS NULL", a.userID).
		Count(&count).Error
	return count, err
}

func (a *Activity) countMedia(condition string) (int64, error) {
	var count int64
	err := a.db.Model(&models.PostMedia{}).
		Joins("JOIN diary_posts ON diary_posts.id = post_media.post_id").
		Where("diary_posts.author_id = ? AND diary_posts.deleted_at IS NULL", a.userID).
		Where(condition).
		Count(&count).Error
	return count, err
}
