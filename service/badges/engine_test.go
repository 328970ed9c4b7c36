package badges

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/triptales/triptales-server/cmd/models"
)

func setupDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	// A pooled second connection would see its own empty in-memory database.
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(
		&models.User{},
		&models.Group{},
		&models.GroupMembership{},
		&models.DiaryPost{},
		&models.PostMedia{},
		&models.Like{},
		&models.Badge{},
		&models.UserBadge{},
	))
	return db
}

func seedUserAndGroup(t *testing.T, db *gorm.DB) (*models.User, *models.Group) {
	t.Helper()
	user := &models.User{Username: "traveler", Email: "traveler@example.com", PasswordHash: "x"}
	require.NoError(t, db.Create(user).Error)
	group := &models.Group{Name: "World Tour", CreatedByID: user.ID}
	require.NoError(t, db.Create(group).Error)
	return user, group
}

func createPost(t *testing.T, db *gorm.DB, userID, groupID uint, location string) *models.DiaryPost {
	t.Helper()
	post := &models.DiaryPost{
		GroupID:      groupID,
		AuthorID:     userID,
		Title:        "Day out",
		Content:      "notes",
		LocationName: location,
	}
	require.NoError(t, db.Create(post).Error)
	return post
}

func badgeNames(t *testing.T, db *gorm.DB, userID uint) []string {
	t.Helper()
	var names []string
	require.NoError(t, db.Model(&models.UserBadge{}).
		Joins("JOIN badges ON badges.id = user_badges.badge_id").
		Where("user_badges.user_id = ?", userID).
		Pluck("badges.name", &names).Error)
	return names
}

func TestExplorerNeedsFiveDistinctLocations(t *testing.T) {
	db := setupDB(t)
	engine := NewEngine(db)
	user, group := seedUserAndGroup(t, db)

	for i := 0; i < 4; i++ {
		createPost(t, db, user.ID, group.ID, fmt.Sprintf("City %d", i))
	}
	// A repeated location does not count twice.
	createPost(t, db, user.ID, group.ID, "City 0")

	awarded, err := engine.EvaluateAll(user.ID)
	require.NoError(t, err)
	require.NotContains(t, awarded, "Explorer")

	createPost(t, db, user.ID, group.ID, "City 4")

	awarded, err = engine.EvaluateAll(user.ID)
	require.NoError(t, err)
	require.Contains(t, awarded, "Explorer")
	require.Contains(t, badgeNames(t, db, user.ID), "Explorer")
}

func TestEvaluateAllIsIdempotent(t *testing.T) {
	db := setupDB(t)
	engine := NewEngine(db)
	user, group := seedUserAndGroup(t, db)

	for i := 0; i < 5; i++ {
		createPost(t, db, user.ID, group.ID, fmt.Sprintf("City %d", i))
	}

	awarded, err := engine.EvaluateAll(user.ID)
	require.NoError(t, err)
	require.Contains(t, awarded, "Explorer")

	var before models.UserBadge
	require.NoError(t, db.Where("user_id = ?", user.ID).First(&before).Error)

	// No new activity: nothing is re-awarded, EarnedAt is untouched.
	awarded, err = engine.EvaluateAll(user.ID)
	require.NoError(t, err)
	require.Empty(t, awarded)

	var after models.UserBadge
	require.NoError(t, db.Where("user_id = ?", user.ID).First(&after).Error)
	require.Equal(t, before.EarnedAt, after.EarnedAt)

	var count int64
	require.NoError(t, db.Model(&models.UserBadge{}).
		Where("user_id = ?", user.ID).Count(&count).Error)
	require.Equal(t, int64(1), count)
}

func TestSocialAtExactThreshold(t *testing.T) {
	db := setupDB(t)
	engine := NewEngine(db)
	user, group := seedUserAndGroup(t, db)
	post := createPost(t, db, user.ID, group.ID, "")

	for i := 0; i < 14; i++ {
		fan := &models.User{Username: fmt.Sprintf("fan%d", i), Email: fmt.Sprintf("fan%d@example.com", i), PasswordHash: "x"}
		require.NoError(t, db.Create(fan).Error)
		require.NoError(t, db.Create(&models.Like{PostID: post.ID, UserID: fan.ID}).Error)
	}

	awarded, err := engine.EvaluateAll(user.ID)
	require.NoError(t, err)
	require.NotContains(t, awarded, "Social")

	lastFan := &models.User{Username: "fan14", Email: "fan14@example.com", PasswordHash: "x"}
	require.NoError(t, db.Create(lastFan).Error)
	require.NoError(t, db.Create(&models.Like{PostID: post.ID, UserID: lastFan.ID}).Error)

	awarded, err = engine.EvaluateAll(user.ID)
	require.NoError(t, err)
	require.Contains(t, awarded, "Social")
}

func TestTranslatorAndPolyglotThresholds(t *testing.T) {
	db := setupDB(t)
	engine := NewEngine(db)
	user, group := seedUserAndGroup(t, db)
	post := createPost(t, db, user.ID, group.ID, "")

	for i := 0; i < 3; i++ {
		require.NoError(t, db.Create(&models.PostMedia{
			PostID: post.ID, MediaType: "image", URL: fmt.Sprintf("/media/%d.jpg", i),
			OCRText: "bonjour",
		}).Error)
	}

	awarded, err := engine.EvaluateAll(user.ID)
	require.NoError(t, err)
	require.Contains(t, awarded, "Translator")
	require.NotContains(t, awarded, "Polyglot")

	for i := 3; i < 10; i++ {
		require.NoError(t, db.Create(&models.PostMedia{
			PostID: post.ID, MediaType: "image", URL: fmt.Sprintf("/media/%d.jpg", i),
			OCRText: "hola",
		}).Error)
	}

	awarded, err = engine.EvaluateAll(user.ID)
	require.NoError(t, err)
	require.Contains(t, awarded, "Polyglot")
	// Translator was already awarded in the first pass.
	require.NotContains(t, awarded, "Translator")
}

func TestAIExplorerNeedsAllThreeFeatures(t *testing.T) {
	db := setupDB(t)
	engine := NewEngine(db)
	user, group := seedUserAndGroup(t, db)
	post := createPost(t, db, user.ID, group.ID, "")

	objects := `["dog","fountain"]`
	require.NoError(t, db.Create(&models.PostMedia{
		PostID: post.ID, MediaType: "image", URL: "/media/a.jpg",
		OCRText: "ciao", DetectedObjects: &objects,
	}).Error)

	awarded, err := engine.EvaluateAll(user.ID)
	require.NoError(t, err)
	require.NotContains(t, awarded, "AI Explorer")

	require.NoError(t, db.Create(&models.PostMedia{
		PostID: post.ID, MediaType: "image", URL: "/media/b.jpg",
		Caption: "a dog by a fountain",
	}).Error)

	awarded, err = engine.EvaluateAll(user.ID)
	require.NoError(t, err)
	require.Contains(t, awarded, "AI Explorer")
}

func TestPhotographerCountsImagesOnly(t *testing.T) {
	db := setupDB(t)
	engine := NewEngine(db)
	user, group := seedUserAndGroup(t, db)
	post := createPost(t, db, user.ID, group.ID, "")

	for i := 0; i < 19; i++ {
		require.NoError(t, db.Create(&models.PostMedia{
			PostID: post.ID, MediaType: "image", URL: fmt.Sprintf("/media/%d.jpg", i),
		}).Error)
	}
	// Videos do not count toward Photographer.
	require.NoError(t, db.Create(&models.PostMedia{
		PostID: post.ID, MediaType: "video", URL: "/media/clip.mp4",
	}).Error)

	awarded, err := engine.EvaluateAll(user.ID)
	require.NoError(t, err)
	require.NotContains(t, awarded, "Photographer")

	require.NoError(t, db.Create(&models.PostMedia{
		PostID: post.ID, MediaType: "image", URL: "/media/19.jpg",
	}).Error)

	awarded, err = engine.EvaluateAll(user.ID)
	require.NoError(t, err)
	require.Contains(t, awarded, "Photographer")
}

func TestActivityIgnoresOtherUsers(t *testing.T) {
	db := setupDB(t)
	engine := NewEngine(db)
	user, group := seedUserAndGroup(t, db)
	other := &models.User{Username: "other", Email: "other@example.com", PasswordHash: "x"}
	require.NoError(t, db.Create(other).Error)

	for i := 0; i < 5; i++ {
		createPost(t, db, other.ID, group.ID, fmt.Sprintf("City %d", i))
	}

	awarded, err := engine.EvaluateAll(user.ID)
	require.NoError(t, err)
	require.Empty(t, awarded)
	require.Empty(t, badgeNames(t, db, user.ID))
}
