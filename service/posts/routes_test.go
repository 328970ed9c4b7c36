package posts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/triptales/triptales-server/cmd/models"
	"github.com/triptales/triptales-server/cmd/utils"
	"github.com/triptales/triptales-server/service/badges"
	"github.com/triptales/triptales-server/service/membership"
)

func setupHandler(t *testing.T) (*gorm.DB, *Handler) {
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
		&models.Comment{},
		&models.Like{},
		&models.Badge{},
		&models.UserBadge{},
	))
	members := membership.NewStore(db)
	return db, NewHandler(db, members, badges.NewEngine(db))
}

func seedMember(t *testing.T, db *gorm.DB, username string, groupID uint) *models.User {
	t.Helper()
	u := &models.User{Username: username, Email: username + "@example.com", PasswordHash: "x"}
	require.NoError(t, db.Create(u).Error)
	if groupID != 0 {
		require.NoError(t, db.Create(&models.GroupMembership{
			UserID: u.ID, GroupID: groupID, Role: models.RoleMember,
		}).Error)
	}
	return u
}

func seedGroup(t *testing.T, db *gorm.DB) *models.Group {
	t.Helper()
	g := &models.Group{Name: "Trip", CreatedByID: 1}
	require.NoError(t, db.Create(g).Error)
	return g
}

func authedRequest(method, target string, body []byte, userID uint, vars map[string]string) *http.Request {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	ctx := context.WithValue(req.Context(), utils.UserIDKey, userID)
	req = req.WithContext(ctx)
	if vars != nil {
		req = mux.SetURLVars(req, vars)
	}
	return req
}

func TestCreatePostRequiresMembership(t *testing.T) {
	db, h := setupHandler(t)
	group := seedGroup(t, db)
	outsider := seedMember(t, db, "outsider", 0)

	body, _ := json.Marshal(createPostRequest{GroupID: group.ID, Title: "Day 1"})
	rec := httptest.NewRecorder()
	h.CreatePost(rec, authedRequest(http.MethodPost, "/posts", body, outsider.ID, nil))

	require.Equal(t, http.StatusForbidden, rec.Code)

	var count int64
	require.NoError(t, db.Model(&models.DiaryPost{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestCreatePost(t *testing.T) {
	db, h := setupHandler(t)
	group := seedGroup(t, db)
	author := seedMember(t, db, "author", group.ID)

	lat, lon := 41.9028, 12.4964
	body, _ := json.Marshal(createPostRequest{
		GroupID: group.ID, Title: "Colosseum", Content: "crowded but worth it",
		Latitude: &lat, Longitude: &lon, LocationName: "Rome",
	})
	rec := httptest.NewRecorder()
	h.CreatePost(rec, authedRequest(http.MethodPost, "/posts", body, author.ID, nil))

	require.Equal(t, http.StatusCreated, rec.Code)

	var post models.DiaryPost
	require.NoError(t, db.First(&post).Error)
	require.Equal(t, "Colosseum", post.Title)
	require.Equal(t, author.ID, post.AuthorID)
	require.False(t, post.IsChatMessage)
}

func TestLikeToggle(t *testing.T) {
	db, h := setupHandler(t)
	group := seedGroup(t, db)
	author := seedMember(t, db, "author", group.ID)
	liker := seedMember(t, db, "liker", group.ID)

	post := &models.DiaryPost{GroupID: group.ID, AuthorID: author.ID, Title: "t", Content: "c"}
	require.NoError(t, db.Create(post).Error)
	vars := map[string]string{"id": fmt.Sprint(post.ID)}

	// First call likes.
	rec := httptest.NewRecorder()
	h.LikePost(rec, authedRequest(http.MethodPost, "/posts/1/like", nil, liker.ID, vars))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Liked      bool  `json:"liked"`
		TotalLikes int64 `json:"total_likes"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.Liked)
	require.Equal(t, int64(1), resp.TotalLikes)

	// Second call unlikes.
	rec = httptest.NewRecorder()
	h.LikePost(rec, authedRequest(http.MethodPost, "/posts/1/like", nil, liker.ID, vars))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.False(t, resp.Liked)
	require.Equal(t, int64(0), resp.TotalLikes)

	// Third call likes again without hitting the unique constraint.
	rec = httptest.NewRecorder()
	h.LikePost(rec, authedRequest(http.MethodPost, "/posts/1/like", nil, liker.ID, vars))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.Liked)
	require.Equal(t, int64(1), resp.TotalLikes)
}

func TestLikeRequiresMembership(t *testing.T) {
	db, h := setupHandler(t)
	group := seedGroup(t, db)
	author := seedMember(t, db, "author", group.ID)
	outsider := seedMember(t, db, "outsider", 0)

	post := &models.DiaryPost{GroupID: group.ID, AuthorID: author.ID, Title: "t", Content: "c"}
	require.NoError(t, db.Create(post).Error)

	rec := httptest.NewRecorder()
	h.LikePost(rec, authedRequest(http.MethodPost, "/posts/1/like", nil, outsider.ID,
		map[string]string{"id": fmt.Sprint(post.ID)}))
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestGetNearbyFiltersAndSorts(t *testing.T) {
	db, h := setupHandler(t)
	group := seedGroup(t, db)
	user := seedMember(t, db, "user", group.ID)

	mkPost := func(title string, lat, lon float64) {
		require.NoError(t, db.Create(&models.DiaryPost{
			GroupID: group.ID, AuthorID: user.ID, Title: title, Content: "c",
			Latitude: &lat, Longitude: &lon,
		}).Error)
	}
	mkPost("duomo", 45.4642, 9.1900)   // ~0 km from origin
	mkPost("navigli", 45.4480, 9.1700) // ~2.5 km
	mkPost("rome", 41.9028, 12.4964)   // ~480 km, outside radius
	// No coordinates: never a candidate.
	require.NoError(t, db.Create(&models.DiaryPost{
		GroupID: group.ID, AuthorID: user.ID, Title: "untagged", Content: "c",
	}).Error)

	rec := httptest.NewRecorder()
	h.GetNearby(rec, authedRequest(http.MethodGet,
		"/posts/nearby?lat=45.4642&lon=9.1900&radius_km=10", nil, user.ID, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var results []nearbyPost
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &results))
	require.Len(t, results, 2)
	require.Equal(t, "duomo", results[0].Title)
	require.Equal(t, "navigli", results[1].Title)
	require.Less(t, results[0].DistanceKm, results[1].DistanceKm)
}

func TestGetNearbyDefaultRadius(t *testing.T) {
	db, h := setupHandler(t)
	group := seedGroup(t, db)
	user := seedMember(t, db, "user", group.ID)

	lat, lon := 45.4642, 9.1900
	require.NoError(t, db.Create(&models.DiaryPost{
		GroupID: group.ID, AuthorID: user.ID, Title: "close", Content: "c",
		Latitude: &lat, Longitude: &lon,
	}).Error)

	rec := httptest.NewRecorder()
	h.GetNearby(rec, authedRequest(http.MethodGet,
		"/posts/nearby?lat=45.4642&lon=9.1900", nil, user.ID, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var results []nearbyPost
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &results))
	require.Len(t, results, 1)
}

func TestGetNearbyMissingCoordinates(t *testing.T) {
	_, h := setupHandler(t)
	rec := httptest.NewRecorder()
	h.GetNearby(rec, authedRequest(http.MethodGet, "/posts/nearby", nil, 1, nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeletePostOwnerOnly(t *testing.T) {
	db, h := setupHandler(t)
	group := seedGroup(t, db)
	author := seedMember(t, db, "author", group.ID)
	other := seedMember(t, db, "other", group.ID)

	post := &models.DiaryPost{GroupID: group.ID, AuthorID: author.ID, Title: "t", Content: "c"}
	require.NoError(t, db.Create(post).Error)
	require.NoError(t, db.Create(&models.Comment{PostID: post.ID, AuthorID: other.ID, Content: "nice"}).Error)
	require.NoError(t, db.Create(&models.Like{PostID: post.ID, UserID: other.ID}).Error)
	vars := map[string]string{"id": fmt.Sprint(post.ID)}

	rec := httptest.NewRecorder()
	h.DeletePost(rec, authedRequest(http.MethodDelete, "/posts/1", nil, other.ID, vars))
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = httptest.NewRecorder()
	h.DeletePost(rec, authedRequest(http.MethodDelete, "/posts/1", nil, author.ID, vars))
	require.Equal(t, http.StatusOK, rec.Code)

	var count int64
	require.NoError(t, db.Model(&models.DiaryPost{}).Count(&count).Error)
	require.Zero(t, count)
	require.NoError(t, db.Model(&models.Like{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestFeedSkipsChatMessagesAndForeignGroups(t *testing.T) {
	db, h := setupHandler(t)
	group := seedGroup(t, db)
	otherGroup := &models.Group{Name: "Other", CreatedByID: 1}
	require.NoError(t, db.Create(otherGroup).Error)
	user := seedMember(t, db, "user", group.ID)

	require.NoError(t, db.Create(&models.DiaryPost{
		GroupID: group.ID, AuthorID: user.ID, Title: "visible", Content: "c",
	}).Error)
	require.NoError(t, db.Create(&models.DiaryPost{
		GroupID: group.ID, AuthorID: user.ID, Title: "Chat message", Content: "hi", IsChatMessage: true,
	}).Error)
	require.NoError(t, db.Create(&models.DiaryPost{
		GroupID: otherGroup.ID, AuthorID: user.ID, Title: "hidden", Content: "c",
	}).Error)

	rec := httptest.NewRecorder()
	h.GetFeed(rec, authedRequest(http.MethodGet, "/posts/feed", nil, user.ID, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var posts []models.DiaryPost
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &posts))
	require.Len(t, posts, 1)
	require.Equal(t, "visible", posts[0].Title)
}
