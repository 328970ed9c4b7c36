package users

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
)

func setupHandler(t *testing.T) (*gorm.DB, *Handler) {
	t.Helper()
	t.Setenv("SECRET_KEY", "test-secret")
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
		&models.Comment{},
		&models.Like{},
		&models.Badge{},
		&models.UserBadge{},
	))
	return db, NewHandler(db)
}

func postJSON(t *testing.T, h http.HandlerFunc, target string, payload interface{}) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodPost, target, bytes.NewReader(body)))
	return rec
}

func authedRequest(method, target string, userID uint, vars map[string]string) *http.Request {
	req := httptest.NewRequest(method, target, nil)
	ctx := context.WithValue(req.Context(), utils.UserIDKey, userID)
	req = req.WithContext(ctx)
	if vars != nil {
		req = mux.SetURLVars(req, vars)
	}
	return req
}

func TestRegisterAndLogin(t *testing.T) {
	db, h := setupHandler(t)

	rec := postJSON(t, h.Register, "/auth/register", registerRequest{
		Username: "alice", FullName: "Alice B", Email: "Alice@Example.com", Password: "supersecret",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var regResp struct {
		User  models.User `json:"user"`
		Token string      `json:"token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &regResp))
	require.NotEmpty(t, regResp.Token)
	require.Equal(t, "alice@example.com", regResp.User.Email)

	// The password hash never appears in responses.
	require.NotContains(t, rec.Body.String(), "password_hash")

	var stored models.User
	require.NoError(t, db.First(&stored).Error)
	require.NotEqual(t, "supersecret", stored.PasswordHash)

	rec = postJSON(t, h.Login, "/auth/login", loginRequest{Username: "alice", Password: "supersecret"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = postJSON(t, h.Login, "/auth/login", loginRequest{Username: "alice", Password: "wrong"})
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRegisterDuplicateUsername(t *testing.T) {
	_, h := setupHandler(t)

	rec := postJSON(t, h.Register, "/auth/register", registerRequest{
		Username: "alice", Email: "a@example.com", Password: "supersecret",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = postJSON(t, h.Register, "/auth/register", registerRequest{
		Username: "alice", Email: "other@example.com", Password: "supersecret",
	})
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestRegisterShortPassword(t *testing.T) {
	_, h := setupHandler(t)
	rec := postJSON(t, h.Register, "/auth/register", registerRequest{
		Username: "alice", Email: "a@example.com", Password: "short",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStats(t *testing.T) {
	db, h := setupHandler(t)

	user := &models.User{Username: "alice", Email: "a@example.com", PasswordHash: "x"}
	require.NoError(t, db.Create(user).Error)
	fan := &models.User{Username: "fan", Email: "fan@example.com", PasswordHash: "x"}
	require.NoError(t, db.Create(fan).Error)
	group := &models.Group{Name: "Trip", CreatedByID: user.ID}
	require.NoError(t, db.Create(group).Error)

	post := &models.DiaryPost{GroupID: group.ID, AuthorID: user.ID, Title: "t", Content: "c"}
	require.NoError(t, db.Create(post).Error)
	// Chat messages do not count as posts.
	require.NoError(t, db.Create(&models.DiaryPost{
		GroupID: group.ID, AuthorID: user.ID, Title: "Chat message", Content: "hi", IsChatMessage: true,
	}).Error)
	require.NoError(t, db.Create(&models.Like{PostID: post.ID, UserID: fan.ID}).Error)
	require.NoError(t, db.Create(&models.Comment{PostID: post.ID, AuthorID: user.ID, Content: "mine"}).Error)

	rec := httptest.NewRecorder()
	h.Stats(rec, authedRequest(http.MethodGet, "/users/1/stats", fan.ID,
		map[string]string{"id": fmt.Sprint(user.ID)}))
	require.Equal(t, http.StatusOK, rec.Code)

	var stats map[string]int64
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	require.Equal(t, int64(1), stats["post_count"])
	require.Equal(t, int64(1), stats["likes_count"])
	require.Equal(t, int64(1), stats["comments_count"])
}

func TestLeaderboardOrdering(t *testing.T) {
	db, h := setupHandler(t)

	prolific := &models.User{Username: "prolific", Email: "p@example.com", PasswordHash: "x"}
	quiet := &models.User{Username: "quiet", Email: "q@example.com", PasswordHash: "x"}
	require.NoError(t, db.Create(prolific).Error)
	require.NoError(t, db.Create(quiet).Error)
	group := &models.Group{Name: "Trip", CreatedByID: prolific.ID}
	require.NoError(t, db.Create(group).Error)

	for i := 0; i < 3; i++ {
		require.NoError(t, db.Create(&models.DiaryPost{
			GroupID: group.ID, AuthorID: prolific.ID, Title: fmt.Sprintf("p%d", i), Content: "c",
		}).Error)
	}
	require.NoError(t, db.Create(&models.DiaryPost{
		GroupID: group.ID, AuthorID: quiet.ID, Title: "q", Content: "c",
	}).Error)

	rec := httptest.NewRecorder()
	h.Leaderboard(rec, authedRequest(http.MethodGet, "/users/leaderboard", prolific.ID, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var entries []leaderboardEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 2)
	require.Equal(t, "prolific", entries[0].Username)
	require.Equal(t, int64(3), entries[0].PostCount)
	require.Greater(t, entries[0].Score, entries[1].Score)
}

func TestLeaderboardGroupFilter(t *testing.T) {
	db, h := setupHandler(t)

	user := &models.User{Username: "alice", Email: "a@example.com", PasswordHash: "x"}
	require.NoError(t, db.Create(user).Error)
	g1 := &models.Group{Name: "One", CreatedByID: user.ID}
	g2 := &models.Group{Name: "Two", CreatedByID: user.ID}
	require.NoError(t, db.Create(g1).Error)
	require.NoError(t, db.Create(g2).Error)

	require.NoError(t, db.Create(&models.DiaryPost{
		GroupID: g1.ID, AuthorID: user.ID, Title: "in g1", Content: "c",
	}).Error)
	require.NoError(t, db.Create(&models.DiaryPost{
		GroupID: g2.ID, AuthorID: user.ID, Title: "in g2", Content: "c",
	}).Error)

	rec := httptest.NewRecorder()
	h.Leaderboard(rec, authedRequest(http.MethodGet,
		fmt.Sprintf("/users/leaderboard?group_id=%d", g1.ID), user.ID, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var entries []leaderboardEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Equal(t, int64(1), entries[0].PostCount)
}

func TestBadgesEndpoint(t *testing.T) {
	db, h := setupHandler(t)

	user := &models.User{Username: "alice", Email: "a@example.com", PasswordHash: "x"}
	require.NoError(t, db.Create(user).Error)
	badge := &models.Badge{Name: "Explorer", Description: "d"}
	require.NoError(t, db.Create(badge).Error)
	require.NoError(t, db.Create(&models.UserBadge{UserID: user.ID, BadgeID: badge.ID}).Error)

	rec := httptest.NewRecorder()
	h.Badges(rec, authedRequest(http.MethodGet, "/users/1/badges", user.ID,
		map[string]string{"id": fmt.Sprint(user.ID)}))
	require.Equal(t, http.StatusOK, rec.Code)

	var earned []models.UserBadge
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &earned))
	require.Len(t, earned, 1)
	require.Equal(t, "Explorer", earned[0].Badge.Name)
}

func TestUpdateUserOwnProfileOnly(t *testing.T) {
	db, h := setupHandler(t)

	alice := &models.User{Username: "alice", Email: "a@example.com", PasswordHash: "x"}
	bob := &models.User{Username: "bob", Email: "b@example.com", PasswordHash: "x"}
	require.NoError(t, db.Create(alice).Error)
	require.NoError(t, db.Create(bob).Error)

	body, _ := json.Marshal(map[string]string{"full_name": "Impostor"})
	req := httptest.NewRequest(http.MethodPut, "/users/1", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req = req.WithContext(context.WithValue(req.Context(), utils.UserIDKey, bob.ID))
	req = mux.SetURLVars(req, map[string]string{"id": fmt.Sprint(alice.ID)})

	rec := httptest.NewRecorder()
	h.UpdateUser(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)
}
