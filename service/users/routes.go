// Package users covers accounts: registration, login, profiles, the
// activity leaderboard and earned badges.
package users

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/mux"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/triptales/triptales-server/cmd/models"
	"github.com/triptales/triptales-server/cmd/utils"
	"github.com/triptales/triptales-server/pkg/apperr"
)

type Handler struct {
	db *gorm.DB
}

func NewHandler(db *gorm.DB) *Handler {
	return &Handler{db: db}
}

func (h *Handler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/auth/register", h.Register).Methods("POST")
	router.HandleFunc("/auth/login", h.Login).Methods("POST")
	router.HandleFunc("/users/me", utils.AuthMiddleware(h.Me)).Methods("GET")
	router.HandleFunc("/users/leaderboard", utils.AuthMiddleware(h.Leaderboard)).Methods("GET")
	router.HandleFunc("/users", utils.AuthMiddleware(h.GetUsers)).Methods("GET")
	router.HandleFunc("/users/{id}", utils.AuthMiddleware(h.GetUser)).Methods("GET")
	router.HandleFunc("/users/{id}", utils.AuthMiddleware(h.UpdateUser)).Methods("PUT")
	router.HandleFunc("/users/{id}/stats", utils.AuthMiddleware(h.Stats)).Methods("GET")
	router.HandleFunc("/users/{id}/badges", utils.AuthMiddleware(h.Badges)).Methods("GET")
}

type registerRequest struct {
	Username string `json:"username"`
	FullName string `json:"full_name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.WriteError(w, apperr.Validation("invalid request payload"))
		return
	}

	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	if req.Username == "" || req.Email == "" || req.Password == "" {
		utils.WriteError(w, apperr.Validation("username, email and password are required"))
		return
	}
	if len(req.Password) < 8 {
		utils.WriteError(w, apperr.Validation("password must be at least 8 characters"))
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		utils.WriteError(w, apperr.Internal(err, "failed to hash password"))
		return
	}

	user := models.User{
		Username:     req.Username,
		FullName:     req.FullName,
		Email:        req.Email,
		PasswordHash: string(hash),
	}
	if err := h.db.Create(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			utils.WriteError(w, apperr.Conflict("username or email already taken"))
			return
		}
		utils.WriteError(w, apperr.Internal(err, "failed to create user"))
		return
	}

	token, err := issueToken(user.ID)
	if err != nil {
		utils.WriteError(w, apperr.Internal(err, "failed to issue token"))
		return
	}

	utils.WriteJSON(w, http.StatusCreated, map[string]interface{}{
		"user":  user,
		"token": token,
	})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.WriteError(w, apperr.Validation("invalid request payload"))
		return
	}

	var user models.User
	if err := h.db.Where("username = ? OR email = ?", req.Username, strings.ToLower(req.Username)).
		First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			utils.WriteError(w, apperr.Permission("invalid credentials"))
			return
		}
		utils.WriteError(w, apperr.Internal(err, "failed to load user"))
		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		utils.WriteError(w, apperr.Permission("invalid credentials"))
		return
	}

	token, err := issueToken(user.ID)
	if err != nil {
		utils.WriteError(w, apperr.Internal(err, "failed to issue token"))
		return
	}

	utils.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"user":  user,
		"token": token,
	})
}

func issueToken(userID uint) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   strconv.FormatUint(uint64(userID), 10),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(7 * 24 * time.Hour)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(os.Getenv("SECRET_KEY")))
}

func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	userID, err := utils.GetUserIDFromContext(r.Context())
	if err != nil {
		utils.WriteError(w, apperr.Permission("authentication required"))
		return
	}

	var user models.User
	if err := h.db.Preload("Badges.Badge").First(&user, userID).Error; err != nil {
		utils.WriteError(w, apperr.Internal(err, "failed to load user"))
		return
	}
	utils.WriteJSON(w, http.StatusOK, user)
}

func (h *Handler) GetUsers(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("q"))

	db := h.db.Order("username ASC").Limit(50)
	if query != "" {
		db = db.Where("LOWER(username) LIKE ?", "%"+strings.ToLower(query)+"%")
	}

	var users []models.User
	if err := db.Find(&users).Error; err != nil {
		utils.WriteError(w, apperr.Internal(err, "failed to fetch users"))
		return
	}
	utils.WriteJSON(w, http.StatusOK, users)
}

func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	user, err := h.loadUser(r)
	if err != nil {
		utils.WriteError(w, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, user)
}

// UpdateUser edits a profile. Accepts either JSON fields or a multipart form
// carrying a new profile picture.
func (h *Handler) UpdateUser(w http.ResponseWriter, r *http.Request) {
	callerID, err := utils.GetUserIDFromContext(r.Context())
	if err != nil {
		utils.WriteError(w, apperr.Permission("authentication required"))
		return
	}

	user, err := h.loadUser(r)
	if err != nil {
		utils.WriteError(w, err)
		return
	}
	if user.ID != callerID {
		utils.WriteError(w, apperr.Permission("you can only update your own profile"))
		return
	}

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(utils.MaxMediaSize); err != nil {
			utils.WriteError(w, apperr.Validation("failed to parse form"))
			return
		}
		if fullName := r.FormValue("full_name"); fullName != "" {
			user.FullName = fullName
		}
		if file, header, err := r.FormFile("profile_picture"); err == nil {
			defer file.Close()
			url, err := utils.SaveMedia(file, header)
			if err != nil {
				utils.WriteError(w, apperr.Internal(err, "failed to save profile picture"))
				return
			}
			if user.ProfilePicturePath != "" {
				utils.DeleteMedia(user.ProfilePicturePath)
			}
			user.ProfilePicturePath = url
		}
	} else {
		var req struct {
			FullName *string `json:"full_name"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			utils.WriteError(w, apperr.Validation("invalid request payload"))
			return
		}
		if req.FullName != nil {
			user.FullName = *req.FullName
		}
	}

	if err := h.db.Save(user).Error; err != nil {
		utils.WriteError(w, apperr.Internal(err, "failed to update user"))
		return
	}
	utils.WriteJSON(w, http.StatusOK, user)
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	user, err := h.loadUser(r)
	if err != nil {
		utils.WriteError(w, err)
		return
	}

	var postCount, likesCount, commentsCount int64
	if err := h.db.Model(&models.DiaryPost{}).
		Where("author_id = ? AND is_chat_message = ?", user.ID, false).
		Count(&postCount).Error; err != nil {
		utils.WriteError(w, apperr.Internal(err, "failed to count posts"))
		return
	}
	if err := h.db.Model(&models.Like{}).
		Joins("JOIN diary_posts ON diary_posts.id = likes.post_id").
		Where("diary_posts.author_id = ? AND diary_posts.deleted_at IS NULL", user.ID).
		Count(&likesCount).Error; err != nil {
		utils.WriteError(w, apperr.Internal(err, "failed to count likes"))
		return
	}
	if err := h.db.Model(&models.Comment{}).
		Where("author_id = ?", user.ID).
		Count(&commentsCount).Error; err != nil {
		utils.WriteError(w, apperr.Internal(err, "failed to count comments"))
		return
	}

	utils.WriteJSON(w, http.StatusOK, map[string]int64{
		"post_count":     postCount,
		"likes_count":    likesCount,
		"comments_count": commentsCount,
	})
}

type leaderboardEntry struct {
	UserID    uint   `json:"user_id"`
	Username  string `json:"username"`
	PostCount int64  `json:"post_count"`
	LikeCount int64  `json:"like_count"`
	Score     int64  `json:"score"`

	Badges []models.UserBadge `json:"badges" gorm:"-"`
}

// Leaderboard ranks users by activity: a post is worth one point, a like
// received two, a comment written one. Optional group filter restricts the
// counted posts to one group.
func (h *Handler) Leaderboard(w http.ResponseWriter, r *http.Request) {
	postCond := "diary_posts.author_id = users.id AND diary_posts.is_chat_message = FALSE AND diary_posts.deleted_at IS NULL"
	var condArgs []interface{}
	if raw := r.URL.Query().Get("group_id"); raw != "" {
		groupID, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			utils.WriteError(w, apperr.Validation("invalid group_id"))
			return
		}
		postCond += " AND diary_posts.group_id = ?"
		condArgs = append(condArgs, uint(groupID))
	}

	// The condition appears four times in the select list, so its
	// arguments do too.
	var args []interface{}
	for i := 0; i < 4; i++ {
		args = append(args, condArgs...)
	}

	var entries []leaderboardEntry
	q := h.db.Model(&models.User{}).
		Select(`users.id AS user_id, users.username,
			(SELECT COUNT(*) FROM diary_posts WHERE `+postCond+`) AS post_count,
			(SELECT COUNT(*) FROM likes
				JOIN diary_posts ON diary_posts.id = likes.post_id
				WHERE `+postCond+`) AS like_count,
			(SELECT COUNT(*) FROM diary_posts WHERE `+postCond+`)
				+ 2 * (SELECT COUNT(*) FROM likes
					JOIN diary_posts ON diary_posts.id = likes.post_id
					WHERE `+postCond+`)
				+ (SELECT COUNT(*) FROM comments WHERE comments.author_id = users.id AND comments.deleted_at IS NULL) AS score`,
			args...).
		Order("score DESC").
		Limit(10)
	if err := q.Scan(&entries).Error; err != nil {
		utils.WriteError(w, apperr.Internal(err, "failed to build leaderboard"))
		return
	}

	for i := range entries {
		if err := h.db.
			Where("user_id = ?", entries[i].UserID).
			Preload("Badge").
			Find(&entries[i].Badges).Error; err != nil {
			utils.WriteError(w, apperr.Internal(err, "failed to load badges"))
			return
		}
	}

	utils.WriteJSON(w, http.StatusOK, entries)
}

func (h *Handler) Badges(w http.ResponseWriter, r *http.Request) {
	user, err := h.loadUser(r)
	if err != nil {
		utils.WriteError(w, err)
		return
	}

	var earned []models.UserBadge
	if err := h.db.
		Where("user_id = ?", user.ID).
		Preload("Badge").
		Order("earned_at ASC").
		Find(&earned).Error; err != nil {
		utils.WriteError(w, apperr.Internal(err, "failed to fetch badges"))
		return
	}
	utils.WriteJSON(w, http.StatusOK, earned)
}

func (h *Handler) loadUser(r *http.Request) (*models.User, error) {
	userID, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 32)
	if err != nil {
		return nil, apperr.Validation("invalid user ID")
	}
	var user models.User
	if err := h.db.First(&user, uint(userID)).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound(fmt.Sprintf("user %d not found", userID))
		}
		return nil, apperr.Internal(err, "failed to load user")
	}
	return &user, nil
}
