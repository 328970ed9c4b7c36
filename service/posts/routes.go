// Package posts serves the diary feed: authoring, liking and commenting on
// trip posts, media attachments with their ML annotations, and the
// proximity feed.
package posts

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"gorm.io/gorm"

	"github.com/triptales/triptales-server/cmd/models"
	"github.com/triptales/triptales-server/cmd/utils"
	"github.com/triptales/triptales-server/pkg/apperr"
	"github.com/triptales/triptales-server/pkg/geo"
	"github.com/triptales/triptales-server/service/badges"
	"github.com/triptales/triptales-server/service/membership"
)

type Handler struct {
	db      *gorm.DB
	members *membership.Store
	badges  *badges.Engine
}

func NewHandler(db *gorm.DB, members *membership.Store, badges *badges.Engine) *Handler {
	return &Handler{db: db, members: members, badges: badges}
}

func (h *Handler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/posts", utils.AuthMiddleware(h.CreatePost)).Methods("POST")
	router.HandleFunc("/posts/feed", utils.AuthMiddleware(h.GetFeed)).Methods("GET")
	router.HandleFunc("/posts/mine", utils.AuthMiddleware(h.GetMyPosts)).Methods("GET")
	router.HandleFunc("/posts/nearby", utils.AuthMiddleware(h.GetNearby)).Methods("GET")
	router.HandleFunc("/posts/{id}", utils.AuthMiddleware(h.GetPost)).Methods("GET")
	router.HandleFunc("/posts/{id}", utils.AuthMiddleware(h.DeletePost)).Methods("DELETE")
	router.HandleFunc("/posts/{id}/like", utils.AuthMiddleware(h.LikePost)).Methods("POST")
	router.HandleFunc("/posts/{id}/comments", utils.AuthMiddleware(h.AddComment)).Methods("POST")
	router.HandleFunc("/posts/{id}/comments", utils.AuthMiddleware(h.GetComments)).Methods("GET")
	router.HandleFunc("/comments/{id}", utils.AuthMiddleware(h.UpdateComment)).Methods("PUT")
	router.HandleFunc("/comments/{id}", utils.AuthMiddleware(h.DeleteComment)).Methods("DELETE")
	router.HandleFunc("/posts/{id}/media", utils.AuthMiddleware(h.UploadMedia)).Methods("POST")
	router.HandleFunc("/media/{id}/ml-results", utils.AuthMiddleware(h.ProcessMLResults)).Methods("PUT")
	router.HandleFunc("/media/{filename}", h.ServeMedia).Methods("GET")
}

type createPostRequest struct {
	GroupID      uint     `json:"group_id"`
	Title        string   `json:"title"`
	Content      string   `json:"content"`
	Latitude     *float64 `json:"latitude"`
	Longitude    *float64 `json:"longitude"`
	LocationName string   `json:"location_name"`
}

func (h *Handler) CreatePost(w http.ResponseWriter, r *http.Request) {
	userID, err := utils.GetUserIDFromContext(r.Context())
	if err != nil {
		utils.WriteError(w, apperr.Permission("authentication required"))
		return
	}

	var req createPostRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.WriteError(w, apperr.Validation("invalid request payload"))
		return
	}
	if req.GroupID == 0 || req.Title == "" {
		utils.WriteError(w, apperr.Validation("group_id and title are required"))
		return
	}

	member, err := h.members.IsMember(userID, req.GroupID)
	if err != nil {
		utils.WriteError(w, apperr.Internal(err, "failed to verify membership"))
		return
	}
	if !member {
		utils.WriteError(w, apperr.Permission("you are not a member of this group"))
		return
	}

	post := models.DiaryPost{
		GroupID:      req.GroupID,
		AuthorID:     userID,
		Title:        req.Title,
		Content:      req.Content,
		Latitude:     req.Latitude,
		Longitude:    req.Longitude,
		LocationName: req.LocationName,
	}
	if err := h.db.Create(&post).Error; err != nil {
		utils.WriteError(w, apperr.Internal(err, "failed to create post"))
		return
	}

	h.badges.EvaluateBestEffort(userID)

	utils.WriteJSON(w, http.StatusCreated, post)
}

// GetFeed returns the latest diary posts across every group the caller
// belongs to, newest first. Chat messages never appear here.
func (h *Handler) GetFeed(w http.ResponseWriter, r *http.Request) {
	userID, err := utils.GetUserIDFromContext(r.Context())
	if err != nil {
		utils.WriteError(w, apperr.Permission("authentication required"))
		return
	}

	groupIDs, err := h.members.GroupIDs(userID)
	if err != nil {
		utils.WriteError(w, apperr.Internal(err, "failed to load groups"))
		return
	}
	if len(groupIDs) == 0 {
		utils.WriteJSON(w, http.StatusOK, []models.DiaryPost{})
		return
	}

	var posts []models.DiaryPost
	if err := h.db.
		Where("group_id IN ? AND is_chat_message = ?", groupIDs, false).
		Order("created_at DESC").
		Limit(20).
		Preload("Author").
		Preload("Media").
		Preload("Likes").
		Find(&posts).Error; err != nil {
		utils.WriteError(w, apperr.Internal(err, "failed to fetch feed"))
		return
	}

	utils.WriteJSON(w, http.StatusOK, posts)
}

func (h *Handler) GetMyPosts(w http.ResponseWriter, r *http.Request) {
	userID, err := utils.GetUserIDFromContext(r.Context())
	if err != nil {
		utils.WriteError(w, apperr.Permission("authentication required"))
		return
	}

	var posts []models.DiaryPost
	if err := h.db.
		Where("author_id = ? AND is_chat_message = ?", userID, false).
		Order("created_at DESC").
		Preload("Media").
		Preload("Likes").
		Find(&posts).Error; err != nil {
		utils.WriteError(w, apperr.Internal(err, "failed to fetch posts"))
		return
	}

	utils.WriteJSON(w, http.StatusOK, posts)
}

type nearbyPost struct {
	models.DiaryPost
	DistanceKm float64 `json:"distance_km"`
}

// GetNearby returns geotagged posts from the caller's groups within
// radius_km of the given point, closest first; equally distant posts are
// ordered newest first.
func (h *Handler) GetNearby(w http.ResponseWriter, r *http.Request) {
	userID, err := utils.GetUserIDFromContext(r.Context())
	if err != nil {
		utils.WriteError(w, apperr.Permission("authentication required"))
		return
	}

	lat, latErr := strconv.ParseFloat(r.URL.Query().Get("lat"), 64)
	lon, lonErr := strconv.ParseFloat(r.URL.Query().Get("lon"), 64)
	if latErr != nil || lonErr != nil {
		utils.WriteError(w, apperr.Validation("lat and lon query parameters are required"))
		return
	}

	radiusKm := geo.DefaultRadiusKm
	if raw := r.URL.Query().Get("radius_km"); raw != "" {
		radiusKm, err = strconv.ParseFloat(raw, 64)
		if err != nil || radiusKm <= 0 {
			utils.WriteError(w, apperr.Validation("radius_km must be a positive number"))
			return
		}
	}

	groupIDs, err := h.members.GroupIDs(userID)
	if err != nil {
		utils.WriteError(w, apperr.Internal(err, "failed to load groups"))
		return
	}
	if len(groupIDs) == 0 {
		utils.WriteJSON(w, http.StatusOK, []nearbyPost{})
		return
	}

	var candidates []models.DiaryPost
	if err := h.db.
		Where("group_id IN ? AND is_chat_message = ? AND latitude IS NOT NULL AND longitude IS NOT NULL",
			groupIDs, false).
		Preload("Author").
		Preload("Media").
		Find(&candidates).Error; err != nil {
		utils.WriteError(w, apperr.Internal(err, "failed to fetch posts"))
		return
	}

	origin := geo.Point{Latitude: lat, Longitude: lon}
	nearby := make([]nearbyPost, 0, len(candidates))
	for _, p := range candidates {
		d := geo.Distance(origin, geo.Point{Latitude: *p.Latitude, Longitude: *p.Longitude})
		if d <= radiusKm {
			nearby = append(nearby, nearbyPost{DiaryPost: p, DistanceKm: d})
		}
	}

	sort.Slice(nearby, func(i, j int) bool {
		if nearby[i].DistanceKm != nearby[j].DistanceKm {
			return nearby[i].DistanceKm < nearby[j].DistanceKm
		}
		return nearby[i].CreatedAt.After(nearby[j].CreatedAt)
	})

	utils.WriteJSON(w, http.StatusOK, nearby)
}

func (h *Handler) GetPost(w http.ResponseWriter, r *http.Request) {
	userID, err := utils.GetUserIDFromContext(r.Context())
	if err != nil {
		utils.WriteError(w, apperr.Permission("authentication required"))
		return
	}

	post, err := h.loadPost(r)
	if err != nil {
		utils.WriteError(w, err)
		return
	}

	if err := h.requireGroupAccess(userID, post); err != nil {
		utils.WriteError(w, err)
		return
	}

	utils.WriteJSON(w, http.StatusOK, post)
}

func (h *Handler) DeletePost(w http.ResponseWriter, r *http.Request) {
	userID, err := utils.GetUserIDFromContext(r.Context())
	if err != nil {
		utils.WriteError(w, apperr.Permission("authentication required"))
		return
	}

	post, err := h.loadPost(r)
	if err != nil {
		utils.WriteError(w, err)
		return
	}
	if err := requireOwner(userID, post); err != nil {
		utils.WriteError(w, err)
		return
	}

	tx := h.db.Begin()
	if tx.Error != nil {
		utils.WriteError(w, apperr.Internal(tx.Error, "failed to start transaction"))
		return
	}

	if err := tx.Where("post_id = ?", post.ID).Delete(&models.Like{}).Error; err != nil {
		tx.Rollback()
		utils.WriteError(w, apperr.Internal(err, "failed to delete likes"))
		return
	}
	if err := tx.Where("post_id = ?", post.ID).Delete(&models.Comment{}).Error; err != nil {
		tx.Rollback()
		utils.WriteError(w, apperr.Internal(err, "failed to delete comments"))
		return
	}

	var media []models.PostMedia
	if err := tx.Where("post_id = ?", post.ID).Find(&media).Error; err != nil {
		tx.Rollback()
		utils.WriteError(w, apperr.Internal(err, "failed to load media"))
		return
	}
	if err := tx.Where("post_id = ?", post.ID).Delete(&models.PostMedia{}).Error; err != nil {
		tx.Rollback()
		utils.WriteError(w, apperr.Internal(err, "failed to delete media"))
		return
	}
	if err := tx.Delete(post).Error; err != nil {
		tx.Rollback()
		utils.WriteError(w, apperr.Internal(err, "failed to delete post"))
		return
	}
	if err := tx.Commit().Error; err != nil {
		utils.WriteError(w, apperr.Internal(err, "failed to commit transaction"))
		return
	}

	for _, m := range media {
		utils.DeleteMedia(m.URL)
	}

	utils.WriteJSON(w, http.StatusOK, map[string]string{"message": "Post deleted successfully"})
}

// LikePost toggles the caller's like on a post. Liking somebody's post can
// push the author over a badge threshold, so award evaluation runs for the
// author on the like path only.
func (h *Handler) LikePost(w http.ResponseWriter, r *http.Request) {
	userID, err := utils.GetUserIDFromContext(r.Context())
	if err != nil {
		utils.WriteError(w, apperr.Permission("authentication required"))
		return
	}

	post, err := h.loadPost(r)
	if err != nil {
		utils.WriteError(w, err)
		return
	}
	if err := h.requireGroupAccess(userID, post); err != nil {
		utils.WriteError(w, err)
		return
	}

	tx := h.db.Begin()
	if tx.Error != nil {
		utils.WriteError(w, apperr.Internal(tx.Error, "failed to start transaction"))
		return
	}

	liked := false
	var existing models.Like
	err = tx.Where("post_id = ? AND user_id = ?", post.ID, userID).First(&existing).Error
	switch {
	case err == nil:
		if err := tx.Unscoped().Delete(&existing).Error; err != nil {
			tx.Rollback()
			utils.WriteError(w, apperr.Internal(err, "failed to remove like"))
			return
		}
	case errors.Is(err, gorm.ErrRecordNotFound):
		like := models.Like{PostID: post.ID, UserID: userID}
		if err := tx.Create(&like).Error; err != nil {
			tx.Rollback()
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				utils.WriteError(w, apperr.Conflict("you have already liked this post"))
				return
			}
			utils.WriteError(w, apperr.Internal(err, "failed to create like"))
			return
		}
		liked = true
	default:
		tx.Rollback()
		utils.WriteError(w, apperr.Internal(err, "failed to check like"))
		return
	}

	var total int64
	if err := tx.Model(&models.Like{}).Where("post_id = ?", post.ID).Count(&total).Error; err != nil {
		tx.Rollback()
		utils.WriteError(w, apperr.Internal(err, "failed to count likes"))
		return
	}
	if err := tx.Commit().Error; err != nil {
		utils.WriteError(w, apperr.Internal(err, "failed to commit transaction"))
		return
	}

	if liked {
		h.badges.EvaluateBestEffort(post.AuthorID)
	}

	message := "Post unliked"
	if liked {
		message = "Post liked"
	}
	utils.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"liked":       liked,
		"total_likes": total,
		"message":     message,
	})
}

type commentRequest struct {
	Content string `json:"content"`
}

func (h *Handler) AddComment(w http.ResponseWriter, r *http.Request) {
	userID, err := utils.GetUserIDFromContext(r.Context())
	if err != nil {
		utils.WriteError(w, apperr.Permission("authentication required"))
		return
	}

	post, err := h.loadPost(r)
	if err != nil {
		utils.WriteError(w, err)
		return
	}
	if err := h.requireGroupAccess(userID, post); err != nil {
		utils.WriteError(w, err)
		return
	}

	var req commentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Content) == "" {
		utils.WriteError(w, apperr.Validation("comment content is required"))
		return
	}

	comment := models.Comment{
		PostID:   post.ID,
		AuthorID: userID,
		Content:  req.Content,
	}
	if err := h.db.Create(&comment).Error; err != nil {
		utils.WriteError(w, apperr.Internal(err, "failed to create comment"))
		return
	}
	if err := h.db.Preload("Author").First(&comment, comment.ID).Error; err != nil {
		utils.WriteError(w, apperr.Internal(err, "failed to load comment"))
		return
	}

	utils.WriteJSON(w, http.StatusCreated, comment)
}

func (h *Handler) GetComments(w http.ResponseWriter, r *http.Request) {
	userID, err := utils.GetUserIDFromContext(r.Context())
	if err != nil {
		utils.WriteError(w, apperr.Permission("authentication required"))
		return
	}

	post, err := h.loadPost(r)
	if err != nil {
		utils.WriteError(w, err)
		return
	}
	if err := h.requireGroupAccess(userID, post); err != nil {
		utils.WriteError(w, err)
		return
	}

	var comments []models.Comment
	if err := h.db.
		Where("post_id = ?", post.ID).
		Order("created_at ASC").
		Preload("Author").
		Find(&comments).Error; err != nil {
		utils.WriteError(w, apperr.Internal(err, "failed to fetch comments"))
		return
	}

	utils.WriteJSON(w, http.StatusOK, comments)
}

func (h *Handler) UpdateComment(w http.ResponseWriter, r *http.Request) {
	userID, err := utils.GetUserIDFromContext(r.Context())
	if err != nil {
		utils.WriteError(w, apperr.Permission("authentication required"))
		return
	}

	commentID, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 32)
	if err != nil {
		utils.WriteError(w, apperr.Validation("invalid comment ID"))
		return
	}

	var comment models.Comment
	if err := h.db.First(&comment, uint(commentID)).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			utils.WriteError(w, apperr.NotFound("comment not found"))
			return
		}
		utils.WriteError(w, apperr.Internal(err, "failed to load comment"))
		return
	}
	if err := requireOwner(userID, &comment); err != nil {
		utils.WriteError(w, err)
		return
	}

	var req commentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Content) == "" {
		utils.WriteError(w, apperr.Validation("comment content is required"))
		return
	}

	comment.Content = req.Content
	if err := h.db.Save(&comment).Error; err != nil {
		utils.WriteError(w, apperr.Internal(err, "failed to update comment"))
		return
	}

	utils.WriteJSON(w, http.StatusOK, comment)
}

func (h *Handler) DeleteComment(w http.ResponseWriter, r *http.Request) {
	userID, err := utils.GetUserIDFromContext(r.Context())
	if err != nil {
		utils.WriteError(w, apperr.Permission("authentication required"))
		return
	}

	commentID, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 32)
	if err != nil {
		utils.WriteError(w, apperr.Validation("invalid comment ID"))
		return
	}

	var comment models.Comment
	if err := h.db.First(&comment, uint(commentID)).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			utils.WriteError(w, apperr.NotFound("comment not found"))
			return
		}
		utils.WriteError(w, apperr.Internal(err, "failed to load comment"))
		return
	}
	if err := requireOwner(userID, &comment); err != nil {
		utils.WriteError(w, err)
		return
	}

	if err := h.db.Delete(&comment).Error; err != nil {
		utils.WriteError(w, apperr.Internal(err, "failed to delete comment"))
		return
	}

	utils.WriteJSON(w, http.StatusOK, map[string]string{"message": "Comment deleted successfully"})
}

// UploadMedia attaches a file to a post. Clients that run on-device ML may
// send the detected objects, OCR text and caption along with the file; those
// fields land verbatim and count toward badges immediately.
func (h *Handler) UploadMedia(w http.ResponseWriter, r *http.Request) {
	userID, err := utils.GetUserIDFromContext(r.Context())
	if err != nil {
		utils.WriteError(w, apperr.Permission("authentication required"))
		return
	}

	post, err := h.loadPost(r)
	if err != nil {
		utils.WriteError(w, err)
		return
	}
	if err := requireOwner(userID, post); err != nil {
		utils.WriteError(w, err)
		return
	}

	if err := r.ParseMultipartForm(utils.MaxMediaSize); err != nil {
		utils.WriteError(w, apperr.Validation("failed to parse form; file may be too large"))
		return
	}

	file, header, err := r.FormFile("media")
	if err != nil {
		utils.WriteError(w, apperr.Validation("media file is required"))
		return
	}
	defer file.Close()

	mediaType := utils.MediaTypeForFilename(header.Filename)
	if mediaType == "" {
		utils.WriteError(w, apperr.Validation("unsupported media type"))
		return
	}

	url, err := utils.SaveMedia(file, header)
	if err != nil {
		utils.WriteError(w, apperr.Internal(err, "failed to save media"))
		return
	}

	media := models.PostMedia{
		PostID:    post.ID,
		MediaType: mediaType,
		URL:       url,
		OCRText:   r.FormValue("ocr_text"),
		Caption:   r.FormValue("caption"),
	}
	if objects := r.FormValue("detected_objects"); objects != "" {
		media.DetectedObjects = &objects
	}
	if raw := r.FormValue("latitude"); raw != "" {
		if lat, err := strconv.ParseFloat(raw, 64); err == nil {
			media.Latitude = &lat
		}
	}
	if raw := r.FormValue("longitude"); raw != "" {
		if lon, err := strconv.ParseFloat(raw, 64); err == nil {
			media.Longitude = &lon
		}
	}

	if err := h.db.Create(&media).Error; err != nil {
		utils.DeleteMedia(url)
		utils.WriteError(w, apperr.Internal(err, "failed to create media record"))
		return
	}

	h.badges.EvaluateBestEffort(post.AuthorID)

	utils.WriteJSON(w, http.StatusCreated, media)
}

type mlResultsRequest struct {
	DetectedObjects *string `json:"detected_objects"`
	OCRText         *string `json:"ocr_text"`
	Caption         *string `json:"caption"`
}

// ProcessMLResults records the annotations a client produced for media it
// uploaded earlier, then re-evaluates the author's badges.
func (h *Handler) ProcessMLResults(w http.ResponseWriter, r *http.Request) {
	userID, err := utils.GetUserIDFromContext(r.Context())
	if err != nil {
		utils.WriteError(w, apperr.Permission("authentication required"))
		return
	}

	mediaID, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 32)
	if err != nil {
		utils.WriteError(w, apperr.Validation("invalid media ID"))
		return
	}

	var media models.PostMedia
	if err := h.db.First(&media, uint(mediaID)).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			utils.WriteError(w, apperr.NotFound("media not found"))
			return
		}
		utils.WriteError(w, apperr.Internal(err, "failed to load media"))
		return
	}

	var post models.DiaryPost
	if err := h.db.First(&post, media.PostID).Error; err != nil {
		utils.WriteError(w, apperr.Internal(err, "failed to load post"))
		return
	}
	if err := requireOwner(userID, &post); err != nil {
		utils.WriteError(w, err)
		return
	}

	var req mlResultsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.WriteError(w, apperr.Validation("invalid request payload"))
		return
	}

	updates := map[string]interface{}{}
	if req.DetectedObjects != nil {
		updates["detected_objects"] = *req.DetectedObjects
	}
	if req.OCRText != nil {
		updates["ocr_text"] = *req.OCRText
	}
	if req.Caption != nil {
		updates["caption"] = *req.Caption
	}
	if len(updates) == 0 {
		utils.WriteError(w, apperr.Validation("no ML results provided"))
		return
	}

	if err := h.db.Model(&media).Updates(updates).Error; err != nil {
		utils.WriteError(w, apperr.Internal(err, "failed to update media"))
		return
	}

	h.badges.EvaluateBestEffort(post.AuthorID)

	utils.WriteJSON(w, http.StatusOK, media)
}

func (h *Handler) ServeMedia(w http.ResponseWriter, r *http.Request) {
	filename := mux.Vars(r)["filename"]
	if filename == "" || containsDotDot(filename) {
		utils.WriteError(w, apperr.Validation("invalid filename"))
		return
	}
	http.ServeFile(w, r, fmt.Sprintf("%s/%s", utils.MediaPath, filename))
}

func containsDotDot(v string) bool {
	if !strings.Contains(v, "..") {
		return false
	}
	for _, part := range strings.FieldsFunc(v, func(r rune) bool { return r == '/' || r == '\\' }) {
		if part == ".." {
			return true
		}
	}
	return false
}

func (h *Handler) loadPost(r *http.Request) (*models.DiaryPost, error) {
	postID, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 32)
	if err != nil {
		return nil, apperr.Validation("invalid post ID")
	}
	var post models.DiaryPost
	if err := h.db.Preload("Author").Preload("Media").First(&post, uint(postID)).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("post not found")
		}
		return nil, apperr.Internal(err, "failed to load post")
	}
	return &post, nil
}

// requireGroupAccess gates a group-scoped resource on the caller's
// membership in its group.
func (h *Handler) requireGroupAccess(userID uint, scoped models.GroupScoped) error {
	member, err := h.members.IsMember(userID, scoped.ScopedGroup())
	if err != nil {
		return apperr.Internal(err, "failed to verify membership")
	}
	if !member {
		return apperr.Permission("you are not a member of this group")
	}
	return nil
}

// requireOwner gates mutation of an owned resource on the caller being its
// author.
func requireOwner(userID uint, owned models.Ownable) error {
	if owned.OwnedBy() != userID {
		return apperr.Permission("you do not own this resource")
	}
	return nil
}
