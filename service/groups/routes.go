// Package groups manages trip groups: lifecycle, discovery, membership
// actions and the group-scoped views (posts, chat history, map).
package groups

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"gorm.io/gorm"

	"github.com/triptales/triptales-server/cmd/models"
	"github.com/triptales/triptales-server/cmd/utils"
	"github.com/triptales/triptales-server/pkg/apperr"
	"github.com/triptales/triptales-server/service/membership"
)

type Handler struct {
	db      *gorm.DB
	members *membership.Store
}

func NewHandler(db *gorm.DB, members *membership.Store) *Handler {
	return &Handler{db: db, members: members}
}

func (h *Handler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/groups", utils.AuthMiddleware(h.CreateGroup)).Methods("POST")
	router.HandleFunc("/groups", utils.AuthMiddleware(h.GetGroups)).Methods("GET")
	router.HandleFunc("/groups/mine", utils.AuthMiddleware(h.MyGroups)).Methods("GET")
	router.HandleFunc("/groups/search", utils.AuthMiddleware(h.Search)).Methods("GET")
	router.HandleFunc("/groups/{id}", utils.AuthMiddleware(h.GetGroup)).Methods("GET")
	router.HandleFunc("/groups/{id}", utils.AuthMiddleware(h.UpdateGroup)).Methods("PUT")
	router.HandleFunc("/groups/{id}", utils.AuthMiddleware(h.DeleteGroup)).Methods("DELETE")
	router.HandleFunc("/groups/{id}/join", utils.AuthMiddleware(h.Join)).Methods("POST")
	router.HandleFunc("/groups/{id}/leave", utils.AuthMiddleware(h.Leave)).Methods("POST")
	router.HandleFunc("/groups/{id}/members", utils.AuthMiddleware(h.Members)).Methods("GET")
	router.HandleFunc("/groups/{id}/members/{userId}/promote", utils.AuthMiddleware(h.Promote)).Methods("POST")
	router.HandleFunc("/groups/{id}/posts", utils.AuthMiddleware(h.Posts)).Methods("GET")
	router.HandleFunc("/groups/{id}/messages", utils.AuthMiddleware(h.Messages)).Methods("GET")
	router.HandleFunc("/groups/{id}/messages", utils.AuthMiddleware(h.SendMessage)).Methods("POST")
	router.HandleFunc("/groups/{id}/map", utils.AuthMiddleware(h.MapPosts)).Methods("GET")
}

type groupRequest struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	StartDate   *time.Time `json:"start_date"`
	EndDate     *time.Time `json:"end_date"`
	Location    string     `json:"location"`
	IsPrivate   *bool      `json:"is_private"`
}

func (h *Handler) CreateGroup(w http.ResponseWriter, r *http.Request) {
	userID, err := utils.GetUserIDFromContext(r.Context())
	if err != nil {
		utils.WriteError(w, apperr.Permission("authentication required"))
		return
	}

	var req groupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.WriteError(w, apperr.Validation("invalid request payload"))
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		utils.WriteError(w, apperr.Validation("group name is required"))
		return
	}

	group := models.Group{
		Name:        req.Name,
		Description: req.Description,
		StartDate:   req.StartDate,
		EndDate:     req.EndDate,
		Location:    req.Location,
		CreatedByID: userID,
	}
	if req.IsPrivate != nil {
		group.IsPrivate = *req.IsPrivate
	}

	tx := h.db.Begin()
	if tx.Error != nil {
		utils.WriteError(w, apperr.Internal(tx.Error, "failed to start transaction"))
		return
	}
	if err := tx.Create(&group).Error; err != nil {
		tx.Rollback()
		utils.WriteError(w, apperr.Internal(err, "failed to create group"))
		return
	}
	if _, err := h.members.Add(tx, userID, group.ID, models.RoleAdmin); err != nil {
		tx.Rollback()
		utils.WriteError(w, err)
		return
	}
	if err := tx.Commit().Error; err != nil {
		utils.WriteError(w, apperr.Internal(err, "failed to commit transaction"))
		return
	}

	utils.WriteJSON(w, http.StatusCreated, map[string]interface{}{
		"group":     group,
		"user_role": models.RoleAdmin,
	})
}

func (h *Handler) GetGroups(w http.ResponseWriter, r *http.Request) {
	var groups []models.Group
	if err := h.db.
		Where("is_private = ?", false).
		Order("created_at DESC").
		Find(&groups).Error; err != nil {
		utils.WriteError(w, apperr.Internal(err, "failed to fetch groups"))
		return
	}
	utils.WriteJSON(w, http.StatusOK, groups)
}

// groupView is the shape MyGroups responds with. Last activity and the
// caller's role are computed per request, never written back to the group.
type groupView struct {
	models.Group
	LastActivityDate *time.Time `json:"last_activity_date"`
	UserRole         string     `json:"user_role"`
}

func (h *Handler) MyGroups(w http.ResponseWriter, r *http.Request) {
	userID, err := utils.GetUserIDFromContext(r.Context())
	if err != nil {
		utils.WriteError(w, apperr.Permission("authentication required"))
		return
	}

	var memberships []models.GroupMembership
	if err := h.db.
		Where("user_id = ?", userID).
		Preload("Group").
		Find(&memberships).Error; err != nil {
		utils.WriteError(w, apperr.Internal(err, "failed to fetch groups"))
		return
	}

	views := make([]groupView, 0, len(memberships))
	for _, m := range memberships {
		if m.Group == nil {
			continue
		}
		view := groupView{Group: *m.Group, UserRole: m.Role}

		var latest models.DiaryPost
		err := h.db.
			Where("group_id = ?", m.GroupID).
			Order("created_at DESC").
			Select("created_at").
			First(&latest).Error
		switch {
		case err == nil:
			t := latest.CreatedAt
			view.LastActivityDate = &t
		case errors.Is(err, gorm.ErrRecordNotFound):
			// Group with no posts yet.
		default:
			utils.WriteError(w, apperr.Internal(err, "failed to fetch group activity"))
			return
		}
		views = append(views, view)
	}

	utils.WriteJSON(w, http.StatusOK, views)
}

// Search matches group names case-insensitively. Private groups only show
// up for their own members.
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	userID, err := utils.GetUserIDFromContext(r.Context())
	if err != nil {
		utils.WriteError(w, apperr.Permission("authentication required"))
		return
	}

	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		utils.WriteError(w, apperr.Validation("search query is required"))
		return
	}

	groupIDs, err := h.members.GroupIDs(userID)
	if err != nil {
		utils.WriteError(w, apperr.Internal(err, "failed to load groups"))
		return
	}

	db := h.db.Where("LOWER(name) LIKE ?", "%"+strings.ToLower(query)+"%")
	if len(groupIDs) > 0 {
		db = db.Where("is_private = ? OR id IN ?", false, groupIDs)
	} else {
		db = db.Where("is_private = ?", false)
	}

	var groups []models.Group
	if err := db.Order("name ASC").Limit(25).Find(&groups).Error; err != nil {
		utils.WriteError(w, apperr.Internal(err, "failed to search groups"))
		return
	}
	utils.WriteJSON(w, http.StatusOK, groups)
}

func (h *Handler) GetGroup(w http.ResponseWriter, r *http.Request) {
	userID, err := utils.GetUserIDFromContext(r.Context())
	if err != nil {
		utils.WriteError(w, apperr.Permission("authentication required"))
		return
	}

	group, err := h.loadGroup(r)
	if err != nil {
		utils.WriteError(w, err)
		return
	}

	role, err := h.members.RoleOf(userID, group.ID)
	if err != nil {
		utils.WriteError(w, apperr.Internal(err, "failed to load membership"))
		return
	}
	if group.IsPrivate && role == "" {
		utils.WriteError(w, apperr.Permission("this group is private"))
		return
	}

	var memberCount int64
	if err := h.db.Model(&models.GroupMembership{}).
		Where("group_id = ?", group.ID).
		Count(&memberCount).Error; err != nil {
		utils.WriteError(w, apperr.Internal(err, "failed to count members"))
		return
	}

	utils.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"group":        group,
		"member_count": memberCount,
		"user_role":    role,
	})
}

func (h *Handler) UpdateGroup(w http.ResponseWriter, r *http.Request) {
	userID, err := utils.GetUserIDFromContext(r.Context())
	if err != nil {
		utils.WriteError(w, apperr.Permission("authentication required"))
		return
	}

	group, err := h.loadGroup(r)
	if err != nil {
		utils.WriteError(w, err)
		return
	}
	if err := h.requireAdmin(userID, group.ID); err != nil {
		utils.WriteError(w, err)
		return
	}

	var req groupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.WriteError(w, apperr.Validation("invalid request payload"))
		return
	}

	if req.Name != "" {
		group.Name = req.Name
	}
	if req.Description != "" {
		group.Description = req.Description
	}
	if req.StartDate != nil {
		group.StartDate = req.StartDate
	}
	if req.EndDate != nil {
		group.EndDate = req.EndDate
	}
	if req.Location != "" {
		group.Location = req.Location
	}
	if req.IsPrivate != nil {
		group.IsPrivate = *req.IsPrivate
	}

	if err := h.db.Save(group).Error; err != nil {
		utils.WriteError(w, apperr.Internal(err, "failed to update group"))
		return
	}
	utils.WriteJSON(w, http.StatusOK, group)
}

func (h *Handler) DeleteGroup(w http.ResponseWriter, r *http.Request) {
	userID, err := utils.GetUserIDFromContext(r.Context())
	if err != nil {
		utils.WriteError(w, apperr.Permission("authentication required"))
		return
	}

	group, err := h.loadGroup(r)
	if err != nil {
		utils.WriteError(w, err)
		return
	}
	if err := h.requireAdmin(userID, group.ID); err != nil {
		utils.WriteError(w, err)
		return
	}

	tx := h.db.Begin()
	if tx.Error != nil {
		utils.WriteError(w, apperr.Internal(tx.Error, "failed to start transaction"))
		return
	}
	if err := tx.Where("group_id = ?", group.ID).Delete(&models.GroupInvite{}).Error; err != nil {
		tx.Rollback()
		utils.WriteError(w, apperr.Internal(err, "failed to delete invites"))
		return
	}
	if err := tx.Where("group_id = ?", group.ID).Delete(&models.GroupMembership{}).Error; err != nil {
		tx.Rollback()
		utils.WriteError(w, apperr.Internal(err, "failed to delete memberships"))
		return
	}
	if err := tx.Delete(group).Error; err != nil {
		tx.Rollback()
		utils.WriteError(w, apperr.Internal(err, "failed to delete group"))
		return
	}
	if err := tx.Commit().Error; err != nil {
		utils.WriteError(w, apperr.Internal(err, "failed to commit transaction"))
		return
	}

	utils.WriteJSON(w, http.StatusOK, map[string]string{"message": "Group deleted successfully"})
}

func (h *Handler) Join(w http.ResponseWriter, r *http.Request) {
	userID, err := utils.GetUserIDFromContext(r.Context())
	if err != nil {
		utils.WriteError(w, apperr.Permission("authentication required"))
		return
	}

	group, err := h.loadGroup(r)
	if err != nil {
		utils.WriteError(w, err)
		return
	}

	m, err := h.members.Join(userID, group.ID)
	if err != nil {
		utils.WriteError(w, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"message":    "Joined group successfully",
		"membership": m,
	})
}

func (h *Handler) Leave(w http.ResponseWriter, r *http.Request) {
	userID, err := utils.GetUserIDFromContext(r.Context())
	if err != nil {
		utils.WriteError(w, apperr.Permission("authentication required"))
		return
	}

	group, err := h.loadGroup(r)
	if err != nil {
		utils.WriteError(w, err)
		return
	}

	if err := h.members.Remove(userID, group.ID); err != nil {
		utils.WriteError(w, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, map[string]string{"message": "Left group successfully"})
}

func (h *Handler) Members(w http.ResponseWriter, r *http.Request) {
	userID, err := utils.GetUserIDFromContext(r.Context())
	if err != nil {
		utils.WriteError(w, apperr.Permission("authentication required"))
		return
	}

	group, err := h.loadGroup(r)
	if err != nil {
		utils.WriteError(w, err)
		return
	}
	if err := h.requireMember(userID, group.ID); err != nil {
		utils.WriteError(w, err)
		return
	}

	var memberships []models.GroupMembership
	if err := h.db.
		Where("group_id = ?", group.ID).
		Preload("User").
		Order("created_at ASC").
		Find(&memberships).Error; err != nil {
		utils.WriteError(w, apperr.Internal(err, "failed to fetch members"))
		return
	}
	utils.WriteJSON(w, http.StatusOK, memberships)
}

func (h *Handler) Promote(w http.ResponseWriter, r *http.Request) {
	userID, err := utils.GetUserIDFromContext(r.Context())
	if err != nil {
		utils.WriteError(w, apperr.Permission("authentication required"))
		return
	}

	vars := mux.Vars(r)
	groupID, err := strconv.ParseUint(vars["id"], 10, 32)
	if err != nil {
		utils.WriteError(w, apperr.Validation("invalid group ID"))
		return
	}
	targetID, err := strconv.ParseUint(vars["userId"], 10, 32)
	if err != nil {
		utils.WriteError(w, apperr.Validation("invalid user ID"))
		return
	}

	m, err := h.members.Promote(userID, uint(targetID), uint(groupID))
	if err != nil {
		utils.WriteError(w, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"message":    "Member promoted to admin",
		"membership": m,
	})
}

func (h *Handler) Posts(w http.ResponseWriter, r *http.Request) {
	userID, err := utils.GetUserIDFromContext(r.Context())
	if err != nil {
		utils.WriteError(w, apperr.Permission("authentication required"))
		return
	}

	group, err := h.loadGroup(r)
	if err != nil {
		utils.WriteError(w, err)
		return
	}
	if err := h.requireMember(userID, group.ID); err != nil {
		utils.WriteError(w, err)
		return
	}

	var posts []models.DiaryPost
	if err := h.db.
		Where("group_id = ? AND is_chat_message = ?", group.ID, false).
		Order("created_at DESC").
		Preload("Author").
		Preload("Media").
		Preload("Likes").
		Find(&posts).Error; err != nil {
		utils.WriteError(w, apperr.Internal(err, "failed to fetch posts"))
		return
	}
	utils.WriteJSON(w, http.StatusOK, posts)
}

// Messages returns chat history oldest first, the order a client renders a
// conversation in.
func (h *Handler) Messages(w http.ResponseWriter, r *http.Request) {
	userID, err := utils.GetUserIDFromContext(r.Context())
	if err != nil {
		utils.WriteError(w, apperr.Permission("authentication required"))
		return
	}

	group, err := h.loadGroup(r)
	if err != nil {
		utils.WriteError(w, err)
		return
	}
	if err := h.requireMember(userID, group.ID); err != nil {
		utils.WriteError(w, err)
		return
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	var messages []models.DiaryPost
	if err := h.db.
		Where("group_id = ? AND is_chat_message = ?", group.ID, true).
		Order("created_at ASC").
		Limit(limit).
		Preload("Author").
		Find(&messages).Error; err != nil {
		utils.WriteError(w, apperr.Internal(err, "failed to fetch messages"))
		return
	}
	utils.WriteJSON(w, http.StatusOK, messages)
}

// SendMessage persists a chat message over plain HTTP. Clients without a
// live socket still land in the same history the socket reads from.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	userID, err := utils.GetUserIDFromContext(r.Context())
	if err != nil {
		utils.WriteError(w, apperr.Permission("authentication required"))
		return
	}

	group, err := h.loadGroup(r)
	if err != nil {
		utils.WriteError(w, err)
		return
	}
	if err := h.requireMember(userID, group.ID); err != nil {
		utils.WriteError(w, err)
		return
	}

	var req struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.WriteError(w, apperr.Validation("invalid request payload"))
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		utils.WriteError(w, apperr.Validation("message text is required"))
		return
	}

	msg := models.DiaryPost{
		GroupID:       group.ID,
		AuthorID:      userID,
		Title:         "Chat message",
		Content:       req.Message,
		IsChatMessage: true,
	}
	if err := h.db.Create(&msg).Error; err != nil {
		utils.WriteError(w, apperr.Internal(err, "failed to send message"))
		return
	}
	utils.WriteJSON(w, http.StatusCreated, msg)
}

// MapPosts returns the group's geotagged diary posts for map rendering.
func (h *Handler) MapPosts(w http.ResponseWriter, r *http.Request) {
	userID, err := utils.GetUserIDFromContext(r.Context())
	if err != nil {
		utils.WriteError(w, apperr.Permission("authentication required"))
		return
	}

	group, err := h.loadGroup(r)
	if err != nil {
		utils.WriteError(w, err)
		return
	}
	if err := h.requireMember(userID, group.ID); err != nil {
		utils.WriteError(w, err)
		return
	}

	var posts []models.DiaryPost
	if err := h.db.
		Where("group_id = ? AND is_chat_message = ? AND latitude IS NOT NULL AND longitude IS NOT NULL",
			group.ID, false).
		Order("created_at DESC").
		Preload("Author").
		Preload("Media").
		Find(&posts).Error; err != nil {
		utils.WriteError(w, apperr.Internal(err, "failed to fetch posts"))
		return
	}
	utils.WriteJSON(w, http.StatusOK, posts)
}

func (h *Handler) loadGroup(r *http.Request) (*models.Group, error) {
	groupID, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 32)
	if err != nil {
		return nil, apperr.Validation("invalid group ID")
	}
	var group models.Group
	if err := h.db.First(&group, uint(groupID)).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("group not found")
		}
		return nil, apperr.Internal(err, "failed to load group")
	}
	return &group, nil
}

func (h *Handler) requireMember(userID, groupID uint) error {
	member, err := h.members.IsMember(userID, groupID)
	if err != nil {
		return apperr.Internal(err, "failed to verify membership")
	}
	if !member {
		return apperr.Permission("you are not a member of this group")
	}
	return nil
}

func (h *Handler) requireAdmin(userID, groupID uint) error {
	role, err := h.members.RoleOf(userID, groupID)
	if err != nil {
		return apperr.Internal(err, "failed to verify membership")
	}
	if role != models.RoleAdmin {
		return apperr.Permission("only group admins can do this")
	}
	return nil
}
