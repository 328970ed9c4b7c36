package invites

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/triptales/triptales-server/cmd/utils"
)

type Handler struct {
	workflow *Workflow
}

func NewHandler(workflow *Workflow) *Handler {
	return &Handler{workflow: workflow}
}

func (h *Handler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/groups/{id}/invites", utils.AuthMiddleware(h.CreateInvite)).Methods("POST")
	router.HandleFunc("/invites", utils.AuthMiddleware(h.MyInvites)).Methods("GET")
	router.HandleFunc("/invites/{id}/accept", utils.AuthMiddleware(h.AcceptInvite)).Methods("POST")
	router.HandleFunc("/invites/{id}/decline", utils.AuthMiddleware(h.DeclineInvite)).Methods("POST")
}

// CreateInvite invites a user to a group by username or email
func (h *Handler) CreateInvite(w http.ResponseWriter, r *http.Request) {
	userID, err := utils.GetUserIDFromContext(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	vars := mux.Vars(r)
	groupID, err := strconv.ParseUint(vars["id"], 10, 64)
	if err != nil {
		http.Error(w, "Invalid group ID", http.StatusBadRequest)
		return
	}

	var body struct {
		UsernameOrEmail string `json:"username_or_email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	invite, err := h.workflow.Create(uint(groupID), userID, body.UsernameOrEmail)
	if err != nil {
		utils.WriteError(w, err)
		return
	}

	utils.WriteJSON(w, http.StatusCreated, invite)
}

// MyInvites lists the caller's pending invites
func (h *Handler) MyInvites(w http.ResponseWriter, r *http.Request) {
	userID, err := utils.GetUserIDFromContext(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	invites, err := h.workflow.PendingFor(userID)
	if err != nil {
		utils.WriteError(w, err)
		return
	}

	utils.WriteJSON(w, http.StatusOK, invites)
}

// AcceptInvite accepts a pending invite and joins the group
func (h *Handler) AcceptInvite(w http.ResponseWriter, r *http.Request) {
	userID, err := utils.GetUserIDFromContext(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	vars := mux.Vars(r)
	inviteID, err := strconv.ParseUint(vars["id"], 10, 64)
	if err != nil {
		http.Error(w, "Invalid invite ID", http.StatusBadRequest)
		return
	}

	membership, err := h.workflow.Accept(uint(inviteID), userID)
	if err != nil {
		utils.WriteError(w, err)
		return
	}

	utils.WriteJSON(w, http.StatusOK, membership)
}

// DeclineInvite declines a pending invite
func (h *Handler) DeclineInvite(w http.ResponseWriter, r *http.Request) {
	userID, err := utils.GetUserIDFromContext(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	vars := mux.Vars(r)
	inviteID, err := strconv.ParseUint(vars["id"], 10, 64)
	if err != nil {
		http.Error(w, "Invalid invite ID", http.StatusBadRequest)
		return
	}

	if err := h.workflow.Decline(uint(inviteID), userID); err != nil {
		utils.WriteError(w, err)
		return
	}

	utils.WriteJSON(w, http.StatusOK, map[string]string{
		"message": "Invite declined successfully",
	})
}
