package chat

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/triptales/triptales-server/cmd/models"
	"github.com/triptales/triptales-server/cmd/utils"
	"github.com/triptales/triptales-server/pkg/apperr"
	"github.com/triptales/triptales-server/service/membership"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type Handler struct {
	db      *gorm.DB
	hub     *Hub
	members *membership.Store
}

func NewHandler(db *gorm.DB, hub *Hub, members *membership.Store) *Handler {
	return &Handler{db: db, hub: hub, members: members}
}

func (h *Handler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/ws/groups/{id}", utils.AuthMiddleware(h.ServeGroupChat)).Methods("GET")
}

// ServeGroupChat upgrades an authenticated request into a chat session for
// the group. Membership is re-checked here, not trusted from the token, so a
// removed member cannot reconnect with a stale credential.
func (h *Handler) ServeGroupChat(w http.ResponseWriter, r *http.Request) {
	userID, err := utils.GetUserIDFromContext(r.Context())
	if err != nil {
		utils.WriteError(w, apperr.Permission("authentication required"))
		return
	}

	groupID, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 32)
	if err != nil {
		utils.WriteError(w, apperr.Validation("invalid group ID"))
		return
	}

	member, err := h.members.IsMember(userID, uint(groupID))
	if err != nil {
		utils.WriteError(w, apperr.Internal(err, "failed to verify membership"))
		return
	}
	if !member {
		utils.WriteError(w, apperr.Permission("you are not a member of this group"))
		return
	}

	var user models.User
	if err := h.db.First(&user, userID).Error; err != nil {
		utils.WriteError(w, apperr.Internal(err, "failed to load user"))
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the handshake error.
		zap.L().Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	session := newSession(h.hub, conn, h.db, h.members, userID, user.Username, uint(groupID))
	h.hub.Join(session)

	go session.writePump()
	go session.readPump()
}
