package chat

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/triptales/triptales-server/cmd/models"
	"github.com/triptales/triptales-server/service/membership"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// inboundFrame is what clients send over the socket.
type inboundFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// outboundFrame is what every joined client receives.
type outboundFrame struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	UserID    uint   `json:"user_id"`
	Username  string `json:"username"`
	Timestamp string `json:"timestamp"`
}

// Session is one authenticated websocket connection bound to a single group
// room. Reads and writes run on their own goroutines; the hub never touches
// the connection directly.
type Session struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	db       *gorm.DB
	members  *membership.Store
	userID   uint
	username string
	groupID  uint
}

func newSession(hub *Hub, conn *websocket.Conn, db *gorm.DB, members *membership.Store, userID uint, username string, groupID uint) *Session {
	return &Session{
		hub:      hub,
		conn:     conn,
		send:     make(chan []byte, 64),
		db:       db,
		members:  members,
		userID:   userID,
		username: username,
		groupID:  groupID,
	}
}

// readPump consumes inbound frames until the connection closes. Text
// messages are persisted as chat posts before fan-out; if persistence fails
// the frame is not delivered, so every message a client sees is also in
// history. Image frames are acknowledged in logs only.
func (s *Session) readPump() {
	defer func() {
		s.hub.Leave(s)
		s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				zap.L().Debug("chat read error", zap.Error(err))
			}
			return
		}

		var frame inboundFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			zap.L().Debug("dropping malformed chat frame",
				zap.Uint("user_id", s.userID), zap.Error(err))
			continue
		}

		// Membership is re-derived per event, not trusted from the
		// handshake: a user removed mid-session loses the room with their
		// next frame.
		member, err := s.members.IsMember(s.userID, s.groupID)
		if err != nil {
			zap.L().Error("failed to verify chat membership",
				zap.Uint("group_id", s.groupID),
				zap.Uint("user_id", s.userID),
				zap.Error(err))
			return
		}
		if !member {
			zap.L().Info("closing chat session after membership loss",
				zap.Uint("group_id", s.groupID),
				zap.Uint("user_id", s.userID))
			return
		}

		switch frame.Type {
		case "message":
			s.handleMessage(frame.Message)
		case "image":
			// Image delivery happens over the media upload endpoint; the
			// socket only learns that one is on the way.
			zap.L().Debug("chat image notification",
				zap.Uint("group_id", s.groupID), zap.Uint("user_id", s.userID))
		default:
			zap.L().Debug("dropping chat frame with unknown type",
				zap.String("type", frame.Type), zap.Uint("user_id", s.userID))
		}
	}
}

func (s *Session) handleMessage(text string) {
	if text == "" {
		return
	}

	post := models.DiaryPost{
		GroupID:       s.groupID,
		AuthorID:      s.userID,
		Title:         "Chat message",
		Content:       text,
		IsChatMessage: true,
	}
	if err := s.db.Create(&post).Error; err != nil {
		zap.L().Error("failed to persist chat message",
			zap.Uint("group_id", s.groupID),
			zap.Uint("user_id", s.userID),
			zap.Error(err))
		return
	}

	out := outboundFrame{
		Type:      "message",
		Message:   text,
		UserID:    s.userID,
		Username:  s.username,
		Timestamp: post.CreatedAt.UTC().Format(time.RFC3339),
	}
	payload, err := json.Marshal(out)
	if err != nil {
		zap.L().Error("failed to encode chat frame", zap.Error(err))
		return
	}
	s.hub.Broadcast(s.groupID, payload)
}

// writePump drains the send channel onto the connection and keeps the
// connection alive with pings.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
