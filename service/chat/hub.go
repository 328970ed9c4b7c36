// Package chat implements the per-group real-time messaging layer: a room
// registry of live websocket sessions, membership-gated connects, and
// persist-then-fan-out message delivery.
package chat

import (
	"sync"

	"go.uber.org/zap"
)

// RoomMessage is a payload addressed to every joined session of one group.
type RoomMessage struct {
	GroupID uint
	Payload []byte
}

// Hub owns the room registry: one fan-out set of live sessions per group.
// All mutation flows through the run goroutine, so joins, leaves and sends
// for a room are serialized; operations on different rooms are independent.
type Hub struct {
	rooms map[uint]map[*Session]bool

	register   chan *Session
	unregister chan *Session
	broadcast  chan *RoomMessage
	done       chan struct{}
	closeOnce  sync.Once
}

func NewHub() *Hub {
	h := &Hub{
		rooms:      make(map[uint]map[*Session]bool),
		register:   make(chan *Session),
		unregister: make(chan *Session),
		broadcast:  make(chan *RoomMessage, 256),
		done:       make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case <-h.done:
			for groupID, sessions := range h.rooms {
				for s := range sessions {
					close(s.send)
				}
				delete(h.rooms, groupID)
			}
			return

		case s := <-h.register:
			if _, ok := h.rooms[s.groupID]; !ok {
				h.rooms[s.groupID] = make(map[*Session]bool)
			}
			h.rooms[s.groupID][s] = true
			zap.L().Debug("chat session joined",
				zap.Uint("group_id", s.groupID),
				zap.Uint("user_id", s.userID))

		case s := <-h.unregister:
			if sessions, ok := h.rooms[s.groupID]; ok {
				if _, exists := sessions[s]; exists {
					delete(sessions, s)
					close(s.send)
				}
				if len(sessions) == 0 {
					delete(h.rooms, s.groupID)
				}
			}
			zap.L().Debug("chat session left",
				zap.Uint("group_id", s.groupID),
				zap.Uint("user_id", s.userID))

		case m := <-h.broadcast:
			sessions := h.rooms[m.GroupID]
			for s := range sessions {
				select {
				case s.send <- m.Payload:
				default:
					// Slow consumer: drop the session rather than block
					// the room.
					close(s.send)
					delete(sessions, s)
				}
			}
			if len(sessions) == 0 {
				delete(h.rooms, m.GroupID)
			}
		}
	}
}

// Join adds a session to its group's room.
func (h *Hub) Join(s *Session) {
	select {
	case h.register <- s:
	case <-h.done:
	}
}

// Leave removes a session from its group's room. Safe to call for a session
// already dropped by the hub, or after the hub has been closed.
func (h *Hub) Leave(s *Session) {
	select {
	case h.unregister <- s:
	case <-h.done:
	}
}

// Broadcast fans a payload out to every currently joined session of the
// group, the sender included.
func (h *Hub) Broadcast(groupID uint, payload []byte) {
	select {
	case h.broadcast <- &RoomMessage{GroupID: groupID, Payload: payload}:
	case <-h.done:
	}
}

// Close stops the hub's dispatch loop and drops every room. Sessions still
// attached have their send channels closed, which unwinds their write pumps.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}
