package broker

import (
	"log/slog"
	"sync"

	v1 "weft/shared/contracts/chat/v1"
)

// Room is an in-memory membership + broadcast fanout primitive.
//
// Concurrency guarantees:
// - Join/Leave are safe under concurrent Broadcast.
// - Broadcast never blocks (drops under backpressure).
// - Broadcast is panic-safe because Client.Send is never closed by the server.
type Room struct {
	log *slog.Logger
	ID  string

	mu      sync.RWMutex
	members map[string]*Client
}

// NewRoom constructs a room.
func NewRoom(log *slog.Logger, id string) *Room {
	return &Room{
		log:     log,
		ID:      id,
		members: make(map[string]*Client),
	}
}

// Join adds a client to membership. Re-joining is a no-op.
func (r *Room) Join(client *Client) {
	if r == nil || client == nil || client.SessionID == "" {
		return
	}

	r.mu.Lock()
	r.members[client.SessionID] = client
	r.mu.Unlock()

	r.log.Info("room.member.join", "room_id", r.ID, "session_id", client.SessionID, "user_id", client.UserID)
}

// Leave removes a client from membership. It does not signal client
// shutdown: a connection stays alive across its other rooms.
func (r *Room) Leave(sessionID string) {
	if r == nil || sessionID == "" {
		return
	}

	r.mu.Lock()
	_, present := r.members[sessionID]
	delete(r.members, sessionID)
	r.mu.Unlock()

	if present {
		r.log.Info("room.member.leave", "room_id", r.ID, "session_id", sessionID)
	}
}

// Count returns the current number of member connections.
func (r *Room) Count() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// Has reports whether sessionID is a member.
func (r *Room) Has(sessionID string) bool {
	if r == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members[sessionID]
	return ok
}

// Broadcast fans a frame out to all members.
// Non-blocking: if a member queue is full or the client is shutting down, it is dropped.
func (r *Room) Broadcast(frame v1.Frame) {
	r.broadcast(frame, "")
}

// BroadcastExcept fans a frame out to all members except the given session.
func (r *Room) BroadcastExcept(frame v1.Frame, exceptSessionID string) {
	r.broadcast(frame, exceptSessionID)
}

func (r *Room) broadcast(frame v1.Frame, exceptSessionID string) {
	if r == nil {
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for sessionID, m := range r.members {
		if m == nil || sessionID == exceptSessionID {
			continue
		}

		select {
		case <-m.Done():
			// Skip clients that are shutting down.
			continue
		default:
		}

		select {
		case m.Send <- frame:
			framesOut.WithLabelValues(frame.Type).Inc()
		default:
			// Drop rather than block the whole room.
			broadcastDrops.Inc()
		}
	}
}
