package node

import (
	"sync"

	"github.com/switchboard-rt/switchboard/internal/protocol"
)

// Hub is the per-process session registry together with room
// memberships. It owns the truth for sessions connected to this process,
// remote sessions are reached only through the broker.
type Hub struct {
	mu sync.RWMutex

	// Registry of active sessions as map[session ID]*Session.
	sessions map[string]*Session

	// Registry of room memberships as map[room]map[session ID]*Session.
	// A room exists only while it has at least one member.
	rooms map[string]map[string]*Session
}

// NewHub initializes Hub.
func NewHub() *Hub {
	return &Hub{
		sessions: make(map[string]*Session),
		rooms:    make(map[string]map[string]*Session),
	}
}

// Add puts the session into the registry. The session is fully
// constructed by the time it lands here, so a concurrent Get never
// observes a partial one.
func (h *Hub) Add(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[s.ID()] = s
}

// Get returns a session by ID or protocol.ErrUnknownSession.
func (h *Hub) Get(sid string) (*Session, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sessions[sid]
	if !ok {
		return nil, protocol.ErrUnknownSession
	}
	return s, nil
}

// Remove deletes the session from the registry together with all its
// room memberships, cleaning up rooms left empty.
func (h *Hub) Remove(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sid := s.ID()
	if _, ok := h.sessions[sid]; !ok {
		return
	}
	delete(h.sessions, sid)
	for room, members := range h.rooms {
		if _, ok := members[sid]; !ok {
			continue
		}
		delete(members, sid)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

// Join adds the session to a room, creating the room on first join.
func (h *Hub) Join(room string, s *Session) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	sid := s.ID()
	if _, ok := h.sessions[sid]; !ok {
		return protocol.ErrUnknownSession
	}
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[string]*Session)
		h.rooms[room] = members
	}
	members[sid] = s
	return nil
}

// Leave removes the session from a room, destroying the room when its
// last member leaves.
func (h *Hub) Leave(room string, s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[room]
	if !ok {
		return
	}
	delete(members, s.ID())
	if len(members) == 0 {
		delete(h.rooms, room)
	}
}

// RoomMembers returns a snapshot of sessions currently in a room.
func (h *Hub) RoomMembers(room string) []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	members, ok := h.rooms[room]
	if !ok {
		return nil
	}
	sessions := make([]*Session, 0, len(members))
	for _, s := range members {
		sessions = append(sessions, s)
	}
	return sessions
}

// Sessions returns a snapshot of all registered sessions.
func (h *Hub) Sessions() []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	return sessions
}

// NumSessions returns the number of registered sessions.
func (h *Hub) NumSessions() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// NumRooms returns the number of rooms with at least one member.
func (h *Hub) NumRooms() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}
