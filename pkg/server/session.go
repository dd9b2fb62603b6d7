package server

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session is a cookie-authenticated browser session.
type Session struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	CreatedAt time.Time
}

// SessionManager manages active cookie sessions. A session only names the
// user; every request resolves the user through the identity cache.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session // sessionID -> session
}

// NewSessionManager creates a new session manager.
func NewSessionManager() *SessionManager {
	return &SessionManager{
		sessions: make(map[uuid.UUID]*Session),
	}
}

// Create creates a new session for an authenticated user.
func (sm *SessionManager) Create(userID uuid.UUID) *Session {
	sess := &Session{ID: uuid.New(), UserID: userID, CreatedAt: time.Now()}
	sm.mu.Lock()
	sm.sessions[sess.ID] = sess
	sm.mu.Unlock()
	return sess
}

// Get retrieves a session by ID.
func (sm *SessionManager) Get(id uuid.UUID) *Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.sessions[id]
}

// Remove removes a session.
func (sm *SessionManager) Remove(id uuid.UUID) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	delete(sm.sessions, id)
}

// RemoveUser drops every session of userID and returns how many there were.
func (sm *SessionManager) RemoveUser(userID uuid.UUID) int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	n := 0
	for id, s := range sm.sessions {
		if s.UserID == userID {
			delete(sm.sessions, id)
			n++
		}
	}
	return n
}

// Count returns the number of active sessions.
func (sm *SessionManager) Count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}
