package server

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session groups evaluations from one client. Handles created by its
// evaluations are released with it.
type Session struct {
	ID      string
	Name    string
	Created time.Time

	mu    sync.Mutex
	evals int
}

func (s *Session) countEval() {
	s.mu.Lock()
	s.evals++
	s.mu.Unlock()
}

// Evals returns the number of evaluations run in the session.
func (s *Session) Evals() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evals
}

// SessionStore tracks open sessions by id.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	handles  *HandleStore
}

// NewSessionStore creates a new session store.
func NewSessionStore(handles *HandleStore) *SessionStore {
	return &SessionStore{
		sessions: make(map[string]*Session),
		handles:  handles,
	}
}

// Create opens a session. The name is only a label for logs and clients.
func (s *SessionStore) Create(name string) *Session {
	session := &Session{
		ID:      uuid.NewString(),
		Name:    name,
		Created: time.Now(),
	}

	s.mu.Lock()
	s.sessions[session.ID] = session
	s.mu.Unlock()

	log.Debugf("session %s opened (%s)", session.ID, name)
	return session
}

// Get finds an open session.
func (s *SessionStore) Get(id string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[id]
	return session, ok
}

// Len returns the number of open sessions.
func (s *SessionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Destroy removes a session and releases all its handles. It reports
// whether the session existed.
func (s *SessionStore) Destroy(id string) bool {
	s.mu.Lock()
	_, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()

	if ok {
		s.handles.ReleaseSession(id)
		log.Debugf("session %s closed", id)
	}
	return ok
}
