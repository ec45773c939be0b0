package auth

import (
	"sync"
	"time"
)

// Session is a short-lived preview session used in place of a full OIDC
// login, e.g. for demo and test environments.
type Session struct {
	Token     string
	Email     string
	ExpiresAt time.Time
}

// SessionStore holds preview sessions. It is created once in main and
// passed into Auth explicitly; there is no process-wide session state.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]Session
	ttl      time.Duration
}

// NewSessionStore creates a SessionStore with the given session lifetime.
func NewSessionStore(ttl time.Duration) *SessionStore {
	return &SessionStore{
		sessions: make(map[string]Session),
		ttl:      ttl,
	}
}

// Put registers a session for the token.
func (s *SessionStore) Put(token, email string) Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeLocked()
	sess := Session{
		Token:     token,
		Email:     email,
		ExpiresAt: time.Now().Add(s.ttl),
	}
	s.sessions[token] = sess
	return sess
}

// Get returns the session for the token, if present and unexpired.
func (s *SessionStore) Get(token string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[token]
	if !ok || time.Now().After(sess.ExpiresAt) {
		delete(s.sessions, token)
		return Session{}, false
	}
	return sess, true
}

// Delete removes a session.
func (s *SessionStore) Delete(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, token)
}

func (s *SessionStore) purgeLocked() {
	now := time.Now()
	for token, sess := range s.sessions {
		if now.After(sess.ExpiresAt) {
			delete(s.sessions, token)
		}
	}
}
