package server

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/michaelbrown/relay/internal/llm"
)

// Session is an in-memory conversation. The provider and model are fixed
// when the session is created; the message history grows with each
// completed exchange.
type Session struct {
	ID       string
	Provider string
	Model    string
	Created  time.Time

	// exchange serializes exchanges: a session processes one message at
	// a time, and a second request blocks until the first finishes.
	exchange sync.Mutex

	mu       sync.Mutex // guards messages and cancel
	messages []llm.Message
	cancel   context.CancelFunc
}

// Begin claims the session for one exchange and registers its cancel
// function so Remove can interrupt in-flight work.
func (s *Session) Begin(cancel context.CancelFunc) {
	s.exchange.Lock()
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
}

// End releases the session, recording the updated history when the
// exchange produced one.
func (s *Session) End(messages []llm.Message) {
	s.mu.Lock()
	if messages != nil {
		s.messages = messages
	}
	s.cancel = nil
	s.mu.Unlock()
	s.exchange.Unlock()
}

// History returns a copy of the conversation so far.
func (s *Session) History() []llm.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]llm.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Len reports the number of messages in the conversation.
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

func (s *Session) interrupt() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
}

// SessionManager tracks in-memory sessions by id.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewSessionManager creates a new SessionManager.
func NewSessionManager() *SessionManager {
	return &SessionManager{
		sessions: make(map[string]*Session),
	}
}

// Get returns a session if it exists.
func (sm *SessionManager) Get(id string) (*Session, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	sess, ok := sm.sessions[id]
	return sess, ok
}

// GetOrCreate returns the session with the given id, creating it when the
// id is unknown or empty. A generated id is a fresh uuid.
func (sm *SessionManager) GetOrCreate(id, provider, model string) *Session {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sess, ok := sm.sessions[id]; ok {
		return sess
	}
	if id == "" {
		id = uuid.New().String()
	}
	sess := &Session{
		ID:       id,
		Provider: provider,
		Model:    model,
		Created:  time.Now(),
	}
	sm.sessions[id] = sess
	return sess
}

// List returns all sessions.
func (sm *SessionManager) List() []*Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	out := make([]*Session, 0, len(sm.sessions))
	for _, sess := range sm.sessions {
		out = append(out, sess)
	}
	return out
}

// Remove drops a session and cancels any in-flight exchange.
func (sm *SessionManager) Remove(id string) bool {
	sm.mu.Lock()
	sess, ok := sm.sessions[id]
	delete(sm.sessions, id)
	sm.mu.Unlock()
	if ok {
		sess.interrupt()
	}
	return ok
}

// CloseAll cancels every in-flight exchange and drops all sessions.
func (sm *SessionManager) CloseAll() {
	sm.mu.Lock()
	all := make([]*Session, 0, len(sm.sessions))
	for id, sess := range sm.sessions {
		all = append(all, sess)
		delete(sm.sessions, id)
	}
	sm.mu.Unlock()
	for _, sess := range all {
		sess.interrupt()
	}
}
