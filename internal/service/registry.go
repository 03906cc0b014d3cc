package service

import (
	"context"
	"sync"
)

// Registry holds the active sessions keyed by account.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Add registers a session under its account ID.
func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	r.sessions[s.AccountID()] = s
	r.mu.Unlock()
}

// Get returns the session for an account, or nil.
func (r *Registry) Get(accountID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[accountID]
}

// List returns all registered sessions.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// StartAll starts every registered session.
func (r *Registry) StartAll(ctx context.Context) error {
	for _, s := range r.List() {
		if err := s.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

// StopAll stops every registered session.
func (r *Registry) StopAll() {
	for _, s := range r.List() {
		s.Stop()
	}
}
