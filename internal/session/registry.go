package session

import (
	"log/slog"
	"sync"
)

// Registry tracks active sessions by id. It is the only shared mutable
// structure in the relay; every insert, lookup, and removal goes through
// its mutex so frame arrival, stop, and disconnect events for the same id
// never race.
type Registry struct {
	log      *slog.Logger
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty Registry. If log is nil, slog.Default() is
// used.
func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:      log.With("component", "registry"),
		sessions: make(map[string]*Session),
	}
}

// Add registers a session under its id. Returns false without replacing
// anything if the id is already taken: one encoder per session id, never
// two.
func (r *Registry) Add(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[s.ID()]; ok {
		r.log.Warn("duplicate session id rejected", "session", s.ID())
		return false
	}
	r.sessions[s.ID()] = s
	r.log.Info("session registered", "session", s.ID())
	return true
}

// Get returns the session for id, or false if absent.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove drops the session for id. Idempotent.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	_, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	if ok {
		r.log.Info("session removed", "session", id)
	}
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

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
