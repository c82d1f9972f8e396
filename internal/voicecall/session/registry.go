package session

import (
	"sort"
	"sync"
)

// Registry tracks the live sessions of this process. Sessions call Add while
// holding their own lock, so the registry never takes a session lock while
// holding r.mu.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID()] = s
}

func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// FindByCallSID returns the live session for a carrier call id.
func (r *Registry) FindByCallSID(callSID string) (*Session, bool) {
	for _, s := range r.snapshot() {
		if s.CallSID() == callSID {
			return s, true
		}
	}
	return nil, false
}

// List returns the live sessions, oldest first.
func (r *Registry) List() []*Session {
	out := r.snapshot()
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartTime().Before(out[j].StartTime())
	})
	return out
}

func (r *Registry) snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
