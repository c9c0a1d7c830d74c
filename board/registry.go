package board

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrSessionNotFound = errors.New("board session not found")

// Registry holds the open sessions of a service instance.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	ttl      time.Duration
}

// NewRegistry creates a registry expiring sessions idle for longer than ttl.
// A non-positive ttl disables expiry.
func NewRegistry(ttl time.Duration) *Registry {
	return &Registry{sessions: make(map[string]*Session), ttl: ttl}
}

// Open registers a new session for the board.
func (r *Registry) Open(b *Board) *Session {
	s := NewSession(uuid.NewString(), b)
	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()
	return s
}

// Get looks a session up by id.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Close forgets a session. Outcomes arriving later are dropped.
func (r *Registry) Close(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return false
	}
	delete(r.sessions, id)
	return true
}

// Resolve routes a backend outcome to the session that issued the change.
func (r *Registry) Resolve(change StatusChange, outcome error) (*Session, bool) {
	s, err := r.Get(change.SessionID)
	if err != nil {
		return nil, false
	}
	return s, s.Resolve(change, outcome)
}

// Sweep closes sessions idle since before now-ttl, skipping those with
// updates still pending. It returns the number of closed sessions.
func (r *Registry) Sweep(now time.Time) int {
	if r.ttl <= 0 {
		return 0
	}
	cutoff := now.Add(-r.ttl)
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, s := range r.sessions {
		if s.idleSince().Before(cutoff) && s.Pending() == 0 {
			delete(r.sessions, id)
			n++
		}
	}
	return n
}

// Len reports the number of open sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
