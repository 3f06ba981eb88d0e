package session

import "sync"

// Registry maps guild IDs to sessions with thread-safe access.
// Sessions are created lazily on first access and never removed; a
// fresh session reuses the cleared state under the same key, which
// avoids races between teardown and concurrent lookup.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
	}
}

// GetOrCreate returns the session for a guild, creating it on first
// access. Concurrent creators for the same guild converge on a single
// stored instance.
func (r *Registry) GetOrCreate(guildID string) *Session {
	r.mu.RLock()
	s, ok := r.sessions[guildID]
	r.mu.RUnlock()
	if ok {
		return s
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[guildID]; ok {
		return s
	}
	s = New(guildID)
	r.sessions[guildID] = s
	return s
}

// Get returns the session for a guild if one exists.
func (r *Registry) Get(guildID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[guildID]
	return s, ok
}

// All returns a snapshot of all sessions.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		result = append(result, s)
	}
	return result
}

// AnyStreaming reports whether any session has a live stream.
func (r *Registry) AnyStreaming() bool {
	for _, s := range r.All() {
		if s.Streaming() {
			return true
		}
	}
	return false
}

// Count returns the number of known sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
