package session

import (
	"context"
	"sync"
	"time"
)

// Registry is the arena of live call sessions keyed by channel identifier.
// Components hold identifiers, not references to each other, and look up
// current state here; that keeps ownership acyclic across the session, its
// provider leg, and the tool allowlists.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates an empty session registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

func (r *Registry) add(channelID string, s *Session) {
	r.mu.Lock()
	r.sessions[channelID] = s
	r.mu.Unlock()
}

func (r *Registry) remove(channelID string) {
	r.mu.Lock()
	delete(r.sessions, channelID)
	r.mu.Unlock()
}

// Lookup returns the session owning channelID.
func (r *Registry) Lookup(channelID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[channelID]
	return s, ok
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// DrainAll asks every session to shut down and waits up to grace for the
// registry to empty. Used on process shutdown and before registry reloads.
func (r *Registry) DrainAll(ctx context.Context, grace time.Duration) bool {
	r.mu.Lock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.Unlock()
	for _, s := range all {
		s.Shutdown(OutcomeShutdown)
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if r.Count() == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return r.Count() == 0
		case <-time.After(50 * time.Millisecond):
		}
	}
	return r.Count() == 0
}
