package mcp

import "sync"

// SessionRegistry maps reviewer IDs to MCP session IDs.
// Populated automatically when a tool call includes a reviewer argument.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]string // reviewerID → sessionID
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]string)}
}

// Register associates a reviewer ID with a session ID.
// If the reviewer already has a session, it is overwritten (reconnect).
func (r *SessionRegistry) Register(reviewer, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[reviewer] = sessionID
}

// SessionFor returns the session ID for the given reviewer, if connected.
func (r *SessionRegistry) SessionFor(reviewer string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.sessions[reviewer]
	return sid, ok
}

// Reviewers returns the IDs of all currently registered reviewers.
func (r *SessionRegistry) Reviewers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.sessions))
	for reviewer := range r.sessions {
		out = append(out, reviewer)
	}
	return out
}

// Remove deletes all reviewer mappings for the given session ID.
// Called when a session disconnects.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for reviewer, sid := range r.sessions {
		if sid == sessionID {
			delete(r.sessions, reviewer)
		}
	}
}
