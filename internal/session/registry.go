// ABOUTME: In-memory table of live sessions, one per agent, with broadcast fan-out
// ABOUTME: Binding a newer session for an agent supersedes and returns the older one

package session

import (
	"log/slog"
	"sort"
	"sync"
)

// Registry tracks live sessions.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session // sessionID -> session
	byAgent  map[string]string   // agentID -> sessionID
	logger   *slog.Logger
}

// NewRegistry creates a registry. Pass nil logger for default.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sessions: make(map[string]*Session),
		byAgent:  make(map[string]string),
		logger:   logger.With("component", "session-registry"),
	}
}

// Add registers a session. If the agent already had a live session, that
// session is removed from the registry and returned so the caller can close
// its transport.
func (r *Registry) Add(s *Session) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	var superseded *Session
	if prevID, ok := r.byAgent[s.AgentID]; ok && prevID != s.ID {
		superseded = r.sessions[prevID]
		delete(r.sessions, prevID)
	}

	r.sessions[s.ID] = s
	r.byAgent[s.AgentID] = s.ID

	r.logger.Info("=== AGENT AUTHENTICATED ===",
		"session_id", s.ID,
		"agent_id", s.AgentID,
		"name", s.DisplayName,
		"role", s.Role(),
		"total_sessions", len(r.sessions),
	)
	if superseded != nil {
		r.logger.Info("superseded previous session",
			"agent_id", s.AgentID,
			"old_session_id", superseded.ID,
			"new_session_id", s.ID,
		)
	}
	return superseded
}

// Remove deletes a session. It returns false if the session was not
// registered, for example because it was already superseded.
func (r *Registry) Remove(sessionID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, false
	}
	delete(r.sessions, sessionID)
	if r.byAgent[s.AgentID] == sessionID {
		delete(r.byAgent, s.AgentID)
	}

	r.logger.Info("=== AGENT DISCONNECTED ===",
		"session_id", sessionID,
		"agent_id", s.AgentID,
		"name", s.DisplayName,
		"total_sessions", len(r.sessions),
	)
	return s, true
}

// Get returns a session by ID.
func (r *Registry) Get(sessionID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	return s, ok
}

// ByAgent returns the live session of an agent.
func (r *Registry) ByAgent(agentID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byAgent[agentID]
	if !ok {
		return nil, false
	}
	return r.sessions[id], true
}

// List returns all live sessions ordered by join time.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].JoinedAt.Before(out[j].JoinedAt) })
	return out
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Send delivers data to one session. It returns false if the session is
// unknown or its outbox is full.
func (r *Registry) Send(sessionID string, data []byte) bool {
	s, ok := r.Get(sessionID)
	if !ok {
		return false
	}
	return s.Send(data)
}

// Broadcast delivers data to every live session except excludeSessionID and
// returns the number of sessions that accepted it. Delivery is best-effort:
// a session whose outbox is full misses the message.
func (r *Registry) Broadcast(data []byte, excludeSessionID string) int {
	r.mu.RLock()
	targets := make([]*Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		if excludeSessionID != "" && id == excludeSessionID {
			continue
		}
		targets = append(targets, s)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, s := range targets {
		if s.Send(data) {
			delivered++
			continue
		}
		r.logger.Debug("dropped broadcast for slow session",
			"session_id", s.ID,
			"agent_id", s.AgentID,
		)
	}
	return delivered
}

// CloseAll closes every live session transport.
func (r *Registry) CloseAll(code int, reason string) {
	for _, s := range r.List() {
		s.Close(code, reason)
	}
}
