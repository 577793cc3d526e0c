// ABOUTME: Session represents one live connection bound to an agent identity
// ABOUTME: Holds the transport, join time, per-session counters and cached role

package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/2389/harmony-gateway/internal/identity"
)

// WebSocket close codes used for server-initiated closes.
const (
	CloseNormal     = 1000
	CloseGoingAway  = 1001
	CloseSuperseded = 4000
	CloseInactive   = 4001
	CloseAuthFailed = 4003
)

// Transport is the write side of a live connection.
type Transport interface {
	// Send queues data for delivery without blocking. It returns false if the
	// transport is closed or its queue is full.
	Send(data []byte) bool
	// Close shuts the connection down with a close frame.
	Close(code int, reason string)
}

// NewID returns a fresh session ID. IDs sort by creation time and are never
// reused.
func NewID() string {
	return "session-" + ulid.Make().String()
}

// Counters are the contributions made during one session.
type Counters struct {
	Messages int `json:"messages"`
	Edits    int `json:"edits"`
	Tasks    int `json:"tasks"`
}

// Total sums all counters.
func (c Counters) Total() int {
	return c.Messages + c.Edits + c.Tasks
}

// Session is one authenticated connection.
type Session struct {
	ID          string
	AgentID     string
	DisplayName string
	JoinedAt    time.Time

	transport Transport

	mu          sync.RWMutex
	role        string
	perspective string

	messages atomic.Int64
	edits    atomic.Int64
	tasks    atomic.Int64
}

// Params holds the values needed to create a Session.
type Params struct {
	ID          string
	AgentID     string
	DisplayName string
	Role        string
	Perspective string
	JoinedAt    time.Time
	Transport   Transport
}

// New creates a session.
func New(p Params) *Session {
	if p.ID == "" {
		p.ID = NewID()
	}
	if p.JoinedAt.IsZero() {
		p.JoinedAt = time.Now()
	}
	return &Session{
		ID:          p.ID,
		AgentID:     p.AgentID,
		DisplayName: p.DisplayName,
		JoinedAt:    p.JoinedAt,
		transport:   p.Transport,
		role:        p.Role,
		perspective: p.Perspective,
	}
}

// Role returns the cached role.
func (s *Session) Role() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.role
}

// SetRole updates the cached role.
func (s *Session) SetRole(role string) {
	s.mu.Lock()
	s.role = role
	s.mu.Unlock()
}

// Perspective returns the cached perspective.
func (s *Session) Perspective() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.perspective
}

// SetPerspective updates the cached perspective.
func (s *Session) SetPerspective(perspective string) {
	s.mu.Lock()
	s.perspective = perspective
	s.mu.Unlock()
}

// Count records one contribution of the given kind.
func (s *Session) Count(kind identity.Activity) {
	switch kind {
	case identity.ActivityMessage:
		s.messages.Add(1)
	case identity.ActivityEdit:
		s.edits.Add(1)
	case identity.ActivityTask:
		s.tasks.Add(1)
	}
}

// Counters returns a snapshot of the session counters.
func (s *Session) Counters() Counters {
	return Counters{
		Messages: int(s.messages.Load()),
		Edits:    int(s.edits.Load()),
		Tasks:    int(s.tasks.Load()),
	}
}

// Send queues data on the session transport.
func (s *Session) Send(data []byte) bool {
	if s.transport == nil {
		return false
	}
	return s.transport.Send(data)
}

// Close closes the session transport.
func (s *Session) Close(code int, reason string) {
	if s.transport != nil {
		s.transport.Close(code, reason)
	}
}
