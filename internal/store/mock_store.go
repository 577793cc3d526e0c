// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows gateway tests to run without SQLite

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu       sync.RWMutex
	sessions map[string]*SessionRecord // keyed by session ID
	events   []Event
	closed   bool
}

var _ Store = (*MockStore)(nil)

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		sessions: make(map[string]*SessionRecord),
	}
}

// RecordSessionStart stores an open session record.
func (m *MockStore) RecordSessionStart(ctx context.Context, rec *SessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[rec.ID]; exists {
		return ErrDuplicateSession
	}
	if rec.JoinedAt.IsZero() {
		rec.JoinedAt = time.Now().UTC()
	}

	r := *rec
	r.LeftAt = nil
	m.sessions[r.ID] = &r
	return nil
}

// RecordSessionEnd closes an open session record.
func (m *MockStore) RecordSessionEnd(ctx context.Context, sessionID string, end SessionEnd) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.sessions[sessionID]
	if !ok || r.LeftAt != nil {
		return ErrNotFound
	}
	if end.LeftAt.IsZero() {
		end.LeftAt = time.Now().UTC()
	}

	left := end.LeftAt
	r.LeftAt = &left
	r.Messages = end.Messages
	r.Edits = end.Edits
	r.Tasks = end.Tasks
	r.EndReason = end.EndReason
	return nil
}

// GetSession retrieves a session record by ID.
func (m *MockStore) GetSession(ctx context.Context, sessionID string) (*SessionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRecord(r), nil
}

// ListAgentSessions returns an agent's sessions, newest first.
func (m *MockStore) ListAgentSessions(ctx context.Context, agentID string, limit int) ([]*SessionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*SessionRecord
	for _, r := range m.sessions {
		if r.AgentID == agentID {
			out = append(out, copyRecord(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].JoinedAt.After(out[j].JoinedAt)
	})

	if limit = normalizeLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CloseOpenSessions ends every open record.
func (m *MockStore) CloseOpenSessions(ctx context.Context, at time.Time, reason string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, r := range m.sessions {
		if r.LeftAt == nil {
			left := at
			r.LeftAt = &left
			r.EndReason = reason
			n++
		}
	}
	return n, nil
}

// AppendEvent stores an event.
func (m *MockStore) AppendEvent(ctx context.Context, e *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	m.events = append(m.events, *e)
	return nil
}

// ListEvents returns events matching the filter, newest first.
func (m *MockStore) ListEvents(ctx context.Context, f EventFilter) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []Event{}
	for i := len(m.events) - 1; i >= 0; i-- {
		e := m.events[i]
		if f.AgentID != nil && e.AgentID != *f.AgentID {
			continue
		}
		if f.Kind != nil && e.Kind != *f.Kind {
			continue
		}
		if f.Since != nil && e.Timestamp.Before(*f.Since) {
			continue
		}
		out = append(out, e)
	}
	if limit := normalizeLimit(f.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close marks the store closed.
func (m *MockStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Closed reports whether Close was called.
func (m *MockStore) Closed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

func copyRecord(r *SessionRecord) *SessionRecord {
	c := *r
	if r.LeftAt != nil {
		left := *r.LeftAt
		c.LeftAt = &left
	}
	return &c
}
