// ABOUTME: Store interface and record types for the gateway's session ledger
// ABOUTME: Sessions and audit events are written here; nothing is ever replayed to agents

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateSession is returned when a session ID is recorded twice
var ErrDuplicateSession = errors.New("session already recorded")

// End reasons for a session record.
const (
	EndDisconnect = "disconnect"
	EndSuperseded = "superseded"
	EndInactive   = "inactive"
	EndShutdown   = "shutdown"
	EndRestart    = "gateway-restart"
)

// SessionRecord is the ledger row for one authenticated connection.
type SessionRecord struct {
	ID          string
	AgentID     string
	DisplayName string
	Role        string
	Perspective string
	JoinedAt    time.Time
	LeftAt      *time.Time
	Messages    int
	Edits       int
	Tasks       int
	EndReason   string
}

// SessionEnd closes a session record.
type SessionEnd struct {
	LeftAt    time.Time
	Messages  int
	Edits     int
	Tasks     int
	EndReason string
}

// Store defines the interface for session ledger persistence
type Store interface {
	// Sessions
	RecordSessionStart(ctx context.Context, rec *SessionRecord) error
	RecordSessionEnd(ctx context.Context, sessionID string, end SessionEnd) error
	GetSession(ctx context.Context, sessionID string) (*SessionRecord, error)
	ListAgentSessions(ctx context.Context, agentID string, limit int) ([]*SessionRecord, error)
	// CloseOpenSessions ends every record still open, e.g. after a crash.
	CloseOpenSessions(ctx context.Context, at time.Time, reason string) (int, error)

	// Audit events
	AppendEvent(ctx context.Context, e *Event) error
	ListEvents(ctx context.Context, f EventFilter) ([]Event, error)

	// Close releases any resources held by the store
	Close() error
}

func normalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}
