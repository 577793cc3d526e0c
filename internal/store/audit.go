// ABOUTME: Audit event entity and store methods for notable protocol events
// ABOUTME: Records interventions, supersessions, sweeps and role changes for operators

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventKind represents an auditable protocol event.
type EventKind string

const (
	EventIntervention EventKind = "intervention"
	EventRoleChange   EventKind = "role_change"
	EventSuperseded   EventKind = "superseded"
	EventInactive     EventKind = "inactive"
	EventAuthFailed   EventKind = "auth_failed"
	EventRegistered   EventKind = "registered"
)

// Event represents a single audit event.
type Event struct {
	ID        string         // UUID v4
	Kind      EventKind      // what happened
	AgentID   string         // affected agent, if any
	SessionID string         // affected session, if any
	Timestamp time.Time      // when it happened
	Detail    map[string]any // additional context
}

// EventFilter specifies filtering options for listing events.
type EventFilter struct {
	AgentID *string
	Kind    *EventKind
	Since   *time.Time
	Limit   int // max results (default 100, max 1000)
}

// AppendEvent appends a new event. Generates ID and Timestamp if not set.
func (s *SQLiteStore) AppendEvent(ctx context.Context, e *Event) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	var detailJSON *string
	if e.Detail != nil {
		data, err := json.Marshal(e.Detail)
		if err != nil {
			return fmt.Errorf("marshaling event detail: %w", err)
		}
		str := string(data)
		detailJSON = &str
	}

	query := `
		INSERT INTO events (id, kind, agent_id, session_id, ts, detail_json)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		e.ID,
		string(e.Kind),
		e.AgentID,
		e.SessionID,
		e.Timestamp.UTC().Format(timeFormat),
		detailJSON,
	)
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}

	s.logger.Debug("appended event", "id", e.ID, "kind", e.Kind, "agent_id", e.AgentID)
	return nil
}

const eventQuery = `
	SELECT id, kind, agent_id, session_id, ts, detail_json
	FROM events
	WHERE (? IS NULL OR agent_id = ?)
	  AND (? IS NULL OR kind = ?)
	  AND (? IS NULL OR ts >= ?)
	ORDER BY ts DESC
	LIMIT ?
`

// ListEvents returns events matching the filter, newest first.
func (s *SQLiteStore) ListEvents(ctx context.Context, f EventFilter) ([]Event, error) {
	var kind, since *string
	if f.Kind != nil {
		k := string(*f.Kind)
		kind = &k
	}
	if f.Since != nil {
		t := f.Since.UTC().Format(timeFormat)
		since = &t
	}

	rows, err := s.db.QueryContext(ctx, eventQuery,
		f.AgentID, f.AgentID,
		kind, kind,
		since, since,
		normalizeLimit(f.Limit),
	)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	events := []Event{}
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating events: %w", err)
	}
	return events, nil
}

// scanEvent scans a row into an Event.
func scanEvent(scanner interface{ Scan(dest ...any) error }) (Event, error) {
	var e Event
	var kind, ts string
	var detailJSON *string

	if err := scanner.Scan(&e.ID, &kind, &e.AgentID, &e.SessionID, &ts, &detailJSON); err != nil {
		return e, fmt.Errorf("scanning event: %w", err)
	}

	e.Kind = EventKind(kind)
	var err error
	e.Timestamp, err = time.Parse(timeFormat, ts)
	if err != nil {
		return e, fmt.Errorf("parsing timestamp: %w", err)
	}

	if detailJSON != nil {
		if err := json.Unmarshal([]byte(*detailJSON), &e.Detail); err != nil {
			return e, fmt.Errorf("unmarshaling detail: %w", err)
		}
	}
	return e, nil
}
