// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Persists session records and audit events with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// timeFormat is fixed-width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is created if it doesn't exist and parent directories are
// created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			display_name TEXT NOT NULL,
			role TEXT NOT NULL,
			perspective TEXT NOT NULL DEFAULT '',
			joined_at TEXT NOT NULL,
			left_at TEXT,
			messages INTEGER NOT NULL DEFAULT 0,
			edits INTEGER NOT NULL DEFAULT 0,
			tasks INTEGER NOT NULL DEFAULT 0,
			end_reason TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_agent_joined
			ON sessions(agent_id, joined_at);

		CREATE INDEX IF NOT EXISTS idx_sessions_open
			ON sessions(left_at) WHERE left_at IS NULL;

		CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			agent_id TEXT NOT NULL DEFAULT '',
			session_id TEXT NOT NULL DEFAULT '',
			ts TEXT NOT NULL,
			detail_json TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_events_agent_ts
			ON events(agent_id, ts);

		CREATE INDEX IF NOT EXISTS idx_events_kind_ts
			ON events(kind, ts);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isUniqueConstraintError checks if an error is a SQLite unique constraint violation
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// RecordSessionStart inserts an open session record.
// Returns ErrDuplicateSession if the ID was already recorded.
func (s *SQLiteStore) RecordSessionStart(ctx context.Context, rec *SessionRecord) error {
	if rec.JoinedAt.IsZero() {
		rec.JoinedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO sessions (id, agent_id, display_name, role, perspective, joined_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		rec.ID,
		rec.AgentID,
		rec.DisplayName,
		rec.Role,
		rec.Perspective,
		rec.JoinedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrDuplicateSession
		}
		return fmt.Errorf("inserting session: %w", err)
	}

	s.logger.Debug("recorded session start", "session_id", rec.ID, "agent_id", rec.AgentID)
	return nil
}

// RecordSessionEnd closes an open session record.
// Returns ErrNotFound if the session is unknown or already closed.
func (s *SQLiteStore) RecordSessionEnd(ctx context.Context, sessionID string, end SessionEnd) error {
	if end.LeftAt.IsZero() {
		end.LeftAt = time.Now().UTC()
	}

	query := `
		UPDATE sessions
		SET left_at = ?, messages = ?, edits = ?, tasks = ?, end_reason = ?
		WHERE id = ? AND left_at IS NULL
	`

	result, err := s.db.ExecContext(ctx, query,
		end.LeftAt.UTC().Format(timeFormat),
		end.Messages,
		end.Edits,
		end.Tasks,
		end.EndReason,
		sessionID,
	)
	if err != nil {
		return fmt.Errorf("updating session: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("recorded session end", "session_id", sessionID, "reason", end.EndReason)
	return nil
}

const sessionColumns = `id, agent_id, display_name, role, perspective, joined_at, left_at, messages, edits, tasks, end_reason`

// GetSession retrieves a session record by ID.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*SessionRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, sessionID)
	rec, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ListAgentSessions returns an agent's sessions, newest first.
// If limit is 0 or negative, a default limit of 100 is used.
func (s *SQLiteStore) ListAgentSessions(ctx context.Context, agentID string, limit int) ([]*SessionRecord, error) {
	query := `SELECT ` + sessionColumns + `
		FROM sessions
		WHERE agent_id = ?
		ORDER BY joined_at DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, agentID, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating session rows: %w", err)
	}
	return records, nil
}

// CloseOpenSessions ends every open record with reason.
func (s *SQLiteStore) CloseOpenSessions(ctx context.Context, at time.Time, reason string) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET left_at = ?, end_reason = ? WHERE left_at IS NULL`,
		at.UTC().Format(timeFormat),
		reason,
	)
	if err != nil {
		return 0, fmt.Errorf("closing open sessions: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}
	if n > 0 {
		s.logger.Info("closed stale session records", "count", n, "reason", reason)
	}
	return int(n), nil
}

// scanSession scans a row into a SessionRecord.
func scanSession(scanner interface{ Scan(dest ...any) error }) (*SessionRecord, error) {
	var rec SessionRecord
	var joinedAt string
	var leftAt, endReason sql.NullString

	if err := scanner.Scan(
		&rec.ID,
		&rec.AgentID,
		&rec.DisplayName,
		&rec.Role,
		&rec.Perspective,
		&joinedAt,
		&leftAt,
		&rec.Messages,
		&rec.Edits,
		&rec.Tasks,
		&endReason,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning session row: %w", err)
	}

	var err error
	rec.JoinedAt, err = time.Parse(timeFormat, joinedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing joined_at: %w", err)
	}
	if leftAt.Valid {
		t, err := time.Parse(timeFormat, leftAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing left_at: %w", err)
		}
		rec.LeftAt = &t
	}
	rec.EndReason = endReason.String
	return &rec, nil
}
