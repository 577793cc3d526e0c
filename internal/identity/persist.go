// ABOUTME: Identity persistence: backup, temp write, validate, rename on save
// ABOUTME: Load recovers from the backup file and skips invalid records

package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"
)

// FileVersion is written into every snapshot.
const FileVersion = "3.2.0"

const (
	backupSuffix = ".backup"
	tmpSuffix    = ".tmp"
)

// PersistenceError describes a failed save or load step.
type PersistenceError struct {
	Op   string
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("identity persistence %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// errNoIdentities marks a document without an identities array.
var errNoIdentities = errors.New("missing identities array")

// document is the on-disk layout. Identities stay raw so each record can be
// validated on its own.
type document struct {
	Identities *[]json.RawMessage `json:"identities"`
	Version    string             `json:"version"`
}

type snapshot struct {
	Identities []*Identity `json:"identities"`
	Version    string      `json:"version"`
}

// record mirrors Identity with string timestamps so a single bad date does
// not fail the whole document.
type record struct {
	AgentID            string              `json:"agentId"`
	DisplayName        string              `json:"displayName"`
	AuthToken          string              `json:"authToken"`
	FirstSeen          string              `json:"firstSeen"`
	LastSeen           string              `json:"lastSeen"`
	CurrentRole        string              `json:"currentRole"`
	RoleHistory        []recordRole        `json:"roleHistory"`
	CurrentPerspective string              `json:"currentPerspective"`
	PerspectiveHistory []recordPerspective `json:"perspectiveHistory"`
	Stats              *Stats              `json:"stats"`
	CurrentSessionID   string              `json:"currentSessionId"`
	LastActivityTime   string              `json:"lastActivityTime"`
}

type recordRole struct {
	Role      string `json:"role"`
	Timestamp string `json:"timestamp"`
	SessionID string `json:"sessionId"`
}

type recordPerspective struct {
	Perspective string `json:"perspective"`
	Timestamp   string `json:"timestamp"`
	Reason      string `json:"reason"`
}

// Save writes a snapshot synchronously. Concurrent calls are serialized.
func (s *Store) Save() error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	start := time.Now()
	err := s.saveLocked()
	if s.saveHook != nil {
		s.saveHook(err, time.Since(start))
	}
	return err
}

func (s *Store) saveLocked() error {
	s.mu.RLock()
	snap := snapshot{
		Identities: make([]*Identity, 0, len(s.byID)),
		Version:    FileVersion,
	}
	for _, ident := range s.byID {
		snap.Identities = append(snap.Identities, ident.Clone())
	}
	s.mu.RUnlock()

	sortByFirstSeen(snap.Identities)

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return &PersistenceError{Op: "encode", Path: s.path, Err: err}
	}
	return writeSnapshot(s.path, data)
}

// writeSnapshot runs the backup, temp write, validate, rename sequence.
func writeSnapshot(path string, data []byte) error {
	tmp := path + tmpSuffix
	fail := func(op string, err error) error {
		_ = os.Remove(tmp)
		return &PersistenceError{Op: op, Path: path, Err: err}
	}

	if _, err := os.Stat(path); err == nil {
		if err := copyFile(path, path+backupSuffix); err != nil {
			return fail("backup", err)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fail("stat", err)
	}

	if err := writeFileSync(tmp, data); err != nil {
		return fail("write", err)
	}

	written, err := os.ReadFile(tmp)
	if err != nil {
		return fail("verify", err)
	}
	if _, _, err := parseDocument(written); err != nil {
		return fail("verify", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		return fail("rename", err)
	}
	return nil
}

// load reads the primary file, falling back to the backup, then to an empty
// degraded store.
func (s *Store) load() {
	backup := s.path + backupSuffix

	idents, skipped, err := readIdentities(s.path)
	if err == nil {
		s.warnSkipped(s.path, skipped)
		s.install(idents)
		s.logger.Info("identities loaded", "path", s.path, "count", len(idents))
		return
	}
	primaryMissing := errors.Is(err, fs.ErrNotExist)
	if !primaryMissing {
		s.logger.Warn("identity file unreadable, trying backup", "path", s.path, "error", err)
	}

	idents, skipped, backupErr := readIdentities(backup)
	if backupErr == nil {
		s.warnSkipped(backup, skipped)
		s.install(idents)
		if err := copyFile(backup, s.path); err != nil {
			s.logger.Error("restoring identity file from backup failed", "path", s.path, "error", err)
		}
		s.logger.Warn("identities recovered from backup", "backup", backup, "count", len(idents))
		return
	}

	if primaryMissing && errors.Is(backupErr, fs.ErrNotExist) {
		s.logger.Info("no identity file found, starting fresh", "path", s.path)
		return
	}

	s.degraded = true
	s.logger.Error("=== IDENTITY STORE DEGRADED ===",
		"path", s.path,
		"primary_error", err,
		"backup_error", backupErr,
		"note", "starting with an empty identity store",
	)
}

// install indexes loaded identities, dropping any that would break the
// id, token or name uniqueness.
func (s *Store) install(idents []*Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ident := range idents {
		_, dupID := s.byID[ident.AgentID]
		_, dupToken := s.byToken[ident.AuthToken]
		_, dupName := s.byName[ident.DisplayName]
		if dupID || dupToken || dupName {
			s.logger.Warn("skipping duplicate identity record", "agent_id", ident.AgentID, "display_name", ident.DisplayName)
			continue
		}
		if ident.CurrentSessionID != "" {
			if _, taken := s.bySession[ident.CurrentSessionID]; taken {
				ident.CurrentSessionID = ""
			}
		}
		s.indexLocked(ident)
	}
}

// skippedRecord is an identity record that failed validation on load.
type skippedRecord struct {
	Index   int
	AgentID string
	Err     error
}

func (s *Store) warnSkipped(path string, skipped []skippedRecord) {
	for _, sk := range skipped {
		s.logger.Warn("skipping invalid identity record",
			"path", path,
			"index", sk.Index,
			"agent_id", sk.AgentID,
			"error", sk.Err,
		)
	}
}

func readIdentities(path string) ([]*Identity, []skippedRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	return parseDocument(data)
}

// parseDocument validates the document structure and converts each record.
// Invalid records are returned separately.
func parseDocument(data []byte) ([]*Identity, []skippedRecord, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, nil, fmt.Errorf("parsing identity file: %w", err)
	}
	if doc.Identities == nil {
		return nil, nil, errNoIdentities
	}

	out := make([]*Identity, 0, len(*doc.Identities))
	var skipped []skippedRecord
	for i, raw := range *doc.Identities {
		var rec record
		if err := json.Unmarshal(raw, &rec); err != nil {
			skipped = append(skipped, skippedRecord{Index: i, AgentID: rec.AgentID, Err: err})
			continue
		}
		ident, err := rec.toIdentity()
		if err != nil {
			skipped = append(skipped, skippedRecord{Index: i, AgentID: rec.AgentID, Err: err})
			continue
		}
		out = append(out, ident)
	}
	return out, skipped, nil
}

func (r *record) toIdentity() (*Identity, error) {
	if r.AgentID == "" || r.DisplayName == "" || r.AuthToken == "" {
		return nil, errors.New("missing required field")
	}

	firstSeen, err := parseTime(r.FirstSeen)
	if err != nil {
		return nil, err
	}
	lastSeen, err := parseTime(r.LastSeen)
	if err != nil {
		return nil, err
	}
	var lastActivity time.Time
	if r.LastActivityTime != "" {
		if lastActivity, err = parseTime(r.LastActivityTime); err != nil {
			return nil, err
		}
	}

	ident := &Identity{
		AgentID:            r.AgentID,
		DisplayName:        r.DisplayName,
		AuthToken:          r.AuthToken,
		FirstSeen:          firstSeen,
		LastSeen:           lastSeen,
		CurrentRole:        r.CurrentRole,
		RoleHistory:        make([]RoleEntry, 0, len(r.RoleHistory)),
		CurrentPerspective: r.CurrentPerspective,
		PerspectiveHistory: make([]PerspectiveEntry, 0, len(r.PerspectiveHistory)),
		Stats:              newStats(),
		CurrentSessionID:   r.CurrentSessionID,
		LastActivityTime:   lastActivity,
	}
	if r.Stats != nil {
		ident.Stats = *r.Stats
	}

	for _, h := range r.RoleHistory {
		ts, err := parseTime(h.Timestamp)
		if err != nil {
			return nil, err
		}
		ident.RoleHistory = append(ident.RoleHistory, RoleEntry{Role: h.Role, Timestamp: ts, SessionID: h.SessionID})
	}
	for _, h := range r.PerspectiveHistory {
		ts, err := parseTime(h.Timestamp)
		if err != nil {
			return nil, err
		}
		ident.PerspectiveHistory = append(ident.PerspectiveHistory, PerspectiveEntry{Perspective: h.Perspective, Timestamp: ts, Reason: h.Reason})
	}
	return ident, nil
}

func parseTime(v string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", v, err)
	}
	return t, nil
}

func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// requestSave asks the background writer for a save. Requests made while a
// save is pending collapse into one.
func (s *Store) requestSave() {
	select {
	case s.dirty <- struct{}{}:
	default:
	}
}

func (s *Store) writer() {
	defer s.wg.Done()
	for {
		select {
		case <-s.dirty:
			if err := s.Save(); err != nil {
				s.logger.Error("saving identities failed", "error", err)
			}
		case <-s.done:
			return
		}
	}
}
