// ABOUTME: Identity Store holding every agent identity behind one mutex
// ABOUTME: Keeps id, token, name and session indices consistent on each operation

package identity

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// DefaultInactivityTimeout is used by SweepInactive when no timeout is given.
const DefaultInactivityTimeout = 5 * time.Minute

// Options configures a Store.
type Options struct {
	Clock  clock.Clock
	Logger *slog.Logger
	// SaveHook, when set, is called after every save attempt.
	SaveHook func(err error, took time.Duration)
}

// Store is the durable identity registry.
type Store struct {
	mu        sync.RWMutex
	byID      map[string]*Identity
	byToken   map[string]string // authToken -> agentID
	byName    map[string]string // displayName -> agentID
	bySession map[string]string // sessionID -> agentID

	path     string
	clock    clock.Clock
	logger   *slog.Logger
	saveHook func(err error, took time.Duration)
	degraded bool

	saveMu    sync.Mutex
	dirty     chan struct{}
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Open loads the store at path and starts the background writer.
// A missing or unreadable file never fails Open; the store starts empty.
func Open(path string, opts Options) (*Store, error) {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating identity directory: %w", err)
	}

	s := &Store{
		byID:      make(map[string]*Identity),
		byToken:   make(map[string]string),
		byName:    make(map[string]string),
		bySession: make(map[string]string),
		path:      path,
		clock:     opts.Clock,
		logger:    opts.Logger.With("component", "identity-store"),
		saveHook:  opts.SaveHook,
		dirty:     make(chan struct{}, 1),
		done:      make(chan struct{}),
	}

	s.load()

	s.wg.Add(1)
	go s.writer()

	return s, nil
}

// Path returns the primary persistence file path.
func (s *Store) Path() string {
	return s.path
}

// Degraded reports whether the store started empty because neither the
// primary nor the backup file could be read.
func (s *Store) Degraded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.degraded
}

// Len returns the number of identities.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

// RegisterOrAuthenticate resolves an identity by token, then by display name,
// and creates a new one when neither matches.
func (s *Store) RegisterOrAuthenticate(displayName, token, role string) (*Identity, error) {
	s.mu.Lock()
	now := s.clock.Now()

	if token != "" {
		if id, ok := s.byToken[token]; ok {
			ident := s.byID[id]
			ident.LastSeen = now
			out := ident.Clone()
			s.mu.Unlock()
			s.requestSave()
			return out, nil
		}
	}

	if displayName == "" {
		s.mu.Unlock()
		return nil, ErrEmptyName
	}

	if id, ok := s.byName[displayName]; ok {
		ident := s.byID[id]
		ident.LastSeen = now
		out := ident.Clone()
		s.mu.Unlock()
		s.requestSave()
		return out, nil
	}

	ident, err := s.createLocked(displayName, role, now)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	s.logger.Info("identity created", "agent_id", ident.AgentID, "display_name", displayName, "role", role)
	s.requestSave()
	return ident, nil
}

// Register creates a new identity, failing with ErrNameTaken if the display
// name is already in use.
func (s *Store) Register(displayName, role string) (*Identity, error) {
	if displayName == "" {
		return nil, ErrEmptyName
	}

	s.mu.Lock()
	if _, ok := s.byName[displayName]; ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNameTaken, displayName)
	}
	ident, err := s.createLocked(displayName, role, s.clock.Now())
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	s.logger.Info("identity registered", "agent_id", ident.AgentID, "display_name", displayName, "role", role)
	s.requestSave()
	return ident, nil
}

// Authenticate resolves a token and refreshes LastSeen.
func (s *Store) Authenticate(token string) (*Identity, error) {
	s.mu.Lock()
	id, ok := s.byToken[token]
	if !ok || token == "" {
		s.mu.Unlock()
		return nil, ErrInvalidToken
	}
	ident := s.byID[id]
	ident.LastSeen = s.clock.Now()
	out := ident.Clone()
	s.mu.Unlock()

	s.requestSave()
	return out, nil
}

// createLocked builds and indexes a new identity. Must be called with mu held.
func (s *Store) createLocked(displayName, role string, now time.Time) (*Identity, error) {
	agentID, err := s.uniqueLocked("agent-", 8, func(v string) bool { _, ok := s.byID[v]; return ok })
	if err != nil {
		return nil, err
	}
	token, err := s.uniqueLocked("", 32, func(v string) bool { _, ok := s.byToken[v]; return ok })
	if err != nil {
		return nil, err
	}

	ident := &Identity{
		AgentID:     agentID,
		DisplayName: displayName,
		AuthToken:   token,
		FirstSeen:   now,
		LastSeen:    now,
		CurrentRole: role,
		RoleHistory: []RoleEntry{{
			Role:      role,
			Timestamp: now,
			SessionID: InitialSessionID,
		}},
		PerspectiveHistory: []PerspectiveEntry{},
		Stats:              newStats(),
	}
	s.indexLocked(ident)
	return ident.Clone(), nil
}

// uniqueLocked generates a prefixed hex value that is not already taken.
func (s *Store) uniqueLocked(prefix string, n int, taken func(string) bool) (string, error) {
	for range 8 {
		v, err := randomHex(n)
		if err != nil {
			return "", err
		}
		v = prefix + v
		if !taken(v) {
			return v, nil
		}
	}
	return "", fmt.Errorf("generating unique %sidentifier: too many collisions", prefix)
}

func (s *Store) indexLocked(ident *Identity) {
	s.byID[ident.AgentID] = ident
	s.byToken[ident.AuthToken] = ident.AgentID
	s.byName[ident.DisplayName] = ident.AgentID
	if ident.CurrentSessionID != "" {
		s.bySession[ident.CurrentSessionID] = ident.AgentID
	}
}

// Get returns the identity with the given agent ID.
func (s *Store) Get(agentID string) (*Identity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ident, ok := s.byID[agentID]
	if !ok {
		return nil, false
	}
	return ident.Clone(), true
}

// GetByName returns the identity using the given display name.
func (s *Store) GetByName(displayName string) (*Identity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byName[displayName]
	if !ok {
		return nil, false
	}
	return s.byID[id].Clone(), true
}

// GetBySession returns the identity bound to the given session.
func (s *Store) GetBySession(sessionID string) (*Identity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.bySession[sessionID]
	if !ok {
		return nil, false
	}
	return s.byID[id].Clone(), true
}

// List returns all identities sorted by display name.
func (s *Store) List() []*Identity {
	s.mu.RLock()
	out := make([]*Identity, 0, len(s.byID))
	for _, ident := range s.byID {
		out = append(out, ident.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].DisplayName < out[j].DisplayName })
	return out
}

// NameAvailable reports whether no identity uses displayName.
func (s *Store) NameAvailable(displayName string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, taken := s.byName[displayName]
	return !taken
}

// BindSession attaches sessionID to the identity, evicting any previous
// session mapping. It returns the previous session ID, if any.
func (s *Store) BindSession(agentID, sessionID string) (string, error) {
	s.mu.Lock()
	ident, ok := s.byID[agentID]
	if !ok {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrNotFound, agentID)
	}

	previous := ident.CurrentSessionID
	if previous != "" {
		delete(s.bySession, previous)
	}
	now := s.clock.Now()
	ident.CurrentSessionID = sessionID
	ident.LastActivityTime = now
	ident.LastSeen = now
	ident.Stats.TotalSessions++
	s.bySession[sessionID] = agentID
	s.mu.Unlock()

	s.requestSave()
	return previous, nil
}

// UnbindSession clears the identity's session if it is still sessionID.
// It returns false when nothing was bound.
func (s *Store) UnbindSession(sessionID string) bool {
	s.mu.Lock()
	id, ok := s.bySession[sessionID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.bySession, sessionID)
	ident := s.byID[id]
	if ident.CurrentSessionID == sessionID {
		ident.CurrentSessionID = ""
		ident.LastSeen = s.clock.Now()
	}
	s.mu.Unlock()

	s.requestSave()
	return true
}

// SweepInactive unbinds every identity whose last activity is older than
// timeout and returns the released session IDs.
func (s *Store) SweepInactive(timeout time.Duration) []string {
	if timeout <= 0 {
		timeout = DefaultInactivityTimeout
	}

	s.mu.Lock()
	cutoff := s.clock.Now().Add(-timeout)
	var released []string
	for _, ident := range s.byID {
		if ident.CurrentSessionID == "" {
			continue
		}
		if !ident.LastActivityTime.Before(cutoff) {
			continue
		}
		released = append(released, ident.CurrentSessionID)
		delete(s.bySession, ident.CurrentSessionID)
		ident.CurrentSessionID = ""
		ident.LastActivityTime = time.Time{}
	}
	s.mu.Unlock()

	if len(released) > 0 {
		sort.Strings(released)
		s.logger.Info("swept inactive sessions", "count", len(released), "timeout", timeout)
		s.requestSave()
	}
	return released
}

// ChangeRole switches the current role, appending it to the role history.
// It returns the previous role.
func (s *Store) ChangeRole(agentID, newRole, sessionID string) (string, error) {
	s.mu.Lock()
	ident, ok := s.byID[agentID]
	if !ok {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrNotFound, agentID)
	}
	old := ident.CurrentRole
	if old == newRole {
		s.mu.Unlock()
		return old, nil
	}
	ident.RoleHistory = append(ident.RoleHistory, RoleEntry{
		Role:      newRole,
		Timestamp: s.clock.Now(),
		SessionID: sessionID,
	})
	ident.CurrentRole = newRole
	s.mu.Unlock()

	s.logger.Info("role changed", "agent_id", agentID, "old_role", old, "new_role", newRole)
	s.requestSave()
	return old, nil
}

// ChangePerspective sets the current perspective, recording the previous one.
func (s *Store) ChangePerspective(agentID, perspective, reason string) error {
	s.mu.Lock()
	ident, ok := s.byID[agentID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, agentID)
	}
	if ident.CurrentPerspective == perspective {
		s.mu.Unlock()
		return nil
	}
	if ident.CurrentPerspective != "" {
		ident.PerspectiveHistory = append(ident.PerspectiveHistory, PerspectiveEntry{
			Perspective: ident.CurrentPerspective,
			Timestamp:   s.clock.Now(),
			Reason:      reason,
		})
	}
	ident.CurrentPerspective = perspective
	s.mu.Unlock()

	s.requestSave()
	return nil
}

// RecordActivity counts a contribution and stamps activity. It only applies
// while a session is bound.
func (s *Store) RecordActivity(agentID string, kind Activity) error {
	s.mu.Lock()
	ident, ok := s.byID[agentID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, agentID)
	}
	if ident.CurrentSessionID == "" {
		s.mu.Unlock()
		return ErrNoSession
	}
	switch kind {
	case ActivityMessage:
		ident.Stats.TotalMessages++
	case ActivityTask:
		ident.Stats.TotalTasks++
	case ActivityEdit:
		ident.Stats.TotalEdits++
	}
	now := s.clock.Now()
	ident.LastActivityTime = now
	ident.LastSeen = now
	s.mu.Unlock()

	s.requestSave()
	return nil
}

// Touch stamps activity for a bound identity without counting a contribution.
func (s *Store) Touch(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ident, ok := s.byID[agentID]; ok && ident.CurrentSessionID != "" {
		ident.LastActivityTime = s.clock.Now()
	}
}

// UpdateScores replaces the diversity scores of an identity.
func (s *Store) UpdateScores(agentID string, diversity, agreement, evidence float64) error {
	s.mu.Lock()
	ident, ok := s.byID[agentID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, agentID)
	}
	ident.Stats.DiversityScore = diversity
	ident.Stats.AgreementRate = agreement
	ident.Stats.EvidenceRate = evidence
	s.mu.Unlock()

	s.requestSave()
	return nil
}

// ActivityReport counts bound and unbound identities.
func (s *Store) ActivityReport() ActivityReport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r := ActivityReport{Total: len(s.byID)}
	for _, ident := range s.byID {
		if ident.CurrentSessionID != "" {
			r.Active++
		}
	}
	r.Inactive = r.Total - r.Active
	return r
}

// HistoryReport renders a plain-text summary of an identity.
func (s *Store) HistoryReport(agentID string) (string, error) {
	ident, ok := s.Get(agentID)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, agentID)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Agent: %s (%s)\n", ident.DisplayName, ident.AgentID)
	fmt.Fprintf(&b, "First seen: %s\n", ident.FirstSeen.Format(time.RFC3339))
	fmt.Fprintf(&b, "Last seen: %s\n", ident.LastSeen.Format(time.RFC3339))
	fmt.Fprintf(&b, "Current role: %s\n", ident.CurrentRole)
	if ident.CurrentPerspective != "" {
		fmt.Fprintf(&b, "Current perspective: %s\n", ident.CurrentPerspective)
	}
	fmt.Fprintf(&b, "Total sessions: %d\n", ident.Stats.TotalSessions)
	fmt.Fprintf(&b, "Contributions: %d messages, %d tasks, %d edits\n",
		ident.Stats.TotalMessages, ident.Stats.TotalTasks, ident.Stats.TotalEdits)

	b.WriteString("\nRole History:\n")
	for i, entry := range ident.RoleHistory {
		fmt.Fprintf(&b, "  %d. %s (since %s, session %s)\n",
			i+1, entry.Role, entry.Timestamp.Format(time.RFC3339), entry.SessionID)
	}

	if len(ident.PerspectiveHistory) > 0 {
		b.WriteString("\nPerspective History:\n")
		for i, entry := range ident.PerspectiveHistory {
			fmt.Fprintf(&b, "  %d. %s (until %s)", i+1, entry.Perspective, entry.Timestamp.Format(time.RFC3339))
			if entry.Reason != "" {
				fmt.Fprintf(&b, " - %s", entry.Reason)
			}
			b.WriteString("\n")
		}
	}

	b.WriteString("\nDiversity Metrics:\n")
	fmt.Fprintf(&b, "  Diversity score: %.2f\n", ident.Stats.DiversityScore)
	fmt.Fprintf(&b, "  Agreement rate: %.2f\n", ident.Stats.AgreementRate)
	fmt.Fprintf(&b, "  Evidence rate: %.2f\n", ident.Stats.EvidenceRate)

	return b.String(), nil
}

// Close stops the background writer and performs a final save.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
		err = s.Save()
	})
	return err
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
