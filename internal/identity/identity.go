// ABOUTME: Agent identity types: role and perspective history, stats, and copy helpers
// ABOUTME: Identity values handed out by the Store are deep copies

package identity

import (
	"errors"
	"time"
)

// Store errors
var (
	ErrNotFound     = errors.New("identity not found")
	ErrNameTaken    = errors.New("display name already taken")
	ErrInvalidToken = errors.New("invalid auth token")
	ErrEmptyName    = errors.New("display name required")
	ErrNoSession    = errors.New("no session bound")
)

// InitialSessionID marks the role entry recorded when an identity is created.
const InitialSessionID = "initial"

// RoleEntry records a role an agent took on.
type RoleEntry struct {
	Role      string    `json:"role"`
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"sessionId"`
}

// PerspectiveEntry records a perspective an agent held before switching.
type PerspectiveEntry struct {
	Perspective string    `json:"perspective"`
	Timestamp   time.Time `json:"timestamp"`
	Reason      string    `json:"reason,omitempty"`
}

// Stats holds lifetime counters and diversity scores.
type Stats struct {
	TotalSessions  int     `json:"totalSessions"`
	TotalMessages  int     `json:"totalMessages"`
	TotalTasks     int     `json:"totalTasks"`
	TotalEdits     int     `json:"totalEdits"`
	DiversityScore float64 `json:"diversityScore"`
	AgreementRate  float64 `json:"agreementRate"`
	EvidenceRate   float64 `json:"evidenceRate"`
}

// Identity is a durable agent identity.
type Identity struct {
	AgentID            string             `json:"agentId"`
	DisplayName        string             `json:"displayName"`
	AuthToken          string             `json:"authToken"`
	FirstSeen          time.Time          `json:"firstSeen"`
	LastSeen           time.Time          `json:"lastSeen"`
	CurrentRole        string             `json:"currentRole"`
	RoleHistory        []RoleEntry        `json:"roleHistory"`
	CurrentPerspective string             `json:"currentPerspective,omitempty"`
	PerspectiveHistory []PerspectiveEntry `json:"perspectiveHistory"`
	Stats              Stats              `json:"stats"`
	CurrentSessionID   string             `json:"currentSessionId,omitempty"`
	LastActivityTime   time.Time          `json:"lastActivityTime,omitzero"`
}

// Contributions is the total of messages, tasks and edits.
func (i *Identity) Contributions() int {
	return i.Stats.TotalMessages + i.Stats.TotalTasks + i.Stats.TotalEdits
}

// Online reports whether a session is bound.
func (i *Identity) Online() bool {
	return i.CurrentSessionID != ""
}

// Clone returns a deep copy.
func (i *Identity) Clone() *Identity {
	c := *i
	c.RoleHistory = append([]RoleEntry(nil), i.RoleHistory...)
	c.PerspectiveHistory = append([]PerspectiveEntry(nil), i.PerspectiveHistory...)
	return &c
}

// Activity is a kind of contribution counted in Stats.
type Activity int

const (
	ActivityMessage Activity = iota
	ActivityTask
	ActivityEdit
)

func (a Activity) String() string {
	switch a {
	case ActivityMessage:
		return "message"
	case ActivityTask:
		return "task"
	case ActivityEdit:
		return "edit"
	default:
		return "unknown"
	}
}

// ActivityReport counts identities with and without a bound session.
type ActivityReport struct {
	Active   int `json:"active"`
	Inactive int `json:"inactive"`
	Total    int `json:"total"`
}

func newStats() Stats {
	return Stats{
		DiversityScore: 0.5,
		AgreementRate:  0.5,
		EvidenceRate:   0.5,
	}
}
