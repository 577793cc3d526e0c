// ABOUTME: Outbound wire payloads sent by the gateway to agents
// ABOUTME: Encode writes the "type" discriminator ahead of the payload fields

package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/2389/harmony-gateway/internal/identity"
)

// Outbound message types.
const (
	TypeAuthSuccess           Type = "auth-success"
	TypeAuthFailed            Type = "auth-failed"
	TypeRegisterSuccess       Type = "register-success"
	TypeRegisterFailed        Type = "register-failed"
	TypeChat                  Type = "chat"
	TypeEditResolved          Type = "edit-resolved"
	TypeTaskUpdate            Type = "task-update"
	TypeTaskRejection         Type = "task-rejection"
	TypeDecisionMade          Type = "decision-made"
	TypeAgentsSpawned         Type = "agents-spawned"
	TypeIdentityInfo          Type = "identity-info"
	TypeRoleChanged           Type = "role-changed"
	TypeHistoryReport         Type = "history-report"
	TypeDiversityIntervention Type = "diversity-intervention"
	TypeSessionUpdate         Type = "session-update"
	TypeError                 Type = "error"
)

// Session update events.
const (
	SessionJoined      = "joined"
	SessionLeft        = "left"
	SessionRoleChanged = "role-changed"
)

// Task update events.
const (
	TaskEventCreated   = "created"
	TaskEventAssigned  = "assigned"
	TaskEventCompleted = "completed"
	TaskEventReleased  = "released"
)

// Registration failure reasons.
const ReasonNameTaken = "name-taken"

// serverTypes are only ever produced by the gateway. edit is shared: agents
// send it and the gateway relays it under the same type.
var serverTypes = map[Type]bool{
	TypeAuthSuccess:           true,
	TypeAuthFailed:            true,
	TypeRegisterSuccess:       true,
	TypeRegisterFailed:        true,
	TypeChat:                  true,
	TypeEditResolved:          true,
	TypeTaskUpdate:            true,
	TypeTaskRejection:         true,
	TypeDecisionMade:          true,
	TypeAgentsSpawned:         true,
	TypeIdentityInfo:          true,
	TypeRoleChanged:           true,
	TypeHistoryReport:         true,
	TypeDiversityIntervention: true,
	TypeSessionUpdate:         true,
	TypeError:                 true,
}

// IsServerType reports whether t is reserved for gateway-originated frames.
func IsServerType(t Type) bool { return serverTypes[t] }

// IsKnown reports whether t is part of the protocol in either direction.
func IsKnown(t Type) bool {
	return serverTypes[t] || inboundTypes[t]
}

// Outbound is a message sent by the gateway.
type Outbound interface {
	OutboundType() Type
}

// Capabilities advertises optional server features.
type Capabilities struct {
	Realtime           bool `json:"realtime"`
	Orchestration      bool `json:"orchestration"`
	AntiEchoChamber    bool `json:"antiEchoChamber"`
	PersistentIdentity bool `json:"persistentIdentity"`
	SparcModes         bool `json:"sparcModes"`
}

// AuthSuccess confirms an authenticated session.
type AuthSuccess struct {
	AgentID            string          `json:"agentId"`
	AuthToken          string          `json:"authToken"`
	DisplayName        string          `json:"displayName"`
	Role               string          `json:"role"`
	Perspective        string          `json:"perspective,omitempty"`
	SessionID          string          `json:"sessionId"`
	IsReturning        bool            `json:"isReturning"`
	TotalSessions      int             `json:"totalSessions"`
	TotalContributions int             `json:"totalContributions"`
	LastSeen           time.Time       `json:"lastSeen"`
	ServerVersion      string          `json:"serverVersion"`
	Capabilities       Capabilities    `json:"capabilities"`
	VersionWarning     *VersionWarning `json:"versionWarning,omitempty"`
	ClientVersion      string          `json:"clientVersion,omitempty"`
}

// AuthFailed rejects an auth attempt. The connection is closed afterwards.
type AuthFailed struct {
	Reason string `json:"reason"`
}

// RegisterSuccess returns a newly created identity.
type RegisterSuccess struct {
	AgentID     string `json:"agentId"`
	AuthToken   string `json:"authToken"`
	DisplayName string `json:"displayName"`
	Role        string `json:"role"`
}

// RegisterFailed rejects a registration.
type RegisterFailed struct {
	Reason      string   `json:"reason"`
	Suggestions []string `json:"suggestions,omitempty"`
}

// ChatBroadcast relays a chat message to peers.
type ChatBroadcast struct {
	SessionID   string    `json:"sessionId"`
	AgentID     string    `json:"agentId"`
	DisplayName string    `json:"displayName"`
	Role        string    `json:"role"`
	Perspective string    `json:"perspective,omitempty"`
	Text        string    `json:"text"`
	Timestamp   time.Time `json:"timestamp"`
}

// EditBroadcast relays an accepted edit to peers.
type EditBroadcast struct {
	File      string          `json:"file"`
	Edit      json.RawMessage `json:"edit"`
	Version   int             `json:"version"`
	SessionID string          `json:"sessionId"`
	AgentID   string          `json:"agentId"`
	Timestamp time.Time       `json:"timestamp"`
}

// EditResolved announces the outcome of a conflicting edit.
type EditResolved struct {
	File       string          `json:"file"`
	Edit       json.RawMessage `json:"edit"`
	Version    int             `json:"version"`
	ResolvedBy string          `json:"resolvedBy"`
	Confidence float64         `json:"confidence"`
}

// TaskInfo is the wire view of a task.
type TaskInfo struct {
	ID                   string    `json:"id,omitempty"`
	Title                string    `json:"title"`
	Description          string    `json:"description,omitempty"`
	Kind                 string    `json:"kind,omitempty"`
	Status               string    `json:"status,omitempty"`
	AssignedTo           string    `json:"assignedTo,omitempty"`
	CreatedBy            string    `json:"createdBy,omitempty"`
	RequiredPerspectives []string  `json:"requiredPerspectives,omitempty"`
	CreatedAt            time.Time `json:"createdAt,omitzero"`
}

// TaskUpdate announces a task lifecycle event.
type TaskUpdate struct {
	Event string   `json:"event"`
	Task  TaskInfo `json:"task"`
}

// TaskRejection tells a claimant the task cannot be assigned to it.
type TaskRejection struct {
	TaskID string `json:"taskId"`
	Reason string `json:"reason"`
}

// DecisionMade announces the outcome of a completed vote.
type DecisionMade struct {
	ProposalID     string   `json:"proposalId"`
	Decision       string   `json:"decision"`
	Confidence     float64  `json:"confidence"`
	DiversityScore float64  `json:"diversityScore"`
	Perspectives   []string `json:"perspectives"`
}

// SpawnedAgent describes a helper agent created by orchestration.
type SpawnedAgent struct {
	ID          string `json:"id"`
	Mode        string `json:"mode"`
	Task        string `json:"task"`
	Perspective string `json:"perspective,omitempty"`
}

// AgentsSpawned answers a spawn request.
type AgentsSpawned struct {
	Agents []SpawnedAgent `json:"agents"`
}

// SessionInfo describes the caller's live session.
type SessionInfo struct {
	SessionID            string    `json:"sessionId"`
	JoinedAt             time.Time `json:"joinedAt"`
	SessionContributions int       `json:"sessionContributions"`
}

// IdentityInfo answers whoami.
type IdentityInfo struct {
	AgentID            string                      `json:"agentId"`
	DisplayName        string                      `json:"displayName"`
	Role               string                      `json:"role"`
	Perspective        string                      `json:"perspective,omitempty"`
	Stats              identity.Stats              `json:"stats"`
	RoleHistory        []identity.RoleEntry        `json:"roleHistory"`
	PerspectiveHistory []identity.PerspectiveEntry `json:"perspectiveHistory"`
	FirstSeen          time.Time                   `json:"firstSeen"`
	SessionInfo        SessionInfo                 `json:"sessionInfo"`
}

// RoleChanged confirms a role switch.
type RoleChanged struct {
	AgentID string `json:"agentId"`
	OldRole string `json:"oldRole"`
	NewRole string `json:"newRole"`
}

// SessionSummary is one past or current session in a history report.
type SessionSummary struct {
	SessionID string    `json:"sessionId"`
	Role      string    `json:"role"`
	JoinedAt  time.Time `json:"joinedAt"`
	LeftAt    time.Time `json:"leftAt,omitzero"`
	Messages  int       `json:"messages"`
	Edits     int       `json:"edits"`
	Tasks     int       `json:"tasks"`
	EndReason string    `json:"endReason,omitempty"`
}

// HistoryReport answers get-history.
type HistoryReport struct {
	Report   string           `json:"report"`
	Sessions []SessionSummary `json:"sessions,omitempty"`
}

// DiversityIntervention tells the sender its message was held back.
type DiversityIntervention struct {
	Reason         string   `json:"reason"`
	RequiredAction string   `json:"requiredAction,omitempty"`
	Suggestions    []string `json:"suggestions,omitempty"`
	OriginalType   Type     `json:"originalType"`
}

// SessionUpdate announces peers joining, leaving or changing role.
type SessionUpdate struct {
	Event          string `json:"event"`
	SessionID      string `json:"sessionId"`
	AgentID        string `json:"agentId"`
	DisplayName    string `json:"displayName"`
	Role           string `json:"role,omitempty"`
	Perspective    string `json:"perspective,omitempty"`
	ActiveSessions int    `json:"activeSessions"`
}

// Error reports a protocol error. The connection stays open.
type Error struct {
	Message string `json:"message"`
}

func (AuthSuccess) OutboundType() Type           { return TypeAuthSuccess }
func (AuthFailed) OutboundType() Type            { return TypeAuthFailed }
func (RegisterSuccess) OutboundType() Type       { return TypeRegisterSuccess }
func (RegisterFailed) OutboundType() Type        { return TypeRegisterFailed }
func (ChatBroadcast) OutboundType() Type         { return TypeChat }
func (EditBroadcast) OutboundType() Type         { return TypeEdit }
func (EditResolved) OutboundType() Type          { return TypeEditResolved }
func (TaskUpdate) OutboundType() Type            { return TypeTaskUpdate }
func (TaskRejection) OutboundType() Type         { return TypeTaskRejection }
func (DecisionMade) OutboundType() Type          { return TypeDecisionMade }
func (AgentsSpawned) OutboundType() Type         { return TypeAgentsSpawned }
func (IdentityInfo) OutboundType() Type          { return TypeIdentityInfo }
func (RoleChanged) OutboundType() Type           { return TypeRoleChanged }
func (HistoryReport) OutboundType() Type         { return TypeHistoryReport }
func (DiversityIntervention) OutboundType() Type { return TypeDiversityIntervention }
func (SessionUpdate) OutboundType() Type         { return TypeSessionUpdate }
func (Error) OutboundType() Type                 { return TypeError }

// Encode serializes an outbound message with its discriminator.
func Encode(m Outbound) ([]byte, error) {
	return withType(m.OutboundType(), m)
}

// MustEncode is Encode for payloads that cannot fail to marshal.
func MustEncode(m Outbound) []byte {
	data, err := Encode(m)
	if err != nil {
		panic(fmt.Sprintf("protocol: encoding %s: %v", m.OutboundType(), err))
	}
	return data
}

// withType marshals v and prepends the "type" field to the resulting object.
func withType(t Type, v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("encoding %s: payload is not an object", t)
	}

	head, err := json.Marshal(t)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.Grow(len(body) + len(head) + 10)
	buf.WriteString(`{"type":`)
	buf.Write(head)
	if !bytes.Equal(body, []byte("{}")) {
		buf.WriteByte(',')
		buf.Write(body[1:])
	} else {
		buf.WriteByte('}')
	}
	return buf.Bytes(), nil
}

// PeekType returns the discriminator of a frame without decoding the rest.
func PeekType(data []byte) (Type, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return "", ErrMissingType
	}
	return env.Type, nil
}
