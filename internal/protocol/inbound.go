// ABOUTME: Inbound wire messages as a closed set of types dispatched through a Visitor
// ABOUTME: Decode maps the "type" discriminator onto the concrete message struct

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Type is a wire message discriminator.
type Type string

// Inbound message types.
const (
	TypeAuth       Type = "auth"
	TypeRegister   Type = "register"
	TypeMessage    Type = "message"
	TypeEdit       Type = "edit"
	TypeTask       Type = "task"
	TypeVote       Type = "vote"
	TypeProposal   Type = "proposal"
	TypeDecision   Type = "decision"
	TypeSpawn      Type = "spawn"
	TypeSwarm      Type = "swarm"
	TypeWorkflow   Type = "workflow"
	TypeWhoAmI     Type = "whoami"
	TypeSwitchRole Type = "switch-role"
	TypeGetHistory Type = "get-history"
)

var inboundTypes = map[Type]bool{
	TypeAuth:       true,
	TypeRegister:   true,
	TypeMessage:    true,
	TypeEdit:       true,
	TypeTask:       true,
	TypeVote:       true,
	TypeProposal:   true,
	TypeDecision:   true,
	TypeSpawn:      true,
	TypeSwarm:      true,
	TypeWorkflow:   true,
	TypeWhoAmI:     true,
	TypeSwitchRole: true,
	TypeGetHistory: true,
}

// Decode errors
var (
	ErrMalformed   = errors.New("malformed message")
	ErrMissingType = errors.New("message type missing")
	// ErrReservedType rejects an inbound frame claiming a gateway-only type.
	ErrReservedType = errors.New("message type reserved for the gateway")
)

// Inbound is a message sent by an agent.
type Inbound interface {
	MessageType() Type
	Accept(v Visitor) error
}

// Visitor handles each inbound message type.
type Visitor interface {
	VisitAuth(*Auth) error
	VisitRegister(*Register) error
	VisitChat(*Chat) error
	VisitEdit(*Edit) error
	VisitTask(*Task) error
	VisitVote(*Vote) error
	VisitSpawn(*Spawn) error
	VisitWhoAmI(*WhoAmI) error
	VisitSwitchRole(*SwitchRole) error
	VisitGetHistory(*GetHistory) error
	VisitGeneric(*Generic) error
}

// Auth opens an authenticated session.
type Auth struct {
	AgentName     string `json:"agentName"`
	AuthToken     string `json:"authToken,omitempty"`
	Role          string `json:"role,omitempty"`
	Perspective   string `json:"perspective,omitempty"`
	ClientVersion string `json:"clientVersion,omitempty"`
}

// Register asks for a brand-new identity.
type Register struct {
	AgentName string `json:"agentName"`
	Role      string `json:"role,omitempty"`
	ForceNew  bool   `json:"forceNew,omitempty"`
}

// Chat is a free-form message. Content wins over Text when both are set.
type Chat struct {
	Text     string   `json:"text,omitempty"`
	Content  string   `json:"content,omitempty"`
	Evidence []string `json:"evidence,omitempty"`
}

// Body returns the chat text.
func (m *Chat) Body() string {
	if m.Content != "" {
		return m.Content
	}
	return m.Text
}

// Edit proposes a change to a shared file at a known version.
type Edit struct {
	File     string          `json:"file"`
	Edit     json.RawMessage `json:"edit"`
	Version  int             `json:"version"`
	Content  string          `json:"content,omitempty"`
	Evidence []string        `json:"evidence,omitempty"`
}

// Task actions.
const (
	TaskCreate   = "create"
	TaskClaim    = "claim"
	TaskComplete = "complete"
)

// Task creates, claims or completes a task.
type Task struct {
	Action string    `json:"action"`
	TaskID string    `json:"taskId,omitempty"`
	Task   *TaskInfo `json:"task,omitempty"`
}

// Vote casts a vote on a proposal.
type Vote struct {
	ProposalID string   `json:"proposalId"`
	Vote       string   `json:"vote"`
	Content    string   `json:"content,omitempty"`
	Evidence   []string `json:"evidence,omitempty"`
}

// Spawn requests helper agents.
type Spawn struct {
	Mode  string `json:"mode"`
	Task  string `json:"task"`
	Count int    `json:"count,omitempty"`
}

// WhoAmI asks for the caller's identity.
type WhoAmI struct{}

// SwitchRole changes the caller's role.
type SwitchRole struct {
	NewRole string `json:"newRole"`
}

// GetHistory asks for the caller's history report.
type GetHistory struct {
	Limit int `json:"limit,omitempty"`
}

// Generic carries any message type without a dedicated struct.
type Generic struct {
	Type     Type
	Raw      json.RawMessage
	Content  string
	Evidence []string
}

func (*Auth) MessageType() Type       { return TypeAuth }
func (*Register) MessageType() Type   { return TypeRegister }
func (*Chat) MessageType() Type       { return TypeMessage }
func (*Edit) MessageType() Type       { return TypeEdit }
func (*Task) MessageType() Type       { return TypeTask }
func (*Vote) MessageType() Type       { return TypeVote }
func (*Spawn) MessageType() Type      { return TypeSpawn }
func (*WhoAmI) MessageType() Type     { return TypeWhoAmI }
func (*SwitchRole) MessageType() Type { return TypeSwitchRole }
func (*GetHistory) MessageType() Type { return TypeGetHistory }
func (m *Generic) MessageType() Type  { return m.Type }

func (m *Auth) Accept(v Visitor) error       { return v.VisitAuth(m) }
func (m *Register) Accept(v Visitor) error   { return v.VisitRegister(m) }
func (m *Chat) Accept(v Visitor) error       { return v.VisitChat(m) }
func (m *Edit) Accept(v Visitor) error       { return v.VisitEdit(m) }
func (m *Task) Accept(v Visitor) error       { return v.VisitTask(m) }
func (m *Vote) Accept(v Visitor) error       { return v.VisitVote(m) }
func (m *Spawn) Accept(v Visitor) error      { return v.VisitSpawn(m) }
func (m *WhoAmI) Accept(v Visitor) error     { return v.VisitWhoAmI(m) }
func (m *SwitchRole) Accept(v Visitor) error { return v.VisitSwitchRole(m) }
func (m *GetHistory) Accept(v Visitor) error { return v.VisitGetHistory(m) }
func (m *Generic) Accept(v Visitor) error    { return v.VisitGeneric(m) }

// moderatedTypes pass through the moderation gate before handling.
var moderatedTypes = map[Type]bool{
	TypeEdit:     true,
	TypeVote:     true,
	TypeProposal: true,
	TypeDecision: true,
	TypeMessage:  true,
}

// orchestratedTypes are handed to the orchestrator before handling.
var orchestratedTypes = map[Type]bool{
	TypeTask:     true,
	TypeSpawn:    true,
	TypeSwarm:    true,
	TypeWorkflow: true,
}

// IsModerated reports whether messages of type t are moderation-gated.
func IsModerated(t Type) bool { return moderatedTypes[t] }

// IsOrchestrated reports whether messages of type t go through orchestration.
func IsOrchestrated(t Type) bool { return orchestratedTypes[t] }

// ModerationContent returns the text and evidence a moderator should judge.
func ModerationContent(m Inbound) (string, []string) {
	switch msg := m.(type) {
	case *Chat:
		return msg.Body(), msg.Evidence
	case *Edit:
		if msg.Content != "" {
			return msg.Content, msg.Evidence
		}
		return string(msg.Edit), msg.Evidence
	case *Vote:
		if msg.Content != "" {
			return msg.Content, msg.Evidence
		}
		return msg.Vote, msg.Evidence
	case *Generic:
		return msg.Content, msg.Evidence
	default:
		return "", nil
	}
}

type envelope struct {
	Type Type `json:"type"`
}

// genericFields are the optional fields read from unknown message types.
type genericFields struct {
	Content  string   `json:"content"`
	Text     string   `json:"text"`
	Evidence []string `json:"evidence"`
}

// Decode parses a frame into its concrete inbound type.
func Decode(data []byte) (Inbound, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return nil, ErrMissingType
	}
	if IsServerType(env.Type) {
		return nil, fmt.Errorf("%w: %s", ErrReservedType, env.Type)
	}

	var msg Inbound
	switch env.Type {
	case TypeAuth:
		msg = &Auth{}
	case TypeRegister:
		msg = &Register{}
	case TypeMessage:
		msg = &Chat{}
	case TypeEdit:
		msg = &Edit{}
	case TypeTask:
		msg = &Task{}
	case TypeVote:
		msg = &Vote{}
	case TypeSpawn:
		msg = &Spawn{}
	case TypeWhoAmI:
		msg = &WhoAmI{}
	case TypeSwitchRole:
		msg = &SwitchRole{}
	case TypeGetHistory:
		msg = &GetHistory{}
	default:
		var fields genericFields
		if err := json.Unmarshal(data, &fields); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, env.Type, err)
		}
		content := fields.Content
		if content == "" {
			content = fields.Text
		}
		raw := make(json.RawMessage, len(data))
		copy(raw, data)
		return &Generic{Type: env.Type, Raw: raw, Content: content, Evidence: fields.Evidence}, nil
	}

	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, env.Type, err)
	}
	return msg, nil
}

// EncodeInbound serializes an inbound message with its discriminator, for
// clients.
func EncodeInbound(m Inbound) ([]byte, error) {
	if g, ok := m.(*Generic); ok {
		return g.Raw, nil
	}
	return withType(m.MessageType(), m)
}
