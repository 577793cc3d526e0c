// ABOUTME: Orchestration collaborator contract: tasks, shared edits, votes and spawning
// ABOUTME: The gateway dispatcher drives it; Engine is the in-memory implementation

package orchestration

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/2389/harmony-gateway/internal/protocol"
)

var (
	ErrTaskNotFound        = errors.New("task not found")
	ErrTaskExists          = errors.New("task already exists")
	ErrTaskClaimed         = errors.New("task already claimed")
	ErrTaskCompleted       = errors.New("task already completed")
	ErrNotAssignee         = errors.New("task is assigned to another session")
	ErrPerspectiveMismatch = errors.New("perspective mismatch - different viewpoint needed")
	ErrInvalidTask         = errors.New("task title required")
	ErrInvalidVote         = errors.New("vote requires proposalId and vote")
	ErrInvalidEdit         = errors.New("edit requires file")
	ErrUnknownAction       = errors.New("unknown task action")
	ErrUnknownMode         = errors.New("unknown spawn mode")
	ErrSpawnLimit          = errors.New("spawn count exceeds limit")
)

// Task statuses.
const (
	StatusPending   = "pending"
	StatusAssigned  = "assigned"
	StatusCompleted = "completed"
)

// Claimant identifies the session claiming or completing a task.
type Claimant struct {
	SessionID   string
	AgentID     string
	Perspective string
}

// EditRequest is an edit made against a known file version.
type EditRequest struct {
	File      string
	Edit      json.RawMessage
	Version   int
	SessionID string
}

// EditResult reports whether an edit applied. On conflict Current holds the
// content at CurrentVersion.
type EditResult struct {
	Applied        bool
	Conflict       bool
	Version        int
	Current        json.RawMessage
	CurrentVersion int
}

// Ballot is a recorded vote.
type Ballot struct {
	ProposalID  string
	SessionID   string
	AgentID     string
	Perspective string
	Choice      string
	Weight      float64
	Evidence    []string
	CastAt      time.Time
}

// SpawnRequest asks for helper agents.
type SpawnRequest struct {
	Mode  string
	Task  string
	Count int
}

// Orchestrator coordinates work between agents.
type Orchestrator interface {
	// ProcessMessage sees every orchestrated message before it is handled.
	ProcessMessage(ctx context.Context, sessionID string, msg protocol.Inbound) error

	CreateTask(ctx context.Context, task protocol.TaskInfo, createdBy string) (protocol.TaskInfo, error)
	AssignTask(ctx context.Context, taskID string, by Claimant) (protocol.TaskInfo, error)
	CompleteTask(ctx context.Context, taskID string, by Claimant) (protocol.TaskInfo, error)
	Tasks(ctx context.Context) []protocol.TaskInfo

	// ApplyEdit applies an edit when its version matches the file's current
	// version and reports a conflict otherwise.
	ApplyEdit(ctx context.Context, req EditRequest) (EditResult, error)
	// CommitResolution stores the resolved content of a conflicting edit and
	// returns the new version.
	CommitResolution(ctx context.Context, file string, edit json.RawMessage) (int, error)

	RecordVote(ctx context.Context, b Ballot) error
	// CheckVotingComplete closes the proposal and returns its ballots once
	// quorum is reached. eligible is the number of agents able to vote.
	CheckVotingComplete(ctx context.Context, proposalID string, eligible int) ([]Ballot, bool)

	SpawnAgents(ctx context.Context, req SpawnRequest) ([]protocol.SpawnedAgent, error)
	Modes() []string

	// HandleAgentDisconnect releases the session's claimed tasks and returns them.
	HandleAgentDisconnect(ctx context.Context, sessionID string) []protocol.TaskInfo
}
