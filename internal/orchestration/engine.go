// ABOUTME: In-memory Orchestrator with versioned files, task claims and quorum voting
// ABOUTME: State lives for the lifetime of the gateway process only

package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/2389/harmony-gateway/internal/protocol"
)

// DefaultMaxSpawn caps a single spawn request.
const DefaultMaxSpawn = 10

// DefaultModes are the agent modes available to spawn.
var DefaultModes = []string{
	"researcher",
	"analyst",
	"architect",
	"coder",
	"tester",
	"reviewer",
	"documenter",
	"optimizer",
}

// Config configures an Engine.
type Config struct {
	// VoteQuorum is the ballots needed to close a proposal. Zero means every
	// eligible agent must vote.
	VoteQuorum int
	MaxSpawn   int
	Modes      []string
	Clock      clock.Clock
	Logger     *slog.Logger
}

type taskState struct {
	info    protocol.TaskInfo
	session string
}

type fileState struct {
	version int
	content json.RawMessage
}

// Stats summarizes engine state.
type Stats struct {
	Tasks         map[string]int        `json:"tasks"`
	Files         int                   `json:"files"`
	OpenProposals int                   `json:"openProposals"`
	Processed     map[protocol.Type]int `json:"processed"`
}

// Engine is the in-memory Orchestrator.
type Engine struct {
	mu        sync.Mutex
	tasks     map[string]*taskState
	order     []string
	files     map[string]*fileState
	proposals map[string][]Ballot
	processed map[protocol.Type]int

	quorum   int
	maxSpawn int
	modes    []string
	clock    clock.Clock
	logger   *slog.Logger
}

var _ Orchestrator = (*Engine)(nil)

// NewEngine creates an Engine.
func NewEngine(cfg Config) *Engine {
	if cfg.MaxSpawn <= 0 {
		cfg.MaxSpawn = DefaultMaxSpawn
	}
	if len(cfg.Modes) == 0 {
		cfg.Modes = DefaultModes
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		tasks:     make(map[string]*taskState),
		files:     make(map[string]*fileState),
		proposals: make(map[string][]Ballot),
		processed: make(map[protocol.Type]int),
		quorum:    cfg.VoteQuorum,
		maxSpawn:  cfg.MaxSpawn,
		modes:     slices.Clone(cfg.Modes),
		clock:     cfg.Clock,
		logger:    cfg.Logger,
	}
}

// ProcessMessage validates orchestrated messages before their handler runs.
func (e *Engine) ProcessMessage(_ context.Context, sessionID string, msg protocol.Inbound) error {
	e.mu.Lock()
	e.processed[msg.MessageType()]++
	e.mu.Unlock()

	switch m := msg.(type) {
	case *protocol.Task:
		switch m.Action {
		case protocol.TaskCreate, protocol.TaskClaim, protocol.TaskComplete:
		default:
			return fmt.Errorf("%w: %q", ErrUnknownAction, m.Action)
		}
	case *protocol.Spawn:
		if !slices.Contains(e.modes, m.Mode) {
			return fmt.Errorf("%w: %q", ErrUnknownMode, m.Mode)
		}
		if m.Count > e.maxSpawn {
			return fmt.Errorf("%w: %d > %d", ErrSpawnLimit, m.Count, e.maxSpawn)
		}
	}

	e.logger.Debug("orchestrated message", "session_id", sessionID, "type", msg.MessageType())
	return nil
}

// CreateTask stores a pending task, generating an ID when none is given.
func (e *Engine) CreateTask(_ context.Context, task protocol.TaskInfo, createdBy string) (protocol.TaskInfo, error) {
	if task.Title == "" {
		return protocol.TaskInfo{}, ErrInvalidTask
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if task.ID == "" {
		task.ID = "task-" + uuid.NewString()
	}
	if _, exists := e.tasks[task.ID]; exists {
		return protocol.TaskInfo{}, fmt.Errorf("%w: %s", ErrTaskExists, task.ID)
	}

	task.Status = StatusPending
	task.AssignedTo = ""
	task.CreatedBy = createdBy
	task.CreatedAt = e.clock.Now().UTC()
	task.RequiredPerspectives = slices.Clone(task.RequiredPerspectives)

	e.tasks[task.ID] = &taskState{info: task}
	e.order = append(e.order, task.ID)
	return cloneTask(task), nil
}

// AssignTask gives a pending task to the claimant. Claiming a task already held
// by the same session succeeds.
func (e *Engine) AssignTask(_ context.Context, taskID string, by Claimant) (protocol.TaskInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.tasks[taskID]
	if !ok {
		return protocol.TaskInfo{}, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}

	switch t.info.Status {
	case StatusCompleted:
		return protocol.TaskInfo{}, ErrTaskCompleted
	case StatusAssigned:
		if t.session == by.SessionID {
			return cloneTask(t.info), nil
		}
		return protocol.TaskInfo{}, ErrTaskClaimed
	}

	if len(t.info.RequiredPerspectives) > 0 && !slices.Contains(t.info.RequiredPerspectives, by.Perspective) {
		return protocol.TaskInfo{}, ErrPerspectiveMismatch
	}

	t.info.Status = StatusAssigned
	t.info.AssignedTo = by.AgentID
	t.session = by.SessionID
	return cloneTask(t.info), nil
}

// CompleteTask marks the claimant's task completed.
func (e *Engine) CompleteTask(_ context.Context, taskID string, by Claimant) (protocol.TaskInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.tasks[taskID]
	if !ok {
		return protocol.TaskInfo{}, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if t.info.Status == StatusCompleted {
		return protocol.TaskInfo{}, ErrTaskCompleted
	}
	if t.info.Status != StatusAssigned || t.session != by.SessionID {
		return protocol.TaskInfo{}, ErrNotAssignee
	}

	t.info.Status = StatusCompleted
	t.session = ""
	return cloneTask(t.info), nil
}

// Tasks lists tasks in creation order.
func (e *Engine) Tasks(_ context.Context) []protocol.TaskInfo {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]protocol.TaskInfo, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, cloneTask(e.tasks[id].info))
	}
	return out
}

// ApplyEdit applies an edit whose version matches the file's current version.
// Unknown files start at version zero.
func (e *Engine) ApplyEdit(_ context.Context, req EditRequest) (EditResult, error) {
	if req.File == "" {
		return EditResult{}, ErrInvalidEdit
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	f, ok := e.files[req.File]
	if !ok {
		f = &fileState{}
		e.files[req.File] = f
	}

	if req.Version != f.version {
		return EditResult{
			Conflict:       true,
			Version:        req.Version,
			Current:        f.content,
			CurrentVersion: f.version,
		}, nil
	}

	f.version++
	f.content = append(json.RawMessage(nil), req.Edit...)
	return EditResult{Applied: true, Version: f.version}, nil
}

// CommitResolution stores resolved content as the file's next version.
func (e *Engine) CommitResolution(_ context.Context, file string, edit json.RawMessage) (int, error) {
	if file == "" {
		return 0, ErrInvalidEdit
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	f, ok := e.files[file]
	if !ok {
		f = &fileState{}
		e.files[file] = f
	}
	f.version++
	f.content = append(json.RawMessage(nil), edit...)
	return f.version, nil
}

// RecordVote stores a ballot. A later ballot from the same agent replaces the
// earlier one.
func (e *Engine) RecordVote(_ context.Context, b Ballot) error {
	if b.ProposalID == "" || b.Choice == "" {
		return ErrInvalidVote
	}
	if b.CastAt.IsZero() {
		b.CastAt = e.clock.Now().UTC()
	}
	b.Evidence = slices.Clone(b.Evidence)

	e.mu.Lock()
	defer e.mu.Unlock()

	voter := voterKey(b)
	ballots := e.proposals[b.ProposalID]
	for i := range ballots {
		if voterKey(ballots[i]) == voter {
			ballots[i] = b
			return nil
		}
	}
	e.proposals[b.ProposalID] = append(ballots, b)
	return nil
}

func voterKey(b Ballot) string {
	if b.AgentID != "" {
		return b.AgentID
	}
	return b.SessionID
}

// CheckVotingComplete closes the proposal once quorum is reached.
func (e *Engine) CheckVotingComplete(_ context.Context, proposalID string, eligible int) ([]Ballot, bool) {
	quorum := e.quorum
	if quorum <= 0 {
		quorum = max(eligible, 1)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	ballots := e.proposals[proposalID]
	if len(ballots) < quorum {
		return nil, false
	}
	delete(e.proposals, proposalID)

	sort.SliceStable(ballots, func(i, j int) bool {
		return ballots[i].CastAt.Before(ballots[j].CastAt)
	})
	return ballots, true
}

// SpawnAgents describes count helper agents for the mode. Count defaults to one.
func (e *Engine) SpawnAgents(_ context.Context, req SpawnRequest) ([]protocol.SpawnedAgent, error) {
	if !slices.Contains(e.modes, req.Mode) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, req.Mode)
	}
	count := req.Count
	if count <= 0 {
		count = 1
	}
	if count > e.maxSpawn {
		return nil, fmt.Errorf("%w: %d > %d", ErrSpawnLimit, count, e.maxSpawn)
	}

	agents := make([]protocol.SpawnedAgent, count)
	for i := range agents {
		agents[i] = protocol.SpawnedAgent{
			ID:   req.Mode + "-" + uuid.NewString(),
			Mode: req.Mode,
			Task: req.Task,
		}
	}
	e.logger.Info("spawned agents", "mode", req.Mode, "count", count)
	return agents, nil
}

// Modes lists the spawnable modes.
func (e *Engine) Modes() []string {
	return slices.Clone(e.modes)
}

// HandleAgentDisconnect returns the session's assigned tasks to pending.
func (e *Engine) HandleAgentDisconnect(_ context.Context, sessionID string) []protocol.TaskInfo {
	e.mu.Lock()
	defer e.mu.Unlock()

	var released []protocol.TaskInfo
	for _, id := range e.order {
		t := e.tasks[id]
		if t.session != sessionID || t.info.Status != StatusAssigned {
			continue
		}
		t.info.Status = StatusPending
		t.info.AssignedTo = ""
		t.session = ""
		released = append(released, cloneTask(t.info))
	}
	return released
}

// Stats summarizes the engine state.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := Stats{
		Tasks:         make(map[string]int),
		Files:         len(e.files),
		OpenProposals: len(e.proposals),
		Processed:     make(map[protocol.Type]int, len(e.processed)),
	}
	for _, t := range e.tasks {
		s.Tasks[t.info.Status]++
	}
	for k, v := range e.processed {
		s.Processed[k] = v
	}
	return s
}

func cloneTask(t protocol.TaskInfo) protocol.TaskInfo {
	t.RequiredPerspectives = slices.Clone(t.RequiredPerspectives)
	return t
}
