// ABOUTME: Moderation collaborator contract consumed by the gateway dispatcher
// ABOUTME: Covers gating, contribution tracking, perspectives, votes and conflicts

package moderation

import (
	"context"
	"encoding/json"

	"github.com/2389/harmony-gateway/internal/protocol"
)

// ResolvedByConsensus names the strategy reported in edit-resolved frames.
const ResolvedByConsensus = "diversity-weighted-consensus"

// Contribution is a message submitted for moderation.
type Contribution struct {
	SessionID   string
	AgentID     string
	Perspective string
	Type        protocol.Type
	Content     string
	Evidence    []string
}

// Verdict is the outcome of a moderation check.
type Verdict struct {
	Allowed        bool
	Reason         string
	RequiredAction string
	Suggestions    []string
}

// Allow is the verdict for an accepted contribution.
var Allow = Verdict{Allowed: true}

// Vote is a weighted vote on a proposal.
type Vote struct {
	SessionID   string
	AgentID     string
	Perspective string
	Choice      string
	Evidence    []string
	Weight      float64
}

// Decision is the outcome of a completed vote.
type Decision struct {
	Decision       string
	Confidence     float64
	DiversityScore float64
	Perspectives   []string
}

// Conflict describes an edit made against a stale version.
type Conflict struct {
	File            string
	Current         json.RawMessage
	CurrentVersion  int
	Incoming        json.RawMessage
	IncomingVersion int
	SessionID       string
	Perspective     string
	Evidence        []string
}

// Resolution is the agreed content of a conflicting edit.
type Resolution struct {
	Edit       json.RawMessage
	Confidence float64
	ResolvedBy string
}

// Moderator is the policy engine behind the moderation gate.
type Moderator interface {
	// Check decides whether a contribution may be processed.
	Check(ctx context.Context, c Contribution) (Verdict, error)
	// Record is called after an allowed contribution was handled.
	Record(ctx context.Context, c Contribution)
	// AssignPerspective picks a perspective for a session that has none.
	AssignPerspective(ctx context.Context, sessionID string) string
	// WeighVote returns the weight of a vote.
	WeighVote(ctx context.Context, v Vote) float64
	// ResolveConflict settles a conflicting edit.
	ResolveConflict(ctx context.Context, c Conflict) Resolution
	// ResolveDecision turns the votes on a proposal into a decision.
	ResolveDecision(ctx context.Context, proposalID string, votes []Vote) Decision
	// Release drops any state held for a session.
	Release(ctx context.Context, sessionID string)
}
