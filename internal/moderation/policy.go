// ABOUTME: Default moderator: echo detection, evidence requirements and weighted voting
// ABOUTME: Holds only in-memory state; nothing here is persisted

package moderation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/2389/harmony-gateway/internal/protocol"
)

// Defaults for PolicyConfig.
const (
	DefaultEchoWindow    = 10 * time.Minute
	DefaultEchoCapacity  = 10000
	DefaultMinEchoLength = 12
	DefaultEvidenceBonus = 0.5
)

// Required actions reported in diversity interventions.
const (
	ActionNewPerspective  = "provide-new-perspective"
	ActionProvideEvidence = "provide-evidence"
	ActionRetryLater      = "retry-later"
)

// PolicyConfig tunes the default moderator.
type PolicyConfig struct {
	// EchoWindow is how long accepted content blocks repeats.
	EchoWindow time.Duration
	// EchoCapacity caps remembered fingerprints.
	EchoCapacity int
	// MinEchoLength skips echo checks for short content such as "ok".
	MinEchoLength int
	// EchoTypes are checked for repeated content. Defaults to message and proposal.
	EchoTypes []protocol.Type
	// EvidenceRequired lists types rejected without evidence. Defaults to decision.
	EvidenceRequired []protocol.Type
	// Perspectives are handed out round-robin.
	Perspectives []string
	// EvidenceBonus is added to a vote's weight per evidence item, up to two.
	EvidenceBonus float64
	Clock         clock.Clock
	Logger        *slog.Logger
}

// Policy is the default Moderator.
type Policy struct {
	recent           *recentSet
	rotation         *perspectiveRotation
	echoTypes        map[protocol.Type]bool
	evidenceRequired map[protocol.Type]bool
	minEchoLength    int
	evidenceBonus    float64
	logger           *slog.Logger
}

var _ Moderator = (*Policy)(nil)

// NewPolicy builds a Policy, filling unset fields with defaults.
func NewPolicy(cfg PolicyConfig) *Policy {
	if cfg.EchoWindow <= 0 {
		cfg.EchoWindow = DefaultEchoWindow
	}
	if cfg.EchoCapacity <= 0 {
		cfg.EchoCapacity = DefaultEchoCapacity
	}
	if cfg.MinEchoLength <= 0 {
		cfg.MinEchoLength = DefaultMinEchoLength
	}
	if cfg.EchoTypes == nil {
		cfg.EchoTypes = []protocol.Type{protocol.TypeMessage, protocol.TypeProposal}
	}
	if cfg.EvidenceRequired == nil {
		cfg.EvidenceRequired = []protocol.Type{protocol.TypeDecision}
	}
	if cfg.EvidenceBonus <= 0 {
		cfg.EvidenceBonus = DefaultEvidenceBonus
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Policy{
		recent:           newRecentSet(cfg.EchoWindow, cfg.EchoCapacity, cfg.Clock),
		rotation:         newPerspectiveRotation(cfg.Perspectives),
		echoTypes:        typeSet(cfg.EchoTypes),
		evidenceRequired: typeSet(cfg.EvidenceRequired),
		minEchoLength:    cfg.MinEchoLength,
		evidenceBonus:    cfg.EvidenceBonus,
		logger:           cfg.Logger,
	}
}

func typeSet(types []protocol.Type) map[protocol.Type]bool {
	set := make(map[protocol.Type]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return set
}

// Check rejects missing evidence and content repeated within the echo window.
func (p *Policy) Check(_ context.Context, c Contribution) (Verdict, error) {
	if p.evidenceRequired[c.Type] && len(c.Evidence) == 0 {
		return Verdict{
			Reason:         fmt.Sprintf("A %s must cite evidence", c.Type),
			RequiredAction: ActionProvideEvidence,
			Suggestions: []string{
				"Attach the data, logs or references supporting this " + string(c.Type),
			},
		}, nil
	}

	if !p.echoes(c) {
		return Allow, nil
	}

	speaker, seen := p.recent.lookup(fingerprint(c.Content))
	if !seen {
		return Allow, nil
	}

	p.logger.Debug("echo rejected",
		"session_id", c.SessionID,
		"type", c.Type,
		"first_said_by", speaker,
	)

	suggestions := []string{
		"Add evidence that supports or challenges the existing point",
		"Identify a risk or trade-off nobody has raised yet",
	}
	if c.Perspective != "" {
		suggestions = append(suggestions, "Argue from your assigned perspective: "+c.Perspective)
	}
	return Verdict{
		Reason:         "This point was already made recently",
		RequiredAction: ActionNewPerspective,
		Suggestions:    suggestions,
	}, nil
}

func (p *Policy) echoes(c Contribution) bool {
	return p.echoTypes[c.Type] && len(c.Content) >= p.minEchoLength
}

// Record remembers accepted content for echo detection.
func (p *Policy) Record(_ context.Context, c Contribution) {
	if !p.echoes(c) {
		return
	}
	p.recent.mark(fingerprint(c.Content), c.AgentID)
}

// AssignPerspective rotates through the configured perspectives.
func (p *Policy) AssignPerspective(_ context.Context, sessionID string) string {
	return p.rotation.assign(sessionID)
}

// WeighVote gives every vote a base weight of one plus a bonus per evidence
// item, capped at two items.
func (p *Policy) WeighVote(_ context.Context, v Vote) float64 {
	items := min(len(v.Evidence), 2)
	return 1 + float64(items)*p.evidenceBonus
}

// ResolveConflict keeps the incoming edit. Confidence rises when the edit
// carries evidence.
func (p *Policy) ResolveConflict(_ context.Context, c Conflict) Resolution {
	confidence := 0.5
	if len(c.Evidence) > 0 {
		confidence = 0.75
	}
	return Resolution{
		Edit:       c.Incoming,
		Confidence: confidence,
		ResolvedBy: ResolvedByConsensus,
	}
}

// ResolveDecision picks the choice with the highest total weight. Ties go to
// the lexically smallest choice.
func (p *Policy) ResolveDecision(_ context.Context, proposalID string, votes []Vote) Decision {
	if len(votes) == 0 {
		return Decision{}
	}

	totals := make(map[string]float64)
	perspectives := make(map[string]bool)
	var sum float64
	for _, v := range votes {
		w := v.Weight
		if w <= 0 {
			w = 1
		}
		totals[v.Choice] += w
		sum += w
		if v.Perspective != "" {
			perspectives[v.Perspective] = true
		}
	}

	choices := make([]string, 0, len(totals))
	for choice := range totals {
		choices = append(choices, choice)
	}
	sort.Strings(choices)

	winner := choices[0]
	for _, choice := range choices[1:] {
		if totals[choice] > totals[winner] {
			winner = choice
		}
	}

	names := make([]string, 0, len(perspectives))
	for name := range perspectives {
		names = append(names, name)
	}
	sort.Strings(names)

	d := Decision{
		Decision:       winner,
		Confidence:     totals[winner] / sum,
		DiversityScore: float64(len(names)) / float64(len(votes)),
		Perspectives:   names,
	}
	p.logger.Debug("decision resolved",
		"proposal_id", proposalID,
		"decision", d.Decision,
		"confidence", d.Confidence,
	)
	return d
}

// Release forgets the session's perspective assignment.
func (p *Policy) Release(_ context.Context, sessionID string) {
	p.rotation.release(sessionID)
}
