// ABOUTME: Per-connection protocol dispatcher: auth handshake, moderation gate and type handlers
// ABOUTME: Every inbound type is handled through protocol.Visitor so none can be missed

package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/2389/harmony-gateway/internal/board"
	"github.com/2389/harmony-gateway/internal/identity"
	"github.com/2389/harmony-gateway/internal/metrics"
	"github.com/2389/harmony-gateway/internal/moderation"
	"github.com/2389/harmony-gateway/internal/orchestration"
	"github.com/2389/harmony-gateway/internal/protocol"
	"github.com/2389/harmony-gateway/internal/session"
	"github.com/2389/harmony-gateway/internal/store"
)

// Error replies.
const (
	msgInvalidFormat    = "Invalid message format"
	msgAuthRequired     = "Authentication required"
	msgAlreadyAuthed    = "Already authenticated"
	msgRateLimited      = "Rate limit exceeded"
	msgProcessingFailed = "Failed to process message"
	msgNameRequired     = "agentName required"
	msgInvalidToken     = "Invalid token"
	msgRoleRequired     = "New role required"
	msgTextRequired     = "Message text required"
	msgOrchestrationOff = "Orchestration is disabled"
)

const (
	defaultHistoryLimit  = 10
	supersededCloseText  = "superseded by a newer session"
	authFailedCloseText  = "authentication failed"
	sessionStartedReason = "session start"
)

// Broadcast fans data out to every session except exclude and counts the
// recipients whose outbox was full.
func (g *Gateway) Broadcast(data []byte, exclude string) int {
	targets := g.sessions.Count()
	if _, ok := g.sessions.Get(exclude); ok {
		targets--
	}
	delivered := g.sessions.Broadcast(data, exclude)
	if dropped := targets - delivered; dropped > 0 {
		g.metrics.BroadcastDropped.Add(float64(dropped))
	}
	return delivered
}

// broadcast encodes and fans out an outbound message.
func (g *Gateway) broadcast(out protocol.Outbound, exclude string) {
	data, err := protocol.Encode(out)
	if err != nil {
		g.logger.Error("failed to encode broadcast", "type", out.OutboundType(), "error", err)
		return
	}
	g.Broadcast(data, exclude)
}

// reply sends an outbound message to this connection only.
func (c *conn) reply(out protocol.Outbound) {
	data, err := protocol.Encode(out)
	if err != nil {
		c.logger.Error("failed to encode reply", "type", out.OutboundType(), "error", err)
		return
	}
	if !c.Send(data) {
		c.logger.Debug("reply dropped", "type", out.OutboundType())
	}
}

// messageLabel bounds the metric label set to the protocol's own types.
func messageLabel(t protocol.Type) string {
	if protocol.IsKnown(t) {
		return string(t)
	}
	return "other"
}

func (c *conn) replyError(message string) {
	c.reply(protocol.Error{Message: message})
}

// handleFrame runs one inbound frame through rate limiting, decoding, the
// auth state check, the moderation gate and finally its handler.
func (c *conn) handleFrame(ctx context.Context, data []byte) {
	g := c.gw

	if c.limiter != nil && !c.limiter.Allow() {
		g.metrics.RateLimited.Inc()
		c.replyError(msgRateLimited)
		return
	}

	msg, err := protocol.Decode(data)
	if err != nil {
		c.logger.Debug("malformed frame", "error", err)
		c.replyError(msgInvalidFormat)
		return
	}
	msgType := msg.MessageType()

	sess := c.session()
	if sess == nil {
		switch msg.(type) {
		case *protocol.Auth, *protocol.Register:
		default:
			c.replyError(msgAuthRequired)
			return
		}
	} else {
		switch msg.(type) {
		case *protocol.Auth, *protocol.Register:
			c.replyError(msgAlreadyAuthed)
			return
		}
		g.identities.Touch(sess.AgentID)
	}
	g.metrics.Messages.WithLabelValues(messageLabel(msgType)).Inc()

	d := &dispatch{ctx: ctx, c: c, g: g, sess: sess}

	var contribution moderation.Contribution
	moderated := sess != nil && g.config.Moderation.Enabled && protocol.IsModerated(msgType)
	if moderated {
		content, evidence := protocol.ModerationContent(msg)
		contribution = moderation.Contribution{
			SessionID:   sess.ID,
			AgentID:     sess.AgentID,
			Perspective: sess.Perspective(),
			Type:        msgType,
			Content:     content,
			Evidence:    evidence,
		}
		verdict, err := g.moderator.Check(ctx, contribution)
		if err != nil {
			c.logger.Error("moderation check failed", "session_id", sess.ID, "type", msgType, "error", err)
			c.replyError(msgProcessingFailed)
			return
		}
		if !verdict.Allowed {
			d.intervene(msgType, verdict)
			return
		}
	}

	if sess != nil && protocol.IsOrchestrated(msgType) {
		if !g.config.Features.Orchestration {
			c.replyError(msgOrchestrationOff)
			return
		}
		if err := g.orchestrator.ProcessMessage(ctx, sess.ID, msg); err != nil {
			c.logger.Debug("orchestration rejected message", "session_id", sess.ID, "type", msgType, "error", err)
			c.replyError(err.Error())
			return
		}
	}

	if err := msg.Accept(d); err != nil {
		c.logger.Error("handler failed", "type", msgType, "error", err)
		c.replyError(msgProcessingFailed)
		return
	}

	if moderated {
		g.moderator.Record(ctx, contribution)
	}
}

// dispatch handles one decoded frame. sess is nil before authentication.
type dispatch struct {
	ctx  context.Context
	c    *conn
	g    *Gateway
	sess *session.Session
}

var _ protocol.Visitor = (*dispatch)(nil)

func (d *dispatch) intervene(original protocol.Type, v moderation.Verdict) {
	d.g.metrics.Interventions.WithLabelValues(v.RequiredAction).Inc()
	d.g.audit(d.ctx, &store.Event{
		Kind:      store.EventIntervention,
		AgentID:   d.sess.AgentID,
		SessionID: d.sess.ID,
		Detail: map[string]any{
			"type":            string(original),
			"reason":          v.Reason,
			"required_action": v.RequiredAction,
		},
	})
	d.c.reply(protocol.DiversityIntervention{
		Reason:         v.Reason,
		RequiredAction: v.RequiredAction,
		Suggestions:    v.Suggestions,
		OriginalType:   original,
	})
}

// rejectAuth answers auth-failed and closes the connection.
func (d *dispatch) rejectAuth(reason string, detail map[string]any) error {
	d.g.metrics.Auth.WithLabelValues(metrics.AuthFailed).Inc()
	d.g.audit(d.ctx, &store.Event{Kind: store.EventAuthFailed, Detail: detail})
	d.c.reply(protocol.AuthFailed{Reason: reason})
	d.c.Close(session.CloseAuthFailed, authFailedCloseText)
	return nil
}

func (d *dispatch) VisitAuth(m *protocol.Auth) error {
	g := d.g

	var ident *identity.Identity
	var err error
	switch {
	case m.AuthToken == "" && m.AgentName == "":
		return d.rejectAuth(msgNameRequired, map[string]any{"remote": d.c.remote})
	case m.AgentName == "":
		ident, err = g.identities.Authenticate(m.AuthToken)
	default:
		ident, err = g.identities.RegisterOrAuthenticate(m.AgentName, m.AuthToken, m.Role)
	}
	if err != nil {
		if errors.Is(err, identity.ErrInvalidToken) {
			return d.rejectAuth(msgInvalidToken, map[string]any{"remote": d.c.remote, "name": m.AgentName})
		}
		if errors.Is(err, identity.ErrEmptyName) {
			return d.rejectAuth(msgNameRequired, map[string]any{"remote": d.c.remote})
		}
		return fmt.Errorf("resolving identity: %w", err)
	}
	lastSeen := ident.LastSeen

	sessionID := session.NewID()
	if m.Role != "" && m.Role != ident.CurrentRole {
		if _, err := g.identities.ChangeRole(ident.AgentID, m.Role, sessionID); err != nil {
			return fmt.Errorf("changing role: %w", err)
		}
	}

	perspective := m.Perspective
	if perspective == "" && g.config.Features.AntiEcho {
		perspective = g.moderator.AssignPerspective(d.ctx, sessionID)
	}
	if perspective == "" {
		perspective = ident.CurrentPerspective
	}
	if perspective != ident.CurrentPerspective {
		if err := g.identities.ChangePerspective(ident.AgentID, perspective, sessionStartedReason); err != nil {
			return fmt.Errorf("changing perspective: %w", err)
		}
	}

	if _, err := g.identities.BindSession(ident.AgentID, sessionID); err != nil {
		return fmt.Errorf("binding session: %w", err)
	}
	if current, ok := g.identities.Get(ident.AgentID); ok {
		ident = current
	}

	sess := session.New(session.Params{
		ID:          sessionID,
		AgentID:     ident.AgentID,
		DisplayName: ident.DisplayName,
		Role:        ident.CurrentRole,
		Perspective: perspective,
		JoinedAt:    g.clock.Now(),
		Transport:   d.c,
	})

	success := protocol.AuthSuccess{
		AgentID:            ident.AgentID,
		AuthToken:          ident.AuthToken,
		DisplayName:        ident.DisplayName,
		Role:               ident.CurrentRole,
		Perspective:        perspective,
		SessionID:          sessionID,
		IsReturning:        ident.Stats.TotalSessions > 1,
		TotalSessions:      ident.Stats.TotalSessions,
		TotalContributions: ident.Contributions(),
		LastSeen:           lastSeen,
		ServerVersion:      g.serverVersion,
		Capabilities: protocol.Capabilities{
			Realtime:           true,
			Orchestration:      g.config.Features.Orchestration,
			AntiEchoChamber:    g.config.Features.AntiEcho,
			PersistentIdentity: true,
			SparcModes:         g.config.Features.Orchestration && len(g.engine.Modes()) > 0,
		},
	}
	if warning := protocol.CheckVersion(g.serverVersion, m.ClientVersion); warning != nil {
		success.VersionWarning = warning
		success.ClientVersion = m.ClientVersion
	}

	// auth-success is queued before the session becomes visible to broadcasts.
	d.c.reply(success)
	d.c.setSession(sess)

	if prev := g.sessions.Add(sess); prev != nil {
		g.audit(d.ctx, &store.Event{
			Kind:      store.EventSuperseded,
			AgentID:   ident.AgentID,
			SessionID: prev.ID,
			Detail:    map[string]any{"new_session_id": sessionID},
		})
		prev.Close(session.CloseSuperseded, supersededCloseText)
	}

	if err := g.store.RecordSessionStart(d.ctx, &store.SessionRecord{
		ID:          sessionID,
		AgentID:     ident.AgentID,
		DisplayName: ident.DisplayName,
		Role:        ident.CurrentRole,
		Perspective: perspective,
		JoinedAt:    sess.JoinedAt,
	}); err != nil {
		d.c.logger.Warn("failed to record session start", "session_id", sessionID, "error", err)
	}

	g.metrics.Auth.WithLabelValues(metrics.AuthSuccess).Inc()
	g.metrics.SessionsActive.Set(float64(g.sessions.Count()))

	g.broadcast(protocol.SessionUpdate{
		Event:          protocol.SessionJoined,
		SessionID:      sessionID,
		AgentID:        ident.AgentID,
		DisplayName:    ident.DisplayName,
		Role:           ident.CurrentRole,
		Perspective:    perspective,
		ActiveSessions: g.sessions.Count(),
	}, sessionID)
	return nil
}

func (d *dispatch) VisitRegister(m *protocol.Register) error {
	g := d.g
	if m.AgentName == "" {
		d.c.reply(protocol.RegisterFailed{Reason: msgNameRequired})
		return nil
	}

	ident, err := g.identities.Register(m.AgentName, m.Role)
	if errors.Is(err, identity.ErrNameTaken) {
		d.c.reply(protocol.RegisterFailed{
			Reason:      protocol.ReasonNameTaken,
			Suggestions: g.identities.SuggestNames(m.AgentName, 5),
		})
		return nil
	}
	if err != nil {
		return fmt.Errorf("registering %q: %w", m.AgentName, err)
	}

	g.metrics.Auth.WithLabelValues(metrics.AuthRegister).Inc()
	g.audit(d.ctx, &store.Event{
		Kind:    store.EventRegistered,
		AgentID: ident.AgentID,
		Detail:  map[string]any{"name": ident.DisplayName, "role": ident.CurrentRole},
	})
	d.c.reply(protocol.RegisterSuccess{
		AgentID:     ident.AgentID,
		AuthToken:   ident.AuthToken,
		DisplayName: ident.DisplayName,
		Role:        ident.CurrentRole,
	})
	return nil
}

// contributed bumps the identity stats and the session counters.
func (d *dispatch) contributed(kind identity.Activity) {
	if err := d.g.identities.RecordActivity(d.sess.AgentID, kind); err != nil && !errors.Is(err, identity.ErrNoSession) {
		d.c.logger.Warn("failed to record activity", "agent_id", d.sess.AgentID, "error", err)
	}
	d.sess.Count(kind)
}

func (d *dispatch) VisitChat(m *protocol.Chat) error {
	g := d.g
	text := m.Body()
	if text == "" {
		d.c.replyError(msgTextRequired)
		return nil
	}

	now := g.clock.Now()
	d.contributed(identity.ActivityMessage)
	g.broadcast(protocol.ChatBroadcast{
		SessionID:   d.sess.ID,
		AgentID:     d.sess.AgentID,
		DisplayName: d.sess.DisplayName,
		Role:        d.sess.Role(),
		Perspective: d.sess.Perspective(),
		Text:        text,
		Timestamp:   now,
	}, d.sess.ID)

	if g.board != nil {
		if err := g.board.Append(d.ctx, board.Post{
			Author:      d.sess.DisplayName,
			Role:        d.sess.Role(),
			Perspective: d.sess.Perspective(),
			Text:        text,
			At:          now,
		}); err != nil {
			d.c.logger.Warn("failed to append to discussion board", "error", err)
		}
	}
	return nil
}

func (d *dispatch) VisitEdit(m *protocol.Edit) error {
	g := d.g
	result, err := g.orchestrator.ApplyEdit(d.ctx, orchestration.EditRequest{
		File:      m.File,
		Edit:      m.Edit,
		Version:   m.Version,
		SessionID: d.sess.ID,
	})
	if err != nil {
		return fmt.Errorf("applying edit: %w", err)
	}
	d.contributed(identity.ActivityEdit)

	if !result.Conflict {
		g.broadcast(protocol.EditBroadcast{
			File:      m.File,
			Edit:      m.Edit,
			Version:   result.Version,
			SessionID: d.sess.ID,
			AgentID:   d.sess.AgentID,
			Timestamp: g.clock.Now(),
		}, d.sess.ID)
		return nil
	}

	resolution := g.moderator.ResolveConflict(d.ctx, moderation.Conflict{
		File:            m.File,
		Current:         result.Current,
		CurrentVersion:  result.CurrentVersion,
		Incoming:        m.Edit,
		IncomingVersion: m.Version,
		SessionID:       d.sess.ID,
		Perspective:     d.sess.Perspective(),
		Evidence:        m.Evidence,
	})
	version, err := g.orchestrator.CommitResolution(d.ctx, m.File, resolution.Edit)
	if err != nil {
		return fmt.Errorf("committing resolution: %w", err)
	}
	g.broadcast(protocol.EditResolved{
		File:       m.File,
		Edit:       resolution.Edit,
		Version:    version,
		ResolvedBy: resolution.ResolvedBy,
		Confidence: resolution.Confidence,
	}, "")
	return nil
}

func (d *dispatch) claimant() orchestration.Claimant {
	return orchestration.Claimant{
		SessionID:   d.sess.ID,
		AgentID:     d.sess.AgentID,
		Perspective: d.sess.Perspective(),
	}
}

// taskRejected reports whether err is a claim or completion refusal that
// belongs to the claimant rather than a handler failure.
func taskRejected(err error) bool {
	return errors.Is(err, orchestration.ErrTaskNotFound) ||
		errors.Is(err, orchestration.ErrTaskClaimed) ||
		errors.Is(err, orchestration.ErrTaskCompleted) ||
		errors.Is(err, orchestration.ErrNotAssignee) ||
		errors.Is(err, orchestration.ErrPerspectiveMismatch)
}

func (d *dispatch) VisitTask(m *protocol.Task) error {
	g := d.g

	var (
		task  protocol.TaskInfo
		event string
		err   error
	)
	switch m.Action {
	case protocol.TaskCreate:
		if m.Task == nil {
			d.c.replyError(orchestration.ErrInvalidTask.Error())
			return nil
		}
		task, err = g.orchestrator.CreateTask(d.ctx, *m.Task, d.sess.AgentID)
		if errors.Is(err, orchestration.ErrInvalidTask) || errors.Is(err, orchestration.ErrTaskExists) {
			d.c.replyError(err.Error())
			return nil
		}
		event = protocol.TaskEventCreated
	case protocol.TaskClaim:
		task, err = g.orchestrator.AssignTask(d.ctx, m.TaskID, d.claimant())
		event = protocol.TaskEventAssigned
	case protocol.TaskComplete:
		task, err = g.orchestrator.CompleteTask(d.ctx, m.TaskID, d.claimant())
		event = protocol.TaskEventCompleted
	default:
		d.c.replyError(fmt.Sprintf("%v: %q", orchestration.ErrUnknownAction, m.Action))
		return nil
	}

	if taskRejected(err) {
		d.c.reply(protocol.TaskRejection{TaskID: m.TaskID, Reason: err.Error()})
		return nil
	}
	if err != nil {
		return fmt.Errorf("task %s: %w", m.Action, err)
	}

	d.contributed(identity.ActivityTask)
	g.broadcast(protocol.TaskUpdate{Event: event, Task: task}, "")
	return nil
}

func (d *dispatch) VisitVote(m *protocol.Vote) error {
	g := d.g
	if m.ProposalID == "" || m.Vote == "" {
		d.c.replyError(orchestration.ErrInvalidVote.Error())
		return nil
	}

	weight := g.moderator.WeighVote(d.ctx, moderation.Vote{
		SessionID:   d.sess.ID,
		AgentID:     d.sess.AgentID,
		Perspective: d.sess.Perspective(),
		Choice:      m.Vote,
		Evidence:    m.Evidence,
	})
	if err := g.orchestrator.RecordVote(d.ctx, orchestration.Ballot{
		ProposalID:  m.ProposalID,
		SessionID:   d.sess.ID,
		AgentID:     d.sess.AgentID,
		Perspective: d.sess.Perspective(),
		Choice:      m.Vote,
		Weight:      weight,
		Evidence:    m.Evidence,
		CastAt:      g.clock.Now(),
	}); err != nil {
		return fmt.Errorf("recording vote: %w", err)
	}

	ballots, complete := g.orchestrator.CheckVotingComplete(d.ctx, m.ProposalID, g.sessions.Count())
	if !complete {
		return nil
	}

	votes := make([]moderation.Vote, len(ballots))
	for i, b := range ballots {
		votes[i] = moderation.Vote{
			SessionID:   b.SessionID,
			AgentID:     b.AgentID,
			Perspective: b.Perspective,
			Choice:      b.Choice,
			Evidence:    b.Evidence,
			Weight:      b.Weight,
		}
	}
	decision := g.moderator.ResolveDecision(d.ctx, m.ProposalID, votes)
	d.c.logger.Info("proposal decided",
		"proposal_id", m.ProposalID,
		"decision", decision.Decision,
		"votes", len(votes),
	)
	g.broadcast(protocol.DecisionMade{
		ProposalID:     m.ProposalID,
		Decision:       decision.Decision,
		Confidence:     decision.Confidence,
		DiversityScore: decision.DiversityScore,
		Perspectives:   decision.Perspectives,
	}, "")
	return nil
}

func (d *dispatch) VisitSpawn(m *protocol.Spawn) error {
	g := d.g
	agents, err := g.orchestrator.SpawnAgents(d.ctx, orchestration.SpawnRequest{
		Mode:  m.Mode,
		Task:  m.Task,
		Count: m.Count,
	})
	if errors.Is(err, orchestration.ErrUnknownMode) || errors.Is(err, orchestration.ErrSpawnLimit) {
		d.c.replyError(err.Error())
		return nil
	}
	if err != nil {
		return fmt.Errorf("spawning agents: %w", err)
	}

	if g.config.Features.AntiEcho {
		for i := range agents {
			agents[i].Perspective = g.moderator.AssignPerspective(d.ctx, agents[i].ID)
			// Spawned agents hold no session here; they authenticate on their own.
			g.moderator.Release(d.ctx, agents[i].ID)
		}
	}
	d.c.reply(protocol.AgentsSpawned{Agents: agents})
	return nil
}

func (d *dispatch) VisitWhoAmI(*protocol.WhoAmI) error {
	ident, ok := d.g.identities.Get(d.sess.AgentID)
	if !ok {
		return fmt.Errorf("whoami %s: %w", d.sess.AgentID, identity.ErrNotFound)
	}
	d.c.reply(protocol.IdentityInfo{
		AgentID:            ident.AgentID,
		DisplayName:        ident.DisplayName,
		Role:               ident.CurrentRole,
		Perspective:        d.sess.Perspective(),
		Stats:              ident.Stats,
		RoleHistory:        ident.RoleHistory,
		PerspectiveHistory: ident.PerspectiveHistory,
		FirstSeen:          ident.FirstSeen,
		SessionInfo: protocol.SessionInfo{
			SessionID:            d.sess.ID,
			JoinedAt:             d.sess.JoinedAt,
			SessionContributions: d.sess.Counters().Total(),
		},
	})
	return nil
}

func (d *dispatch) VisitSwitchRole(m *protocol.SwitchRole) error {
	g := d.g
	if m.NewRole == "" {
		d.c.replyError(msgRoleRequired)
		return nil
	}

	oldRole, err := g.identities.ChangeRole(d.sess.AgentID, m.NewRole, d.sess.ID)
	if err != nil {
		return fmt.Errorf("switching role: %w", err)
	}
	d.sess.SetRole(m.NewRole)

	g.audit(d.ctx, &store.Event{
		Kind:      store.EventRoleChange,
		AgentID:   d.sess.AgentID,
		SessionID: d.sess.ID,
		Detail:    map[string]any{"old_role": oldRole, "new_role": m.NewRole},
	})
	d.c.reply(protocol.RoleChanged{AgentID: d.sess.AgentID, OldRole: oldRole, NewRole: m.NewRole})
	g.broadcast(protocol.SessionUpdate{
		Event:          protocol.SessionRoleChanged,
		SessionID:      d.sess.ID,
		AgentID:        d.sess.AgentID,
		DisplayName:    d.sess.DisplayName,
		Role:           m.NewRole,
		Perspective:    d.sess.Perspective(),
		ActiveSessions: g.sessions.Count(),
	}, d.sess.ID)
	return nil
}

func (d *dispatch) VisitGetHistory(m *protocol.GetHistory) error {
	g := d.g
	report, err := g.identities.HistoryReport(d.sess.AgentID)
	if err != nil {
		return fmt.Errorf("history report: %w", err)
	}

	limit := m.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	records, err := g.store.ListAgentSessions(d.ctx, d.sess.AgentID, limit)
	if err != nil {
		d.c.logger.Warn("failed to list ledger sessions", "agent_id", d.sess.AgentID, "error", err)
	}

	d.c.reply(protocol.HistoryReport{Report: report, Sessions: summarizeSessions(records, d.sess)})
	return nil
}

// summarizeSessions converts ledger rows, filling live counters for the
// caller's open session.
func summarizeSessions(records []*store.SessionRecord, live *session.Session) []protocol.SessionSummary {
	out := make([]protocol.SessionSummary, 0, len(records))
	for _, r := range records {
		s := protocol.SessionSummary{
			SessionID: r.ID,
			Role:      r.Role,
			JoinedAt:  r.JoinedAt,
			Messages:  r.Messages,
			Edits:     r.Edits,
			Tasks:     r.Tasks,
			EndReason: r.EndReason,
		}
		if r.LeftAt != nil {
			s.LeftAt = *r.LeftAt
		}
		if live != nil && r.ID == live.ID {
			counters := live.Counters()
			s.Role = live.Role()
			s.Messages, s.Edits, s.Tasks = counters.Messages, counters.Edits, counters.Tasks
		}
		out = append(out, s)
	}
	return out
}

func (d *dispatch) VisitGeneric(m *protocol.Generic) error {
	return d.g.router.Route(d.ctx, orchestration.Origin{SessionID: d.sess.ID, AgentID: d.sess.AgentID}, m)
}

// disconnect runs once per connection after its read loop ends.
func (g *Gateway) disconnect(c *conn) {
	sess := c.session()
	if sess == nil {
		c.logger.Debug("unauthenticated connection closed")
		return
	}

	ctx := context.Background()
	c.mu.Lock()
	reason := c.endReason
	c.mu.Unlock()

	_, removed := g.sessions.Remove(sess.ID)
	g.identities.UnbindSession(sess.ID)
	g.moderator.Release(ctx, sess.ID)

	for _, task := range g.orchestrator.HandleAgentDisconnect(ctx, sess.ID) {
		g.broadcast(protocol.TaskUpdate{Event: protocol.TaskEventReleased, Task: task}, "")
	}

	counters := sess.Counters()
	if err := g.store.RecordSessionEnd(ctx, sess.ID, store.SessionEnd{
		LeftAt:    g.clock.Now(),
		Messages:  counters.Messages,
		Edits:     counters.Edits,
		Tasks:     counters.Tasks,
		EndReason: reason,
	}); err != nil && !errors.Is(err, store.ErrNotFound) {
		c.logger.Warn("failed to record session end", "session_id", sess.ID, "error", err)
	}

	g.metrics.SessionsActive.Set(float64(g.sessions.Count()))
	g.logger.Info("=== AGENT DISCONNECTED ===",
		"session_id", sess.ID,
		"agent_id", sess.AgentID,
		"name", sess.DisplayName,
		"reason", reason,
		"contributions", counters.Total(),
	)

	if removed {
		g.broadcast(protocol.SessionUpdate{
			Event:          protocol.SessionLeft,
			SessionID:      sess.ID,
			AgentID:        sess.AgentID,
			DisplayName:    sess.DisplayName,
			Role:           sess.Role(),
			Perspective:    sess.Perspective(),
			ActiveSessions: g.sessions.Count(),
		}, sess.ID)
	}
}
