// ABOUTME: End-to-end protocol tests driving a real gateway over gorilla WebSocket clients
// ABOUTME: Covers the auth handshake, moderation gate, broadcasts, tasks, votes and cleanup

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/harmony-gateway/internal/config"
	"github.com/2389/harmony-gateway/internal/protocol"
	"github.com/2389/harmony-gateway/internal/session"
	"github.com/2389/harmony-gateway/internal/store"
)

const readTimeout = 3 * time.Second

// startGateway serves gw over httptest and returns the WebSocket URL.
func startGateway(t *testing.T, cfg *config.Config, opts ...Option) (*Gateway, string) {
	t.Helper()

	gw, err := New(cfg, testLogger(), opts...)
	require.NoError(t, err)

	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(func() {
		_ = gw.Shutdown(context.Background())
		srv.Close()
	})
	return gw, "ws" + strings.TrimPrefix(srv.URL, "http") + cfg.Server.WSPath
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, m protocol.Inbound) {
	t.Helper()
	data, err := protocol.EncodeInbound(m)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, data))
}

func sendRaw(t *testing.T, ws *websocket.Conn, raw string) {
	t.Helper()
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(raw)))
}

// expect reads frames until one of type want arrives and decodes it into v.
func expect[T any](t *testing.T, ws *websocket.Conn, want protocol.Type) T {
	t.Helper()
	var v T
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(readTimeout)))
	for {
		_, data, err := ws.ReadMessage()
		require.NoError(t, err, "waiting for %s", want)
		got, err := protocol.PeekType(data)
		require.NoError(t, err)
		if got == want {
			require.NoError(t, json.Unmarshal(data, &v))
			return v
		}
	}
}

// expectWithout reads until a frame of type want arrives, failing if a frame of
// type forbidden comes first.
func expectWithout[T any](t *testing.T, ws *websocket.Conn, want, forbidden protocol.Type) T {
	t.Helper()
	var v T
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(readTimeout)))
	for {
		_, data, err := ws.ReadMessage()
		require.NoError(t, err, "waiting for %s", want)
		got, err := protocol.PeekType(data)
		require.NoError(t, err)
		require.NotEqual(t, forbidden, got, "unexpected %s frame: %s", forbidden, data)
		if got == want {
			require.NoError(t, json.Unmarshal(data, &v))
			return v
		}
	}
}

// expectNone fails if a frame of type unwanted arrives within wait. A timed
// out read leaves ws unusable, so call it last on a connection.
func expectNone(t *testing.T, ws *websocket.Conn, unwanted protocol.Type, wait time.Duration) {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(wait)))
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			var netErr interface{ Timeout() bool }
			if errors.As(err, &netErr) && netErr.Timeout() {
				return
			}
			t.Fatalf("unexpected read error: %v", err)
		}
		got, _ := protocol.PeekType(data)
		if got == unwanted {
			t.Fatalf("unexpected %s frame: %s", unwanted, data)
		}
	}
}

// expectClose reads until the connection closes and returns the close code.
func expectClose(t *testing.T, ws *websocket.Conn) int {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(readTimeout)))
	for {
		_, _, err := ws.ReadMessage()
		if err == nil {
			continue
		}
		var closeErr *websocket.CloseError
		require.ErrorAs(t, err, &closeErr)
		return closeErr.Code
	}
}

// join authenticates a fresh connection as name.
func join(t *testing.T, url, name, role string) (*websocket.Conn, protocol.AuthSuccess) {
	t.Helper()
	ws := dial(t, url)
	send(t, ws, &protocol.Auth{AgentName: name, Role: role, ClientVersion: protocol.Version})
	return ws, expect[protocol.AuthSuccess](t, ws, protocol.TypeAuthSuccess)
}

func TestDispatcher_RequiresAuthentication(t *testing.T) {
	_, url := startGateway(t, testConfig(t))
	ws := dial(t, url)

	send(t, ws, &protocol.Chat{Text: "hello before auth"})
	e := expect[protocol.Error](t, ws, protocol.TypeError)
	assert.Equal(t, "Authentication required", e.Message)

	sendRaw(t, ws, `{not json`)
	e = expect[protocol.Error](t, ws, protocol.TypeError)
	assert.Equal(t, "Invalid message format", e.Message)

	sendRaw(t, ws, `{"text":"no type"}`)
	e = expect[protocol.Error](t, ws, protocol.TypeError)
	assert.Equal(t, "Invalid message format", e.Message)

	// The connection stays usable.
	send(t, ws, &protocol.Auth{AgentName: "alice"})
	ok := expect[protocol.AuthSuccess](t, ws, protocol.TypeAuthSuccess)
	assert.Equal(t, "alice", ok.DisplayName)
}

func TestDispatcher_AuthSuccess(t *testing.T) {
	gw, url := startGateway(t, testConfig(t))

	_, ok := join(t, url, "alice", "researcher")

	assert.Regexp(t, `^agent-[0-9a-f]{16}$`, ok.AgentID)
	assert.Len(t, ok.AuthToken, 64)
	assert.Equal(t, "researcher", ok.Role)
	assert.False(t, ok.IsReturning)
	assert.Equal(t, 1, ok.TotalSessions)
	assert.True(t, strings.HasPrefix(ok.SessionID, "session-"))
	assert.NotEmpty(t, ok.Perspective, "anti-echo assigns a perspective")
	assert.Equal(t, protocol.Version, ok.ServerVersion)
	assert.Nil(t, ok.VersionWarning)
	assert.True(t, ok.Capabilities.Realtime)
	assert.True(t, ok.Capabilities.PersistentIdentity)
	assert.True(t, ok.Capabilities.AntiEchoChamber)

	require.Eventually(t, func() bool {
		rec, err := gw.store.GetSession(context.Background(), ok.SessionID)
		return err == nil && rec.AgentID == ok.AgentID
	}, time.Second, 5*time.Millisecond)
}

func TestDispatcher_VersionWarning(t *testing.T) {
	_, url := startGateway(t, testConfig(t))
	ws := dial(t, url)

	send(t, ws, &protocol.Auth{AgentName: "old-client", ClientVersion: "2.0.0"})
	ok := expect[protocol.AuthSuccess](t, ws, protocol.TypeAuthSuccess)
	require.NotNil(t, ok.VersionWarning)
	assert.Equal(t, protocol.SeverityError, ok.VersionWarning.Severity)
	assert.Equal(t, "2.0.0", ok.ClientVersion)
}

func TestDispatcher_ReturningAgentKeepsIdentity(t *testing.T) {
	gw, url := startGateway(t, testConfig(t))

	ws, first := join(t, url, "alice", "researcher")
	send(t, ws, &protocol.WhoAmI{})
	before := expect[protocol.IdentityInfo](t, ws, protocol.TypeIdentityInfo)
	require.NoError(t, ws.Close())
	require.Eventually(t, func() bool { return gw.sessions.Count() == 0 }, readTimeout, 5*time.Millisecond)

	ws2 := dial(t, url)
	send(t, ws2, &protocol.Auth{AgentName: "alice", AuthToken: first.AuthToken, Role: "researcher"})
	again := expect[protocol.AuthSuccess](t, ws2, protocol.TypeAuthSuccess)

	assert.Equal(t, first.AgentID, again.AgentID)
	assert.Equal(t, first.AuthToken, again.AuthToken)
	assert.True(t, again.IsReturning)
	assert.Equal(t, 2, again.TotalSessions)
	assert.NotEqual(t, first.SessionID, again.SessionID)

	send(t, ws2, &protocol.WhoAmI{})
	after := expect[protocol.IdentityInfo](t, ws2, protocol.TypeIdentityInfo)
	assert.Len(t, after.RoleHistory, len(before.RoleHistory))

	// Token alone resolves the same agent.
	ws3 := dial(t, url)
	send(t, ws3, &protocol.Auth{AuthToken: first.AuthToken})
	third := expect[protocol.AuthSuccess](t, ws3, protocol.TypeAuthSuccess)
	assert.Equal(t, first.AgentID, third.AgentID)
}

func TestDispatcher_AuthFailures(t *testing.T) {
	_, url := startGateway(t, testConfig(t))

	t.Run("invalid token", func(t *testing.T) {
		ws := dial(t, url)
		send(t, ws, &protocol.Auth{AuthToken: "not-a-token"})
		failed := expect[protocol.AuthFailed](t, ws, protocol.TypeAuthFailed)
		assert.Equal(t, "Invalid token", failed.Reason)
		assert.Equal(t, session.CloseAuthFailed, expectClose(t, ws))
	})

	t.Run("no name", func(t *testing.T) {
		ws := dial(t, url)
		send(t, ws, &protocol.Auth{})
		failed := expect[protocol.AuthFailed](t, ws, protocol.TypeAuthFailed)
		assert.Equal(t, "agentName required", failed.Reason)
		assert.Equal(t, session.CloseAuthFailed, expectClose(t, ws))
	})
}

func TestDispatcher_AlreadyAuthenticated(t *testing.T) {
	_, url := startGateway(t, testConfig(t))
	ws, _ := join(t, url, "alice", "")

	send(t, ws, &protocol.Auth{AgentName: "alice"})
	e := expect[protocol.Error](t, ws, protocol.TypeError)
	assert.Equal(t, "Already authenticated", e.Message)

	send(t, ws, &protocol.Register{AgentName: "alice2"})
	e = expect[protocol.Error](t, ws, protocol.TypeError)
	assert.Equal(t, "Already authenticated", e.Message)
}

func TestDispatcher_Register(t *testing.T) {
	_, url := startGateway(t, testConfig(t))

	first := dial(t, url)
	send(t, first, &protocol.Register{AgentName: "bob", Role: "reviewer", ForceNew: true})
	ok := expect[protocol.RegisterSuccess](t, first, protocol.TypeRegisterSuccess)
	assert.Equal(t, "bob", ok.DisplayName)
	assert.Equal(t, "reviewer", ok.Role)
	assert.NotEmpty(t, ok.AuthToken)

	second := dial(t, url)
	send(t, second, &protocol.Register{AgentName: "bob", ForceNew: true})
	failed := expect[protocol.RegisterFailed](t, second, protocol.TypeRegisterFailed)
	assert.Equal(t, protocol.ReasonNameTaken, failed.Reason)
	require.NotEmpty(t, failed.Suggestions)
	pattern := regexp.MustCompile(`^bob([2-9]|10|_new|_agent)$`)
	for _, s := range failed.Suggestions {
		assert.Regexp(t, pattern, s)
	}

	// Registration leaves the connection unauthenticated.
	send(t, first, &protocol.WhoAmI{})
	e := expect[protocol.Error](t, first, protocol.TypeError)
	assert.Equal(t, "Authentication required", e.Message)

	send(t, first, &protocol.Auth{AuthToken: ok.AuthToken})
	authed := expect[protocol.AuthSuccess](t, first, protocol.TypeAuthSuccess)
	assert.Equal(t, ok.AgentID, authed.AgentID)
}

func TestDispatcher_ChatBroadcastExcludesSender(t *testing.T) {
	gw, url := startGateway(t, testConfig(t))

	alice, a := join(t, url, "alice", "researcher")
	bob, _ := join(t, url, "bob", "reviewer")

	joined := expect[protocol.SessionUpdate](t, alice, protocol.TypeSessionUpdate)
	assert.Equal(t, protocol.SessionJoined, joined.Event)
	assert.Equal(t, "bob", joined.DisplayName)
	assert.Equal(t, 2, joined.ActiveSessions)

	send(t, alice, &protocol.Chat{Text: "the cache layer needs a TTL"})
	chat := expect[protocol.ChatBroadcast](t, bob, protocol.TypeChat)
	assert.Equal(t, "the cache layer needs a TTL", chat.Text)
	assert.Equal(t, a.AgentID, chat.AgentID)
	assert.Equal(t, a.SessionID, chat.SessionID)
	assert.Equal(t, "alice", chat.DisplayName)

	ident, ok := gw.identities.Get(a.AgentID)
	require.True(t, ok)
	assert.Equal(t, 1, ident.Stats.TotalMessages)

	require.Eventually(t, func() bool {
		md, err := gw.board.Markdown()
		return err == nil && strings.Contains(string(md), "the cache layer needs a TTL")
	}, time.Second, 5*time.Millisecond)

	expectNone(t, alice, protocol.TypeChat, 150*time.Millisecond)
}

func TestDispatcher_EchoTriggersIntervention(t *testing.T) {
	gw, url := startGateway(t, testConfig(t))

	alice, _ := join(t, url, "alice", "")
	bob, b := join(t, url, "bob", "")

	point := "we should shard the database by tenant"
	send(t, alice, &protocol.Chat{Text: point})
	expect[protocol.ChatBroadcast](t, bob, protocol.TypeChat)

	send(t, bob, &protocol.Chat{Text: point})
	iv := expect[protocol.DiversityIntervention](t, bob, protocol.TypeDiversityIntervention)
	assert.Equal(t, protocol.TypeMessage, iv.OriginalType)
	assert.NotEmpty(t, iv.Reason)
	assert.NotEmpty(t, iv.RequiredAction)
	assert.NotEmpty(t, iv.Suggestions)

	expectNone(t, alice, protocol.TypeChat, 150*time.Millisecond)

	ident, ok := gw.identities.Get(b.AgentID)
	require.True(t, ok)
	assert.Zero(t, ident.Stats.TotalMessages, "rejected chat is not recorded")

	events, err := gw.store.ListEvents(context.Background(), store.EventFilter{})
	require.NoError(t, err)
	var interventions int
	for _, e := range events {
		if e.Kind == store.EventIntervention {
			interventions++
		}
	}
	assert.Equal(t, 1, interventions)
}

func TestDispatcher_ModerationDisabledSkipsGate(t *testing.T) {
	cfg := testConfig(t)
	cfg.Moderation.Enabled = false
	_, url := startGateway(t, cfg)

	alice, _ := join(t, url, "alice", "")
	bob, _ := join(t, url, "bob", "")

	point := "we should shard the database by tenant"
	send(t, alice, &protocol.Chat{Text: point})
	expect[protocol.ChatBroadcast](t, bob, protocol.TypeChat)
	send(t, alice, &protocol.Chat{Text: point})
	expect[protocol.ChatBroadcast](t, bob, protocol.TypeChat)
}

func TestDispatcher_EmptyChat(t *testing.T) {
	_, url := startGateway(t, testConfig(t))
	ws, _ := join(t, url, "alice", "")

	send(t, ws, &protocol.Chat{})
	e := expect[protocol.Error](t, ws, protocol.TypeError)
	assert.Equal(t, "Message text required", e.Message)
}

func TestDispatcher_SupersedesPreviousSession(t *testing.T) {
	gw, url := startGateway(t, testConfig(t))

	old, first := join(t, url, "alice", "")

	fresh := dial(t, url)
	send(t, fresh, &protocol.Auth{AgentName: "alice", AuthToken: first.AuthToken})
	second := expect[protocol.AuthSuccess](t, fresh, protocol.TypeAuthSuccess)
	assert.Equal(t, first.AgentID, second.AgentID)

	assert.Equal(t, session.CloseSuperseded, expectClose(t, old))

	require.Eventually(t, func() bool {
		rec, err := gw.store.GetSession(context.Background(), first.SessionID)
		return err == nil && rec.LeftAt != nil
	}, readTimeout, 10*time.Millisecond)
	rec, err := gw.store.GetSession(context.Background(), first.SessionID)
	require.NoError(t, err)
	assert.Equal(t, store.EndSuperseded, rec.EndReason)

	// The new session survives the old connection's cleanup.
	assert.Equal(t, 1, gw.sessions.Count())
	got, ok := gw.identities.GetBySession(second.SessionID)
	require.True(t, ok)
	assert.Equal(t, first.AgentID, got.AgentID)
}

func trackedConns(gw *Gateway) int {
	gw.connMu.Lock()
	defer gw.connMu.Unlock()
	return len(gw.conns)
}

func TestDispatcher_SilentPeerIsDroppedAfterCloseGrace(t *testing.T) {
	gw, url := startGateway(t, testConfig(t))

	// old never reads again, so it never answers the close frame.
	old, first := join(t, url, "alice", "")
	fresh := dial(t, url)
	send(t, fresh, &protocol.Auth{AgentName: "alice", AuthToken: first.AuthToken})
	expect[protocol.AuthSuccess](t, fresh, protocol.TypeAuthSuccess)

	require.Eventually(t, func() bool { return trackedConns(gw) == 1 }, closeGrace+readTimeout, 10*time.Millisecond)

	// The close frame was still written before the socket went away.
	assert.Equal(t, session.CloseSuperseded, expectClose(t, old))
	assert.Equal(t, 1, gw.sessions.Count())
}

func TestDispatcher_DisconnectAnnouncesLeft(t *testing.T) {
	gw, url := startGateway(t, testConfig(t))

	alice, a := join(t, url, "alice", "")
	bob, _ := join(t, url, "bob", "")

	require.NoError(t, alice.Close())

	left := expect[protocol.SessionUpdate](t, bob, protocol.TypeSessionUpdate)
	for left.Event != protocol.SessionLeft {
		left = expect[protocol.SessionUpdate](t, bob, protocol.TypeSessionUpdate)
	}
	assert.Equal(t, a.SessionID, left.SessionID)
	assert.Equal(t, 1, left.ActiveSessions)

	ident, ok := gw.identities.Get(a.AgentID)
	require.True(t, ok)
	assert.False(t, ident.Online())
}

func TestDispatcher_SwitchRole(t *testing.T) {
	_, url := startGateway(t, testConfig(t))

	alice, a := join(t, url, "alice", "researcher")
	bob, _ := join(t, url, "bob", "")

	send(t, alice, &protocol.SwitchRole{})
	e := expect[protocol.Error](t, alice, protocol.TypeError)
	assert.Equal(t, "New role required", e.Message)

	send(t, alice, &protocol.SwitchRole{NewRole: "architect"})
	changed := expect[protocol.RoleChanged](t, alice, protocol.TypeRoleChanged)
	assert.Equal(t, protocol.RoleChanged{AgentID: a.AgentID, OldRole: "researcher", NewRole: "architect"}, changed)

	update := expect[protocol.SessionUpdate](t, bob, protocol.TypeSessionUpdate)
	for update.Event != protocol.SessionRoleChanged {
		update = expect[protocol.SessionUpdate](t, bob, protocol.TypeSessionUpdate)
	}
	assert.Equal(t, "architect", update.Role)

	send(t, alice, &protocol.WhoAmI{})
	info := expect[protocol.IdentityInfo](t, alice, protocol.TypeIdentityInfo)
	assert.Equal(t, "architect", info.Role)
	require.Len(t, info.RoleHistory, 2)
	assert.Equal(t, "architect", info.RoleHistory[1].Role)
	assert.Equal(t, a.SessionID, info.SessionInfo.SessionID)
}

func TestDispatcher_TaskLifecycle(t *testing.T) {
	_, url := startGateway(t, testConfig(t))

	alice, _ := join(t, url, "alice", "")
	bob, _ := join(t, url, "bob", "")

	send(t, alice, &protocol.Task{Action: protocol.TaskCreate, Task: &protocol.TaskInfo{Title: "write the migration"}})
	created := expect[protocol.TaskUpdate](t, bob, protocol.TypeTaskUpdate)
	assert.Equal(t, protocol.TaskEventCreated, created.Event)
	require.NotEmpty(t, created.Task.ID)
	expect[protocol.TaskUpdate](t, alice, protocol.TypeTaskUpdate)

	send(t, bob, &protocol.Task{Action: protocol.TaskClaim, TaskID: created.Task.ID})
	assigned := expect[protocol.TaskUpdate](t, alice, protocol.TypeTaskUpdate)
	assert.Equal(t, protocol.TaskEventAssigned, assigned.Event)
	expect[protocol.TaskUpdate](t, bob, protocol.TypeTaskUpdate)

	send(t, alice, &protocol.Task{Action: protocol.TaskClaim, TaskID: created.Task.ID})
	rejected := expect[protocol.TaskRejection](t, alice, protocol.TypeTaskRejection)
	assert.Equal(t, created.Task.ID, rejected.TaskID)
	assert.NotEmpty(t, rejected.Reason)

	// Dropping the claimant releases the task.
	require.NoError(t, bob.Close())
	released := expect[protocol.TaskUpdate](t, alice, protocol.TypeTaskUpdate)
	assert.Equal(t, protocol.TaskEventReleased, released.Event)
	assert.Equal(t, created.Task.ID, released.Task.ID)
}

func TestDispatcher_TaskValidation(t *testing.T) {
	_, url := startGateway(t, testConfig(t))
	ws, _ := join(t, url, "alice", "")

	send(t, ws, &protocol.Task{Action: "explode"})
	e := expect[protocol.Error](t, ws, protocol.TypeError)
	assert.Contains(t, e.Message, "unknown task action")

	send(t, ws, &protocol.Task{Action: protocol.TaskClaim, TaskID: "missing"})
	rejected := expect[protocol.TaskRejection](t, ws, protocol.TypeTaskRejection)
	assert.Equal(t, "missing", rejected.TaskID)
}

func TestDispatcher_OrchestrationDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Features.Orchestration = false
	_, url := startGateway(t, cfg)
	ws, ok := join(t, url, "alice", "")
	assert.False(t, ok.Capabilities.Orchestration)

	send(t, ws, &protocol.Spawn{Mode: "coder"})
	e := expect[protocol.Error](t, ws, protocol.TypeError)
	assert.Equal(t, "Orchestration is disabled", e.Message)
}

func TestDispatcher_EditsAndConflicts(t *testing.T) {
	_, url := startGateway(t, testConfig(t))

	alice, a := join(t, url, "alice", "")
	bob, _ := join(t, url, "bob", "")

	send(t, alice, &protocol.Edit{File: "plan.md", Edit: json.RawMessage(`{"insert":"v1"}`), Version: 0})
	edit := expect[protocol.EditBroadcast](t, bob, protocol.TypeEdit)
	assert.Equal(t, 1, edit.Version)
	assert.Equal(t, a.AgentID, edit.AgentID)
	assert.JSONEq(t, `{"insert":"v1"}`, string(edit.Edit))

	// bob edits against the stale version.
	send(t, bob, &protocol.Edit{File: "plan.md", Edit: json.RawMessage(`{"insert":"v1b"}`), Version: 0})
	resolved := expectWithout[protocol.EditResolved](t, alice, protocol.TypeEditResolved, protocol.TypeEdit)
	assert.Equal(t, "diversity-weighted-consensus", resolved.ResolvedBy)
	assert.Equal(t, 2, resolved.Version)
	assert.JSONEq(t, `{"insert":"v1b"}`, string(resolved.Edit))
	expect[protocol.EditResolved](t, bob, protocol.TypeEditResolved)
}

func TestDispatcher_VotingReachesDecision(t *testing.T) {
	gw, url := startGateway(t, testConfig(t))

	alice, _ := join(t, url, "alice", "")
	bob, _ := join(t, url, "bob", "")

	send(t, alice, &protocol.Vote{ProposalID: "p-1", Vote: "approve", Evidence: []string{"bench.txt"}})
	require.Eventually(t, func() bool {
		return gw.engine.Stats().OpenProposals == 1
	}, time.Second, 5*time.Millisecond)

	send(t, bob, &protocol.Vote{ProposalID: "p-1", Vote: "reject"})
	decision := expect[protocol.DecisionMade](t, alice, protocol.TypeDecisionMade)
	assert.Equal(t, "p-1", decision.ProposalID)
	assert.Equal(t, "approve", decision.Decision, "evidence-weighted vote wins")
	assert.InDelta(t, 0.6, decision.Confidence, 1e-9)
	assert.Len(t, decision.Perspectives, 2)
	expect[protocol.DecisionMade](t, bob, protocol.TypeDecisionMade)
	assert.Zero(t, gw.engine.Stats().OpenProposals)
}

func TestDispatcher_Spawn(t *testing.T) {
	_, url := startGateway(t, testConfig(t))
	ws, _ := join(t, url, "alice", "")

	send(t, ws, &protocol.Spawn{Mode: "coder", Task: "implement parser", Count: 2})
	spawned := expect[protocol.AgentsSpawned](t, ws, protocol.TypeAgentsSpawned)
	require.Len(t, spawned.Agents, 2)
	for _, a := range spawned.Agents {
		assert.Equal(t, "coder", a.Mode)
		assert.Equal(t, "implement parser", a.Task)
		assert.NotEmpty(t, a.Perspective)
	}

	send(t, ws, &protocol.Spawn{Mode: "wizard"})
	e := expect[protocol.Error](t, ws, protocol.TypeError)
	assert.Contains(t, e.Message, "unknown spawn mode")
}

func TestDispatcher_GetHistory(t *testing.T) {
	_, url := startGateway(t, testConfig(t))
	ws, a := join(t, url, "alice", "researcher")

	send(t, ws, &protocol.Chat{Text: "first contribution to the discussion"})
	send(t, ws, &protocol.GetHistory{})
	report := expect[protocol.HistoryReport](t, ws, protocol.TypeHistoryReport)

	assert.Contains(t, report.Report, "Agent: alice")
	require.Len(t, report.Sessions, 1)
	assert.Equal(t, a.SessionID, report.Sessions[0].SessionID)
	assert.Equal(t, 1, report.Sessions[0].Messages)
}

func TestDispatcher_UnknownTypesAreRelayed(t *testing.T) {
	_, url := startGateway(t, testConfig(t))

	alice, a := join(t, url, "alice", "")
	bob, _ := join(t, url, "bob", "")

	sendRaw(t, alice, `{"type":"proposal","content":"adopt structured logging everywhere","evidence":["rfc-12"]}`)

	require.NoError(t, bob.SetReadDeadline(time.Now().Add(readTimeout)))
	var relayed map[string]any
	for {
		_, data, err := bob.ReadMessage()
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(data, &relayed))
		if relayed["type"] == "proposal" {
			break
		}
	}
	assert.Equal(t, a.SessionID, relayed["sessionId"])
	assert.Equal(t, a.AgentID, relayed["agentId"])
	assert.Equal(t, "adopt structured logging everywhere", relayed["content"])

	expectNone(t, alice, "proposal", 100*time.Millisecond)
}

func TestDispatcher_GatewayTypesAreNotRelayed(t *testing.T) {
	_, url := startGateway(t, testConfig(t))

	mallory, _ := join(t, url, "mallory", "")
	bob, _ := join(t, url, "bob", "")

	for _, typ := range []protocol.Type{protocol.TypeAuthSuccess, protocol.TypeSessionUpdate, protocol.TypeError} {
		sendRaw(t, mallory, `{"type":"`+string(typ)+`","agentId":"agent-0000000000000000","authToken":"attacker-token"}`)
		e := expect[protocol.Error](t, mallory, protocol.TypeError)
		assert.Equal(t, "Invalid message format", e.Message)
	}

	send(t, mallory, &protocol.Chat{Text: "after the forged frames"})
	chat := expectWithout[protocol.ChatBroadcast](t, bob, protocol.TypeChat, protocol.TypeAuthSuccess)
	assert.Equal(t, "after the forged frames", chat.Text)
}

func TestDispatcher_MessageMetricLabelsAreBounded(t *testing.T) {
	gw, url := startGateway(t, testConfig(t))

	anon := dial(t, url)
	for i := range 50 {
		sendRaw(t, anon, fmt.Sprintf(`{"type":"junk-%d-%s"}`, i, strings.Repeat("x", 32)))
		e := expect[protocol.Error](t, anon, protocol.TypeError)
		assert.Equal(t, "Authentication required", e.Message)
	}
	assert.Zero(t, testutil.CollectAndCount(gw.metrics.Messages), "unauthenticated frames are not counted")

	ws, _ := join(t, url, "alice", "")
	sendRaw(t, ws, `{"type":"custom-a"}`)
	sendRaw(t, ws, `{"type":"custom-b"}`)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(gw.metrics.Messages.WithLabelValues("other")) == 2
	}, readTimeout, 10*time.Millisecond)
	assert.Equal(t, 2, testutil.CollectAndCount(gw.metrics.Messages), "only auth and other")
}

func TestDispatcher_DecisionRequiresEvidence(t *testing.T) {
	_, url := startGateway(t, testConfig(t))
	ws, _ := join(t, url, "alice", "")

	sendRaw(t, ws, `{"type":"decision","content":"ship it"}`)
	iv := expect[protocol.DiversityIntervention](t, ws, protocol.TypeDiversityIntervention)
	assert.Equal(t, protocol.TypeDecision, iv.OriginalType)
	assert.Equal(t, "provide-evidence", iv.RequiredAction)
}

func TestDispatcher_RateLimit(t *testing.T) {
	cfg := testConfig(t)
	cfg.Limits = config.LimitsConfig{MessagesPerSecond: 0.001, Burst: 2}
	_, url := startGateway(t, cfg)

	ws, _ := join(t, url, "alice", "")
	send(t, ws, &protocol.WhoAmI{})
	expect[protocol.IdentityInfo](t, ws, protocol.TypeIdentityInfo)

	send(t, ws, &protocol.WhoAmI{})
	e := expect[protocol.Error](t, ws, protocol.TypeError)
	assert.Equal(t, "Rate limit exceeded", e.Message)
}

func TestGateway_SweepClosesInactiveSessions(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	cfg := testConfig(t)
	gw, url := startGateway(t, cfg, WithClock(mock))

	idle, a := join(t, url, "idle", "")
	require.Eventually(t, func() bool { return gw.sessions.Count() == 1 }, time.Second, 5*time.Millisecond)

	gw.sweepInactive()
	assert.Equal(t, 1, gw.sessions.Count(), "fresh session survives the sweep")

	mock.Add(cfg.Identity.InactivityTimeout + time.Second)
	gw.sweepInactive()

	assert.Equal(t, session.CloseInactive, expectClose(t, idle))
	require.Eventually(t, func() bool {
		rec, err := gw.store.GetSession(context.Background(), a.SessionID)
		return err == nil && rec.EndReason == store.EndInactive
	}, readTimeout, 10*time.Millisecond)
}

func TestGateway_ShutdownClosesConnections(t *testing.T) {
	cfg := testConfig(t)
	gw, err := New(cfg, testLogger())
	require.NoError(t, err)
	srv := httptest.NewServer(gw.Handler())
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + cfg.Server.WSPath

	ws, a := join(t, url, "alice", "")
	require.Eventually(t, func() bool { return gw.sessions.Count() == 1 }, time.Second, 5*time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- gw.Shutdown(context.Background()) }()

	assert.Equal(t, session.CloseGoingAway, expectClose(t, ws))
	require.NoError(t, <-done)

	ledger, err := store.NewSQLiteStore(cfg.Database.Path)
	require.NoError(t, err)
	defer ledger.Close()
	rec, err := ledger.GetSession(context.Background(), a.SessionID)
	require.NoError(t, err)
	assert.Equal(t, store.EndShutdown, rec.EndReason)
}
