// ABOUTME: Admin HTTP API handlers for identities, live sessions, history, audit events and stats
// ABOUTME: Also serves the rendered discussion board and the Prometheus endpoint

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/harmony-gateway/internal/auth"
	"github.com/2389/harmony-gateway/internal/identity"
	"github.com/2389/harmony-gateway/internal/orchestration"
	"github.com/2389/harmony-gateway/internal/session"
	"github.com/2389/harmony-gateway/internal/store"
)

// AgentResponse is the JSON response item for GET /api/agents.
// Auth tokens are never exposed.
type AgentResponse struct {
	AgentID     string         `json:"agent_id"`
	DisplayName string         `json:"display_name"`
	Role        string         `json:"role"`
	Perspective string         `json:"perspective,omitempty"`
	Online      bool           `json:"online"`
	SessionID   string         `json:"session_id,omitempty"`
	FirstSeen   string         `json:"first_seen"`
	LastSeen    string         `json:"last_seen"`
	Stats       identity.Stats `json:"stats"`
}

// SessionResponse is the JSON response item for GET /api/sessions.
type SessionResponse struct {
	SessionID   string           `json:"session_id"`
	AgentID     string           `json:"agent_id"`
	DisplayName string           `json:"display_name"`
	Role        string           `json:"role"`
	Perspective string           `json:"perspective,omitempty"`
	JoinedAt    string           `json:"joined_at"`
	Counters    session.Counters `json:"counters"`
}

// SessionRecordResponse is one ledger row in an agent history response.
type SessionRecordResponse struct {
	SessionID string `json:"session_id"`
	Role      string `json:"role"`
	JoinedAt  string `json:"joined_at"`
	LeftAt    string `json:"left_at,omitempty"`
	Messages  int    `json:"messages"`
	Edits     int    `json:"edits"`
	Tasks     int    `json:"tasks"`
	EndReason string `json:"end_reason,omitempty"`
}

// AgentHistoryResponse is the JSON response for GET /api/agents/{id}/history.
type AgentHistoryResponse struct {
	AgentID  string                  `json:"agent_id"`
	Report   string                  `json:"report"`
	Sessions []SessionRecordResponse `json:"sessions"`
}

// EventResponse is the JSON response item for GET /api/events.
type EventResponse struct {
	ID        string         `json:"id"`
	Kind      string         `json:"kind"`
	AgentID   string         `json:"agent_id,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Timestamp string         `json:"timestamp"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// StatsResponse is the JSON response for GET /api/stats.
type StatsResponse struct {
	Identities     identity.ActivityReport `json:"identities"`
	Sessions       int                     `json:"sessions"`
	Degraded       bool                    `json:"degraded"`
	Orchestration  orchestration.Stats     `json:"orchestration"`
	ModerationGate string                  `json:"moderation_gate"`
}

// registerHTTPAPIRoutes registers API routes on the mux with or without auth middleware.
func (g *Gateway) registerHTTPAPIRoutes(mux *http.ServeMux) error {
	api := http.NewServeMux()
	api.HandleFunc("GET /api/agents", g.handleListAgents)
	api.HandleFunc("GET /api/agents/{id}/history", g.handleAgentHistory)
	api.HandleFunc("GET /api/sessions", g.handleListSessions)
	api.HandleFunc("GET /api/events", g.handleListEvents)
	api.HandleFunc("GET /api/stats", g.handleStats)

	if g.config.Auth.JWTSecret != "" {
		verifier, err := auth.NewJWTVerifier([]byte(g.config.Auth.JWTSecret))
		if err != nil {
			return fmt.Errorf("creating HTTP JWT verifier: %w", err)
		}
		g.verifier = verifier
		mux.Handle("/api/", auth.HTTPAuthMiddleware(verifier)(api))
	} else {
		g.logger.Warn("HTTP auth disabled: auth.jwt_secret not set, /api endpoints are open")
		mux.Handle("/api/", api)
	}

	mux.HandleFunc("GET /board", g.handleBoard)

	if g.config.Metrics.Enabled {
		mux.Handle(g.config.Metrics.Path, g.metrics.Handler())
		g.logger.Info("metrics enabled", "path", g.config.Metrics.Path)
	}
	return nil
}

// sendJSON writes v as a JSON response.
func (g *Gateway) sendJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("failed to write JSON response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// parseLimit reads ?limit=, defaulting to def and capping at ceiling.
func parseLimit(r *http.Request, def, ceiling int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, errors.New("limit must be a positive integer")
	}
	return min(n, ceiling), nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// handleListAgents handles GET /api/agents.
// It returns every known identity, online or not. ?online=true keeps only
// agents with a live session.
func (g *Gateway) handleListAgents(w http.ResponseWriter, r *http.Request) {
	onlineOnly := r.URL.Query().Get("online") == "true"

	idents := g.identities.List()
	response := make([]AgentResponse, 0, len(idents))
	for _, ident := range idents {
		online := ident.Online()
		if onlineOnly && !online {
			continue
		}
		response = append(response, AgentResponse{
			AgentID:     ident.AgentID,
			DisplayName: ident.DisplayName,
			Role:        ident.CurrentRole,
			Perspective: ident.CurrentPerspective,
			Online:      online,
			SessionID:   ident.CurrentSessionID,
			FirstSeen:   formatTime(ident.FirstSeen),
			LastSeen:    formatTime(ident.LastSeen),
			Stats:       ident.Stats,
		})
	}

	g.sendJSON(w, response)
}

// handleListSessions handles GET /api/sessions.
func (g *Gateway) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := g.sessions.List()
	response := make([]SessionResponse, 0, len(sessions))
	for _, s := range sessions {
		response = append(response, SessionResponse{
			SessionID:   s.ID,
			AgentID:     s.AgentID,
			DisplayName: s.DisplayName,
			Role:        s.Role(),
			Perspective: s.Perspective(),
			JoinedAt:    formatTime(s.JoinedAt),
			Counters:    s.Counters(),
		})
	}

	g.sendJSON(w, response)
}

// handleAgentHistory handles GET /api/agents/{id}/history.
// Supports ?limit=N for ledger rows (default 20, max 100).
func (g *Gateway) handleAgentHistory(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	if agentID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "agent_id is required")
		return
	}

	limit, err := parseLimit(r, 20, 100)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	if op := auth.FromContext(r.Context()); op != nil {
		g.logger.Debug("history requested", "agent_id", agentID, "operator", op.Subject)
	}

	report, err := g.identities.HistoryReport(agentID)
	if errors.Is(err, identity.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "agent not found")
		return
	}
	if err != nil {
		g.logger.Error("failed to build history report", "agent_id", agentID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	records, err := g.store.ListAgentSessions(r.Context(), agentID, limit)
	if err != nil {
		g.logger.Error("failed to list agent sessions", "agent_id", agentID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	response := AgentHistoryResponse{
		AgentID:  agentID,
		Report:   report,
		Sessions: make([]SessionRecordResponse, len(records)),
	}
	for i, rec := range records {
		row := SessionRecordResponse{
			SessionID: rec.ID,
			Role:      rec.Role,
			JoinedAt:  formatTime(rec.JoinedAt),
			Messages:  rec.Messages,
			Edits:     rec.Edits,
			Tasks:     rec.Tasks,
			EndReason: rec.EndReason,
		}
		if rec.LeftAt != nil {
			row.LeftAt = formatTime(*rec.LeftAt)
		}
		response.Sessions[i] = row
	}

	g.sendJSON(w, response)
}

// handleListEvents handles GET /api/events.
// Supports ?agent_id=, ?kind=, ?since= (RFC 3339) and ?limit= filters.
func (g *Gateway) handleListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit, err := parseLimit(r, 100, 1000)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter := store.EventFilter{Limit: limit}

	if agentID := q.Get("agent_id"); agentID != "" {
		filter.AgentID = &agentID
	}
	if kind := q.Get("kind"); kind != "" {
		k := store.EventKind(kind)
		filter.Kind = &k
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			g.sendJSONError(w, http.StatusBadRequest, "since must be an RFC 3339 timestamp")
			return
		}
		filter.Since = &t
	}

	events, err := g.store.ListEvents(r.Context(), filter)
	if err != nil {
		g.logger.Error("failed to list events", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	response := make([]EventResponse, len(events))
	for i, e := range events {
		response[i] = EventResponse{
			ID:        e.ID,
			Kind:      string(e.Kind),
			AgentID:   e.AgentID,
			SessionID: e.SessionID,
			Timestamp: formatTime(e.Timestamp),
			Detail:    e.Detail,
		}
	}

	g.sendJSON(w, response)
}

// handleStats handles GET /api/stats.
func (g *Gateway) handleStats(w http.ResponseWriter, r *http.Request) {
	g.sendJSON(w, StatsResponse{
		Identities:     g.identities.ActivityReport(),
		Sessions:       g.sessions.Count(),
		Degraded:       g.identities.Degraded(),
		Orchestration:  g.engine.Stats(),
		ModerationGate: g.moderator.State().String(),
	})
}

// handleBoard handles GET /board, rendering the discussion board as HTML.
func (g *Gateway) handleBoard(w http.ResponseWriter, r *http.Request) {
	if g.board == nil {
		http.Error(w, "discussion board disabled", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := g.board.Render(w); err != nil {
		g.logger.Error("failed to render discussion board", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}
