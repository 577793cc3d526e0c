// ABOUTME: Scheduled inactivity sweep that closes sessions without recent activity
// ABOUTME: Runs on the identity.sweep_schedule cron schedule and audits every closed session

package gateway

import (
	"context"

	"github.com/2389/harmony-gateway/internal/session"
	"github.com/2389/harmony-gateway/internal/store"
)

// sweepInactive unbinds idle sessions in the identity store and closes their
// connections. Cleanup of the registry and collaborators happens when each
// connection's read loop exits.
func (g *Gateway) sweepInactive() {
	swept := g.identities.SweepInactive(g.config.Identity.InactivityTimeout)
	if len(swept) == 0 {
		return
	}

	ctx := context.Background()
	for _, sessionID := range swept {
		g.metrics.SessionsSwept.Inc()

		sess, ok := g.sessions.Get(sessionID)
		if !ok {
			continue
		}
		g.logger.Info("closing inactive session",
			"session_id", sessionID,
			"agent_id", sess.AgentID,
			"timeout", g.config.Identity.InactivityTimeout,
		)
		g.audit(ctx, &store.Event{
			Kind:      store.EventInactive,
			AgentID:   sess.AgentID,
			SessionID: sessionID,
			Detail:    map[string]any{"timeout": g.config.Identity.InactivityTimeout.String()},
		})
		sess.Close(session.CloseInactive, "inactive")
	}
	g.logger.Info("inactivity sweep complete", "swept", len(swept))
}

// audit appends an event to the ledger, logging failures.
func (g *Gateway) audit(ctx context.Context, e *store.Event) {
	if err := g.store.AppendEvent(ctx, e); err != nil {
		g.logger.Warn("failed to append audit event", "kind", e.Kind, "error", err)
	}
}
