// Package gateway is the server side of the harmony protocol.
//
// # Overview
//
// A Gateway owns the HTTP server, the WebSocket endpoint and every
// collaborator a connection touches:
//
//	type Gateway struct {
//	    identities   *identity.Store          // durable agent identities
//	    sessions     *session.Registry        // live sessions, broadcast
//	    store        store.Store              // session ledger and audit events
//	    moderator    *moderation.Breaker      // moderation gate
//	    orchestrator orchestration.Orchestrator
//	    router       orchestration.Router     // types without a handler
//	    board        *board.Board             // markdown discussion board
//	    metrics      *metrics.Metrics
//	    // ...
//	}
//
// # Connections
//
// Each WebSocket connection runs a read pump and a write pump. The read pump
// handles frames one at a time, so messages from one agent are processed in
// the order they arrive. The write pump owns every data write and pings the
// peer; the outbound buffer is bounded and a full buffer drops the frame for
// that recipient only.
//
// A connection starts unauthenticated. Only auth and register are accepted
// until an auth succeeds:
//
//	Unauthenticated --auth ok--> Authenticated --close--> Closed
//	Unauthenticated --auth failed--> Closed (4003)
//
// A newer session for the same agent closes the older one with code 4000.
// The scheduled inactivity sweep closes idle sessions with code 4001.
//
// # Dispatch
//
// Authenticated frames pass through, in order:
//
//  1. the per-connection rate limit
//  2. the moderation gate for message, edit, vote, proposal and decision
//  3. Orchestrator.ProcessMessage for task, spawn, swarm and workflow
//  4. the handler for the decoded type, chosen by protocol.Visitor
//
// A rejected contribution is answered with diversity-intervention to the
// sender alone and is neither broadcast nor recorded.
//
// # HTTP API
//
//   - GET /health - Liveness check
//   - GET /health/ready - Readiness check
//   - GET /api/agents - Known identities with online flag
//   - GET /api/agents/{id}/history - History report and ledger sessions
//   - GET /api/sessions - Live sessions
//   - GET /api/events - Audit events
//   - GET /api/stats - Activity, orchestration and moderation state
//   - GET /board - Discussion board as HTML
//   - GET /metrics - Prometheus metrics, when enabled
//
// /api endpoints require a bearer JWT when auth.jwt_secret is set.
package gateway
