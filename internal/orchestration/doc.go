// Package orchestration coordinates shared work between connected agents.
//
// The Orchestrator interface is what the gateway dispatcher calls for tasks,
// shared-file edits, proposal votes and spawn requests. Engine implements it
// in memory:
//
//   - Tasks move pending -> assigned -> completed. A task listing required
//     perspectives can only be claimed by a session holding one of them.
//     Disconnecting returns a session's assigned tasks to pending.
//   - Files carry a version. An edit applies only against the current version;
//     otherwise the caller gets a conflict to resolve and commit.
//   - Votes are collected per proposal, one per agent, until quorum.
//
// Router handles message types the dispatcher does not know. Relay, the
// default, re-broadcasts them to peers.
package orchestration
