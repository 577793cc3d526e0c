// Package store provides the gateway's session ledger using SQLite.
//
// # Architecture
//
// Store is the interface the gateway depends on. SQLiteStore implements it
// on modernc.org/sqlite (pure Go, no cgo); MockStore is an in-memory
// implementation for tests.
//
// # Data Models
//
//   - SessionRecord: one row per authenticated connection, opened on auth and
//     closed on disconnect with per-session counters and an end reason
//   - Event: audit trail of notable protocol events (interventions,
//     supersessions, inactivity sweeps, role changes, failed auths)
//
// The ledger is an audit artefact. It backs get-history replies and the admin
// API, and is never replayed to agents.
//
// # Recovery
//
// Records left open by a crash are closed on startup with
// CloseOpenSessions(now, EndRestart).
//
// # Timestamps
//
// Timestamps are stored as fixed-width UTC strings with nanoseconds so that
// ORDER BY on the text column is chronological.
package store
