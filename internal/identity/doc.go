// Package identity provides the durable agent identity registry.
//
// # Overview
//
// An agent identity outlives any single network connection. The Store maps
// every identity across four indices (agent ID, auth token, display name and
// bound session) and mutates all of them together under one lock, so callers
// never observe a half-updated view.
//
//	store, err := identity.Open(".harmony/identities.json", identity.Options{Logger: logger})
//	ident, err := store.RegisterOrAuthenticate("alice", token, "coder")
//	prev, err := store.BindSession(ident.AgentID, sessionID)
//
// Identities returned by the Store are copies. Fields change only through
// Store methods.
//
// # Resolution Order
//
// RegisterOrAuthenticate resolves in this order:
//
//  1. A token that maps to an identity refreshes LastSeen and returns it
//  2. A display name that is already taken returns that identity
//  3. Otherwise a new identity is created with a fresh agent ID and token
//
// Register is the strict variant used for explicit registrations: a taken name
// fails with ErrNameTaken and SuggestNames offers alternatives
// (name2..name10, name_new, name_agent).
//
// # Persistence
//
// The store is saved as {"identities": [...], "version": "3.2.0"}. A save:
//
//  1. Copies the current primary file to <path>.backup
//  2. Writes the snapshot to <path>.tmp
//  3. Reads the .tmp file back and validates it
//  4. Renames .tmp over the primary
//
// Any failure removes the .tmp file and leaves the primary untouched. Saves
// are requested by every mutation and performed by a single background writer,
// so writes to the same path never overlap. Save forces a synchronous write.
//
// On load, a primary that fails to parse falls back to the .backup file, which
// is copied over the primary when valid. If neither is usable the store starts
// empty in degraded mode. Individual records with missing fields or bad
// timestamps are skipped.
//
// # Sessions
//
// BindSession attaches a live session to an identity, evicting any previous
// session mapping. SweepInactive unbinds identities whose last activity is
// older than the timeout and reports the session IDs it released.
package identity
