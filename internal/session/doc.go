// Package session tracks the live connections bound to agent identities.
//
// A Session exists only while its transport is open and is never persisted.
// The Registry keeps at most one Session per agent: adding a newer session for
// the same agent returns the older one, which the caller must close.
//
// Broadcast fans a frame out to every live session except an optional
// excluded one. Each transport queues without blocking, so one slow peer never
// stalls the others; a full queue drops the frame for that peer only.
package session
