// ABOUTME: Round-robin perspective assignment for sessions joining without one
// ABOUTME: Remembers each session's assignment until it is released

package moderation

import (
	"sync"
	"sync/atomic"
)

// DefaultPerspectives are assigned in order when none are configured.
var DefaultPerspectives = []string{
	"skeptic",
	"advocate",
	"analyst",
	"pragmatist",
	"innovator",
	"guardian",
}

type perspectiveRotation struct {
	perspectives []string
	next         atomic.Uint64

	mu       sync.Mutex
	assigned map[string]string // sessionID -> perspective
}

func newPerspectiveRotation(perspectives []string) *perspectiveRotation {
	if len(perspectives) == 0 {
		perspectives = DefaultPerspectives
	}
	return &perspectiveRotation{
		perspectives: append([]string(nil), perspectives...),
		assigned:     make(map[string]string),
	}
}

// assign returns the session's perspective, picking the next one in rotation
// on first use.
func (p *perspectiveRotation) assign(sessionID string) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	if got, ok := p.assigned[sessionID]; ok {
		return got
	}
	idx := p.next.Add(1) - 1
	got := p.perspectives[idx%uint64(len(p.perspectives))]
	p.assigned[sessionID] = got
	return got
}

func (p *perspectiveRotation) release(sessionID string) {
	p.mu.Lock()
	delete(p.assigned, sessionID)
	p.mu.Unlock()
}
