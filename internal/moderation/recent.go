// ABOUTME: Bounded, time-windowed set of content fingerprints used for echo detection
// ABOUTME: Oldest entries are evicted first; expired entries are trimmed on write

package moderation

import (
	"container/list"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cespare/xxhash/v2"
)

type recentEntry struct {
	key     uint64
	speaker string
	at      time.Time
	element *list.Element
}

// recentSet remembers fingerprints for a window, capped at max entries.
type recentSet struct {
	mu     sync.Mutex
	seen   map[uint64]*recentEntry
	order  *list.List // oldest at front
	window time.Duration
	max    int
	clock  clock.Clock
}

func newRecentSet(window time.Duration, max int, clk clock.Clock) *recentSet {
	return &recentSet{
		seen:   make(map[uint64]*recentEntry),
		order:  list.New(),
		window: window,
		max:    max,
		clock:  clk,
	}
}

// fingerprint normalizes case and whitespace before hashing.
func fingerprint(content string) uint64 {
	return xxhash.Sum64String(strings.Join(strings.Fields(strings.ToLower(content)), " "))
}

// lookup returns who last said content inside the window.
func (r *recentSet) lookup(key uint64) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.seen[key]
	if !ok || r.clock.Since(e.at) >= r.window {
		return "", false
	}
	return e.speaker, true
}

func (r *recentSet) mark(key uint64, speaker string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	r.trimLocked(now)

	if e, ok := r.seen[key]; ok {
		e.at = now
		e.speaker = speaker
		r.order.MoveToBack(e.element)
		return
	}

	if len(r.seen) >= r.max {
		r.evictLocked(r.order.Front())
	}

	e := &recentEntry{key: key, speaker: speaker, at: now}
	e.element = r.order.PushBack(e)
	r.seen[key] = e
}

// trimLocked drops expired entries from the front of the list.
func (r *recentSet) trimLocked(now time.Time) {
	for front := r.order.Front(); front != nil; front = r.order.Front() {
		e, _ := front.Value.(*recentEntry)
		if now.Sub(e.at) < r.window {
			return
		}
		r.evictLocked(front)
	}
}

func (r *recentSet) evictLocked(elem *list.Element) {
	if elem == nil {
		return
	}
	e, _ := elem.Value.(*recentEntry)
	r.order.Remove(elem)
	delete(r.seen, e.key)
}

func (r *recentSet) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen)
}
