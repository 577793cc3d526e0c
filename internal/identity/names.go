// ABOUTME: Display-name suggestions offered when a registration name is taken
// ABOUTME: Tries numeric suffixes, then _new and _agent variants

package identity

import (
	"sort"
	"strconv"
)

// DefaultSuggestionCount is used when SuggestNames is asked for zero names.
const DefaultSuggestionCount = 3

// SuggestNames returns up to count available alternatives to base.
func (s *Store) SuggestNames(base string, count int) []string {
	if count <= 0 {
		count = DefaultSuggestionCount
	}

	candidates := make([]string, 0, 11)
	for n := 2; n <= 10; n++ {
		candidates = append(candidates, base+strconv.Itoa(n))
	}
	candidates = append(candidates, base+"_new", base+"_agent")

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, count)
	for _, name := range candidates {
		if _, taken := s.byName[name]; taken {
			continue
		}
		out = append(out, name)
		if len(out) == count {
			break
		}
	}
	return out
}

func sortByFirstSeen(idents []*Identity) {
	sort.Slice(idents, func(i, j int) bool {
		if idents[i].FirstSeen.Equal(idents[j].FirstSeen) {
			return idents[i].AgentID < idents[j].AgentID
		}
		return idents[i].FirstSeen.Before(idents[j].FirstSeen)
	})
}
