package workers

import (
	"math/rand"
	"sort"

	"github.com/drover-io/drover/pkg/types"
)

// selectByStrategy dispatches on the strategy tag. Candidates are non-empty,
// active, under capacity, and capability-filtered; unknown strategies fall
// back to least-loaded.
func (m *Manager) selectByStrategy(strategy types.Strategy, candidates []*types.Worker, requiredCaps []string) *types.Worker {
	switch strategy {
	case types.StrategyRoundRobin:
		return m.selectRoundRobin(candidates)
	case types.StrategyCapabilityMatch:
		return selectCapabilityMatch(candidates, requiredCaps)
	case types.StrategyRandom:
		return candidates[rand.Intn(len(candidates))]
	case types.StrategyWeighted:
		return selectWeighted(candidates)
	case types.StrategyLeastLoaded:
		return selectLeastLoaded(candidates)
	default:
		return selectLeastLoaded(candidates)
	}
}

// selectLeastLoaded picks the minimum load factor; ties break by enumeration
// order
func selectLeastLoaded(candidates []*types.Worker) *types.Worker {
	best := candidates[0]
	for _, w := range candidates[1:] {
		if w.LoadFactor() < best.LoadFactor() {
			best = w
		}
	}
	return best
}

// selectRoundRobin rotates through candidates with a process-local cursor.
// The cursor advances once per selection, so successive picks walk the
// candidate list instead of hammering its head.
func (m *Manager) selectRoundRobin(candidates []*types.Worker) *types.Worker {
	m.mu.Lock()
	defer m.mu.Unlock()
	w := candidates[m.rrCursor%len(candidates)]
	m.rrCursor++
	return w
}

// selectCapabilityMatch prefers a candidate whose capability set equals the
// required set exactly; otherwise falls back to least-loaded
func selectCapabilityMatch(candidates []*types.Worker, requiredCaps []string) *types.Worker {
	if len(requiredCaps) > 0 {
		for _, w := range candidates {
			if capabilitiesEqual(w.Capabilities, requiredCaps) {
				return w
			}
		}
	}
	return selectLeastLoaded(candidates)
}

// selectWeighted makes a weighted random pick with weight = remaining
// capacity
func selectWeighted(candidates []*types.Worker) *types.Worker {
	total := 0
	for _, w := range candidates {
		total += w.MaxLoad - w.CurrentLoad
	}
	if total <= 0 {
		return candidates[0]
	}

	roll := rand.Intn(total)
	for _, w := range candidates {
		roll -= w.MaxLoad - w.CurrentLoad
		if roll < 0 {
			return w
		}
	}
	return candidates[len(candidates)-1]
}

// capabilitiesEqual reports set equality ignoring order and duplicates
func capabilitiesEqual(a, b []string) bool {
	as := uniqueSorted(a)
	bs := uniqueSorted(b)
	if len(as) != len(bs) {
		return false
	}
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

func uniqueSorted(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
