package workers

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/drover-io/drover/pkg/types"
)

func candidate(id string, load, maxLoad int, caps ...string) *types.Worker {
	return &types.Worker{
		ID:           id,
		Name:         id,
		Status:       types.WorkerIdle,
		CurrentLoad:  load,
		MaxLoad:      maxLoad,
		Capabilities: caps,
	}
}

// TestSelectLeastLoaded tests minimum load factor selection
func TestSelectLeastLoaded(t *testing.T) {
	tests := []struct {
		name       string
		candidates []*types.Worker
		expected   string
	}{
		{
			name: "picks lowest factor",
			candidates: []*types.Worker{
				candidate("w1", 4, 5),
				candidate("w2", 1, 5),
				candidate("w3", 3, 5),
			},
			expected: "w2",
		},
		{
			name: "factor not absolute load",
			candidates: []*types.Worker{
				candidate("w1", 2, 10), // 0.2
				candidate("w2", 1, 2),  // 0.5
			},
			expected: "w1",
		},
		{
			name: "tie keeps first",
			candidates: []*types.Worker{
				candidate("w1", 1, 5),
				candidate("w2", 1, 5),
			},
			expected: "w1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := selectLeastLoaded(tt.candidates)
			assert.Equal(t, tt.expected, got.ID)
		})
	}
}

// TestSelectRoundRobin tests that successive picks walk the candidate list
func TestSelectRoundRobin(t *testing.T) {
	m := NewManager(nil, DefaultConfig())
	candidates := []*types.Worker{
		candidate("w1", 0, 5),
		candidate("w2", 0, 5),
		candidate("w3", 0, 5),
	}

	var picked []string
	for i := 0; i < 6; i++ {
		picked = append(picked, m.selectRoundRobin(candidates).ID)
	}
	assert.Equal(t, []string{"w1", "w2", "w3", "w1", "w2", "w3"}, picked)
}

// TestSelectCapabilityMatch tests exact-set preference with least-loaded fallback
func TestSelectCapabilityMatch(t *testing.T) {
	tests := []struct {
		name       string
		candidates []*types.Worker
		required   []string
		expected   string
	}{
		{
			name: "exact set wins over lighter generalist",
			candidates: []*types.Worker{
				candidate("generalist", 0, 5, "code", "review", "deploy"),
				candidate("specialist", 3, 5, "code", "review"),
			},
			required: []string{"review", "code"},
			expected: "specialist",
		},
		{
			name: "no exact set falls back to least loaded",
			candidates: []*types.Worker{
				candidate("w1", 4, 5, "code", "review", "deploy"),
				candidate("w2", 1, 5, "code", "review", "test"),
			},
			required: []string{"code"},
			expected: "w2",
		},
		{
			name: "no requirements falls back to least loaded",
			candidates: []*types.Worker{
				candidate("w1", 2, 5, "code"),
				candidate("w2", 0, 5, "review"),
			},
			required: nil,
			expected: "w2",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := selectCapabilityMatch(tt.candidates, tt.required)
			assert.Equal(t, tt.expected, got.ID)
		})
	}
}

// TestSelectWeighted tests capacity-weighted selection
func TestSelectWeighted(t *testing.T) {
	// Zero remaining capacity everywhere degenerates to the first candidate
	full := []*types.Worker{
		candidate("w1", 5, 5),
		candidate("w2", 5, 5),
	}
	assert.Equal(t, "w1", selectWeighted(full).ID)

	// All the weight on one worker makes the pick deterministic
	skewed := []*types.Worker{
		candidate("busy", 5, 5),
		candidate("free", 0, 5),
	}
	for i := 0; i < 20; i++ {
		assert.Equal(t, "free", selectWeighted(skewed).ID)
	}

	// Otherwise the pick is always one of the candidates
	mixed := []*types.Worker{
		candidate("w1", 1, 5),
		candidate("w2", 3, 5),
		candidate("w3", 0, 5),
	}
	for i := 0; i < 20; i++ {
		got := selectWeighted(mixed)
		assert.Contains(t, []string{"w1", "w2", "w3"}, got.ID)
	}
}

// TestSelectByStrategyFallback tests that unknown strategies act as least-loaded
func TestSelectByStrategyFallback(t *testing.T) {
	m := NewManager(nil, DefaultConfig())
	candidates := []*types.Worker{
		candidate("w1", 3, 5),
		candidate("w2", 0, 5),
	}

	got := m.selectByStrategy(types.Strategy("made-up"), candidates, nil)
	assert.Equal(t, "w2", got.ID)

	got = m.selectByStrategy(types.StrategyLeastLoaded, candidates, nil)
	assert.Equal(t, "w2", got.ID)
}

// TestFilterCandidates tests the eligibility filter
func TestFilterCandidates(t *testing.T) {
	offline := candidate("offline", 0, 5, "code")
	offline.Status = types.WorkerOffline
	errored := candidate("errored", 0, 5, "code")
	errored.Status = types.WorkerError

	workers := []*types.Worker{
		candidate("fit", 1, 5, "code", "review"),
		candidate("full", 5, 5, "code"),
		candidate("wrong-caps", 0, 5, "deploy"),
		candidate("excluded", 0, 5, "code"),
		offline,
		errored,
	}

	tests := []struct {
		name     string
		required []string
		excluded []string
		expected []string
	}{
		{
			name:     "capability and capacity filter",
			required: []string{"code"},
			expected: []string{"fit", "excluded"},
		},
		{
			name:     "exclusion list",
			required: []string{"code"},
			excluded: []string{"excluded"},
			expected: []string{"fit"},
		},
		{
			name:     "no requirements keeps everyone active with room",
			expected: []string{"fit", "wrong-caps", "excluded"},
		},
		{
			name:     "unsatisfiable requirement",
			required: []string{"gpu"},
			expected: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := filterCandidates(workers, tt.required, tt.excluded)
			var ids []string
			for _, w := range got {
				ids = append(ids, w.ID)
			}
			assert.Equal(t, tt.expected, ids)
		})
	}
}

// TestCapabilitiesEqual tests set equality ignoring order and duplicates
func TestCapabilitiesEqual(t *testing.T) {
	assert.True(t, capabilitiesEqual([]string{"a", "b"}, []string{"b", "a"}))
	assert.True(t, capabilitiesEqual([]string{"a", "a", "b"}, []string{"b", "a"}))
	assert.False(t, capabilitiesEqual([]string{"a"}, []string{"a", "b"}))
	assert.False(t, capabilitiesEqual([]string{"a", "c"}, []string{"a", "b"}))
	assert.True(t, capabilitiesEqual(nil, nil))
}
