package sim

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRandomStreams_SameSeed_SameDraws(t *testing.T) {
	a, b := NewRandomStreams(42), NewRandomStreams(42)
	for i := 0; i < 5; i++ {
		assert.Equal(t, a.Resolver().Int63(), b.Resolver().Int63(), "draw %d", i)
		assert.Equal(t, a.Placement(3).Intn(100), b.Placement(3).Intn(100), "draw %d", i)
	}
}

// TestRandomStreams_ResolverDraws_LeaveWorkloadUntouched verifies:
// GIVEN two runs with the same seed
// WHEN one draws heavily from the resolver stream
// THEN both still generate the same workload.
func TestRandomStreams_ResolverDraws_LeaveWorkloadUntouched(t *testing.T) {
	busy, fresh := NewRandomStreams(42), NewRandomStreams(42)
	for i := 0; i < 100; i++ {
		busy.Resolver().Perm(4)
	}
	for i := 0; i < 10; i++ {
		assert.Equal(t, fresh.Workload().Float64(), busy.Workload().Float64(), "workload draw %d", i)
	}
}

func TestRandomStreams_WorkloadUsesRunSeed(t *testing.T) {
	for _, seed := range []int64{42, 0, math.MinInt64} {
		workload := NewRandomStreams(seed).Workload()
		direct := rand.New(rand.NewSource(seed))
		for i := 0; i < 10; i++ {
			assert.Equal(t, direct.Float64(), workload.Float64(), "seed %d draw %d", seed, i)
		}
	}
}

func TestRandomStreams_PlacementPerAgent(t *testing.T) {
	r := NewRandomStreams(7)
	assert.Same(t, r.Placement(1), r.Placement(1))
	assert.NotSame(t, r.Placement(1), r.Placement(2))

	// A new agent's stream does not disturb an existing one.
	other := NewRandomStreams(7)
	other.Placement(9).Int63()
	assert.Equal(t, NewRandomStreams(7).Placement(1).Int63(), other.Placement(1).Int63())
}

func TestRandomStreams_DistinctStreamSeeds(t *testing.T) {
	seen := make(map[int64]string)
	labels := []string{workloadStream, resolverStream, placementPrefix, ""}
	for _, id := range []AgentID{0, 1, 100} {
		r := NewRandomStreams(0)
		r.Placement(id)
		for label := range r.streams {
			labels = append(labels, label)
		}
	}
	for _, label := range labels {
		s := streamSeed(42, label)
		if prev, ok := seen[s]; ok {
			t.Errorf("labels %q and %q share seed %d", label, prev, s)
		}
		seen[s] = label
	}
	assert.Equal(t, int64(42), NewRandomStreams(42).Seed())
}

func BenchmarkRandomStreams_Resolver(b *testing.B) {
	r := NewRandomStreams(42)
	r.Resolver()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		r.Resolver()
	}
}
