package sim

import (
	"encoding/binary"
	"hash/fnv"
	"math/rand"
)

// RandomStreams splits a run's seed into one independent random stream per
// consumer. Every draw in a run comes from one of these streams, so a run is
// reproducible from its seed alone, and drawing more from one stream (say,
// random backoff picks) never shifts another (the generated task list).
//
// The workload stream is seeded with the run seed itself. Every other stream
// is seeded with the run seed XOR an FNV-1a hash of its label.
//
// Not safe for concurrent use; each simulator owns its own.
type RandomStreams struct {
	seed    int64
	streams map[string]*rand.Rand
}

const (
	workloadStream  = "workload"
	resolverStream  = "resolver"
	placementPrefix = "placement/"
)

// NewRandomStreams returns the streams of the run seeded with seed.
func NewRandomStreams(seed int64) *RandomStreams {
	return &RandomStreams{seed: seed, streams: make(map[string]*rand.Rand)}
}

// Seed returns the run seed.
func (r *RandomStreams) Seed() int64 { return r.seed }

// Workload drives generated task arrivals, stations and priorities.
func (r *RandomStreams) Workload() *rand.Rand { return r.stream(workloadStream) }

// Resolver drives the random backoff selector.
func (r *RandomStreams) Resolver() *rand.Rand { return r.stream(resolverStream) }

// Placement drives the random start node of one agent. Each agent has its
// own stream so adding an agent does not move the others.
func (r *RandomStreams) Placement(id AgentID) *rand.Rand {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(id))
	return r.stream(placementPrefix + string(buf[:]))
}

func (r *RandomStreams) stream(label string) *rand.Rand {
	if rng, ok := r.streams[label]; ok {
		return rng
	}
	rng := rand.New(rand.NewSource(streamSeed(r.seed, label)))
	r.streams[label] = rng
	return rng
}

func streamSeed(seed int64, label string) int64 {
	if label == workloadStream {
		return seed
	}
	h := fnv.New64a()
	h.Write([]byte(label))
	return seed ^ int64(h.Sum64())
}
