package sim

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/inference-sim/fleetsim/sim/trace"
)

// testConfig returns DefaultConfig with per-event invariant checking on.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.CheckInvariants = true
	return cfg
}

// mustGrid builds a w×h grid with unit spacing.
func mustGrid(t *testing.T, w, h int) *Topology {
	t.Helper()
	topo, err := NewGridTopology(w, h, 1)
	require.NoError(t, err)
	return topo
}

// corridorTopology is a line 0-1-2-3 with a siding node 4 attached to 2:
//
//	0 - 1 - 2 - 3
//	        |
//	        4
func corridorTopology(t *testing.T) *Topology {
	t.Helper()
	nodes := []Node{
		{ID: 0, X: 0, Y: 0}, {ID: 1, X: 1, Y: 0}, {ID: 2, X: 2, Y: 0}, {ID: 3, X: 3, Y: 0}, {ID: 4, X: 2, Y: 1},
	}
	edges := []Edge{
		{ID: 0, From: 0, To: 1, Length: 1, Bidirectional: true},
		{ID: 1, From: 1, To: 2, Length: 1, Bidirectional: true},
		{ID: 2, From: 2, To: 3, Length: 1, Bidirectional: true},
		{ID: 3, From: 2, To: 4, Length: 1, Bidirectional: true},
	}
	topo, err := NewTopology(nodes, edges)
	require.NoError(t, err)
	return topo
}

// lineTopology is n nodes on the x axis joined by unit bidirectional edges.
func lineTopology(t *testing.T, n int) *Topology {
	t.Helper()
	nodes := make([]Node, n)
	for i := range nodes {
		nodes[i] = Node{ID: NodeID(i), X: float64(i)}
	}
	var edges []Edge
	for i := 0; i+1 < n; i++ {
		edges = append(edges, Edge{ID: EdgeID(i), From: NodeID(i), To: NodeID(i + 1), Length: 1, Bidirectional: true})
	}
	topo, err := NewTopology(nodes, edges)
	require.NoError(t, err)
	return topo
}

type simFixture struct {
	topo     *Topology
	agents   []AgentSpec
	stations []StationSpec
	tasks    []TaskSpec
}

// newFixtureSim builds a simulator with an all-records trace attached.
func newFixtureSim(t *testing.T, cfg Config, f simFixture) (*Simulator, *trace.SimulationTrace) {
	t.Helper()
	st := trace.NewSimulationTrace(trace.TraceConfig{Level: trace.TraceLevelAll})
	s, err := NewSimulator(cfg, f.topo, f.agents, f.stations, f.tasks, st)
	require.NoError(t, err)
	return s, st
}

// runFixture builds and runs a simulator to completion.
func runFixture(t *testing.T, cfg Config, f simFixture) (*Simulator, *Result, *trace.SimulationTrace, error) {
	t.Helper()
	s, st := newFixtureSim(t, cfg, f)
	res, err := s.Run(context.Background())
	return s, res, st, err
}

// gridSwapFixture: 3×3 grid, agent 0 at corner 0 and agent 1 at corner 8,
// both serviced at the center station 4, then delivered to the opposite corner.
func gridSwapFixture(t *testing.T) simFixture {
	return simFixture{
		topo:     mustGrid(t, 3, 3),
		agents:   []AgentSpec{{ID: 0, Start: 0}, {ID: 1, Start: 8}},
		stations: []StationSpec{{Name: "center", Node: 4, Kind: StationService}},
		tasks: []TaskSpec{
			{ID: 0, Arrival: 0, Station: 4, HasDestination: true, Destination: 8, ServiceTicks: 500},
			{ID: 1, Arrival: 0, Station: 4, HasDestination: true, Destination: 0, ServiceTicks: 500},
		},
	}
}

// corridorFixture: agent 1 is busy at node 2 until t=1000, so the east-bound
// task goes to agent 0 and the west-bound task waits for agent 1. At t=1000
// agent 0 sits on node 1 wanting 2 while agent 1 sits on 2 wanting 1.
// Node 4 is the only place to step aside.
func corridorFixture(t *testing.T) simFixture {
	return simFixture{
		topo:   corridorTopology(t),
		agents: []AgentSpec{{ID: 0, Start: 0}, {ID: 1, Start: 2}},
		stations: []StationSpec{
			{Name: "mid", Node: 2, Kind: StationService},
			{Name: "east", Node: 3, Kind: StationService},
			{Name: "west", Node: 0, Kind: StationService},
		},
		tasks: []TaskSpec{
			{ID: 0, Arrival: 0, Station: 2, ServiceTicks: 1000},
			{ID: 1, Arrival: 0, Station: 3},
			{ID: 2, Arrival: 0, Station: 0},
		},
	}
}

// firstRecord returns the first record of kind, failing the test if none exists.
func firstRecord(t *testing.T, st *trace.SimulationTrace, kind trace.Kind) trace.Record {
	t.Helper()
	recs := st.Filter(kind)
	require.NotEmpty(t, recs, "no %s record", kind)
	return recs[0]
}

// countTransitions counts state_changed records for agent from → to.
func countTransitions(st *trace.SimulationTrace, agent int, from, to AgentState) int {
	n := 0
	for _, r := range st.Filter(trace.KindStateChanged) {
		if r.Agent == agent && r.From == from.String() && r.To == to.String() {
			n++
		}
	}
	return n
}

// testEvent is a no-op event used by event queue tests.
type testEvent struct {
	time  int64
	label string
}

func (e *testEvent) Timestamp() int64          { return e.time }
func (e *testEvent) Execute(_ *Simulator) error { return nil }
