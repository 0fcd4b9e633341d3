package sim

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inference-sim/fleetsim/sim/trace"
)

// TestSimulator_GridSwapThroughCenter_ResolvesSingleDeadlock verifies the
// canonical head-on scenario end to end:
// GIVEN two agents on opposite corners of a 3×3 grid, both serviced at the center
// WHEN the run completes
// THEN the one deadlock between them is detected and resolved once, each agent
// waits exactly once, the non-yielder finishes one wait later than its direct
// trip and the yielder additionally pays its one-hop detour.
func TestSimulator_GridSwapThroughCenter_ResolvesSingleDeadlock(t *testing.T) {
	s, res, st, err := runFixture(t, testConfig(), gridSwapFixture(t))
	require.NoError(t, err)

	assert.Equal(t, 2, res.Metrics.TasksCompleted)
	assert.Equal(t, 1, res.Metrics.DeadlocksDetected)
	assert.Equal(t, 1, res.Metrics.DeadlocksResolved)
	assert.Empty(t, res.Stalled)
	assert.Zero(t, res.PendingTasks)

	for _, a := range []int{0, 1} {
		assert.Equal(t, 1, countTransitions(st, a, StateTraveling, StateWaiting), "agent %d waits", a)
		assert.Equal(t, 1, countTransitions(st, a, StateWaiting, StateTraveling), "agent %d resumes", a)
	}

	tasks := s.Tasks()
	require.Len(t, tasks, 2)
	assert.Equal(t, TaskCompleted, tasks[0].State)
	assert.Equal(t, TaskCompleted, tasks[1].State)
	assert.Equal(t, int64(5500), tasks[0].CompletedAt, "agent 0 loses one 1000-tick wait")
	assert.Equal(t, int64(8000), tasks[1].CompletedAt)
	assert.Equal(t, int64(8000), res.EndTime)

	// Unobstructed, each trip is 2 hops in, 500 service, 2 hops out.
	const hop = int64(1000)
	direct := 4*hop + 500
	require.Len(t, res.Agents, 2)
	assert.Equal(t, int64(1000), res.Agents[0].WaitTicks)
	assert.Equal(t, int64(1500), res.Agents[1].WaitTicks)
	// The agent that keeps its way loses exactly its one wait.
	assert.Equal(t, direct+res.Agents[0].WaitTicks, tasks[0].CompletedAt)
	// The yielder also pays one hop out of the cycle and one hop back.
	assert.Equal(t, direct+res.Agents[1].WaitTicks+2*hop, tasks[1].CompletedAt)
	assert.Equal(t, AgentID(0), tasks[0].Agent)
	assert.Equal(t, AgentID(1), tasks[1].Agent)

	resolved := firstRecord(t, st, trace.KindDeadlockResolved)
	assert.Equal(t, []int{0, 1}, resolved.Agents)
	assert.Equal(t, 1, resolved.Agent, "lower-priority tie goes to the higher id")
	assert.Equal(t, ResolvePriority, resolved.Detail)

	assert.Equal(t, 2, s.Stations()[0].Served)
}

// TestSimulator_Corridor_YielderStepsIntoSiding verifies:
// GIVEN a single-lane corridor with one siding
// WHEN two agents meet head-on
// THEN the yielding agent backs into the siding and every task completes.
func TestSimulator_Corridor_YielderStepsIntoSiding(t *testing.T) {
	s, res, st, err := runFixture(t, testConfig(), corridorFixture(t))
	require.NoError(t, err)

	assert.Equal(t, 3, res.Metrics.TasksCompleted)
	assert.Equal(t, 1, res.Metrics.DeadlocksResolved)
	assert.Equal(t, 1, s.Agent(1).Yields)
	assert.Zero(t, s.Agent(0).Yields)

	resolved := firstRecord(t, st, trace.KindDeadlockResolved)
	assert.Equal(t, int64(1000), resolved.Time)
	assert.Equal(t, 1, resolved.Agent)

	// Before the first resolution each agent started exactly one wait.
	waits := map[int]int{}
	for _, r := range st.Records {
		if r.Kind == trace.KindDeadlockResolved {
			break
		}
		if r.Kind == trace.KindWaitStarted {
			waits[r.Agent]++
		}
	}
	assert.Equal(t, map[int]int{0: 1, 1: 1}, waits)

	// The yielder's retreat used the siding.
	var sawSiding bool
	for _, r := range st.ForAgent(1) {
		if r.Kind == trace.KindResourceGranted && r.Resource == NodeResource(4).String() {
			sawSiding = true
		}
	}
	assert.True(t, sawSiding, "agent 1 should reserve siding node 4")

	tasks := s.Tasks()
	assert.Equal(t, int64(4000), tasks[1].CompletedAt)
	assert.Equal(t, int64(7000), tasks[2].CompletedAt)
}

// TestSimulator_IdleHolderWithNoExit_WaiterStepsAside verifies:
// GIVEN an idle agent at the dead end of a corridor and a second agent
// heading to that dead end
// WHEN the second agent queues for the occupied dead end
// THEN it steps aside until the idle agent has moved off its route, and
// both agents end up where they can coexist.
func TestSimulator_IdleHolderWithNoExit_WaiterStepsAside(t *testing.T) {
	f := simFixture{
		topo:     corridorTopology(t),
		agents:   []AgentSpec{{ID: 0, Start: 0}, {ID: 1, Start: 3}},
		stations: []StationSpec{{Name: "west", Node: 0, Kind: StationService}},
		tasks: []TaskSpec{
			{ID: 0, Arrival: 0, Station: 0},
			{ID: 1, Arrival: 0, Station: 0, ServiceTicks: 100},
		},
	}
	s, res, st, err := runFixture(t, testConfig(), f)
	require.NoError(t, err)

	assert.Equal(t, 2, res.Metrics.TasksCompleted)
	assert.Empty(t, res.Stalled)

	resolved := firstRecord(t, st, trace.KindDeadlockResolved)
	assert.Equal(t, int64(2000), resolved.Time)
	assert.Equal(t, idleBlockDetail, resolved.Detail)
	assert.Equal(t, 1, resolved.Agent)
	assert.Equal(t, []int{0, 1}, resolved.Agents)

	assert.Equal(t, 1, s.Agent(1).Yields)
	assert.Equal(t, NodeID(4), s.Agent(0).Location, "the idle agent ends in the siding")
	assert.Equal(t, NodeID(0), s.Agent(1).Location)
}

// TestSimulator_IdleHolderNeverClears_ReturnsUnresolved verifies:
// GIVEN a three-node line whose only free node lies on the waiter's route
// WHEN the idle holder can never leave that route
// THEN the waiter steps aside MaxResolutionAttempts times and the run fails
// with an UnresolvedDeadlockError instead of returning success.
func TestSimulator_IdleHolderNeverClears_ReturnsUnresolved(t *testing.T) {
	cfg := testConfig()
	cfg.Resolver.MaxResolutionAttempts = 3
	f := simFixture{
		topo:     lineTopology(t, 3),
		agents:   []AgentSpec{{ID: 0, Start: 0}, {ID: 1, Start: 2}},
		stations: []StationSpec{{Name: "end", Node: 0, Kind: StationService}},
		tasks: []TaskSpec{
			{ID: 0, Arrival: 0, Station: 0},
			{ID: 1, Arrival: 0, Station: 0, ServiceTicks: 100},
		},
	}
	s, _, _, err := runFixture(t, cfg, f)
	require.Error(t, err)

	// Blocks at 1000, then every 2500 ticks: hop back, RetryDelay, hop forward.
	var ude *UnresolvedDeadlockError
	require.True(t, errors.As(err, &ude), "got %v", err)
	assert.Equal(t, []AgentID{0, 1}, ude.Agents)
	assert.Equal(t, 3, ude.Attempts)
	assert.Equal(t, int64(8500), ude.Time)
	assert.Equal(t, 3, s.Agent(1).Yields)
}

// TestSimulator_QueueDrainsWithWaiters_ReturnsStalled verifies:
// GIVEN an agent queued for a node with no event left that could grant it
// WHEN the run drains the event queue
// THEN Run returns a StalledError naming the waiting agent.
func TestSimulator_QueueDrainsWithWaiters_ReturnsStalled(t *testing.T) {
	s, _ := newFixtureSim(t, testConfig(), simFixture{
		topo:   lineTopology(t, 2),
		agents: []AgentSpec{{ID: 0, Start: 0}, {ID: 1, Start: 1}},
	})
	out, err := s.rm.Reserve(NodeResource(0), 1, 0, 0)
	require.NoError(t, err)
	require.Equal(t, Queued, out)
	a := s.agents[1]
	a.waiting, a.waitingOn, a.State = true, NodeResource(0), StateWaiting

	res, err := s.Run(context.Background())

	var se *StalledError
	require.True(t, errors.As(err, &se), "got %v", err)
	assert.True(t, errors.Is(err, ErrStalled))
	assert.Equal(t, []AgentID{1}, se.Agents)
	assert.Equal(t, []AgentID{1}, res.Stalled)
}

// TestSimulator_SameSeed_ByteIdenticalTrace verifies determinism:
// GIVEN the same inputs and seed
// WHEN the run is repeated
// THEN the rendered traces are identical line for line.
func TestSimulator_SameSeed_ByteIdenticalTrace(t *testing.T) {
	cfg := testConfig()
	cfg.Seed = 7
	cfg.Policy.RoutingMode = RoutingCongestionAware
	cfg.Resolver.Strategy = ResolveBackoff
	cfg.Resolver.BackoffSelector = SelectRandom

	build := func() simFixture {
		return simFixture{
			topo:   mustGrid(t, 4, 4),
			agents: []AgentSpec{{ID: 0, Start: 0}, {ID: 1, Start: 3}, {ID: 2, Start: 12}, {ID: 3, Start: 15}},
			stations: []StationSpec{
				{Name: "a", Node: 5}, {Name: "b", Node: 10},
			},
			tasks: []TaskSpec{
				{ID: 0, Arrival: 0, Station: 5, HasDestination: true, Destination: 15, ServiceTicks: 300},
				{ID: 1, Arrival: 0, Station: 10, HasDestination: true, Destination: 0, ServiceTicks: 300},
				{ID: 2, Arrival: 0, Station: 5, HasDestination: true, Destination: 12, ServiceTicks: 300},
				{ID: 3, Arrival: 0, Station: 10, HasDestination: true, Destination: 3, ServiceTicks: 300},
				{ID: 4, Arrival: 2500, Station: 5, ServiceTicks: 200},
				{ID: 5, Arrival: 2500, Station: 10, ServiceTicks: 200},
			},
		}
	}

	_, res1, st1, err1 := runFixture(t, cfg, build())
	_, res2, st2, err2 := runFixture(t, cfg, build())

	assert.Equal(t, err1, err2)
	assert.Equal(t, res1.EndTime, res2.EndTime)
	assert.Equal(t, res1.EventsProcessed, res2.EventsProcessed)
	assert.Equal(t, st1.Lines(), st2.Lines())
}

// TestSimulator_OccupancyNeverExceedsCapacity verifies the capacity bound:
// GIVEN a busy grid with invariant checking after every event
// WHEN the run completes
// THEN no resource ever held more agents than its capacity.
func TestSimulator_OccupancyNeverExceedsCapacity(t *testing.T) {
	f := simFixture{
		topo:     mustGrid(t, 5, 5),
		agents:   []AgentSpec{{ID: 0, Start: 0}, {ID: 1, Start: 4}, {ID: 2, Start: 20}, {ID: 3, Start: 24}},
		stations: []StationSpec{{Name: "hub", Node: 12}},
	}
	for i := 0; i < 8; i++ {
		f.tasks = append(f.tasks, TaskSpec{ID: i, Arrival: int64(i) * 700, Station: 12, ServiceTicks: 250})
	}

	s, res, _, err := runFixture(t, testConfig(), f)
	require.NoError(t, err)
	assert.Equal(t, 8, res.Metrics.TasksCompleted)
	for _, r := range s.Resources().Resources() {
		assert.LessOrEqual(t, s.Resources().PeakOccupancy(r), s.Resources().Capacity(r), "resource %s", r)
	}
	require.NoError(t, s.CheckInvariants())
}

// TestSimulator_HorizonStopsRun verifies:
// GIVEN a horizon earlier than the natural end of the run
// WHEN Run returns
// THEN no event beyond the horizon was processed and events remain queued.
func TestSimulator_HorizonStopsRun(t *testing.T) {
	cfg := testConfig()
	cfg.Horizon = 1500

	s, res, _, err := runFixture(t, cfg, gridSwapFixture(t))
	require.NoError(t, err)
	assert.LessOrEqual(t, res.EndTime, int64(1500))
	assert.Positive(t, s.Pending())
	assert.Zero(t, res.Metrics.TasksCompleted)
}

// TestSimulator_CancelledContext verifies Run honours cancellation.
func TestSimulator_CancelledContext(t *testing.T) {
	s, _ := newFixtureSim(t, testConfig(), gridSwapFixture(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := s.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, res)
	assert.Zero(t, res.EventsProcessed)
}

// TestSimulator_TimeoutStrategy_DefersUntilWaitExpires verifies:
// GIVEN the timeout strategy with a 5000-tick wait timeout
// WHEN the corridor deadlock forms at t=1000
// THEN it is detected immediately but resolved only when the first wait times
// out, and the escalated agent is exempt from yielding.
func TestSimulator_TimeoutStrategy_DefersUntilWaitExpires(t *testing.T) {
	cfg := testConfig()
	cfg.Resolver.Strategy = ResolveTimeout
	cfg.Resolver.WaitTimeout = 5000

	s, st := newFixtureSim(t, cfg, corridorFixture(t))
	for len(st.Filter(trace.KindDeadlockResolved)) == 0 {
		ok := s.Pending() > 0
		require.True(t, ok, "queue drained before resolution")
		require.NoError(t, s.Step())
	}

	detected := firstRecord(t, st, trace.KindDeadlockDetected)
	assert.Equal(t, int64(1000), detected.Time)

	timeout := firstRecord(t, st, trace.KindWaitTimeout)
	assert.Equal(t, int64(6000), timeout.Time)
	assert.Equal(t, 0, timeout.Agent)
	assert.Equal(t, int64(5000), timeout.Duration)

	resolved := firstRecord(t, st, trace.KindDeadlockResolved)
	assert.Equal(t, int64(6000), resolved.Time)
	assert.Equal(t, 1, resolved.Agent, "agent 0 escalated, so agent 1 yields")
	assert.Equal(t, ResolveTimeout, resolved.Detail)
	assert.Len(t, st.Filter(trace.KindDeadlockDetected), 1, "one detection per episode")
}

// TestSimulator_BackoffSelectors verifies the selector picks the yielder.
func TestSimulator_BackoffSelectors(t *testing.T) {
	tests := []struct {
		selector string
		yielder  int
	}{
		// agent 0 has the lowest id
		{SelectLowestID, 0},
		// agent 1 has occupied node 2 since t=0; agent 0 reached node 1 at t=1000
		{SelectOldestHolder, 1},
	}
	for _, tc := range tests {
		t.Run(tc.selector, func(t *testing.T) {
			cfg := testConfig()
			cfg.Resolver.Strategy = ResolveBackoff
			cfg.Resolver.BackoffSelector = tc.selector

			s, st := newFixtureSim(t, cfg, corridorFixture(t))
			for len(st.Filter(trace.KindDeadlockResolved)) == 0 {
				require.Positive(t, s.Pending(), "queue drained before resolution")
				require.NoError(t, s.Step())
			}
			resolved := firstRecord(t, st, trace.KindDeadlockResolved)
			assert.Equal(t, int64(1000), resolved.Time)
			assert.Equal(t, tc.yielder, resolved.Agent)
			assert.Equal(t, ResolveBackoff, resolved.Detail)
		})
	}
}

// TestSimulator_BackoffOldestHolder_Completes verifies the oldest-holder
// selector clears the corridor for good.
func TestSimulator_BackoffOldestHolder_Completes(t *testing.T) {
	cfg := testConfig()
	cfg.Resolver.Strategy = ResolveBackoff
	cfg.Resolver.BackoffSelector = SelectOldestHolder

	_, res, _, err := runFixture(t, cfg, corridorFixture(t))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Metrics.TasksCompleted)
	assert.Equal(t, 1, res.Metrics.DeadlocksResolved)
}

// TestSimulator_PeriodicDetection verifies:
// GIVEN periodic detection every 250 ticks
// WHEN the corridor deadlock forms at t=1000 after that tick's check ran
// THEN the cycle is found and resolved by the next check at t=1250.
func TestSimulator_PeriodicDetection(t *testing.T) {
	cfg := testConfig()
	cfg.Resolver.Detection = DetectionPeriodic
	cfg.Resolver.DetectionInterval = 250

	_, res, st, err := runFixture(t, cfg, corridorFixture(t))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Metrics.TasksCompleted)

	detected := firstRecord(t, st, trace.KindDeadlockDetected)
	resolved := firstRecord(t, st, trace.KindDeadlockResolved)
	assert.Equal(t, int64(1250), detected.Time)
	assert.Equal(t, int64(1250), resolved.Time)
	assert.Equal(t, 1, resolved.Agent)
}

// TestSimulator_UnresolvableDeadlock_ReturnsError verifies:
// GIVEN two agents swapping ends of a two-node line, with no room to step aside
// WHEN the cycle survives MaxResolutionAttempts attempts
// THEN Run stops with an UnresolvedDeadlockError naming both agents.
func TestSimulator_UnresolvableDeadlock_ReturnsError(t *testing.T) {
	cfg := testConfig()
	cfg.Resolver.MaxResolutionAttempts = 3

	f := simFixture{
		topo:     lineTopology(t, 2),
		agents:   []AgentSpec{{ID: 0, Start: 0}, {ID: 1, Start: 1}},
		stations: []StationSpec{{Name: "w", Node: 0}, {Name: "e", Node: 1}},
		tasks: []TaskSpec{
			{ID: 0, Arrival: 0, Station: 0, ServiceTicks: 1000},
			{ID: 1, Arrival: 0, Station: 1, ServiceTicks: 1000},
			{ID: 2, Arrival: 0, Station: 1},
			{ID: 3, Arrival: 0, Station: 0},
		},
	}
	_, res, st, err := runFixture(t, cfg, f)
	require.Error(t, err)

	var ude *UnresolvedDeadlockError
	require.True(t, errors.As(err, &ude), "got %v", err)
	assert.Equal(t, []AgentID{0, 1}, ude.Agents)
	assert.Equal(t, 3, ude.Attempts)
	assert.Equal(t, int64(2500), ude.Time)

	assert.ElementsMatch(t, []AgentID{0, 1}, res.Stalled)
	assert.Len(t, st.Filter(trace.KindDeadlockDetected), 1)
	assert.Empty(t, st.Filter(trace.KindDeadlockResolved))
}

// TestSimulator_PendingTasks verifies queueing and rejection of tasks when
// no agent is idle.
func TestSimulator_PendingTasks(t *testing.T) {
	build := func() simFixture {
		return simFixture{
			topo:     lineTopology(t, 3),
			agents:   []AgentSpec{{ID: 0, Start: 0}},
			stations: []StationSpec{{Name: "s", Node: 2}},
			tasks: []TaskSpec{
				{ID: 0, Arrival: 0, Station: 2, ServiceTicks: 100},
				{ID: 1, Arrival: 0, Station: 2, ServiceTicks: 100},
				{ID: 2, Arrival: 0, Station: 2, ServiceTicks: 100},
			},
		}
	}

	t.Run("unbounded", func(t *testing.T) {
		s, res, _, err := runFixture(t, testConfig(), build())
		require.NoError(t, err)
		assert.Equal(t, 3, res.Metrics.TasksCompleted)
		assert.Equal(t, 2, res.Metrics.TasksDelayed)
		assert.Zero(t, res.Metrics.TasksRejected)
		// travel 0→2 takes 2000 ticks, then each task is 100 ticks of service at node 2
		assert.Equal(t, int64(2100), s.Tasks()[0].CompletedAt)
		assert.Equal(t, int64(2200), s.Tasks()[1].CompletedAt)
		assert.Equal(t, int64(2300), s.Tasks()[2].CompletedAt)
	})

	t.Run("bounded", func(t *testing.T) {
		cfg := testConfig()
		cfg.MaxPendingTasks = 1
		s, res, st, err := runFixture(t, cfg, build())
		require.NoError(t, err)
		assert.Equal(t, 2, res.Metrics.TasksCompleted)
		assert.Equal(t, 1, res.Metrics.TasksRejected)
		assert.Equal(t, TaskRejected, s.Tasks()[2].State)
		rej := firstRecord(t, st, trace.KindTaskRejected)
		assert.Equal(t, 2, rej.Task)
		assert.Equal(t, "pending queue full", rej.Detail)
	})
}

// TestSimulator_Battery_RechargesBelowThreshold verifies:
// GIVEN an agent starting below its recharge threshold
// WHEN it finishes a task
// THEN it drives to the nearest charger and charges in proportion to the
// missing charge.
func TestSimulator_Battery_RechargesBelowThreshold(t *testing.T) {
	cfg := testConfig()
	cfg.Battery = BatteryConfig{Enabled: true, Capacity: 10, DrainPerUnit: 1, RechargeThreshold: 0.5, ChargeTicks: 1000}

	f := simFixture{
		topo:   lineTopology(t, 3),
		agents: []AgentSpec{{ID: 0, Start: 0, Battery: 4}},
		stations: []StationSpec{
			{Name: "dock", Node: 0, Kind: StationCharger},
			{Name: "work", Node: 2, Kind: StationService},
		},
		tasks: []TaskSpec{{ID: 0, Arrival: 0, Station: 2, ServiceTicks: 100}},
	}
	s, res, st, err := runFixture(t, cfg, f)
	require.NoError(t, err)

	assert.Equal(t, 1, res.Metrics.ChargingSessions)
	assert.Equal(t, int64(5100), res.EndTime, "2000 out, 100 service, 2000 back, 1000 charging from empty")
	assert.Equal(t, 10.0, s.Agent(0).Battery)
	assert.Equal(t, NodeID(0), s.Agent(0).Location)
	assert.Equal(t, StateIdle, s.Agent(0).State)
	assert.Equal(t, 1, countTransitions(st, 0, StateTraveling, StateCharging))
	assert.Equal(t, 4.0, res.Agents[0].Distance)
}

// TestSimulator_IdleHolderIsEvicted verifies:
// GIVEN an idle agent parked on the only lane through a corridor
// WHEN another agent queues for its node
// THEN the idle agent moves into the siding, off the other agent's path,
// without any deadlock being reported.
func TestSimulator_IdleHolderIsEvicted(t *testing.T) {
	f := simFixture{
		topo:     corridorTopology(t),
		agents:   []AgentSpec{{ID: 0, Start: 0}, {ID: 1, Start: 2}},
		stations: []StationSpec{{Name: "mid", Node: 2}, {Name: "east", Node: 3}},
		// task 0 keeps agent 1 busy for an instant so task 1 goes to agent 0
		tasks: []TaskSpec{
			{ID: 0, Arrival: 0, Station: 2},
			{ID: 1, Arrival: 0, Station: 3},
		},
	}

	s, res, _, err := runFixture(t, testConfig(), f)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Metrics.TasksCompleted)
	assert.Zero(t, res.Metrics.DeadlocksDetected)
	assert.Empty(t, res.Stalled)
	assert.Equal(t, NodeID(4), s.Agent(1).Location)
	assert.Equal(t, StateIdle, s.Agent(1).State)
	assert.Equal(t, AgentID(0), s.Tasks()[1].Agent)
	assert.Equal(t, int64(4000), s.Tasks()[1].CompletedAt)
}

// TestNewSimulator_RejectsBadInputs verifies construction-time validation.
func TestNewSimulator_RejectsBadInputs(t *testing.T) {
	topo := lineTopology(t, 3)
	tests := []struct {
		name     string
		agents   []AgentSpec
		stations []StationSpec
		tasks    []TaskSpec
	}{
		{"agent id mismatch", []AgentSpec{{ID: 1, Start: 0}}, nil, nil},
		{"unknown start node", []AgentSpec{{ID: 0, Start: 9}}, nil, nil},
		{"start node full", []AgentSpec{{ID: 0, Start: 0}, {ID: 1, Start: 0}}, nil, nil},
		{"unknown station node", []AgentSpec{{ID: 0}}, []StationSpec{{Node: 7}}, nil},
		{"duplicate station node", []AgentSpec{{ID: 0}}, []StationSpec{{Node: 1}, {Node: 1}}, nil},
		{"unknown task station", []AgentSpec{{ID: 0}}, nil, []TaskSpec{{ID: 0, Station: 5}}},
		{"unknown destination", []AgentSpec{{ID: 0}}, nil, []TaskSpec{{ID: 0, Station: 1, HasDestination: true, Destination: 9}}},
		{"negative arrival", []AgentSpec{{ID: 0}}, nil, []TaskSpec{{ID: 0, Arrival: -1, Station: 1}}},
		{"negative service", []AgentSpec{{ID: 0}}, nil, []TaskSpec{{ID: 0, Station: 1, ServiceTicks: -5}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewSimulator(testConfig(), topo, tc.agents, tc.stations, tc.tasks, nil)
			assert.Error(t, err)
		})
	}

	t.Run("invalid config", func(t *testing.T) {
		cfg := testConfig()
		cfg.Policy.QueueDiscipline = "lifo"
		_, err := NewSimulator(cfg, topo, nil, nil, nil, nil)
		assert.ErrorContains(t, err, "invalid config")
	})
}

// TestSimulator_EmptyRun verifies a simulator with nothing to do ends at t=0.
func TestSimulator_EmptyRun(t *testing.T) {
	s, err := NewSimulator(testConfig(), lineTopology(t, 2), []AgentSpec{{ID: 0}}, nil, nil, nil)
	require.NoError(t, err)
	res, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.EndTime)
	assert.Zero(t, res.EventsProcessed)
	assert.Equal(t, StateIdle, res.Agents[0].State)
}

// TestMultiCollector_FansOut verifies every non-nil collector sees every record.
func TestMultiCollector_FansOut(t *testing.T) {
	a := trace.NewSimulationTrace(trace.TraceConfig{Level: trace.TraceLevelAll})
	b := trace.NewSimulationTrace(trace.TraceConfig{Level: trace.TraceLevelLifecycle})
	s, err := NewSimulator(testConfig(), corridorTopology(t), corridorFixture(t).agents,
		corridorFixture(t).stations, corridorFixture(t).tasks, MultiCollector{a, nil, b})
	require.NoError(t, err)
	_, err = s.Run(context.Background())
	require.NoError(t, err)

	assert.NotEmpty(t, a.Records)
	assert.Less(t, len(b.Records), len(a.Records), "lifecycle level drops resource records")
	assert.Equal(t, len(a.Filter(trace.KindTaskCompleted)), len(b.Filter(trace.KindTaskCompleted)))
	assert.Equal(t, s.Metrics().Grants, len(a.Filter(trace.KindResourceGranted)))
}

// TestMetrics_Print verifies the summary block names the key counters.
func TestMetrics_Print(t *testing.T) {
	_, res, _, err := runFixture(t, testConfig(), gridSwapFixture(t))
	require.NoError(t, err)

	var buf bytes.Buffer
	res.Metrics.Print(&buf, res.EndTime)
	out := buf.String()
	for _, want := range []string{"Tasks Completed", "Deadlocks Resolved"} {
		assert.Contains(t, out, want)
	}
}
