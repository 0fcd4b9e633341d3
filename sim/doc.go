// Package sim provides the resource-coordination core of fleetsim: a
// discrete-event engine for autonomous agents sharing a graph of
// capacity-constrained nodes and edges.
//
// # Reading Guide
//
// Start with these files to understand the simulation kernel:
//   - event_queue.go: the clock and the (timestamp, sequence) ordered event queue
//   - resource.go: occupancy, wait-queues and congestion scores (ResourceManager)
//   - handlers.go: the hop protocol, waits, and deadlock handling
//   - simulator.go: the event loop, invariant checks and lifecycle emission
//
// # Architecture
//
// The core components and their files:
//   - Topology (topology.go): immutable nodes, edges and directional arcs
//   - ResourceManager (resource.go, discipline.go): the single owner of occupancy
//   - DeadlockDetector (waitfor.go): on-demand wait-for graph and cycle search
//   - Resolver (resolver.go): priority, backoff and timeout cycle breaking
//   - Router (routing.go): A* shortest and congestion-aware paths
//   - Agents and tasks (agent.go, task.go): entity state machines
//
// Sub-packages hold everything outside the core contract:
//   - sim/trace/: lifecycle record types and an in-memory trace sink
//   - sim/observe/: Prometheus metrics sink
//   - sim/scenario/: YAML scenario loading and validation
//   - sim/sweep/: concurrent independent runs over many seeds
//
// # Key Interfaces
//
//   - Event: Timestamp plus Execute; every state change happens inside Execute
//   - QueueDiscipline: orders a resource's wait-queue
//   - MetricsCollector: receives every lifecycle record in emission order
//
// Policies (queue discipline, routing mode, detection mode, resolution
// strategy, backoff selector) are closed sets of names validated against the
// Valid* registries in bundle.go.
package sim
