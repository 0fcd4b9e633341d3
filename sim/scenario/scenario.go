// Package scenario loads fleet scenarios from YAML and builds the inputs of a
// simulation run: topology, agents, stations, tasks and configuration.
package scenario

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/inference-sim/fleetsim/sim"
)

// Scenario is the top-level scenario configuration.
// Loaded from YAML with strict parsing (unrecognized keys are errors).
type Scenario struct {
	Version         string           `yaml:"version"`
	Seed            int64            `yaml:"seed"`
	Horizon         int64            `yaml:"horizon"`
	MaxPendingTasks int              `yaml:"max_pending_tasks"`
	CheckInvariants bool             `yaml:"check_invariants"`
	Topology        TopologySpec     `yaml:"topology"`
	Agents          []AgentSpec      `yaml:"agents"`
	Stations        []StationSpec    `yaml:"stations"`
	Tasks           []TaskSpec       `yaml:"tasks"`
	RandomTasks     *RandomTaskSpec  `yaml:"random_tasks,omitempty"`
	Motion          MotionSpec       `yaml:"motion"`
	Resource        ResourceSpec     `yaml:"resource"`
	Battery         BatterySpec      `yaml:"battery"`
	Policy          sim.PolicyBundle `yaml:"policy"`
}

// TopologySpec is either a generated grid or an explicit node/edge list.
type TopologySpec struct {
	Grid  *GridSpec  `yaml:"grid,omitempty"`
	Nodes []NodeSpec `yaml:"nodes,omitempty"`
	Edges []EdgeSpec `yaml:"edges,omitempty"`
}

// GridSpec generates a width×height grid; node (x, y) has id y*width + x.
type GridSpec struct {
	Width   int     `yaml:"width"`
	Height  int     `yaml:"height"`
	Spacing float64 `yaml:"spacing"` // 0 defaults to 1
}

type NodeSpec struct {
	ID       int     `yaml:"id"`
	Name     string  `yaml:"name"`
	X        float64 `yaml:"x"`
	Y        float64 `yaml:"y"`
	Capacity *int    `yaml:"capacity,omitempty"`
}

// EdgeSpec is bidirectional unless one_way is set. Length 0 uses the
// Euclidean distance between the endpoints.
type EdgeSpec struct {
	From     int     `yaml:"from"`
	To       int     `yaml:"to"`
	Length   float64 `yaml:"length"`
	OneWay   bool    `yaml:"one_way"`
	Capacity *int    `yaml:"capacity,omitempty"`
}

// AgentSpec places an agent. A nil Start draws a free node from the agent's
// own RNG stream.
type AgentSpec struct {
	ID       int     `yaml:"id"`
	Start    *int    `yaml:"start,omitempty"`
	Priority int     `yaml:"priority"`
	Speed    float64 `yaml:"speed"`
	Battery  float64 `yaml:"battery"`
}

type StationSpec struct {
	Name string `yaml:"name"`
	Node int    `yaml:"node"`
	Kind string `yaml:"kind"` // "service" (default) or "charger"
}

// TaskSpec references its station by name and its destination by node id.
type TaskSpec struct {
	ID          int    `yaml:"id"`
	Arrival     int64  `yaml:"arrival"`
	Station     string `yaml:"station"`
	Destination *int   `yaml:"destination,omitempty"`
	Service     int64  `yaml:"service"`
	Dropoff     int64  `yaml:"dropoff"`
	Priority    int    `yaml:"priority"`
}

// RandomTaskSpec generates Count tasks after the explicit ones.
type RandomTaskSpec struct {
	Count         int      `yaml:"count"`
	Process       string   `yaml:"process"` // "poisson" (default), "gamma", "constant"
	Rate          float64  `yaml:"rate"`    // tasks per tick
	CV            *float64 `yaml:"cv,omitempty"`
	Start         int64    `yaml:"start"`
	Stations      []string `yaml:"stations,omitempty"` // empty = every service station
	Destinations  []int    `yaml:"destinations,omitempty"`
	Service       int64    `yaml:"service"`
	ServiceJitter int64    `yaml:"service_jitter"`
	Dropoff       int64    `yaml:"dropoff"`
}

type MotionSpec struct {
	TicksPerUnit *int64   `yaml:"ticks_per_unit,omitempty"`
	DefaultSpeed *float64 `yaml:"default_speed,omitempty"`
}

type ResourceSpec struct {
	MaxQueueLength     *int   `yaml:"max_queue_length,omitempty"`
	CongestionHalfLife *int64 `yaml:"congestion_half_life,omitempty"`
}

type BatterySpec struct {
	Enabled           bool     `yaml:"enabled"`
	Capacity          *float64 `yaml:"capacity,omitempty"`
	DrainPerUnit      *float64 `yaml:"drain_per_unit,omitempty"`
	RechargeThreshold *float64 `yaml:"recharge_threshold,omitempty"`
	ChargeTicks       *int64   `yaml:"charge_ticks,omitempty"`
}

// ConfigError reports an inconsistent scenario. Field is a YAML path such as
// "agents[2].start".
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("scenario %s: %s", e.Field, e.Reason)
}

func configErr(field, format string, args ...any) *ConfigError {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

var validStationKinds = map[string]bool{"": true, string(sim.StationService): true, string(sim.StationCharger): true}

// Load reads, parses and validates a scenario file.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scenario: %w", err)
	}
	s, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Parse decodes a scenario with strict field checking. It does not validate.
func Parse(data []byte) (*Scenario, error) {
	var s Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&s); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing scenario: %w", err)
	}
	if s.Version == "" {
		s.Version = "1"
	} else if s.Version != "1" {
		logrus.Warnf("scenario version %q is not recognized; parsing as version 1", s.Version)
	}
	return &s, nil
}

// Config returns the run configuration: defaults, then scenario settings,
// then the embedded policy bundle.
func (s *Scenario) Config() sim.Config {
	cfg := sim.DefaultConfig()
	cfg.Seed = s.Seed
	cfg.Horizon = s.Horizon
	cfg.MaxPendingTasks = s.MaxPendingTasks
	cfg.CheckInvariants = s.CheckInvariants
	if s.Motion.TicksPerUnit != nil {
		cfg.Motion.TicksPerUnit = *s.Motion.TicksPerUnit
	}
	if s.Motion.DefaultSpeed != nil {
		cfg.Motion.DefaultSpeed = *s.Motion.DefaultSpeed
	}
	if s.Resource.MaxQueueLength != nil {
		cfg.Resource.MaxQueueLength = *s.Resource.MaxQueueLength
	}
	if s.Resource.CongestionHalfLife != nil {
		cfg.Resource.CongestionHalfLife = *s.Resource.CongestionHalfLife
	}
	b := s.Battery
	cfg.Battery.Enabled = b.Enabled
	if b.Capacity != nil {
		cfg.Battery.Capacity = *b.Capacity
	}
	if b.DrainPerUnit != nil {
		cfg.Battery.DrainPerUnit = *b.DrainPerUnit
	}
	if b.RechargeThreshold != nil {
		cfg.Battery.RechargeThreshold = *b.RechargeThreshold
	}
	if b.ChargeTicks != nil {
		cfg.Battery.ChargeTicks = *b.ChargeTicks
	}
	s.Policy.ApplyTo(&cfg)
	return cfg
}

// Validate checks references, ids, capacities, connectivity and policy
// names. It returns the first problem found as a *ConfigError.
func (s *Scenario) Validate() error {
	topo, err := s.buildTopology()
	if err != nil {
		return err
	}
	if !topo.StronglyConnected() {
		return configErr("topology", "graph is not strongly connected")
	}
	if err := s.validateAgents(topo); err != nil {
		return err
	}
	stations, err := s.validateStations(topo)
	if err != nil {
		return err
	}
	if err := s.validateTasks(topo, stations); err != nil {
		return err
	}
	if err := s.validateRandomTasks(topo, stations); err != nil {
		return err
	}
	if err := s.Policy.Validate(); err != nil {
		return &ConfigError{Field: "policy", Reason: err.Error()}
	}
	if err := s.Config().Validate(); err != nil {
		return &ConfigError{Field: "config", Reason: err.Error()}
	}
	return nil
}

func (s *Scenario) buildTopology() (*sim.Topology, error) {
	t := s.Topology
	if t.Grid != nil && (len(t.Nodes) > 0 || len(t.Edges) > 0) {
		return nil, configErr("topology", "grid and explicit nodes are mutually exclusive")
	}
	if t.Grid != nil {
		g := *t.Grid
		if g.Width <= 0 || g.Height <= 0 {
			return nil, configErr("topology.grid", "dimensions must be positive, got %dx%d", g.Width, g.Height)
		}
		if g.Spacing < 0 {
			return nil, configErr("topology.grid.spacing", "must be positive, got %v", g.Spacing)
		}
		if g.Spacing == 0 {
			g.Spacing = 1
		}
		topo, err := sim.NewGridTopology(g.Width, g.Height, g.Spacing)
		if err != nil {
			return nil, configErr("topology.grid", "%v", err)
		}
		return topo, nil
	}
	if len(t.Nodes) == 0 {
		return nil, configErr("topology", "needs a grid or at least one node")
	}

	nodes := make([]sim.Node, len(t.Nodes))
	seen := make(map[int]bool, len(t.Nodes))
	for i, n := range t.Nodes {
		field := fmt.Sprintf("topology.nodes[%d]", i)
		if seen[n.ID] {
			return nil, configErr(field+".id", "duplicate node id %d", n.ID)
		}
		seen[n.ID] = true
		if n.ID < 0 || n.ID >= len(t.Nodes) {
			return nil, configErr(field+".id", "node ids must be 0..%d, got %d", len(t.Nodes)-1, n.ID)
		}
		capacity := 1
		if n.Capacity != nil {
			if *n.Capacity <= 0 {
				return nil, configErr(field+".capacity", "must be positive, got %d", *n.Capacity)
			}
			capacity = *n.Capacity
		}
		nodes[n.ID] = sim.Node{ID: sim.NodeID(n.ID), Name: n.Name, X: n.X, Y: n.Y, Capacity: capacity}
	}

	edges := make([]sim.Edge, len(t.Edges))
	for i, e := range t.Edges {
		field := fmt.Sprintf("topology.edges[%d]", i)
		if !seen[e.From] {
			return nil, configErr(field+".from", "unknown node %d", e.From)
		}
		if !seen[e.To] {
			return nil, configErr(field+".to", "unknown node %d", e.To)
		}
		if e.From == e.To {
			return nil, configErr(field, "self-loop on node %d", e.From)
		}
		if e.Length < 0 {
			return nil, configErr(field+".length", "must be positive, got %v", e.Length)
		}
		capacity := 1
		if e.Capacity != nil {
			if *e.Capacity <= 0 {
				return nil, configErr(field+".capacity", "must be positive, got %d", *e.Capacity)
			}
			capacity = *e.Capacity
		}
		length := e.Length
		if length == 0 {
			a, b := nodes[e.From], nodes[e.To]
			length = math.Hypot(a.X-b.X, a.Y-b.Y)
			if length == 0 {
				return nil, configErr(field+".length", "endpoints coincide; length required")
			}
		}
		edges[i] = sim.Edge{
			ID: sim.EdgeID(i), From: sim.NodeID(e.From), To: sim.NodeID(e.To),
			Length: length, Bidirectional: !e.OneWay, Capacity: capacity,
		}
	}
	topo, err := sim.NewTopology(nodes, edges)
	if err != nil {
		return nil, configErr("topology", "%v", err)
	}
	return topo, nil
}

func (s *Scenario) validateAgents(topo *sim.Topology) error {
	seen := make(map[int]bool, len(s.Agents))
	placed := make(map[int]int)
	for i, a := range s.Agents {
		field := fmt.Sprintf("agents[%d]", i)
		if seen[a.ID] {
			return configErr(field+".id", "duplicate agent id %d", a.ID)
		}
		seen[a.ID] = true
		if a.ID < 0 || a.ID >= len(s.Agents) {
			return configErr(field+".id", "agent ids must be 0..%d, got %d", len(s.Agents)-1, a.ID)
		}
		if a.Speed < 0 {
			return configErr(field+".speed", "must be non-negative, got %v", a.Speed)
		}
		if a.Battery < 0 {
			return configErr(field+".battery", "must be non-negative, got %v", a.Battery)
		}
		if a.Start == nil {
			continue
		}
		if !topo.HasNode(sim.NodeID(*a.Start)) {
			return configErr(field+".start", "unknown node %d", *a.Start)
		}
		placed[*a.Start]++
		if placed[*a.Start] > topo.Node(sim.NodeID(*a.Start)).Capacity {
			return configErr(field+".start", "node %d is over capacity", *a.Start)
		}
	}
	free := 0
	for n := 0; n < topo.NumNodes(); n++ {
		free += topo.Node(sim.NodeID(n)).Capacity
	}
	if len(s.Agents) > free {
		return configErr("agents", "%d agents exceed total node capacity %d", len(s.Agents), free)
	}
	return nil
}

// validateStations returns the built stations keyed by name.
func (s *Scenario) validateStations(topo *sim.Topology) (map[string]sim.StationSpec, error) {
	byName := make(map[string]sim.StationSpec, len(s.Stations))
	onNode := make(map[int]bool, len(s.Stations))
	for i, st := range s.Stations {
		field := fmt.Sprintf("stations[%d]", i)
		if st.Name == "" {
			return nil, configErr(field+".name", "must not be empty")
		}
		if _, dup := byName[st.Name]; dup {
			return nil, configErr(field+".name", "duplicate station %q", st.Name)
		}
		if !topo.HasNode(sim.NodeID(st.Node)) {
			return nil, configErr(field+".node", "unknown node %d", st.Node)
		}
		if onNode[st.Node] {
			return nil, configErr(field+".node", "node %d already has a station", st.Node)
		}
		onNode[st.Node] = true
		if !validStationKinds[st.Kind] {
			return nil, configErr(field+".kind", "unknown station kind %q; valid: %v", st.Kind, sim.ValidNames(validStationKinds))
		}
		byName[st.Name] = st.build()
	}
	return byName, nil
}

func (s *Scenario) validateTasks(topo *sim.Topology, stations map[string]sim.StationSpec) error {
	seen := make(map[int]bool, len(s.Tasks))
	for i, t := range s.Tasks {
		field := fmt.Sprintf("tasks[%d]", i)
		if seen[t.ID] {
			return configErr(field+".id", "duplicate task id %d", t.ID)
		}
		seen[t.ID] = true
		if t.ID < 0 {
			return configErr(field+".id", "must be non-negative, got %d", t.ID)
		}
		if t.Arrival < 0 {
			return configErr(field+".arrival", "must be non-negative, got %d", t.Arrival)
		}
		if err := checkServiceStation(field+".station", t.Station, stations); err != nil {
			return err
		}
		if t.Destination != nil && !topo.HasNode(sim.NodeID(*t.Destination)) {
			return configErr(field+".destination", "unknown node %d", *t.Destination)
		}
		if t.Service < 0 {
			return configErr(field+".service", "must be non-negative, got %d", t.Service)
		}
		if t.Dropoff < 0 {
			return configErr(field+".dropoff", "must be non-negative, got %d", t.Dropoff)
		}
	}
	return nil
}

func (s *Scenario) validateRandomTasks(topo *sim.Topology, stations map[string]sim.StationSpec) error {
	r := s.RandomTasks
	if r == nil {
		return nil
	}
	if r.Count < 0 {
		return configErr("random_tasks.count", "must be non-negative, got %d", r.Count)
	}
	if r.Count == 0 {
		return nil
	}
	if !validArrivalProcesses[r.Process] {
		return configErr("random_tasks.process", "unknown arrival process %q; valid: %v", r.Process, sim.ValidNames(validArrivalProcesses))
	}
	if !(r.Rate > 0) {
		return configErr("random_tasks.rate", "must be positive, got %v", r.Rate)
	}
	if r.CV != nil && *r.CV <= 0 {
		return configErr("random_tasks.cv", "must be positive, got %v", *r.CV)
	}
	if r.Start < 0 || r.Service < 0 || r.ServiceJitter < 0 || r.Dropoff < 0 {
		return configErr("random_tasks", "start, service, service_jitter and dropoff must be non-negative")
	}
	for i, name := range r.Stations {
		if err := checkServiceStation(fmt.Sprintf("random_tasks.stations[%d]", i), name, stations); err != nil {
			return err
		}
	}
	if len(r.Stations) == 0 && len(s.serviceStations()) == 0 {
		return configErr("random_tasks.stations", "no service station to draw from")
	}
	for i, d := range r.Destinations {
		if !topo.HasNode(sim.NodeID(d)) {
			return configErr(fmt.Sprintf("random_tasks.destinations[%d]", i), "unknown node %d", d)
		}
	}
	return nil
}

func checkServiceStation(field, name string, stations map[string]sim.StationSpec) error {
	st, ok := stations[name]
	if !ok {
		return configErr(field, "unknown station %q", name)
	}
	if st.Kind != sim.StationService {
		return configErr(field, "station %q is a %s, not a service station", name, st.Kind)
	}
	return nil
}

func (st StationSpec) build() sim.StationSpec {
	kind := sim.StationKind(st.Kind)
	if kind == "" {
		kind = sim.StationService
	}
	return sim.StationSpec{Name: st.Name, Node: sim.NodeID(st.Node), Kind: kind}
}

// serviceStations returns service station names in declaration order.
func (s *Scenario) serviceStations() []string {
	var names []string
	for _, st := range s.Stations {
		if st.build().Kind == sim.StationService {
			names = append(names, st.Name)
		}
	}
	return names
}

// Instance is a fully built, ready-to-run scenario.
type Instance struct {
	Config   sim.Config
	Topology *sim.Topology
	Agents   []sim.AgentSpec
	Stations []sim.StationSpec
	Tasks    []sim.TaskSpec
}

// NewSimulator constructs a simulator for the instance. collector may be nil.
func (in *Instance) NewSimulator(collector sim.MetricsCollector) (*sim.Simulator, error) {
	return sim.NewSimulator(in.Config, in.Topology, in.Agents, in.Stations, in.Tasks, collector)
}

// Build validates the scenario and materializes it under cfg. Random agent
// placement and random tasks draw from streams keyed by cfg.Seed, so the
// same scenario and seed always build the same instance.
func (s *Scenario) Build(cfg sim.Config) (*Instance, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, &ConfigError{Field: "config", Reason: err.Error()}
	}
	topo, err := s.buildTopology()
	if err != nil {
		return nil, err
	}
	streams := sim.NewRandomStreams(cfg.Seed)

	in := &Instance{Config: cfg, Topology: topo}
	byName := make(map[string]sim.StationSpec, len(s.Stations))
	for _, st := range s.Stations {
		spec := st.build()
		in.Stations = append(in.Stations, spec)
		byName[st.Name] = spec
	}
	in.Agents = s.placeAgents(topo, streams)

	for _, t := range s.Tasks {
		spec := sim.TaskSpec{
			ID:           t.ID,
			Arrival:      t.Arrival,
			Station:      byName[t.Station].Node,
			ServiceTicks: t.Service,
			DropoffTicks: t.Dropoff,
			Priority:     t.Priority,
		}
		if t.Destination != nil {
			spec.HasDestination = true
			spec.Destination = sim.NodeID(*t.Destination)
		}
		in.Tasks = append(in.Tasks, spec)
	}
	if s.RandomTasks != nil && s.RandomTasks.Count > 0 {
		generated := s.generateTasks(byName, streams.Workload())
		logrus.Debugf("generated %d random tasks", len(generated))
		in.Tasks = append(in.Tasks, generated...)
	}
	return in, nil
}

// placeAgents returns agents ordered by id. Agents with a fixed start are
// placed first; the rest draw uniformly among nodes with spare capacity.
func (s *Scenario) placeAgents(topo *sim.Topology, streams *sim.RandomStreams) []sim.AgentSpec {
	ordered := append([]AgentSpec(nil), s.Agents...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ID < ordered[j].ID })

	used := make([]int, topo.NumNodes())
	for _, a := range ordered {
		if a.Start != nil {
			used[*a.Start]++
		}
	}
	specs := make([]sim.AgentSpec, len(ordered))
	for i, a := range ordered {
		spec := sim.AgentSpec{ID: sim.AgentID(a.ID), Priority: a.Priority, Speed: a.Speed, Battery: a.Battery}
		if a.Start != nil {
			spec.Start = sim.NodeID(*a.Start)
		} else {
			var free []sim.NodeID
			for n := range used {
				if used[n] < topo.Node(sim.NodeID(n)).Capacity {
					free = append(free, sim.NodeID(n))
				}
			}
			spec.Start = free[streams.Placement(spec.ID).Intn(len(free))]
			used[spec.Start]++
			logrus.Debugf("agent %d placed at random node %d", a.ID, spec.Start)
		}
		specs[i] = spec
	}
	return specs
}
