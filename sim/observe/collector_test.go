package observe

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"

	"github.com/inference-sim/fleetsim/sim"
	simtestutil "github.com/inference-sim/fleetsim/sim/internal/testutil"
	"github.com/inference-sim/fleetsim/sim/scenario"
	"github.com/inference-sim/fleetsim/sim/trace"
)

func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	c, err := NewCollector(reg)
	if err != nil {
		t.Fatalf("NewCollector: %v", err)
	}
	return c, reg
}

func TestCollector_Observe_CountsByKind(t *testing.T) {
	c, _ := newTestCollector(t)

	c.Observe(trace.Record{Time: 10, Kind: trace.KindResourceGranted, Agent: 0, Task: trace.NoID})
	c.Observe(trace.Record{Time: 20, Kind: trace.KindResourceGranted, Agent: 1, Task: trace.NoID})
	c.Observe(trace.Record{Time: 30, Kind: trace.KindTaskCompleted, Agent: 1, Task: 4})

	if got := testutil.ToFloat64(c.Events.WithLabelValues("resource_granted")); got != 2 {
		t.Errorf("resource_granted = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.Events.WithLabelValues("task_completed")); got != 1 {
		t.Errorf("task_completed = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.SimTime); got != 30 {
		t.Errorf("sim time = %v, want 30", got)
	}
}

func TestCollector_Observe_TracksWaits(t *testing.T) {
	c, reg := newTestCollector(t)

	// GIVEN two agents start waiting and one of them is released after 1500 ticks
	c.Observe(trace.Record{Kind: trace.KindWaitStarted, Agent: 0, Task: trace.NoID})
	c.Observe(trace.Record{Kind: trace.KindWaitStarted, Agent: 1, Task: trace.NoID})
	c.Observe(trace.Record{Kind: trace.KindWaitEnded, Agent: 0, Task: trace.NoID, Duration: 1500})

	// THEN one agent is still waiting and one wait was observed
	if got := testutil.ToFloat64(c.AgentsWaiting); got != 1 {
		t.Errorf("agents waiting = %v, want 1", got)
	}
	h := histogram(t, reg, "fleetsim_wait_duration_ticks")
	if h.GetSampleCount() != 1 || h.GetSampleSum() != 1500 {
		t.Errorf("wait histogram count=%d sum=%v, want 1 and 1500", h.GetSampleCount(), h.GetSampleSum())
	}
}

func TestCollector_Observe_Deadlocks(t *testing.T) {
	c, _ := newTestCollector(t)
	c.Observe(trace.Record{Kind: trace.KindDeadlockDetected, Agent: trace.NoID, Task: trace.NoID, Agents: []int{0, 1}})
	c.Observe(trace.Record{Kind: trace.KindDeadlockResolved, Agent: 1, Task: trace.NoID, Agents: []int{0, 1}})
	c.Observe(trace.Record{Kind: trace.KindDeadlockDetected, Agent: trace.NoID, Task: trace.NoID, Agents: []int{2, 3}})

	if got := testutil.ToFloat64(c.Deadlocks.WithLabelValues("detected")); got != 2 {
		t.Errorf("detected = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.Deadlocks.WithLabelValues("resolved")); got != 1 {
		t.Errorf("resolved = %v, want 1", got)
	}
}

func TestCollector_NilReceiver(t *testing.T) {
	var c *Collector
	c.Observe(trace.Record{Kind: trace.KindWaitStarted})
	if err := c.WriteTextfile(filepath.Join(t.TempDir(), "m.prom")); err != nil {
		t.Errorf("nil WriteTextfile returned %v", err)
	}
}

func TestNewCollector_ReusesExistingRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewCollector(reg)
	if err != nil {
		t.Fatalf("first NewCollector: %v", err)
	}
	second, err := NewCollector(reg)
	if err != nil {
		t.Fatalf("second NewCollector: %v", err)
	}
	first.Observe(trace.Record{Kind: trace.KindTaskCreated, Agent: trace.NoID, Task: 0})
	if got := testutil.ToFloat64(second.Events.WithLabelValues("task_created")); got != 1 {
		t.Errorf("second collector sees %v task_created, want 1 (shared vec)", got)
	}
}

func TestCollector_WriteTextfile(t *testing.T) {
	c, _ := newTestCollector(t)
	c.Observe(trace.Record{Kind: trace.KindDeadlockDetected, Agent: trace.NoID, Task: trace.NoID})

	path := filepath.Join(t.TempDir(), "fleetsim.prom")
	if err := c.WriteTextfile(path); err != nil {
		t.Fatalf("WriteTextfile: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	for _, want := range []string{"fleetsim_events_total", `fleetsim_deadlocks_total{outcome="detected"} 1`, "fleetsim_wait_duration_ticks_bucket"} {
		if !strings.Contains(string(data), want) {
			t.Errorf("textfile missing %q:\n%s", want, data)
		}
	}
}

func TestCollector_GridSwapRun(t *testing.T) {
	// GIVEN the 3x3 corner-swap scenario observed by a collector
	s, err := scenario.Load(simtestutil.TestdataPath(t, "scenarios", "grid3x3.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	in, err := s.Build(s.Config())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	c, reg := newTestCollector(t)
	metrics := &sim.Metrics{}
	sm, err := in.NewSimulator(sim.MultiCollector{c, metrics})
	if err != nil {
		t.Fatalf("new simulator: %v", err)
	}

	// WHEN it runs to completion
	if _, err := sm.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	// THEN the Prometheus view agrees with the in-process counters
	if got := testutil.ToFloat64(c.Events.WithLabelValues("task_completed")); got != float64(metrics.TasksCompleted) {
		t.Errorf("task_completed = %v, metrics say %d", got, metrics.TasksCompleted)
	}
	if got := testutil.ToFloat64(c.Deadlocks.WithLabelValues("resolved")); got != 1 {
		t.Errorf("resolved deadlocks = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.AgentsWaiting); got != 0 {
		t.Errorf("agents still waiting = %v, want 0", got)
	}
	if h := histogram(t, reg, "fleetsim_wait_duration_ticks"); h.GetSampleCount() != uint64(metrics.Waits) {
		t.Errorf("wait samples = %d, want %d", h.GetSampleCount(), metrics.Waits)
	}
}

func histogram(t *testing.T, gatherer prometheus.Gatherer, name string) *dto.Histogram {
	t.Helper()
	families, err := gatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.Metric {
			if m.GetHistogram() != nil {
				return m.GetHistogram()
			}
		}
	}
	t.Fatalf("histogram %s not found", name)
	return nil
}
