// Package observe exports a run's lifecycle stream as Prometheus metrics.
package observe

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/inference-sim/fleetsim/sim/trace"
)

// WaitBuckets are the wait-duration histogram buckets, in ticks.
var WaitBuckets = []float64{100, 250, 500, 1000, 2500, 5000, 10000, 25000, 50000, 100000}

// Collector is a sim.MetricsCollector backed by Prometheus collectors.
// Every method is safe on a nil receiver.
type Collector struct {
	gatherer prometheus.Gatherer

	Events        *prometheus.CounterVec
	WaitDurations prometheus.Histogram
	AgentsWaiting prometheus.Gauge
	Deadlocks     *prometheus.CounterVec
	SimTime       prometheus.Gauge
}

// NewCollector registers the simulator metrics against reg, defaulting to
// the global registry when nil. Re-registering against the same registry
// reuses the existing collectors.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	events, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetsim_events_total",
		Help: "Lifecycle records emitted by the simulation, labeled by kind.",
	}, []string{"kind"}), "fleetsim_events_total")
	if err != nil {
		return nil, err
	}
	waits, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "fleetsim_wait_duration_ticks",
		Help:    "Time agents spent WAITING for a resource, in simulation ticks.",
		Buckets: WaitBuckets,
	}), "fleetsim_wait_duration_ticks")
	if err != nil {
		return nil, err
	}
	waiting, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fleetsim_agents_waiting",
		Help: "Agents currently WAITING for a resource.",
	}), "fleetsim_agents_waiting")
	if err != nil {
		return nil, err
	}
	deadlocks, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetsim_deadlocks_total",
		Help: "Wait-for cycles, labeled by outcome (detected or resolved).",
	}, []string{"outcome"}), "fleetsim_deadlocks_total")
	if err != nil {
		return nil, err
	}
	simTime, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fleetsim_sim_time_ticks",
		Help: "Simulation clock at the most recent lifecycle record.",
	}), "fleetsim_sim_time_ticks")
	if err != nil {
		return nil, err
	}

	return &Collector{
		gatherer:      gatherer,
		Events:        events,
		WaitDurations: waits,
		AgentsWaiting: waiting,
		Deadlocks:     deadlocks,
		SimTime:       simTime,
	}, nil
}

// Observe implements sim.MetricsCollector.
func (c *Collector) Observe(r trace.Record) {
	if c == nil {
		return
	}
	if c.Events != nil {
		c.Events.WithLabelValues(string(r.Kind)).Inc()
	}
	if c.SimTime != nil {
		c.SimTime.Set(float64(r.Time))
	}
	switch r.Kind {
	case trace.KindWaitStarted:
		if c.AgentsWaiting != nil {
			c.AgentsWaiting.Inc()
		}
	case trace.KindWaitEnded:
		if c.AgentsWaiting != nil {
			c.AgentsWaiting.Dec()
		}
		if c.WaitDurations != nil {
			c.WaitDurations.Observe(float64(r.Duration))
		}
	case trace.KindDeadlockDetected:
		if c.Deadlocks != nil {
			c.Deadlocks.WithLabelValues("detected").Inc()
		}
	case trace.KindDeadlockResolved:
		if c.Deadlocks != nil {
			c.Deadlocks.WithLabelValues("resolved").Inc()
		}
	}
}

// WriteTextfile writes every metric of the collector's gatherer to path in
// the Prometheus text exposition format.
func (c *Collector) WriteTextfile(path string) error {
	if c == nil {
		return nil
	}
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if err := prometheus.WriteToTextfile(path, gatherer); err != nil {
		return fmt.Errorf("writing metrics: %w", err)
	}
	return nil
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogram(reg prometheus.Registerer, h prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(h); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return h, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
