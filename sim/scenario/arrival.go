package scenario

import (
	"math"
	"math/rand"

	"github.com/sirupsen/logrus"

	"github.com/inference-sim/fleetsim/sim"
)

var validArrivalProcesses = map[string]bool{"": true, "poisson": true, "gamma": true, "constant": true}

// ArrivalSampler generates inter-arrival times for generated tasks.
type ArrivalSampler interface {
	// SampleIAT returns the next inter-arrival time in ticks. Always >= 1.
	SampleIAT(rng *rand.Rand) int64
}

// PoissonSampler generates exponentially-distributed inter-arrival times (CV=1).
type PoissonSampler struct {
	rate float64 // tasks per tick
}

func (s *PoissonSampler) SampleIAT(rng *rand.Rand) int64 {
	return atLeastOne(rng.ExpFloat64() / s.rate)
}

// GammaSampler generates Gamma-distributed inter-arrival times. CV > 1
// produces bursty arrivals.
type GammaSampler struct {
	shape float64 // 1/CV²
	scale float64 // CV²/rate in ticks
}

func (s *GammaSampler) SampleIAT(rng *rand.Rand) int64 {
	return atLeastOne(gammaRand(rng, s.shape, s.scale))
}

// ConstantSampler spaces arrivals exactly 1/rate ticks apart.
type ConstantSampler struct {
	iat int64
}

func (s *ConstantSampler) SampleIAT(*rand.Rand) int64 { return s.iat }

func atLeastOne(v float64) int64 {
	if iat := int64(v); iat >= 1 {
		return iat
	}
	return 1
}

// gammaRand samples Gamma(shape, scale) with Marsaglia-Tsang; shape < 1 uses
// Gamma(a) = Gamma(a+1) * U^(1/a).
func gammaRand(rng *rand.Rand, shape, scale float64) float64 {
	if shape < 1.0 {
		u := rng.Float64()
		return gammaRand(rng, shape+1.0, scale) * math.Pow(u, 1.0/shape)
	}
	d := shape - 1.0/3.0
	c := 1.0 / math.Sqrt(9.0*d)
	for {
		var x, v float64
		for {
			x = rng.NormFloat64()
			v = 1.0 + c*x
			if v > 0 {
				break
			}
		}
		v = v * v * v
		u := rng.Float64()
		if u < 1.0-0.0331*(x*x)*(x*x) {
			return d * v * scale
		}
		if math.Log(u) < 0.5*x*x+d*(1.0-v+math.Log(v)) {
			return d * v * scale
		}
	}
}

// NewArrivalSampler builds the sampler for a process name and rate in tasks
// per tick. Unknown names are rejected by Validate before reaching here.
func NewArrivalSampler(process string, rate float64, cv *float64) ArrivalSampler {
	if rate < 1e-15 {
		rate = 1e-15
	}
	switch process {
	case "constant":
		return &ConstantSampler{iat: atLeastOne(1.0 / rate)}
	case "gamma":
		c := 1.0
		if cv != nil && *cv > 0 {
			c = *cv
		}
		shape := 1.0 / (c * c)
		if shape < 0.01 {
			logrus.Warnf("Gamma shape %.4f (CV=%.1f) is very small; falling back to Poisson", shape, c)
			return &PoissonSampler{rate: rate}
		}
		return &GammaSampler{shape: shape, scale: c * c / rate}
	default:
		return &PoissonSampler{rate: rate}
	}
}

// generateTasks draws RandomTasks.Count tasks. Ids continue after the highest
// explicit task id. Arrivals are cumulative from RandomTasks.Start.
func (s *Scenario) generateTasks(stations map[string]sim.StationSpec, rng *rand.Rand) []sim.TaskSpec {
	r := s.RandomTasks
	names := r.Stations
	if len(names) == 0 {
		names = s.serviceStations()
	}
	nextID := 0
	for _, t := range s.Tasks {
		if t.ID >= nextID {
			nextID = t.ID + 1
		}
	}
	sampler := NewArrivalSampler(r.Process, r.Rate, r.CV)

	tasks := make([]sim.TaskSpec, 0, r.Count)
	now := r.Start
	for i := 0; i < r.Count; i++ {
		now += sampler.SampleIAT(rng)
		spec := sim.TaskSpec{
			ID:           nextID + i,
			Arrival:      now,
			Station:      stations[names[rng.Intn(len(names))]].Node,
			ServiceTicks: r.Service,
			DropoffTicks: r.Dropoff,
		}
		if r.ServiceJitter > 0 {
			spec.ServiceTicks += rng.Int63n(r.ServiceJitter + 1)
		}
		if len(r.Destinations) > 0 {
			spec.HasDestination = true
			spec.Destination = sim.NodeID(r.Destinations[rng.Intn(len(r.Destinations))])
		}
		tasks = append(tasks, spec)
	}
	return tasks
}
