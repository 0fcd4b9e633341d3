package sim

import "fmt"

// PolicyConfig groups queue and routing policy selection.
type PolicyConfig struct {
	QueueDiscipline  string  // "fifo" (default), "priority", "age"
	RoutingMode      string  // "shortest" (default) or "congestion-aware"
	CongestionWeight float64 // cost per unit of congestion score (congestion-aware only)
}

// ResourceConfig groups ResourceManager parameters.
type ResourceConfig struct {
	MaxQueueLength     int   // 0 = unbounded; a full queue rejects reservations
	CongestionHalfLife int64 // ticks; ≤0 makes the congestion score instantaneous
}

// ResolverConfig groups deadlock detection and resolution parameters.
type ResolverConfig struct {
	Detection             string // "on-queue" (default) or "periodic"
	DetectionInterval     int64  // ticks between periodic checks (periodic only, must be > 0)
	Strategy              string // "priority" (default), "backoff", "timeout"
	BackoffSelector       string // "lowest-id" (default), "oldest-holder", "random"
	BackoffHops           int    // max retreat hops for backoff (must be > 0)
	MaxResolutionAttempts int    // per cycle signature, reset when a member completes a task
	WaitTimeout           int64  // 0 disables; required > 0 for the timeout strategy
	RetryDelay            int64  // delay before retrying after rejection or failed resolution
}

// MotionConfig groups travel-time parameters.
type MotionConfig struct {
	TicksPerUnit int64   // ticks to traverse one length unit at speed 1
	DefaultSpeed float64 // used when an AgentSpec has no speed
}

// BatteryConfig groups the optional battery model.
type BatteryConfig struct {
	Enabled           bool
	Capacity          float64
	DrainPerUnit      float64 // charge consumed per length unit traveled
	RechargeThreshold float64 // fraction of Capacity below which an idle agent seeks a charger
	ChargeTicks       int64   // duration of a full recharge
}

// Config is the complete configuration of one run.
type Config struct {
	Seed            int64
	Horizon         int64 // 0 = run until the event queue drains
	MaxPendingTasks int   // 0 = unbounded; arrivals beyond it are rejected
	CheckInvariants bool  // verify occupancy and queue invariants after every event

	Policy   PolicyConfig
	Resource ResourceConfig
	Resolver ResolverConfig
	Motion   MotionConfig
	Battery  BatteryConfig
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() Config {
	return Config{
		Policy: PolicyConfig{
			QueueDiscipline:  "fifo",
			RoutingMode:      RoutingShortest,
			CongestionWeight: 1.0,
		},
		Resource: ResourceConfig{
			CongestionHalfLife: 2000,
		},
		Resolver: ResolverConfig{
			Detection:             DetectionOnQueue,
			DetectionInterval:     1000,
			Strategy:              ResolvePriority,
			BackoffSelector:       SelectLowestID,
			BackoffHops:           3,
			MaxResolutionAttempts: 32,
			RetryDelay:            500,
		},
		Motion: MotionConfig{
			TicksPerUnit: 1000,
			DefaultSpeed: 1.0,
		},
		Battery: BatteryConfig{
			Capacity:          100,
			DrainPerUnit:      1,
			RechargeThreshold: 0.2,
			ChargeTicks:       10000,
		},
	}
}

// Validate checks policy names and parameter ranges.
func (c Config) Validate() error {
	if !ValidQueueDisciplines[c.Policy.QueueDiscipline] {
		return fmt.Errorf("unknown queue discipline %q; valid: %v", c.Policy.QueueDiscipline, ValidNames(ValidQueueDisciplines))
	}
	if !ValidRoutingModes[c.Policy.RoutingMode] {
		return fmt.Errorf("unknown routing mode %q; valid: %v", c.Policy.RoutingMode, ValidNames(ValidRoutingModes))
	}
	if c.Policy.CongestionWeight < 0 {
		return fmt.Errorf("congestion weight must be non-negative, got %f", c.Policy.CongestionWeight)
	}
	if c.Horizon < 0 {
		return fmt.Errorf("horizon must be non-negative, got %d", c.Horizon)
	}
	if c.MaxPendingTasks < 0 {
		return fmt.Errorf("max pending tasks must be non-negative, got %d", c.MaxPendingTasks)
	}
	if c.Resource.MaxQueueLength < 0 {
		return fmt.Errorf("max queue length must be non-negative, got %d", c.Resource.MaxQueueLength)
	}
	r := c.Resolver
	if !ValidDetectionModes[r.Detection] {
		return fmt.Errorf("unknown detection mode %q; valid: %v", r.Detection, ValidNames(ValidDetectionModes))
	}
	if r.Detection == DetectionPeriodic && r.DetectionInterval <= 0 {
		return fmt.Errorf("periodic detection requires a positive interval, got %d", r.DetectionInterval)
	}
	if !ValidResolutionStrategies[r.Strategy] {
		return fmt.Errorf("unknown resolution strategy %q; valid: %v", r.Strategy, ValidNames(ValidResolutionStrategies))
	}
	if !ValidBackoffSelectors[r.BackoffSelector] {
		return fmt.Errorf("unknown backoff selector %q; valid: %v", r.BackoffSelector, ValidNames(ValidBackoffSelectors))
	}
	if r.Strategy == ResolveBackoff && r.BackoffHops <= 0 {
		return fmt.Errorf("backoff resolution requires positive backoff hops, got %d", r.BackoffHops)
	}
	if r.Strategy == ResolveTimeout && r.WaitTimeout <= 0 {
		return fmt.Errorf("timeout resolution requires a positive wait timeout, got %d", r.WaitTimeout)
	}
	if r.WaitTimeout < 0 {
		return fmt.Errorf("wait timeout must be non-negative, got %d", r.WaitTimeout)
	}
	if r.MaxResolutionAttempts <= 0 {
		return fmt.Errorf("max resolution attempts must be positive, got %d", r.MaxResolutionAttempts)
	}
	if r.RetryDelay <= 0 {
		return fmt.Errorf("retry delay must be positive, got %d", r.RetryDelay)
	}
	if c.Motion.TicksPerUnit <= 0 {
		return fmt.Errorf("ticks per unit must be positive, got %d", c.Motion.TicksPerUnit)
	}
	if c.Motion.DefaultSpeed <= 0 {
		return fmt.Errorf("default speed must be positive, got %f", c.Motion.DefaultSpeed)
	}
	if b := c.Battery; b.Enabled {
		if b.Capacity <= 0 || b.DrainPerUnit < 0 || b.ChargeTicks <= 0 {
			return fmt.Errorf("battery requires positive capacity and charge ticks and non-negative drain")
		}
		if b.RechargeThreshold < 0 || b.RechargeThreshold > 1 {
			return fmt.Errorf("recharge threshold must be in [0,1], got %f", b.RechargeThreshold)
		}
	}
	return nil
}
