package sim

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// PolicyBundle holds policy configuration, loadable from a YAML file.
// Nil pointer fields mean "not set in YAML"; they do not override Config.
// String fields use empty string for "not set".
type PolicyBundle struct {
	QueueDiscipline string         `yaml:"queue_discipline"`
	Routing         RoutingBundle  `yaml:"routing"`
	Deadlock        DeadlockBundle `yaml:"deadlock"`
}

// RoutingBundle holds routing policy configuration.
type RoutingBundle struct {
	Mode             string   `yaml:"mode"`
	CongestionWeight *float64 `yaml:"congestion_weight"`
}

// DeadlockBundle holds detection and resolution configuration.
type DeadlockBundle struct {
	Detection       string `yaml:"detection"`
	Interval        *int64 `yaml:"interval"`
	Resolution      string `yaml:"resolution"`
	BackoffSelector string `yaml:"backoff_selector"`
	BackoffHops     *int   `yaml:"backoff_hops"`
	MaxAttempts     *int   `yaml:"max_attempts"`
	WaitTimeout     *int64 `yaml:"wait_timeout"`
	RetryDelay      *int64 `yaml:"retry_delay"`
}

// Detection modes.
const (
	DetectionOnQueue  = "on-queue"
	DetectionPeriodic = "periodic"
)

// Resolution strategies.
const (
	ResolvePriority = "priority"
	ResolveBackoff  = "backoff"
	ResolveTimeout  = "timeout"
)

// Backoff selectors.
const (
	SelectLowestID     = "lowest-id"
	SelectOldestHolder = "oldest-holder"
	SelectRandom       = "random"
)

// ValidQueueDisciplines is the set of recognized queue discipline names.
// Shared by Validate() and NewQueueDiscipline() to avoid duplication.
var ValidQueueDisciplines = map[string]bool{"": true, "fifo": true, "priority": true, "age": true}

// ValidRoutingModes is the set of recognized routing modes.
var ValidRoutingModes = map[string]bool{"": true, RoutingShortest: true, RoutingCongestionAware: true}

// ValidDetectionModes is the set of recognized deadlock detection modes.
var ValidDetectionModes = map[string]bool{"": true, DetectionOnQueue: true, DetectionPeriodic: true}

// ValidResolutionStrategies is the set of recognized resolution strategies.
var ValidResolutionStrategies = map[string]bool{"": true, ResolvePriority: true, ResolveBackoff: true, ResolveTimeout: true}

// ValidBackoffSelectors is the set of recognized backoff selectors.
var ValidBackoffSelectors = map[string]bool{"": true, SelectLowestID: true, SelectOldestHolder: true, SelectRandom: true}

// ValidNames returns the non-empty names of a registry, sorted, for error messages.
func ValidNames(registry map[string]bool) []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		if n != "" {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	return names
}

// LoadPolicyBundle reads and strictly parses a YAML policy file.
func LoadPolicyBundle(path string) (*PolicyBundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading policy config: %w", err)
	}
	return ParsePolicyBundle(data)
}

// ParsePolicyBundle strictly parses YAML policy configuration. Unknown keys are errors.
func ParsePolicyBundle(data []byte) (*PolicyBundle, error) {
	var bundle PolicyBundle
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&bundle); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing policy config: %w", err)
	}
	return &bundle, nil
}

// Validate checks that all policy names and parameter ranges in the bundle are valid.
func (b *PolicyBundle) Validate() error {
	if !ValidQueueDisciplines[b.QueueDiscipline] {
		return fmt.Errorf("unknown queue discipline %q", b.QueueDiscipline)
	}
	if !ValidRoutingModes[b.Routing.Mode] {
		return fmt.Errorf("unknown routing mode %q", b.Routing.Mode)
	}
	d := b.Deadlock
	if !ValidDetectionModes[d.Detection] {
		return fmt.Errorf("unknown detection mode %q", d.Detection)
	}
	if !ValidResolutionStrategies[d.Resolution] {
		return fmt.Errorf("unknown resolution strategy %q", d.Resolution)
	}
	if !ValidBackoffSelectors[d.BackoffSelector] {
		return fmt.Errorf("unknown backoff selector %q", d.BackoffSelector)
	}
	// Parameter range validation
	if b.Routing.CongestionWeight != nil && *b.Routing.CongestionWeight < 0 {
		return fmt.Errorf("congestion_weight must be non-negative, got %f", *b.Routing.CongestionWeight)
	}
	if d.Interval != nil && *d.Interval <= 0 {
		return fmt.Errorf("interval must be positive, got %d", *d.Interval)
	}
	if d.BackoffHops != nil && *d.BackoffHops <= 0 {
		return fmt.Errorf("backoff_hops must be positive, got %d", *d.BackoffHops)
	}
	if d.MaxAttempts != nil && *d.MaxAttempts <= 0 {
		return fmt.Errorf("max_attempts must be positive, got %d", *d.MaxAttempts)
	}
	if d.WaitTimeout != nil && *d.WaitTimeout < 0 {
		return fmt.Errorf("wait_timeout must be non-negative, got %d", *d.WaitTimeout)
	}
	if d.RetryDelay != nil && *d.RetryDelay <= 0 {
		return fmt.Errorf("retry_delay must be positive, got %d", *d.RetryDelay)
	}
	return nil
}

// ApplyTo overlays the fields set in the bundle onto cfg.
func (b *PolicyBundle) ApplyTo(cfg *Config) {
	if b.QueueDiscipline != "" {
		cfg.Policy.QueueDiscipline = b.QueueDiscipline
	}
	if b.Routing.Mode != "" {
		cfg.Policy.RoutingMode = b.Routing.Mode
	}
	if b.Routing.CongestionWeight != nil {
		cfg.Policy.CongestionWeight = *b.Routing.CongestionWeight
	}
	d := b.Deadlock
	if d.Detection != "" {
		cfg.Resolver.Detection = d.Detection
	}
	if d.Interval != nil {
		cfg.Resolver.DetectionInterval = *d.Interval
	}
	if d.Resolution != "" {
		cfg.Resolver.Strategy = d.Resolution
	}
	if d.BackoffSelector != "" {
		cfg.Resolver.BackoffSelector = d.BackoffSelector
	}
	if d.BackoffHops != nil {
		cfg.Resolver.BackoffHops = *d.BackoffHops
	}
	if d.MaxAttempts != nil {
		cfg.Resolver.MaxResolutionAttempts = *d.MaxAttempts
	}
	if d.WaitTimeout != nil {
		cfg.Resolver.WaitTimeout = *d.WaitTimeout
	}
	if d.RetryDelay != nil {
		cfg.Resolver.RetryDelay = *d.RetryDelay
	}
}
