package trace

import (
	"bufio"
	"fmt"
	"io"
)

// TraceLevel controls the verbosity of lifecycle tracing.
type TraceLevel string

const (
	// TraceLevelNone disables tracing (zero overhead).
	TraceLevelNone TraceLevel = "none"
	// TraceLevelLifecycle captures task, wait and deadlock events but drops
	// per-resource grant/release chatter.
	TraceLevelLifecycle TraceLevel = "lifecycle"
	// TraceLevelAll captures every record.
	TraceLevelAll TraceLevel = "all"
)

// validTraceLevels maps accepted trace level strings.
var validTraceLevels = map[TraceLevel]bool{
	TraceLevelNone:      true,
	TraceLevelLifecycle: true,
	TraceLevelAll:       true,
	"":                  true, // empty defaults to all
}

// IsValidTraceLevel returns true if the given level string is a recognized trace level.
func IsValidTraceLevel(level string) bool {
	return validTraceLevels[TraceLevel(level)]
}

var resourceKinds = map[Kind]bool{
	KindResourceGranted:  true,
	KindResourceQueued:   true,
	KindResourceReleased: true,
	KindResourceRejected: true,
}

// TraceConfig controls trace collection behavior.
type TraceConfig struct {
	Level TraceLevel
}

// SimulationTrace collects lifecycle records during a simulation run.
// It satisfies the engine's MetricsCollector contract through Observe.
type SimulationTrace struct {
	Config  TraceConfig
	Records []Record
}

// NewSimulationTrace creates a SimulationTrace ready for recording.
func NewSimulationTrace(config TraceConfig) *SimulationTrace {
	return &SimulationTrace{
		Config:  config,
		Records: make([]Record, 0),
	}
}

// Observe appends a record, filtered by the configured level.
func (st *SimulationTrace) Observe(record Record) {
	switch st.Config.Level {
	case TraceLevelNone:
		return
	case TraceLevelLifecycle:
		if resourceKinds[record.Kind] {
			return
		}
	}
	if len(record.Agents) > 0 {
		record.Agents = append([]int(nil), record.Agents...)
	}
	st.Records = append(st.Records, record)
}

// Filter returns the records of the given kind in emission order.
func (st *SimulationTrace) Filter(kind Kind) []Record {
	var out []Record
	for _, r := range st.Records {
		if r.Kind == kind {
			out = append(out, r)
		}
	}
	return out
}

// ForAgent returns the records naming the given agent in emission order.
func (st *SimulationTrace) ForAgent(agent int) []Record {
	var out []Record
	for _, r := range st.Records {
		if r.Agent == agent {
			out = append(out, r)
		}
	}
	return out
}

// Lines renders every record with Record.String.
func (st *SimulationTrace) Lines() []string {
	lines := make([]string, len(st.Records))
	for i, r := range st.Records {
		lines[i] = r.String()
	}
	return lines
}

// WriteTo writes one line per record.
func (st *SimulationTrace) WriteTo(w io.Writer) (int64, error) {
	bw := bufio.NewWriter(w)
	var n int64
	for _, r := range st.Records {
		c, err := fmt.Fprintln(bw, r.String())
		n += int64(c)
		if err != nil {
			return n, err
		}
	}
	return n, bw.Flush()
}
