package trace

import (
	"sort"

	"gonum.org/v1/gonum/stat"
)

// TraceSummary aggregates statistics from a SimulationTrace.
type TraceSummary struct {
	TotalRecords      int
	KindCounts        map[Kind]int
	TasksCompleted    int
	Waits             int
	MeanWait          float64
	P50Wait           float64
	P95Wait           float64
	MaxWait           int64
	DeadlocksDetected int
	DeadlocksResolved int
	WaitsPerAgent     map[int]int // agent ID → number of waits started
}

// Summarize computes aggregate statistics from a SimulationTrace.
// Safe for nil or empty traces (returns zero-value fields).
func Summarize(st *SimulationTrace) *TraceSummary {
	summary := &TraceSummary{
		KindCounts:    make(map[Kind]int),
		WaitsPerAgent: make(map[int]int),
	}
	if st == nil {
		return summary
	}

	summary.TotalRecords = len(st.Records)
	var waits []float64
	for _, r := range st.Records {
		summary.KindCounts[r.Kind]++
		switch r.Kind {
		case KindTaskCompleted:
			summary.TasksCompleted++
		case KindWaitStarted:
			summary.WaitsPerAgent[r.Agent]++
		case KindWaitEnded:
			waits = append(waits, float64(r.Duration))
			if r.Duration > summary.MaxWait {
				summary.MaxWait = r.Duration
			}
		case KindDeadlockDetected:
			summary.DeadlocksDetected++
		case KindDeadlockResolved:
			summary.DeadlocksResolved++
		}
	}
	summary.Waits = summary.KindCounts[KindWaitStarted]

	if len(waits) > 0 {
		sort.Float64s(waits)
		summary.MeanWait = stat.Mean(waits, nil)
		summary.P50Wait = stat.Quantile(0.5, stat.Empirical, waits, nil)
		summary.P95Wait = stat.Quantile(0.95, stat.Empirical, waits, nil)
	}
	return summary
}
