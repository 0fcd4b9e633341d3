// Package sweep runs one scenario under many seeds concurrently. Each run owns
// its simulator, so runs share no mutable state.
package sweep

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"

	"github.com/inference-sim/fleetsim/sim"
	"github.com/inference-sim/fleetsim/sim/trace"
)

const tracerName = "github.com/inference-sim/fleetsim/sim/sweep"

// Factory builds the simulator for one seed. collector must be passed to
// sim.NewSimulator so the sweep can summarize the run.
type Factory func(seed int64, collector sim.MetricsCollector) (*sim.Simulator, error)

// Options controls a sweep.
type Options struct {
	Seeds    []int64
	Parallel int // concurrent runs; ≤0 runs one at a time
	Tracer   oteltrace.Tracer
}

// RunResult is the outcome of one seed. Err holds a failed build or an
// aborted run; Result is nil only when the simulator could not be built.
type RunResult struct {
	ID      uuid.UUID
	Seed    int64
	Result  *sim.Result
	Summary *trace.TraceSummary
	Err     error
}

// Stat is a mean and sample standard deviation over successful runs.
type Stat struct {
	Mean, StdDev float64
}

// Report aggregates a sweep. Runs are in Options.Seeds order.
type Report struct {
	ID        uuid.UUID
	Runs      []RunResult
	Failed    int
	Completed Stat // tasks completed per run
	EndTime   Stat
	MeanWait  Stat
	Deadlocks Stat // deadlocks resolved per run
}

// RunID derives a stable run id from the sweep id and seed.
func RunID(sweep uuid.UUID, seed int64) uuid.UUID {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(seed))
	return uuid.NewSHA1(sweep, b[:])
}

// Run executes factory once per seed with at most opts.Parallel runs in
// flight. Failed runs are reported, not returned; Run returns an error only
// when ctx is cancelled.
func Run(ctx context.Context, factory Factory, opts Options) (*Report, error) {
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	parallel := opts.Parallel
	if parallel <= 0 {
		parallel = 1
	}
	report := &Report{ID: uuid.New(), Runs: make([]RunResult, len(opts.Seeds))}

	// Wait always cancels gctx, so cancellation is judged on the caller's ctx.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)
	for i, seed := range opts.Seeds {
		if gctx.Err() != nil {
			break
		}
		i, seed := i, seed
		g.Go(func() error {
			rr, err := runOne(gctx, tracer, factory, RunID(report.ID, seed), seed)
			report.Runs[i] = rr
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}
	if err := ctx.Err(); err != nil {
		return report, err
	}
	report.aggregate()
	logrus.Infof("[sweep %s] %d runs, %d failed", report.ID, len(report.Runs), report.Failed)
	return report, nil
}

func runOne(ctx context.Context, tracer oteltrace.Tracer, factory Factory, id uuid.UUID, seed int64) (RunResult, error) {
	rr := RunResult{ID: id, Seed: seed}
	ctx, span := tracer.Start(ctx, "fleetsim.run", oteltrace.WithAttributes(
		attribute.String("fleetsim.run_id", id.String()),
		attribute.Int64("fleetsim.seed", seed),
	))
	defer span.End()

	st := trace.NewSimulationTrace(trace.TraceConfig{Level: trace.TraceLevelLifecycle})
	s, err := factory(seed, st)
	if err != nil {
		rr.Err = fmt.Errorf("seed %d: %w", seed, err)
		span.RecordError(rr.Err)
		span.SetStatus(codes.Error, "build failed")
		return rr, nil
	}
	res, err := s.Run(ctx)
	rr.Result = res
	rr.Summary = trace.Summarize(st)
	if ctxErr := ctx.Err(); ctxErr != nil {
		span.SetStatus(codes.Error, "cancelled")
		return rr, ctxErr
	}
	if err != nil {
		rr.Err = fmt.Errorf("seed %d: %w", seed, err)
		span.RecordError(rr.Err)
		span.SetStatus(codes.Error, "run aborted")
		logrus.Warnf("[run %s] seed %d aborted: %v", id, seed, err)
	}
	if res != nil {
		span.SetAttributes(
			attribute.Int64("fleetsim.end_time", res.EndTime),
			attribute.Int("fleetsim.events", res.EventsProcessed),
			attribute.Int("fleetsim.tasks_completed", res.Metrics.TasksCompleted),
			attribute.Int("fleetsim.deadlocks_resolved", res.Metrics.DeadlocksResolved),
			attribute.Int("fleetsim.stalled", len(res.Stalled)),
		)
		logrus.Debugf("[run %s] seed %d: %d tasks completed by tick %d", id, seed, res.Metrics.TasksCompleted, res.EndTime)
	}
	return rr, nil
}

func (r *Report) aggregate() {
	var completed, endTime, wait, deadlocks []float64
	for _, rr := range r.Runs {
		if rr.Err != nil || rr.Result == nil {
			r.Failed++
			continue
		}
		completed = append(completed, float64(rr.Result.Metrics.TasksCompleted))
		endTime = append(endTime, float64(rr.Result.EndTime))
		deadlocks = append(deadlocks, float64(rr.Result.Metrics.DeadlocksResolved))
		wait = append(wait, rr.Summary.MeanWait)
	}
	r.Completed = meanStd(completed)
	r.EndTime = meanStd(endTime)
	r.MeanWait = meanStd(wait)
	r.Deadlocks = meanStd(deadlocks)
}

func meanStd(xs []float64) Stat {
	switch len(xs) {
	case 0:
		return Stat{}
	case 1:
		return Stat{Mean: xs[0]}
	}
	mean, std := stat.MeanStdDev(xs, nil)
	return Stat{Mean: mean, StdDev: std}
}

// Print writes a per-seed table followed by the aggregate.
func (r *Report) Print(w io.Writer) {
	fmt.Fprintf(w, "=== Sweep %s ===\n", r.ID)
	fmt.Fprintf(w, "%-12s %-10s %-10s %-10s %s\n", "seed", "completed", "end", "deadlocks", "status")
	for _, rr := range r.Runs {
		status := "ok"
		if rr.Err != nil {
			status = rr.Err.Error()
		}
		if rr.Result == nil {
			fmt.Fprintf(w, "%-12d %-10s %-10s %-10s %s\n", rr.Seed, "-", "-", "-", status)
			continue
		}
		fmt.Fprintf(w, "%-12d %-10d %-10d %-10d %s\n", rr.Seed, rr.Result.Metrics.TasksCompleted,
			rr.Result.EndTime, rr.Result.Metrics.DeadlocksResolved, status)
	}
	fmt.Fprintf(w, "Runs                 : %d (%d failed)\n", len(r.Runs), r.Failed)
	fmt.Fprintf(w, "Tasks Completed      : %.2f ± %.2f\n", r.Completed.Mean, r.Completed.StdDev)
	fmt.Fprintf(w, "End Time             : %.2f ± %.2f\n", r.EndTime.Mean, r.EndTime.StdDev)
	fmt.Fprintf(w, "Mean Wait            : %.2f ± %.2f\n", r.MeanWait.Mean, r.MeanWait.StdDev)
	fmt.Fprintf(w, "Deadlocks Resolved   : %.2f ± %.2f\n", r.Deadlocks.Mean, r.Deadlocks.StdDev)
}
