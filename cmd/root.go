package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/inference-sim/fleetsim/sim"
	"github.com/inference-sim/fleetsim/sim/observe"
	"github.com/inference-sim/fleetsim/sim/scenario"
	"github.com/inference-sim/fleetsim/sim/trace"
)

var (
	scenarioPath    string // Scenario YAML
	policyPath      string // Optional policy bundle YAML, applied over the scenario's
	seed            int64  // Overrides the scenario seed when set
	horizon         int64  // Overrides the scenario horizon when set (ticks)
	logLevel        string // Log verbosity level
	traceOut        string // Lifecycle trace output file
	traceLevel      string // Trace verbosity: none, lifecycle, all
	metricsOut      string // Prometheus textfile output
	otelEnabled     bool   // Export an OpenTelemetry span per run to stdout
	checkInvariants bool   // Verify invariants after every event
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "fleetsim",
	Short: "Discrete-event simulator for multi-agent resource coordination",
}

// runOptions is the resolved flag set of one run. Nil pointers leave the
// scenario's value in place.
type runOptions struct {
	ScenarioPath    string
	PolicyPath      string
	Seed            *int64
	Horizon         *int64
	CheckInvariants bool
	TraceOut        string
	TraceLevel      string
	MetricsOut      string
}

// runCmd executes one simulation of a scenario
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a scenario once",
	Run: func(cmd *cobra.Command, args []string) {
		setLogLevel()

		opts := runOptions{
			ScenarioPath:    scenarioPath,
			PolicyPath:      policyPath,
			CheckInvariants: checkInvariants,
			TraceOut:        traceOut,
			TraceLevel:      traceLevel,
			MetricsOut:      metricsOut,
		}
		if cmd.Flags().Changed("seed") {
			opts.Seed = &seed
		}
		if cmd.Flags().Changed("horizon") {
			opts.Horizon = &horizon
		}

		ctx := cmd.Context()
		shutdown, err := initTracing(ctx, otelEnabled, os.Stdout)
		if err != nil {
			logrus.Fatalf("Tracing setup failed: %v", err)
		}
		defer shutdownWithTimeout(ctx, shutdown)

		startTime := time.Now()
		if err := runScenario(ctx, opts, os.Stdout); err != nil {
			logrus.Errorf("Simulation failed: %v", err)
			shutdownWithTimeout(ctx, shutdown)
			os.Exit(1)
		}
		logrus.Infof("Simulation complete in %v.", time.Since(startTime))
	},
}

func setLogLevel() {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		logrus.Fatalf("Invalid log level: %s", logLevel)
	}
	logrus.SetLevel(level)
}

// loadConfig loads the scenario and resolves its configuration: scenario
// settings, then the policy file, then flag overrides.
func loadConfig(opts runOptions) (*scenario.Scenario, sim.Config, error) {
	if opts.ScenarioPath == "" {
		return nil, sim.Config{}, fmt.Errorf("--scenario is required")
	}
	s, err := scenario.Load(opts.ScenarioPath)
	if err != nil {
		return nil, sim.Config{}, err
	}
	cfg := s.Config()
	if opts.PolicyPath != "" {
		bundle, err := sim.LoadPolicyBundle(opts.PolicyPath)
		if err != nil {
			return nil, sim.Config{}, err
		}
		if err := bundle.Validate(); err != nil {
			return nil, sim.Config{}, fmt.Errorf("policy %s: %w", opts.PolicyPath, err)
		}
		bundle.ApplyTo(&cfg)
	}
	if opts.Seed != nil {
		cfg.Seed = *opts.Seed
	}
	if opts.Horizon != nil {
		cfg.Horizon = *opts.Horizon
	}
	if opts.CheckInvariants {
		cfg.CheckInvariants = true
	}
	return s, cfg, nil
}

// runScenario runs one scenario and writes the metrics report to out. The
// report and the optional trace and metrics files are written also when the
// run aborts, so a stalled fleet can be inspected.
func runScenario(ctx context.Context, opts runOptions, out io.Writer) error {
	s, cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	in, err := s.Build(cfg)
	if err != nil {
		return err
	}

	level := trace.TraceLevel(opts.TraceLevel)
	if !trace.IsValidTraceLevel(opts.TraceLevel) {
		return fmt.Errorf("unknown trace level %q", opts.TraceLevel)
	}
	if level == "" {
		level = trace.TraceLevelLifecycle
	}
	st := trace.NewSimulationTrace(trace.TraceConfig{Level: level})
	collectors := sim.MultiCollector{st}

	var prom *observe.Collector
	if opts.MetricsOut != "" {
		prom, err = observe.NewCollector(prometheus.NewRegistry())
		if err != nil {
			return err
		}
		collectors = append(collectors, prom)
	}

	logrus.Infof("Starting simulation: %d nodes, %d agents, %d tasks, seed=%d, strategy=%s",
		in.Topology.NumNodes(), len(in.Agents), len(in.Tasks), cfg.Seed, cfg.Resolver.Strategy)

	ctx, span := otel.Tracer("github.com/inference-sim/fleetsim/cmd").Start(ctx, "fleetsim.run",
		oteltrace.WithAttributes(
			attribute.String("fleetsim.scenario", opts.ScenarioPath),
			attribute.Int64("fleetsim.seed", cfg.Seed),
		))
	defer span.End()

	sm, err := in.NewSimulator(collectors)
	if err != nil {
		return err
	}
	res, runErr := sm.Run(ctx)
	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, "run aborted")
	}
	span.SetAttributes(
		attribute.Int64("fleetsim.end_time", res.EndTime),
		attribute.Int("fleetsim.tasks_completed", res.Metrics.TasksCompleted),
		attribute.Int("fleetsim.deadlocks_resolved", res.Metrics.DeadlocksResolved),
	)

	res.Metrics.Print(out, res.EndTime)
	printSummary(out, trace.Summarize(st), res)

	if opts.TraceOut != "" {
		if err := writeTrace(opts.TraceOut, st); err != nil {
			return err
		}
	}
	if prom != nil {
		if err := prom.WriteTextfile(opts.MetricsOut); err != nil {
			return err
		}
	}
	return runErr
}

func printSummary(out io.Writer, summary *trace.TraceSummary, res *sim.Result) {
	fmt.Fprintf(out, "Mean Wait            : %.2f ticks (p50 %.0f, p95 %.0f, max %d)\n",
		summary.MeanWait, summary.P50Wait, summary.P95Wait, summary.MaxWait)
	for _, a := range res.Agents {
		fmt.Fprintf(out, "  agent %-3d %-10s node=%-4d tasks=%-4d waits=%-4d yields=%-3d distance=%.1f\n",
			a.ID, a.State, a.Location, a.TasksCompleted, a.Waits, a.Yields, a.Distance)
	}
	if len(res.Stalled) > 0 {
		fmt.Fprintf(out, "Stalled Agents       : %v\n", res.Stalled)
	}
}

func writeTrace(path string, st *trace.SimulationTrace) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating trace file: %w", err)
	}
	if _, err := st.WriteTo(f); err != nil {
		_ = f.Close()
		return fmt.Errorf("writing trace: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing trace file: %w", err)
	}
	logrus.Infof("Wrote %d trace records to %s", len(st.Records), path)
	return nil
}

// Execute runs the CLI root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// init sets up CLI flags and subcommands
func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log", "error", "Log level (trace, debug, info, warn, error, fatal, panic)")
	rootCmd.PersistentFlags().BoolVar(&otelEnabled, "otel", false, "Export one OpenTelemetry span per run to stdout")

	runCmd.Flags().StringVar(&scenarioPath, "scenario", "", "Scenario YAML file")
	runCmd.Flags().StringVar(&policyPath, "policy", "", "Policy bundle YAML applied over the scenario's policy")
	runCmd.Flags().Int64Var(&seed, "seed", 0, "Seed for random placement, generated tasks and the random backoff selector (default: scenario seed)")
	runCmd.Flags().Int64Var(&horizon, "horizon", 0, "Simulation horizon in ticks; 0 runs until the event queue drains (default: scenario horizon)")
	runCmd.Flags().StringVar(&traceOut, "trace-out", "", "Write the lifecycle trace to this file")
	runCmd.Flags().StringVar(&traceLevel, "trace-level", "lifecycle", "Trace verbosity: none, lifecycle, all")
	runCmd.Flags().StringVar(&metricsOut, "metrics-out", "", "Write Prometheus metrics in text format to this file")
	runCmd.Flags().BoolVar(&checkInvariants, "check-invariants", false, "Verify occupancy and queue invariants after every event")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(sweepCmd)
}
