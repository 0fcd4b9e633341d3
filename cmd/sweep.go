package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/inference-sim/fleetsim/sim"
	"github.com/inference-sim/fleetsim/sim/sweep"
)

var (
	sweepSeeds    []int64 // Seeds to run
	sweepParallel int     // Concurrent runs
)

// sweepCmd runs one scenario under many seeds
var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run a scenario under several seeds concurrently",
	Run: func(cmd *cobra.Command, args []string) {
		setLogLevel()

		opts := runOptions{
			ScenarioPath:    scenarioPath,
			PolicyPath:      policyPath,
			CheckInvariants: checkInvariants,
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

		if err := runSweep(ctx, opts, sweepSeeds, sweepParallel, os.Stdout); err != nil {
			logrus.Errorf("Sweep failed: %v", err)
			shutdownWithTimeout(ctx, shutdown)
			os.Exit(1)
		}
	},
}

// runSweep runs the scenario once per seed and prints the sweep report.
// Individual aborted runs are part of the report, not an error.
func runSweep(ctx context.Context, opts runOptions, seeds []int64, parallel int, out io.Writer) error {
	if len(seeds) == 0 {
		return fmt.Errorf("--seeds needs at least one seed")
	}
	s, cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	factory := func(seed int64, collector sim.MetricsCollector) (*sim.Simulator, error) {
		runCfg := cfg
		runCfg.Seed = seed
		in, err := s.Build(runCfg)
		if err != nil {
			return nil, err
		}
		return in.NewSimulator(collector)
	}
	report, err := sweep.Run(ctx, factory, sweep.Options{Seeds: seeds, Parallel: parallel})
	if err != nil {
		return err
	}
	report.Print(out)
	return nil
}

func init() {
	sweepCmd.Flags().StringVar(&scenarioPath, "scenario", "", "Scenario YAML file")
	sweepCmd.Flags().StringVar(&policyPath, "policy", "", "Policy bundle YAML applied over the scenario's policy")
	sweepCmd.Flags().Int64Var(&horizon, "horizon", 0, "Simulation horizon in ticks (default: scenario horizon)")
	sweepCmd.Flags().BoolVar(&checkInvariants, "check-invariants", false, "Verify occupancy and queue invariants after every event")
	sweepCmd.Flags().Int64SliceVar(&sweepSeeds, "seeds", []int64{1, 2, 3, 4}, "Comma-separated seeds, one run each")
	sweepCmd.Flags().IntVar(&sweepParallel, "parallel", 4, "Maximum number of runs in flight")
}
