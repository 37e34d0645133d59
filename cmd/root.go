package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/inference-sim/matflow-sim/sim"
	"github.com/inference-sim/matflow-sim/sim/store"
	"github.com/inference-sim/matflow-sim/sim/telemetry"
	"github.com/inference-sim/matflow-sim/sim/trace"
)

var (
	scenarioPaths     []string // Scenario YAML files to run
	simulationHorizon int64    // Overrides every scenario's horizon when > 0
	logLevel          string   // Log verbosity level
	traceLevel        string   // Overrides every scenario's trace level when set
	dbPath            string   // SQLite ledger path (empty = none)
	metricsOut        string   // Prometheus text file path (empty = none)
	resultsDir        string   // Directory for per-scenario JSON metrics (empty = none)
	parallelism       int      // Scenarios run at the same time
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "matflow-sim",
	Short: "Time-stepped material-flow simulator",
}

// runOptions carries everything one invocation of `run` needs.
type runOptions struct {
	Scenarios  []string
	Horizon    int64
	Trace      trace.TraceLevel
	DBPath     string
	MetricsOut string
	ResultsDir string
	Parallel   int
}

// runResult is what one scenario produced.
type runResult struct {
	Path    string
	RunID   string
	Metrics *sim.Metrics
	Summary *trace.TraceSummary
}

// runCmd executes every scenario given on the command line
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one or more simulation scenarios",
	Run: func(cmd *cobra.Command, args []string) {
		// Set up logging
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			logrus.Fatalf("Invalid log level: %s", logLevel)
		}
		logrus.SetLevel(level)

		if len(scenarioPaths) == 0 {
			logrus.Fatalf("No scenario provided. Use --scenario <file.yaml>.")
		}
		if !trace.IsValidTraceLevel(traceLevel) {
			logrus.Fatalf("Invalid trace level: %s", traceLevel)
		}

		startTime := time.Now()
		results, err := runScenarios(cmd.Context(), runOptions{
			Scenarios:  scenarioPaths,
			Horizon:    simulationHorizon,
			Trace:      trace.TraceLevel(traceLevel),
			DBPath:     dbPath,
			MetricsOut: metricsOut,
			ResultsDir: resultsDir,
			Parallel:   parallelism,
		})
		if err != nil {
			logrus.Fatalf("Simulation failed: %v", err)
		}
		for _, res := range results {
			res.Metrics.Print(res.Path)
		}
		logrus.Infof("Simulation complete: %d scenario(s) in %s", len(results), time.Since(startTime))
	},
}

// runScenarios runs every scenario, at most opts.Parallel at a time, and
// returns their results in input order. The first failure cancels the rest.
func runScenarios(ctx context.Context, opts runOptions) ([]runResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var ledger *store.Store
	if opts.DBPath != "" {
		var err error
		if ledger, err = store.NewStore(opts.DBPath); err != nil {
			return nil, err
		}
		defer func() { _ = ledger.Close() }()
	}
	var collector *telemetry.Collector
	if opts.MetricsOut != "" {
		collector = telemetry.NewCollector("matflow")
	}
	if opts.ResultsDir != "" {
		if err := os.MkdirAll(opts.ResultsDir, 0o750); err != nil {
			return nil, fmt.Errorf("create results dir: %w", err)
		}
	}

	results := make([]runResult, len(opts.Scenarios))
	var mu sync.Mutex
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(max(1, opts.Parallel))
	for i, path := range opts.Scenarios {
		i, path := i, path
		eg.Go(func() error {
			res, err := runScenario(egCtx, path, opts, ledger, collector)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			mu.Lock()
			results[i] = res
			mu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	if collector != nil {
		if err := collector.WriteToTextfile(opts.MetricsOut); err != nil {
			return nil, err
		}
	}
	return results, nil
}

// runScenario loads, builds and runs one scenario, then persists its outputs.
func runScenario(ctx context.Context, path string, opts runOptions,
	ledger *store.Store, collector *telemetry.Collector) (runResult, error) {
	sc, err := LoadScenario(path)
	if err != nil {
		return runResult{}, err
	}
	level := opts.Trace
	if level == "" {
		level = trace.TraceLevel(sc.Trace)
	}
	if ledger != nil && (level == "" || level == trace.TraceLevelNone) {
		logrus.Infof("%s: recording trades for the ledger", path)
		level = trace.TraceLevelTrades
	}
	s, err := sc.Build(opts.Horizon, level)
	if err != nil {
		return runResult{}, err
	}
	name := scenarioName(path)
	if collector != nil {
		s.Observer = collector.Observer(name)
	}
	if ledger != nil {
		s.Snapshots = ledger
		if err := ledger.BeginRun(ctx, s.RunID, path, s.Horizon); err != nil {
			return runResult{}, err
		}
	}

	if err := s.Run(ctx); err != nil {
		return runResult{}, err
	}

	if ledger != nil {
		if err := ledger.RecordTrades(ctx, s.RunID, s.Trace.Trades); err != nil {
			return runResult{}, err
		}
	}
	if opts.ResultsDir != "" {
		if err := s.Metrics.SaveResults(filepath.Join(opts.ResultsDir, name+".json")); err != nil {
			return runResult{}, err
		}
	}
	return runResult{Path: path, RunID: s.RunID, Metrics: s.Metrics, Summary: trace.Summarize(s.Trace)}, nil
}

func scenarioName(path string) string {
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}

// Execute runs the CLI root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// init sets up CLI flags and subcommands
func init() {
	runCmd.Flags().StringArrayVar(&scenarioPaths, "scenario", nil, "Scenario YAML file (repeatable)")
	runCmd.Flags().Int64Var(&simulationHorizon, "horizon", 0, "Simulation horizon in steps (0 = use each scenario's)")
	runCmd.Flags().StringVar(&logLevel, "log", "error", "Log level (trace, debug, info, warn, error, fatal, panic)")
	runCmd.Flags().StringVar(&traceLevel, "trace", "", "Trace level (none, trades, events); empty uses each scenario's")
	runCmd.Flags().StringVar(&dbPath, "db", "", "SQLite file for the trade ledger and snapshots")
	runCmd.Flags().StringVar(&metricsOut, "metrics-out", "", "Write Prometheus metrics to this file")
	runCmd.Flags().StringVar(&resultsDir, "results-dir", "", "Write per-scenario JSON metrics to this directory")
	runCmd.Flags().IntVar(&parallelism, "parallel", 1, "Number of scenarios run concurrently")

	// Attach `run` as a subcommand to `root`
	rootCmd.AddCommand(runCmd)
}
