package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/asyncre-project/asyncre/sched"
	"github.com/asyncre-project/asyncre/sched/harmonic"
	"github.com/asyncre-project/asyncre/sched/localexec"
)

var (
	logLevel    string // Log verbosity level
	metricsAddr string // Optional Prometheus /metrics listen address
	seed        int64  // Master seed for launch shuffles and exchange sampling
	verbose     bool   // Per-launch and per-exchange timing logs
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "asyncre",
	Short: "Asynchronous replica-exchange job scheduler",
}

// runCmd runs the scheduler with the harmonic demo engine on the local
// execution backend, configured by a YAML command file.
var runCmd = &cobra.Command{
	Use:   "run <command-file>",
	Short: "Run the replica-exchange scheduler",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			logrus.Fatalf("Invalid log level: %s", logLevel)
		}
		logrus.SetLevel(level)

		cfg, err := sched.LoadConfig(args[0])
		if err != nil {
			logrus.Fatalf("%v", err)
		}
		if cmd.Flags().Changed("seed") {
			cfg.Seed = seed
		}
		if cmd.Flags().Changed("verbose") {
			cfg.Verbose = verbose
		}
		cfg.ApplyDefaults()
		if err := cfg.Validate(); err != nil {
			logrus.Fatalf("%v", err)
		}

		opts, err := harmonic.LoadOptions(args[0])
		if err != nil {
			logrus.Fatalf("%v", err)
		}

		if metricsAddr != "" {
			serveMetrics(metricsAddr)
		}

		logrus.Infof("starting %s: %d replicas, %d cores (%d per subjob), wall time %.0f min",
			cfg.Basename, cfg.NReplicas, cfg.TotalCores, cfg.SubjobCores, cfg.WallTime)
		startTime := time.Now()

		backend := localexec.New()
		metrics := sched.NewMetrics(prometheus.DefaultRegisterer)
		store := sched.NewStatusStore(cfg, metrics)
		rng := sched.NewPartitionedRNG(cfg.Seed)
		engine := harmonic.New(cfg, opts, backend, store, rng.ForSubsystem(sched.SubsystemEngine))
		scheduler := sched.NewScheduler(cfg, store, engine, backend, metrics)

		if err := scheduler.Setup(); err != nil {
			logrus.Fatalf("%v", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if err := scheduler.Run(ctx); err != nil && ctx.Err() == nil {
			logrus.Fatalf("%v", err)
		}

		logrus.Infof("total run time: %v", time.Since(startTime))
	},
}

// Execute runs the CLI root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// init sets up CLI flags and subcommands
func init() {
	runCmd.Flags().StringVar(&logLevel, "log", "info", "Log level (trace, debug, info, warn, error, fatal, panic)")
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Listen address for Prometheus /metrics (empty disables)")
	runCmd.Flags().Int64Var(&seed, "seed", 42, "Master seed for launch shuffles and exchange sampling")
	runCmd.Flags().BoolVar(&verbose, "verbose", false, "Log per-launch and per-exchange timing")

	rootCmd.AddCommand(runCmd)
}
