package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"microsolve/internal/config"
	"microsolve/internal/oracle"
	"microsolve/internal/pipeline"
	"microsolve/internal/scheduler"
	"microsolve/internal/state"
)

var (
	verbose    bool
	configPath string

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "msolve [problem text]",
	Short: "msolve - anytime micro-solver for short math problems",
	Long: `msolve runs a problem statement through a recognition/reasoning/calculation
pipeline and an anytime operator scheduler. It always terminates with its best
available answer and a certificate stating how far it got.`,
	Args: cobra.MinimumNArgs(1),
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg = zap.NewDevelopmentConfig()
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: runSolve,
}

func runSolve(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	timeout, err := cfg.OracleTimeout()
	if err != nil {
		return err
	}
	client := oracle.NewGeminiClientWithConfig(oracle.GeminiConfig{
		APIKey:  cfg.Oracle.APIKey,
		BaseURL: cfg.Oracle.BaseURL,
		Model:   cfg.Oracle.Model,
		Timeout: timeout,
	})

	sched := scheduler.NewDefault(logger)
	sched.MaxIters = cfg.Solver.MaxIters

	steps := pipeline.DefaultSteps(client, sched)
	runner := pipeline.NewRunner(steps, client, logger)
	runner.QAMaxRetries = cfg.Solver.QAMaxRetries

	st := state.New(strings.Join(args, " "))
	st.M.VerificationPolicy = state.Policy(cfg.Solver.VerificationPolicy)

	out := runner.Run(context.Background(), st)

	// A terminal pipeline error is the only failing outcome. Anything else
	// prints the best available result and exits 0.
	if final, ok := out.Final(); ok {
		fmt.Println(final)
		return nil
	}
	if out.Error != "" {
		return fmt.Errorf("error: %s", out.Error)
	}

	a := out.Answers()
	if len(a.Candidates) > 0 {
		last := a.Candidates[len(a.Candidates)-1]
		if verbose {
			fmt.Printf("candidate-only (unverified): %s\n", last)
		} else {
			fmt.Println(last)
		}
		return nil
	}
	if a.Explanation != "" {
		fmt.Println(a.Explanation)
	} else {
		fmt.Println("No final answer; no candidate extracted. Use --verbose for details.")
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable step-by-step progress logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "msolve.yaml", "path to configuration file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
