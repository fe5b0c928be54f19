package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/halcyon-quant/trendbt/internal/config"
	"github.com/halcyon-quant/trendbt/internal/simulator"
	"github.com/halcyon-quant/trendbt/internal/validation"
	"github.com/halcyon-quant/trendbt/pkg/types"
)

func newValidateCommand() *cobra.Command {
	var (
		configPath string
		dataDir    string
		sampleBars int
		sampleSeed int64
		folds      int
		draws      int
	)

	cmd := &cobra.Command{
		Use:   "validate-strategy",
		Short: "Run walk-forward and Monte Carlo validation for a strategy config",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(logLevel)
			defer logger.Sync()

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			// Validation is the point of this command, so force both
			// analyses on regardless of the config file.
			cfg.Validation.WalkForward.Enabled = true
			cfg.Validation.MonteCarlo.Enabled = true
			if folds > 0 {
				cfg.Validation.WalkForward.Folds = folds
			}
			if draws > 0 {
				cfg.Validation.MonteCarlo.Draws = draws
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}

			panel, err := buildPanel(logger, cfg, dataDir, sampleBars, sampleSeed)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			engine, err := simulator.New(logger, cfg, panel)
			if err != nil {
				return err
			}
			result, err := engine.Run(ctx)
			if err != nil {
				return err
			}

			runner := validation.NewRunner(logger, cfg, panel)
			if err := runner.Run(ctx, result); err != nil {
				return err
			}

			printValidation(result)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to YAML config")
	cmd.Flags().StringVarP(&dataDir, "data", "d", "", "Directory of per-symbol CSV files")
	cmd.Flags().IntVar(&sampleBars, "sample-bars", 0, "Generate a synthetic panel with this many bars instead of loading CSVs")
	cmd.Flags().Int64Var(&sampleSeed, "sample-seed", 1, "Seed for synthetic panel generation")
	cmd.Flags().IntVar(&folds, "folds", 0, "Override the configured walk-forward fold count")
	cmd.Flags().IntVar(&draws, "draws", 0, "Override the configured Monte Carlo draw count")
	return cmd
}

func printValidation(result *types.BacktestResult) {
	fmt.Printf("\nValidation for %s\n", result.ID)

	if wf := result.WalkForwardResult; wf != nil {
		fmt.Printf("  Walk-forward: %d/%d valid folds, consistency %s, median return %s\n",
			wf.ValidFolds, len(wf.Folds), wf.Consistency.StringFixed(2), wf.MedianReturn.StringFixed(4))
		for _, fold := range wf.Folds {
			if fold.Skipped {
				fmt.Printf("    fold %d skipped: %s\n", fold.Fold, fold.SkipReason)
				continue
			}
			fmt.Printf("    fold %d: return %s, sharpe %s, max drawdown %s, %d trades\n",
				fold.Fold, fold.Return.StringFixed(4), fold.Sharpe.StringFixed(2),
				fold.MaxDrawdown.StringFixed(4), fold.Trades)
		}
	}
	if mc := result.MonteCarloResult; mc != nil {
		fmt.Printf("  Monte Carlo (%d draws, seed %d):\n", mc.Draws, mc.Seed)
		fmt.Printf("    return p5 %s, median %s, p95 %s\n",
			mc.P5Return.StringFixed(4), mc.MedianReturn.StringFixed(4), mc.P95Return.StringFixed(4))
		fmt.Printf("    max drawdown p95 %s, P(loss) %s\n",
			mc.MaxDrawdownP95.StringFixed(4), mc.ProbabilityLoss.StringFixed(2))
	}
	fmt.Println()
}
