package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/halcyon-quant/trendbt/internal/config"
	"github.com/halcyon-quant/trendbt/internal/data"
	"github.com/halcyon-quant/trendbt/internal/simulator"
	"github.com/halcyon-quant/trendbt/internal/store"
	"github.com/halcyon-quant/trendbt/internal/validation"
	"github.com/halcyon-quant/trendbt/pkg/types"
)

func newRunCommand() *cobra.Command {
	var (
		configPath string
		dataDir    string
		sampleBars int
		sampleSeed int64
		outputPath string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a backtest with the configured validation analyses",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(logLevel)
			defer logger.Sync()

			cfg, err := config.Load(configPath)
			if err != nil {
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

			if cfg.Validation.WalkForward.Enabled || cfg.Validation.MonteCarlo.Enabled {
				runner := validation.NewRunner(logger, cfg, panel)
				if err := runner.Run(ctx, result); err != nil {
					return err
				}
			}

			if cfg.Store.DSN != "" {
				st, err := store.Open(logger, cfg.Store.DSN)
				if err != nil {
					return err
				}
				defer st.Close()
				if err := st.SaveResult(result); err != nil {
					return err
				}
				logger.Info("run persisted", zap.String("id", result.ID))
			}

			printSummary(result)

			if outputPath != "" {
				encoded, err := json.MarshalIndent(result, "", "  ")
				if err != nil {
					return fmt.Errorf("failed to encode result: %w", err)
				}
				if err := os.WriteFile(outputPath, encoded, 0o644); err != nil {
					return fmt.Errorf("failed to write result: %w", err)
				}
				logger.Info("result written", zap.String("path", outputPath))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to YAML config")
	cmd.Flags().StringVarP(&dataDir, "data", "d", "", "Directory of per-symbol CSV files")
	cmd.Flags().IntVar(&sampleBars, "sample-bars", 0, "Generate a synthetic panel with this many bars instead of loading CSVs")
	cmd.Flags().Int64Var(&sampleSeed, "sample-seed", 1, "Seed for synthetic panel generation")
	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "Write the full result JSON to this file")
	return cmd
}

// buildPanel loads CSV history, or generates a synthetic panel when
// --sample-bars is set.
func buildPanel(logger *zap.Logger, cfg *types.Config, dataDir string, sampleBars int, sampleSeed int64) (*types.PricePanel, error) {
	symbols := runSymbols(cfg)

	if sampleBars > 0 {
		return data.GeneratePanel(data.SampleSpec{
			Symbols: symbols,
			Bars:    sampleBars,
			Seed:    sampleSeed,
		})
	}
	if dataDir == "" {
		return nil, fmt.Errorf("either --data or --sample-bars is required")
	}
	return data.NewLoader(logger, dataDir).LoadPanel(symbols)
}

// runSymbols returns the sorted union of all symbols a config references.
func runSymbols(cfg *types.Config) []string {
	set := make(map[string]struct{})
	for _, sym := range cfg.Universe {
		set[sym] = struct{}{}
	}
	set[cfg.Benchmark] = struct{}{}
	set[cfg.SafeHaven] = struct{}{}
	for sym := range cfg.Allocation.CoreAssets {
		set[sym] = struct{}{}
	}

	symbols := make([]string, 0, len(set))
	for sym := range set {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)
	return symbols
}

func printSummary(result *types.BacktestResult) {
	m := result.Metrics
	fmt.Printf("\nRun %s\n", result.ID)
	fmt.Printf("  Total return:      %s\n", m.TotalReturn.StringFixed(4))
	fmt.Printf("  Annualized return: %s\n", m.AnnualizedReturn.StringFixed(4))
	fmt.Printf("  Sharpe:            %s\n", m.SharpeRatio.StringFixed(2))
	fmt.Printf("  Sortino:           %s\n", m.SortinoRatio.StringFixed(2))
	fmt.Printf("  Max drawdown:      %s\n", m.MaxDrawdown.StringFixed(4))
	fmt.Printf("  Trades:            %d (win rate %s)\n", m.TotalTrades, m.WinRate.StringFixed(2))
	fmt.Printf("  Rebalances:        %d\n", result.Rebalances)

	if wf := result.WalkForwardResult; wf != nil {
		fmt.Printf("  Walk-forward:      %d/%d valid folds, consistency %s, median return %s\n",
			wf.ValidFolds, len(wf.Folds), wf.Consistency.StringFixed(2), wf.MedianReturn.StringFixed(4))
	}
	if mc := result.MonteCarloResult; mc != nil {
		fmt.Printf("  Monte Carlo:       median %s, p5 %s, p95 %s, P(loss) %s\n",
			mc.MedianReturn.StringFixed(4), mc.P5Return.StringFixed(4),
			mc.P95Return.StringFixed(4), mc.ProbabilityLoss.StringFixed(2))
	}
	for _, warning := range result.Warnings {
		fmt.Printf("  WARNING: %s\n", warning)
	}
	fmt.Println()
}
