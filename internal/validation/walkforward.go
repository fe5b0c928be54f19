// Package validation wraps the backtest pipeline with walk-forward and
// Monte Carlo analyses. Folds and draws are independent and run across a
// worker pool; aggregation is order-insensitive.
package validation

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/halcyon-quant/trendbt/internal/simulator"
	"github.com/halcyon-quant/trendbt/internal/workers"
	"github.com/halcyon-quant/trendbt/pkg/types"
)

const tradingDaysPerYear = 252

// Runner executes validation analyses for one configuration and panel. The
// panel is read-only for the duration of any run.
type Runner struct {
	logger *zap.Logger
	cfg    *types.Config
	panel  *types.PricePanel
}

// NewRunner creates a validation runner.
func NewRunner(logger *zap.Logger, cfg *types.Config, panel *types.PricePanel) *Runner {
	return &Runner{logger: logger, cfg: cfg, panel: panel}
}

// Run attaches the enabled analyses to an existing backtest result.
func (r *Runner) Run(ctx context.Context, result *types.BacktestResult) error {
	if r.cfg.Validation.WalkForward.Enabled {
		wf, err := r.WalkForward(ctx)
		if err != nil {
			return err
		}
		result.WalkForwardResult = wf
	}
	if r.cfg.Validation.MonteCarlo.Enabled {
		mc, err := r.MonteCarlo(result.Trades)
		if err != nil {
			return err
		}
		result.MonteCarloResult = mc
	}
	return nil
}

// WalkForward partitions the date range into rolling (train, test) pairs,
// re-runs the whole pipeline on each pair with the train window as warm-up,
// and scores the test window only. A fold too short for the indicator
// warm-up is skipped with a reason, and the analysis completes on the rest.
func (r *Runner) WalkForward(ctx context.Context) (*types.WalkForwardResult, error) {
	wfCfg := r.cfg.Validation.WalkForward
	n := r.panel.Len()

	testLen := int(float64(n) / (wfCfg.TrainTestRatio + float64(wfCfg.Folds)))
	trainLen := int(wfCfg.TrainTestRatio * float64(testLen))
	if testLen < 2 {
		return nil, fmt.Errorf("panel of %d bars too short for %d walk-forward folds", n, wfCfg.Folds)
	}

	folds := make([]types.WalkForwardFold, wfCfg.Folds)

	pool := workers.NewPool(r.logger, &workers.PoolConfig{
		Name:       "walkforward",
		NumWorkers: r.cfg.Validation.Workers,
	})
	pool.Start()

	for k := 0; k < wfCfg.Folds; k++ {
		k := k
		pool.SubmitFunc(func() error {
			folds[k] = r.runFold(ctx, k, k*testLen, trainLen, testLen)
			return nil
		})
	}
	pool.Close()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result := &types.WalkForwardResult{Folds: folds}
	var returns []float64
	positive := 0
	for _, fold := range folds {
		if fold.Skipped {
			continue
		}
		result.ValidFolds++
		ret, _ := fold.Return.Float64()
		returns = append(returns, ret)
		if ret > 0 {
			positive++
		}
	}
	if result.ValidFolds > 0 {
		result.Consistency = decimal.NewFromFloat(float64(positive) / float64(result.ValidFolds))
		result.MedianReturn = decimal.NewFromFloat(median(returns))
	}

	r.logger.Info("walk-forward complete",
		zap.Int("folds", wfCfg.Folds),
		zap.Int("valid", result.ValidFolds),
		zap.String("consistency", result.Consistency.String()),
	)
	return result, nil
}

func (r *Runner) runFold(ctx context.Context, k, start, trainLen, testLen int) types.WalkForwardFold {
	index := r.panel.Index()
	trainEnd := start + trainLen
	testEnd := trainEnd + testLen

	fold := types.WalkForwardFold{Fold: k}
	if testEnd > r.panel.Len() {
		fold.Skipped = true
		fold.SkipReason = "window extends past end of data"
		return fold
	}
	fold.TrainStart = index[start]
	fold.TrainEnd = index[trainEnd-1]
	fold.TestStart = index[trainEnd]
	fold.TestEnd = index[testEnd-1]

	slice, err := r.panel.Slice(start, testEnd)
	if err != nil {
		fold.Skipped = true
		fold.SkipReason = err.Error()
		return fold
	}

	engine, err := simulator.New(r.logger, r.foldConfig(k), slice)
	if err != nil {
		// Typically: train window shorter than the indicator warm-up.
		fold.Skipped = true
		fold.SkipReason = err.Error()
		r.logger.Warn("walk-forward fold skipped", zap.Int("fold", k), zap.Error(err))
		return fold
	}
	if engine.Warmup() > trainLen {
		fold.Skipped = true
		fold.SkipReason = fmt.Sprintf("warm-up %d bars exceeds train window %d", engine.Warmup(), trainLen)
		r.logger.Warn("walk-forward fold skipped", zap.Int("fold", k),
			zap.String("reason", fold.SkipReason))
		return fold
	}

	res, err := engine.Run(ctx)
	if err != nil {
		fold.Skipped = true
		fold.SkipReason = err.Error()
		return fold
	}

	scoreFold(&fold, res)
	return fold
}

// foldConfig clones the run configuration with a per-fold ID.
func (r *Runner) foldConfig(k int) *types.Config {
	cfg := *r.cfg
	cfg.ID = fmt.Sprintf("%s-wf%d", r.cfg.ID, k)
	return &cfg
}

// scoreFold computes return, Sharpe-like ratio, and max drawdown over the
// test window of a fold's equity curve. The train window served as warm-up
// and position build-up; only out-of-sample bars are scored.
func scoreFold(fold *types.WalkForwardFold, res *types.BacktestResult) {
	var window []float64 // test-window equity values
	for _, pt := range res.EquityCurve {
		if pt.Timestamp.Before(fold.TestStart) {
			continue
		}
		eq, _ := pt.Equity.Float64()
		window = append(window, eq)
	}
	if len(window) < 2 {
		fold.Skipped = true
		fold.SkipReason = "test window produced no equity points"
		return
	}

	fold.Return = decimal.NewFromFloat(window[len(window)-1]/window[0] - 1)

	returns := make([]float64, 0, len(window)-1)
	for i := 1; i < len(window); i++ {
		if window[i-1] > 0 {
			returns = append(returns, window[i]/window[i-1]-1)
		}
	}
	if sd := stdDev(returns); sd > 0 {
		fold.Sharpe = decimal.NewFromFloat(mean(returns) / sd * math.Sqrt(tradingDaysPerYear))
	}

	var peak, maxDD float64
	for _, eq := range window {
		if eq > peak {
			peak = eq
		}
		if peak > 0 {
			if dd := (peak - eq) / peak; dd > maxDD {
				maxDD = dd
			}
		}
	}
	fold.MaxDrawdown = decimal.NewFromFloat(maxDD)

	for _, trade := range res.Trades {
		if !trade.ExitDate.Before(fold.TestStart) {
			fold.Trades++
		}
	}
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func stdDev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := mean(xs)
	var sq float64
	for _, x := range xs {
		d := x - m
		sq += d * d
	}
	return math.Sqrt(sq / float64(len(xs)-1))
}

// median returns the middle value of xs, interpolating even lengths.
func median(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sorted := make([]float64, len(xs))
	copy(sorted, xs)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}
