package validation

import (
	"fmt"
	"math/rand"
	"sort"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/halcyon-quant/trendbt/internal/workers"
	"github.com/halcyon-quant/trendbt/pkg/types"
)

// MonteCarlo resamples the realized trade sequence with replacement and
// replays each synthetic sequence from the initial capital. The draw RNG is
// seeded with seed+draw, so results are identical however the draws are
// scheduled across workers.
func (r *Runner) MonteCarlo(trades []types.Trade) (*types.MonteCarloResult, error) {
	mcCfg := r.cfg.Validation.MonteCarlo
	if len(trades) == 0 {
		return nil, fmt.Errorf("monte carlo requires at least one closed trade")
	}

	pnls := make([]float64, len(trades))
	for i, trade := range trades {
		pnls[i], _ = trade.PnL.Float64()
	}

	returns := make([]float64, mcCfg.Draws)
	drawdowns := make([]float64, mcCfg.Draws)

	pool := workers.NewPool(r.logger, &workers.PoolConfig{
		Name:       "montecarlo",
		NumWorkers: r.cfg.Validation.Workers,
	})
	pool.Start()

	for d := 0; d < mcCfg.Draws; d++ {
		d := d
		pool.SubmitFunc(func() error {
			returns[d], drawdowns[d] = replayDraw(pnls, r.cfg.InitialCapital, mcCfg.Seed+int64(d))
			return nil
		})
	}
	pool.Close()

	losses := 0
	for _, ret := range returns {
		if ret < 0 {
			losses++
		}
	}

	result := &types.MonteCarloResult{
		Draws:           mcCfg.Draws,
		Seed:            mcCfg.Seed,
		MedianReturn:    decimal.NewFromFloat(percentile(returns, 0.50)),
		P5Return:        decimal.NewFromFloat(percentile(returns, 0.05)),
		P95Return:       decimal.NewFromFloat(percentile(returns, 0.95)),
		ProbabilityLoss: decimal.NewFromFloat(float64(losses) / float64(mcCfg.Draws)),
		MaxDrawdownP95:  decimal.NewFromFloat(percentile(drawdowns, 0.95)),
	}

	r.logger.Info("monte carlo complete",
		zap.Int("draws", mcCfg.Draws),
		zap.Int64("seed", mcCfg.Seed),
		zap.String("median_return", result.MedianReturn.String()),
		zap.String("p5_return", result.P5Return.String()),
	)
	return result, nil
}

// replayDraw resamples the trade P&Ls with replacement and replays them
// additively, returning total return and max drawdown of the synthetic
// equity path.
func replayDraw(pnls []float64, initialCapital float64, seed int64) (float64, float64) {
	rng := rand.New(rand.NewSource(seed))

	equity := initialCapital
	peak := initialCapital
	var maxDD float64
	for range pnls {
		equity += pnls[rng.Intn(len(pnls))]
		if equity > peak {
			peak = equity
		}
		if peak > 0 {
			if dd := (peak - equity) / peak; dd > maxDD {
				maxDD = dd
			}
		}
	}
	return equity/initialCapital - 1, maxDD
}

// percentile returns the p-quantile of xs with linear interpolation.
func percentile(xs []float64, p float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sorted := make([]float64, len(xs))
	copy(sorted, xs)
	sort.Float64s(sorted)

	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := p * float64(len(sorted)-1)
	lo := int(pos)
	if lo >= len(sorted)-1 {
		return sorted[len(sorted)-1]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[lo+1]*frac
}
