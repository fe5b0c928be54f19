// Package allocation converts ranked candidates into target portfolio weights.
package allocation

import (
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/halcyon-quant/trendbt/internal/ranking"
	"github.com/halcyon-quant/trendbt/internal/regime"
	"github.com/halcyon-quant/trendbt/pkg/types"
)

const tradingDaysPerYear = 252

// Engine builds TargetAllocations from ranked candidates, applying
// concentration caps, regime leverage caps, volatility targeting, and the
// optional core/satellite split.
type Engine struct {
	logger       *zap.Logger
	cfg          types.AllocationConfig
	safeHaven    string
	cashFallback bool
}

// NewEngine creates an allocation engine. safeHaven receives the full
// exposure when no candidate qualifies, unless cashFallback selects cash.
func NewEngine(logger *zap.Logger, cfg types.AllocationConfig, safeHaven string, cashFallback bool) *Engine {
	return &Engine{logger: logger, cfg: cfg, safeHaven: safeHaven, cashFallback: cashFallback}
}

// Build computes the target allocation for one rebalance date.
// priorReturns are the portfolio's daily returns before this date; the
// vol-target scalar is derived from them only, never from weights being
// produced here. trigger is recorded for the audit trail.
func (e *Engine) Build(date time.Time, candidates []ranking.Candidate, state regime.State, priorReturns []float64, trigger string) *types.TargetAllocation {
	gross := e.cfg.GrossExposure * e.cfg.LeverageCapFor(string(state))

	alloc := &types.TargetAllocation{
		Date:      date,
		Weights:   make(map[string]float64),
		VolScalar: 1.0,
		Trigger:   trigger,
	}

	coreGross := gross * e.cfg.CoreFraction
	satelliteGross := gross - coreGross

	for sym, w := range e.coreWeights(coreGross) {
		alloc.Weights[sym] += w
	}

	if len(candidates) == 0 {
		// Valid outcome, not an error: defer the satellite share to the
		// safe haven or cash per configuration.
		if !e.cashFallback && satelliteGross > 0 {
			alloc.Weights[e.safeHaven] += satelliteGross
			alloc.SafeHaven = true
		}
	} else {
		for sym, w := range e.satelliteWeights(candidates, satelliteGross) {
			alloc.Weights[sym] += w
		}
	}

	scalar := e.volScalar(priorReturns)
	alloc.VolScalar = scalar
	if scalar != 1.0 {
		for sym := range alloc.Weights {
			alloc.Weights[sym] *= scalar
		}
	}

	for _, w := range alloc.Weights {
		alloc.Gross += w
	}

	e.logger.Debug("allocation built",
		zap.Time("date", date),
		zap.String("regime", string(state)),
		zap.String("trigger", trigger),
		zap.Int("assets", len(alloc.Weights)),
		zap.Float64("gross", alloc.Gross),
		zap.Float64("vol_scalar", scalar),
	)
	return alloc
}

// coreWeights distributes the core share across the static core set in
// proportion to configured weights. Ranking never alters these.
func (e *Engine) coreWeights(coreGross float64) map[string]float64 {
	if coreGross <= 0 || len(e.cfg.CoreAssets) == 0 {
		return nil
	}
	var total float64
	for _, w := range e.cfg.CoreAssets {
		total += w
	}
	out := make(map[string]float64, len(e.cfg.CoreAssets))
	for sym, w := range e.cfg.CoreAssets {
		out[sym] = coreGross * w / total
	}
	return out
}

// satelliteWeights assigns score-proportional (or equal) weights summing to
// satelliteGross, then enforces the per-asset concentration cap by clipping
// violators and redistributing the excess proportionally among the rest.
func (e *Engine) satelliteWeights(candidates []ranking.Candidate, satelliteGross float64) map[string]float64 {
	if satelliteGross <= 0 {
		return nil
	}

	scores := make(map[string]float64, len(candidates))
	useEqual := e.cfg.Weighting == types.WeightEqual
	var sum float64
	for _, c := range candidates {
		scores[c.Symbol] = c.Score
		sum += c.Score
		if c.Score < 0 {
			useEqual = true
		}
	}
	if sum <= 0 {
		useEqual = true
	}
	if useEqual {
		for sym := range scores {
			scores[sym] = 1
		}
	}

	free := make([]string, 0, len(scores))
	for sym := range scores {
		free = append(free, sym)
	}
	sort.Strings(free)

	out := make(map[string]float64, len(scores))
	remaining := satelliteGross
	for len(free) > 0 && remaining > 0 {
		var freeSum float64
		for _, sym := range free {
			freeSum += scores[sym]
		}
		if freeSum <= 0 {
			break
		}

		next := free[:0]
		clipped := false
		for _, sym := range free {
			if remaining*scores[sym]/freeSum > e.cfg.MaxAssetWeight {
				out[sym] = e.cfg.MaxAssetWeight
				remaining -= e.cfg.MaxAssetWeight
				clipped = true
			} else {
				next = append(next, sym)
			}
		}
		if !clipped {
			// No violators left: the excess from clipped assets is
			// already folded into remaining, split it proportionally.
			for _, sym := range next {
				out[sym] = remaining * scores[sym] / freeSum
			}
			break
		}
		free = next
	}
	return out
}

// volScalar computes target_vol / realized_vol from prior portfolio returns,
// clipped to the maximum leverage. Degenerate inputs fall back to 1.0.
func (e *Engine) volScalar(priorReturns []float64) float64 {
	if e.cfg.TargetVolatility <= 0 {
		return 1.0
	}
	if len(priorReturns) < e.cfg.VolLookback {
		return 1.0
	}

	window := priorReturns[len(priorReturns)-e.cfg.VolLookback:]
	var sum float64
	for _, r := range window {
		sum += r
	}
	mean := sum / float64(len(window))
	var sq float64
	for _, r := range window {
		d := r - mean
		sq += d * d
	}
	realized := math.Sqrt(sq/float64(len(window)-1)) * math.Sqrt(tradingDaysPerYear)
	if realized <= 0 || math.IsNaN(realized) {
		return 1.0
	}

	scalar := e.cfg.TargetVolatility / realized
	if scalar > e.cfg.MaxLeverage {
		scalar = e.cfg.MaxLeverage
	}
	return scalar
}
