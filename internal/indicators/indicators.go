// Package indicators computes lagged per-asset signals from a price panel.
//
// Every output series is shifted one bar: the value readable at position T
// was computed from data through T-1, including everything derived from the
// benchmark. A NaN marks an undefined value (insufficient history), which
// downstream components must treat as ineligibility, never as a zero score.
package indicators

import (
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/halcyon-quant/trendbt/pkg/types"
)

const tradingDaysPerYear = 252

// Series is a float64 series aligned to the panel index. NaN = undefined.
type Series []float64

// Defined reports whether the value at i exists and is not NaN.
func (s Series) Defined(i int) bool {
	return i >= 0 && i < len(s) && !math.IsNaN(s[i])
}

// AssetIndicators holds all lagged signals for one asset.
type AssetIndicators struct {
	// LastClose is the close shifted one bar: the latest price visible at
	// the decision point.
	LastClose     Series
	Momentum      Series // rate-of-change over the momentum lookback
	TrendMA       Series // long simple moving average
	ShortMA       Series
	ShortMASlope  Series // relative change of the short MA over the slope lookback
	ATR           Series
	TrendStrength Series // ADX-style directional strength, 0-100
	Volatility    Series // annualized realized volatility
	VolPercentile Series // rank of current vol within its trailing window, 0-1
	TrailingDD    Series // drawdown from the rolling high, 0-1
	RollingLow    Series // N-period low of the daily lows
}

// Eligible reports whether the asset has every signal the ranking filter
// needs defined at position i.
func (a *AssetIndicators) Eligible(i int) bool {
	return a.LastClose.Defined(i) &&
		a.Momentum.Defined(i) &&
		a.TrendMA.Defined(i) &&
		a.ATR.Defined(i) &&
		a.TrendStrength.Defined(i) &&
		a.TrailingDD.Defined(i)
}

// Set is the full indicator panel for a universe plus its benchmark.
type Set struct {
	cfg    types.IndicatorConfig
	index  []time.Time
	assets map[string]*AssetIndicators
	bench  *AssetIndicators
}

// Compute builds the indicator set for every asset in the panel and for the
// benchmark series. lowLookback is the breakdown-exit window from the risk
// configuration. The benchmark must be aligned to the panel index.
func Compute(logger *zap.Logger, panel *types.PricePanel, bench []types.Bar, cfg types.IndicatorConfig, lowLookback int) (*Set, error) {
	if len(bench) != panel.Len() {
		return nil, fmt.Errorf("benchmark has %d bars, panel has %d", len(bench), panel.Len())
	}
	for i, bar := range bench {
		if !bar.Timestamp.Equal(panel.Index()[i]) {
			return nil, fmt.Errorf("benchmark timestamp mismatch at position %d", i)
		}
	}

	set := &Set{
		cfg:    cfg,
		index:  panel.Index(),
		assets: make(map[string]*AssetIndicators, len(panel.Symbols())),
	}

	for _, sym := range panel.Symbols() {
		set.assets[sym] = computeAsset(panel.Bars(sym), cfg, lowLookback)
	}
	set.bench = computeAsset(bench, cfg, lowLookback)

	logger.Debug("indicator set computed",
		zap.Int("assets", len(set.assets)),
		zap.Int("bars", len(set.index)),
		zap.Int("warmup", cfg.MaxLookback()),
	)
	return set, nil
}

// NewSet assembles a set from precomputed per-asset indicator series. The
// caller is responsible for alignment and lagging.
func NewSet(index []time.Time, assets map[string]*AssetIndicators, bench *AssetIndicators) *Set {
	return &Set{index: index, assets: assets, bench: bench}
}

// Asset returns the indicators for one symbol, or nil if unknown.
func (s *Set) Asset(symbol string) *AssetIndicators { return s.assets[symbol] }

// Benchmark returns the benchmark indicators.
func (s *Set) Benchmark() *AssetIndicators { return s.bench }

// Index returns the shared timestamp index.
func (s *Set) Index() []time.Time { return s.index }

func computeAsset(bars []types.Bar, cfg types.IndicatorConfig, lowLookback int) *AssetIndicators {
	closes := make([]float64, len(bars))
	lows := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
		lows[i] = b.Low
	}

	shortMA := sma(closes, cfg.ShortMAPeriod)
	vol := realizedVol(closes, cfg.VolWindow)

	return &AssetIndicators{
		LastClose:     shift(closes),
		Momentum:      shift(roc(closes, cfg.MomentumLookback)),
		TrendMA:       shift(sma(closes, cfg.TrendMAPeriod)),
		ShortMA:       shift(shortMA),
		ShortMASlope:  shift(relChange(shortMA, cfg.SlopeLookback)),
		ATR:           shift(atr(bars, cfg.ATRPeriod)),
		TrendStrength: shift(adx(bars, cfg.TrendStrengthPeriod)),
		Volatility:    shift(vol),
		VolPercentile: shift(percentileRank(vol, cfg.VolPercentileWindow)),
		TrailingDD:    shift(trailingDrawdown(closes, cfg.DrawdownLookback)),
		RollingLow:    shift(rollingMin(lows, lowLookback)),
	}
}

// shift applies the one-bar look-ahead guard: out[i] = in[i-1].
func shift(in []float64) Series {
	out := make(Series, len(in))
	if len(out) == 0 {
		return out
	}
	out[0] = math.NaN()
	copy(out[1:], in[:len(in)-1])
	return out
}

// sma computes a simple moving average over n periods.
func sma(values []float64, n int) []float64 {
	out := nanSlice(len(values))
	if n <= 0 || len(values) < n {
		return out
	}
	var sum float64
	for i, v := range values {
		sum += v
		if i >= n {
			sum -= values[i-n]
		}
		if i >= n-1 {
			out[i] = sum / float64(n)
		}
	}
	return out
}

// roc computes the relative price change over n periods.
func roc(closes []float64, n int) []float64 {
	out := nanSlice(len(closes))
	for i := n; i < len(closes); i++ {
		if closes[i-n] != 0 {
			out[i] = (closes[i] - closes[i-n]) / closes[i-n]
		}
	}
	return out
}

// relChange computes the relative change of a series over lag periods,
// propagating NaN from the input.
func relChange(values []float64, lag int) []float64 {
	out := nanSlice(len(values))
	for i := lag; i < len(values); i++ {
		prev := values[i-lag]
		if !math.IsNaN(values[i]) && !math.IsNaN(prev) && prev != 0 {
			out[i] = (values[i] - prev) / prev
		}
	}
	return out
}

// atr computes the rolling average of the true range over n periods.
func atr(bars []types.Bar, n int) []float64 {
	tr := nanSlice(len(bars))
	for i := 1; i < len(bars); i++ {
		h, l, pc := bars[i].High, bars[i].Low, bars[i-1].Close
		tr[i] = math.Max(h-l, math.Max(math.Abs(h-pc), math.Abs(l-pc)))
	}

	out := nanSlice(len(bars))
	if len(bars) <= n {
		return out
	}
	var sum float64
	for i := 1; i < len(bars); i++ {
		sum += tr[i]
		if i > n {
			sum -= tr[i-n]
		}
		if i >= n {
			out[i] = sum / float64(n)
		}
	}
	return out
}

// adx aggregates directional movement into a 0-100 trend-strength index.
func adx(bars []types.Bar, n int) []float64 {
	out := nanSlice(len(bars))
	if len(bars) < 2*n+1 {
		return out
	}

	plusDM := nanSlice(len(bars))
	minusDM := nanSlice(len(bars))
	tr := nanSlice(len(bars))
	for i := 1; i < len(bars); i++ {
		up := bars[i].High - bars[i-1].High
		down := bars[i-1].Low - bars[i].Low
		plusDM[i], minusDM[i] = 0, 0
		if up > down && up > 0 {
			plusDM[i] = up
		}
		if down > up && down > 0 {
			minusDM[i] = down
		}
		h, l, pc := bars[i].High, bars[i].Low, bars[i-1].Close
		tr[i] = math.Max(h-l, math.Max(math.Abs(h-pc), math.Abs(l-pc)))
	}

	dx := nanSlice(len(bars))
	var sumPlus, sumMinus, sumTR float64
	for i := 1; i < len(bars); i++ {
		sumPlus += plusDM[i]
		sumMinus += minusDM[i]
		sumTR += tr[i]
		if i > n {
			sumPlus -= plusDM[i-n]
			sumMinus -= minusDM[i-n]
			sumTR -= tr[i-n]
		}
		if i >= n && sumTR > 0 {
			plusDI := 100 * sumPlus / sumTR
			minusDI := 100 * sumMinus / sumTR
			if plusDI+minusDI > 0 {
				dx[i] = 100 * math.Abs(plusDI-minusDI) / (plusDI + minusDI)
			} else {
				dx[i] = 0
			}
		}
	}

	// ADX is the n-period average of DX.
	var sumDX float64
	count := 0
	for i := n; i < len(bars); i++ {
		if math.IsNaN(dx[i]) {
			continue
		}
		sumDX += dx[i]
		count++
		if count > n {
			sumDX -= dx[i-n]
			count = n
		}
		if count == n {
			out[i] = sumDX / float64(n)
		}
	}
	return out
}

// realizedVol computes annualized rolling volatility of log returns.
func realizedVol(closes []float64, window int) []float64 {
	out := nanSlice(len(closes))
	if len(closes) < window+1 {
		return out
	}

	rets := nanSlice(len(closes))
	for i := 1; i < len(closes); i++ {
		if closes[i-1] > 0 && closes[i] > 0 {
			rets[i] = math.Log(closes[i] / closes[i-1])
		}
	}

	for i := window; i < len(closes); i++ {
		var sum float64
		for j := i - window + 1; j <= i; j++ {
			sum += rets[j]
		}
		mean := sum / float64(window)

		var sq float64
		for j := i - window + 1; j <= i; j++ {
			d := rets[j] - mean
			sq += d * d
		}
		out[i] = math.Sqrt(sq/float64(window-1)) * math.Sqrt(tradingDaysPerYear)
	}
	return out
}

// percentileRank ranks each value against its trailing window, returning the
// fraction of trailing observations at or below the current value.
func percentileRank(values []float64, window int) []float64 {
	out := nanSlice(len(values))
	for i := range values {
		if math.IsNaN(values[i]) {
			continue
		}
		start := i - window + 1
		if start < 0 {
			start = 0
		}
		total, below := 0, 0
		for j := start; j <= i; j++ {
			if math.IsNaN(values[j]) {
				continue
			}
			total++
			if values[j] <= values[i] {
				below++
			}
		}
		// Require at least half the window before the rank is meaningful.
		if total >= window/2 && total > 1 {
			out[i] = float64(below) / float64(total)
		}
	}
	return out
}

// trailingDrawdown computes the decline from the rolling high over lookback.
func trailingDrawdown(closes []float64, lookback int) []float64 {
	out := nanSlice(len(closes))
	for i := lookback - 1; i < len(closes); i++ {
		high := closes[i-lookback+1]
		for j := i - lookback + 2; j <= i; j++ {
			if closes[j] > high {
				high = closes[j]
			}
		}
		if high > 0 {
			out[i] = (high - closes[i]) / high
		}
	}
	return out
}

// rollingMin computes the minimum over a trailing window of n periods.
func rollingMin(values []float64, n int) []float64 {
	out := nanSlice(len(values))
	if n <= 0 {
		return out
	}
	for i := n - 1; i < len(values); i++ {
		low := values[i-n+1]
		for j := i - n + 2; j <= i; j++ {
			if values[j] < low {
				low = values[j]
			}
		}
		out[i] = low
	}
	return out
}

func nanSlice(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}
