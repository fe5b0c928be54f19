package risk

import "github.com/halcyon-quant/trendbt/pkg/types"

// TrailingStop returns the updated stop for a long position: the highest
// favorable price since entry minus mult ATRs. The stop only ever tightens;
// a recomputed level below the current stop leaves it unchanged.
func TrailingStop(current, highestFavorable, atr, mult float64) float64 {
	candidate := highestFavorable - mult*atr
	if candidate > current {
		return candidate
	}
	return current
}

// Breakdown reports whether price has fallen below its trailing N-period low.
func Breakdown(price, rollingLow float64) bool {
	return price < rollingLow
}

// Pyramider decides when and how much to add to a winning position.
type Pyramider struct {
	cfg types.RiskConfig
}

// NewPyramider creates a pyramider from risk configuration.
func NewPyramider(cfg types.RiskConfig) *Pyramider {
	return &Pyramider{cfg: cfg}
}

// ShouldAdd reports whether a pyramid add triggers: price has advanced a
// configured ATR multiple beyond the previous add's reference price and the
// add budget is not exhausted.
func (p *Pyramider) ShouldAdd(adds int, price, lastRef, atr float64) bool {
	if adds >= p.cfg.MaxPyramidAdds {
		return false
	}
	if atr <= 0 {
		return false
	}
	return price >= lastRef+p.cfg.PyramidATRStep*atr
}

// AddFraction returns the size of add number addIndex (0-based) as a
// fraction of the initial position size. The schedule diminishes: first add
// 1/2, second 1/3, third 1/4.
func (p *Pyramider) AddFraction(addIndex int) float64 {
	return 1.0 / float64(addIndex+2)
}

// MaxValue caps the total position value at a multiple of the initial size.
func (p *Pyramider) MaxValue(initialValue float64) float64 {
	return p.cfg.MaxPositionMultiple * initialValue
}
